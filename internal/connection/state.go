package connection

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is the lifecycle state of the channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Policy bounds reconnection.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultPolicy retries 5 times with delays of 0.5s, 1s, 2s, 4s and 8s.
func DefaultPolicy() Policy {
	return Policy{Attempts: 5, Base: 500 * time.Millisecond, Max: 8 * time.Second}
}

// Machine is the reconnect state machine:
//
//	disconnected -> connecting -> connected
//	connected -> disconnected -> connecting   (while retries remain)
//
// It holds no connection itself; the Manager drives it.
type Machine struct {
	state    State
	policy   Policy
	attempts int
	retrying bool
	backoff  backoff.BackOff
}

// NewMachine creates a machine in the disconnected state.
func NewMachine(policy Policy) *Machine {
	if policy.Attempts < 0 {
		policy.Attempts = 0
	}
	if policy.Base <= 0 {
		policy.Base = DefaultPolicy().Base
	}
	if policy.Max < policy.Base {
		policy.Max = policy.Base
	}
	return &Machine{state: Disconnected, policy: policy, backoff: newBackOff(policy)}
}

func newBackOff(policy Policy) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.Base
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = policy.Max
	exp.MaxElapsedTime = 0
	b := backoff.WithMaxRetries(exp, uint64(policy.Attempts))
	b.Reset()
	return b
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Attempts returns how many reconnects have been scheduled since the last success.
func (m *Machine) Attempts() int {
	return m.attempts
}

// Start begins a caller-initiated connection with a fresh retry budget.
func (m *Machine) Start() bool {
	if m.state != Disconnected {
		return false
	}
	m.reset()
	m.state = Connecting
	return true
}

// Established records a successful handshake and refills the retry budget.
func (m *Machine) Established() bool {
	if m.state != Connecting {
		return false
	}
	m.reset()
	m.state = Connected
	return true
}

// Lost records a dropped channel or a failed dial. It returns the delay before
// the next attempt, or false when the budget is exhausted.
func (m *Machine) Lost() (time.Duration, bool) {
	if m.state == Disconnected {
		return 0, false
	}
	m.state = Disconnected
	if m.policy.Attempts == 0 {
		m.retrying = false
		return 0, false
	}
	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop {
		m.retrying = false
		return 0, false
	}
	m.attempts++
	m.retrying = true
	return delay, true
}

// Retry moves a scheduled reconnect to connecting.
func (m *Machine) Retry() bool {
	if m.state != Disconnected || !m.retrying {
		return false
	}
	m.retrying = false
	m.state = Connecting
	return true
}

// Stop forces the disconnected state and cancels any scheduled retry.
func (m *Machine) Stop() {
	m.state = Disconnected
	m.retrying = false
}

func (m *Machine) reset() {
	m.attempts = 0
	m.retrying = false
	m.backoff.Reset()
}
