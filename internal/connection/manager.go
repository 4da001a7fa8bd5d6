// Package connection owns the lifecycle of the persistent chat channel:
// handshake, bounded reconnection, acknowledged sends and teardown.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"storefront-chat/internal/models"
	"storefront-chat/internal/observability"
)

const (
	// DefaultSendTimeout bounds how long an emit waits for its ack.
	DefaultSendTimeout = 10 * time.Second
	handshakeTimeout   = 10 * time.Second
	outboundBuffer     = 64
)

// HandlerFunc consumes the data of one inbound event.
type HandlerFunc func(data json.RawMessage)

// AckFunc receives the server acknowledgement of an emit, or the transport
// error that prevented one. It is always invoked asynchronously.
type AckFunc func(res models.AckResult, err error)

// StateFunc observes connection state transitions. err carries the cause of a
// transition to Disconnected, if any.
type StateFunc func(state State, err error)

// Options configures a Manager.
type Options struct {
	URL         string
	Dialer      Dialer
	Policy      Policy
	SendTimeout time.Duration
	Logger      *slog.Logger
	OnState     StateFunc
}

type pendingAck struct {
	fn    AckFunc
	timer *time.Timer
}

// Manager keeps at most one physical channel per session. Every physical
// connection gets a generation number; frames, timers and acks belonging to an
// older generation are ignored.
type Manager struct {
	url         string
	dialer      Dialer
	sendTimeout time.Duration
	logger      *slog.Logger
	onState     StateFunc

	mu              sync.Mutex
	fsm             *Machine
	handlers        map[string]HandlerFunc
	credential      string
	conversationID  string
	gen             uint64
	conn            Conn
	out             chan models.Frame
	pending         map[uint64]*pendingAck
	nextAck         uint64
	awaitingHistory bool
	retryTimer      *time.Timer
	cancelDial      context.CancelFunc
	lastErr         error
}

// NewManager builds a disconnected Manager.
func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	return &Manager{
		url:         opts.URL,
		dialer:      opts.Dialer,
		sendTimeout: opts.SendTimeout,
		logger:      opts.Logger.With("component", "connection"),
		onState:     opts.OnState,
		fsm:         NewMachine(opts.Policy),
		handlers:    make(map[string]HandlerFunc),
		pending:     make(map[uint64]*pendingAck),
	}
}

// On registers the handler for an inbound event, replacing any previous one.
func (m *Manager) On(event string, handler HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = handler
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.State()
}

// Err returns the cause of the last transition to Disconnected.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// SetConversation sets the conversation whose history is requested after
// every successful (re)connect.
func (m *Manager) SetConversation(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversationID = conversationID
}

// Connect opens the channel in the background. It is a no-op while connecting
// or connected with the same credential; a different credential replaces the
// current channel.
func (m *Manager) Connect(credential string) {
	m.mu.Lock()
	if m.fsm.State() != Disconnected && credential == m.credential {
		m.mu.Unlock()
		return
	}
	if m.fsm.State() != Disconnected {
		m.closeLocked(nil)
		m.fsm.Stop()
	}
	m.stopRetryLocked()
	m.credential = credential
	m.lastErr = nil
	m.fsm.Start()
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.notify(Connecting, nil)
	go m.dial(gen)
}

// Disconnect releases the channel, clears all handlers and abandons in-flight
// acknowledgements without reporting them. It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	was := m.fsm.State()
	m.gen++
	m.stopRetryLocked()
	m.closeLocked(nil)
	m.fsm.Stop()
	m.handlers = make(map[string]HandlerFunc)
	m.credential = ""
	m.mu.Unlock()

	if was != Disconnected {
		m.notify(Disconnected, nil)
	}
}

// Emit queues an event for the server. It never blocks on the network and
// never reports failure synchronously: ack, when non-nil, is called exactly
// once from another goroutine.
func (m *Manager) Emit(event string, payload any, ack AckFunc) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.failAsync(ack, fmt.Errorf("encode %s: %w", event, err))
		return
	}

	m.mu.Lock()
	if m.fsm.State() != Connected || m.out == nil {
		m.mu.Unlock()
		m.failAsync(ack, ErrNotConnected)
		return
	}

	frame := models.Frame{Event: event, Data: data}
	if ack != nil {
		m.nextAck++
		id := m.nextAck
		gen := m.gen
		frame.Ack = id
		m.pending[id] = &pendingAck{
			fn:    ack,
			timer: time.AfterFunc(m.sendTimeout, func() { m.expire(gen, id) }),
		}
	}

	select {
	case m.out <- frame:
		m.mu.Unlock()
	default:
		if p, ok := m.pending[frame.Ack]; ok && frame.Ack != 0 {
			p.timer.Stop()
			delete(m.pending, frame.Ack)
		}
		m.mu.Unlock()
		m.failAsync(ack, ErrOutboundFull)
	}
}

func (m *Manager) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.cancelDial = cancel
	credential := m.credential
	attempt := m.fsm.Attempts()
	m.mu.Unlock()

	ctx, span := otel.Tracer("storefront-chat/connection").Start(ctx, "chat.connect")
	span.SetAttributes(attribute.Int("chat.reconnect_attempt", attempt))
	conn, err := m.dialer.Dial(ctx, m.url, credential)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	m.mu.Lock()
	m.cancelDial = nil
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			m.fsm.Stop()
			m.lastErr = err
			m.gen++
			m.mu.Unlock()
			m.logger.Error("credential rejected", "error", err)
			m.notify(Disconnected, err)
			return
		}
		m.dropLocked(err)
		return
	}

	m.fsm.Established()
	m.conn = conn
	out := make(chan models.Frame, outboundBuffer)
	m.out = out
	m.awaitingHistory = true
	// The join frame goes first so that nothing reaches the server before it.
	join, _ := json.Marshal(models.JoinPayload{ConversationID: m.conversationID})
	out <- models.Frame{Event: models.EventJoinConversation, Data: join}
	m.mu.Unlock()

	go m.writeLoop(gen, conn, out)
	go m.readLoop(gen, conn)

	m.logger.Info("channel connected", "url", m.url)
	m.notify(Connected, nil)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				m.logger.Warn("dropping malformed frame", "error", err)
				observability.IncClientFrame("unknown", "malformed")
				continue
			}
			m.mu.Lock()
			if gen != m.gen {
				m.mu.Unlock()
				return
			}
			m.dropLocked(err)
			return
		}
		m.dispatch(gen, frame)
	}
}

func (m *Manager) writeLoop(gen uint64, conn Conn, out <-chan models.Frame) {
	for frame := range out {
		if err := conn.WriteFrame(frame); err != nil {
			m.mu.Lock()
			if gen != m.gen {
				m.mu.Unlock()
				return
			}
			m.dropLocked(err)
			return
		}
	}
}

func (m *Manager) dispatch(gen uint64, frame models.Frame) {
	if frame.Event == models.EventAck {
		m.resolve(gen, frame)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if frame.Event == models.EventHistory {
		if !m.awaitingHistory {
			m.mu.Unlock()
			m.logger.Debug("ignoring unsolicited history")
			observability.IncClientFrame(frame.Event, "ignored")
			return
		}
		m.awaitingHistory = false
	}
	handler := m.handlers[frame.Event]
	m.mu.Unlock()

	if handler == nil {
		m.logger.Debug("no handler for event", "event", frame.Event)
		observability.IncClientFrame(frame.Event, "unhandled")
		return
	}
	observability.IncClientFrame(frame.Event, "dispatched")
	handler(frame.Data)
}

func (m *Manager) resolve(gen uint64, frame models.Frame) {
	var res models.AckResult
	decodeErr := json.Unmarshal(frame.Data, &res)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	p, ok := m.pending[frame.Ack]
	if ok {
		p.timer.Stop()
		delete(m.pending, frame.Ack)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("ack for unknown request", "ack", frame.Ack)
		return
	}
	if decodeErr != nil {
		m.logger.Warn("malformed ack", "ack", frame.Ack, "error", decodeErr)
		p.fn(models.AckResult{}, fmt.Errorf("%w: %v", ErrMalformedFrame, decodeErr))
		return
	}
	p.fn(res, nil)
}

func (m *Manager) expire(gen uint64, id uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if ok {
		p.fn(models.AckResult{}, ErrAckTimeout)
	}
}

// dropLocked handles an unexpected loss of the current channel and schedules
// the next attempt. It must be called with m.mu held and releases it.
func (m *Manager) dropLocked(cause error) {
	m.closeLocked(ErrConnectionLost)
	m.gen++
	delay, ok := m.fsm.Lost()
	if !ok {
		m.lastErr = fmt.Errorf("%w: %v", ErrRetriesExhausted, cause)
		err := m.lastErr
		m.mu.Unlock()
		m.logger.Warn("channel down, giving up", "error", cause)
		m.notify(Disconnected, err)
		return
	}

	gen := m.gen
	attempt := m.fsm.Attempts()
	m.lastErr = cause
	m.retryTimer = time.AfterFunc(delay, func() { m.retry(gen) })
	m.mu.Unlock()

	observability.IncClientReconnect()
	m.logger.Warn("channel down, reconnecting", "error", cause, "attempt", attempt, "delay", delay)
	m.notify(Disconnected, cause)
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.fsm.Retry() {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.mu.Unlock()

	m.notify(Connecting, nil)
	m.dial(gen)
}

// closeLocked tears down the physical channel. Outstanding acks are failed
// with cause, or dropped silently when cause is nil.
func (m *Manager) closeLocked(cause error) {
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.conn != nil {
		close(m.out)
		conn := m.conn
		go func() { _ = conn.Close() }()
		m.conn = nil
		m.out = nil
	}
	m.awaitingHistory = false

	for id, p := range m.pending {
		p.timer.Stop()
		delete(m.pending, id)
		if cause != nil {
			go p.fn(models.AckResult{}, cause)
		}
	}
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) failAsync(ack AckFunc, err error) {
	if ack == nil {
		return
	}
	go ack(models.AckResult{}, err)
}

func (m *Manager) notify(state State, err error) {
	observability.SetClientConnectionState(int(state))
	if m.onState != nil {
		m.onState(state, err)
	}
}
