package connection

import "errors"

var (
	// ErrNotConnected is reported for emits attempted while the channel is down.
	ErrNotConnected = errors.New("channel not connected")
	// ErrAckTimeout is reported when the server does not acknowledge in time.
	ErrAckTimeout = errors.New("acknowledgement timed out")
	// ErrConnectionLost is reported for acks outstanding when the channel drops.
	ErrConnectionLost = errors.New("connection lost")
	// ErrUnauthorized is a rejected credential. It is never retried.
	ErrUnauthorized = errors.New("credential rejected")
	// ErrRetriesExhausted is reported once the reconnect budget is spent.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	// ErrOutboundFull is reported when the write queue cannot take another frame.
	ErrOutboundFull = errors.New("outbound queue full")
	// ErrMalformedFrame marks an inbound frame that could not be decoded.
	ErrMalformedFrame = errors.New("malformed frame")
)
