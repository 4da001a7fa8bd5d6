// Package chat is the host-facing surface of the support chat engine. A
// Session owns one conversation's message store, read state and notification
// side effects, and drives them from the frames of a single channel.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"storefront-chat/internal/connection"
	"storefront-chat/internal/models"
	"storefront-chat/internal/notify"
	"storefront-chat/internal/observability"
	"storefront-chat/internal/readstate"
	"storefront-chat/internal/store"
)

const notifyTimeout = 5 * time.Second

// Channel is the persistent channel a Session talks through.
// *connection.Manager implements it.
type Channel interface {
	On(event string, handler connection.HandlerFunc)
	Connect(credential string)
	Disconnect()
	Emit(event string, payload any, ack connection.AckFunc)
	State() connection.State
	Err() error
	SetConversation(conversationID string)
}

// Options configures a Session.
type Options struct {
	URL            string
	ConversationID string
	UserID         string
	Role           models.SenderRole
	Policy         connection.Policy
	SendTimeout    time.Duration
	Dialer         connection.Dialer
	// Channel replaces the websocket manager built from URL, Dialer, Policy
	// and SendTimeout. Its state changes must be fed to ObserveState.
	Channel  Channel
	Facility notify.Facility
	LinkBase string
	Logger   *slog.Logger
	OnState  connection.StateFunc
}

// Session drives one conversation at a time. All inbound handlers and host
// calls are serialized by its mutex.
type Session struct {
	channel Channel
	bridge  *notify.Bridge
	logger  *slog.Logger
	onState connection.StateFunc
	userID  string
	role    models.SenderRole
	updates chan struct{}
	// confirmTimeout bounds how long an acknowledged send may wait for its
	// newMessage before it is failed.
	confirmTimeout time.Duration

	mu             sync.Mutex
	store          *store.Store
	reads          *readstate.Synchronizer
	conversationID string
	current        bool
	gen            uint64
}

// New builds a closed Session. Without a Channel it dials opts.URL through a
// connection.Manager; without a Facility notifications are logged.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ConversationID == "" {
		opts.ConversationID = models.TempConversationID
	}
	if opts.Role == "" {
		opts.Role = models.RoleCustomer
	}
	if opts.Facility == nil {
		opts.Facility = notify.LogFacility{Logger: logger}
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = connection.DefaultSendTimeout
	}

	s := &Session{
		bridge:         notify.NewBridge(opts.Facility, opts.LinkBase, logger),
		logger:         logger.With("component", "chat"),
		onState:        opts.OnState,
		userID:         opts.UserID,
		role:           opts.Role,
		updates:        make(chan struct{}, 1),
		confirmTimeout: opts.SendTimeout,
		conversationID: opts.ConversationID,
	}

	s.channel = opts.Channel
	if s.channel == nil {
		s.channel = connection.NewManager(connection.Options{
			URL:         opts.URL,
			Dialer:      opts.Dialer,
			Policy:      opts.Policy,
			SendTimeout: opts.SendTimeout,
			Logger:      logger,
			OnState:     s.ObserveState,
		})
	}
	s.resetLocked()
	return s
}

// resetLocked starts a fresh store and read state for the current conversation.
func (s *Session) resetLocked() {
	s.store = store.New()
	s.reads = readstate.New(s.store, s.role, s.userID, s.sendReceipt)
	s.reads.SetConversation(s.conversationID)
}

// Open registers the inbound handlers and connects. Calling it again while
// the channel is up is a no-op.
func (s *Session) Open(credential string) {
	s.mu.Lock()
	if !s.current {
		s.current = true
		s.gen++
		s.registerLocked(s.gen)
	}
	s.channel.SetConversation(s.conversationID)
	s.mu.Unlock()

	s.channel.Connect(credential)
}

// Close stops inbound processing at once, then releases the channel. Sends
// still waiting for an ack are abandoned without being reported.
func (s *Session) Close() {
	s.mu.Lock()
	s.current = false
	s.gen++
	s.mu.Unlock()

	s.channel.Disconnect()
}

// Switch moves the session to another conversation with a fresh store.
func (s *Session) Switch(conversationID, credential string) {
	s.Close()

	s.mu.Lock()
	if conversationID == "" {
		conversationID = models.TempConversationID
	}
	s.conversationID = conversationID
	s.resetLocked()
	s.mu.Unlock()

	s.signal()
	s.Open(credential)
}

func (s *Session) registerLocked(gen uint64) {
	s.channel.On(models.EventNewMessage, func(data json.RawMessage) { s.handleNewMessage(gen, data) })
	s.channel.On(models.EventHistory, func(data json.RawMessage) { s.handleHistory(gen, data) })
	s.channel.On(models.EventMessageRead, func(data json.RawMessage) { s.handleMessageRead(gen, data) })
	s.channel.On(models.EventError, func(data json.RawMessage) { s.handleError(gen, data) })
}

// liveLocked is the "still current" guard every inbound path checks.
func (s *Session) liveLocked(gen uint64) bool {
	return s.current && gen == s.gen
}

// Send appends an optimistic message and emits it. The returned correlation
// id identifies the entry until the server confirms it. When the channel is
// not connected the entry is failed immediately.
func (s *Session) Send(content string, kind models.Kind, payload json.RawMessage) string {
	if kind == "" {
		kind = models.KindText
	}

	s.mu.Lock()
	msg := s.store.AppendOptimistic(models.Message{
		ConversationID: s.conversationID,
		SenderID:       s.userID,
		SenderRole:     s.role,
		Content:        content,
		Kind:           kind,
		Payload:        payload,
	})
	corr := msg.CorrelationID
	gen := s.gen

	if !s.current || s.channel.State() != connection.Connected {
		s.store.MarkFailed(corr)
		s.mu.Unlock()
		observability.IncClientSend("not_connected")
		s.signal()
		return corr
	}

	out := models.SendMessagePayload{
		ConversationID: s.conversationID,
		Content:        content,
		Kind:           kind,
		Payload:        payload,
		CorrelationID:  corr,
	}
	s.mu.Unlock()

	s.signal()
	s.channel.Emit(models.EventSendMessage, out, func(res models.AckResult, err error) {
		s.handleAck(gen, corr, res, err)
	})
	return corr
}

func (s *Session) handleAck(gen uint64, corr string, res models.AckResult, err error) {
	var arrival notify.Arrival

	s.mu.Lock()
	if !s.liveLocked(gen) {
		s.mu.Unlock()
		return
	}
	switch {
	case err != nil:
		s.store.MarkFailed(corr)
		observability.IncClientSend(sendErrorLabel(err))
		s.logger.Warn("send failed", "correlation_id", corr, "error", err)
	case !res.Success:
		s.store.MarkFailed(corr)
		observability.IncClientSend("rejected")
		s.logger.Warn("send rejected", "correlation_id", corr, "reason", res.Error)
	case res.Message != nil:
		msg := *res.Message
		if msg.CorrelationID == "" {
			msg.CorrelationID = corr
		}
		observability.IncClientSend("acked")
		if verr := msg.Validate(); verr != nil {
			s.logger.Warn("ack carried malformed message", "correlation_id", corr, "error", verr)
			break
		}
		s.adoptLocked(msg.ConversationID)
		arrival = s.applyLocked(msg)
	default:
		// Confirmed; the entry is reconciled by the newMessage broadcast.
		observability.IncClientSend("acked")
		time.AfterFunc(s.confirmTimeout, func() { s.expireUnconfirmed(gen, corr) })
	}
	s.mu.Unlock()

	s.signal()
	s.forward(arrival)
}

// expireUnconfirmed fails an acknowledged send whose newMessage never came.
func (s *Session) expireUnconfirmed(gen uint64, corr string) {
	s.mu.Lock()
	failed := s.liveLocked(gen) && s.store.MarkFailed(corr)
	s.mu.Unlock()
	if !failed {
		return
	}
	observability.IncClientSend("unconfirmed")
	s.logger.Warn("send acknowledged but never delivered", "correlation_id", corr)
	s.signal()
}

func sendErrorLabel(err error) string {
	switch {
	case errors.Is(err, connection.ErrAckTimeout):
		return "timeout"
	case errors.Is(err, connection.ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, connection.ErrNotConnected):
		return "not_connected"
	}
	return "error"
}

func (s *Session) handleNewMessage(gen uint64, data json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("dropping undecodable message", "error", err)
		observability.IncClientFrame(models.EventNewMessage, "malformed")
		return
	}
	if err := msg.Validate(); err != nil {
		s.logger.Warn("dropping malformed message", "error", err)
		observability.IncClientFrame(models.EventNewMessage, "malformed")
		return
	}

	s.mu.Lock()
	if !s.liveLocked(gen) {
		s.mu.Unlock()
		return
	}
	s.adoptLocked(msg.ConversationID)
	if msg.ConversationID != s.conversationID {
		s.mu.Unlock()
		s.logger.Debug("ignoring message for another conversation", "conversation_id", msg.ConversationID)
		return
	}
	arrival := s.applyLocked(msg)
	s.mu.Unlock()

	s.signal()
	s.forward(arrival)
}

// applyLocked runs a server message through the store and read state and
// describes the outcome for the notification bridge.
func (s *Session) applyLocked(msg models.Message) notify.Arrival {
	outcome, pos := s.store.Apply(msg)
	switch outcome {
	case store.Duplicate:
		observability.IncClientFrame(models.EventNewMessage, "duplicate")
		return notify.Arrival{}
	case store.Reconciled:
		return notify.Arrival{Message: msg}
	}

	focused := s.reads.Focused()
	s.reads.OnInbound(pos)
	stored, _ := s.store.At(pos)
	return notify.Arrival{
		Message:  stored,
		Appended: true,
		Peer:     s.reads.IsPeer(stored),
		Focused:  focused,
	}
}

// adoptLocked takes over the server-assigned conversation id while the local
// one is still temporary.
func (s *Session) adoptLocked(conversationID string) {
	if s.conversationID != models.TempConversationID || conversationID == "" || conversationID == models.TempConversationID {
		return
	}
	s.conversationID = conversationID
	s.reads.SetConversation(conversationID)
	s.channel.SetConversation(conversationID)
}

func (s *Session) handleHistory(gen uint64, data json.RawMessage) {
	var snapshot []models.Message
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.logger.Warn("dropping undecodable history", "error", err)
		observability.IncClientFrame(models.EventHistory, "malformed")
		return
	}

	valid := snapshot[:0]
	for _, msg := range snapshot {
		if err := msg.Validate(); err != nil {
			s.logger.Warn("dropping malformed history entry", "error", err)
			continue
		}
		valid = append(valid, msg)
	}

	s.mu.Lock()
	if !s.liveLocked(gen) {
		s.mu.Unlock()
		return
	}
	if len(valid) > 0 {
		s.adoptLocked(valid[0].ConversationID)
	}
	own := valid[:0]
	for _, msg := range valid {
		if msg.ConversationID == s.conversationID {
			own = append(own, msg)
		}
	}
	s.store.Load(own)
	unread := s.reads.Recount()
	s.mu.Unlock()

	s.logger.Info("history loaded", "messages", len(own), "unread", unread)
	s.signal()
}

func (s *Session) handleMessageRead(gen uint64, data json.RawMessage) {
	var receipt models.MessageReadPayload
	if err := json.Unmarshal(data, &receipt); err != nil {
		s.logger.Warn("dropping undecodable read receipt", "error", err)
		observability.IncClientFrame(models.EventMessageRead, "malformed")
		return
	}

	s.mu.Lock()
	if !s.liveLocked(gen) {
		s.mu.Unlock()
		return
	}
	n := s.reads.OnPeerRead(receipt.ConversationID, receipt.UserID)
	s.mu.Unlock()

	if n > 0 {
		s.signal()
	}
}

func (s *Session) handleError(gen uint64, data json.RawMessage) {
	var payload models.ErrorPayload
	_ = json.Unmarshal(data, &payload)

	s.mu.Lock()
	live := s.liveLocked(gen)
	s.mu.Unlock()
	if live {
		s.logger.Warn("server reported error", "error", payload.Error)
	}
}

// SetFocused feeds the host's focus signal.
func (s *Session) SetFocused(focused bool) {
	s.mu.Lock()
	s.reads.SetFocused(focused)
	s.mu.Unlock()
	s.signal()
}

// MarkAsRead marks every peer message read and sends one receipt.
func (s *Session) MarkAsRead() {
	s.mu.Lock()
	s.reads.MarkAllRead()
	s.mu.Unlock()
	s.signal()
}

// Messages returns the conversation in display order.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Snapshot()
}

// Unread returns the number of peer messages not yet read.
func (s *Session) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads.Unread()
}

// ConversationID returns the active conversation, "temp" until the server
// assigns one.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Connection returns the channel state and the cause of the last disconnect.
func (s *Session) Connection() (connection.State, error) {
	return s.channel.State(), s.channel.Err()
}

// Updates signals, coalesced, that messages, unread count or connection
// state changed.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// ObserveState receives connection state transitions from the channel.
func (s *Session) ObserveState(state connection.State, err error) {
	s.logger.Info("connection state", "state", state.String(), "error", err)
	s.signal()
	if s.onState != nil {
		s.onState(state, err)
	}
}

func (s *Session) sendReceipt(conversationID string) {
	s.channel.Emit(models.EventMarkAsRead, models.MarkAsReadPayload{ConversationID: conversationID}, nil)
}

func (s *Session) forward(a notify.Arrival) {
	if !a.Appended {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	s.bridge.Forward(ctx, a)
}

func (s *Session) signal() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
