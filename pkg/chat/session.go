// Package chat implements the streaming session core of the jarvis client:
// the transport channel over a websocket, the conversation state that
// reconciles incrementally streamed assistant output with tool invocation
// events, and the session controller that owns the connection state machine.
package chat

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/viaiv/jarvis/pkg/protocol"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	// URL is the websocket endpoint, e.g. "wss://host/ws".
	URL string
	// Credentials supplies the bearer token attached at connect time.
	Credentials CredentialSource
	// Dialer opens transport channels; defaults to the websocket dialer.
	Dialer Dialer
	// OnChange, when set, is invoked after every observable state
	// transition (status, turns, streaming flag). It runs outside the
	// session lock, so callbacks may call back into the session.
	OnChange func()
}

// Session orchestrates the transport channel, codec and conversation state.
// All transitions run to completion under one mutex: a user submission, an
// inbound frame, or a lifecycle event never interleaves with another.
//
// The session owns at most one channel at a time. Handlers compare the
// event's origin channel against the currently held handle, so late
// callbacks from a superseded channel can never mutate current state.
type Session struct {
	cfg    SessionConfig
	dialer Dialer

	mu       sync.Mutex
	threadID string
	status   Status
	channel  Channel
	conv     *Conversation
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.URL == "" {
		return nil, errors.New("session url is empty")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("session credential source is nil")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = NewWebSocketDialer()
	}
	return &Session{
		cfg:      cfg,
		dialer:   dialer,
		threadID: uuid.NewString(),
		status:   StatusDisconnected,
		conv:     NewConversation(),
	}, nil
}

// ThreadID is the stable identifier attached to every outbound turn. It does
// not change across reconnects.
func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// Status returns the current connection status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsStreaming reports whether an assistant turn is currently receiving
// streamed content.
func (s *Session) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.IsStreaming()
}

// Turns returns a snapshot of the conversation.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Turns()
}

// Connect moves disconnected -> connecting when a credential is available.
// Without a credential this is a no-op, not an error: the precondition is
// simply unmet until the credential source produces one.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	s.connectLocked(ctx)
	s.mu.Unlock()
	s.notify()
}

// Reconnect forcibly discards the current channel, fetches a fresh
// credential and re-enters connecting. The discarded channel's late events
// are ignored by identity check. Any in-flight assistant turn is left in its
// last-received state.
func (s *Session) Reconnect(ctx context.Context) {
	s.mu.Lock()
	old := s.channel
	s.channel = nil
	s.status = StatusDisconnected
	if old != nil {
		// Close never invokes callbacks synchronously; the pump's eventual
		// OnClose fails the identity check and is dropped.
		_ = old.Close()
	}
	s.connectLocked(ctx)
	s.mu.Unlock()
	s.notify()
}

// Close tears down the session's channel, leaving it disconnected.
func (s *Session) Close() {
	s.mu.Lock()
	old := s.channel
	s.channel = nil
	s.status = StatusDisconnected
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	s.notify()
}

// SendMessage submits a user turn. Preconditions: connected, no assistant
// turn active, text non-empty after trimming. A violated precondition is a
// silent no-op (the UI disables submission); the return value reports
// whether the message was sent, for callers that want to know.
func (s *Session) SendMessage(text string) bool {
	text = strings.TrimSpace(text)

	s.mu.Lock()

	if text == "" || s.status != StatusConnected || s.channel == nil || s.conv.IsStreaming() {
		log.Debug().
			Str("component", "chat_session").
			Str("status", string(s.status)).
			Bool("streaming", s.conv.IsStreaming()).
			Msg("send preconditions not met, dropping submission")
		s.mu.Unlock()
		return false
	}

	frame, err := protocol.EncodeSubmit(protocol.Submit{Message: text, ThreadID: s.threadID})
	if err != nil {
		log.Warn().Err(err).Str("component", "chat_session").Msg("failed to encode submit frame")
		s.mu.Unlock()
		return false
	}

	s.conv.AppendUserTurn(text)
	s.conv.BeginAssistantTurn()

	if err := s.channel.Send(frame); err != nil {
		// The channel closed mid-call; the pending close event will move the
		// session to disconnected. The turn keeps its partial state.
		log.Warn().Err(err).Str("component", "chat_session").Msg("submit send failed")
	}

	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Session) connectLocked(ctx context.Context) {
	if s.status != StatusDisconnected {
		return
	}
	token, ok := s.cfg.Credentials.Credential()
	if !ok {
		log.Debug().Str("component", "chat_session").Msg("no credential available, staying disconnected")
		return
	}
	target, err := authenticatedURL(s.cfg.URL, token)
	if err != nil {
		log.Warn().Err(err).Str("component", "chat_session").Msg("invalid session url")
		return
	}
	s.status = StatusConnecting
	ch, err := s.dialer.Dial(ctx, target, ChannelCallbacks{
		OnOpen:    s.handleOpen,
		OnMessage: s.handleMessage,
		OnClose:   s.handleClose,
	})
	if err != nil {
		log.Warn().Err(err).Str("component", "chat_session").Msg("dial failed")
		s.status = StatusDisconnected
		return
	}
	s.channel = ch
}

func (s *Session) handleOpen(ch Channel) {
	s.mu.Lock()
	if ch != s.channel {
		s.mu.Unlock()
		log.Debug().Str("component", "chat_session").Msg("open from superseded channel, ignoring")
		return
	}
	if s.status == StatusConnecting {
		s.status = StatusConnected
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) handleClose(ch Channel, err error) {
	s.mu.Lock()
	if ch != s.channel {
		s.mu.Unlock()
		log.Debug().Str("component", "chat_session").Msg("close from superseded channel, ignoring")
		return
	}
	log.Debug().Err(err).Str("component", "chat_session").Msg("channel closed")
	s.channel = nil
	s.status = StatusDisconnected
	s.mu.Unlock()
	s.notify()
}

func (s *Session) handleMessage(ch Channel, data []byte) {
	s.mu.Lock()
	if ch != s.channel {
		s.mu.Unlock()
		log.Debug().Str("component", "chat_session").Msg("frame from superseded channel, ignoring")
		return
	}

	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		// Unknown or malformed frames must never crash the stream.
		s.mu.Unlock()
		log.Warn().Err(err).Str("component", "chat_session").Msg("dropping undecodable frame")
		return
	}

	switch e := ev.(type) {
	case protocol.Token:
		s.conv.AppendToken(e.Content)
	case protocol.ToolStart:
		s.conv.StartTool(e.CallID, e.Name)
	case protocol.ToolEnd:
		s.conv.CompleteTool(e.CallID, e.Output)
	case protocol.End:
		s.conv.EndTurn()
	case protocol.Error:
		s.conv.FailTurn(e.Content)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange()
	}
}

// authenticatedURL attaches the bearer credential as the token query
// parameter, the out-of-band channel the server authenticates on.
func authenticatedURL(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrap(err, "parse session url")
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
