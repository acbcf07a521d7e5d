package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viaiv/jarvis/pkg/protocol"
)

type fakeChannel struct {
	mu     sync.Mutex
	cb     ChannelCallbacks
	sent   [][]byte
	closed bool
}

func (f *fakeChannel) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrChannelClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

// deliver pushes a raw inbound frame through the channel's callback surface.
func (f *fakeChannel) deliver(t *testing.T, ev protocol.Event) {
	t.Helper()
	b, err := protocol.EncodeEvent(ev)
	require.NoError(t, err)
	f.cb.OnMessage(f, b)
}

type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	urls     []string
}

func (d *fakeDialer) Dial(_ context.Context, url string, cb ChannelCallbacks) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := &fakeChannel{cb: cb}
	d.channels = append(d.channels, ch)
	d.urls = append(d.urls, url)
	return ch, nil
}

func (d *fakeDialer) last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

func newTestSession(t *testing.T, cred CredentialSource) (*Session, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	s, err := NewSession(SessionConfig{
		URL:         "ws://example.test/ws",
		Credentials: cred,
		Dialer:      dialer,
	})
	require.NoError(t, err)
	return s, dialer
}

func newConnectedSession(t *testing.T) (*Session, *fakeDialer, *fakeChannel) {
	t.Helper()
	s, dialer := newTestSession(t, StaticCredential("tok-1"))
	s.Connect(context.Background())
	ch := dialer.last()
	require.NotNil(t, ch)
	ch.cb.OnOpen(ch)
	require.Equal(t, StatusConnected, s.Status())
	return s, dialer, ch
}

func TestConnectWithoutCredentialStaysDisconnected(t *testing.T) {
	s, dialer := newTestSession(t, StaticCredential(""))
	s.Connect(context.Background())
	assert.Equal(t, StatusDisconnected, s.Status())
	assert.Nil(t, dialer.last())
}

func TestConnectAttachesCredentialToURL(t *testing.T) {
	s, dialer := newTestSession(t, StaticCredential("tok-1"))
	s.Connect(context.Background())
	require.Equal(t, StatusConnecting, s.Status())
	require.Len(t, dialer.urls, 1)
	assert.Equal(t, "ws://example.test/ws?token=tok-1", dialer.urls[0])
}

func TestCloseWhileConnectingReturnsToDisconnected(t *testing.T) {
	s, dialer := newTestSession(t, StaticCredential("tok-1"))
	s.Connect(context.Background())
	ch := dialer.last()

	ch.cb.OnClose(ch, assert.AnError)
	assert.Equal(t, StatusDisconnected, s.Status())
	assert.Empty(t, s.Turns())
}

func TestSendMessageCreatesTurnsAndSendsFrame(t *testing.T) {
	s, _, ch := newConnectedSession(t)

	require.True(t, s.SendMessage("hello"))
	assert.True(t, s.IsStreaming())

	turns := s.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "hello", turns[0].Content)
	assert.Equal(t, RoleAssistant, turns[1].Role)
	assert.Equal(t, "", turns[1].Content)

	frames := ch.sentFrames()
	require.Len(t, frames, 1)
	var sent map[string]string
	require.NoError(t, json.Unmarshal(frames[0], &sent))
	assert.Equal(t, "hello", sent["message"])
	assert.Equal(t, s.ThreadID(), sent["thread_id"])
}

func TestSendMessagePreconditions(t *testing.T) {
	s, _, ch := newConnectedSession(t)

	assert.False(t, s.SendMessage("   "))
	assert.Empty(t, s.Turns())

	require.True(t, s.SendMessage("first"))
	// one assistant turn in flight: further submissions are dropped
	assert.False(t, s.SendMessage("second"))
	assert.Len(t, s.Turns(), 2)
	assert.Len(t, ch.sentFrames(), 1)

	ch.deliver(t, protocol.End{})
	assert.True(t, s.SendMessage("second"))
	assert.Len(t, s.Turns(), 4)
}

func TestSendMessageWhileDisconnectedIsNoop(t *testing.T) {
	s, _ := newTestSession(t, StaticCredential("tok-1"))
	assert.False(t, s.SendMessage("hello"))
	assert.Empty(t, s.Turns())
}

func TestTokenStreamingScenario(t *testing.T) {
	s, _, ch := newConnectedSession(t)
	require.True(t, s.SendMessage("hello"))

	ch.deliver(t, protocol.Token{Content: "Hi"})
	ch.deliver(t, protocol.Token{Content: " there"})
	ch.deliver(t, protocol.End{})

	turns := s.Turns()
	assert.Equal(t, "Hi there", turns[1].Content)
	assert.False(t, s.IsStreaming())
}

func TestToolInvocationScenario(t *testing.T) {
	s, _, ch := newConnectedSession(t)
	require.True(t, s.SendMessage("search something"))

	ch.deliver(t, protocol.ToolStart{Name: "search", CallID: "t1"})
	ch.deliver(t, protocol.ToolEnd{CallID: "t1", Output: "3 results"})
	ch.deliver(t, protocol.End{})

	turns := s.Turns()
	require.Len(t, turns[1].ToolInvocations, 1)
	inv := turns[1].ToolInvocations[0]
	assert.Equal(t, "search", inv.Name)
	require.True(t, inv.Done())
	assert.Equal(t, "3 results", *inv.Output)
}

func TestErrorReplacesPartialTokens(t *testing.T) {
	s, _, ch := newConnectedSession(t)
	require.True(t, s.SendMessage("hello"))

	ch.deliver(t, protocol.Token{Content: "Work"})
	ch.deliver(t, protocol.Error{Content: "rate limited"})

	turns := s.Turns()
	assert.Contains(t, turns[1].Content, "rate limited")
	assert.NotContains(t, turns[1].Content, "Work")
	assert.False(t, s.IsStreaming())
}

func TestLateFramesAfterEndAreIgnored(t *testing.T) {
	s, _, ch := newConnectedSession(t)
	require.True(t, s.SendMessage("hello"))

	ch.deliver(t, protocol.Token{Content: "done"})
	ch.deliver(t, protocol.End{})
	ch.deliver(t, protocol.Token{Content: " late"})
	ch.deliver(t, protocol.ToolEnd{CallID: "t1", Output: "late"})

	turns := s.Turns()
	assert.Equal(t, "done", turns[1].Content)
	assert.Empty(t, turns[1].ToolInvocations)
}

func TestUndecodableFramesAreDropped(t *testing.T) {
	s, _, ch := newConnectedSession(t)
	require.True(t, s.SendMessage("hello"))

	ch.cb.OnMessage(ch, []byte(`{"type":"mystery"}`))
	ch.cb.OnMessage(ch, []byte(`not json`))
	ch.deliver(t, protocol.Token{Content: "ok"})

	assert.Equal(t, "ok", s.Turns()[1].Content)
	assert.True(t, s.IsStreaming())
}

func TestReconnectYieldsDistinctChannelAndIgnoresStaleEvents(t *testing.T) {
	s, dialer, old := newConnectedSession(t)
	require.True(t, s.SendMessage("hello"))
	old.deliver(t, protocol.Token{Content: "partial"})

	s.Reconnect(context.Background())
	fresh := dialer.last()
	require.NotNil(t, fresh)
	assert.NotSame(t, old, fresh)
	assert.True(t, old.closed)
	assert.Equal(t, StatusConnecting, s.Status())

	// late events from the discarded channel must not mutate state
	old.cb.OnClose(old, assert.AnError)
	old.cb.OnMessage(old, []byte(`{"type":"token","content":" stale"}`))
	old.cb.OnOpen(old)
	assert.Equal(t, StatusConnecting, s.Status())
	assert.Equal(t, "partial", s.Turns()[1].Content)

	fresh.cb.OnOpen(fresh)
	assert.Equal(t, StatusConnected, s.Status())
	// the interrupted turn stays in its last-received state
	assert.Equal(t, "partial", s.Turns()[1].Content)
}

func TestThreadIDStableAcrossReconnects(t *testing.T) {
	s, _, _ := newConnectedSession(t)
	id := s.ThreadID()
	s.Reconnect(context.Background())
	assert.Equal(t, id, s.ThreadID())
}

func TestUnexpectedCloseLeavesPartialTurnIntact(t *testing.T) {
	s, _, ch := newConnectedSession(t)
	require.True(t, s.SendMessage("hello"))
	ch.deliver(t, protocol.Token{Content: "half"})

	ch.cb.OnClose(ch, assert.AnError)
	assert.Equal(t, StatusDisconnected, s.Status())

	turns := s.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, "half", turns[1].Content)
}

func TestOnChangeFiresOnTransitions(t *testing.T) {
	dialer := &fakeDialer{}
	var mu sync.Mutex
	changes := 0
	s, err := NewSession(SessionConfig{
		URL:         "ws://example.test/ws",
		Credentials: StaticCredential("tok-1"),
		Dialer:      dialer,
		OnChange: func() {
			mu.Lock()
			changes++
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	s.Connect(context.Background())
	ch := dialer.last()
	ch.cb.OnOpen(ch)
	require.True(t, s.SendMessage("hello"))
	ch.deliver(t, protocol.Token{Content: "Hi"})
	ch.deliver(t, protocol.End{})

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, changes, 5)
}
