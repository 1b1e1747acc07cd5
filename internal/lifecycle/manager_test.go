package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/anm-bot/internal/domain"
	"github.com/ashureev/anm-bot/internal/transport"
)

type fakeClient struct {
	mu            sync.Mutex
	handler       transport.Handler
	connected     bool
	disconnects   int
	logouts       int
	connectErr    error
	disconnectErr error
	sent          []string
	// onConnect runs inside Connect, before it returns.
	onConnect func(h transport.Handler)
}

func (c *fakeClient) Connect(context.Context) error {
	c.mu.Lock()
	err := c.connectErr
	if err == nil {
		c.connected = true
	}
	hook := c.onConnect
	c.mu.Unlock()
	if err == nil && hook != nil {
		hook(c.handler)
	}
	return err
}

func (c *fakeClient) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.connected = false
	return c.disconnectErr
}

func (c *fakeClient) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	c.connected = false
	return nil
}

func (c *fakeClient) SendMessage(_ context.Context, to, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, to+":"+text)
	return nil
}

func (c *fakeClient) emit(evt transport.Event) {
	c.handler(evt)
}

func (c *fakeClient) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
	err     error
	// prepare customizes each new client before it is returned.
	prepare func(c *fakeClient)
}

func (f *fakeFactory) NewClient(_ context.Context, handler transport.Handler) (transport.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeClient{handler: handler}
	if f.prepare != nil {
		f.prepare(c)
	}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeFactory) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[len(f.clients)-1]
}

func (f *fakeFactory) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.clients {
		if c.isConnected() {
			n++
		}
	}
	return n
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(evt domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) last() domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fakeChats struct {
	mu     sync.Mutex
	resets int
	// onReset runs inside Reset, after the count is bumped.
	onReset func()
}

func (c *fakeChats) Reset() int {
	c.mu.Lock()
	c.resets++
	hook := c.onReset
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return 0
}

func (c *fakeChats) setOnReset(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReset = fn
}

func (c *fakeChats) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

type fixture struct {
	manager *Manager
	factory *fakeFactory
	events  *recorder
	chats   *fakeChats
	inbound chan transport.InboundMessage
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		factory: &fakeFactory{},
		events:  &recorder{},
		chats:   &fakeChats{},
		inbound: make(chan transport.InboundMessage, 10),
	}
	opts := Options{
		Factory:   f.factory,
		Publisher: f.events,
		Chats:     f.chats,
		OnMessage: func(msg transport.InboundMessage) { f.inbound <- msg },
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	f.manager = m

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func (f *fixture) waitTypes(t *testing.T, want ...domain.EventType) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, f.events.types())
	}, time.Second, 5*time.Millisecond, "events: %v", f.events.types())
}

var bg = context.Background()

func TestNewManager_RequiresFactory(t *testing.T) {
	_, err := NewManager(Options{})
	assert.Error(t, err)
}

func TestManager_StartStop(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.manager.Start(bg))
	assert.Equal(t, domain.StatusInitializing, f.manager.View().Status)
	assert.True(t, f.manager.ClientActive())

	require.NoError(t, f.manager.Start(bg))
	assert.Equal(t, 1, f.factory.count(), "start is a no-op while running")

	require.NoError(t, f.manager.Stop(bg))
	assert.False(t, f.manager.ClientActive())
	assert.Equal(t, domain.StatusStopped, f.manager.View().Status)
	assert.Equal(t, 1, f.factory.last().disconnects)
	assert.Equal(t, 1, f.chats.count())

	require.NoError(t, f.manager.Stop(bg))
	assert.Equal(t, []domain.EventType{domain.EventStarted, domain.EventStopped}, f.events.types())
}

func TestManager_QRThenReady(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.manager.Start(bg))
	client := f.factory.last()

	client.emit(transport.Event{Kind: transport.EventAuthCodeIssued, Code: "2@abc"})
	f.waitTypes(t, domain.EventStarted, domain.EventQR)
	assert.Equal(t, domain.QR("2@abc"), f.manager.State())
	assert.Equal(t, domain.StatusAwaitingAuth, f.manager.View().Status)

	client.emit(transport.Event{Kind: transport.EventAuthenticated})
	client.emit(transport.Event{Kind: transport.EventReady})
	f.waitTypes(t, domain.EventStarted, domain.EventQR, domain.EventAuthenticated, domain.EventReady)
	assert.Equal(t, domain.Event{Type: domain.EventReady}, f.manager.State())
	assert.Empty(t, f.manager.View().QRCode)
}

func TestManager_StateWhenStopped(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, domain.Event{Type: domain.EventDisconnected}, f.manager.State())
}

func TestManager_EventsDuringConnectAreKept(t *testing.T) {
	f := newFixture(t, nil)
	f.factory.prepare = func(c *fakeClient) {
		c.onConnect = func(h transport.Handler) {
			h(transport.Event{Kind: transport.EventAuthCodeIssued, Code: "early"})
		}
	}

	require.NoError(t, f.manager.Start(bg))
	f.waitTypes(t, domain.EventStarted, domain.EventQR)
	assert.Equal(t, "early", f.manager.View().QRCode)
}

func TestManager_LogoutIsTerminal(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.manager.Start(bg))
	client := f.factory.last()
	client.emit(transport.Event{Kind: transport.EventAuthCodeIssued, Code: "c1"})
	client.emit(transport.Event{Kind: transport.EventReady})

	client.emit(transport.Event{Kind: transport.EventDisconnected, Reason: transport.ReasonLoggedOut})
	f.waitTypes(t, domain.EventStarted, domain.EventQR, domain.EventReady, domain.EventDisconnected)

	assert.Equal(t, domain.Disconnected("logged_out"), f.events.last())
	assert.Equal(t, 1, f.factory.count(), "logout never restarts")
	assert.Equal(t, domain.StatusStopped, f.manager.View().Status)
	assert.False(t, f.manager.ClientActive())
	assert.Equal(t, 1, f.chats.count())
}

func TestManager_RecoverableDisconnectRestarts(t *testing.T) {
	for _, reason := range []transport.DisconnectReason{
		transport.ReasonConnectionLost,
		transport.ReasonReplaced,
		transport.ReasonQRTimeout,
		"something_new",
	} {
		t.Run(string(reason), func(t *testing.T) {
			f := newFixture(t, nil)
			require.NoError(t, f.manager.Start(bg))
			first := f.factory.last()
			first.emit(transport.Event{Kind: transport.EventAuthCodeIssued, Code: "c1"})

			first.emit(transport.Event{Kind: transport.EventDisconnected, Reason: reason})
			f.waitTypes(t, domain.EventStarted, domain.EventQR, domain.EventDisconnected, domain.EventStarted)

			assert.Equal(t, 2, f.factory.count())
			assert.Equal(t, 1, first.disconnects)
			assert.Empty(t, f.manager.View().QRCode, "code from the closed connection is no longer pending")
			assert.Equal(t, 1, f.factory.live())
		})
	}
}

func TestManager_StaleClientEventsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.manager.Start(bg))
	old := f.factory.last()
	require.NoError(t, f.manager.Reset(bg))
	f.waitTypes(t, domain.EventStarted, domain.EventReset, domain.EventStopped, domain.EventStarted)

	old.emit(transport.Event{Kind: transport.EventReady})
	old.emit(transport.Event{Kind: transport.EventDisconnected, Reason: transport.ReasonConnectionLost})
	old.emit(transport.Event{Kind: transport.EventMessage, Message: &transport.InboundMessage{From: "x", Text: "hola"}})

	current := f.factory.last()
	current.emit(transport.Event{Kind: transport.EventAuthCodeIssued, Code: "fresh"})
	f.waitTypes(t, domain.EventStarted, domain.EventReset, domain.EventStopped, domain.EventStarted, domain.EventQR)

	assert.Equal(t, "fresh", f.manager.View().QRCode)
	assert.Equal(t, 2, f.factory.count())
	assert.Empty(t, f.inbound)
}

func TestManager_ResetSwallowsTeardownFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.factory.prepare = func(c *fakeClient) { c.disconnectErr = errors.New("socket already closed") }
	require.NoError(t, f.manager.Start(bg))

	require.NoError(t, f.manager.Reset(bg))

	assert.Equal(t, []domain.EventType{
		domain.EventStarted, domain.EventReset, domain.EventStopped, domain.EventStarted,
	}, f.events.types())
	assert.Equal(t, 2, f.factory.count())
	assert.True(t, f.manager.ClientActive())
}

func TestManager_StopReportsTeardownFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.factory.prepare = func(c *fakeClient) { c.disconnectErr = errors.New("socket already closed") }
	require.NoError(t, f.manager.Start(bg))

	require.NoError(t, f.manager.Stop(bg))

	assert.Equal(t, []domain.EventType{domain.EventStarted, domain.EventError, domain.EventStopped}, f.events.types())
	assert.Equal(t, domain.StatusStopped, f.manager.View().Status)
	assert.False(t, f.manager.ClientActive())
}

func TestManager_StartFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.factory.err = errors.New("device store locked")

	err := f.manager.Start(bg)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransportConstruction)
	assert.Equal(t, domain.StatusStopped, f.manager.View().Status)
	assert.Equal(t, domain.EventError, f.events.last().Type)
	assert.Contains(t, f.events.last().Message, "device store locked")

	f.factory.err = nil
	require.NoError(t, f.manager.Start(bg), "a later start may retry")
	assert.Equal(t, domain.EventStarted, f.events.last().Type)
}

func TestManager_ConnectFailureDisconnectsClient(t *testing.T) {
	f := newFixture(t, nil)
	f.factory.prepare = func(c *fakeClient) { c.connectErr = errors.New("dial tcp: timeout") }

	err := f.manager.Start(bg)
	assert.ErrorIs(t, err, domain.ErrTransportConstruction)
	assert.Equal(t, 1, f.factory.last().disconnects)
	assert.False(t, f.manager.ClientActive())
	assert.Equal(t, 1, f.factory.count(), "no automatic retry")
}

func TestManager_LogoutOnStop(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.LogoutOnStop = true })
	require.NoError(t, f.manager.Start(bg))
	require.NoError(t, f.manager.Stop(bg))

	client := f.factory.last()
	assert.Equal(t, 1, client.logouts)
	assert.Equal(t, 0, client.disconnects)
}

func TestManager_InboundMessages(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.manager.Start(bg))

	f.factory.last().emit(transport.Event{
		Kind:    transport.EventMessage,
		Message: &transport.InboundMessage{ID: "1", From: "5215550001@s.whatsapp.net", Text: "hola"},
	})

	select {
	case msg := <-f.inbound:
		assert.Equal(t, "hola", msg.Text)
	case <-time.After(time.Second):
		t.Fatal("inbound message not delivered")
	}
}

func TestManager_MessagesFromTornDownClientAreDropped(t *testing.T) {
	tests := []struct {
		name     string
		teardown func(t *testing.T, f *fixture, c *fakeClient)
		want     []domain.EventType
	}{
		{
			name: "disconnect",
			teardown: func(_ *testing.T, _ *fixture, c *fakeClient) {
				c.emit(transport.Event{Kind: transport.EventDisconnected, Reason: transport.ReasonConnectionLost})
			},
			want: []domain.EventType{domain.EventStarted, domain.EventDisconnected, domain.EventStarted},
		},
		{
			name: "stop",
			teardown: func(t *testing.T, f *fixture, _ *fakeClient) {
				require.NoError(t, f.manager.Stop(bg))
				require.NoError(t, f.manager.Start(bg))
			},
			want: []domain.EventType{domain.EventStarted, domain.EventStopped, domain.EventStarted},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			require.NoError(t, f.manager.Start(bg))
			first := f.factory.last()

			// The dying client still delivers a message while chats are cleared.
			f.chats.setOnReset(func() {
				first.emit(transport.Event{
					Kind:    transport.EventMessage,
					Message: &transport.InboundMessage{ID: "late", From: "bob", Text: "hola"},
				})
			})
			tt.teardown(t, f, first)
			f.waitTypes(t, tt.want...)
			f.chats.setOnReset(nil)

			// Queued after the late message, so it is handled after it.
			f.factory.last().emit(transport.Event{
				Kind:    transport.EventMessage,
				Message: &transport.InboundMessage{ID: "next", From: "carol", Text: "hola"},
			})

			select {
			case msg := <-f.inbound:
				assert.Equal(t, "carol", msg.From, "message from the torn-down client must not reach the chats")
			case <-time.After(time.Second):
				t.Fatal("message from the current client not delivered")
			}
			assert.Empty(t, f.inbound)
			assert.Equal(t, 1, f.chats.count())
		})
	}
}

func TestManager_SendMessage(t *testing.T) {
	f := newFixture(t, nil)

	err := f.manager.SendMessage(bg, "to", "hi")
	assert.ErrorIs(t, err, domain.ErrNoClient)

	require.NoError(t, f.manager.Start(bg))
	require.NoError(t, f.manager.SendMessage(bg, "to", "hi"))
	assert.Equal(t, []string{"to:hi"}, f.factory.last().sent)
}

func TestManager_AtMostOneLiveClient(t *testing.T) {
	f := newFixture(t, nil)
	ops := []func(context.Context) error{
		f.manager.Start, f.manager.Reset, f.manager.Start, f.manager.Stop,
		f.manager.Reset, f.manager.Reset, f.manager.Stop, f.manager.Stop, f.manager.Start,
	}
	for _, op := range ops {
		require.NoError(t, op(bg))
		assert.LessOrEqual(t, f.factory.live(), 1)
	}
	assert.Equal(t, 1, f.factory.live())
}

func TestManager_ClosedManager(t *testing.T) {
	m, err := NewManager(Options{Factory: &fakeFactory{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	cancel()
	<-done

	assert.ErrorIs(t, m.Start(bg), domain.ErrManagerClosed)
}

func TestPublishers_FanOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	var calls int
	ps := Publishers{a, nil, b, PublisherFunc(func(domain.Event) { calls++ })}

	ps.Publish(domain.Event{Type: domain.EventReady})

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
	assert.Equal(t, 1, calls)
}
