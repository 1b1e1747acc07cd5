// Package lifecycle owns the single messaging session: it builds and tears
// down the transport client, reacts to its connection events and reports
// everything as lifecycle events.
//
// Every session mutation runs on the goroutine executing Run. Operator
// operations (Start, Stop, Reset) are queued and waited for; transport events
// and inbound messages are queued without waiting, so a transport may emit
// while Connect is still running.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/anm-bot/internal/domain"
	"github.com/ashureev/anm-bot/internal/transport"
)

const teardownTimeout = 10 * time.Second

// ChatResetter forgets every conversation and cancels its timers.
type ChatResetter interface {
	Reset() int
}

// InboundFunc receives direct messages from the current client. It is called
// on the run loop and must not block.
type InboundFunc func(msg transport.InboundMessage)

// Options configures a Manager. Factory is required.
type Options struct {
	Factory   transport.Factory
	Publisher Publisher
	Chats     ChatResetter
	OnMessage InboundFunc
	// LogoutOnStop unpairs the device on stop, so the next start asks for a
	// new QR code.
	LogoutOnStop bool
	Logger       *slog.Logger
}

// Manager is the connection lifecycle manager.
type Manager struct {
	factory      transport.Factory
	publisher    Publisher
	chats        ChatResetter
	onMessage    InboundFunc
	logoutOnStop bool
	logger       *slog.Logger

	ops     chan func()
	wake    chan struct{}
	qmu     sync.Mutex
	queued  []func()
	started atomic.Bool
	done    chan struct{}
	loopCtx context.Context

	// gen identifies the current client; events stamped with another value
	// come from a discarded client.
	gen atomic.Uint64

	mu     sync.RWMutex
	status domain.Status
	qr     string
	client transport.Client
}

// NewManager creates a manager in the Stopped state. Call Run to process
// operations.
func NewManager(opts Options) (*Manager, error) {
	if opts.Factory == nil {
		return nil, errors.New("transport factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = Publishers(nil)
	}
	return &Manager{
		factory:      opts.Factory,
		publisher:    publisher,
		chats:        opts.Chats,
		onMessage:    opts.OnMessage,
		logoutOnStop: opts.LogoutOnStop,
		logger:       logger.With("component", "lifecycle"),
		ops:          make(chan func()),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		loopCtx:      context.Background(),
	}, nil
}

// Run processes operations and transport events until ctx is cancelled. On
// exit the current client is stopped.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("lifecycle manager already running")
	}
	m.loopCtx = ctx
	defer close(m.done)

	m.logger.Info("Lifecycle manager started")
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.wake:
			m.drainQueued()
		case <-ctx.Done():
			m.drainQueued()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			m.stop(shutdownCtx, false)
			cancel()
			m.logger.Info("Lifecycle manager stopped")
			return nil
		}
	}
}

// Start brings the session up unless it is already running.
func (m *Manager) Start(ctx context.Context) error {
	return m.do(ctx, func() error { return m.start(ctx) })
}

// Stop tears the session down unless it is already stopped.
func (m *Manager) Stop(ctx context.Context) error {
	return m.do(ctx, func() error {
		m.stop(ctx, true)
		return nil
	})
}

// Reset emits reset, stops the session ignoring teardown failures and starts
// it again.
func (m *Manager) Reset(ctx context.Context) error {
	return m.do(ctx, func() error {
		m.publish(domain.Event{Type: domain.EventReset})
		m.stop(ctx, false)
		return m.start(ctx)
	})
}

// View returns a copy of the session state.
func (m *Manager) View() domain.SessionView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return domain.SessionView{Status: m.status, QRCode: m.qr, ClientActive: m.client != nil}
}

// State answers getState: ready, qr(code) or disconnected.
func (m *Manager) State() domain.Event {
	return m.View().State()
}

// ClientActive reports whether a transport client is currently held.
func (m *Manager) ClientActive() bool {
	return m.View().ClientActive
}

// SendMessage sends through the current client.
func (m *Manager) SendMessage(ctx context.Context, to, text string) error {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return domain.ErrNoClient
	}
	return client.SendMessage(ctx, to, text)
}

// do runs fn on the loop and waits for its result.
func (m *Manager) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case m.ops <- func() { result <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return domain.ErrManagerClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return domain.ErrManagerClosed
	}
}

// post queues fn for the loop without waiting.
func (m *Manager) post(fn func()) {
	m.qmu.Lock()
	m.queued = append(m.queued, fn)
	m.qmu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) drainQueued() {
	for {
		m.qmu.Lock()
		batch := m.queued
		m.queued = nil
		m.qmu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

func (m *Manager) publish(evt domain.Event) {
	m.publisher.Publish(evt)
}

func (m *Manager) setStatus(status domain.Status) {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
}

// discard drops the current client and invalidates its events. It returns
// the dropped client, if any.
func (m *Manager) discard() transport.Client {
	m.gen.Add(1)
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.qr = ""
	m.mu.Unlock()
	return client
}

func (m *Manager) start(ctx context.Context) error {
	m.mu.RLock()
	status := m.status
	m.mu.RUnlock()
	if status != domain.StatusStopped {
		m.logger.Debug("Start ignored", "status", status.String())
		return nil
	}

	m.setStatus(domain.StatusInitializing)
	gen := m.gen.Add(1)
	m.logger.Info("Starting session", "generation", gen)

	client, err := m.factory.NewClient(ctx, m.handlerFor(gen))
	if err != nil {
		return m.failStart(ctx, nil, err)
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		return m.failStart(ctx, client, err)
	}

	m.publish(domain.Event{Type: domain.EventStarted})
	return nil
}

func (m *Manager) failStart(ctx context.Context, client transport.Client, cause error) error {
	m.discard()
	if client != nil {
		if err := client.Disconnect(ctx); err != nil {
			m.logger.Warn("Failed to disconnect half-built client", "error", err)
		}
	}
	m.setStatus(domain.StatusStopped)

	err := fmt.Errorf("%w: %w", domain.ErrTransportConstruction, cause)
	m.logger.Error("Failed to start session", "error", err)
	m.publish(domain.Failure(err.Error()))
	return err
}

// stop tears down the current client. With report set, a teardown failure is
// also sent to observers as an error event.
func (m *Manager) stop(ctx context.Context, report bool) {
	m.mu.RLock()
	stopped := m.status == domain.StatusStopped && m.client == nil
	m.mu.RUnlock()
	if stopped {
		return
	}

	client := m.discard()
	if client != nil {
		if err := m.teardown(ctx, client); err != nil {
			err = fmt.Errorf("%w: %w", domain.ErrTransportDisconnect, err)
			m.logger.Warn("Failed to tear down client", "error", err)
			if report {
				m.publish(domain.Failure(err.Error()))
			}
		}
	}
	m.resetChats()
	m.setStatus(domain.StatusStopped)
	m.logger.Info("Session stopped")
	m.publish(domain.Event{Type: domain.EventStopped})
}

func (m *Manager) teardown(ctx context.Context, client transport.Client) error {
	if m.logoutOnStop {
		return client.Logout(ctx)
	}
	return client.Disconnect(ctx)
}

func (m *Manager) resetChats() {
	if m.chats == nil {
		return
	}
	if n := m.chats.Reset(); n > 0 {
		m.logger.Info("Cleared conversations", "count", n)
	}
}

func (m *Manager) handlerFor(gen uint64) transport.Handler {
	return func(evt transport.Event) {
		if evt.Kind == transport.EventMessage {
			msg := evt.Message
			m.post(func() { m.deliverInbound(gen, msg) })
			return
		}
		m.post(func() { m.handleEvent(gen, evt) })
	}
}

// deliverInbound runs on the loop, so a message is either handled before a
// teardown clears the chats or dropped as stale after it.

func (m *Manager) deliverInbound(gen uint64, msg *transport.InboundMessage) {
	if msg == nil || m.onMessage == nil {
		return
	}
	if gen != m.gen.Load() {
		m.logger.Debug("Dropping message from discarded client", "generation", gen)
		return
	}
	m.onMessage(*msg)
}

func (m *Manager) handleEvent(gen uint64, evt transport.Event) {
	if gen != m.gen.Load() {
		m.logger.Debug("Ignoring event from discarded client", "event", evt.Kind.String(), "generation", gen)
		return
	}

	switch evt.Kind {
	case transport.EventAuthCodeIssued:
		m.mu.Lock()
		if m.status == domain.StatusConnected {
			m.mu.Unlock()
			return
		}
		m.qr = evt.Code
		m.status = domain.StatusAwaitingAuth
		m.mu.Unlock()
		m.logger.Info("QR code issued")
		m.publish(domain.QR(evt.Code))

	case transport.EventAuthenticated:
		m.logger.Info("Session authenticated")
		m.publish(domain.Event{Type: domain.EventAuthenticated})

	case transport.EventReady:
		m.mu.Lock()
		m.status = domain.StatusConnected
		m.qr = ""
		m.mu.Unlock()
		m.logger.Info("Session ready")
		m.publish(domain.Event{Type: domain.EventReady})

	case transport.EventDisconnected:
		m.handleDisconnect(evt.Reason)
	}
}

func (m *Manager) handleDisconnect(reason transport.DisconnectReason) {
	client := m.discard()
	m.resetChats()
	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		if err := client.Disconnect(ctx); err != nil {
			m.logger.Debug("Failed to close disconnected client", "error", err)
		}
		cancel()
	}
	m.setStatus(domain.StatusStopped)
	m.logger.Warn("Session disconnected", "reason", string(reason))
	m.publish(domain.Disconnected(string(reason)))

	if reason.Terminal() {
		return
	}
	if err := m.start(m.loopCtx); err != nil {
		m.logger.Warn("Reconnect failed", "error", err)
	}
}
