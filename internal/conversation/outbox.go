package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/anm-bot/internal/domain"
)

const defaultSendTimeout = 30 * time.Second

// Sender delivers a text message to a correspondent.
type Sender interface {
	SendMessage(ctx context.Context, to, text string) error
}

// lane holds the undelivered messages of one correspondent.
type lane struct {
	pending []string
	running bool
}

// Outbox delivers replies in the background, in order per correspondent.
// Send never blocks on the transport; at most one goroutine per correspondent
// is draining at a time.
type Outbox struct {
	mu      sync.Mutex
	lanes   map[string]*lane
	sender  Sender
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewOutbox creates an outbox that delivers through sender.
func NewOutbox(sender Sender, timeout time.Duration, logger *slog.Logger) *Outbox {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		lanes:   make(map[string]*lane),
		sender:  sender,
		timeout: timeout,
		logger:  logger,
	}
}

// Send queues text for to. Empty texts are ignored.
func (o *Outbox) Send(to, text string) {
	if text == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	l, ok := o.lanes[to]
	if !ok {
		l = &lane{}
		o.lanes[to] = l
	}
	l.pending = append(l.pending, text)
	if !l.running {
		l.running = true
		o.wg.Add(1)
		go o.drain(to, l)
	}
}

// Discard drops every queued message that has not started sending yet and
// returns how many were dropped.
func (o *Outbox) Discard() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	dropped := 0
	for _, l := range o.lanes {
		dropped += len(l.pending)
		l.pending = nil
	}
	return dropped
}

// Wait blocks until every lane has drained.
func (o *Outbox) Wait() {
	o.wg.Wait()
}

func (o *Outbox) drain(to string, l *lane) {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		if len(l.pending) == 0 {
			l.running = false
			if o.lanes[to] == l {
				delete(o.lanes, to)
			}
			o.mu.Unlock()
			return
		}
		text := l.pending[0]
		l.pending = l.pending[1:]
		o.mu.Unlock()

		if err := o.deliver(to, text); err != nil {
			o.logger.Warn("Failed to deliver message", "correspondent", to, "error", err)
		}
	}
}

func (o *Outbox) deliver(to, text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	if err := o.sender.SendMessage(ctx, to, text); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, err)
	}
	return nil
}
