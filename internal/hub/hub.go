// Package hub fans lifecycle events out to operator observers and routes
// their commands to the lifecycle manager.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/anm-bot/internal/domain"
)

// Observer is an attached operator channel. Send must not block; Close ends
// the channel.
type Observer interface {
	ID() string
	Send(evt domain.Event) error
	Close(reason string) error
}

// Controller is the shared session that observers control.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
	State() domain.Event
}

// Hub is the event broadcast hub. It mirrors the last published pairing
// state so observers attaching late are replayed the current truth without
// racing concurrent broadcasts.
type Hub struct {
	mu        sync.Mutex
	observers map[string]Observer
	qrCode    string
	connected bool

	controller Controller
	logger     *slog.Logger
}

// New creates a hub routing commands to controller.
func New(controller Controller, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		observers:  make(map[string]Observer),
		controller: controller,
		logger:     logger.With("component", "hub"),
	}
}

// Attach registers o and replays qr(code) if a code is pending, or ready if
// the session is connected.
func (h *Hub) Attach(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.observers[o.ID()]; ok && existing != o {
		_ = existing.Close("observer replaced")
	}
	h.observers[o.ID()] = o
	h.logger.Info("Observer attached", "observer_id", o.ID(), "observers", len(h.observers))

	var replay *domain.Event
	switch {
	case h.qrCode != "":
		evt := domain.QR(h.qrCode)
		replay = &evt
	case h.connected:
		replay = &domain.Event{Type: domain.EventReady}
	}
	if replay != nil {
		if err := o.Send(*replay); err != nil {
			h.logger.Warn("Failed to replay state", "observer_id", o.ID(), "error", err)
		}
	}
}

// Detach removes the observer with id.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.observers[id]; ok {
		delete(h.observers, id)
		h.logger.Info("Observer detached", "observer_id", id, "observers", len(h.observers))
	}
}

// Count returns the number of attached observers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Publish delivers evt to every observer. Failures are logged and skipped.
func (h *Hub) Publish(evt domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch evt.Type {
	case domain.EventQR:
		h.qrCode = evt.Code
		h.connected = false
	case domain.EventReady:
		h.qrCode = ""
		h.connected = true
	case domain.EventDisconnected, domain.EventStopped:
		h.qrCode = ""
		h.connected = false
	}

	for id, o := range h.observers {
		if err := o.Send(evt); err != nil {
			h.logger.Warn("Failed to deliver event", "observer_id", id, "event", evt.Type, "error", err)
		}
	}
}

// CloseAll closes and forgets every observer.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	observers := make([]Observer, 0, len(h.observers))
	for _, o := range h.observers {
		observers = append(observers, o)
	}
	h.observers = make(map[string]Observer)
	h.mu.Unlock()

	for _, o := range observers {
		if err := o.Close(reason); err != nil {
			h.logger.Debug("Failed to close observer", "observer_id", o.ID(), "error", err)
		}
	}
}

// ParseCommand decodes a command frame.
func ParseCommand(data []byte) (domain.Command, error) {
	var cmd domain.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: %v", domain.ErrMalformedCommand, err)
	}
	if !cmd.Valid() {
		return cmd, fmt.Errorf("%w: unknown command type %q", domain.ErrMalformedCommand, cmd.Type)
	}
	return cmd, nil
}

// Execute applies cmd. ping and getState return the reply for the requester;
// start, stop and reset act on the shared session and return no reply.
func (h *Hub) Execute(ctx context.Context, cmd domain.Command) (*domain.Event, error) {
	switch cmd.Type {
	case domain.CommandPing:
		return &domain.Event{Type: domain.EventPong}, nil
	case domain.CommandGetState:
		evt := h.controller.State()
		return &evt, nil
	case domain.CommandStart:
		return nil, h.controller.Start(ctx)
	case domain.CommandStop:
		return nil, h.controller.Stop(ctx)
	case domain.CommandReset:
		return nil, h.controller.Reset(ctx)
	default:
		return nil, fmt.Errorf("%w: unknown command type %q", domain.ErrMalformedCommand, cmd.Type)
	}
}

// HandleCommand parses and applies a frame sent by o. Replies and errors the
// manager did not already broadcast go to o only.
func (h *Hub) HandleCommand(ctx context.Context, o Observer, data []byte) {
	cmd, err := ParseCommand(data)
	if err != nil {
		h.logger.Warn("Malformed command", "observer_id", o.ID(), "error", err)
		h.reply(o, domain.Failure(err.Error()))
		return
	}

	h.logger.Info("Command received", "observer_id", o.ID(), "command", cmd.Type)
	reply, err := h.Execute(ctx, cmd)
	if err != nil {
		if Broadcasted(err) {
			return
		}
		h.logger.Warn("Command failed", "observer_id", o.ID(), "command", cmd.Type, "error", err)
		h.reply(o, domain.Failure(fmt.Sprintf("%s failed: %v", cmd.Type, err)))
		return
	}
	if reply != nil {
		h.reply(o, *reply)
	}
}

// Broadcasted reports whether err was already published to every observer
// as an error event by the lifecycle manager.
func Broadcasted(err error) bool {
	return errors.Is(err, domain.ErrTransportConstruction)
}

func (h *Hub) reply(o Observer, evt domain.Event) {
	if err := o.Send(evt); err != nil {
		h.logger.Debug("Failed to reply to observer", "observer_id", o.ID(), "error", err)
	}
}
