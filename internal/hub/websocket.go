package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/anm-bot/internal/domain"
)

const (
	defaultQueueSize = 32
	writeTimeout     = 5 * time.Second
)

var (
	errObserverClosed = errors.New("observer closed")
	errQueueFull      = errors.New("observer queue full")
)

// wsObserver is an observer backed by a WebSocket. Events are queued and
// written by a single goroutine.
type wsObserver struct {
	id     string
	conn   *websocket.Conn
	queue  chan domain.Event
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newWSObserver(conn *websocket.Conn, queueSize int, logger *slog.Logger) *wsObserver {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	id := uuid.NewString()
	return &wsObserver{
		id:     id,
		conn:   conn,
		queue:  make(chan domain.Event, queueSize),
		done:   make(chan struct{}),
		logger: logger.With("observer_id", id),
	}
}

func (o *wsObserver) ID() string { return o.id }

func (o *wsObserver) Send(evt domain.Event) error {
	select {
	case <-o.done:
		return errObserverClosed
	default:
	}
	select {
	case o.queue <- evt:
		return nil
	default:
		return errQueueFull
	}
}

func (o *wsObserver) Close(reason string) error {
	var err error
	o.once.Do(func() {
		close(o.done)
		err = o.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

func (o *wsObserver) writeLoop(ctx context.Context) {
	for {
		select {
		case evt := <-o.queue:
			if err := o.write(ctx, evt); err != nil {
				if ctx.Err() == nil {
					o.logger.Debug("WebSocket write error", "error", err)
				}
				_ = o.Close("write failed")
				return
			}
		case <-o.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (o *wsObserver) write(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return o.conn.Write(writeCtx, websocket.MessageText, data)
}

// WebSocketHandler attaches every accepted WebSocket to the hub as an
// observer and feeds its frames to HandleCommand.
type WebSocketHandler struct {
	hub           *Hub
	allowedOrigin string
	isDev         bool
	queueSize     int
}

// NewWebSocketHandler creates a handler. allowedOrigin "*" accepts any origin.
func NewWebSocketHandler(hub *Hub, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		hub:           hub,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		queueSize:     defaultQueueSize,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.hub.logger
	logger.Info("WebSocket connection request", "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}

	obs := newWSObserver(ws, h.queueSize, logger)
	defer func() {
		if closeErr := obs.Close("session ended"); closeErr != nil {
			obs.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		obs.writeLoop(ctx)
	}()

	h.hub.Attach(obs)
	defer h.hub.Detach(obs.ID())

	h.readLoop(ctx, obs)
	cancel()
	wg.Wait()
}

func (h *WebSocketHandler) readLoop(ctx context.Context, obs *wsObserver) {
	for {
		_, message, err := obs.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				obs.logger.Debug("WebSocket closed by client")
			} else if ctx.Err() == nil {
				obs.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}
		h.hub.HandleCommand(ctx, obs, message)
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.hub.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
