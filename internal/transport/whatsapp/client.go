// Package whatsapp implements the transport contract with whatsmeow.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3" // device store driver
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/ashureev/anm-bot/internal/transport"
)

// Factory creates whatsmeow clients backed by one SQLite device store.
type Factory struct {
	container *sqlstore.Container
	logger    *slog.Logger
}

// NewFactory opens (and migrates) the device store at storePath.
func NewFactory(ctx context.Context, storePath string, logger *slog.Logger) (*Factory, error) {
	if storePath == "" {
		return nil, errors.New("device store path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "whatsapp")

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", storePath)
	container, err := sqlstore.New(ctx, "sqlite3", dsn, NewLogger(logger, "store"))
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	return &Factory{container: container, logger: logger}, nil
}

// NewClient builds a client for the first stored device, or a fresh device
// that will need pairing.
func (f *Factory) NewClient(ctx context.Context, handler transport.Handler) (transport.Client, error) {
	device, err := f.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	cli := whatsmeow.NewClient(device, NewLogger(f.logger, "client"))
	// Reconnection decisions belong to the lifecycle manager.
	cli.EnableAutoReconnect = false

	lifetime, cancel := context.WithCancel(context.Background())
	c := &Client{
		cli:     cli,
		handler: handler,
		logger:  f.logger,
		ctx:     lifetime,
		cancel:  cancel,
	}
	cli.AddEventHandler(c.handleEvent)
	return c, nil
}

// Client wraps one whatsmeow client.
type Client struct {
	cli     *whatsmeow.Client
	handler transport.Handler
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
}

// Connect opens the connection. An unpaired device starts the QR flow.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.cli.Store.ID != nil {
		if err := c.cli.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		return nil
	}

	qrChan, err := c.cli.GetQRChannel(c.ctx)
	if err != nil {
		return fmt.Errorf("open qr channel: %w", err)
	}
	if err := c.cli.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	go c.watchQR(qrChan)
	return nil
}

func (c *Client) watchQR(items <-chan whatsmeow.QRChannelItem) {
	for item := range items {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(transport.Event{Kind: transport.EventAuthCodeIssued, Code: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			// PairSuccess reports authentication.
		case whatsmeow.QRChannelTimeout.Event:
			c.emitDisconnect(transport.ReasonQRTimeout)
		case whatsmeow.QRChannelEventError:
			c.logger.Warn("Pairing failed", "error", item.Error)
			c.emitDisconnect(transport.ReasonConnectFailure)
		default:
			c.logger.Debug("Unhandled QR channel event", "event", item.Event)
		}
	}
}

// Disconnect closes the websocket and keeps the pairing.
func (c *Client) Disconnect(_ context.Context) error {
	c.closing.Store(true)
	c.cancel()
	c.cli.Disconnect()
	return nil
}

// Logout unpairs the device. The connection is closed even when the
// logout request fails.
func (c *Client) Logout(ctx context.Context) error {
	c.closing.Store(true)
	defer c.cancel()
	if c.cli.Store.ID == nil {
		c.cli.Disconnect()
		return nil
	}
	if err := c.cli.Logout(ctx); err != nil {
		c.cli.Disconnect()
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// SendMessage sends a plain conversation message to the JID in to.
func (c *Client) SendMessage(ctx context.Context, to, text string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("parse recipient %q: %w", to, err)
	}
	if _, err := c.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)}); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (c *Client) emit(evt transport.Event) {
	if c.handler != nil {
		c.handler(evt)
	}
}

func (c *Client) emitDisconnect(reason transport.DisconnectReason) {
	c.emit(transport.Event{Kind: transport.EventDisconnected, Reason: reason})
}

func (c *Client) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		c.logger.Info("Device paired", "jid", evt.ID.String())
		c.emit(transport.Event{Kind: transport.EventAuthenticated})
	case *events.Connected:
		c.emit(transport.Event{Kind: transport.EventReady})
	case *events.LoggedOut:
		c.emitDisconnect(transport.ReasonLoggedOut)
	case *events.StreamReplaced:
		c.emitDisconnect(transport.ReasonReplaced)
	case *events.ConnectFailure:
		c.logger.Warn("Connection refused by server", "reason", int(evt.Reason))
		c.emitDisconnect(transport.ReasonConnectFailure)
	case *events.Disconnected:
		if c.closing.Load() {
			return
		}
		c.emitDisconnect(transport.ReasonConnectionLost)
	case *events.Message:
		if msg, ok := toInbound(evt); ok {
			c.emit(transport.Event{Kind: transport.EventMessage, Message: msg})
		}
	}
}

// toInbound extracts a direct text message. Own messages, groups, broadcasts
// and non-text payloads are skipped.
func toInbound(evt *events.Message) (*transport.InboundMessage, bool) {
	info := evt.Info
	if info.IsFromMe || info.IsGroup || info.Chat.Server == types.BroadcastServer {
		return nil, false
	}
	text := evt.Message.GetConversation()
	if text == "" {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	if strings.TrimSpace(text) == "" {
		return nil, false
	}
	return &transport.InboundMessage{
		ID:        string(info.ID),
		From:      info.Chat.ToNonAD().String(),
		Text:      text,
		Timestamp: info.Timestamp,
	}, true
}
