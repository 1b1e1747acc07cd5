// Package transport defines what the bot needs from a messaging network
// client. The lifecycle manager only talks to this contract; the whatsapp
// subpackage implements it on top of whatsmeow.
package transport

import (
	"context"
	"time"
)

// EventKind identifies a transport event.
type EventKind int

const (
	// EventAuthCodeIssued carries a fresh pairing code in Code.
	EventAuthCodeIssued EventKind = iota
	// EventAuthenticated means the pairing code was accepted.
	EventAuthenticated
	// EventReady means the client is online and can send messages.
	EventReady
	// EventDisconnected means the connection closed; Reason says why.
	EventDisconnected
	// EventMessage carries an inbound text in Message.
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventAuthCodeIssued:
		return "auth_code_issued"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// DisconnectReason classifies why a connection closed. Only ReasonLoggedOut
// is terminal; every other reason triggers a fresh start.
type DisconnectReason string

const (
	ReasonLoggedOut      DisconnectReason = "logged_out"
	ReasonConnectionLost DisconnectReason = "connection_lost"
	ReasonReplaced       DisconnectReason = "replaced"
	ReasonQRTimeout      DisconnectReason = "qr_timeout"
	ReasonConnectFailure DisconnectReason = "connect_failure"
)

// Terminal reports whether the session must not be restarted automatically.
func (r DisconnectReason) Terminal() bool {
	return r == ReasonLoggedOut
}

// InboundMessage is a direct text message from a correspondent.
type InboundMessage struct {
	ID        string
	From      string
	Text      string
	Timestamp time.Time
}

// Event is emitted by a Client to its Handler.
type Event struct {
	Kind    EventKind
	Code    string
	Reason  DisconnectReason
	Message *InboundMessage
}

// Handler receives client events. It may be called from transport goroutines
// and must not block for long.
type Handler func(Event)

// Client is one connection to the messaging network.
type Client interface {
	// Connect opens the connection. Pairing codes and readiness are reported
	// through the Handler afterwards.
	Connect(ctx context.Context) error
	// Disconnect closes the connection without forgetting the device.
	Disconnect(ctx context.Context) error
	// Logout unpairs the device and closes the connection.
	Logout(ctx context.Context) error
	// SendMessage sends a plain text to the correspondent id.
	SendMessage(ctx context.Context, to, text string) error
}

// Factory builds clients. handler is registered before the client is returned
// so no event emitted during Connect is lost.
type Factory interface {
	NewClient(ctx context.Context, handler Handler) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, handler Handler) (Client, error)

// NewClient calls f.
func (f FactoryFunc) NewClient(ctx context.Context, handler Handler) (Client, error) {
	return f(ctx, handler)
}
