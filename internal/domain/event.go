package domain

import "time"

// EventType is the type of a frame sent to observers.
type EventType string

const (
	EventQR            EventType = "qr"
	EventStarted       EventType = "started"
	EventStopped       EventType = "stopped"
	EventReset         EventType = "reset"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventDisconnected  EventType = "disconnected"
	EventPong          EventType = "pong"
	EventError         EventType = "error"
)

// Event is a lifecycle or reply frame delivered to observers.
type Event struct {
	Type    EventType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Message string    `json:"message,omitempty"`
}

// QR returns a qr event carrying code.
func QR(code string) Event { return Event{Type: EventQR, Code: code} }

// Disconnected returns a disconnected event carrying reason.
func Disconnected(reason string) Event { return Event{Type: EventDisconnected, Reason: reason} }

// Failure returns an error event with a human-readable message.
func Failure(message string) Event { return Event{Type: EventError, Message: message} }

// CommandType is the type of an operator command frame.
type CommandType string

const (
	CommandStart    CommandType = "start"
	CommandStop     CommandType = "stop"
	CommandReset    CommandType = "reset"
	CommandPing     CommandType = "ping"
	CommandGetState CommandType = "getState"
)

// Command is an operator command frame.
type Command struct {
	Type CommandType `json:"type"`
}

// Valid reports whether the command type is one of the known commands.
func (c Command) Valid() bool {
	switch c.Type {
	case CommandStart, CommandStop, CommandReset, CommandPing, CommandGetState:
		return true
	default:
		return false
	}
}

// LifecycleRecord is a persisted lifecycle event.
type LifecycleRecord struct {
	ID        int64     `json:"id"`
	Event     Event     `json:"event"`
	CreatedAt time.Time `json:"created_at"`
}

// HandoffRecord is a persisted handoff of a chat to a human agent.
type HandoffRecord struct {
	ID              int64     `json:"id"`
	CorrespondentID string    `json:"correspondent_id"`
	Source          string    `json:"source"`
	CreatedAt       time.Time `json:"created_at"`
}
