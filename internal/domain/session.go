// Package domain contains core domain types for the ANM bot.
package domain

// Status is the connection state of the single messaging session.
type Status int

const (
	// StatusStopped means no transport client exists.
	StatusStopped Status = iota
	// StatusInitializing means a client is being built and connected.
	StatusInitializing
	// StatusAwaitingAuth means the transport issued a QR code and waits for a scan.
	StatusAwaitingAuth
	// StatusConnected means the account is paired and online.
	StatusConnected
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusInitializing:
		return "initializing"
	case StatusAwaitingAuth:
		return "awaiting_auth"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// SessionView is a read-only copy of the session state.
type SessionView struct {
	Status       Status
	QRCode       string
	ClientActive bool
}

// State returns the event answering a getState request for this view.
func (v SessionView) State() Event {
	if v.Status == StatusConnected {
		return Event{Type: EventReady}
	}
	if v.QRCode != "" {
		return QR(v.QRCode)
	}
	return Event{Type: EventDisconnected}
}
