package domain

import (
	"strconv"
	"time"
)

// StageKind identifies a dialog stage.
type StageKind int

const (
	// StageMenu shows the main menu.
	StageMenu StageKind = iota
	// StageServiceDetail shows the lettered options of one service.
	StageServiceDetail
	// StageComboDetail shows the combo listing.
	StageComboDetail
	// StageWithAgent hands the chat to a human; the bot stays silent.
	StageWithAgent
)

// Stage is a dialog stage. ServiceID is only meaningful for StageServiceDetail.
type Stage struct {
	Kind      StageKind
	ServiceID int
}

// Menu returns the main menu stage.
func Menu() Stage { return Stage{Kind: StageMenu} }

// ServiceDetail returns the detail stage for a service.
func ServiceDetail(id int) Stage { return Stage{Kind: StageServiceDetail, ServiceID: id} }

// ComboDetail returns the combo listing stage.
func ComboDetail() Stage { return Stage{Kind: StageComboDetail} }

// WithAgent returns the human handoff stage.
func WithAgent() Stage { return Stage{Kind: StageWithAgent} }

// String renders the stage for logs and transcripts.
func (s Stage) String() string {
	switch s.Kind {
	case StageMenu:
		return "menu"
	case StageServiceDetail:
		return "service:" + strconv.Itoa(s.ServiceID)
	case StageComboDetail:
		return "combo"
	case StageWithAgent:
		return "with_agent"
	default:
		return "unknown"
	}
}

// ChatState is the dialog state of one correspondent.
type ChatState struct {
	CorrespondentID string
	Stage           Stage
	LastActivityAt  time.Time
	WarningIssued   bool
	WithAgent       bool
}

// SetStage moves the chat to s and keeps WithAgent in sync with the stage.
func (c *ChatState) SetStage(s Stage) {
	c.Stage = s
	c.WithAgent = s.Kind == StageWithAgent
}

// Touch records inbound activity at now and opens a fresh inactivity window.
func (c *ChatState) Touch(now time.Time) {
	c.LastActivityAt = now
	c.WarningIssued = false
}
