// Package conversation implements the per-correspondent menu dialog.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/anm-bot/internal/dedupe"
	"github.com/ashureev/anm-bot/internal/domain"
	"github.com/ashureev/anm-bot/internal/timers"
)

// HandoffRecorder persists chats that were handed to a human agent.
type HandoffRecorder interface {
	RecordHandoff(ctx context.Context, correspondentID, source string, at time.Time) error
}

// Message is an inbound text from a correspondent.
type Message struct {
	ID         string
	From       string
	Text       string
	ReceivedAt time.Time
}

// Result describes how the engine handled one message.
type Result struct {
	State   domain.ChatState
	Reply   string
	Ignored bool
}

// Options configures an Engine. Catalog, Timers and Sender are required.
type Options struct {
	Catalog     *Catalog
	Timers      *timers.Registry
	Sender      Sender
	SendTimeout time.Duration
	Dedupe      *dedupe.Cache
	Handoffs    HandoffRecorder
	Transcript  TranscriptLogger
	Logger      *slog.Logger
}

type chat struct {
	state  domain.ChatState
	handle timers.Handle
}

// Engine owns every ChatState and its timer pair. All state changes happen
// under mu, including the checks made by firing timers.
type Engine struct {
	mu         sync.Mutex
	chats      map[string]*chat
	catalog    *Catalog
	timers     *timers.Registry
	outbox     *Outbox
	dedupe     *dedupe.Cache
	handoffs   HandoffRecorder
	transcript TranscriptLogger
	logger     *slog.Logger
	handoffWG  sync.WaitGroup
}

// NewEngine creates an engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if opts.Timers == nil {
		return nil, fmt.Errorf("timer registry is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "conversation")
	transcript := opts.Transcript
	if transcript == nil {
		transcript = noopTranscript{}
	}

	return &Engine{
		chats:      make(map[string]*chat),
		catalog:    opts.Catalog,
		timers:     opts.Timers,
		outbox:     NewOutbox(opts.Sender, opts.SendTimeout, logger),
		dedupe:     opts.Dedupe,
		handoffs:   opts.Handoffs,
		transcript: transcript,
		logger:     logger,
	}, nil
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// HandleMessage advances the dialog of msg.From and queues the reply.
func (e *Engine) HandleMessage(msg Message) Result {
	if e.dedupe != nil && e.dedupe.Seen(msg.ID) {
		e.logger.Debug("Dropping duplicate message", "correspondent", msg.From, "message_id", msg.ID)
		return Result{Ignored: true}
	}

	input := normalize(msg.Text)

	e.mu.Lock()
	defer e.mu.Unlock()

	c, exists := e.chats[msg.From]
	if exists && c.state.WithAgent && input != e.catalog.MenuKeyword {
		e.logLine(msg.From, "inbound", "message", c.state.Stage, msg.Text)
		return Result{State: c.state, Ignored: true}
	}

	var reply, handoffSource string
	switch {
	case !exists:
		c = &chat{state: domain.ChatState{CorrespondentID: msg.From}}
		c.state.SetStage(domain.Menu())
		e.chats[msg.From] = c
		reply = e.catalog.Welcome()
		e.logger.Info("Conversation started", "correspondent", msg.From)
	case input == e.catalog.MenuKeyword:
		c.state.SetStage(domain.Menu())
		reply = e.catalog.MainMenu()
	default:
		var next domain.Stage
		next, reply, handoffSource = e.transition(c.state.Stage, input)
		c.state.SetStage(next)
	}

	c.state.Touch(e.timers.Now())
	c.handle = e.timers.Arm(msg.From, e.onWarning, e.onReset)

	e.logLine(msg.From, "inbound", "message", c.state.Stage, msg.Text)
	e.logLine(msg.From, "outbound", "reply", c.state.Stage, reply)
	e.outbox.Send(msg.From, reply)

	if handoffSource != "" {
		e.logger.Info("Conversation handed off", "correspondent", msg.From, "source", handoffSource)
		e.recordHandoff(msg.From, handoffSource, c.state.LastActivityAt)
	}

	return Result{State: c.state, Reply: reply}
}

// transition returns the next stage, the reply and, for handoffs, where the
// handoff came from. It never returns WithAgent without a handoff source.
func (e *Engine) transition(stage domain.Stage, input string) (domain.Stage, string, string) {
	switch stage.Kind {
	case domain.StageMenu:
		n, ok := optionNumber(input)
		if !ok {
			return stage, e.catalog.InvalidOptionText(), ""
		}
		switch {
		case n >= 1 && n <= len(e.catalog.Services):
			return domain.ServiceDetail(n), e.catalog.ServiceDetail(n), ""
		case n == e.catalog.ComboOption():
			return domain.ComboDetail(), e.catalog.ComboListing(), ""
		case n == e.catalog.AgentOption():
			return domain.WithAgent(), e.catalog.Handoff, "menu"
		default:
			return stage, e.catalog.InvalidOptionText(), ""
		}

	case domain.StageServiceDetail:
		if e.catalog.HasOption(stage.ServiceID, input) {
			return domain.WithAgent(), e.catalog.Handoff, fmt.Sprintf("service:%d/%s", stage.ServiceID, input)
		}
		return stage, e.catalog.InvalidServiceOption, ""

	case domain.StageComboDetail:
		n, ok := optionNumber(input)
		if ok && n >= 1 && n <= len(e.catalog.Combos) {
			return domain.WithAgent(), e.catalog.Handoff, "combo:" + strconv.Itoa(n)
		}
		return stage, e.catalog.InvalidComboText(), ""

	default:
		return domain.Menu(), e.catalog.MainMenu(), ""
	}
}

// optionNumber parses a menu number exactly as it is printed: ASCII digits
// only, no sign and no leading zero.
func optionNumber(input string) (int, bool) {
	if input == "" || input[0] == '0' {
		return 0, false
	}
	for i := 0; i < len(input); i++ {
		if input[i] < '0' || input[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(input)
	return n, err == nil
}

func (e *Engine) onWarning(h timers.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.chats[h.Key]
	if !ok || !e.timers.IsCurrent(h) || c.state.WarningIssued {
		return
	}
	c.state.WarningIssued = true
	e.logLine(h.Key, "outbound", "warning", c.state.Stage, e.catalog.InactivityWarning)
	e.outbox.Send(h.Key, e.catalog.InactivityWarning)
}

func (e *Engine) onReset(h timers.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.chats[h.Key]
	if !ok || !e.timers.IsCurrent(h) {
		return
	}
	e.timers.Release(h)
	delete(e.chats, h.Key)
	e.logLine(h.Key, "outbound", "reset", c.state.Stage, e.catalog.ChatReset)
	e.outbox.Send(h.Key, e.catalog.ChatReset)
	e.logger.Info("Conversation reset after inactivity", "correspondent", h.Key)
}

// Reset cancels every armed timer, forgets every chat and drops queued
// replies. It returns the number of chats that were cleared.
func (e *Engine) Reset() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cancelled := e.timers.CancelAll()
	n := len(e.chats)
	e.chats = make(map[string]*chat)
	dropped := e.outbox.Discard()
	if n > 0 || cancelled > 0 || dropped > 0 {
		e.logger.Info("Conversations cleared", "chats", n, "timers", cancelled, "dropped_replies", dropped)
	}
	return n
}

// Snapshot returns a copy of the chat state of id.
func (e *Engine) Snapshot(id string) (domain.ChatState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.chats[id]
	if !ok {
		return domain.ChatState{}, false
	}
	return c.state, true
}

// Len returns the number of live chats.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.chats)
}

// Flush waits for queued replies and handoff writes to finish.
func (e *Engine) Flush() {
	e.outbox.Wait()
	e.handoffWG.Wait()
}

func (e *Engine) recordHandoff(id, source string, at time.Time) {
	if e.handoffs == nil {
		return
	}
	e.handoffWG.Add(1)
	go func() {
		defer e.handoffWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.handoffs.RecordHandoff(ctx, id, source, at); err != nil {
			e.logger.Warn("Failed to record handoff", "correspondent", id, "error", err)
		}
	}()
}

func (e *Engine) logLine(id, direction, kind string, stage domain.Stage, text string) {
	if text == "" {
		return
	}
	e.transcript.Log(TranscriptEntry{
		CorrespondentID: id,
		Direction:       direction,
		Kind:            kind,
		Stage:           stage.String(),
		Text:            text,
	})
}
