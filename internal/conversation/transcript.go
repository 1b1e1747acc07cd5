package conversation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// TranscriptConfig controls NDJSON transcript logging.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// TranscriptEntry is one line of a correspondent's transcript.
type TranscriptEntry struct {
	Timestamp       string `json:"ts"`
	CorrespondentID string `json:"correspondent_id"`
	Direction       string `json:"direction"`
	Kind            string `json:"kind"`
	Stage           string `json:"stage,omitempty"`
	Text            string `json:"text"`
}

// TranscriptLogger records dialog lines without blocking the caller.
type TranscriptLogger interface {
	Log(entry TranscriptEntry)
	Close() error
}

type noopTranscript struct{}

func (noopTranscript) Log(TranscriptEntry) {}
func (noopTranscript) Close() error        { return nil }

// NewTranscriptLogger creates a logger writing one NDJSON file per
// correspondent under cfg.Dir. A disabled config returns a no-op logger.
func NewTranscriptLogger(cfg TranscriptConfig, logger *slog.Logger) (TranscriptLogger, error) {
	if !cfg.Enabled {
		return noopTranscript{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	t := &ndjsonTranscript{
		dir:    cfg.Dir,
		queue:  make(chan TranscriptEntry, cfg.QueueSize),
		files:  make(map[string]*os.File),
		logger: logger,
		done:   make(chan struct{}),
	}
	go t.run()
	return t, nil
}

type ndjsonTranscript struct {
	dir    string
	queue  chan TranscriptEntry
	files  map[string]*os.File
	logger *slog.Logger
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func transcriptFileName(correspondentID string) string {
	name := unsafeFileChars.ReplaceAllString(correspondentID, "_")
	if name == "" {
		name = "unknown"
	}
	return name + ".ndjson"
}

func (t *ndjsonTranscript) Log(entry TranscriptEntry) {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- entry:
	default:
		t.logger.Debug("Transcript queue full, dropping entry", "correspondent", entry.CorrespondentID)
	}
}

func (t *ndjsonTranscript) run() {
	defer close(t.done)
	for entry := range t.queue {
		if err := t.write(entry); err != nil {
			t.logger.Warn("Failed to write transcript entry", "correspondent", entry.CorrespondentID, "error", err)
		}
	}
	for id, f := range t.files {
		if err := f.Close(); err != nil {
			t.logger.Debug("Failed to close transcript file", "correspondent", id, "error", err)
		}
	}
}

func (t *ndjsonTranscript) write(entry TranscriptEntry) error {
	f, ok := t.files[entry.CorrespondentID]
	if !ok {
		path := filepath.Join(t.dir, transcriptFileName(entry.CorrespondentID))
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open transcript: %w", err)
		}
		t.files[entry.CorrespondentID] = f
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal transcript entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// Close flushes queued entries and closes every file.
func (t *ndjsonTranscript) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		close(t.queue)
		t.mu.Unlock()
	})
	<-t.done
	return nil
}
