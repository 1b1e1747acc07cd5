package conversation

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTranscriptLogger_Disabled(t *testing.T) {
	logger, err := NewTranscriptLogger(TranscriptConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.IsType(t, noopTranscript{}, logger)
	logger.Log(TranscriptEntry{CorrespondentID: alice, Text: "x"})
	assert.NoError(t, logger.Close())
}

func TestTranscriptLogger_WritesNDJSONPerCorrespondent(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewTranscriptLogger(TranscriptConfig{Enabled: true, Dir: dir, QueueSize: 10}, nil)
	require.NoError(t, err)

	logger.Log(TranscriptEntry{CorrespondentID: alice, Direction: "inbound", Kind: "message", Stage: "menu", Text: "hola"})
	logger.Log(TranscriptEntry{CorrespondentID: alice, Direction: "outbound", Kind: "reply", Stage: "menu", Text: "menu"})
	logger.Log(TranscriptEntry{CorrespondentID: "other", Direction: "inbound", Kind: "message", Text: "hi"})
	require.NoError(t, logger.Close())

	f, err := os.Open(filepath.Join(dir, transcriptFileName(alice)))
	require.NoError(t, err)
	defer f.Close()

	var entries []TranscriptEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e TranscriptEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, entries, 2)
	assert.Equal(t, "inbound", entries[0].Direction)
	assert.Equal(t, "outbound", entries[1].Direction)
	assert.NotEmpty(t, entries[0].Timestamp)

	_, err = os.Stat(filepath.Join(dir, "other.ndjson"))
	assert.NoError(t, err)

	// Logging after close is a no-op.
	logger.Log(TranscriptEntry{CorrespondentID: alice, Text: "late"})
	assert.NoError(t, logger.Close())
}

func TestTranscriptFileName(t *testing.T) {
	assert.Equal(t, "5215550001_s.whatsapp.net.ndjson", transcriptFileName(alice))
	assert.Equal(t, "unknown.ndjson", transcriptFileName(""))
	assert.Equal(t, ".._etc_passwd.ndjson", transcriptFileName("../etc/passwd"))
}
