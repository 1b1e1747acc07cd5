package dedupe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_SecondSightingIsDuplicate(t *testing.T) {
	c := New(time.Minute, 10)

	assert.False(t, c.Seen("msg-1"))
	assert.True(t, c.Seen("msg-1"))
	assert.False(t, c.Seen("msg-2"))
}

func TestCache_EmptyKeyNeverDeduplicated(t *testing.T) {
	c := New(time.Minute, 10)

	assert.False(t, c.Seen(""))
	assert.False(t, c.Seen(""))
	assert.Equal(t, 0, c.Len())
}

func TestCache_ExpiredKeyIsNew(t *testing.T) {
	c := New(time.Minute, 10)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	assert.False(t, c.Seen("msg-1"))
	now = now.Add(61 * time.Second)
	assert.False(t, c.Seen("msg-1"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsOldestWhenFull(t *testing.T) {
	c := New(time.Hour, 2)

	c.Seen("a")
	c.Seen("b")
	c.Seen("c")

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Seen("a"), "oldest key should have been evicted")
}
