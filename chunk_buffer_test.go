package redax

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLog struct {
	entries []string
}

func (l *recordingLog) Entry(sev Severity, format string, args ...interface{}) {
	l.entries = append(l.entries, format)
}

func fragmentWithChannel(channel uint16, payload []byte) []byte {
	h := FragmentHeader{ChannelLabel: channel}
	return append(h.Encode(), payload...)
}

// Overlap routing: a fragment landing in the trailing ChunkOverlap window
// of its chunk is duplicated into the next chunk's "_pre" entry and the
// current chunk's "_post" entry (spec.md §8 chunk-overlap scenario).
func TestAddFragment_OverlapDuplicatesIntoPreAndPost(t *testing.T) {
	cb := NewChunkBuffer(100, 10, 3, nil) // FullChunkLength = 110
	frag := fragmentWithChannel(1, []byte{0xAA})

	cb.AddFragment(frag, 105) // within the last 10ns of chunk 0 [0,110)

	flushed := cb.FlushReady(true)
	require.Len(t, flushed, 2)

	names := map[string]FlushedChunk{}
	for _, f := range flushed {
		names[f.Name] = f
	}
	post, ok := names["000_post"]
	require.True(t, ok, "expected a _post entry, got %v", names)
	assert.Equal(t, frag, post.Data)

	pre, ok := names["001_pre"]
	require.True(t, ok, "expected a _pre entry, got %v", names)
	assert.Equal(t, frag, pre.Data)
}

// Non-overlap routing: a fragment outside the overlap window goes to the
// bare chunk key only (spec.md §8 chunk-routing scenario).
func TestAddFragment_NonOverlapRoutesToBareKey(t *testing.T) {
	cb := NewChunkBuffer(100, 10, 3, nil)
	frag := fragmentWithChannel(2, []byte{0xBB})

	cb.AddFragment(frag, 50) // 110-50=60 > overlap(10)

	flushed := cb.FlushReady(true)
	require.Len(t, flushed, 1)
	assert.Equal(t, "000", flushed[0].Name)
	assert.Equal(t, frag, flushed[0].Data)
}

// Fragments appended to the same chunk key accumulate in order.
func TestAddFragment_AccumulatesWithinChunk(t *testing.T) {
	cb := NewChunkBuffer(100, 10, 3, nil)
	a := fragmentWithChannel(1, []byte{0x01})
	b := fragmentWithChannel(1, []byte{0x02})

	cb.AddFragment(a, 10)
	cb.AddFragment(b, 20)

	flushed := cb.FlushReady(true)
	require.Len(t, flushed, 1)
	assert.Equal(t, append(append([]byte{}, a...), b...), flushed[0].Data)
	assert.Equal(t, 2, flushed[0].Fragments)
	assert.Equal(t, int64(10), flushed[0].FirstTime)
	assert.Equal(t, int64(20), flushed[0].LastTime)
}

func TestFlushReady_NotEligibleWithoutForceOrIdleOrBehind(t *testing.T) {
	cb := NewChunkBuffer(100, 10, 3, nil)
	cb.IdleFlushThreshold = time.Hour
	cb.AddFragment(fragmentWithChannel(1, nil), 10)

	flushed := cb.FlushReady(false)
	assert.Empty(t, flushed)
	assert.Equal(t, 1, cb.Len())
}

func TestFlushReady_EligibleWhenIdle(t *testing.T) {
	cb := NewChunkBuffer(100, 10, 3, nil)
	cb.IdleFlushThreshold = time.Millisecond
	cb.AddFragment(fragmentWithChannel(1, nil), 10)

	time.Sleep(5 * time.Millisecond)

	flushed := cb.FlushReady(false)
	require.Len(t, flushed, 1)
	assert.Equal(t, 0, cb.Len())
}

func TestFlushReady_EligibleWhenFarBehindMaxChunk(t *testing.T) {
	cb := NewChunkBuffer(100, 10, 3, nil)
	cb.IdleFlushThreshold = time.Hour
	cb.BufferNumChunks = 2

	cb.AddFragment(fragmentWithChannel(1, nil), 50)     // chunk 0
	cb.AddFragment(fragmentWithChannel(1, nil), 50+110*5) // chunk 5

	flushed := cb.FlushReady(false)
	require.Len(t, flushed, 1)
	assert.Equal(t, "000", flushed[0].Name)
	assert.Equal(t, 1, cb.Len()) // chunk 5 stays buffered
}

func TestFlushReady_AllFlushesEverythingRegardlessOfEligibility(t *testing.T) {
	cb := NewChunkBuffer(100, 10, 3, nil)
	cb.IdleFlushThreshold = time.Hour
	cb.AddFragment(fragmentWithChannel(1, nil), 10)
	cb.AddFragment(fragmentWithChannel(1, nil), 220)

	flushed := cb.FlushReady(true)
	assert.Len(t, flushed, 2)
	assert.Equal(t, 0, cb.Len())
}

// A fragment landing far behind the buffer's minimum chunk logs a warning
// naming the channel it belongs to (spec.md §4.3 step 5).
func TestAddFragment_WarnsWhenBadlyBehind(t *testing.T) {
	log := &recordingLog{}
	cb := NewChunkBuffer(100, 10, 3, log)
	cb.WarnChunkBehind = 1

	cb.AddFragment(fragmentWithChannel(7, nil), 50+110*3) // chunk 3
	cb.AddFragment(fragmentWithChannel(7, nil), 10)        // chunk 0, 3 behind

	require.NotEmpty(t, log.entries)
	assert.Contains(t, log.entries[len(log.entries)-1], "chunks behind")
}

// The "behind" check must compare against the buffer's minimum held
// chunk, not its maximum: a buffer spanning chunks 0 and 10 with
// threshold=1 should not warn for a fragment at chunk -1 (0-(-1)=1, not
// >1), even though comparing against the maximum (10-(-1)=11) would.
func TestAddFragment_BehindCheckUsesMinimumHeldChunkNotMaximum(t *testing.T) {
	log := &recordingLog{}
	cb := NewChunkBuffer(100, 10, 3, log)
	cb.WarnChunkBehind = 1

	cb.AddFragment(fragmentWithChannel(1, nil), 50)        // chunk 0
	cb.AddFragment(fragmentWithChannel(1, nil), 50+110*10) // chunk 10
	cb.AddFragment(fragmentWithChannel(1, nil), -150)      // chunk -1

	for _, e := range log.entries {
		assert.NotContains(t, e, "chunks behind")
	}
}

// A fragment landing far ahead of the buffer's maximum chunk logs a
// skipped-chunk count instead of a stale warning.
func TestAddFragment_NotesSkippedChunksWhenFarAhead(t *testing.T) {
	log := &recordingLog{}
	cb := NewChunkBuffer(100, 10, 3, log)

	cb.AddFragment(fragmentWithChannel(3, nil), 10) // chunk 0
	cb.AddFragment(fragmentWithChannel(3, nil), 50+110*5) // chunk 5, far ahead

	require.NotEmpty(t, log.entries)
	assert.Contains(t, log.entries[len(log.entries)-1], "skipped")
}
