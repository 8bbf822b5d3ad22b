package redax

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Default chunk-timing parameters, in nanoseconds, per spec.md §3.
const (
	DefaultChunkLength      = 1<<31 - 1
	DefaultChunkOverlap     = 5e7
	DefaultChunkNameLength  = 6
	DefaultWarnChunkBehind  = 1
	DefaultBufferNumChunks  = 2
)

// chunkKey identifies one entry in a ChunkBuffer: a numeric chunk id plus
// an optional "_pre"/"_post" suffix (spec.md §3, §4.3). Keeping the id as
// an int rather than the formatted string resolves spec.md §9's open
// question in favor of the integer-key design; GetStringFormat-equivalent
// formatting only happens at flush time, in flushName.
type chunkKey struct {
	id     int
	suffix string
}

func (k chunkKey) flushName(width int) string {
	return fmt.Sprintf("%0*d%s", width, k.id, k.suffix)
}

type chunkEntry struct {
	data       []byte
	fragments  int
	lastSeen   time.Time
	firstTime  int64
	lastTime   int64
	haveTimes  bool
}

// ChunkBuffer is the per-FormatterWorker accumulator mapping chunk
// identity to a growing byte string of appended fragments (spec.md §4.3).
// Not shared between workers.
type ChunkBuffer struct {
	FullChunkLength    int64
	ChunkOverlap       int64
	ChunkNameLength    int
	WarnChunkBehind    int
	BufferNumChunks    int
	IdleFlushThreshold time.Duration

	mu     sync.Mutex
	chunks map[chunkKey]*chunkEntry
	log    Log
}

// NewChunkBuffer constructs a ChunkBuffer with the given time-base. A
// zero ChunkLength/ChunkOverlap/ChunkNameLength takes the spec.md default.
func NewChunkBuffer(chunkLength, chunkOverlap int64, chunkNameLength int, log Log) *ChunkBuffer {
	if chunkLength <= 0 {
		chunkLength = DefaultChunkLength
	}
	if chunkOverlap <= 0 {
		chunkOverlap = DefaultChunkOverlap
	}
	if chunkNameLength <= 0 {
		chunkNameLength = DefaultChunkNameLength
	}
	return &ChunkBuffer{
		FullChunkLength:    chunkLength + chunkOverlap,
		ChunkOverlap:       chunkOverlap,
		ChunkNameLength:    chunkNameLength,
		WarnChunkBehind:    DefaultWarnChunkBehind,
		BufferNumChunks:    DefaultBufferNumChunks,
		IdleFlushThreshold: 5 * time.Second,
		chunks:             make(map[chunkKey]*chunkEntry),
		log:                log,
	}
}

// AddFragment appends fragment to the chunk(s) its timestamp belongs to,
// duplicating into the neighbouring chunk's _pre/_post pair when the
// timestamp falls in the last ChunkOverlap ns of its chunk (spec.md §3,
// §4.3 step 1-3).
func (b *ChunkBuffer) AddFragment(fragment []byte, timestamp int64) {
	chunkID := int(timestamp / b.FullChunkLength)
	inOverlap := (int64(chunkID)+1)*b.FullChunkLength-timestamp <= b.ChunkOverlap

	b.mu.Lock()
	defer b.mu.Unlock()

	hadChunks := len(b.chunks) > 0
	prevMin, prevMax := b.minMaxChunkLocked()

	now := time.Now()
	if inOverlap {
		b.appendLocked(chunkKey{chunkID + 1, "_pre"}, fragment, timestamp, now)
		b.appendLocked(chunkKey{chunkID, "_post"}, fragment, timestamp, now)
	} else {
		b.appendLocked(chunkKey{chunkID, ""}, fragment, timestamp, now)
	}

	if hadChunks {
		b.warnIfStaleLocked(chunkID, prevMin, prevMax, fragment)
	}
}

func (b *ChunkBuffer) appendLocked(k chunkKey, fragment []byte, timestamp int64, now time.Time) {
	e, ok := b.chunks[k]
	if !ok {
		e = &chunkEntry{}
		b.chunks[k] = e
	}
	e.data = append(e.data, fragment...)
	e.fragments++
	e.lastSeen = now
	if !e.haveTimes {
		e.firstTime = timestamp
		e.haveTimes = true
	}
	e.lastTime = timestamp
}

// warnIfStaleLocked implements spec.md §4.3 step 5: warn if this fragment
// arrives badly behind chunks the buffer already holds, or note that
// chunks were skipped if it arrives far ahead of them. prevMin/prevMax are
// the buffer's minimum/maximum chunk ids immediately before this
// fragment's own entry was inserted, so the fragment is compared against
// what the buffer already knew, not against itself. The "behind" check
// uses prevMin, matching original_source/StraxFormatter.cc's
// min_chunk-chunk_id comparison: a fragment is only badly behind once
// it's older than everything the buffer holds, not merely older than the
// newest chunk. The channel label for the diagnostic comes from header
// bytes 14..16, per spec.md's fragment layout.
func (b *ChunkBuffer) warnIfStaleLocked(chunkID, prevMin, prevMax int, fragment []byte) {
	if prevMin-chunkID > b.WarnChunkBehind {
		channel := uint16(0)
		if len(fragment) >= 16 {
			channel = binary.LittleEndian.Uint16(fragment[14:16])
		}
		logf(b.log, SeverityWarning, "got data from channel %d that's %d chunks behind the buffer, it might get lost", channel, prevMin-chunkID)
	} else if chunkID-prevMax > 2 {
		logf(b.log, SeverityMessage, "skipped %d chunk(s)", chunkID-prevMax-1)
	}
}

func (b *ChunkBuffer) minMaxChunkLocked() (min, max int) {
	first := true
	for k := range b.chunks {
		if first {
			min, max = k.id, k.id
			first = false
			continue
		}
		if k.id < min {
			min = k.id
		}
		if k.id > max {
			max = k.id
		}
	}
	return min, max
}

// FlushedChunk is one chunk's contents, ready for the ChunkSink, with the
// span of fragment timestamps it covers (for chunkdb bookkeeping).
type FlushedChunk struct {
	Name      string
	Data      []byte
	Fragments int
	FirstTime int64
	LastTime  int64
}

// FlushReady removes and returns every chunk eligible for flush: idle
// past IdleFlushThreshold, or more than BufferNumChunks behind the
// current maximum id (spec.md §4.2's flush_chunks). If all is true,
// every buffered chunk is flushed unconditionally (force-quit/end path).
func (b *ChunkBuffer) FlushReady(all bool) []FlushedChunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks) == 0 {
		return nil
	}
	_, maxChunk := b.minMaxChunkLocked()
	now := time.Now()

	var out []FlushedChunk
	for k, e := range b.chunks {
		eligible := all ||
			now.Sub(e.lastSeen) > b.IdleFlushThreshold ||
			maxChunk-k.id > b.BufferNumChunks
		if !eligible {
			continue
		}
		out = append(out, FlushedChunk{
			Name:      k.flushName(b.ChunkNameLength),
			Data:      e.data,
			Fragments: e.fragments,
			FirstTime: e.firstTime,
			LastTime:  e.lastTime,
		})
		delete(b.chunks, k)
	}
	return out
}

// Len reports the number of chunk entries currently buffered (diagnostic).
func (b *ChunkBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}
