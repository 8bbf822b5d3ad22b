package redax

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	chunks map[string][]byte
}

func newMemSink() *memSink { return &memSink{chunks: make(map[string][]byte)} }

func (s *memSink) WriteChunk(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte{}, data...)
	s.chunks[name] = cp
	return nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func defaultEventPacket(boardID BoardID, channelMask uint32, eventTime uint32) *DataPacket {
	words := []uint32{
		0xA0000008, channelMask & 0xFF, 0x00000000, eventTime & 0x7FFFFFFF,
		0x11112222, 0x33334444,
	}
	return &DataPacket{Words: words, BoardID: boardID, ByteSize: len(words) * 4}
}

func TestFormatterWorker_ProcessesQueuedPacketsAndFlushesOnStop(t *testing.T) {
	q := NewBoardQueue(0)
	sink := newMemSink()
	w := NewFormatterWorker(1, 1, DataFormat{NsPerClock: 10, NsPerSample: 10, ChannelMaskMSBIdx: -1}, q, sink, nil)
	w.GetChannel = func(BoardID, int) int { return 0 }
	w.FragmentPayloadBytes = 4

	require.True(t, q.Push(defaultEventPacket(1, 0x1, 1000)))

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)
	w.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}

	assert.Equal(t, int64(1), w.Counters().Events)
	assert.Equal(t, int64(1), w.Counters().DataPackets)
	assert.Positive(t, sink.count())
}

func TestFormatterWorker_ForceQuitAbandonsRemainingBatchButStillFlushes(t *testing.T) {
	q := NewBoardQueue(0)
	sink := newMemSink()
	w := NewFormatterWorker(2, 1, DataFormat{NsPerClock: 10, NsPerSample: 10, ChannelMaskMSBIdx: -1}, q, sink, nil)
	w.GetChannel = func(BoardID, int) int { return 0 }
	w.FragmentPayloadBytes = 4
	w.BatchSize = 1 // "single" draining, so ForceQuit can land mid-batch deterministically

	for i := 0; i < 5; i++ {
		require.True(t, q.Push(defaultEventPacket(1, 0x1, uint32(1000*(i+1)))))
	}

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	require.Eventually(t, func() bool { return w.Counters().DataPackets > 0 }, time.Second, time.Millisecond)
	w.ForceQuit()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ForceQuit")
	}

	assert.Less(t, w.Counters().DataPackets, int64(5))
	assert.False(t, w.Running())
}

func TestFormatterWorker_BoardFailIncrementsFailCountAndCallsCheckError(t *testing.T) {
	q := NewBoardQueue(0)
	sink := newMemSink()
	w := NewFormatterWorker(3, 9, DataFormat{NsPerClock: 10}, q, sink, nil)
	w.GetChannel = func(BoardID, int) int { return 0 }

	var flagged BoardID
	var flaggedCount int
	w.CheckError = func(b BoardID) { flagged = b; flaggedCount++ }

	words := []uint32{0xA0000004, 0x04000000, 0x00000000, 0x00001000}
	dp := &DataPacket{Words: words, BoardID: 9, ByteSize: len(words) * 4}
	require.True(t, q.Push(dp))

	go w.Run()
	require.Eventually(t, func() bool { return flaggedCount > 0 }, time.Second, time.Millisecond)
	w.Stop()
	require.Eventually(t, func() bool { return !w.Running() }, time.Second, time.Millisecond)

	assert.Equal(t, BoardID(9), flagged)
	assert.Equal(t, int64(1), w.FailCount())
}

func TestFormatterWorker_FatalDecodeErrorStopsAndReturnsError(t *testing.T) {
	q := NewBoardQueue(0)
	sink := newMemSink()
	w := NewFormatterWorker(4, 1, DataFormat{NsPerClock: 10, NsPerSample: 10, ChannelMaskMSBIdx: -1}, q, sink, nil)
	w.GetChannel = func(BoardID, int) int { return -1 } // unresolvable, fatal

	require.True(t, q.Push(defaultEventPacket(1, 0x1, 1000)))

	err := w.Run()
	require.Error(t, err)
	var cme *ChannelMapError
	assert.ErrorAs(t, err, &cme)
	assert.False(t, w.Running())
}
