package redax

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBoardIO struct {
	id     BoardID
	mu     sync.Mutex
	blocks [][]uint32
	nextIdx int

	statusCalls atomic.Int32
	errChecks   atomic.Int32
	errsPending int

	initErr     error
	writeRegErr error
	writtenRegs []RegisterValue
}

func (f *fakeBoardIO) Init(LinkID, int, int, uint32) error { return f.initErr }

func (f *fakeBoardIO) ReadBlock() ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextIdx >= len(f.blocks) {
		return nil, nil
	}
	b := f.blocks[f.nextIdx]
	f.nextIdx++
	return b, nil
}

func (f *fakeBoardIO) GetClockCounter(headerTime uint32) uint32 { return 0 }

func (f *fakeBoardIO) WriteRegister(reg, value uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeRegErr != nil {
		return f.writeRegErr
	}
	f.writtenRegs = append(f.writtenRegs, RegisterValue{Register: reg, Value: value})
	return nil
}
func (f *fakeBoardIO) ReadRegister(reg uint32) (uint32, error)  { return 0, nil }
func (f *fakeBoardIO) AcquisitionStop() error                   { return nil }
func (f *fakeBoardIO) SINStart() error                          { return nil }
func (f *fakeBoardIO) SoftwareStart() error                     { return nil }
func (f *fakeBoardIO) SWTrigger() error                         { return nil }
func (f *fakeBoardIO) EnsureReady(int, time.Duration) bool      { return true }
func (f *fakeBoardIO) EnsureStarted(int, time.Duration) bool    { return true }
func (f *fakeBoardIO) EnsureStopped(int, time.Duration) bool    { return true }

func (f *fakeBoardIO) AcquisitionStatus() (uint32, error) {
	f.statusCalls.Add(1)
	return 1, nil
}

func (f *fakeBoardIO) CheckErrors() (int, error) {
	f.errChecks.Add(1)
	return f.errsPending, nil
}

func (f *fakeBoardIO) BoardID() BoardID          { return f.id }
func (f *fakeBoardIO) DataFormat() DataFormat    { return DataFormat{NsPerClock: 10} }

func TestReadoutLoop_PushesReadBlocksOntoQueue(t *testing.T) {
	io := &fakeBoardIO{id: 1, blocks: [][]uint32{
		{0xA0000004, 0, 0, 0x1000},
		{0xA0000004, 0, 0, 0x2000},
	}}
	q := NewBoardQueue(0)
	handle := &BoardHandle{IO: io, Queue: q}
	loop := NewReadoutLoop(1, []*BoardHandle{handle}, nil)

	go loop.Run()
	require.Eventually(t, func() bool { return q.Len() == 2 }, time.Second, time.Millisecond)
	loop.Stop()
	require.Eventually(t, func() bool { return !loop.Running() }, time.Second, time.Millisecond)

	dp, ok := q.DrainOne()
	require.True(t, ok)
	assert.Equal(t, BoardID(1), dp.BoardID)
	assert.Equal(t, uint32(0x1000), dp.HeaderTime)
}

func TestReadoutLoop_DropsPacketWhenQueueFull(t *testing.T) {
	io := &fakeBoardIO{id: 2, blocks: [][]uint32{
		{0xA0000004, 0, 0, 0x1000},
		{0xA0000004, 0, 0, 0x2000},
	}}
	log := &recordingLog{}
	q := NewBoardQueue(1)
	handle := &BoardHandle{IO: io, Queue: q}
	loop := NewReadoutLoop(2, []*BoardHandle{handle}, log)

	go loop.Run()
	require.Eventually(t, func() bool { return io.nextIdxSnapshot() >= 2 }, time.Second, time.Millisecond)
	loop.Stop()
	require.Eventually(t, func() bool { return !loop.Running() }, time.Second, time.Millisecond)

	assert.Equal(t, 1, q.Len())
	found := false
	for _, e := range log.entries {
		if e == "link %d board %d: queue full, dropping %d-byte packet" {
			found = true
		}
	}
	assert.True(t, found)
}

func (f *fakeBoardIO) nextIdxSnapshot() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextIdx
}

func TestReadoutLoop_ServicesFlaggedErrorsAndClearsFlag(t *testing.T) {
	io := &fakeBoardIO{id: 3, errsPending: 2}
	q := NewBoardQueue(0)
	handle := &BoardHandle{IO: io, Queue: q}
	handle.FlagForErrorCheck()
	loop := NewReadoutLoop(3, []*BoardHandle{handle}, nil)

	go loop.Run()
	require.Eventually(t, func() bool { return io.errChecks.Load() > 0 }, time.Second, time.Millisecond)
	loop.Stop()
	require.Eventually(t, func() bool { return !loop.Running() }, time.Second, time.Millisecond)

	assert.False(t, handle.needsErrorCheck.Load())
}

func TestFirstHeaderTime_ReturnsZeroWithNoSentinel(t *testing.T) {
	assert.Equal(t, uint32(0), firstHeaderTime([]uint32{1, 2, 3}))
}

func TestFirstHeaderTime_FindsFirstEventHeader(t *testing.T) {
	words := []uint32{0xDEADBEEF, 0xA0000004, 0, 0, 0x12345}
	assert.Equal(t, uint32(0x12345), firstHeaderTime(words))
}
