// Package boardsim implements redax.BoardIO with deterministic synthetic
// waveform data, for tests and the demo CLI, in the style of the
// source's TriangleSource/SimPulseSource Configure/Run/BlockingRead
// generators.
package boardsim

import (
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/xedaq/redax"
)

// Board is a deterministic stand-in for a real digitizer. One call to
// ReadBlock produces exactly one event, with a configurable channel mask
// and per-channel sample count, advancing its event clock by a fixed
// tick count each call.
type Board struct {
	id     redax.BoardID
	format redax.DataFormat
	clock  redax.ClockState

	mu             sync.Mutex
	running        bool
	channelMask    uint32
	samplesPerChan int
	tickStep       uint32
	eventTime      uint32
	failEvery      int
	eventsEmitted  int
	registers      map[uint32]uint32
}

// Config describes the synthetic waveform a Board emits.
type Config struct {
	ChannelMask    uint32 // which of 16 channels are "enabled"
	SamplesPerChan int    // must be even; each word packs two samples
	TickStep       uint32 // header-time advance per event, in clock ticks
	FailEvery      int    // 0 = never; N = every Nth event sets the board-fail bit
}

// New constructs a Board that will report boardID/format via BoardID/
// DataFormat and emit events per cfg.
func New(boardID redax.BoardID, format redax.DataFormat, cfg Config) *Board {
	if cfg.SamplesPerChan <= 0 {
		cfg.SamplesPerChan = 8
	}
	if cfg.TickStep == 0 {
		cfg.TickStep = 1000
	}
	return &Board{
		id:             boardID,
		format:         format,
		channelMask:    cfg.ChannelMask,
		samplesPerChan: cfg.SamplesPerChan,
		tickStep:       cfg.TickStep,
		failEvery:      cfg.FailEvery,
		registers:      make(map[uint32]uint32),
	}
}

func (b *Board) Init(link redax.LinkID, crate, boardID int, addr uint32) error { return nil }

func (b *Board) BoardID() redax.BoardID      { return b.id }
func (b *Board) DataFormat() redax.DataFormat { return b.format }

func (b *Board) GetClockCounter(headerTime uint32) uint32 {
	return b.clock.GetClockCounter(headerTime)
}

func (b *Board) WriteRegister(reg, value uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registers[reg] = value
	return nil
}

func (b *Board) ReadRegister(reg uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registers[reg], nil
}

func (b *Board) AcquisitionStop() error  { b.setRunning(false); return nil }
func (b *Board) SINStart() error         { b.setRunning(true); return nil }
func (b *Board) SoftwareStart() error    { b.setRunning(true); return nil }
func (b *Board) SWTrigger() error        { return nil }

func (b *Board) setRunning(r bool) {
	b.mu.Lock()
	b.running = r
	b.mu.Unlock()
}

func (b *Board) isRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Board) EnsureReady(tries int, sleep time.Duration) bool { return true }

func (b *Board) EnsureStarted(tries int, sleep time.Duration) bool {
	for i := 0; i < tries; i++ {
		if b.isRunning() {
			return true
		}
		time.Sleep(sleep)
	}
	return b.isRunning()
}

func (b *Board) EnsureStopped(tries int, sleep time.Duration) bool {
	for i := 0; i < tries; i++ {
		if !b.isRunning() {
			return true
		}
		time.Sleep(sleep)
	}
	return !b.isRunning()
}

func (b *Board) AcquisitionStatus() (uint32, error) {
	if b.isRunning() {
		return 1, nil
	}
	return 0, nil
}

func (b *Board) CheckErrors() (int, error) { return 0, nil }

// ReadBlock synthesizes one event's worth of words. It returns (nil, nil)
// — "no data" — if the board isn't running.
func (b *Board) ReadBlock() ([]uint32, error) {
	if !b.isRunning() {
		return nil, nil
	}

	b.mu.Lock()
	eventTime := b.eventTime & 0x7FFFFFFF
	b.eventTime += b.tickStep
	b.eventsEmitted++
	fail := b.failEvery > 0 && b.eventsEmitted%b.failEvery == 0
	b.mu.Unlock()

	if fail {
		return encodeBoardFailEvent(eventTime), nil
	}
	if b.format.ChannelHeaderWords == 0 {
		return encodeDefaultEvent(b.channelMask, eventTime, b.samplesPerChan), nil
	}
	return encodeDPPDAWEvent(b.format, b.channelMask, eventTime, b.samplesPerChan), nil
}

func syntheticSampleWord(i int) uint32 {
	s0 := uint16((i*2*37 + 100) % 4096)
	s1 := uint16((i*2*37 + 37 + 100) % 4096)
	return uint32(s0) | uint32(s1)<<16
}

func encodeBoardFailEvent(eventTime uint32) []uint32 {
	return []uint32{
		0xA0000004,
		0x04000000,
		0,
		eventTime & 0x7FFFFFFF,
	}
}

// encodeDefaultEvent builds a "default firmware" event: every enabled
// channel gets the same number of words, with no per-channel header
// (spec.md §4.2's channel_header_words == 0 path).
func encodeDefaultEvent(channelMask uint32, eventTime uint32, samplesPerChan int) []uint32 {
	nch := bits.OnesCount32(channelMask)
	wordsPerChan := samplesPerChan / 2
	total := 4 + nch*wordsPerChan

	words := make([]uint32, 4, total)
	words[0] = 0xA0000000 | (uint32(total) & 0x0FFFFFFF)
	words[1] = channelMask & 0xFF
	words[2] = (channelMask >> 8) << 24
	words[3] = eventTime & 0x7FFFFFFF

	for ch := 0; ch < 16; ch++ {
		if channelMask&(1<<uint(ch)) == 0 {
			continue
		}
		for w := 0; w < wordsPerChan; w++ {
			words = append(words, syntheticSampleWord(ch*1000+w))
		}
	}
	return words
}

// encodeDPPDAWEvent builds a DPP-DAW event: each enabled channel carries
// its own sub-header (spec.md §4.2's channel_header_words > 0 path).
func encodeDPPDAWEvent(format redax.DataFormat, channelMask uint32, eventTime uint32, samplesPerChan int) []uint32 {
	nch := bits.OnesCount32(channelMask)
	// A combined time-MSB/baseline word, when present, sits one slot beyond
	// format.ChannelHeaderWords rather than being counted within it (the
	// spec's channel_header_words names the base header only).
	headerLen := format.ChannelHeaderWords
	if format.ChannelTimeMSBIdx == 2 {
		headerLen++
	}
	wordsPerChan := headerLen + samplesPerChan/2
	total := 4 + nch*wordsPerChan

	words := make([]uint32, 4, total)
	words[0] = 0xA0000000 | (uint32(total) & 0x0FFFFFFF)
	words[1] = channelMask & 0xFF
	words[2] = (channelMask >> 8) << 24
	words[3] = eventTime & 0x7FFFFFFF

	chanIdx := 0
	for ch := 0; ch < 16; ch++ {
		if channelMask&(1<<uint(ch)) == 0 {
			continue
		}
		header := make([]uint32, headerLen)
		header[0] = uint32(wordsPerChan) & 0x7FFFFF
		channelTime := eventTime
		header[1] = channelTime & 0x7FFFFFFF
		if format.ChannelTimeMSBIdx == 2 {
			timeMsb := uint16(0)
			baseline := uint16(2048 + chanIdx*10)
			header[2] = uint32(timeMsb) | uint32(baseline)<<16
		}
		words = append(words, header...)
		for w := 0; w < samplesPerChan/2; w++ {
			words = append(words, syntheticSampleWord(ch*1000+w))
		}
		chanIdx++
	}
	return words
}

// SetRunning lets tests force a run state without going through
// SoftwareStart/AcquisitionStop.
func (b *Board) SetRunning(running bool) { b.setRunning(running) }

// String is a human-readable identity, for diagnostics.
func (b *Board) String() string {
	return fmt.Sprintf("boardsim.Board{id=%d, running=%v}", b.id, b.isRunning())
}
