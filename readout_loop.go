package redax

import (
	"sync/atomic"
	"time"
)

// statusPollCycles is how often, in readout passes, a board's
// acquisition-status register is read purely for diagnostics (spec.md
// §4.1 step 1).
const statusPollCycles = 10000

// readoutInterPassSleep is the sleep between passes over a link's boards
// (spec.md §4.1).
const readoutInterPassSleep = 1 * time.Microsecond

// BoardHandle binds one board's transport to its destination queue and
// tracks the narrow cross-thread signal the formatter raises when it
// wants the readout loop to service that board's error register
// (spec.md §9's "CheckError" callback capability).
type BoardHandle struct {
	IO    BoardIO
	Queue *BoardQueue

	needsErrorCheck atomic.Bool
	drops           atomic.Int64
}

// FlagForErrorCheck requests that the owning ReadoutLoop read and clear
// this board's error register on its next pass. Safe to call from any
// goroutine (spec.md §9).
func (h *BoardHandle) FlagForErrorCheck() { h.needsErrorCheck.Store(true) }

// Drops returns the number of packets this board's queue has refused
// since construction, distinct from the formatter's per-event fail
// counter (restored from the original's HandleDataDrop/AnySource
// pattern; see Supervisor.Counters).
func (h *BoardHandle) Drops() int64 { return h.drops.Load() }

// ReadoutLoop is one independent task per optical link: it owns the
// boards on that link and cycles over them until stopped (spec.md §4.1).
type ReadoutLoop struct {
	Link   LinkID
	Boards []*BoardHandle
	Log    Log

	running atomic.Bool
	stop    chan struct{}
	cycle   int
}

// NewReadoutLoop constructs a ReadoutLoop for one link's boards.
func NewReadoutLoop(link LinkID, boards []*BoardHandle, log Log) *ReadoutLoop {
	return &ReadoutLoop{Link: link, Boards: boards, Log: log, stop: make(chan struct{})}
}

// Running reports whether Run's loop is currently executing.
func (r *ReadoutLoop) Running() bool { return r.running.Load() }

// Stop requests the loop exit after its current pass. Idempotent.
func (r *ReadoutLoop) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

// Run cycles over r.Boards until Stop is called. It never returns an
// error: a read failure is logged and the remaining boards of the link
// are skipped for the current pass (spec.md §7 category 3).
func (r *ReadoutLoop) Run() {
	r.running.Store(true)
	defer r.running.Store(false)

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		r.cycle++
		for _, b := range r.Boards {
			if r.cycle%statusPollCycles == 0 {
				r.pollStatus(b)
			}
			if b.needsErrorCheck.Load() {
				r.serviceErrors(b)
			}
			if !r.readOnePass(b) {
				break
			}
		}

		select {
		case <-r.stop:
			return
		case <-time.After(readoutInterPassSleep):
		}
	}
}

func (r *ReadoutLoop) pollStatus(b *BoardHandle) {
	status, err := b.IO.AcquisitionStatus()
	if err != nil {
		logf(r.Log, SeverityWarning, "link %d board %d: acquisition status: %v", r.Link, b.IO.BoardID(), err)
		return
	}
	logf(r.Log, SeverityDebug, "link %d board %d: status=0x%08x", r.Link, b.IO.BoardID(), status)
}

func (r *ReadoutLoop) serviceErrors(b *BoardHandle) {
	b.needsErrorCheck.Store(false)
	n, err := b.IO.CheckErrors()
	if err != nil {
		logf(r.Log, SeverityWarning, "link %d board %d: check errors: %v", r.Link, b.IO.BoardID(), err)
		return
	}
	if n > 0 {
		logf(r.Log, SeverityWarning, "link %d board %d: %d error(s) pending", r.Link, b.IO.BoardID(), n)
	}
}

// readOnePass reads one block from b and queues it. It returns false only
// on a transport error.
func (r *ReadoutLoop) readOnePass(b *BoardHandle) bool {
	words, err := b.IO.ReadBlock()
	if err != nil {
		logf(r.Log, SeverityError, "link %d board %d: read block: %v", r.Link, b.IO.BoardID(), err)
		return false
	}
	if len(words) == 0 {
		return true
	}

	headerTime := firstHeaderTime(words)
	clockCounter := b.IO.GetClockCounter(headerTime)
	dp := &DataPacket{
		Words:        words,
		ByteSize:     len(words) * 4,
		ClockCounter: clockCounter,
		HeaderTime:   headerTime,
		BoardID:      b.IO.BoardID(),
		ReceivedAt:   time.Now(),
	}
	if !b.Queue.Push(dp) {
		b.drops.Add(1)
		logf(r.Log, SeverityWarning, "link %d board %d: queue full, dropping %d-byte packet", r.Link, b.IO.BoardID(), dp.ByteSize)
	}
	return true
}

// firstHeaderTime extracts the low 31 bits of the board clock at the
// start of the block, read from the first event header found (spec.md
// §3's DataPacket.header_time). A block with no event header at all
// yields 0; decodePacket skips such words without producing anything.
func firstHeaderTime(words []uint32) uint32 {
	for i := 0; i+eventHeaderWords <= len(words); i++ {
		if words[i]>>28 == eventSentinel {
			return words[i+3] & 0x7FFFFFFF
		}
	}
	return 0
}
