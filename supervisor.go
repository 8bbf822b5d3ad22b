package redax

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"gonum.org/v1/gonum/stat"
)

// Status is a Supervisor's lifecycle state, restored from the original's
// DAXHelpers status enum (Idle/Arming/Armed/Running/Stopping/Error) so the
// arm-then-start sequencing InitializeElectronics depends on is real
// structure here too, not collapsed into a single boolean.
type Status int32

const (
	StatusIdle Status = iota
	StatusArming
	StatusArmed
	StatusRunning
	StatusStopping
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusArming:
		return "arming"
	case StatusArmed:
		return "armed"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// stallPollInterval and stallMaxAttempts implement spec.md §4.4's drain
// wait: poll every half second, up to ten attempts (~5s total), and
// escalate to force-quit if the same total buffer length is observed on
// two consecutive samples.
const (
	stallPollInterval = 500 * time.Millisecond
	stallMaxAttempts  = 10
)

// Supervisor starts and stops the readout and formatter tasks and
// aggregates their counters at teardown (spec.md §4.4).
type Supervisor struct {
	Loops   []*ReadoutLoop
	Workers []*FormatterWorker
	Boards  map[BoardID]*BoardHandle
	Options Options
	Log     Log

	RunID string

	status     atomic.Int32
	workerErrs chan error
}

// NewSupervisor wires CheckError callbacks from each worker back to its
// board handle before returning, matching the narrow-callback pattern of
// spec.md §9. boardsByID must contain every BoardID any worker in workers
// can report a fail against.
func NewSupervisor(loops []*ReadoutLoop, workers []*FormatterWorker, boardsByID map[BoardID]*BoardHandle, opts Options, log Log) *Supervisor {
	for _, w := range workers {
		bid := w.BoardID
		if h, ok := boardsByID[bid]; ok {
			w.CheckError = func(BoardID) { h.FlagForErrorCheck() }
		}
	}
	s := &Supervisor{
		Loops:      loops,
		Workers:    workers,
		Boards:     boardsByID,
		Options:    opts,
		Log:        log,
		workerErrs: make(chan error, len(workers)),
	}
	s.status.Store(int32(StatusIdle))
	return s
}

// Status reports the Supervisor's current lifecycle state.
func (s *Supervisor) Status() Status { return Status(s.status.Load()) }

// Arm mirrors the original's InitializeElectronics: it opens/inits every
// board in specs serially, aborting to StatusIdle on the first failure,
// then programs each link's boards in parallel (one goroutine per link)
// via Options.GetRegisters. Register values are applied but the transport
// itself decides what, if anything, that means; a board with no pending
// registers is programmed trivially. On any programming failure the
// Supervisor moves to StatusError and that error is returned; otherwise
// it moves to StatusArmed.
func (s *Supervisor) Arm(specs []BoardSpec) error {
	s.status.Store(int32(StatusArming))

	for _, spec := range specs {
		h, ok := s.Boards[BoardID(spec.Board)]
		if !ok {
			continue
		}
		if err := h.IO.Init(spec.Link, spec.Crate, spec.Board, spec.VMEAddr); err != nil {
			s.status.Store(int32(StatusIdle))
			return fmt.Errorf("arm: board %d init: %w", spec.Board, err)
		}
	}

	byLink := make(map[LinkID][]BoardSpec)
	for _, spec := range specs {
		byLink[spec.Link] = append(byLink[spec.Link], spec)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(byLink))
	for link, linkSpecs := range byLink {
		wg.Add(1)
		go func(link LinkID, linkSpecs []BoardSpec) {
			defer wg.Done()
			for _, spec := range linkSpecs {
				h, ok := s.Boards[BoardID(spec.Board)]
				if !ok || s.Options == nil {
					continue
				}
				for _, rv := range s.Options.GetRegisters(BoardID(spec.Board)) {
					if err := h.IO.WriteRegister(rv.Register, rv.Value); err != nil {
						errs <- fmt.Errorf("arm: link %d board %d: write register 0x%x: %w", link, spec.Board, rv.Register, err)
						return
					}
				}
			}
		}(link, linkSpecs)
	}
	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		s.status.Store(int32(StatusError))
		return err
	}
	s.status.Store(int32(StatusArmed))
	logf(s.Log, SeverityMessage, "armed %d board(s) across %d link(s)", len(specs), len(byLink))
	return nil
}

// SupervisorCounters aggregates run-lifetime counters across every worker
// plus board-level drop accounting, distinct from the formatter's
// per-event fail counter (restored from the original's HandleDataDrop/
// AnySource pattern).
type SupervisorCounters struct {
	BenchmarkCounters
	DroppedPackets int64
	FailedEvents   int64
}

// Counters aggregates each worker's BenchmarkCounters and fail count, plus
// each board's dropped-packet count.
func (s *Supervisor) Counters() SupervisorCounters {
	var c SupervisorCounters
	for _, w := range s.Workers {
		wc := w.Counters()
		c.Bytes += wc.Bytes
		c.Fragments += wc.Fragments
		c.Events += wc.Events
		c.DataPackets += wc.DataPackets
		c.FailedEvents += int64(w.FailCount())
	}
	for _, h := range s.Boards {
		c.DroppedPackets += h.Drops()
	}
	return c
}

// Start assigns a fresh run id and launches every readout loop and
// formatter worker in its own goroutine. Callers are not required to Arm
// first: Arm's sequencing exists so board programming happens before data
// flows, but a caller driving simulated or already-armed hardware may call
// Start directly, in which case the status transition is logged, not
// enforced.
func (s *Supervisor) Start() {
	if s.Status() != StatusArmed {
		logf(s.Log, SeverityDebug, "run starting from status %s without a prior Arm", s.Status())
	}
	s.status.Store(int32(StatusRunning))
	s.RunID = ulid.Make().String()
	logf(s.Log, SeverityMessage, "run %s starting: %d link(s), %d worker(s)", s.RunID, len(s.Loops), len(s.Workers))

	for _, l := range s.Loops {
		go l.Run()
	}
	for _, w := range s.Workers {
		w := w
		go func() {
			if err := w.Run(); err != nil {
				logf(s.Log, SeverityError, "worker %d stopped: %v", w.ID, err)
				s.workerErrs <- fmt.Errorf("worker %d: %w", w.ID, err)
				return
			}
			s.workerErrs <- nil
		}()
	}
}

// Stop requests a graceful shutdown of every task, escalating to
// force-quit if draining stalls, waits for everything to exit, and
// aggregates benchmark counters via Options.SaveBenchmarks. It returns
// the first fatal worker error observed, if any.
func (s *Supervisor) Stop() error {
	s.status.Store(int32(StatusStopping))
	for _, l := range s.Loops {
		l.Stop()
	}
	for _, w := range s.Workers {
		w.Stop()
	}

	s.waitForDrain()

	var firstErr error
	for range s.Workers {
		if err := <-s.workerErrs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, l := range s.Loops {
		for l.Running() {
			time.Sleep(10 * time.Millisecond)
		}
	}

	s.aggregateAndSave()
	s.status.Store(int32(StatusIdle))
	logf(s.Log, SeverityMessage, "run %s stopped", s.RunID)
	return firstErr
}

func (s *Supervisor) waitForDrain() {
	lastTotal := -1
	stalled := 0
	forced := false
	for attempt := 0; attempt < stallMaxAttempts; attempt++ {
		time.Sleep(stallPollInterval)

		total := 0
		anyRunning := false
		for _, w := range s.Workers {
			total += w.BufferLength()
			if w.Running() {
				anyRunning = true
			}
		}
		if !anyRunning {
			return
		}
		if total == lastTotal {
			stalled++
		} else {
			stalled = 0
		}
		lastTotal = total
		if stalled >= 1 {
			logf(s.Log, SeverityWarning, "run %s: drain stalled at %d queued packet(s), forcing quit", s.RunID, total)
			for _, w := range s.Workers {
				w.ForceQuit()
			}
			forced = true
			break
		}
	}
	for _, w := range s.Workers {
		for w.Running() {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if forced {
		for id, h := range s.Boards {
			if n := h.Queue.Clear(); n > 0 {
				logf(s.Log, SeverityWarning, "run %s: board %d: force-quit dropped %d queued packet(s)", s.RunID, id, n)
			}
		}
	}
}

func (s *Supervisor) aggregateAndSave() {
	var total BenchmarkCounters
	hist := make(map[int]int64)
	var decodeTimeUs int64

	for _, w := range s.Workers {
		c := w.Counters()
		total.Bytes += c.Bytes
		total.Fragments += c.Fragments
		total.Events += c.Events
		total.DataPackets += c.DataPackets
		decodeTimeUs += w.DecodeTimeMicros()
		for k, v := range w.BufferHistogram() {
			hist[k] += v
		}
	}

	mean, stddev := histogramSpread(hist)
	logf(s.Log, SeverityMessage, "run %s: %d bytes, %d fragments, %d events, %d data packets; batch size mean=%.2f stddev=%.2f",
		s.RunID, total.Bytes, total.Fragments, total.Events, total.DataPackets, mean, stddev)

	if s.Options != nil {
		// The source tracks separate per-packet/per-event/per-channel time
		// accumulators; this worker collapses them to one decode-time
		// total (see FormatterWorker.DecodeTimeMicros). comp_time_us is
		// the ChunkSink's compression cost, outside the core's visibility.
		s.Options.SaveBenchmarks(total, hist, decodeTimeUs, decodeTimeUs, decodeTimeUs, 0)
	}
}

// histogramSpread summarizes a batch-size histogram (spec.md §4.4's
// per-batch histogram) as a weighted mean and standard deviation.
func histogramSpread(hist map[int]int64) (mean, stddev float64) {
	if len(hist) == 0 {
		return 0, 0
	}
	xs := make([]float64, 0, len(hist))
	weights := make([]float64, 0, len(hist))
	for k, v := range hist {
		xs = append(xs, float64(k))
		weights = append(weights, float64(v))
	}
	mean = stat.Mean(xs, weights)
	stddev = stat.StdDev(xs, weights)
	return mean, stddev
}
