package redax

import (
	"sync"
	"sync/atomic"
	"time"
)

// drainSleep is how long a worker sleeps after finding its queue empty,
// per spec.md §4.2's ReadAndInsertData polling loop.
const drainSleep = 10 * time.Microsecond

// drain pulls packets off q per spec.md §9's unified drain abstraction,
// replacing the source's two parallel "dual"/"single" code paths. A
// batchSize <= 0 drains everything currently queued in one locked swap
// ("dual"); batchSize == 1 drains a single packet ("single"); any other
// positive value drains up to that many.
func drain(q *BoardQueue, batchSize int) []*DataPacket {
	if batchSize <= 0 {
		return q.DrainAll()
	}
	batch := make([]*DataPacket, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		dp, ok := q.DrainOne()
		if !ok {
			break
		}
		batch = append(batch, dp)
	}
	return batch
}

// FormatterWorker drains one BoardQueue, decodes its packets, and routes
// the resulting fragments into its own ChunkBuffer and on to a ChunkSink
// (spec.md §4.2).
type FormatterWorker struct {
	ID                    int
	BoardID               BoardID
	Format                DataFormat
	FragmentPayloadBytes  int
	BatchSize             int // 0 = "dual", 1 = "single"; see drain.

	Queue  *BoardQueue
	Chunks *ChunkBuffer
	Sink   ChunkSink
	Log    Log

	// GetChannel resolves (board, channel) to a global label; normally
	// Options.GetChannel. A -1 result is the one fatal decode error
	// (spec.md §7 category 2).
	GetChannel func(BoardID, int) int

	// CheckError is the narrow callback capability into the controller
	// (spec.md §9): called when this board's fail counter increments, so
	// the owning ReadoutLoop knows to service the board's error register.
	CheckError func(BoardID)

	// OnChunkFlushed, if set, is called for every chunk handed to Sink
	// (e.g. to mirror flush metadata into a side-channel recorder).
	OnChunkFlushed func(FlushedChunk)

	active    atomic.Bool
	forceQuit atomic.Bool
	running   atomic.Bool

	bufferLength atomic.Int32

	eventsProcessed    atomic.Int64
	fragmentsProcessed atomic.Int64
	bytesProcessed     atomic.Int64
	packetsProcessed   atomic.Int64
	failCount          atomic.Int64
	decodeTimeUs       atomic.Int64

	histMu    sync.Mutex
	histogram map[int]int64

	dpcMu          sync.Mutex
	dataPerChannel map[int]int64
}

// NewFormatterWorker constructs a FormatterWorker with its own ChunkBuffer.
func NewFormatterWorker(id int, boardID BoardID, format DataFormat, queue *BoardQueue, sink ChunkSink, log Log) *FormatterWorker {
	return &FormatterWorker{
		ID:                   id,
		BoardID:              boardID,
		Format:               format,
		FragmentPayloadBytes: DefaultPayloadBytes,
		Queue:                queue,
		Chunks:               NewChunkBuffer(0, 0, 0, log),
		Sink:                 sink,
		Log:                  log,
		histogram:            make(map[int]int64),
		dataPerChannel:       make(map[int]int64),
	}
}

// Running reports whether the worker's goroutine is currently executing
// Run's loop (as opposed to having returned).
func (w *FormatterWorker) Running() bool { return w.running.Load() }

// BufferLength returns the number of packets in the batch currently being
// processed, for Supervisor stall detection (spec.md §4.4).
func (w *FormatterWorker) BufferLength() int { return int(w.bufferLength.Load()) }

// Stop requests a graceful shutdown: finish the current batch, flush all
// chunks, then exit (spec.md §5's "active" flag).
func (w *FormatterWorker) Stop() { w.active.Store(false) }

// ForceQuit requests an immediate shutdown: abandon the rest of the
// current batch without decoding it, still flush chunks (spec.md §5's
// "force_quit" flag).
func (w *FormatterWorker) ForceQuit() { w.forceQuit.Store(true) }

// Run drains the worker's queue until Stop is called, decoding packets
// and routing fragments into Chunks, flushing eligible chunks after every
// batch. It returns a non-nil error only on the one fatal decode
// condition (spec.md §7 category 2), at which point the worker has
// already stopped and flushed everything it could.
func (w *FormatterWorker) Run() error {
	w.active.Store(true)
	w.running.Store(true)
	defer w.running.Store(false)

	for w.active.Load() {
		batch := drain(w.Queue, w.BatchSize)
		if len(batch) == 0 {
			time.Sleep(drainSleep)
			continue
		}
		w.recordBatchSize(len(batch))
		w.bufferLength.Store(int32(len(batch)))

		for _, dp := range batch {
			if w.forceQuit.Load() {
				break
			}
			if err := w.processPacket(dp); err != nil {
				w.flush(true)
				return err
			}
			w.bufferLength.Add(-1)
		}
		w.flush(w.forceQuit.Load())
		if w.forceQuit.Load() {
			break
		}
	}
	w.flush(true)
	return nil
}

func (w *FormatterWorker) processPacket(dp *DataPacket) error {
	start := time.Now()
	frags, stats, err := decodePacket(dp, w.Format, w.effectivePayloadBytes(), w.GetChannel, w.Log)
	w.decodeTimeUs.Add(time.Since(start).Microseconds())
	w.packetsProcessed.Add(1)
	if err != nil {
		return err
	}
	for _, f := range frags {
		w.Chunks.AddFragment(f.Bytes, f.Timestamp)
		w.bytesProcessed.Add(int64(len(f.Bytes)))
	}
	w.eventsProcessed.Add(stats.Events)
	w.fragmentsProcessed.Add(stats.Fragments)

	if stats.FailEvents > 0 {
		w.failCount.Add(int64(stats.FailEvents))
		if w.CheckError != nil {
			w.CheckError(dp.BoardID)
		}
	}

	if len(stats.SamplesByChannel) > 0 {
		w.dpcMu.Lock()
		for ch, n := range stats.SamplesByChannel {
			w.dataPerChannel[ch] += n
		}
		w.dpcMu.Unlock()
	}
	return nil
}

func (w *FormatterWorker) effectivePayloadBytes() int {
	if w.FragmentPayloadBytes <= 0 {
		return DefaultPayloadBytes
	}
	return w.FragmentPayloadBytes
}

func (w *FormatterWorker) flush(all bool) {
	for _, chunk := range w.Chunks.FlushReady(all) {
		if err := w.Sink.WriteChunk(chunk.Name, chunk.Data); err != nil {
			logf(w.Log, SeverityError, "worker %d: write chunk %s: %v", w.ID, chunk.Name, err)
			continue
		}
		if w.OnChunkFlushed != nil {
			w.OnChunkFlushed(chunk)
		}
	}
}

func (w *FormatterWorker) recordBatchSize(n int) {
	w.histMu.Lock()
	w.histogram[n]++
	w.histMu.Unlock()
}

// Counters snapshots the worker's benchmark totals for Supervisor
// aggregation (spec.md §4.4).
func (w *FormatterWorker) Counters() BenchmarkCounters {
	return BenchmarkCounters{
		Bytes:       w.bytesProcessed.Load(),
		Fragments:   w.fragmentsProcessed.Load(),
		Events:      w.eventsProcessed.Load(),
		DataPackets: w.packetsProcessed.Load(),
	}
}

// DecodeTimeMicros returns the cumulative wall time spent inside
// decodePacket, in microseconds. The source tracks separate per-packet,
// per-event, and per-channel accumulators; decodePacket's pure functions
// don't carry timing instrumentation at that granularity, so this single
// packet-level timer stands in for all three buckets Options.SaveBenchmarks
// expects (see DESIGN.md).
func (w *FormatterWorker) DecodeTimeMicros() int64 { return w.decodeTimeUs.Load() }

// BufferHistogram returns a copy of the batch-size histogram accumulated
// so far (keys are batch sizes seen on entry to the drain loop).
func (w *FormatterWorker) BufferHistogram() map[int]int64 {
	w.histMu.Lock()
	defer w.histMu.Unlock()
	out := make(map[int]int64, len(w.histogram))
	for k, v := range w.histogram {
		out[k] = v
	}
	return out
}

// DataPerChannel returns a copy of the accumulated per-channel sample
// byte counters (spec.md §4.2's shared per-channel counter).
func (w *FormatterWorker) DataPerChannel() map[int]int64 {
	w.dpcMu.Lock()
	defer w.dpcMu.Unlock()
	out := make(map[int]int64, len(w.dataPerChannel))
	for k, v := range w.dataPerChannel {
		out[k] = v
	}
	return out
}

// FailCount returns the number of board-fail events this worker has
// observed.
func (w *FormatterWorker) FailCount() int64 { return w.failCount.Load() }
