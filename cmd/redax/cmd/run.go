package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	chclickhouse "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/xedaq/redax"
	"github.com/xedaq/redax/internal/boardsim"
	"github.com/xedaq/redax/internal/chunkdb"
	"github.com/xedaq/redax/internal/chunkstore"
	"github.com/xedaq/redax/internal/config"
	"github.com/xedaq/redax/internal/diag"
	"github.com/xedaq/redax/internal/rlog"
	"github.com/xedaq/redax/internal/statuspub"
)

var runFlags struct {
	logPath       string
	chunksDir     string
	statusPort    int
	clickhouseDSN string
	numBoards     int
	channelMask   uint32
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a readout run against simulated boards",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runFlags.logPath, "log-path", "redax.log", "rotated log file path")
	runCmd.Flags().StringVar(&runFlags.chunksDir, "chunks-dir", "./chunks", "root directory for flushed chunk files")
	runCmd.Flags().IntVar(&runFlags.statusPort, "status-port", 5501, "ZMQ PUB port for status snapshots")
	runCmd.Flags().StringVar(&runFlags.clickhouseDSN, "clickhouse-addr", "", "ClickHouse host:port for run telemetry; empty disables it")
	runCmd.Flags().IntVar(&runFlags.numBoards, "boards", 1, "number of simulated boards to run, when none are configured")
	runCmd.Flags().Uint32Var(&runFlags.channelMask, "channel-mask", 0x000F, "simulated channel-enable mask per board")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("run: load config: %w", err)
	}

	log, err := rlog.New(runFlags.logPath, redax.SeverityMessage)
	if err != nil {
		return fmt.Errorf("run: open log: %w", err)
	}
	defer log.Close()

	hostname, _ := os.Hostname()
	runID := ulid.Make().String()

	sink, err := chunkstore.NewSink(runFlags.chunksDir, runID)
	if err != nil {
		return fmt.Errorf("run: open chunk sink: %w", err)
	}

	abort := make(chan struct{})
	var recorder *chunkdb.Recorder
	if runFlags.clickhouseDSN != "" {
		recorder = chunkdb.NewRecorder(&chclickhouse.Options{Addr: []string{runFlags.clickhouseDSN}}, abort)
		if !recorder.Connected() {
			log.Entry(redax.SeverityWarning, "run %s: clickhouse at %s unreachable, telemetry disabled", runID, runFlags.clickhouseDSN)
		}
	} else {
		recorder = chunkdb.Dummy()
	}

	pub, err := statuspub.New(runFlags.statusPort)
	if err != nil {
		return fmt.Errorf("run: open status publisher: %w", err)
	}
	defer pub.Close()

	specs := cfg.GetBoards("sim", hostname)
	if len(specs) == 0 {
		specs = defaultBoardSpecs(runFlags.numBoards)
	}

	format := redax.DataFormat{NsPerClock: 10, NsPerSample: 2, ChannelMaskMSBIdx: -1, ChannelTimeMSBIdx: -1}

	boardsByID := make(map[redax.BoardID]*redax.BoardHandle)
	boardsByLink := make(map[redax.LinkID][]*redax.BoardHandle)
	var workers []*redax.FormatterWorker

	for i, spec := range specs {
		boardID := redax.BoardID(spec.Board)
		board := boardsim.New(boardID, format, boardsim.Config{
			ChannelMask:    runFlags.channelMask,
			SamplesPerChan: 8,
		})

		queue := redax.NewBoardQueue(0)
		handle := &redax.BoardHandle{IO: board, Queue: queue}
		boardsByID[boardID] = handle
		boardsByLink[spec.Link] = append(boardsByLink[spec.Link], handle)

		worker := redax.NewFormatterWorker(i+1, boardID, format, queue, sink, log)
		worker.GetChannel = cfg.GetChannel
		wireChunkTelemetry(worker, recorder, runID)
		workers = append(workers, worker)
	}

	var loops []*redax.ReadoutLoop
	for link, handles := range boardsByLink {
		loops = append(loops, redax.NewReadoutLoop(link, handles, log))
	}

	sup := redax.NewSupervisor(loops, workers, boardsByID, cfg, log)
	wireBoardFailTelemetry(workers, recorder, runID)

	if err := sup.Arm(specs); err != nil {
		return fmt.Errorf("run: arm: %w", err)
	}
	for _, h := range boardsByID {
		h.IO.SoftwareStart()
	}

	recorder.RecordRun(chunkdb.RunMessage{
		ID: runID, Hostname: hostname, RunMode: "sim",
		Nboards: len(specs), Nchannels: popcount(runFlags.channelMask), Start: time.Now(),
	})

	sup.Start()
	log.Entry(redax.SeverityMessage, "run %s: writing chunks under %s, status on port %d", runID, sink.Dir(), runFlags.statusPort)

	statusDone := make(chan struct{})
	go publishStatusLoop(pub, runID, sup, boardsByID, log, statusDone)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	close(statusDone)
	log.Entry(redax.SeverityMessage, "run %s: shutting down", runID)
	stopErr := sup.Stop()

	recorder.RecordRun(chunkdb.RunMessage{
		ID: runID, Hostname: hostname, RunMode: "sim",
		Nboards: len(specs), Nchannels: popcount(runFlags.channelMask), End: time.Now(),
	})
	recorder.Close(abort)

	return stopErr
}

func defaultBoardSpecs(n int) []redax.BoardSpec {
	specs := make([]redax.BoardSpec, n)
	for i := 0; i < n; i++ {
		specs[i] = redax.BoardSpec{Link: 0, Crate: 0, Board: i, Type: "sim"}
	}
	return specs
}

// wireChunkTelemetry mirrors every chunk this worker flushes into the
// telemetry recorder, alongside its ordinary write to sink.
func wireChunkTelemetry(w *redax.FormatterWorker, recorder *chunkdb.Recorder, runID string) {
	w.OnChunkFlushed = func(chunk redax.FlushedChunk) {
		recorder.RecordChunkFlush(chunkdb.ChunkFlushMessage{
			RunID:     runID,
			ChunkName: chunk.Name,
			BoardID:   int(w.BoardID),
			WorkerID:  w.ID,
			Bytes:     len(chunk.Data),
			Fragments: chunk.Fragments,
			FirstTime: chunk.FirstTime,
			LastTime:  chunk.LastTime,
			FlushedAt: time.Now(),
		})
	}
}

// wireBoardFailTelemetry composes onto the CheckError callback NewSupervisor
// just installed, so a board-fail event both flags the owning ReadoutLoop
// (the core's narrow capability) and lands a row in chunkdb (the run's
// telemetry side channel), without either collaborator knowing about the
// other.
func wireBoardFailTelemetry(workers []*redax.FormatterWorker, recorder *chunkdb.Recorder, runID string) {
	for _, w := range workers {
		flagOwner := w.CheckError
		bid := w.BoardID
		w.CheckError = func(b redax.BoardID) {
			if flagOwner != nil {
				flagOwner(b)
			}
			recorder.RecordBoardFail(chunkdb.BoardFailMessage{
				RunID: runID, BoardID: int(bid), Kind: "board_fail", At: time.Now(),
			})
		}
	}
}

// queueGrowthWarnWatermark is the fraction of DefaultBoardQueueCapacity a
// board's queue can reach before publishStatusLoop annotates its warning
// with the host's socket buffer sizing, since a saturated queue on a busy
// host is often actually starved kernel receive buffers, not a slow
// formatter (spec.md §5's backpressure note).
const queueGrowthWarnWatermark = int(0.8 * redax.DefaultBoardQueueCapacity)

func publishStatusLoop(pub *statuspub.Publisher, runID string, sup *redax.Supervisor,
	boardsByID map[redax.BoardID]*redax.BoardHandle, log *rlog.Logger, done <-chan struct{}) {

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			total := sup.Counters()
			queueLengths := make(map[int]int)
			queueRates := make(map[int]int64)
			for id, h := range boardsByID {
				n := h.Queue.Len()
				queueLengths[int(id)] = n
				queueRates[int(id)] = h.Queue.TakeDataRate()
				if n >= queueGrowthWarnWatermark {
					report := diag.ReadSocketBuffers()
					log.Entry(redax.SeverityWarning, "run %s: board %d queue at %d packets (rmem_max=%s rmem_default=%s)",
						runID, id, n, report.RMemMax, report.RMemDflt)
				}
			}
			pub.Publish(statuspub.Snapshot{
				RunID: runID, Bytes: total.Bytes, Fragments: total.Fragments,
				Events: total.Events, DataPackets: total.DataPackets,
				QueueLengths: queueLengths, QueueDataRates: queueRates,
			})
		}
	}
}

func popcount(mask uint32) int {
	n := 0
	for mask != 0 {
		n += int(mask & 1)
		mask >>= 1
	}
	return n
}
