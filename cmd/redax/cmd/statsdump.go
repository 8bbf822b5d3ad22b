package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xedaq/redax"
	"github.com/xedaq/redax/internal/boardsim"
	"github.com/xedaq/redax/internal/diag"
)

var statsDumpFlags struct {
	duration    time.Duration
	out         string
	channelMask uint32
}

var statsDumpCmd = &cobra.Command{
	Use:   "stats-dump",
	Short: "Run a short simulated acquisition and dump per-channel byte counts as .npy",
	RunE:  runStatsDump,
}

func init() {
	rootCmd.AddCommand(statsDumpCmd)
	statsDumpCmd.Flags().DurationVar(&statsDumpFlags.duration, "duration", 2*time.Second, "how long to run the simulated board")
	statsDumpCmd.Flags().StringVar(&statsDumpFlags.out, "out", "channel_bytes.npy", "output .npy path")
	statsDumpCmd.Flags().Uint32Var(&statsDumpFlags.channelMask, "channel-mask", 0x000F, "simulated channel-enable mask")
}

// discardSink drops every chunk; stats-dump only cares about the worker's
// per-channel counters, not the chunk bytes themselves.
type discardSink struct{}

func (discardSink) WriteChunk(string, []byte) error { return nil }

func runStatsDump(cmd *cobra.Command, args []string) error {
	format := redax.DataFormat{NsPerClock: 10, NsPerSample: 2, ChannelMaskMSBIdx: -1, ChannelTimeMSBIdx: -1}
	board := boardsim.New(1, format, boardsim.Config{
		ChannelMask:    statsDumpFlags.channelMask,
		SamplesPerChan: 8,
	})

	queue := redax.NewBoardQueue(0)
	handle := &redax.BoardHandle{IO: board, Queue: queue}
	loop := redax.NewReadoutLoop(0, []*redax.BoardHandle{handle}, nil)

	worker := redax.NewFormatterWorker(1, 1, format, queue, discardSink{}, nil)
	worker.GetChannel = func(_ redax.BoardID, channel int) int { return channel }

	go loop.Run()
	done := make(chan error, 1)
	go func() { done <- worker.Run() }()

	board.SoftwareStart()
	time.Sleep(statsDumpFlags.duration)
	board.AcquisitionStop()

	loop.Stop()
	worker.Stop()
	if err := <-done; err != nil {
		return fmt.Errorf("stats-dump: formatter: %w", err)
	}

	perChannel := worker.DataPerChannel()
	maxCh := -1
	for ch := range perChannel {
		if ch > maxCh {
			maxCh = ch
		}
	}
	samples := make([]float64, maxCh+1)
	for ch, n := range perChannel {
		samples[ch] = float64(n)
	}

	if err := diag.DumpFloat64s(statsDumpFlags.out, samples); err != nil {
		return fmt.Errorf("stats-dump: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d channel byte counts to %s\n", len(samples), statsDumpFlags.out)
	return nil
}
