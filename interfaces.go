package redax

import "time"

// BoardIO is the per-board hardware (or simulated) transport the core
// needs. Board initialization/register programming beyond this narrow
// surface, and DAC baseline fitting, are out of scope for the core
// (spec.md §1) — this interface is only what ReadoutLoop and Supervisor
// call.
type BoardIO interface {
	// Init opens/arms the board. addr is a VME-style base address; 0 if
	// not applicable to the transport.
	Init(link LinkID, crate, boardID int, addr uint32) error

	// ReadBlock performs one opaque block-transfer read. It returns the
	// words transferred; an empty slice means no data was available. A
	// non-nil error means a transport failure (spec.md §7 category 3):
	// the caller must drop any partial allocation and break its inner
	// loop for this pass.
	ReadBlock() (words []uint32, err error)

	// GetClockCounter advances this board's rollover state given the
	// header time of the block just read, and returns the rollover count
	// to stamp on that block. Must only ever be called by the readout
	// thread owning this board (spec.md §4.1, §9).
	GetClockCounter(headerTime uint32) uint32

	WriteRegister(reg, value uint32) error
	ReadRegister(reg uint32) (uint32, error)

	AcquisitionStop() error
	SINStart() error
	SoftwareStart() error
	SWTrigger() error

	EnsureReady(tries int, sleep time.Duration) bool
	EnsureStarted(tries int, sleep time.Duration) bool
	EnsureStopped(tries int, sleep time.Duration) bool

	AcquisitionStatus() (uint32, error)
	// CheckErrors reads and clears the board's error register.
	CheckErrors() (int, error)

	BoardID() BoardID
	DataFormat() DataFormat
}

// RegisterValue is one (address, value) pair from Options.GetRegisters.
type RegisterValue struct {
	Register uint32
	Value    uint32
}

// BoardSpec describes one board as returned by Options.GetBoards.
type BoardSpec struct {
	Link      LinkID
	Crate     int
	Board     int
	VMEAddr   uint32
	Type      string
}

// BenchmarkCounters is the set of run-lifetime counters
// Options.SaveBenchmarks receives at Supervisor teardown, per spec.md §4.4
// and §9 (fFragments/fBufferCounter bookkeeping).
type BenchmarkCounters struct {
	Bytes       int64
	Fragments   int64
	Events      int64
	DataPackets int64
}

// Options is the external configuration collaborator (spec.md §6). Its
// implementation (config sources, defaults, persistence) is out of scope
// for the core; the core only calls this surface.
type Options interface {
	GetInt(key string, def int) int
	GetString(key string, def string) string
	GetNestedInt(path string, def int) int

	// GetChannel resolves (boardID, channel) to a global channel label,
	// or -1 if unknown. A -1 during decode is fatal (spec.md §4.2, §7).
	GetChannel(boardID BoardID, channel int) int

	GetRegisters(boardID BoardID) []RegisterValue
	GetThresholds(boardID BoardID) []uint16
	GetDAC(boardIDs []BoardID) map[BoardID]map[string][]float64
	UpdateDAC(dac map[BoardID]map[string][]float64)

	SaveBenchmarks(counters BenchmarkCounters, bufferHistogram map[int]int64,
		procTimeDataPacketUs, procTimeEventUs, procTimeChannelUs, compTimeUs int64)

	GetBoards(kind, hostname string) []BoardSpec
}

// Severity is a Log message level. No severity influences data-plane
// behavior (spec.md §6).
type Severity int

// Severity levels, least to most urgent.
const (
	SeverityLocal Severity = iota
	SeverityDebug
	SeverityMessage
	SeverityWarning
	SeverityError
)

// Log is the external structured-logging collaborator (spec.md §6). Sinks
// (files, rotation, remote aggregation) are out of scope for the core.
type Log interface {
	Entry(sev Severity, format string, args ...interface{})
}

// ChunkSink is the external collaborator that receives completed chunks
// (spec.md §6). Temp/final paths, compression, fsync, and any naming
// scheme beyond the _pre/_post suffix are the sink's responsibility. Must
// be safe for concurrent use by multiple FormatterWorkers.
type ChunkSink interface {
	WriteChunk(name string, data []byte) error
}
