package chunkdb

import "time"

// RunMessage records one readout run's lifetime, for the runs table.
type RunMessage struct {
	ID          string // ULID
	Hostname    string
	RunMode     string
	Nboards     int
	Nchannels   int
	Start       time.Time
	End         time.Time
}

// ChunkFlushMessage records one worker's flush of one chunk to its sink,
// for the chunk_flushes table.
type ChunkFlushMessage struct {
	RunID      string
	ChunkName  string // e.g. "000123" or "000123_pre"
	BoardID    int
	WorkerID   int
	Bytes      int
	Fragments  int
	FirstTime  int64 // ns, global timestamp of the first fragment appended
	LastTime   int64 // ns, global timestamp of the last fragment appended
	FlushedAt  time.Time
}

// BoardFailMessage records one board-fail or CAENed detection, for the
// board_faults table.
type BoardFailMessage struct {
	RunID     string
	BoardID   int
	Kind      string // "board_fail" or "caened"
	Timestamp int64 // ns, global time of the deadtime fragment emitted
	At        time.Time
}
