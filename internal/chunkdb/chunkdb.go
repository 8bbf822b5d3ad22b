// Package chunkdb records run lifecycle, chunk-flush, and board-fault
// events to a ClickHouse database for offline monitoring. It sits beside
// the core formatter pipeline as a side channel: nothing in redax depends
// on chunkdb being reachable, and a disconnected Recorder silently drops
// messages rather than blocking the formatter.
package chunkdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Recorder batches run/chunk/fault events onto a ClickHouse connection via
// a single goroutine, so formatter workers never block on network I/O.
type Recorder struct {
	conn      clickhouse.Conn
	err       error
	runmsg    chan RunMessage
	chunkmsg  chan ChunkFlushMessage
	faultmsg  chan BoardFailMessage
	wg        sync.WaitGroup
}

// Connected reports whether r has a live ClickHouse connection. A nil or
// disconnected Recorder is safe to use; all Record* calls become no-ops.
func (r *Recorder) Connected() bool {
	return r != nil && r.conn != nil && r.err == nil
}

// NewRecorder opens a ClickHouse connection and starts the Recorder's
// background dispatch loop. On connection failure it returns a non-nil
// Recorder whose Connected() is false, matching the "record what you can,
// never block acquisition" policy of the readout core.
func NewRecorder(opt *clickhouse.Options, abort <-chan struct{}) *Recorder {
	r := &Recorder{}
	conn, err := clickhouse.Open(opt)
	if err != nil {
		r.err = err
		return r
	}
	if err := conn.Ping(context.Background()); err != nil {
		r.err = err
		return r
	}
	r.conn = conn
	r.runmsg = make(chan RunMessage, 4)
	r.chunkmsg = make(chan ChunkFlushMessage, 256)
	r.faultmsg = make(chan BoardFailMessage, 256)
	r.wg.Add(1)
	go r.dispatch(abort)
	return r
}

// Dummy returns a Recorder with no live connection; every Record* call is
// then a cheap no-op. Used by tests and by callers that run without a
// ClickHouse deployment.
func Dummy() *Recorder {
	return &Recorder{err: fmt.Errorf("chunkdb: no connection configured")}
}

func (r *Recorder) dispatch(abort <-chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case <-abort:
			r.conn.Close()
			return
		case m := <-r.runmsg:
			r.insertRun(m)
		case m := <-r.chunkmsg:
			r.insertChunkFlush(m)
		case m := <-r.faultmsg:
			r.insertBoardFail(m)
		}
	}
}

// RecordRun enqueues a run lifecycle event. It never blocks: on a
// disconnected Recorder, or when the channel is full, the event is dropped.
func (r *Recorder) RecordRun(m RunMessage) {
	if !r.Connected() {
		return
	}
	select {
	case r.runmsg <- m:
	default:
	}
}

// RecordChunkFlush enqueues a chunk-flush event.
func (r *Recorder) RecordChunkFlush(m ChunkFlushMessage) {
	if !r.Connected() {
		return
	}
	select {
	case r.chunkmsg <- m:
	default:
	}
}

// RecordBoardFail enqueues a board-fault event.
func (r *Recorder) RecordBoardFail(m BoardFailMessage) {
	if !r.Connected() {
		return
	}
	select {
	case r.faultmsg <- m:
	default:
	}
}

func (r *Recorder) insertRun(m RunMessage) {
	ctx := context.Background()
	const nowait = false
	if err := r.conn.AsyncInsert(ctx, `INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.Hostname, m.RunMode, m.Nboards, m.Nchannels, m.Start, m.End,
	); err != nil {
		r.err = err
	}
}

func (r *Recorder) insertChunkFlush(m ChunkFlushMessage) {
	ctx := context.Background()
	const nowait = false
	if err := r.conn.AsyncInsert(ctx, `INSERT INTO chunk_flushes VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.RunID, m.ChunkName, m.BoardID, m.WorkerID, m.Bytes, m.Fragments,
		m.FirstTime, m.LastTime, m.FlushedAt,
	); err != nil {
		r.err = err
	}
}

func (r *Recorder) insertBoardFail(m BoardFailMessage) {
	ctx := context.Background()
	const nowait = false
	if err := r.conn.AsyncInsert(ctx, `INSERT INTO board_faults VALUES (?, ?, ?, ?, ?)`, nowait,
		m.RunID, m.BoardID, m.Kind, m.Timestamp, m.At,
	); err != nil {
		r.err = err
	}
}

// Close stops the dispatch loop and waits for it to exit, if connected.
// Messages still queued at that point may not be inserted.
func (r *Recorder) Close(abort chan<- struct{}) {
	if !r.Connected() {
		return
	}
	close(abort)
	r.wg.Wait()
}
