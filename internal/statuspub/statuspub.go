// Package statuspub publishes periodic run-status snapshots on a ZMQ PUB
// socket, following the source's PublishRecords: a socket opened once,
// written to by each Publish call, and released by Close.
package statuspub

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// Snapshot is one status broadcast: aggregate counters plus per-board
// queue depths, enough for an external monitor to plot acquisition
// health without touching the core's internals.
type Snapshot struct {
	RunID           string         `json:"run_id"`
	Bytes           int64          `json:"bytes"`
	Fragments       int64          `json:"fragments"`
	Events          int64          `json:"events"`
	DataPackets     int64          `json:"data_packets"`
	QueueLengths    map[int]int    `json:"queue_lengths"`
	QueueDataRates  map[int]int64  `json:"queue_data_rates"`
}

// Publisher owns a ZMQ PUB socket and republishes whatever Snapshot it's
// given via Publish, until Close is called.
type Publisher struct {
	sock *zmq.Socket
}

// New binds a PUB socket to tcp://*:port.
func New(port int) (*Publisher, error) {
	sock, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("statuspub: new socket: %w", err)
	}
	addr := fmt.Sprintf("tcp://*:%d", port)
	if err := sock.Bind(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("statuspub: bind %s: %w", addr, err)
	}
	return &Publisher{sock: sock}, nil
}

// Publish sends one JSON-encoded Snapshot on the "status" topic.
func (p *Publisher) Publish(s Snapshot) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("statuspub: marshal snapshot: %w", err)
	}
	if _, err := p.sock.SendMessage("status", body); err != nil {
		return fmt.Errorf("statuspub: send: %w", err)
	}
	return nil
}

// Close releases the underlying socket.
func (p *Publisher) Close() error { return p.sock.Close() }
