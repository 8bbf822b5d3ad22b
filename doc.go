// Package redax implements the data-path core of a waveform-digitizer
// readout host: a per-link readout multiplexer that drains boards into
// bounded per-board queues, and a pool of formatter workers that decode
// the board/event/channel bitfield stream into fixed-size strax-like
// fragments and route them into time chunks.
package redax
