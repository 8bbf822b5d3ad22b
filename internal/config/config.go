// Package config implements redax.Options on top of viper, following the
// config file discovery and defaulting conventions of the source's
// setupViper/makeFileExist helpers: a YAML file under ~/.redax (created
// empty if missing), with /etc/redax and the working directory as
// fallback search paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/xedaq/redax"
)

// Config is a viper-backed redax.Options. Channel maps, register lists,
// thresholds, and DAC values are read from nested config keys; benchmark
// results are logged and cached rather than persisted, since nothing in
// this package owns a metrics database (see DESIGN.md — chunkdb.Recorder
// is the persisted side channel for run-level telemetry).
type Config struct {
	v *viper.Viper

	mu             sync.Mutex
	dac            map[redax.BoardID]map[string][]float64
	lastBenchmarks map[string]interface{}
}

// makeFileExist ensures dir/filename exists, creating both if needed,
// mirroring the source's makeFileExist helper.
func makeFileExist(dir, filename string) (string, error) {
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}
	fullname := filepath.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// Load discovers and reads a redax config file (config.yaml, searched in
// ~/.redax, /etc/redax, and the working directory, in that order) and
// returns a ready Config. A missing config file is not an error: the keys
// given a default below return that default, and every other key falls
// back to GetInt/GetString's supplied default.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("strax_fragment_payload_bytes", redax.DefaultPayloadBytes)
	v.SetDefault("buffer_type", "dual")
	v.SetDefault("chunk_length", redax.DefaultChunkLength)
	v.SetDefault("chunk_overlap", redax.DefaultChunkOverlap)
	v.SetDefault("run_start", 0)

	home, err := os.UserHomeDir()
	if err == nil {
		dotRedax := filepath.Join(home, ".redax")
		if _, ferr := makeFileExist(dotRedax, "config.yaml"); ferr == nil {
			v.AddConfigPath(dotRedax)
		}
	}
	v.AddConfigPath(filepath.FromSlash("/etc/redax"))
	v.AddConfigPath(".")
	v.SetConfigName("config")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}
	return &Config{v: v, dac: make(map[redax.BoardID]map[string][]float64)}, nil
}

func (c *Config) GetInt(key string, def int) int {
	if !c.v.IsSet(key) {
		return def
	}
	return c.v.GetInt(key)
}

func (c *Config) GetString(key string, def string) string {
	if !c.v.IsSet(key) {
		return def
	}
	return c.v.GetString(key)
}

func (c *Config) GetNestedInt(path string, def int) int {
	if !c.v.IsSet(path) {
		return def
	}
	return c.v.GetInt(path)
}

// GetChannel resolves (boardID, channel) via the nested key
// channel_map.<boardID>.<channel>, returning -1 if absent.
func (c *Config) GetChannel(boardID redax.BoardID, channel int) int {
	key := fmt.Sprintf("channel_map.%d.%d", int(boardID), channel)
	if !c.v.IsSet(key) {
		return -1
	}
	return c.v.GetInt(key)
}

// GetRegisters reads registers.<boardID>, a list of {reg, value} maps.
func (c *Config) GetRegisters(boardID redax.BoardID) []redax.RegisterValue {
	key := fmt.Sprintf("registers.%d", int(boardID))
	var raw []map[string]uint32
	if err := c.v.UnmarshalKey(key, &raw); err != nil {
		return nil
	}
	out := make([]redax.RegisterValue, 0, len(raw))
	for _, m := range raw {
		out = append(out, redax.RegisterValue{Register: m["reg"], Value: m["value"]})
	}
	return out
}

// GetThresholds reads thresholds.<boardID>, a list of per-channel ADC
// threshold values.
func (c *Config) GetThresholds(boardID redax.BoardID) []uint16 {
	key := fmt.Sprintf("thresholds.%d", int(boardID))
	var raw []int
	if err := c.v.UnmarshalKey(key, &raw); err != nil {
		return nil
	}
	out := make([]uint16, len(raw))
	for i, v := range raw {
		out[i] = uint16(v)
	}
	return out
}

// GetDAC returns the cached DAC map for the given board ids; boards never
// set via UpdateDAC are simply absent from the result.
func (c *Config) GetDAC(boardIDs []redax.BoardID) map[redax.BoardID]map[string][]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[redax.BoardID]map[string][]float64, len(boardIDs))
	for _, b := range boardIDs {
		if v, ok := c.dac[b]; ok {
			out[b] = v
		}
	}
	return out
}

// UpdateDAC merges dac into the in-memory DAC cache. The baseline-fitting
// collaborator that produces these values is out of scope for the core
// (spec.md §1); Config only stores what it's given.
func (c *Config) UpdateDAC(dac map[redax.BoardID]map[string][]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for board, channels := range dac {
		if c.dac[board] == nil {
			c.dac[board] = make(map[string][]float64)
		}
		for k, v := range channels {
			c.dac[board][k] = v
		}
	}
}

// SaveBenchmarks logs a run's counters and caches them for retrieval by
// diagnostics tooling. Nothing in this package owns a metrics database;
// chunkdb.Recorder is the persisted side channel for run-level telemetry.
func (c *Config) SaveBenchmarks(counters redax.BenchmarkCounters, bufferHistogram map[int]int64,
	procTimeDataPacketUs, procTimeEventUs, procTimeChannelUs, compTimeUs int64) {

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastBenchmarks = map[string]interface{}{
		"bytes":                    counters.Bytes,
		"fragments":                counters.Fragments,
		"events":                   counters.Events,
		"data_packets":             counters.DataPackets,
		"buffer_histogram":         bufferHistogram,
		"proc_time_data_packet_us": procTimeDataPacketUs,
		"proc_time_event_us":       procTimeEventUs,
		"proc_time_channel_us":     procTimeChannelUs,
		"comp_time_us":             compTimeUs,
	}
}

// LastBenchmarks returns the most recent SaveBenchmarks payload, or nil
// if none has been recorded yet.
func (c *Config) LastBenchmarks() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBenchmarks
}

// GetBoards reads boards.<kind>.<hostname>, a list of board descriptors.
func (c *Config) GetBoards(kind, hostname string) []redax.BoardSpec {
	key := fmt.Sprintf("boards.%s.%s", strings.ToLower(kind), hostname)
	type entry struct {
		Link    int    `mapstructure:"link"`
		Crate   int    `mapstructure:"crate"`
		Board   int    `mapstructure:"board"`
		VMEAddr uint32 `mapstructure:"vme_address"`
		Type    string `mapstructure:"type"`
	}
	var raw []entry
	if err := c.v.UnmarshalKey(key, &raw); err != nil {
		return nil
	}
	out := make([]redax.BoardSpec, 0, len(raw))
	for _, e := range raw {
		out = append(out, redax.BoardSpec{
			Link:    redax.LinkID(e.Link),
			Crate:   e.Crate,
			Board:   e.Board,
			VMEAddr: e.VMEAddr,
			Type:    e.Type,
		})
	}
	return out
}
