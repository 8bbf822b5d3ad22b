package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xedaq/redax"
)

func newTestViper(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	if yaml != "" {
		require.NoError(t, v.ReadConfig(strings.NewReader(yaml)))
	}
	return v
}

func TestGetIntFallsBackToDefault(t *testing.T) {
	c := &Config{v: newTestViper(t, "")}
	assert.Equal(t, 42, c.GetInt("nonexistent", 42))
}

func TestGetChannelMissingReturnsNegativeOne(t *testing.T) {
	c := &Config{v: newTestViper(t, "")}
	assert.Equal(t, -1, c.GetChannel(redax.BoardID(3), 5))
}

func TestGetChannelResolvesNestedKey(t *testing.T) {
	c := &Config{v: newTestViper(t, "channel_map:\n  3:\n    5: 105\n")}
	assert.Equal(t, 105, c.GetChannel(redax.BoardID(3), 5))
}

func TestUpdateDACThenGetDACRoundTrips(t *testing.T) {
	c := &Config{v: newTestViper(t, ""), dac: make(map[redax.BoardID]map[string][]float64)}
	c.UpdateDAC(map[redax.BoardID]map[string][]float64{
		7: {"baseline": []float64{1.1, 2.2}},
	})
	got := c.GetDAC([]redax.BoardID{7, 8})
	assert.Equal(t, []float64{1.1, 2.2}, got[7]["baseline"])
	_, ok := got[8]
	assert.False(t, ok)
}

func TestSaveBenchmarksThenLastBenchmarks(t *testing.T) {
	c := &Config{v: newTestViper(t, ""), dac: make(map[redax.BoardID]map[string][]float64)}
	c.SaveBenchmarks(redax.BenchmarkCounters{Bytes: 100, Events: 2}, map[int]int64{1: 3}, 10, 20, 30, 0)
	got := c.LastBenchmarks()
	require.NotNil(t, got)
	assert.Equal(t, int64(100), got["bytes"])
}
