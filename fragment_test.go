package redax

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentHeaderEncodeDecodeRoundTrips(t *testing.T) {
	h := FragmentHeader{
		Time:         123456789,
		Length:       8,
		SampleWidth:  10,
		ChannelLabel: 3,
		PulseLength:  16,
		FragmentIdx:  1,
		Baseline:     4200,
	}
	assert.Equal(t, h, DecodeFragmentHeader(h.Encode()))
}

func TestBuildFragmentPacksSamplesLittleEndianAndZeroPads(t *testing.T) {
	h := FragmentHeader{Time: 1, Length: 2, SampleWidth: 10, ChannelLabel: 0, PulseLength: 2}
	samples := []RawType{0x1234, 0xABCD}

	frag := BuildFragment(h, samples, StraxHeaderSize+8)
	require.Len(t, frag, StraxHeaderSize+8)

	payload := frag[StraxHeaderSize:]
	assert.Equal(t, []byte{0x34, 0x12, 0xCD, 0xAB, 0, 0, 0, 0}, payload)
}

func TestGenerateArtificialDeadtimeStampsBoardIDAsBaseline(t *testing.T) {
	frag := GenerateArtificialDeadtime(999, BoardID(7), 16)
	require.Len(t, frag, StraxHeaderSize+16)

	h := DecodeFragmentHeader(frag)
	assert.Equal(t, int64(999), h.Time)
	assert.Equal(t, DeadtimeChannelLabel, int(h.ChannelLabel))
	assert.EqualValues(t, 7, h.Baseline)
	assert.EqualValues(t, 8, h.PulseLength) // payload_bytes(16)/2 samples
	for _, b := range frag[StraxHeaderSize:] {
		assert.Zero(t, b)
	}
}
