package redax

import (
	"encoding/binary"
)

// StraxHeaderSize is the fixed size, in bytes, of a fragment's metadata
// header.
const StraxHeaderSize = 24

// DefaultPayloadBytes is the default fragment payload size, in bytes,
// used when no override is configured.
const DefaultPayloadBytes = 220

// DeadtimeChannelLabel is the global channel label used on artificial
// deadtime fragments.
const DeadtimeChannelLabel = 790

// DeadtimeSampleWidth is the ns-per-sample value stamped on artificial
// deadtime fragments, independent of any board's real sample width.
const DeadtimeSampleWidth = 10

// FragmentHeader is the 24-byte, little-endian, packed metadata that
// precedes every fragment's raw sample payload.
type FragmentHeader struct {
	Time         int64  // global time, ns, signed
	Length       uint32 // samples in this fragment
	SampleWidth  uint16 // ns per sample
	ChannelLabel uint16 // global channel label
	PulseLength  uint32 // samples in the whole pulse
	FragmentIdx  uint16 // fragment index within the pulse
	Baseline     uint16 // 14-bit baseline (DPP-DAW only), else 0
}

// Encode writes the header in wire format (little-endian, packed).
func (h FragmentHeader) Encode() []byte {
	buf := make([]byte, StraxHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.Time))
	binary.LittleEndian.PutUint32(buf[8:12], h.Length)
	binary.LittleEndian.PutUint16(buf[12:14], h.SampleWidth)
	binary.LittleEndian.PutUint16(buf[14:16], h.ChannelLabel)
	binary.LittleEndian.PutUint32(buf[16:20], h.PulseLength)
	binary.LittleEndian.PutUint16(buf[20:22], h.FragmentIdx)
	binary.LittleEndian.PutUint16(buf[22:24], h.Baseline)
	return buf
}

// DecodeFragmentHeader parses a fragment's leading StraxHeaderSize bytes.
func DecodeFragmentHeader(b []byte) FragmentHeader {
	return FragmentHeader{
		Time:         int64(binary.LittleEndian.Uint64(b[0:8])),
		Length:       binary.LittleEndian.Uint32(b[8:12]),
		SampleWidth:  binary.LittleEndian.Uint16(b[12:14]),
		ChannelLabel: binary.LittleEndian.Uint16(b[14:16]),
		PulseLength:  binary.LittleEndian.Uint32(b[16:20]),
		FragmentIdx:  binary.LittleEndian.Uint16(b[20:22]),
		Baseline:     binary.LittleEndian.Uint16(b[22:24]),
	}
}

// BuildFragment assembles a full fixed-size fragment: header plus
// samplesThisFragment raw 16-bit samples from payload (starting at
// sample offset frag_i*fragmentSamples, chosen by the caller), zero-padded
// to totalBytes = strax_header_size + payload_bytes.
func BuildFragment(h FragmentHeader, samples []RawType, totalBytes int) []byte {
	frag := make([]byte, 0, totalBytes)
	frag = append(frag, h.Encode()...)
	frag = append(frag, encodeSamplesLE(samples)...)
	for len(frag) < totalBytes {
		frag = append(frag, 0)
	}
	return frag[:totalBytes]
}

// RawType holds one raw 16-bit sample.
type RawType = uint16

// encodeSamplesLE packs samples as little-endian uint16 pairs, matching
// the digitizer's own wire byte order.
func encodeSamplesLE(samples []RawType) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], s)
	}
	return out
}

// GenerateArtificialDeadtime builds a deadtime fragment: channel label
// 790, pulse length = payload_samples, fragment index 0, sample width 10,
// the board id packed into the trailing 2 bytes of the header, and an
// all-zero payload.
func GenerateArtificialDeadtime(timestamp int64, boardID BoardID, payloadBytes int) []byte {
	payloadSamples := uint32(payloadBytes / 2)
	h := FragmentHeader{
		Time:         timestamp,
		Length:       payloadSamples,
		SampleWidth:  DeadtimeSampleWidth,
		ChannelLabel: DeadtimeChannelLabel,
		PulseLength:  payloadSamples,
		FragmentIdx:  0,
		Baseline:     uint16(boardID),
	}
	total := StraxHeaderSize + payloadBytes
	frag := make([]byte, total)
	copy(frag, h.Encode())
	return frag
}
