package redax

import "time"

// BoardID identifies one digitizer board, unique across all optical links.
type BoardID int

// LinkID identifies one optical link, which may carry several boards.
type LinkID int

// DataFormat is a per-board descriptor of the firmware's event/channel
// bitfield layout. It is the only thing that varies decode behavior
// between boards.
type DataFormat struct {
	NsPerClock         int64 // ns represented by one tick of the 31-bit clock
	NsPerSample        int64 // ns per raw sample
	ChannelHeaderWords int   // 0 for "default" firmware; >0 for DPP-DAW
	ChannelMaskMSBIdx  int   // -1, or event-header word index carrying 8 extra channel-mask bits
	ChannelTimeMSBIdx  int   // -1, or 2 if channel word[2] carries the timestamp MSB + baseline
}

// clockRolloverThreshold is the "much faster than the wrap period" fudge
// factor used to detect a 31-bit clock wrap between successive block reads.
const clockRolloverThreshold = 1 << 30

// ClockState tracks one board's local 31-bit clock rollover count. It is
// owned exclusively by the readout thread for that board; formatter
// workers only ever see an immutable snapshot carried in a DataPacket.
type ClockState struct {
	rolloverCounter uint32
	lastClock       uint32
	haveLastClock   bool
}

// GetClockCounter advances the rollover state given the header time (low 31
// bits of the board clock) observed at the start of the most recent block,
// and returns the rollover count to stamp onto that block's DataPacket.
func (c *ClockState) GetClockCounter(hdrTime uint32) uint32 {
	if c.haveLastClock && int64(hdrTime) < int64(c.lastClock)-int64(clockRolloverThreshold) {
		c.rolloverCounter++
	}
	c.lastClock = hdrTime
	c.haveLastClock = true
	return c.rolloverCounter
}

// DataPacket is the opaque, owned word buffer returned from one
// block-transfer read on one board, tagged with the rollover state the
// board observed at the moment of that read. Immutable once enqueued;
// consumed exactly once by a FormatterWorker.
type DataPacket struct {
	Words        []uint32
	ByteSize     int
	ClockCounter uint32
	HeaderTime   uint32
	BoardID      BoardID
	ReceivedAt   time.Time
}
