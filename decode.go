package redax

import (
	"math/bits"

	"github.com/davecgh/go-spew/spew"
)

// eventHeaderWords is the fixed size, in 32-bit words, of an event header.
const eventHeaderWords = 4

// maxChannels is the number of analog channels a board can multiplex.
const maxChannels = 16

// eventSentinel identifies the start of an event: the top 4 bits of a word.
const eventSentinel = 0xA

// boardFailBit is set in event header word[1] when the digitizer
// self-reports a fault.
const boardFailBit = 0x04000000

func logf(l Log, sev Severity, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.Entry(sev, format, args...)
}

// DecodedFragment is one fragment produced while decoding a packet, ready
// to be routed into a ChunkBuffer.
type DecodedFragment struct {
	Bytes      []byte
	Timestamp  int64
	Deadtime   bool
	ChannelLbl int // global channel label, or DeadtimeChannelLabel for a deadtime fragment
}

// packetDecodeStats accumulates the per-packet counters a FormatterWorker
// folds into its running totals.
type packetDecodeStats struct {
	Events           int64
	Fragments        int64
	FailEvents       int
	SamplesByChannel map[int]int64
	CaenedChannels   int
}

// decodePacket walks dp.Words looking for event-start sentinels and
// decodes each event found, per spec.md §4.2. Words not matching the
// sentinel advance the cursor by one and are skipped, tolerating garbled
// prefix bytes. getChannel resolves (boardID, channel) to a global label;
// a -1 result is fatal and aborts decoding of the whole packet.
func decodePacket(dp *DataPacket, format DataFormat, fragmentPayloadBytes int,
	getChannel func(BoardID, int) int, log Log) ([]DecodedFragment, packetDecodeStats, error) {

	var frags []DecodedFragment
	stats := packetDecodeStats{SamplesByChannel: make(map[int]int64)}

	words := dp.Words
	idx := 0
	for idx < len(words) {
		if words[idx]>>28 != eventSentinel {
			idx++
			continue
		}
		ev := decodeEventCtx{
			format:               format,
			boardID:              dp.BoardID,
			clockCounter:         dp.ClockCounter,
			headerTime:           dp.HeaderTime,
			fragmentPayloadBytes: fragmentPayloadBytes,
			getChannel:           getChannel,
			log:                  log,
		}
		consumed, evFrags, evStats, err := ev.decodeEvent(words[idx:])
		if err != nil {
			return frags, stats, err
		}
		frags = append(frags, evFrags...)
		stats.Events++
		stats.Fragments += evStats.Fragments
		if evStats.FailEvents > 0 {
			stats.FailEvents++
		}
		stats.CaenedChannels += evStats.CaenedChannels
		for ch, n := range evStats.SamplesByChannel {
			stats.SamplesByChannel[ch] += n
		}
		if consumed <= 0 {
			consumed = eventHeaderWords
		}
		idx += consumed
	}
	return frags, stats, nil
}

type decodeEventCtx struct {
	format               DataFormat
	boardID              BoardID
	clockCounter         uint32
	headerTime           uint32
	fragmentPayloadBytes int
	getChannel           func(BoardID, int) int
	log                  Log
}

// decodeEvent implements spec.md §4.2's decode_event. words starts at the
// event's sentinel word and may extend past the event's end.
func (ev decodeEventCtx) decodeEvent(words []uint32) (consumed int, frags []DecodedFragment, stats packetDecodeStats, err error) {
	stats.SamplesByChannel = make(map[int]int64)

	rawLen := words[0] & 0x0FFFFFFF
	wordsInEvent := int(rawLen)
	if wordsInEvent > len(words) {
		logf(ev.log, SeverityLocal, "board %d garbled event header: %d/%d", ev.boardID, rawLen, len(words))
		if ev.log != nil {
			logf(ev.log, SeverityLocal, "board %d garbled event words: %s", ev.boardID, spew.Sdump(words))
		}
		wordsInEvent = len(words)
	}
	if wordsInEvent < eventHeaderWords {
		return eventHeaderWords, nil, stats, nil
	}

	channelMask := words[1] & 0xFF
	if ev.format.ChannelMaskMSBIdx != -1 && len(words) > 2 {
		channelMask |= ((words[2] >> 24) & 0xFF) << 8
	}
	eventTime := words[3] & 0x7FFFFFFF

	if words[1]&boardFailBit != 0 {
		ts := int64(((uint64(ev.clockCounter) << 31) | uint64(eventTime))) * ev.format.NsPerClock
		frag := GenerateArtificialDeadtime(ts, ev.boardID, ev.fragmentPayloadBytes)
		frags = append(frags, DecodedFragment{Bytes: frag, Timestamp: ts, Deadtime: true, ChannelLbl: DeadtimeChannelLabel})
		stats.Fragments++
		stats.FailEvents = 1
		return eventHeaderWords, frags, stats, nil
	}

	idx := eventHeaderWords
	channelsInEvent := bits.OnesCount32(channelMask)
	defaultChannelWords := 0
	if ev.format.ChannelHeaderWords == 0 && channelsInEvent > 0 {
		// Uniform per-channel word count is fixed for the whole event, not
		// recomputed per channel: dividing the shrinking remainder would
		// truncate every channel after the first.
		defaultChannelWords = (wordsInEvent - idx) / channelsInEvent
	}
	for ch := 0; ch < maxChannels; ch++ {
		if channelMask&(1<<uint(ch)) == 0 {
			continue
		}
		if idx > wordsInEvent {
			break
		}
		chWords := words[idx:wordsInEvent]
		ret, chFrags, deadtime, caened, err := ev.decodeChannel(chWords, ch, eventTime, channelMask, wordsInEvent-idx, defaultChannelWords)
		if err != nil {
			return idx, frags, stats, err
		}
		if deadtime {
			frags = append(frags, chFrags...)
			stats.Fragments += int64(len(chFrags))
			stats.CaenedChannels++
			break
		}
		if caened {
			break
		}
		frags = append(frags, chFrags...)
		stats.Fragments += int64(len(chFrags))
		for _, f := range chFrags {
			stats.SamplesByChannel[f.ChannelLbl] += int64(DecodeFragmentHeader(f.Bytes).Length) * 2
		}
		idx += ret
	}
	return idx, frags, stats, nil
}

// decodeChannel implements spec.md §4.2's decode_channel plus
// fragmentation. It returns the number of words consumed and the fragments
// produced. deadtime is true when the payload carries the event sentinel;
// the fragments are then a single deadtime fragment. caened is true when
// the channel's header is garbled or empty; no fragments are returned.
// In both cases the caller abandons the rest of the event.
func (ev decodeEventCtx) decodeChannel(words []uint32, channel int, eventTime, channelMask uint32, avail int, defaultChannelWords int) (
	consumed int, frags []DecodedFragment, deadtime bool, caened bool, err error) {

	channelHeaderWords := ev.format.ChannelHeaderWords
	headerEnd := channelHeaderWords

	var channelWords int
	var channelTime uint64
	var timeMSB uint64
	var baseline uint16

	if channelHeaderWords == 0 {
		// Default firmware: every channel in the event is the same length.
		if defaultChannelWords == 0 {
			return 0, nil, false, false, nil
		}
		channelWords = defaultChannelWords
		channelTime = (uint64(ev.clockCounter) << 31) | uint64(eventTime)
	} else {
		if len(words) == 0 {
			return 0, nil, false, false, nil
		}
		rawChWords := words[0] & 0x7FFFFF
		channelWords = int(rawChWords)
		if channelWords > avail {
			logf(ev.log, SeverityLocal, "board %d ch %d garbled header: %x/%x", ev.boardID, channel, rawChWords, avail)
			return 0, nil, false, true, nil
		}
		if ev.format.ChannelTimeMSBIdx == 2 {
			headerEnd = channelHeaderWords + 1
		}
		if channelWords <= headerEnd {
			logf(ev.log, SeverityLocal, "board %d ch %d empty (%d/%d)", ev.boardID, channel, channelWords, headerEnd)
			return 0, nil, false, true, nil
		}
		channelTime = uint64(words[1] & 0x7FFFFFFF)

		if ev.format.ChannelTimeMSBIdx == 2 {
			// The combined time-MSB/baseline word sits one slot beyond the
			// base channel header, immediately before the payload.
			timeMSB = uint64(words[2]&0xFFFF) << 32
			baseline = uint16((words[2] >> 16) & 0x3FFF)
		} else if channelHeaderWords <= 2 {
			// No explicit high-timestamp word: reconcile rollover
			// independently, since this channel may be decoded by a
			// different worker than the one that owns the board's live
			// clock_counter (spec.md §4.2, §9).
			clockCounter := ev.clockCounter
			switch {
			case channelTime > 1.5e9 && ev.headerTime < 5e8 && clockCounter != 0:
				clockCounter--
			case channelTime < 5e8 && ev.headerTime > 1.5e9:
				clockCounter++
			}
			timeMSB = uint64(clockCounter) << 31
		}
	}

	globalTime := ev.format.NsPerClock * int64(timeMSB+channelTime)

	// Self-framing ("CAENed") check: scan the payload for the event-header
	// sentinel before splitting into fragments.
	for w := headerEnd; w < channelWords; w++ {
		if words[w]>>28 == eventSentinel {
			logf(ev.log, SeverityLocal, "board %d has CAEN'd itself", ev.boardID)
			frag := GenerateArtificialDeadtime(globalTime, ev.boardID, ev.fragmentPayloadBytes)
			return 0, []DecodedFragment{{Bytes: frag, Timestamp: globalTime, Deadtime: true, ChannelLbl: DeadtimeChannelLabel}}, true, false, nil
		}
	}

	label := ev.getChannel(ev.boardID, channel)
	if label == -1 {
		return 0, nil, false, false, &ChannelMapError{BoardID: ev.boardID, Channel: channel}
	}

	payload := words[headerEnd:channelWords]
	samplesInPulse := uint32(len(payload) * 2)
	fragmentSamples := ev.fragmentPayloadBytes / 2
	numFrags := int(samplesInPulse) / fragmentSamples
	if int(samplesInPulse)%fragmentSamples != 0 {
		numFrags++
	}
	if numFrags == 0 {
		numFrags = 1
	}

	samples := wordsToSamples(payload)
	for fragI := 0; fragI < numFrags; fragI++ {
		start := fragI * fragmentSamples
		end := start + fragmentSamples
		if end > len(samples) {
			end = len(samples)
		}
		samplesThisFragment := uint32(end - start)
		timeThisFragment := globalTime + int64(fragmentSamples)*int64(fragI)*ev.format.NsPerSample
		h := FragmentHeader{
			Time:         timeThisFragment,
			Length:       samplesThisFragment,
			SampleWidth:  uint16(ev.format.NsPerSample),
			ChannelLabel: uint16(label),
			PulseLength:  samplesInPulse,
			FragmentIdx:  uint16(fragI),
			Baseline:     baseline,
		}
		total := StraxHeaderSize + ev.fragmentPayloadBytes
		fragBytes := BuildFragment(h, samples[start:end], total)
		frags = append(frags, DecodedFragment{Bytes: fragBytes, Timestamp: timeThisFragment, ChannelLbl: label})
	}
	return channelWords, frags, false, false, nil
}

// wordsToSamples reinterprets a slice of 32-bit words as little-endian
// 16-bit samples, two per word.
func wordsToSamples(words []uint32) []RawType {
	samples := make([]RawType, 0, len(words)*2)
	for _, w := range words {
		samples = append(samples, RawType(w&0xFFFF), RawType((w>>16)&0xFFFF))
	}
	return samples
}

// ChannelMapError is returned when Options.GetChannel cannot resolve a
// (board, channel) pair. It is the one decode-time error the spec
// classifies as unrecoverable (spec.md §7 category 2): the data plane
// cannot silently mislabel a channel.
type ChannelMapError struct {
	BoardID BoardID
	Channel int
}

func (e *ChannelMapError) Error() string {
	return "redax: no channel map entry for board/channel"
}
