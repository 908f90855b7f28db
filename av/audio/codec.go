package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// maxOpusPacketTenthsMs is the longest packet RFC 6716 allows (120ms).
const maxOpusPacketTenthsMs = 1200

var (
	// ErrEmptyPacket is returned for a zero-length Opus packet.
	ErrEmptyPacket = errors.New("empty opus packet")
	// ErrMalformedPacket is returned when the TOC byte or frame count is invalid.
	ErrMalformedPacket = errors.New("malformed opus packet")
)

// opusFrameTenthsMs maps the 5-bit TOC configuration to the frame
// duration in tenths of a millisecond (RFC 6716 section 3.1).
var opusFrameTenthsMs = [32]uint32{
	// SILK NB, MB, WB
	100, 200, 400, 600,
	100, 200, 400, 600,
	100, 200, 400, 600,
	// Hybrid SWB, FB
	100, 200,
	100, 200,
	// CELT NB, WB, SWB, FB
	25, 50, 100, 200,
	25, 50, 100, 200,
	25, 50, 100, 200,
	25, 50, 100, 200,
}

// PacketInfo describes an Opus packet from its TOC byte.
type PacketInfo struct {
	Stereo bool
	// FrameTenthsMs is the duration of one frame in tenths of a millisecond.
	FrameTenthsMs uint32
	Frames        int
}

// DurationTenthsMs is the total packet duration in tenths of a millisecond.
func (p PacketInfo) DurationTenthsMs() uint32 {
	return p.FrameTenthsMs * uint32(p.Frames)
}

// ParsePacketInfo reads the TOC byte and frame count of an Opus packet.
func ParsePacketInfo(packet []byte) (PacketInfo, error) {
	if len(packet) == 0 {
		return PacketInfo{}, ErrEmptyPacket
	}
	toc := packet[0]
	info := PacketInfo{
		Stereo:        toc&0x04 != 0,
		FrameTenthsMs: opusFrameTenthsMs[toc>>3],
	}

	switch toc & 0x03 {
	case 0:
		info.Frames = 1
	case 1, 2:
		info.Frames = 2
	case 3:
		if len(packet) < 2 {
			return PacketInfo{}, fmt.Errorf("%w: missing frame count byte", ErrMalformedPacket)
		}
		info.Frames = int(packet[1] & 0x3f)
		if info.Frames == 0 {
			return PacketInfo{}, fmt.Errorf("%w: zero frames", ErrMalformedPacket)
		}
	}
	if info.DurationTenthsMs() > maxOpusPacketTenthsMs {
		return PacketInfo{}, fmt.Errorf("%w: duration %d exceeds 120ms", ErrMalformedPacket, info.DurationTenthsMs())
	}
	return info, nil
}

// DecodedAudio is PCM produced by OpusDecoder.
type DecodedAudio struct {
	PCM         []int16
	SampleCount int // per channel
	Channels    uint8
	SampleRate  uint32
}

// OpusDecoder decodes Opus packets received from a peer into interleaved
// PCM. One decoder is kept per inbound stream since Opus decoding is
// stateful.
type OpusDecoder struct {
	mu      sync.Mutex
	decoder opus.Decoder
	buf     []byte
}

// NewOpusDecoder creates a decoder backed by pion/opus.
func NewOpusDecoder() *OpusDecoder {
	logrus.WithFields(logrus.Fields{
		"function": "NewOpusDecoder",
	}).Debug("Creating Opus decoder")

	return &OpusDecoder{
		decoder: opus.NewDecoder(),
		// 120ms of 48kHz stereo int16
		buf: make([]byte, 48*maxOpusPacketTenthsMs/10*2*2),
	}
}

// Decode decodes one Opus packet.
func (d *OpusDecoder) Decode(packet []byte) (DecodedAudio, error) {
	info, err := ParsePacketInfo(packet)
	if err != nil {
		return DecodedAudio{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	bandwidth, isStereo, err := d.decoder.Decode(packet, d.buf)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "OpusDecoder.Decode",
			"data_size": len(packet),
			"error":     err.Error(),
		}).Warn("Opus decode failed")
		return DecodedAudio{}, fmt.Errorf("opus decode failed: %w", err)
	}

	out := DecodedAudio{
		Channels:   1,
		SampleRate: uint32(bandwidth.SampleRate()),
	}
	if isStereo {
		out.Channels = 2
	}
	out.SampleCount = int(uint64(out.SampleRate) * uint64(info.DurationTenthsMs()) / 10000)

	n := out.SampleCount * int(out.Channels)
	if n*2 > len(d.buf) {
		return DecodedAudio{}, fmt.Errorf("%w: %d samples exceed decode buffer", ErrMalformedPacket, n)
	}
	// pion/opus writes little-endian int16
	out.PCM = make([]int16, n)
	for i := 0; i < n; i++ {
		out.PCM[i] = int16(d.buf[i*2]) | int16(d.buf[i*2+1])<<8
	}

	logrus.WithFields(logrus.Fields{
		"function":     "OpusDecoder.Decode",
		"bandwidth":    bandwidth.String(),
		"stereo":       isStereo,
		"sample_count": out.SampleCount,
	}).Debug("Opus packet decoded")

	return out, nil
}
