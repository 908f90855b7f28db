package signaling

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxav/av"
	"github.com/opd-ai/toxav/limits"
)

// RTP payload types.
const (
	// PayloadTypeL16 carries audio.EncodeL16 payloads.
	PayloadTypeL16 uint8 = 96
	// PayloadTypeI420 carries raw I420 video with a dimension header.
	PayloadTypeI420 uint8 = 97
	// PayloadTypeOpus carries Opus packets (RFC 7587).
	PayloadTypeOpus uint8 = 111
)

// videoClockStep advances the 90kHz video clock by one nominal 30 fps frame.
const videoClockStep = 90000 / 30

const videoHeaderSize = 4

var (
	// ErrEmptyPayload is returned when packetizing an empty payload.
	ErrEmptyPayload = errors.New("empty media payload")
	// ErrUnexpectedPayloadType is returned for an RTP payload type the
	// receiving packet type does not carry.
	ErrUnexpectedPayloadType = errors.New("unexpected RTP payload type")
)

// Packetizer wraps media payloads of one outbound stream in RTP packets.
type Packetizer struct {
	mu             sync.Mutex
	payloadType    uint8
	ssrc           uint32
	sequenceNumber uint16
	timestamp      uint32
}

// NewPacketizer creates a packetizer with a random SSRC.
func NewPacketizer(payloadType uint8) (*Packetizer, error) {
	ssrcBytes := make([]byte, 4)
	if _, err := rand.Read(ssrcBytes); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewPacketizer",
			"error":    err.Error(),
		}).Error("Failed to generate SSRC")
		return nil, fmt.Errorf("failed to generate SSRC: %w", err)
	}

	return &Packetizer{
		payloadType: payloadType,
		ssrc:        binary.BigEndian.Uint32(ssrcBytes),
	}, nil
}

// SSRC returns the stream's synchronization source.
func (p *Packetizer) SSRC() uint32 {
	return p.ssrc
}

// Packetize builds the next RTP packet for payload and advances the media
// clock by clockAdvance ticks.
func (p *Packetizer) Packetize(payload []byte, clockAdvance uint32) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    p.payloadType,
			SequenceNumber: p.sequenceNumber,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	data, err := packet.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal RTP packet: %w", err)
	}

	p.sequenceNumber++
	p.timestamp += clockAdvance
	return data, nil
}

// StreamStats counts packets of one inbound stream.
type StreamStats struct {
	Received uint64
	Lost     uint64
}

// Depacketizer parses inbound RTP packets of one stream and tracks loss
// from sequence number gaps. A new SSRC restarts tracking.
type Depacketizer struct {
	mu         sync.Mutex
	ssrc       uint32
	hasSSRC    bool
	lastSeq    uint16
	hasLastSeq bool
	stats      StreamStats
}

// NewDepacketizer creates a depacketizer.
func NewDepacketizer() *Depacketizer {
	return &Depacketizer{}
}

// Unpack parses one RTP packet.
func (d *Depacketizer) Unpack(data []byte) (*rtp.Packet, error) {
	if err := limits.ValidatePacket(data); err != nil {
		return nil, err
	}
	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal RTP packet: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.hasSSRC || packet.SSRC != d.ssrc {
		if d.hasSSRC {
			logrus.WithFields(logrus.Fields{
				"function": "Depacketizer.Unpack",
				"old_ssrc": d.ssrc,
				"new_ssrc": packet.SSRC,
			}).Debug("RTP stream restarted")
		}
		d.ssrc = packet.SSRC
		d.hasSSRC = true
		d.hasLastSeq = false
	}

	if d.hasLastSeq {
		// uint16 arithmetic handles wraparound
		gap := packet.SequenceNumber - d.lastSeq
		if gap > 1 && gap < 0x8000 {
			d.stats.Lost += uint64(gap - 1)
		}
	}
	if !d.hasLastSeq || packet.SequenceNumber-d.lastSeq < 0x8000 {
		d.lastSeq = packet.SequenceNumber
		d.hasLastSeq = true
	}
	d.stats.Received++
	return packet, nil
}

// Stats returns the packet counters.
func (d *Depacketizer) Stats() StreamStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// EncodeVideoFrame lays out an I420 frame as
//
//	[WIDTH(2)][HEIGHT(2)][Y][U][V]
func EncodeVideoFrame(f av.VideoFrame) []byte {
	data := make([]byte, videoHeaderSize, videoHeaderSize+len(f.Y)+len(f.U)+len(f.V))
	binary.BigEndian.PutUint16(data[0:2], f.Width)
	binary.BigEndian.PutUint16(data[2:4], f.Height)
	data = append(data, f.Y...)
	data = append(data, f.U...)
	return append(data, f.V...)
}

// DecodeVideoFrame is the inverse of EncodeVideoFrame. The plane sizes are
// derived from the dimensions and must account for the whole payload.
func DecodeVideoFrame(data []byte) (av.VideoFrame, error) {
	if len(data) < videoHeaderSize {
		return av.VideoFrame{}, short("video frame", len(data), videoHeaderSize)
	}
	f := av.VideoFrame{
		Width:  binary.BigEndian.Uint16(data[0:2]),
		Height: binary.BigEndian.Uint16(data[2:4]),
	}
	ySize := int(f.Width) * int(f.Height)
	cSize := limits.ChromaPlaneSize(int(f.Width), int(f.Height))
	body := append([]byte(nil), data[videoHeaderSize:]...)
	if len(body) != ySize+2*cSize {
		return av.VideoFrame{}, fmt.Errorf("%w: %dx%d frame needs %d plane bytes, got %d",
			av.ErrInvalidVideoFrame, f.Width, f.Height, ySize+2*cSize, len(body))
	}
	f.Y = body[:ySize]
	f.U = body[ySize : ySize+cSize]
	f.V = body[ySize+cSize:]
	return f, nil
}
