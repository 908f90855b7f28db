package signaling

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxav/av"
)

// Packet types carried by the packet transport.
const (
	PacketCallRequest     byte = 0x30
	PacketCallControl     byte = 0x32
	PacketAudioFrame      byte = 0x33
	PacketVideoFrame      byte = 0x34
	PacketBitRateRequest  byte = 0x35
	PacketBitRateResponse byte = 0x36
)

// Packet sizes in bytes.
const (
	callRequestSize     = 16
	callControlSize     = 9
	bitRateRequestSize  = 13
	bitRateResponseSize = 10
)

var (
	// ErrNilPacket is returned when serializing a nil packet.
	ErrNilPacket = errors.New("packet is nil")
	// ErrPacketTooShort is returned when a packet is shorter than its layout.
	ErrPacketTooShort = errors.New("packet too short")
	// ErrBadField is returned for an out-of-range enumerated field.
	ErrBadField = errors.New("invalid packet field")
)

// CallRequestPacket represents a call initiation request.
//
// Wire format:
//
//	[AUDIO_BITRATE(4)][VIDEO_BITRATE(4)][TIMESTAMP(8)]
//
// Total size: 16 bytes
type CallRequestPacket struct {
	AudioBitRate av.BitRate // 0 = disabled
	VideoBitRate av.BitRate // 0 = disabled
	Timestamp    time.Time
}

// CallControlPacket represents call control messages.
//
// Wire format:
//
//	[CONTROL_TYPE(1)][TIMESTAMP(8)]
//
// Total size: 9 bytes
type CallControlPacket struct {
	Control   av.CallControl
	Timestamp time.Time
}

// BitRateRequestPacket asks the peer to accept a new sending rate.
//
// Wire format:
//
//	[REQUEST_ID(8)][MEDIUM(1)][BITRATE(4)]
//
// Total size: 13 bytes
type BitRateRequestPacket struct {
	RequestID uint64
	Medium    av.Medium
	BitRate   av.BitRate
}

// BitRateResponsePacket answers a BitRateRequestPacket.
//
// Wire format:
//
//	[REQUEST_ID(8)][MEDIUM(1)][ACCEPTED(1)]
//
// Total size: 10 bytes
type BitRateResponsePacket struct {
	RequestID uint64
	Medium    av.Medium
	Accepted  bool
}

func short(name string, got, want int) error {
	return fmt.Errorf("%w: %s has %d bytes, need %d", ErrPacketTooShort, name, got, want)
}

// SerializeCallRequest converts a CallRequestPacket to bytes for transmission.
func SerializeCallRequest(req *CallRequestPacket) ([]byte, error) {
	if req == nil {
		logrus.WithFields(logrus.Fields{
			"function": "SerializeCallRequest",
			"error":    "call request packet is nil",
		}).Error("Invalid call request packet")
		return nil, ErrNilPacket
	}

	data := make([]byte, callRequestSize)
	binary.BigEndian.PutUint32(data[0:4], uint32(req.AudioBitRate))
	binary.BigEndian.PutUint32(data[4:8], uint32(req.VideoBitRate))
	binary.BigEndian.PutUint64(data[8:16], uint64(req.Timestamp.UnixNano()))
	return data, nil
}

// DeserializeCallRequest converts bytes to a CallRequestPacket.
func DeserializeCallRequest(data []byte) (*CallRequestPacket, error) {
	if len(data) < callRequestSize {
		return nil, short("call request", len(data), callRequestSize)
	}

	return &CallRequestPacket{
		AudioBitRate: av.BitRate(binary.BigEndian.Uint32(data[0:4])),
		VideoBitRate: av.BitRate(binary.BigEndian.Uint32(data[4:8])),
		Timestamp:    time.Unix(0, int64(binary.BigEndian.Uint64(data[8:16]))),
	}, nil
}

// SerializeCallControl converts a CallControlPacket to bytes for transmission.
func SerializeCallControl(ctrl *CallControlPacket) ([]byte, error) {
	if ctrl == nil {
		return nil, ErrNilPacket
	}

	data := make([]byte, callControlSize)
	data[0] = byte(ctrl.Control)
	binary.BigEndian.PutUint64(data[1:9], uint64(ctrl.Timestamp.UnixNano()))
	return data, nil
}

// DeserializeCallControl converts bytes to a CallControlPacket.
func DeserializeCallControl(data []byte) (*CallControlPacket, error) {
	if len(data) < callControlSize {
		return nil, short("call control", len(data), callControlSize)
	}
	ctrl := av.CallControl(data[0])
	if !ctrl.Valid() {
		return nil, fmt.Errorf("%w: call control %d", ErrBadField, data[0])
	}

	return &CallControlPacket{
		Control:   ctrl,
		Timestamp: time.Unix(0, int64(binary.BigEndian.Uint64(data[1:9]))),
	}, nil
}

// SerializeBitRateRequest converts a BitRateRequestPacket to bytes.
func SerializeBitRateRequest(req *BitRateRequestPacket) ([]byte, error) {
	if req == nil {
		return nil, ErrNilPacket
	}

	data := make([]byte, bitRateRequestSize)
	binary.BigEndian.PutUint64(data[0:8], req.RequestID)
	data[8] = byte(req.Medium)
	binary.BigEndian.PutUint32(data[9:13], uint32(req.BitRate))
	return data, nil
}

// DeserializeBitRateRequest converts bytes to a BitRateRequestPacket.
func DeserializeBitRateRequest(data []byte) (*BitRateRequestPacket, error) {
	if len(data) < bitRateRequestSize {
		return nil, short("bit rate request", len(data), bitRateRequestSize)
	}
	medium := av.Medium(data[8])
	if !medium.Valid() {
		return nil, fmt.Errorf("%w: medium %d", ErrBadField, data[8])
	}

	return &BitRateRequestPacket{
		RequestID: binary.BigEndian.Uint64(data[0:8]),
		Medium:    medium,
		BitRate:   av.BitRate(binary.BigEndian.Uint32(data[9:13])),
	}, nil
}

// SerializeBitRateResponse converts a BitRateResponsePacket to bytes.
func SerializeBitRateResponse(resp *BitRateResponsePacket) ([]byte, error) {
	if resp == nil {
		return nil, ErrNilPacket
	}

	data := make([]byte, bitRateResponseSize)
	binary.BigEndian.PutUint64(data[0:8], resp.RequestID)
	data[8] = byte(resp.Medium)
	if resp.Accepted {
		data[9] = 1
	}
	return data, nil
}

// DeserializeBitRateResponse converts bytes to a BitRateResponsePacket.
func DeserializeBitRateResponse(data []byte) (*BitRateResponsePacket, error) {
	if len(data) < bitRateResponseSize {
		return nil, short("bit rate response", len(data), bitRateResponseSize)
	}
	medium := av.Medium(data[8])
	if !medium.Valid() {
		return nil, fmt.Errorf("%w: medium %d", ErrBadField, data[8])
	}

	return &BitRateResponsePacket{
		RequestID: binary.BigEndian.Uint64(data[0:8]),
		Medium:    medium,
		Accepted:  data[9] != 0,
	}, nil
}
