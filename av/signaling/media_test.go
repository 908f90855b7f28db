package signaling

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxav/av"
)

func TestPacketizerAdvancesClock(t *testing.T) {
	p, err := NewPacketizer(PayloadTypeL16)
	require.NoError(t, err)

	first, err := p.Packetize([]byte{1, 2}, 960)
	require.NoError(t, err)
	second, err := p.Packetize([]byte{3, 4}, 960)
	require.NoError(t, err)

	var a, b rtp.Packet
	require.NoError(t, a.Unmarshal(first))
	require.NoError(t, b.Unmarshal(second))
	assert.Equal(t, uint8(2), a.Version)
	assert.Equal(t, PayloadTypeL16, a.PayloadType)
	assert.Equal(t, p.SSRC(), a.SSRC)
	assert.Equal(t, a.SequenceNumber+1, b.SequenceNumber)
	assert.Equal(t, a.Timestamp+960, b.Timestamp)
	assert.Equal(t, []byte{3, 4}, b.Payload)

	_, err = p.Packetize(nil, 960)
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestDepacketizerCountsLoss(t *testing.T) {
	p, err := NewPacketizer(PayloadTypeL16)
	require.NoError(t, err)
	d := NewDepacketizer()

	var packets [][]byte
	for i := 0; i < 6; i++ {
		data, err := p.Packetize([]byte{byte(i)}, 160)
		require.NoError(t, err)
		packets = append(packets, data)
	}

	// drop packets 2 and 3
	for _, i := range []int{0, 1, 4, 5} {
		_, err := d.Unpack(packets[i])
		require.NoError(t, err)
	}
	assert.Equal(t, StreamStats{Received: 4, Lost: 2}, d.Stats())

	// a late packet neither counts as loss nor rewinds the sequence
	_, err = d.Unpack(packets[2])
	require.NoError(t, err)
	assert.Equal(t, StreamStats{Received: 5, Lost: 2}, d.Stats())
}

func TestDepacketizerNewStreamRestarts(t *testing.T) {
	d := NewDepacketizer()
	p1, err := NewPacketizer(PayloadTypeL16)
	require.NoError(t, err)
	p2, err := NewPacketizer(PayloadTypeL16)
	require.NoError(t, err)
	if p1.SSRC() == p2.SSRC() {
		t.Skip("random SSRCs collided")
	}

	for i := 0; i < 3; i++ {
		data, err := p1.Packetize([]byte{1}, 1)
		require.NoError(t, err)
		_, err = d.Unpack(data)
		require.NoError(t, err)
	}
	data, err := p2.Packetize([]byte{1}, 1)
	require.NoError(t, err)
	_, err = d.Unpack(data)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), d.Stats().Lost)
}

func TestDepacketizerRejectsGarbage(t *testing.T) {
	d := NewDepacketizer()
	_, err := d.Unpack(nil)
	assert.Error(t, err)
	_, err = d.Unpack([]byte{0x80})
	assert.Error(t, err)
}

func TestVideoFrameLayout(t *testing.T) {
	f := av.VideoFrame{
		Width:  3,
		Height: 3,
		Y:      make([]byte, 9),
		U:      []byte{1, 2, 3, 4},
		V:      []byte{5, 6, 7, 8},
	}
	data := EncodeVideoFrame(f)
	require.Len(t, data, 4+9+4+4)

	got, err := DecodeVideoFrame(data)
	require.NoError(t, err)
	assert.Equal(t, f, got)

	_, err = DecodeVideoFrame(data[:len(data)-1])
	assert.ErrorIs(t, err, av.ErrInvalidVideoFrame)
	_, err = DecodeVideoFrame(data[:2])
	assert.ErrorIs(t, err, ErrPacketTooShort)
}
