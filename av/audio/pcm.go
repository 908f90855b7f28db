package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PCMHeaderSize is the size of the header preceding L16 samples.
const PCMHeaderSize = 5

// ErrShortPayload is returned for a PCM payload shorter than its header or
// with an odd sample byte count.
var ErrShortPayload = errors.New("pcm payload too short")

// PCMFrame is one frame of interleaved 16-bit PCM.
type PCMFrame struct {
	Samples    []int16
	Channels   uint8
	SampleRate uint32
}

// SampleCount returns samples per channel.
func (f PCMFrame) SampleCount() int {
	if f.Channels == 0 {
		return 0
	}
	return len(f.Samples) / int(f.Channels)
}

// EncodeL16 encodes a frame as linear 16-bit PCM in network byte order
// (RFC 3551 L16), preceded by its sample rate and channel count:
//
//	[SAMPLE_RATE(4)][CHANNELS(1)][SAMPLES(2*n)]
func EncodeL16(f PCMFrame) []byte {
	data := make([]byte, PCMHeaderSize+2*len(f.Samples))
	binary.BigEndian.PutUint32(data[0:4], f.SampleRate)
	data[4] = f.Channels
	for i, s := range f.Samples {
		binary.BigEndian.PutUint16(data[PCMHeaderSize+2*i:], uint16(s))
	}
	return data
}

// DecodeL16 is the inverse of EncodeL16. Frame layout is not validated here.
func DecodeL16(data []byte) (PCMFrame, error) {
	if len(data) < PCMHeaderSize || (len(data)-PCMHeaderSize)%2 != 0 {
		return PCMFrame{}, fmt.Errorf("%w: %d bytes", ErrShortPayload, len(data))
	}
	f := PCMFrame{
		SampleRate: binary.BigEndian.Uint32(data[0:4]),
		Channels:   data[4],
		Samples:    make([]int16, (len(data)-PCMHeaderSize)/2),
	}
	for i := range f.Samples {
		f.Samples[i] = int16(binary.BigEndian.Uint16(data[PCMHeaderSize+2*i:]))
	}
	return f, nil
}
