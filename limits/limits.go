// Package limits provides centralized media limits for ToxAV calls.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxAudioBitRate is the Opus ceiling in kbit/s.
	MaxAudioBitRate = 510

	// MaxVideoBitRate is the ceiling for video in kbit/s.
	MaxVideoBitRate = 100000

	// MaxChannels is the largest supported audio channel count.
	MaxChannels = 2

	// MaxVideoDimension bounds frame width and height in pixels.
	MaxVideoDimension = 4096

	// MaxVideoFrameBytes bounds the summed size of the three I420 planes.
	MaxVideoFrameBytes = MaxVideoDimension * MaxVideoDimension * 3 / 2

	// MaxPacketSize is the absolute maximum for any inbound packet (16MB),
	// large enough for one uncompressed maximum-size video frame.
	MaxPacketSize = 16 * 1024 * 1024
)

// SampleRates are the permitted audio sampling rates in Hz.
var SampleRates = []uint32{8000, 12000, 16000, 24000, 48000}

// FrameDurationsTenthsMs are the permitted audio frame durations in tenths
// of a millisecond: 2.5, 5, 10, 20, 40 and 60 ms.
var FrameDurationsTenthsMs = []uint32{25, 50, 100, 200, 400, 600}

var (
	// ErrBadSampleRate indicates a sampling rate outside SampleRates.
	ErrBadSampleRate = errors.New("unsupported sampling rate")

	// ErrBadChannels indicates a channel count other than 1 or 2.
	ErrBadChannels = errors.New("unsupported channel count")

	// ErrBadSampleCount indicates a sample count that is not a permitted
	// frame duration at the sampling rate.
	ErrBadSampleCount = errors.New("sample count is not a permitted frame duration")

	// ErrBadPayloadLength indicates a PCM buffer that is not
	// sampleCount*channels long.
	ErrBadPayloadLength = errors.New("pcm length does not match sample count and channels")

	// ErrBadDimensions indicates a zero or oversized video frame.
	ErrBadDimensions = errors.New("invalid video dimensions")

	// ErrBadPlaneSize indicates an I420 plane of the wrong size.
	ErrBadPlaneSize = errors.New("invalid video plane size")

	// ErrPacketEmpty indicates an empty packet was provided
	ErrPacketEmpty = errors.New("empty packet")

	// ErrPacketTooLarge indicates packet exceeds maximum size
	ErrPacketTooLarge = errors.New("packet too large")
)

// IsSampleRate reports whether rate is a permitted sampling rate.
func IsSampleRate(rate uint32) bool {
	for _, r := range SampleRates {
		if r == rate {
			return true
		}
	}
	return false
}

// SampleCountFor returns the samples per channel of a frame lasting
// tenthsMs tenths of a millisecond at rate Hz.
func SampleCountFor(rate, tenthsMs uint32) int {
	return int(uint64(rate) * uint64(tenthsMs) / 10000)
}

// IsFrameSampleCount reports whether count corresponds to a permitted frame
// duration at rate. The product rate*duration must be a whole number of
// samples, so 2.5 ms frames exist at every permitted rate.
func IsFrameSampleCount(rate uint32, count int) bool {
	if count <= 0 {
		return false
	}
	for _, d := range FrameDurationsTenthsMs {
		if uint64(rate)*uint64(d)%10000 != 0 {
			continue
		}
		if SampleCountFor(rate, d) == count {
			return true
		}
	}
	return false
}

// ValidateAudioFrame checks the structural parameters of a PCM frame.
// Returns an error with context describing the first violation.
func ValidateAudioFrame(sampleCount int, channels uint8, sampleRate uint32, pcmLen int) error {
	if !IsSampleRate(sampleRate) {
		return fmt.Errorf("%w: %d Hz", ErrBadSampleRate, sampleRate)
	}
	if channels == 0 || channels > MaxChannels {
		return fmt.Errorf("%w: %d", ErrBadChannels, channels)
	}
	if !IsFrameSampleCount(sampleRate, sampleCount) {
		return fmt.Errorf("%w: %d samples at %d Hz", ErrBadSampleCount, sampleCount, sampleRate)
	}
	if want := sampleCount * int(channels); pcmLen != want {
		return fmt.Errorf("%w: got %d, want %d", ErrBadPayloadLength, pcmLen, want)
	}
	return nil
}

// ChromaPlaneSize returns the size of one I420 chroma plane.
func ChromaPlaneSize(width, height int) int {
	return ((width + 1) / 2) * ((height + 1) / 2)
}

// ValidateVideoFrame checks the dimensions and plane sizes of an I420 frame.
func ValidateVideoFrame(width, height, yLen, uLen, vLen int) error {
	if width <= 0 || height <= 0 || width > MaxVideoDimension || height > MaxVideoDimension {
		return fmt.Errorf("%w: %dx%d", ErrBadDimensions, width, height)
	}
	if want := width * height; yLen != want {
		return fmt.Errorf("%w: y plane %d, want %d", ErrBadPlaneSize, yLen, want)
	}
	want := ChromaPlaneSize(width, height)
	if uLen != want || vLen != want {
		return fmt.Errorf("%w: u/v planes %d/%d, want %d", ErrBadPlaneSize, uLen, vLen, want)
	}
	return nil
}

// ValidatePacket validates an inbound packet against MaxPacketSize.
// This limit should be used for all untrusted input.
func ValidatePacket(data []byte) error {
	if len(data) == 0 {
		return ErrPacketEmpty
	}
	if len(data) > MaxPacketSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPacketTooLarge, len(data), MaxPacketSize)
	}
	return nil
}
