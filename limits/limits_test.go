package limits

import (
	"errors"
	"testing"
)

// TestSampleCountFor verifies the duration-to-samples conversion for every
// permitted rate and duration.
func TestSampleCountFor(t *testing.T) {
	tests := []struct {
		rate     uint32
		tenthsMs uint32
		want     int
	}{
		{48000, 200, 960},
		{48000, 25, 120},
		{48000, 600, 2880},
		{8000, 25, 20},
		{8000, 100, 80},
		{12000, 50, 60},
		{16000, 400, 640},
		{24000, 200, 480},
	}

	for _, tt := range tests {
		if got := SampleCountFor(tt.rate, tt.tenthsMs); got != tt.want {
			t.Errorf("SampleCountFor(%d, %d) = %d, want %d", tt.rate, tt.tenthsMs, got, tt.want)
		}
	}
}

// TestIsFrameSampleCount checks accepted and rejected sample counts.
func TestIsFrameSampleCount(t *testing.T) {
	for _, rate := range SampleRates {
		for _, d := range FrameDurationsTenthsMs {
			count := SampleCountFor(rate, d)
			if !IsFrameSampleCount(rate, count) {
				t.Errorf("IsFrameSampleCount(%d, %d) = false for %d tenths of ms", rate, count, d)
			}
		}
	}

	rejected := []struct {
		rate  uint32
		count int
	}{
		{48000, 0},
		{48000, -960},
		{48000, 961},
		{48000, 1000},
		{8000, 960},
		{16000, 3},
	}
	for _, tt := range rejected {
		if IsFrameSampleCount(tt.rate, tt.count) {
			t.Errorf("IsFrameSampleCount(%d, %d) = true, want false", tt.rate, tt.count)
		}
	}
}

// TestValidateAudioFrame covers each violation class.
func TestValidateAudioFrame(t *testing.T) {
	tests := []struct {
		name        string
		sampleCount int
		channels    uint8
		sampleRate  uint32
		pcmLen      int
		wantErr     error
	}{
		{"stereo 20ms 48k", 960, 2, 48000, 1920, nil},
		{"mono 2.5ms 8k", 20, 1, 8000, 20, nil},
		{"mono 60ms 24k", 1440, 1, 24000, 1440, nil},
		{"bad rate", 960, 2, 44100, 1920, ErrBadSampleRate},
		{"zero channels", 960, 0, 48000, 0, ErrBadChannels},
		{"three channels", 960, 3, 48000, 2880, ErrBadChannels},
		{"bad duration", 900, 2, 48000, 1800, ErrBadSampleCount},
		{"short payload", 960, 2, 48000, 960, ErrBadPayloadLength},
		{"long payload", 960, 1, 48000, 961, ErrBadPayloadLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAudioFrame(tt.sampleCount, tt.channels, tt.sampleRate, tt.pcmLen)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestValidateVideoFrame checks dimension and plane size validation.
func TestValidateVideoFrame(t *testing.T) {
	if err := ValidateVideoFrame(4, 2, 8, 2, 2); err != nil {
		t.Fatalf("valid 4x2 frame rejected: %v", err)
	}
	if err := ValidateVideoFrame(3, 3, 9, 4, 4); err != nil {
		t.Fatalf("valid odd 3x3 frame rejected: %v", err)
	}
	if err := ValidateVideoFrame(0, 2, 0, 0, 0); !errors.Is(err, ErrBadDimensions) {
		t.Errorf("zero width: got %v", err)
	}
	if err := ValidateVideoFrame(MaxVideoDimension+1, 2, 0, 0, 0); !errors.Is(err, ErrBadDimensions) {
		t.Errorf("oversized width: got %v", err)
	}
	if err := ValidateVideoFrame(4, 2, 7, 2, 2); !errors.Is(err, ErrBadPlaneSize) {
		t.Errorf("short y plane: got %v", err)
	}
	if err := ValidateVideoFrame(4, 2, 8, 2, 3); !errors.Is(err, ErrBadPlaneSize) {
		t.Errorf("mismatched v plane: got %v", err)
	}
}

// TestValidatePacket verifies empty and oversized packets are rejected.
func TestValidatePacket(t *testing.T) {
	if err := ValidatePacket(nil); !errors.Is(err, ErrPacketEmpty) {
		t.Errorf("nil packet: got %v", err)
	}
	if err := ValidatePacket([]byte{1}); err != nil {
		t.Errorf("one byte packet: got %v", err)
	}
	if err := ValidatePacket(make([]byte, MaxPacketSize+1)); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("oversized packet: got %v", err)
	}
}
