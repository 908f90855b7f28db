// Package limits provides centralized media limits for ToxAV calls.
// This package ensures the call core, the wire adapter and configuration
// validation agree on what a legal bit rate or frame looks like.
//
// # Audio Frames
//
// An audio frame must carry exactly one of the permitted frame durations
// (2.5, 5, 10, 20, 40 or 60 ms) at one of the permitted sampling rates
// (8000, 12000, 16000, 24000 or 48000 Hz), with one or two channels:
//
//	err := limits.ValidateAudioFrame(sampleCount, channels, sampleRate, len(pcm))
//
// For 20 ms of 48 kHz stereo audio that is 960 samples per channel and a
// PCM buffer of 1920 samples.
//
// # Video Frames
//
// Video frames are I420: a full-resolution Y plane and quarter-resolution
// U and V planes, bounded by MaxVideoFrameBytes.
//
// # Bit Rates
//
// Bit rates are expressed in kilobits per second. MaxAudioBitRate and
// MaxVideoBitRate are the hard ceilings; configuration may only lower them.
//
// # Packet Sizes
//
// MaxPacketSize bounds any inbound packet accepted by the wire adapter and
// prevents memory exhaustion from untrusted input.
package limits
