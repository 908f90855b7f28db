// Package audio handles audio payloads of ToxAV calls.
//
// Outbound frames travel as linear 16-bit PCM (L16) with a small header
// carrying the sample rate and channel count:
//
//	payload := audio.EncodeL16(audio.PCMFrame{Samples: pcm, Channels: 2, SampleRate: 48000})
//	frame, err := audio.DecodeL16(payload)
//
// Peers that send Opus are decoded with OpusDecoder, which is backed by the
// pure Go github.com/pion/opus decoder. Packet durations are read from the
// Opus TOC byte (RFC 6716), so decoded frames can be checked against the
// permitted frame durations like any locally produced frame:
//
//	dec := audio.NewOpusDecoder()
//	pcm, err := dec.Decode(packet)
//
// There is no Opus encoder in pure Go; outbound audio is always L16.
package audio
