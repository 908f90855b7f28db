package av

import (
	"fmt"
	"time"
)

// PeerID identifies a remote peer. It is supplied by the transport layer
// and is never generated locally.
type PeerID uint32

// String implements fmt.Stringer.
func (p PeerID) String() string {
	return fmt.Sprintf("peer-%d", uint32(p))
}

// Medium selects the audio or video stream of a call.
type Medium uint8

const (
	// MediumAudio is the audio stream of a call.
	MediumAudio Medium = iota
	// MediumVideo is the video stream of a call.
	MediumVideo
)

// String returns the lower-case medium name used in logs and metrics labels.
func (m Medium) String() string {
	switch m {
	case MediumAudio:
		return "audio"
	case MediumVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Valid reports whether m is a known medium.
func (m Medium) Valid() bool {
	return m == MediumAudio || m == MediumVideo
}

// BitRate is a bit rate in kilobits per second.
type BitRate uint32

// BitRateDisabled suppresses sending on a medium.
const BitRateDisabled BitRate = 0

// CallState represents the current state of a call session.
type CallState uint32

const (
	// CallStateNone is the pre-construction sentinel. It is never observable
	// from outside the package.
	CallStateNone CallState = iota
	// CallStateRinging indicates the call has been offered but not accepted.
	CallStateRinging
	// CallStateInProgress indicates the call was accepted and media may flow.
	CallStateInProgress
	// CallStateEnded is terminal. Ended sessions are removed from the registry.
	CallStateEnded
)

// String returns the state name. The same names label the session FSM.
func (s CallState) String() string {
	switch s {
	case CallStateNone:
		return "none"
	case CallStateRinging:
		return "ringing"
	case CallStateInProgress:
		return "in_progress"
	case CallStateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

func parseCallState(name string) CallState {
	switch name {
	case "ringing":
		return CallStateRinging
	case "in_progress":
		return CallStateInProgress
	case "ended":
		return CallStateEnded
	default:
		return CallStateNone
	}
}

// CallControl represents call control actions exchanged between peers.
type CallControl uint8

const (
	// CallControlAccept answers a ringing call.
	CallControlAccept CallControl = iota
	// CallControlReject declines a ringing call.
	CallControlReject
	// CallControlCancel cancels/ends the call from either side.
	CallControlCancel
	// CallControlFinish ends an established call normally.
	CallControlFinish
	// CallControlError ends the call because of a peer-side failure.
	CallControlError
	// CallControlResume resumes a paused call
	CallControlResume
	// CallControlPause pauses an active call
	CallControlPause
	// CallControlMuteAudio mutes outgoing audio
	CallControlMuteAudio
	// CallControlUnmuteAudio unmutes outgoing audio
	CallControlUnmuteAudio
	// CallControlHideVideo hides outgoing video
	CallControlHideVideo
	// CallControlShowVideo shows outgoing video
	CallControlShowVideo
)

var callControlNames = [...]string{
	CallControlAccept:      "accept",
	CallControlReject:      "reject",
	CallControlCancel:      "cancel",
	CallControlFinish:      "finish",
	CallControlError:       "error",
	CallControlResume:      "resume",
	CallControlPause:       "pause",
	CallControlMuteAudio:   "mute_audio",
	CallControlUnmuteAudio: "unmute_audio",
	CallControlHideVideo:   "hide_video",
	CallControlShowVideo:   "show_video",
}

// String returns the control name.
func (c CallControl) String() string {
	if int(c) < len(callControlNames) {
		return callControlNames[c]
	}
	return fmt.Sprintf("control(%d)", uint8(c))
}

// Valid reports whether c is a known control.
func (c CallControl) Valid() bool {
	return int(c) < len(callControlNames)
}

// terminates reports whether the control ends the call.
func (c CallControl) terminates() bool {
	switch c {
	case CallControlReject, CallControlCancel, CallControlFinish, CallControlError:
		return true
	default:
		return false
	}
}

// Direction records which side placed the call.
type Direction uint8

const (
	// DirectionOutgoing is a call initiated locally.
	DirectionOutgoing Direction = iota
	// DirectionIncoming is a call offered by the peer.
	DirectionIncoming
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

// AudioFrame is one PCM audio frame. PCM is interleaved
// ([s1c1][s1c2][s2c1][s2c2]...) and holds SampleCount*Channels samples.
type AudioFrame struct {
	PCM         []int16
	SampleCount int
	Channels    uint8
	SampleRate  uint32
}

// VideoFrame is one I420 video frame.
type VideoFrame struct {
	Width  uint16
	Height uint16
	Y      []byte
	U      []byte
	V      []byte
}

// Frame carries a frame of either medium. Exactly one of Audio and Video is
// set, matching Medium.
type Frame struct {
	Medium Medium
	Audio  *AudioFrame
	Video  *VideoFrame
}

// TimeProvider abstracts time operations for deterministic testing.
// Implementations must be safe for concurrent use.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }
