package av

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// FSM event names for the session lifecycle.
const (
	eventRing   = "ring"
	eventAccept = "accept"
	eventHangup = "hangup"
)

func newSessionFSM() *fsm.FSM {
	return fsm.NewFSM(
		CallStateNone.String(),
		fsm.Events{
			{Name: eventRing, Src: []string{CallStateNone.String()}, Dst: CallStateRinging.String()},
			{Name: eventAccept, Src: []string{CallStateRinging.String()}, Dst: CallStateInProgress.String()},
			{Name: eventHangup, Src: []string{CallStateRinging.String(), CallStateInProgress.String()}, Dst: CallStateEnded.String()},
		},
		nil,
	)
}

// ControlRecord is a control sent to or received from the peer.
type ControlRecord struct {
	Control CallControl
	At      time.Time
}

// CallSession is the per-peer call lifecycle: state, control history,
// sending gates and the two bit-rate negotiators. Only the registry worker
// touches a CallSession; everything outside sees SessionInfo snapshots.
type CallSession struct {
	peer      PeerID
	traceID   string
	direction Direction
	machine   *fsm.FSM

	audio *BitRateNegotiator
	video *BitRateNegotiator

	// Rates the peer announced for its own sending.
	remoteAudio BitRate
	remoteVideo BitRate

	localPaused       bool
	remotePaused      bool
	audioMuted        bool
	videoHidden       bool
	remoteAudioMuted  bool
	remoteVideoHidden bool

	lastSent     *ControlRecord
	lastReceived *ControlRecord

	startedAt  time.Time
	acceptedAt time.Time
}

// SessionParams describes a session being created.
type SessionParams struct {
	Direction Direction
	// AudioBitRate and VideoBitRate are the initial local sending rates.
	AudioBitRate BitRate
	VideoBitRate BitRate
	// RemoteAudioBitRate and RemoteVideoBitRate are the rates offered by the
	// peer in its call request. Zero for outgoing calls.
	RemoteAudioBitRate BitRate
	RemoteVideoBitRate BitRate
}

func newCallSession(ctx context.Context, peer PeerID, p SessionParams, nextID func() uint64, now time.Time) (*CallSession, error) {
	s := &CallSession{
		peer:        peer,
		traceID:     uuid.NewString(),
		direction:   p.Direction,
		machine:     newSessionFSM(),
		audio:       NewBitRateNegotiator(MediumAudio, p.AudioBitRate, nextID),
		video:       NewBitRateNegotiator(MediumVideo, p.VideoBitRate, nextID),
		remoteAudio: p.RemoteAudioBitRate,
		remoteVideo: p.RemoteVideoBitRate,
		startedAt:   now,
	}
	if err := s.machine.Event(ctx, eventRing); err != nil {
		return nil, fmt.Errorf("failed to start ringing: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "newCallSession",
		"peer":       peer,
		"trace_id":   s.traceID,
		"direction":  p.Direction.String(),
		"audio_rate": p.AudioBitRate,
		"video_rate": p.VideoBitRate,
	}).Debug("Call session created")

	return s, nil
}

// State returns the current lifecycle state.
func (s *CallSession) State() CallState {
	return parseCallState(s.machine.Current())
}

func (s *CallSession) negotiator(m Medium) *BitRateNegotiator {
	if m == MediumVideo {
		return s.video
	}
	return s.audio
}

// isCallee reports whether the side issuing a control is the callee.
func (s *CallSession) isCallee(local bool) bool {
	if local {
		return s.direction == DirectionIncoming
	}
	return s.direction == DirectionOutgoing
}

// checkControl validates c against the transition table without applying
// it. local is true for controls sent by this side and false for controls
// received from the peer. noop is true for an Accept of an established call,
// which succeeds without any effect.
func (s *CallSession) checkControl(c CallControl, local bool) (noop bool, err error) {
	state := s.State()
	if state == CallStateEnded {
		return false, ErrSessionNotFound
	}
	if !c.Valid() {
		return false, fmt.Errorf("%w: unknown control %d", ErrInvalidControlForState, uint8(c))
	}

	switch {
	case c == CallControlAccept:
		if state == CallStateInProgress {
			return true, nil
		}
		if !s.isCallee(local) {
			return false, fmt.Errorf("%w: %s by caller", ErrInvalidControlForState, c)
		}
	case c == CallControlReject:
		if state != CallStateRinging || !s.isCallee(local) {
			return false, fmt.Errorf("%w: %s in state %s", ErrInvalidControlForState, c, state)
		}
	case c.terminates():
	default:
		if state != CallStateInProgress {
			return false, fmt.Errorf("%w: %s in state %s", ErrInvalidControlForState, c, state)
		}
	}
	return false, nil
}

// applyControl runs one control through the transition table and records
// it in the control history. It returns whether the lifecycle state changed.
func (s *CallSession) applyControl(ctx context.Context, c CallControl, local bool, now time.Time) (bool, error) {
	noop, err := s.checkControl(c, local)
	if err != nil {
		return false, err
	}

	from := s.State()
	changed := false
	switch {
	case noop:
	case c == CallControlAccept:
		if err := s.machine.Event(ctx, eventAccept); err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidControlForState, err)
		}
		s.acceptedAt = now
		changed = true
	case c.terminates():
		if err := s.hangup(ctx); err != nil {
			return false, err
		}
		changed = true
	default:
		s.applyMediaControl(c, local)
	}

	rec := &ControlRecord{Control: c, At: now}
	if local {
		s.lastSent = rec
	} else {
		s.lastReceived = rec
	}

	logrus.WithFields(logrus.Fields{
		"function": "CallSession.applyControl",
		"peer":     s.peer,
		"trace_id": s.traceID,
		"control":  c.String(),
		"local":    local,
		"from":     from.String(),
		"to":       s.State().String(),
	}).Debug("Call control applied")

	return changed, nil
}

// applyMediaControl toggles sending gates. Repeats are idempotent.
func (s *CallSession) applyMediaControl(c CallControl, local bool) {
	switch c {
	case CallControlPause:
		if local {
			s.localPaused = true
		} else {
			s.remotePaused = true
		}
	case CallControlResume:
		if local {
			s.localPaused = false
		} else {
			s.remotePaused = false
		}
	case CallControlMuteAudio:
		if local {
			s.audioMuted = true
		} else {
			s.remoteAudioMuted = true
		}
	case CallControlUnmuteAudio:
		if local {
			s.audioMuted = false
		} else {
			s.remoteAudioMuted = false
		}
	case CallControlHideVideo:
		if local {
			s.videoHidden = true
		} else {
			s.remoteVideoHidden = true
		}
	case CallControlShowVideo:
		if local {
			s.videoHidden = false
		} else {
			s.remoteVideoHidden = false
		}
	}
}

func (s *CallSession) setRemoteRate(m Medium, rate BitRate) {
	if m == MediumVideo {
		s.remoteVideo = rate
	} else {
		s.remoteAudio = rate
	}
}

// hangup moves the session to Ended and invalidates pending negotiations.
func (s *CallSession) hangup(ctx context.Context) error {
	if s.State() == CallStateEnded {
		return nil
	}
	if err := s.machine.Event(ctx, eventHangup); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidControlForState, err)
	}
	s.cancelNegotiations()
	return nil
}

// end forces the session to Ended regardless of state.
func (s *CallSession) end(ctx context.Context) {
	if err := s.hangup(ctx); err != nil {
		s.machine.SetState(CallStateEnded.String())
		s.cancelNegotiations()
	}
}

func (s *CallSession) cancelNegotiations() {
	for _, n := range []*BitRateNegotiator{s.audio, s.video} {
		if req := n.Cancel(); req != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "CallSession.cancelNegotiations",
				"peer":       s.peer,
				"medium":     req.Medium.String(),
				"request_id": req.RequestID,
			}).Debug("Pending negotiation invalidated by call end")
		}
	}
}

// snapshot copies the session into an immutable SessionInfo.
func (s *CallSession) snapshot() SessionInfo {
	info := SessionInfo{
		Peer:               s.peer,
		TraceID:            s.traceID,
		Direction:          s.direction,
		State:              s.State(),
		AudioBitRate:       s.audio.Active(),
		VideoBitRate:       s.video.Active(),
		RemoteAudioBitRate: s.remoteAudio,
		RemoteVideoBitRate: s.remoteVideo,
		LocalPaused:        s.localPaused,
		RemotePaused:       s.remotePaused,
		AudioMuted:         s.audioMuted,
		VideoHidden:        s.videoHidden,
		RemoteAudioMuted:   s.remoteAudioMuted,
		RemoteVideoHidden:  s.remoteVideoHidden,
		StartedAt:          s.startedAt,
		AcceptedAt:         s.acceptedAt,
	}
	if req, ok := s.audio.Pending(); ok {
		info.PendingAudio = &req
	}
	if req, ok := s.video.Pending(); ok {
		info.PendingVideo = &req
	}
	if s.lastSent != nil {
		rec := *s.lastSent
		info.LastSent = &rec
	}
	if s.lastReceived != nil {
		rec := *s.lastReceived
		info.LastReceived = &rec
	}
	return info
}

// SessionInfo is an immutable view of a CallSession.
type SessionInfo struct {
	Peer      PeerID
	TraceID   string
	Direction Direction
	State     CallState

	AudioBitRate       BitRate
	VideoBitRate       BitRate
	RemoteAudioBitRate BitRate
	RemoteVideoBitRate BitRate
	PendingAudio       *NegotiationRequest
	PendingVideo       *NegotiationRequest

	LocalPaused       bool
	RemotePaused      bool
	AudioMuted        bool
	VideoHidden       bool
	RemoteAudioMuted  bool
	RemoteVideoHidden bool

	LastSent     *ControlRecord
	LastReceived *ControlRecord

	StartedAt  time.Time
	AcceptedAt time.Time
}

// BitRate returns the accepted rate for the medium.
func (i SessionInfo) BitRate(m Medium) BitRate {
	if m == MediumVideo {
		return i.VideoBitRate
	}
	return i.AudioBitRate
}

// CanSend reports whether a frame of the medium may be sent now.
func (i SessionInfo) CanSend(m Medium) error {
	if i.State != CallStateInProgress {
		return fmt.Errorf("%w: call is %s", ErrSendNotAllowed, i.State)
	}
	if i.LocalPaused || i.RemotePaused {
		return fmt.Errorf("%w: call is paused", ErrSendNotAllowed)
	}
	if i.BitRate(m) == BitRateDisabled {
		return fmt.Errorf("%w: %s is disabled", ErrSendNotAllowed, m)
	}
	if m == MediumAudio && i.AudioMuted {
		return fmt.Errorf("%w: audio is muted", ErrSendNotAllowed)
	}
	if m == MediumVideo && i.VideoHidden {
		return fmt.Errorf("%w: video is hidden", ErrSendNotAllowed)
	}
	return nil
}
