package av

import (
	"errors"
	"fmt"
)

// Sentinel errors for av package operations.
// These errors enable reliable error classification using errors.Is().

// Session-absence errors. These are expected races between local intent and
// remote state changes, never fatal.
var (
	// ErrSessionNotFound indicates no session exists for the peer.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoSession indicates a bit-rate change for a peer without an active
	// or ringing call. It classifies as ErrSessionNotFound too.
	ErrNoSession = fmt.Errorf("no active or ringing call: %w", ErrSessionNotFound)

	// ErrCallAlreadyActive indicates a call already exists with this peer.
	ErrCallAlreadyActive = errors.New("call already active with this peer")
)

// Validation errors. Detected before any transport interaction.
var (
	// ErrInvalidRate indicates an invalid audio or video bit rate.
	ErrInvalidRate = errors.New("invalid bit rate")

	// ErrInvalidAudioFrame indicates a structurally malformed audio frame.
	ErrInvalidAudioFrame = errors.New("invalid audio frame")

	// ErrInvalidVideoFrame indicates a structurally malformed video frame.
	ErrInvalidVideoFrame = errors.New("invalid video frame")

	// ErrInvalidControlForState indicates a control that cannot apply to the
	// session's current state.
	ErrInvalidControlForState = errors.New("invalid call control for state")

	// ErrSendNotAllowed indicates a frame send while the call is not in
	// progress or the medium is disabled, muted or paused.
	ErrSendNotAllowed = errors.New("sending not allowed")

	// ErrNegotiationBusy indicates a non-forceful bit-rate request while a
	// forceful one is still pending.
	ErrNegotiationBusy = errors.New("forceful bit rate negotiation pending")
)

// Transport and lifecycle errors.
var (
	// ErrTransport indicates the transport layer refused an operation.
	ErrTransport = errors.New("transport failure")

	// ErrManagerClosed indicates the manager has been shut down.
	ErrManagerClosed = errors.New("manager is closed")
)

// ErrorKind tags an error with its place in the error taxonomy.
type ErrorKind uint8

const (
	// KindUnknown is any error outside the taxonomy.
	KindUnknown ErrorKind = iota
	KindSessionNotFound
	KindNoSession
	KindCallAlreadyActive
	KindInvalidRate
	KindInvalidAudioFrame
	KindInvalidVideoFrame
	KindInvalidControlForState
	KindSendNotAllowed
	KindNegotiationBusy
	KindTransport
	KindClosed
)

var errorKindNames = [...]string{
	KindUnknown:                "unknown",
	KindSessionNotFound:        "session_not_found",
	KindNoSession:              "no_session",
	KindCallAlreadyActive:      "call_already_active",
	KindInvalidRate:            "invalid_rate",
	KindInvalidAudioFrame:      "invalid_audio_frame",
	KindInvalidVideoFrame:      "invalid_video_frame",
	KindInvalidControlForState: "invalid_control_for_state",
	KindSendNotAllowed:         "send_not_allowed",
	KindNegotiationBusy:        "negotiation_busy",
	KindTransport:              "transport",
	KindClosed:                 "closed",
}

// String returns the kind name, also used as a metrics label.
func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return "unknown"
}

// IsValidation reports whether the kind is caller misuse or malformed input.
func (k ErrorKind) IsValidation() bool {
	switch k {
	case KindInvalidRate, KindInvalidAudioFrame, KindInvalidVideoFrame,
		KindInvalidControlForState, KindSendNotAllowed, KindNegotiationBusy:
		return true
	default:
		return false
	}
}

// IsSessionAbsence reports whether the kind is an expected session race.
func (k ErrorKind) IsSessionAbsence() bool {
	return k == KindSessionNotFound || k == KindNoSession
}

// KindOf classifies err. ErrNoSession is checked before ErrSessionNotFound
// because it wraps it.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var ce *CallError
	if errors.As(err, &ce) && ce.Kind != KindUnknown {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrNoSession):
		return KindNoSession
	case errors.Is(err, ErrSessionNotFound):
		return KindSessionNotFound
	case errors.Is(err, ErrCallAlreadyActive):
		return KindCallAlreadyActive
	case errors.Is(err, ErrInvalidRate):
		return KindInvalidRate
	case errors.Is(err, ErrInvalidAudioFrame):
		return KindInvalidAudioFrame
	case errors.Is(err, ErrInvalidVideoFrame):
		return KindInvalidVideoFrame
	case errors.Is(err, ErrInvalidControlForState):
		return KindInvalidControlForState
	case errors.Is(err, ErrSendNotAllowed):
		return KindSendNotAllowed
	case errors.Is(err, ErrNegotiationBusy):
		return KindNegotiationBusy
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrManagerClosed):
		return KindClosed
	default:
		return KindUnknown
	}
}

// CallError is the error returned by client operations. It names the
// operation and peer and carries the classified kind.
type CallError struct {
	Op   string
	Peer PeerID
	Kind ErrorKind
	Err  error
}

func newCallError(op string, peer PeerID, err error) *CallError {
	return &CallError{Op: op, Peer: peer, Kind: KindOf(err), Err: err}
}

// Error implements error.
func (e *CallError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
}

// Unwrap returns the underlying error so errors.Is matches the sentinels.
func (e *CallError) Unwrap() error {
	return e.Err
}
