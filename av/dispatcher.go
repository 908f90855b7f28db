package av

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// EventDispatcher applies inbound transport notifications to the registry.
// Each notification is posted to the registry worker, so callbacks return
// at once and are processed in arrival order after any client operation
// already queued.
//
// A notification for a peer without a session is logged and dropped: the
// peer may have ended the call moments earlier.
type EventDispatcher struct {
	registry  *Registry
	transport Transport
	cfg       ManagerConfig
}

var _ InboundHandler = (*EventDispatcher)(nil)

// NewEventDispatcher creates a dispatcher. Bit-rate responses are sent
// back through transport; cfg supplies rate ceilings and default rates.
func NewEventDispatcher(registry *Registry, transport Transport, cfg ManagerConfig) *EventDispatcher {
	return &EventDispatcher{
		registry:  registry,
		transport: transport,
		cfg:       cfg,
	}
}

func (d *EventDispatcher) post(event string, peer PeerID, fn func(tx *Tx)) {
	if err := d.registry.Post(fn); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "EventDispatcher." + event,
			"peer":     peer,
			"error":    err.Error(),
		}).Debug("Inbound event dropped, registry closed")
	}
}

func (d *EventDispatcher) missing(event string, peer PeerID) {
	logrus.WithFields(logrus.Fields{
		"function": "EventDispatcher." + event,
		"peer":     peer,
	}).Debug("No session for inbound event, ignoring")
}

// OnIncomingCall creates a Ringing session for an incoming call. A call
// from a peer that already has a session is ignored.
func (d *EventDispatcher) OnIncomingCall(peer PeerID, audio, video BitRate) {
	d.post("OnIncomingCall", peer, func(tx *Tx) {
		if _, exists := tx.Get(peer); exists {
			logrus.WithFields(logrus.Fields{
				"function": "EventDispatcher.OnIncomingCall",
				"peer":     peer,
			}).Warn("Duplicate call request for existing session, ignoring")
			return
		}
		_, _, err := tx.GetOrCreate(peer, SessionParams{
			Direction:          DirectionIncoming,
			AudioBitRate:       d.cfg.DefaultAudioBitRate,
			VideoBitRate:       d.cfg.DefaultVideoBitRate,
			RemoteAudioBitRate: audio,
			RemoteVideoBitRate: video,
		})
		if err != nil {
			tx.EmitError(peer, "incoming_call", err)
		}
	})
}

// OnControlReceived routes a peer's control through the session transition
// table. Controls invalid for the current state are logged and dropped.
func (d *EventDispatcher) OnControlReceived(peer PeerID, control CallControl) {
	d.post("OnControlReceived", peer, func(tx *Tx) {
		s, ok := tx.Get(peer)
		if !ok {
			d.missing("OnControlReceived", peer)
			return
		}
		if err := tx.applyControl(s, control, false); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "EventDispatcher.OnControlReceived",
				"peer":     peer,
				"control":  control.String(),
				"state":    s.State().String(),
				"error":    err.Error(),
			}).Warn("Ignoring call control from peer")
		}
	})
}

// OnBitRateRequest answers a peer's request to change its own sending
// rate. Rates within the configured ceiling are accepted.
func (d *EventDispatcher) OnBitRateRequest(peer PeerID, medium Medium, rate BitRate, requestID uint64) {
	d.post("OnBitRateRequest", peer, func(tx *Tx) {
		s, ok := tx.Get(peer)
		if !ok {
			d.missing("OnBitRateRequest", peer)
			return
		}
		accepted := d.cfg.validateRate(medium, rate) == nil
		if err := d.transport.RespondBitRateChange(peer, medium, requestID, accepted); err != nil {
			tx.EmitError(peer, "respond_bit_rate", fmt.Errorf("%w: bit rate response: %v", ErrTransport, err))
			return
		}
		if accepted {
			s.setRemoteRate(medium, rate)
		}

		logrus.WithFields(logrus.Fields{
			"function":   "EventDispatcher.OnBitRateRequest",
			"peer":       peer,
			"medium":     medium.String(),
			"rate":       rate,
			"request_id": requestID,
			"accepted":   accepted,
		}).Debug("Answered peer bit rate request")
	})
}

// OnBitRateResponse settles the matching pending negotiation. Responses
// that match nothing pending are stale and ignored.
func (d *EventDispatcher) OnBitRateResponse(peer PeerID, medium Medium, requestID uint64, accepted bool) {
	d.post("OnBitRateResponse", peer, func(tx *Tx) {
		s, ok := tx.Get(peer)
		if !ok {
			d.missing("OnBitRateResponse", peer)
			return
		}
		if !medium.Valid() {
			return
		}
		tx.settleBitRate(s, medium, requestID, accepted)
	})
}

// OnFrameReceived surfaces an inbound frame of an in-progress call. Frames
// for any other state are discarded.
func (d *EventDispatcher) OnFrameReceived(peer PeerID, frame Frame) {
	d.post("OnFrameReceived", peer, func(tx *Tx) {
		s, ok := tx.Get(peer)
		if !ok || s.State() != CallStateInProgress {
			tx.Metrics().frameReceived(frame.Medium, false)
			logrus.WithFields(logrus.Fields{
				"function": "EventDispatcher.OnFrameReceived",
				"peer":     peer,
				"medium":   frame.Medium.String(),
			}).Debug("Discarding frame outside an in-progress call")
			return
		}
		tx.Metrics().frameReceived(frame.Medium, true)
		f := frame
		tx.Emit(Event{
			Type:    EventFrameReceived,
			Peer:    peer,
			Medium:  frame.Medium,
			BitRate: s.negotiator(frame.Medium).Active(),
			Frame:   &f,
		})
	})
}

// OnPeerDisconnected ends the peer's session regardless of its state.
func (d *EventDispatcher) OnPeerDisconnected(peer PeerID) {
	d.post("OnPeerDisconnected", peer, func(tx *Tx) {
		if err := tx.Remove(peer); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				d.missing("OnPeerDisconnected", peer)
				return
			}
			tx.EmitError(peer, "peer_disconnected", err)
		}
	})
}

// OnTransportError reports an asynchronous delivery failure. Session state
// is left unchanged.
func (d *EventDispatcher) OnTransportError(peer PeerID, op string, err error) {
	if !errors.Is(err, ErrTransport) {
		err = fmt.Errorf("%w: %v", ErrTransport, err)
	}
	d.post("OnTransportError", peer, func(tx *Tx) {
		tx.EmitError(peer, op, err)
	})
}
