package av

import (
	"github.com/sirupsen/logrus"
)

// Outcome is the decision taken by a BitRateNegotiator for a new request.
type Outcome uint8

const (
	// OutcomeNoOpAlreadyActive means the requested rate is already active.
	// The request succeeds immediately and no transport call is made.
	OutcomeNoOpAlreadyActive Outcome = iota
	// OutcomePendingSend means the request is pending and must be sent.
	OutcomePendingSend
	// OutcomeSuperseded means a pending request was invalidated in favour of
	// the new one, which is pending and must be sent.
	OutcomeSuperseded
	// OutcomeBusy means a forceful request is pending and the new
	// non-forceful request was refused.
	OutcomeBusy
)

// String returns the outcome name, also used as a metrics label.
func (o Outcome) String() string {
	switch o {
	case OutcomeNoOpAlreadyActive:
		return "noop_already_active"
	case OutcomePendingSend:
		return "pending_send"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// NeedsSend reports whether the caller must forward the request to the
// transport layer.
func (o Outcome) NeedsSend() bool {
	return o == OutcomePendingSend || o == OutcomeSuperseded
}

// NegotiationRequest is one in-flight bit-rate change.
type NegotiationRequest struct {
	Medium    Medium
	Rate      BitRate
	Forceful  bool
	RequestID uint64
}

// Decision is the result of BitRateNegotiator.RequestChange.
type Decision struct {
	Outcome Outcome
	// Request is the new pending request when Outcome.NeedsSend().
	Request NegotiationRequest
	// Cancelled is the request that was invalidated, if any. Its eventual
	// transport response is stale.
	Cancelled *NegotiationRequest
}

// Settlement is the result of BitRateNegotiator.ApplyTransportResult.
type Settlement uint8

const (
	// SettlementStale means the response did not match the pending request.
	SettlementStale Settlement = iota
	// SettlementAccepted means the pending rate became active.
	SettlementAccepted
	// SettlementRejected means the pending request was discarded.
	SettlementRejected
)

// String returns the settlement name, also used as a metrics label.
func (s Settlement) String() string {
	switch s {
	case SettlementAccepted:
		return "accepted"
	case SettlementRejected:
		return "rejected"
	default:
		return "stale"
	}
}

// BitRateNegotiator tracks the accepted bit rate of one (peer, medium) pair
// and at most one pending request. It is not safe for concurrent use; the
// registry worker owns it.
type BitRateNegotiator struct {
	medium  Medium
	active  BitRate
	pending *NegotiationRequest
	nextID  func() uint64
}

// NewBitRateNegotiator creates a negotiator with the given active rate.
// nextID must return a strictly increasing sequence; the registry shares one
// sequence across sessions so request ids are never reused for a peer.
func NewBitRateNegotiator(medium Medium, initial BitRate, nextID func() uint64) *BitRateNegotiator {
	if nextID == nil {
		var seq uint64
		nextID = func() uint64 {
			seq++
			return seq
		}
	}
	return &BitRateNegotiator{
		medium: medium,
		active: initial,
		nextID: nextID,
	}
}

// Active returns the accepted bit rate.
func (n *BitRateNegotiator) Active() BitRate {
	return n.active
}

// Pending returns a copy of the pending request, if any.
func (n *BitRateNegotiator) Pending() (NegotiationRequest, bool) {
	if n.pending == nil {
		return NegotiationRequest{}, false
	}
	return *n.pending, true
}

// RequestChange decides the outcome of a new rate change.
//
// A request equal to the active rate is a no-op; a forceful one additionally
// invalidates whatever is pending. Otherwise a forceful request supersedes
// any pending request, a non-forceful request supersedes a pending
// non-forceful one, and a non-forceful request never displaces a pending
// forceful one.
func (n *BitRateNegotiator) RequestChange(rate BitRate, forceful bool) Decision {
	if rate == n.active {
		d := Decision{Outcome: OutcomeNoOpAlreadyActive}
		if n.pending != nil && (forceful || !n.pending.Forceful) {
			d.Cancelled = n.pending
			n.pending = nil
		}
		n.log(rate, forceful, d)
		return d
	}

	if n.pending != nil && n.pending.Forceful && !forceful {
		d := Decision{Outcome: OutcomeBusy}
		n.log(rate, forceful, d)
		return d
	}

	d := Decision{Outcome: OutcomePendingSend}
	if n.pending != nil {
		d.Outcome = OutcomeSuperseded
		d.Cancelled = n.pending
	}

	req := NegotiationRequest{
		Medium:    n.medium,
		Rate:      rate,
		Forceful:  forceful,
		RequestID: n.nextID(),
	}
	n.pending = &req
	d.Request = req

	n.log(rate, forceful, d)
	return d
}

// ApplyTransportResult settles the pending request. A requestID that does
// not match the pending request is stale and ignored.
func (n *BitRateNegotiator) ApplyTransportResult(requestID uint64, accepted bool) Settlement {
	if n.pending == nil || n.pending.RequestID != requestID {
		logrus.WithFields(logrus.Fields{
			"function":   "BitRateNegotiator.ApplyTransportResult",
			"medium":     n.medium.String(),
			"request_id": requestID,
		}).Debug("Discarding stale bit rate response")
		return SettlementStale
	}

	req := n.pending
	n.pending = nil

	if !accepted {
		logrus.WithFields(logrus.Fields{
			"function":   "BitRateNegotiator.ApplyTransportResult",
			"medium":     n.medium.String(),
			"request_id": requestID,
			"rate":       req.Rate,
			"active":     n.active,
		}).Debug("Bit rate request rejected")
		return SettlementRejected
	}

	n.active = req.Rate
	logrus.WithFields(logrus.Fields{
		"function":   "BitRateNegotiator.ApplyTransportResult",
		"medium":     n.medium.String(),
		"request_id": requestID,
		"active":     n.active,
	}).Debug("Bit rate request accepted")
	return SettlementAccepted
}

// Cancel invalidates the pending request, if any, and returns it.
func (n *BitRateNegotiator) Cancel() *NegotiationRequest {
	req := n.pending
	n.pending = nil
	return req
}

// setActive replaces the active rate without negotiation. Used when the call
// itself carries the rate (call initiation and answer).
func (n *BitRateNegotiator) setActive(rate BitRate) {
	n.active = rate
}

func (n *BitRateNegotiator) log(rate BitRate, forceful bool, d Decision) {
	fields := logrus.Fields{
		"function": "BitRateNegotiator.RequestChange",
		"medium":   n.medium.String(),
		"rate":     rate,
		"forceful": forceful,
		"active":   n.active,
		"outcome":  d.Outcome.String(),
	}
	if d.Outcome.NeedsSend() {
		fields["request_id"] = d.Request.RequestID
	}
	if d.Cancelled != nil {
		fields["cancelled_request_id"] = d.Cancelled.RequestID
	}
	logrus.WithFields(fields).Debug("Bit rate change decided")
}
