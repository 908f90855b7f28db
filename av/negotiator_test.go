package av

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestChangeNoOpWhenActive(t *testing.T) {
	n := NewBitRateNegotiator(MediumAudio, 48, nil)

	d := n.RequestChange(48, false)
	assert.Equal(t, OutcomeNoOpAlreadyActive, d.Outcome)
	assert.False(t, d.Outcome.NeedsSend())
	assert.Nil(t, d.Cancelled)
	_, pending := n.Pending()
	assert.False(t, pending)
}

func TestRequestChangeSupersedesNonForceful(t *testing.T) {
	n := NewBitRateNegotiator(MediumAudio, 48, nil)

	first := n.RequestChange(32, false)
	require.Equal(t, OutcomePendingSend, first.Outcome)

	second := n.RequestChange(24, false)
	assert.Equal(t, OutcomeSuperseded, second.Outcome)
	require.NotNil(t, second.Cancelled)
	assert.Equal(t, first.Request.RequestID, second.Cancelled.RequestID)
	assert.Greater(t, second.Request.RequestID, first.Request.RequestID)

	assert.Equal(t, SettlementStale, n.ApplyTransportResult(first.Request.RequestID, true))
	assert.Equal(t, BitRate(48), n.Active())
	assert.Equal(t, SettlementAccepted, n.ApplyTransportResult(second.Request.RequestID, true))
	assert.Equal(t, BitRate(24), n.Active())
}

func TestForcefulRequestsBackToBack(t *testing.T) {
	n := NewBitRateNegotiator(MediumVideo, 500, nil)

	first := n.RequestChange(1000, true)
	require.Equal(t, OutcomePendingSend, first.Outcome)
	second := n.RequestChange(800, true)
	require.Equal(t, OutcomeSuperseded, second.Outcome)

	// the first response arrives late and must not change anything
	assert.Equal(t, SettlementStale, n.ApplyTransportResult(first.Request.RequestID, true))
	assert.Equal(t, BitRate(500), n.Active())

	pending, ok := n.Pending()
	require.True(t, ok)
	assert.Equal(t, BitRate(800), pending.Rate)
	assert.True(t, pending.Forceful)

	assert.Equal(t, SettlementAccepted, n.ApplyTransportResult(second.Request.RequestID, true))
	assert.Equal(t, BitRate(800), n.Active())
}

func TestNonForcefulBusyWhileForcefulPending(t *testing.T) {
	n := NewBitRateNegotiator(MediumAudio, 48, nil)

	forced := n.RequestChange(16, true)
	require.Equal(t, OutcomePendingSend, forced.Outcome)

	d := n.RequestChange(32, false)
	assert.Equal(t, OutcomeBusy, d.Outcome)
	assert.False(t, d.Outcome.NeedsSend())

	// non-forceful no-op must not cancel the forceful request either
	d = n.RequestChange(48, false)
	assert.Equal(t, OutcomeNoOpAlreadyActive, d.Outcome)
	assert.Nil(t, d.Cancelled)

	pending, ok := n.Pending()
	require.True(t, ok)
	assert.Equal(t, forced.Request.RequestID, pending.RequestID)
}

func TestForcefulNoOpCancelsPending(t *testing.T) {
	n := NewBitRateNegotiator(MediumAudio, 48, nil)
	req := n.RequestChange(16, true)

	d := n.RequestChange(48, true)
	assert.Equal(t, OutcomeNoOpAlreadyActive, d.Outcome)
	require.NotNil(t, d.Cancelled)
	assert.Equal(t, req.Request.RequestID, d.Cancelled.RequestID)

	assert.Equal(t, SettlementStale, n.ApplyTransportResult(req.Request.RequestID, true))
	assert.Equal(t, BitRate(48), n.Active())
}

func TestNonForcefulNoOpCancelsNonForcefulPending(t *testing.T) {
	n := NewBitRateNegotiator(MediumAudio, 48, nil)
	req := n.RequestChange(16, false)

	d := n.RequestChange(48, false)
	assert.Equal(t, OutcomeNoOpAlreadyActive, d.Outcome)
	require.NotNil(t, d.Cancelled)
	assert.Equal(t, req.Request.RequestID, d.Cancelled.RequestID)
	_, ok := n.Pending()
	assert.False(t, ok)
}

func TestApplyTransportResultRejected(t *testing.T) {
	n := NewBitRateNegotiator(MediumAudio, 48, nil)
	req := n.RequestChange(16, false)

	assert.Equal(t, SettlementRejected, n.ApplyTransportResult(req.Request.RequestID, false))
	assert.Equal(t, BitRate(48), n.Active())
	_, ok := n.Pending()
	assert.False(t, ok)

	// settling twice is stale
	assert.Equal(t, SettlementStale, n.ApplyTransportResult(req.Request.RequestID, true))
}

func TestNegotiatorSharedSequence(t *testing.T) {
	var seq uint64
	next := func() uint64 {
		seq++
		return seq
	}
	audio := NewBitRateNegotiator(MediumAudio, 0, next)
	video := NewBitRateNegotiator(MediumVideo, 0, next)

	a := audio.RequestChange(32, false)
	v := video.RequestChange(500, false)
	assert.NotEqual(t, a.Request.RequestID, v.Request.RequestID)
	assert.Equal(t, MediumVideo, v.Request.Medium)

	// a response id from the other medium is stale here
	assert.Equal(t, SettlementStale, audio.ApplyTransportResult(v.Request.RequestID, true))
}

func TestOutcomeAndSettlementNames(t *testing.T) {
	assert.Equal(t, "pending_send", OutcomePendingSend.String())
	assert.Equal(t, "busy", OutcomeBusy.String())
	assert.Equal(t, "stale", SettlementStale.String())
	assert.Equal(t, "accepted", SettlementAccepted.String())
	assert.Equal(t, "rejected", SettlementRejected.String())
}
