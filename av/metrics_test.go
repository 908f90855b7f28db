package av

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsFollowCallLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "")
	tm := newTestManager(t, func(c *ManagerConfig) { c.Metrics = metrics })
	ctx := context.Background()

	tm.inProgressOutgoing(t, 1, 48, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.stateTransitions.WithLabelValues("ringing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.stateTransitions.WithLabelValues("in_progress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.controls.WithLabelValues("accept", "received")))

	_, err := tm.SetAudioBitRate(ctx, 1, 32, false)
	require.NoError(t, err)
	req := tm.transport.lastRequest(t)
	tm.Dispatcher().OnBitRateResponse(1, MediumAudio, req.RequestID, false)
	tm.sync(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.negotiations.WithLabelValues("audio", "false", "pending_send")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.negotiationResults.WithLabelValues("audio", "rejected")))

	require.NoError(t, tm.SendAudioFrame(1, stereo20ms(), 960, 2, 48000))
	_ = tm.SendVideoFrame(1, 2, 2, nil, nil, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.framesSent.WithLabelValues("audio")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.framesRejected.WithLabelValues("video", "send_not_allowed")))

	tm.Dispatcher().OnFrameReceived(1, Frame{Medium: MediumVideo})
	tm.Dispatcher().OnFrameReceived(2, Frame{Medium: MediumVideo})
	tm.sync(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.framesReceived.WithLabelValues("video", "surfaced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.framesReceived.WithLabelValues("video", "discarded")))

	require.NoError(t, tm.SendControl(ctx, 1, CallControlFinish))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.stateTransitions.WithLabelValues("ended")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.controls.WithLabelValues("finish", "sent")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "toxav_sessions_active")
}

func TestMetricsDroppedEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")
	tm := newTestManager(t, func(c *ManagerConfig) {
		c.Metrics = metrics
		c.SubscriberBuffer = 1
	})
	ctx := context.Background()

	require.NoError(t, tm.StartCall(ctx, 1, 48, 0))
	require.NoError(t, tm.StartCall(ctx, 2, 48, 0))
	require.NoError(t, tm.StartCall(ctx, 3, 48, 0))
	require.NoError(t, tm.Close(ctx))

	// one of the ringing events fits the buffer; everything else is dropped
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.eventsDropped))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.setSessions(1)
	m.stateChanged(CallStateRinging)
	m.negotiation(MediumAudio, true, OutcomeBusy)
	m.negotiationResult(MediumAudio, SettlementStale)
	m.control(CallControlPause, true)
	m.frameSent(MediumAudio)
	m.frameRejected(MediumVideo, KindInvalidVideoFrame)
	m.frameReceived(MediumAudio, true)
	m.errorReported(KindTransport)
	m.eventDropped()
}
