package av

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, dir Direction) *CallSession {
	t.Helper()
	s, err := newCallSession(context.Background(), 7, SessionParams{
		Direction:    dir,
		AudioBitRate: 48,
		VideoBitRate: 0,
	}, nil, time.Unix(100, 0))
	require.NoError(t, err)
	require.Equal(t, CallStateRinging, s.State())
	return s
}

func TestSessionTransitions(t *testing.T) {
	tests := []struct {
		name      string
		dir       Direction
		accepted  bool
		control   CallControl
		local     bool
		wantState CallState
		wantErr   error
	}{
		{"callee accepts", DirectionIncoming, false, CallControlAccept, true, CallStateInProgress, nil},
		{"remote callee accepts", DirectionOutgoing, false, CallControlAccept, false, CallStateInProgress, nil},
		{"caller cannot accept", DirectionOutgoing, false, CallControlAccept, true, CallStateRinging, ErrInvalidControlForState},
		{"callee rejects", DirectionIncoming, false, CallControlReject, true, CallStateEnded, nil},
		{"caller cannot reject", DirectionOutgoing, false, CallControlReject, true, CallStateRinging, ErrInvalidControlForState},
		{"reject in progress", DirectionIncoming, true, CallControlReject, true, CallStateInProgress, ErrInvalidControlForState},
		{"caller cancels ringing", DirectionOutgoing, false, CallControlCancel, true, CallStateEnded, nil},
		{"finish in progress", DirectionOutgoing, true, CallControlFinish, true, CallStateEnded, nil},
		{"error ends ringing", DirectionIncoming, false, CallControlError, false, CallStateEnded, nil},
		{"accept when in progress", DirectionIncoming, true, CallControlAccept, true, CallStateInProgress, nil},
		{"pause while ringing", DirectionOutgoing, false, CallControlPause, true, CallStateRinging, ErrInvalidControlForState},
		{"mute in progress", DirectionOutgoing, true, CallControlMuteAudio, true, CallStateInProgress, nil},
		{"unknown control", DirectionOutgoing, true, CallControl(200), true, CallStateInProgress, ErrInvalidControlForState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestSession(t, tt.dir)
			if tt.accepted {
				_, err := s.applyControl(ctx, CallControlAccept, tt.dir == DirectionIncoming, time.Unix(101, 0))
				require.NoError(t, err)
			}

			_, err := s.applyControl(ctx, tt.control, tt.local, time.Unix(102, 0))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantState, s.State())
		})
	}
}

func TestSessionEndedRejectsEverything(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, DirectionOutgoing)
	_, err := s.applyControl(ctx, CallControlCancel, true, time.Now())
	require.NoError(t, err)

	for _, c := range []CallControl{CallControlAccept, CallControlFinish, CallControlPause} {
		_, err := s.applyControl(ctx, c, false, time.Now())
		assert.ErrorIs(t, err, ErrSessionNotFound, c.String())
	}
}

func TestSessionControlHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, DirectionIncoming)

	_, err := s.applyControl(ctx, CallControlAccept, true, time.Unix(200, 0))
	require.NoError(t, err)
	_, err = s.applyControl(ctx, CallControlHideVideo, false, time.Unix(201, 0))
	require.NoError(t, err)

	info := s.snapshot()
	require.NotNil(t, info.LastSent)
	assert.Equal(t, CallControlAccept, info.LastSent.Control)
	assert.Equal(t, time.Unix(200, 0), info.AcceptedAt)
	require.NotNil(t, info.LastReceived)
	assert.Equal(t, CallControlHideVideo, info.LastReceived.Control)
	assert.True(t, info.RemoteVideoHidden)
	assert.False(t, info.VideoHidden)
}

func TestSessionHangupCancelsNegotiations(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, DirectionOutgoing)
	d := s.audio.RequestChange(32, false)
	require.True(t, d.Outcome.NeedsSend())
	require.NotNil(t, s.snapshot().PendingAudio)

	s.end(ctx)
	assert.Equal(t, CallStateEnded, s.State())
	assert.Nil(t, s.snapshot().PendingAudio)
	assert.Equal(t, SettlementStale, s.audio.ApplyTransportResult(d.Request.RequestID, true))
}

func TestCanSendGates(t *testing.T) {
	base := SessionInfo{State: CallStateInProgress, AudioBitRate: 48, VideoBitRate: 500}
	require.NoError(t, base.CanSend(MediumAudio))
	require.NoError(t, base.CanSend(MediumVideo))

	tests := []struct {
		name   string
		mutate func(*SessionInfo)
		medium Medium
	}{
		{"ringing", func(i *SessionInfo) { i.State = CallStateRinging }, MediumAudio},
		{"locally paused", func(i *SessionInfo) { i.LocalPaused = true }, MediumVideo},
		{"remotely paused", func(i *SessionInfo) { i.RemotePaused = true }, MediumAudio},
		{"audio disabled", func(i *SessionInfo) { i.AudioBitRate = 0 }, MediumAudio},
		{"audio muted", func(i *SessionInfo) { i.AudioMuted = true }, MediumAudio},
		{"video hidden", func(i *SessionInfo) { i.VideoHidden = true }, MediumVideo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := base
			tt.mutate(&info)
			assert.ErrorIs(t, info.CanSend(tt.medium), ErrSendNotAllowed)
		})
	}

	// muting audio leaves video alone
	muted := base
	muted.AudioMuted = true
	assert.NoError(t, muted.CanSend(MediumVideo))
}
