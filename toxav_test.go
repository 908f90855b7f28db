package toxav

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/opd-ai/toxav/av"
	"github.com/opd-ai/toxav/config"
	"github.com/opd-ai/toxav/history"
	avtest "github.com/opd-ai/toxav/testing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 2 * time.Second

// newPair connects alice (friend 1) and bob (friend 2) over an in-memory
// network. Both instances are killed on cleanup.
func newPair(t *testing.T, aliceOpts, bobOpts *Options) (alice, bob *ToxAV) {
	t.Helper()
	return newPairOn(t, avtest.NewNetwork(), aliceOpts, bobOpts)
}

func newPairOn(t *testing.T, network *avtest.Network, aliceOpts, bobOpts *Options) (alice, bob *ToxAV) {
	t.Helper()
	aliceBook := avtest.NewDirectory()
	aliceBook.Add(2, "bob")
	bobBook := avtest.NewDirectory()
	bobBook.Add(1, "alice")

	var err error
	alice, err = New(network.Endpoint("alice"), aliceBook.AddressOf, aliceBook.PeerOf, aliceOpts)
	require.NoError(t, err)
	bob, err = New(network.Endpoint("bob"), bobBook.AddressOf, bobBook.PeerOf, bobOpts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = alice.Kill()
		_ = bob.Kill()
	})
	return alice, bob
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for callback")
	}
	var zero T
	return zero
}

// waitState reads states from ch until want arrives.
func waitState(t *testing.T, ch <-chan av.CallState, want av.CallState) {
	t.Helper()
	for {
		if receive(t, ch) == want {
			return
		}
	}
}

func stateChan(tav *ToxAV) <-chan av.CallState {
	ch := make(chan av.CallState, 16)
	tav.CallbackCallState(func(friendNumber uint32, state av.CallState) {
		ch <- state
	})
	return ch
}

// establish places a call from alice to bob and waits until both sides are
// in progress.
func establish(t *testing.T, alice, bob *ToxAV, audio, video uint32) (aliceStates, bobStates <-chan av.CallState) {
	t.Helper()
	type incoming struct {
		friend       uint32
		audio, video bool
	}
	calls := make(chan incoming, 1)
	bob.CallbackCall(func(friendNumber uint32, audioEnabled, videoEnabled bool) {
		calls <- incoming{friendNumber, audioEnabled, videoEnabled}
	})
	aliceStates = stateChan(alice)
	bobStates = stateChan(bob)

	require.NoError(t, alice.Call(2, audio, video))
	call := receive(t, calls)
	assert.Equal(t, uint32(1), call.friend)
	assert.Equal(t, audio > 0, call.audio)
	assert.Equal(t, video > 0, call.video)

	require.NoError(t, bob.Answer(1, audio, video))
	waitState(t, aliceStates, av.CallStateInProgress)
	waitState(t, bobStates, av.CallStateInProgress)
	return aliceStates, bobStates
}

func TestCallLifecycle(t *testing.T) {
	alice, bob := newPair(t, nil, nil)
	_, bobStates := establish(t, alice, bob, 48, 500)

	info, ok := alice.CallInfo(2)
	require.True(t, ok)
	assert.Equal(t, av.DirectionOutgoing, info.Direction)
	assert.Len(t, alice.ActiveCalls(), 1)

	require.NoError(t, alice.CallControl(2, av.CallControlFinish))
	waitState(t, bobStates, av.CallStateEnded)
	require.NoError(t, alice.Sync(context.Background()))
	_, ok = alice.CallInfo(2)
	assert.False(t, ok)
}

func TestCallAlreadyActive(t *testing.T) {
	alice, bob := newPair(t, nil, nil)
	establish(t, alice, bob, 48, 0)

	err := alice.Call(2, 48, 0)
	assert.ErrorIs(t, err, av.ErrCallAlreadyActive)
	assert.Equal(t, av.KindCallAlreadyActive, av.KindOf(err))
}

func TestAudioBitRateCallback(t *testing.T) {
	alice, bob := newPair(t, nil, nil)
	establish(t, alice, bob, 48, 0)

	rates := make(chan uint32, 1)
	alice.CallbackAudioBitRate(func(friendNumber uint32, bitRate uint32) {
		rates <- bitRate
	})

	outcome, err := alice.AudioSetBitRate(2, 64, false)
	require.NoError(t, err)
	assert.Equal(t, av.OutcomePendingSend, outcome)
	assert.Equal(t, uint32(64), receive(t, rates))

	outcome, err = alice.AudioSetBitRate(2, 64, false)
	require.NoError(t, err)
	assert.Equal(t, av.OutcomeNoOpAlreadyActive, outcome)
}

func TestVideoBitRateCallback(t *testing.T) {
	alice, bob := newPair(t, nil, nil)
	establish(t, alice, bob, 0, 500)

	rates := make(chan uint32, 1)
	alice.CallbackVideoBitRate(func(friendNumber uint32, bitRate uint32) {
		rates <- bitRate
	})

	_, err := alice.VideoSetBitRate(2, 800, true)
	require.NoError(t, err)
	assert.Equal(t, uint32(800), receive(t, rates))
}

func TestFrameCallbacks(t *testing.T) {
	alice, bob := newPair(t, nil, nil)
	establish(t, alice, bob, 48, 500)

	type audioFrame struct {
		samples  int
		channels uint8
	}
	audio := make(chan audioFrame, 1)
	bob.CallbackAudioReceiveFrame(func(friendNumber uint32, pcm []int16, sampleCount int, channels uint8, samplingRate uint32) {
		audio <- audioFrame{sampleCount, channels}
	})
	type videoFrame struct {
		width, height             uint16
		yStride, uStride, vStride int
	}
	video := make(chan videoFrame, 1)
	bob.CallbackVideoReceiveFrame(func(friendNumber uint32, width, height uint16, y, u, v []byte, yStride, uStride, vStride int) {
		video <- videoFrame{width, height, yStride, uStride, vStride}
	})

	require.NoError(t, alice.AudioSendFrame(2, make([]int16, 960*2), 960, 2, 48000))
	got := receive(t, audio)
	assert.Equal(t, 960, got.samples)
	assert.Equal(t, uint8(2), got.channels)

	stats, err := bob.ReceiveStats(1, av.MediumAudio)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Received)
	assert.Zero(t, stats.Lost)

	require.NoError(t, alice.VideoSendFrame(2, 4, 2, make([]byte, 8), make([]byte, 2), make([]byte, 2)))
	v := receive(t, video)
	assert.Equal(t, videoFrame{4, 2, 4, 2, 2}, v)
}

func TestSendGatedByPause(t *testing.T) {
	alice, bob := newPair(t, nil, nil)
	establish(t, alice, bob, 48, 0)

	require.NoError(t, alice.CallControl(2, av.CallControlPause))
	err := alice.AudioSendFrame(2, make([]int16, 960*2), 960, 2, 48000)
	assert.ErrorIs(t, err, av.ErrSendNotAllowed)

	err = alice.VideoSendFrame(2, 4, 2, make([]byte, 8), make([]byte, 2), make([]byte, 2))
	assert.ErrorIs(t, err, av.ErrSendNotAllowed)
}

func TestKill(t *testing.T) {
	alice, bob := newPair(t, nil, nil)
	_, bobStates := establish(t, alice, bob, 48, 0)

	require.NoError(t, alice.Kill())
	require.NoError(t, alice.Kill())
	waitState(t, bobStates, av.CallStateEnded)

	assert.ErrorIs(t, alice.Call(2, 48, 0), ErrDestroyed)
	assert.ErrorIs(t, alice.Answer(2, 48, 0), ErrDestroyed)
	assert.ErrorIs(t, alice.CallControl(2, av.CallControlFinish), ErrDestroyed)
	_, err := alice.AudioSetBitRate(2, 32, false)
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.ErrorIs(t, alice.AudioSendFrame(2, nil, 0, 1, 48000), ErrDestroyed)
	assert.ErrorIs(t, alice.Sync(context.Background()), ErrDestroyed)
	assert.Nil(t, alice.ActiveCalls())
}

func TestFriendConnectionLost(t *testing.T) {
	network := avtest.NewNetwork()
	alice, bob := newPairOn(t, network, nil, nil)
	aliceStates, bobStates := establish(t, alice, bob, 48, 0)

	network.SetLinkDown("alice", "bob", true)
	network.SetLinkDown("bob", "alice", true)
	require.NoError(t, alice.FriendConnectionLost(2))
	require.NoError(t, bob.FriendConnectionLost(1))
	waitState(t, aliceStates, av.CallStateEnded)
	waitState(t, bobStates, av.CallStateEnded)

	require.NoError(t, alice.Sync(context.Background()))
	_, ok := alice.CallInfo(2)
	assert.False(t, ok)
	err := alice.AudioSendFrame(2, make([]int16, 960*2), 960, 2, 48000)
	assert.ErrorIs(t, err, av.ErrSessionNotFound)
	assert.Equal(t, av.KindSessionNotFound, av.KindOf(err))

	// a friend without a call is not an error
	require.NoError(t, alice.FriendConnectionLost(2))

	require.NoError(t, alice.Kill())
	assert.ErrorIs(t, alice.FriendConnectionLost(2), ErrDestroyed)
}

func TestNewValidation(t *testing.T) {
	book := avtest.NewDirectory()
	_, err := New(nil, book.AddressOf, book.PeerOf, nil)
	assert.Error(t, err)

	cfg := config.Default()
	cfg.Call.EventQueueSize = 0
	network := avtest.NewNetwork()
	_, err = New(network.Endpoint("a"), book.AddressOf, book.PeerOf, &Options{Config: cfg})
	assert.Error(t, err)
}

func TestHistoryRecordsCalls(t *testing.T) {
	store := history.NewMemoryStore(nil)
	alice, bob := newPair(t, &Options{History: store}, nil)
	establish(t, alice, bob, 48, 0)

	require.NoError(t, alice.CallControl(2, av.CallControlFinish))
	require.NoError(t, alice.Kill())

	ctx := context.Background()
	chat, err := store.GetOrCreateChat(ctx, 2)
	require.NoError(t, err)
	msgs, err := store.AllMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Outgoing)
	require.NotNil(t, msgs[0].Call)
	assert.True(t, msgs[0].Call.Answered)
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	alice, bob := newPair(t, &Options{Registerer: reg}, nil)
	establish(t, alice, bob, 48, 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "toxav_call_state_transitions_total")
	for _, n := range names {
		assert.True(t, strings.HasPrefix(n, "toxav_"), n)
	}
}

func TestAdaptiveBitRate(t *testing.T) {
	cfg := config.Default()
	cfg.Adaptation.Enabled = true
	alice, bob := newPair(t, &Options{Config: cfg}, nil)
	establish(t, alice, bob, 48, 0)

	rates := make(chan uint32, 1)
	alice.CallbackAudioBitRate(func(friendNumber uint32, bitRate uint32) {
		rates <- bitRate
	})

	adj, err := alice.UpdateNetworkStats(2, av.NetworkStats{PacketsSent: 100, PacketsLost: 20})
	require.NoError(t, err)
	assert.Equal(t, av.NetworkPoor, adj.Quality)
	assert.Equal(t, av.BitRate(38), adj.Requested[av.MediumAudio])
	_, ok := adj.Requested[av.MediumVideo]
	assert.False(t, ok)
	assert.Equal(t, uint32(38), receive(t, rates))
}

func TestAdaptationDisabled(t *testing.T) {
	alice, bob := newPair(t, nil, nil)
	establish(t, alice, bob, 48, 0)

	adj, err := alice.UpdateNetworkStats(2, av.NetworkStats{PacketsSent: 100, PacketsLost: 20})
	require.NoError(t, err)
	assert.Empty(t, adj.Requested)
}

func TestErrorCallback(t *testing.T) {
	network := avtest.NewNetwork()
	book := avtest.NewDirectory()
	book.Add(2, "nobody")
	alice, err := New(network.Endpoint("alice"), book.AddressOf, book.PeerOf, nil)
	require.NoError(t, err)
	defer alice.Kill()

	kinds := make(chan av.ErrorKind, 1)
	alice.CallbackError(func(friendNumber uint32, kind av.ErrorKind, err error) {
		kinds <- kind
	})

	err = alice.Call(2, 48, 0)
	assert.ErrorIs(t, err, av.ErrTransport)
	assert.Equal(t, av.KindTransport, receive(t, kinds))
}
