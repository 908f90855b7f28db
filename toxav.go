package toxav

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/toxav/av"
	"github.com/opd-ai/toxav/av/signaling"
	"github.com/opd-ai/toxav/config"
	"github.com/opd-ai/toxav/history"
)

// ErrDestroyed is returned by every method after Kill.
var ErrDestroyed = errors.New("ToxAV instance has been destroyed")

// closeTimeout bounds how long Kill waits for the call worker to drain.
const closeTimeout = 5 * time.Second

// Options configures optional parts of a ToxAV instance. The zero value
// runs the call core with defaults and no metrics, adaptation or history.
type Options struct {
	// Config supplies call limits and adaptation settings. Nil means
	// config.Default().
	Config *config.Config

	// Registerer receives the call-core metrics when set.
	Registerer prometheus.Registerer

	// History receives a record of every call when set. The caller keeps
	// ownership of the store.
	History history.Store

	// TimeProvider replaces the wall clock. Nil means time.Now.
	TimeProvider av.TimeProvider
}

// ToxAV is the callback-style audio/video API over a packet transport.
//
// Inbound packets are decoded by a signaling.Adapter and handed to the call
// Manager; the Manager's events are turned into the registered callbacks on
// a single goroutine, so callbacks never run concurrently with each other.
type ToxAV struct {
	mu       sync.RWMutex
	impl     *av.Manager
	adapter  *signaling.Adapter
	adaptive *av.BitRateAdapter

	wg       sync.WaitGroup
	stopRec  context.CancelFunc
	recorder *history.Recorder

	// Callbacks
	callCb         func(friendNumber uint32, audioEnabled, videoEnabled bool)
	callStateCb    func(friendNumber uint32, state av.CallState)
	audioBitRateCb func(friendNumber uint32, bitRate uint32)
	videoBitRateCb func(friendNumber uint32, bitRate uint32)
	audioReceiveCb func(friendNumber uint32, pcm []int16, sampleCount int, channels uint8, samplingRate uint32)
	videoReceiveCb func(friendNumber uint32, width, height uint16, y, u, v []byte, yStride, uStride, vStride int)
	errorCb        func(friendNumber uint32, kind av.ErrorKind, err error)
}

// New creates a ToxAV instance on transport.
//
// Parameters:
//   - transport: the packet layer carrying call signalling and media
//   - addressOf: resolves a friend number to its network address
//   - peerOf: resolves a network address back to a friend number
//   - opts: optional metrics, adaptation and history wiring; may be nil
//
// Returns:
//   - *ToxAV: the new instance
//   - error: if the transport or configuration is unusable
func New(transport signaling.PacketTransport, addressOf signaling.AddressLookup, peerOf signaling.PeerLookup, opts *Options) (*ToxAV, error) {
	logrus.WithFields(logrus.Fields{
		"function": "New",
	}).Info("Creating new ToxAV instance")

	if opts == nil {
		opts = &Options{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	adapter, err := signaling.NewAdapter(transport, addressOf, peerOf)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "New",
			"error":    err.Error(),
		}).Error("Failed to create signaling adapter")
		return nil, err
	}

	var metrics *av.Metrics
	if opts.Registerer != nil {
		metrics = av.NewMetrics(opts.Registerer, cfg.Call.MetricsNamespace)
	}
	mcfg := cfg.Call.ManagerConfig(metrics)
	mcfg.TimeProvider = opts.TimeProvider
	if opts.TimeProvider != nil {
		adapter.SetTimeProvider(opts.TimeProvider)
	}

	manager, err := av.NewManager(adapter, mcfg)
	if err != nil {
		return nil, multierr.Append(err, adapter.Close())
	}
	adapter.SetHandler(manager.Dispatcher())

	t := &ToxAV{
		impl:    manager,
		adapter: adapter,
	}
	if cfg.Adaptation.Enabled {
		t.adaptive = av.NewBitRateAdapter(cfg.Adaptation.AdaptationConfig(), manager, opts.TimeProvider)
	}

	events := manager.Subscribe()
	t.wg.Add(1)
	go t.dispatchEvents(events)

	if opts.History != nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.stopRec = cancel
		t.recorder = history.NewRecorder(opts.History, opts.TimeProvider)
		recEvents := manager.Subscribe()
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.recorder.Run(ctx, recEvents); err != nil && !errors.Is(err, context.Canceled) {
				logrus.WithFields(logrus.Fields{
					"function": "ToxAV.recorder",
					"error":    err.Error(),
				}).Warn("Call history recording finished with errors")
			}
		}()
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"adaptation": cfg.Adaptation.Enabled,
		"history":    opts.History != nil,
		"metrics":    metrics != nil,
	}).Info("ToxAV instance created successfully")
	return t, nil
}

// manager returns the live manager or nil after Kill.
func (tav *ToxAV) manager() *av.Manager {
	tav.mu.RLock()
	defer tav.mu.RUnlock()
	return tav.impl
}

// Kill shuts the instance down. Active calls end, pending callbacks are
// delivered and the transport is closed when it supports closing. Kill must
// not be called from a callback.
func (tav *ToxAV) Kill() error {
	tav.mu.Lock()
	impl := tav.impl
	tav.impl = nil
	tav.mu.Unlock()

	if impl == nil {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Kill",
	}).Info("Destroying ToxAV instance")

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	// tell every friend still in a call before the sessions are dropped
	for _, info := range impl.ActiveCalls() {
		if err := impl.SendControl(ctx, info.Peer, av.CallControlCancel); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Kill",
				"peer":     info.Peer,
				"error":    err.Error(),
			}).Warn("Failed to cancel call on shutdown")
		}
	}

	err := multierr.Combine(impl.Close(ctx), tav.adapter.Close())
	if tav.stopRec != nil {
		// the recorder exits on its own once the event channel closes
		defer tav.stopRec()
	}
	tav.wg.Wait()
	return err
}

// Call places a call to a friend.
//
// Parameters:
//   - friendNumber: the friend to call
//   - audioBitRate: audio bit rate in kbit/s, 0 disables audio
//   - videoBitRate: video bit rate in kbit/s, 0 disables video
func (tav *ToxAV) Call(friendNumber, audioBitRate, videoBitRate uint32) error {
	impl := tav.manager()
	if impl == nil {
		return ErrDestroyed
	}
	return impl.StartCall(context.Background(), av.PeerID(friendNumber), av.BitRate(audioBitRate), av.BitRate(videoBitRate))
}

// Answer accepts an incoming call with the given local bit rates.
func (tav *ToxAV) Answer(friendNumber, audioBitRate, videoBitRate uint32) error {
	impl := tav.manager()
	if impl == nil {
		return ErrDestroyed
	}
	return impl.AnswerCall(context.Background(), av.PeerID(friendNumber), av.BitRate(audioBitRate), av.BitRate(videoBitRate))
}

// CallControl sends a call control to a friend.
func (tav *ToxAV) CallControl(friendNumber uint32, control av.CallControl) error {
	impl := tav.manager()
	if impl == nil {
		return ErrDestroyed
	}
	return impl.SendControl(context.Background(), av.PeerID(friendNumber), control)
}

// AudioSetBitRate asks the friend to accept a new audio bit rate. A
// forceful request supersedes any pending one.
func (tav *ToxAV) AudioSetBitRate(friendNumber, bitRate uint32, force bool) (av.Outcome, error) {
	return tav.setBitRate(friendNumber, av.MediumAudio, bitRate, force)
}

// VideoSetBitRate asks the friend to accept a new video bit rate.
func (tav *ToxAV) VideoSetBitRate(friendNumber, bitRate uint32, force bool) (av.Outcome, error) {
	return tav.setBitRate(friendNumber, av.MediumVideo, bitRate, force)
}

func (tav *ToxAV) setBitRate(friendNumber uint32, medium av.Medium, bitRate uint32, force bool) (av.Outcome, error) {
	impl := tav.manager()
	if impl == nil {
		return 0, ErrDestroyed
	}
	return impl.SetBitRate(context.Background(), av.PeerID(friendNumber), medium, av.BitRate(bitRate), force)
}

// AudioSendFrame sends interleaved PCM to a friend in an active call.
//
// Parameters:
//   - friendNumber: the friend in the call
//   - pcm: interleaved 16-bit samples, sampleCount*channels long
//   - sampleCount: samples per channel
//   - channels: 1 or 2
//   - samplingRate: one of the supported rates, in Hz
func (tav *ToxAV) AudioSendFrame(friendNumber uint32, pcm []int16, sampleCount int, channels uint8, samplingRate uint32) error {
	impl := tav.manager()
	if impl == nil {
		return ErrDestroyed
	}
	return impl.SendAudioFrame(av.PeerID(friendNumber), pcm, sampleCount, channels, samplingRate)
}

// VideoSendFrame sends one YUV420 frame to a friend in an active call.
func (tav *ToxAV) VideoSendFrame(friendNumber uint32, width, height uint16, y, u, v []byte) error {
	impl := tav.manager()
	if impl == nil {
		return ErrDestroyed
	}
	return impl.SendVideoFrame(av.PeerID(friendNumber), width, height, y, u, v)
}

// FriendConnectionLost tells the instance that the friend went offline. Any
// call with the friend ends and its callbacks report CallStateEnded.
func (tav *ToxAV) FriendConnectionLost(friendNumber uint32) error {
	if tav.manager() == nil {
		return ErrDestroyed
	}
	tav.adapter.PeerDisconnected(av.PeerID(friendNumber))
	return nil
}

// UpdateNetworkStats feeds a statistics sample for the friend's link to
// the bit rate adapter. It is a no-op when adaptation is disabled.
func (tav *ToxAV) UpdateNetworkStats(friendNumber uint32, stats av.NetworkStats) (av.Adjustment, error) {
	impl := tav.manager()
	if impl == nil {
		return av.Adjustment{}, ErrDestroyed
	}
	if tav.adaptive == nil {
		return av.Adjustment{}, nil
	}
	return tav.adaptive.Update(context.Background(), av.PeerID(friendNumber), stats)
}

// ReceiveStats reports the inbound stream statistics for a friend, suitable
// for feeding the remote side's UpdateNetworkStats.
func (tav *ToxAV) ReceiveStats(friendNumber uint32, medium av.Medium) (signaling.StreamStats, error) {
	if tav.manager() == nil {
		return signaling.StreamStats{}, ErrDestroyed
	}
	return tav.adapter.ReceiveStats(av.PeerID(friendNumber), medium), nil
}

// CallInfo returns a snapshot of the call with the friend.
func (tav *ToxAV) CallInfo(friendNumber uint32) (av.SessionInfo, bool) {
	impl := tav.manager()
	if impl == nil {
		return av.SessionInfo{}, false
	}
	return impl.Session(av.PeerID(friendNumber))
}

// ActiveCalls returns snapshots of every call, ordered by friend number.
func (tav *ToxAV) ActiveCalls() []av.SessionInfo {
	impl := tav.manager()
	if impl == nil {
		return nil
	}
	return impl.ActiveCalls()
}

// Sync waits until every operation and inbound packet queued so far has
// been applied.
func (tav *ToxAV) Sync(ctx context.Context) error {
	impl := tav.manager()
	if impl == nil {
		return ErrDestroyed
	}
	return impl.Sync(ctx)
}

// CallbackCall sets the callback for incoming calls.
func (tav *ToxAV) CallbackCall(callback func(friendNumber uint32, audioEnabled, videoEnabled bool)) {
	tav.mu.Lock()
	defer tav.mu.Unlock()
	tav.callCb = callback
}

// CallbackCallState sets the callback for call state changes.
func (tav *ToxAV) CallbackCallState(callback func(friendNumber uint32, state av.CallState)) {
	tav.mu.Lock()
	defer tav.mu.Unlock()
	tav.callStateCb = callback
}

// CallbackAudioBitRate sets the callback for agreed audio bit rate changes.
func (tav *ToxAV) CallbackAudioBitRate(callback func(friendNumber uint32, bitRate uint32)) {
	tav.mu.Lock()
	defer tav.mu.Unlock()
	tav.audioBitRateCb = callback
}

// CallbackVideoBitRate sets the callback for agreed video bit rate changes.
func (tav *ToxAV) CallbackVideoBitRate(callback func(friendNumber uint32, bitRate uint32)) {
	tav.mu.Lock()
	defer tav.mu.Unlock()
	tav.videoBitRateCb = callback
}

// CallbackAudioReceiveFrame sets the callback for received audio frames.
func (tav *ToxAV) CallbackAudioReceiveFrame(callback func(friendNumber uint32, pcm []int16, sampleCount int, channels uint8, samplingRate uint32)) {
	tav.mu.Lock()
	defer tav.mu.Unlock()
	tav.audioReceiveCb = callback
}

// CallbackVideoReceiveFrame sets the callback for received video frames.
// Planes are tightly packed, so strides equal the plane widths.
func (tav *ToxAV) CallbackVideoReceiveFrame(callback func(friendNumber uint32, width, height uint16, y, u, v []byte, yStride, uStride, vStride int)) {
	tav.mu.Lock()
	defer tav.mu.Unlock()
	tav.videoReceiveCb = callback
}

// CallbackError sets the callback for transport and protocol errors.
func (tav *ToxAV) CallbackError(callback func(friendNumber uint32, kind av.ErrorKind, err error)) {
	tav.mu.Lock()
	defer tav.mu.Unlock()
	tav.errorCb = callback
}

func (tav *ToxAV) dispatchEvents(events <-chan av.Event) {
	defer tav.wg.Done()
	for ev := range events {
		tav.track(ev)
		tav.deliver(ev)
	}
}

// track keeps the bit rate adapter in step with call lifecycles.
func (tav *ToxAV) track(ev av.Event) {
	if tav.adaptive == nil || ev.Type != av.EventCallStateChanged {
		return
	}
	switch ev.State {
	case av.CallStateInProgress:
		impl := tav.manager()
		if impl == nil {
			return
		}
		if info, ok := impl.Session(ev.Peer); ok {
			tav.adaptive.Track(ev.Peer, info.AudioBitRate, info.VideoBitRate)
		}
	case av.CallStateEnded:
		tav.adaptive.Forget(ev.Peer)
	}
}

func (tav *ToxAV) deliver(ev av.Event) {
	tav.mu.RLock()
	callCb := tav.callCb
	callStateCb := tav.callStateCb
	audioBitRateCb := tav.audioBitRateCb
	videoBitRateCb := tav.videoBitRateCb
	audioReceiveCb := tav.audioReceiveCb
	videoReceiveCb := tav.videoReceiveCb
	errorCb := tav.errorCb
	tav.mu.RUnlock()

	friend := uint32(ev.Peer)
	switch ev.Type {
	case av.EventCallStateChanged:
		if ev.State == av.CallStateRinging && ev.Direction == av.DirectionIncoming && callCb != nil {
			callCb(friend, ev.AudioEnabled, ev.VideoEnabled)
		}
		if callStateCb != nil {
			callStateCb(friend, ev.State)
		}
	case av.EventBitRateChanged:
		if ev.Medium == av.MediumAudio && audioBitRateCb != nil {
			audioBitRateCb(friend, uint32(ev.BitRate))
		}
		if ev.Medium == av.MediumVideo && videoBitRateCb != nil {
			videoBitRateCb(friend, uint32(ev.BitRate))
		}
	case av.EventFrameReceived:
		if ev.Frame == nil {
			return
		}
		if a := ev.Frame.Audio; a != nil && audioReceiveCb != nil {
			audioReceiveCb(friend, a.PCM, a.SampleCount, a.Channels, a.SampleRate)
		}
		if v := ev.Frame.Video; v != nil && videoReceiveCb != nil {
			chroma := (int(v.Width) + 1) / 2
			videoReceiveCb(friend, v.Width, v.Height, v.Y, v.U, v.V, int(v.Width), chroma, chroma)
		}
	case av.EventError:
		if errorCb != nil {
			errorCb(friend, ev.Kind, ev.Err)
		}
	}
}
