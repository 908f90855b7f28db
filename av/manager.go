package av

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxav/limits"
)

// ManagerConfig holds the tunables of a Manager.
type ManagerConfig struct {
	// MaxAudioBitRate and MaxVideoBitRate bound every local and peer
	// requested rate, in kbit/s.
	MaxAudioBitRate BitRate
	MaxVideoBitRate BitRate

	// DefaultAudioBitRate and DefaultVideoBitRate are the local sending
	// rates of an incoming call accepted with SendControl instead of
	// AnswerCall.
	DefaultAudioBitRate BitRate
	DefaultVideoBitRate BitRate

	// EventQueueSize bounds the delegate event queue; SubscriberBuffer
	// bounds each Subscribe channel.
	EventQueueSize   int
	SubscriberBuffer int

	// Metrics is optional.
	Metrics *Metrics

	// TimeProvider defaults to DefaultTimeProvider.
	TimeProvider TimeProvider
}

// DefaultManagerConfig returns the libtoxcore-compatible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxAudioBitRate:     limits.MaxAudioBitRate,
		MaxVideoBitRate:     limits.MaxVideoBitRate,
		DefaultAudioBitRate: 64,
		DefaultVideoBitRate: 0,
		EventQueueSize:      256,
		SubscriberBuffer:    64,
	}
}

func (c ManagerConfig) maxRate(m Medium) BitRate {
	if m == MediumVideo {
		return c.MaxVideoBitRate
	}
	return c.MaxAudioBitRate
}

// validateRate checks a rate against the configured ceiling for the medium.
func (c ManagerConfig) validateRate(m Medium, rate BitRate) error {
	if !m.Valid() {
		return fmt.Errorf("%w: unknown medium %d", ErrInvalidRate, uint8(m))
	}
	if max := c.maxRate(m); rate > max {
		return fmt.Errorf("%w: %s rate %d exceeds maximum %d", ErrInvalidRate, m, rate, max)
	}
	return nil
}

// BitRateFromInt converts an untyped rate, such as one parsed from user
// input, rejecting negative values.
func BitRateFromInt(v int64) (BitRate, error) {
	if v < 0 || v > int64(^uint32(0)) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRate, v)
	}
	return BitRate(v), nil
}

// Manager is the client-facing entry point of the call core. It owns the
// registry, the frame sender and the event dispatcher for one transport.
//
// Client operations validate their input synchronously, apply state changes
// on the registry worker and return. Remote-confirmed outcomes arrive later
// as events on Subscribe channels.
type Manager struct {
	cfg        ManagerConfig
	transport  Transport
	bus        *EventBus
	registry   *Registry
	frames     *FrameSender
	dispatcher *EventDispatcher

	closeOnce sync.Once
	closeErr  error
}

// NewManager creates a call manager on top of transport.
//
// The returned manager's Dispatcher must be registered with the transport
// so inbound notifications reach the core.
func NewManager(transport Transport, cfg ManagerConfig) (*Manager, error) {
	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
	}).Info("Creating new ToxAV manager instance")

	if transport == nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewManager",
			"error":    "transport cannot be nil",
		}).Error("Transport validation failed")
		return nil, errors.New("transport cannot be nil")
	}
	def := DefaultManagerConfig()
	if cfg.MaxAudioBitRate == 0 {
		cfg.MaxAudioBitRate = def.MaxAudioBitRate
	}
	if cfg.MaxVideoBitRate == 0 {
		cfg.MaxVideoBitRate = def.MaxVideoBitRate
	}
	if err := cfg.validateRate(MediumAudio, cfg.DefaultAudioBitRate); err != nil {
		return nil, fmt.Errorf("default audio bit rate: %w", err)
	}
	if err := cfg.validateRate(MediumVideo, cfg.DefaultVideoBitRate); err != nil {
		return nil, fmt.Errorf("default video bit rate: %w", err)
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = DefaultTimeProvider{}
	}

	metrics := cfg.Metrics
	bus := NewEventBus(cfg.EventQueueSize, cfg.SubscriberBuffer, func(Event) { metrics.eventDropped() })
	registry := NewRegistry(bus, metrics, cfg.TimeProvider)

	m := &Manager{
		cfg:        cfg,
		transport:  transport,
		bus:        bus,
		registry:   registry,
		frames:     NewFrameSender(registry, transport, metrics),
		dispatcher: NewEventDispatcher(registry, transport, cfg),
	}

	logrus.WithFields(logrus.Fields{
		"function":          "NewManager",
		"max_audio_bitrate": cfg.MaxAudioBitRate,
		"max_video_bitrate": cfg.MaxVideoBitRate,
		"event_queue_size":  cfg.EventQueueSize,
	}).Info("ToxAV manager created successfully")

	return m, nil
}

// Dispatcher returns the inbound handler to register with the transport.
func (m *Manager) Dispatcher() *EventDispatcher {
	return m.dispatcher
}

// Subscribe returns a channel of delegate events. It is closed by Close.
func (m *Manager) Subscribe() <-chan Event {
	return m.bus.Subscribe()
}

// StartCall initiates a call to peer with the local sending rates. The
// session enters Ringing once the call request has been handed to the
// transport. Ring timeouts are the caller's concern.
func (m *Manager) StartCall(ctx context.Context, peer PeerID, audio, video BitRate) error {
	const op = "start_call"

	logrus.WithFields(logrus.Fields{
		"function":       "StartCall",
		"peer":           peer,
		"audio_bit_rate": audio,
		"video_bit_rate": video,
	}).Info("Starting call to peer")

	if err := m.validateRates(audio, video); err != nil {
		return newCallError(op, peer, err)
	}

	err := m.registry.Do(ctx, func(tx *Tx) error {
		if _, exists := tx.Get(peer); exists {
			return ErrCallAlreadyActive
		}
		if err := m.transport.SendCallRequest(peer, audio, video); err != nil {
			err = fmt.Errorf("%w: call request: %v", ErrTransport, err)
			tx.EmitError(peer, op, err)
			return err
		}
		_, _, err := tx.GetOrCreate(peer, SessionParams{
			Direction:    DirectionOutgoing,
			AudioBitRate: audio,
			VideoBitRate: video,
		})
		return err
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "StartCall",
			"peer":     peer,
			"error":    err.Error(),
		}).Error("Failed to start call")
		return newCallError(op, peer, err)
	}
	return nil
}

// AnswerCall accepts an incoming ringing call with the local sending rates.
func (m *Manager) AnswerCall(ctx context.Context, peer PeerID, audio, video BitRate) error {
	const op = "answer_call"

	if err := m.validateRates(audio, video); err != nil {
		return newCallError(op, peer, err)
	}

	err := m.registry.Do(ctx, func(tx *Tx) error {
		s, ok := tx.Get(peer)
		if !ok {
			return ErrSessionNotFound
		}
		if s.State() != CallStateRinging || s.direction != DirectionIncoming {
			return fmt.Errorf("%w: no incoming ringing call", ErrInvalidControlForState)
		}
		if err := m.sendControl(tx, s, CallControlAccept); err != nil {
			return err
		}
		s.audio.setActive(audio)
		s.video.setActive(video)
		return tx.applyControl(s, CallControlAccept, true)
	})
	if err != nil {
		return newCallError(op, peer, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":       "AnswerCall",
		"peer":           peer,
		"audio_bit_rate": audio,
		"video_bit_rate": video,
	}).Info("Call answered")
	return nil
}

// SendControl sends a call control to peer and applies it locally.
//
// Controls that are structurally impossible for the session state fail
// with ErrInvalidControlForState; idempotent repeats succeed. Accepting an
// incoming call this way uses the configured default rates.
func (m *Manager) SendControl(ctx context.Context, peer PeerID, control CallControl) error {
	const op = "send_control"

	if !control.Valid() {
		return newCallError(op, peer, fmt.Errorf("%w: unknown control %d", ErrInvalidControlForState, uint8(control)))
	}

	err := m.registry.Do(ctx, func(tx *Tx) error {
		s, ok := tx.Get(peer)
		if !ok {
			return ErrSessionNotFound
		}
		noop, err := s.checkControl(control, true)
		if err != nil {
			return err
		}
		if noop {
			return nil
		}
		if err := m.sendControl(tx, s, control); err != nil {
			return err
		}
		if control == CallControlAccept {
			s.audio.setActive(m.cfg.DefaultAudioBitRate)
			s.video.setActive(m.cfg.DefaultVideoBitRate)
		}
		return tx.applyControl(s, control, true)
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SendControl",
			"peer":     peer,
			"control":  control.String(),
			"error":    err.Error(),
		}).Debug("Call control refused")
		return newCallError(op, peer, err)
	}
	return nil
}

func (m *Manager) sendControl(tx *Tx, s *CallSession, control CallControl) error {
	if err := m.transport.SendControl(s.peer, control); err != nil {
		err = fmt.Errorf("%w: call control %s: %v", ErrTransport, control, err)
		tx.EmitError(s.peer, "send_control", err)
		return err
	}
	return nil
}

// SetBitRate asks for a new sending rate on one medium.
//
// A rate equal to the active one succeeds at once without a transport
// request or an event. Otherwise the request is forwarded and the outcome
// arrives as a bitrate-changed event once the peer accepts.
func (m *Manager) SetBitRate(ctx context.Context, peer PeerID, medium Medium, rate BitRate, forceful bool) (Outcome, error) {
	const op = "set_bit_rate"

	if err := m.cfg.validateRate(medium, rate); err != nil {
		return OutcomeNoOpAlreadyActive, newCallError(op, peer, err)
	}

	var outcome Outcome
	err := m.registry.Do(ctx, func(tx *Tx) error {
		s, ok := tx.Get(peer)
		if !ok {
			return ErrNoSession
		}
		d, err := tx.requestBitRate(s, m.transport, medium, rate, forceful)
		outcome = d.Outcome
		return err
	})
	if err != nil {
		return outcome, newCallError(op, peer, err)
	}
	return outcome, nil
}

// SetAudioBitRate is SetBitRate for MediumAudio.
func (m *Manager) SetAudioBitRate(ctx context.Context, peer PeerID, rate BitRate, forceful bool) (Outcome, error) {
	return m.SetBitRate(ctx, peer, MediumAudio, rate, forceful)
}

// SetVideoBitRate is SetBitRate for MediumVideo.
func (m *Manager) SetVideoBitRate(ctx context.Context, peer PeerID, rate BitRate, forceful bool) (Outcome, error) {
	return m.SetBitRate(ctx, peer, MediumVideo, rate, forceful)
}

// SendAudioFrame validates and sends one PCM frame.
func (m *Manager) SendAudioFrame(peer PeerID, pcm []int16, sampleCount int, channels uint8, sampleRate uint32) error {
	return m.frames.SendAudio(peer, AudioFrame{
		PCM:         pcm,
		SampleCount: sampleCount,
		Channels:    channels,
		SampleRate:  sampleRate,
	})
}

// SendVideoFrame validates and sends one I420 frame.
func (m *Manager) SendVideoFrame(peer PeerID, width, height uint16, y, u, v []byte) error {
	return m.frames.SendVideo(peer, VideoFrame{Width: width, Height: height, Y: y, U: u, V: v})
}

// IsInCall reports whether a ringing or in-progress session exists.
func (m *Manager) IsInCall(peer PeerID) bool {
	_, ok := m.registry.Get(peer)
	return ok
}

// Session returns a snapshot of the peer's session.
func (m *Manager) Session(peer PeerID) (SessionInfo, bool) {
	return m.registry.Get(peer)
}

// ActiveCalls returns snapshots of all sessions ordered by peer.
func (m *Manager) ActiveCalls() []SessionInfo {
	return m.registry.Sessions()
}

// HangUp ends the call with peer locally without signalling it. Use
// SendControl(CallControlFinish) to tell the peer.
func (m *Manager) HangUp(ctx context.Context, peer PeerID) error {
	if err := m.registry.Remove(ctx, peer); err != nil {
		return newCallError("hang_up", peer, err)
	}
	return nil
}

// Sync waits until every operation and inbound event queued so far has
// been applied.
func (m *Manager) Sync(ctx context.Context) error {
	return m.registry.Sync(ctx)
}

// Close ends all sessions, reporting Ended for each, then stops the worker
// and closes subscriber channels. Later calls return the first result.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.Close",
			"sessions": m.registry.Len(),
		}).Info("Stopping ToxAV manager")

		m.closeErr = m.registry.Close(ctx)
		m.bus.Close()
	})
	return m.closeErr
}

func (m *Manager) validateRates(audio, video BitRate) error {
	if err := m.cfg.validateRate(MediumAudio, audio); err != nil {
		return err
	}
	return m.cfg.validateRate(MediumVideo, video)
}
