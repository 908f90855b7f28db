package av

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

// NetworkQuality represents current network condition assessment.
type NetworkQuality int

const (
	// NetworkExcellent indicates optimal network conditions (< 1% loss, < 50ms jitter)
	NetworkExcellent NetworkQuality = iota
	// NetworkGood indicates good network conditions (< 3% loss, < 100ms jitter)
	NetworkGood
	// NetworkFair indicates fair network conditions (< 5% loss, < 150ms jitter)
	NetworkFair
	// NetworkPoor indicates poor network conditions (> 5% loss, > 150ms jitter)
	NetworkPoor
)

// String returns human-readable network quality description.
func (nq NetworkQuality) String() string {
	switch nq {
	case NetworkExcellent:
		return "excellent"
	case NetworkGood:
		return "good"
	case NetworkFair:
		return "fair"
	case NetworkPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// AdaptationConfig defines adaptation algorithm parameters. Rates are in
// kbit/s like every other rate in the call core.
type AdaptationConfig struct {
	PoorLossThreshold   float64       // packet loss % for poor quality (default: 5.0)
	FairLossThreshold   float64       // packet loss % for fair quality (default: 3.0)
	GoodLossThreshold   float64       // packet loss % for good quality (default: 1.0)
	PoorJitterThreshold time.Duration // default: 150ms
	FairJitterThreshold time.Duration // default: 100ms
	GoodJitterThreshold time.Duration // default: 50ms

	MinAudioBitRate BitRate // default: 16
	MaxAudioBitRate BitRate // default: 64
	MinVideoBitRate BitRate // default: 100
	MaxVideoBitRate BitRate // default: 2000

	// AIMD parameters (Additive Increase, Multiplicative Decrease)
	IncreaseStep       float64 // default: 0.1
	DecreaseMultiplier float64 // default: 0.8

	// MinChange is the smallest rate change worth a negotiation.
	MinChange BitRate
	// BackoffDuration delays increases after a decrease.
	BackoffDuration time.Duration
	// RequestInterval is the minimum spacing of adaptive requests per peer.
	RequestInterval time.Duration
}

// DefaultAdaptationConfig returns configuration with conservative defaults.
func DefaultAdaptationConfig() *AdaptationConfig {
	return &AdaptationConfig{
		// ITU-T G.114 based thresholds
		PoorLossThreshold:   5.0,
		FairLossThreshold:   3.0,
		GoodLossThreshold:   1.0,
		PoorJitterThreshold: 150 * time.Millisecond,
		FairJitterThreshold: 100 * time.Millisecond,
		GoodJitterThreshold: 50 * time.Millisecond,

		MinAudioBitRate: 16,
		MaxAudioBitRate: 64,
		MinVideoBitRate: 100,
		MaxVideoBitRate: 2000,

		IncreaseStep:       0.1,
		DecreaseMultiplier: 0.8,

		MinChange:       5,
		BackoffDuration: 5 * time.Second,
		RequestInterval: 2 * time.Second,
	}
}

// NetworkStats is one sample of a peer's media statistics.
type NetworkStats struct {
	PacketsSent uint64
	PacketsLost uint64
	Jitter      time.Duration
}

// LossPercent returns the packet loss percentage.
func (s NetworkStats) LossPercent() float64 {
	if s.PacketsSent == 0 {
		return 0
	}
	return float64(s.PacketsLost) / float64(s.PacketsSent) * 100.0
}

// BitRateSetter issues bit-rate requests. Manager implements it.
type BitRateSetter interface {
	SetBitRate(ctx context.Context, peer PeerID, medium Medium, rate BitRate, forceful bool) (Outcome, error)
}

// Adjustment describes what one statistics update did.
type Adjustment struct {
	Quality NetworkQuality
	// Requested holds the rates sent as non-forceful requests, by medium.
	Requested map[Medium]BitRate
	// Throttled is true when a change was due but the per-peer request
	// interval had not elapsed.
	Throttled bool
}

type peerAdaptation struct {
	quality NetworkQuality
	// audio and video are the last requested rates; the targets move with
	// every sample so steps below MinChange add up.
	audio        BitRate
	video        BitRate
	audioTarget  BitRate
	videoTarget  BitRate
	lastDecrease time.Time
	limiter      *rate.Limiter
}

// BitRateAdapter adjusts sending rates from network statistics.
//
// It classifies each peer's network quality, computes AIMD targets and
// issues non-forceful bit-rate requests, so a rate the user forced is never
// overridden and a newer adaptive decision supersedes an older pending one.
// Requests are throttled per peer.
type BitRateAdapter struct {
	mu           sync.Mutex
	config       *AdaptationConfig
	setter       BitRateSetter
	timeProvider TimeProvider
	peers        map[PeerID]*peerAdaptation
}

// NewBitRateAdapter creates an adapter issuing requests through setter.
func NewBitRateAdapter(config *AdaptationConfig, setter BitRateSetter, tp TimeProvider) *BitRateAdapter {
	if config == nil {
		config = DefaultAdaptationConfig()
	}
	if tp == nil {
		tp = DefaultTimeProvider{}
	}

	logrus.WithFields(logrus.Fields{
		"function":         "NewBitRateAdapter",
		"request_interval": config.RequestInterval,
		"min_change":       config.MinChange,
	}).Info("Creating new bitrate adapter")

	return &BitRateAdapter{
		config:       config,
		setter:       setter,
		timeProvider: tp,
		peers:        make(map[PeerID]*peerAdaptation),
	}
}

// Track starts adapting the peer from the given current rates. A disabled
// medium stays disabled.
func (ba *BitRateAdapter) Track(peer PeerID, audio, video BitRate) {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	interval := rate.Inf
	if ba.config.RequestInterval > 0 {
		interval = rate.Every(ba.config.RequestInterval)
	}
	ba.peers[peer] = &peerAdaptation{
		quality:     NetworkGood,
		audio:       audio,
		video:       video,
		audioTarget: audio,
		videoTarget: video,
		limiter:     rate.NewLimiter(interval, 1),
	}
}

// Forget stops adapting the peer.
func (ba *BitRateAdapter) Forget(peer PeerID) {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	delete(ba.peers, peer)
}

// Quality returns the last assessed quality for the peer.
func (ba *BitRateAdapter) Quality(peer PeerID) (NetworkQuality, bool) {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	p, ok := ba.peers[peer]
	if !ok {
		return NetworkGood, false
	}
	return p.quality, true
}

// Update processes a statistics sample for peer and requests new rates
// when the AIMD target moved by at least MinChange. A busy negotiator
// (a forceful request pending) is not an error.
func (ba *BitRateAdapter) Update(ctx context.Context, peer PeerID, stats NetworkStats) (Adjustment, error) {
	now := ba.timeProvider.Now()

	ba.mu.Lock()
	p, ok := ba.peers[peer]
	if !ok {
		ba.mu.Unlock()
		return Adjustment{}, newCallError("adapt_bit_rate", peer, ErrSessionNotFound)
	}

	quality := ba.assessNetworkQuality(stats.LossPercent(), stats.Jitter)
	if quality != p.quality {
		logrus.WithFields(logrus.Fields{
			"function":     "BitRateAdapter.Update",
			"peer":         peer,
			"old_quality":  p.quality.String(),
			"new_quality":  quality.String(),
			"loss_percent": stats.LossPercent(),
			"jitter_ms":    stats.Jitter.Milliseconds(),
		}).Info("Network quality changed")
		p.quality = quality
	}

	audio, video := ba.targets(p, quality, now)
	p.audioTarget, p.videoTarget = audio, video
	adj := Adjustment{Quality: quality, Requested: make(map[Medium]BitRate)}
	changes := make(map[Medium]BitRate)
	if ba.isSignificantChange(MediumAudio, p.audio, audio) {
		changes[MediumAudio] = audio
	}
	if ba.isSignificantChange(MediumVideo, p.video, video) {
		changes[MediumVideo] = video
	}
	if len(changes) == 0 {
		ba.mu.Unlock()
		return adj, nil
	}
	if !p.limiter.AllowN(now, 1) {
		ba.mu.Unlock()
		adj.Throttled = true
		return adj, nil
	}
	if quality == NetworkPoor {
		p.lastDecrease = now
	}
	ba.mu.Unlock()

	var errs error
	for _, medium := range []Medium{MediumAudio, MediumVideo} {
		target, ok := changes[medium]
		if !ok {
			continue
		}
		_, err := ba.setter.SetBitRate(ctx, peer, medium, target, false)
		switch {
		case err == nil:
			adj.Requested[medium] = target
		case errors.Is(err, ErrNegotiationBusy):
			logrus.WithFields(logrus.Fields{
				"function": "BitRateAdapter.Update",
				"peer":     peer,
				"medium":   medium.String(),
			}).Debug("Forceful negotiation pending, skipping adaptive request")
		default:
			errs = multierr.Append(errs, err)
		}
	}

	ba.mu.Lock()
	if p, ok := ba.peers[peer]; ok {
		if r, ok := adj.Requested[MediumAudio]; ok {
			p.audio = r
		}
		if r, ok := adj.Requested[MediumVideo]; ok {
			p.video = r
		}
	}
	ba.mu.Unlock()

	if len(adj.Requested) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "BitRateAdapter.Update",
			"peer":     peer,
			"quality":  quality.String(),
			"audio":    adj.Requested[MediumAudio],
			"video":    adj.Requested[MediumVideo],
		}).Info("Requested adaptive bit rate change")
	}
	return adj, errs
}

// assessNetworkQuality takes the worse of the loss and jitter assessments.
func (ba *BitRateAdapter) assessNetworkQuality(lossPercent float64, jitter time.Duration) NetworkQuality {
	var qualityByLoss NetworkQuality
	switch {
	case lossPercent >= ba.config.PoorLossThreshold:
		qualityByLoss = NetworkPoor
	case lossPercent >= ba.config.FairLossThreshold:
		qualityByLoss = NetworkFair
	case lossPercent >= ba.config.GoodLossThreshold:
		qualityByLoss = NetworkGood
	default:
		qualityByLoss = NetworkExcellent
	}

	var qualityByJitter NetworkQuality
	switch {
	case jitter >= ba.config.PoorJitterThreshold:
		qualityByJitter = NetworkPoor
	case jitter >= ba.config.FairJitterThreshold:
		qualityByJitter = NetworkFair
	case jitter >= ba.config.GoodJitterThreshold:
		qualityByJitter = NetworkGood
	default:
		qualityByJitter = NetworkExcellent
	}

	if qualityByJitter > qualityByLoss {
		return qualityByJitter
	}
	return qualityByLoss
}

// targets computes AIMD targets: poor quality decreases both media, fair
// quality trims video only, good quality increases after the backoff.
func (ba *BitRateAdapter) targets(p *peerAdaptation, quality NetworkQuality, now time.Time) (audio, video BitRate) {
	audio, video = p.audioTarget, p.videoTarget
	switch quality {
	case NetworkPoor:
		audio = ba.scale(audio, ba.config.DecreaseMultiplier, MediumAudio)
		video = ba.scale(video, ba.config.DecreaseMultiplier, MediumVideo)
	case NetworkFair:
		video = ba.scale(video, 0.95, MediumVideo)
	case NetworkGood, NetworkExcellent:
		if p.lastDecrease.IsZero() || now.Sub(p.lastDecrease) >= ba.config.BackoffDuration {
			audio = ba.scale(audio, 1.0+ba.config.IncreaseStep, MediumAudio)
			video = ba.scale(video, 1.0+ba.config.IncreaseStep, MediumVideo)
		}
	}
	return audio, video
}

func (ba *BitRateAdapter) bounds(m Medium) (lo, hi BitRate) {
	if m == MediumVideo {
		return ba.config.MinVideoBitRate, ba.config.MaxVideoBitRate
	}
	return ba.config.MinAudioBitRate, ba.config.MaxAudioBitRate
}

func (ba *BitRateAdapter) scale(r BitRate, factor float64, m Medium) BitRate {
	if r == BitRateDisabled {
		return r
	}
	lo, hi := ba.bounds(m)
	next := BitRate(float64(r) * factor)
	if next < lo {
		next = lo
	}
	if next > hi {
		next = hi
	}
	return next
}

// isSignificantChange checks if a bitrate change meets the minimum threshold.
// Reaching the configured minimum or maximum always counts, so the last step
// towards a bound is never held back.
func (ba *BitRateAdapter) isSignificantChange(m Medium, oldBitRate, newBitRate BitRate) bool {
	if oldBitRate == newBitRate {
		return false
	}
	if lo, hi := ba.bounds(m); newBitRate == lo || newBitRate == hi {
		return true
	}
	var change BitRate
	if newBitRate > oldBitRate {
		change = newBitRate - oldBitRate
	} else {
		change = oldBitRate - newBitRate
	}
	return change >= ba.config.MinChange
}
