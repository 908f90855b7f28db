package history

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/toxav/av"
	"github.com/opd-ai/toxav/config"
)

// Open creates the store selected by the history configuration.
func Open(ctx context.Context, cfg config.History) (Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return NewMemoryStore(nil), nil
	case config.BackendRedis:
		client, err := NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, cfg.Redis.KeyPrefix, nil), nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}

type liveCall struct {
	outgoing   bool
	startedAt  time.Time
	acceptedAt time.Time
}

// Recorder turns call-state events into call records. It keeps the store
// out of the call core: the core only publishes events.
type Recorder struct {
	store        Store
	timeProvider av.TimeProvider
	calls        map[av.PeerID]*liveCall
}

// NewRecorder creates a recorder writing to store. tp may be nil.
func NewRecorder(store Store, tp av.TimeProvider) *Recorder {
	if tp == nil {
		tp = av.DefaultTimeProvider{}
	}
	return &Recorder{
		store:        store,
		timeProvider: tp,
		calls:        make(map[av.PeerID]*liveCall),
	}
}

// Run consumes events until the channel closes or ctx is done. Store
// failures are logged and returned together once Run ends.
func (r *Recorder) Run(ctx context.Context, events <-chan av.Event) error {
	var errs error
	for {
		select {
		case <-ctx.Done():
			return multierr.Append(errs, ctx.Err())
		case ev, ok := <-events:
			if !ok {
				return errs
			}
			if err := r.Handle(ctx, ev); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Recorder.Run",
					"peer":     ev.Peer,
					"error":    err.Error(),
				}).Error("Failed to record call")
				errs = multierr.Append(errs, err)
			}
		}
	}
}

// Handle applies one event. Only call-state changes matter.
func (r *Recorder) Handle(ctx context.Context, ev av.Event) error {
	if ev.Type != av.EventCallStateChanged {
		return nil
	}
	now := r.timeProvider.Now()

	switch ev.State {
	case av.CallStateRinging:
		r.calls[ev.Peer] = &liveCall{
			outgoing:  ev.Direction == av.DirectionOutgoing,
			startedAt: now,
		}
	case av.CallStateInProgress:
		if c, ok := r.calls[ev.Peer]; ok {
			c.acceptedAt = now
		}
	case av.CallStateEnded:
		c, ok := r.calls[ev.Peer]
		if !ok {
			return nil
		}
		delete(r.calls, ev.Peer)
		return r.record(ctx, ev.Peer, c, now)
	}
	return nil
}

func (r *Recorder) record(ctx context.Context, peer av.PeerID, c *liveCall, now time.Time) error {
	chat, err := r.store.GetOrCreateChat(ctx, peer)
	if err != nil {
		return fmt.Errorf("chat for %s: %w", peer, err)
	}

	rec := &CallRecord{}
	if !c.acceptedAt.IsZero() {
		rec.Answered = true
		rec.Duration = now.Sub(c.acceptedAt)
	}
	msg := &Message{At: c.startedAt, Outgoing: c.outgoing, Call: rec}
	if err := r.store.AppendMessage(ctx, chat.ID, msg); err != nil {
		return fmt.Errorf("call record for %s: %w", peer, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Recorder.record",
		"peer":     peer,
		"chat_id":  chat.ID,
		"answered": rec.Answered,
		"duration": rec.Duration,
	}).Info("Call recorded")
	return nil
}
