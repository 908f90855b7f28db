package av

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Registry is the single source of truth mapping PeerID to CallSession.
//
// Every mutation runs on one worker goroutine, in submission order. There
// is no per-session locking. Read-only queries are answered from an
// immutable snapshot republished after each task, without entering the
// worker.
type Registry struct {
	bus          *EventBus
	metrics      *Metrics
	timeProvider TimeProvider

	// Worker-owned state. Only touched from inside tasks.
	sessions  map[PeerID]*CallSession
	requestID uint64

	snapshot atomic.Pointer[map[PeerID]SessionInfo]

	mu       sync.Mutex
	cond     *sync.Cond
	tasks    []func()
	stopping bool
	done     chan struct{}
}

// NewRegistry creates a registry and starts its worker. Events are
// published to bus; metrics may be nil.
func NewRegistry(bus *EventBus, metrics *Metrics, tp TimeProvider) *Registry {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	r := &Registry{
		bus:          bus,
		metrics:      metrics,
		timeProvider: tp,
		sessions:     make(map[PeerID]*CallSession),
		done:         make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	empty := map[PeerID]SessionInfo{}
	r.snapshot.Store(&empty)

	go r.run()
	return r
}

func (r *Registry) run() {
	defer close(r.done)
	for {
		r.mu.Lock()
		for len(r.tasks) == 0 && !r.stopping {
			r.cond.Wait()
		}
		if len(r.tasks) == 0 {
			r.mu.Unlock()
			return
		}
		task := r.tasks[0]
		r.tasks[0] = nil
		r.tasks = r.tasks[1:]
		r.mu.Unlock()

		task()
	}
}

// enqueue appends a task. The queue is unbounded so posting from transport
// callbacks never blocks, even when they fire from inside a task.
func (r *Registry) enqueue(task func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		return ErrManagerClosed
	}
	r.tasks = append(r.tasks, task)
	r.cond.Signal()
	return nil
}

// Do runs fn on the worker and waits for its result. The snapshot is
// republished before Do returns. A task whose context is already done when
// the worker reaches it is skipped. Do must not be called from inside
// another task.
func (r *Registry) Do(ctx context.Context, fn func(tx *Tx) error) error {
	result := make(chan error, 1)
	err := r.enqueue(func() {
		if err := ctx.Err(); err != nil {
			result <- err
			return
		}
		err := fn(&Tx{r: r, ctx: ctx})
		r.publish()
		result <- err
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues fn on the worker without waiting. Used for inbound events.
func (r *Registry) Post(fn func(tx *Tx)) error {
	return r.enqueue(func() {
		fn(&Tx{r: r, ctx: context.Background()})
		r.publish()
	})
}

// Sync waits until every task queued before the call has run.
func (r *Registry) Sync(ctx context.Context) error {
	return r.Do(ctx, func(*Tx) error { return nil })
}

// Get returns the published snapshot of the peer's session.
func (r *Registry) Get(peer PeerID) (SessionInfo, bool) {
	info, ok := (*r.snapshot.Load())[peer]
	return info, ok
}

// Sessions returns all published sessions ordered by peer.
func (r *Registry) Sessions() []SessionInfo {
	snap := *r.snapshot.Load()
	out := make([]SessionInfo, 0, len(snap))
	for _, info := range snap {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Len returns the number of published sessions.
func (r *Registry) Len() int {
	return len(*r.snapshot.Load())
}

// Remove ends the peer's session and evicts it.
func (r *Registry) Remove(ctx context.Context, peer PeerID) error {
	return r.Do(ctx, func(tx *Tx) error {
		return tx.Remove(peer)
	})
}

// Emit publishes an event outside the worker. Publishing never blocks.
func (r *Registry) Emit(ev Event) {
	if ev.Type == EventError {
		r.metrics.errorReported(ev.Kind)
	}
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

// Close ends every session, emitting Ended for each, and stops the worker.
// Tasks queued before Close still run.
func (r *Registry) Close(ctx context.Context) error {
	err := r.Do(ctx, func(tx *Tx) error {
		for _, peer := range tx.peers() {
			if err := tx.Remove(peer); err != nil {
				return err
			}
		}
		return nil
	})

	r.mu.Lock()
	r.stopping = true
	r.cond.Broadcast()
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Registry.Close",
	}).Info("Call session registry stopped")

	return err
}

func (r *Registry) publish() {
	snap := make(map[PeerID]SessionInfo, len(r.sessions))
	for peer, s := range r.sessions {
		snap[peer] = s.snapshot()
	}
	r.snapshot.Store(&snap)
	r.metrics.setSessions(len(snap))
}

// Tx is the view of the registry available inside a worker task. It must
// not be retained after the task returns.
type Tx struct {
	r   *Registry
	ctx context.Context
}

// Context returns the context the task runs under.
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

// Now returns the registry clock reading.
func (tx *Tx) Now() time.Time {
	return tx.r.timeProvider.Now()
}

// Metrics returns the registry metrics, possibly nil.
func (tx *Tx) Metrics() *Metrics {
	return tx.r.metrics
}

// Get returns the live session for the peer.
func (tx *Tx) Get(peer PeerID) (*CallSession, bool) {
	s, ok := tx.r.sessions[peer]
	return s, ok
}

// GetOrCreate returns the peer's session, creating it in Ringing if absent.
// The call-state event for a new session is emitted here.
func (tx *Tx) GetOrCreate(peer PeerID, p SessionParams) (*CallSession, bool, error) {
	if s, ok := tx.r.sessions[peer]; ok {
		return s, false, nil
	}

	s, err := newCallSession(tx.ctx, peer, p, tx.nextRequestID, tx.r.timeProvider.Now())
	if err != nil {
		return nil, false, err
	}
	tx.r.sessions[peer] = s
	tx.r.metrics.stateChanged(CallStateRinging)

	audio, video := p.AudioBitRate, p.VideoBitRate
	if p.Direction == DirectionIncoming {
		audio, video = p.RemoteAudioBitRate, p.RemoteVideoBitRate
	}
	tx.Emit(Event{
		Type:         EventCallStateChanged,
		Peer:         peer,
		State:        CallStateRinging,
		Direction:    p.Direction,
		AudioEnabled: audio != BitRateDisabled,
		VideoEnabled: video != BitRateDisabled,
	})

	logrus.WithFields(logrus.Fields{
		"function":  "Tx.GetOrCreate",
		"peer":      peer,
		"direction": p.Direction.String(),
		"sessions":  len(tx.r.sessions),
	}).Info("Call session ringing")

	return s, true, nil
}

// Remove moves the peer's session to Ended, invalidates its pending
// negotiations, evicts it and emits the state change.
func (tx *Tx) Remove(peer PeerID) error {
	s, ok := tx.r.sessions[peer]
	if !ok {
		return ErrSessionNotFound
	}
	s.end(tx.ctx)
	tx.evict(s)
	return nil
}

// evict drops an Ended session and reports the state change.
func (tx *Tx) evict(s *CallSession) {
	delete(tx.r.sessions, s.peer)
	tx.r.metrics.stateChanged(CallStateEnded)

	tx.Emit(Event{
		Type:      EventCallStateChanged,
		Peer:      s.peer,
		State:     CallStateEnded,
		Direction: s.direction,
	})

	logrus.WithFields(logrus.Fields{
		"function": "Tx.evict",
		"peer":     s.peer,
		"trace_id": s.traceID,
		"sessions": len(tx.r.sessions),
	}).Info("Call session ended")
}

// Emit publishes an event. Publishing never blocks the worker.
func (tx *Tx) Emit(ev Event) {
	tx.r.Emit(ev)
}

// EmitError reports a failure to the delegate.
func (tx *Tx) EmitError(peer PeerID, op string, err error) {
	tx.r.Emit(Event{Type: EventError, Peer: peer, Op: op, Kind: KindOf(err), Err: err})
}

func (tx *Tx) nextRequestID() uint64 {
	tx.r.requestID++
	return tx.r.requestID
}

func (tx *Tx) peers() []PeerID {
	peers := make([]PeerID, 0, len(tx.r.sessions))
	for p := range tx.r.sessions {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// applyControl runs a control through the session and evicts it if the
// call ended. A state change emits an event.
func (tx *Tx) applyControl(s *CallSession, c CallControl, local bool) error {
	changed, err := s.applyControl(tx.ctx, c, local, tx.r.timeProvider.Now())
	if err != nil {
		return err
	}
	tx.r.metrics.control(c, local)
	if !changed {
		return nil
	}

	switch state := s.State(); state {
	case CallStateEnded:
		tx.evict(s)
	default:
		tx.r.metrics.stateChanged(state)
		tx.Emit(Event{Type: EventCallStateChanged, Peer: s.peer, State: state, Direction: s.direction})
	}
	return nil
}

// requestBitRate runs a request through the session negotiator and
// forwards it to the transport when needed. A synchronous transport
// refusal settles the request as rejected so nothing stays pending.
func (tx *Tx) requestBitRate(s *CallSession, t Transport, medium Medium, rate BitRate, forceful bool) (Decision, error) {
	n := s.negotiator(medium)
	d := n.RequestChange(rate, forceful)
	tx.r.metrics.negotiation(medium, forceful, d.Outcome)

	if d.Outcome == OutcomeBusy {
		return d, ErrNegotiationBusy
	}
	if !d.Outcome.NeedsSend() {
		return d, nil
	}

	if err := t.RequestBitRateChange(s.peer, medium, rate, d.Request.RequestID); err != nil {
		n.ApplyTransportResult(d.Request.RequestID, false)
		tx.r.metrics.negotiationResult(medium, SettlementRejected)
		err = fmt.Errorf("%w: bit rate request: %v", ErrTransport, err)
		tx.EmitError(s.peer, "set_bit_rate", err)
		return d, err
	}
	return d, nil
}

// settleBitRate applies a transport response and emits bitrate-changed
// when a new rate became active.
func (tx *Tx) settleBitRate(s *CallSession, medium Medium, requestID uint64, accepted bool) Settlement {
	n := s.negotiator(medium)
	settlement := n.ApplyTransportResult(requestID, accepted)
	tx.r.metrics.negotiationResult(medium, settlement)

	if settlement == SettlementAccepted {
		tx.Emit(Event{Type: EventBitRateChanged, Peer: s.peer, Medium: medium, BitRate: n.Active()})
	}
	return settlement
}
