package consensus

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-controlplane/pkg/bus"
	"github.com/dd0wney/cluso-controlplane/pkg/lock"
	"github.com/dd0wney/cluso-controlplane/pkg/logging"
	"github.com/dd0wney/cluso-controlplane/pkg/metrics"
)

// Start subscribes to heartbeats and starts the heartbeat loop. The replica
// stays in StateUnknown until its first bus round trip.
func (q *Quorum) Start(ctx context.Context) error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()
	if q.running {
		return ErrAlreadyStarted
	}

	if err := q.messenger.Start(); err != nil && !errors.Is(err, ErrAlreadyStarted) {
		return err
	}
	q.mu.Lock()
	q.draining = false
	q.mu.Unlock()
	q.removers = []func(){
		q.messenger.OnHeartbeat(q.handleHeartbeat),
		q.messenger.OnProbe(q.handleProbe),
		q.messenger.OnConnectionChange(q.handleConnection),
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	q.done = make(chan struct{})
	q.running = true

	go q.loop(loopCtx)

	q.logger.Info("quorum started",
		logging.Duration("heartbeat_interval", q.cfg.HeartbeatInterval),
		logging.Duration("lease_ttl", q.cfg.LeaseTTL))
	return nil
}

// Stop ends the heartbeat loop and gives up the lease if held. Safe to call
// more than once.
func (q *Quorum) Stop() error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()
	if !q.running {
		return nil
	}
	q.running = false

	q.cancel()
	<-q.done
	for _, remove := range q.removers {
		remove()
	}
	q.removers = nil

	// Listeners the messenger already snapshotted may still fire after
	// removal; they must not add to q.background once draining is set.
	q.mu.Lock()
	q.draining = true
	lease, holding := q.lease, q.holding
	q.holding = false
	q.leader = LeaderState{}
	q.transitionLocked(StateUnknown)
	q.mu.Unlock()
	q.flush()

	var err error
	if holding {
		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.OperationTimeout)
		err = q.backend.Release(ctx, lease)
		cancel()
		if errors.Is(err, lock.ErrLockLost) {
			err = nil
		}
	}
	q.background.Wait()

	q.logger.Info("quorum stopped")
	return err
}

// ID returns this replica's id
func (q *Quorum) ID() ReplicaID {
	return q.id
}

// IsLeader reports whether this replica leads and its lease is unexpired
func (q *Quorum) IsLeader() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isLeaderLocked(q.now())
}

func (q *Quorum) isLeaderLocked(now time.Time) bool {
	return q.state == StateLeader && q.holding && now.Before(q.lease.ExpiresAt)
}

// OwnLease returns this replica's lease while it leads. The term changes on
// every new claim, so two equal answers bracket one continuous leadership.
func (q *Quorum) OwnLease() (LeaderState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.isLeaderLocked(q.now()) {
		return LeaderState{}, false
	}
	return LeaderState{LeaderID: q.id, Term: q.lease.Token, LeaseExpiresAt: q.lease.ExpiresAt}, true
}

// CheckLeadership is IsLeader that fails with ErrLeadershipUnknown while
// the replica cannot tell
func (q *Quorum) CheckLeadership() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateUnknown {
		return false, ErrLeadershipUnknown
	}
	return q.isLeaderLocked(q.now()), nil
}

// State returns the current state
func (q *Quorum) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Status returns the state name and whether leadership is known
func (q *Quorum) Status() (string, bool) {
	s := q.State()
	return s.String(), s != StateUnknown
}

// Term returns the highest term observed
func (q *Quorum) Term() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.highestTerm
}

// Leader returns the current leader, or a zero LeaderState once its lease
// has expired
func (q *Quorum) Leader() LeaderState {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.leader.Active(q.now()) {
		return LeaderState{}
	}
	return q.leader
}

// OnTransition registers fn and returns a function that removes it.
// Listeners run outside the quorum's lock, one transition at a time.
func (q *Quorum) OnTransition(fn TransitionListener) (remove func()) {
	q.listenersMu.Lock()
	q.nextListenerID++
	id := q.nextListenerID
	q.listeners = append(q.listeners, transitionEntry{id: id, fn: fn})
	q.listenersMu.Unlock()

	return func() {
		q.listenersMu.Lock()
		defer q.listenersMu.Unlock()
		for i, l := range q.listeners {
			if l.id == id {
				q.listeners = append(q.listeners[:i], q.listeners[i+1:]...)
				return
			}
		}
	}
}

// transitionLocked must be called with q.mu held; listeners run on flush
func (q *Quorum) transitionLocked(to State) {
	from := q.state
	if from == to {
		return
	}
	q.state = to
	q.pending = append(q.pending, transition{from: from, to: to})

	if from == StateCandidate {
		q.metrics.ObserveCandidacy(q.now().Sub(q.candidateSince))
	}
	q.metrics.SetConsensusState(to.String())
	q.metrics.RecordTransition(from.String(), to.String())
	q.logger.Info("consensus state changed",
		logging.String("from", from.String()),
		logging.String("to", to.String()),
		logging.Term(q.highestTerm))
}

func (q *Quorum) flush() {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()

	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	q.listenersMu.RLock()
	listeners := make([]transitionEntry, len(q.listeners))
	copy(listeners, q.listeners)
	q.listenersMu.RUnlock()

	for _, t := range pending {
		for _, l := range listeners {
			func() {
				defer func() {
					if r := recover(); r != nil {
						q.logger.Error("transition listener panicked", logging.Any("panic", r))
					}
				}()
				l.fn(t.from, t.to)
			}()
		}
	}
}

func (q *Quorum) loop(ctx context.Context) {
	defer close(q.done)

	q.probe(ctx)

	if q.cfg.StartJitter > 0 {
		// Randomize the first claim so replicas started together do not race
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(rand.Int63n(int64(q.cfg.StartJitter)))):
		}
	}

	ticker := time.NewTicker(q.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		q.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *Quorum) tick(ctx context.Context) {
	switch q.State() {
	case StateUnknown:
		q.probe(ctx)
	case StateFollower:
		q.claim(ctx)
	case StateCandidate:
		q.mu.Lock()
		if q.state == StateCandidate && q.holding {
			// A full heartbeat window passed without a conflicting claim
			q.leader = LeaderState{LeaderID: q.id, Term: q.lease.Token, LeaseExpiresAt: q.lease.ExpiresAt}
			q.transitionLocked(StateLeader)
		}
		q.mu.Unlock()
		q.flush()
		q.renew(ctx)
	case StateLeader:
		q.renew(ctx)
	}
}

func (q *Quorum) probe(ctx context.Context) {
	if !q.messenger.Connected() {
		return
	}
	q.mu.Lock()
	if q.state != StateUnknown {
		q.mu.Unlock()
		return
	}
	q.probeNonce = uuid.NewString()
	p := Probe{ReplicaID: q.id, Nonce: q.probeNonce, TS: q.now().UnixMilli()}
	q.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, q.cfg.OperationTimeout)
	defer cancel()
	if err := q.messenger.SendProbe(opCtx, p); err != nil {
		q.logger.Debug("probe not sent", logging.Error(err))
	}
}

// claim tries to take the lease when no leader is known
func (q *Quorum) claim(ctx context.Context) {
	q.mu.Lock()
	if q.state != StateFollower || q.leader.Active(q.now()) {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, q.cfg.OperationTimeout)
	lease, err := q.backend.TryAcquire(opCtx, []string{q.cfg.LeaseKey}, q.id, q.cfg.LeaseTTL)
	cancel()
	switch {
	case errors.Is(err, lock.ErrLockHeld):
		q.metrics.RecordLeaseClaim(metrics.OutcomeHeld)
		q.learnHolder(ctx)
		return
	case err != nil:
		q.metrics.RecordLeaseClaim(metrics.OutcomeError)
		q.logger.Warn("lease claim failed", logging.Error(err))
		return
	}

	q.mu.Lock()
	if q.state != StateFollower {
		// Demoted while the claim was in flight
		q.mu.Unlock()
		q.metrics.RecordLeaseClaim(metrics.OutcomeRejected)
		q.releaseAsync(lease)
		return
	}
	q.metrics.RecordLeaseClaim(metrics.OutcomeWon)
	q.lease = lease
	q.holding = true
	if lease.Token > q.highestTerm {
		q.highestTerm = lease.Token
		q.metrics.SetTerm(lease.Token)
	}
	q.candidateSince = q.now()
	q.transitionLocked(StateCandidate)
	hb := q.heartbeatLocked()
	q.mu.Unlock()
	q.flush()

	q.sendHeartbeat(ctx, hb)
}

// learnHolder reads the current lease so a follower knows the leader even
// before its first heartbeat arrives
func (q *Quorum) learnHolder(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, q.cfg.OperationTimeout)
	held, err := q.backend.Inspect(opCtx, q.cfg.LeaseKey)
	cancel()
	if err != nil {
		if !errors.Is(err, lock.ErrNotHeld) {
			q.logger.Debug("lease inspect failed", logging.Error(err))
		}
		return
	}

	if held.Holder == q.id {
		// Left over from before a demotion; free it so a claim can proceed
		q.mu.Lock()
		holding := q.holding && q.lease.ID == held.ID
		q.mu.Unlock()
		if !holding {
			q.releaseAsync(held)
		}
		return
	}

	// The backend is authoritative, even over a higher term seen on the bus
	q.mu.Lock()
	defer q.mu.Unlock()
	if held.Token > q.highestTerm {
		q.highestTerm = held.Token
		q.metrics.SetTerm(held.Token)
	}
	q.leader = LeaderState{LeaderID: held.Holder, Term: held.Token, LeaseExpiresAt: held.ExpiresAt}
}

// renew extends the held lease and re-broadcasts the heartbeat
func (q *Quorum) renew(ctx context.Context) {
	q.mu.Lock()
	if !q.holding {
		q.mu.Unlock()
		return
	}
	lease := q.lease
	q.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, q.cfg.OperationTimeout)
	expiresAt, err := q.backend.Extend(opCtx, lease, q.cfg.LeaseTTL)
	cancel()

	q.mu.Lock()
	if !q.holding || q.lease.ID != lease.ID {
		q.mu.Unlock()
		return
	}
	now := q.now()
	switch {
	case err == nil:
		q.lease.ExpiresAt = expiresAt
		if q.state == StateLeader {
			q.leader.LeaseExpiresAt = expiresAt
		}
	case errors.Is(err, lock.ErrLockLost) || !now.Before(q.lease.ExpiresAt):
		q.logger.Warn("lease lost, stepping down", logging.Term(q.lease.Token), logging.Error(err))
		q.holding = false
		q.leader = LeaderState{}
		q.transitionLocked(StateFollower)
		q.mu.Unlock()
		q.flush()
		return
	default:
		// Still inside the old lease; try again next tick
		q.logger.Warn("lease renewal failed", logging.Error(err))
	}
	hb := q.heartbeatLocked()
	q.mu.Unlock()

	q.sendHeartbeat(ctx, hb)
}

func (q *Quorum) heartbeatLocked() Heartbeat {
	now := q.now()
	return Heartbeat{
		ReplicaID: q.id,
		Term:      q.lease.Token,
		TS:        now.UnixMilli(),
		TTLMs:     q.lease.ExpiresAt.Sub(now).Milliseconds(),
	}
}

// sendHeartbeat publishes hb; a failure waits for the next tick
func (q *Quorum) sendHeartbeat(ctx context.Context, hb Heartbeat) {
	opCtx, cancel := context.WithTimeout(ctx, q.cfg.OperationTimeout)
	defer cancel()
	if err := q.messenger.SendHeartbeat(opCtx, hb); err != nil {
		if errors.Is(err, bus.ErrDisconnected) {
			q.logger.Debug("heartbeat not sent", logging.Error(err))
			return
		}
		q.logger.Warn("heartbeat not sent", logging.Error(err))
	}
}

// goLocked runs fn on a goroutine that Stop waits for. It reports false,
// without running fn, once Stop has started draining. Callers hold q.mu.
func (q *Quorum) goLocked(fn func()) bool {
	if q.draining {
		return false
	}
	q.background.Add(1)
	go func() {
		defer q.background.Done()
		fn()
	}()
	return true
}

func (q *Quorum) goBackground(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.goLocked(fn)
}

func (q *Quorum) releaseAsync(lease lock.Lease) {
	q.goBackground(func() { q.release(lease) })
}

func (q *Quorum) releaseLocked(lease lock.Lease) {
	q.goLocked(func() { q.release(lease) })
}

func (q *Quorum) release(lease lock.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.OperationTimeout)
	defer cancel()
	if err := q.backend.Release(ctx, lease); err != nil && !errors.Is(err, lock.ErrLockLost) {
		q.logger.Warn("lease release failed", logging.Term(lease.Token), logging.Error(err))
	}
}
