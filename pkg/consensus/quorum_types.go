package consensus

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-controlplane/pkg/lock"
	"github.com/dd0wney/cluso-controlplane/pkg/logging"
	"github.com/dd0wney/cluso-controlplane/pkg/metrics"
)

// State is the replica's view of its own role
type State int

const (
	// StateUnknown means the replica cannot currently tell who leads. It is
	// the state before the first bus round trip and after a disconnect.
	StateUnknown State = iota
	// StateFollower is a replica that does not hold the lease
	StateFollower
	// StateCandidate holds a fresh claim and waits one heartbeat window for
	// conflicting claims
	StateCandidate
	// StateLeader holds and renews the lease
	StateLeader
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateFollower:
		return "follower"
	case StateCandidate:
		return "candidate"
	case StateLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// LeaderState is this replica's view of the current lease holder
type LeaderState struct {
	LeaderID       ReplicaID
	Term           uint64
	LeaseExpiresAt time.Time
}

// Active reports whether the lease is still outstanding at now
func (l LeaderState) Active(now time.Time) bool {
	return l.LeaderID != "" && now.Before(l.LeaseExpiresAt)
}

// TransitionListener is told about every state change, in order
type TransitionListener func(from, to State)

type transition struct {
	from, to State
}

type transitionEntry struct {
	id uint64
	fn TransitionListener
}

// Quorum elects one leader among replicas. Claims go through the lock
// Backend on a single lease key, so the backend's fencing token is the term;
// heartbeats on the bus spread the result and let followers learn the
// leader without polling the backend.
type Quorum struct {
	id        ReplicaID
	cfg       Config
	messenger *Messenger
	backend   lock.Backend
	logger    logging.Logger
	metrics   *metrics.Registry
	now       func() time.Time

	mu             sync.Mutex
	state          State
	highestTerm    uint64
	leader         LeaderState
	lease          lock.Lease
	holding        bool
	candidateSince time.Time
	probeNonce     string
	pending        []transition
	draining       bool

	notifyMu       sync.Mutex
	listenersMu    sync.RWMutex
	nextListenerID uint64
	listeners      []transitionEntry

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	removers    []func()
	background  sync.WaitGroup
}

// NewQuorum creates a quorum member. backend must be shared by every replica.
func NewQuorum(id ReplicaID, cfg Config, messenger *Messenger, backend lock.Backend, logger logging.Logger, reg *metrics.Registry) (*Quorum, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &Quorum{
		id:        id,
		cfg:       cfg,
		messenger: messenger,
		backend:   backend,
		logger:    logging.OrNop(logger).With(logging.Component("quorum"), logging.ReplicaID(id)),
		metrics:   reg,
		now:       time.Now,
		state:     StateUnknown,
	}
	reg.SetConsensusState(StateUnknown.String())
	return q, nil
}

// NewReplicaID returns a process-unique replica id prefixed by the hostname
func NewReplicaID() ReplicaID {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "replica"
	}
	return host + "-" + uuid.NewString()
}
