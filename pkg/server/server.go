package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dd0wney/cluso-controlplane/pkg/auth"
	"github.com/dd0wney/cluso-controlplane/pkg/broker"
	"github.com/dd0wney/cluso-controlplane/pkg/bus"
	"github.com/dd0wney/cluso-controlplane/pkg/config"
	"github.com/dd0wney/cluso-controlplane/pkg/consensus"
	"github.com/dd0wney/cluso-controlplane/pkg/health"
	"github.com/dd0wney/cluso-controlplane/pkg/jobs"
	"github.com/dd0wney/cluso-controlplane/pkg/lifecycle"
	"github.com/dd0wney/cluso-controlplane/pkg/lock"
	"github.com/dd0wney/cluso-controlplane/pkg/logging"
	"github.com/dd0wney/cluso-controlplane/pkg/maintenance"
	"github.com/dd0wney/cluso-controlplane/pkg/metrics"
	"github.com/dd0wney/cluso-controlplane/pkg/session"
	"github.com/dd0wney/cluso-controlplane/pkg/websocket"
)

var (
	ErrAlreadyStarted = errors.New("server: already started")
	ErrStopped        = errors.New("server: stopped")
)

const (
	systemMetricsInterval = 10 * time.Second
	goroutineLimit        = 10000
)

// Options carries what the configuration cannot: build info, the metrics
// sink and injected dependencies. Zero values select the configured
// implementation.
type Options struct {
	Version  string
	Logger   logging.Logger
	Registry *metrics.Registry

	Transport    bus.Transport
	LockBackend  lock.Backend
	SessionStore session.Store
	// Database replaces the pool opened from database.url for maintenance jobs
	Database   maintenance.DB
	Migrations []maintenance.Migration
}

// Server is one control plane replica
type Server struct {
	cfg       *config.Config
	opts      Options
	replicaID string
	logger    logging.Logger
	metrics   *metrics.Registry
	td        *lifecycle.Teardown
	startTime time.Time

	mu      sync.Mutex
	started bool
	stopped bool

	pool      *pgxpool.Pool
	redis     goredis.UniversalClient
	backend   lock.Backend
	store     session.Store
	conn      *bus.Conn
	broker    *broker.Broker
	messenger *consensus.Messenger
	quorum    *consensus.Quorum
	mutex     *lock.Mutex
	scheduler *jobs.Scheduler
	sessions  *session.Manager
	websocket *websocket.Handler
	health    *health.HealthChecker
	api       *GracefulServer
	ops       *GracefulServer
}

// New validates cfg and prepares a server. Nothing is connected until Start.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := cfg.ReplicaID
	if id == "" {
		id = consensus.NewReplicaID()
	}
	reg := opts.Registry
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	logger := logging.OrNop(opts.Logger).With(logging.ReplicaID(id))

	return &Server{
		cfg:       cfg,
		opts:      opts,
		replicaID: id,
		logger:    logger,
		metrics:   reg,
		td:        lifecycle.NewTeardown(logger),
	}, nil
}

// Start brings components up in dependency order: stores, bus, broker,
// messenger, quorum, scheduler, websocket endpoints, HTTP listeners. On
// failure everything already started is torn down again.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		return ErrStopped
	case s.started:
		return ErrAlreadyStarted
	}
	s.startTime = time.Now()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"stores", s.startStores},
		{"bus", s.startBus},
		{"broker", s.startBroker},
		{"consensus", s.startConsensus},
		{"scheduler", s.startScheduler},
		{"websocket", s.startWebsocket},
		{"http", s.startHTTP},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			s.logger.Error("startup failed", logging.String("step", step.name), logging.Error(err))
			s.rollback()
			return fmt.Errorf("start %s: %w", step.name, err)
		}
	}

	s.startSystemMetrics()
	s.metrics.SetVersion(s.opts.Version)
	s.started = true
	s.logger.Info("control plane replica started",
		logging.String("version", s.opts.Version),
		logging.String("api_addr", s.api.Addr()),
		logging.Latency(time.Since(s.startTime)))
	return nil
}

func (s *Server) rollback() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	_ = s.td.Run(ctx)
}

// Stop tears components down in reverse start order within the configured
// shutdown timeout. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if !s.started {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	start := time.Now()
	err := s.td.Run(ctx)
	s.logger.Info("control plane replica stopped", logging.Latency(time.Since(start)))
	return err
}

func (s *Server) startStores(ctx context.Context) error {
	if s.cfg.Database.URL != "" && (s.cfg.Lock.Backend == "postgres" || s.opts.Database == nil) {
		poolCfg, err := pgxpool.ParseConfig(s.cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("parse database url: %w", err)
		}
		if s.cfg.Database.MaxConns > 0 {
			poolCfg.MaxConns = s.cfg.Database.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("ping database: %w", err)
		}
		s.pool = pool
		s.td.Add("database", func(context.Context) error {
			pool.Close()
			return nil
		})
	}

	if s.cfg.Redis.Addr != "" && (s.opts.LockBackend == nil || s.opts.SessionStore == nil) {
		client := goredis.NewClient(&goredis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("ping redis: %w", err)
		}
		s.redis = client
		s.td.AddCloser("redis", client)
	}

	backend, err := s.lockBackend(ctx)
	if err != nil {
		return err
	}
	s.backend = backend
	if s.opts.LockBackend == nil {
		s.td.AddCloser("lock-backend", backend)
	}

	switch {
	case s.opts.SessionStore != nil:
		s.store = s.opts.SessionStore
	case s.cfg.Session.Store == "redis":
		s.store = session.NewRedisStore(s.redis, s.cfg.Session.Prefix)
	default:
		s.store = session.NewMemoryStore()
	}
	return nil
}

func (s *Server) lockBackend(ctx context.Context) (lock.Backend, error) {
	if s.opts.LockBackend != nil {
		return s.opts.LockBackend, nil
	}
	switch s.cfg.Lock.Backend {
	case "redis":
		return lock.NewRedisBackend(s.redis, s.cfg.Lock.Prefix), nil
	case "postgres":
		return lock.NewPostgresBackendFromPool(ctx, s.pool, s.cfg.Lock.Table)
	default:
		s.logger.Warn("using in-process lock backend, mutual exclusion holds for this replica only")
		return lock.NewMemoryBackend(), nil
	}
}

func (s *Server) startBus(ctx context.Context) error {
	transport := s.opts.Transport
	if transport == nil {
		t, err := bus.NewTransport(s.cfg.Bus.Transport)
		if err != nil {
			return err
		}
		transport = t
	}
	conn, err := bus.NewConn(s.cfg.BusConfig(s.replicaID), transport, s.logger, s.metrics)
	if err != nil {
		return err
	}
	if err := conn.Connect(ctx); err != nil {
		_ = conn.Close()
		return err
	}
	s.conn = conn
	s.td.AddCloser("bus", conn)
	return nil
}

func (s *Server) startBroker(context.Context) error {
	s.broker = broker.NewBroker(s.conn, s.logger, s.metrics)
	if err := s.broker.Start(); err != nil {
		return err
	}
	s.td.Add("broker", func(context.Context) error { return s.broker.Stop() })
	return nil
}

func (s *Server) startConsensus(ctx context.Context) error {
	s.messenger = consensus.NewMessenger(s.conn, s.logger, s.metrics)
	if err := s.messenger.Start(); err != nil {
		return err
	}
	s.td.Add("messenger", func(context.Context) error { return s.messenger.Stop() })

	q, err := consensus.NewQuorum(s.replicaID, s.cfg.Consensus, s.messenger, s.backend, s.logger, s.metrics)
	if err != nil {
		return err
	}
	if err := q.Start(ctx); err != nil {
		return err
	}
	s.quorum = q
	s.td.Add("quorum", func(context.Context) error { return q.Stop() })
	return nil
}

func (s *Server) startScheduler(ctx context.Context) error {
	s.mutex = lock.NewMutex(s.backend, s.replicaID, s.logger, s.metrics)
	s.scheduler = jobs.NewScheduler(s.quorum, s.mutex, s.logger, s.metrics)

	db := s.opts.Database
	if db == nil && s.pool != nil {
		db = s.pool
	}

	if jc := s.cfg.Jobs.DatabaseDeleter; jc.Enabled {
		d, err := maintenance.NewDeleter(db, jc, s.logger)
		if err != nil {
			return err
		}
		if err := s.scheduler.Register(d.Descriptor(), d); err != nil {
			return err
		}
	}
	if mc := s.cfg.Jobs.Migrations; mc.Enabled {
		migrations := s.opts.Migrations
		if migrations == nil {
			migrations = maintenance.DefaultMigrations(s.cfg.Jobs.DatabaseDeleter.Tables)
		}
		r, err := maintenance.NewMigrationRunner(db, mc, migrations, s.logger)
		if err != nil {
			return err
		}
		if err := s.scheduler.Register(r.Descriptor(), r); err != nil {
			return err
		}
	}

	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}
	s.td.Add("scheduler", func(context.Context) error { return s.scheduler.Stop() })
	return nil
}

func (s *Server) startWebsocket(context.Context) error {
	var tokens auth.TokenValidator
	if s.cfg.Auth.JWTSecret != "" {
		jwtManager, err := auth.NewJWTManager(s.cfg.Auth.JWTSecret, s.cfg.Auth.Issuer, time.Hour)
		if err != nil {
			return err
		}
		tokens = jwtManager
	}

	s.sessions = session.NewManager(s.logger, session.MetricsObserver{Registry: s.metrics})
	s.td.Add("sessions", func(context.Context) error {
		s.sessions.Shutdown("shutdown")
		return nil
	})

	h, err := websocket.NewHandler(s.cfg.Websocket, s.store, tokens, s.sessions, s.logger, s.metrics)
	if err != nil {
		return err
	}
	s.websocket = h
	s.td.Add("websocket", h.Close)

	subID, err := h.ForwardWorkspaceUpdates(s.broker)
	if err != nil {
		return err
	}
	s.td.Add("workspace-updates", func(context.Context) error {
		return s.broker.Unsubscribe(subID)
	})
	return nil
}

func (s *Server) startHTTP(context.Context) error {
	s.health = health.NewHealthChecker()
	s.health.RegisterReadinessCheck("bus", health.BusCheck(s.conn.Connected))
	s.health.RegisterReadinessCheck("leadership", health.LeadershipCheck(s.quorum.Status))
	s.health.RegisterReadinessCheck("lock-backend", health.PingCheck("lock-backend", s.backend.Ping))
	s.health.RegisterLivenessCheck("goroutines", health.GoroutineCheck(goroutineLimit))

	ops := http.NewServeMux()
	ops.Handle("/live", s.health.LivenessHandler())
	ops.Handle("/ready", s.health.ReadinessHandler())
	ops.Handle("/metrics", s.metrics.Handler())

	api := http.NewServeMux()
	if s.cfg.HTTP.MetricsListen == "" {
		api.Handle("/live", ops)
		api.Handle("/ready", ops)
		api.Handle("/metrics", ops)
	} else {
		s.ops = NewGracefulServer("ops", s.cfg.HTTP.MetricsListen, ops, s.logger)
		if err := s.ops.Listen(); err != nil {
			return err
		}
		s.td.Add("ops-http", s.ops.Shutdown)
	}
	api.Handle("/", s.websocket)

	tc, err := s.cfg.HTTP.TLS.ServerConfig()
	if err != nil {
		return err
	}
	s.api = NewGracefulServer("api", s.cfg.HTTP.Listen, metricsMiddleware(s.metrics, api), s.logger).WithTLS(tc)
	if err := s.api.Listen(); err != nil {
		return err
	}
	s.td.Add("api-http", s.api.Shutdown)
	return nil
}

func (s *Server) startSystemMetrics() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(systemMetricsInterval)
		defer ticker.Stop()
		s.metrics.UpdateSystemMetrics(s.startTime)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.metrics.UpdateSystemMetrics(s.startTime)
			}
		}
	}()
	s.td.Add("system-metrics", func(context.Context) error {
		cancel()
		<-done
		return nil
	})
}

// ReplicaID returns the id this replica uses on the bus and for leases
func (s *Server) ReplicaID() string { return s.replicaID }

// Quorum returns the leader quorum, nil before Start
func (s *Server) Quorum() *consensus.Quorum { return s.quorum }

// Broker returns the message broker, nil before Start
func (s *Server) Broker() *broker.Broker { return s.broker }

// Scheduler returns the job scheduler, nil before Start
func (s *Server) Scheduler() *jobs.Scheduler { return s.scheduler }

// Mutex returns the distributed mutex, nil before Start
func (s *Server) Mutex() *lock.Mutex { return s.mutex }

// Sessions returns the connection manager, nil before Start
func (s *Server) Sessions() *session.Manager { return s.sessions }

// APIAddr returns the bound API address
func (s *Server) APIAddr() string {
	if s.api == nil {
		return ""
	}
	return s.api.Addr()
}

// OpsAddr returns the bound health and metrics address, which is the API
// address when no separate listener is configured
func (s *Server) OpsAddr() string {
	if s.ops == nil {
		return s.APIAddr()
	}
	return s.ops.Addr()
}
