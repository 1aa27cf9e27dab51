// Package websocket serves the client websocket endpoints. It authenticates
// the upgrade request, registers the connection with the session manager and
// tears it down when the peer leaves or stops answering pings.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gobwas/ws"

	"github.com/dd0wney/cluso-controlplane/pkg/auth"
	"github.com/dd0wney/cluso-controlplane/pkg/broker"
	"github.com/dd0wney/cluso-controlplane/pkg/events"
	"github.com/dd0wney/cluso-controlplane/pkg/logging"
	"github.com/dd0wney/cluso-controlplane/pkg/metrics"
	"github.com/dd0wney/cluso-controlplane/pkg/session"
)

// MethodInstanceUpdate is the notification method for workspace instance updates
const MethodInstanceUpdate = "onInstanceUpdate"

// Notification is a server-to-client JSON-RPC notification
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Handler serves PathSession and PathBearer
type Handler struct {
	cfg      Config
	sessions session.Store
	tokens   auth.TokenValidator
	manager  *session.Manager
	logger   logging.Logger
	metrics  *metrics.Registry

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
	wg      sync.WaitGroup
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates a handler. tokens may be nil, in which case every
// bearer token is rejected.
func NewHandler(cfg Config, sessions session.Store, tokens auth.TokenValidator, manager *session.Manager, logger logging.Logger, reg *metrics.Registry) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sessions == nil {
		return nil, errors.New("websocket: session store is required")
	}
	if manager == nil {
		return nil, errors.New("websocket: session manager is required")
	}
	h := &Handler{
		cfg:      cfg,
		sessions: sessions,
		tokens:   tokens,
		manager:  manager,
		logger:   logging.OrNop(logger).With(logging.Component("websocket")),
		metrics:  reg,
		clients:  make(map[string]*client),
	}
	if cfg.DisableOriginCheck {
		h.logger.Warn("websocket CSRF guard disabled, origins are not checked")
	}
	return h, nil
}

// ServeHTTP authenticates and upgrades the request
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var (
		cc  session.ClientContext
		err error
	)
	switch r.URL.Path {
	case PathSession:
		cc, err = h.authenticate(r, false)
	case PathBearer:
		cc, err = h.authenticate(r, true)
	default:
		h.logger.Warn("websocket path not matching", logging.String("path", r.URL.Path))
		err = reject(http.StatusNotFound, ErrUnknownPath)
	}
	if err != nil {
		h.rejectRequest(w, r, err)
		return
	}
	h.accept(w, r, cc)
}

// authenticate resolves the client context of r. On the bearer endpoint a
// bearer token is tried first with the relaxed origin rule; without one the
// request falls through to cookie authentication with the strict rule.
func (h *Handler) authenticate(r *http.Request, bearer bool) (session.ClientContext, error) {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.AuthTimeout)
	defer cancel()
	origin := r.Header.Get("Origin")

	if bearer {
		token, err := auth.BearerToken(r)
		switch {
		case err == nil:
			if !h.checkOrigin(origin, true) {
				return session.ClientContext{}, reject(http.StatusForbidden, ErrOriginNotAllowed)
			}
			return h.bearerContext(ctx, token)
		case !errors.Is(err, auth.ErrNoBearer):
			return session.ClientContext{}, reject(http.StatusUnauthorized, err)
		}
	}

	if !h.checkOrigin(origin, false) {
		return session.ClientContext{}, reject(http.StatusForbidden, ErrOriginNotAllowed)
	}
	return h.sessionContext(ctx, r)
}

func (h *Handler) bearerContext(ctx context.Context, token string) (session.ClientContext, error) {
	if h.tokens == nil {
		return session.ClientContext{}, reject(http.StatusUnauthorized, auth.ErrInvalidToken)
	}
	claims, err := h.tokens.ValidateToken(ctx, token)
	if err != nil {
		return session.ClientContext{}, reject(http.StatusUnauthorized, err)
	}
	return session.ClientContext{
		UserID:    claims.UserID,
		AuthLevel: session.AuthLevelBearer,
	}, nil
}

func (h *Handler) sessionContext(ctx context.Context, r *http.Request) (session.ClientContext, error) {
	cookie, err := r.Cookie(h.cfg.SessionCookie)
	if err != nil || cookie.Value == "" {
		return session.ClientContext{}, reject(http.StatusUnauthorized, ErrNoSession)
	}
	sess, err := h.sessions.Get(ctx, cookie.Value)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return session.ClientContext{}, reject(http.StatusUnauthorized, ErrNoSession)
	case err != nil:
		return session.ClientContext{}, reject(http.StatusInternalServerError, fmt.Errorf("resolve session: %w", err))
	}
	return session.ClientContext{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		AuthLevel: session.AuthLevelSession,
	}, nil
}

func (h *Handler) checkOrigin(origin string, relaxed bool) bool {
	if h.cfg.originAllowed(origin, relaxed) {
		return true
	}
	if h.cfg.DisableOriginCheck {
		h.logger.Warn("accepting websocket with mismatched origin, CSRF guard disabled", logging.String("origin", origin))
		return true
	}
	h.logger.Debug("websocket origin not allowed", logging.String("origin", origin), logging.Bool("relaxed", relaxed))
	return false
}

func (h *Handler) rejectRequest(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var authErr *ConnectionAuthError
	if errors.As(err, &authErr) {
		status = authErr.Status
	}
	h.metrics.RecordWebsocketRejection(status)
	if status >= http.StatusInternalServerError {
		h.logger.Error("websocket upgrade failed", logging.String("path", r.URL.Path), logging.Error(err))
	} else {
		h.logger.Debug("websocket upgrade rejected",
			logging.String("path", r.URL.Path),
			logging.Int("status", status),
			logging.Error(err))
	}
	http.Error(w, http.StatusText(status), status)
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request, cc session.ClientContext) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		h.rejectRequest(w, r, reject(http.StatusServiceUnavailable, ErrHandlerClosed))
		return
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Debug("websocket handshake failed", logging.Error(err))
		return
	}

	sc, err := h.manager.Accept(session.ConnectionInfo{
		ClientType: clientType(r),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	if err != nil {
		_ = conn.Close()
		return
	}
	if err := h.manager.Attach(sc, cc); err != nil {
		h.manager.Close(sc, "attach failed")
		_ = conn.Close()
		return
	}

	var src io.Reader = conn
	if rw != nil {
		src = rw.Reader
	}
	c := &client{
		conn:   conn,
		src:    src,
		sc:     sc,
		cfg:    h.cfg,
		logger: h.logger.With(logging.ConnectionID(sc.ID)),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.manager.Close(sc, "shutdown")
		_ = conn.Close()
		return
	}
	h.clients[sc.ID] = c
	h.wg.Add(1)
	h.mu.Unlock()

	defer h.wg.Done()
	reason := c.serve()

	h.mu.Lock()
	delete(h.clients, sc.ID)
	h.mu.Unlock()
	h.manager.Close(sc, reason)
}

// SendToUser notifies every live connection of userID and returns how many
// were reached. A connection that cannot be written is closed.
func (h *Handler) SendToUser(userID, method string, params any) (int, error) {
	data, err := json.Marshal(Notification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return 0, fmt.Errorf("marshal notification: %w", err)
	}

	sent := 0
	for _, sc := range h.manager.ForUser(userID) {
		h.mu.Lock()
		c, ok := h.clients[sc.ID]
		h.mu.Unlock()
		if !ok {
			continue
		}
		if err := c.write(ws.OpText, data); err != nil {
			c.logger.Debug("notification write failed", logging.Error(err))
			_ = c.conn.Close()
			continue
		}
		sent++
	}
	return sent, nil
}

// ForwardWorkspaceUpdates subscribes to workspace instance updates and pushes
// each one to the connections of its owner on this replica
func (h *Handler) ForwardWorkspaceUpdates(s events.Subscriber) (broker.SubscriptionID, error) {
	return events.ListenForWorkspaceInstanceUpdates(s, "", func(_ context.Context, u events.WorkspaceInstanceUpdate) error {
		_, err := h.SendToUser(u.OwnerID, MethodInstanceUpdate, u)
		return err
	})
}

// Len returns the number of open websocket connections
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close rejects new upgrades, closes every open connection and waits for
// their teardown or ctx
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.manager.Close(c.sc, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
