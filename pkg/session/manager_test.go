package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dd0wney/cluso-controlplane/pkg/metrics"
)

// eventLog records observer callbacks in order
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) observer() Observer {
	return ObserverFuncs{
		ConnectionCreated:    func(c *Connection) { l.add("conn+") },
		ConnectionClosed:     func(c *Connection) { l.add("conn-") },
		ClientContextCreated: func(c *Connection, cc ClientContext) { l.add("ctx+:" + cc.AuthLevel) },
		ClientContextClosed:  func(c *Connection, cc ClientContext) { l.add("ctx-:" + cc.AuthLevel) },
	}
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func equalEvents(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestManager_Lifecycle(t *testing.T) {
	var log eventLog
	m := NewManager(nil, log.observer())

	c, err := m.Accept(ConnectionInfo{ClientType: ClientTypeBrowser, Path: "/api/ws"})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := m.Attach(c, ClientContext{SessionID: "s-1", UserID: "u-1", AuthLevel: AuthLevelSession}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	cc, ok := c.ClientContext()
	if !ok || cc.ClientType != ClientTypeBrowser || cc.CreatedAt.IsZero() {
		t.Errorf("ClientContext() = %+v, %v", cc, ok)
	}

	m.Close(c, "client closed")
	m.Close(c, "again")

	want := []string{"conn+", "ctx+:session", "ctx-:session", "conn-"}
	if got := log.snapshot(); !equalEvents(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if c.Context().Err() == nil {
		t.Error("connection context not cancelled on close")
	}
	if c.CloseReason() != "client closed" {
		t.Errorf("CloseReason() = %q", c.CloseReason())
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
}

func TestManager_CloseWithoutContext(t *testing.T) {
	var log eventLog
	m := NewManager(nil, log.observer())

	c, _ := m.Accept(ConnectionInfo{ClientType: ClientTypeCLI})
	m.Close(c, "auth failed")

	want := []string{"conn+", "conn-"}
	if got := log.snapshot(); !equalEvents(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if err := m.Attach(c, ClientContext{AuthLevel: AuthLevelBearer}); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Attach after close: err = %v, want ErrConnectionClosed", err)
	}
}

func TestManager_AttachTwice(t *testing.T) {
	m := NewManager(nil)
	c, _ := m.Accept(ConnectionInfo{})
	if err := m.Attach(c, ClientContext{AuthLevel: AuthLevelSession}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := m.Attach(c, ClientContext{AuthLevel: AuthLevelBearer}); !errors.Is(err, ErrContextAttached) {
		t.Errorf("second Attach: err = %v, want ErrContextAttached", err)
	}
}

func TestManager_ConcurrentCloseFiresOnce(t *testing.T) {
	var log eventLog
	m := NewManager(nil, log.observer())
	c, _ := m.Accept(ConnectionInfo{})
	_ = m.Attach(c, ClientContext{AuthLevel: AuthLevelSession})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Close(c, "race")
		}()
	}
	wg.Wait()

	closes := 0
	for _, e := range log.snapshot() {
		if e == "ctx-:session" || e == "conn-" {
			closes++
		}
	}
	if closes != 2 {
		t.Errorf("close events = %d, want 2", closes)
	}
}

func TestManager_MetricsObserver(t *testing.T) {
	reg := metrics.NewRegistry()
	m := NewManager(nil, MetricsObserver{Registry: reg})

	a, _ := m.Accept(ConnectionInfo{ClientType: ClientTypeBrowser})
	b, _ := m.Accept(ConnectionInfo{ClientType: ClientTypeBrowser})
	_ = m.Attach(a, ClientContext{AuthLevel: AuthLevelSession})
	_ = m.Attach(b, ClientContext{AuthLevel: AuthLevelBearer})

	if got := testutil.ToFloat64(reg.WebsocketConnections.WithLabelValues(ClientTypeBrowser)); got != 2 {
		t.Errorf("connections gauge = %v, want 2", got)
	}

	m.Shutdown("server stopping")

	if got := testutil.ToFloat64(reg.WebsocketConnections.WithLabelValues(ClientTypeBrowser)); got != 0 {
		t.Errorf("connections gauge after shutdown = %v, want 0", got)
	}
	for _, level := range []string{AuthLevelSession, AuthLevelBearer} {
		if got := testutil.ToFloat64(reg.ClientContexts.WithLabelValues(level)); got != 0 {
			t.Errorf("client contexts gauge %s = %v, want 0", level, got)
		}
	}
	if _, err := m.Accept(ConnectionInfo{}); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Accept after shutdown: err = %v, want ErrManagerClosed", err)
	}
}

func TestManager_ForUser(t *testing.T) {
	m := NewManager(nil)
	a, _ := m.Accept(ConnectionInfo{})
	b, _ := m.Accept(ConnectionInfo{})
	c, _ := m.Accept(ConnectionInfo{})
	_ = m.Attach(a, ClientContext{UserID: "u-1"})
	_ = m.Attach(b, ClientContext{UserID: "u-2"})
	_ = m.Attach(c, ClientContext{UserID: "u-1"})

	got := m.ForUser("u-1")
	if len(got) != 2 {
		t.Fatalf("ForUser() returned %d connections, want 2", len(got))
	}
	m.Close(a, "done")
	if got := m.ForUser("u-1"); len(got) != 1 || got[0].ID != c.ID {
		t.Errorf("ForUser() after close = %v", got)
	}
}

func TestManager_ObserverPanicIsContained(t *testing.T) {
	var log eventLog
	m := NewManager(nil,
		ObserverFuncs{ConnectionCreated: func(*Connection) { panic("observer bug") }},
		log.observer())

	c, err := m.Accept(ConnectionInfo{})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	m.Close(c, "done")
	if got := log.snapshot(); !equalEvents(got, []string{"conn+", "conn-"}) {
		t.Errorf("events = %v", got)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get missing: err = %v", err)
	}
	if err := s.Put(ctx, Session{ID: "s-1", UserID: "u-1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "s-1")
	if err != nil || got.UserID != "u-1" {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	if err := s.Delete(ctx, "s-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "s-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after delete: err = %v", err)
	}
}
