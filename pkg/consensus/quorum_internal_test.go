package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/dd0wney/cluso-controlplane/pkg/bus/bustest"
	"github.com/dd0wney/cluso-controlplane/pkg/lock"
)

func TestQuorum_LateCallbacksAfterStop(t *testing.T) {
	hub := bustest.StartHub(t)
	conn, _ := hub.Connect(t, "replica-a")
	cfg := Config{
		HeartbeatInterval: 20 * time.Millisecond,
		LeaseTTL:          100 * time.Millisecond,
		LeaseKey:          LeaseKey,
		OperationTimeout:  50 * time.Millisecond,
	}
	q, err := NewQuorum("replica-a", cfg, NewMessenger(conn, nil, nil), lock.NewMemoryBackend(), nil, nil)
	if err != nil {
		t.Fatalf("NewQuorum: %v", err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	bustest.WaitFor(t, time.Second, q.IsLeader, "replica-a to lead")
	if err := q.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// a receive goroutine can deliver to listeners it copied before Stop
	// removed them
	q.handleConnection(true)
	q.handleProbe(Probe{ReplicaID: "replica-b", Nonce: "n-1", TS: time.Now().UnixMilli()})
	q.handleConnection(false)

	ran := false
	if q.goBackground(func() { ran = true }) {
		t.Fatal("goBackground accepted work after Stop")
	}
	q.background.Wait()
	if ran {
		t.Fatal("work ran after Stop")
	}

	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer q.Stop()
	done := make(chan struct{})
	if !q.goBackground(func() { close(done) }) {
		t.Fatal("goBackground refused work after restart")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("background work did not run")
	}
}
