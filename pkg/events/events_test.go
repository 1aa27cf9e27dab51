package events_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-controlplane/pkg/broker"
	"github.com/dd0wney/cluso-controlplane/pkg/bus/bustest"
	"github.com/dd0wney/cluso-controlplane/pkg/events"
)

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	hub := bustest.StartHub(t)
	conn, _ := hub.Connect(t, "replica-a")
	b := broker.NewBroker(conn, nil, nil)
	require.NoError(t, b.Start())
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func TestWorkspaceInstanceUpdates_FilterByOwner(t *testing.T) {
	b := newBroker(t)

	var mu sync.Mutex
	var got []events.WorkspaceInstanceUpdate
	_, err := events.ListenForWorkspaceInstanceUpdates(b, "user-1", func(ctx context.Context, u events.WorkspaceInstanceUpdate) error {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, events.PublishWorkspaceInstanceUpdate(ctx, b, events.WorkspaceInstanceUpdate{
		InstanceID: "i-2", WorkspaceID: "ws-2", OwnerID: "user-2", Phase: "running",
	}))
	require.NoError(t, events.PublishWorkspaceInstanceUpdate(ctx, b, events.WorkspaceInstanceUpdate{
		InstanceID: "i-1", WorkspaceID: "ws-1", OwnerID: "user-1", Phase: "running",
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "i-1", got[0].InstanceID)
	assert.False(t, got[0].UpdatedAt.IsZero())
}

func TestWorkspaceUpdates_FilterByWorkspace(t *testing.T) {
	b := newBroker(t)

	seen := make(chan string, 4)
	_, err := events.ListenForWorkspaceUpdates(b, "ws-1", func(ctx context.Context, u events.WorkspaceInstanceUpdate) error {
		seen <- u.Phase
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, u := range []events.WorkspaceInstanceUpdate{
		{InstanceID: "i-1", WorkspaceID: "ws-1", OwnerID: "u", Phase: "pending"},
		{InstanceID: "i-9", WorkspaceID: "ws-9", OwnerID: "u", Phase: "stopped"},
		{InstanceID: "i-1", WorkspaceID: "ws-1", OwnerID: "u", Phase: "running"},
	} {
		require.NoError(t, events.PublishWorkspaceInstanceUpdate(ctx, b, u))
	}

	assert.Equal(t, "pending", <-seen)
	assert.Equal(t, "running", <-seen)
	select {
	case extra := <-seen:
		t.Fatalf("unexpected update %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPrebuildUpdates(t *testing.T) {
	b := newBroker(t)

	seen := make(chan events.PrebuildUpdate, 1)
	_, err := events.ListenForPrebuildUpdates(b, "", func(ctx context.Context, u events.PrebuildUpdate) error {
		seen <- u
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, events.PublishPrebuildUpdate(context.Background(), b, events.PrebuildUpdate{
		PrebuildID: "pb-1", ProjectID: "proj-1", Status: "available",
	}))

	select {
	case u := <-seen:
		assert.Equal(t, "pb-1", u.PrebuildID)
		assert.Equal(t, "available", u.Status)
	case <-time.After(time.Second):
		t.Fatal("prebuild update not delivered")
	}
}

func TestPublishValidation(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	assert.Error(t, events.PublishWorkspaceInstanceUpdate(ctx, b, events.WorkspaceInstanceUpdate{InstanceID: "i-1"}))
	assert.Error(t, events.PublishPrebuildUpdate(ctx, b, events.PrebuildUpdate{ProjectID: "p"}))
}
