// Package events defines the workspace lifecycle messages carried on the bus
// and typed helpers to publish and listen for them.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-controlplane/pkg/broker"
	"github.com/dd0wney/cluso-controlplane/pkg/bus"
)

const (
	TopicWorkspaceInstanceUpdates = "workspace-instance-updates"
	TopicPrebuildUpdates          = "prebuild-updates"
)

// WorkspaceInstanceUpdate reports a phase change of one workspace instance
type WorkspaceInstanceUpdate struct {
	InstanceID  string    `json:"instanceId"`
	WorkspaceID string    `json:"workspaceId"`
	OwnerID     string    `json:"ownerId"`
	Phase       string    `json:"phase"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// PrebuildUpdate reports a status change of one prebuild
type PrebuildUpdate struct {
	PrebuildID  string    `json:"prebuildId"`
	ProjectID   string    `json:"projectId"`
	WorkspaceID string    `json:"workspaceId"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Publisher is the part of the broker used to send events
type Publisher interface {
	PublishJSON(ctx context.Context, topic string, v any) error
}

// Subscriber is the part of the broker used to receive events
type Subscriber interface {
	Subscribe(topic string, handler broker.Handler) (broker.SubscriptionID, error)
}

// PublishWorkspaceInstanceUpdate broadcasts u to every replica
func PublishWorkspaceInstanceUpdate(ctx context.Context, p Publisher, u WorkspaceInstanceUpdate) error {
	if u.InstanceID == "" || u.OwnerID == "" {
		return fmt.Errorf("workspace instance update needs instance and owner ids")
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now().UTC()
	}
	return p.PublishJSON(ctx, TopicWorkspaceInstanceUpdates, u)
}

// PublishPrebuildUpdate broadcasts u to every replica
func PublishPrebuildUpdate(ctx context.Context, p Publisher, u PrebuildUpdate) error {
	if u.PrebuildID == "" || u.ProjectID == "" {
		return fmt.Errorf("prebuild update needs prebuild and project ids")
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now().UTC()
	}
	return p.PublishJSON(ctx, TopicPrebuildUpdates, u)
}

// ListenForWorkspaceInstanceUpdates calls fn for updates owned by userID, or
// for every update when userID is empty
func ListenForWorkspaceInstanceUpdates(s Subscriber, userID string, fn func(ctx context.Context, u WorkspaceInstanceUpdate) error) (broker.SubscriptionID, error) {
	return s.Subscribe(TopicWorkspaceInstanceUpdates, func(ctx context.Context, msg bus.Message) error {
		var u WorkspaceInstanceUpdate
		if err := msg.Decode(&u); err != nil {
			return fmt.Errorf("decode workspace instance update: %w", err)
		}
		if userID != "" && u.OwnerID != userID {
			return nil
		}
		return fn(ctx, u)
	})
}

// ListenForWorkspaceUpdates calls fn for updates of one workspace
func ListenForWorkspaceUpdates(s Subscriber, workspaceID string, fn func(ctx context.Context, u WorkspaceInstanceUpdate) error) (broker.SubscriptionID, error) {
	return s.Subscribe(TopicWorkspaceInstanceUpdates, func(ctx context.Context, msg bus.Message) error {
		var u WorkspaceInstanceUpdate
		if err := msg.Decode(&u); err != nil {
			return fmt.Errorf("decode workspace instance update: %w", err)
		}
		if u.WorkspaceID != workspaceID {
			return nil
		}
		return fn(ctx, u)
	})
}

// ListenForPrebuildUpdates calls fn for prebuilds of projectID, or for every
// prebuild when projectID is empty
func ListenForPrebuildUpdates(s Subscriber, projectID string, fn func(ctx context.Context, u PrebuildUpdate) error) (broker.SubscriptionID, error) {
	return s.Subscribe(TopicPrebuildUpdates, func(ctx context.Context, msg bus.Message) error {
		var u PrebuildUpdate
		if err := msg.Decode(&u); err != nil {
			return fmt.Errorf("decode prebuild update: %w", err)
		}
		if projectID != "" && u.ProjectID != projectID {
			return nil
		}
		return fn(ctx, u)
	})
}
