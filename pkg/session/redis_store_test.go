package session

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	s := NewRedisStore(client, "test:session:"+uuid.NewString()+":")
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	sess := Session{ID: "s-1", UserID: "u-1", ExpiresAt: time.Now().Add(200 * time.Millisecond)}
	if err := s.Put(ctx, sess); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "s-1")
	if err != nil || got.UserID != "u-1" {
		t.Fatalf("Get = %+v, %v", got, err)
	}

	time.Sleep(300 * time.Millisecond)
	if _, err := s.Get(ctx, "s-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after expiry: err = %v, want ErrSessionNotFound", err)
	}
}
