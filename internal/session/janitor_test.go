package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJanitorSweepsExpiredSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) {
		o.Timeout = 30 * time.Millisecond
		o.Clock = time.Now
	})
	id, err := f.store.CreateSession(ctx, CreateRequest{})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	jctx, cancel := context.WithCancel(ctx)
	defer cancel()
	f.store.StartJanitor(jctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := f.backend.MemoryBackend.Get(ctx, id); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := f.store.GetSession(ctx, id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("GetSession() error = %v, want ErrSessionNotFound", err)
	}
	t.Fatalf("janitor did not remove the expired record")
}
