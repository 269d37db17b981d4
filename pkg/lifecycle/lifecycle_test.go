package lifecycle_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JaimeStill/safeguard/pkg/lifecycle"
)

func TestReadyAfterStartupHooks(t *testing.T) {
	lc := lifecycle.New()
	if lc.Ready() {
		t.Error("ready before WaitForStartup")
	}

	var count atomic.Int32
	for range 3 {
		lc.OnStartup(func() { count.Add(1) })
	}
	lc.WaitForStartup()

	if got := count.Load(); got != 3 {
		t.Errorf("startup hooks: got %d, want 3", got)
	}
	if !lc.Ready() {
		t.Error("not ready after WaitForStartup")
	}
}

func TestShutdownRunsHooksAfterCancel(t *testing.T) {
	lc := lifecycle.New()

	var cleaned atomic.Bool
	lc.OnShutdown(func() {
		<-lc.Context().Done()
		cleaned.Store(true)
	})
	lc.WaitForStartup()

	if err := lc.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !cleaned.Load() {
		t.Error("shutdown hook did not run")
	}
	if lc.Context().Err() == nil {
		t.Error("context not cancelled after shutdown")
	}
}

func TestShutdownTimeout(t *testing.T) {
	lc := lifecycle.New()
	release := make(chan struct{})
	lc.OnShutdown(func() {
		<-lc.Context().Done()
		<-release
	})
	lc.WaitForStartup()

	if err := lc.Shutdown(20 * time.Millisecond); err == nil {
		t.Error("got nil, want timeout error")
	}
	close(release)
}

func TestCheck(t *testing.T) {
	lc := lifecycle.New()
	errDown := errors.New("down")

	var healthy atomic.Bool
	lc.AddProbe("database", func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errDown
	})

	failures := lc.Check(context.Background())
	if !errors.Is(failures["startup"], lifecycle.ErrStarting) {
		t.Errorf("startup: got %v, want ErrStarting", failures["startup"])
	}
	if !errors.Is(failures["database"], errDown) {
		t.Errorf("database: got %v, want %v", failures["database"], errDown)
	}

	lc.WaitForStartup()
	healthy.Store(true)

	if failures := lc.Check(context.Background()); len(failures) != 0 {
		t.Errorf("failures after startup: got %v, want none", failures)
	}
}
