// Package lifecycle coordinates startup and shutdown hooks and readiness
// probes across the service's subsystems.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrStarting is reported by Check until every startup hook has completed.
var ErrStarting = errors.New("startup in progress")

// Probe checks whether one dependency can serve traffic.
type Probe func(ctx context.Context) error

type namedProbe struct {
	name  string
	probe Probe
}

// Coordinator manages startup and shutdown hooks for the application lifecycle.
type Coordinator struct {
	ctx        context.Context
	cancel     context.CancelFunc
	startupWg  sync.WaitGroup
	shutdownWg sync.WaitGroup
	ready      bool
	readyMu    sync.RWMutex
	probes     []namedProbe
}

// New creates a Coordinator with a cancellable context.
func New() *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context returns the coordinator's context, cancelled on shutdown.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// OnStartup registers a function to run concurrently during startup.
func (c *Coordinator) OnStartup(fn func()) {
	c.startupWg.Go(fn)
}

// OnShutdown registers a function to run concurrently during shutdown.
// Shutdown hooks should block on <-c.Context().Done() before executing cleanup.
func (c *Coordinator) OnShutdown(fn func()) {
	c.shutdownWg.Go(fn)
}

// Ready returns true after all startup hooks have completed.
func (c *Coordinator) Ready() bool {
	c.readyMu.RLock()
	defer c.readyMu.RUnlock()
	return c.ready
}

// AddProbe registers a readiness probe under name. Probes must be added
// before the service starts accepting traffic.
func (c *Coordinator) AddProbe(name string, p Probe) {
	c.probes = append(c.probes, namedProbe{name: name, probe: p})
}

// Check runs every probe and returns the failures keyed by probe name. An
// empty map means the service is ready.
func (c *Coordinator) Check(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	if !c.Ready() {
		failures["startup"] = ErrStarting
	}
	for _, p := range c.probes {
		if err := p.probe(ctx); err != nil {
			failures[p.name] = err
		}
	}
	return failures
}

// WaitForStartup blocks until all startup hooks have completed and sets the ready flag.
func (c *Coordinator) WaitForStartup() {
	c.startupWg.Wait()
	c.readyMu.Lock()
	c.ready = true
	c.readyMu.Unlock()
}

// Shutdown cancels the context and waits for shutdown hooks to complete
// within the given timeout.
func (c *Coordinator) Shutdown(timeout time.Duration) error {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}
