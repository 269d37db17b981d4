package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JaimeStill/safeguard/internal/sources"
	"github.com/JaimeStill/safeguard/pkg/lifecycle"
)

// DefaultInterval applies to sources configured without an interval.
const DefaultInterval = 6 * time.Hour

// Schedule pairs a source with its polling interval.
type Schedule struct {
	Source   sources.Source
	Interval time.Duration
}

// SourceInfo describes a scheduled source.
type SourceInfo struct {
	Name     string `json:"name"`
	Interval string `json:"interval"`
	Running  bool   `json:"running"`
}

type entry struct {
	source   sources.Source
	interval time.Duration

	mu      sync.Mutex
	running bool
}

// tryAcquire marks the entry running unless a job is already in flight.
func (e *entry) tryAcquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return false
	}
	e.running = true
	return true
}

func (e *entry) release() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

func (e *entry) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Scheduler polls every configured source on its own interval. Runs of one
// source never overlap; a tick that arrives while a run is in flight is
// skipped.
type Scheduler struct {
	runner  *Runner
	entries map[string]*entry
	order   []string
	logger  *slog.Logger
}

func New(runner *Runner, schedules []Schedule, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		runner:  runner,
		entries: make(map[string]*entry, len(schedules)),
		logger:  logger.With("system", "scheduler"),
	}

	for _, sc := range schedules {
		name := sc.Source.Name()
		if _, ok := s.entries[name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, name)
		}

		interval := sc.Interval
		if interval <= 0 {
			interval = DefaultInterval
		}

		s.entries[name] = &entry{source: sc.Source, interval: interval}
		s.order = append(s.order, name)
	}

	return s, nil
}

// Start runs the polling loops for the lifetime of the coordinator. Loops
// stop when shutdown begins; shutdown waits for in-flight jobs to record.
func (s *Scheduler) Start(lc *lifecycle.Coordinator) {
	s.logger.Info("starting scheduler", "sources", len(s.order))

	lc.OnShutdown(func() {
		if err := s.Run(lc.Context()); err != nil {
			s.logger.Error("scheduler stopped", "error", err)
		}
		s.logger.Info("scheduler stopped")
	})
}

// Run blocks until ctx is done, running each source once immediately and
// then on its interval.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, name := range s.order {
		e := s.entries[name]
		g.Go(func() error {
			s.loop(ctx, e)
			return nil
		})
	}

	return g.Wait()
}

// Trigger runs a source immediately on the caller's context.
func (s *Scheduler) Trigger(ctx context.Context, name string) (Job, error) {
	e, ok := s.entries[name]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	if !e.tryAcquire() {
		return Job{}, fmt.Errorf("%w: %s", ErrSourceBusy, name)
	}
	defer e.release()

	s.logger.InfoContext(ctx, "sync triggered", "source", name)
	return s.runner.Run(ctx, e.source)
}

// Sources lists the scheduled sources in configuration order.
func (s *Scheduler) Sources() []SourceInfo {
	infos := make([]SourceInfo, 0, len(s.order))
	for _, name := range s.order {
		e := s.entries[name]
		infos = append(infos, SourceInfo{
			Name:     name,
			Interval: e.interval.String(),
			Running:  e.isRunning(),
		})
	}
	return infos
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		s.tick(ctx, e)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, e *entry) {
	if ctx.Err() != nil {
		return
	}

	name := e.source.Name()
	if !e.tryAcquire() {
		s.logger.InfoContext(ctx, "sync skipped, previous run in flight", "source", name)
		return
	}
	defer e.release()

	if _, err := s.runner.Run(ctx, e.source); err != nil {
		s.logger.ErrorContext(ctx, "sync job not recorded", "source", name, "error", err)
	}
}
