package api

import (
	"context"
	"fmt"

	"github.com/JaimeStill/safeguard/internal/analysis"
	"github.com/JaimeStill/safeguard/internal/config"
	"github.com/JaimeStill/safeguard/internal/generator"
	"github.com/JaimeStill/safeguard/internal/localizer"
	"github.com/JaimeStill/safeguard/internal/notify"
	"github.com/JaimeStill/safeguard/internal/observations"
	"github.com/JaimeStill/safeguard/internal/patterns"
	"github.com/JaimeStill/safeguard/internal/pipeline"
	"github.com/JaimeStill/safeguard/internal/reports"
	"github.com/JaimeStill/safeguard/internal/risk"
	"github.com/JaimeStill/safeguard/internal/scheduler"
	"github.com/JaimeStill/safeguard/internal/sources"
	"github.com/JaimeStill/safeguard/internal/strikes"
	"github.com/JaimeStill/safeguard/internal/tokenizer"
)

// Domain holds all domain systems that comprise the API.
type Domain struct {
	Observations observations.Store
	Strikes      strikes.Store
	Reports      reports.Store
	Jobs         scheduler.Store
	Tokens       *tokenizer.Tokenizer
	Dispatcher   *notify.Dispatcher
	Kafka        *notify.KafkaNotifier
	Pipeline     *pipeline.Pipeline
	Scheduler    *scheduler.Scheduler
}

// NewDomain creates all domain systems from the API runtime.
func NewDomain(ctx context.Context, cfg *config.Config, runtime *Runtime) (*Domain, error) {
	db := runtime.Database.Connection()
	logger := runtime.Logger

	obs := observations.New(db, logger)
	strikeStore := strikes.New(db, logger)
	reportStore := reports.New(db, runtime.Storage, logger, runtime.Pagination)
	jobs := scheduler.NewRepository(db, logger, runtime.Pagination)

	kafka := notify.NewKafka(cfg.Notify.Brokers, cfg.Notify.Topic)
	sinks := []notify.Notifier{notify.NewLogNotifier(logger)}
	if kafka != nil {
		sinks = append(sinks, kafka)
	}
	dispatcher := notify.NewDispatcher(notify.Multi(sinks...), cfg.Notify.Dispatcher(), logger)

	tokens := tokenizer.New(cfg.Pipeline.SessionTTLDuration())

	assessor, err := newAssessor(ctx, cfg, runtime)
	if err != nil {
		return nil, err
	}

	gen, err := generator.New(ctx, cfg.Generator.Generator(), logger)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	stage := analysis.New(gen, tokens, cfg.Pipeline.Analysis(), logger, analysis.WithNotifier(dispatcher))

	p := pipeline.New(
		pipeline.Deps{
			Extractor: patterns.New(obs, cfg.Pipeline.Patterns()),
			Assessor:  assessor,
			Tokens:    tokens,
			Analysis:  stage,
			Localizer: localizer.New(tokens),
			Assembler: reports.NewAssembler(cfg.Version),
			Strikes:   strikeStore,
			Reports:   reportStore,
			Notifier:  dispatcher,
		},
		cfg.Pipeline.Pipeline(cfg.Strikes),
		logger,
	)

	sched, err := newScheduler(cfg, jobs, obs, dispatcher, runtime)
	if err != nil {
		return nil, err
	}

	return &Domain{
		Observations: obs,
		Strikes:      strikeStore,
		Reports:      reportStore,
		Jobs:         jobs,
		Tokens:       tokens,
		Dispatcher:   dispatcher,
		Kafka:        kafka,
		Pipeline:     p,
		Scheduler:    sched,
	}, nil
}

func newAssessor(ctx context.Context, cfg *config.Config, runtime *Runtime) (*risk.Assessor, error) {
	rc, err := cfg.Pipeline.Risk()
	if err != nil {
		return nil, err
	}

	var opts []risk.Option
	if rc.Policy != "" {
		esc, err := risk.NewRegoEscalator(ctx, rc.Policy, rc.Rules)
		if err != nil {
			return nil, fmt.Errorf("escalation policy: %w", err)
		}
		runtime.Lifecycle.AddProbe("escalation_policy", esc.HealthCheck)
		opts = append(opts, risk.WithEscalator(esc))
	}

	assessor, err := risk.NewAssessor(rc, runtime.Logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("assessor: %w", err)
	}
	return assessor, nil
}

func newScheduler(
	cfg *config.Config,
	jobs scheduler.Store,
	writer observations.Writer,
	notifier notify.Notifier,
	runtime *Runtime,
) (*scheduler.Scheduler, error) {
	specs := cfg.Sync.Specs()
	schedules := make([]scheduler.Schedule, 0, len(specs))
	for _, spec := range specs {
		src, err := sources.New(spec.Source, nil)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, scheduler.Schedule{Source: src, Interval: spec.Interval})
	}

	runner := scheduler.NewRunner(jobs, writer, notifier, cfg.Sync.Retry(), runtime.Logger)
	return scheduler.New(runner, schedules, runtime.Logger)
}

// Start registers the background systems with the lifecycle coordinator:
// the token session sweeper, the notification dispatcher, and the sync
// scheduler. The Kafka writer closes once the dispatcher has drained.
func (d *Domain) Start(cfg *config.Config, runtime *Runtime) {
	lc := runtime.Lifecycle

	d.Tokens.Start(lc, cfg.Pipeline.SweepIntervalDuration(), runtime.Logger)
	d.Dispatcher.Start(lc)
	d.Scheduler.Start(lc)

	if d.Kafka != nil {
		lc.OnShutdown(func() {
			<-d.Dispatcher.Drained()
			if err := d.Kafka.Close(); err != nil {
				runtime.Logger.Error("kafka writer close failed", "error", err)
			}
		})
	}
}
