// Package pipeline orchestrates one assessment run: extraction, scoring and
// strike escalation under a per-subject lock, then de-identified analysis,
// re-identification and report assembly outside it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/JaimeStill/safeguard/internal/analysis"
	"github.com/JaimeStill/safeguard/internal/localizer"
	"github.com/JaimeStill/safeguard/internal/notify"
	"github.com/JaimeStill/safeguard/internal/patterns"
	"github.com/JaimeStill/safeguard/internal/reports"
	"github.com/JaimeStill/safeguard/internal/risk"
	"github.com/JaimeStill/safeguard/internal/strikes"
	"github.com/JaimeStill/safeguard/internal/tokenizer"
)

const instrumentation = "github.com/JaimeStill/safeguard/internal/pipeline"

// Config controls run orchestration.
type Config struct {
	DefaultWindow         time.Duration
	BatchConcurrency      int
	MaxBatch              int
	// LatestCapacity bounds the in-process latest-assessment cache. Subjects
	// evicted from it are served from the newest persisted report.
	LatestCapacity        int
	RequireSecondApprover bool
}

func (c Config) withDefaults() Config {
	if c.DefaultWindow <= 0 {
		c.DefaultWindow = 30 * 24 * time.Hour
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 4
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 500
	}
	if c.LatestCapacity <= 0 {
		c.LatestCapacity = 10000
	}
	return c
}

// Deps are the stages and collaborators a Pipeline drives.
type Deps struct {
	Extractor *patterns.Extractor
	Assessor  *risk.Assessor
	Tokens    *tokenizer.Tokenizer
	Analysis  *analysis.Stage
	Localizer *localizer.Localizer
	Assembler *reports.Assembler
	Strikes   strikes.Store
	Reports   reports.Store
	Notifier  notify.Notifier
}

// Request names the subject and window of one run. A zero window covers
// DefaultWindow ending now.
type Request struct {
	SubjectID   string    `json:"subject_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// BatchResult reports one subject of a batch run.
type BatchResult struct {
	SubjectID string          `json:"subject_id"`
	ReportID  string          `json:"report_id,omitempty"`
	Band      risk.Band       `json:"band,omitempty"`
	Strike    risk.Level      `json:"strike_level"`
	Narrative analysis.Source `json:"narrative_source,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type Pipeline struct {
	deps   Deps
	cfg    Config
	locks  *keyedLocks
	logger *slog.Logger
	now    func() time.Time

	latest *recent

	tracer      trace.Tracer
	runs        metric.Int64Counter
	escalations metric.Int64Counter
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source used to resolve default windows.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

func New(deps Deps, cfg Config, logger *slog.Logger, opts ...Option) *Pipeline {
	meter := otel.Meter(instrumentation)

	runs, err := meter.Int64Counter("safeguard.pipeline.runs",
		metric.WithDescription("Completed assessment runs by band and narrative source"))
	if err != nil {
		otel.Handle(err)
	}
	escalations, err := meter.Int64Counter("safeguard.strikes.escalations",
		metric.WithDescription("Strike level escalations by resulting level"))
	if err != nil {
		otel.Handle(err)
	}

	cfg = cfg.withDefaults()
	p := &Pipeline{
		deps:        deps,
		cfg:         cfg,
		locks:       newKeyedLocks(),
		logger:      logger.With("system", "pipeline"),
		now:         time.Now,
		latest:      newRecent(cfg.LatestCapacity),
		tracer:      otel.Tracer(instrumentation),
		runs:        runs,
		escalations: escalations,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run produces and persists a report for one subject. The caller may cancel
// until the report is saved; a strike escalation already persisted is kept.
func (p *Pipeline) Run(ctx context.Context, req Request) (reports.Report, error) {
	req, err := p.resolve(req)
	if err != nil {
		return reports.Report{}, err
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.run")
	defer span.End()

	rep, err := p.run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline run")
		return reports.Report{}, err
	}

	span.SetAttributes(
		attribute.String("risk.band", string(rep.Assessment.Band)),
		attribute.String("narrative.source", string(rep.Narrative.Source)),
	)
	p.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("band", string(rep.Assessment.Band)),
		attribute.String("narrative_source", string(rep.Narrative.Source)),
	))
	return rep, nil
}

func (p *Pipeline) run(ctx context.Context, req Request) (reports.Report, error) {
	scored, ext, err := p.score(ctx, req)
	if err != nil {
		return reports.Report{}, err
	}

	if scored.Escalated {
		p.emit(ctx, notify.KindStrikeEscalated, scored.SubjectID, map[string]string{
			"from":          scored.PreviousLevel.String(),
			"to":            scored.StrikeLevel.String(),
			"band":          string(scored.Band),
			"assessment_id": scored.ID.String(),
		})
	}

	narrative, err := p.narrate(ctx, scored, ext.Peers)
	if err != nil {
		return reports.Report{}, err
	}

	return p.persist(ctx, scored, narrative, ext)
}

// score runs extraction, scoring and escalation while holding the subject's
// lock so a concurrent run for the same subject observes the new level. The
// lock is released before notification and analysis.
func (p *Pipeline) score(ctx context.Context, req Request) (risk.Assessment, patterns.Extraction, error) {
	unlock, err := p.locks.Lock(ctx, req.SubjectID)
	if err != nil {
		return risk.Assessment{}, patterns.Extraction{}, err
	}
	defer unlock()

	ctx, span := p.tracer.Start(ctx, "pipeline.score")
	defer span.End()

	ext, err := p.deps.Extractor.Extract(ctx, req.SubjectID, req.WindowStart, req.WindowEnd)
	if err != nil {
		return risk.Assessment{}, patterns.Extraction{}, fmt.Errorf("extract: %w", err)
	}

	state, err := p.deps.Strikes.Get(ctx, req.SubjectID)
	if err != nil {
		return risk.Assessment{}, patterns.Extraction{}, err
	}

	a := p.deps.Assessor.Assess(ctx, req.SubjectID, ext.Signals, state.Level)

	if a.Escalated {
		// committed regardless of the caller's cancellation
		persisted, err := p.deps.Strikes.Advance(context.WithoutCancel(ctx), req.SubjectID, a.StrikeLevel)
		if err != nil {
			return risk.Assessment{}, patterns.Extraction{}, fmt.Errorf("advance strike level: %w", err)
		}
		a.StrikeLevel = persisted.Level

		p.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("level", a.StrikeLevel.String())))
	}

	p.latest.put(req.SubjectID, a)

	p.logger.InfoContext(ctx, "assessment scored",
		"subject_id", req.SubjectID,
		"assessment_id", a.ID,
		"band", a.Band,
		"score", a.Score,
		"strike_level", a.StrikeLevel,
		"escalated", a.Escalated,
		"insufficient_data", a.InsufficientData,
	)

	return a, ext, nil
}

// narrate runs the analysis stage inside a token session that ends with it.
func (p *Pipeline) narrate(ctx context.Context, a risk.Assessment, peers []string) (localizer.Narrative, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.narrate")
	defer span.End()

	session, err := p.deps.Tokens.Open()
	if err != nil {
		return localizer.Narrative{}, err
	}
	defer p.deps.Tokens.Close(session.ID)

	tc := analysis.TokenizedContext{SessionID: session.ID}
	if tc.Subject, err = p.deps.Tokens.Tokenize(session.ID, a.SubjectID); err != nil {
		return localizer.Narrative{}, err
	}
	for _, peer := range peers {
		tok, err := p.deps.Tokens.Tokenize(session.ID, peer)
		if err != nil {
			return localizer.Narrative{}, err
		}
		tc.Peers = append(tc.Peers, tok)
	}

	draft, err := p.deps.Analysis.Analyze(ctx, tc, a)
	if err != nil {
		return localizer.Narrative{}, err
	}

	p.logger.InfoContext(ctx, "narrative drafted",
		"session_id", session.ID,
		"source", draft.Source,
		"fallback_reason", draft.FallbackReason,
	)

	narrative, err := p.deps.Localizer.Localize(session.ID, draft)
	if err != nil {
		return localizer.Narrative{}, fmt.Errorf("localize: %w", err)
	}
	return narrative, nil
}

func (p *Pipeline) persist(
	ctx context.Context,
	a risk.Assessment,
	narrative localizer.Narrative,
	ext patterns.Extraction,
) (reports.Report, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.persist")
	defer span.End()

	var supersedes *uuid.UUID
	prev, err := p.deps.Reports.Latest(ctx, a.SubjectID)
	switch {
	case err == nil:
		supersedes = &prev.ID
	case !errors.Is(err, reports.ErrNotFound):
		return reports.Report{}, fmt.Errorf("load previous report: %w", err)
	}

	prov := reports.Provenance{
		SyncJobs:    ext.SyncJobs,
		WindowStart: ext.WindowStart,
		WindowEnd:   ext.WindowEnd,
		RecordCount: ext.RecordCount,
	}

	rep, err := p.deps.Assembler.Assemble(a, narrative, prov, supersedes)
	if err != nil {
		return reports.Report{}, fmt.Errorf("assemble: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return reports.Report{}, err
	}
	if err := p.deps.Reports.Save(ctx, rep); err != nil {
		return reports.Report{}, fmt.Errorf("save report: %w", err)
	}
	return rep, nil
}

// RunBatch runs many subjects with bounded concurrency. A failure for one
// subject is reported in its result and does not stop the others.
func (p *Pipeline) RunBatch(ctx context.Context, subjectIDs []string, start, end time.Time) ([]BatchResult, error) {
	if len(subjectIDs) > p.cfg.MaxBatch {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(subjectIDs), p.cfg.MaxBatch)
	}

	results := make([]BatchResult, len(subjectIDs))

	var g errgroup.Group
	g.SetLimit(p.cfg.BatchConcurrency)

	for i, id := range subjectIDs {
		g.Go(func() error {
			res := BatchResult{SubjectID: id}

			rep, err := p.Run(ctx, Request{SubjectID: id, WindowStart: start, WindowEnd: end})
			if err != nil {
				res.Error = err.Error()
			} else {
				res.ReportID = rep.ID.String()
				res.Band = rep.Assessment.Band
				res.Strike = rep.Assessment.StrikeLevel
				res.Narrative = rep.Narrative.Source
			}

			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, ctx.Err()
}

// Latest returns the most recent assessment scored by this process, if the
// subject is still cached.
func (p *Pipeline) Latest(subjectID string) (risk.Assessment, bool) {
	return p.latest.get(subjectID)
}

// LatestAssessment serves the cached assessment, falling back to the newest
// persisted report. It never waits on an in-flight run.
func (p *Pipeline) LatestAssessment(ctx context.Context, subjectID string) (risk.Assessment, error) {
	if a, ok := p.Latest(subjectID); ok {
		return a, nil
	}

	rep, err := p.deps.Reports.Latest(ctx, subjectID)
	if errors.Is(err, reports.ErrNotFound) {
		return risk.Assessment{}, fmt.Errorf("%w: %s", ErrNoAssessment, subjectID)
	}
	if err != nil {
		return risk.Assessment{}, err
	}
	return rep.Assessment, nil
}

// Strikes returns the subject's current strike state.
func (p *Pipeline) Strikes(ctx context.Context, subjectID string) (strikes.State, error) {
	if strings.TrimSpace(subjectID) == "" {
		return strikes.State{}, ErrSubjectRequired
	}
	return p.deps.Strikes.Get(ctx, subjectID)
}

// ResetStrikes is the administrative path back to Clear. It takes the
// subject's lock so it never interleaves with a run's load and escalation.
func (p *Pipeline) ResetStrikes(ctx context.Context, subjectID string, cmd strikes.ResetCommand) (strikes.State, error) {
	if strings.TrimSpace(subjectID) == "" {
		return strikes.State{}, ErrSubjectRequired
	}
	if err := cmd.Validate(p.cfg.RequireSecondApprover); err != nil {
		return strikes.State{}, err
	}

	prev, state, err := p.reset(ctx, subjectID, cmd)
	if err != nil {
		return strikes.State{}, err
	}

	p.logger.WarnContext(ctx, "strike level reset",
		"audit", true,
		"subject_id", subjectID,
		"from", prev.Level,
		"reset_by", cmd.ResetBy,
		"approved_by", cmd.ApprovedBy,
		"reason", cmd.Reason,
	)

	attrs := map[string]string{
		"from":     prev.Level.String(),
		"reset_by": cmd.ResetBy,
	}
	if cmd.ApprovedBy != "" {
		attrs["approved_by"] = cmd.ApprovedBy
	}
	p.emit(ctx, notify.KindStrikeReset, subjectID, attrs)

	return state, nil
}

// reset swaps the strike state under the subject lock and returns the
// level it replaced.
func (p *Pipeline) reset(ctx context.Context, subjectID string, cmd strikes.ResetCommand) (strikes.State, strikes.State, error) {
	unlock, err := p.locks.Lock(ctx, subjectID)
	if err != nil {
		return strikes.State{}, strikes.State{}, err
	}
	defer unlock()

	prev, err := p.deps.Strikes.Get(ctx, subjectID)
	if err != nil {
		return strikes.State{}, strikes.State{}, err
	}

	state, err := p.deps.Strikes.Reset(ctx, subjectID, cmd)
	if err != nil {
		return strikes.State{}, strikes.State{}, fmt.Errorf("reset strikes: %w", err)
	}
	return prev, state, nil
}

func (p *Pipeline) resolve(req Request) (Request, error) {
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	if req.SubjectID == "" {
		return req, ErrSubjectRequired
	}

	if req.WindowEnd.IsZero() {
		req.WindowEnd = p.now().UTC()
	}
	if req.WindowStart.IsZero() {
		req.WindowStart = req.WindowEnd.Add(-p.cfg.DefaultWindow)
	}
	return req, nil
}

func (p *Pipeline) emit(ctx context.Context, kind notify.Kind, subjectID string, attrs map[string]string) {
	if p.deps.Notifier == nil {
		return
	}

	e := notify.NewEvent(kind, attrs)
	e.SubjectID = subjectID

	if err := p.deps.Notifier.Emit(context.WithoutCancel(ctx), e); err != nil {
		p.logger.ErrorContext(ctx, "notification not queued", "kind", kind, "error", err)
	}
}
