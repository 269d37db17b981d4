package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JaimeStill/safeguard/internal/analysis"
	"github.com/JaimeStill/safeguard/internal/localizer"
	"github.com/JaimeStill/safeguard/internal/notify"
	"github.com/JaimeStill/safeguard/internal/observations"
	"github.com/JaimeStill/safeguard/internal/patterns"
	"github.com/JaimeStill/safeguard/internal/pipeline"
	"github.com/JaimeStill/safeguard/internal/reports"
	"github.com/JaimeStill/safeguard/internal/risk"
	"github.com/JaimeStill/safeguard/internal/strikes"
	"github.com/JaimeStill/safeguard/internal/tokenizer"
	"github.com/JaimeStill/safeguard/pkg/lifecycle"
	"github.com/JaimeStill/safeguard/pkg/pagination"
	"github.com/JaimeStill/safeguard/pkg/routes"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type generatorFunc func(ctx context.Context, req analysis.Request) (string, error)

func (f generatorFunc) Generate(ctx context.Context, req analysis.Request) (string, error) {
	return f(ctx, req)
}

// echo writes a summary naming the first token in the prompt.
func echo(ctx context.Context, req analysis.Request) (string, error) {
	tok := tokenizer.Pattern().FindString(req.Prompt)
	return fmt.Sprintf(`{"summary": "%s shows repeated incidents.", "observations": [], "recommendations": ["Meet with %s."]}`, tok, tok), nil
}

type sink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *sink) Emit(ctx context.Context, e notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *sink) byKind(kind notify.Kind) []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	canon    *observations.MemoryStore
	strikes  *strikes.MemoryStore
	reports  *reports.MemoryStore
	tokens   *tokenizer.Tokenizer
	events   *sink
	pipeline *pipeline.Pipeline
}

type fixtureOptions struct {
	analysisTimeout time.Duration
	notifier        notify.Notifier
}

func newFixture(t *testing.T, gen analysis.Generator, cfg pipeline.Config) *fixture {
	t.Helper()
	return newFixtureWith(t, gen, cfg, fixtureOptions{})
}

func newFixtureWith(t *testing.T, gen analysis.Generator, cfg pipeline.Config, opts fixtureOptions) *fixture {
	t.Helper()

	if opts.analysisTimeout == 0 {
		opts.analysisTimeout = 200 * time.Millisecond
	}

	canon := observations.NewMemoryStore()
	canon.PutSubject(observations.Subject{ID: "stu-1"})
	canon.PutSubject(observations.Subject{ID: "stu-2"})

	// three incidents in the last seven days on distinct weekdays and periods
	for i, at := range []time.Time{
		time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 7, 15, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 6, 20, 0, 0, 0, time.UTC),
	} {
		for _, subject := range []string{"stu-1", "stu-2"} {
			canon.Append(observations.Record{
				SubjectID:  subject,
				OccurredAt: at,
				Category:   observations.Negative,
				NativeID:   fmt.Sprintf("%s-%d", subject, i),
			})
		}
	}

	assessor, err := risk.NewAssessor(risk.DefaultConfig(), discard(), risk.WithClock(clock))
	if err != nil {
		t.Fatalf("assessor: %v", err)
	}

	f := &fixture{
		canon:   canon,
		strikes: strikes.NewMemoryStore(),
		reports: reports.NewMemoryStore(pagination.Config{DefaultPageSize: 20, MaxPageSize: 100}),
		tokens:  tokenizer.New(time.Hour),
		events:  &sink{},
	}

	var notifier notify.Notifier = f.events
	if opts.notifier != nil {
		notifier = opts.notifier
	}

	f.pipeline = pipeline.New(pipeline.Deps{
		Extractor: patterns.New(canon, patterns.DefaultConfig()),
		Assessor:  assessor,
		Tokens:    f.tokens,
		Analysis:  analysis.New(gen, f.tokens, analysis.Config{Timeout: opts.analysisTimeout}, discard()),
		Localizer: localizer.New(f.tokens),
		Assembler: reports.NewAssembler("test"),
		Strikes:   f.strikes,
		Reports:   f.reports,
		Notifier:  notifier,
	}, cfg, discard(), pipeline.WithClock(clock))

	return f
}

func TestRun_ThreeIncidentsEscalates(t *testing.T) {
	f := newFixture(t, generatorFunc(echo), pipeline.Config{})

	rep, err := f.pipeline.Run(context.Background(), pipeline.Request{SubjectID: "stu-1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if rep.Assessment.Band != risk.High {
		t.Errorf("band: got %s, want high", rep.Assessment.Band)
	}
	if rep.Assessment.StrikeLevel != risk.Level1 || !rep.Assessment.Escalated {
		t.Errorf("strike: got %s escalated=%v, want level1", rep.Assessment.StrikeLevel, rep.Assessment.Escalated)
	}

	state, _ := f.strikes.Get(context.Background(), "stu-1")
	if state.Level != risk.Level1 {
		t.Errorf("persisted strike: got %s, want level1", state.Level)
	}

	if got := f.events.byKind(notify.KindStrikeEscalated); len(got) != 1 || got[0].SubjectID != "stu-1" {
		t.Errorf("escalation events: got %+v", got)
	}

	if err := reports.Verify(rep); err != nil {
		t.Errorf("verify: %v", err)
	}
	if rep.Provenance.RecordCount != 3 || rep.Provenance.WindowEnd != now {
		t.Errorf("provenance: got %+v", rep.Provenance)
	}
	if f.reports.Len() != 1 {
		t.Errorf("saved reports: got %d, want 1", f.reports.Len())
	}
}

func TestRun_NarrativeIsReidentified(t *testing.T) {
	f := newFixture(t, generatorFunc(echo), pipeline.Config{})

	rep, err := f.pipeline.Run(context.Background(), pipeline.Request{SubjectID: "stu-1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if rep.Narrative.Source != analysis.SourceGenerated {
		t.Fatalf("source: got %s (%s), want generated", rep.Narrative.Source, rep.Narrative.FallbackReason)
	}
	if !strings.HasPrefix(rep.Narrative.Summary, "stu-1 ") {
		t.Errorf("summary: got %q, want real id", rep.Narrative.Summary)
	}
	if strings.Contains(rep.Narrative.Summary, tokenizer.Prefix) {
		t.Errorf("summary still tokenized: %q", rep.Narrative.Summary)
	}
	if n := f.tokens.Active(); n != 0 {
		t.Errorf("token sessions left open: %d", n)
	}
}

func TestRun_GeneratorTimeoutStillReports(t *testing.T) {
	slow := generatorFunc(func(ctx context.Context, req analysis.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	f := newFixture(t, slow, pipeline.Config{})

	rep, err := f.pipeline.Run(context.Background(), pipeline.Request{SubjectID: "stu-1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Narrative.Source != analysis.SourceFallback || rep.Narrative.FallbackReason != "timeout" {
		t.Errorf("narrative: got %s/%s, want fallback/timeout", rep.Narrative.Source, rep.Narrative.FallbackReason)
	}
	if !strings.Contains(strings.Join(rep.Narrative.Recommendations, " "), "stu-1") {
		t.Errorf("fallback narrative not re-identified: %+v", rep.Narrative)
	}
}

func TestRun_Supersedes(t *testing.T) {
	f := newFixture(t, generatorFunc(echo), pipeline.Config{})

	first, _ := f.pipeline.Run(context.Background(), pipeline.Request{SubjectID: "stu-1"})
	second, err := f.pipeline.Run(context.Background(), pipeline.Request{SubjectID: "stu-1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if first.Supersedes != nil {
		t.Errorf("first report supersedes %v", *first.Supersedes)
	}
	if second.Supersedes == nil || *second.Supersedes != first.ID {
		t.Errorf("supersedes: got %v, want %s", second.Supersedes, first.ID)
	}
	if second.Assessment.StrikeLevel != risk.Level2 {
		t.Errorf("strike: got %s, want level2", second.Assessment.StrikeLevel)
	}
}

func TestRun_ConcurrentSameSubjectSerialized(t *testing.T) {
	f := newFixture(t, generatorFunc(echo), pipeline.Config{})

	var wg sync.WaitGroup
	results := make([]reports.Report, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Go(func() {
			results[i], errs[i] = f.pipeline.Run(context.Background(), pipeline.Request{SubjectID: "stu-1"})
		})
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	}

	previous := []risk.Level{results[0].Assessment.PreviousLevel, results[1].Assessment.PreviousLevel}
	slices.Sort(previous)
	if previous[0] != risk.Clear || previous[1] != risk.Level1 {
		t.Errorf("previous levels: got %v, want [clear level1]", previous)
	}

	state, _ := f.strikes.Get(context.Background(), "stu-1")
	if state.Level != risk.Level2 {
		t.Errorf("final strike: got %s, want level2", state.Level)
	}
}

func TestRun_CancelKeepsEscalation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocking := generatorFunc(func(gctx context.Context, req analysis.Request) (string, error) {
		cancel()
		<-gctx.Done()
		return "", gctx.Err()
	})
	f := newFixture(t, blocking, pipeline.Config{})

	_, err := f.pipeline.Run(ctx, pipeline.Request{SubjectID: "stu-1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}

	state, _ := f.strikes.Get(context.Background(), "stu-1")
	if state.Level != risk.Level1 {
		t.Errorf("strike rolled back: got %s, want level1", state.Level)
	}
	if f.reports.Len() != 0 {
		t.Errorf("report saved after cancellation")
	}
	if a, ok := f.pipeline.Latest("stu-1"); !ok || a.StrikeLevel != risk.Level1 {
		t.Errorf("latest: got %+v, %v", a, ok)
	}
}

func TestRun_LockReleasedBeforeAnalysis(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gen := generatorFunc(func(ctx context.Context, req analysis.Request) (string, error) {
		once.Do(func() { close(entered) })
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return echo(ctx, req)
	})
	f := newFixtureWith(t, gen, pipeline.Config{}, fixtureOptions{analysisTimeout: 5 * time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Run(context.Background(), pipeline.Request{SubjectID: "stu-1"})
		done <- err
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("analysis never started")
	}

	if a, ok := f.pipeline.Latest("stu-1"); !ok || a.StrikeLevel != risk.Level1 {
		close(release)
		t.Fatalf("latest during analysis: got %+v, %v, want level1", a, ok)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	state, err := f.pipeline.ResetStrikes(ctx, "stu-1", strikes.ResetCommand{ResetBy: "counselor", Reason: "resolved"})
	if err != nil {
		close(release)
		t.Fatalf("reset during analysis: %v", err)
	}
	if state.Level != risk.Clear {
		t.Errorf("level: got %s, want clear", state.Level)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

// stalled never accepts a notification until its context ends.
type stalled struct{}

func (stalled) Emit(ctx context.Context, e notify.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRun_StalledNotifierDoesNotBlock(t *testing.T) {
	d := notify.NewDispatcher(stalled{}, notify.Config{
		QueueSize:   1,
		MaxAttempts: 1,
		Timeout:     50 * time.Millisecond,
	}, discard())
	lc := lifecycle.New()
	d.Start(lc)
	defer lc.Shutdown(5 * time.Second)

	f := newFixtureWith(t, generatorFunc(echo), pipeline.Config{}, fixtureOptions{notifier: d})

	// every run escalates, so each one emits
	for i, subject := range []string{"stu-1", "stu-2", "stu-1", "stu-2"} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		rep, err := f.pipeline.Run(ctx, pipeline.Request{SubjectID: subject})
		cancel()
		if err != nil {
			t.Fatalf("run %d (%s): %v", i, subject, err)
		}
		if !rep.Assessment.Escalated {
			t.Errorf("run %d (%s): got no escalation", i, subject)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := f.pipeline.ResetStrikes(ctx, "stu-1", strikes.ResetCommand{ResetBy: "counselor", Reason: "resolved"}); err != nil {
		t.Fatalf("reset: %v", err)
	}
}

func TestLatestAssessment_EvictedFallsBackToReport(t *testing.T) {
	f := newFixture(t, generatorFunc(echo), pipeline.Config{LatestCapacity: 1})
	ctx := context.Background()

	first, err := f.pipeline.Run(ctx, pipeline.Request{SubjectID: "stu-1"})
	if err != nil {
		t.Fatalf("run stu-1: %v", err)
	}
	if _, err := f.pipeline.Run(ctx, pipeline.Request{SubjectID: "stu-2"}); err != nil {
		t.Fatalf("run stu-2: %v", err)
	}

	if _, ok := f.pipeline.Latest("stu-1"); ok {
		t.Error("stu-1 still cached past capacity")
	}
	if _, ok := f.pipeline.Latest("stu-2"); !ok {
		t.Error("stu-2 not cached")
	}

	a, err := f.pipeline.LatestAssessment(ctx, "stu-1")
	if err != nil {
		t.Fatalf("latest assessment: %v", err)
	}
	if a.ID != first.Assessment.ID {
		t.Errorf("fallback: got %s, want %s", a.ID, first.Assessment.ID)
	}
}

func TestRun_Validation(t *testing.T) {
	f := newFixture(t, generatorFunc(echo), pipeline.Config{})

	tests := []struct {
		name string
		req  pipeline.Request
		want error
	}{
		{"empty subject", pipeline.Request{SubjectID: " "}, pipeline.ErrSubjectRequired},
		{"unknown subject", pipeline.Request{SubjectID: "stu-404"}, observations.ErrSubjectNotFound},
		{"window too large", pipeline.Request{SubjectID: "stu-1", WindowStart: now.AddDate(-1, 0, 0), WindowEnd: now}, patterns.ErrWindowTooLarge},
		{"inverted window", pipeline.Request{SubjectID: "stu-1", WindowStart: now, WindowEnd: now.Add(-time.Hour)}, patterns.ErrInvalidWindow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pipeline.Run(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRunBatch(t *testing.T) {
	f := newFixture(t, generatorFunc(echo), pipeline.Config{BatchConcurrency: 2})

	results, err := f.pipeline.RunBatch(context.Background(), []string{"stu-1", "stu-2", "stu-404"}, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("results: got %d, want 3", len(results))
	}
	for _, r := range results[:2] {
		if r.Error != "" || r.ReportID == "" || r.Band != risk.High {
			t.Errorf("result %s: got %+v", r.SubjectID, r)
		}
	}
	if results[2].SubjectID != "stu-404" || results[2].Error == "" {
		t.Errorf("unknown subject result: got %+v", results[2])
	}
}

func TestRunBatch_TooLarge(t *testing.T) {
	f := newFixture(t, generatorFunc(echo), pipeline.Config{MaxBatch: 1})
	_, err := f.pipeline.RunBatch(context.Background(), []string{"stu-1", "stu-2"}, time.Time{}, time.Time{})
	if !errors.Is(err, pipeline.ErrBatchTooLarge) {
		t.Errorf("got %v, want ErrBatchTooLarge", err)
	}
}

func TestResetStrikes(t *testing.T) {
	f := newFixture(t, generatorFunc(echo), pipeline.Config{RequireSecondApprover: true})
	if _, err := f.pipeline.Run(context.Background(), pipeline.Request{SubjectID: "stu-1"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	_, err := f.pipeline.ResetStrikes(context.Background(), "stu-1", strikes.ResetCommand{ResetBy: "counselor", Reason: "resolved"})
	if !errors.Is(err, strikes.ErrApproverRequired) {
		t.Errorf("got %v, want ErrApproverRequired", err)
	}

	state, err := f.pipeline.ResetStrikes(context.Background(), "stu-1", strikes.ResetCommand{
		ResetBy:    "counselor",
		ApprovedBy: "principal",
		Reason:     "resolved",
	})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if state.Level != risk.Clear {
		t.Errorf("level: got %s, want clear", state.Level)
	}

	events := f.events.byKind(notify.KindStrikeReset)
	if len(events) != 1 || events[0].Attributes["from"] != risk.Level1.String() {
		t.Errorf("reset events: got %+v", events)
	}
}

func newServer(f *fixture) *httptest.Server {
	mux := http.NewServeMux()
	routes.Register(mux, pipeline.NewHandler(f.pipeline, discard()).Routes())
	return httptest.NewServer(mux)
}

func TestHandler(t *testing.T) {
	f := newFixture(t, generatorFunc(echo), pipeline.Config{})
	srv := newServer(f)
	defer srv.Close()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"latest before any run", "GET", "/assessments/stu-1/latest", "", http.StatusNotFound},
		{"run", "POST", "/assessments/stu-1", "", http.StatusCreated},
		{"latest after run", "GET", "/assessments/stu-1/latest", "", http.StatusOK},
		{"run unknown subject", "POST", "/assessments/stu-404", "", http.StatusNotFound},
		{"run bad body", "POST", "/assessments/stu-1", "{", http.StatusBadRequest},
		{"batch", "POST", "/assessments/batch", `{"subject_ids": ["stu-2"]}`, http.StatusOK},
		{"batch empty", "POST", "/assessments/batch", `{"subject_ids": []}`, http.StatusBadRequest},
		{"strikes", "GET", "/strikes/stu-1", "", http.StatusOK},
		{"reset missing reason", "POST", "/strikes/stu-1/reset", `{"reset_by": "counselor"}`, http.StatusBadRequest},
		{"reset", "POST", "/strikes/stu-1/reset", `{"reset_by": "counselor", "reason": "resolved"}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, srv.URL+tt.path, strings.NewReader(tt.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.want {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	resp, err := http.Get(srv.URL + "/strikes/stu-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var state strikes.State
	json.NewDecoder(resp.Body).Decode(&state)
	if state.Level != risk.Clear {
		t.Errorf("after reset: got %s, want clear", state.Level)
	}
}
