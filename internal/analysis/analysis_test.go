package analysis_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JaimeStill/safeguard/internal/analysis"
	"github.com/JaimeStill/safeguard/internal/notify"
	"github.com/JaimeStill/safeguard/internal/patterns"
	"github.com/JaimeStill/safeguard/internal/risk"
	"github.com/JaimeStill/safeguard/internal/tokenizer"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type generatorFunc func(ctx context.Context, req analysis.Request) (string, error)

func (f generatorFunc) Generate(ctx context.Context, req analysis.Request) (string, error) {
	return f(ctx, req)
}

func respond(text string) generatorFunc {
	return func(context.Context, analysis.Request) (string, error) { return text, nil }
}

type eventSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *eventSink) Emit(ctx context.Context, e notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

type fixture struct {
	tok *tokenizer.Tokenizer
	tc  analysis.TokenizedContext
	a   risk.Assessment
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	tok := tokenizer.New(time.Hour)
	sess, err := tok.Open()
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	subject, err := tok.Tokenize(sess.ID, "stu-1")
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	peer, _ := tok.Tokenize(sess.ID, "stu-2")

	return fixture{
		tok: tok,
		tc: analysis.TokenizedContext{
			SessionID: sess.ID,
			Subject:   subject,
			Peers:     []tokenizer.Token{peer},
		},
		a: risk.Assessment{
			SubjectID:     "stu-1",
			Score:         3,
			Band:          risk.High,
			StrikeLevel:   risk.Level1,
			PreviousLevel: risk.Clear,
			Escalated:     true,
			Signals: []patterns.Signal{
				{Name: "incident_count_7d", Value: 3, Support: 3},
				{Name: "weekday_cluster", Value: 3, Label: "Monday", Support: 3},
			},
			Contributions: map[string]float64{"incident_count_7d": 3, "weekday_cluster": 0.75},
		},
	}
}

func (f fixture) stage(gen analysis.Generator, cfg analysis.Config, opts ...analysis.Option) *analysis.Stage {
	return analysis.New(gen, f.tok, cfg, discard(), opts...)
}

func TestAnalyze_Generated(t *testing.T) {
	f := newFixture(t)
	body := fmt.Sprintf(`{"summary": "%s shows three incidents this week.", "observations": ["Incidents cluster on Monday."], "recommendations": ["Check in with %s."]}`, f.tc.Subject, f.tc.Subject)

	d, err := f.stage(respond(body), analysis.Config{}).Analyze(context.Background(), f.tc, f.a)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if d.Source != analysis.SourceGenerated {
		t.Errorf("source: got %s, want generated (reason %q)", d.Source, d.FallbackReason)
	}
	if d.SessionID != f.tc.SessionID {
		t.Errorf("session: got %s, want %s", d.SessionID, f.tc.SessionID)
	}
	if len(d.Observations) != 1 || len(d.Recommendations) != 1 {
		t.Errorf("fields: got %d observations, %d recommendations, want 1 and 1", len(d.Observations), len(d.Recommendations))
	}
}

func TestAnalyze_FencedResponse(t *testing.T) {
	f := newFixture(t)
	body := "```json\n{\"summary\": \"Stable week.\", \"observations\": [], \"recommendations\": []}\n```"

	d, _ := f.stage(respond(body), analysis.Config{}).Analyze(context.Background(), f.tc, f.a)
	if d.Source != analysis.SourceGenerated {
		t.Errorf("source: got %s, want generated", d.Source)
	}
}

func TestAnalyze_TimeoutFallsBack(t *testing.T) {
	f := newFixture(t)
	slow := generatorFunc(func(ctx context.Context, _ analysis.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	start := time.Now()
	d, err := f.stage(slow, analysis.Config{Timeout: 20 * time.Millisecond}).Analyze(context.Background(), f.tc, f.a)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("elapsed: got %v, want bounded by timeout", elapsed)
	}
	if d.Source != analysis.SourceFallback || d.FallbackReason != "timeout" {
		t.Errorf("got %s/%s, want fallback/timeout", d.Source, d.FallbackReason)
	}
	if !strings.Contains(d.Summary, string(f.tc.Subject)) {
		t.Errorf("summary does not reference subject token: %q", d.Summary)
	}
}

func TestAnalyze_GeneratorErrorFallsBack(t *testing.T) {
	f := newFixture(t)
	failing := generatorFunc(func(context.Context, analysis.Request) (string, error) {
		return "", errors.New("quota exceeded")
	})

	d, err := f.stage(failing, analysis.Config{}).Analyze(context.Background(), f.tc, f.a)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if d.FallbackReason != "generator_error" {
		t.Errorf("reason: got %s, want generator_error", d.FallbackReason)
	}
}

func TestAnalyze_MalformedFallsBack(t *testing.T) {
	f := newFixture(t)

	d, _ := f.stage(respond("I cannot help with that."), analysis.Config{}).Analyze(context.Background(), f.tc, f.a)
	if d.FallbackReason != "malformed_response" {
		t.Errorf("reason: got %s, want malformed_response", d.FallbackReason)
	}
}

func TestAnalyze_UnissuedTokenIsLeak(t *testing.T) {
	f := newFixture(t)
	sink := &eventSink{}
	body := `{"summary": "SUBJ-ZZZZZZZZZZZZ was involved.", "observations": [], "recommendations": []}`

	d, err := f.stage(respond(body), analysis.Config{}, analysis.WithNotifier(sink)).Analyze(context.Background(), f.tc, f.a)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if d.Source != analysis.SourceFallback || d.FallbackReason != "leak_suspected" {
		t.Errorf("got %s/%s, want fallback/leak_suspected", d.Source, d.FallbackReason)
	}
	if strings.Contains(d.Text(), "SUBJ-ZZZZZZZZZZZZ") {
		t.Error("rejected draft text survived into fallback")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 || sink.events[0].Kind != notify.KindLeakSuspected {
		t.Fatalf("events: got %+v, want one leak event", sink.events)
	}
	if sink.events[0].SubjectID != "" {
		t.Errorf("leak event subject: got %q, want empty", sink.events[0].SubjectID)
	}
}

func TestAnalyze_MangledTokenIsLeak(t *testing.T) {
	f := newFixture(t)
	mangled := strings.ToLower(string(f.tc.Subject))[:10]
	body := fmt.Sprintf(`{"summary": "%s had a hard week.", "observations": [], "recommendations": []}`, mangled)

	d, _ := f.stage(respond(body), analysis.Config{}).Analyze(context.Background(), f.tc, f.a)
	if d.FallbackReason != "leak_suspected" {
		t.Errorf("reason: got %s, want leak_suspected", d.FallbackReason)
	}
}

func TestAnalyze_StrictRejectsRealIdentifier(t *testing.T) {
	f := newFixture(t)
	body := `{"summary": "stu-1 had a hard week.", "observations": [], "recommendations": []}`

	standard, _ := f.stage(respond(body), analysis.Config{Strictness: analysis.Standard}).Analyze(context.Background(), f.tc, f.a)
	if standard.Source != analysis.SourceGenerated {
		t.Errorf("standard: got %s, want generated", standard.Source)
	}

	strict, _ := f.stage(respond(body), analysis.Config{Strictness: analysis.Strict}).Analyze(context.Background(), f.tc, f.a)
	if strict.FallbackReason != "leak_suspected" {
		t.Errorf("strict: got %s, want leak_suspected", strict.FallbackReason)
	}
}

func TestAnalyze_ClosedSessionIsLeak(t *testing.T) {
	f := newFixture(t)
	body := fmt.Sprintf(`{"summary": "%s is stable.", "observations": [], "recommendations": []}`, f.tc.Subject)

	f.tok.Close(f.tc.SessionID)

	d, _ := f.stage(respond(body), analysis.Config{}).Analyze(context.Background(), f.tc, f.a)
	if d.FallbackReason != "leak_suspected" {
		t.Errorf("reason: got %s, want leak_suspected", d.FallbackReason)
	}
}

func TestAnalyze_CallerCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	blocked := generatorFunc(func(ctx context.Context, _ analysis.Request) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	})

	_, err := f.stage(blocked, analysis.Config{Timeout: time.Minute}).Analyze(ctx, f.tc, f.a)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestCompose_OnlyTokens(t *testing.T) {
	f := newFixture(t)
	prompt := analysis.Compose(f.tc, f.a)

	if strings.Contains(prompt, "stu-1") || strings.Contains(prompt, "stu-2") {
		t.Error("prompt contains a real identifier")
	}
	for _, want := range []string{string(f.tc.Subject), string(f.tc.Peers[0]), "incident_count_7d", "high", "level1"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestTemplate_Deterministic(t *testing.T) {
	f := newFixture(t)

	a := analysis.Template(f.tc, f.a)
	b := analysis.Template(f.tc, f.a)
	if a.Text() != b.Text() {
		t.Errorf("template differs:\n%s\n%s", a.Text(), b.Text())
	}
	if !strings.HasPrefix(a.Observations[0], "incident_count_7d") {
		t.Errorf("first observation: got %q, want largest contribution first", a.Observations[0])
	}
	if len(a.Recommendations) != 3 {
		t.Errorf("recommendations: got %d, want 3", len(a.Recommendations))
	}
}

func TestParseStrictness(t *testing.T) {
	if s, err := analysis.ParseStrictness("STRICT"); err != nil || s != analysis.Strict {
		t.Errorf("got %s, %v, want strict", s, err)
	}
	if _, err := analysis.ParseStrictness("paranoid"); !errors.Is(err, analysis.ErrInvalidStrictness) {
		t.Errorf("got %v, want ErrInvalidStrictness", err)
	}
}
