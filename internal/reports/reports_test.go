package reports_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/safeguard/internal/analysis"
	"github.com/JaimeStill/safeguard/internal/localizer"
	"github.com/JaimeStill/safeguard/internal/patterns"
	"github.com/JaimeStill/safeguard/internal/reports"
	"github.com/JaimeStill/safeguard/internal/risk"
	"github.com/JaimeStill/safeguard/pkg/pagination"
	"github.com/JaimeStill/safeguard/pkg/routes"
)

var (
	fixedTime = time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	pageCfg   = pagination.Config{DefaultPageSize: 2, MaxPageSize: 10}
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedIDs(ids ...uuid.UUID) func() uuid.UUID {
	i := 0
	return func() uuid.UUID {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func assessment(subject string) risk.Assessment {
	return risk.Assessment{
		ID:            uuid.MustParse("00000000-0000-0000-0000-0000000000a1"),
		SubjectID:     subject,
		Score:         3,
		Band:          risk.High,
		Signals:       []patterns.Signal{{Name: "incident_count_7d", Value: 3, Support: 3}},
		Contributions: map[string]float64{"incident_count_7d": 3},
		StrikeLevel:   risk.Level1,
		Escalated:     true,
		ConfigVersion: "cfg-abc",
		AssessedAt:    fixedTime,
	}
}

func narrative() localizer.Narrative {
	return localizer.Narrative{
		Summary: "stu-1 had three incidents this week.",
		Source:  analysis.SourceGenerated,
	}
}

func TestAssemble_Deterministic(t *testing.T) {
	id := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	clock := func() time.Time { return fixedTime }

	a := reports.NewAssembler("1.0.0", reports.WithIDSource(fixedIDs(id)), reports.WithClock(clock))
	b := reports.NewAssembler("1.0.0", reports.WithIDSource(fixedIDs(id)), reports.WithClock(clock))

	prov := reports.Provenance{RecordCount: 3, WindowStart: fixedTime.AddDate(0, 0, -30), WindowEnd: fixedTime}

	ra, err := a.Assemble(assessment("stu-1"), narrative(), prov, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	rb, _ := b.Assemble(assessment("stu-1"), narrative(), prov, nil)

	if ra.Digest != rb.Digest {
		t.Errorf("digest: got %s and %s for identical input", ra.Digest, rb.Digest)
	}
	if len(ra.Digest) != 64 {
		t.Errorf("digest length: got %d, want 64", len(ra.Digest))
	}
	if ra.Provenance.PipelineVersion != "1.0.0" {
		t.Errorf("pipeline version: got %s, want 1.0.0", ra.Provenance.PipelineVersion)
	}
	if ra.Provenance.ConfigVersion != "cfg-abc" {
		t.Errorf("config version: got %s, want cfg-abc", ra.Provenance.ConfigVersion)
	}
	if len(ra.Provenance.Signals) != 1 {
		t.Errorf("signals: got %d, want 1", len(ra.Provenance.Signals))
	}
}

func TestVerify(t *testing.T) {
	r, _ := reports.NewAssembler("1.0.0").Assemble(assessment("stu-1"), narrative(), reports.Provenance{}, nil)

	if err := reports.Verify(r); err != nil {
		t.Fatalf("verify: %v", err)
	}

	data, _ := json.Marshal(r)
	var decoded reports.Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := reports.Verify(decoded); err != nil {
		t.Errorf("verify after round trip: %v", err)
	}

	r.Narrative.Summary = "edited"
	if err := reports.Verify(r); !errors.Is(err, reports.ErrDigestMismatch) {
		t.Errorf("got %v, want ErrDigestMismatch", err)
	}
}

func TestArchiveKey(t *testing.T) {
	id := uuid.MustParse("00000000-0000-0000-0000-000000000007")
	r := reports.Report{ID: id, SubjectID: "stu-1"}

	if got, want := r.ArchiveKey(), "reports/stu-1/00000000-0000-0000-0000-000000000007.json"; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func seed(t *testing.T, store *reports.MemoryStore, n int) []reports.Report {
	t.Helper()
	asm := reports.NewAssembler("1.0.0")

	var out []reports.Report
	var prev *uuid.UUID
	for range n {
		r, err := asm.Assemble(assessment("stu-1"), narrative(), reports.Provenance{}, prev)
		if err != nil {
			t.Fatalf("assemble: %v", err)
		}
		if err := store.Save(context.Background(), r); err != nil {
			t.Fatalf("save: %v", err)
		}
		prev = &r.ID
		out = append(out, r)
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := reports.NewMemoryStore(pageCfg)
	saved := seed(t, store, 3)

	if err := store.Save(ctx, saved[0]); !errors.Is(err, reports.ErrDuplicate) {
		t.Errorf("duplicate save: got %v, want ErrDuplicate", err)
	}

	latest, err := store.Latest(ctx, "stu-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != saved[2].ID {
		t.Errorf("latest: got %s, want %s", latest.ID, saved[2].ID)
	}
	if latest.Supersedes == nil || *latest.Supersedes != saved[1].ID {
		t.Errorf("supersedes: got %v, want %s", latest.Supersedes, saved[1].ID)
	}

	page, err := store.ListBySubject(ctx, "stu-1", pagination.PageRequest{Page: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 3 || page.TotalPages != 2 || len(page.Data) != 1 {
		t.Errorf("page: got total=%d pages=%d len=%d, want 3, 2, 1", page.Total, page.TotalPages, len(page.Data))
	}
	if page.Data[0].ID != saved[0].ID {
		t.Errorf("page 2 item: got %s, want oldest %s", page.Data[0].ID, saved[0].ID)
	}

	if _, err := store.Latest(ctx, "stu-9"); !errors.Is(err, reports.ErrNotFound) {
		t.Errorf("unknown subject: got %v, want ErrNotFound", err)
	}
}

func newServer(store reports.Store) *httptest.Server {
	mux := http.NewServeMux()
	routes.Register(mux, reports.NewHandler(store, discard(), pageCfg).Routes())
	return httptest.NewServer(mux)
}

func TestHandler(t *testing.T) {
	store := reports.NewMemoryStore(pageCfg)
	saved := seed(t, store, 3)
	srv := newServer(store)
	defer srv.Close()

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"find", "/reports/" + saved[0].ID.String(), http.StatusOK},
		{"find missing", "/reports/" + uuid.NewString(), http.StatusNotFound},
		{"find invalid", "/reports/not-a-uuid", http.StatusBadRequest},
		{"list", "/reports/subject/stu-1", http.StatusOK},
		{"archive", "/reports/archive/" + saved[1].ID.String(), http.StatusOK},
		{"archive missing", "/reports/archive/" + uuid.NewString(), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestHandler_FindBody(t *testing.T) {
	store := reports.NewMemoryStore(pageCfg)
	saved := seed(t, store, 1)
	srv := newServer(store)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/reports/" + saved[0].ID.String())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	var got reports.Report
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Digest != saved[0].Digest {
		t.Errorf("digest: got %s, want %s", got.Digest, saved[0].Digest)
	}
	if err := reports.Verify(got); err != nil {
		t.Errorf("verify served report: %v", err)
	}
}

func TestHandler_ListSort(t *testing.T) {
	store := reports.NewMemoryStore(pageCfg)
	asm := reports.NewAssembler("1.0.0")
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for i := range 3 {
		r, err := asm.Assemble(assessment("stu-1"), narrative(), reports.Provenance{}, nil)
		if err != nil {
			t.Fatalf("assemble: %v", err)
		}
		r.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if err := store.Save(context.Background(), r); err != nil {
			t.Fatalf("save: %v", err)
		}
		ids = append(ids, r.ID)
	}

	srv := newServer(store)
	defer srv.Close()

	tests := []struct {
		name  string
		query string
		want  []uuid.UUID
	}{
		{"default newest first", "", []uuid.UUID{ids[2], ids[1], ids[0]}},
		{"ascending", "?sort=created_at", []uuid.UUID{ids[0], ids[1], ids[2]}},
		{"descending camel case", "?sort=-createdAt", []uuid.UUID{ids[2], ids[1], ids[0]}},
		{"unknown field ignored", "?sort=priority", []uuid.UUID{ids[2], ids[1], ids[0]}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/reports/subject/stu-1" + tt.query)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()

			var page pagination.PageResult[reports.Report]
			if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(page.Data) != len(tt.want) {
				t.Fatalf("len: got %d, want %d", len(page.Data), len(tt.want))
			}
			for i, id := range tt.want {
				if page.Data[i].ID != id {
					t.Errorf("item %d: got %s, want %s", i, page.Data[i].ID, id)
				}
			}
		})
	}
}
