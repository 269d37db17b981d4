package patterns

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/safeguard/internal/observations"
)

const day = 24 * time.Hour

// Window is a rolling sub-window ending at the extraction window's end.
type Window struct {
	Label string
	Span  time.Duration
}

// Config controls signal derivation.
type Config struct {
	MaxWindow        time.Duration
	SubWindows       []Window
	RateWindow       string
	ClusterMin       int
	CoOccurrenceSpan time.Duration
	Location         *time.Location
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() Config {
	return Config{
		MaxWindow: 90 * day,
		SubWindows: []Window{
			{Label: "24h", Span: day},
			{Label: "7d", Span: 7 * day},
			{Label: "30d", Span: 30 * day},
		},
		RateWindow:       "30d",
		ClusterMin:       3,
		CoOccurrenceSpan: 30 * time.Minute,
		Location:         time.UTC,
	}
}

type period struct {
	name       string
	start, end int
}

var periods = []period{
	{"night", 0, 6},
	{"morning", 6, 11},
	{"midday", 11, 14},
	{"afternoon", 14, 18},
	{"evening", 18, 24},
}

// Extractor derives signals from the canonical store.
type Extractor struct {
	store observations.Reader
	cfg   Config
}

// New creates an Extractor reading from store.
func New(store observations.Reader, cfg Config) *Extractor {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Extractor{store: store, cfg: cfg}
}

// Extract computes the subject's signals for [start, end).
func (e *Extractor) Extract(ctx context.Context, subjectID string, start, end time.Time) (Extraction, error) {
	if !end.After(start) {
		return Extraction{}, ErrInvalidWindow
	}
	if e.cfg.MaxWindow > 0 && end.Sub(start) > e.cfg.MaxWindow {
		return Extraction{}, fmt.Errorf("%w: %s > %s", ErrWindowTooLarge, end.Sub(start), e.cfg.MaxWindow)
	}

	subject, err := e.store.Subject(ctx, subjectID)
	if err != nil {
		return Extraction{}, err
	}

	records, err := e.store.Records(ctx, subjectID, start, end)
	if err != nil {
		return Extraction{}, fmt.Errorf("load records: %w", err)
	}
	slices.SortFunc(records, observations.Compare)

	var negatives []observations.Record
	for _, r := range records {
		if r.Category == observations.Negative {
			negatives = append(negatives, r)
		}
	}

	signals := e.counts(records, start, end)
	signals = append(signals, e.rate(records, start, end))
	signals = append(signals, e.recency(negatives, start, end))
	signals = append(signals, e.cluster("weekday_cluster", negatives, func(t time.Time) string {
		return t.In(e.cfg.Location).Weekday().String()
	}, weekdayOrder))
	signals = append(signals, e.cluster("period_cluster", negatives, func(t time.Time) string {
		return periodOf(t.In(e.cfg.Location))
	}, periodOrder))

	coOccur, peers, err := e.coOccurrence(ctx, subject, negatives, start, end)
	if err != nil {
		return Extraction{}, err
	}
	signals = append(signals, coOccur)

	slices.SortFunc(signals, func(a, b Signal) int {
		return strings.Compare(a.Name, b.Name)
	})

	return Extraction{
		SubjectID:   subjectID,
		WindowStart: start,
		WindowEnd:   end,
		Signals:     signals,
		RecordCount: len(records),
		SyncJobs:    syncJobs(records),
		Peers:       peers,
	}, nil
}

func (e *Extractor) counts(records []observations.Record, start, end time.Time) []Signal {
	signals := make([]Signal, 0, len(e.cfg.SubWindows)*(len(observations.Categories)+1))

	for _, w := range e.cfg.SubWindows {
		from := clip(end.Add(-w.Span), start)
		tally := make(map[observations.Category]int)
		for _, r := range records {
			if !r.OccurredAt.Before(from) {
				tally[r.Category]++
			}
		}

		for _, c := range observations.Categories {
			n := tally[c]
			signals = append(signals, Signal{Name: countName(string(c), w.Label), Value: float64(n), Support: n})
		}

		n := tally[observations.Negative]
		signals = append(signals, Signal{Name: countName("incident", w.Label), Value: float64(n), Support: n})
	}

	return signals
}

func (e *Extractor) rate(records []observations.Record, start, end time.Time) Signal {
	span := end.Sub(start)
	for _, w := range e.cfg.SubWindows {
		if w.Label == e.cfg.RateWindow {
			span = w.Span
		}
	}

	label := e.cfg.RateWindow
	if label == "" {
		label = "window"
	}

	from := clip(end.Add(-span), start)
	var negative, total int64
	for _, r := range records {
		if r.OccurredAt.Before(from) {
			continue
		}
		total++
		if r.Category == observations.Negative {
			negative++
		}
	}

	return Signal{
		Name:    "negative_rate_" + label,
		Value:   ratio(negative, total, 4),
		Support: int(total),
	}
}

func (e *Extractor) recency(negatives []observations.Record, start, end time.Time) Signal {
	if len(negatives) == 0 {
		return Signal{
			Name:  "days_since_last_incident",
			Value: ratio(int64(end.Sub(start)/time.Minute), int64(day/time.Minute), 2),
		}
	}

	last := negatives[len(negatives)-1].OccurredAt
	return Signal{
		Name:    "days_since_last_incident",
		Value:   ratio(int64(end.Sub(last)/time.Minute), int64(day/time.Minute), 2),
		Support: 1,
	}
}

// cluster reports the most frequent bucket among negative records when it
// repeats at least ClusterMin times. Ties go to the earliest bucket in order.
func (e *Extractor) cluster(name string, negatives []observations.Record, bucket func(time.Time) string, order []string) Signal {
	tally := make(map[string]int)
	for _, r := range negatives {
		tally[bucket(r.OccurredAt)]++
	}

	best, count := "", 0
	for _, b := range order {
		if tally[b] > count {
			best, count = b, tally[b]
		}
	}

	if e.cfg.ClusterMin <= 0 || count < e.cfg.ClusterMin {
		return Signal{Name: name}
	}
	return Signal{Name: name, Value: float64(count), Label: best, Support: count}
}

// coOccurrence counts the subject's negative records that have at least one
// negative record of another group member within the co-occurrence span.
func (e *Extractor) coOccurrence(ctx context.Context, subject *observations.Subject, negatives []observations.Record, start, end time.Time) (Signal, []string, error) {
	sig := Signal{Name: "peer_co_occurrence"}
	if subject.GroupID == "" || len(negatives) == 0 {
		return sig, nil, nil
	}

	span := e.cfg.CoOccurrenceSpan
	group, err := e.store.GroupRecords(ctx, subject.GroupID, subject.ID, start.Add(-span), end.Add(span))
	if err != nil {
		return sig, nil, fmt.Errorf("load group records: %w", err)
	}

	peerSet := make(map[string]struct{})
	for _, r := range negatives {
		matched := false
		for _, p := range group {
			if p.Category != observations.Negative {
				continue
			}
			if absDuration(p.OccurredAt.Sub(r.OccurredAt)) <= span {
				matched = true
				peerSet[p.SubjectID] = struct{}{}
			}
		}
		if matched {
			sig.Support++
		}
	}
	sig.Value = float64(sig.Support)

	peers := make([]string, 0, len(peerSet))
	for id := range peerSet {
		peers = append(peers, id)
	}
	slices.Sort(peers)

	return sig, peers, nil
}

func syncJobs(records []observations.Record) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	jobs := make([]uuid.UUID, 0)
	for _, r := range records {
		if r.SyncJobID == nil {
			continue
		}
		if _, ok := seen[*r.SyncJobID]; ok {
			continue
		}
		seen[*r.SyncJobID] = struct{}{}
		jobs = append(jobs, *r.SyncJobID)
	}
	slices.SortFunc(jobs, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
	return jobs
}

var weekdayOrder = []string{
	time.Sunday.String(),
	time.Monday.String(),
	time.Tuesday.String(),
	time.Wednesday.String(),
	time.Thursday.String(),
	time.Friday.String(),
	time.Saturday.String(),
}

var periodOrder = func() []string {
	names := make([]string, len(periods))
	for i, p := range periods {
		names[i] = p.name
	}
	return names
}()

func periodOf(t time.Time) string {
	h := t.Hour()
	for _, p := range periods {
		if h >= p.start && h < p.end {
			return p.name
		}
	}
	return periods[len(periods)-1].name
}

func clip(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
