// Package sources adapts external behavior-tracking systems to a common
// polling contract. Sources are authoritative: records flow one way, from the
// source into the canonical store.
package sources

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/JaimeStill/safeguard/internal/observations"
)

const (
	KindSpreadsheet = "spreadsheet"
	KindTracker     = "tracker"
)

// Cursor is a source high-water mark. Cursors are totally ordered by
// UpdatedAt, then NativeID.
type Cursor struct {
	UpdatedAt time.Time `json:"updated_at"`
	NativeID  string    `json:"native_id"`
}

func (c Cursor) IsZero() bool {
	return c.UpdatedAt.IsZero() && c.NativeID == ""
}

func (c Cursor) Compare(o Cursor) int {
	if n := c.UpdatedAt.Compare(o.UpdatedAt); n != 0 {
		return n
	}
	return cmp.Compare(c.NativeID, o.NativeID)
}

// After reports whether c sorts strictly after o.
func (c Cursor) After(o Cursor) bool {
	return c.Compare(o) > 0
}

// Record is a record exactly as a source delivered it. Nothing is trusted
// until Normalize succeeds.
type Record struct {
	NativeID   string `json:"id"`
	SubjectID  string `json:"subject_id"`
	OccurredAt string `json:"occurred_at"`
	Category   string `json:"category"`
	Note       string `json:"note"`
	UpdatedAt  string `json:"updated_at"`
}

// Batch is the result of one Fetch, ordered by cursor. Location is the zone
// naive timestamps in Records are interpreted in.
type Batch struct {
	Records  []Record
	Location *time.Location
}

// Source is an external system polled by the scheduler.
type Source interface {
	Name() string
	// Fetch returns every record changed strictly after since.
	Fetch(ctx context.Context, since Cursor) (Batch, error)
	// Ack tells the source the cursor was persisted. Failures are not fatal.
	Ack(ctx context.Context, c Cursor) error
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

func parseTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Cursor parses the record's position. Records without a parseable
// UpdatedAt have no position and fail Normalize. UpdatedAt is truncated
// to microseconds, the precision TIMESTAMPTZ stores, so a persisted cursor
// compares equal to the record it was taken from.
func (r Record) Cursor(loc *time.Location) (Cursor, error) {
	updated, err := parseTime(r.UpdatedAt, loc)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: updated_at: %w", observations.ErrInvalidRecord, err)
	}
	return Cursor{UpdatedAt: updated.Truncate(time.Microsecond), NativeID: strings.TrimSpace(r.NativeID)}, nil
}

// sortByCursor orders records by position. Records without a parseable
// position sort first.
func sortByCursor(records []Record, loc *time.Location) []Record {
	type positioned struct {
		rec Record
		cur Cursor
		ok  bool
	}

	items := make([]positioned, len(records))
	for i, rec := range records {
		cur, err := rec.Cursor(loc)
		items[i] = positioned{rec: rec, cur: cur, ok: err == nil}
	}

	slices.SortStableFunc(items, func(a, b positioned) int {
		if a.ok != b.ok {
			if a.ok {
				return 1
			}
			return -1
		}
		return a.cur.Compare(b.cur)
	})

	out := make([]Record, len(items))
	for i, it := range items {
		out[i] = it.rec
	}
	return out
}

// Normalize converts the raw record into a canonical observation and
// validates it.
func (r Record) Normalize(source string, loc *time.Location) (observations.Record, Cursor, error) {
	cur, err := r.Cursor(loc)
	if err != nil {
		return observations.Record{}, Cursor{}, err
	}

	occurred, err := parseTime(r.OccurredAt, loc)
	if err != nil {
		return observations.Record{}, cur, fmt.Errorf("%w: occurred_at: %w", observations.ErrInvalidRecord, err)
	}

	category, err := observations.ParseCategory(r.Category)
	if err != nil {
		return observations.Record{}, cur, fmt.Errorf("%w: %w", observations.ErrInvalidRecord, err)
	}

	rec := observations.Record{
		SubjectID:       strings.TrimSpace(r.SubjectID),
		OccurredAt:      occurred,
		Category:        category,
		Note:            strings.TrimSpace(r.Note),
		Source:          source,
		NativeID:        cur.NativeID,
		SourceUpdatedAt: cur.UpdatedAt,
	}

	if err := observations.Validate(rec); err != nil {
		return observations.Record{}, cur, err
	}
	return rec, cur, nil
}

// Config describes one configured source.
type Config struct {
	Name     string
	Kind     string
	URL      string
	Token    string
	AckURL   string
	MaxBytes int64
	Location *time.Location
}

// New builds the source described by cfg.
func New(cfg Config, client *http.Client) (Source, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidConfig)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: %s: url required", ErrInvalidConfig, cfg.Name)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}

	switch cfg.Kind {
	case KindSpreadsheet:
		return NewSpreadsheet(cfg, client), nil
	case KindTracker:
		return NewTracker(cfg, client), nil
	}
	return nil, fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidConfig, cfg.Name, cfg.Kind)
}
