// Package observations holds the canonical store of behavioral records about
// subjects. The pipeline only reads it; the sync scheduler is its only writer.
package observations

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourceManual marks records entered by staff rather than synced.
const SourceManual = "manual"

// Category classifies an observation.
type Category string

const (
	Negative Category = "negative"
	Neutral  Category = "neutral"
	Positive Category = "positive"
)

// Categories lists every category in rank order.
var Categories = []Category{Negative, Neutral, Positive}

// Rank orders categories for tie-breaking: negative sorts before neutral,
// neutral before positive.
func (c Category) Rank() int {
	switch c {
	case Negative:
		return 0
	case Neutral:
		return 1
	case Positive:
		return 2
	}
	return 3
}

var categoryAliases = map[string]Category{
	"negative":   Negative,
	"incident":   Negative,
	"needs_work": Negative,
	"neutral":    Neutral,
	"note":       Neutral,
	"positive":   Positive,
	"praise":     Positive,
}

// ParseCategory accepts the canonical names and the aliases used by
// external trackers.
func ParseCategory(s string) (Category, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "-", "_")
	if c, ok := categoryAliases[key]; ok {
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

// Subject is the person observations are about.
type Subject struct {
	ID             string   `json:"id"`
	GroupID        string   `json:"group_id,omitempty"`
	Accommodations []string `json:"accommodations"`
}

// Record is a single observation. Manual records are immutable; a synced
// record is replaced only by a newer version of the same (Source, NativeID).
type Record struct {
	ID              uuid.UUID  `json:"id"`
	SubjectID       string     `json:"subject_id"`
	OccurredAt      time.Time  `json:"occurred_at"`
	Category        Category   `json:"category"`
	Note            string     `json:"note,omitempty"`
	Source          string     `json:"source"`
	NativeID        string     `json:"native_id"`
	SourceUpdatedAt time.Time  `json:"source_updated_at"`
	SyncJobID       *uuid.UUID `json:"sync_job_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Key identifies a record across sources.
func (r Record) Key() string {
	return r.Source + "\x00" + r.NativeID
}

// Less orders records by time, then category rank, then source and native id.
func Less(a, b Record) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	if a.Category.Rank() != b.Category.Rank() {
		return a.Category.Rank() < b.Category.Rank()
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.NativeID < b.NativeID
}

// Compare adapts Less for slices.SortFunc.
func Compare(a, b Record) int {
	if Less(a, b) {
		return -1
	}
	if Less(b, a) {
		return 1
	}
	return 0
}

// MergeResult reports how an upsert was applied.
type MergeResult string

const (
	Inserted MergeResult = "inserted"
	Updated  MergeResult = "updated"
	Stale    MergeResult = "stale"
)
