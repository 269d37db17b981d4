// Package patterns derives behavioral signals from a subject's observations
// over a time window. Extraction is a pure function of the store contents and
// the window, so the same inputs always produce the same signals.
package patterns

import (
	"math/big"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Signal is one derived feature. Support counts the observations behind it;
// a signal with zero support carries no evidence.
type Signal struct {
	Name    string  `json:"name"`
	Value   float64 `json:"value"`
	Label   string  `json:"label,omitempty"`
	Support int     `json:"support"`
}

// Extraction is the result of one Extract call.
type Extraction struct {
	SubjectID   string      `json:"subject_id"`
	WindowStart time.Time   `json:"window_start"`
	WindowEnd   time.Time   `json:"window_end"`
	Signals     []Signal    `json:"signals"`
	RecordCount int         `json:"record_count"`
	SyncJobs    []uuid.UUID `json:"sync_jobs"`
	Peers       []string    `json:"-"`
}

// Signal returns the named signal.
func (e Extraction) Signal(name string) (Signal, bool) {
	i := slices.IndexFunc(e.Signals, func(s Signal) bool { return s.Name == name })
	if i < 0 {
		return Signal{}, false
	}
	return e.Signals[i], true
}

// Names lists the signal names in order.
func (e Extraction) Names() []string {
	names := make([]string, len(e.Signals))
	for i, s := range e.Signals {
		names[i] = s.Name
	}
	return names
}

// Supported counts signals with evidence behind them.
func Supported(signals []Signal) int {
	n := 0
	for _, s := range signals {
		if s.Support > 0 {
			n++
		}
	}
	return n
}

// ratio computes num/den exactly and rounds half away from zero to places.
func ratio(num, den int64, places int) float64 {
	if den == 0 {
		return 0
	}
	s := new(big.Rat).SetFrac64(num, den).FloatString(places)
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func countName(prefix, label string) string {
	return prefix + "_count_" + strings.ToLower(label)
}
