package analysis

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/JaimeStill/safeguard/internal/risk"
)

const maxTemplateObservations = 5

var recommendations = map[risk.Band][]string{
	risk.Low: {
		"Continue routine monitoring.",
	},
	risk.Medium: {
		"Review recent observations with the care team at the next scheduled check-in.",
		"Confirm current accommodations are being applied consistently.",
	},
	risk.High: {
		"Schedule a care-team review within the week.",
		"Check in with %s directly and document the conversation.",
		"Review the recurring time and day patterns for environmental triggers.",
	},
	risk.Critical: {
		"Convene the care team for an immediate review.",
		"Check in with %s today and document the conversation.",
		"Notify the designated safeguarding lead.",
	},
}

// Template renders the deterministic fallback draft. It uses the same tokens
// as a generated draft so localization is identical.
func Template(tc TokenizedContext, a risk.Assessment) Draft {
	d := Draft{
		SessionID: tc.SessionID,
		Source:    SourceFallback,
	}

	if a.InsufficientData {
		d.Summary = fmt.Sprintf(
			"There is not yet enough recorded data to assess %s reliably. Strike level remains %s.",
			tc.Subject, a.StrikeLevel,
		)
	} else {
		d.Summary = fmt.Sprintf(
			"%s is assessed at %s risk with a score of %.2f. Strike level is %s.",
			tc.Subject, a.Band, a.Score, a.StrikeLevel,
		)
		if a.Escalated {
			d.Summary += fmt.Sprintf(" This assessment escalated the strike level from %s.", a.PreviousLevel)
		}
	}

	d.Observations = templateObservations(a)

	for _, r := range recommendations[a.Band] {
		if strings.Contains(r, "%s") {
			r = fmt.Sprintf(r, tc.Subject)
		}
		d.Recommendations = append(d.Recommendations, r)
	}

	return d
}

type contribution struct {
	name  string
	value float64
}

func templateObservations(a risk.Assessment) []string {
	contribs := make([]contribution, 0, len(a.Contributions))
	for name, v := range a.Contributions {
		if v != 0 {
			contribs = append(contribs, contribution{name, v})
		}
	}

	slices.SortFunc(contribs, func(x, y contribution) int {
		if c := cmp.Compare(math.Abs(y.value), math.Abs(x.value)); c != 0 {
			return c
		}
		return strings.Compare(x.name, y.name)
	})

	if len(contribs) > maxTemplateObservations {
		contribs = contribs[:maxTemplateObservations]
	}

	values := make(map[string]float64, len(a.Signals))
	labels := make(map[string]string, len(a.Signals))
	for _, s := range a.Signals {
		values[s.Name] = s.Value
		labels[s.Name] = s.Label
	}

	obs := make([]string, 0, len(contribs))
	for _, c := range contribs {
		line := fmt.Sprintf("%s = %v (contribution %.2f)", c.name, values[c.name], c.value)
		if l := labels[c.name]; l != "" {
			line = fmt.Sprintf("%s = %v, %s (contribution %.2f)", c.name, values[c.name], l, c.value)
		}
		obs = append(obs, line)
	}
	return obs
}
