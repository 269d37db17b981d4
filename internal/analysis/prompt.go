package analysis

import (
	"fmt"
	"strings"

	"github.com/JaimeStill/safeguard/internal/risk"
)

const instructions = `You are a student-support analyst reviewing a de-identified behavioral risk assessment.

Every person is referred to by an opaque token beginning with SUBJ-. Refer to people only by the tokens given to you. Never invent, guess, shorten, or alter a token, and never attempt to name the person behind it.

Ground every statement in the signals provided. Signals are derived counts, rates, and recurring patterns over the assessment window; they are not diagnoses. Keep the tone factual and supportive, and frame recommendations as next steps for the care team.`

const responseSpec = `Respond with a JSON object matching this exact structure:

{
  "summary": "<one paragraph>",
  "observations": ["<observation1>", "<observation2>"],
  "recommendations": ["<recommendation1>", "<recommendation2>"]
}

Field constraints:
- summary: Two to four sentences describing the overall pattern and the
  current risk band. Mention the subject token at least once.
- observations: Specific findings, each tied to one or more named signals.
- recommendations: Concrete, proportionate next steps for the care team.

Behavioral constraints:
- Always respond with valid JSON, no markdown fencing
- Use only the tokens listed in the context
- Do not speculate beyond the signals provided`

// Compose builds the generator prompt. It contains tokens, signal names and
// values, the band, and the strike level. Real identifiers never appear.
func Compose(tc TokenizedContext, a risk.Assessment) string {
	var b strings.Builder

	b.WriteString(instructions)
	b.WriteString("\n\n## Context\n\n")
	fmt.Fprintf(&b, "Subject: %s\n", tc.Subject)
	fmt.Fprintf(&b, "Risk band: %s\n", a.Band)
	fmt.Fprintf(&b, "Score: %.4f\n", a.Score)
	fmt.Fprintf(&b, "Strike level: %s (previous %s)\n", a.StrikeLevel, a.PreviousLevel)
	if a.InsufficientData {
		b.WriteString("Data sufficiency: insufficient data for a reliable assessment\n")
	}

	if len(tc.Peers) > 0 {
		peers := make([]string, len(tc.Peers))
		for i, p := range tc.Peers {
			peers[i] = string(p)
		}
		fmt.Fprintf(&b, "Peers with co-occurring incidents: %s\n", strings.Join(peers, ", "))
	}

	b.WriteString("\nSignals:\n")
	for _, s := range a.Signals {
		if s.Label != "" {
			fmt.Fprintf(&b, "- %s: %v (%s, support %d)\n", s.Name, s.Value, s.Label, s.Support)
			continue
		}
		fmt.Fprintf(&b, "- %s: %v (support %d)\n", s.Name, s.Value, s.Support)
	}

	b.WriteString("\n## Output\n\n")
	b.WriteString(responseSpec)

	return b.String()
}
