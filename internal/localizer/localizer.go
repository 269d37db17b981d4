// Package localizer re-identifies an analysis draft by replacing every token
// with the real identifier from the issuing session.
package localizer

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/JaimeStill/safeguard/internal/analysis"
	"github.com/JaimeStill/safeguard/internal/tokenizer"
)

// Detokenizer reverses tokens for a session.
type Detokenizer interface {
	Issued(sessionID uuid.UUID) (map[tokenizer.Token]struct{}, error)
	Detokenize(sessionID uuid.UUID, tok tokenizer.Token) (string, error)
}

// Narrative is the re-identified, NFC-normalized report text.
type Narrative struct {
	Summary         string          `json:"summary"`
	Observations    []string        `json:"observations"`
	Recommendations []string        `json:"recommendations"`
	Source          analysis.Source `json:"source"`
	FallbackReason  string          `json:"fallback_reason,omitempty"`
}

type Localizer struct {
	tokens Detokenizer
}

func New(tokens Detokenizer) *Localizer {
	return &Localizer{tokens: tokens}
}

// Localize replaces every token in the draft. An ended or expired session
// yields tokenizer.ErrSessionExpired; a token the session did not issue
// yields tokenizer.ErrUnknownToken.
func (l *Localizer) Localize(sessionID uuid.UUID, d analysis.Draft) (Narrative, error) {
	if _, err := l.tokens.Issued(sessionID); err != nil {
		return Narrative{}, sessionError(err)
	}

	summary, err := l.replace(sessionID, d.Summary)
	if err != nil {
		return Narrative{}, err
	}

	observations, err := l.replaceAll(sessionID, d.Observations)
	if err != nil {
		return Narrative{}, err
	}

	recommendations, err := l.replaceAll(sessionID, d.Recommendations)
	if err != nil {
		return Narrative{}, err
	}

	return Narrative{
		Summary:         summary,
		Observations:    observations,
		Recommendations: recommendations,
		Source:          d.Source,
		FallbackReason:  d.FallbackReason,
	}, nil
}

func (l *Localizer) replaceAll(sessionID uuid.UUID, texts []string) ([]string, error) {
	out := make([]string, len(texts))
	for i, t := range texts {
		s, err := l.replace(sessionID, t)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func (l *Localizer) replace(sessionID uuid.UUID, text string) (string, error) {
	var firstErr error

	out := tokenizer.Pattern().ReplaceAllStringFunc(text, func(m string) string {
		if firstErr != nil {
			return m
		}
		realID, err := l.tokens.Detokenize(sessionID, tokenizer.Token(m))
		if err != nil {
			firstErr = err
			return m
		}
		return realID
	})

	if firstErr != nil {
		return "", sessionError(firstErr)
	}

	return norm.NFC.String(out), nil
}

// A swept session is indistinguishable from one that never existed; both
// are reported as expired to the caller.
func sessionError(err error) error {
	if errors.Is(err, tokenizer.ErrUnknownSession) {
		return fmt.Errorf("%w: %w", tokenizer.ErrSessionExpired, err)
	}
	return err
}
