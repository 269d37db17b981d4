package reports

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/safeguard/internal/localizer"
	"github.com/JaimeStill/safeguard/internal/risk"
)

// Assembler builds reports. Given the same inputs, clock, and id source it
// produces byte-identical reports.
type Assembler struct {
	pipelineVersion string
	newID           func() uuid.UUID
	now             func() time.Time
}

// Option configures an Assembler.
type Option func(*Assembler)

func WithIDSource(fn func() uuid.UUID) Option {
	return func(a *Assembler) { a.newID = fn }
}

func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

func NewAssembler(pipelineVersion string, opts ...Option) *Assembler {
	a := &Assembler{
		pipelineVersion: pipelineVersion,
		newID:           uuid.New,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// PipelineVersion returns the version stamped on every report.
func (a *Assembler) PipelineVersion() string {
	return a.pipelineVersion
}

// Assemble stamps the pipeline and scoring-configuration versions into
// provenance and seals the report with its digest.
func (a *Assembler) Assemble(
	assessment risk.Assessment,
	narrative localizer.Narrative,
	prov Provenance,
	supersedes *uuid.UUID,
) (Report, error) {
	prov.PipelineVersion = a.pipelineVersion
	prov.ConfigVersion = assessment.ConfigVersion
	if prov.Signals == nil {
		prov.Signals = assessment.Signals
	}

	r := Report{
		ID:         a.newID(),
		SubjectID:  assessment.SubjectID,
		Assessment: assessment,
		Narrative:  narrative,
		Provenance: prov,
		Supersedes: supersedes,
		CreatedAt:  a.now().UTC().Truncate(time.Microsecond),
	}

	digest, err := Digest(r)
	if err != nil {
		return Report{}, err
	}
	r.Digest = digest

	return r, nil
}

// Digest returns the hex SHA-256 of the report's canonical JSON with the
// Digest field cleared. Map keys are sorted by encoding/json.
func Digest(r Report) (string, error) {
	r.Digest = ""

	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the digest and compares it with the sealed value.
func Verify(r Report) error {
	digest, err := Digest(r)
	if err != nil {
		return err
	}
	if digest != r.Digest {
		return fmt.Errorf("%w: %s", ErrDigestMismatch, r.ID)
	}
	return nil
}
