package risk

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

const policyQuery = "data.safeguard.escalation.next_level"

// DefaultPolicy expresses the default rule in Rego. Custom policies must
// define data.safeguard.escalation.next_level for every input.
const DefaultPolicy = `package safeguard.escalation

escalating if input.band == "high"

escalating if input.band == "critical"

next_level = min([input.current + input.rules.high_step, 3]) if input.band == "high"

next_level = input.rules.critical_level if input.band == "critical"

next_level = input.current if not escalating
`

// RegoEscalator evaluates a Rego policy to pick the next strike level.
type RegoEscalator struct {
	query rego.PreparedEvalQuery
	rules Rules
}

// NewRegoEscalator compiles module. An empty module uses DefaultPolicy.
func NewRegoEscalator(ctx context.Context, module string, rules Rules) (*RegoEscalator, error) {
	if module == "" {
		module = DefaultPolicy
	}

	query, err := rego.New(
		rego.Query(policyQuery),
		rego.Module("escalation.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile escalation policy: %w", err)
	}

	return &RegoEscalator{query: query, rules: rules}, nil
}

// HealthCheck evaluates the policy against a Clear/Low input.
func (e *RegoEscalator) HealthCheck(ctx context.Context) error {
	_, err := e.Next(ctx, Clear, Low, 0)
	return err
}

func (e *RegoEscalator) Next(ctx context.Context, current Level, band Band, score float64) (Level, error) {
	input := map[string]any{
		"current": int(current),
		"band":    string(band),
		"score":   score,
		"rules": map[string]any{
			"high_step":      e.rules.HighStep,
			"critical_level": int(e.rules.CriticalLevel),
		},
	}

	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return current, fmt.Errorf("eval escalation policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return current, ErrPolicyResult
	}

	switch v := rs[0].Expressions[0].Value.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return current, fmt.Errorf("%w: %v", ErrPolicyResult, err)
		}
		return Level(n), nil
	case float64:
		return Level(int(v)), nil
	case int:
		return Level(v), nil
	case int64:
		return Level(v), nil
	}

	return current, fmt.Errorf("%w: %T", ErrPolicyResult, rs[0].Expressions[0].Value)
}
