package risk

import "errors"

var (
	ErrInvalidLevel      = errors.New("invalid strike level")
	ErrInvalidThresholds = errors.New("band thresholds must be ascending")
	ErrPolicyResult      = errors.New("escalation policy returned no usable level")
)
