package analysis

import "errors"

var (
	ErrUpstreamTimeout       = errors.New("text generation timed out")
	ErrIdentityLeakSuspected = errors.New("identity leak suspected in generated draft")
	ErrMalformedResponse     = errors.New("malformed generator response")
	ErrInvalidStrictness     = errors.New("invalid leak strictness")
)
