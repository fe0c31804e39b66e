package ratelimit

import (
	"errors"
	"fmt"
)

// ErrConfiguration matches every *ConfigurationError through errors.Is.
var ErrConfiguration = errors.New("ratelimit: invalid configuration")

// ConfigurationError reports an unusable identity, policy or limiter
// config. Reaching a limit is never an error.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("ratelimit: invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }
