package types

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a parameter set that cannot be simulated.
	ErrConfiguration = errors.New("configuration error")
	// ErrInsufficientData marks a series too short for any candidate in a space.
	ErrInsufficientData = errors.New("insufficient data")
)

// ConfigurationError is raised before simulation when a parameter set violates
// a structural constraint or needs more bars than the series holds.
type ConfigurationError struct {
	Param  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Param, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// NewConfigurationError builds a ConfigurationError with a formatted reason.
func NewConfigurationError(param, format string, args ...any) error {
	return &ConfigurationError{Param: param, Reason: fmt.Sprintf(format, args...)}
}

// InsufficientDataError is returned when a series cannot support even the
// smallest lookback in a parameter space.
type InsufficientDataError struct {
	Bars     int
	Required int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: series has %d bars, at least %d required", e.Bars, e.Required)
}

func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }
