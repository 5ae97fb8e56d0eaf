package matrix

import (
	"context"
	"fmt"
)

// ErrInterrupted is returned when the run was cancelled while a benchmark
// was executing. It wraps context.Canceled.
var ErrInterrupted = fmt.Errorf("interrupted: %w", context.Canceled)

// A ConfigError reports a benchmark description that cannot be run at all.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// A TemplateError reports a placeholder of a path or command template
// that the settings of a point do not define.
type TemplateError struct {
	Template string
	Key      string
	Point    Point
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("cannot apply the template %q: key %q missing from %s", e.Template, e.Key, e.Point)
}
