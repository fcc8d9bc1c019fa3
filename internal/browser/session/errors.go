// internal/browser/session/errors.go
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/helmsman-ai/helmsman/api/schemas"
)

// DriverError wraps a raw browser error with a stable classification the
// engine can act on without string matching.
type DriverError struct {
	Op     string
	Target string
	Code   schemas.ErrorCode
	Err    error
}

func (e *DriverError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s %q: %s: %v", e.Op, e.Target, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// ClassifyCode extracts the error code from an error chain, falling back to
// UNKNOWN_ERROR for unclassified failures.
func ClassifyCode(err error) schemas.ErrorCode {
	var de *DriverError
	if errors.As(err, &de) {
		return de.Code
	}
	if errors.Is(err, context.Canceled) {
		return schemas.CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schemas.CodeTimeout
	}
	return schemas.CodeUnknown
}

// classifyError applies heuristic classification to raw CDP errors. The
// protocol reports most failures as strings, so we match the known shapes.
func classifyError(op, target string, err error) error {
	code := schemas.CodeUnknown
	errStr := err.Error()

	switch {
	case errors.Is(err, context.Canceled):
		code = schemas.CodeCancelled
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "timeout"):
		code = schemas.CodeTimeout
	case strings.Contains(errStr, "net::ERR"):
		code = schemas.CodeNavigation
	case strings.Contains(errStr, "could not find node") ||
		strings.Contains(errStr, "no element found") ||
		strings.Contains(errStr, "waiting for selector"):
		code = schemas.CodeElementNotFound
	}

	return &DriverError{Op: op, Target: target, Code: code, Err: err}
}
