package core

import (
	"errors"
	"fmt"
)

// TerminalError marks a handler failure that must not be retried: malformed
// input, contract violations, unknown message kinds. Everything else is
// treated as transient and goes through the requeue path.
type TerminalError struct {
	Reason string
	Err    error
}

func (e *TerminalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err as a terminal failure with a stable reason string. The
// reason ends up in the document's failure_reason column.
func Terminal(reason string, err error) error {
	return &TerminalError{Reason: reason, Err: err}
}

// IsTerminal reports whether err carries a TerminalError anywhere in its chain.
func IsTerminal(err error) bool {
	var t *TerminalError
	return errors.As(err, &t)
}

// TerminalReason extracts the stable reason from a terminal error chain,
// falling back to the error text.
func TerminalReason(err error) string {
	var t *TerminalError
	if errors.As(err, &t) {
		return t.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
