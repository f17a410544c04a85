package agent

import (
	"errors"
	"fmt"
)

// BootstrapError is a failure that prevents the agent from starting: bad
// configuration, socket binding, or the first control dial and
// authentication. Run returns it. Every later failure is handled inside the
// agent's loops and never surfaces to the caller.
type BootstrapError struct {
	Op  string
	Err error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s: %v", e.Op, e.Err)
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}

// IsBootstrap reports whether err is, or wraps, a *BootstrapError.
func IsBootstrap(err error) bool {
	var be *BootstrapError
	return errors.As(err, &be)
}

func bootstrapErr(op string, err error) error {
	return &BootstrapError{Op: op, Err: err}
}
