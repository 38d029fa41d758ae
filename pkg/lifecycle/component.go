package lifecycle

import (
	"context"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// Hook is a start, stop or health function of a [Component]. It receives
// the caller's context.
type Hook func(ctx context.Context) error

// Component is one step of the startup sequence, such as a database pool,
// a key resolver or the catalog synchronizer.
type Component struct {
	// Name labels logs, spans and errors. Names are unique per runtime.
	Name string

	// Start runs during [Runtime.Start]. A failure aborts startup and
	// stops the components already started.
	Start Hook

	// Stop runs during [Runtime.Stop], in reverse registration order, and
	// only if Start succeeded.
	Stop Hook

	// Check is consulted by [Runtime.Health] while the runtime is running.
	Check Hook
}

func validateComponent(c Component, seen map[string]struct{}) error {
	if c.Name == "" {
		return sserr.New(sserr.CodeValidationRequired, "lifecycle: component name must not be empty")
	}
	if _, dup := seen[c.Name]; dup {
		return sserr.Newf(sserr.CodeConflictAlreadyExists, "lifecycle: component %q registered twice", c.Name)
	}
	if c.Start == nil && c.Stop == nil && c.Check == nil {
		return sserr.Newf(sserr.CodeValidation, "lifecycle: component %q has no hooks", c.Name)
	}
	seen[c.Name] = struct{}{}
	return nil
}
