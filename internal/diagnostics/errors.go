package diagnostics

import (
	"errors"
	"fmt"
)

// ErrDiagnosticsUnavailable is returned when the allocation tracker cannot
// produce a snapshot, typically because heap tracking was never started.
var ErrDiagnosticsUnavailable = errors.New("diagnostics unavailable")

// CacheNotInitializedError reports a named cache that the host process has
// not created yet. It is distinct from a cache that exists and is empty.
type CacheNotInitializedError struct {
	Name string
}

func (e *CacheNotInitializedError) Error() string {
	return fmt.Sprintf("cache %q is not initialized", e.Name)
}
