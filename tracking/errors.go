package tracking

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by a Finder when no record matches. The resolver
	// treats it as "try the next key", never as a failure.
	ErrNotFound = errors.New("tracked record not found")
	// ErrResolutionLookup matches any failed entity lookup.
	ErrResolutionLookup = errors.New("entity lookup failed")
)

// ResolutionLookupError wraps an unexpected accessor or finder failure.
type ResolutionLookupError struct {
	ModelType string
	Key       string
	Err       error
}

func (e *ResolutionLookupError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("resolve %s: %v", e.ModelType, e.Err)
	}
	return fmt.Sprintf("resolve %s by %s: %v", e.ModelType, e.Key, e.Err)
}

func (e *ResolutionLookupError) Unwrap() error { return e.Err }

func (e *ResolutionLookupError) Is(target error) bool {
	return target == ErrResolutionLookup
}
