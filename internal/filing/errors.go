package filing

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the discovery and retrieval stages.
var (
	// ErrSessionInitialization is fatal and never retried.
	ErrSessionInitialization = errors.New("session initialization failed")
	// ErrNavigation is retried and becomes fatal only after exhaustion.
	ErrNavigation = errors.New("navigation failed")
	// ErrElementNotFound is retried and becomes fatal only after exhaustion.
	ErrElementNotFound = errors.New("element not found")
	// ErrEmptyContent marks a successful response with no body; retried.
	ErrEmptyContent = errors.New("empty content")
	// ErrInvalidFormat marks a structurally wrong document; never retried.
	ErrInvalidFormat = errors.New("invalid document format")
	// ErrTooLarge marks a document over the configured byte limit; never retried.
	ErrTooLarge = errors.New("document exceeds size limit")
	// ErrDiscoveryFailed is terminal for a single source run.
	ErrDiscoveryFailed = errors.New("discovery failed")
)

// StatusError reports a non-success HTTP status from a portal endpoint.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// DiscoveryError is returned when a source run cannot obtain its first listing page.
type DiscoveryError struct {
	Source string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed for source %q: %v", e.Source, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrDiscoveryFailed) match any DiscoveryError.
func (e *DiscoveryError) Is(target error) bool {
	return target == ErrDiscoveryFailed
}
