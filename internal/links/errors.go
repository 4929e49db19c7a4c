package links

import "errors"

// Error taxonomy shared by every subsystem. Wrap these with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	// ErrNotFound signals an unknown link id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput signals malformed caller input such as bad geolocation headers.
	ErrInvalidInput = errors.New("invalid input")
	// ErrPersistenceUnavailable signals a cache or store write failure.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	// ErrCapabilityFailure signals a render or classification failure.
	ErrCapabilityFailure = errors.New("capability failure")
	// ErrRetriesExhausted marks a workflow run that failed terminally.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrQueueFull signals that click capture was rejected under backpressure.
	ErrQueueFull = errors.New("capture queue full")
)
