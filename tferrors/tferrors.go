// Package tferrors defines the error taxonomy shared across the fetch
// pipeline: NetworkError, DecodeError, InvariantViolation and
// ConfigurationError. CacheError is defined per-cache package
// (netcache.CacheError, compoundcache.CacheError, astccache.CacheError)
// since each cache owns its own SQLite failure mode, but all four share
// the same "wrap and never abort the core" posture.
package tferrors

import "fmt"

// NetworkError covers DNS, TCP, HTTP status != 200/304, empty body, and
// timeout failures. It fails the tile it is attached to and the caller
// decrements the owning request's remaining counters.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// DecodeError covers malformed PNGs and unexpected tile dimensions.
type DecodeError struct {
	Context string
	Err     error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode error (%s): %v", e.Context, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// InvariantViolation covers an unknown request id at reply time, or a
// negative remaining-counter. The offending reply is logged and dropped;
// it never aborts the core.
type InvariantViolation struct {
	Context string
}

func (e *InvariantViolation) Error() string { return fmt.Sprintf("invariant violation: %s", e.Context) }

// ConfigurationError covers a bad URL template or an invalid zoom,
// rejected synchronously at the facade (the only error class surfaced
// synchronously rather than via a callback).
type ConfigurationError struct {
	Context string
}

func (e *ConfigurationError) Error() string { return fmt.Sprintf("configuration error: %s", e.Context) }
