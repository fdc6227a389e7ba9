package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a post, or the author it belongs to, is not
// present in the local cache.
var ErrNotFound = errors.New("not found")

// NetworkError reports a transport, HTTP status or decode failure while
// talking to the remote source.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// CacheError reports a failure of the local cache store.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache error during %s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// SyncError wraps the error that terminated a sync or like request. State is
// the sync step that was running when the error occurred; it is empty for
// requests that do not go through the sync state machine.
type SyncError struct {
	Op    string
	State SyncState
	Err   error
}

func (e *SyncError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed while %s: %v", e.Op, e.State, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsNetwork reports whether err was caused by the remote source.
func IsNetwork(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsCache reports whether err was caused by the local cache store.
func IsCache(err error) bool {
	var cacheErr *CacheError
	return errors.As(err, &cacheErr)
}
