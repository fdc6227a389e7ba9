package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncError_UnwrapsToCause(t *testing.T) {
	netErr := &NetworkError{Op: "fetch authors", Err: errors.New("connection refused")}
	err := fmt.Errorf("load feed: %w", &SyncError{Op: "sync", State: StateFetching, Err: netErr})

	assert.True(t, IsNetwork(err))
	assert.False(t, IsCache(err))

	var syncErr *SyncError
	assert.True(t, errors.As(err, &syncErr))
	assert.Equal(t, StateFetching, syncErr.State)
	assert.Contains(t, err.Error(), "sync failed while fetching")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestSyncError_NotFound(t *testing.T) {
	err := &SyncError{Op: "like", Err: fmt.Errorf("post 999: %w", ErrNotFound)}

	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "like failed: post 999: not found", err.Error())
	assert.False(t, IsNetwork(err))
}

func TestSyncState_Terminal(t *testing.T) {
	assert.False(t, StateIdle.Terminal())
	assert.False(t, StateFetching.Terminal())
	assert.False(t, StateMerging.Terminal())
	assert.True(t, StateSettled.Terminal())
	assert.True(t, StateFallbackToCache.Terminal())
	assert.True(t, StateFailed.Terminal())
}
