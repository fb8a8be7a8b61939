package uploader

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffTable(t *testing.T) {
	assert.Equal(t, 10*time.Second, backoffFor(0))
	assert.Equal(t, 10*time.Second, backoffFor(1))
	assert.Equal(t, 30*time.Second, backoffFor(2))
	assert.Equal(t, 60*time.Second, backoffFor(3))
	assert.Equal(t, 60*time.Second, backoffFor(7))
}

func TestOnFailureDefersRetryableErrors(t *testing.T) {
	base := time.Now()
	withNow(t, base)
	s := NewRetryScheduler(nil)

	item := &WorkItem{SourcePath: "/src/a.jpg", MaxAttempts: 3}
	retryable := fmt.Errorf("%w: connection reset", ErrNetwork)

	require.True(t, s.OnFailure(item, retryable))
	assert.Equal(t, 1, item.AttemptCount)
	assert.Equal(t, base.Add(10*time.Second), item.NextAttemptAt)
	assert.Equal(t, 1, s.PendingCount())

	// Not due yet.
	assert.Empty(t, s.Due())

	withNow(t, base.Add(11*time.Second))
	due := s.Due()
	require.Len(t, due, 1)
	assert.Same(t, item, due[0])
	assert.Equal(t, 0, s.PendingCount())
}

func TestOnFailureGivesUpAfterMaxAttempts(t *testing.T) {
	withNow(t, time.Now())
	log := NewFailureLog(t.TempDir())
	s := NewRetryScheduler(log)

	item := &WorkItem{SourcePath: "/src/a.jpg", MaxAttempts: 2, AttemptCount: 1}
	retryable := fmt.Errorf("%w: timeout", ErrNetwork)

	assert.False(t, s.OnFailure(item, retryable))
	assert.Equal(t, 0, s.PendingCount())

	entries, err := log.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0], "/src/a.jpg")
	assert.Contains(t, entries[0], "attempts=2")
}

func TestOnFailureNonRetryableGoesStraightToLog(t *testing.T) {
	log := NewFailureLog(t.TempDir())
	s := NewRetryScheduler(log)

	item := &WorkItem{SourcePath: "/src/a.jpg", MaxAttempts: 5}
	authErr := fmt.Errorf("%w: 530 login incorrect", ErrAuth)

	assert.False(t, s.OnFailure(item, authErr))
	assert.Equal(t, 1, item.AttemptCount)

	entries, err := log.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNextDue(t *testing.T) {
	base := time.Now()
	withNow(t, base)
	s := NewRetryScheduler(nil)

	_, any := s.NextDue()
	assert.False(t, any)

	late := &WorkItem{SourcePath: "/a", MaxAttempts: 9, AttemptCount: 1} // 30s wait
	soon := &WorkItem{SourcePath: "/b", MaxAttempts: 9}                 // 10s wait
	require.True(t, s.OnFailure(late, fmt.Errorf("%w: x", ErrNetwork)))
	require.True(t, s.OnFailure(soon, fmt.Errorf("%w: x", ErrNetwork)))

	next, any := s.NextDue()
	require.True(t, any)
	assert.Equal(t, base.Add(10*time.Second), next)
}

func TestFailureLogEmptyWhenNeverWritten(t *testing.T) {
	log := NewFailureLog(t.TempDir())
	entries, err := log.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
