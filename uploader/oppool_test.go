package uploader

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpPoolRunsAndPropagatesErrors(t *testing.T) {
	pool := newOpPool()

	require.NoError(t, pool.run(time.Second, "noop", func() error { return nil }))

	boom := errors.New("boom")
	err := pool.run(time.Second, "failing", func() error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestOpPoolTimesOutHungCall(t *testing.T) {
	pool := newOpPool()
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	err := pool.run(50*time.Millisecond, "hung", func() error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, errOpTimeout)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOpPoolSlotWaitCountsAgainstDeadline(t *testing.T) {
	pool := newOpPool()
	release := make(chan struct{})
	defer close(release)

	// Occupy every slot.
	for i := 0; i < opPoolSize; i++ {
		go pool.run(time.Minute, "occupier", func() error { //nolint:errcheck
			<-release
			return nil
		})
	}
	waitFor(t, time.Second, "slots occupied", func() bool {
		return len(pool.slots) == opPoolSize
	})

	err := pool.run(50*time.Millisecond, "starved", func() error { return nil })
	assert.ErrorIs(t, err, errOpTimeout)
}

func TestExistsAndMkdirAll(t *testing.T) {
	pool := newOpPool()
	dir := t.TempDir()

	assert.True(t, pool.exists(dir, time.Second))
	assert.False(t, pool.exists(filepath.Join(dir, "missing"), time.Second))

	nested := filepath.Join(dir, "a", "b", "c")
	require.NoError(t, pool.mkdirAll(nested, time.Second))
	assert.True(t, pool.exists(nested, time.Second))
}
