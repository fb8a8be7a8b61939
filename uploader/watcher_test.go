package uploader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherNudgesOnNewFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.jpg"), []byte("x"), 0o644))

	select {
	case <-w.Nudge():
	case <-time.After(2 * time.Second):
		t.Fatal("no nudge after file creation")
	}
}

func TestWatcherPicksUpNewSubdirectories(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir)
	require.NoError(t, err)
	defer w.Close()

	subdir := filepath.Join(dir, "2026")
	require.NoError(t, os.Mkdir(subdir, 0o755))

	// Drain the nudge from the mkdir, then expect one from inside the new
	// directory once the watcher has registered it.
	select {
	case <-w.Nudge():
	case <-time.After(2 * time.Second):
		t.Fatal("no nudge after mkdir")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, os.WriteFile(filepath.Join(subdir, "shot.jpg"), []byte("x"), 0o644))
		select {
		case <-w.Nudge():
			return
		case <-time.After(100 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("no nudge from new subdirectory")
			}
		}
	}
}

func TestWatcherMissingRootFails(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
