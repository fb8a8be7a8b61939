package uploader

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngineConfig(t *testing.T) Config {
	t.Helper()
	root := t.TempDir()
	source := filepath.Join(root, "source")
	require.NoError(t, os.MkdirAll(source, 0o755))

	return Config{
		Source:               source,
		Target:               filepath.Join(root, "target"),
		Backup:               filepath.Join(root, "backup"),
		EnableBackup:         true,
		UploadInterval:       50 * time.Millisecond,
		RetryCount:           2,
		Extensions:           []string{".jpg"},
		EnableDedup:          true,
		DuplicatePolicy:      DuplicateSkip,
		AskTimeout:           150 * time.Millisecond,
		NetworkCheckInterval: 50 * time.Millisecond,
		Protocol:             ProtocolSMB,
		DataDir:              filepath.Join(root, "data"),
		StopTimeout:          5 * time.Second,
	}
}

func startEngine(t *testing.T, cfg Config) *SyncEngine {
	t.Helper()
	e, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() { e.Stop(false) })
	return e
}

func TestEngineUploadsScanToTarget(t *testing.T) {
	cfg := testEngineConfig(t)
	writeFile(t, filepath.Join(cfg.Source, "a.jpg"), randomBytes(t, 100))
	writeFile(t, filepath.Join(cfg.Source, "sub", "b.jpg"), randomBytes(t, 200))

	e := startEngine(t, cfg)

	waitFor(t, 5*time.Second, "both files uploaded", func() bool {
		return e.Stats().Uploaded == 2
	})

	for _, rel := range []string{"a.jpg", filepath.Join("sub", "b.jpg")} {
		_, err := os.Stat(filepath.Join(cfg.Target, rel))
		assert.NoError(t, err, "uploaded %s", rel)

		// Archiving runs behind the upload path on its own worker.
		waitFor(t, 5*time.Second, "archived "+rel, func() bool {
			if _, err := os.Stat(filepath.Join(cfg.Backup, rel)); err != nil {
				return false
			}
			_, err := os.Stat(filepath.Join(cfg.Source, rel))
			return os.IsNotExist(err)
		})
	}
}

func TestEngineSkipsDuplicateContent(t *testing.T) {
	cfg := testEngineConfig(t)
	content := randomBytes(t, 100)
	writeFile(t, filepath.Join(cfg.Source, "a.jpg"), content)

	e := startEngine(t, cfg)
	waitFor(t, 5*time.Second, "first upload", func() bool {
		return e.Stats().Uploaded == 1
	})

	// Same content under a new name: skipped, archived, never uploaded.
	writeFile(t, filepath.Join(cfg.Source, "copy.jpg"), content)
	waitFor(t, 5*time.Second, "duplicate skipped", func() bool {
		return e.Stats().Skipped == 1
	})

	_, err := os.Stat(filepath.Join(cfg.Target, "copy.jpg"))
	assert.True(t, os.IsNotExist(err), "duplicate content is not uploaded")
	waitFor(t, 5*time.Second, "duplicate source archived", func() bool {
		_, err := os.Stat(filepath.Join(cfg.Backup, "copy.jpg"))
		return err == nil
	})
	assert.Equal(t, 1, e.Stats().Uploaded)
}

func TestEngineRenamesDuplicate(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.DuplicatePolicy = DuplicateRename
	content := randomBytes(t, 100)
	writeFile(t, filepath.Join(cfg.Source, "a.jpg"), content)

	e := startEngine(t, cfg)
	waitFor(t, 5*time.Second, "first upload", func() bool {
		return e.Stats().Uploaded == 1
	})
	waitFor(t, 5*time.Second, "first source archived", func() bool {
		_, err := os.Stat(filepath.Join(cfg.Source, "a.jpg"))
		return os.IsNotExist(err)
	})

	// The same file shows up again after being archived.
	writeFile(t, filepath.Join(cfg.Source, "a.jpg"), content)
	waitFor(t, 5*time.Second, "renamed duplicate", func() bool {
		_, err := os.Stat(filepath.Join(cfg.Target, "a_1.jpg"))
		return err == nil
	})
	assert.Equal(t, 2, e.Stats().Uploaded)
}

func TestEngineAskDefaultsToSkipOnTimeout(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.DuplicatePolicy = DuplicateAsk
	content := randomBytes(t, 100)
	writeFile(t, filepath.Join(cfg.Source, "a.jpg"), content)

	e := startEngine(t, cfg)
	waitFor(t, 5*time.Second, "first upload", func() bool {
		return e.Stats().Uploaded == 1
	})

	// Nobody consumes the question; after the ask timeout the engine skips.
	writeFile(t, filepath.Join(cfg.Source, "copy.jpg"), content)
	waitFor(t, 5*time.Second, "unanswered ask skipped", func() bool {
		return e.Stats().Skipped == 1
	})
}

func TestEngineAskStickyAnswer(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.DuplicatePolicy = DuplicateAsk
	content := randomBytes(t, 100)
	writeFile(t, filepath.Join(cfg.Source, "a.jpg"), content)

	e, err := New(cfg, nil)
	require.NoError(t, err)

	var answered atomic.Int32
	go func() {
		for req := range e.Bus().Asks() {
			answered.Add(1)
			req.Reply <- DuplicateChoice{Policy: DuplicateSkip, ApplyToAll: true}
		}
	}()

	require.NoError(t, e.Start())
	t.Cleanup(func() { e.Stop(false) })

	waitFor(t, 5*time.Second, "first upload", func() bool {
		return e.Stats().Uploaded == 1
	})

	writeFile(t, filepath.Join(cfg.Source, "copy1.jpg"), content)
	waitFor(t, 5*time.Second, "first duplicate", func() bool {
		return e.Stats().Skipped == 1
	})

	// The sticky answer applies without asking again.
	writeFile(t, filepath.Join(cfg.Source, "copy2.jpg"), content)
	waitFor(t, 5*time.Second, "second duplicate", func() bool {
		return e.Stats().Skipped == 2
	})
	assert.Equal(t, int32(1), answered.Load())
}

func TestEnginePermanentFailureIsLogged(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.RetryCount = 1

	// A regular file where the target needs a directory: every attempt
	// fails with "not a directory".
	writeFile(t, filepath.Join(cfg.Source, "sub", "a.jpg"), randomBytes(t, 10))
	require.NoError(t, os.MkdirAll(cfg.Target, 0o755))
	writeFile(t, filepath.Join(cfg.Target, "sub"), []byte("in the way"))

	e := startEngine(t, cfg)
	waitFor(t, 5*time.Second, "permanent failure", func() bool {
		return e.Stats().Failed == 1
	})

	entries, err := NewFailureLog(cfg.DataDir).Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0], filepath.Join("sub", "a.jpg"))
}

func TestEngineRunOnceDrainsAndStops(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.RunOnce = true
	writeFile(t, filepath.Join(cfg.Source, "a.jpg"), randomBytes(t, 10))

	e := startEngine(t, cfg)
	waitFor(t, 5*time.Second, "run-once completion", func() bool {
		return e.State() == StateStopped
	})
	assert.Equal(t, 1, e.Stats().Uploaded)
}

func TestEnginePauseAndResume(t *testing.T) {
	cfg := testEngineConfig(t)
	e := startEngine(t, cfg)

	e.Pause()
	assert.Equal(t, StatePaused, e.State())

	// A manual pause is not undone by the network recovering.
	e.resume(true)
	assert.Equal(t, StatePaused, e.State())

	e.Resume()
	assert.Equal(t, StateRunning, e.State())

	// While paused, new files are not picked up.
	e.Pause()
	writeFile(t, filepath.Join(cfg.Source, "held.jpg"), randomBytes(t, 10))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, e.Stats().Uploaded)

	e.Resume()
	waitFor(t, 5*time.Second, "upload after resume", func() bool {
		return e.Stats().Uploaded == 1
	})
}

func TestEngineAutoPauseAndAutoResume(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.NetworkAutoPause = true
	cfg.NetworkAutoResume = true
	e := startEngine(t, cfg)

	// Let the monitor's own unknown→good transition land first.
	waitFor(t, 5*time.Second, "initial probe", func() bool {
		return e.NetworkStatus() == NetworkGood
	})

	e.onNetworkChange(NetworkGood, NetworkDisconnected)
	assert.Equal(t, StatePaused, e.State())

	e.onNetworkChange(NetworkDisconnected, NetworkGood)
	assert.Equal(t, StateRunning, e.State())
}

func TestEngineAutoResumeRespectsManualPause(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.NetworkAutoPause = true
	cfg.NetworkAutoResume = true
	e := startEngine(t, cfg)

	waitFor(t, 5*time.Second, "initial probe", func() bool {
		return e.NetworkStatus() == NetworkGood
	})

	e.Pause()
	e.onNetworkChange(NetworkDisconnected, NetworkGood)
	assert.Equal(t, StatePaused, e.State(), "manual pause survives network recovery")
}

func TestEngineResumableTransferAcrossRestart(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.ResumeThreshold = copyChunkSize // everything over 1 MiB is resumable

	content := randomBytes(t, 3*copyChunkSize)
	src := filepath.Join(cfg.Source, "big.jpg")
	writeFile(t, src, content)

	// Seed a half-done transfer the way an interrupted run leaves it.
	db, err := OpenDB(cfg.DataDir)
	require.NoError(t, err)
	ledger := NewResumeLedger(NewStore(db), cfg.ResumeThreshold)
	dst := filepath.Join(cfg.Target, "big.jpg")
	rec, err := ledger.CreateRecord(src, dst, ProtocolSMB)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(cfg.Target, 0o755))
	require.NoError(t, writeBytes(rec.TempPath, content[:copyChunkSize]))
	require.NoError(t, ledger.UpdateProgress(src, copyChunkSize))
	require.NoError(t, db.Close())

	e := startEngine(t, cfg)
	waitFor(t, 10*time.Second, "resumed upload", func() bool {
		return e.Stats().Uploaded == 1
	})

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, got, "resumed transfer is byte-identical")
}

func TestEngineSkipsExistingTargetWhenDedupOff(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.EnableDedup = false

	// An earlier run already delivered this file.
	writeFile(t, filepath.Join(cfg.Target, "a.jpg"), []byte("first run"))
	writeFile(t, filepath.Join(cfg.Source, "a.jpg"), []byte("second run"))

	e := startEngine(t, cfg)
	waitFor(t, 5*time.Second, "existing target skipped", func() bool {
		return e.Stats().Skipped == 1
	})

	got, err := os.ReadFile(filepath.Join(cfg.Target, "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("first run"), got, "existing target is never overwritten")

	waitFor(t, 5*time.Second, "skipped source archived", func() bool {
		_, err := os.Stat(filepath.Join(cfg.Backup, "a.jpg"))
		return err == nil
	})
	assert.Equal(t, 0, e.Stats().Uploaded)
}

func TestEngineDetectsDuplicateByDestinationRescan(t *testing.T) {
	cfg := testEngineConfig(t)
	content := randomBytes(t, 100)

	// Content already at the destination, but the dedup ledger is empty
	// (fresh data dir): the destination rescan has to catch it.
	writeFile(t, filepath.Join(cfg.Target, "old.jpg"), content)
	writeFile(t, filepath.Join(cfg.Source, "copy.jpg"), content)

	e := startEngine(t, cfg)
	waitFor(t, 5*time.Second, "rescan duplicate skipped", func() bool {
		return e.Stats().Skipped == 1
	})

	_, err := os.Stat(filepath.Join(cfg.Target, "copy.jpg"))
	assert.True(t, os.IsNotExist(err), "duplicate content is not uploaded again")
	assert.Equal(t, 0, e.Stats().Uploaded)
}

func TestEngineHoldsUploadsWhileDisconnected(t *testing.T) {
	cfg := testEngineConfig(t) // auto-pause off
	e := startEngine(t, cfg)

	waitFor(t, 5*time.Second, "initial probe", func() bool {
		return e.NetworkStatus() == NetworkGood
	})

	require.NoError(t, os.RemoveAll(cfg.Target))
	require.NoError(t, os.RemoveAll(cfg.Backup))
	waitFor(t, 10*time.Second, "disconnect observed", func() bool {
		return e.NetworkStatus() == NetworkDisconnected
	})

	writeFile(t, filepath.Join(cfg.Source, "held.jpg"), randomBytes(t, 10))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, e.Stats().Uploaded, "no uploads while disconnected")
	assert.Equal(t, StateRunning, e.State(), "without auto-pause the engine stays running")

	require.NoError(t, os.MkdirAll(cfg.Target, 0o755))
	require.NoError(t, os.MkdirAll(cfg.Backup, 0o755))
	waitFor(t, 10*time.Second, "upload after recovery", func() bool {
		return e.Stats().Uploaded == 1
	})
}

func TestCollectSkipsAbandonedLedgerRecords(t *testing.T) {
	cfg := testEngineConfig(t)
	e, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.db.Close() })

	src := filepath.Join(cfg.Source, "big.jpg")
	writeFile(t, src, randomBytes(t, 64))
	_, err = e.ledger.CreateRecord(src, filepath.Join(cfg.Target, "big.jpg"), ProtocolSMB)
	require.NoError(t, err)

	e.mu.Lock()
	e.abandoned[src] = struct{}{}
	e.mu.Unlock()
	for _, item := range e.collect() {
		assert.NotEqual(t, src, item.SourcePath, "permanently failed file must not re-enter the queue")
	}

	// A file waiting on the retry table keeps its slot there too.
	e.mu.Lock()
	delete(e.abandoned, src)
	e.deferred[src] = struct{}{}
	e.mu.Unlock()
	for _, item := range e.collect() {
		assert.NotEqual(t, src, item.SourcePath, "deferred file is owned by the retry scheduler")
	}
}

// fakeProtocolClient records uploads and can fail or block on demand.
type fakeProtocolClient struct {
	mu       sync.Mutex
	uploads  []string
	failures int           // fail this many uploads before succeeding
	entered  chan struct{} // signaled when an upload starts, if set
	release  chan struct{} // uploads wait for this to close, if set
}

func (c *fakeProtocolClient) Connect() error               { return nil }
func (c *fakeProtocolClient) EnsureDirectory(string) error { return nil }
func (c *fakeProtocolClient) Disconnect()                  {}

func (c *fakeProtocolClient) UploadFile(_, remotePath string, _ ProgressFunc) error {
	if c.entered != nil {
		select {
		case c.entered <- struct{}{}:
		default:
		}
	}
	if c.release != nil {
		<-c.release
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploads = append(c.uploads, remotePath)
	if c.failures > 0 {
		c.failures--
		return fmt.Errorf("%w: simulated outage", ErrNetwork)
	}
	return nil
}

func (c *fakeProtocolClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.uploads)
}

func TestEngineDualWriteRetriesOnlyFailedChannel(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.Protocol = ProtocolBoth
	cfg.EnableDedup = false
	cfg.FTP.Host = "127.0.0.1"

	e, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.db.Close() })

	smb := &fakeProtocolClient{}
	ftp := &fakeProtocolClient{failures: 1}
	e.clients = map[Protocol]ProtocolClient{ProtocolSMB: smb, ProtocolFTP: ftp}

	item := &WorkItem{
		SourcePath:   filepath.Join(cfg.Source, "a.jpg"),
		RelativePath: "a.jpg",
		TargetPath:   filepath.Join(cfg.Target, "a.jpg"),
		SizeBytes:    3,
		MaxAttempts:  2,
	}

	err = e.upload(item)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.True(t, item.ChannelDone(ProtocolSMB), "succeeded channel is recorded")
	assert.False(t, item.ChannelDone(ProtocolFTP))

	// The retry replays only the failed channel.
	require.NoError(t, e.upload(item))
	assert.Equal(t, 1, smb.count(), "succeeded channel is not re-uploaded")
	assert.Equal(t, 2, ftp.count())
	assert.True(t, item.ChannelDone(ProtocolFTP))
}

func TestEngineGracefulStopWaitsForInFlight(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.EnableDedup = false

	e, err := New(cfg, nil)
	require.NoError(t, err)

	fake := &fakeProtocolClient{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	e.clients = map[Protocol]ProtocolClient{ProtocolSMB: fake}

	writeFile(t, filepath.Join(cfg.Source, "a.jpg"), randomBytes(t, 10))
	require.NoError(t, e.Start())
	t.Cleanup(func() { e.Stop(false) })

	select {
	case <-fake.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}

	stopped := make(chan struct{})
	go func() {
		e.Stop(true)
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("graceful stop returned while an upload was in flight")
	case <-time.After(200 * time.Millisecond):
	}

	close(fake.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("graceful stop never finished")
	}

	assert.Equal(t, StateStopped, e.State())
	assert.Equal(t, 1, e.Stats().Uploaded, "the in-flight upload completed")
}
