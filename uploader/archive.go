package uploader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v4/disk"
)

// archiveQueueSize bounds the disposal backlog. Archiving runs behind the
// upload path, so the queue only fills when the backup disk is much slower
// than the upload channel.
const archiveQueueSize = 128

// ArchiveWorker disposes of source files after a successful upload: moved
// under the backup directory (mirroring the relative path) when backup is
// enabled, deleted otherwise. Disposal runs on the worker's own goroutine,
// fed through Enqueue, so an archiving backlog never blocks uploads.
type ArchiveWorker struct {
	backupDir string
	enabled   bool
	onError   func(item *WorkItem, err error) // may be nil

	queue chan *WorkItem
	done  chan struct{}

	mu      sync.Mutex
	pending map[string]struct{} // source paths enqueued but not yet disposed

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewArchiveWorker builds a worker. With enabled false the backupDir is
// ignored and disposal deletes. onError is called from the worker goroutine
// for every item whose disposal fails; it may be nil.
func NewArchiveWorker(backupDir string, enabled bool, onError func(item *WorkItem, err error)) *ArchiveWorker {
	return &ArchiveWorker{
		backupDir: backupDir,
		enabled:   enabled,
		onError:   onError,
		queue:     make(chan *WorkItem, archiveQueueSize),
		done:      make(chan struct{}),
		pending:   make(map[string]struct{}),
	}
}

// Start launches the disposal goroutine.
func (a *ArchiveWorker) Start() {
	a.startOnce.Do(func() { go a.loop() })
}

// Stop drains the queue and waits for the goroutine to finish. Items
// enqueued before Stop are still disposed of.
func (a *ArchiveWorker) Stop() {
	a.stopOnce.Do(func() {
		a.Start() // the drain needs the loop even if Start was never reached
		close(a.queue)
	})
	<-a.done
}

// Enqueue hands an uploaded item over for disposal. Re-enqueueing a source
// path that is already waiting is a no-op.
func (a *ArchiveWorker) Enqueue(item *WorkItem) {
	a.mu.Lock()
	if _, dup := a.pending[item.SourcePath]; dup {
		a.mu.Unlock()
		return
	}
	a.pending[item.SourcePath] = struct{}{}
	a.mu.Unlock()
	a.queue <- item
}

// Queued reports whether the source path is waiting for (or undergoing)
// disposal. The engine uses it to keep rescans away from uploaded files
// that are still sitting in the source tree.
func (a *ArchiveWorker) Queued(sourcePath string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pending[sourcePath]
	return ok
}

// PendingCount returns how many items still await disposal.
func (a *ArchiveWorker) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// pendingPaths snapshots the waiting source paths.
func (a *ArchiveWorker) pendingPaths() map[string]struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	snapshot := make(map[string]struct{}, len(a.pending))
	for p := range a.pending {
		snapshot[p] = struct{}{}
	}
	return snapshot
}

func (a *ArchiveWorker) loop() {
	defer close(a.done)
	for item := range a.queue {
		err := a.Archive(item)
		a.mu.Lock()
		delete(a.pending, item.SourcePath)
		a.mu.Unlock()
		if err != nil && a.onError != nil {
			a.onError(item, err)
		}
	}
}

// Archive moves item's source file to its backup location, or deletes it
// when backup is disabled. A name collision in the backup directory gets a
// numeric suffix rather than overwriting the earlier archive.
func (a *ArchiveWorker) Archive(item *WorkItem) error {
	l := sub("archive")

	if !a.enabled {
		if err := os.Remove(item.SourcePath); err != nil {
			return classifyError(fmt.Errorf("delete source: %w", err))
		}
		l.Debug("source deleted", "file", filepath.Base(item.SourcePath))
		return nil
	}

	dst := item.BackupPath
	if dst == "" {
		dst = filepath.Join(a.backupDir, item.RelativePath)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return classifyError(fmt.Errorf("mkdir backup parent: %w", err))
	}
	dst = uniquePath(dst)

	if err := moveFile(item.SourcePath, dst); err != nil {
		return classifyError(fmt.Errorf("move to backup: %w", err))
	}
	l.Debug("source archived", "file", filepath.Base(item.SourcePath), "backup", dst)
	return nil
}

// uniquePath returns path itself if free, else the first "name_N.ext" that
// doesn't exist yet.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	stem := filepath.Base(path[:len(path)-len(ext)])
	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// moveFile renames src to dst, falling back to copy+remove when the backup
// directory sits on a different filesystem.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

// diskFreePct returns the free-space percentage of the filesystem holding
// path. Unknown paths report 100 so a probe failure never trips the
// low-space gate by itself.
func diskFreePct(path string) float64 {
	if path == "" {
		return 100
	}
	usage, err := disk.Usage(path)
	if err != nil || usage.Total == 0 {
		sub("archive").Debug("disk usage probe failed", "path", path, "err", err)
		return 100
	}
	return 100 - usage.UsedPercent
}
