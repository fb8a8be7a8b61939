package uploader

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// retryWaits is the fixed wait table between upload attempts: attempt n
// failing schedules attempt n+1 after retryWaits[min(n-1, len-1)].
var retryWaits = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}

const failureLogName = "failed_uploads.log"

// RetryScheduler holds failed work items until their next attempt is due.
// Items that exhaust their attempts are written to the durable failure log
// and dropped. Safe for concurrent use.
type RetryScheduler struct {
	mu       sync.Mutex
	deferred []*WorkItem
	failures *FailureLog
}

// NewRetryScheduler creates a scheduler writing permanent failures through
// log. log may be nil to disable durable failure records.
func NewRetryScheduler(log *FailureLog) *RetryScheduler {
	return &RetryScheduler{failures: log}
}

// backoffFor returns the wait before the next attempt, given how many
// attempts have already failed.
func backoffFor(failedAttempts int) time.Duration {
	if failedAttempts < 1 {
		failedAttempts = 1
	}
	if failedAttempts > len(retryWaits) {
		failedAttempts = len(retryWaits)
	}
	return retryWaits[failedAttempts-1]
}

// OnFailure records a failed attempt on the item. Retryable errors with
// attempts remaining are deferred for a later pass and true is returned;
// otherwise the item goes to the failure log and false is returned.
func (s *RetryScheduler) OnFailure(item *WorkItem, cause error) bool {
	item.AttemptCount++
	item.LastError = cause.Error()

	l := sub("retry")
	if !isRetryable(cause) || item.AttemptCount >= item.MaxAttempts {
		l.Error("giving up",
			"file", filepath.Base(item.SourcePath),
			"attempts", item.AttemptCount,
			"err", cause)
		if s.failures != nil {
			if err := s.failures.Record(item, cause); err != nil {
				l.Warn("write failure log", "err", err)
			}
		}
		return false
	}

	wait := backoffFor(item.AttemptCount)
	item.NextAttemptAt = nowFunc().Add(wait)
	l.Warn("retrying later",
		"file", filepath.Base(item.SourcePath),
		"attempt", item.AttemptCount,
		"next_in", wait,
		"err", cause)

	s.mu.Lock()
	s.deferred = append(s.deferred, item)
	s.mu.Unlock()
	return true
}

// Due removes and returns every deferred item whose next attempt time has
// passed.
func (s *RetryScheduler) Due() []*WorkItem {
	now := nowFunc()

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*WorkItem
	rest := s.deferred[:0]
	for _, item := range s.deferred {
		if !item.NextAttemptAt.After(now) {
			due = append(due, item)
		} else {
			rest = append(rest, item)
		}
	}
	s.deferred = rest
	return due
}

// PendingCount returns how many items are waiting on a retry.
func (s *RetryScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deferred)
}

// NextDue returns the earliest scheduled attempt time and whether any item
// is deferred at all.
func (s *RetryScheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.deferred) == 0 {
		return time.Time{}, false
	}
	earliest := s.deferred[0].NextAttemptAt
	for _, item := range s.deferred[1:] {
		if item.NextAttemptAt.Before(earliest) {
			earliest = item.NextAttemptAt
		}
	}
	return earliest, true
}

// FailureLog is the append-only record of permanently failed uploads,
// one line per failure. It survives restarts so an operator can replay
// or inspect what never made it.
type FailureLog struct {
	mu   sync.Mutex
	path string
}

// NewFailureLog opens (or creates) the failure log inside dataDir.
func NewFailureLog(dataDir string) *FailureLog {
	return &FailureLog{path: filepath.Join(dataDir, failureLogName)}
}

// Record appends one failure line: timestamp, source path, attempt count,
// last error.
func (f *FailureLog) Record(item *WorkItem, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open failure log: %w", err)
	}
	defer file.Close()

	line := fmt.Sprintf("%s\t%s\tattempts=%d\t%v\n",
		nowFunc().Format(time.RFC3339), item.SourcePath, item.AttemptCount, cause)
	if _, err := file.WriteString(line); err != nil {
		return fmt.Errorf("append failure log: %w", err)
	}
	return nil
}

// Entries reads the log back, most recent last. Missing file means no
// failures yet.
func (f *FailureLog) Entries() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open failure log: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
