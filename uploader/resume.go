package uploader

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// recordExpiry is how long an abandoned transfer record is kept before the
// startup sweep discards it.
const recordExpiry = 7 * 24 * time.Hour

// ResumeLedger tracks per-file transfer progress for large files so an
// interrupted upload can continue where it left off across restarts. It is
// the single writer to the resume table; all methods are safe for
// concurrent use.
type ResumeLedger struct {
	mu        sync.Mutex
	store     *Store
	threshold int64
}

// NewResumeLedger creates a ledger over the given store. Files smaller than
// threshold bytes bypass the ledger entirely.
func NewResumeLedger(store *Store, threshold int64) *ResumeLedger {
	return &ResumeLedger{store: store, threshold: threshold}
}

// fileID derives a content-stable identifier from path, size and mtime.
// A touched or rewritten source produces a new id, orphaning the old record.
func fileID(path string) string {
	sum := func(s string) string {
		h := md5.Sum([]byte(s))
		return hex.EncodeToString(h[:])[:16]
	}
	info, err := os.Stat(path)
	if err != nil {
		return sum(path)
	}
	return sum(fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano()))
}

// tempPath is the hidden in-progress file next to the final target.
func tempPath(targetPath string) string {
	dir, name := filepath.Split(targetPath)
	return filepath.Join(dir, "."+name+".part")
}

// ShouldResume reports whether the file is large enough for restart-safe
// chunked transfer.
func (r *ResumeLedger) ShouldResume(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() >= r.threshold
}

// GetResumeInfo returns the validated transfer record for the given
// source/target pair. Any mismatch — changed source size, missing temp
// file, or a temp file whose length disagrees with the recorded progress —
// discards the record and its temp file so the transfer restarts from zero.
// Resume never proceeds on unverifiable state.
func (r *ResumeLedger) GetResumeInfo(sourcePath, targetPath string) (*TransferRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := sub("resume")

	id := fileID(sourcePath)
	rec, err := r.store.GetResume(id)
	if err != nil || rec == nil {
		return nil, false
	}

	if rec.SourcePath != sourcePath || rec.TargetPath != targetPath {
		l.Debug("record path mismatch, ignoring", "fileID", id)
		return nil, false
	}

	info, err := os.Stat(sourcePath)
	if err != nil || info.Size() != rec.TotalBytes {
		l.Info("source changed since record was written, discarding", "source", sourcePath)
		r.discardLocked(rec)
		return nil, false
	}

	tempInfo, err := os.Stat(rec.TempPath)
	if err != nil {
		l.Info("temp file missing, discarding record", "temp", rec.TempPath)
		r.discardLocked(rec)
		return nil, false
	}
	if tempInfo.Size() != rec.UploadedBytes {
		l.Warn("temp file size disagrees with recorded progress, restarting from zero",
			"temp", rec.TempPath, "recorded", rec.UploadedBytes, "actual", tempInfo.Size(),
			"err", ErrCorruptState)
		r.discardLocked(rec)
		return nil, false
	}

	l.Info("resuming transfer", "source", sourcePath, "uploaded", rec.UploadedBytes, "total", rec.TotalBytes)
	return rec, true
}

// CreateRecord starts ledger bookkeeping for a fresh large transfer.
func (r *ResumeLedger) CreateRecord(sourcePath, targetPath string, protocol Protocol) (*TransferRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	now := nowFunc()
	rec := &TransferRecord{
		FileID:     fileID(sourcePath),
		SourcePath: sourcePath,
		TargetPath: targetPath,
		TempPath:   tempPath(targetPath),
		TotalBytes: info.Size(),
		Protocol:   protocol,
		CreatedAt:  now,
		LastUpdate: now,
	}
	if err := r.store.UpsertResume(*rec); err != nil {
		return nil, err
	}
	sub("resume").Info("transfer record created", "source", sourcePath, "total", rec.TotalBytes)
	return rec, nil
}

// UpdateProgress persists the uploaded byte count after a chunk write.
func (r *ResumeLedger) UpdateProgress(sourcePath string, uploadedBytes int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.UpdateResumeProgress(fileID(sourcePath), uploadedBytes, nowFunc())
}

// Complete finishes a transfer. On success the record is deleted (the temp
// file has already been renamed into place). On failure or interruption the
// record and temp file are kept as the resume point for a later run.
func (r *ResumeLedger) Complete(sourcePath string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := fileID(sourcePath)
	if !success {
		sub("resume").Info("transfer interrupted, keeping record", "source", sourcePath)
		return
	}
	if err := r.store.DeleteResume(id); err != nil {
		sub("resume").Warn("delete completed record", "fileID", id, "err", err)
	}
}

// Pending returns records whose source file still exists, oldest first.
// Records for vanished sources are discarded on the way.
func (r *ResumeLedger) Pending() []TransferRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.store.ListResumes()
	if err != nil {
		sub("resume").Warn("list pending records", "err", err)
		return nil
	}
	var pending []TransferRecord
	for _, rec := range records {
		if _, err := os.Stat(rec.SourcePath); err != nil {
			r.discardLocked(&rec)
			continue
		}
		pending = append(pending, rec)
	}
	return pending
}

// CleanupExpired removes records idle longer than the expiry window,
// returning the number removed.
func (r *ResumeLedger) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.store.ListResumes()
	if err != nil {
		return 0
	}
	cutoff := nowFunc().Add(-recordExpiry)
	cleaned := 0
	for _, rec := range records {
		if rec.LastUpdate.Before(cutoff) {
			r.discardLocked(&rec)
			cleaned++
		}
	}
	if cleaned > 0 {
		sub("resume").Info("expired transfer records removed", "count", cleaned)
	}
	return cleaned
}

// discardLocked deletes a record and its temp file. Caller holds r.mu.
func (r *ResumeLedger) discardLocked(rec *TransferRecord) {
	if rec.TempPath != "" {
		os.Remove(rec.TempPath) //nolint:errcheck
	}
	if err := r.store.DeleteResume(rec.FileID); err != nil {
		sub("resume").Warn("discard record", "fileID", rec.FileID, "err", err)
	}
}
