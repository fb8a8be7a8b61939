package uploader

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Store provides CRUD operations on the persisted resume and dedup ledgers.
// It is the single writer to its backing database; callers serialize through
// the owning component's mutex.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- resume records ---

// UpsertResume inserts or replaces a transfer record keyed by file id.
func (s *Store) UpsertResume(r TransferRecord) error {
	sub("store").Debug("UpsertResume", "fileID", r.FileID, "source", r.SourcePath, "total", r.TotalBytes)
	_, err := s.db.Exec(`
		INSERT INTO resume_records
			(file_id, source_path, target_path, temp_path, total_bytes, uploaded_bytes, protocol, created_at, last_update)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			source_path    = excluded.source_path,
			target_path    = excluded.target_path,
			temp_path      = excluded.temp_path,
			total_bytes    = excluded.total_bytes,
			uploaded_bytes = excluded.uploaded_bytes,
			protocol       = excluded.protocol,
			last_update    = excluded.last_update
	`, r.FileID, r.SourcePath, r.TargetPath, r.TempPath, r.TotalBytes, r.UploadedBytes,
		string(r.Protocol), r.CreatedAt.UnixNano(), r.LastUpdate.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert resume record: %w", err)
	}
	return nil
}

// GetResume retrieves a transfer record by file id, nil if absent.
func (s *Store) GetResume(fileID string) (*TransferRecord, error) {
	r := &TransferRecord{}
	var proto string
	var created, updated int64
	err := s.db.QueryRow(`
		SELECT file_id, source_path, target_path, temp_path, total_bytes, uploaded_bytes, protocol, created_at, last_update
		FROM resume_records WHERE file_id = ?
	`, fileID).Scan(&r.FileID, &r.SourcePath, &r.TargetPath, &r.TempPath, &r.TotalBytes,
		&r.UploadedBytes, &proto, &created, &updated)
	if err == sql.ErrNoRows {
		if logEnabled(slog.LevelDebug) {
			sub("store").Debug("GetResume", "fileID", fileID, "found", false)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get resume record: %w", err)
	}
	r.Protocol = Protocol(proto)
	r.CreatedAt = time.Unix(0, created)
	r.LastUpdate = time.Unix(0, updated)
	return r, nil
}

// UpdateResumeProgress updates the uploaded byte count after a chunk write.
func (s *Store) UpdateResumeProgress(fileID string, uploadedBytes int64, lastUpdate time.Time) error {
	_, err := s.db.Exec(`
		UPDATE resume_records SET uploaded_bytes = ?, last_update = ? WHERE file_id = ?
	`, uploadedBytes, lastUpdate.UnixNano(), fileID)
	if err != nil {
		return fmt.Errorf("update resume progress: %w", err)
	}
	return nil
}

// DeleteResume removes a transfer record.
func (s *Store) DeleteResume(fileID string) error {
	sub("store").Debug("DeleteResume", "fileID", fileID)
	_, err := s.db.Exec("DELETE FROM resume_records WHERE file_id = ?", fileID)
	if err != nil {
		return fmt.Errorf("delete resume record: %w", err)
	}
	return nil
}

// ListResumes returns all transfer records, oldest update first.
func (s *Store) ListResumes() ([]TransferRecord, error) {
	rows, err := s.db.Query(`
		SELECT file_id, source_path, target_path, temp_path, total_bytes, uploaded_bytes, protocol, created_at, last_update
		FROM resume_records ORDER BY last_update ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list resume records: %w", err)
	}
	defer rows.Close()

	var records []TransferRecord
	for rows.Next() {
		var r TransferRecord
		var proto string
		var created, updated int64
		if err := rows.Scan(&r.FileID, &r.SourcePath, &r.TargetPath, &r.TempPath, &r.TotalBytes,
			&r.UploadedBytes, &proto, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan resume record: %w", err)
		}
		r.Protocol = Protocol(proto)
		r.CreatedAt = time.Unix(0, created)
		r.LastUpdate = time.Unix(0, updated)
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- dedup records ---

// UpsertDedup inserts a dedup record. An existing hash keeps its original
// canonical path (records are never mutated).
func (s *Store) UpsertDedup(r DedupRecord) error {
	sub("store").Debug("UpsertDedup", "hash", r.ContentHash, "path", r.CanonicalPath)
	_, err := s.db.Exec(`
		INSERT INTO dedup_records (content_hash, canonical_path, size_bytes, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING
	`, r.ContentHash, r.CanonicalPath, r.SizeBytes, r.RecordedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert dedup record: %w", err)
	}
	return nil
}

// GetDedup retrieves a dedup record by content hash, nil if absent.
func (s *Store) GetDedup(hash string) (*DedupRecord, error) {
	r := &DedupRecord{}
	var recorded int64
	err := s.db.QueryRow(`
		SELECT content_hash, canonical_path, size_bytes, recorded_at
		FROM dedup_records WHERE content_hash = ?
	`, hash).Scan(&r.ContentHash, &r.CanonicalPath, &r.SizeBytes, &recorded)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dedup record: %w", err)
	}
	r.RecordedAt = time.Unix(0, recorded)
	return r, nil
}

// DeleteDedup removes a dedup record by content hash.
func (s *Store) DeleteDedup(hash string) error {
	sub("store").Debug("DeleteDedup", "hash", hash)
	_, err := s.db.Exec("DELETE FROM dedup_records WHERE content_hash = ?", hash)
	if err != nil {
		return fmt.Errorf("delete dedup record: %w", err)
	}
	return nil
}

// DeleteDedupByPath removes dedup records whose canonical path matches.
func (s *Store) DeleteDedupByPath(path string) error {
	_, err := s.db.Exec("DELETE FROM dedup_records WHERE canonical_path = ?", path)
	if err != nil {
		return fmt.Errorf("delete dedup record by path: %w", err)
	}
	return nil
}

// ClearDedup removes all dedup records.
func (s *Store) ClearDedup() error {
	sub("store").Info("clearing dedup ledger")
	_, err := s.db.Exec("DELETE FROM dedup_records")
	if err != nil {
		return fmt.Errorf("clear dedup records: %w", err)
	}
	return nil
}
