package uploader

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// quickHashWindow is how much of the head and tail of a large file the
// quick digest covers.
const quickHashWindow = 1 << 20

const hashBufSize = 64 << 10

// HashStore is the content-dedup ledger: content hash → canonical uploaded
// path, persisted through the Store. Hashes are content-addressed; a hash
// keeps its first canonical path for life. All methods are safe for
// concurrent use.
type HashStore struct {
	mu        sync.Mutex
	store     *Store
	algorithm string // "md5" | "sha256"
	quickMode bool   // quick digest is the canonical identity
}

// NewHashStore creates a HashStore using the given digest algorithm. With
// quickMode the head+tail digest is used as the identity instead of the
// full-file digest.
func NewHashStore(store *Store, algorithm string, quickMode bool) *HashStore {
	if algorithm == "" {
		algorithm = "md5"
	}
	return &HashStore{store: store, algorithm: algorithm, quickMode: quickMode}
}

func newDigest(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "md5":
		return md5.New(), nil
	case "sha256":
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}

// Hash computes the full-file digest. The context is checked between reads
// so a stop request interrupts hashing of large files promptly.
func (h *HashStore) Hash(ctx context.Context, path string) (string, error) {
	digest, err := newDigest(h.algorithm)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for hashing: %w", err)
	}
	defer f.Close()

	buf := make([]byte, hashBufSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %v", errInterrupted, err)
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			digest.Write(buf[:n]) //nolint:errcheck
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("read for hashing: %w", readErr)
		}
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

// QuickHash digests only the first and last 1 MiB of files at least 1 MiB
// long (whole file below that). A fast probabilistic check, not a canonical
// identity unless the store runs in quick mode.
func (h *HashStore) QuickHash(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat for quick hash: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for quick hash: %w", err)
	}
	defer f.Close()

	digest := md5.New()
	if info.Size() < quickHashWindow {
		if _, err := io.Copy(digest, f); err != nil {
			return "", fmt.Errorf("quick hash read: %w", err)
		}
	} else {
		if _, err := io.CopyN(digest, f, quickHashWindow); err != nil {
			return "", fmt.Errorf("quick hash head: %w", err)
		}
		if _, err := f.Seek(-quickHashWindow, io.SeekEnd); err != nil {
			return "", fmt.Errorf("quick hash seek: %w", err)
		}
		if _, err := io.Copy(digest, f); err != nil {
			return "", fmt.Errorf("quick hash tail: %w", err)
		}
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

// identity returns the digest used as the dedup key for path.
func (h *HashStore) identity(ctx context.Context, path string) (string, error) {
	if h.quickMode {
		return h.QuickHash(path)
	}
	return h.Hash(ctx, path)
}

// IsDuplicate reports whether the file's content is already recorded. A hit
// whose canonical file no longer exists is lazily evicted and reported as a
// miss.
func (h *HashStore) IsDuplicate(ctx context.Context, path string) (*DedupRecord, error) {
	digest, err := h.identity(ctx, path)
	if err != nil {
		return nil, err
	}
	return h.lookup(digest)
}

// FindDuplicate is IsDuplicate plus the destination-rescan fallback: on a
// ledger miss, destDir's existing files are rehashed looking for a content
// match before concluding "no duplicate". A rescan hit is recorded so the
// next occurrence is a plain ledger hit.
func (h *HashStore) FindDuplicate(ctx context.Context, path, destDir string) (*DedupRecord, error) {
	digest, err := h.identity(ctx, path)
	if err != nil {
		return nil, err
	}
	rec, err := h.lookup(digest)
	if err != nil || rec != nil {
		return rec, err
	}
	if destDir == "" {
		return nil, nil
	}

	found, err := h.FindInDirectory(ctx, destDir, digest)
	if err != nil || found == "" {
		return nil, err
	}
	info, err := os.Stat(found)
	if err != nil {
		return nil, nil // raced with a delete, treat as a miss
	}
	rec = &DedupRecord{
		ContentHash:   digest,
		CanonicalPath: found,
		SizeBytes:     info.Size(),
		RecordedAt:    nowFunc(),
	}
	sub("dedup").Info("content match found by destination rescan", "hash", digest, "path", found)
	h.mu.Lock()
	storeErr := h.store.UpsertDedup(*rec)
	h.mu.Unlock()
	if storeErr != nil {
		sub("dedup").Warn("record rescan hit", "hash", digest, "err", storeErr)
	}
	return rec, nil
}

// lookup resolves a digest against the ledger, lazily evicting a record
// whose canonical file is gone.
func (h *HashStore) lookup(digest string) (*DedupRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, err := h.store.GetDedup(digest)
	if err != nil || rec == nil {
		return nil, err
	}
	info, statErr := os.Stat(rec.CanonicalPath)
	if statErr != nil {
		sub("dedup").Info("canonical file gone, evicting record", "hash", digest, "path", rec.CanonicalPath)
		h.store.DeleteDedup(digest) //nolint:errcheck
		return nil, nil
	}
	if info.Size() != rec.SizeBytes {
		// Same digest, different size: hash collision or a rewrite of the
		// canonical file. Report the hit anyway and let the policy decide.
		sub("dedup").Warn("canonical file size drifted from record",
			"hash", digest, "path", rec.CanonicalPath,
			"recorded", rec.SizeBytes, "actual", info.Size())
	}
	return rec, nil
}

// Record stores the file as the canonical copy for its content hash.
// Called after a successful upload; canonicalPath is the uploaded target.
func (h *HashStore) Record(ctx context.Context, sourcePath, canonicalPath string) error {
	digest, err := h.identity(ctx, sourcePath)
	if err != nil {
		return err
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return fmt.Errorf("stat for dedup record: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store.UpsertDedup(DedupRecord{
		ContentHash:   digest,
		CanonicalPath: canonicalPath,
		SizeBytes:     info.Size(),
		RecordedAt:    nowFunc(),
	})
}

// Remove drops any record whose canonical path matches.
func (h *HashStore) Remove(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store.DeleteDedupByPath(path)
}

// Clear empties the ledger.
func (h *HashStore) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store.ClearDedup()
}

// FindInDirectory rehashes the destination's existing files looking for a
// content match when the ledger has no hit — the fallback before concluding
// "no duplicate". Cancellation is checked per file so a pause/stop request
// interrupts the scan promptly. Returns the matching path or "".
func (h *HashStore) FindInDirectory(ctx context.Context, dir, wantDigest string) (string, error) {
	var match string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries don't abort the scan
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %v", errInterrupted, ctxErr)
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), ".part") {
			return nil
		}
		digest, hashErr := h.identity(ctx, path)
		if hashErr != nil {
			sub("dedup").Debug("rehash failed, skipping", "path", path, "err", hashErr)
			return nil
		}
		if digest == wantDigest {
			match = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return match, nil
}
