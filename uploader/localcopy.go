package uploader

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// LocalCopyClient uploads by streaming to a destination path on a local or
// SMB-mounted filesystem. There is no real connection; Connect and
// Disconnect exist to satisfy ProtocolClient. Files at or above the resume
// threshold go through the ledger-backed restart-safe path.
type LocalCopyClient struct {
	ledger    *ResumeLedger
	limiter   *rate.Limiter
	pool      *opPool
	ctx       context.Context
	interrupt func() error
}

// NewLocalCopyClient builds a client. ledger may be nil to disable
// resumable transfers; interrupt may be nil.
func NewLocalCopyClient(ctx context.Context, ledger *ResumeLedger, pool *opPool, rateLimitBytes int, interrupt func() error) *LocalCopyClient {
	if ctx == nil {
		ctx = context.Background()
	}
	return &LocalCopyClient{
		ledger:    ledger,
		limiter:   newRateLimiter(rateLimitBytes),
		pool:      pool,
		ctx:       ctx,
		interrupt: interrupt,
	}
}

// Connect is a no-op for filesystem copy.
func (c *LocalCopyClient) Connect() error { return nil }

// Disconnect is a no-op for filesystem copy.
func (c *LocalCopyClient) Disconnect() {}

// EnsureDirectory creates the destination directory through the bounded op
// pool so a hung mount cannot stall the caller.
func (c *LocalCopyClient) EnsureDirectory(path string) error {
	if err := c.pool.mkdirAll(path, 3*time.Second); err != nil {
		return classifyError(fmt.Errorf("ensure directory %q: %w", path, err))
	}
	return nil
}

// UploadFile streams localPath to remotePath in fixed-size chunks, invoking
// onProgress after each chunk.
func (c *LocalCopyClient) UploadFile(localPath, remotePath string, onProgress ProgressFunc) error {
	opts := transferOpts{
		ctx:        c.ctx,
		limiter:    c.limiter,
		onProgress: onProgress,
		interrupt:  c.interrupt,
	}

	var err error
	if c.ledger != nil && c.ledger.ShouldResume(localPath) {
		err = copyResumable(c.ledger, localPath, remotePath, opts)
	} else {
		err = copyFile(localPath, remotePath, opts)
	}
	if err != nil {
		return classifyError(err)
	}
	return nil
}
