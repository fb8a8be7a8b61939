package uploader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"
)

// copyChunkSize is the unit of transfer. Cooperative pause/stop checks,
// ledger updates and progress callbacks all happen on chunk boundaries, so
// this also bounds pause latency.
const copyChunkSize = 1 << 20

// transferOpts carries the cross-cutting knobs of a chunked copy.
type transferOpts struct {
	ctx        context.Context
	limiter    *rate.Limiter // nil = unlimited
	onProgress ProgressFunc  // nil = silent
	interrupt  func() error  // checked between chunks; non-nil return aborts
}

// newRateLimiter builds a byte-per-second limiter for the configured cap,
// or nil for unlimited.
func newRateLimiter(bytesPerSec int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := copyChunkSize
	if bytesPerSec < burst {
		burst = bytesPerSec
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

func (o transferOpts) check() error {
	if o.ctx != nil {
		if err := o.ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", errInterrupted, err)
		}
	}
	if o.interrupt != nil {
		if err := o.interrupt(); err != nil {
			return err
		}
	}
	return nil
}

func (o transferOpts) throttle(n int) {
	if o.limiter == nil {
		return
	}
	ctx := o.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	o.limiter.WaitN(ctx, n) //nolint:errcheck
}

// copyFile copies src to dst in chunks through a hidden temp file, then
// atomically renames it into place and carries the source mtime over. An
// interruption removes the temp file: small files restart from scratch.
func copyFile(src, dst string, opts transferOpts) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat src: %w", err)
	}
	total := srcInfo.Size()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir dst parent: %w", err)
	}

	tmp := tempPath(dst)
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open src: %w", err)
	}
	defer srcFile.Close()

	tmpFile, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create tmp: %w", err)
	}

	var copied int64
	copyErr := func() error {
		buf := make([]byte, copyChunkSize)
		for {
			if err := opts.check(); err != nil {
				return err
			}
			n, readErr := srcFile.Read(buf)
			if n > 0 {
				opts.throttle(n)
				if _, writeErr := tmpFile.Write(buf[:n]); writeErr != nil {
					return fmt.Errorf("write tmp: %w", writeErr)
				}
				copied += int64(n)
				if opts.onProgress != nil {
					opts.onProgress(copied, total)
				}
			}
			if readErr == io.EOF {
				return nil
			}
			if readErr != nil {
				return fmt.Errorf("read src: %w", readErr)
			}
		}
	}()

	tmpFile.Close()
	if copyErr != nil {
		os.Remove(tmp)
		return copyErr
	}
	return finalize(tmp, dst, srcInfo.ModTime())
}

// copyResumable copies src to dst with restart-safe progress persisted in
// the ledger. The temp file is opened in append mode when a verified resume
// point exists; on interruption both the temp file and the record are kept
// so the next run continues from there.
func copyResumable(ledger *ResumeLedger, src, dst string, opts transferOpts) error {
	l := sub("transfer")

	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat src: %w", err)
	}
	total := srcInfo.Size()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir dst parent: %w", err)
	}

	rec, found := ledger.GetResumeInfo(src, dst)
	if !found {
		rec, err = ledger.CreateRecord(src, dst, ProtocolSMB)
		if err != nil {
			return fmt.Errorf("create transfer record: %w", err)
		}
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open src: %w", err)
	}
	defer srcFile.Close()

	flags := os.O_WRONLY | os.O_CREATE
	if rec.UploadedBytes > 0 {
		if _, err := srcFile.Seek(rec.UploadedBytes, io.SeekStart); err != nil {
			return fmt.Errorf("seek src: %w", err)
		}
		flags |= os.O_APPEND
		l.Info("continuing from resume point", "file", filepath.Base(src), "offset", rec.UploadedBytes)
	} else {
		flags |= os.O_TRUNC
	}

	tmpFile, err := os.OpenFile(rec.TempPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open tmp: %w", err)
	}

	uploaded := rec.UploadedBytes
	copyErr := func() error {
		buf := make([]byte, copyChunkSize)
		for uploaded < total {
			if err := opts.check(); err != nil {
				return err
			}
			n, readErr := srcFile.Read(buf)
			if n > 0 {
				opts.throttle(n)
				if _, writeErr := tmpFile.Write(buf[:n]); writeErr != nil {
					return fmt.Errorf("write tmp: %w", writeErr)
				}
				uploaded += int64(n)
				if err := ledger.UpdateProgress(src, uploaded); err != nil {
					l.Warn("persist progress", "file", filepath.Base(src), "err", err)
				}
				if opts.onProgress != nil {
					opts.onProgress(uploaded, total)
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return fmt.Errorf("read src: %w", readErr)
			}
		}
		return nil
	}()

	tmpFile.Close()
	if copyErr != nil {
		// Temp file and record stay put: they are the resume point.
		ledger.Complete(src, false)
		return copyErr
	}

	if err := finalize(rec.TempPath, dst, srcInfo.ModTime()); err != nil {
		ledger.Complete(src, false)
		return err
	}
	ledger.Complete(src, true)
	return nil
}

// finalize replaces dst with the completed temp file and copies the source
// mtime onto it.
func finalize(tmp, dst string, srcMtime time.Time) error {
	if _, err := os.Stat(dst); err == nil {
		if err := os.Remove(dst); err != nil {
			return fmt.Errorf("remove existing dst: %w", err)
		}
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename tmp to dst: %w", err)
	}
	if err := os.Chtimes(dst, nowFunc(), srcMtime); err != nil {
		sub("transfer").Warn("carry over mtime", "dst", dst, "err", err)
	}
	return nil
}
