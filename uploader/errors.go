package uploader

import (
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"strings"
	"syscall"
)

// Error kinds. Components wrap underlying errors with one of these
// sentinels so the engine can route failures by class with errors.Is.
var (
	// ErrPath means a required directory is missing or uncreatable.
	// Fatal to starting a run, never retried.
	ErrPath = errors.New("path unavailable")

	// ErrNetwork covers timeouts, refused connections and unreachable
	// hosts. Retryable; also drives the NetworkMonitor state.
	ErrNetwork = errors.New("network error")

	// ErrAuth is a login failure (FTP 530 and friends). Non-retryable.
	ErrAuth = errors.New("authentication failed")

	// ErrPermission is a denied write/create. Non-retryable by default.
	ErrPermission = errors.New("permission denied")

	// ErrDiskFull is an out-of-space condition. Retryable with a longer
	// backoff since it may self-resolve.
	ErrDiskFull = errors.New("disk full")

	// ErrCorruptState marks an inconsistent resume/dedup record. Such
	// records are silently discarded; this never reaches a user-facing
	// failure.
	ErrCorruptState = errors.New("corrupt persisted state")
)

// errInterrupted marks a transfer stopped by a cooperative pause/stop
// check. Not a failure: the file is picked up again on the next pass.
var errInterrupted = errors.New("transfer interrupted")

// errOpTimeout is returned by the op pool when a blocking filesystem call
// exceeds its deadline. Treated as a network error (retryable).
var errOpTimeout = fmt.Errorf("%w: operation timed out", ErrNetwork)

// classifyError wraps err with the matching sentinel, inspecting syscall
// errnos, net errors and FTP reply codes. Errors already carrying a
// sentinel pass through unchanged.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrPath, ErrNetwork, ErrAuth, ErrPermission, ErrDiskFull, ErrCorruptState} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	var ftpErr *textproto.Error
	if errors.As(err, &ftpErr) {
		switch ftpErr.Code {
		case 530, 532:
			return fmt.Errorf("%w: %v", ErrAuth, err)
		case 550, 553:
			return fmt.Errorf("%w: %v", ErrPermission, err)
		case 452, 552:
			return fmt.Errorf("%w: %v", ErrDiskFull, err)
		case 421, 425, 426:
			return fmt.Errorf("%w: %v", ErrNetwork, err)
		}
	}

	switch {
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return fmt.Errorf("%w: %v", ErrDiskFull, err)
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ETIMEDOUT):
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	// Last resort: message sniffing, for errors that arrive as plain
	// strings from remote ends.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "login incorrect"), strings.Contains(msg, "authentication"):
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case strings.Contains(msg, "no space"), strings.Contains(msg, "disk full"):
		return fmt.Errorf("%w: %v", ErrDiskFull, err)
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "access denied"):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "connection refused"), strings.Contains(msg, "unreachable"),
		strings.Contains(msg, "broken pipe"), strings.Contains(msg, "connection reset"):
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	return err
}

// isRetryable reports whether a classified error should go back through the
// retry scheduler. Auth and permission failures are surfaced immediately.
func isRetryable(err error) bool {
	return !errors.Is(err, ErrAuth) && !errors.Is(err, ErrPermission) && !errors.Is(err, ErrPath)
}
