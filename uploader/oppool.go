package uploader

import (
	"fmt"
	"os"
	"time"
)

// opPool runs blocking filesystem/network calls on a small bounded pool so
// a hung I/O call (typically a dead SMB mount) cannot stall the engine.
// Calls that exceed their deadline are abandoned: the goroutine finishes
// whenever the kernel lets it go, the caller gets errOpTimeout.
type opPool struct {
	slots chan struct{}
}

const opPoolSize = 3

func newOpPool() *opPool {
	return &opPool{slots: make(chan struct{}, opPoolSize)}
}

// run executes fn with a deadline. Waiting for a free slot counts against
// the deadline too.
func (p *opPool) run(timeout time.Duration, name string, fn func() error) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case p.slots <- struct{}{}:
	case <-deadline.C:
		sub("oppool").Warn("no free slot before deadline", "op", name, "timeout", timeout)
		return fmt.Errorf("%s: %w", name, errOpTimeout)
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-p.slots }()
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-deadline.C:
		sub("oppool").Warn("operation abandoned after deadline", "op", name, "timeout", timeout)
		return fmt.Errorf("%s: %w", name, errOpTimeout)
	}
}

// exists is a bounded os.Stat existence check. Timeouts report false.
func (p *opPool) exists(path string, timeout time.Duration) bool {
	var found bool
	err := p.run(timeout, "stat "+path, func() error {
		_, statErr := os.Stat(path)
		found = statErr == nil
		return nil
	})
	return err == nil && found
}

// mkdirAll is a bounded os.MkdirAll.
func (p *opPool) mkdirAll(path string, timeout time.Duration) error {
	return p.run(timeout, "mkdir "+path, func() error {
		return os.MkdirAll(path, 0o755)
	})
}
