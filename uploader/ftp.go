package uploader

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"
)

// ftpConnectWaits is the fixed wait table between connect attempts.
var ftpConnectWaits = []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}

// FTPClient is the outbound FTP/FTPS upload channel. A connection is not
// shared across concurrent uploads; the mutex serializes all use of the
// underlying control connection.
type FTPClient struct {
	cfg FTPConfig

	mu   sync.Mutex
	conn *ftp.ServerConn

	activeNotice sync.Once
}

// NewFTPClient builds a client from the connection parameters. No network
// traffic happens until Connect.
func NewFTPClient(cfg FTPConfig) *FTPClient {
	return &FTPClient{cfg: cfg}
}

// stepBackoff walks a fixed wait table once, then stops. Satisfies
// backoff.BackOff.
type stepBackoff struct {
	steps []time.Duration
	next  int
}

func (b *stepBackoff) NextBackOff() time.Duration {
	if b.next >= len(b.steps) {
		return backoff.Stop
	}
	d := b.steps[b.next]
	b.next++
	return d
}

func (b *stepBackoff) Reset() { b.next = 0 }

// Connect dials and authenticates, retrying connect failures on the fixed
// wait table (5s, 10s, 15s). Authentication failures are permanent and end
// the retry loop immediately.
func (c *FTPClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	l := sub("ftp")
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)

	if !c.cfg.Passive {
		c.activeNotice.Do(func() {
			l.Warn("active mode is not supported, using passive transfers", "host", c.cfg.Host)
		})
	}

	steps := ftpConnectWaits
	if n := c.cfg.ConnectRetries - 1; n >= 0 && n < len(steps) {
		steps = steps[:n]
	}

	attempt := 0
	dial := func() error {
		attempt++
		l.Info("connecting", "addr", addr, "attempt", attempt)

		opts := []ftp.DialOption{ftp.DialWithTimeout(c.cfg.Timeout)}
		if c.cfg.TLS {
			opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: c.cfg.Host}))
		}
		conn, err := ftp.Dial(addr, opts...)
		if err != nil {
			l.Warn("dial failed", "addr", addr, "err", err)
			return fmt.Errorf("%w: dial %s: %v", ErrNetwork, addr, err)
		}
		if err := conn.Login(c.cfg.User, c.cfg.Password); err != nil {
			conn.Quit() //nolint:errcheck
			err = classifyError(err)
			if errors.Is(err, ErrAuth) {
				l.Error("login rejected", "addr", addr, "user", c.cfg.User, "err", err)
				return backoff.Permanent(err)
			}
			l.Warn("login failed", "addr", addr, "err", err)
			return err
		}
		c.conn = conn
		l.Info("connected", "addr", addr, "tls", c.cfg.TLS)
		return nil
	}

	if err := backoff.Retry(dial, &stepBackoff{steps: steps}); err != nil {
		return err
	}
	return nil
}

// Disconnect closes the control connection. Safe to call repeatedly.
func (c *FTPClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	if err := c.conn.Quit(); err != nil {
		sub("ftp").Debug("quit failed", "err", err)
	}
	c.conn = nil
}

// EnsureDirectory walks the remote path segment by segment, attempting CWD
// and creating missing segments with MKD. Already-exists permission errors
// from concurrent creators are tolerated.
func (c *FTPClient) EnsureDirectory(remotePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("%w: not connected", ErrNetwork)
	}

	defer c.conn.ChangeDir("/") //nolint:errcheck

	for _, segment := range splitRemotePath(remotePath) {
		if err := c.conn.ChangeDir(segment); err == nil {
			continue
		}
		if err := c.conn.MakeDir(segment); err != nil && !ftpAlreadyExists(err) {
			return classifyError(fmt.Errorf("mkd %q: %w", segment, err))
		}
		if err := c.conn.ChangeDir(segment); err != nil {
			return classifyError(fmt.Errorf("cwd %q: %w", segment, err))
		}
	}
	return nil
}

// UploadFile issues a STOR of localPath to remotePath, reporting cumulative
// progress as the stream is consumed.
func (c *FTPClient) UploadFile(localPath, remotePath string, onProgress ProgressFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("%w: not connected", ErrNetwork)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return classifyError(fmt.Errorf("open local: %w", err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return classifyError(fmt.Errorf("stat local: %w", err))
	}

	reader := &progressReader{r: f, total: info.Size(), onProgress: onProgress}
	if err := c.conn.Stor(path.Clean(remotePath), reader); err != nil {
		return classifyError(fmt.Errorf("stor %q: %w", remotePath, err))
	}
	sub("ftp").Info("stored", "remote", remotePath, "bytes", info.Size())
	return nil
}

// splitRemotePath breaks "/a/b/c" into ["a","b","c"], normalizing
// backslashes from Windows-built paths.
func splitRemotePath(p string) []string {
	p = strings.ReplaceAll(p, `\`, "/")
	var segments []string
	for _, s := range strings.Split(path.Clean(p), "/") {
		if s != "" && s != "." {
			segments = append(segments, s)
		}
	}
	return segments
}

// ftpAlreadyExists reports whether an MKD failure means the directory is
// already there (servers answer 550 with varying text).
func ftpAlreadyExists(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code == 550 {
		msg := strings.ToLower(tpErr.Msg)
		return strings.Contains(msg, "exist") || strings.Contains(msg, "directory")
	}
	return false
}

// progressReader reports cumulative bytes read through it.
type progressReader struct {
	r          io.Reader
	total      int64
	read       int64
	onProgress ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.read, p.total)
		}
	}
	return n, err
}
