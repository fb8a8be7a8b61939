package uploader

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// FTPConfig holds the outbound FTP client connection parameters.
type FTPConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	RemotePath     string // remote base directory, e.g. "/upload/photos"
	TLS            bool   // explicit FTPS
	Passive        bool
	Timeout        time.Duration
	ConnectRetries int
}

// Config is the typed configuration bundle handed to New. Loading and
// versioning of configuration files is the caller's concern.
type Config struct {
	Source string
	Target string
	Backup string

	// EnableBackup false means successfully uploaded source files are
	// deleted instead of moved to Backup.
	EnableBackup bool

	UploadInterval time.Duration
	RunOnce        bool // single scan pass instead of a periodic loop

	DiskThresholdPercent int
	RetryCount           int

	// Extensions is the allow-list of file extensions to upload
	// (lower-cased, with leading dot, e.g. ".jpg").
	Extensions []string

	EnableDedup     bool
	HashAlgorithm   string // "md5" | "sha256"
	QuickHashMode   bool   // head+tail digest as the canonical identity
	DuplicatePolicy DuplicatePolicy
	AskTimeout      time.Duration // wait for an answer in "ask" mode

	NetworkCheckInterval time.Duration
	NetworkAutoPause     bool
	NetworkAutoResume    bool

	Protocol Protocol
	FTP      FTPConfig

	LimitRate   bool
	MaxRateMBps float64

	ResumeThreshold int64 // bytes; files at/above use resumable transfer

	DataDir     string // resume/dedup database and failure log
	LogDir      string // rotating log files; empty = console only
	StopTimeout time.Duration
}

const (
	defaultResumeThreshold = 10 << 20
	defaultAskTimeout      = 120 * time.Second
	defaultStopTimeout     = 10 * time.Second
)

// withDefaults fills zero values in place.
func (c *Config) withDefaults() {
	if c.UploadInterval <= 0 {
		c.UploadInterval = 10 * time.Second
	}
	if c.DiskThresholdPercent < 5 {
		c.DiskThresholdPercent = 5
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.HashAlgorithm == "" {
		c.HashAlgorithm = "md5"
	}
	if c.DuplicatePolicy == "" {
		c.DuplicatePolicy = DuplicateSkip
	}
	if c.AskTimeout <= 0 {
		c.AskTimeout = defaultAskTimeout
	}
	if c.NetworkCheckInterval <= 0 {
		c.NetworkCheckInterval = 10 * time.Second
	}
	if c.Protocol == "" {
		c.Protocol = ProtocolSMB
	}
	if c.ResumeThreshold <= 0 {
		c.ResumeThreshold = defaultResumeThreshold
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.FTP.Port == 0 {
		c.FTP.Port = 21
	}
	if c.FTP.Timeout <= 0 {
		c.FTP.Timeout = 30 * time.Second
	}
	if c.FTP.ConnectRetries <= 0 {
		c.FTP.ConnectRetries = 3
	}
	if c.FTP.RemotePath == "" {
		c.FTP.RemotePath = "/upload"
	}
	for i, ext := range c.Extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Extensions[i] = ext
	}
}

// Validate checks the configuration before any work starts. A failure here
// is fatal to the run.
func (c Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("%w: source directory not set", ErrPath)
	}
	info, err := os.Stat(c.Source)
	if err != nil {
		return fmt.Errorf("%w: source %q: %v", ErrPath, c.Source, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: source %q is not a directory", ErrPath, c.Source)
	}

	usesLocal := c.Protocol == ProtocolSMB || c.Protocol == ProtocolBoth
	if usesLocal {
		if c.Target == "" {
			return fmt.Errorf("%w: target directory not set", ErrPath)
		}
		if err := os.MkdirAll(c.Target, 0o755); err != nil {
			return fmt.Errorf("%w: target %q: %v", ErrPath, c.Target, err)
		}
	}
	if c.EnableBackup {
		if c.Backup == "" {
			return fmt.Errorf("%w: backup enabled but backup directory not set", ErrPath)
		}
		if err := os.MkdirAll(c.Backup, 0o755); err != nil {
			return fmt.Errorf("%w: backup %q: %v", ErrPath, c.Backup, err)
		}
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data directory not set", ErrPath)
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("%w: data dir %q: %v", ErrPath, c.DataDir, err)
	}

	switch c.HashAlgorithm {
	case "", "md5", "sha256":
	default:
		return fmt.Errorf("unknown hash algorithm %q", c.HashAlgorithm)
	}
	switch c.DuplicatePolicy {
	case "", DuplicateSkip, DuplicateRename, DuplicateOverwrite, DuplicateAsk:
	default:
		return fmt.Errorf("unknown duplicate policy %q", c.DuplicatePolicy)
	}
	switch c.Protocol {
	case "", ProtocolSMB, ProtocolFTP, ProtocolBoth:
	default:
		return fmt.Errorf("unknown upload protocol %q", c.Protocol)
	}
	if c.Protocol == ProtocolFTP || c.Protocol == ProtocolBoth {
		if c.FTP.Host == "" {
			return fmt.Errorf("%w: ftp host not set", ErrPath)
		}
	}
	return nil
}

// rateLimitBytes returns the configured cap in bytes/second, 0 = unlimited.
func (c Config) rateLimitBytes() int {
	if !c.LimitRate || c.MaxRateMBps <= 0 {
		return 0
	}
	return int(c.MaxRateMBps * 1024 * 1024)
}
