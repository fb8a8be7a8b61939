package uploader

// ProgressFunc receives cumulative transfer progress for one file.
type ProgressFunc func(uploaded, total int64)

// ProtocolClient is one upload channel. Implementations are owned
// per-connection: a single client is never shared across concurrent
// transfers without internal locking.
type ProtocolClient interface {
	// Connect establishes the channel. Idempotent; a no-op for
	// filesystem copy.
	Connect() error

	// UploadFile transfers localPath to remotePath, reporting cumulative
	// progress after every chunk. Errors are classified (see errors.go).
	UploadFile(localPath, remotePath string, onProgress ProgressFunc) error

	// EnsureDirectory creates the remote directory path if needed,
	// tolerating already-exists conditions.
	EnsureDirectory(path string) error

	// Disconnect tears the channel down. Safe to call repeatedly.
	Disconnect()
}
