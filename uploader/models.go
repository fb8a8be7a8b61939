package uploader

import "time"

// nowFunc is the time source, replaceable in tests.
var nowFunc = time.Now

// Protocol identifies an upload channel.
type Protocol string

const (
	ProtocolSMB  Protocol = "smb"        // filesystem copy, typically onto an SMB mount
	ProtocolFTP  Protocol = "ftp_client" // outbound FTP client
	ProtocolBoth Protocol = "both"       // dual-write over SMB and FTP
)

// DuplicatePolicy selects what to do when a file's content already exists
// at the destination.
type DuplicatePolicy string

const (
	DuplicateSkip      DuplicatePolicy = "skip"
	DuplicateRename    DuplicatePolicy = "rename"
	DuplicateOverwrite DuplicatePolicy = "overwrite"
	DuplicateAsk       DuplicatePolicy = "ask"
)

// NetworkStatus is the process-wide reachability state maintained by the
// NetworkMonitor. Unstable means the target is unreachable but the backup
// path still is, so archiving may continue while uploads pause.
type NetworkStatus string

const (
	NetworkUnknown      NetworkStatus = "unknown"
	NetworkGood         NetworkStatus = "good"
	NetworkUnstable     NetworkStatus = "unstable"
	NetworkDisconnected NetworkStatus = "disconnected"
)

// EngineState is the externally visible run state of the SyncEngine.
type EngineState string

const (
	StateRunning EngineState = "running"
	StatePaused  EngineState = "paused"
	StateStopped EngineState = "stopped"
)

// WorkItem is one file queued for upload. It is created by the engine's
// source scan, mutated by the retry scheduler, and destroyed when the file
// is archived or permanently failed. The engine goroutine owns it
// exclusively.
type WorkItem struct {
	SourcePath   string
	RelativePath string
	TargetPath   string
	BackupPath   string
	SizeBytes    int64
	Priority     bool // pending-resume files are processed ahead of fresh scans

	AttemptCount  int
	MaxAttempts   int
	LastError     string
	NextAttemptAt time.Time

	// ProtocolState records per-channel success in dual-write mode so a
	// retry does not re-upload through a channel that already succeeded.
	ProtocolState map[Protocol]bool
}

// ChannelDone reports whether the given channel already succeeded for this
// item.
func (w *WorkItem) ChannelDone(p Protocol) bool {
	return w.ProtocolState[p]
}

// MarkChannelDone records a per-channel success.
func (w *WorkItem) MarkChannelDone(p Protocol) {
	if w.ProtocolState == nil {
		w.ProtocolState = make(map[Protocol]bool, 2)
	}
	w.ProtocolState[p] = true
}

// TransferRecord is one resume-ledger entry for an in-flight large transfer.
// Invariant: UploadedBytes must equal the byte length of TempPath whenever
// the record is read back; otherwise the record is corrupt and is discarded.
type TransferRecord struct {
	FileID        string // hash of path+size+mtime, content-stable
	SourcePath    string
	TargetPath    string
	TempPath      string
	TotalBytes    int64
	UploadedBytes int64
	Protocol      Protocol
	CreatedAt     time.Time
	LastUpdate    time.Time
}

// DedupRecord maps a content hash to the canonical uploaded copy.
// One canonical path per hash; records are never mutated.
type DedupRecord struct {
	ContentHash   string
	CanonicalPath string
	SizeBytes     int64
	RecordedAt    time.Time
}

// Stats is the aggregate counters tuple exposed to listeners.
type Stats struct {
	Uploaded   int    `json:"uploaded"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Throughput string `json:"throughput"` // e.g. "3.21 MB/s"
}
