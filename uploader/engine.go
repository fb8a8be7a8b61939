package uploader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// SyncEngine drives the upload pipeline: scan the source, resolve
// duplicates, upload over the configured channel(s), retry what failed and
// archive what succeeded. One engine goroutine owns the work items; uploads
// of a dual-write item fan out through an errgroup.
type SyncEngine struct {
	cfg Config
	bus *EventBus

	db      *sql.DB
	store   *Store
	ledger  *ResumeLedger
	hashes  *HashStore // nil when dedup is disabled
	retry   *RetryScheduler
	archive *ArchiveWorker
	scanner *Scanner
	watcher *Watcher // nil when the source cannot be watched
	netmon  *NetworkMonitor
	pool    *opPool

	clients map[Protocol]ProtocolClient

	ctx      context.Context
	cancel   context.CancelFunc
	wake     chan struct{}
	done     chan struct{}
	stopping atomic.Bool // graceful stop requested; finish in-flight, start nothing new
	stopOnce sync.Once

	mu           sync.Mutex
	state        EngineState
	autoPaused   bool // current pause came from the network monitor
	stickyChoice *DuplicateChoice
	carry        []*WorkItem // interrupted items, retried first next pass
	deferred     map[string]struct{}
	abandoned    map[string]struct{} // permanently failed, ignored until restart

	statsMu        sync.Mutex
	uploaded       int
	failed         int
	skipped        int
	windowBytes    int64
	windowStart    time.Time
	lastThroughput string
}

// New builds an engine from the configuration. The database is opened and
// the protocol clients are constructed here; nothing runs until Start.
func New(cfg Config, bus *EventBus) (*SyncEngine, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bus == nil {
		bus = NewEventBus()
	}

	db, err := OpenDB(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	store := NewStore(db)

	ctx, cancel := context.WithCancel(context.Background())
	e := &SyncEngine{
		cfg:      cfg,
		bus:      bus,
		db:       db,
		store:    store,
		ledger:   NewResumeLedger(store, cfg.ResumeThreshold),
		retry:    NewRetryScheduler(NewFailureLog(cfg.DataDir)),
		scanner:  NewScanner(cfg),
		pool:     newOpPool(),
		clients:  make(map[Protocol]ProtocolClient, 2),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		state:     StateStopped,
		deferred:  make(map[string]struct{}),
		abandoned: make(map[string]struct{}),
	}

	e.archive = NewArchiveWorker(cfg.Backup, cfg.EnableBackup, func(item *WorkItem, err error) {
		name := filepath.Base(item.SourcePath)
		sub("engine").Error("archive after upload", "file", name, "err", err)
		e.bus.Publish(Event{Type: EventUploadError, File: name, Message: err.Error()})
	})

	if cfg.EnableDedup {
		if cfg.Protocol == ProtocolFTP {
			sub("engine").Warn("deduplication unsupported for protocol, disabled", "protocol", cfg.Protocol)
		} else {
			e.hashes = NewHashStore(store, cfg.HashAlgorithm, cfg.QuickHashMode)
		}
	}

	if cfg.Protocol == ProtocolSMB || cfg.Protocol == ProtocolBoth {
		e.clients[ProtocolSMB] = NewLocalCopyClient(ctx, e.ledger, e.pool, cfg.rateLimitBytes(), e.interrupt)
	}
	if cfg.Protocol == ProtocolFTP || cfg.Protocol == ProtocolBoth {
		e.clients[ProtocolFTP] = NewFTPClient(cfg.FTP)
	}

	e.netmon = NewNetworkMonitor(e.targetProbe(), e.backupProbe(), cfg.NetworkCheckInterval, e.onNetworkChange)
	return e, nil
}

// Bus exposes the event bus so callers constructed with a nil bus can still
// subscribe.
func (e *SyncEngine) Bus() *EventBus { return e.bus }

// targetProbe builds the reachability probe for the configured channel(s).
// In dual-write mode both endpoints must answer.
func (e *SyncEngine) targetProbe() Probe {
	var probes []Probe
	if e.cfg.Protocol == ProtocolSMB || e.cfg.Protocol == ProtocolBoth {
		probes = append(probes, dirProbe(e.pool, e.cfg.Target))
	}
	if e.cfg.Protocol == ProtocolFTP || e.cfg.Protocol == ProtocolBoth {
		probes = append(probes, tcpProbe(e.cfg.FTP.Host, e.cfg.FTP.Port))
	}
	return func() error {
		for _, p := range probes {
			if err := p(); err != nil {
				return err
			}
		}
		return nil
	}
}

func (e *SyncEngine) backupProbe() Probe {
	if !e.cfg.EnableBackup {
		return nil
	}
	return dirProbe(e.pool, e.cfg.Backup)
}

// Start connects the channels and launches the scan loop and network
// monitor. Returns once everything is running.
func (e *SyncEngine) Start() error {
	l := sub("engine")

	for proto, client := range e.clients {
		if err := client.Connect(); err != nil {
			return fmt.Errorf("connect %s: %w", proto, err)
		}
	}

	if n := e.ledger.CleanupExpired(); n > 0 {
		e.bus.Log(fmt.Sprintf("removed %d expired transfer records", n))
	}

	if w, err := NewWatcher(e.cfg.Source); err != nil {
		l.Warn("source watch unavailable, relying on the scan interval", "err", err)
	} else {
		e.watcher = w
	}

	e.setState(StateRunning, false)
	e.archive.Start()
	go e.netmon.Run()
	go e.run()
	l.Info("engine started",
		"source", e.cfg.Source,
		"protocol", e.cfg.Protocol,
		"interval", e.cfg.UploadInterval,
		"run_once", e.cfg.RunOnce)
	return nil
}

// Stop shuts the engine down and tears everything down. With graceful true
// the current transfer is allowed to finish (up to the stop timeout) before
// in-flight work is cancelled; with graceful false it is cancelled at the
// next chunk boundary. Either way an interrupted large transfer keeps its
// resume point. Calling Stop again is a no-op.
func (e *SyncEngine) Stop(graceful bool) {
	e.stopOnce.Do(func() { e.stop(graceful) })
}

func (e *SyncEngine) stop(graceful bool) {
	l := sub("engine")

	if graceful {
		e.stopping.Store(true)
		e.nudge()
		select {
		case <-e.done:
		case <-time.After(e.cfg.StopTimeout):
			l.Warn("in-flight work did not finish before the stop timeout, cancelling", "timeout", e.cfg.StopTimeout)
		}
	}

	e.cancel()
	e.nudge()
	select {
	case <-e.done:
	case <-time.After(e.cfg.StopTimeout):
		l.Warn("loop did not finish before the stop timeout", "timeout", e.cfg.StopTimeout)
	}

	e.netmon.Stop()
	if e.watcher != nil {
		e.watcher.Close()
	}
	e.archive.Stop()
	for _, client := range e.clients {
		client.Disconnect()
	}
	if err := e.db.Close(); err != nil {
		l.Warn("close database", "err", err)
	}
	e.setState(StateStopped, false)
	l.Info("engine stopped")
}

// Pause suspends uploads at the next chunk boundary. Interrupted large
// transfers keep their resume point and continue after Resume.
func (e *SyncEngine) Pause() { e.pause(false) }

// Resume restarts a paused engine and clears any auto-pause bookkeeping.
func (e *SyncEngine) Resume() { e.resume(false) }

func (e *SyncEngine) pause(auto bool) {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	e.state = StatePaused
	e.autoPaused = auto
	e.mu.Unlock()

	sub("engine").Info("paused", "auto", auto)
	e.bus.Publish(Event{Type: EventEngineState, State: StatePaused})
}

// resume restarts the engine. An automatic resume only applies when the
// matching pause was automatic too: a manual pause is never overridden by
// the network coming back.
func (e *SyncEngine) resume(auto bool) {
	e.mu.Lock()
	if e.state != StatePaused || (auto && !e.autoPaused) {
		e.mu.Unlock()
		return
	}
	e.state = StateRunning
	e.autoPaused = false
	e.mu.Unlock()

	sub("engine").Info("resumed", "auto", auto)
	e.bus.Publish(Event{Type: EventEngineState, State: StateRunning})
	e.nudge()
}

// State returns the externally visible run state.
func (e *SyncEngine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// NetworkStatus returns the monitor's last observation.
func (e *SyncEngine) NetworkStatus() NetworkStatus { return e.netmon.Status() }

// Stats returns the aggregate counters.
func (e *SyncEngine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return Stats{
		Uploaded:   e.uploaded,
		Failed:     e.failed,
		Skipped:    e.skipped,
		Throughput: e.lastThroughput,
	}
}

func (e *SyncEngine) setState(s EngineState, auto bool) {
	e.mu.Lock()
	e.state = s
	e.autoPaused = auto
	e.mu.Unlock()
	e.bus.Publish(Event{Type: EventEngineState, State: s})
}

func (e *SyncEngine) nudge() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// onNetworkChange is called from the monitor goroutine on every transition.
func (e *SyncEngine) onNetworkChange(_, now NetworkStatus) {
	e.bus.Publish(Event{Type: EventNetworkStatus, Network: now})

	switch now {
	case NetworkDisconnected, NetworkUnstable:
		if e.cfg.NetworkAutoPause {
			e.pause(true)
		}
	case NetworkGood:
		if e.cfg.NetworkAutoResume {
			e.resume(true)
		}
	}
}

// interrupt is consulted between transfer chunks: a pause or stop request
// aborts the chunk loop with errInterrupted.
func (e *SyncEngine) interrupt() error {
	if e.ctx.Err() != nil {
		return fmt.Errorf("%w: stopping", errInterrupted)
	}
	if e.State() == StatePaused {
		return fmt.Errorf("%w: paused", errInterrupted)
	}
	return nil
}

// run is the engine loop: one pass per interval (or sooner on a watcher
// nudge), until Stop or, in run-once mode, until the backlog is drained.
func (e *SyncEngine) run() {
	defer close(e.done)

	var nudgeCh <-chan struct{}
	if e.watcher != nil {
		nudgeCh = e.watcher.Nudge()
	}

	for {
		if e.State() == StateRunning {
			e.pass()
		}
		if e.stopping.Load() {
			return
		}

		if e.cfg.RunOnce && e.retry.PendingCount() == 0 && len(e.carryOver()) == 0 && e.scanner.Empty(e.ignoredPaths()) {
			sub("engine").Info("run-once backlog drained")
			e.setState(StateStopped, false)
			return
		}

		select {
		case <-e.ctx.Done():
			return
		case <-time.After(e.cfg.UploadInterval):
		case <-nudgeCh:
		case <-e.wake:
		}
	}
}

func (e *SyncEngine) carryOver() []*WorkItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.carry
}

// ignoredPaths is the set of source files the run-once drain check must not
// count: permanently failed files and uploaded files still waiting for the
// archive worker to dispose of them.
func (e *SyncEngine) ignoredPaths() map[string]struct{} {
	e.mu.Lock()
	paths := make(map[string]struct{}, len(e.abandoned))
	for p := range e.abandoned {
		paths[p] = struct{}{}
	}
	e.mu.Unlock()

	for p := range e.archive.pendingPaths() {
		paths[p] = struct{}{}
	}
	return paths
}

// networkReady reports whether new transfers may start: only while the
// target is reachable. An unknown state (startup race with the monitor)
// forces an immediate probe instead of blocking the first pass.
func (e *SyncEngine) networkReady() bool {
	st := e.netmon.Status()
	if st == NetworkUnknown {
		st = e.netmon.CheckNow()
	}
	return st == NetworkGood
}

// pass runs one scan-and-upload cycle. Uploads hold while the target is
// unreachable regardless of the auto-pause setting; the network state is
// re-checked between files so a mid-pass outage stops burning retry budget.
func (e *SyncEngine) pass() {
	l := sub("engine")

	if !e.networkReady() {
		l.Debug("target unreachable, holding uploads", "status", e.netmon.Status())
		return
	}
	if !e.diskHeadroomOK() {
		return
	}

	items := e.collect()
	if len(items) == 0 {
		return
	}
	l.Debug("pass starting", "items", len(items))

	for _, item := range items {
		if e.ctx.Err() != nil || e.stopping.Load() || e.State() != StateRunning || !e.networkReady() {
			e.carryItem(item)
			continue
		}
		e.process(item)
	}
	e.publishStats()
}

// collect assembles this pass's work: interrupted carry-overs first, then
// due retries, then pending large-transfer resumes, then the fresh scan.
// Items already deferred for retry are not re-queued by the scan.
func (e *SyncEngine) collect() []*WorkItem {
	seen := make(map[string]struct{})
	var items []*WorkItem
	add := func(item *WorkItem) {
		if _, dup := seen[item.SourcePath]; dup {
			return
		}
		seen[item.SourcePath] = struct{}{}
		items = append(items, item)
	}

	e.mu.Lock()
	carried := e.carry
	e.carry = nil
	e.mu.Unlock()
	for _, item := range carried {
		add(item)
	}

	for _, item := range e.retry.Due() {
		e.mu.Lock()
		delete(e.deferred, item.SourcePath)
		e.mu.Unlock()
		add(item)
	}

	// Ledger records rebuild fresh items, so anything waiting on the retry
	// table or already given up on must not sneak back in through here with
	// a reset attempt count.
	e.mu.Lock()
	for _, rec := range e.ledger.Pending() {
		if _, waiting := e.deferred[rec.SourcePath]; waiting {
			continue
		}
		if _, dead := e.abandoned[rec.SourcePath]; dead {
			continue
		}
		if item := e.itemFromRecord(rec); item != nil {
			add(item)
		}
	}
	e.mu.Unlock()

	scanned, err := e.scanner.Scan(e.cfg.RetryCount)
	if err != nil {
		sub("engine").Error("source scan failed", "err", err)
		e.bus.Publish(Event{Type: EventUploadError, Message: err.Error()})
		return items
	}

	e.mu.Lock()
	for _, item := range scanned {
		if _, waiting := e.deferred[item.SourcePath]; waiting {
			continue
		}
		if _, dead := e.abandoned[item.SourcePath]; dead {
			continue
		}
		// Uploaded but still waiting for the archive worker to move it out
		// of the source tree.
		if e.archive.Queued(item.SourcePath) {
			continue
		}
		add(item)
	}
	e.mu.Unlock()
	return items
}

// itemFromRecord rebuilds a priority work item for a half-finished large
// transfer found in the ledger.
func (e *SyncEngine) itemFromRecord(rec TransferRecord) *WorkItem {
	rel, err := filepath.Rel(e.cfg.Source, rec.SourcePath)
	if err != nil {
		return nil
	}
	item := &WorkItem{
		SourcePath:   rec.SourcePath,
		RelativePath: rel,
		TargetPath:   rec.TargetPath,
		SizeBytes:    rec.TotalBytes,
		Priority:     true,
		MaxAttempts:  e.cfg.RetryCount,
	}
	if e.cfg.Backup != "" {
		item.BackupPath = filepath.Join(e.cfg.Backup, rel)
	}
	return item
}

// diskHeadroomOK checks the free-space gate on target and backup. Below the
// threshold a warning event is published and the pass is skipped.
func (e *SyncEngine) diskHeadroomOK() bool {
	targetFree := diskFreePct(e.cfg.Target)
	backupFree := diskFreePct(e.cfg.Backup)
	threshold := float64(e.cfg.DiskThresholdPercent)

	if targetFree >= threshold && backupFree >= threshold {
		return true
	}
	sub("engine").Warn("low disk space, holding uploads",
		"target_free_pct", fmt.Sprintf("%.1f", targetFree),
		"backup_free_pct", fmt.Sprintf("%.1f", backupFree),
		"threshold_pct", e.cfg.DiskThresholdPercent)
	e.bus.Publish(Event{
		Type:          EventDiskWarning,
		TargetFreePct: targetFree,
		BackupFreePct: backupFree,
		ThresholdPct:  e.cfg.DiskThresholdPercent,
	})
	return false
}

func (e *SyncEngine) carryItem(item *WorkItem) {
	e.mu.Lock()
	e.carry = append(e.carry, item)
	e.mu.Unlock()
}

// statTimeout bounds the target-existence check so a hung mount is treated
// as "not there" rather than stalling the pass.
const statTimeout = 3 * time.Second

// process runs one item through dedup, upload and archive.
func (e *SyncEngine) process(item *WorkItem) {
	l := sub("engine")
	name := filepath.Base(item.SourcePath)

	// With dedup off there is no ledger to catch a re-run: a target that
	// already exists means the file was uploaded before, so skip it rather
	// than silently overwriting. Dual-write is exempt because the other
	// channel may still need the file.
	if e.hashes == nil && e.cfg.Protocol != ProtocolBoth && item.TargetPath != "" &&
		e.pool.exists(item.TargetPath, statTimeout) {
		l.Info("target already exists, skipping", "file", name)
		e.markSkipped(item, "already uploaded")
		return
	}

	switch proceed, err := e.resolveDuplicate(item); {
	case err != nil:
		if errors.Is(err, errInterrupted) {
			e.carryItem(item)
			return
		}
		l.Warn("duplicate check failed, uploading anyway", "file", name, "err", err)
	case !proceed:
		e.markSkipped(item, "duplicate")
		return
	}

	if err := e.upload(item); err != nil {
		if errors.Is(err, errInterrupted) {
			l.Info("upload interrupted, will continue later", "file", name)
			e.carryItem(item)
			return
		}
		e.bus.Publish(Event{Type: EventUploadError, File: name, Message: err.Error()})
		if e.retry.OnFailure(item, err) {
			e.mu.Lock()
			e.deferred[item.SourcePath] = struct{}{}
			e.mu.Unlock()
		} else {
			// Leave the source file alone but stop rescanning it: the
			// failure log has the record, an operator has to act.
			e.mu.Lock()
			e.abandoned[item.SourcePath] = struct{}{}
			e.mu.Unlock()
			e.statsMu.Lock()
			e.failed++
			e.statsMu.Unlock()
		}
		return
	}

	if e.hashes != nil && item.TargetPath != "" {
		if err := e.hashes.Record(e.ctx, item.SourcePath, item.TargetPath); err != nil {
			l.Warn("record dedup entry", "file", name, "err", err)
		}
	}

	e.archive.Enqueue(item)

	e.statsMu.Lock()
	e.uploaded++
	e.windowBytes += item.SizeBytes
	e.statsMu.Unlock()
	e.bus.Log(fmt.Sprintf("uploaded %s", item.RelativePath))
}

// markSkipped counts a skip and still archives the source so the backlog
// drains: the content is already at the destination.
func (e *SyncEngine) markSkipped(item *WorkItem, reason string) {
	e.archive.Enqueue(item)
	e.statsMu.Lock()
	e.skipped++
	e.statsMu.Unlock()
	e.bus.Log(fmt.Sprintf("skipped %s (%s)", item.RelativePath, reason))
}

// resolveDuplicate applies the duplicate policy. Returns proceed=false when
// the item should be skipped; a rename rewrites the item's target path.
// Dedup only guards the filesystem channel: FTP-only uploads pass through.
// On a ledger miss the destination directory is rehashed before concluding
// the content is new.
func (e *SyncEngine) resolveDuplicate(item *WorkItem) (bool, error) {
	if e.hashes == nil || item.TargetPath == "" || item.ChannelDone(ProtocolSMB) {
		return true, nil
	}

	rec, err := e.hashes.FindDuplicate(e.ctx, item.SourcePath, filepath.Dir(item.TargetPath))
	if err != nil {
		return false, err
	}
	if rec == nil {
		return true, nil
	}

	choice := e.duplicateChoice(item, rec)
	switch choice {
	case DuplicateSkip:
		return false, nil
	case DuplicateRename:
		renamed := uniquePath(item.TargetPath)
		sub("engine").Info("duplicate content, renaming",
			"file", filepath.Base(item.SourcePath), "target", renamed)
		item.TargetPath = renamed
		return true, nil
	case DuplicateOverwrite:
		return true, nil
	default:
		return false, nil
	}
}

// duplicateChoice resolves the configured policy, asking the bus (and
// honoring a sticky apply-to-all answer) in ask mode.
func (e *SyncEngine) duplicateChoice(item *WorkItem, rec *DedupRecord) DuplicatePolicy {
	if e.cfg.DuplicatePolicy != DuplicateAsk {
		return e.cfg.DuplicatePolicy
	}

	e.mu.Lock()
	sticky := e.stickyChoice
	e.mu.Unlock()
	if sticky != nil {
		return sticky.Policy
	}

	choice := e.bus.ask(DuplicateRequest{
		SourcePath:    item.SourcePath,
		CanonicalPath: rec.CanonicalPath,
		SizeBytes:     item.SizeBytes,
		Reply:         make(chan DuplicateChoice, 1),
	}, e.cfg.AskTimeout)

	if choice.ApplyToAll {
		e.mu.Lock()
		e.stickyChoice = &choice
		e.mu.Unlock()
	}
	return choice.Policy
}

// upload pushes the item through every configured channel it hasn't
// completed yet. Channels run concurrently in dual-write mode; a channel
// that succeeds is marked done so a retry only replays the failed one.
func (e *SyncEngine) upload(item *WorkItem) error {
	protos := e.protocols()

	type task struct {
		proto Protocol
	}
	var tasks []task
	for _, p := range protos {
		if !item.ChannelDone(p) {
			tasks = append(tasks, task{proto: p})
		}
	}
	if len(tasks) == 0 {
		return nil
	}

	errs := make([]error, len(tasks))
	var g errgroup.Group
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			errs[i] = e.uploadVia(t.proto, item)
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	var failed []error
	for i, t := range tasks {
		if errs[i] == nil {
			item.MarkChannelDone(t.proto)
		} else {
			failed = append(failed, fmt.Errorf("%s: %w", t.proto, errs[i]))
		}
	}
	return errors.Join(failed...)
}

func (e *SyncEngine) protocols() []Protocol {
	switch e.cfg.Protocol {
	case ProtocolBoth:
		return []Protocol{ProtocolSMB, ProtocolFTP}
	case ProtocolFTP:
		return []Protocol{ProtocolFTP}
	default:
		return []Protocol{ProtocolSMB}
	}
}

// uploadVia runs one channel's transfer with progress events.
func (e *SyncEngine) uploadVia(proto Protocol, item *WorkItem) error {
	client := e.clients[proto]
	name := filepath.Base(item.SourcePath)

	remote := item.TargetPath
	if proto == ProtocolFTP {
		remote = path.Join(e.cfg.FTP.RemotePath, remoteRelPath(item.RelativePath))
	}

	if dir := remoteDir(proto, remote); dir != "" {
		if err := client.EnsureDirectory(dir); err != nil {
			return err
		}
	}

	lastPct := -1
	onProgress := func(uploaded, total int64) {
		if total <= 0 {
			return
		}
		pct := int(uploaded * 100 / total)
		if pct == lastPct {
			return
		}
		lastPct = pct
		e.bus.Publish(Event{Type: EventFileProgress, File: name, Percent: pct})
	}

	start := nowFunc()
	if err := client.UploadFile(item.SourcePath, remote, onProgress); err != nil {
		return err
	}
	sub("engine").Info("channel upload done",
		"file", name, "channel", proto, "took", nowFunc().Sub(start).Round(time.Millisecond))
	return nil
}

func remoteDir(proto Protocol, remote string) string {
	if proto == ProtocolFTP {
		return path.Dir(remote)
	}
	return filepath.Dir(remote)
}

// publishStats snapshots the counters and the throughput over the window
// since the last publish.
func (e *SyncEngine) publishStats() {
	e.statsMu.Lock()
	now := nowFunc()
	if e.windowStart.IsZero() {
		e.windowStart = now
	}
	if elapsed := now.Sub(e.windowStart); elapsed > 0 && e.windowBytes > 0 {
		rate := float64(e.windowBytes) / elapsed.Seconds() / (1024 * 1024)
		e.lastThroughput = fmt.Sprintf("%.2f MB/s", rate)
	}
	e.windowBytes = 0
	e.windowStart = now
	snapshot := Stats{
		Uploaded:   e.uploaded,
		Failed:     e.failed,
		Skipped:    e.skipped,
		Throughput: e.lastThroughput,
	}
	e.statsMu.Unlock()

	e.bus.Publish(Event{Type: EventStats, Stats: &snapshot})
}
