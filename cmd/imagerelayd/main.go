package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/imagerelay/imagerelay/uploader"
)

func main() {
	var (
		source   = flag.String("source", "", "source directory to watch for images")
		target   = flag.String("target", "", "destination directory (local or SMB mount)")
		backup   = flag.String("backup", "", "backup directory for uploaded originals")
		noBackup = flag.Bool("no-backup", false, "delete uploaded originals instead of archiving")

		interval = flag.Duration("interval", 10*time.Second, "scan interval")
		runOnce  = flag.Bool("once", false, "drain the current backlog and exit")

		protocol = flag.String("protocol", "smb", "upload channel: smb, ftp_client or both")
		ftpHost  = flag.String("ftp-host", "", "ftp server host")
		ftpPort  = flag.Int("ftp-port", 21, "ftp server port")
		ftpUser  = flag.String("ftp-user", "", "ftp user")
		ftpPass  = flag.String("ftp-pass", "", "ftp password (or IMAGERELAY_FTP_PASS)")
		ftpDir   = flag.String("ftp-dir", "/upload", "ftp remote base directory")
		ftpTLS   = flag.Bool("ftp-tls", false, "use explicit FTPS")

		extensions = flag.String("ext", ".jpg,.jpeg,.png,.tif,.tiff,.bmp,.gif,.raw,.cr2,.nef", "comma-separated extension allow-list")
		dedup      = flag.Bool("dedup", true, "skip files whose content was already uploaded")
		hashAlgo   = flag.String("hash", "md5", "dedup hash algorithm: md5 or sha256")
		quickHash  = flag.Bool("quick-hash", false, "hash only the head and tail of large files")
		dupPolicy  = flag.String("on-duplicate", "skip", "duplicate policy: skip, rename, overwrite or ask")

		retries   = flag.Int("retries", 3, "upload attempts per file")
		threshold = flag.Int("disk-threshold", 10, "minimum free disk percentage before uploads pause")

		netInterval = flag.Duration("net-interval", 10*time.Second, "network probe interval")
		autoPause   = flag.Bool("auto-pause", true, "pause uploads when the network degrades")
		autoResume  = flag.Bool("auto-resume", true, "resume automatically when the network recovers")

		limitRate = flag.Float64("max-rate", 0, "upload rate cap in MB/s (0 = unlimited)")

		dataDir = flag.String("data-dir", defaultDataDir(), "state directory (resume ledger, failure log)")
		logDir  = flag.String("log-dir", "", "rotating log directory (empty = console only)")
	)
	flag.Parse()

	if pass := os.Getenv("IMAGERELAY_FTP_PASS"); pass != "" && *ftpPass == "" {
		*ftpPass = pass
	}

	cfg := uploader.Config{
		Source:               *source,
		Target:               *target,
		Backup:               *backup,
		EnableBackup:         *backup != "" && !*noBackup,
		UploadInterval:       *interval,
		RunOnce:              *runOnce,
		DiskThresholdPercent: *threshold,
		RetryCount:           *retries,
		Extensions:           strings.Split(*extensions, ","),
		EnableDedup:          *dedup,
		HashAlgorithm:        *hashAlgo,
		QuickHashMode:        *quickHash,
		DuplicatePolicy:      uploader.DuplicatePolicy(*dupPolicy),
		NetworkCheckInterval: *netInterval,
		NetworkAutoPause:     *autoPause,
		NetworkAutoResume:    *autoResume,
		Protocol:             uploader.Protocol(*protocol),
		FTP: uploader.FTPConfig{
			Host:       *ftpHost,
			Port:       *ftpPort,
			User:       *ftpUser,
			Password:   *ftpPass,
			RemotePath: *ftpDir,
			TLS:        *ftpTLS,
			Passive:    true,
		},
		LimitRate:   *limitRate > 0,
		MaxRateMBps: *limitRate,
		DataDir:     *dataDir,
		LogDir:      *logDir,
	}

	uploader.InitLogger(cfg.LogDir)

	bus := uploader.NewEventBus()
	engine, err := uploader.New(cfg, bus)
	if err != nil {
		fmt.Fprintln(os.Stderr, "imagerelayd:", err)
		os.Exit(1)
	}

	// Headless runs have nobody to answer duplicate questions; answer skip
	// immediately instead of letting each one wait out the ask timeout.
	go func() {
		for req := range bus.Asks() {
			req.Reply <- uploader.DuplicateChoice{Policy: uploader.DuplicateSkip}
		}
	}()

	if err := engine.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "imagerelayd:", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	events := bus.Subscribe()
	defer bus.Unsubscribe(events)

	for {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(os.Stderr, "imagerelayd: %v, shutting down\n", sig)
			engine.Stop(true)
			return
		case ev := <-events:
			if ev.Type == uploader.EventEngineState && ev.State == uploader.StateStopped {
				engine.Stop(false)
				return
			}
		}
	}
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/imagerelay"
	}
	return ".imagerelay"
}
