package uploader

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// settleWindow is how recently a file may have been modified and still be
// considered in-flight by its producer. Such files are skipped this pass
// and picked up on the next one.
const settleWindow = 2 * time.Second

// Scanner walks the source tree and turns eligible files into work items.
type Scanner struct {
	source     string
	target     string
	backup     string
	extensions []string // lower-cased with leading dot; empty = everything
}

// NewScanner builds a scanner rooted at cfg.Source.
func NewScanner(cfg Config) *Scanner {
	return &Scanner{
		source:     cfg.Source,
		target:     cfg.Target,
		backup:     cfg.Backup,
		extensions: cfg.Extensions,
	}
}

// eligible filters a file name against the extension allow-list and rejects
// transfer temp files and hidden files.
func (s *Scanner) eligible(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".part") {
		return false
	}
	if len(s.extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	return lo.Contains(s.extensions, ext)
}

// Scan walks the source tree and returns one work item per uploadable file,
// oldest first so a backlog drains in arrival order. Files still settling
// and unreadable entries are skipped without failing the scan.
func (s *Scanner) Scan(maxAttempts int) ([]*WorkItem, error) {
	l := sub("scanner")
	cutoff := nowFunc().Add(-settleWindow)

	type candidate struct {
		item  *WorkItem
		mtime time.Time
	}
	var found []candidate

	err := filepath.WalkDir(s.source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.source {
				return fmt.Errorf("%w: scan source: %v", ErrPath, err)
			}
			l.Debug("skipping unreadable entry", "path", path, "err", err)
			return nil
		}
		if d.IsDir() || !s.eligible(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil // raced with a delete
		}
		if info.ModTime().After(cutoff) {
			l.Debug("file still settling", "file", d.Name())
			return nil
		}

		rel, err := filepath.Rel(s.source, path)
		if err != nil {
			return nil
		}
		item := &WorkItem{
			SourcePath:   path,
			RelativePath: rel,
			SizeBytes:    info.Size(),
			MaxAttempts:  maxAttempts,
		}
		if s.target != "" {
			item.TargetPath = filepath.Join(s.target, rel)
		}
		if s.backup != "" {
			item.BackupPath = filepath.Join(s.backup, rel)
		}
		found = append(found, candidate{item: item, mtime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(found, func(i, j int) bool { return found[i].mtime.Before(found[j].mtime) })
	return lo.Map(found, func(c candidate, _ int) *WorkItem { return c.item }), nil
}

// Empty reports whether the source tree has no eligible files left, ignoring
// the given paths. Used by run-once mode to decide when the backlog is
// drained.
func (s *Scanner) Empty(ignore map[string]struct{}) bool {
	empty := true
	filepath.WalkDir(s.source, func(path string, d fs.DirEntry, err error) error { //nolint:errcheck
		if err != nil || d.IsDir() {
			return nil
		}
		if _, skip := ignore[path]; skip {
			return nil
		}
		if s.eligible(d.Name()) {
			empty = false
			return filepath.SkipAll
		}
		return nil
	})
	return empty
}

// remoteRelPath converts an OS-specific relative path to the forward-slash
// form FTP servers expect.
func remoteRelPath(rel string) string {
	return filepath.ToSlash(rel)
}
