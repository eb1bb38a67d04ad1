// Package detector finds created, modified, and deleted specification files
// by comparing content hashes against a persisted snapshot.
package detector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/msageha/specforge/internal/model"
	yamlutil "github.com/msageha/specforge/internal/yaml"
)

type Options struct {
	// Dir is the directory of specification files.
	Dir      string
	Patterns []string
	// SnapshotPath is where file hashes survive restarts. Empty keeps the
	// snapshot in memory only.
	SnapshotPath string
	// WorkspaceDir receives quarantined snapshots.
	WorkspaceDir string
	Filter       SignificanceFilter
	// Debounce is the quiet period Watch waits for before triggering a scan.
	Debounce time.Duration
	Now      func() time.Time
}

type fileState struct {
	ContentHash     string `yaml:"content_hash"`
	SignificantHash string `yaml:"significant_hash"`
}

type snapshotDoc struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	Policy                string               `yaml:"policy"`
	Files                 map[string]fileState `yaml:"files"`
}

type Detector struct {
	opts    Options
	logger  *slog.Logger
	trigger chan struct{}

	mu       sync.Mutex
	files    map[string]fileState
	baseline bool
	rehash   bool
}

// New loads the previous snapshot, if any. A corrupt snapshot is
// quarantined and the next scan silently records a fresh baseline.
func New(opts Options, logger *slog.Logger) (*Detector, error) {
	if opts.Dir == "" {
		return nil, errors.New("detector: spec directory required")
	}
	if len(opts.Patterns) == 0 {
		opts.Patterns = []string{"*.md", "*.txt"}
	}
	for _, p := range opts.Patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("detector: bad pattern %q: %w", p, err)
		}
	}
	if opts.Filter == nil {
		opts.Filter, _ = FilterByName(PolicyWhitespace)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Detector{
		opts:    opts,
		logger:  logger.With("component", "detector"),
		trigger: make(chan struct{}, 1),
		files:   make(map[string]fileState),
	}
	if opts.SnapshotPath == "" {
		return d, nil
	}

	var doc snapshotDoc
	_, statErr := os.Stat(opts.SnapshotPath)
	err := yamlutil.Load(opts.WorkspaceDir, opts.SnapshotPath, yamlutil.FileTypeSnapshot, &doc, d.logger)
	switch {
	case err == nil:
		if doc.Files != nil {
			d.files = doc.Files
		}
		d.rehash = doc.Policy != opts.Filter.Name()
	case errors.Is(err, yamlutil.ErrNoDocument):
		// A file that existed but could not be used was quarantined.
		d.baseline = statErr == nil
	default:
		return nil, fmt.Errorf("detector: load snapshot: %w", err)
	}
	return d, nil
}

// Scan walks the spec directory once and returns the changes since the
// previous scan, sorted by path. A file that cannot be read produces a
// warning event and keeps its previous state.
func (d *Detector) Scan(ctx context.Context) ([]model.ChangeEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := os.Stat(d.opts.Dir); err != nil {
		return nil, fmt.Errorf("scan %s: %w", d.opts.Dir, err)
	}

	now := d.opts.Now().UTC()
	seen := make(map[string]bool)
	next := make(map[string]fileState, len(d.files))
	var events []model.ChangeEvent

	emit := func(rel string, kind model.ChangeKind, hash, detail string) {
		if d.baseline {
			return
		}
		events = append(events, model.ChangeEvent{
			ID:          model.MustGenerateID(model.IDTypeChange),
			Path:        filepath.Join(d.opts.Dir, rel),
			Kind:        kind,
			ContentHash: hash,
			Detail:      detail,
			DetectedAt:  now,
		})
	}

	err := filepath.WalkDir(d.opts.Dir, func(path string, entry fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == d.opts.Dir {
				return walkErr
			}
			rel, _ := filepath.Rel(d.opts.Dir, path)
			rel = filepath.ToSlash(rel)
			d.logger.Warn("unreadable spec path", "path", path, "error", walkErr)
			emit(rel, model.ChangeWarning, "", walkErr.Error())
			// Files below an unreadable entry keep their previous state.
			for known, prev := range d.files {
				if known == rel || strings.HasPrefix(known, rel+"/") {
					seen[known] = true
					next[known] = prev
				}
			}
			return nil
		}
		if entry.IsDir() {
			if path != d.opts.Dir && strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.matches(entry.Name()) {
			return nil
		}

		rel, err := filepath.Rel(d.opts.Dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		seen[rel] = true
		prev, known := d.files[rel]

		content, err := os.ReadFile(path)
		if err != nil {
			d.logger.Warn("unreadable spec file", "path", path, "error", err)
			emit(rel, model.ChangeWarning, "", err.Error())
			if known {
				next[rel] = prev
			}
			return nil
		}

		state := fileState{
			ContentHash:     hashBytes(content),
			SignificantHash: hashBytes(d.opts.Filter.Normalize(content)),
		}
		next[rel] = state

		switch {
		case !known:
			emit(rel, model.ChangeCreated, state.ContentHash, "")
		case prev.ContentHash == state.ContentHash:
		case d.rehash:
			emit(rel, model.ChangeModified, state.ContentHash, "significance policy changed")
		case prev.SignificantHash != state.SignificantHash:
			emit(rel, model.ChangeModified, state.ContentHash, "")
		default:
			d.logger.Debug("insignificant edit ignored", "path", path, "policy", d.opts.Filter.Name())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", d.opts.Dir, err)
	}

	for rel := range d.files {
		if !seen[rel] {
			emit(rel, model.ChangeDeleted, "", "")
		}
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Path < events[j].Path })

	changed := d.baseline || d.rehash || !sameStates(d.files, next)
	d.files = next
	if d.baseline {
		d.logger.Info("recorded fresh baseline", "files", len(next))
	}
	d.baseline = false
	d.rehash = false

	if changed {
		if err := d.persist(); err != nil {
			return events, err
		}
	}
	return events, nil
}

func (d *Detector) matches(name string) bool {
	for _, p := range d.opts.Patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

func (d *Detector) persist() error {
	if d.opts.SnapshotPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(d.opts.SnapshotPath), 0o755); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	doc := snapshotDoc{
		SchemaHeader: yamlutil.NewHeader(yamlutil.FileTypeSnapshot),
		Policy:       d.opts.Filter.Name(),
		Files:        d.files,
	}
	if err := yamlutil.AtomicWrite(d.opts.SnapshotPath, doc); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// Trigger requests an immediate scan from Run. Multiple pending triggers
// collapse into one.
func (d *Detector) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Sink receives the events of one scan.
type Sink func(ctx context.Context, events []model.ChangeEvent)

// Run scans immediately and then on every tick or Trigger until ctx is
// cancelled. Scan errors are logged and polling continues.
func (d *Detector) Run(ctx context.Context, interval time.Duration, sink Sink) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		events, err := d.Scan(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			d.logger.Error("scan failed", "dir", d.opts.Dir, "error", err)
		case len(events) > 0:
			sink(ctx, events)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.trigger:
		}
	}
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func sameStates(a, b map[string]fileState) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
