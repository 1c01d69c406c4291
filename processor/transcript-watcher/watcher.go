// Package transcriptwatcher scores transcript files dropped into a directory
// and writes each result next to its input as <name>.report.json.
package transcriptwatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/callscore/pipeline"
)

// ReportSuffix marks output files; they never match as input.
const ReportSuffix = ".report.json"

// Config configures the watcher.
type Config struct {
	// Patterns are doublestar globs, relative to the watched directory, that
	// select transcript files.
	Patterns []string `yaml:"patterns"`

	// DebounceDelay is how long to wait for more changes before scoring.
	DebounceDelay time.Duration `yaml:"debounce_delay"`

	// ExcludeDirs lists directory names to skip.
	ExcludeDirs []string `yaml:"exclude_dirs"`
}

// DefaultConfig returns default watch configuration.
func DefaultConfig() Config {
	return Config{
		Patterns:      []string{"**/*.transcript.json"},
		DebounceDelay: 500 * time.Millisecond,
		ExcludeDirs:   []string{".git", "node_modules"},
	}
}

// Watcher scores transcript files as they appear or change.
type Watcher struct {
	config   Config
	dir      string
	watcher  *fsnotify.Watcher
	pool     *pipeline.Pool
	logger   *slog.Logger
	excludes map[string]bool

	pendingMu sync.Mutex
	pending   map[string]struct{}

	// Content hashes of files already scored, keyed by absolute path.
	hashMu sync.Mutex
	hashes map[string]string

	inflight sync.WaitGroup
	done     chan struct{}

	scored atomic.Int64
}

// New creates a watcher over dir.
func New(config Config, dir string, pool *pipeline.Pool, logger *slog.Logger) (*Watcher, error) {
	if len(config.Patterns) == 0 {
		config.Patterns = DefaultConfig().Patterns
	}
	for _, p := range config.Patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q", p)
		}
	}
	if config.DebounceDelay <= 0 {
		config.DebounceDelay = DefaultConfig().DebounceDelay
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	excludes := make(map[string]bool, len(config.ExcludeDirs))
	for _, d := range config.ExcludeDirs {
		excludes[d] = true
	}

	return &Watcher{
		config:   config,
		dir:      abs,
		watcher:  fsw,
		pool:     pool,
		logger:   logger,
		excludes: excludes,
		pending:  make(map[string]struct{}),
		hashes:   make(map[string]string),
		done:     make(chan struct{}),
	}, nil
}

// Start watches the directory and queues existing transcripts that have no
// report yet.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	if err := w.addWatchesRecursive(w.dir); err != nil {
		return err
	}

	queued, err := w.scanExisting()
	if err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("Transcript watcher started",
		"dir", w.dir,
		"patterns", w.config.Patterns,
		"queued", queued)
	return nil
}

// Stop stops watching and waits for calls being scored.
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	<-w.done
	w.inflight.Wait()
	return err
}

// Scored returns how many reports have been written.
func (w *Watcher) Scored() int64 {
	return w.scored.Load()
}

func (w *Watcher) scanExisting() (int, error) {
	fsys := os.DirFS(w.dir)
	queued := 0
	for _, pattern := range w.config.Patterns {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return queued, fmt.Errorf("glob %s: %w", pattern, err)
		}
		for _, rel := range matches {
			path := filepath.Join(w.dir, filepath.FromSlash(rel))
			if !w.matches(path) {
				continue
			}
			if _, err := os.Stat(ReportPath(path)); err == nil {
				continue
			}
			w.enqueue(path)
			queued++
		}
	}
	return queued, nil
}

// matches reports whether path is a transcript input.
func (w *Watcher) matches(path string) bool {
	if strings.HasSuffix(path, ReportSuffix) {
		return false
	}
	rel, err := filepath.Rel(w.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, part := range strings.Split(rel, "/") {
		if w.excludes[part] {
			return false
		}
	}
	for _, pattern := range w.config.Patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		base := d.Name()
		if path != root && (w.excludes[base] || strings.HasPrefix(base, ".")) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.config.DebounceDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flushPending(ctx)
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addWatchesRecursive(event.Name); err != nil {
				w.logger.Warn("Failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if !w.matches(event.Name) {
		return
	}
	w.enqueue(event.Name)
}

func (w *Watcher) enqueue(path string) {
	w.pendingMu.Lock()
	w.pending[path] = struct{}{}
	w.pendingMu.Unlock()
}

// flushPending scores every pending file whose content changed since it was
// last scored.
func (w *Watcher) flushPending(ctx context.Context) {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	toProcess := w.pending
	w.pending = make(map[string]struct{})
	w.pendingMu.Unlock()

	for path := range toProcess {
		content, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				w.logger.Warn("Failed to read transcript", "path", path, "error", err)
			}
			continue
		}

		sum := sha256.Sum256(content)
		hash := hex.EncodeToString(sum[:])
		w.hashMu.Lock()
		unchanged := w.hashes[path] == hash
		w.hashes[path] = hash
		w.hashMu.Unlock()
		if unchanged {
			continue
		}

		req, err := DecodeRequest(content, path)
		if err != nil {
			w.logger.Warn("Skipping unreadable transcript", "path", path, "error", err)
			continue
		}

		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			w.score(ctx, path, req)
		}()
	}
}

func (w *Watcher) score(ctx context.Context, path string, req *pipeline.Request) {
	res := <-w.pool.Submit(ctx, *req)
	out := ReportPath(path)
	if err := WriteReport(out, res); err != nil {
		w.logger.Error("Failed to write report", "path", out, "error", err)
		return
	}
	w.scored.Add(1)
	w.logger.Info("Transcript scored",
		"path", path,
		"call_id", res.Job.CallID,
		"state", res.Job.State)
}

// ReportPath maps a transcript path to its report path:
// calls/acme.transcript.json becomes calls/acme.report.json.
func ReportPath(path string) string {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	base = strings.TrimSuffix(base, ".transcript")
	return base + ReportSuffix
}

// LoadRequest reads a score request from a JSON file.
func LoadRequest(path string) (*pipeline.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeRequest(data, path)
}

// DecodeRequest parses a score request. A missing call ID is taken from the
// transcript, then from the file name.
func DecodeRequest(data []byte, path string) (*pipeline.Request, error) {
	var req pipeline.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if req.CallID == "" {
		req.CallID = req.Transcript.CallID
	}
	if req.CallID == "" {
		name := filepath.Base(path)
		name = strings.TrimSuffix(name, filepath.Ext(name))
		req.CallID = strings.TrimSuffix(name, ".transcript")
	}
	return &req, nil
}

// WriteReport writes res as indented JSON, replacing path atomically.
func WriteReport(path string, res *pipeline.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
