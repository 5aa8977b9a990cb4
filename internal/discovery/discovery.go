// Package discovery keeps the model catalog in sync with the models
// directory on disk: an fsnotify watcher reacts to downloads as they land,
// and a cron rescan catches anything the watcher missed.
package discovery

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	cronlib "github.com/robfig/cron/v3"

	"github.com/scalytics/connectd/internal/bus"
	"github.com/scalytics/connectd/internal/events"
	. "github.com/scalytics/connectd/internal/logging"
	"github.com/scalytics/connectd/internal/modelmeta"
	"github.com/scalytics/connectd/internal/paths"
	"github.com/scalytics/connectd/internal/store"
)

// rescanSchedule is the periodic full-rescan cadence.
const rescanSchedule = "@every 10m"

// debounce window for filesystem bursts: a model download touches
// thousands of files.
const debounceDelay = 2 * time.Second

// Scanner discovers model directories and registers them in the store.
type Scanner struct {
	dir   string
	store *store.Store
	bus   *bus.Bus

	watcher *fsnotify.Watcher
	cron    *cronlib.Cron
	stopCh  chan struct{}

	mu           sync.Mutex
	pendingTimer *time.Timer
}

// New creates a scanner rooted at the models directory under dataDir.
func New(dataDir string, st *store.Store, b *bus.Bus) *Scanner {
	return &Scanner{
		dir:    paths.ModelsDir(dataDir),
		store:  st,
		bus:    b,
		stopCh: make(chan struct{}),
	}
}

// Start performs an initial scan, then begins watching the directory and
// schedules periodic rescans.
func (s *Scanner) Start() error {
	if err := paths.EnsureDir(s.dir); err != nil {
		return err
	}

	if n := s.Scan(); n > 0 {
		L_info("discovery: initial scan registered models", "count", n)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher
	go s.run()

	s.cron = cronlib.New()
	if _, err := s.cron.AddFunc(rescanSchedule, func() {
		if n := s.Scan(); n > 0 {
			L_info("discovery: rescan registered models", "count", n)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()

	L_info("discovery: watching models directory", "dir", s.dir)
	return nil
}

// Stop tears down the watcher and the rescan schedule.
func (s *Scanner) Stop() {
	close(s.stopCh)
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.cron != nil {
		s.cron.Stop()
	}

	s.mu.Lock()
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
	}
	s.mu.Unlock()
}

// run reacts to filesystem events with debouncing.
func (s *Scanner) run() {
	for {
		select {
		case <-s.stopCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			s.scheduleScan()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			L_warn("discovery: watcher error", "error", err)
		}
	}
}

func (s *Scanner) scheduleScan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
	}
	s.pendingTimer = time.AfterFunc(debounceDelay, func() {
		if n := s.Scan(); n > 0 {
			L_info("discovery: registered new models", "count", n)
		}
	})
}

// Scan walks the models directory and registers every model directory that
// has no catalog row yet. Returns the number of new rows.
func (s *Scanner) Scan() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		L_warn("discovery: scan failed", "dir", s.dir, "error", err)
		return 0
	}

	registered := 0
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "config" {
			continue
		}
		modelPath := filepath.Join(s.dir, entry.Name())
		if !looksLikeModel(modelPath) {
			continue
		}
		if s.register(entry.Name(), modelPath) {
			registered++
		}
	}

	if registered > 0 {
		s.bus.Publish(events.TopicDownloadActivity, struct {
			Discovered int `json:"discovered"`
		}{registered})
	}
	return registered
}

// looksLikeModel requires weights on disk; a bare config.json is a
// download still in flight.
func looksLikeModel(dir string) bool {
	return modelmeta.WeightSize(dir) > 0
}

// register creates a catalog row for a model directory unless one exists.
func (s *Scanner) register(name, modelPath string) bool {
	_, err := s.store.GetModelByName(name)
	if err == nil {
		return false
	}
	if !errors.Is(err, store.ErrNotFound) {
		L_warn("discovery: catalog lookup failed", "model", name, "error", err)
		return false
	}

	m := &store.Model{
		Name:        name,
		ModelPath:   modelPath,
		ModelFormat: store.FormatTorch,
	}
	if disk, err := modelmeta.Read(modelPath); err == nil && disk != nil {
		if disk.MaxPositionEmbeddings > 0 {
			m.ContextWindow = disk.MaxPositionEmbeddings
		}
	}

	if err := s.store.CreateModel(m); err != nil {
		L_warn("discovery: failed to register model", "model", name, "error", err)
		return false
	}
	L_info("discovery: registered model", "model", name, "path", modelPath, "id", m.ID)
	return true
}
