// Package store owns the live routing snapshot and reloads it when the
// configuration file changes.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gernest/hsproxy/pkg/config"
	"github.com/gernest/hsproxy/pkg/route"
	"github.com/gernest/hsproxy/pkg/zlg"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits after the last file event
// before reloading.
const DefaultDebounce = 50 * time.Millisecond

// Stage is the step at which loading a configuration failed.
type Stage string

const (
	StageRead     Stage = "read"
	StageParse    Stage = "parse"
	StageValidate Stage = "validate"
)

// LoadError is returned when a configuration file could not be turned into a
// snapshot. The previous snapshot stays active.
type LoadError struct {
	Path  string
	Stage Stage
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.Path, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Status describes the last load attempts.
type Status struct {
	Path      string    `json:"path"`
	Version   uint64    `json:"version"`
	LoadedAt  time.Time `json:"loaded_at"`
	LastError string    `json:"last_error,omitempty"`
}

type Options struct {
	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration
	// OnReload is called after every reload attempt made by the watcher with
	// the attempt's error.
	OnReload func(error)
}

// Store publishes immutable route.Table snapshots. Readers never observe a
// partially applied configuration: a snapshot is swapped in whole or not at
// all.
type Store struct {
	path string
	opts Options

	active   atomic.Pointer[snapshot]
	version  atomic.Uint64
	loadedAt atomic.Time
	lastErr  atomic.Error

	// loadMu makes Load the only writer of active at a time, so snapshots are
	// stored and published in the same order.
	loadMu sync.Mutex

	mu   sync.Mutex
	subs map[chan *route.Table]struct{}
}

// snapshot pairs a table with the configuration it was built from.
type snapshot struct {
	config *config.Config
	table  *route.Table
}

// New returns a store for the configuration file at path. Nothing is read
// until Load is called.
func New(path string, o Options) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	return &Store{
		path: filepath.Clean(abs),
		opts: o,
		subs: make(map[chan *route.Table]struct{}),
	}, nil
}

// Path is the absolute path of the watched file.
func (s *Store) Path() string { return s.path }

// Snapshot returns the active table, nil before the first successful Load.
func (s *Store) Snapshot() *route.Table {
	_, t := s.Current()
	return t
}

// Config returns the configuration the active table was built from.
func (s *Store) Config() *config.Config {
	c, _ := s.Current()
	return c
}

// Current returns the active configuration and the table built from it. Both
// are nil before the first successful Load.
func (s *Store) Current() (*config.Config, *route.Table) {
	a := s.active.Load()
	if a == nil {
		return nil, nil
	}
	return a.config, a.table
}

func (s *Store) Status() Status {
	st := Status{
		Path:     s.path,
		Version:  s.version.Load(),
		LoadedAt: s.loadedAt.Load(),
	}
	if err := s.lastErr.Load(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// Load reads the file and, if it is valid, atomically replaces the active
// snapshot and notifies subscribers. On error the active snapshot is left
// untouched and a *LoadError is returned.
func (s *Store) Load() error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	c, t, err := s.read()
	if err != nil {
		s.lastErr.Store(err)
		return err
	}
	if c.Empty() {
		zlg.Warn("Configuration has no rules and no fallback, every connection will be closed",
			zap.String("path", s.path),
		)
	}
	s.active.Store(&snapshot{config: c, table: t})
	s.version.Inc()
	s.loadedAt.Store(time.Now())
	s.lastErr.Store(nil)
	s.publish(t)
	return nil
}

func (s *Store) read() (*config.Config, *route.Table, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, nil, &LoadError{Path: s.path, Stage: StageRead, Err: err}
	}
	c, err := config.Decode(b)
	if err != nil {
		return nil, nil, &LoadError{Path: s.path, Stage: StageParse, Err: err}
	}
	if err := c.Validate(); err != nil {
		return nil, nil, &LoadError{Path: s.path, Stage: StageValidate, Err: err}
	}
	t, err := c.Table()
	if err != nil {
		return nil, nil, &LoadError{Path: s.path, Stage: StageValidate, Err: err}
	}
	return c, t, nil
}

// Reload is Load with logging, used for reloads triggered after startup.
func (s *Store) Reload() error {
	err := s.Load()
	if err != nil {
		zlg.Warn("Keeping previous configuration",
			zap.String("path", s.path),
			zap.Error(err),
		)
	} else {
		t := s.Snapshot()
		zlg.Info("Configuration reloaded",
			zap.String("path", s.path),
			zap.Uint64("version", s.version.Load()),
			zap.Int("rules", len(t.Rules)),
			zap.Bool("fallback", t.Fallback != nil),
			zap.String("listen", t.Listen),
		)
	}
	if s.opts.OnReload != nil {
		s.opts.OnReload(err)
	}
	return err
}

// Subscribe returns a channel receiving every newly published snapshot.
// Slow subscribers only see the latest one. Call the returned function to
// stop receiving.
func (s *Store) Subscribe() (<-chan *route.Table, func()) {
	ch := make(chan *route.Table, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}

func (s *Store) publish(t *route.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- t:
		default:
			// replace the stale snapshot nobody picked up yet
			select {
			case <-ch:
			default:
			}
			ch <- t
		}
	}
}

// Watch reloads the configuration whenever the file changes, until ctx is
// done. The parent directory is watched so that editors replacing the file
// by rename are picked up. Bursts of events are collapsed into one reload.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	zlg.Info("Watching configuration",
		zap.String("path", s.path),
		zap.Duration("debounce", s.opts.Debounce),
	)

	timer := time.NewTimer(s.opts.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			zlg.Debug("Configuration event",
				zap.String("path", ev.Name),
				zap.String("op", ev.Op.String()),
			)
			if fire != nil && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.opts.Debounce)
			fire = timer.C
		case <-fire:
			fire = nil
			s.Reload()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			zlg.Error(err, "Configuration watcher")
		}
	}
}
