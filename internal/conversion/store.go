package conversion

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Reload sources reported in ReloadResult.
const (
	ReloadManual  = "manual"
	ReloadWatcher = "watcher"
)

// Logger is the logging interface used by the store and watcher.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Store holds the current table snapshot. Readers call Current once per
// translation and use that table for the whole translation; Reload
// publishes a new table atomically and never mutates the old one.
type Store struct {
	path    string
	current atomic.Pointer[Table]

	mu        sync.Mutex // serialises reloads and listener registration
	listeners []func(*Table)
	observers []func(ReloadResult)
	reloads   atomic.Uint64
	failures  atomic.Uint64
	lastErr   atomic.Pointer[error]
}

// NewStore loads the table at path. A load error is returned as-is so the
// caller can refuse to start.
func NewStore(path string) (*Store, error) {
	t, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(t)
	return s, nil
}

// NewStoreFromTable wraps an already built table. Reload is unavailable
// unless the table has a source path.
func NewStoreFromTable(t *Table) *Store {
	s := &Store{path: t.Source()}
	s.current.Store(t)
	return s
}

// Current returns the active snapshot.
func (s *Store) Current() *Table {
	return s.current.Load()
}

// Path returns the table file the store reloads from.
func (s *Store) Path() string {
	return s.path
}

// OnReload registers fn to run after every successful reload, in
// registration order, with the new table.
func (s *Store) OnReload(fn func(*Table)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// ReloadResult describes one reload attempt, successful or not.
type ReloadResult struct {
	Source  string
	Path    string
	Entries int // entries in the new table; 0 on failure
	Err     error
	At      time.Time
}

// OnReloadResult registers fn to run after every reload attempt.
func (s *Store) OnReloadResult(fn func(ReloadResult)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Reload re-reads the table file. On failure the previous snapshot stays
// active and the *LoadError is returned.
func (s *Store) Reload() (*Table, error) {
	return s.reload(ReloadManual)
}

func (s *Store) reload(source string) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return nil, &LoadError{Problems: []string{"table has no source path"}}
	}

	t, err := Load(s.path)
	res := ReloadResult{Source: source, Path: s.path, Err: err, At: time.Now().UTC()}
	if err != nil {
		s.failures.Add(1)
		s.lastErr.Store(&err)
		s.notify(res)
		return nil, err
	}

	s.current.Store(t)
	s.reloads.Add(1)
	s.lastErr.Store(nil)
	for _, fn := range s.listeners {
		fn(t)
	}
	res.Entries = t.Len()
	s.notify(res)
	return t, nil
}

func (s *Store) notify(res ReloadResult) {
	for _, fn := range s.observers {
		fn(res)
	}
}

// StoreStats reports reload activity.
type StoreStats struct {
	Entries        int    `json:"entries"`
	Reloads        uint64 `json:"reloads"`
	ReloadFailures uint64 `json:"reload_failures"`
	LastError      string `json:"last_error,omitempty"`
}

// Stats returns reload counters and the most recent reload error.
func (s *Store) Stats() StoreStats {
	st := StoreStats{
		Entries:        s.Current().Len(),
		Reloads:        s.reloads.Load(),
		ReloadFailures: s.failures.Load(),
	}
	if p := s.lastErr.Load(); p != nil && *p != nil {
		st.LastError = (*p).Error()
	}
	return st
}

// IsLoadError reports whether err is a table load failure.
func IsLoadError(err error) bool {
	return errors.Is(err, ErrTableLoad)
}
