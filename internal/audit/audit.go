// Package audit records and queries the bridge's operational history in
// the audit_logs table. Today that history is conversion table loads and
// reloads, with who asked for them and how they ended.
package audit

import (
	"context"
	"time"

	"github.com/nerrad567/canbridge/internal/conversion"
)

const (
	ActionTableLoad   = "table.load"
	ActionTableReload = "table.reload"

	OutcomeOK     = "ok"
	OutcomeFailed = "failed"

	// SourceStartup marks the load performed at startup. Reloads carry the
	// conversion.Reload* sources.
	SourceStartup = "startup"
)

// observeTimeout bounds a write made from a reload callback.
const observeTimeout = 5 * time.Second

// Entry is one row of history.
type Entry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Source    string         `json:"source"`
	Outcome   string         `json:"outcome"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter selects entries for List. Empty fields match everything.
type Filter struct {
	Action  string
	Source  string
	Outcome string
	Limit   int // default 50, at most 200
	Offset  int
}

// Page is one page of List results. Total counts every match.
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Recorder persists entries.
type Recorder interface {
	Record(ctx context.Context, e *Entry) error
}

// Logger is satisfied by *logging.Logger.
type Logger interface {
	Error(msg string, keysAndValues ...any)
}

// TableLoadEntry describes a table load or reload attempt.
func TableLoadEntry(action string, res conversion.ReloadResult) *Entry {
	e := &Entry{
		Action:    action,
		Source:    res.Source,
		Outcome:   OutcomeOK,
		CreatedAt: res.At,
		Details:   map[string]any{"path": res.Path, "entries": res.Entries},
	}
	if res.Err != nil {
		e.Outcome = OutcomeFailed
		e.Details["error"] = res.Err.Error()
	}
	return e
}

// Observe returns a conversion.Store.OnReloadResult callback that records
// every reload. A failed write is logged; the reload itself is unaffected.
func Observe(rec Recorder, logger Logger) func(conversion.ReloadResult) {
	return func(res conversion.ReloadResult) {
		ctx, cancel := context.WithTimeout(context.Background(), observeTimeout)
		defer cancel()

		err := rec.Record(ctx, TableLoadEntry(ActionTableReload, res))
		if err != nil && logger != nil {
			logger.Error("recording table reload failed", "source", res.Source, "error", err)
		}
	}
}
