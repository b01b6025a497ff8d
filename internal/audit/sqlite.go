package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// timeLayout is fixed width so created_at orders correctly as TEXT.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store keeps entries in the audit_logs table.
type Store struct {
	db *sql.DB
}

// NewStore returns a Store on a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts e, filling in ID and CreatedAt when they are empty.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = "aud-" + uuid.NewString()[:8]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	var details sql.NullString
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encoding details of %s: %w", e.ID, err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}

	const insert = `INSERT INTO audit_logs (id, action, source, outcome, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, insert,
		e.ID, e.Action, e.Source, e.Outcome, details, e.CreatedAt.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("recording %s: %w", e.Action, err)
	}
	return nil
}

// where renders f's conditions as a WHERE clause and its arguments.
func (f Filter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	for _, c := range []struct{ column, value string }{
		{"action", f.Action},
		{"source", f.Source},
		{"outcome", f.Outcome},
	} {
		if c.value != "" {
			conds = append(conds, c.column+" = ?")
			args = append(args, c.value)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns one page of entries matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) (*Page, error) {
	page := &Page{
		Entries: []Entry{},
		Limit:   min(f.Limit, maxListLimit),
		Offset:  max(f.Offset, 0),
	}
	if page.Limit <= 0 {
		page.Limit = defaultListLimit
	}

	where, args := f.where()

	//nolint:gosec // where holds column names and placeholders only
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs"+where, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}
	if page.Total == 0 {
		return page, nil
	}

	//nolint:gosec // where holds column names and placeholders only
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, action, source, outcome, details, created_at FROM audit_logs"+where+
			" ORDER BY created_at DESC, id LIMIT ? OFFSET ?",
		append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		page.Entries = append(page.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	return page, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e         Entry
		details   sql.NullString
		createdAt string
	)
	if err := rows.Scan(&e.ID, &e.Action, &e.Source, &e.Outcome, &details, &createdAt); err != nil {
		return e, fmt.Errorf("reading audit entry: %w", err)
	}

	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return e, fmt.Errorf("audit entry %s: bad created_at %q: %w", e.ID, createdAt, err)
	}
	e.CreatedAt = t

	// Unreadable details are dropped rather than failing the page.
	if details.Valid {
		if json.Unmarshal([]byte(details.String), &e.Details) != nil {
			e.Details = nil
		}
	}
	return e, nil
}
