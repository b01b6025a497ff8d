package can

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Recorder keeps an inventory of frame identifiers seen in either
// direction and, optionally, a log of dropped translations. It is an
// EventSink: the Bridge hands it every event.
//
// The database must have the can_frame_ids and translation_drops tables
// created (see migrations).
//
// Thread Safety: All methods are safe for concurrent use.
type Recorder struct {
	db          *sql.DB
	logger      Logger
	recordDrops bool

	// Prepared statements (created by Start, reused)
	frameUpsertStmt *sql.Stmt
	dropInsertStmt  *sql.Stmt
	stmtMu          sync.Mutex

	closed bool
	mu     sync.RWMutex
}

// FrameIDRecord is one row of the frame identifier inventory.
type FrameIDRecord struct {
	FrameID   uint32    `json:"frame_id"`
	Extended  bool      `json:"extended"`
	Topic     string    `json:"topic,omitempty"` // empty for identifiers the table does not know
	Uplink    int64     `json:"uplink"`
	Downlink  int64     `json:"downlink"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// DropRecord is one row of the drop log.
type DropRecord struct {
	ID         string    `json:"id"`
	Direction  Direction `json:"direction"`
	Reason     string    `json:"reason"`
	Topic      string    `json:"topic,omitempty"`
	FrameID    *uint32   `json:"frame_id,omitempty"`
	PayloadHex string    `json:"payload_hex,omitempty"`
	Error      string    `json:"error"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewRecorder creates a recorder. With recordDrops false only the frame
// identifier inventory is kept.
func NewRecorder(db *sql.DB, recordDrops bool) *Recorder {
	return &Recorder{db: db, recordDrops: recordDrops}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Start prepares the recorder's statements. Must be called before events
// are recorded.
func (r *Recorder) Start() error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.frameUpsertStmt != nil {
		return nil
	}

	frameStmt, err := r.db.Prepare(`
		INSERT INTO can_frame_ids (frame_id, extended, topic, uplink, downlink, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(frame_id) DO UPDATE SET
			extended = excluded.extended,
			topic = COALESCE(excluded.topic, topic),
			uplink = uplink + excluded.uplink,
			downlink = downlink + excluded.downlink,
			last_seen = excluded.last_seen
	`)
	if err != nil {
		return fmt.Errorf("preparing frame id upsert statement: %w", err)
	}

	dropStmt, err := r.db.Prepare(`
		INSERT INTO translation_drops (id, direction, reason, topic, frame_id, payload_hex, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		frameStmt.Close()
		return fmt.Errorf("preparing drop insert statement: %w", err)
	}

	r.frameUpsertStmt = frameStmt
	r.dropInsertStmt = dropStmt
	r.log("recorder started", "record_drops", r.recordDrops)
	return nil
}

// Stop closes the recorder and releases resources.
func (r *Recorder) Stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.frameUpsertStmt != nil {
		r.frameUpsertStmt.Close()
		r.frameUpsertStmt = nil
	}
	if r.dropInsertStmt != nil {
		r.dropInsertStmt.Close()
		r.dropInsertStmt = nil
	}

	r.log("recorder stopped")
}

// HandleEvent records the frame identifier of ev (when it has one) and,
// if enabled, the drop.
func (r *Recorder) HandleEvent(ev Event) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	r.mu.RUnlock()

	r.stmtMu.Lock()
	frameStmt := r.frameUpsertStmt
	dropStmt := r.dropInsertStmt
	r.stmtMu.Unlock()

	if frameStmt == nil || dropStmt == nil {
		return // Not started
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	ts := at.UTC().Format(time.RFC3339Nano)

	if ev.HasFrame {
		var up, down int
		if ev.Direction == Uplink {
			up = 1
		} else {
			down = 1
		}
		if _, err := frameStmt.Exec(ev.FrameID, boolToInt(ev.Extended), nullString(ev.Topic), up, down, ts, ts); err != nil {
			r.logError("recording frame id", err)
		}
	}

	if ev.Dropped() && r.recordDrops {
		var frameID any
		if ev.HasFrame {
			frameID = ev.FrameID
		}
		errText := ev.Error
		if errText == "" {
			errText = ev.Reason
		}
		if _, err := dropStmt.Exec(uuid.NewString(), string(ev.Direction), ev.Reason,
			nullString(ev.Topic), frameID, nullString(strings.ToUpper(hex.EncodeToString(ev.Data))), errText, ts); err != nil {
			r.logError("recording drop", err)
		}
	}
}

// FrameIDs returns the inventory ordered by frame identifier.
func (r *Recorder) FrameIDs(ctx context.Context) ([]FrameIDRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT frame_id, extended, topic, uplink, downlink, first_seen, last_seen
		FROM can_frame_ids ORDER BY frame_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying frame ids: %w", err)
	}
	defer rows.Close()

	var out []FrameIDRecord
	for rows.Next() {
		var (
			rec         FrameIDRecord
			id          int64
			extended    int
			topic       sql.NullString
			first, last string
		)
		if err := rows.Scan(&id, &extended, &topic, &rec.Uplink, &rec.Downlink, &first, &last); err != nil {
			return nil, fmt.Errorf("scanning frame id: %w", err)
		}
		rec.FrameID = uint32(id) //nolint:gosec // stored from a uint32
		rec.Extended = extended != 0
		rec.Topic = topic.String
		rec.FirstSeen = parseTime(first)
		rec.LastSeen = parseTime(last)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentDrops returns up to limit drops, newest first.
func (r *Recorder) RecentDrops(ctx context.Context, limit int) ([]DropRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, direction, reason, topic, frame_id, payload_hex, error, created_at
		FROM translation_drops ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying drops: %w", err)
	}
	defer rows.Close()

	var out []DropRecord
	for rows.Next() {
		var (
			rec            DropRecord
			direction      string
			topic, payload sql.NullString
			frameID        sql.NullInt64
			created        string
		)
		if err := rows.Scan(&rec.ID, &direction, &rec.Reason, &topic, &frameID, &payload, &rec.Error, &created); err != nil {
			return nil, fmt.Errorf("scanning drop: %w", err)
		}
		rec.Direction = Direction(direction)
		rec.Topic = topic.String
		rec.PayloadHex = payload.String
		if frameID.Valid {
			id := uint32(frameID.Int64) //nolint:gosec // stored from a uint32
			rec.FrameID = &id
		}
		rec.CreatedAt = parseTime(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FrameIDCount returns the number of identifiers in the inventory.
func (r *Recorder) FrameIDCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM can_frame_ids`).Scan(&count)
	return count, err
}

// DropCount returns the number of logged drops.
func (r *Recorder) DropCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM translation_drops`).Scan(&count)
	return count, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// log logs an info message if logger is set.
func (r *Recorder) log(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error if logger is set.
func (r *Recorder) logError(msg string, err error) {
	if r.logger != nil {
		r.logger.Error(msg, "error", err)
	}
}
