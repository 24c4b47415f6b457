// Package journal records received push envelopes in a SQLite database so
// a session can be inspected or replayed offline.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Iron-Ham/pathwatch/internal/errors"
	"github.com/Iron-Ham/pathwatch/internal/logging"
	"github.com/Iron-Ham/pathwatch/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS envelopes (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	received_at TEXT NOT NULL,
	channel TEXT NOT NULL,
	event TEXT NOT NULL,
	data_json TEXT NOT NULL,
	raw BLOB
);

CREATE INDEX IF NOT EXISTS envelopes_session_seq ON envelopes(session_id, seq);
CREATE INDEX IF NOT EXISTS envelopes_received_at ON envelopes(received_at);
`

const schemaVersion = 1

// tsLayout has a fixed width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one recorded envelope.
type Entry struct {
	Seq        int64
	ID         string
	SessionID  string
	ReceivedAt time.Time
	Envelope   model.Envelope
	// Raw is the frame as received, when the transport kept it.
	Raw []byte
}

// Filter narrows List and Replay. Zero fields match everything.
type Filter struct {
	SessionID string
	Event     string
	Since     time.Time
	AfterSeq  int64
	Limit     int
}

// SessionSummary describes one recorded session.
type SessionSummary struct {
	ID    string
	Count int
	First time.Time
	Last  time.Time
}

// Journal is a SQLite-backed envelope log.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the journal at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, errors.NewValidationError("journal path is required").WithField("path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "create journal dir")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
		_ = db.Close()
		return nil, errors.Wrap(err, "chmod journal")
	}
	return &Journal{db: db, now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin migration")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "apply journal schema")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_migrations(version, applied_at) VALUES (?, ?)`,
		schemaVersion, ts(time.Now()),
	); err != nil {
		return errors.Wrap(err, "record migration")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit migration")
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append records env for sessionID and returns the stored entry.
func (j *Journal) Append(ctx context.Context, sessionID string, env model.Envelope, raw []byte) (Entry, error) {
	data := env.Data
	if data == nil {
		data = map[string]any{}
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return Entry{}, errors.NewDecodeError("envelope data is not serializable", err).WithEvent(env.Event)
	}
	e := Entry{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		ReceivedAt: j.now().UTC(),
		Envelope:   env,
		Raw:        raw,
	}
	res, err := j.db.ExecContext(ctx, `
INSERT INTO envelopes(entry_id, session_id, received_at, channel, event, data_json, raw)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, e.ID, sessionID, ts(e.ReceivedAt), env.Channel, env.Event, string(encoded), nullableBytes(raw))
	if err != nil {
		return Entry{}, errors.Wrap(err, "append envelope")
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return Entry{}, errors.Wrap(err, "append envelope")
	}
	return e, nil
}

// Recorder returns an envelope callback that appends to the journal.
// Failures are logged and never block delivery.
func (j *Journal) Recorder(ctx context.Context, sessionID string, logger *logging.Logger) func(model.Envelope) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.WithComponent("journal")
	return func(env model.Envelope) {
		if _, err := j.Append(ctx, sessionID, env, nil); err != nil {
			logger.Warn("failed to journal envelope", "event", env.Event, "error", err.Error())
		}
	}
}

// List returns entries matching f in receive order.
func (j *Journal) List(ctx context.Context, f Filter) ([]Entry, error) {
	var out []Entry
	err := j.Replay(ctx, f, func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// Replay calls fn for each entry matching f in receive order. An error
// from fn stops the replay and is returned.
func (j *Journal) Replay(ctx context.Context, f Filter, fn func(Entry) error) error {
	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Event != "" {
		where = append(where, "event = ?")
		args = append(args, f.Event)
	}
	if !f.Since.IsZero() {
		where = append(where, "received_at >= ?")
		args = append(args, ts(f.Since))
	}
	if f.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, f.AfterSeq)
	}
	query := `SELECT seq, entry_id, session_id, received_at, channel, event, data_json, raw FROM envelopes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "query envelopes")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var (
			e          Entry
			receivedAt string
			dataJSON   string
			raw        []byte
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.SessionID, &receivedAt, &e.Envelope.Channel, &e.Envelope.Event, &dataJSON, &raw); err != nil {
			return errors.Wrap(err, "scan envelope")
		}
		if e.ReceivedAt, err = parseTS(receivedAt); err != nil {
			return errors.Wrapf(err, "parse received_at %q", receivedAt)
		}
		if err := json.Unmarshal([]byte(dataJSON), &e.Envelope.Data); err != nil {
			return errors.NewDecodeError("journaled envelope data is corrupt", err).WithEvent(e.Envelope.Event)
		}
		e.Raw = raw
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate envelopes")
	}
	return nil
}

// Sessions summarizes recorded sessions, most recent first.
func (j *Journal) Sessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT session_id, COUNT(*), MIN(received_at), MAX(received_at)
FROM envelopes
GROUP BY session_id
ORDER BY MAX(seq) DESC
`)
	if err != nil {
		return nil, errors.Wrap(err, "query sessions")
	}
	defer rows.Close() //nolint:errcheck

	var out []SessionSummary
	for rows.Next() {
		var (
			s           SessionSummary
			first, last string
		)
		if err := rows.Scan(&s.ID, &s.Count, &first, &last); err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		if s.First, err = parseTS(first); err != nil {
			return nil, errors.Wrap(err, "parse first")
		}
		if s.Last, err = parseTS(last); err != nil {
			return nil, errors.Wrap(err, "parse last")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prune deletes entries received before cutoff and returns how many were
// removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM envelopes WHERE received_at < ?`, ts(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "prune envelopes")
	}
	return res.RowsAffected()
}

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
