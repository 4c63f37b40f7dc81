package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"wa-session-server/internal/model"
)

type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQLStore persists sessions in user_sessions / session_logs through database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	opts    Options
}

func NewSQLStore(db *sql.DB, dialect Dialect, opts Options) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, opts: opts.withDefaults()}
}

func openSQLite(ctx context.Context, dsn string, opts Options) (*SQLStore, error) {
	path := strings.TrimPrefix(dsn, "sqlite://")
	if path == "" {
		return nil, errors.New("store: sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create db dir: %w", err)
	}
	if err := Migrate(dsn, "up"); err != nil && !errors.Is(err, ErrNoChange) {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	log.Printf("store: sqlite database ready at %s", path)
	return NewSQLStore(db, DialectSQLite, opts), nil
}

func openPostgres(ctx context.Context, dsn string, opts Options) (*SQLStore, error) {
	if err := Migrate(dsn, "up"); err != nil && !errors.Is(err, ErrNoChange) {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	log.Printf("store: postgres database ready")
	return NewSQLStore(db, DialectPostgres, opts), nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) nowMillis() int64 { return s.opts.Now().UnixMilli() }

type rowScanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `user_id, phone_number, display_name, status, qr_code, connected_at, last_activity, created_at, updated_at`

func scanSession(row rowScanner) (model.UserSession, error) {
	var (
		sess                      model.UserSession
		phone, name, qr           sql.NullString
		status                    string
		connectedAt, lastActivity sql.NullInt64
	)
	if err := row.Scan(&sess.UserID, &phone, &name, &status, &qr, &connectedAt, &lastActivity, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return model.UserSession{}, err
	}
	sess.PhoneNumber = phone.String
	sess.DisplayName = name.String
	sess.Status = model.Status(status)
	if !sess.Status.Valid() {
		log.Printf("store: %s: unknown status %q, treating as disconnected", sess.UserID, status)
		sess.Status = model.StatusDisconnected
	}
	sess.QRCode = qr.String
	sess.ConnectedAt = connectedAt.Int64
	sess.LastActivity = lastActivity.Int64
	return sess, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func (s *SQLStore) GetSession(ctx context.Context, userID string) (model.UserSession, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM user_sessions WHERE user_id = ?`), userID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.UserSession{}, ErrNotFound
		}
		return model.UserSession{}, storageErr("get session", err)
	}
	return sess, nil
}

func (s *SQLStore) EnsureSession(ctx context.Context, userID string) error {
	if userID == "" {
		return storageErr("ensure session", errors.New("missing userID"))
	}
	now := s.nowMillis()
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO user_sessions (user_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`),
		userID, string(model.StatusDisconnected), now, now,
	)
	return storageErr("ensure session", err)
}

func (s *SQLStore) UpsertSession(ctx context.Context, userID string, upd model.SessionUpdate) error {
	if err := checkStatus(upd); err != nil {
		return storageErr("upsert session", err)
	}
	if err := s.EnsureSession(ctx, userID); err != nil {
		return err
	}

	sets := make([]string, 0, 7)
	args := make([]any, 0, 8)
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.PhoneNumber != nil {
		sets = append(sets, "phone_number = ?")
		args = append(args, nullString(*upd.PhoneNumber))
	}
	if upd.DisplayName != nil {
		sets = append(sets, "display_name = ?")
		args = append(args, nullString(*upd.DisplayName))
	}
	if upd.QRCode != nil {
		sets = append(sets, "qr_code = ?")
		args = append(args, nullString(*upd.QRCode))
	}
	if upd.ConnectedAt != nil {
		sets = append(sets, "connected_at = ?")
		args = append(args, nullInt64(*upd.ConnectedAt))
	}
	if upd.LastActivity != nil {
		sets = append(sets, "last_activity = ?")
		args = append(args, nullInt64(*upd.LastActivity))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.nowMillis(), userID)

	query := `UPDATE user_sessions SET ` + strings.Join(sets, ", ") + ` WHERE user_id = ?`
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return storageErr("upsert session", err)
}

func (s *SQLStore) UpdateStatus(ctx context.Context, userID string, status model.Status) error {
	return s.UpsertSession(ctx, userID, model.SessionUpdate{Status: &status})
}

func (s *SQLStore) SetQRCode(ctx context.Context, userID, qr string) error {
	return s.UpsertSession(ctx, userID, model.SessionUpdate{
		Status: model.StatusPtr(model.StatusQRPending),
		QRCode: &qr,
	})
}

func (s *SQLStore) ClearQRCode(ctx context.Context, userID string) error {
	return s.UpsertSession(ctx, userID, model.SessionUpdate{QRCode: model.StringPtr("")})
}

func (s *SQLStore) Touch(ctx context.Context, userID string) error {
	return s.UpsertSession(ctx, userID, model.SessionUpdate{LastActivity: model.Int64Ptr(s.nowMillis())})
}

func (s *SQLStore) ListActiveSessions(ctx context.Context) ([]model.UserSession, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+sessionColumns+` FROM user_sessions
		 WHERE status IN (?, ?, ?)
		 ORDER BY updated_at DESC, user_id`),
		string(model.StatusReady), string(model.StatusAuthenticated), string(model.StatusQRPending),
	)
	if err != nil {
		return nil, storageErr("list active sessions", err)
	}
	defer rows.Close()

	result := make([]model.UserSession, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storageErr("list active sessions", err)
		}
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list active sessions", err)
	}
	return result, nil
}

func (s *SQLStore) AppendLog(ctx context.Context, userID, eventType string, data any) error {
	if err := s.EnsureSession(ctx, userID); err != nil {
		return err
	}

	var payload sql.NullString
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return storageErr("append log", err)
		}
		payload = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO session_logs (user_id, event_type, event_data, timestamp) VALUES (?, ?, ?, ?)`),
		userID, eventType, payload, s.nowMillis(),
	)
	return storageErr("append log", err)
}

func (s *SQLStore) GetRecentLogs(ctx context.Context, userID string, limit int) ([]model.SessionLogEntry, error) {
	limit = clampLogLimit(limit)
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, user_id, event_type, event_data, timestamp FROM session_logs
		 WHERE user_id = ?
		 ORDER BY id DESC
		 LIMIT ?`),
		userID, limit,
	)
	if err != nil {
		return nil, storageErr("get recent logs", err)
	}
	defer rows.Close()

	result := make([]model.SessionLogEntry, 0, limit)
	for rows.Next() {
		var (
			entry model.SessionLogEntry
			data  sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.EventType, &data, &entry.Timestamp); err != nil {
			return nil, storageErr("get recent logs", err)
		}
		if data.Valid {
			entry.EventData = json.RawMessage(data.String)
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("get recent logs", err)
	}
	return result, nil
}

func (s *SQLStore) PurgeOldLogs(ctx context.Context) (int64, error) {
	cutoff := s.opts.Now().Add(-s.opts.LogRetention).UnixMilli()
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM session_logs WHERE timestamp < ?`), cutoff)
	if err != nil {
		return 0, storageErr("purge old logs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("purge old logs", err)
	}
	return n, nil
}
