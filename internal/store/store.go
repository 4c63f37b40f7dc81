package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"wa-session-server/internal/model"
)

const (
	DefaultLogRetention = 30 * 24 * time.Hour
	defaultLogLimit     = 50
	maxLogLimit         = 500
)

var (
	ErrNotFound = errors.New("session not found")
	ErrStorage  = errors.New("storage error")
)

// StorageError wraps a backend failure. errors.Is(err, ErrStorage) holds for every StorageError.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func checkStatus(upd model.SessionUpdate) error {
	if upd.Status != nil && !upd.Status.Valid() {
		return fmt.Errorf("invalid status %q", *upd.Status)
	}
	return nil
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Store is the durable session state plus the append-only audit log.
type Store interface {
	GetSession(ctx context.Context, userID string) (model.UserSession, error)
	EnsureSession(ctx context.Context, userID string) error
	UpsertSession(ctx context.Context, userID string, upd model.SessionUpdate) error
	UpdateStatus(ctx context.Context, userID string, status model.Status) error
	SetQRCode(ctx context.Context, userID, qr string) error
	ClearQRCode(ctx context.Context, userID string) error
	Touch(ctx context.Context, userID string) error
	ListActiveSessions(ctx context.Context) ([]model.UserSession, error)

	AppendLog(ctx context.Context, userID, eventType string, data any) error
	GetRecentLogs(ctx context.Context, userID string, limit int) ([]model.SessionLogEntry, error)
	PurgeOldLogs(ctx context.Context) (int64, error)

	Close() error
}

type Options struct {
	// LogRetention is how long session_logs rows are kept. Defaults to 30 days.
	LogRetention time.Duration
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.LogRetention <= 0 {
		o.LogRetention = DefaultLogRetention
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Open returns the store selected by dsn: memory://, sqlite://<path> or
// postgres://... Migrations are applied for SQL backends before returning.
func Open(ctx context.Context, dsn string, opts Options) (Store, error) {
	var (
		st  *SQLStore
		err error
	)
	switch {
	case strings.HasPrefix(dsn, "memory://"):
		return NewMemoryStore(opts), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		st, err = openSQLite(ctx, dsn, opts)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		st, err = openPostgres(ctx, dsn, opts)
	default:
		return nil, fmt.Errorf("store: unsupported DATABASE_URL scheme in %q", dsn)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func clampLogLimit(limit int) int {
	if limit <= 0 {
		return defaultLogLimit
	}
	if limit > maxLogLimit {
		return maxLogLimit
	}
	return limit
}

// RunRetention purges old log rows every interval until ctx is done.
func RunRetention(ctx context.Context, s Store, every time.Duration) {
	if every <= 0 {
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeOldLogs(ctx)
			if err != nil {
				log.Printf("store: purge old logs failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("store: purged %d session log rows", n)
			}
		}
	}
}
