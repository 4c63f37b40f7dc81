package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"wa-session-server/internal/model"
)

// MemoryStore keeps sessions and logs in process memory. Nothing survives a
// restart; it backs memory:// and tests.
type MemoryStore struct {
	mu sync.RWMutex

	sessionsByUserID map[string]model.UserSession
	logs             []model.SessionLogEntry
	logSeq           int64

	opts Options
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		sessionsByUserID: make(map[string]model.UserSession),
		opts:             opts.withDefaults(),
	}
}

func (s *MemoryStore) nowMillis() int64 { return s.opts.Now().UnixMilli() }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetSession(_ context.Context, userID string) (model.UserSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessionsByUserID[userID]
	if !ok {
		return model.UserSession{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) ensureLocked(userID string) {
	if _, ok := s.sessionsByUserID[userID]; ok {
		return
	}
	now := s.nowMillis()
	s.sessionsByUserID[userID] = model.UserSession{
		UserID:    userID,
		Status:    model.StatusDisconnected,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *MemoryStore) EnsureSession(_ context.Context, userID string) error {
	if userID == "" {
		return storageErr("ensure session", errors.New("missing userID"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(userID)
	return nil
}

func (s *MemoryStore) UpsertSession(_ context.Context, userID string, upd model.SessionUpdate) error {
	if userID == "" {
		return storageErr("upsert session", errors.New("missing userID"))
	}
	if err := checkStatus(upd); err != nil {
		return storageErr("upsert session", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureLocked(userID)
	sess := s.sessionsByUserID[userID]
	if upd.Status != nil {
		sess.Status = *upd.Status
	}
	if upd.PhoneNumber != nil {
		sess.PhoneNumber = *upd.PhoneNumber
	}
	if upd.DisplayName != nil {
		sess.DisplayName = *upd.DisplayName
	}
	if upd.QRCode != nil {
		sess.QRCode = *upd.QRCode
	}
	if upd.ConnectedAt != nil {
		sess.ConnectedAt = *upd.ConnectedAt
	}
	if upd.LastActivity != nil {
		sess.LastActivity = *upd.LastActivity
	}
	sess.UpdatedAt = s.nowMillis()
	s.sessionsByUserID[userID] = sess
	return nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, userID string, status model.Status) error {
	return s.UpsertSession(ctx, userID, model.SessionUpdate{Status: &status})
}

func (s *MemoryStore) SetQRCode(ctx context.Context, userID, qr string) error {
	return s.UpsertSession(ctx, userID, model.SessionUpdate{
		Status: model.StatusPtr(model.StatusQRPending),
		QRCode: &qr,
	})
}

func (s *MemoryStore) ClearQRCode(ctx context.Context, userID string) error {
	return s.UpsertSession(ctx, userID, model.SessionUpdate{QRCode: model.StringPtr("")})
}

func (s *MemoryStore) Touch(ctx context.Context, userID string) error {
	return s.UpsertSession(ctx, userID, model.SessionUpdate{LastActivity: model.Int64Ptr(s.nowMillis())})
}

func (s *MemoryStore) ListActiveSessions(_ context.Context) ([]model.UserSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.UserSession, 0)
	for _, sess := range s.sessionsByUserID {
		if sess.Status.Active() {
			result = append(result, sess)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt != result[j].UpdatedAt {
			return result[i].UpdatedAt > result[j].UpdatedAt
		}
		return result[i].UserID < result[j].UserID
	})
	return result, nil
}

func (s *MemoryStore) AppendLog(_ context.Context, userID, eventType string, data any) error {
	if userID == "" {
		return storageErr("append log", errors.New("missing userID"))
	}

	var payload json.RawMessage
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return storageErr("append log", err)
		}
		payload = raw
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureLocked(userID)
	s.logSeq++
	s.logs = append(s.logs, model.SessionLogEntry{
		ID:        s.logSeq,
		UserID:    userID,
		EventType: eventType,
		EventData: payload,
		Timestamp: s.nowMillis(),
	})
	return nil
}

func (s *MemoryStore) GetRecentLogs(_ context.Context, userID string, limit int) ([]model.SessionLogEntry, error) {
	limit = clampLogLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.SessionLogEntry, 0, limit)
	for i := len(s.logs) - 1; i >= 0 && len(result) < limit; i-- {
		if s.logs[i].UserID == userID {
			result = append(result, s.logs[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) PurgeOldLogs(_ context.Context) (int64, error) {
	cutoff := s.opts.Now().Add(-s.opts.LogRetention).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.logs[:0]
	var deleted int64
	for _, entry := range s.logs {
		if entry.Timestamp < cutoff {
			deleted++
			continue
		}
		kept = append(kept, entry)
	}
	s.logs = kept
	return deleted, nil
}
