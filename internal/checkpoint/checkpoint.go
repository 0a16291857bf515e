package checkpoint

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pg-replicator/internal/lsn"
)

// Store persists processed WAL positions so a restarted consumer can resume.
type Store interface {
	Save(ctx context.Context, pos lsn.LSN) error
	Load(ctx context.Context) (lsn.LSN, error)
}

// MemoryStore keeps the last position in memory; a fallback when no durable
// backend is configured.
type MemoryStore struct {
	last lsn.LSN
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(ctx context.Context, pos lsn.LSN) error {
	_ = ctx
	s.last = pos
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (lsn.LSN, error) {
	_ = ctx
	return s.last, nil
}

// Manager rate-limits checkpoint writes: a position is saved at most once per
// interval, and only when it moved forward.
type Manager struct {
	store     Store
	interval  time.Duration
	lastSaved lsn.LSN
	lastTime  time.Time
	logger    *zap.Logger
}

func NewManager(store Store, interval time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, interval: interval, logger: logger}
}

func (m *Manager) MaybeSave(ctx context.Context, pos lsn.LSN, now time.Time) error {
	if pos == 0 || pos <= m.lastSaved {
		return nil
	}
	if m.lastSaved != 0 && now.Sub(m.lastTime) < m.interval {
		return nil
	}
	if err := m.store.Save(ctx, pos); err != nil {
		return err
	}
	m.lastSaved = pos
	m.lastTime = now
	m.logger.Debug("saved checkpoint", zap.String("lsn", pos.String()))
	return nil
}
