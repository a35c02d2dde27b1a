package webhook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/api-gateway/pkg/db"
)

// Store records receipts. *db.ReceiptRepository is the PostgreSQL implementation.
type Store interface {
	RecordReceipt(ctx context.Context, rec *db.Receipt) (*db.Receipt, bool, error)
	GetReceipt(ctx context.Context, key string) (*db.Receipt, error)
	ClaimForward(ctx context.Context, key string, lease time.Duration) (bool, error)
	MarkForwarded(ctx context.Context, key string) error
	MarkFailed(ctx context.Context, key, reason string) error
	ListReceipts(ctx context.Context, limit, offset int) (*db.ReceiptPage, error)
}

// MemoryStore keeps receipts in process memory. It is used when no database is configured;
// receipts do not survive a restart.
type MemoryStore struct {
	mu    sync.Mutex
	byKey map[string]*db.Receipt
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]*db.Receipt), now: time.Now}
}

func (s *MemoryStore) RecordReceipt(_ context.Context, rec *db.Receipt) (*db.Receipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byKey[rec.IdempotencyKey]; ok {
		cp := *existing
		return &cp, false, nil
	}
	stored := *rec
	stored.ID = uuid.NewString()
	stored.CreatedAt = s.now().UTC()
	if stored.Source == "" {
		stored.Source = "upload"
	}
	s.byKey[rec.IdempotencyKey] = &stored
	cp := stored
	return &cp, true, nil
}

func (s *MemoryStore) GetReceipt(_ context.Context, key string) (*db.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byKey[key]
	if !ok {
		return nil, db.ErrReceiptNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ClaimForward(_ context.Context, key string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byKey[key]
	if !ok {
		return false, db.ErrReceiptNotFound
	}
	now := s.now().UTC()
	if !rec.Claimable(now, lease) {
		return false, nil
	}
	rec.ClaimedAt = &now
	return true, nil
}

func (s *MemoryStore) MarkForwarded(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byKey[key]
	if !ok {
		return db.ErrReceiptNotFound
	}
	now := s.now().UTC()
	rec.ForwardedAt = &now
	rec.ClaimedAt = nil
	rec.ForwardAttempts++
	rec.LastError = ""
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byKey[key]
	if !ok {
		return db.ErrReceiptNotFound
	}
	rec.ClaimedAt = nil
	rec.ForwardAttempts++
	rec.LastError = reason
	return nil
}

func (s *MemoryStore) ListReceipts(_ context.Context, limit, offset int) (*db.ReceiptPage, error) {
	limit, offset = db.ClampPage(limit, offset)

	s.mu.Lock()
	all := make([]db.Receipt, 0, len(s.byKey))
	for _, rec := range s.byKey {
		all = append(all, *rec)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	page := &db.ReceiptPage{Items: []db.Receipt{}, Total: len(all), Limit: limit, Offset: offset}
	if offset < len(all) {
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		page.Items = append(page.Items, all[offset:end]...)
	}
	return page, nil
}
