// Package memory provides an in-process Store. Nothing survives a restart, so
// it suits local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tjfontaine/surveyor-gateway/internal/core/domain"
	"github.com/tjfontaine/surveyor-gateway/internal/core/ports"
)

// Store is an in-memory implementation of ports.Store
type Store struct {
	mu         sync.RWMutex
	identities map[string]domain.Identity
	counters   map[string]domain.QuotaCounter
	audit      []domain.AuditRecord
	nextID     int64
}

var _ ports.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		identities: make(map[string]domain.Identity),
		counters:   make(map[string]domain.QuotaCounter),
	}
}

func (s *Store) UpsertIdentity(ctx context.Context, id *domain.Identity, now time.Time) error {
	if id == nil || id.SubjectID == "" {
		return errors.New("identity requires a subject id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.identities[id.SubjectID]
	if !exists {
		stored = domain.Identity{SubjectID: id.SubjectID, FirstSeen: now}
	}
	stored.Email = id.Email
	stored.Name = id.Name
	stored.Picture = id.Picture
	stored.LastSeen = now
	s.identities[id.SubjectID] = stored
	return nil
}

func (s *Store) GetIdentity(ctx context.Context, subjectID string) (*domain.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.identities[subjectID]
	if !exists {
		return nil, fmt.Errorf("identity %s: %w", subjectID, ports.ErrNotFound)
	}
	return &id, nil
}

// UpdateQuota holds the store lock for the whole read-modify-write.
func (s *Store) UpdateQuota(ctx context.Context, subjectID string, fn ports.QuotaUpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *domain.QuotaCounter
	if c, exists := s.counters[subjectID]; exists {
		current = &c
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next != nil {
		s.counters[subjectID] = *next
	}
	return nil
}

func (s *Store) GetQuota(ctx context.Context, subjectID string) (*domain.QuotaCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.counters[subjectID]
	if !exists {
		return nil, nil
	}
	return &c, nil
}

func (s *Store) AppendAudit(ctx context.Context, rec *domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	rec.ID = s.nextID

	stored := *rec
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	if stored.SubjectID == "" {
		stored.SubjectID = domain.AnonymousSubject
	}
	stored.Latency = stored.Latency.Truncate(time.Millisecond)
	s.audit = append(s.audit, stored)
	return nil
}

// ListAuditRecords returns records newest first.
func (s *Store) ListAuditRecords(ctx context.Context, opts ports.AuditListOptions) ([]*domain.AuditRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.AuditRecord
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.audit[i]
		if opts.SubjectID != "" && rec.SubjectID != opts.SubjectID {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
