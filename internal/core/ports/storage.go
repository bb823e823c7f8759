package ports

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/surveyor-gateway/internal/core/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// IdentityStore persists verified callers.
type IdentityStore interface {
	// UpsertIdentity inserts the identity or overwrites its mutable fields.
	// first_seen is set only on insert; last_seen is always set to now.
	UpsertIdentity(ctx context.Context, id *domain.Identity, now time.Time) error

	// GetIdentity returns the stored identity for a subject.
	GetIdentity(ctx context.Context, subjectID string) (*domain.Identity, error)
}

// QuotaUpdateFunc computes the next counter from the current one. current is
// nil when the subject has no counter yet. Returning nil leaves the stored
// counter untouched.
type QuotaUpdateFunc func(current *domain.QuotaCounter) (*domain.QuotaCounter, error)

// QuotaStore persists per-identity counters.
type QuotaStore interface {
	// UpdateQuota runs fn as a read-modify-write that is serialized against
	// every other UpdateQuota call for the same subject.
	UpdateQuota(ctx context.Context, subjectID string, fn QuotaUpdateFunc) error

	// GetQuota returns the current counter or nil when none exists.
	GetQuota(ctx context.Context, subjectID string) (*domain.QuotaCounter, error)
}

// AuditStore persists audit records.
type AuditStore interface {
	AppendAudit(ctx context.Context, rec *domain.AuditRecord) error
	ListAuditRecords(ctx context.Context, opts AuditListOptions) ([]*domain.AuditRecord, error)
}

// AuditListOptions filters audit listings.
type AuditListOptions struct {
	SubjectID string
	Limit     int
}

// Store is the gateway's single source of truth.
type Store interface {
	IdentityStore
	QuotaStore
	AuditStore

	// Close closes the storage connection
	Close() error
}
