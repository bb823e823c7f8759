package domain

import "time"

// AnonymousSubject identifies callers that were never authenticated, and the
// fixed identity handed out in permissive mode.
const AnonymousSubject = "anonymous"

// Identity is the normalized representation of a verified caller.
type Identity struct {
	SubjectID string    `json:"google_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Picture   string    `json:"picture"`
	FirstSeen time.Time `json:"-"`
	LastSeen  time.Time `json:"-"`
}

// AnonymousIdentity is returned by the verifier when no audience is configured.
func AnonymousIdentity() *Identity {
	return &Identity{
		SubjectID: AnonymousSubject,
		Email:     "anonymous@local",
	}
}

// QuotaCounter is one identity's consumption inside its current fixed window.
// WindowStart and LastRequest are epoch seconds.
type QuotaCounter struct {
	SubjectID    string `db:"subject_id"`
	RequestCount int    `db:"request_count"`
	WindowStart  int64  `db:"window_start"`
	LastRequest  int64  `db:"last_request"`
}

// AuditRecord describes one handled request. Records are append-only.
type AuditRecord struct {
	ID           int64
	RequestID    string
	SubjectID    string
	Endpoint     string
	Method       string
	StatusCode   int
	Latency      time.Duration
	IPAddress    string
	UserAgent    string
	Timestamp    time.Time
	ErrorMessage string
}
