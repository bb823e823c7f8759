package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/tjfontaine/surveyor-gateway/internal/core/domain"
	"github.com/tjfontaine/surveyor-gateway/internal/core/ports"
)

type auditRow struct {
	ID           int64     `db:"id"`
	RequestID    string    `db:"request_id"`
	SubjectID    string    `db:"subject_id"`
	Endpoint     string    `db:"endpoint"`
	Method       string    `db:"method"`
	StatusCode   int       `db:"status_code"`
	LatencyMS    int64     `db:"latency_ms"`
	IPAddress    string    `db:"ip_address"`
	UserAgent    string    `db:"user_agent"`
	CreatedAt    time.Time `db:"created_at"`
	ErrorMessage string    `db:"error_message"`
}

// AppendAudit inserts one record and sets rec.ID.
func (s *Store) AppendAudit(ctx context.Context, rec *domain.AuditRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	subject := rec.SubjectID
	if subject == "" {
		subject = domain.AnonymousSubject
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO api_logs
	          (request_id, subject_id, endpoint, method, status_code, latency_ms, ip_address, user_agent, created_at, error_message)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, subject, rec.Endpoint, rec.Method, rec.StatusCode,
		rec.Latency.Milliseconds(), rec.IPAddress, rec.UserAgent, ts.UTC(), rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// ListAuditRecords returns records newest first.
func (s *Store) ListAuditRecords(ctx context.Context, opts ports.AuditListOptions) ([]*domain.AuditRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100 // default limit
	}

	query := `SELECT id, request_id, subject_id, endpoint, method, status_code, latency_ms,
	                 ip_address, user_agent, created_at, error_message
	          FROM api_logs`
	args := []any{}
	if opts.SubjectID != "" {
		query += ` WHERE subject_id = ?`
		args = append(args, opts.SubjectID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}

	records := make([]*domain.AuditRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, &domain.AuditRecord{
			ID:           r.ID,
			RequestID:    r.RequestID,
			SubjectID:    r.SubjectID,
			Endpoint:     r.Endpoint,
			Method:       r.Method,
			StatusCode:   r.StatusCode,
			Latency:      time.Duration(r.LatencyMS) * time.Millisecond,
			IPAddress:    r.IPAddress,
			UserAgent:    r.UserAgent,
			Timestamp:    r.CreatedAt,
			ErrorMessage: r.ErrorMessage,
		})
	}
	return records, nil
}
