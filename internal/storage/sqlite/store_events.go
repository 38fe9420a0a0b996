package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/synthesisproject/synthesis/internal/storage"
	"github.com/synthesisproject/synthesis/internal/twin"
)

// AppendEvent assigns the next sequence number for the envelope's
// (tenant, twin) pair and persists the event in one transaction. The
// transaction takes the write lock at BEGIN (see Open), so concurrent
// appends to the same twin observe strictly increasing maxima: the
// resulting seq values are gap-free and duplicate-free. The composite
// primary key is a backstop, never the mechanism.
func (s *Store) AppendEvent(ctx context.Context, env twin.Envelope) (storage.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.EventRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.EventRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(env.TenantID) == "" {
		return storage.EventRecord{}, fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(env.TwinID) == "" {
		return storage.EventRecord{}, fmt.Errorf("twin id is required")
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return storage.EventRecord{}, fmt.Errorf("event type is required")
	}

	envJSON, err := json.Marshal(env)
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("marshal event envelope: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	var maxSeq int64
	if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(seq), 0) FROM twin_events WHERE tenant_id = ? AND twin_id = ?
`, env.TenantID, env.TwinID).Scan(&maxSeq); err != nil {
		return storage.EventRecord{}, fmt.Errorf("read max seq: %w", err)
	}
	seq := maxSeq + 1

	var causationID, correlationID sql.NullString
	if env.CausationID != "" {
		causationID = sql.NullString{String: env.CausationID, Valid: true}
	}
	if env.CorrelationID != "" {
		correlationID = sql.NullString{String: env.CorrelationID, Valid: true}
	}
	createdAt := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO twin_events (tenant_id, twin_id, seq, event_type, event_json, causation_id, correlation_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		env.TenantID,
		env.TwinID,
		seq,
		string(env.Type),
		string(envJSON),
		causationID,
		correlationID,
		toMillis(createdAt),
	); err != nil {
		if isUniqueConstraintError(err) {
			return storage.EventRecord{}, storage.ErrConflict
		}
		return storage.EventRecord{}, fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.EventRecord{}, fmt.Errorf("commit append: %w", err)
	}

	return storage.EventRecord{
		TenantID:      env.TenantID,
		TwinID:        env.TwinID,
		Seq:           uint64(seq),
		Type:          string(env.Type),
		Envelope:      env,
		CausationID:   env.CausationID,
		CorrelationID: env.CorrelationID,
		CreatedAt:     createdAt,
	}, nil
}

// ListEvents returns events for one twin with seq >= fromSeq, ascending,
// capped at limit.
func (s *Store) ListEvents(ctx context.Context, tenantID, twinID string, fromSeq uint64, limit int) ([]storage.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	twinID = strings.TrimSpace(twinID)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if twinID == "" {
		return nil, fmt.Errorf("twin id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT tenant_id, twin_id, seq, event_type, event_json, causation_id, correlation_id, created_at
FROM twin_events
WHERE tenant_id = ? AND twin_id = ? AND seq >= ?
ORDER BY seq ASC
LIMIT ?
`, tenantID, twinID, int64(fromSeq), limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	records := make([]storage.EventRecord, 0, limit)
	for rows.Next() {
		record, scanErr := scanEvent(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan event row: %w", scanErr)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return records, nil
}

// LatestSeq returns the highest assigned sequence number for one twin, or
// zero when the twin has no events.
func (s *Store) LatestSeq(ctx context.Context, tenantID, twinID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	twinID = strings.TrimSpace(twinID)
	if tenantID == "" {
		return 0, fmt.Errorf("tenant id is required")
	}
	if twinID == "" {
		return 0, fmt.Errorf("twin id is required")
	}

	var maxSeq int64
	if err := s.sqlDB.QueryRowContext(ctx, `
SELECT COALESCE(MAX(seq), 0) FROM twin_events WHERE tenant_id = ? AND twin_id = ?
`, tenantID, twinID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	return uint64(maxSeq), nil
}

func scanEvent(scan scanner) (storage.EventRecord, error) {
	var record storage.EventRecord
	var envJSON string
	var causationID, correlationID sql.NullString
	var createdAt int64
	if err := scan(
		&record.TenantID,
		&record.TwinID,
		&record.Seq,
		&record.Type,
		&envJSON,
		&causationID,
		&correlationID,
		&createdAt,
	); err != nil {
		return storage.EventRecord{}, err
	}
	if err := json.Unmarshal([]byte(envJSON), &record.Envelope); err != nil {
		return storage.EventRecord{}, fmt.Errorf("decode event envelope: %w", err)
	}
	record.CausationID = causationID.String
	record.CorrelationID = correlationID.String
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}
