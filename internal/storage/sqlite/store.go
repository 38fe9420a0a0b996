// Package sqlite provides SQLite-backed persistence for the entity catalog
// and the twin event log.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/synthesisproject/synthesis/internal/platform/storage/sqlitemigrate"
	"github.com/synthesisproject/synthesis/internal/storage"
	"github.com/synthesisproject/synthesis/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for twins, their event log, and
// the supporting catalog rows.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a twin store at the provided path. Transactions take the write
// lock at BEGIN (_txlock=immediate) so the read-max/insert pair in event
// appends is linearized under concurrent callers; busy_timeout makes a
// second BEGIN IMMEDIATE wait for the lock instead of failing with
// SQLITE_BUSY. modernc.org/sqlite only honors pragmas in _pragma=name(value)
// form, so every connection option is spelled that way.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) runMigrations() error {
	return sqlitemigrate.Apply(context.Background(), s.sqlDB, migrations.FS, "")
}

// EnsureTenantWorkspace lazily creates the tenant and workspace rows on
// first reference. Existing rows are left untouched.
func (s *Store) EnsureTenantWorkspace(ctx context.Context, tenantID, workspaceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	workspaceID = strings.TrimSpace(workspaceID)
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if workspaceID == "" {
		return fmt.Errorf("workspace id is required")
	}

	now := toMillis(time.Now())
	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO NOTHING
`, tenantID, tenantID, now); err != nil {
		return fmt.Errorf("ensure tenant: %w", err)
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO workspaces (id, tenant_id, name, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT(tenant_id, id) DO NOTHING
`, workspaceID, tenantID, workspaceID, now); err != nil {
		return fmt.Errorf("ensure workspace: %w", err)
	}
	return nil
}

// PutTwin inserts one twin row.
func (s *Store) PutTwin(ctx context.Context, record storage.TwinRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeTwinRecord(record)
	if err != nil {
		return err
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO twins (id, tenant_id, workspace_id, type, title, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		normalized.ID,
		normalized.TenantID,
		normalized.WorkspaceID,
		normalized.Type,
		normalized.Title,
		toMillis(normalized.CreatedAt),
	); err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put twin: %w", err)
	}
	return nil
}

// GetTwin looks up one twin row by tenant and id.
func (s *Store) GetTwin(ctx context.Context, tenantID, twinID string) (storage.TwinRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.TwinRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.TwinRecord{}, fmt.Errorf("storage is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	twinID = strings.TrimSpace(twinID)
	if tenantID == "" {
		return storage.TwinRecord{}, fmt.Errorf("tenant id is required")
	}
	if twinID == "" {
		return storage.TwinRecord{}, fmt.Errorf("twin id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, tenant_id, workspace_id, type, title, created_at
FROM twins
WHERE tenant_id = ? AND id = ?
`, tenantID, twinID)
	record, err := scanTwin(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.TwinRecord{}, storage.ErrNotFound
		}
		return storage.TwinRecord{}, fmt.Errorf("get twin: %w", err)
	}
	return record, nil
}

// ListTwins lists one tenant's twins newest-first, optionally filtered by
// workspace.
func (s *Store) ListTwins(ctx context.Context, tenantID, workspaceID string) ([]storage.TwinRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	workspaceID = strings.TrimSpace(workspaceID)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	var (
		rows *sql.Rows
		err  error
	)
	if workspaceID == "" {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT id, tenant_id, workspace_id, type, title, created_at
FROM twins
WHERE tenant_id = ?
ORDER BY created_at DESC, id DESC
`, tenantID)
	} else {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT id, tenant_id, workspace_id, type, title, created_at
FROM twins
WHERE tenant_id = ? AND workspace_id = ?
ORDER BY created_at DESC, id DESC
`, tenantID, workspaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("list twins: %w", err)
	}
	defer rows.Close()

	var records []storage.TwinRecord
	for rows.Next() {
		record, scanErr := scanTwin(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan twin row: %w", scanErr)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate twin rows: %w", err)
	}
	return records, nil
}

// PutCounterpart inserts one counterpart row.
func (s *Store) PutCounterpart(ctx context.Context, record storage.CounterpartRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeCounterpartRecord(record)
	if err != nil {
		return err
	}

	var syncPolicyID sql.NullString
	if normalized.SyncPolicyID != "" {
		syncPolicyID = sql.NullString{String: normalized.SyncPolicyID, Valid: true}
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO counterparts (id, tenant_id, twin_id, kind, resource_uri, role, sync_policy_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		normalized.ID,
		normalized.TenantID,
		normalized.TwinID,
		normalized.Kind,
		normalized.ResourceURI,
		normalized.Role,
		syncPolicyID,
		toMillis(normalized.CreatedAt),
	); err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put counterpart: %w", err)
	}
	return nil
}

// ListCounterparts lists counterparts attached to one twin.
func (s *Store) ListCounterparts(ctx context.Context, tenantID, twinID string) ([]storage.CounterpartRecord, error) {
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

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, tenant_id, twin_id, kind, resource_uri, role, sync_policy_id, created_at
FROM counterparts
WHERE tenant_id = ? AND twin_id = ?
ORDER BY created_at ASC, id ASC
`, tenantID, twinID)
	if err != nil {
		return nil, fmt.Errorf("list counterparts: %w", err)
	}
	defer rows.Close()

	var records []storage.CounterpartRecord
	for rows.Next() {
		var record storage.CounterpartRecord
		var syncPolicyID sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&record.ID,
			&record.TenantID,
			&record.TwinID,
			&record.Kind,
			&record.ResourceURI,
			&record.Role,
			&syncPolicyID,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan counterpart row: %w", err)
		}
		record.SyncPolicyID = syncPolicyID.String
		record.CreatedAt = fromMillis(createdAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counterpart rows: %w", err)
	}
	return records, nil
}

// PutSyncPolicy inserts one sync policy row. The policy blob is stored
// opaquely and never interpreted by the store.
func (s *Store) PutSyncPolicy(ctx context.Context, record storage.SyncPolicyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	record.ID = strings.TrimSpace(record.ID)
	record.TenantID = strings.TrimSpace(record.TenantID)
	record.Name = strings.TrimSpace(record.Name)
	if record.ID == "" {
		return fmt.Errorf("sync policy id is required")
	}
	if record.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if record.Name == "" {
		return fmt.Errorf("sync policy name is required")
	}
	if len(record.Policy) == 0 {
		record.Policy = []byte("{}")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sync_policies (id, tenant_id, name, policy_json, created_at)
VALUES (?, ?, ?, ?, ?)
`,
		record.ID,
		record.TenantID,
		record.Name,
		string(record.Policy),
		toMillis(record.CreatedAt),
	); err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put sync policy: %w", err)
	}
	return nil
}

type scanner func(dest ...any) error

func scanTwin(scan scanner) (storage.TwinRecord, error) {
	var record storage.TwinRecord
	var createdAt int64
	if err := scan(
		&record.ID,
		&record.TenantID,
		&record.WorkspaceID,
		&record.Type,
		&record.Title,
		&createdAt,
	); err != nil {
		return storage.TwinRecord{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

func normalizeTwinRecord(record storage.TwinRecord) (storage.TwinRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.TenantID = strings.TrimSpace(record.TenantID)
	record.WorkspaceID = strings.TrimSpace(record.WorkspaceID)
	record.Type = strings.TrimSpace(record.Type)
	record.Title = strings.TrimSpace(record.Title)
	if record.ID == "" {
		return storage.TwinRecord{}, fmt.Errorf("twin id is required")
	}
	if record.TenantID == "" {
		return storage.TwinRecord{}, fmt.Errorf("tenant id is required")
	}
	if record.WorkspaceID == "" {
		return storage.TwinRecord{}, fmt.Errorf("workspace id is required")
	}
	if record.Type == "" {
		return storage.TwinRecord{}, fmt.Errorf("twin type is required")
	}
	if record.Title == "" {
		return storage.TwinRecord{}, fmt.Errorf("twin title is required")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

func normalizeCounterpartRecord(record storage.CounterpartRecord) (storage.CounterpartRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.TenantID = strings.TrimSpace(record.TenantID)
	record.TwinID = strings.TrimSpace(record.TwinID)
	record.Kind = strings.TrimSpace(record.Kind)
	record.ResourceURI = strings.TrimSpace(record.ResourceURI)
	record.Role = strings.TrimSpace(record.Role)
	record.SyncPolicyID = strings.TrimSpace(record.SyncPolicyID)
	if record.ID == "" {
		return storage.CounterpartRecord{}, fmt.Errorf("counterpart id is required")
	}
	if record.TenantID == "" {
		return storage.CounterpartRecord{}, fmt.Errorf("tenant id is required")
	}
	if record.TwinID == "" {
		return storage.CounterpartRecord{}, fmt.Errorf("twin id is required")
	}
	if record.Kind == "" {
		return storage.CounterpartRecord{}, fmt.Errorf("counterpart kind is required")
	}
	if record.ResourceURI == "" {
		return storage.CounterpartRecord{}, fmt.Errorf("resource uri is required")
	}
	if record.Role == "" {
		return storage.CounterpartRecord{}, fmt.Errorf("counterpart role is required")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}
