package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"task-sync-service/internal/config"
	"task-sync-service/internal/logger"
	"task-sync-service/internal/model"
)

type MySQLStore struct {
	db *sql.DB
}

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS sync_mappings (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	task_id BIGINT NOT NULL,
	external_id VARCHAR(191) NOT NULL,
	provider VARCHAR(64) NOT NULL,
	last_synced DATETIME(6) NOT NULL,
	sync_hash VARCHAR(64) NOT NULL DEFAULT '',
	local_hash VARCHAR(64) NOT NULL DEFAULT '',
	remote_hash VARCHAR(64) NOT NULL DEFAULT '',
	local_snapshot TEXT,
	remote_snapshot TEXT,
	created_at DATETIME(6) NOT NULL,
	sync_count INT NOT NULL DEFAULT 0,
	last_error TEXT,
	UNIQUE KEY uq_task_provider (task_id, provider),
	UNIQUE KEY uq_external_provider (external_id, provider)
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
	id VARCHAR(36) PRIMARY KEY,
	task_id BIGINT NOT NULL,
	provider VARCHAR(64) NOT NULL,
	conflict_type VARCHAR(32) NOT NULL,
	local_task TEXT,
	remote_item TEXT,
	local_changes TEXT,
	remote_changes TEXT,
	detected_at DATETIME(6) NOT NULL,
	resolved TINYINT(1) NOT NULL DEFAULT 0,
	resolution VARCHAR(64) NOT NULL DEFAULT '',
	resolved_at DATETIME(6) NULL,
	UNIQUE KEY uq_conflict_task_provider (task_id, provider)
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id VARCHAR(36) PRIMARY KEY,
	provider VARCHAR(64) NOT NULL,
	status VARCHAR(32) NOT NULL,
	items_synced INT NOT NULL DEFAULT 0,
	items_created INT NOT NULL DEFAULT 0,
	items_updated INT NOT NULL DEFAULT 0,
	items_deleted INT NOT NULL DEFAULT 0,
	conflicts_detected INT NOT NULL DEFAULT 0,
	conflicts_resolved INT NOT NULL DEFAULT 0,
	errors TEXT,
	warnings TEXT,
	started_at DATETIME(6) NOT NULL,
	completed_at DATETIME(6) NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	INDEX idx_runs_started (started_at)
);
`

func NewMySQLStore(cfg config.StateStorage) (*MySQLStore, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}

	// Retry loop for Ping
	maxRetries := 30
	for i := 0; i < maxRetries; i++ {
		err = db.Ping()
		if err == nil {
			break
		}
		logger.Log.Info("Waiting for state DB...", zap.Error(err), zap.Int("attempt", i+1))
		time.Sleep(1 * time.Second)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to ping mysql after retries: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	for _, stmt := range strings.Split(mysqlSchema, ";\n") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create mysql schema: %w", err)
		}
	}

	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) SaveMapping(ctx context.Context, m *model.SyncMapping) error {
	localSnap, err := marshalNullable(m.LocalSnapshot)
	if err != nil {
		return err
	}
	remoteSnap, err := marshalNullable(m.RemoteSnapshot)
	if err != nil {
		return err
	}

	query := `INSERT INTO sync_mappings
			  (task_id, external_id, provider, last_synced, sync_hash, local_hash, remote_hash,
			   local_snapshot, remote_snapshot, created_at, sync_count, last_error)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE
			  external_id = VALUES(external_id),
			  last_synced = VALUES(last_synced),
			  sync_hash = VALUES(sync_hash),
			  local_hash = VALUES(local_hash),
			  remote_hash = VALUES(remote_hash),
			  local_snapshot = VALUES(local_snapshot),
			  remote_snapshot = VALUES(remote_snapshot),
			  sync_count = VALUES(sync_count),
			  last_error = VALUES(last_error)`

	_, err = s.db.ExecContext(ctx, query,
		m.TaskID,
		m.ExternalID,
		string(m.Provider),
		m.LastSynced,
		m.SyncHash,
		m.LocalHash,
		m.RemoteHash,
		localSnap,
		remoteSnap,
		m.CreatedAt,
		m.SyncCount,
		m.LastError,
	)

	return err
}

func (s *MySQLStore) scanMapping(row interface{ Scan(...any) error }) (*model.SyncMapping, error) {
	var m model.SyncMapping
	var provider string
	var localSnap, remoteSnap, lastError sql.NullString

	err := row.Scan(
		&m.TaskID,
		&m.ExternalID,
		&provider,
		&m.LastSynced,
		&m.SyncHash,
		&m.LocalHash,
		&m.RemoteHash,
		&localSnap,
		&remoteSnap,
		&m.CreatedAt,
		&m.SyncCount,
		&lastError,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.Provider = model.Provider(provider)
	m.LastError = lastError.String
	if err := unmarshalNullable(localSnap, &m.LocalSnapshot); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(remoteSnap, &m.RemoteSnapshot); err != nil {
		return nil, err
	}

	return &m, nil
}

func (s *MySQLStore) GetMapping(ctx context.Context, taskID int64, provider model.Provider) (*model.SyncMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM sync_mappings WHERE task_id = ? AND provider = ?`
	return s.scanMapping(s.db.QueryRowContext(ctx, query, taskID, string(provider)))
}

func (s *MySQLStore) GetMappingByExternalID(ctx context.Context, externalID string, provider model.Provider) (*model.SyncMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM sync_mappings WHERE external_id = ? AND provider = ?`
	return s.scanMapping(s.db.QueryRowContext(ctx, query, externalID, string(provider)))
}

func (s *MySQLStore) queryMappings(ctx context.Context, query string, args ...any) ([]*model.SyncMapping, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []*model.SyncMapping
	for rows.Next() {
		m, err := s.scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}

	return mappings, rows.Err()
}

func (s *MySQLStore) GetMappingsForProvider(ctx context.Context, provider model.Provider) ([]*model.SyncMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM sync_mappings WHERE provider = ? ORDER BY task_id`
	return s.queryMappings(ctx, query, string(provider))
}

func (s *MySQLStore) GetMappingsForTask(ctx context.Context, taskID int64) ([]*model.SyncMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM sync_mappings WHERE task_id = ? ORDER BY provider`
	return s.queryMappings(ctx, query, taskID)
}

func (s *MySQLStore) DeleteMapping(ctx context.Context, taskID int64, provider model.Provider) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_mappings WHERE task_id = ? AND provider = ?`,
		taskID, string(provider))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *MySQLStore) DeleteMappingsForTask(ctx context.Context, taskID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_mappings WHERE task_id = ?`, taskID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *MySQLStore) SaveConflict(ctx context.Context, c *model.SyncConflict) error {
	localTask, err := marshalNullable(c.LocalTask)
	if err != nil {
		return err
	}
	remoteItem, err := marshalNullable(c.RemoteItem)
	if err != nil {
		return err
	}
	localChanges, err := marshalNullable(c.LocalChanges)
	if err != nil {
		return err
	}
	remoteChanges, err := marshalNullable(c.RemoteChanges)
	if err != nil {
		return err
	}

	query := `INSERT INTO sync_conflicts
			  (id, task_id, provider, conflict_type, local_task, remote_item,
			   local_changes, remote_changes, detected_at, resolved, resolution, resolved_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE
			  id = VALUES(id),
			  conflict_type = VALUES(conflict_type),
			  local_task = VALUES(local_task),
			  remote_item = VALUES(remote_item),
			  local_changes = VALUES(local_changes),
			  remote_changes = VALUES(remote_changes),
			  detected_at = VALUES(detected_at),
			  resolved = VALUES(resolved),
			  resolution = VALUES(resolution),
			  resolved_at = VALUES(resolved_at)`

	_, err = s.db.ExecContext(ctx, query,
		c.ID,
		c.TaskID,
		string(c.Provider),
		string(c.Type),
		localTask,
		remoteItem,
		localChanges,
		remoteChanges,
		c.DetectedAt,
		c.Resolved,
		c.Resolution,
		timePtrNull(c.ResolvedAt),
	)

	return err
}

func (s *MySQLStore) scanConflict(row interface{ Scan(...any) error }) (*model.SyncConflict, error) {
	var c model.SyncConflict
	var provider, conflictType string
	var localTask, remoteItem, localChanges, remoteChanges sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&c.ID,
		&c.TaskID,
		&provider,
		&conflictType,
		&localTask,
		&remoteItem,
		&localChanges,
		&remoteChanges,
		&c.DetectedAt,
		&c.Resolved,
		&c.Resolution,
		&resolvedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.Provider = model.Provider(provider)
	c.Type = model.ConflictType(conflictType)
	c.ResolvedAt = nullTimePtr(resolvedAt)
	if err := unmarshalNullable(localTask, &c.LocalTask); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(remoteItem, &c.RemoteItem); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(localChanges, &c.LocalChanges); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(remoteChanges, &c.RemoteChanges); err != nil {
		return nil, err
	}

	return &c, nil
}

func (s *MySQLStore) GetConflict(ctx context.Context, taskID int64, provider model.Provider) (*model.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE task_id = ? AND provider = ?`
	return s.scanConflict(s.db.QueryRowContext(ctx, query, taskID, string(provider)))
}

func (s *MySQLStore) queryConflicts(ctx context.Context, query string, args ...any) ([]*model.SyncConflict, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*model.SyncConflict
	for rows.Next() {
		c, err := s.scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}

	return conflicts, rows.Err()
}

func (s *MySQLStore) GetConflictsForProvider(ctx context.Context, provider model.Provider, resolved *bool) ([]*model.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE provider = ?`
	args := []any{string(provider)}
	if resolved != nil {
		query += ` AND resolved = ?`
		args = append(args, *resolved)
	}
	query += ` ORDER BY detected_at DESC`
	return s.queryConflicts(ctx, query, args...)
}

func (s *MySQLStore) GetAllConflicts(ctx context.Context, resolved *bool) ([]*model.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts`
	var args []any
	if resolved != nil {
		query += ` WHERE resolved = ?`
		args = append(args, *resolved)
	}
	query += ` ORDER BY detected_at DESC`
	return s.queryConflicts(ctx, query, args...)
}

func (s *MySQLStore) DeleteConflict(ctx context.Context, taskID int64, provider model.Provider) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_conflicts WHERE task_id = ? AND provider = ?`,
		taskID, string(provider))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *MySQLStore) DeleteResolvedConflicts(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := resolvedCutoff(olderThanDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_conflicts WHERE resolved = TRUE AND resolved_at IS NOT NULL AND resolved_at < ?`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *MySQLStore) CreateSyncRun(ctx context.Context, r *model.SyncResult) error {
	errs, err := marshalStrings(r.Errors)
	if err != nil {
		return err
	}
	warns, err := marshalStrings(r.Warnings)
	if err != nil {
		return err
	}

	query := `INSERT INTO sync_runs
			  (id, provider, status, items_synced, items_created, items_updated, items_deleted,
			   conflicts_detected, conflicts_resolved, errors, warnings, started_at, completed_at, duration_ms)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		r.ID,
		string(r.Provider),
		string(r.Status),
		r.ItemsSynced,
		r.ItemsCreated,
		r.ItemsUpdated,
		r.ItemsDeleted,
		r.ConflictsDetected,
		r.ConflictsResolved,
		errs,
		warns,
		r.StartedAt,
		timePtrNull(r.CompletedAt),
		r.DurationMillis,
	)

	return err
}

func (s *MySQLStore) UpdateSyncRun(ctx context.Context, r *model.SyncResult) error {
	errs, err := marshalStrings(r.Errors)
	if err != nil {
		return err
	}
	warns, err := marshalStrings(r.Warnings)
	if err != nil {
		return err
	}

	query := `UPDATE sync_runs SET status = ?, items_synced = ?, items_created = ?, items_updated = ?,
			  items_deleted = ?, conflicts_detected = ?, conflicts_resolved = ?, errors = ?, warnings = ?,
			  completed_at = ?, duration_ms = ? WHERE id = ?`

	_, err = s.db.ExecContext(ctx, query,
		string(r.Status),
		r.ItemsSynced,
		r.ItemsCreated,
		r.ItemsUpdated,
		r.ItemsDeleted,
		r.ConflictsDetected,
		r.ConflictsResolved,
		errs,
		warns,
		timePtrNull(r.CompletedAt),
		r.DurationMillis,
		r.ID,
	)

	return err
}

func (s *MySQLStore) GetSyncRuns(ctx context.Context, limit, offset int) ([]*model.SyncResult, error) {
	query := `SELECT id, provider, status, items_synced, items_created, items_updated, items_deleted,
			  conflicts_detected, conflicts_resolved, errors, warnings, started_at, completed_at, duration_ms
			  FROM sync_runs ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.SyncResult
	for rows.Next() {
		var r model.SyncResult
		var provider, status string
		var errs, warns sql.NullString
		var completedAt sql.NullTime

		err := rows.Scan(
			&r.ID,
			&provider,
			&status,
			&r.ItemsSynced,
			&r.ItemsCreated,
			&r.ItemsUpdated,
			&r.ItemsDeleted,
			&r.ConflictsDetected,
			&r.ConflictsResolved,
			&errs,
			&warns,
			&r.StartedAt,
			&completedAt,
			&r.DurationMillis,
		)
		if err != nil {
			return nil, err
		}

		r.Provider = model.Provider(provider)
		r.Status = model.SyncStatus(status)
		r.CompletedAt = nullTimePtr(completedAt)
		if err := unmarshalNullable(errs, &r.Errors); err != nil {
			return nil, err
		}
		if err := unmarshalNullable(warns, &r.Warnings); err != nil {
			return nil, err
		}

		runs = append(runs, &r)
	}

	return runs, rows.Err()
}

func (s *MySQLStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		MappingsByProvider:   make(map[string]int),
		UnresolvedByProvider: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT provider, COUNT(*) FROM sync_mappings GROUP BY provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var provider string
		var count int
		if err := rows.Scan(&provider, &count); err != nil {
			return nil, err
		}
		stats.MappingsByProvider[provider] = count
		stats.TotalMappings += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	crows, err := s.db.QueryContext(ctx, `SELECT provider, resolved, COUNT(*) FROM sync_conflicts GROUP BY provider, resolved`)
	if err != nil {
		return nil, err
	}
	defer crows.Close()
	for crows.Next() {
		var provider string
		var resolved bool
		var count int
		if err := crows.Scan(&provider, &resolved, &count); err != nil {
			return nil, err
		}
		stats.TotalConflicts += count
		if !resolved {
			stats.UnresolvedConflicts += count
			stats.UnresolvedByProvider[provider] += count
		}
	}

	return stats, crows.Err()
}

func (s *MySQLStore) CleanupOrphanedMappings(ctx context.Context, existingTaskIDs []int64) (int64, error) {
	existing := make(map[int64]bool, len(existingTaskIDs))
	for _, id := range existingTaskIDs {
		existing[id] = true
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT task_id FROM sync_mappings`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var orphaned []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		if !existing[id] {
			orphaned = append(orphaned, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var removed int64
	for _, id := range orphaned {
		n, err := s.DeleteMappingsForTask(ctx, id)
		if err != nil {
			return removed, err
		}
		removed += n
	}

	return removed, nil
}
