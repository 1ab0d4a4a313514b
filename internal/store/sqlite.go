package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"task-sync-service/internal/model"
)

type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sync_mappings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	external_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	last_synced TEXT NOT NULL,
	sync_hash TEXT NOT NULL DEFAULT '',
	local_hash TEXT NOT NULL DEFAULT '',
	remote_hash TEXT NOT NULL DEFAULT '',
	local_snapshot TEXT,
	remote_snapshot TEXT,
	created_at TEXT NOT NULL,
	sync_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	UNIQUE(task_id, provider),
	UNIQUE(external_id, provider)
);

CREATE INDEX IF NOT EXISTS idx_mappings_provider ON sync_mappings(provider);
CREATE INDEX IF NOT EXISTS idx_mappings_task ON sync_mappings(task_id);

CREATE TABLE IF NOT EXISTS sync_conflicts (
	id TEXT PRIMARY KEY,
	task_id INTEGER NOT NULL,
	provider TEXT NOT NULL,
	conflict_type TEXT NOT NULL,
	local_task TEXT,
	remote_item TEXT,
	local_changes TEXT,
	remote_changes TEXT,
	detected_at TEXT NOT NULL,
	resolved INTEGER NOT NULL DEFAULT 0,
	resolution TEXT NOT NULL DEFAULT '',
	resolved_at TEXT,
	UNIQUE(task_id, provider)
);

CREATE INDEX IF NOT EXISTS idx_conflicts_provider ON sync_conflicts(provider, resolved);

CREATE TABLE IF NOT EXISTS sync_runs (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	status TEXT NOT NULL,
	items_synced INTEGER NOT NULL DEFAULT 0,
	items_created INTEGER NOT NULL DEFAULT 0,
	items_updated INTEGER NOT NULL DEFAULT 0,
	items_deleted INTEGER NOT NULL DEFAULT 0,
	conflicts_detected INTEGER NOT NULL DEFAULT 0,
	conflicts_resolved INTEGER NOT NULL DEFAULT 0,
	errors TEXT,
	warnings TEXT,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON sync_runs(started_at);
`

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY between the API handlers and the scheduler.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveMapping(ctx context.Context, m *model.SyncMapping) error {
	localSnap, err := marshalNullable(m.LocalSnapshot)
	if err != nil {
		return err
	}
	remoteSnap, err := marshalNullable(m.RemoteSnapshot)
	if err != nil {
		return err
	}

	// INSERT OR REPLACE keeps the upsert idempotent against both unique
	// keys: re-linking a task to a new external id drops the stale row.
	query := `INSERT OR REPLACE INTO sync_mappings
			  (task_id, external_id, provider, last_synced, sync_hash, local_hash, remote_hash,
			   local_snapshot, remote_snapshot, created_at, sync_count, last_error)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		m.TaskID,
		m.ExternalID,
		string(m.Provider),
		fmtTime(m.LastSynced),
		m.SyncHash,
		m.LocalHash,
		m.RemoteHash,
		localSnap,
		remoteSnap,
		fmtTime(m.CreatedAt),
		m.SyncCount,
		m.LastError,
	)

	return err
}

const mappingColumns = `task_id, external_id, provider, last_synced, sync_hash, local_hash, remote_hash,
						local_snapshot, remote_snapshot, created_at, sync_count, last_error`

func (s *SQLiteStore) scanMapping(row interface{ Scan(...any) error }) (*model.SyncMapping, error) {
	var m model.SyncMapping
	var provider, lastSynced, createdAt string
	var localSnap, remoteSnap sql.NullString

	err := row.Scan(
		&m.TaskID,
		&m.ExternalID,
		&provider,
		&lastSynced,
		&m.SyncHash,
		&m.LocalHash,
		&m.RemoteHash,
		&localSnap,
		&remoteSnap,
		&createdAt,
		&m.SyncCount,
		&m.LastError,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.Provider = model.Provider(provider)
	if m.LastSynced, err = parseTime(lastSynced); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(localSnap, &m.LocalSnapshot); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(remoteSnap, &m.RemoteSnapshot); err != nil {
		return nil, err
	}

	return &m, nil
}

func (s *SQLiteStore) GetMapping(ctx context.Context, taskID int64, provider model.Provider) (*model.SyncMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM sync_mappings WHERE task_id = ? AND provider = ?`
	return s.scanMapping(s.db.QueryRowContext(ctx, query, taskID, string(provider)))
}

func (s *SQLiteStore) GetMappingByExternalID(ctx context.Context, externalID string, provider model.Provider) (*model.SyncMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM sync_mappings WHERE external_id = ? AND provider = ?`
	return s.scanMapping(s.db.QueryRowContext(ctx, query, externalID, string(provider)))
}

func (s *SQLiteStore) queryMappings(ctx context.Context, query string, args ...any) ([]*model.SyncMapping, error) {
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

func (s *SQLiteStore) GetMappingsForProvider(ctx context.Context, provider model.Provider) ([]*model.SyncMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM sync_mappings WHERE provider = ? ORDER BY task_id`
	return s.queryMappings(ctx, query, string(provider))
}

func (s *SQLiteStore) GetMappingsForTask(ctx context.Context, taskID int64) ([]*model.SyncMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM sync_mappings WHERE task_id = ? ORDER BY provider`
	return s.queryMappings(ctx, query, taskID)
}

func (s *SQLiteStore) DeleteMapping(ctx context.Context, taskID int64, provider model.Provider) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_mappings WHERE task_id = ? AND provider = ?`,
		taskID, string(provider))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) DeleteMappingsForTask(ctx context.Context, taskID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_mappings WHERE task_id = ?`, taskID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) SaveConflict(ctx context.Context, c *model.SyncConflict) error {
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

	// One live conflict per (task, provider); a re-detected conflict
	// replaces the previous record.
	query := `INSERT OR REPLACE INTO sync_conflicts
			  (id, task_id, provider, conflict_type, local_task, remote_item,
			   local_changes, remote_changes, detected_at, resolved, resolution, resolved_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		c.ID,
		c.TaskID,
		string(c.Provider),
		string(c.Type),
		localTask,
		remoteItem,
		localChanges,
		remoteChanges,
		fmtTime(c.DetectedAt),
		c.Resolved,
		c.Resolution,
		fmtTimePtr(c.ResolvedAt),
	)

	return err
}

const conflictColumns = `id, task_id, provider, conflict_type, local_task, remote_item,
						 local_changes, remote_changes, detected_at, resolved, resolution, resolved_at`

func (s *SQLiteStore) scanConflict(row interface{ Scan(...any) error }) (*model.SyncConflict, error) {
	var c model.SyncConflict
	var provider, conflictType, detectedAt string
	var localTask, remoteItem, localChanges, remoteChanges, resolvedAt sql.NullString

	err := row.Scan(
		&c.ID,
		&c.TaskID,
		&provider,
		&conflictType,
		&localTask,
		&remoteItem,
		&localChanges,
		&remoteChanges,
		&detectedAt,
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
	if c.DetectedAt, err = parseTime(detectedAt); err != nil {
		return nil, err
	}
	if c.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, err
	}
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

func (s *SQLiteStore) GetConflict(ctx context.Context, taskID int64, provider model.Provider) (*model.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE task_id = ? AND provider = ?`
	return s.scanConflict(s.db.QueryRowContext(ctx, query, taskID, string(provider)))
}

func (s *SQLiteStore) queryConflicts(ctx context.Context, query string, args ...any) ([]*model.SyncConflict, error) {
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

func (s *SQLiteStore) GetConflictsForProvider(ctx context.Context, provider model.Provider, resolved *bool) ([]*model.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE provider = ?`
	args := []any{string(provider)}
	if resolved != nil {
		query += ` AND resolved = ?`
		args = append(args, *resolved)
	}
	query += ` ORDER BY detected_at DESC`
	return s.queryConflicts(ctx, query, args...)
}

func (s *SQLiteStore) GetAllConflicts(ctx context.Context, resolved *bool) ([]*model.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts`
	var args []any
	if resolved != nil {
		query += ` WHERE resolved = ?`
		args = append(args, *resolved)
	}
	query += ` ORDER BY detected_at DESC`
	return s.queryConflicts(ctx, query, args...)
}

func (s *SQLiteStore) DeleteConflict(ctx context.Context, taskID int64, provider model.Provider) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_conflicts WHERE task_id = ? AND provider = ?`,
		taskID, string(provider))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) DeleteResolvedConflicts(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := resolvedCutoff(olderThanDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_conflicts WHERE resolved = 1 AND resolved_at IS NOT NULL AND resolved_at < ?`,
		fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// resolvedCutoff anchors the retention window at midnight UTC so repeated
// cleanup runs within one day delete the same set of rows.
func resolvedCutoff(olderThanDays int) time.Time {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, -olderThanDays)
}

func (s *SQLiteStore) CreateSyncRun(ctx context.Context, r *model.SyncResult) error {
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
		fmtTime(r.StartedAt),
		fmtTimePtr(r.CompletedAt),
		r.DurationMillis,
	)

	return err
}

func (s *SQLiteStore) UpdateSyncRun(ctx context.Context, r *model.SyncResult) error {
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
		fmtTimePtr(r.CompletedAt),
		r.DurationMillis,
		r.ID,
	)

	return err
}

func (s *SQLiteStore) GetSyncRuns(ctx context.Context, limit, offset int) ([]*model.SyncResult, error) {
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
		var provider, status, startedAt string
		var errs, warns, completedAt sql.NullString

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
			&startedAt,
			&completedAt,
			&r.DurationMillis,
		)
		if err != nil {
			return nil, err
		}

		r.Provider = model.Provider(provider)
		r.Status = model.SyncStatus(status)
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return nil, err
		}
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

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
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

func (s *SQLiteStore) CleanupOrphanedMappings(ctx context.Context, existingTaskIDs []int64) (int64, error) {
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
