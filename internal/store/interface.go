package store

import (
	"context"

	"task-sync-service/internal/model"
)

// Stats summarizes the mapping store contents.
type Stats struct {
	TotalMappings        int            `json:"total_mappings"`
	MappingsByProvider   map[string]int `json:"mappings_by_provider"`
	TotalConflicts       int            `json:"total_conflicts"`
	UnresolvedConflicts  int            `json:"unresolved_conflicts"`
	UnresolvedByProvider map[string]int `json:"unresolved_conflicts_by_provider"`
}

// Store is the durable bookkeeping behind the sync engine: mappings,
// conflicts and per-pass run records. Mappings are uniquely keyed per
// (task id, provider) and per (external id, provider); upserts are
// idempotent against both keys. Lookups return (nil, nil) when absent.
type Store interface {
	// Mappings
	SaveMapping(ctx context.Context, m *model.SyncMapping) error
	GetMapping(ctx context.Context, taskID int64, provider model.Provider) (*model.SyncMapping, error)
	GetMappingByExternalID(ctx context.Context, externalID string, provider model.Provider) (*model.SyncMapping, error)
	GetMappingsForProvider(ctx context.Context, provider model.Provider) ([]*model.SyncMapping, error)
	GetMappingsForTask(ctx context.Context, taskID int64) ([]*model.SyncMapping, error)
	DeleteMapping(ctx context.Context, taskID int64, provider model.Provider) (bool, error)
	DeleteMappingsForTask(ctx context.Context, taskID int64) (int64, error)

	// Conflicts
	SaveConflict(ctx context.Context, c *model.SyncConflict) error
	GetConflict(ctx context.Context, taskID int64, provider model.Provider) (*model.SyncConflict, error)
	GetConflictsForProvider(ctx context.Context, provider model.Provider, resolved *bool) ([]*model.SyncConflict, error)
	GetAllConflicts(ctx context.Context, resolved *bool) ([]*model.SyncConflict, error)
	DeleteConflict(ctx context.Context, taskID int64, provider model.Provider) (bool, error)
	DeleteResolvedConflicts(ctx context.Context, olderThanDays int) (int64, error)

	// Sync runs
	CreateSyncRun(ctx context.Context, r *model.SyncResult) error
	UpdateSyncRun(ctx context.Context, r *model.SyncResult) error
	GetSyncRuns(ctx context.Context, limit, offset int) ([]*model.SyncResult, error)

	// Utilities
	GetStats(ctx context.Context) (*Stats, error)
	CleanupOrphanedMappings(ctx context.Context, existingTaskIDs []int64) (int64, error)

	Close() error
}
