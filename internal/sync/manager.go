package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"task-sync-service/internal/adapter"
	"task-sync-service/internal/adapter/registry"
	"task-sync-service/internal/config"
	"task-sync-service/internal/logger"
	"task-sync-service/internal/model"
	"task-sync-service/internal/store"
)

// ErrSyncInProgress is returned when a sync pass for a provider is requested
// while one is already running.
var ErrSyncInProgress = errors.New("sync already in progress")

// TaskStore is the local system of record the manager reads tasks from and
// writes pulled changes into.
type TaskStore interface {
	List() ([]model.Task, error)
	Get(id int64) (*model.Task, error)
	Create(t model.Task) (model.Task, error)
	Update(t model.Task) error
	Delete(id int64) (bool, error)
}

// Manager owns one adapter per configured provider and drives full sync
// passes through the engine. Passes for different providers may run
// concurrently; passes for the same provider are serialized.
type Manager struct {
	cfg      *config.Config
	store    store.Store
	tasks    TaskStore
	engine   *Engine
	adapters map[model.Provider]adapter.Adapter
	provCfg  map[model.Provider]config.ProviderConfig

	mu      sync.Mutex
	running map[model.Provider]bool
}

func NewManager(cfg *config.Config, st store.Store, tasks TaskStore) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		store:    st,
		tasks:    tasks,
		engine:   NewEngine(),
		adapters: make(map[model.Provider]adapter.Adapter),
		provCfg:  make(map[model.Provider]config.ProviderConfig),
		running:  make(map[model.Provider]bool),
	}

	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		ad, err := registry.New(pc)
		if err != nil {
			return nil, fmt.Errorf("failed to build adapter for %q: %w", pc.Name, err)
		}
		if missing := adapter.MissingCredentials(ad, pc); len(missing) > 0 {
			return nil, fmt.Errorf("provider %q is missing credentials: %v", pc.Name, missing)
		}
		m.adapters[ad.Provider()] = ad
		m.provCfg[ad.Provider()] = pc
	}

	return m, nil
}

// Providers lists the configured, enabled providers.
func (m *Manager) Providers() []model.Provider {
	out := make([]model.Provider, 0, len(m.adapters))
	for p := range m.adapters {
		out = append(out, p)
	}
	return out
}

// ProviderStatus describes one configured sync relationship.
type ProviderStatus struct {
	Provider  model.Provider `json:"provider"`
	Direction string         `json:"direction"`
	Strategy  string         `json:"conflict_strategy"`
	Running   bool           `json:"running"`
}

func (m *Manager) Status() []ProviderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ProviderStatus, 0, len(m.adapters))
	for p := range m.adapters {
		pc := m.provCfg[p]
		out = append(out, ProviderStatus{
			Provider:  p,
			Direction: pc.Direction,
			Strategy:  pc.ConflictStrategy,
			Running:   m.running[p],
		})
	}
	return out
}

func (m *Manager) acquire(provider model.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running[provider] {
		return ErrSyncInProgress
	}
	m.running[provider] = true
	return nil
}

func (m *Manager) release(provider model.Provider) {
	m.mu.Lock()
	m.running[provider] = false
	m.mu.Unlock()
}

// SyncProvider runs one full sync pass for the given provider. A non-empty
// strategy overrides the provider's configured conflict strategy for this
// pass only. The returned result is recorded in the run history even when
// the pass fails partway.
func (m *Manager) SyncProvider(ctx context.Context, provider model.Provider, strategy model.Strategy) (*model.SyncResult, error) {
	ad, ok := m.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", provider)
	}
	if err := m.acquire(provider); err != nil {
		return nil, err
	}
	defer m.release(provider)

	pc := m.provCfg[provider]
	if strategy == "" {
		strategy = model.Strategy(pc.ConflictStrategy)
	}

	result := &model.SyncResult{
		ID:        uuid.New().String(),
		Provider:  provider,
		Status:    model.StatusSuccess,
		StartedAt: time.Now().UTC(),
	}
	if err := m.store.CreateSyncRun(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to record sync run: %w", err)
	}

	logger.Log.Info("Starting sync pass",
		zap.String("provider", string(provider)),
		zap.String("run_id", result.ID),
		zap.String("strategy", string(strategy)))

	err := m.runPass(ctx, ad, pc, strategy, result)
	if err != nil {
		result.AddError(err.Error())
		result.Status = model.StatusError
	} else {
		result.Status = passStatus(result)
	}
	result.Complete()

	if uerr := m.store.UpdateSyncRun(ctx, result); uerr != nil {
		logger.Log.Error("Failed to update sync run", zap.Error(uerr), zap.String("run_id", result.ID))
	}

	logger.Log.Info("Sync pass finished",
		zap.String("provider", string(provider)),
		zap.String("run_id", result.ID),
		zap.String("status", string(result.Status)),
		zap.Int("items_synced", result.ItemsSynced),
		zap.Int("conflicts", result.ConflictsDetected),
		zap.Int64("duration_ms", result.DurationMillis))

	return result, err
}

func (m *Manager) runPass(ctx context.Context, ad adapter.Adapter, pc config.ProviderConfig, strategy model.Strategy, result *model.SyncResult) error {
	provider := ad.Provider()

	if err := ad.EnsureAuthenticated(ctx); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	// Full fetch every pass: an incremental fetch would make unchanged
	// items indistinguishable from deleted ones.
	items, err := ad.FetchItems(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch remote items: %w", err)
	}

	allTasks, err := m.tasks.List()
	if err != nil {
		return fmt.Errorf("failed to list local tasks: %w", err)
	}

	mappingList, err := m.store.GetMappingsForProvider(ctx, provider)
	if err != nil {
		return fmt.Errorf("failed to load mappings: %w", err)
	}
	mappings := make(map[int64]*model.SyncMapping, len(mappingList))
	for _, mp := range mappingList {
		mappings[mp.TaskID] = mp
	}

	// Completed/archived filters apply to unmapped tasks only; a mapped
	// task stays in scope so its completion transition still syncs.
	localTasks := make([]model.Task, 0, len(allTasks))
	for _, t := range allTasks {
		if _, mapped := mappings[t.ID]; mapped || taskInScope(pc, t) {
			localTasks = append(localTasks, t)
		}
	}

	plan := m.engine.CreateSyncPlan(localTasks, items, mappings, model.Direction(pc.Direction))

	m.applyPlan(ctx, ad, plan, mappings, result)

	result.ConflictsDetected = len(plan.Conflicts)
	for i := range plan.Conflicts {
		if err := m.store.SaveConflict(ctx, &plan.Conflicts[i]); err != nil {
			result.AddError(fmt.Sprintf("failed to persist conflict for task %d: %v", plan.Conflicts[i].TaskID, err))
		}
	}

	if len(plan.Conflicts) > 0 && strategy != model.StrategyManual && strategy != model.StrategySkip {
		localByID := make(map[int64]model.Task, len(localTasks))
		for _, t := range localTasks {
			localByID[t.ID] = t
		}
		remoteByID := make(map[string]model.ExternalItem, len(items))
		for _, it := range items {
			remoteByID[it.ExternalID] = it
		}

		resolutions := m.engine.ResolveConflicts(plan.Conflicts, strategy, localByID, remoteByID, mappings)
		for _, res := range resolutions {
			if m.applyResolution(ctx, ad, res, mappings, result) {
				result.ConflictsResolved++
			}
		}
	}

	return nil
}

// applyPlan executes the plan's operations. Per-item failures are recorded
// on the result and, where a mapping exists, on the mapping's last_error;
// the pass keeps going.
func (m *Manager) applyPlan(ctx context.Context, ad adapter.Adapter, plan *Plan, mappings map[int64]*model.SyncMapping, result *model.SyncResult) {
	provider := ad.Provider()

	mappingByExternal := make(map[string]*model.SyncMapping, len(mappings))
	for _, mp := range mappings {
		mappingByExternal[mp.ExternalID] = mp
	}

	// Push: local creations
	for _, task := range plan.LocalCreates {
		ext, err := ad.CreateItem(ctx, task)
		if err != nil {
			result.AddError(fmt.Sprintf("failed to create remote item for task %d: %v", task.ID, err))
			continue
		}
		mp := model.NewMapping(task.ID, ext.ExternalID, provider)
		mp.UpdateSync(&task, &ext)
		if err := m.store.SaveMapping(ctx, mp); err != nil {
			result.AddError(fmt.Sprintf("failed to save mapping for task %d: %v", task.ID, err))
			continue
		}
		result.ItemsCreated++
		result.ItemsSynced++
	}

	// Push: local modifications
	for _, up := range plan.LocalUpdates {
		ext, err := ad.UpdateItem(ctx, up.Mapping.ExternalID, up.Task)
		if err != nil {
			m.recordItemError(ctx, up.Mapping, result, fmt.Sprintf("failed to update remote item for task %d: %v", up.Task.ID, err))
			continue
		}
		if ext == nil {
			// The mapped item vanished remotely; re-link by recreating it.
			if _, derr := m.store.DeleteMapping(ctx, up.Task.ID, provider); derr != nil {
				result.AddError(fmt.Sprintf("failed to drop stale mapping for task %d: %v", up.Task.ID, derr))
				continue
			}
			created, cerr := ad.CreateItem(ctx, up.Task)
			if cerr != nil {
				result.AddError(fmt.Sprintf("failed to recreate remote item for task %d: %v", up.Task.ID, cerr))
				continue
			}
			up.Mapping = model.NewMapping(up.Task.ID, created.ExternalID, provider)
			ext = &created
		}
		up.Mapping.UpdateSync(&up.Task, ext)
		if err := m.store.SaveMapping(ctx, up.Mapping); err != nil {
			result.AddError(fmt.Sprintf("failed to save mapping for task %d: %v", up.Task.ID, err))
			continue
		}
		result.ItemsUpdated++
		result.ItemsSynced++
	}

	// Push: local deletions
	for _, mp := range plan.LocalDeletes {
		if _, err := ad.DeleteItem(ctx, mp.ExternalID); err != nil {
			m.recordItemError(ctx, mp, result, fmt.Sprintf("failed to delete remote item %s: %v", mp.ExternalID, err))
			continue
		}
		if _, err := m.store.DeleteMapping(ctx, mp.TaskID, provider); err != nil {
			result.AddError(fmt.Sprintf("failed to delete mapping for task %d: %v", mp.TaskID, err))
			continue
		}
		result.ItemsDeleted++
		result.ItemsSynced++
	}

	// Pull: remote creations
	for _, item := range plan.RemoteCreates {
		created, err := m.tasks.Create(item.ToTask(0))
		if err != nil {
			result.AddError(fmt.Sprintf("failed to create local task for item %s: %v", item.ExternalID, err))
			continue
		}
		mp := model.NewMapping(created.ID, item.ExternalID, provider)
		it := item
		mp.UpdateSync(&created, &it)
		if err := m.store.SaveMapping(ctx, mp); err != nil {
			result.AddError(fmt.Sprintf("failed to save mapping for task %d: %v", created.ID, err))
			continue
		}
		result.ItemsCreated++
		result.ItemsSynced++
	}

	// Pull: remote modifications
	for _, up := range plan.RemoteUpdates {
		task := up.Item.ToTask(up.Mapping.TaskID)
		if err := m.tasks.Update(task); err != nil {
			m.recordItemError(ctx, up.Mapping, result, fmt.Sprintf("failed to update local task %d: %v", task.ID, err))
			continue
		}
		// Re-read so the stored hash reflects the persisted task.
		stored, err := m.tasks.Get(task.ID)
		if err != nil || stored == nil {
			result.AddError(fmt.Sprintf("failed to reload local task %d after update", task.ID))
			continue
		}
		it := up.Item
		up.Mapping.UpdateSync(stored, &it)
		if err := m.store.SaveMapping(ctx, up.Mapping); err != nil {
			result.AddError(fmt.Sprintf("failed to save mapping for task %d: %v", task.ID, err))
			continue
		}
		result.ItemsUpdated++
		result.ItemsSynced++
	}

	// Pull: remote deletions
	for _, externalID := range plan.RemoteDeletes {
		mp := mappingByExternal[externalID]
		if mp == nil {
			continue
		}
		if _, err := m.tasks.Delete(mp.TaskID); err != nil {
			m.recordItemError(ctx, mp, result, fmt.Sprintf("failed to delete local task %d: %v", mp.TaskID, err))
			continue
		}
		if _, err := m.store.DeleteMapping(ctx, mp.TaskID, provider); err != nil {
			result.AddError(fmt.Sprintf("failed to delete mapping for task %d: %v", mp.TaskID, err))
			continue
		}
		result.ItemsDeleted++
		result.ItemsSynced++
	}
}

func (m *Manager) recordItemError(ctx context.Context, mp *model.SyncMapping, result *model.SyncResult, msg string) {
	result.AddError(msg)
	if mp == nil {
		return
	}
	mp.LastError = msg
	if err := m.store.SaveMapping(ctx, mp); err != nil {
		logger.Log.Error("Failed to record mapping error", zap.Error(err), zap.Int64("task_id", mp.TaskID))
	}
}

// applyResolution executes one resolution outcome and, if it is terminal,
// persists the conflict as resolved. Returns whether the conflict closed.
func (m *Manager) applyResolution(ctx context.Context, ad adapter.Adapter, res ConflictResolution, mappings map[int64]*model.SyncMapping, result *model.SyncResult) bool {
	provider := ad.Provider()
	conflict := res.Conflict
	mp := mappings[conflict.TaskID]

	switch res.Resolution.Action {
	case ActionManual, ActionSkip:
		return false

	case ActionKeepLocal, ActionMerge:
		if res.Resolution.Task == nil || mp == nil {
			result.AddError(fmt.Sprintf("cannot apply %s for task %d: missing state", res.Resolution.Action, conflict.TaskID))
			return false
		}
		task := *res.Resolution.Task
		if res.Resolution.Action == ActionMerge {
			if err := m.tasks.Update(task); err != nil {
				result.AddError(fmt.Sprintf("failed to store merged task %d: %v", task.ID, err))
				return false
			}
		}
		ext, err := ad.UpdateItem(ctx, mp.ExternalID, task)
		if err != nil {
			result.AddError(fmt.Sprintf("failed to push resolved task %d: %v", task.ID, err))
			return false
		}
		if ext == nil {
			// The remote side vanished while the conflict was open;
			// recreate the item and re-link the mapping.
			if _, derr := m.store.DeleteMapping(ctx, task.ID, provider); derr != nil {
				result.AddError(fmt.Sprintf("failed to drop stale mapping for task %d: %v", task.ID, derr))
				return false
			}
			created, cerr := ad.CreateItem(ctx, task)
			if cerr != nil {
				result.AddError(fmt.Sprintf("failed to recreate remote item for task %d: %v", task.ID, cerr))
				return false
			}
			mp = model.NewMapping(task.ID, created.ExternalID, provider)
			mappings[task.ID] = mp
			ext = &created
		}
		mp.UpdateSync(&task, ext)
		if err := m.store.SaveMapping(ctx, mp); err != nil {
			result.AddError(fmt.Sprintf("failed to save mapping for task %d: %v", task.ID, err))
			return false
		}

	case ActionKeepRemote:
		if res.Resolution.Task == nil || mp == nil {
			result.AddError(fmt.Sprintf("cannot apply keep_remote for task %d: missing state", conflict.TaskID))
			return false
		}
		task := *res.Resolution.Task
		existing, err := m.tasks.Get(task.ID)
		if err != nil {
			result.AddError(fmt.Sprintf("failed to load task %d for resolution: %v", task.ID, err))
			return false
		}
		var stored *model.Task
		if existing == nil {
			// The local side was deleted while the conflict was open;
			// recreate it from the remote state and re-link the mapping.
			task.ID = 0
			created, cerr := m.tasks.Create(task)
			if cerr != nil {
				result.AddError(fmt.Sprintf("failed to recreate local task for item %s: %v", mp.ExternalID, cerr))
				return false
			}
			externalID := mp.ExternalID
			if _, derr := m.store.DeleteMapping(ctx, conflict.TaskID, provider); derr != nil {
				result.AddError(fmt.Sprintf("failed to drop stale mapping for task %d: %v", conflict.TaskID, derr))
				return false
			}
			delete(mappings, conflict.TaskID)
			mp = model.NewMapping(created.ID, externalID, provider)
			mappings[created.ID] = mp
			stored = &created
		} else {
			if err := m.tasks.Update(task); err != nil {
				result.AddError(fmt.Sprintf("failed to store remote state for task %d: %v", task.ID, err))
				return false
			}
			stored, err = m.tasks.Get(task.ID)
			if err != nil || stored == nil {
				result.AddError(fmt.Sprintf("failed to reload task %d after resolution", task.ID))
				return false
			}
		}
		mp.UpdateSync(stored, conflict.RemoteItem)
		if err := m.store.SaveMapping(ctx, mp); err != nil {
			result.AddError(fmt.Sprintf("failed to save mapping for task %d: %v", stored.ID, err))
			return false
		}

	case ActionDeleteRemote:
		if mp == nil {
			result.AddError(fmt.Sprintf("cannot apply delete_remote for task %d: no mapping", conflict.TaskID))
			return false
		}
		if _, err := ad.DeleteItem(ctx, mp.ExternalID); err != nil {
			result.AddError(fmt.Sprintf("failed to delete remote item %s: %v", mp.ExternalID, err))
			return false
		}
		if _, err := m.store.DeleteMapping(ctx, conflict.TaskID, provider); err != nil {
			result.AddError(fmt.Sprintf("failed to delete mapping for task %d: %v", conflict.TaskID, err))
			return false
		}

	case ActionDeleteLocal:
		if _, err := m.tasks.Delete(conflict.TaskID); err != nil {
			result.AddError(fmt.Sprintf("failed to delete local task %d: %v", conflict.TaskID, err))
			return false
		}
		if _, err := m.store.DeleteMapping(ctx, conflict.TaskID, provider); err != nil {
			result.AddError(fmt.Sprintf("failed to delete mapping for task %d: %v", conflict.TaskID, err))
			return false
		}

	default:
		result.AddError(fmt.Sprintf("unknown resolution action %q for task %d", res.Resolution.Action, conflict.TaskID))
		return false
	}

	conflict.Resolve(res.Resolution.Action)
	if err := m.store.SaveConflict(ctx, &conflict); err != nil {
		result.AddError(fmt.Sprintf("failed to persist resolved conflict for task %d: %v", conflict.TaskID, err))
	}
	return true
}

// SyncAll runs one pass per enabled provider concurrently and returns all
// results. Providers already mid-pass are skipped.
func (m *Manager) SyncAll(ctx context.Context) []*model.SyncResult {
	var wg sync.WaitGroup
	resultCh := make(chan *model.SyncResult, len(m.adapters))

	for provider := range m.adapters {
		wg.Add(1)
		go func(p model.Provider) {
			defer wg.Done()
			res, err := m.SyncProvider(ctx, p, "")
			if errors.Is(err, ErrSyncInProgress) {
				logger.Log.Info("Skipping provider, sync already running", zap.String("provider", string(p)))
				return
			}
			if res != nil {
				resultCh <- res
			}
		}(provider)
	}

	wg.Wait()
	close(resultCh)

	var results []*model.SyncResult
	for res := range resultCh {
		results = append(results, res)
	}
	return results
}

// ResolveConflicts re-resolves the stored unresolved conflicts for a
// provider with the given strategy, against fresh snapshots of both sides.
func (m *Manager) ResolveConflicts(ctx context.Context, provider model.Provider, strategy model.Strategy) (int, error) {
	ad, ok := m.adapters[provider]
	if !ok {
		return 0, fmt.Errorf("provider %q is not configured", provider)
	}

	unresolved := false
	stored, err := m.store.GetConflictsForProvider(ctx, provider, &unresolved)
	if err != nil {
		return 0, err
	}
	if len(stored) == 0 {
		return 0, nil
	}

	if err := ad.EnsureAuthenticated(ctx); err != nil {
		return 0, fmt.Errorf("authentication failed: %w", err)
	}
	items, err := ad.FetchItems(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch remote items: %w", err)
	}
	allTasks, err := m.tasks.List()
	if err != nil {
		return 0, err
	}
	mappingList, err := m.store.GetMappingsForProvider(ctx, provider)
	if err != nil {
		return 0, err
	}

	localByID := make(map[int64]model.Task, len(allTasks))
	for _, t := range allTasks {
		localByID[t.ID] = t
	}
	remoteByID := make(map[string]model.ExternalItem, len(items))
	for _, it := range items {
		remoteByID[it.ExternalID] = it
	}
	mappings := make(map[int64]*model.SyncMapping, len(mappingList))
	for _, mp := range mappingList {
		mappings[mp.TaskID] = mp
	}

	conflicts := make([]model.SyncConflict, len(stored))
	for i, c := range stored {
		conflicts[i] = *c
	}

	result := &model.SyncResult{ID: uuid.New().String(), Provider: provider, Status: model.StatusSuccess, StartedAt: time.Now().UTC()}
	resolved := 0
	for _, res := range m.engine.ResolveConflicts(conflicts, strategy, localByID, remoteByID, mappings) {
		if m.applyResolution(ctx, ad, res, mappings, result) {
			resolved++
		}
	}

	if len(result.Errors) > 0 {
		return resolved, fmt.Errorf("%d conflicts failed to resolve: %s", len(result.Errors), result.Errors[0])
	}
	return resolved, nil
}

// Cleanup removes mappings whose local task no longer exists and resolved
// conflicts older than the retention window.
func (m *Manager) Cleanup(ctx context.Context, olderThanDays int) (mappingsRemoved, conflictsRemoved int64, err error) {
	allTasks, err := m.tasks.List()
	if err != nil {
		return 0, 0, err
	}
	ids := make([]int64, len(allTasks))
	for i, t := range allTasks {
		ids[i] = t.ID
	}

	mappingsRemoved, err = m.store.CleanupOrphanedMappings(ctx, ids)
	if err != nil {
		return mappingsRemoved, 0, err
	}
	conflictsRemoved, err = m.store.DeleteResolvedConflicts(ctx, olderThanDays)
	return mappingsRemoved, conflictsRemoved, err
}

func taskInScope(pc config.ProviderConfig, t model.Task) bool {
	if t.Completed && !pc.SyncCompleted {
		return false
	}
	if t.Archived && !pc.SyncArchived {
		return false
	}
	return true
}

func passStatus(r *model.SyncResult) model.SyncStatus {
	switch {
	case len(r.Errors) > 0 && r.ItemsSynced > 0:
		return model.StatusPartial
	case len(r.Errors) > 0:
		return model.StatusError
	case r.ConflictsDetected > r.ConflictsResolved:
		return model.StatusConflict
	case r.ItemsSynced == 0 && r.ConflictsDetected == 0:
		return model.StatusNoChanges
	default:
		return model.StatusSuccess
	}
}
