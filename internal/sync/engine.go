package sync

import (
	"go.uber.org/zap"

	"task-sync-service/internal/logger"
	"task-sync-service/internal/model"
)

// Plan is the computed, not-yet-applied set of operations for one pass.
// Local* fields are local changes to push to the external service, Remote*
// fields are remote changes to pull into local storage. Conflicted items
// are excluded from the operation lists and queued in Conflicts. Plans are
// rebuilt every pass and never persisted.
type Plan struct {
	LocalCreates []model.Task
	LocalUpdates []LocalUpdate
	LocalDeletes []*model.SyncMapping

	RemoteCreates []model.ExternalItem
	RemoteUpdates []RemoteUpdate
	RemoteDeletes []string // external IDs

	Conflicts []model.SyncConflict
}

// LocalUpdate pairs a changed local task with its existing mapping.
type LocalUpdate struct {
	Task    model.Task
	Mapping *model.SyncMapping
}

// RemoteUpdate pairs a changed remote item with its existing mapping.
type RemoteUpdate struct {
	Item    model.ExternalItem
	Mapping *model.SyncMapping
}

func (p *Plan) HasChanges() bool {
	return p.ChangeCount() > 0
}

func (p *Plan) ChangeCount() int {
	return len(p.LocalCreates) + len(p.LocalUpdates) + len(p.LocalDeletes) +
		len(p.RemoteCreates) + len(p.RemoteUpdates) + len(p.RemoteDeletes)
}

func (p *Plan) ConflictCount() int {
	return len(p.Conflicts)
}

// Engine is the top-level reconciliation pipeline: change detection on both
// sides, conflict detection, plan assembly and conflict resolution.
type Engine struct {
	changes   *ChangeDetector
	conflicts *ConflictDetector
	resolver  *ConflictResolver
}

func NewEngine() *Engine {
	return &Engine{
		changes:   NewChangeDetector(),
		conflicts: NewConflictDetector(),
		resolver:  NewConflictResolver(),
	}
}

// CreateSyncPlan runs the full detection pipeline and assembles the plan.
// Change detection completes fully for both sides before conflict detection
// begins; conflicted task IDs are excluded from every operation list.
func (e *Engine) CreateSyncPlan(localTasks []model.Task, remoteItems []model.ExternalItem, mappings map[int64]*model.SyncMapping, direction model.Direction) *Plan {
	plan := &Plan{}

	localChanges := e.changes.DetectLocalChanges(localTasks, mappings)
	remoteChanges := e.changes.DetectRemoteChanges(remoteItems, mappings)

	localByID := make(map[int64]model.Task, len(localTasks))
	for _, t := range localTasks {
		localByID[t.ID] = t
	}
	remoteByID := make(map[string]model.ExternalItem, len(remoteItems))
	for _, it := range remoteItems {
		remoteByID[it.ExternalID] = it
	}
	mappingByExternalID := make(map[string]*model.SyncMapping, len(mappings))
	for _, m := range mappings {
		mappingByExternalID[m.ExternalID] = m
	}

	plan.Conflicts = e.conflicts.DetectConflicts(localChanges, remoteChanges, mappings, localByID, remoteByID)

	conflictedTasks := make(map[int64]bool, len(plan.Conflicts))
	for _, c := range plan.Conflicts {
		conflictedTasks[c.TaskID] = true
	}

	if direction == model.DirectionBidirectional || direction == model.DirectionPushOnly {
		for _, change := range localChanges {
			if conflictedTasks[change.TaskID] {
				continue
			}
			task, hasTask := localByID[change.TaskID]
			mapping := mappings[change.TaskID]

			switch change.Type {
			case model.ChangeCreated:
				if hasTask {
					plan.LocalCreates = append(plan.LocalCreates, task)
				}
			case model.ChangeModified, model.ChangeCompleted, model.ChangeReopened:
				if hasTask && mapping != nil {
					plan.LocalUpdates = append(plan.LocalUpdates, LocalUpdate{Task: task, Mapping: mapping})
				}
			case model.ChangeDeleted:
				if mapping != nil {
					plan.LocalDeletes = append(plan.LocalDeletes, mapping)
				}
			}
		}
	}

	if direction == model.DirectionBidirectional || direction == model.DirectionPullOnly {
		for _, change := range remoteChanges {
			mapping := mappingByExternalID[change.ExternalID]
			if mapping != nil && conflictedTasks[mapping.TaskID] {
				continue
			}
			item, hasItem := remoteByID[change.ExternalID]

			switch change.Type {
			case model.ChangeCreated:
				if hasItem {
					plan.RemoteCreates = append(plan.RemoteCreates, item)
				}
			case model.ChangeModified, model.ChangeCompleted, model.ChangeReopened:
				if hasItem && mapping != nil {
					plan.RemoteUpdates = append(plan.RemoteUpdates, RemoteUpdate{Item: item, Mapping: mapping})
				}
			case model.ChangeDeleted:
				plan.RemoteDeletes = append(plan.RemoteDeletes, change.ExternalID)
			}
		}
	}

	logger.Log.Info("Created sync plan",
		zap.Int("changes", plan.ChangeCount()),
		zap.Int("conflicts", plan.ConflictCount()))
	return plan
}

// ConflictResolution pairs a conflict with the resolution a strategy chose
// for it. The caller applies the outcome and then persists the conflict as
// resolved.
type ConflictResolution struct {
	Conflict   model.SyncConflict `json:"conflict"`
	Resolution Resolution         `json:"resolution"`
}

// ResolveConflicts resolves each conflict against the current snapshots.
// The remote item is looked up strictly through the mapping's external ID.
func (e *Engine) ResolveConflicts(conflicts []model.SyncConflict, strategy model.Strategy, localTasks map[int64]model.Task, remoteItems map[string]model.ExternalItem, mappings map[int64]*model.SyncMapping) []ConflictResolution {
	results := make([]ConflictResolution, 0, len(conflicts))

	for _, conflict := range conflicts {
		var localTask *model.Task
		if t, ok := localTasks[conflict.TaskID]; ok {
			tt := t
			localTask = &tt
		}

		var remoteItem *model.ExternalItem
		if m, ok := mappings[conflict.TaskID]; ok {
			if it, ok := remoteItems[m.ExternalID]; ok {
				ii := it
				remoteItem = &ii
			}
		}

		resolution := e.resolver.Resolve(conflict, strategy, localTask, remoteItem)
		results = append(results, ConflictResolution{Conflict: conflict, Resolution: resolution})
	}

	return results
}
