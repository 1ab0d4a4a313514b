package sync

import (
	"time"

	"github.com/google/uuid"

	"task-sync-service/internal/model"
)

// ConflictDetector cross-references local and remote change lists through
// the mappings to find items that changed incompatibly on both sides.
type ConflictDetector struct{}

func NewConflictDetector() *ConflictDetector {
	return &ConflictDetector{}
}

// DetectConflicts partitions the overlap between the two change sets.
// Deletion conflicts take precedence over field-level ones for the same
// task. A fresh create on one side only is never a conflict: the other side
// simply does not know about the new link yet. Deleted on both sides is not
// a conflict either; the two sides already agree. Each conflict carries the
// local task and remote item as they stand at detection time, taken from
// localTasks and remoteItems; a deleted side stays nil.
func (d *ConflictDetector) DetectConflicts(localChanges, remoteChanges []model.Change, mappings map[int64]*model.SyncMapping, localTasks map[int64]model.Task, remoteItems map[string]model.ExternalItem) []model.SyncConflict {
	localByID := make(map[int64]model.Change, len(localChanges))
	for _, c := range localChanges {
		if c.ExternalID == "" {
			localByID[c.TaskID] = c
		}
	}
	remoteByExternalID := make(map[string]model.Change, len(remoteChanges))
	for _, c := range remoteChanges {
		if c.ExternalID != "" {
			remoteByExternalID[c.ExternalID] = c
		}
	}

	var conflicts []model.SyncConflict
	conflicted := make(map[int64]bool)

	// Deletion conflicts first.
	for _, m := range mappings {
		lc, hasLocal := localByID[m.TaskID]
		rc, hasRemote := remoteByExternalID[m.ExternalID]
		if !hasLocal || !hasRemote {
			continue
		}

		switch {
		case lc.Type == model.ChangeDeleted && rc.Type != model.ChangeDeleted:
			conflicts = append(conflicts, newConflict(m, model.ConflictDeletedLocal, nil, remoteSnapshot(remoteItems, m.ExternalID), nil, rc.Fields))
			conflicted[m.TaskID] = true
		case rc.Type == model.ChangeDeleted && lc.Type != model.ChangeDeleted:
			conflicts = append(conflicts, newConflict(m, model.ConflictDeletedRemote, localSnapshot(localTasks, m.TaskID), nil, lc.Fields, nil))
			conflicted[m.TaskID] = true
		}
	}

	// Field-level conflicts on items modified on both sides.
	for taskID, lc := range localByID {
		if conflicted[taskID] {
			continue
		}
		m, ok := mappings[taskID]
		if !ok {
			continue
		}
		rc, ok := remoteByExternalID[m.ExternalID]
		if !ok {
			continue
		}
		if lc.Type == model.ChangeDeleted || rc.Type == model.ChangeDeleted {
			continue
		}
		if (lc.Type == model.ChangeCreated) != (rc.Type == model.ChangeCreated) {
			continue
		}

		if hasConflictingFields(lc.Fields, rc.Fields) {
			conflicts = append(conflicts, newConflict(m, model.ConflictModifiedBoth, localSnapshot(localTasks, taskID), remoteSnapshot(remoteItems, m.ExternalID), lc.Fields, rc.Fields))
		}
	}

	return conflicts
}

// hasConflictingFields reports whether the two sides changed at least one
// common field to differing new values.
func hasConflictingFields(local, remote map[string]model.FieldChange) bool {
	for field, lc := range local {
		rc, ok := remote[field]
		if !ok {
			continue
		}
		if !fieldValuesEqual(lc.New, rc.New) {
			return true
		}
	}
	return false
}

func newConflict(m *model.SyncMapping, kind model.ConflictType, localTask *model.Task, remoteItem *model.ExternalItem, localChanges, remoteChanges map[string]model.FieldChange) model.SyncConflict {
	return model.SyncConflict{
		ID:            uuid.New().String(),
		TaskID:        m.TaskID,
		Provider:      m.Provider,
		Type:          kind,
		LocalTask:     localTask,
		RemoteItem:    remoteItem,
		LocalChanges:  localChanges,
		RemoteChanges: remoteChanges,
		DetectedAt:    time.Now().UTC(),
	}
}

func localSnapshot(tasks map[int64]model.Task, id int64) *model.Task {
	t, ok := tasks[id]
	if !ok {
		return nil
	}
	return &t
}

func remoteSnapshot(items map[string]model.ExternalItem, externalID string) *model.ExternalItem {
	item, ok := items[externalID]
	if !ok {
		return nil
	}
	return &item
}
