package sync

import (
	"reflect"
	"sort"
	"time"

	"task-sync-service/internal/model"
)

// ChangeDetector compares current local/remote state against the mapping
// store's last-known hashes and snapshots.
type ChangeDetector struct{}

func NewChangeDetector() *ChangeDetector {
	return &ChangeDetector{}
}

// DetectLocalChanges classifies every local task against the mappings:
// missing mapped task => deleted, hash mismatch => modified (narrowed to
// completed/reopened when the completion flag flipped), unmapped task =>
// created.
func (d *ChangeDetector) DetectLocalChanges(tasks []model.Task, mappings map[int64]*model.SyncMapping) []model.Change {
	now := time.Now().UTC()
	var changes []model.Change

	byID := make(map[int64]model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, m := range mappings {
		cur, ok := byID[m.TaskID]
		if !ok {
			changes = append(changes, model.Change{
				Type:       model.ChangeDeleted,
				TaskID:     m.TaskID,
				DetectedAt: now,
			})
			continue
		}

		if model.HashTask(cur) == m.LocalHash {
			continue
		}

		fields := diffTaskFields(m, cur)
		changes = append(changes, model.Change{
			Type:       narrowChangeType(fields),
			TaskID:     m.TaskID,
			Fields:     fields,
			DetectedAt: now,
		})
	}

	for _, t := range tasks {
		if _, mapped := mappings[t.ID]; !mapped {
			changes = append(changes, model.Change{
				Type:       model.ChangeCreated,
				TaskID:     t.ID,
				DetectedAt: now,
			})
		}
	}

	return changes
}

// DetectRemoteChanges is the symmetric classification over external items,
// keyed by external ID and compared against the mapping's remote hash.
func (d *ChangeDetector) DetectRemoteChanges(items []model.ExternalItem, mappings map[int64]*model.SyncMapping) []model.Change {
	now := time.Now().UTC()
	var changes []model.Change

	byExternalID := make(map[string]model.ExternalItem, len(items))
	for _, it := range items {
		byExternalID[it.ExternalID] = it
	}

	mappingByExternalID := make(map[string]*model.SyncMapping, len(mappings))
	for _, m := range mappings {
		mappingByExternalID[m.ExternalID] = m
	}

	for externalID, m := range mappingByExternalID {
		cur, ok := byExternalID[externalID]
		if !ok {
			changes = append(changes, model.Change{
				Type:       model.ChangeDeleted,
				ExternalID: externalID,
				DetectedAt: now,
			})
			continue
		}

		if cur.Hash() == m.RemoteHash {
			continue
		}

		fields := diffItemFields(m, cur)
		changes = append(changes, model.Change{
			Type:       narrowChangeType(fields),
			ExternalID: externalID,
			Fields:     fields,
			DetectedAt: now,
		})
	}

	for _, it := range items {
		if _, mapped := mappingByExternalID[it.ExternalID]; !mapped {
			changes = append(changes, model.Change{
				Type:       model.ChangeCreated,
				ExternalID: it.ExternalID,
				DetectedAt: now,
			})
		}
	}

	return changes
}

// narrowChangeType downgrades a modification to completed/reopened when the
// completion flag specifically flipped.
func narrowChangeType(fields map[string]model.FieldChange) model.ChangeType {
	fc, ok := fields["completed"]
	if !ok {
		return model.ChangeModified
	}
	oldVal, _ := fc.Old.(bool)
	newVal, _ := fc.New.(bool)
	switch {
	case !oldVal && newVal:
		return model.ChangeCompleted
	case oldVal && !newVal:
		return model.ChangeReopened
	default:
		return model.ChangeModified
	}
}

// diffTaskFields produces the per-field old/new map for a modified task.
// Old values come from the mapping's last-synced snapshot; without one only
// the modification timestamp can be reported.
func diffTaskFields(m *model.SyncMapping, cur model.Task) map[string]model.FieldChange {
	old := m.LocalSnapshot
	if old == nil {
		return map[string]model.FieldChange{
			"last_modified": {Old: m.LastSynced, New: cur.UpdatedAt},
		}
	}
	return diffSemanticFields(semanticTaskFields(*old), semanticTaskFields(cur))
}

func diffItemFields(m *model.SyncMapping, cur model.ExternalItem) map[string]model.FieldChange {
	old := m.RemoteSnapshot
	if old == nil {
		newVal := any(nil)
		if cur.UpdatedAt != nil {
			newVal = *cur.UpdatedAt
		}
		return map[string]model.FieldChange{
			"last_modified": {Old: m.LastSynced, New: newVal},
		}
	}
	return diffSemanticFields(semanticItemFields(*old), semanticItemFields(cur))
}

func semanticTaskFields(t model.Task) map[string]any {
	return map[string]any{
		"title":        t.Title,
		"description":  t.Description,
		"due_date":     t.DueDate,
		"priority":     t.Priority,
		"tags":         t.Tags,
		"project":      t.Project,
		"completed":    t.Completed,
		"completed_at": t.CompletedAt,
	}
}

func semanticItemFields(i model.ExternalItem) map[string]any {
	return map[string]any{
		"title":        i.Title,
		"description":  i.Description,
		"due_date":     i.DueDate,
		"priority":     i.Priority,
		"tags":         i.Tags,
		"project":      i.Project,
		"completed":    i.Completed,
		"completed_at": i.CompletedAt,
	}
}

func diffSemanticFields(old, cur map[string]any) map[string]model.FieldChange {
	changes := make(map[string]model.FieldChange)
	for field, oldVal := range old {
		newVal := cur[field]
		if !fieldValuesEqual(oldVal, newVal) {
			changes[field] = model.FieldChange{Old: oldVal, New: newVal}
		}
	}
	return changes
}

// fieldValuesEqual compares two semantic field values. Tags compare as sets,
// time pointers by instant, everything else by value.
func fieldValuesEqual(a, b any) bool {
	switch av := a.(type) {
	case *time.Time:
		bv, ok := b.(*time.Time)
		if !ok {
			return false
		}
		if av == nil || bv == nil {
			return av == bv
		}
		return av.Equal(*bv)
	case []string:
		bv, ok := b.([]string)
		if !ok {
			return false
		}
		return tagSetsEqual(av, bv)
	default:
		return reflect.DeepEqual(a, b)
	}
}

func tagSetsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
