package sync

import (
	"testing"
	"time"

	"task-sync-service/internal/model"
)

func testTask(id int64, title string) model.Task {
	return model.Task{
		ID:        id,
		Title:     title,
		Priority:  model.PriorityMedium,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

func testItem(externalID, title string) model.ExternalItem {
	updated := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	return model.ExternalItem{
		ExternalID: externalID,
		Provider:   model.ProviderTodoist,
		Title:      title,
		Priority:   model.PriorityMedium,
		UpdatedAt:  &updated,
	}
}

// syncedMapping builds a mapping whose hashes and snapshots reflect the
// given pair, as if the last pass applied cleanly.
func syncedMapping(task model.Task, item model.ExternalItem) *model.SyncMapping {
	m := model.NewMapping(task.ID, item.ExternalID, model.ProviderTodoist)
	m.UpdateSync(&task, &item)
	return m
}

func changesByType(changes []model.Change) map[model.ChangeType]int {
	out := make(map[model.ChangeType]int)
	for _, c := range changes {
		out[c.Type]++
	}
	return out
}

func TestDetectLocalCreated(t *testing.T) {
	d := NewChangeDetector()

	changes := d.DetectLocalChanges([]model.Task{testTask(1, "new")}, nil)

	if len(changes) != 1 || changes[0].Type != model.ChangeCreated {
		t.Fatalf("got %+v, want one created change", changes)
	}
	if changes[0].TaskID != 1 {
		t.Errorf("task id = %d, want 1", changes[0].TaskID)
	}
}

func TestDetectLocalUnchanged(t *testing.T) {
	d := NewChangeDetector()
	task := testTask(1, "stable")
	item := testItem("ext-1", "stable")
	mappings := map[int64]*model.SyncMapping{1: syncedMapping(task, item)}

	changes := d.DetectLocalChanges([]model.Task{task}, mappings)

	if len(changes) != 0 {
		t.Fatalf("unchanged task produced changes: %+v", changes)
	}
}

func TestDetectLocalModifiedFields(t *testing.T) {
	d := NewChangeDetector()
	task := testTask(1, "before")
	item := testItem("ext-1", "before")
	mappings := map[int64]*model.SyncMapping{1: syncedMapping(task, item)}

	task.Title = "after"
	changes := d.DetectLocalChanges([]model.Task{task}, mappings)

	if len(changes) != 1 || changes[0].Type != model.ChangeModified {
		t.Fatalf("got %+v, want one modified change", changes)
	}
	fc, ok := changes[0].Fields["title"]
	if !ok {
		t.Fatalf("title not in field changes: %v", changes[0].Fields)
	}
	if fc.Old != "before" || fc.New != "after" {
		t.Errorf("title change = %v -> %v, want before -> after", fc.Old, fc.New)
	}
	if _, ok := changes[0].Fields["description"]; ok {
		t.Error("untouched field reported as changed")
	}
}

func TestDetectLocalCompletedAndReopened(t *testing.T) {
	d := NewChangeDetector()

	task := testTask(1, "job")
	item := testItem("ext-1", "job")
	mappings := map[int64]*model.SyncMapping{1: syncedMapping(task, item)}

	task.Completed = true
	changes := d.DetectLocalChanges([]model.Task{task}, mappings)
	if len(changes) != 1 || changes[0].Type != model.ChangeCompleted {
		t.Fatalf("got %+v, want one completed change", changes)
	}

	// Now the inverse transition.
	done := testTask(2, "done job")
	done.Completed = true
	doneItem := testItem("ext-2", "done job")
	doneItem.Completed = true
	mappings = map[int64]*model.SyncMapping{2: syncedMapping(done, doneItem)}

	done.Completed = false
	changes = d.DetectLocalChanges([]model.Task{done}, mappings)
	if len(changes) != 1 || changes[0].Type != model.ChangeReopened {
		t.Fatalf("got %+v, want one reopened change", changes)
	}
}

func TestDetectLocalDeleted(t *testing.T) {
	d := NewChangeDetector()
	task := testTask(1, "gone")
	item := testItem("ext-1", "gone")
	mappings := map[int64]*model.SyncMapping{1: syncedMapping(task, item)}

	changes := d.DetectLocalChanges(nil, mappings)

	if len(changes) != 1 || changes[0].Type != model.ChangeDeleted {
		t.Fatalf("got %+v, want one deleted change", changes)
	}
}

func TestDetectRemoteMirrorsLocal(t *testing.T) {
	d := NewChangeDetector()
	task := testTask(1, "shared")
	item := testItem("ext-1", "shared")
	mappings := map[int64]*model.SyncMapping{1: syncedMapping(task, item)}

	modified := item
	modified.Title = "renamed"
	fresh := testItem("ext-2", "brand new")

	changes := d.DetectRemoteChanges([]model.ExternalItem{modified, fresh}, mappings)

	counts := changesByType(changes)
	if counts[model.ChangeModified] != 1 || counts[model.ChangeCreated] != 1 {
		t.Fatalf("got %+v, want one modified and one created", changes)
	}

	changes = d.DetectRemoteChanges(nil, mappings)
	if len(changes) != 1 || changes[0].Type != model.ChangeDeleted {
		t.Fatalf("got %+v, want one deleted change", changes)
	}
	if changes[0].ExternalID != "ext-1" {
		t.Errorf("external id = %q, want ext-1", changes[0].ExternalID)
	}
}

func TestDetectWithoutSnapshotFallsBackToTimestamps(t *testing.T) {
	d := NewChangeDetector()
	task := testTask(1, "legacy")
	item := testItem("ext-1", "legacy")

	// A mapping row written before snapshots existed: hashes only.
	m := model.NewMapping(1, "ext-1", model.ProviderTodoist)
	m.LocalHash = model.HashTask(task)
	m.RemoteHash = item.Hash()

	task.Title = "legacy renamed"
	changes := d.DetectLocalChanges([]model.Task{task}, map[int64]*model.SyncMapping{1: m})

	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}
	if _, ok := changes[0].Fields["last_modified"]; !ok {
		t.Fatalf("expected last_modified fallback, got %v", changes[0].Fields)
	}
}

func TestTagOrderDoesNotRegisterAsChange(t *testing.T) {
	d := NewChangeDetector()
	task := testTask(1, "tagged")
	task.Tags = []string{"a", "b"}
	item := testItem("ext-1", "tagged")
	item.Tags = []string{"a", "b"}
	mappings := map[int64]*model.SyncMapping{1: syncedMapping(task, item)}

	task.Tags = []string{"b", "a"}
	changes := d.DetectLocalChanges([]model.Task{task}, mappings)

	if len(changes) != 0 {
		t.Fatalf("tag reorder registered as change: %+v", changes)
	}
}
