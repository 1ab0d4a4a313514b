package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"task-sync-service/internal/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleMapping(taskID int64, externalID string) *model.SyncMapping {
	m := model.NewMapping(taskID, externalID, model.ProviderTodoist)
	task := model.Task{
		ID:        taskID,
		Title:     "sample",
		Tags:      []string{"a", "b"},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	item := model.ExternalFromTask(task, model.ProviderTodoist, externalID)
	m.UpdateSync(&task, &item)
	return m
}

func sampleConflict(taskID int64) *model.SyncConflict {
	return &model.SyncConflict{
		ID:       uuid.New().String(),
		TaskID:   taskID,
		Provider: model.ProviderTodoist,
		Type:     model.ConflictModifiedBoth,
		LocalChanges: map[string]model.FieldChange{
			"title": {Old: "a", New: "b"},
		},
		RemoteChanges: map[string]model.FieldChange{
			"title": {Old: "a", New: "c"},
		},
		DetectedAt: time.Now().UTC(),
	}
}

func TestMappingRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := sampleMapping(1, "ext-1")
	if err := s.SaveMapping(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetMapping(ctx, 1, model.ProviderTodoist)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("mapping not found")
	}
	if got.ExternalID != "ext-1" || got.SyncHash != m.SyncHash || got.SyncCount != 1 {
		t.Errorf("got %+v, want %+v", got, m)
	}
	if got.LocalSnapshot == nil || got.LocalSnapshot.Title != "sample" {
		t.Errorf("local snapshot lost: %+v", got.LocalSnapshot)
	}
	if got.RemoteSnapshot == nil || got.RemoteSnapshot.ExternalID != "ext-1" {
		t.Errorf("remote snapshot lost: %+v", got.RemoteSnapshot)
	}
	if !got.LastSynced.Equal(m.LastSynced) {
		t.Errorf("last synced = %v, want %v", got.LastSynced, m.LastSynced)
	}

	byExt, err := s.GetMappingByExternalID(ctx, "ext-1", model.ProviderTodoist)
	if err != nil || byExt == nil || byExt.TaskID != 1 {
		t.Fatalf("lookup by external id failed: %+v (%v)", byExt, err)
	}
}

func TestMappingUpsertIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := sampleMapping(1, "ext-1")
	if err := s.SaveMapping(ctx, m); err != nil {
		t.Fatal(err)
	}
	m.SyncCount = 5
	m.LastError = "boom"
	if err := s.SaveMapping(ctx, m); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	all, err := s.GetMappingsForProvider(ctx, model.ProviderTodoist)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d rows after upsert, want 1", len(all))
	}
	if all[0].SyncCount != 5 || all[0].LastError != "boom" {
		t.Errorf("upsert did not update: %+v", all[0])
	}
}

func TestMappingMissingReturnsNil(t *testing.T) {
	s := testStore(t)

	got, err := s.GetMapping(context.Background(), 42, model.ProviderTodoist)
	if err != nil {
		t.Fatalf("err = %v, want nil for absent row", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil", got)
	}
}

func TestDeleteMapping(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveMapping(ctx, sampleMapping(1, "ext-1")); err != nil {
		t.Fatal(err)
	}

	ok, err := s.DeleteMapping(ctx, 1, model.ProviderTodoist)
	if err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	ok, err = s.DeleteMapping(ctx, 1, model.ProviderTodoist)
	if err != nil || ok {
		t.Fatalf("second delete = %v, %v, want false", ok, err)
	}
}

func TestGetMappingsForTask(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m1 := sampleMapping(1, "ext-1")
	m2 := sampleMapping(1, "ext-2")
	m2.Provider = model.ProviderGoogleTasks
	if err := s.SaveMapping(ctx, m1); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMapping(ctx, m2); err != nil {
		t.Fatal(err)
	}

	all, err := s.GetMappingsForTask(ctx, 1)
	if err != nil || len(all) != 2 {
		t.Fatalf("got %d mappings (%v), want 2", len(all), err)
	}

	n, err := s.DeleteMappingsForTask(ctx, 1)
	if err != nil || n != 2 {
		t.Fatalf("deleted %d (%v), want 2", n, err)
	}
}

func TestConflictRoundTripAndFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	open := sampleConflict(1)
	closed := sampleConflict(2)
	closed.Resolve("keep_local")

	if err := s.SaveConflict(ctx, open); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveConflict(ctx, closed); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetConflict(ctx, 1, model.ProviderTodoist)
	if err != nil || got == nil {
		t.Fatalf("get conflict: %+v (%v)", got, err)
	}
	if got.Type != model.ConflictModifiedBoth || got.LocalChanges["title"].New != "b" {
		t.Errorf("conflict fields lost: %+v", got)
	}

	unresolved := false
	openOnly, err := s.GetConflictsForProvider(ctx, model.ProviderTodoist, &unresolved)
	if err != nil || len(openOnly) != 1 || openOnly[0].TaskID != 1 {
		t.Fatalf("unresolved filter wrong: %+v (%v)", openOnly, err)
	}

	all, err := s.GetAllConflicts(ctx, nil)
	if err != nil || len(all) != 2 {
		t.Fatalf("all conflicts = %d (%v), want 2", len(all), err)
	}

	if got.ResolvedAt != nil {
		t.Error("open conflict has resolved_at")
	}
	gotClosed, _ := s.GetConflict(ctx, 2, model.ProviderTodoist)
	if gotClosed.ResolvedAt == nil || gotClosed.Resolution != "keep_local" {
		t.Errorf("resolved state lost: %+v", gotClosed)
	}
}

func TestConflictReplacedPerTaskProvider(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := sampleConflict(1)
	if err := s.SaveConflict(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := sampleConflict(1)
	second.Type = model.ConflictDeletedRemote
	if err := s.SaveConflict(ctx, second); err != nil {
		t.Fatal(err)
	}

	all, err := s.GetAllConflicts(ctx, nil)
	if err != nil || len(all) != 1 {
		t.Fatalf("got %d conflicts, want the re-detected one only", len(all))
	}
	if all[0].Type != model.ConflictDeletedRemote {
		t.Errorf("type = %s, want the replacement", all[0].Type)
	}
}

func TestDeleteResolvedConflictsCutoff(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := sampleConflict(1)
	old.Resolved = true
	oldTime := time.Now().UTC().AddDate(0, 0, -10)
	old.Resolution = "keep_local"
	old.ResolvedAt = &oldTime

	recent := sampleConflict(2)
	recent.Resolve("keep_remote")

	stillOpen := sampleConflict(3)

	for _, c := range []*model.SyncConflict{old, recent, stillOpen} {
		if err := s.SaveConflict(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.DeleteResolvedConflicts(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want only the old resolved conflict", n)
	}

	all, _ := s.GetAllConflicts(ctx, nil)
	if len(all) != 2 {
		t.Fatalf("remaining = %d, want 2", len(all))
	}
}

func TestSyncRunLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := &model.SyncResult{
		ID:        uuid.New().String(),
		Provider:  model.ProviderTodoist,
		Status:    model.StatusSuccess,
		StartedAt: time.Now().UTC(),
	}
	if err := s.CreateSyncRun(ctx, r); err != nil {
		t.Fatal(err)
	}

	r.ItemsSynced = 3
	r.ItemsCreated = 2
	r.ItemsUpdated = 1
	r.AddWarning("slow provider")
	r.Complete()
	if err := s.UpdateSyncRun(ctx, r); err != nil {
		t.Fatal(err)
	}

	runs, err := s.GetSyncRuns(ctx, 10, 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %d (%v), want 1", len(runs), err)
	}
	got := runs[0]
	if got.ItemsSynced != 3 || got.CompletedAt == nil || len(got.Warnings) != 1 {
		t.Errorf("run state lost: %+v", got)
	}
}

func TestGetStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveMapping(ctx, sampleMapping(1, "ext-1")); err != nil {
		t.Fatal(err)
	}
	m2 := sampleMapping(2, "ext-2")
	m2.Provider = model.ProviderGoogleTasks
	if err := s.SaveMapping(ctx, m2); err != nil {
		t.Fatal(err)
	}

	open := sampleConflict(1)
	closed := sampleConflict(2)
	closed.Resolve("merge")
	if err := s.SaveConflict(ctx, open); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveConflict(ctx, closed); err != nil {
		t.Fatal(err)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalMappings != 2 || stats.MappingsByProvider["todoist"] != 1 {
		t.Errorf("mapping stats wrong: %+v", stats)
	}
	if stats.TotalConflicts != 2 || stats.UnresolvedConflicts != 1 {
		t.Errorf("conflict stats wrong: %+v", stats)
	}
	if stats.UnresolvedByProvider["todoist"] != 1 {
		t.Errorf("per-provider unresolved wrong: %+v", stats.UnresolvedByProvider)
	}
}

func TestCleanupOrphanedMappings(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveMapping(ctx, sampleMapping(1, "ext-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMapping(ctx, sampleMapping(2, "ext-2")); err != nil {
		t.Fatal(err)
	}

	n, err := s.CleanupOrphanedMappings(ctx, []int64{1})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if m, _ := s.GetMapping(ctx, 1, model.ProviderTodoist); m == nil {
		t.Error("live mapping removed")
	}
	if m, _ := s.GetMapping(ctx, 2, model.ProviderTodoist); m != nil {
		t.Error("orphan survived")
	}
}
