package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"task-sync-service/internal/adapter"
	"task-sync-service/internal/config"
	"task-sync-service/internal/model"
	"task-sync-service/internal/store"
	"task-sync-service/internal/taskstore"
)

// fakeAdapter is an in-memory provider: items live in a map and every call
// succeeds unless configured otherwise. With lossy set it behaves like a
// provider that cannot represent project, tags or priority, dropping them
// from everything it stores and returns.
type fakeAdapter struct {
	provider model.Provider
	items    map[string]model.ExternalItem
	lossy    bool
	nextID   int
	creates  int
	updates  int
	deletes  int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		provider: model.ProviderTodoist,
		items:    make(map[string]model.ExternalItem),
	}
}

func (f *fakeAdapter) Provider() model.Provider                    { return f.provider }
func (f *fakeAdapter) RequiredCredentials() []string               { return nil }
func (f *fakeAdapter) Authenticate(context.Context) (bool, error)  { return true, nil }
func (f *fakeAdapter) EnsureAuthenticated(context.Context) error   { return nil }
func (f *fakeAdapter) TestConnection(context.Context) bool         { return true }
func (f *fakeAdapter) FetchProjects(context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

func (f *fakeAdapter) FetchItems(_ context.Context, _ *time.Time) ([]model.ExternalItem, error) {
	out := make([]model.ExternalItem, 0, len(f.items))
	for _, it := range f.items {
		out = append(out, it)
	}
	return out, nil
}

func (f *fakeAdapter) toItem(task model.Task, id string) model.ExternalItem {
	item := model.ExternalFromTask(task, f.provider, id)
	if f.lossy {
		item.Project = ""
		item.Tags = nil
		item.Priority = model.PriorityNone
	}
	return item
}

func (f *fakeAdapter) CreateItem(_ context.Context, task model.Task) (model.ExternalItem, error) {
	f.nextID++
	f.creates++
	id := fmt.Sprintf("fake-%d", f.nextID)
	item := f.toItem(task, id)
	f.items[id] = item
	return item, nil
}

func (f *fakeAdapter) UpdateItem(_ context.Context, externalID string, task model.Task) (*model.ExternalItem, error) {
	if _, ok := f.items[externalID]; !ok {
		return nil, nil
	}
	f.updates++
	item := f.toItem(task, externalID)
	f.items[externalID] = item
	return &item, nil
}

func (f *fakeAdapter) DeleteItem(_ context.Context, externalID string) (bool, error) {
	if _, ok := f.items[externalID]; !ok {
		return false, nil
	}
	f.deletes++
	delete(f.items, externalID)
	return true, nil
}

func (f *fakeAdapter) MapTaskToExternal(task model.Task) map[string]any {
	return map[string]any{"title": task.Title}
}

func (f *fakeAdapter) MapExternalToTask(raw map[string]any) (model.ExternalItem, error) {
	title, _ := raw["title"].(string)
	return model.ExternalItem{Provider: f.provider, Title: title}, nil
}

func newTestManager(t *testing.T, fake *fakeAdapter) (*Manager, store.Store, *taskstore.Store) {
	t.Helper()

	dir := t.TempDir()
	st, err := store.NewSQLiteStore(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("failed to open state store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tasks, err := taskstore.Open(filepath.Join(dir, "tasks.json"))
	if err != nil {
		t.Fatalf("failed to open task store: %v", err)
	}

	pc := config.ProviderConfig{
		Name:             string(fake.provider),
		Enabled:          true,
		Direction:        string(model.DirectionBidirectional),
		ConflictStrategy: string(model.StrategyNewestWins),
		SyncCompleted:    true,
	}

	m := &Manager{
		cfg:      &config.Config{},
		store:    st,
		tasks:    tasks,
		engine:   NewEngine(),
		adapters: map[model.Provider]adapter.Adapter{fake.provider: fake},
		provCfg:  map[model.Provider]config.ProviderConfig{fake.provider: pc},
		running:  make(map[model.Provider]bool),
	}
	return m, st, tasks
}

func TestSyncPushesNewLocalTask(t *testing.T) {
	fake := newFakeAdapter()
	m, st, tasks := newTestManager(t, fake)
	ctx := context.Background()

	created, err := tasks.Create(model.Task{Title: "push me", Priority: model.PriorityMedium})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	result, err := m.SyncProvider(ctx, fake.provider, "")
	if err != nil {
		t.Fatalf("sync failed: %v (errors: %v)", err, result.Errors)
	}

	if fake.creates != 1 {
		t.Fatalf("remote creates = %d, want 1", fake.creates)
	}
	if result.ItemsCreated != 1 || result.Status != model.StatusSuccess {
		t.Fatalf("result = %+v", result)
	}

	mp, err := st.GetMapping(ctx, created.ID, fake.provider)
	if err != nil || mp == nil {
		t.Fatalf("mapping not stored: %v", err)
	}
	if mp.SyncCount != 1 || mp.SyncHash == "" {
		t.Errorf("mapping bookkeeping wrong: %+v", mp)
	}

	runs, err := st.GetSyncRuns(ctx, 10, 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %v (%v), want one recorded run", runs, err)
	}
	if runs[0].CompletedAt == nil {
		t.Error("run not marked completed")
	}
}

func TestSyncPullsNewRemoteItem(t *testing.T) {
	fake := newFakeAdapter()
	m, st, tasks := newTestManager(t, fake)
	ctx := context.Background()

	updated := time.Now().UTC()
	fake.items["r-1"] = model.ExternalItem{
		ExternalID: "r-1",
		Provider:   fake.provider,
		Title:      "pull me",
		UpdatedAt:  &updated,
	}

	result, err := m.SyncProvider(ctx, fake.provider, "")
	if err != nil {
		t.Fatalf("sync failed: %v (errors: %v)", err, result.Errors)
	}

	all, _ := tasks.List()
	if len(all) != 1 || all[0].Title != "pull me" {
		t.Fatalf("local tasks = %+v, want the pulled item", all)
	}

	mp, err := st.GetMappingByExternalID(ctx, "r-1", fake.provider)
	if err != nil || mp == nil {
		t.Fatalf("mapping not stored: %v", err)
	}
	if mp.TaskID != all[0].ID {
		t.Errorf("mapping task id = %d, want %d", mp.TaskID, all[0].ID)
	}
}

func TestSecondPassIsQuiet(t *testing.T) {
	fake := newFakeAdapter()
	m, _, tasks := newTestManager(t, fake)
	ctx := context.Background()

	if _, err := tasks.Create(model.Task{Title: "steady"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SyncProvider(ctx, fake.provider, ""); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	result, err := m.SyncProvider(ctx, fake.provider, "")
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if result.Status != model.StatusNoChanges || result.ItemsSynced != 0 {
		t.Fatalf("second pass result = %+v, want no_changes", result)
	}
}

func TestLossyProviderSecondPassPreservesLocalFields(t *testing.T) {
	fake := newFakeAdapter()
	fake.lossy = true
	m, _, tasks := newTestManager(t, fake)
	ctx := context.Background()

	created, err := tasks.Create(model.Task{
		Title:    "rich",
		Project:  "work",
		Tags:     []string{"urgent"},
		Priority: model.PriorityHigh,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.SyncProvider(ctx, fake.provider, ""); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	result, err := m.SyncProvider(ctx, fake.provider, "")
	if err != nil {
		t.Fatalf("second pass failed: %v (errors: %v)", err, result.Errors)
	}
	if result.Status != model.StatusNoChanges || result.ItemsSynced != 0 {
		t.Fatalf("second pass result = %+v, want no_changes", result)
	}

	got, _ := tasks.Get(created.ID)
	if got == nil {
		t.Fatal("task vanished")
	}
	if got.Project != "work" || len(got.Tags) != 1 || got.Tags[0] != "urgent" || got.Priority != model.PriorityHigh {
		t.Fatalf("task = %+v, local-only fields must survive a round trip", got)
	}
}

func TestSyncDeletionPropagates(t *testing.T) {
	fake := newFakeAdapter()
	m, st, tasks := newTestManager(t, fake)
	ctx := context.Background()

	created, _ := tasks.Create(model.Task{Title: "doomed"})
	if _, err := m.SyncProvider(ctx, fake.provider, ""); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	if _, err := tasks.Delete(created.ID); err != nil {
		t.Fatal(err)
	}
	result, err := m.SyncProvider(ctx, fake.provider, "")
	if err != nil {
		t.Fatalf("second pass failed: %v (errors: %v)", err, result.Errors)
	}

	if len(fake.items) != 0 {
		t.Fatalf("remote items = %v, want the deletion pushed", fake.items)
	}
	mp, _ := st.GetMapping(ctx, created.ID, fake.provider)
	if mp != nil {
		t.Error("mapping not removed after deletion")
	}
}

func TestConflictDetectedAndResolved(t *testing.T) {
	fake := newFakeAdapter()
	m, st, tasks := newTestManager(t, fake)
	ctx := context.Background()

	created, _ := tasks.Create(model.Task{Title: "contested"})
	if _, err := m.SyncProvider(ctx, fake.provider, ""); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	// Both sides edit the title; the remote edit is newer.
	created.Title = "local edit"
	if err := tasks.Update(created); err != nil {
		t.Fatal(err)
	}
	mp, _ := st.GetMapping(ctx, created.ID, fake.provider)
	remote := fake.items[mp.ExternalID]
	remote.Title = "remote edit"
	newer := time.Now().UTC().Add(time.Hour)
	remote.UpdatedAt = &newer
	fake.items[mp.ExternalID] = remote

	result, err := m.SyncProvider(ctx, fake.provider, "")
	if err != nil {
		t.Fatalf("pass failed: %v (errors: %v)", err, result.Errors)
	}

	if result.ConflictsDetected != 1 || result.ConflictsResolved != 1 {
		t.Fatalf("result = %+v, want one detected and resolved conflict", result)
	}

	got, _ := tasks.Get(created.ID)
	if got == nil || got.Title != "remote edit" {
		t.Fatalf("task = %+v, want the newer remote title", got)
	}

	resolved := true
	conflicts, err := st.GetConflictsForProvider(ctx, fake.provider, &resolved)
	if err != nil || len(conflicts) != 1 {
		t.Fatalf("resolved conflicts = %v (%v), want 1", conflicts, err)
	}
	if conflicts[0].Resolution != ActionKeepRemote {
		t.Errorf("resolution = %q, want keep_remote", conflicts[0].Resolution)
	}
}

func TestLocalWinsRecreatesDeletedRemote(t *testing.T) {
	fake := newFakeAdapter()
	m, st, tasks := newTestManager(t, fake)
	ctx := context.Background()

	created, _ := tasks.Create(model.Task{Title: "keep me"})
	if _, err := m.SyncProvider(ctx, fake.provider, ""); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	// Local edit plus an out-of-band remote deletion.
	created.Title = "local edit"
	if err := tasks.Update(created); err != nil {
		t.Fatal(err)
	}
	mp, _ := st.GetMapping(ctx, created.ID, fake.provider)
	delete(fake.items, mp.ExternalID)

	result, err := m.SyncProvider(ctx, fake.provider, model.StrategyLocalWins)
	if err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if result.ConflictsDetected != 1 || result.ConflictsResolved != 1 {
		t.Fatalf("result = %+v (errors: %v), want the conflict closed", result, result.Errors)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("errors = %v, want none", result.Errors)
	}

	if len(fake.items) != 1 {
		t.Fatalf("remote items = %v, want the task recreated", fake.items)
	}
	for _, it := range fake.items {
		if it.Title != "local edit" {
			t.Errorf("recreated item title = %q, want the local edit", it.Title)
		}
	}

	mp, _ = st.GetMapping(ctx, created.ID, fake.provider)
	if mp == nil {
		t.Fatal("mapping gone after resolution")
	}
	if _, ok := fake.items[mp.ExternalID]; !ok {
		t.Errorf("mapping points at %q, which does not exist remotely", mp.ExternalID)
	}

	resolved := true
	conflicts, _ := st.GetConflictsForProvider(ctx, fake.provider, &resolved)
	if len(conflicts) != 1 || conflicts[0].Resolution != ActionKeepLocal {
		t.Fatalf("resolved conflicts = %+v, want one keep_local", conflicts)
	}
}

func TestRemoteWinsRecreatesDeletedLocal(t *testing.T) {
	fake := newFakeAdapter()
	m, st, tasks := newTestManager(t, fake)
	ctx := context.Background()

	created, _ := tasks.Create(model.Task{Title: "keep me"})
	if _, err := m.SyncProvider(ctx, fake.provider, ""); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	mp, _ := st.GetMapping(ctx, created.ID, fake.provider)
	externalID := mp.ExternalID

	// Local deletion plus a remote edit.
	if _, err := tasks.Delete(created.ID); err != nil {
		t.Fatal(err)
	}
	remote := fake.items[externalID]
	remote.Title = "remote edit"
	fake.items[externalID] = remote

	result, err := m.SyncProvider(ctx, fake.provider, model.StrategyRemoteWins)
	if err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if result.ConflictsDetected != 1 || result.ConflictsResolved != 1 {
		t.Fatalf("result = %+v (errors: %v), want the conflict closed", result, result.Errors)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("errors = %v, want none", result.Errors)
	}

	all, _ := tasks.List()
	if len(all) != 1 || all[0].Title != "remote edit" {
		t.Fatalf("local tasks = %+v, want the remote state restored", all)
	}
	if all[0].ID == created.ID {
		t.Errorf("task id %d reused, want a fresh task", all[0].ID)
	}

	old, _ := st.GetMapping(ctx, created.ID, fake.provider)
	if old != nil {
		t.Errorf("stale mapping for deleted task survived: %+v", old)
	}
	mp, _ = st.GetMapping(ctx, all[0].ID, fake.provider)
	if mp == nil || mp.ExternalID != externalID {
		t.Fatalf("mapping = %+v, want re-link to %q", mp, externalID)
	}
}

func TestManualStrategyLeavesConflictOpen(t *testing.T) {
	fake := newFakeAdapter()
	m, st, tasks := newTestManager(t, fake)
	ctx := context.Background()

	created, _ := tasks.Create(model.Task{Title: "contested"})
	if _, err := m.SyncProvider(ctx, fake.provider, ""); err != nil {
		t.Fatal(err)
	}

	created.Title = "local edit"
	if err := tasks.Update(created); err != nil {
		t.Fatal(err)
	}
	mp, _ := st.GetMapping(ctx, created.ID, fake.provider)
	remote := fake.items[mp.ExternalID]
	remote.Title = "remote edit"
	fake.items[mp.ExternalID] = remote

	result, err := m.SyncProvider(ctx, fake.provider, model.StrategyManual)
	if err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if result.Status != model.StatusConflict || result.ConflictsResolved != 0 {
		t.Fatalf("result = %+v, want an open conflict", result)
	}

	unresolved := false
	conflicts, _ := st.GetConflictsForProvider(ctx, fake.provider, &unresolved)
	if len(conflicts) != 1 {
		t.Fatalf("unresolved conflicts = %d, want 1", len(conflicts))
	}
}

func TestSyncInProgressGuard(t *testing.T) {
	fake := newFakeAdapter()
	m, _, _ := newTestManager(t, fake)

	if err := m.acquire(fake.provider); err != nil {
		t.Fatal(err)
	}
	_, err := m.SyncProvider(context.Background(), fake.provider, "")
	if !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("err = %v, want ErrSyncInProgress", err)
	}
	m.release(fake.provider)

	if _, err := m.SyncProvider(context.Background(), fake.provider, ""); err != nil {
		t.Fatalf("sync after release failed: %v", err)
	}
}

func TestUnknownProviderRejected(t *testing.T) {
	fake := newFakeAdapter()
	m, _, _ := newTestManager(t, fake)

	if _, err := m.SyncProvider(context.Background(), model.ProviderNotion, ""); err == nil {
		t.Fatal("expected error for unconfigured provider")
	}
}

func TestCleanupRemovesOrphanedMappings(t *testing.T) {
	fake := newFakeAdapter()
	m, st, _ := newTestManager(t, fake)
	ctx := context.Background()

	orphan := model.NewMapping(999, "ghost", fake.provider)
	if err := st.SaveMapping(ctx, orphan); err != nil {
		t.Fatal(err)
	}

	removed, _, err := m.Cleanup(ctx, 30)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	mp, _ := st.GetMapping(ctx, 999, fake.provider)
	if mp != nil {
		t.Error("orphaned mapping survived cleanup")
	}
}
