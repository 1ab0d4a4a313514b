package taskstore

import (
	"path/filepath"
	"testing"
	"time"

	"task-sync-service/internal/model"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestOpenMissingFile(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "tasks.json"))

	tasks, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("got %d tasks from an empty store", len(tasks))
	}
}

func TestCreateAssignsIDsAndTimestamps(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "tasks.json"))

	first, err := s.Create(model.Task{Title: "one"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Create(model.Task{Title: "two"})
	if err != nil {
		t.Fatal(err)
	}

	if first.ID != 1 || second.ID != 2 {
		t.Errorf("ids = %d, %d", first.ID, second.ID)
	}
	if first.CreatedAt.IsZero() || first.UpdatedAt.IsZero() {
		t.Errorf("timestamps not set: %+v", first)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "tasks.json"))

	got, err := s.Get(99)
	if err != nil {
		t.Fatalf("err = %v, want nil for absent task", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil", got)
	}
}

func TestUpdatePreservesCreatedAt(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "tasks.json"))

	created, err := s.Create(model.Task{Title: "before"})
	if err != nil {
		t.Fatal(err)
	}

	edited := created
	edited.Title = "after"
	edited.CreatedAt = time.Time{}
	if err := s.Update(edited); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(created.ID)
	if err != nil || got == nil {
		t.Fatalf("get: %+v (%v)", got, err)
	}
	if got.Title != "after" {
		t.Errorf("title = %q", got.Title)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("created_at changed: %v -> %v", created.CreatedAt, got.CreatedAt)
	}
	if got.UpdatedAt.Before(created.UpdatedAt) {
		t.Errorf("updated_at went backwards: %v -> %v", created.UpdatedAt, got.UpdatedAt)
	}
}

func TestUpdateMissingTaskFails(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "tasks.json"))

	if err := s.Update(model.Task{ID: 42, Title: "ghost"}); err == nil {
		t.Error("expected an error updating a missing task")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "tasks.json"))

	created, err := s.Create(model.Task{Title: "doomed"})
	if err != nil {
		t.Fatal(err)
	}

	ok, err := s.Delete(created.ID)
	if err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	ok, err = s.Delete(created.ID)
	if err != nil || ok {
		t.Fatalf("second delete = %v, %v, want false", ok, err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")

	s := openStore(t, path)
	due := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	created, err := s.Create(model.Task{
		Title:    "survives restarts",
		Tags:     []string{"a", "b"},
		Priority: model.PriorityHigh,
		DueDate:  &due,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(model.Task{Title: "victim"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Delete(2); err != nil {
		t.Fatal(err)
	}

	reopened := openStore(t, path)
	got, err := reopened.Get(created.ID)
	if err != nil || got == nil {
		t.Fatalf("get after reopen: %+v (%v)", got, err)
	}
	if got.Title != created.Title || got.Priority != model.PriorityHigh {
		t.Errorf("task changed across reopen: %+v", got)
	}
	if got.DueDate == nil || !got.DueDate.Equal(due) {
		t.Errorf("due = %v", got.DueDate)
	}

	// Deleted IDs are never reused.
	next, err := reopened.Create(model.Task{Title: "new"})
	if err != nil {
		t.Fatal(err)
	}
	if next.ID != 3 {
		t.Errorf("id = %d, want 3", next.ID)
	}
}
