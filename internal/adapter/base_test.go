package adapter

import (
	"context"
	"errors"
	"testing"

	"task-sync-service/internal/config"
	"task-sync-service/internal/model"
)

func testBase(cfg config.ProviderConfig) Base {
	cfg.RateLimitRPM = 600
	cfg.MaxRetries = 0
	return NewBase(model.ProviderTodoist, cfg)
}

func TestProjectMapping(t *testing.T) {
	b := testBase(config.ProviderConfig{
		ProjectMappings: map[string]string{"work": "Office"},
	})

	if got := b.MapProject("work"); got != "Office" {
		t.Errorf("MapProject = %q, want Office", got)
	}
	if got := b.MapProject("home"); got != "home" {
		t.Errorf("unmapped project = %q, want passthrough", got)
	}
	if got := b.UnmapProject("Office"); got != "work" {
		t.Errorf("UnmapProject = %q, want work", got)
	}
}

func TestTagMappingRoundTrip(t *testing.T) {
	b := testBase(config.ProviderConfig{
		TagMappings: map[string]string{"urgent": "p1"},
	})

	mapped := b.MapTags([]string{"urgent", "other"})
	if len(mapped) != 2 || mapped[0] != "p1" || mapped[1] != "other" {
		t.Fatalf("MapTags = %v", mapped)
	}

	back := b.UnmapTags(mapped)
	if len(back) != 2 || back[0] != "urgent" || back[1] != "other" {
		t.Fatalf("UnmapTags = %v", back)
	}
}

func TestSyncFilters(t *testing.T) {
	b := testBase(config.ProviderConfig{SyncCompleted: false, SyncArchived: false})

	if b.ShouldSyncTask(model.Task{Completed: true}) {
		t.Error("completed task synced despite filter")
	}
	if b.ShouldSyncTask(model.Task{Archived: true}) {
		t.Error("archived task synced despite filter")
	}
	if !b.ShouldSyncTask(model.Task{}) {
		t.Error("plain task filtered out")
	}
	if b.ShouldSyncItem(model.ExternalItem{Completed: true}) {
		t.Error("completed item synced despite filter")
	}

	b = testBase(config.ProviderConfig{SyncCompleted: true, SyncArchived: true})
	if !b.ShouldSyncTask(model.Task{Completed: true, Archived: true}) {
		t.Error("filters rejected task despite being enabled")
	}
}

func TestEnsureAuthenticatedCaches(t *testing.T) {
	b := testBase(config.ProviderConfig{})
	calls := 0
	auth := func(context.Context) (bool, error) {
		calls++
		return true, nil
	}

	for i := 0; i < 3; i++ {
		if err := b.EnsureAuthenticated(context.Background(), auth); err != nil {
			t.Fatalf("auth %d failed: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("authenticate called %d times, want 1 (cached)", calls)
	}
}

func TestEnsureAuthenticatedRejected(t *testing.T) {
	b := testBase(config.ProviderConfig{})

	err := b.EnsureAuthenticated(context.Background(), func(context.Context) (bool, error) {
		return false, nil
	})

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthError", err)
	}

	// A failed check is not cached.
	calls := 0
	b.EnsureAuthenticated(context.Background(), func(context.Context) (bool, error) {
		calls++
		return true, nil
	})
	if calls != 1 {
		t.Fatal("retry after rejection did not re-run authenticate")
	}
}
