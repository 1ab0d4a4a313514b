package model

import (
	"fmt"
	"time"
)

// Provider identifies an external task service.
type Provider string

const (
	ProviderTodoist        Provider = "todoist"
	ProviderAppleReminders Provider = "apple_reminders"
	ProviderTickTick       Provider = "ticktick"
	ProviderNotion         Provider = "notion"
	ProviderEvernote       Provider = "evernote"
	ProviderMicrosoftTodo  Provider = "microsoft_todo"
	ProviderAnyDo          Provider = "any_do"
	ProviderGoogleTasks    Provider = "google_tasks"
	ProviderOmniFocus      Provider = "omnifocus"
	ProviderThings         Provider = "things"
)

var knownProviders = map[Provider]bool{
	ProviderTodoist:        true,
	ProviderAppleReminders: true,
	ProviderTickTick:       true,
	ProviderNotion:         true,
	ProviderEvernote:       true,
	ProviderMicrosoftTodo:  true,
	ProviderAnyDo:          true,
	ProviderGoogleTasks:    true,
	ProviderOmniFocus:      true,
	ProviderThings:         true,
}

func ParseProvider(s string) (Provider, error) {
	p := Provider(s)
	if !knownProviders[p] {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}

// Priority is the canonical priority scale. Higher means more urgent.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Direction controls which side of a sync relationship gets written.
type Direction string

const (
	DirectionBidirectional Direction = "bidirectional"
	DirectionPushOnly      Direction = "push_only"
	DirectionPullOnly      Direction = "pull_only"
)

// Strategy selects how conflicts are resolved.
type Strategy string

const (
	StrategyLocalWins  Strategy = "local_wins"
	StrategyRemoteWins Strategy = "remote_wins"
	StrategyNewestWins Strategy = "newest_wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
	StrategySkip       Strategy = "skip"
)

// ConflictType classifies how the two sides diverged.
type ConflictType string

const (
	ConflictModifiedBoth  ConflictType = "modified_both"
	ConflictDeletedLocal  ConflictType = "deleted_local"  // deleted locally, modified remotely
	ConflictDeletedRemote ConflictType = "deleted_remote" // modified locally, deleted remotely
)

// ChangeType classifies a detected delta.
type ChangeType string

const (
	ChangeCreated   ChangeType = "created"
	ChangeModified  ChangeType = "modified"
	ChangeDeleted   ChangeType = "deleted"
	ChangeCompleted ChangeType = "completed"
	ChangeReopened  ChangeType = "reopened"
)

// SyncStatus is the outcome of one sync pass for one provider.
type SyncStatus string

const (
	StatusSuccess   SyncStatus = "success"
	StatusConflict  SyncStatus = "conflict"
	StatusError     SyncStatus = "error"
	StatusNoChanges SyncStatus = "no_changes"
	StatusPartial   SyncStatus = "partial"
)

// Task is a snapshot of a local task record. The sync engine never mutates
// caller-owned tasks; plan application goes through the task store.
type Task struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Project     string     `json:"project,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Priority    Priority   `json:"priority"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Archived    bool       `json:"archived,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ExternalItem is the unified representation of an item held by a provider.
// Priority carries the canonical scale; NativePriority keeps the provider's
// own encoding so it never has to be re-derived from RawData.
type ExternalItem struct {
	ExternalID     string         `json:"external_id"`
	Provider       Provider       `json:"provider"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	DueDate        *time.Time     `json:"due_date,omitempty"`
	Priority       Priority       `json:"priority"`
	NativePriority int            `json:"native_priority,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Project        string         `json:"project,omitempty"`
	ProjectID      string         `json:"project_id,omitempty"`
	Completed      bool           `json:"completed"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CreatedAt      *time.Time     `json:"created_at,omitempty"`
	UpdatedAt      *time.Time     `json:"updated_at,omitempty"`
	RawData        map[string]any `json:"raw_data,omitempty"`
}

// ToTask converts the item into a local task shape with the given ID.
func (i ExternalItem) ToTask(taskID int64) Task {
	now := time.Now().UTC()
	created := now
	if i.CreatedAt != nil {
		created = *i.CreatedAt
	}
	updated := now
	if i.UpdatedAt != nil {
		updated = *i.UpdatedAt
	}
	return Task{
		ID:          taskID,
		Title:       i.Title,
		Description: i.Description,
		Project:     i.Project,
		Tags:        append([]string(nil), i.Tags...),
		DueDate:     i.DueDate,
		Priority:    i.Priority,
		Completed:   i.Completed,
		CompletedAt: i.CompletedAt,
		CreatedAt:   created,
		UpdatedAt:   updated,
	}
}

// ExternalFromTask builds the provider-side image of a local task, as it is
// expected to look after a successful push.
func ExternalFromTask(t Task, provider Provider, externalID string) ExternalItem {
	now := time.Now().UTC()
	return ExternalItem{
		ExternalID:  externalID,
		Provider:    provider,
		Title:       t.Title,
		Description: t.Description,
		DueDate:     t.DueDate,
		Priority:    t.Priority,
		Tags:        append([]string(nil), t.Tags...),
		Project:     t.Project,
		Completed:   t.Completed,
		CompletedAt: t.CompletedAt,
		CreatedAt:   &t.CreatedAt,
		UpdatedAt:   &now,
	}
}

// FieldChange records an old/new value pair for one field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Change is an ephemeral record of one detected delta. Local changes carry
// TaskID, remote changes carry ExternalID. Changes are derived fresh every
// sync pass and never persisted.
type Change struct {
	Type       ChangeType             `json:"type"`
	TaskID     int64                  `json:"task_id,omitempty"`
	ExternalID string                 `json:"external_id,omitempty"`
	Fields     map[string]FieldChange `json:"fields,omitempty"`
	DetectedAt time.Time              `json:"detected_at"`
}

// SyncMapping is the durable correlation between one local task and one
// external item for one provider. The snapshots hold the last-synced state
// of each side so per-field diffs have real old values to compare against.
type SyncMapping struct {
	TaskID         int64         `json:"task_id"`
	ExternalID     string        `json:"external_id"`
	Provider       Provider      `json:"provider"`
	LastSynced     time.Time     `json:"last_synced"`
	SyncHash       string        `json:"sync_hash"`
	LocalHash      string        `json:"local_hash,omitempty"`
	RemoteHash     string        `json:"remote_hash,omitempty"`
	LocalSnapshot  *Task         `json:"local_snapshot,omitempty"`
	RemoteSnapshot *ExternalItem `json:"remote_snapshot,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	SyncCount      int           `json:"sync_count"`
	LastError      string        `json:"last_error,omitempty"`
}

// NewMapping links a task to an external item for the first time.
func NewMapping(taskID int64, externalID string, provider Provider) *SyncMapping {
	now := time.Now().UTC()
	return &SyncMapping{
		TaskID:     taskID,
		ExternalID: externalID,
		Provider:   provider,
		LastSynced: now,
		CreatedAt:  now,
	}
}

// UpdateSync refreshes hashes, snapshots and bookkeeping after a successful
// apply. Either side may be nil when only one side was touched; the stored
// hash and snapshot for the nil side are kept as-is.
func (m *SyncMapping) UpdateSync(task *Task, item *ExternalItem) {
	if task != nil {
		t := *task
		m.LocalSnapshot = &t
		m.LocalHash = HashTask(t)
	}
	if item != nil {
		it := *item
		m.RemoteSnapshot = &it
		m.RemoteHash = it.Hash()
	}
	m.SyncHash = CombinedHash(m.LocalHash, m.RemoteHash)
	m.LastSynced = time.Now().UTC()
	m.SyncCount++
	m.LastError = ""
}

// SyncConflict is persisted when both sides changed incompatibly. Conflicts
// are expected, modeled data, not errors.
type SyncConflict struct {
	ID            string                 `json:"id"`
	TaskID        int64                  `json:"task_id"`
	Provider      Provider               `json:"provider"`
	Type          ConflictType           `json:"type"`
	LocalTask     *Task                  `json:"local_task,omitempty"`
	RemoteItem    *ExternalItem          `json:"remote_item,omitempty"`
	LocalChanges  map[string]FieldChange `json:"local_changes,omitempty"`
	RemoteChanges map[string]FieldChange `json:"remote_changes,omitempty"`
	DetectedAt    time.Time              `json:"detected_at"`
	Resolved      bool                   `json:"resolved"`
	Resolution    string                 `json:"resolution,omitempty"`
	ResolvedAt    *time.Time             `json:"resolved_at,omitempty"`
}

// Resolve marks the conflict resolved with the chosen resolution descriptor.
func (c *SyncConflict) Resolve(resolution string) {
	now := time.Now().UTC()
	c.Resolved = true
	c.Resolution = resolution
	c.ResolvedAt = &now
}

// SyncResult summarizes one sync pass for one provider.
type SyncResult struct {
	ID                string     `json:"id"`
	Provider          Provider   `json:"provider"`
	Status            SyncStatus `json:"status"`
	ItemsSynced       int        `json:"items_synced"`
	ItemsCreated      int        `json:"items_created"`
	ItemsUpdated      int        `json:"items_updated"`
	ItemsDeleted      int        `json:"items_deleted"`
	ConflictsDetected int        `json:"conflicts_detected"`
	ConflictsResolved int        `json:"conflicts_resolved"`
	Errors            []string   `json:"errors,omitempty"`
	Warnings          []string   `json:"warnings,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	DurationMillis    int64      `json:"duration_ms"`
}

func (r *SyncResult) Complete() {
	now := time.Now().UTC()
	r.CompletedAt = &now
	r.DurationMillis = now.Sub(r.StartedAt).Milliseconds()
}

func (r *SyncResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	if r.Status == StatusSuccess {
		r.Status = StatusError
	}
}

func (r *SyncResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
