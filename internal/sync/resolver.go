package sync

import (
	"fmt"
	"sort"
	"time"

	"task-sync-service/internal/model"
)

// Resolution actions. Terminal actions carry the winning task state in Task;
// manual and skip leave the conflict open.
const (
	ActionKeepLocal    = "keep_local"
	ActionKeepRemote   = "keep_remote"
	ActionMerge        = "merge"
	ActionManual       = "manual"
	ActionSkip         = "skip"
	ActionDeleteRemote = "delete_remote"
	ActionDeleteLocal  = "delete_local"
)

// Resolution is the outcome of applying a strategy to one conflict.
type Resolution struct {
	Action string      `json:"action"`
	Reason string      `json:"reason"`
	Task   *model.Task `json:"task,omitempty"`
}

// ConflictResolver applies a resolution strategy to a conflict given the
// current snapshots of both sides.
type ConflictResolver struct{}

func NewConflictResolver() *ConflictResolver {
	return &ConflictResolver{}
}

func (r *ConflictResolver) Resolve(conflict model.SyncConflict, strategy model.Strategy, localTask *model.Task, remoteItem *model.ExternalItem) Resolution {
	switch strategy {
	case model.StrategyLocalWins:
		return r.resolveLocalWins(conflict, localTask)
	case model.StrategyRemoteWins:
		return r.resolveRemoteWins(conflict, remoteItem)
	case model.StrategyNewestWins:
		return r.resolveNewestWins(conflict, localTask, remoteItem)
	case model.StrategyMerge:
		return r.resolveMerge(conflict, localTask, remoteItem)
	case model.StrategyManual:
		return Resolution{Action: ActionManual, Reason: "manual resolution required"}
	case model.StrategySkip:
		return Resolution{Action: ActionSkip, Reason: "conflict skipped by user choice"}
	default:
		return Resolution{Action: ActionSkip, Reason: fmt.Sprintf("unknown strategy %q", strategy)}
	}
}

func (r *ConflictResolver) resolveLocalWins(conflict model.SyncConflict, localTask *model.Task) Resolution {
	if conflict.Type == model.ConflictDeletedLocal {
		// The local deletion wins; the remote item goes away.
		return Resolution{Action: ActionDeleteRemote, Reason: "local deletion wins by strategy"}
	}
	return Resolution{
		Action: ActionKeepLocal,
		Reason: "local version wins by strategy",
		Task:   copyTask(localTask),
	}
}

func (r *ConflictResolver) resolveRemoteWins(conflict model.SyncConflict, remoteItem *model.ExternalItem) Resolution {
	if conflict.Type == model.ConflictDeletedRemote {
		return Resolution{Action: ActionDeleteLocal, Reason: "remote deletion wins by strategy"}
	}
	var task *model.Task
	if remoteItem != nil {
		t := remoteItem.ToTask(conflict.TaskID)
		task = &t
	}
	return Resolution{
		Action: ActionKeepRemote,
		Reason: "remote version wins by strategy",
		Task:   task,
	}
}

func (r *ConflictResolver) resolveNewestWins(conflict model.SyncConflict, localTask *model.Task, remoteItem *model.ExternalItem) Resolution {
	// A missing timestamp counts as the oldest possible value.
	var localTime, remoteTime time.Time
	if localTask != nil {
		localTime = localTask.UpdatedAt
	}
	if remoteItem != nil && remoteItem.UpdatedAt != nil {
		remoteTime = *remoteItem.UpdatedAt
	}

	if localTime.After(remoteTime) {
		return r.resolveLocalWins(conflict, localTask)
	}
	return r.resolveRemoteWins(conflict, remoteItem)
}

func (r *ConflictResolver) resolveMerge(conflict model.SyncConflict, localTask *model.Task, remoteItem *model.ExternalItem) Resolution {
	if localTask == nil || remoteItem == nil {
		// Nothing to merge with; fall back to recency.
		return r.resolveNewestWins(conflict, localTask, remoteItem)
	}

	merged := *localTask
	merged.Title = preferLongest(localTask.Title, remoteItem.Title)
	merged.Description = preferLongest(localTask.Description, remoteItem.Description)
	merged.DueDate = preferEarliest(localTask.DueDate, remoteItem.DueDate)
	merged.Priority = preferHighest(localTask.Priority, remoteItem.Priority)
	merged.Tags = mergeUnique(localTask.Tags, remoteItem.Tags)
	merged.Completed = localTask.Completed || remoteItem.Completed
	if merged.Completed && merged.CompletedAt == nil {
		merged.CompletedAt = remoteItem.CompletedAt
	}

	return Resolution{
		Action: ActionMerge,
		Reason: "field-level merge applied",
		Task:   &merged,
	}
}

func preferLongest(a, b string) string {
	if len(a) >= len(b) {
		return a
	}
	return b
}

func preferEarliest(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Before(*b) {
		return a
	}
	return b
}

func preferHighest(a, b model.Priority) model.Priority {
	if a >= b {
		return a
	}
	return b
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func copyTask(t *model.Task) *model.Task {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
