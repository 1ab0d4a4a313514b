package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Content hashes cover semantic fields only: title, description, due date,
// priority, tags, project and completion state. Provider metadata noise
// (raw payloads, native encodings, fetch timestamps) never registers as a
// change. A task and its faithful external image hash identically.

func hashFields(title, description string, due *time.Time, priority Priority,
	tags []string, project string, completed bool, completedAt *time.Time) string {

	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)

	payload := map[string]any{
		"title":        title,
		"description":  description,
		"due_date":     timeKey(due),
		"priority":     int(priority),
		"tags":         sorted,
		"project":      project,
		"completed":    completed,
		"completed_at": timeKey(completedAt),
	}

	// json.Marshal emits map keys in sorted order, so the encoding is
	// canonical without any extra bookkeeping.
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func timeKey(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// HashTask computes the content hash of a local task.
func HashTask(t Task) string {
	return hashFields(t.Title, t.Description, t.DueDate, t.Priority,
		t.Tags, t.Project, t.Completed, t.CompletedAt)
}

// Hash computes the content hash of an external item.
func (i ExternalItem) Hash() string {
	return hashFields(i.Title, i.Description, i.DueDate, i.Priority,
		i.Tags, i.Project, i.Completed, i.CompletedAt)
}

// CombinedHash derives the mapping's sync hash from both side hashes.
func CombinedHash(localHash, remoteHash string) string {
	sum := sha256.Sum256([]byte(localHash + ":" + remoteHash))
	return hex.EncodeToString(sum[:])
}
