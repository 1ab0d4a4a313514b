// Package taskstore persists the local task collection as a single JSON
// file. It is the system of record the sync engine reads from and writes
// back into when pulling remote changes.
package taskstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"task-sync-service/internal/model"
)

type fileFormat struct {
	NextID int64        `json:"next_id"`
	Tasks  []model.Task `json:"tasks"`
}

// Store keeps the whole collection in memory and rewrites the file on
// every mutation. Writes go through a temp file plus rename so a crash
// never leaves a half-written collection behind.
type Store struct {
	mu     sync.RWMutex
	path   string
	nextID int64
	tasks  map[int64]model.Task
}

func Open(path string) (*Store, error) {
	s := &Store{
		path:   path,
		nextID: 1,
		tasks:  make(map[int64]model.Task),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task store: %w", err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse task store: %w", err)
	}

	for _, t := range f.Tasks {
		s.tasks[t.ID] = t
		if t.ID >= s.nextID {
			s.nextID = t.ID + 1
		}
	}
	if f.NextID > s.nextID {
		s.nextID = f.NextID
	}

	return s, nil
}

// List returns all tasks sorted by ID.
func (s *Store) List() ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Get(id int64) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// Create assigns an ID and timestamps and persists the task.
func (s *Store) Create(t model.Task) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	t.ID = s.nextID
	s.nextID++
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}

	s.tasks[t.ID] = t
	if err := s.flush(); err != nil {
		delete(s.tasks, t.ID)
		return model.Task{}, err
	}
	return t, nil
}

// Update replaces the stored task, bumping UpdatedAt.
func (s *Store) Update(t model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %d not found", t.ID)
	}

	t.CreatedAt = prev.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = t

	if err := s.flush(); err != nil {
		s.tasks[t.ID] = prev
		return err
	}
	return nil
}

func (s *Store) Delete(id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.tasks[id]
	if !ok {
		return false, nil
	}
	delete(s.tasks, id)

	if err := s.flush(); err != nil {
		s.tasks[id] = prev
		return false, err
	}
	return true, nil
}

func (s *Store) flush() error {
	f := fileFormat{
		NextID: s.nextID,
		Tasks:  make([]model.Task, 0, len(s.tasks)),
	}
	for _, t := range s.tasks {
		f.Tasks = append(f.Tasks, t)
	}
	sort.Slice(f.Tasks, func(i, j int) bool { return f.Tasks[i].ID < f.Tasks[j].ID })

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
