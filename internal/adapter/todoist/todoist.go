// Package todoist syncs against the Todoist REST v2 API.
package todoist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"task-sync-service/internal/adapter"
	"task-sync-service/internal/config"
	"task-sync-service/internal/model"
)

const defaultBaseURL = "https://api.todoist.com/rest/v2"

var errNotFound = errors.New("todoist: not found")

type Adapter struct {
	adapter.Base
	baseURL string
	http    *http.Client

	// Project tables, filled lazily on first use.
	projectsByName map[string]string // provider name -> id
	projectsByID   map[string]string // id -> provider name
}

func New(cfg config.ProviderConfig) *Adapter {
	baseURL := cfg.Setting("base_url")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		Base:    adapter.NewBase(model.ProviderTodoist, cfg),
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *Adapter) RequiredCredentials() []string {
	return []string{"api_token"}
}

// todoistTask is the REST v2 task payload. Priority runs 1 (normal) to
// 4 (urgent), inverted relative to most UIs.
type todoistTask struct {
	ID          string      `json:"id"`
	Content     string      `json:"content"`
	Description string      `json:"description"`
	Labels      []string    `json:"labels"`
	Priority    int         `json:"priority"`
	ProjectID   string      `json:"project_id"`
	IsCompleted bool        `json:"is_completed"`
	CreatedAt   string      `json:"created_at"`
	Due         *todoistDue `json:"due"`
}

type todoistDue struct {
	Date     string `json:"date"`
	Datetime string `json:"datetime,omitempty"`
}

type todoistProject struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// do issues one authenticated request and decodes the response into out.
// Status codes are classified into the shared adapter error types so the
// retry handler can tell transient failures from permanent ones.
func (a *Adapter) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.Credential("api_token"))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return &adapter.NetworkError{Provider: a.Provider(), Msg: "request failed", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &adapter.AuthError{Provider: a.Provider(), Msg: fmt.Sprintf("status %d on %s %s", resp.StatusCode, method, path)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &adapter.RateLimitError{Provider: a.Provider(), Msg: "rate limited"}
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode == http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &adapter.ValidationError{Provider: a.Provider(), Msg: string(msg)}
	case resp.StatusCode >= 500:
		return &adapter.NetworkError{Provider: a.Provider(), Msg: fmt.Sprintf("status %d on %s %s", resp.StatusCode, method, path)}
	case resp.StatusCode >= 300:
		return fmt.Errorf("todoist: unexpected status %d on %s %s", resp.StatusCode, method, path)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	var projects []todoistProject
	err := a.do(ctx, http.MethodGet, "/projects", nil, &projects)
	if adapter.IsAuth(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) EnsureAuthenticated(ctx context.Context) error {
	return a.Base.EnsureAuthenticated(ctx, a.Authenticate)
}

func (a *Adapter) TestConnection(ctx context.Context) bool {
	ok, err := a.Authenticate(ctx)
	return ok && err == nil
}

// FetchItems returns the full collection on every call: REST v2 exposes no
// modification timestamps, so there is nothing to filter since against.
func (a *Adapter) FetchItems(ctx context.Context, _ *time.Time) ([]model.ExternalItem, error) {
	if err := a.loadProjects(ctx); err != nil {
		return nil, err
	}

	var tasks []todoistTask
	err := a.Call(ctx, "fetch_items", func() error {
		tasks = nil
		return a.do(ctx, http.MethodGet, "/tasks", nil, &tasks)
	})
	if err != nil {
		return nil, err
	}

	items := make([]model.ExternalItem, 0, len(tasks))
	for _, t := range tasks {
		item := a.itemFromTask(t)
		a.resolveProject(&item)
		items = append(items, item)
	}
	return items, nil
}

func (a *Adapter) CreateItem(ctx context.Context, task model.Task) (model.ExternalItem, error) {
	if err := a.loadProjects(ctx); err != nil {
		return model.ExternalItem{}, err
	}

	payload := a.MapTaskToExternal(task)
	if task.Project != "" {
		if id := a.projectsByName[a.MapProject(task.Project)]; id != "" {
			payload["project_id"] = id
		}
	}

	var created todoistTask
	err := a.Call(ctx, "create_item", func() error {
		return a.do(ctx, http.MethodPost, "/tasks", payload, &created)
	})
	if err != nil {
		return model.ExternalItem{}, err
	}

	// Completion state is not settable at creation time.
	if task.Completed {
		if err := a.Call(ctx, "close_item", func() error {
			return a.do(ctx, http.MethodPost, "/tasks/"+created.ID+"/close", nil, nil)
		}); err != nil {
			return model.ExternalItem{}, err
		}
		created.IsCompleted = true
	}

	item := a.itemFromTask(created)
	a.resolveProject(&item)
	return item, nil
}

func (a *Adapter) UpdateItem(ctx context.Context, externalID string, task model.Task) (*model.ExternalItem, error) {
	if err := a.loadProjects(ctx); err != nil {
		return nil, err
	}

	payload := a.MapTaskToExternal(task)

	var updated todoistTask
	err := a.Call(ctx, "update_item", func() error {
		return a.do(ctx, http.MethodPost, "/tasks/"+externalID, payload, &updated)
	})
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Completion travels over dedicated endpoints, not the update payload.
	endpoint := "/tasks/" + externalID + "/reopen"
	if task.Completed {
		endpoint = "/tasks/" + externalID + "/close"
	}
	err = a.Call(ctx, "toggle_item", func() error {
		return a.do(ctx, http.MethodPost, endpoint, nil, nil)
	})
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	updated.IsCompleted = task.Completed

	item := a.itemFromTask(updated)
	a.resolveProject(&item)
	return &item, nil
}

func (a *Adapter) DeleteItem(ctx context.Context, externalID string) (bool, error) {
	err := a.Call(ctx, "delete_item", func() error {
		return a.do(ctx, http.MethodDelete, "/tasks/"+externalID, nil, nil)
	})
	if errors.Is(err, errNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) FetchProjects(ctx context.Context) (map[string]string, error) {
	if err := a.loadProjects(ctx); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(a.projectsByName))
	for name, id := range a.projectsByName {
		out[name] = id
	}
	return out, nil
}

// loadProjects fills both project tables once per adapter lifetime.
func (a *Adapter) loadProjects(ctx context.Context) error {
	if a.projectsByName != nil {
		return nil
	}

	var projects []todoistProject
	err := a.Call(ctx, "fetch_projects", func() error {
		projects = nil
		return a.do(ctx, http.MethodGet, "/projects", nil, &projects)
	})
	if err != nil {
		return err
	}

	byName := make(map[string]string, len(projects))
	byID := make(map[string]string, len(projects))
	for _, p := range projects {
		byName[p.Name] = p.ID
		byID[p.ID] = p.Name
	}
	a.projectsByName = byName
	a.projectsByID = byID
	return nil
}

// resolveProject translates the item's project id back to the local project
// name. Callers load the project tables first.
func (a *Adapter) resolveProject(item *model.ExternalItem) {
	if item.ProjectID == "" {
		return
	}
	if name, ok := a.projectsByID[item.ProjectID]; ok {
		item.Project = a.UnmapProject(name)
	}
}

func (a *Adapter) MapTaskToExternal(task model.Task) map[string]any {
	payload := map[string]any{
		"content":  task.Title,
		"priority": nativePriority(task.Priority),
	}
	if task.Description != "" {
		payload["description"] = task.Description
	}
	if labels := a.MapTags(task.Tags); len(labels) > 0 {
		payload["labels"] = labels
	}
	if task.DueDate != nil {
		payload["due_datetime"] = task.DueDate.UTC().Format(time.RFC3339)
	}
	return payload
}

func (a *Adapter) MapExternalToTask(raw map[string]any) (model.ExternalItem, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return model.ExternalItem{}, err
	}
	var t todoistTask
	if err := json.Unmarshal(buf, &t); err != nil {
		return model.ExternalItem{}, &adapter.ValidationError{Provider: a.Provider(), Msg: err.Error()}
	}
	return a.itemFromTask(t), nil
}

func (a *Adapter) itemFromTask(t todoistTask) model.ExternalItem {
	now := time.Now().UTC()

	item := model.ExternalItem{
		ExternalID:     t.ID,
		Provider:       a.Provider(),
		Title:          t.Content,
		Description:    t.Description,
		Priority:       canonicalPriority(t.Priority),
		NativePriority: t.Priority,
		Tags:           a.UnmapTags(t.Labels),
		ProjectID:      t.ProjectID,
		Completed:      t.IsCompleted,
		UpdatedAt:      &now, // REST v2 exposes no modification timestamp
	}

	// No completed_at: the API does not report completion times, and a
	// fabricated one would register as a content change on every fetch.
	if created, err := time.Parse(time.RFC3339, t.CreatedAt); err == nil {
		item.CreatedAt = &created
	}
	if t.Due != nil {
		if t.Due.Datetime != "" {
			if due, err := time.Parse(time.RFC3339, t.Due.Datetime); err == nil {
				item.DueDate = &due
			}
		} else if t.Due.Date != "" {
			if due, err := time.Parse("2006-01-02", t.Due.Date); err == nil {
				item.DueDate = &due
			}
		}
	}

	if raw, err := json.Marshal(t); err == nil {
		var m map[string]any
		if json.Unmarshal(raw, &m) == nil {
			item.RawData = m
		}
	}

	return item
}

// nativePriority maps the canonical scale onto Todoist's 1..4, where 4 is
// the most urgent.
func nativePriority(p model.Priority) int {
	switch p {
	case model.PriorityCritical:
		return 4
	case model.PriorityHigh:
		return 3
	case model.PriorityMedium:
		return 2
	default:
		return 1
	}
}

func canonicalPriority(native int) model.Priority {
	switch native {
	case 4:
		return model.PriorityCritical
	case 3:
		return model.PriorityHigh
	case 2:
		return model.PriorityMedium
	default:
		return model.PriorityLow
	}
}
