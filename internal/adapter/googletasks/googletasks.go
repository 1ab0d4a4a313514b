// Package googletasks syncs against the Google Tasks API using an OAuth2
// refresh token.
package googletasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/tasks/v1"

	"task-sync-service/internal/adapter"
	"task-sync-service/internal/config"
	"task-sync-service/internal/model"
)

const defaultTasklist = "@default"

var errNotFound = errors.New("googletasks: not found")

type Adapter struct {
	adapter.Base
	tasklist string

	mu  sync.Mutex
	svc *tasks.Service
}

func New(cfg config.ProviderConfig) *Adapter {
	tasklist := cfg.Setting("tasklist")
	if tasklist == "" {
		tasklist = defaultTasklist
	}
	return &Adapter{
		Base:     adapter.NewBase(model.ProviderGoogleTasks, cfg),
		tasklist: tasklist,
	}
}

func (a *Adapter) RequiredCredentials() []string {
	return []string{"client_id", "client_secret", "refresh_token"}
}

func (a *Adapter) service(ctx context.Context) (*tasks.Service, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.svc != nil {
		return a.svc, nil
	}

	oauthCfg := &oauth2.Config{
		ClientID:     a.Credential("client_id"),
		ClientSecret: a.Credential("client_secret"),
		Endpoint:     google.Endpoint,
		Scopes:       []string{tasks.TasksScope},
	}
	ts := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: a.Credential("refresh_token")})

	svc, err := tasks.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, &adapter.AuthError{Provider: a.Provider(), Msg: "failed to build tasks service", Err: err}
	}

	a.svc = svc
	return svc, nil
}

// classify maps googleapi errors onto the shared adapter error types.
func (a *Adapter) classify(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401 || gerr.Code == 403:
			return &adapter.AuthError{Provider: a.Provider(), Msg: gerr.Message, Err: err}
		case gerr.Code == 429:
			return &adapter.RateLimitError{Provider: a.Provider(), Msg: gerr.Message}
		case gerr.Code == 404:
			return errNotFound
		case gerr.Code == 400:
			return &adapter.ValidationError{Provider: a.Provider(), Msg: gerr.Message}
		case gerr.Code >= 500:
			return &adapter.NetworkError{Provider: a.Provider(), Msg: gerr.Message, Err: err}
		}
		return err
	}
	return &adapter.NetworkError{Provider: a.Provider(), Msg: "request failed", Err: err}
}

func (a *Adapter) Authenticate(ctx context.Context) (bool, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return false, nil
	}

	_, err = svc.Tasklists.List().MaxResults(1).Context(ctx).Do()
	err = a.classify(err)
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

func (a *Adapter) FetchItems(ctx context.Context, since *time.Time) ([]model.ExternalItem, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	var items []model.ExternalItem
	pageToken := ""
	for {
		var page *tasks.Tasks
		err := a.Call(ctx, "fetch_items", func() error {
			call := svc.Tasks.List(a.tasklist).
				ShowCompleted(true).
				ShowHidden(true).
				MaxResults(100).
				Context(ctx)
			if since != nil {
				call = call.UpdatedMin(since.UTC().Format(time.RFC3339))
			}
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var callErr error
			page, callErr = call.Do()
			return a.classify(callErr)
		})
		if err != nil {
			return nil, err
		}

		for _, t := range page.Items {
			if t.Deleted {
				continue
			}
			items = append(items, a.itemFromTask(t))
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return items, nil
}

func (a *Adapter) CreateItem(ctx context.Context, task model.Task) (model.ExternalItem, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return model.ExternalItem{}, err
	}

	payload := a.taskPayload(task)
	var created *tasks.Task
	err = a.Call(ctx, "create_item", func() error {
		var callErr error
		created, callErr = svc.Tasks.Insert(a.tasklist, payload).Context(ctx).Do()
		return a.classify(callErr)
	})
	if err != nil {
		return model.ExternalItem{}, err
	}
	return a.itemFromTask(created), nil
}

func (a *Adapter) UpdateItem(ctx context.Context, externalID string, task model.Task) (*model.ExternalItem, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	payload := a.taskPayload(task)
	payload.Id = externalID

	var updated *tasks.Task
	err = a.Call(ctx, "update_item", func() error {
		var callErr error
		updated, callErr = svc.Tasks.Update(a.tasklist, externalID, payload).Context(ctx).Do()
		return a.classify(callErr)
	})
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	item := a.itemFromTask(updated)
	return &item, nil
}

func (a *Adapter) DeleteItem(ctx context.Context, externalID string) (bool, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return false, err
	}

	err = a.Call(ctx, "delete_item", func() error {
		return a.classify(svc.Tasks.Delete(a.tasklist, externalID).Context(ctx).Do())
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
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	var lists *tasks.TaskLists
	err = a.Call(ctx, "fetch_projects", func() error {
		var callErr error
		lists, callErr = svc.Tasklists.List().MaxResults(100).Context(ctx).Do()
		return a.classify(callErr)
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(lists.Items))
	for _, l := range lists.Items {
		out[l.Title] = l.Id
	}
	return out, nil
}

// taskPayload builds the API shape of a task. Google Tasks has no labels
// or priority, so those fields do not travel.
func (a *Adapter) taskPayload(task model.Task) *tasks.Task {
	t := &tasks.Task{
		Title:  task.Title,
		Notes:  task.Description,
		Status: "needsAction",
	}
	if task.DueDate != nil {
		t.Due = task.DueDate.UTC().Format(time.RFC3339)
	}
	if task.Completed {
		t.Status = "completed"
		if task.CompletedAt != nil {
			completed := task.CompletedAt.UTC().Format(time.RFC3339)
			t.Completed = &completed
		}
	} else {
		// Clearing completion requires sending the zero-valued fields.
		t.ForceSendFields = []string{"Status"}
		t.NullFields = []string{"Completed"}
	}
	return t
}

func (a *Adapter) MapTaskToExternal(task model.Task) map[string]any {
	payload := a.taskPayload(task)
	buf, err := payload.MarshalJSON()
	if err != nil {
		return map[string]any{"title": task.Title}
	}
	var m map[string]any
	if json.Unmarshal(buf, &m) != nil {
		return map[string]any{"title": task.Title}
	}
	return m
}

func (a *Adapter) MapExternalToTask(raw map[string]any) (model.ExternalItem, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return model.ExternalItem{}, err
	}
	var t tasks.Task
	if err := json.Unmarshal(buf, &t); err != nil {
		return model.ExternalItem{}, &adapter.ValidationError{Provider: a.Provider(), Msg: fmt.Sprintf("malformed task payload: %v", err)}
	}
	return a.itemFromTask(&t), nil
}

func (a *Adapter) itemFromTask(t *tasks.Task) model.ExternalItem {
	item := model.ExternalItem{
		ExternalID:  t.Id,
		Provider:    a.Provider(),
		Title:       t.Title,
		Description: t.Notes,
		Priority:    model.PriorityNone,
		ProjectID:   a.tasklist,
		Completed:   t.Status == "completed",
	}

	if t.Due != "" {
		if due, err := time.Parse(time.RFC3339, t.Due); err == nil {
			item.DueDate = &due
		}
	}
	if t.Updated != "" {
		if updated, err := time.Parse(time.RFC3339, t.Updated); err == nil {
			item.UpdatedAt = &updated
		}
	}
	if t.Completed != nil {
		if completed, err := time.Parse(time.RFC3339, *t.Completed); err == nil {
			item.CompletedAt = &completed
		}
	}

	if buf, err := t.MarshalJSON(); err == nil {
		var m map[string]any
		if json.Unmarshal(buf, &m) == nil {
			item.RawData = m
		}
	}

	return item
}
