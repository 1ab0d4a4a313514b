// Package registry constructs adapters from provider configuration. It
// lives apart from package adapter so concrete adapters can depend on the
// shared base without a cycle.
package registry

import (
	"fmt"

	"task-sync-service/internal/adapter"
	"task-sync-service/internal/adapter/googletasks"
	"task-sync-service/internal/adapter/todoist"
	"task-sync-service/internal/config"
	"task-sync-service/internal/model"
)

// New builds the adapter named by the provider config.
func New(cfg config.ProviderConfig) (adapter.Adapter, error) {
	provider, err := model.ParseProvider(cfg.Name)
	if err != nil {
		return nil, err
	}

	switch provider {
	case model.ProviderTodoist:
		return todoist.New(cfg), nil
	case model.ProviderGoogleTasks:
		return googletasks.New(cfg), nil
	default:
		return nil, fmt.Errorf("no adapter implemented for provider %q", provider)
	}
}
