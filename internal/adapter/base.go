package adapter

import (
	"context"
	"sync"
	"time"

	"task-sync-service/internal/config"
	"task-sync-service/internal/model"
)

// Adapters re-validate cached authentication on this interval.
const authRevalidateInterval = 30 * time.Minute

// Base carries the shared plumbing every concrete adapter embeds: rate
// limiter, retry handler, cached auth state, and the project/tag translation
// tables. It is owned exclusively by its adapter instance and never shared
// across providers.
type Base struct {
	provider model.Provider
	cfg      config.ProviderConfig
	limiter  *RateLimiter
	retry    *RetryHandler

	mu            sync.Mutex
	authenticated bool
	lastAuthCheck time.Time
}

func NewBase(provider model.Provider, cfg config.ProviderConfig) Base {
	return Base{
		provider: provider,
		cfg:      cfg,
		limiter:  NewRateLimiter(cfg.RateLimitRPM),
		retry:    NewRetryHandler(cfg.MaxRetries),
	}
}

func (b *Base) Provider() model.Provider { return b.provider }

func (b *Base) Config() config.ProviderConfig { return b.cfg }

func (b *Base) Credential(key string) string { return b.cfg.Credential(key) }

// Call wraps one network operation in the rate limiter then the retry
// handler. Each retry attempt re-acquires a token so retries respect the
// provider's budget too.
func (b *Base) Call(ctx context.Context, op string, fn func() error) error {
	return b.retry.Do(ctx, op, func() error {
		if err := b.limiter.Acquire(ctx); err != nil {
			return err
		}
		return fn()
	})
}

// EnsureAuthenticated runs authenticate only when the cached state is stale
// (older than the re-validation interval) or a previous attempt failed.
func (b *Base) EnsureAuthenticated(ctx context.Context, authenticate func(context.Context) (bool, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.authenticated && time.Since(b.lastAuthCheck) < authRevalidateInterval {
		return nil
	}

	ok, err := authenticate(ctx)
	b.lastAuthCheck = time.Now()
	b.authenticated = ok && err == nil

	if err != nil {
		return err
	}
	if !ok {
		return &AuthError{Provider: b.provider, Msg: "credentials rejected"}
	}
	return nil
}

// MapProject translates a local project name to the provider side.
func (b *Base) MapProject(name string) string {
	if mapped, ok := b.cfg.ProjectMappings[name]; ok {
		return mapped
	}
	return name
}

// UnmapProject translates a provider-side project back to the local name.
func (b *Base) UnmapProject(external string) string {
	for local, mapped := range b.cfg.ProjectMappings {
		if mapped == external {
			return local
		}
	}
	return external
}

// MapTags translates local tags to provider-side names.
func (b *Base) MapTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, len(tags))
	for i, t := range tags {
		if mapped, ok := b.cfg.TagMappings[t]; ok {
			out[i] = mapped
		} else {
			out[i] = t
		}
	}
	return out
}

// UnmapTags translates provider-side tags back to local names.
func (b *Base) UnmapTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	reverse := make(map[string]string, len(b.cfg.TagMappings))
	for local, mapped := range b.cfg.TagMappings {
		reverse[mapped] = local
	}
	out := make([]string, len(tags))
	for i, t := range tags {
		if local, ok := reverse[t]; ok {
			out[i] = local
		} else {
			out[i] = t
		}
	}
	return out
}

// ShouldSyncTask applies the relationship's completed/archived filters.
func (b *Base) ShouldSyncTask(t model.Task) bool {
	if t.Completed && !b.cfg.SyncCompleted {
		return false
	}
	if t.Archived && !b.cfg.SyncArchived {
		return false
	}
	return true
}

// ShouldSyncItem is the remote-side counterpart of ShouldSyncTask.
func (b *Base) ShouldSyncItem(i model.ExternalItem) bool {
	return !(i.Completed && !b.cfg.SyncCompleted)
}

// MissingCredentials returns the required credential keys that are absent
// from the configuration.
func MissingCredentials(a Adapter, cfg config.ProviderConfig) []string {
	var missing []string
	for _, key := range a.RequiredCredentials() {
		if cfg.Credential(key) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}
