package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"task-sync-service/internal/config"
	"task-sync-service/internal/model"
	"task-sync-service/internal/store"
	"task-sync-service/internal/sync"
)

const defaultConflictRetentionDays = 30

type Handler struct {
	cfg         *config.Config
	syncManager *sync.Manager
	store       store.Store
}

func NewHandler(cfg *config.Config, manager *sync.Manager, st store.Store) *Handler {
	return &Handler{
		cfg:         cfg,
		syncManager: manager,
		store:       st,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuth(h.cfg.Server.AuthToken))

		r.Post("/sync/trigger", h.TriggerSync)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Get("/sync/runs", h.GetSyncRuns)

		r.Get("/conflicts", h.GetConflicts)
		r.Post("/conflicts/resolve", h.ResolveConflicts)

		r.Get("/mappings/stats", h.GetMappingStats)
		r.Post("/mappings/cleanup", h.CleanupMappings)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// TriggerSync runs a sync pass synchronously and returns its results. With
// ?provider= it syncs that provider only; otherwise every enabled provider.
// A provider already mid-pass yields 409.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	strategy := model.Strategy(r.URL.Query().Get("strategy"))

	if name := r.URL.Query().Get("provider"); name != "" {
		provider, err := model.ParseProvider(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		result, err := h.syncManager.SyncProvider(r.Context(), provider, strategy)
		if errors.Is(err, sync.ErrSyncInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if result == nil && err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	results := h.syncManager.SyncAll(r.Context())
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": h.syncManager.Status(),
	})
}

func (h *Handler) GetSyncRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	runs, err := h.store.GetSyncRuns(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*model.SyncResult{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) GetConflicts(w http.ResponseWriter, r *http.Request) {
	var resolved *bool
	if v := r.URL.Query().Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid resolved filter")
			return
		}
		resolved = &b
	}

	var conflicts []*model.SyncConflict
	var err error
	if name := r.URL.Query().Get("provider"); name != "" {
		provider, perr := model.ParseProvider(name)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		conflicts, err = h.store.GetConflictsForProvider(r.Context(), provider, resolved)
	} else {
		conflicts, err = h.store.GetAllConflicts(r.Context(), resolved)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if conflicts == nil {
		conflicts = []*model.SyncConflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type resolveRequest struct {
	Provider string `json:"provider"`
	Strategy string `json:"strategy"`
}

// ResolveConflicts applies a strategy to every unresolved conflict stored
// for a provider.
func (h *Handler) ResolveConflicts(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	provider, err := model.ParseProvider(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	strategy, err := parseStrategy(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resolved, err := h.syncManager.ResolveConflicts(r.Context(), provider, strategy)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"resolved": resolved,
			"error":    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": resolved})
}

func (h *Handler) GetMappingStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type cleanupRequest struct {
	OlderThanDays int `json:"older_than_days"`
}

// CleanupMappings drops orphaned mappings and resolved conflicts past the
// retention window.
func (h *Handler) CleanupMappings(w http.ResponseWriter, r *http.Request) {
	req := cleanupRequest{OlderThanDays: defaultConflictRetentionDays}
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.OlderThanDays <= 0 {
		req.OlderThanDays = defaultConflictRetentionDays
	}

	mappings, conflicts, err := h.syncManager.Cleanup(r.Context(), req.OlderThanDays)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mappings_removed":  mappings,
		"conflicts_removed": conflicts,
	})
}

func parseStrategy(s string) (model.Strategy, error) {
	switch st := model.Strategy(s); st {
	case model.StrategyLocalWins, model.StrategyRemoteWins, model.StrategyNewestWins,
		model.StrategyMerge, model.StrategyManual, model.StrategySkip:
		return st, nil
	default:
		return "", errors.New("unknown strategy " + strconv.Quote(s))
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// BearerAuth rejects requests without the configured token. An empty token
// disables the check.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
