// Package api exposes the engine over HTTP: the ingestion API for
// processing tools, the query API for the agent layer, and the
// audit/cache-control surfaces.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/yanver/vistore/internal/cache"
	"github.com/yanver/vistore/internal/compress"
	"github.com/yanver/vistore/internal/consistency"
	"github.com/yanver/vistore/internal/ingest"
	"github.com/yanver/vistore/internal/lineage"
	"github.com/yanver/vistore/internal/prefetch"
	"github.com/yanver/vistore/internal/query"
	"github.com/yanver/vistore/internal/record"
	"github.com/yanver/vistore/internal/storage"
	"github.com/yanver/vistore/internal/validate"
)

const maxIngestBodySize = 10 << 20 // 10MB

// Deps collects everything the handlers need. All instances are
// constructed at startup and passed in; nothing here is process-global.
type Deps struct {
	Ingest    *ingest.Service
	Reader    *query.Reader
	Optimizer *query.Optimizer
	Checker   *consistency.Checker
	Lineage   *lineage.Tracker
	Cache     *cache.Tiered
	Prefetch  *prefetch.Tracker
	Compress  *compress.Manager
	Token     string
}

// NewHandler builds the chi router for the engine's HTTP surface.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/media", handleCreateMedia(deps))
		r.Patch("/media/{id}/status", handleSetStatus(deps))
		r.Delete("/media/{id}", handleDeleteMedia(deps))

		r.Post("/media/{id}/records", handleStoreRecords(deps))
		r.Get("/media/{id}/records", handleFetchRecords(deps))
		r.Get("/media/{id}/context", handleFetchContext(deps))

		r.Get("/media/{id}/consistency", handleConsistency(deps))
		r.Get("/media/{id}/lineage", handleLineage(deps))
		r.Get("/media/{id}/reproducibility", handleReproducibility(deps))

		r.Post("/media/{id}/frames/check", handleCheckDuplicate(deps))
		r.Post("/frames/compress", handleCompressImage(deps))

		r.Post("/media/{id}/invalidate", handleInvalidate(deps))
		r.Get("/cache/stats", handleCacheStats(deps))
		r.Get("/query/stats", handleQueryStats(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type createMediaRequest struct {
	ID          string  `json:"id"`
	DurationSec float64 `json:"duration_sec"`
	SourcePath  string  `json:"source_path"`
}

func handleCreateMedia(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createMediaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		item, err := deps.Ingest.CreateMediaItem(r.Context(), storage.MediaItem{
			ID:          req.ID,
			DurationSec: req.DurationSec,
			SourcePath:  req.SourcePath,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create media item: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(item)
	}
}

func handleSetStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req struct {
			Status storage.MediaStatus `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		err := deps.Ingest.SetMediaStatus(r.Context(), id, req.Status)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "media item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": string(req.Status)})
	}
}

func handleDeleteMedia(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Ingest.DeleteMediaItem(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "media item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete media item: %v", err)
			return
		}
		deps.Compress.ForgetMediaItem(id)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

type storeRecordsRequest struct {
	Kind           record.Kind            `json:"kind"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Records        []record.ContextRecord `json:"records"`
}

func handleStoreRecords(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		id := chi.URLParam(r, "id")

		var req storeRecordsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Records) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "records is required and must not be empty")
			return
		}

		result, err := deps.Ingest.StoreRecords(r.Context(), id, req.Kind, req.Records, req.IdempotencyKey)
		if err != nil {
			writeStoreError(w, err)
			return
		}

		if result.Errors == nil {
			result.Errors = []string{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

// writeStoreError maps the write-path error taxonomy onto HTTP
// statuses: caller errors are 4xx and never retried, storage errors
// surface as 5xx after the retry budget is spent.
func writeStoreError(w http.ResponseWriter, err error) {
	var valErr *validate.Error
	if errors.As(err, &valErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message":    valErr.Error(),
				"type":       "validation_error",
				"violations": valErr.Violations,
			},
		})
		return
	}

	var refErr *validate.ReferentialError
	if errors.As(err, &refErr) {
		httpError(w, http.StatusConflict, "referential_error", "%v", refErr)
		return
	}

	var lineageErr *lineage.WriteFailure
	if errors.As(err, &lineageErr) {
		httpError(w, http.StatusInternalServerError, "lineage_write_failure", "%v", lineageErr)
		return
	}

	var txErr *storage.TransactionError
	if errors.As(err, &txErr) {
		httpError(w, http.StatusServiceUnavailable, "transaction_error", "%v", txErr)
		return
	}

	var timeoutErr *query.TimeoutError
	if errors.As(err, &timeoutErr) {
		httpError(w, http.StatusGatewayTimeout, "timeout_error", "%v", timeoutErr)
		return
	}

	httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
}

func handleFetchRecords(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		kind := record.Kind(r.URL.Query().Get("kind"))
		if !kind.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown record kind %q", kind)
			return
		}

		pageSize := parseIntParam(r, "limit", 0, 1000)
		page := parseIntParam(r, "page", 0, 0)

		var records []record.ContextRecord
		var err error
		if pageSize > 0 {
			records, err = deps.Prefetch.LoadPage(r.Context(), id, kind, pageSize, page)
		} else {
			filter := storage.RecordFilter{From: parseFloatParam(r, "from"), To: parseFloatParam(r, "to")}
			deps.Prefetch.RecordAccess(id, kind)
			records, err = deps.Reader.FetchRecords(r.Context(), id, kind, filter)
			deps.Prefetch.PrefetchRelated(id, kind)
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to fetch records: %v", err)
			return
		}

		if records == nil {
			records = []record.ContextRecord{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	}
}

func handleFetchContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		agg, err := deps.Reader.FetchContext(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "media item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to fetch context: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(agg)
	}
}

func handleConsistency(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		report, err := deps.Checker.CheckMediaItem(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "media item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "consistency check failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	}
}

func handleLineage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		entries, err := deps.Lineage.History(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load lineage: %v", err)
			return
		}

		if entries == nil {
			entries = []storage.LineageEntry{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entries)
	}
}

func handleReproducibility(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		info, err := deps.Lineage.ReproducibilityInfo(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to summarize reproducibility: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	}
}

type checkDuplicateRequest struct {
	Path      string  `json:"path"`
	Timestamp float64 `json:"timestamp"`
}

// handleCheckDuplicate lets a frame extraction tool ask, before
// storing, whether a frame's content was already seen for this item.
func handleCheckDuplicate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req checkDuplicateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Path == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
			return
		}

		dup, firstSeen, err := deps.Compress.CheckDuplicate(id, req.Timestamp, req.Path)
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%v", err)
			return
		}

		resp := map[string]any{"duplicate": dup}
		if dup {
			resp["first_seen_at"] = firstSeen
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleCompressImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Path == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
			return
		}

		res, err := deps.Compress.CompressImage(req.Path)
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}
}

func handleInvalidate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		deps.Cache.InvalidatePattern(r.Context(), cache.Key(cache.NamespaceVideo, id)+":*")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "invalidated"})
	}
}

func handleCacheStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deps.Cache.Stats(r.Context()))
	}
}

func handleQueryStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deps.Optimizer.Stats())
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func parseFloatParam(r *http.Request, key string) *float64 {
	s := r.URL.Query().Get(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
