package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yomitori/yomitori/internal/batches"
	"github.com/yomitori/yomitori/internal/catalog"
	"github.com/yomitori/yomitori/internal/common"
	"github.com/yomitori/yomitori/internal/config"
	"github.com/yomitori/yomitori/internal/metrics"
	"github.com/yomitori/yomitori/internal/results"
	"github.com/yomitori/yomitori/internal/storage"
)

type Service struct {
	Log       *slog.Logger
	Cfg       *config.Config
	Modes     *catalog.Catalog
	Results   results.Store
	Batches   batches.Store
	Queue     *batches.Queue
	Uploader  *storage.Uploader
	Processor batches.Processor
	Metrics   *metrics.Metrics
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if svc.Metrics != nil {
		mux.Handle(http.MethodGet+" "+common.PathMetrics, svc.Metrics.Handler())
	}

	mux.HandleFunc(http.MethodPost+" "+common.PathBatches, svc.withCommon(svc.handleCreateBatch))
	// Pattern match /v1/batches/{id}
	mux.HandleFunc(http.MethodGet+" "+common.PathBatches+"/", svc.withCommon(svc.handleGetBatchByPrefix))

	mux.HandleFunc(http.MethodGet+" "+common.PathModes, svc.withCommon(svc.handleListModes))

	mux.HandleFunc(http.MethodGet+" "+common.PathResults, svc.withCommon(svc.handleListResults))
	mux.HandleFunc(http.MethodDelete+" "+common.PathResults, svc.withCommon(svc.handleClearResults))
	// Pattern match /v1/results/{filename}/text and /v1/results/{filename}/image
	mux.HandleFunc(http.MethodGet+" "+common.PathResults+"/", svc.withCommon(svc.handleResultArtifactByPrefix))

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(mux), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		// Enforce max body size
		max := safeInt64(svc.Cfg.Server.MaxBodySize)
		if max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	}
}

type createResponse struct {
	BatchID   string `json:"batch_id"`
	StatusURL string `json:"status_url"`
}

func (svc *Service) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(safeInt64(svc.Cfg.Server.MaxBodySize)); err != nil {
		http.Error(w, "invalid form: "+err.Error(), http.StatusBadRequest)
		return
	}

	fileHeaders := r.MultipartForm.File["files"]
	if len(fileHeaders) == 0 {
		http.Error(w, "at least one file is required", http.StatusBadRequest)
		return
	}

	// Mode defaults to the first catalog entry, matching the selector default.
	mode := strings.TrimSpace(r.FormValue("mode"))
	if mode == "" {
		labels := svc.Modes.Labels()
		if len(labels) > 0 {
			mode = labels[0]
		}
	}
	if _, err := svc.Modes.Resolve(mode); err != nil {
		http.Error(w, fmt.Sprintf("unknown mode %q", mode), http.StatusBadRequest)
		return
	}

	files, cleanup, err := svc.Uploader.SaveBatch(fileHeaders)
	if err != nil {
		http.Error(w, "upload failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	// Ensure we cleanup temp files if we fail later in this handler
	defer func() {
		// The worker will also call cleanup after processing, but if we failed before enqueue, cleanup here
		if cleanup != nil {
			_ = cleanup()
		}
	}()

	batch := batches.Batch{
		ID:        uuid.NewString(),
		Mode:      mode,
		Stage:     batches.StageQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := svc.Batches.CreateBatch(&batch); err != nil {
		if svc.Log != nil {
			svc.Log.Error("persist batch", "error", err)
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if svc.Log != nil {
		svc.Log.Info("batch created", "batch_id", batch.ID, "files", len(files), "mode", mode)
	}

	// Determine sync vs async based on Prefer header
	prefer := strings.ToLower(strings.TrimSpace(r.Header.Get(common.HeaderPrefer)))
	async := strings.Contains(prefer, common.PreferRespondAsync)

	if async {
		// Enqueue for async processing; transfer cleanup responsibility to worker on success
		err = svc.Queue.Enqueue(batches.WorkItem{
			Batch:   batch,
			Files:   files,
			Cleanup: cleanup,
		})
		if err != nil {
			// Failed to enqueue; cleanup will run due to defer
			http.Error(w, "queue full, try later", http.StatusServiceUnavailable)
			return
		}
		// We handed cleanup to the worker. Prevent double-delete here.
		cleanup = nil

		writeJSON(w, http.StatusAccepted, createResponse{
			BatchID:   batch.ID,
			StatusURL: path.Join(common.PathBatches, batch.ID),
		})
		return
	}

	// Synchronous processing path: run the batch inline and return the report.
	if err := svc.Processor.Process(r.Context(), batches.WorkItem{Batch: batch, Files: files}); err != nil {
		if svc.Log != nil {
			svc.Log.Error("batch processing failed", "batch_id", batch.ID, "error", err)
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	done, err := svc.Batches.GetBatch(batch.ID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, batchToOut(done))
}

var batchIDPattern = regexp.MustCompile(fmt.Sprintf("^%s/([a-f0-9-]+)$", common.PathBatches))

func (svc *Service) handleGetBatchByPrefix(w http.ResponseWriter, r *http.Request) {
	m := batchIDPattern.FindStringSubmatch(r.URL.Path)
	if len(m) != 2 {
		http.NotFound(w, r)
		return
	}
	batch, err := svc.Batches.GetBatch(m[1])
	if err != nil || batch == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, batchToOut(batch))
}

func (svc *Service) handleListModes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"modes": svc.Modes.Labels()})
}

func (svc *Service) handleListResults(w http.ResponseWriter, _ *http.Request) {
	entries, err := svc.Results.List()
	if err != nil {
		if svc.Log != nil {
			svc.Log.Error("list results", "error", err)
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, resultToOut(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (svc *Service) handleClearResults(w http.ResponseWriter, _ *http.Request) {
	if err := svc.Results.Clear(); err != nil {
		if svc.Log != nil {
			svc.Log.Error("clear results", "error", err)
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var resultArtifactPattern = regexp.MustCompile(fmt.Sprintf("^%s/(.+)/(text|image)$", common.PathResults))

func (svc *Service) handleResultArtifactByPrefix(w http.ResponseWriter, r *http.Request) {
	// r.URL.Path arrives percent-decoded already.
	m := resultArtifactPattern.FindStringSubmatch(r.URL.Path)
	if len(m) != 3 {
		http.NotFound(w, r)
		return
	}
	filename := m[1]

	entry, err := svc.Results.Get(filename)
	if err != nil {
		if results.IsNotFound(err) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	switch m[2] {
	case "text":
		download := common.DownloadPrefix + entry.Filename + common.DownloadExt
		w.Header().Set("Content-Type", common.ContentTypeText)
		w.Header().Set("Content-Disposition",
			mime.FormatMediaType("attachment", map[string]string{"filename": download}))
		_, _ = io.WriteString(w, entry.Text)
	case "image":
		w.Header().Set("Content-Type", common.ContentTypeJPEG)
		_, _ = w.Write(entry.Image)
	default:
		http.NotFound(w, r)
	}
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func batchToOut(b *batches.Batch) map[string]any {
	var errVal any = nil
	if b.ErrorMessage != nil && *b.ErrorMessage != "" {
		errVal = deref(b.ErrorMessage)
	}
	out := map[string]any{
		"batch_id":     b.ID,
		"mode":         b.Mode,
		"stage":        string(b.Stage),
		"succeeded":    b.Succeeded,
		"failed":       b.Failed,
		"created_at":   b.CreatedAt,
		"started_at":   b.StartedAt,
		"completed_at": b.CompletedAt,
		"error":        errVal,
	}
	if b.Files != nil {
		out["files"] = b.Files
	}
	return out
}

func resultToOut(e *results.Entry) map[string]any {
	return map[string]any{
		"filename":   e.Filename,
		"text":       e.Text,
		"width":      e.Width,
		"height":     e.Height,
		"mode":       e.Mode,
		"created_at": e.CreatedAt,
		"text_url":   path.Join(common.PathResults, url.PathEscape(e.Filename), "text"),
		"image_url":  path.Join(common.PathResults, url.PathEscape(e.Filename), "image"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	// Fallback to a discard logger if none provided to avoid nil deref in tests or minimal setups.
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
