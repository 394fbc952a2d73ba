package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	appai "github.com/dtrovato997/speechanalysis/internal/application/ai"
	"github.com/dtrovato997/speechanalysis/internal/application/analyses"
	"github.com/dtrovato997/speechanalysis/internal/application/inference"
	"github.com/dtrovato997/speechanalysis/internal/application/recording"
	domai "github.com/dtrovato997/speechanalysis/internal/domain/ai"
	domain "github.com/dtrovato997/speechanalysis/internal/domain/analysis"
	"github.com/dtrovato997/speechanalysis/internal/middleware"
)

// maxUploadBytes caps a single multipart upload. Recordings are short
// voice samples, so anything beyond this is a client mistake.
const maxUploadBytes = 50 << 20

// submitTimeout bounds a background submission kicked off over HTTP.
const submitTimeout = 5 * time.Minute

// errBadRequest marks request-shape problems (malformed body, bad id)
// so wrap can map them to 400 instead of 500.
var errBadRequest = errors.New("bad request")

type Router struct {
	analyses  *analyses.Service
	session   *recording.Session
	submitter *inference.Submitter
	aiSvc     *appai.Service
	hub       *EventHub
	tmpDir    string
	log       *slog.Logger
}

// RouterConfig carries the wired services plus the HTTP-layer knobs.
type RouterConfig struct {
	Analyses  *analyses.Service
	Session   *recording.Session
	Submitter *inference.Submitter
	AI        *appai.Service
	Hub       *EventHub
	Health    map[string]middleware.HealthChecker
	APIKey    string
	TmpDir    string
	Log       *slog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	rt := &Router{
		analyses:  cfg.Analyses,
		session:   cfg.Session,
		submitter: cfg.Submitter,
		aiSvc:     cfg.AI,
		hub:       cfg.Hub,
		tmpDir:    cfg.TmpDir,
		log:       cfg.Log,
	}
	if rt.tmpDir == "" {
		rt.tmpDir = os.TempDir()
	}
	if rt.log == nil {
		rt.log = slog.Default()
	}

	mux := chi.NewRouter()

	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	mux.Use(middleware.RequestLogger(rt.log))
	mux.Use(middleware.MetricsMiddleware)
	mux.Use(middleware.APIKeyAuth(cfg.APIKey))
	mux.Use(middleware.RateLimitMiddleware(20, 10))

	mux.Get("/health", middleware.HealthHandler(cfg.Health))
	mux.Get("/metrics", middleware.MetricsHandler)

	mux.Route("/v1/analyses", func(r chi.Router) {
		r.Post("/", rt.wrap(rt.handleCreateAnalysis))
		r.Get("/", rt.wrap(rt.handleListAnalyses))
		r.Get("/{id}", rt.wrap(rt.handleGetAnalysis))
		r.Delete("/{id}", rt.wrap(rt.handleDeleteAnalysis))
		r.Get("/{id}/audio", rt.wrap(rt.handleAudio))
		r.Post("/{id}/predictions", rt.wrap(rt.handlePredictions))
		r.Post("/{id}/feedback", rt.wrap(rt.handleFeedback))
		r.Put("/{id}/tags", rt.wrap(rt.handleTags))
		r.Post("/{id}/submit", rt.wrap(rt.handleSubmit))
		r.Post("/{id}/archive", rt.wrap(rt.handleArchive))
		r.Post("/{id}/summary", rt.wrap(rt.handleSummary))
	})

	mux.Route("/v1/recording", func(r chi.Router) {
		r.Get("/", rt.wrap(rt.handleRecordingStatus))
		r.Get("/events", rt.handleEvents)
		r.Post("/start", rt.wrap(rt.handleRecordingStart))
		r.Post("/pause", rt.wrap(rt.handleRecordingPause))
		r.Post("/resume", rt.wrap(rt.handleRecordingResume))
		r.Post("/stop", rt.wrap(rt.handleRecordingStop))
		r.Post("/cancel", rt.wrap(rt.handleRecordingCancel))
		r.Post("/restart", rt.wrap(rt.handleRecordingRestart))
		r.Post("/save", rt.wrap(rt.handleRecordingSave))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (rt *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		switch {
		case errors.Is(err, domain.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, errBadRequest),
			errors.Is(err, domain.ErrEmptyTitle),
			errors.Is(err, domain.ErrSourceMissing),
			errors.Is(err, domain.ErrUnknownChannel):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, recording.ErrInvalidState),
			errors.Is(err, domain.ErrNoPrediction):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, inference.ErrThrottled),
			errors.Is(err, domai.ErrQuotaExceeded):
			http.Error(w, err.Error(), http.StatusTooManyRequests)
		case errors.Is(err, domai.ErrNotConfigured),
			errors.Is(err, analyses.ErrArchiveUnavailable):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			rt.log.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func idParam(req *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid analysis id", errBadRequest)
	}
	return id, nil
}

func splitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := middleware.SanitizeString(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// POST /v1/analyses
// Multipart form: file (required), title, description, tags (comma separated).
func (rt *Router) handleCreateAnalysis(w http.ResponseWriter, req *http.Request) error {
	req.Body = http.MaxBytesReader(w, req.Body, maxUploadBytes)
	if err := req.ParseMultipartForm(8 << 20); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	file, hdr, err := req.FormFile("file")
	if err != nil {
		return fmt.Errorf("%w: file field is required", errBadRequest)
	}
	defer file.Close()
	if err := middleware.ValidateAudioFilename(hdr.Filename); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}

	// Stage the upload under a fresh name; the create flow copies it
	// into the vault and the stage is removed afterwards.
	ext := strings.ToLower(filepath.Ext(hdr.Filename))
	stage := filepath.Join(rt.tmpDir, "upload_"+uuid.New().String()+ext)
	dst, err := os.Create(stage)
	if err != nil {
		return fmt.Errorf("stage upload: %w", err)
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(stage)
		return fmt.Errorf("stage upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(stage)
		return fmt.Errorf("stage upload: %w", err)
	}
	defer os.Remove(stage)

	a, err := rt.analyses.CreateAnalysis(req.Context(), analyses.CreateAnalysisCommand{
		Title:       middleware.SanitizeString(req.FormValue("title")),
		Description: middleware.SanitizeString(req.FormValue("description")),
		SourcePath:  stage,
		Tags:        splitTags(req.FormValue("tags")),
	})
	if err != nil {
		return err
	}
	middleware.IncrementAnalysesCreated()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	return json.NewEncoder(w).Encode(a)
}

// GET /v1/analyses?limit=20
func (rt *Router) handleListAnalyses(w http.ResponseWriter, req *http.Request) error {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))

	list, err := rt.analyses.List(req.Context(), middleware.ValidateLimit(limit))
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(list)
}

// GET /v1/analyses/{id}
func (rt *Router) handleGetAnalysis(w http.ResponseWriter, req *http.Request) error {
	id, err := idParam(req)
	if err != nil {
		return err
	}

	a, err := rt.analyses.Get(req.Context(), id)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(a)
}

// DELETE /v1/analyses/{id}
func (rt *Router) handleDeleteAnalysis(w http.ResponseWriter, req *http.Request) error {
	id, err := idParam(req)
	if err != nil {
		return err
	}
	if err := rt.analyses.DeleteAnalysis(req.Context(), id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// GET /v1/analyses/{id}/audio
func (rt *Router) handleAudio(w http.ResponseWriter, req *http.Request) error {
	id, err := idParam(req)
	if err != nil {
		return err
	}
	a, err := rt.analyses.Get(req.Context(), id)
	if err != nil {
		return err
	}
	if a.RecordingPath == "" {
		return fmt.Errorf("no audio stored: %w", domain.ErrNotFound)
	}
	if _, err := os.Stat(a.RecordingPath); err != nil {
		return fmt.Errorf("no audio stored: %w", domain.ErrNotFound)
	}
	http.ServeFile(w, req, a.RecordingPath)
	return nil
}

// POST /v1/analyses/{id}/predictions
// Body: {"results": {"AGE": {"age": 34.5}, ...}, "completed_at": "..."}
// Ingress for results produced outside the built-in submitter.
func (rt *Router) handlePredictions(w http.ResponseWriter, req *http.Request) error {
	id, err := idParam(req)
	if err != nil {
		return err
	}

	var body struct {
		Results     map[string]map[string]float64 `json:"results"`
		CompletedAt *time.Time                    `json:"completed_at"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if len(body.Results) == 0 {
		return fmt.Errorf("%w: results are required", errBadRequest)
	}
	completedAt := time.Now().UTC()
	if body.CompletedAt != nil {
		completedAt = body.CompletedAt.UTC()
	}

	// Validate every channel before writing any of them.
	type item struct {
		ch     domain.Channel
		values map[string]float64
	}
	items := make([]item, 0, len(body.Results))
	for name, values := range body.Results {
		ch, err := domain.ParseChannel(name)
		if err != nil {
			return err
		}
		if len(values) == 0 {
			return fmt.Errorf("%w: empty result for channel %s", errBadRequest, ch)
		}
		items = append(items, item{ch, values})
	}
	for _, it := range items {
		if err := rt.analyses.ApplyPredictions(req.Context(), id, it.ch, it.values, completedAt); err != nil {
			return err
		}
	}

	a, err := rt.analyses.Get(req.Context(), id)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(a)
}

// POST /v1/analyses/{id}/feedback
// Body: {"channel": "AGE", "correct": true}
func (rt *Router) handleFeedback(w http.ResponseWriter, req *http.Request) error {
	id, err := idParam(req)
	if err != nil {
		return err
	}

	var body struct {
		Channel string `json:"channel"`
		Correct *bool  `json:"correct"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if body.Correct == nil {
		return fmt.Errorf("%w: correct is required", errBadRequest)
	}
	ch, err := domain.ParseChannel(body.Channel)
	if err != nil {
		return err
	}

	if err := rt.analyses.SetFeedback(req.Context(), id, ch, *body.Correct); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// PUT /v1/analyses/{id}/tags
// Body: {"tags": ["field", "outdoor"]}
func (rt *Router) handleTags(w http.ResponseWriter, req *http.Request) error {
	id, err := idParam(req)
	if err != nil {
		return err
	}

	var body struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	tags := make([]string, 0, len(body.Tags))
	for _, t := range body.Tags {
		if s := middleware.SanitizeString(t); s != "" {
			tags = append(tags, s)
		}
	}

	if err := rt.analyses.SetTags(req.Context(), id, tags); err != nil {
		return err
	}
	a, err := rt.analyses.Get(req.Context(), id)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(a)
}

// POST /v1/analyses/{id}/submit
// Pushes the recording to the inference backend in the background; the
// client polls the record (or the list) for results.
func (rt *Router) handleSubmit(w http.ResponseWriter, req *http.Request) error {
	id, err := idParam(req)
	if err != nil {
		return err
	}
	// Existence check up front so a bad id still gets its 404.
	if _, err := rt.analyses.Get(req.Context(), id); err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		defer cancel()
		if err := rt.submitter.SubmitNow(ctx, id); err != nil {
			rt.log.Error("background submission failed", "id", id, "error", err)
		}
	}()
	middleware.IncrementSubmissionsQueued()

	resp := map[string]any{
		"status":   "queued",
		"id":       id,
		"message":  "submission started in background",
		"queuedAt": time.Now().UTC(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	return json.NewEncoder(w).Encode(resp)
}

// POST /v1/analyses/{id}/archive
func (rt *Router) handleArchive(w http.ResponseWriter, req *http.Request) error {
	id, err := idParam(req)
	if err != nil {
		return err
	}

	url, err := rt.analyses.ArchiveAnalysis(req.Context(), id)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(map[string]string{"archive_url": url})
}

// POST /v1/analyses/{id}/summary
func (rt *Router) handleSummary(w http.ResponseWriter, req *http.Request) error {
	id, err := idParam(req)
	if err != nil {
		return err
	}

	a, err := rt.analyses.Get(req.Context(), id)
	if err != nil {
		return err
	}
	text, err := rt.aiSvc.Summarize(req.Context(), a)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(map[string]string{"summary": text})
}

func (rt *Router) writeStatus(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(rt.session.Status())
}

// GET /v1/recording
func (rt *Router) handleRecordingStatus(w http.ResponseWriter, req *http.Request) error {
	return rt.writeStatus(w)
}

// POST /v1/recording/start
func (rt *Router) handleRecordingStart(w http.ResponseWriter, req *http.Request) error {
	if err := rt.session.Start(); err != nil {
		return err
	}
	middleware.IncrementRecordingsStarted()
	return rt.writeStatus(w)
}

// POST /v1/recording/pause
func (rt *Router) handleRecordingPause(w http.ResponseWriter, req *http.Request) error {
	if err := rt.session.Pause(); err != nil {
		return err
	}
	return rt.writeStatus(w)
}

// POST /v1/recording/resume
func (rt *Router) handleRecordingResume(w http.ResponseWriter, req *http.Request) error {
	if err := rt.session.Resume(); err != nil {
		return err
	}
	return rt.writeStatus(w)
}

// POST /v1/recording/stop
func (rt *Router) handleRecordingStop(w http.ResponseWriter, req *http.Request) error {
	if err := rt.session.Stop(); err != nil {
		return err
	}
	return rt.writeStatus(w)
}

// POST /v1/recording/cancel
func (rt *Router) handleRecordingCancel(w http.ResponseWriter, req *http.Request) error {
	if err := rt.session.Cancel(); err != nil {
		return err
	}
	return rt.writeStatus(w)
}

// POST /v1/recording/restart
func (rt *Router) handleRecordingRestart(w http.ResponseWriter, req *http.Request) error {
	if err := rt.session.Restart(); err != nil {
		return err
	}
	middleware.IncrementRecordingsStarted()
	return rt.writeStatus(w)
}

// POST /v1/recording/save
// Body: {"title": "...", "description": "...", "tags": ["..."]}
func (rt *Router) handleRecordingSave(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Tags        []string `json:"tags"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}

	a, err := rt.session.Save(req.Context(),
		middleware.SanitizeString(body.Title),
		middleware.SanitizeString(body.Description),
		splitAndCleanTags(body.Tags))
	if err != nil {
		return err
	}
	middleware.IncrementAnalysesCreated()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	return json.NewEncoder(w).Encode(a)
}

func splitAndCleanTags(raw []string) []string {
	tags := make([]string, 0, len(raw))
	for _, t := range raw {
		if s := middleware.SanitizeString(t); s != "" {
			tags = append(tags, s)
		}
	}
	return tags
}

// GET /v1/recording/events
// Upgrades to a websocket and streams session snapshots.
func (rt *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	rt.hub.Serve(w, req, rt.session.Status())
}
