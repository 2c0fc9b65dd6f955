package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/scout-interest/scout/internal/export"
	"github.com/scout-interest/scout/internal/model"
	"github.com/scout-interest/scout/internal/resolver"
	"github.com/scout-interest/scout/internal/store"
	"github.com/scout-interest/scout/internal/upload"
	"github.com/scout-interest/scout/pkg/meta"
)

// Jobs starts, stops and reports background batches.
type Jobs interface {
	Start(ctx context.Context, projectID string) (string, error)
	Stop(projectID string) bool
	Status(ctx context.Context, projectID string) (*model.BatchStatus, error)
}

// InterestSearcher looks up Meta interest targeting entries.
type InterestSearcher interface {
	SearchInterests(ctx context.Context, query string, limit int) ([]meta.Interest, error)
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// MaxUploadBytes bounds upload bodies. Default: 10 MiB.
	MaxUploadBytes int64
	// JobThrottle paces process and stop requests per project.
	JobThrottle *Throttle
}

// Handler implements the API handlers.
type Handler struct {
	store     store.Store
	jobs      Jobs
	interests InterestSearcher
	opts      HandlerOptions
}

// NewHandler creates a Handler.
func NewHandler(st store.Store, jobs Jobs, interests InterestSearcher, opts HandlerOptions) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	return &Handler{store: st, jobs: jobs, interests: interests, opts: opts}
}

var validate = validator.New()

type createProjectRequest struct {
	Name        string   `json:"name" validate:"required,max=200"`
	CountryCode string   `json:"country_code" validate:"omitempty,len=2,alpha"`
	PostalCodes []string `json:"postal_codes" validate:"required,min=1"`
}

type createProjectResponse struct {
	Project    *model.Project `json:"project"`
	Duplicates int            `json:"duplicates"`
	Skipped    int            `json:"skipped"`
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeProblem(w, r, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListProjects handles GET /api/projects.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ProjectFilter{Limit: 50}

	if s := q.Get("status"); s != "" {
		filter.Status = model.ProjectStatus(s)
		if !filter.Status.Valid() {
			writeProblem(w, r, http.StatusBadRequest, fmt.Sprintf("unknown status %q", s))
			return
		}
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 50, 1, 500); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0, 0, 1<<31-1); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "offset: "+err.Error())
		return
	}

	projects, err := h.store.ListProjects(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if projects == nil {
		projects = []model.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

// CreateProject handles POST /api/projects. It accepts a multipart upload
// with a "file" part, or a JSON body listing postal codes.
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)

	var (
		req    createProjectRequest
		parsed *upload.Result
		err    error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		req, parsed, err = h.readUpload(r)
	} else {
		req, parsed, err = readCodeList(r)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, r, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeProblem(w, r, http.StatusUnprocessableEntity, validationDetail(err))
		return
	}

	p, err := h.store.CreateProject(r.Context(), store.NewProject{
		Name:        req.Name,
		CountryCode: resolver.NormalizeCountry(req.CountryCode),
		PostalCodes: parsed.Codes,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createProjectResponse{
		Project:    p,
		Duplicates: parsed.Duplicates,
		Skipped:    parsed.Skipped,
	})
}

func (h *Handler) readUpload(r *http.Request) (createProjectRequest, *upload.Result, error) {
	var req createProjectRequest
	if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
		return req, nil, err
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return req, nil, eris.Wrap(err, "file")
	}
	defer file.Close() //nolint:errcheck

	parsed, err := upload.Parse(file, header.Filename)
	if err != nil {
		return req, nil, err
	}
	req.Name = strings.TrimSpace(r.FormValue("name"))
	if req.Name == "" {
		req.Name = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	}
	req.CountryCode = strings.TrimSpace(r.FormValue("country_code"))
	req.PostalCodes = parsed.Codes
	return req, parsed, nil
}

func readCodeList(r *http.Request) (createProjectRequest, *upload.Result, error) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, nil, eris.Wrap(err, "invalid JSON")
	}
	parsed, err := upload.ParseList(req.PostalCodes)
	if err != nil {
		return req, nil, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.PostalCodes = parsed.Codes
	return req, parsed, nil
}

// GetProject handles GET /api/projects/{id}.
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeleteProject handles DELETE /api/projects/{id}.
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteProject(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateTargeting handles PUT /api/projects/{id}/targeting.
func (h *Handler) UpdateTargeting(w http.ResponseWriter, r *http.Request) {
	var spec model.TargetingSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := spec.Validate(); err != nil {
		writeProblem(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}

	p, err := h.store.UpdateTargeting(r.Context(), chi.URLParam(r, "id"), &spec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SearchInterests handles GET /api/targeting/interests?q=.
func (h *Handler) SearchInterests(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeProblem(w, r, http.StatusBadRequest, "q is required")
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), 25, 1, 100)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "limit: "+err.Error())
		return
	}

	interests, err := h.interests.SearchInterests(r.Context(), q, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if interests == nil {
		interests = []meta.Interest{}
	}
	writeJSON(w, http.StatusOK, interests)
}

// Process handles POST /api/projects/{id}/process.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.allowJob(id) {
		writeProblem(w, r, http.StatusTooManyRequests, "slow down")
		return
	}

	runID, err := h.jobs.Start(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"project_id": id,
		"run_id":     runID,
		"status":     string(model.ProjectStatusProcessing),
	})
}

// Stop handles POST /api/projects/{id}/stop.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.allowJob(id) {
		writeProblem(w, r, http.StatusTooManyRequests, "slow down")
		return
	}

	if !h.jobs.Stop(id) {
		writeProblem(w, r, http.StatusConflict, "no batch running for project")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"project_id": id,
		"status":     "stopping",
	})
}

// Status handles GET /api/projects/{id}/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	s, err := h.jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Results handles GET /api/projects/{id}/results.
func (h *Handler) Results(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	results, err := h.results(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id": id,
		"results":    results,
	})
}

// Export handles GET /api/projects/{id}/export?format=csv|xlsx.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	results, err := h.results(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, format, results); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="project-%s.%s"`, id, format))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = buf.WriteTo(w)
}

// results checks the project exists so an unknown id is a 404 rather than
// an empty list.
func (h *Handler) results(ctx context.Context, id string) ([]model.PostalCodeResult, error) {
	if _, err := h.store.GetProject(ctx, id); err != nil {
		return nil, err
	}
	results, err := h.store.ListResults(ctx, id)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []model.PostalCodeResult{}
	}
	return results, nil
}

func (h *Handler) allowJob(projectID string) bool {
	return h.opts.JobThrottle == nil || h.opts.JobThrottle.Allow(projectID)
}

func intParam(s string, def, lo, hi int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, eris.Errorf("not a number: %q", s)
	}
	if n < lo || n > hi {
		return 0, eris.Errorf("must be between %d and %d", lo, hi)
	}
	return n, nil
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
