package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/argos-ci/argos-pipeline/pkg/lock"
	"github.com/argos-ci/argos-pipeline/pkg/pipeline"
	"github.com/argos-ci/argos-pipeline/pkg/store"
)

const (
	maxRequestBody = 8 << 20
	lockRetryAfter = "5"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps pipeline errors to status codes.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"not found"})
	case errors.Is(err, pipeline.ErrBucketComplete), errors.Is(err, pipeline.ErrConcluded):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	case errors.Is(err, lock.ErrTimeout):
		w.Header().Set("Retry-After", lockRetryAfter)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{"build is busy, retry later"})
	default:
		s.log.WithError(err).
			WithField("path", r.URL.Path).
			Error("Request failed")

		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
	}
}

// decodeBody reads a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decoding body: %v", pipeline.ErrInvalidInput, err)
	}

	return nil
}

func buildIDParam(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "buildID"), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: invalid build id", pipeline.ErrInvalidInput)
	}

	return uint(id), nil
}

// handleHealth reports whether the database is reachable.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.log.WithError(err).Warn("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})

			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createBuildRequest struct {
	Commit          string `json:"commit"`
	Branch          string `json:"branch"`
	Name            string `json:"name"`
	Parallel        bool   `json:"parallel"`
	ParallelNonce   string `json:"parallelNonce"`
	ReferenceBranch string `json:"referenceBranch"`
	BaseBranch      string `json:"baseBranch"`
}

func (s *server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var req createBuildRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	if req.Parallel && req.ParallelNonce == "" {
		s.writeError(w, r, fmt.Errorf("%w: parallelNonce is required for parallel builds", pipeline.ErrInvalidInput))

		return
	}

	build, err := s.pipeline.CreateBuild(r.Context(), pipeline.CreateBuildInput{
		ProjectID:       chi.URLParam(r, "projectID"),
		Commit:          req.Commit,
		Branch:          req.Branch,
		Name:            req.Name,
		ParallelNonce:   req.ParallelNonce,
		ReferenceBranch: req.ReferenceBranch,
		BaseBranch:      req.BaseBranch,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"build": build})
}

type screenshotRequest struct {
	Name     string `json:"name"`
	Key      string `json:"key"`
	TraceKey string `json:"traceKey,omitempty"`
}

type uploadBatchRequest struct {
	Screenshots   []screenshotRequest `json:"screenshots"`
	Parallel      bool                `json:"parallel"`
	ParallelTotal *int                `json:"parallelTotal"`
}

func (s *server) handleUploadBatch(w http.ResponseWriter, r *http.Request) {
	buildID, err := buildIDParam(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	var req uploadBatchRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	shots := make([]pipeline.ScreenshotInput, 0, len(req.Screenshots))
	for _, shot := range req.Screenshots {
		shots = append(shots, pipeline.ScreenshotInput{
			Name:     shot.Name,
			FileKey:  shot.Key,
			TraceKey: shot.TraceKey,
		})
	}

	res, err := s.pipeline.UploadBatch(r.Context(), pipeline.UploadInput{
		BuildID:       buildID,
		Screenshots:   shots,
		Parallel:      req.Parallel,
		ParallelTotal: req.ParallelTotal,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"build":    res.Build,
		"complete": res.Complete,
		"accepted": res.Accepted,
		"progress": res.Progress,
	})
}

func (s *server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	buildID, err := buildIDParam(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	summary, err := s.pipeline.Summary(r.Context(), buildID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (s *server) handleListDiffs(w http.ResponseWriter, r *http.Request) {
	buildID, err := buildIDParam(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	diffs, err := s.pipeline.ListDiffs(r.Context(), buildID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"diffs": diffs})
}

type reviewRequest struct {
	UserID     string                     `json:"userId"`
	State      store.ReviewState          `json:"state"`
	DiffStates map[uint]store.ReviewState `json:"diffStates,omitempty"`
}

func (s *server) handleReview(w http.ResponseWriter, r *http.Request) {
	buildID, err := buildIDParam(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	var req reviewRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	review, err := s.pipeline.Review(r.Context(), buildID, pipeline.ReviewInput{
		UserID:     req.UserID,
		State:      req.State,
		DiffStates: req.DiffStates,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"review": review})
}

func (s *server) handleAbort(w http.ResponseWriter, r *http.Request) {
	buildID, err := buildIDParam(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if err := s.pipeline.AbortBuild(r.Context(), buildID); err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(store.JobStatusAborted)})
}

// handleFileRequest serves a stored screenshot, trace or diff image.
func (s *server) handleFileRequest(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" || strings.Contains(key, "..") {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"file path is required"})

		return
	}

	data, err := s.storage.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if data == nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"file not found"})

		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	_, _ = w.Write(data)
}
