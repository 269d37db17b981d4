package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/JaimeStill/safeguard/internal/strikes"
	"github.com/JaimeStill/safeguard/pkg/handlers"
	"github.com/JaimeStill/safeguard/pkg/routes"
)

var errInvalidBody = errors.New("invalid request body")

type Handler struct {
	pipeline *Pipeline
	logger   *slog.Logger
}

func NewHandler(p *Pipeline, logger *slog.Logger) *Handler {
	return &Handler{
		pipeline: p,
		logger:   logger.With("handler", "pipeline"),
	}
}

func (h *Handler) Routes() routes.Group {
	return routes.Group{
		Children: []routes.Group{
			{
				Prefix: "/assessments",
				Routes: []routes.Route{
					{Method: "POST", Pattern: "/batch", Handler: h.RunBatch},
					{Method: "POST", Pattern: "/{subjectId}", Handler: h.Run},
					{Method: "GET", Pattern: "/{subjectId}/latest", Handler: h.Latest},
				},
			},
			{
				Prefix: "/strikes",
				Routes: []routes.Route{
					{Method: "GET", Pattern: "/{subjectId}", Handler: h.Strikes},
					{Method: "POST", Pattern: "/{subjectId}/reset", Handler: h.Reset},
				},
			},
		},
	}
}

type window struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

type batchRequest struct {
	SubjectIDs []string `json:"subject_ids"`
	window
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %w", errInvalidBody, err)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := MapHTTPStatus(err)
	if errors.Is(err, errInvalidBody) {
		status = http.StatusBadRequest
	}
	handlers.RespondError(w, h.logger, status, err)
}

// Run assesses one subject and responds with the persisted report.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	var body window
	if err := decode(r, &body); err != nil {
		h.respondError(w, err)
		return
	}

	rep, err := h.pipeline.Run(r.Context(), Request{
		SubjectID:   r.PathValue("subjectId"),
		WindowStart: body.WindowStart,
		WindowEnd:   body.WindowEnd,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	handlers.RespondJSON(w, http.StatusCreated, rep)
}

func (h *Handler) RunBatch(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if err := decode(r, &body); err != nil {
		h.respondError(w, err)
		return
	}
	if len(body.SubjectIDs) == 0 {
		h.respondError(w, ErrSubjectRequired)
		return
	}

	results, err := h.pipeline.RunBatch(r.Context(), body.SubjectIDs, body.WindowStart, body.WindowEnd)
	if err != nil {
		h.respondError(w, err)
		return
	}

	handlers.RespondJSON(w, http.StatusOK, results)
}

func (h *Handler) Latest(w http.ResponseWriter, r *http.Request) {
	a, err := h.pipeline.LatestAssessment(r.Context(), r.PathValue("subjectId"))
	if err != nil {
		h.respondError(w, err)
		return
	}

	handlers.RespondJSON(w, http.StatusOK, a)
}

func (h *Handler) Strikes(w http.ResponseWriter, r *http.Request) {
	state, err := h.pipeline.Strikes(r.Context(), r.PathValue("subjectId"))
	if err != nil {
		h.respondError(w, err)
		return
	}

	handlers.RespondJSON(w, http.StatusOK, state)
}

// Reset applies an administrative strike reset.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	var cmd strikes.ResetCommand
	if err := decode(r, &cmd); err != nil {
		h.respondError(w, err)
		return
	}

	state, err := h.pipeline.ResetStrikes(r.Context(), r.PathValue("subjectId"), cmd)
	if err != nil {
		h.respondError(w, err)
		return
	}

	handlers.RespondJSON(w, http.StatusOK, state)
}
