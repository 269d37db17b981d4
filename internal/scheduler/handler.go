package scheduler

import (
	"log/slog"
	"net/http"

	"github.com/JaimeStill/safeguard/pkg/handlers"
	"github.com/JaimeStill/safeguard/pkg/pagination"
	"github.com/JaimeStill/safeguard/pkg/routes"
)

type Handler struct {
	scheduler  *Scheduler
	store      Store
	logger     *slog.Logger
	pagination pagination.Config
}

func NewHandler(scheduler *Scheduler, store Store, logger *slog.Logger, pagination pagination.Config) *Handler {
	return &Handler{
		scheduler:  scheduler,
		store:      store,
		logger:     logger.With("handler", "sync"),
		pagination: pagination,
	}
}

func (h *Handler) Routes() routes.Group {
	return routes.Group{
		Prefix: "/sync",
		Routes: []routes.Route{
			{Method: "GET", Pattern: "/jobs", Handler: h.ListJobs},
			{Method: "GET", Pattern: "/sources", Handler: h.Sources},
			{Method: "POST", Pattern: "/sources/{source}/run", Handler: h.Run},
		},
	}
}

// ListJobs returns sync jobs newest first, optionally filtered by ?source=.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	page := pagination.PageRequestFromQuery(r.URL.Query(), h.pagination)

	result, err := h.store.ListJobs(r.Context(), r.URL.Query().Get("source"), page)
	if err != nil {
		handlers.RespondError(w, h.logger, MapHTTPStatus(err), err)
		return
	}

	handlers.RespondJSON(w, http.StatusOK, result)
}

func (h *Handler) Sources(w http.ResponseWriter, r *http.Request) {
	handlers.RespondJSON(w, http.StatusOK, h.scheduler.Sources())
}

// Run triggers a source and responds with the finished job.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	job, err := h.scheduler.Trigger(r.Context(), r.PathValue("source"))
	if err != nil {
		handlers.RespondError(w, h.logger, MapHTTPStatus(err), err)
		return
	}

	handlers.RespondJSON(w, http.StatusOK, job)
}
