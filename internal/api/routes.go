package api

import (
	"net/http"

	"github.com/JaimeStill/safeguard/internal/pipeline"
	"github.com/JaimeStill/safeguard/internal/reports"
	"github.com/JaimeStill/safeguard/internal/scheduler"
	"github.com/JaimeStill/safeguard/pkg/routes"
)

func registerRoutes(mux *http.ServeMux, domain *Domain, runtime *Runtime) {
	routes.Register(
		mux,
		pipeline.NewHandler(domain.Pipeline, runtime.Logger).Routes(),
		reports.NewHandler(domain.Reports, runtime.Logger, runtime.Pagination).Routes(),
		scheduler.NewHandler(domain.Scheduler, domain.Jobs, runtime.Logger, runtime.Pagination).Routes(),
	)
}
