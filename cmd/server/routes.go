package main

import (
	"net/http"

	"github.com/JaimeStill/safeguard/internal/api"
	"github.com/JaimeStill/safeguard/internal/config"
	"github.com/JaimeStill/safeguard/pkg/handlers"
	"github.com/JaimeStill/safeguard/pkg/lifecycle"
)

type probeResult struct {
	Status   string            `json:"status"`
	Failures map[string]string `json:"failures,omitempty"`
}

func buildRouter(cfg *config.Config, lc *lifecycle.Coordinator, a *api.API) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		handlers.RespondJSON(w, http.StatusOK, probeResult{Status: "ok"})
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		failures := lc.Check(r.Context())
		if len(failures) == 0 {
			handlers.RespondJSON(w, http.StatusOK, probeResult{Status: "ready"})
			return
		}

		result := probeResult{
			Status:   "not ready",
			Failures: make(map[string]string, len(failures)),
		}
		for name, err := range failures {
			result.Failures[name] = err.Error()
		}
		handlers.RespondJSON(w, http.StatusServiceUnavailable, result)
	})

	mux.Handle(api.Prefix(cfg), a.Handler)

	return mux
}
