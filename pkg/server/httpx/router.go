// Package httpx builds the HTTP router: route registration and the
// liveness endpoint live here, handler logic lives in api/v1.
package httpx

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/codelens/codelens/pkg/server"
	"github.com/codelens/codelens/pkg/server/api"
	v1 "github.com/codelens/codelens/pkg/server/api/v1"
)

// HealthzHandler is the liveness probe. Always OK while the process
// serves; readiness is the separate /readyz check.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// NewRouter assembles the route table on a stdlib mux using method
// patterns.
func NewRouter(cfg server.Config, deps *api.Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", HealthzHandler)
	mux.Handle("GET /readyz", v1.ReadyzHandler(deps.Ready))
	mux.HandleFunc("GET /api/v1/health", HealthzHandler)
	mux.Handle("GET /api/v1/ready", v1.ReadyzHandler(deps.Ready))

	if deps.Engine == nil {
		log.Warn().Str("component", "httpx.router").Msg("Engine not provided - skipping job API routes")
		return mux
	}

	mux.Handle("POST /api/v1/jobs", v1.SubmitJobHandler(deps))
	mux.Handle("GET /api/v1/jobs", v1.ListJobsHandler(deps))
	mux.Handle("GET /api/v1/jobs/{id}", v1.GetJobHandler(deps))
	mux.Handle("DELETE /api/v1/jobs/{id}", v1.CancelJobHandler(deps))
	mux.Handle("POST /api/v1/jobs/{id}/resume", v1.ResumeJobHandler(deps))
	mux.Handle("GET /api/v1/jobs/{id}/results", v1.JobResultsHandler(deps))
	mux.Handle("GET /api/v1/jobs/{id}/results/stream", v1.JobResultStreamHandler(deps))
	mux.Handle("GET /api/v1/jobs/{id}/progress", v1.JobProgressHandler(deps))

	log.Debug().Str("component", "httpx.router").Msg("API routes mounted")
	return mux
}
