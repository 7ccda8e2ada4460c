package api

import (
	"net/http"
	"sync/atomic"

	"github.com/codelens/codelens/pkg/engine"
	"github.com/codelens/codelens/pkg/storage"
)

// Deps holds dependencies for API handlers. The pattern enables dependency
// injection and easier testing.
type Deps struct {
	// Engine executes bulk analysis jobs.
	Engine *engine.Engine

	// Storage backend for job data reads that bypass the engine
	// (listings, result streams).
	Storage storage.Backend

	// Ready flag for the readiness check.
	Ready *atomic.Bool
}

// OrgHeader carries the caller's organization id. Absent, requests operate
// on the default organization.
const OrgHeader = "X-Org-ID"

// DefaultOrg is the single-tenant organization id.
const DefaultOrg = "default"

// OrgID resolves the organization for a request.
func OrgID(r *http.Request) string {
	if org := r.Header.Get(OrgHeader); org != "" {
		return org
	}
	return DefaultOrg
}
