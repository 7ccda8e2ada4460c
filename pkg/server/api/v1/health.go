package v1

import (
	"net/http"
	"sync/atomic"
)

// ReadyzHandler reports readiness. The flag is flipped by the app once the
// engine has started and crash recovery has completed, so load balancers
// do not route submissions to an instance that would drop them.
func ReadyzHandler(ready *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Not Ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	}
}
