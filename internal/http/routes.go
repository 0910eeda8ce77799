package http

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tc-dynconf/configchange/internal/audit"
	"github.com/tc-dynconf/configchange/internal/nodestate"
	"github.com/tc-dynconf/configchange/internal/security"
)

// NewMux builds the node process's HTTP surface: a health/readiness probe
// plus the node RPC endpoints of protocol §6, mounted under /v1/node.
// auditLogger may be nil, in which case node-side decisions simply aren't
// recorded beyond the change log itself.
func NewMux(m *nodestate.Machine, verifier *security.Verifier, auditLogger *audit.Logger) *chi.Mux {
	mux := chi.NewRouter()

	mux.Get("/healthz", func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		w.WriteHeader(stdhttp.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Get("/readyz", func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		if _, err := m.Discover(); err != nil {
			w.WriteHeader(stdhttp.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(stdhttp.StatusOK)
	})

	mux.Mount("/v1/node", NodeRouter(m, verifier, auditLogger))

	return mux
}
