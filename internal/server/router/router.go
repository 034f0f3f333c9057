// Package router wires the node's routes and applies the middleware chain
// (RequestID → Metrics → handler, with Timeout on control routes).
package router

import (
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-replication/internal/server/handler"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/search-replication/pkg/middleware"
)

type Options struct {
	Health  *health.Checker
	Metrics *metrics.Metrics
	// Timeout bounds every route except file streams.
	Timeout time.Duration
}

// New builds the node's HTTP handler.
//
// Route table:
//
//	GET    /api/v1/indexes
//	GET    /api/v1/indexes/{index}/status
//	GET    /api/v1/indexes/{index}/search?q=
//	POST   /api/v1/indexes/{index}/documents
//	DELETE /api/v1/indexes/{index}/documents
//	POST   /api/v1/indexes/{index}/merge
//	POST   /api/v1/indexes/{index}/replication/sessions
//	GET    /api/v1/indexes/{index}/replication/sessions
//	GET    /api/v1/indexes/{index}/replication/sessions/{session}/files/{name}
//	POST   /api/v1/indexes/{index}/replication/sessions/{session}/release
//	POST   /api/v1/indexes/{index}/replication/check
//	GET    /api/v1/indexes/{index}/backups
//	GET    /api/v1/indexes/{index}/backups/{backup}
//	POST   /api/v1/indexes/{index}/backups/{backup}
//	DELETE /api/v1/indexes/{index}/backups/{backup}
//	GET    /health/live, /health/ready, /metrics
func New(h *handler.Handler, opts Options) http.Handler {
	mux := http.NewServeMux()
	timed := pkgmw.Timeout(opts.Timeout)
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, timed(fn))
	}

	if opts.Health != nil {
		mux.HandleFunc("GET /health/live", opts.Health.LiveHandler())
		mux.HandleFunc("GET /health/ready", opts.Health.ReadyHandler())
	}
	mux.Handle("GET /metrics", metrics.Handler())

	// Index API
	handle("GET /api/v1/indexes", h.ListIndexes)
	handle("GET /api/v1/indexes/{index}/status", h.Status)
	handle("GET /api/v1/indexes/{index}/search", h.Search)
	handle("POST /api/v1/indexes/{index}/documents", h.PostDocuments)
	handle("DELETE /api/v1/indexes/{index}/documents", h.DeleteAll)
	handle("POST /api/v1/indexes/{index}/merge", h.Merge)

	// Replication API
	handle("POST /api/v1/indexes/{index}/replication/sessions", h.BeginSession)
	handle("GET /api/v1/indexes/{index}/replication/sessions", h.ListSessions)
	mux.HandleFunc("GET /api/v1/indexes/{index}/replication/sessions/{session}/files/{name}", h.FetchFile)
	handle("POST /api/v1/indexes/{index}/replication/sessions/{session}/release", h.ReleaseSession)
	mux.HandleFunc("POST /api/v1/indexes/{index}/replication/check", h.ReplicationCheck)

	// Backup API
	handle("GET /api/v1/indexes/{index}/backups", h.ListBackups)
	handle("GET /api/v1/indexes/{index}/backups/{backup}", h.ListBackups)
	mux.HandleFunc("POST /api/v1/indexes/{index}/backups/{backup}", h.CreateBackup)
	handle("DELETE /api/v1/indexes/{index}/backups/{backup}", h.DeleteBackups)

	var chain http.Handler = mux
	chain = pkgmw.Metrics(opts.Metrics)(chain)
	chain = pkgmw.RequestID(chain)
	return chain
}
