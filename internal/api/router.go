// Package api assembles the engine's HTTP surface.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/cumulusfs/cumulus/internal/api/auth"
	"github.com/cumulusfs/cumulus/internal/api/handlers"
	"github.com/cumulusfs/cumulus/internal/api/middleware"
	"github.com/cumulusfs/cumulus/pkg/archive"
	"github.com/cumulusfs/cumulus/pkg/config"
	"github.com/cumulusfs/cumulus/pkg/files"
	"github.com/cumulusfs/cumulus/pkg/index"
	"github.com/cumulusfs/cumulus/pkg/metrics"
	"github.com/cumulusfs/cumulus/pkg/quota"
	"github.com/cumulusfs/cumulus/pkg/storage"
	"github.com/cumulusfs/cumulus/pkg/token"
	"github.com/cumulusfs/cumulus/pkg/upload"
)

// Deps collects everything the router serves.
type Deps struct {
	Config   *config.Config
	Provider *config.Provider

	Store    *index.Store
	Registry *storage.Registry
	Ledger   *quota.Ledger
	Metrics  *metrics.Metrics

	Uploads  *upload.Manager
	UploadGC *upload.Collector
	Files    *files.Service
	Archives *archive.Service
	Jobs     *archive.Jobs
	Tokens   *token.Service
}

// NewRouter builds the chi router with the full middleware stack and routes.
//
// Routes:
//   - GET  /health, /health/ready          probes, unauthenticated
//   - GET  /api/v1/dl/{token}              tokenized download, unauthenticated
//   - POST /api/v1/uploads                 init chunked upload
//   - PUT  /api/v1/uploads/{id}/parts/{n}  store one part
//   - GET  /api/v1/uploads/{id}            session status
//   - POST /api/v1/uploads/{id}/finalize   merge and commit
//   - DELETE /api/v1/uploads/{id}          cancel
//   - GET/POST/PATCH/DELETE /api/v1/files  tree reads and mutations
//   - GET/POST/DELETE /api/v1/trash        trash listing, restore, purge
//   - POST /api/v1/archives/...            compress/extract jobs
//   - POST /api/v1/admin/uploads/gc        session GC, admin only
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack; order matters.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.LogContext)
	r.Use(middleware.RequestLogger(deps.Metrics))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(deps.Config.Server.RequestTimeout))

	verifier := auth.NewVerifier(deps.Config.Auth.JWTSecret, deps.Config.Auth.Issuer)

	healthHandler := handlers.NewHealthHandler(deps.Store, deps.Registry)
	uploadHandler := handlers.NewUploadHandler(deps.Uploads, deps.UploadGC)
	fileHandler := handlers.NewFileHandler(deps.Files, deps.Archives, deps.Ledger)
	trashHandler := handlers.NewTrashHandler(deps.Files)
	archiveHandler := handlers.NewArchiveHandler(deps.Jobs)
	tokenHandler := handlers.NewTokenHandler(deps.Tokens, deps.Files)

	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	if deps.Config.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Metrics.Path, deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Tokenized downloads carry their own credential.
		r.Get("/dl/{token}", tokenHandler.Redeem)

		r.Group(func(r chi.Router) {
			r.Use(middleware.JWTAuth(verifier))

			r.Route("/uploads", func(r chi.Router) {
				r.Post("/", uploadHandler.Init)
				r.Put("/{id}/parts/{n}", uploadHandler.WritePart)
				r.Get("/{id}", uploadHandler.Status)
				r.Post("/{id}/finalize", uploadHandler.Finalize)
				r.Delete("/{id}", uploadHandler.Cancel)
			})

			r.Route("/files", func(r chi.Router) {
				r.Get("/", fileHandler.List)
				r.Post("/dirs", fileHandler.CreateDir)
				r.Delete("/", fileHandler.Delete)
				r.Get("/{id}", fileHandler.Get)
				r.Patch("/{id}", fileHandler.Move)
				r.Get("/{id}/download", fileHandler.Download)
				r.Post("/{id}/tokens", tokenHandler.Issue)
			})

			r.Get("/quota", fileHandler.Quota)

			r.Route("/trash", func(r chi.Router) {
				r.Get("/", trashHandler.List)
				r.Delete("/", trashHandler.Empty)
				r.Post("/{id}/restore", trashHandler.Restore)
				r.Delete("/{id}", trashHandler.Purge)
			})

			r.Route("/archives", func(r chi.Router) {
				r.Post("/compress", archiveHandler.Compress)
				r.Post("/extract", archiveHandler.Extract)
				r.Get("/jobs/{id}", archiveHandler.Job)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireAdmin())
				r.Post("/uploads/gc", uploadHandler.GC)
			})
		})
	})

	return r
}
