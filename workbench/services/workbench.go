package services

import (
	"net/http"

	"scanbench/workbench/dispatch"
	"scanbench/workbench/ingest"
	"scanbench/workbench/lifecycle"
	"scanbench/workbench/storage"
	"scanbench/workbench/tasks"
	"scanbench/workbench/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

// Workbench composes the http services over the shared collaborators. The
// job queue is injected so the worker pool can live with the process
// runner rather than the http layer.
type Workbench struct {
	catalog  CatalogService
	analysis AnalysisService
}

func NewWorkbench(
	db *gorm.DB,
	store, public storage.Storage,
	registry *tasks.Registry,
	parse ingest.HeaderParser,
	queue dispatch.Queue,
) Workbench {
	manager := lifecycle.NewManager(db, store, public)

	return Workbench{
		catalog: CatalogService{
			db:      db,
			engine:  ingest.NewEngine(db, store, parse),
			manager: manager,
		},
		analysis: AnalysisService{
			db:         db,
			registry:   registry,
			dispatcher: dispatch.NewDispatcher(db, store, registry, queue),
			manager:    manager,
		},
	}
}

func (w *Workbench) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccess(w)
	})

	r.Mount("/catalog", w.catalog.Routes())
	r.Mount("/analysis", w.analysis.Routes())

	return r
}
