package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"scanbench/utils/logging"
	"scanbench/workbench/analysis"
	"scanbench/workbench/ingest"
	"scanbench/workbench/schema"
	"scanbench/workbench/services"
	"scanbench/workbench/storage"
	"scanbench/workbench/tasks"
	"scanbench/workbench/worker"

	"github.com/caarlos0/env/v10"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type scanbenchEnv struct {
	DatabaseUri string `env:"DATABASE_URI,required"`

	// StorageDir is the managed root holding series files, report
	// artifacts and logs. PublicDir is served statically by the fronting
	// proxy and receives the published artifact mirror.
	StorageDir string `env:"STORAGE_DIR,required"`
	PublicDir  string `env:"PUBLIC_DIR,required"`

	TasksFile string `env:"TASKS_FILE"`

	WorkerCount int           `env:"WORKER_COUNT" envDefault:"4"`
	JobTimeout  time.Duration `env:"JOB_TIMEOUT" envDefault:"30m"`
	ToolVersion string        `env:"TOOL_VERSION" envDefault:"dev"`

	CorsOrigin string `env:"CORS_ORIGIN" envDefault:"*"`
}

func loadEnv(envFile string) scanbenchEnv {
	if envFile != "" {
		slog.Info(fmt.Sprintf("loading env from file %v", envFile))
		if err := godotenv.Load(envFile); err != nil {
			log.Fatalf("error loading env file '%v': %v", envFile, err)
		}
	}

	var cfg scanbenchEnv
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing environment: %v", err)
	}
	return cfg
}

func postgresDsn(uri string) string {
	parts, err := url.Parse(uri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func initDb(dsn string) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	if err := db.AutoMigrate(schema.AllModels()...); err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	return db
}

func initRegistry(cfg *scanbenchEnv, db *gorm.DB) *tasks.Registry {
	registry := tasks.NewRegistry()
	if err := analysis.RegisterBuiltins(registry); err != nil {
		log.Fatalf("error registering analysis routines: %v", err)
	}

	if cfg.TasksFile != "" {
		meta, err := tasks.LoadMetadata(cfg.TasksFile)
		if err != nil {
			log.Fatalf("error loading task metadata: %v", err)
		}
		meta.Apply(registry)
	}

	if err := registry.Reconcile(db); err != nil {
		log.Fatalf("error reconciling task table: %v", err)
	}

	return registry
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified they are read from the process environment.")
	port := flag.Int("port", 8000, "Port to run server on")
	flag.Parse()

	cfg := loadEnv(*envFile)

	if err := os.MkdirAll(filepath.Join(cfg.StorageDir, "logs"), 0777); err != nil {
		log.Fatalf("error creating log dir: %v", err)
	}

	logFile, err := os.OpenFile(filepath.Join(cfg.StorageDir, "logs/scanbench.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer logFile.Close()

	logging.Init(logFile, "workbench")

	db := initDb(postgresDsn(cfg.DatabaseUri))

	store := storage.NewSharedDisk(cfg.StorageDir)
	public := storage.NewSharedDisk(cfg.PublicDir)

	if usage, err := store.Usage(); err == nil {
		slog.Info("storage usage", "total_bytes", usage.TotalBytes, "free_bytes", usage.FreeBytes)
	}

	registry := initRegistry(&cfg, db)

	pool := worker.NewPool(db, store, public, registry, worker.Config{
		Workers:     cfg.WorkerCount,
		JobTimeout:  cfg.JobTimeout,
		ToolVersion: cfg.ToolVersion,
	})
	if err := pool.Start(); err != nil {
		log.Fatalf("error starting worker pool: %v", err)
	}

	workbench := services.NewWorkbench(db, store, public, registry, ingest.ParseHeader, pool)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CorsOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/api/v1", workbench.Routes())
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: fmt.Sprintf(":%d", *port), Handler: r}

	go func() {
		slog.Info("starting server", "port", *port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen and serve returned error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("error during server shutdown", "error", err)
	}

	pool.Stop()
}
