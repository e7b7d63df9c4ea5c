package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"scanbench/workbench/schema"

	"gorm.io/gorm"
)

var (
	ErrUnknownTask             = errors.New("unknown task")
	ErrMultipleImplementations = errors.New("task has multiple registered implementations")
)

// Result is what an analysis routine produces: a measurement document of
// named scalar or nested values, and zero or more rendered artifact images.
type Result struct {
	Measurement map[string]interface{}
	Artifacts   []string
}

// Routine is one runnable analysis. Implementations receive their input
// file list at construction and must respect ctx cancellation.
type Routine interface {
	Run(ctx context.Context) (Result, error)
}

// Constructor builds a routine for an ordered list of input files. The
// parameter is nil unless the task declares parameter support; routines
// that take no parameter are constructed without one rather than rejecting
// the request.
type Constructor func(files []string, parameter *float64) Routine

type Entry struct {
	Constructor      Constructor
	AcceptsParameter bool
	Description      string
}

// Registry maps task names to routine constructors. It is populated once
// at startup; resolving a name at dispatch time is a plain map lookup, not
// a dynamic module search.
type Registry struct {
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds a routine under a name. Two registrations for one name is
// a configuration error that cannot be resolved automatically, so it is
// surfaced rather than last-write-wins.
func (r *Registry) Register(name string, entry Entry) error {
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %v", ErrMultipleImplementations, name)
	}
	r.entries[name] = entry
	return nil
}

func (r *Registry) Get(name string) (Entry, error) {
	entry, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %v", ErrUnknownTask, name)
	}
	return entry, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Reconcile syncs the task table against the registered routines. Routines
// missing from storage are inserted; stored rows with no live routine are
// kept (reports reference task names) and logged as stale.
func (r *Registry) Reconcile(db *gorm.DB) error {
	var stored []schema.Task
	if result := db.Find(&stored); result.Error != nil {
		slog.Error("sql error listing tasks during reconcile", "error", result.Error)
		return schema.ErrDbAccessFailed
	}

	known := make(map[string]bool, len(stored))
	for _, task := range stored {
		known[task.Name] = true
		if _, ok := r.entries[task.Name]; !ok {
			slog.Warn("stored task has no registered routine", "task_name", task.Name)
		}
	}

	for name, entry := range r.entries {
		if known[name] {
			continue
		}
		task := schema.Task{Name: name, Description: entry.Description}
		if result := db.Create(&task); result.Error != nil {
			slog.Error("sql error inserting task during reconcile", "task_name", name, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		slog.Info("registered new task", "task_name", name)
	}

	return nil
}
