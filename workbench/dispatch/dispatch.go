package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"scanbench/workbench/schema"
	"scanbench/workbench/storage"
	"scanbench/workbench/tasks"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrCountMismatch   = errors.New("file count does not match catalog")
	ErrBatchValidation = errors.New("batch selection rejected")
)

// PairedAnalysisTask pools pairs of series into one job: the subtraction
// SNR method needs two acquisitions of the same phantom.
const PairedAnalysisTask = "snr"

// Queue accepts validated jobs for asynchronous execution. Submit must
// persist the job and return without blocking on its execution.
type Queue interface {
	Submit(job *schema.Job) error
}

// Dispatcher validates (series, task) selections and hands jobs to the
// execution pipeline. It never runs analysis itself.
type Dispatcher struct {
	db       *gorm.DB
	store    storage.Storage
	registry *tasks.Registry
	queue    Queue
}

func NewDispatcher(db *gorm.DB, store storage.Storage, registry *tasks.Registry, queue Queue) *Dispatcher {
	return &Dispatcher{db: db, store: store, registry: registry, queue: queue}
}

// Dispatch validates a single (series, task) selection and enqueues one
// job, returning its handle immediately.
func (d *Dispatcher) Dispatch(userId, seriesId uuid.UUID, taskName string, parameter *float64) (schema.Job, error) {
	if _, err := d.registry.Get(taskName); err != nil {
		return schema.Job{}, err
	}

	files, err := d.seriesFiles(seriesId)
	if err != nil {
		return schema.Job{}, err
	}

	job := schema.Job{
		Id:        uuid.New(),
		UserId:    userId,
		SeriesId:  seriesId,
		TaskName:  taskName,
		Parameter: parameter,
		Status:    schema.Queued,
	}
	if err := job.SetFileList(files); err != nil {
		return schema.Job{}, err
	}

	if err := d.queue.Submit(&job); err != nil {
		return schema.Job{}, fmt.Errorf("error submitting job: %w", err)
	}

	slog.Info("dispatched job", "job_id", job.Id, "series_id", seriesId, "task_name", taskName)
	return job, nil
}

// BatchResult reports the outcome of a batch dispatch. Failures holds a
// rejection reason per series that failed its own validation; jobs already
// validated for other series are unaffected.
type BatchResult struct {
	Jobs     []schema.Job
	Failures map[uuid.UUID]string
}

// DispatchBatch validates a multi-series selection. For the paired
// analysis task the whole selection must hold an even, non-zero number of
// series and is pooled into one job addressed to the first series; any
// validation failure rejects the entire batch. Every other task gets one
// job per series, validated independently.
func (d *Dispatcher) DispatchBatch(userId uuid.UUID, taskName string, seriesIds []uuid.UUID, parameter *float64) (BatchResult, error) {
	if _, err := d.registry.Get(taskName); err != nil {
		return BatchResult{}, err
	}

	if taskName == PairedAnalysisTask {
		return d.dispatchPaired(userId, taskName, seriesIds, parameter)
	}

	result := BatchResult{Failures: map[uuid.UUID]string{}}
	for _, seriesId := range seriesIds {
		job, err := d.Dispatch(userId, seriesId, taskName, parameter)
		if err != nil {
			result.Failures[seriesId] = err.Error()
			continue
		}
		result.Jobs = append(result.Jobs, job)
	}
	return result, nil
}

func (d *Dispatcher) dispatchPaired(userId uuid.UUID, taskName string, seriesIds []uuid.UUID, parameter *float64) (BatchResult, error) {
	if len(seriesIds) == 0 || len(seriesIds)%2 != 0 {
		return BatchResult{}, fmt.Errorf(
			"%w: task %v requires an even, non-zero number of series, got %d",
			ErrBatchValidation, taskName, len(seriesIds),
		)
	}

	pooled := []string{}
	for _, seriesId := range seriesIds {
		files, err := d.seriesFiles(seriesId)
		if err != nil {
			return BatchResult{}, fmt.Errorf("%w: series %v: %v", ErrBatchValidation, seriesId, err)
		}
		pooled = append(pooled, files...)
	}

	job := schema.Job{
		Id:        uuid.New(),
		UserId:    userId,
		SeriesId:  seriesIds[0],
		TaskName:  taskName,
		Parameter: parameter,
		Status:    schema.Queued,
	}
	if err := job.SetFileList(pooled); err != nil {
		return BatchResult{}, err
	}

	if err := d.queue.Submit(&job); err != nil {
		return BatchResult{}, fmt.Errorf("error submitting job: %w", err)
	}

	slog.Info("dispatched paired job", "job_id", job.Id, "series_count", len(seriesIds), "task_name", taskName)
	return BatchResult{Jobs: []schema.Job{job}, Failures: map[uuid.UUID]string{}}, nil
}

// seriesFiles lists a series' storage directory and checks the file count
// against the catalog before anything is enqueued. The layout is derived
// from database state, so a mismatch means the two have drifted and the
// analysis input would be wrong.
func (d *Dispatcher) seriesFiles(seriesId uuid.UUID) ([]string, error) {
	series, err := schema.GetSeries(seriesId, d.db, false, false)
	if err != nil {
		return nil, err
	}

	names, err := d.store.List(storage.SeriesPath(series.Id))
	if err != nil {
		return nil, fmt.Errorf("error listing series directory: %w", err)
	}

	expected, err := schema.CountSeriesImages(series.Id, d.db)
	if err != nil {
		return nil, err
	}
	if int64(len(names)) != expected {
		return nil, fmt.Errorf(
			"%w: series %v has %d files on disk but %d catalog entries",
			ErrCountMismatch, series.Id, len(names), expected,
		)
	}

	sort.Strings(names)
	files := make([]string, 0, len(names))
	for _, name := range names {
		files = append(files, d.store.FullPath(storage.ImagePath(series.Id, name)))
	}
	return files, nil
}
