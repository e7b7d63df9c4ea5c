package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"scanbench/workbench/schema"
	"scanbench/workbench/storage"
	"scanbench/workbench/tasks"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

var (
	jobsSucceededMetric = promauto.NewCounter(prometheus.CounterOpts{Name: "workbench_jobs_succeeded", Help: "Analysis jobs completed successfully"})
	jobsFailedMetric    = promauto.NewCounter(prometheus.CounterOpts{Name: "workbench_jobs_failed", Help: "Analysis jobs failed"})
	jobDurationMetric   = promauto.NewSummary(prometheus.SummaryOpts{Name: "workbench_job_duration_seconds", Help: "Analysis job execution time"})
)

type Config struct {
	Workers     int
	JobTimeout  time.Duration
	ToolVersion string
}

// Pool executes analysis jobs off the request path. Jobs for one series
// always land on the same worker, so two completions for the same series
// never race. Job rows are the durable queue: queued work survives a
// restart and is replayed by Start.
type Pool struct {
	db       *gorm.DB
	store    storage.Storage
	public   storage.Storage
	registry *tasks.Registry
	config   Config

	queues  []chan uuid.UUID
	stopped chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func NewPool(db *gorm.DB, store, public storage.Storage, registry *tasks.Registry, config Config) *Pool {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 30 * time.Minute
	}
	if config.ToolVersion == "" {
		config.ToolVersion = "dev"
	}

	queues := make([]chan uuid.UUID, config.Workers)
	for i := range queues {
		queues[i] = make(chan uuid.UUID, 256)
	}

	return &Pool{
		db:       db,
		store:    store,
		public:   public,
		registry: registry,
		config:   config,
		queues:   queues,
		stopped:  make(chan struct{}),
	}
}

// Submit persists a queued job and hands it to its worker. The job row is
// committed before the enqueue, so a job accepted here is never lost even
// if the process dies immediately after.
func (p *Pool) Submit(job *schema.Job) error {
	if err := schema.CheckValidJobStatus(job.Status); err != nil {
		return err
	}
	if result := p.db.Create(job); result.Error != nil {
		slog.Error("sql error inserting job", "job_id", job.Id, "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	p.enqueue(job)
	return nil
}

func (p *Pool) enqueue(job *schema.Job) {
	select {
	case p.queues[p.workerFor(job.SeriesId)] <- job.Id:
	case <-p.stopped:
		// Row stays queued; the next Start replays it.
	}
}

func (p *Pool) workerFor(seriesId uuid.UUID) int {
	h := fnv.New32a()
	h.Write(seriesId[:])
	return int(h.Sum32()) % len(p.queues)
}

// Start launches the workers and replays jobs that were queued or running
// when the previous process stopped.
func (p *Pool) Start() error {
	result := p.db.Model(&schema.Job{}).Where("status = ?", schema.Running).Update("status", schema.Queued)
	if result.Error != nil {
		slog.Error("sql error resetting interrupted jobs", "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	if result.RowsAffected > 0 {
		slog.Info("reset interrupted jobs", "count", result.RowsAffected)
	}

	for i := range p.queues {
		p.wg.Add(1)
		go p.runWorker(i)
	}

	var pending []schema.Job
	if result := p.db.Where("status = ?", schema.Queued).Order("created_at asc").Find(&pending); result.Error != nil {
		slog.Error("sql error loading queued jobs", "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	for i := range pending {
		p.enqueue(&pending[i])
	}
	if len(pending) > 0 {
		slog.Info("replaying queued jobs", "count", len(pending))
	}

	return nil
}

func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stopped) })
	p.wg.Wait()
}

func (p *Pool) runWorker(index int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopped:
			return
		case jobId := <-p.queues[index]:
			p.runJob(jobId)
		}
	}
}

func (p *Pool) runJob(jobId uuid.UUID) {
	job, err := schema.GetJob(jobId, p.db)
	if err != nil {
		slog.Error("error loading job for execution", "job_id", jobId, "error", err)
		return
	}

	// Optimistic transition; a job that is no longer queued was already
	// picked up or completed.
	result := p.db.Model(&job).Where("status = ?", schema.Queued).Update("status", schema.Running)
	if result.Error != nil {
		slog.Error("sql error marking job running", "job_id", jobId, "error", result.Error)
		return
	}
	if result.RowsAffected == 0 {
		return
	}

	start := time.Now()
	taskResult, err := p.execute(&job)
	jobDurationMetric.Observe(time.Since(start).Seconds())

	if err != nil {
		p.failJob(&job, taskResult.Artifacts, err)
		return
	}

	if err := p.completeJob(&job, taskResult); err != nil {
		p.failJob(&job, taskResult.Artifacts, err)
		return
	}

	jobsSucceededMetric.Inc()
	slog.Info("job succeeded", "job_id", job.Id, "task_name", job.TaskName, "duration", time.Since(start))
}

// execute runs the analysis routine with panic isolation and a bounded
// timeout. A routine error or panic fails this job only.
func (p *Pool) execute(job *schema.Job) (result tasks.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analysis routine panic: %v", r)
		}
	}()

	entry, err := p.registry.Get(job.TaskName)
	if err != nil {
		return tasks.Result{}, err
	}

	files, err := job.FileList()
	if err != nil {
		return tasks.Result{}, err
	}

	var parameter *float64
	if entry.AcceptsParameter {
		parameter = job.Parameter
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.JobTimeout)
	defer cancel()

	return entry.Constructor(files, parameter).Run(ctx)
}

// completeJob persists the report, places the rendered artifacts and flips
// the series flag. Everything runs in one transaction; a retried
// completion is idempotent because the report row is keyed by job id. If
// the transaction fails after artifacts were placed, the report
// directories are removed from both roots so a failed job leaves nothing
// persisted.
func (p *Pool) completeJob(job *schema.Job, taskResult tasks.Result) error {
	var reportId uuid.UUID

	err := p.db.Transaction(func(tx *gorm.DB) error {
		var report schema.Report
		err := tx.First(&report, "job_id = ?", job.Id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			data, err := json.Marshal(taskResult.Measurement)
			if err != nil {
				return fmt.Errorf("error encoding measurement: %w", err)
			}
			report = schema.Report{
				Id:          uuid.New(),
				UserId:      job.UserId,
				SeriesId:    job.SeriesId,
				TaskName:    job.TaskName,
				JobId:       job.Id,
				ToolVersion: p.config.ToolVersion,
				Data:        string(data),
			}
			if result := tx.Create(&report); result.Error != nil {
				slog.Error("sql error inserting report", "job_id", job.Id, "error", result.Error)
				return schema.ErrDbAccessFailed
			}
		} else if err != nil {
			slog.Error("sql error fetching report for job", "job_id", job.Id, "error", err)
			return schema.ErrDbAccessFailed
		}
		reportId = report.Id

		for _, artifact := range taskResult.Artifacts {
			name := filepath.Base(artifact)
			if err := p.public.Copy(artifact, filepath.Join(storage.ReportPath(report.Id), name)); err != nil {
				return fmt.Errorf("error publishing artifact %v: %w", name, err)
			}
			if err := p.store.Move(artifact, filepath.Join(storage.ReportPath(report.Id), name)); err != nil {
				return fmt.Errorf("error storing artifact %v: %w", name, err)
			}
		}

		// Setting has_report when already true is a no-op, so concurrent
		// completions for one series cannot conflict here.
		if result := tx.Model(&schema.Series{}).Where("id = ?", job.SeriesId).Update("has_report", true); result.Error != nil {
			slog.Error("sql error updating series report flag", "series_id", job.SeriesId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		if result := tx.Model(job).Update("status", schema.Succeeded); result.Error != nil {
			slog.Error("sql error marking job succeeded", "job_id", job.Id, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		return nil
	})

	if err != nil && reportId != uuid.Nil {
		// The report row rolled back; artifacts already placed under its
		// directory would otherwise be orphaned.
		if derr := p.store.Delete(storage.ReportPath(reportId)); derr != nil {
			slog.Warn("error removing report artifacts after failed completion", "report_id", reportId, "error", derr)
		}
		if derr := p.public.Delete(storage.ReportPath(reportId)); derr != nil {
			slog.Warn("error removing published artifacts after failed completion", "report_id", reportId, "error", derr)
		}
	}

	return err
}

func (p *Pool) failJob(job *schema.Job, artifacts []string, cause error) {
	jobsFailedMetric.Inc()
	slog.Error("job failed", "job_id", job.Id, "task_name", job.TaskName, "error", cause)

	// Partially written temp artifacts are not kept around.
	for _, artifact := range artifacts {
		if err := os.Remove(artifact); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("error removing temp artifact", "path", artifact, "error", err)
		}
	}

	updates := map[string]interface{}{"status": schema.Failed, "error": cause.Error()}
	if result := p.db.Model(job).Updates(updates); result.Error != nil {
		slog.Error("sql error marking job failed", "job_id", job.Id, "error", result.Error)
	}
}
