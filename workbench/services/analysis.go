package services

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"scanbench/workbench/dispatch"
	"scanbench/workbench/lifecycle"
	"scanbench/workbench/schema"
	"scanbench/workbench/tasks"
	"scanbench/workbench/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AnalysisService owns the analysis surface: the task list, job dispatch
// and status, and the report reads and deletes.
type AnalysisService struct {
	db         *gorm.DB
	registry   *tasks.Registry
	dispatcher *dispatch.Dispatcher
	manager    *lifecycle.Manager
}

func (s *AnalysisService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/tasks", s.ListTasks)

	r.Post("/jobs", s.DispatchJob)
	r.Post("/jobs/batch", s.DispatchBatch)
	r.Get("/jobs/{job_id}", s.GetJob)

	r.Get("/series/{series_id}/reports", s.ListReports)
	r.Get("/reports/{report_id}", s.GetReport)
	r.Delete("/reports/{report_id}", s.DeleteReport)

	return r
}

type taskInfo struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	AcceptsParameter bool   `json:"accepts_parameter"`
}

type listTasksResponse struct {
	Tasks []taskInfo `json:"tasks"`
}

func (s *AnalysisService) ListTasks(w http.ResponseWriter, r *http.Request) {
	names := s.registry.Names()
	sort.Strings(names)

	res := listTasksResponse{Tasks: make([]taskInfo, 0, len(names))}
	for _, name := range names {
		entry, err := s.registry.Get(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		res.Tasks = append(res.Tasks, taskInfo{
			Name:             name,
			Description:      entry.Description,
			AcceptsParameter: entry.AcceptsParameter,
		})
	}

	utils.WriteJsonResponse(w, res)
}

type dispatchRequest struct {
	SeriesId  uuid.UUID `json:"series_id"`
	TaskName  string    `json:"task_name"`
	Parameter *float64  `json:"parameter,omitempty"`
}

type jobInfo struct {
	JobId     uuid.UUID `json:"job_id"`
	SeriesId  uuid.UUID `json:"series_id"`
	TaskName  string    `json:"task_name"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func jobToInfo(job *schema.Job) jobInfo {
	return jobInfo{
		JobId:     job.Id,
		SeriesId:  job.SeriesId,
		TaskName:  job.TaskName,
		Status:    job.Status,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
}

// dispatchError codes the dispatch validation failures: unknown names are
// 404, a disk-vs-catalog drift is a 409 conflict, and a rejected batch
// selection is a 422.
func dispatchError(err error) error {
	switch {
	case errors.Is(err, tasks.ErrUnknownTask), errors.Is(err, schema.ErrSeriesNotFound):
		return CodedError(err, http.StatusNotFound)
	case errors.Is(err, dispatch.ErrCountMismatch):
		return CodedError(err, http.StatusConflict)
	case errors.Is(err, dispatch.ErrBatchValidation):
		return CodedError(err, http.StatusUnprocessableEntity)
	default:
		return CodedError(err, http.StatusInternalServerError)
	}
}

func (s *AnalysisService) DispatchJob(w http.ResponseWriter, r *http.Request) {
	userId, err := requestUserId(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params dispatchRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	job, err := s.dispatcher.Dispatch(userId, params.SeriesId, params.TaskName, params.Parameter)
	if err != nil {
		err = dispatchError(fmt.Errorf("error dispatching job: %w", err))
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, jobToInfo(&job))
}

type batchDispatchRequest struct {
	SeriesIds []uuid.UUID `json:"series_ids"`
	TaskName  string      `json:"task_name"`
	Parameter *float64    `json:"parameter,omitempty"`
}

type batchDispatchResponse struct {
	Jobs     []jobInfo         `json:"jobs"`
	Failures map[string]string `json:"failures"`
}

func (s *AnalysisService) DispatchBatch(w http.ResponseWriter, r *http.Request) {
	userId, err := requestUserId(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params batchDispatchRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	result, err := s.dispatcher.DispatchBatch(userId, params.TaskName, params.SeriesIds, params.Parameter)
	if err != nil {
		err = dispatchError(fmt.Errorf("error dispatching batch: %w", err))
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	res := batchDispatchResponse{Failures: map[string]string{}}
	for i := range result.Jobs {
		res.Jobs = append(res.Jobs, jobToInfo(&result.Jobs[i]))
	}
	for seriesId, reason := range result.Failures {
		res.Failures[seriesId.String()] = reason
	}

	utils.WriteJsonResponse(w, res)
}

func (s *AnalysisService) GetJob(w http.ResponseWriter, r *http.Request) {
	jobId, err := utils.URLParamUUID(r, "job_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err := schema.GetJob(jobId, s.db)
	if err != nil {
		err = lookupError(err)
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, jobToInfo(&job))
}

type reportInfo struct {
	ReportId    uuid.UUID              `json:"report_id"`
	SeriesId    uuid.UUID              `json:"series_id"`
	TaskName    string                 `json:"task_name"`
	ToolVersion string                 `json:"tool_version"`
	Measurement map[string]interface{} `json:"measurement"`
	CreatedAt   time.Time              `json:"created_at"`
}

func reportToInfo(report *schema.Report) (reportInfo, error) {
	measurement, err := report.Measurement()
	if err != nil {
		return reportInfo{}, err
	}
	return reportInfo{
		ReportId:    report.Id,
		SeriesId:    report.SeriesId,
		TaskName:    report.TaskName,
		ToolVersion: report.ToolVersion,
		Measurement: measurement,
		CreatedAt:   report.CreatedAt,
	}, nil
}

type listReportsResponse struct {
	Reports []reportInfo `json:"reports"`
}

func (s *AnalysisService) ListReports(w http.ResponseWriter, r *http.Request) {
	seriesId, err := utils.URLParamUUID(r, "series_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := schema.GetSeries(seriesId, s.db, false, false); err != nil {
		err = lookupError(err)
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	var reports []schema.Report
	result := s.db.Where("series_id = ?", seriesId).Order("created_at desc").Find(&reports)
	if result.Error != nil {
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	res := listReportsResponse{Reports: make([]reportInfo, 0, len(reports))}
	for i := range reports {
		info, err := reportToInfo(&reports[i])
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		res.Reports = append(res.Reports, info)
	}

	utils.WriteJsonResponse(w, res)
}

func (s *AnalysisService) GetReport(w http.ResponseWriter, r *http.Request) {
	reportId, err := utils.URLParamUUID(r, "report_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := schema.GetReport(reportId, s.db)
	if err != nil {
		err = lookupError(err)
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	info, err := reportToInfo(&report)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, info)
}

func (s *AnalysisService) DeleteReport(w http.ResponseWriter, r *http.Request) {
	reportId, err := utils.URLParamUUID(r, "report_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.manager.DeleteReport(reportId); err != nil {
		err = lookupError(fmt.Errorf("error deleting report %v: %w", reportId, err))
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}
