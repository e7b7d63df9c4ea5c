package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"scanbench/workbench/ingest"
	"scanbench/workbench/schema"
	"scanbench/workbench/storage"
	"scanbench/workbench/tasks"
	"scanbench/workbench/worker"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func jsonHeaderParser(data []byte) (ingest.Header, error) {
	var hdr ingest.Header
	if err := json.Unmarshal(data, &hdr); err != nil {
		return ingest.Header{}, fmt.Errorf("%w: %v", ingest.ErrMalformedHeader, err)
	}
	return hdr, nil
}

type fixedRoutine struct {
	result tasks.Result
	err    error
}

func (r fixedRoutine) Run(ctx context.Context) (tasks.Result, error) {
	return r.result, r.err
}

type serviceEnv struct {
	db     *gorm.DB
	store  storage.Storage
	router http.Handler
	userId uuid.UUID
}

func setupServices(t *testing.T) *serviceEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(schema.AllModels()...))

	store := storage.NewSharedDisk(t.TempDir())
	public := storage.NewSharedDisk(t.TempDir())

	registry := tasks.NewRegistry()
	routine := fixedRoutine{result: tasks.Result{Measurement: map[string]interface{}{"snr": 17.5}}}
	constructor := func(files []string, parameter *float64) tasks.Routine { return routine }
	require.NoError(t, registry.Register("uniformity", tasks.Entry{Constructor: constructor, Description: "integral uniformity"}))
	require.NoError(t, registry.Register("snr", tasks.Entry{Constructor: constructor, AcceptsParameter: true, Description: "signal to noise"}))

	pool := worker.NewPool(db, store, public, registry, worker.Config{Workers: 1, JobTimeout: time.Minute, ToolVersion: "test"})
	require.NoError(t, pool.Start())
	t.Cleanup(pool.Stop)

	workbench := NewWorkbench(db, store, public, registry, jsonHeaderParser, pool)

	return &serviceEnv{db: db, store: store, router: workbench.Routes(), userId: uuid.New()}
}

func (e *serviceEnv) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-User-Id", e.userId.String())

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeResponse[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	var res T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func (e *serviceEnv) upload(t *testing.T, files map[string][]byte) *httptest.ResponseRecorder {
	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)
	for name, data := range files {
		part, err := writer.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/catalog/upload", &buffer)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-User-Id", e.userId.String())

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func testHeaderJson(t *testing.T, imageUid, seriesUid, studyUid string) []byte {
	hdr := ingest.Header{
		ImageUid:          imageUid,
		SeriesUid:         seriesUid,
		StudyUid:          studyUid,
		SeriesDescription: "sagittal phantom",
		StudyDescription:  "weekly qa",
		Institution:       "city hospital",
		Manufacturer:      "acme",
		Model:             "mr-one",
		StationName:       "mr1",
		AcquiredAt:        time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
	}
	data, err := json.Marshal(hdr)
	require.NoError(t, err)
	return data
}

func (e *serviceEnv) uploadSeries(t *testing.T, seriesUid string, imageCount int) uuid.UUID {
	files := map[string][]byte{}
	for i := 0; i < imageCount; i++ {
		imageUid := fmt.Sprintf("%v-img-%d", seriesUid, i)
		files[imageUid+".dcm"] = testHeaderJson(t, imageUid, seriesUid, "study-"+seriesUid)
	}

	w := e.upload(t, files)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var series schema.Series
	require.NoError(t, e.db.First(&series, "uid = ?", seriesUid).Error)
	return series.Id
}

func (e *serviceEnv) waitForJob(t *testing.T, jobId uuid.UUID) jobInfo {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := e.request(t, http.MethodGet, "/analysis/jobs/"+jobId.String(), nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		job := decodeResponse[jobInfo](t, w)
		if schema.JobStatusTerminal(job.Status) {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %v never reached a terminal state", jobId)
	return jobInfo{}
}

func TestUploadReportsPerFileOutcome(t *testing.T) {
	env := setupServices(t)

	w := env.upload(t, map[string][]byte{
		"good.dcm": testHeaderJson(t, "img-1", "ser-1", "stu-1"),
		"bad.dcm":  []byte("not a header"),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res := decodeResponse[uploadResponse](t, w)
	require.Len(t, res.Results, 2)

	outcomes := map[string]uploadFileResult{}
	for _, result := range res.Results {
		outcomes[result.Filename] = result
	}

	assert.Equal(t, "accepted", outcomes["good.dcm"].Status)
	assert.NotEmpty(t, outcomes["good.dcm"].Path)
	assert.Equal(t, "rejected", outcomes["bad.dcm"].Status)
	assert.NotEmpty(t, outcomes["bad.dcm"].Reason)
}

func TestUploadRequiresUserHeader(t *testing.T) {
	env := setupServices(t)

	req := httptest.NewRequest(http.MethodPost, "/catalog/upload", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAndGetSeries(t *testing.T) {
	env := setupServices(t)
	seriesId := env.uploadSeries(t, "ser-1", 2)

	w := env.request(t, http.MethodGet, "/catalog/series", nil)
	require.Equal(t, http.StatusOK, w.Code)

	list := decodeResponse[listSeriesResponse](t, w)
	require.Len(t, list.Series, 1)
	assert.Equal(t, seriesId, list.Series[0].SeriesId)
	assert.EqualValues(t, 2, list.Series[0].ImageCount)
	assert.Equal(t, "city hospital", list.Series[0].Institution)

	w = env.request(t, http.MethodGet, "/catalog/series/"+seriesId.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decodeResponse[seriesInfo](t, w)
	assert.Equal(t, "sagittal phantom", info.Description)
	assert.Equal(t, "study-ser-1", info.StudyUid)

	w = env.request(t, http.MethodGet, "/catalog/series/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.request(t, http.MethodGet, "/catalog/series/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListImages(t *testing.T) {
	env := setupServices(t)
	seriesId := env.uploadSeries(t, "ser-1", 3)

	w := env.request(t, http.MethodGet, "/catalog/series/"+seriesId.String()+"/images", nil)
	require.Equal(t, http.StatusOK, w.Code)

	res := decodeResponse[listImagesResponse](t, w)
	assert.Len(t, res.Images, 3)
}

func TestDispatchToReportFlow(t *testing.T) {
	env := setupServices(t)
	seriesId := env.uploadSeries(t, "ser-1", 2)

	w := env.request(t, http.MethodPost, "/analysis/jobs", dispatchRequest{SeriesId: seriesId, TaskName: "uniformity"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	job := decodeResponse[jobInfo](t, w)
	done := env.waitForJob(t, job.JobId)
	require.Equal(t, schema.Succeeded, done.Status)

	w = env.request(t, http.MethodGet, "/analysis/series/"+seriesId.String()+"/reports", nil)
	require.Equal(t, http.StatusOK, w.Code)

	reports := decodeResponse[listReportsResponse](t, w)
	require.Len(t, reports.Reports, 1)
	assert.Equal(t, "uniformity", reports.Reports[0].TaskName)
	assert.Equal(t, 17.5, reports.Reports[0].Measurement["snr"])

	w = env.request(t, http.MethodGet, "/analysis/reports/"+reports.Reports[0].ReportId.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.request(t, http.MethodGet, "/catalog/series/"+seriesId.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeResponse[seriesInfo](t, w).HasReport)
}

func TestDispatchUnknownTask(t *testing.T) {
	env := setupServices(t)
	seriesId := env.uploadSeries(t, "ser-1", 1)

	w := env.request(t, http.MethodPost, "/analysis/jobs", dispatchRequest{SeriesId: seriesId, TaskName: "no_such_task"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDispatchDriftedSeriesConflicts(t *testing.T) {
	env := setupServices(t)
	seriesId := env.uploadSeries(t, "ser-1", 1)

	// A file on disk that the catalog never ingested means the series
	// drifted, so dispatching against it must be refused.
	require.NoError(t, env.store.Write(storage.ImagePath(seriesId, "stray.dcm"), bytes.NewReader([]byte("stray"))))

	w := env.request(t, http.MethodPost, "/analysis/jobs", dispatchRequest{SeriesId: seriesId, TaskName: "uniformity"})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestBatchDispatchReportsFailures(t *testing.T) {
	env := setupServices(t)
	good := env.uploadSeries(t, "ser-1", 1)
	missing := uuid.New()

	w := env.request(t, http.MethodPost, "/analysis/jobs/batch", batchDispatchRequest{
		SeriesIds: []uuid.UUID{good, missing},
		TaskName:  "uniformity",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res := decodeResponse[batchDispatchResponse](t, w)
	assert.Len(t, res.Jobs, 1)
	assert.Contains(t, res.Failures, missing.String())
}

func TestListTasks(t *testing.T) {
	env := setupServices(t)

	w := env.request(t, http.MethodGet, "/analysis/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)

	res := decodeResponse[listTasksResponse](t, w)
	require.Len(t, res.Tasks, 2)
	assert.Equal(t, "snr", res.Tasks[0].Name)
	assert.True(t, res.Tasks[0].AcceptsParameter)
	assert.Equal(t, "uniformity", res.Tasks[1].Name)
	assert.False(t, res.Tasks[1].AcceptsParameter)
}

func TestDeleteSeries(t *testing.T) {
	env := setupServices(t)
	seriesId := env.uploadSeries(t, "ser-1", 1)

	w := env.request(t, http.MethodDelete, "/catalog/series/"+seriesId.String(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.request(t, http.MethodGet, "/catalog/series/"+seriesId.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.request(t, http.MethodDelete, "/catalog/series/"+seriesId.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteReportRestoresWorklist(t *testing.T) {
	env := setupServices(t)
	seriesId := env.uploadSeries(t, "ser-1", 1)

	w := env.request(t, http.MethodPost, "/analysis/jobs", dispatchRequest{SeriesId: seriesId, TaskName: "uniformity"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	job := decodeResponse[jobInfo](t, w)
	require.Equal(t, schema.Succeeded, env.waitForJob(t, job.JobId).Status)

	// Deleting the reported series archives it off the default worklist.
	w = env.request(t, http.MethodDelete, "/catalog/series/"+seriesId.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.request(t, http.MethodGet, "/catalog/series", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeResponse[listSeriesResponse](t, w).Series)

	w = env.request(t, http.MethodGet, "/analysis/series/"+seriesId.String()+"/reports", nil)
	require.Equal(t, http.StatusOK, w.Code)
	reports := decodeResponse[listReportsResponse](t, w)
	require.Len(t, reports.Reports, 1)

	// Deleting the only report puts the series back on the worklist.
	w = env.request(t, http.MethodDelete, "/analysis/reports/"+reports.Reports[0].ReportId.String(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.request(t, http.MethodGet, "/catalog/series", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeResponse[listSeriesResponse](t, w)
	require.Len(t, list.Series, 1)
	assert.False(t, list.Series[0].HasReport)
	assert.False(t, list.Series[0].Archived)
}

func TestHealth(t *testing.T) {
	env := setupServices(t)
	w := env.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
