package services

import (
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"scanbench/workbench/ingest"
	"scanbench/workbench/lifecycle"
	"scanbench/workbench/schema"
	"scanbench/workbench/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

var (
	uploadsAcceptedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workbench_uploads_accepted", Help: "Uploaded files accepted into the catalog",
	})
	uploadsRejectedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workbench_uploads_rejected", Help: "Uploaded files rejected during ingestion",
	})
)

// maxUploadBytes bounds one multipart upload request.
const maxUploadBytes = 512 << 20

// CatalogService owns the image catalog surface: uploads, series reads and
// the series delete/archive operation.
type CatalogService struct {
	db      *gorm.DB
	engine  *ingest.Engine
	manager *lifecycle.Manager
}

func (s *CatalogService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/upload", s.Upload)

	r.Get("/series", s.ListSeries)
	r.Get("/series/{series_id}", s.GetSeries)
	r.Get("/series/{series_id}/images", s.ListImages)
	r.Delete("/series/{series_id}", s.DeleteSeries)

	return r
}

type uploadFileResult struct {
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Path     string `json:"path,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type uploadResponse struct {
	Results []uploadFileResult `json:"results"`
}

// Upload ingests a multipart batch of images. Files are processed
// independently: a rejected file never blocks the rest of the batch, and
// the per-file outcome is reported back in order.
func (s *CatalogService) Upload(w http.ResponseWriter, r *http.Request) {
	userId, err := requestUserId(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("error parsing multipart upload: %v", err), http.StatusBadRequest)
		return
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		http.Error(w, "no files provided under the 'files' form field", http.StatusBadRequest)
		return
	}

	res := uploadResponse{Results: make([]uploadFileResult, 0, len(files))}
	for _, header := range files {
		result := uploadFileResult{Filename: header.Filename}

		data, err := readMultipartFile(header)
		if err != nil {
			result.Status = "rejected"
			result.Reason = err.Error()
			uploadsRejectedMetric.Inc()
			res.Results = append(res.Results, result)
			continue
		}

		path, err := s.engine.Ingest(userId, header.Filename, data)
		if err != nil {
			slog.Info("rejected uploaded file", "filename", header.Filename, "reason", err)
			result.Status = "rejected"
			result.Reason = err.Error()
			uploadsRejectedMetric.Inc()
		} else {
			result.Status = "accepted"
			result.Path = path
			uploadsAcceptedMetric.Inc()
		}
		res.Results = append(res.Results, result)
	}

	utils.WriteJsonResponse(w, res)
}

func readMultipartFile(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("error opening uploaded file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("error reading uploaded file: %w", err)
	}
	return data, nil
}

type seriesInfo struct {
	SeriesId    uuid.UUID `json:"series_id"`
	Uid         string    `json:"uid"`
	Description string    `json:"description"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HasReport   bool      `json:"has_report"`
	Archived    bool      `json:"archived"`
	UserId      uuid.UUID `json:"user_id"`
	ImageCount  int64     `json:"image_count"`

	StudyUid         string `json:"study_uid,omitempty"`
	StudyDescription string `json:"study_description,omitempty"`

	Institution string `json:"institution,omitempty"`
	StationName string `json:"station_name,omitempty"`
}

func seriesToInfo(series *schema.Series, imageCount int64) seriesInfo {
	info := seriesInfo{
		SeriesId:    series.Id,
		Uid:         series.Uid,
		Description: series.Description,
		AcquiredAt:  series.AcquiredAt,
		HasReport:   series.HasReport,
		Archived:    series.Archived,
		UserId:      series.UserId,
		ImageCount:  imageCount,
	}
	if series.Study != nil {
		info.StudyUid = series.Study.Uid
		info.StudyDescription = series.Study.Description
	}
	if series.Device != nil {
		info.Institution = series.Device.Institution
		info.StationName = series.Device.StationName
	}
	return info
}

type listSeriesResponse struct {
	Series []seriesInfo `json:"series"`
}

// ListSeries returns the worklist: active series by default, everything
// with ?include_archived=true.
func (s *CatalogService) ListSeries(w http.ResponseWriter, r *http.Request) {
	query := s.db.Preload("Study").Preload("Device").Order("acquired_at desc")
	if r.URL.Query().Get("include_archived") != "true" {
		query = query.Where("archived = ?", false)
	}

	var series []schema.Series
	if result := query.Find(&series); result.Error != nil {
		slog.Error("sql error listing series", "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	res := listSeriesResponse{Series: make([]seriesInfo, 0, len(series))}
	for i := range series {
		count, err := schema.CountSeriesImages(series[i].Id, s.db)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		res.Series = append(res.Series, seriesToInfo(&series[i], count))
	}

	utils.WriteJsonResponse(w, res)
}

func (s *CatalogService) GetSeries(w http.ResponseWriter, r *http.Request) {
	seriesId, err := utils.URLParamUUID(r, "series_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	series, err := schema.GetSeries(seriesId, s.db, true, true)
	if err != nil {
		err = lookupError(err)
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	count, err := schema.CountSeriesImages(series.Id, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, seriesToInfo(&series, count))
}

type imageInfo struct {
	ImageId         uuid.UUID `json:"image_id"`
	Uid             string    `json:"uid"`
	Filename        string    `json:"filename"`
	AccessionNumber string    `json:"accession_number,omitempty"`
}

type listImagesResponse struct {
	Images []imageInfo `json:"images"`
}

func (s *CatalogService) ListImages(w http.ResponseWriter, r *http.Request) {
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

	var images []schema.Image
	result := s.db.Where("series_id = ?", seriesId).Order("filename").Find(&images)
	if result.Error != nil {
		slog.Error("sql error listing series images", "series_id", seriesId, "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	res := listImagesResponse{Images: make([]imageInfo, 0, len(images))}
	for _, image := range images {
		res.Images = append(res.Images, imageInfo{
			ImageId:         image.Id,
			Uid:             image.Uid,
			Filename:        image.Filename,
			AccessionNumber: image.AccessionNumber,
		})
	}

	utils.WriteJsonResponse(w, res)
}

// DeleteSeries archives a reported series and fully removes an active one.
func (s *CatalogService) DeleteSeries(w http.ResponseWriter, r *http.Request) {
	seriesId, err := utils.URLParamUUID(r, "series_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.manager.DeleteSeries(seriesId); err != nil {
		err = lookupError(fmt.Errorf("error deleting series %v: %w", seriesId, err))
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}
