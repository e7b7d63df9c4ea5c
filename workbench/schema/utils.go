package schema

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrStudyNotFound  = errors.New("study not found")
	ErrSeriesNotFound = errors.New("series not found")
	ErrImageNotFound  = errors.New("image not found")
	ErrTaskNotFound   = errors.New("task not found")
	ErrReportNotFound = errors.New("report not found")
	ErrJobNotFound    = errors.New("job not found")
	ErrDbAccessFailed = errors.New("db access failed")
)

func GetSeries(seriesId uuid.UUID, db *gorm.DB, loadStudy, loadDevice bool) (Series, error) {
	var series Series

	var result *gorm.DB = db
	if loadStudy {
		result = result.Preload("Study")
	}
	if loadDevice {
		result = result.Preload("Device")
	}
	result = result.First(&series, "id = ?", seriesId)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return series, ErrSeriesNotFound
		}
		slog.Error("sql error in get series", "series_id", seriesId, "error", result.Error)
		return series, ErrDbAccessFailed
	}

	return series, nil
}

func GetStudy(studyId uuid.UUID, db *gorm.DB) (Study, error) {
	var study Study

	result := db.First(&study, "id = ?", studyId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return study, ErrStudyNotFound
		}
		slog.Error("sql error in get study", "study_id", studyId, "error", result.Error)
		return study, ErrDbAccessFailed
	}

	return study, nil
}

func GetTask(name string, db *gorm.DB) (Task, error) {
	var task Task

	result := db.First(&task, "name = ?", name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return task, ErrTaskNotFound
		}
		slog.Error("sql error in get task", "task_name", name, "error", result.Error)
		return task, ErrDbAccessFailed
	}

	return task, nil
}

func GetReport(reportId uuid.UUID, db *gorm.DB) (Report, error) {
	var report Report

	result := db.First(&report, "id = ?", reportId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return report, ErrReportNotFound
		}
		slog.Error("sql error in get report", "report_id", reportId, "error", result.Error)
		return report, ErrDbAccessFailed
	}

	return report, nil
}

func GetJob(jobId uuid.UUID, db *gorm.DB) (Job, error) {
	var job Job

	result := db.First(&job, "id = ?", jobId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return job, ErrJobNotFound
		}
		slog.Error("sql error in get job", "job_id", jobId, "error", result.Error)
		return job, ErrDbAccessFailed
	}

	return job, nil
}

// CountSeriesImages returns the number of image rows referencing a series.
func CountSeriesImages(seriesId uuid.UUID, db *gorm.DB) (int64, error) {
	var count int64
	result := db.Model(&Image{}).Where("series_id = ?", seriesId).Count(&count)
	if result.Error != nil {
		slog.Error("sql error counting series images", "series_id", seriesId, "error", result.Error)
		return 0, ErrDbAccessFailed
	}
	return count, nil
}

// CountSeriesReports returns the number of reports referencing a series.
func CountSeriesReports(seriesId uuid.UUID, db *gorm.DB) (int64, error) {
	var count int64
	result := db.Model(&Report{}).Where("series_id = ?", seriesId).Count(&count)
	if result.Error != nil {
		slog.Error("sql error counting series reports", "series_id", seriesId, "error", result.Error)
		return 0, ErrDbAccessFailed
	}
	return count, nil
}
