package lifecycle

import (
	"fmt"
	"log/slog"

	"scanbench/workbench/schema"
	"scanbench/workbench/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Manager owns the delete/archive state machine for series and reports.
//
// A series moves ACTIVE -> REPORTED once a report lands. Deleting a
// reported series only archives it; its rows and files are retained since
// reports reference them. Deleting an active series removes the files and
// rows for real. Filesystem removal always happens before any row is
// deleted: a row must never disappear while its files could not.
type Manager struct {
	db     *gorm.DB
	store  storage.Storage
	public storage.Storage
}

func NewManager(db *gorm.DB, store, public storage.Storage) *Manager {
	return &Manager{db: db, store: store, public: public}
}

// DeleteSeries archives a reported series or fully deletes an active one.
// Deleting the last series of a study removes the study as well; devices
// are never deleted here.
func (m *Manager) DeleteSeries(seriesId uuid.UUID) error {
	series, err := schema.GetSeries(seriesId, m.db, false, false)
	if err != nil {
		return err
	}

	if series.HasReport {
		result := m.db.Model(&series).Update("archived", true)
		if result.Error != nil {
			slog.Error("sql error archiving series", "series_id", seriesId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		slog.Info("archived reported series", "series_id", seriesId)
		return nil
	}

	if err := m.store.Delete(storage.SeriesPath(series.Id)); err != nil {
		return fmt.Errorf("error removing series directory, not deleting rows: %w", err)
	}

	err = m.db.Transaction(func(tx *gorm.DB) error {
		if result := tx.Where("series_id = ?", series.Id).Delete(&schema.Image{}); result.Error != nil {
			slog.Error("sql error deleting series images", "series_id", seriesId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		if result := tx.Delete(&series); result.Error != nil {
			slog.Error("sql error deleting series", "series_id", seriesId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		var siblings int64
		if result := tx.Model(&schema.Series{}).Where("study_id = ?", series.StudyId).Count(&siblings); result.Error != nil {
			slog.Error("sql error counting sibling series", "study_id", series.StudyId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if siblings == 0 {
			if result := tx.Delete(&schema.Study{}, "id = ?", series.StudyId); result.Error != nil {
				slog.Error("sql error deleting empty study", "study_id", series.StudyId, "error", result.Error)
				return schema.ErrDbAccessFailed
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("deleted active series", "series_id", seriesId)
	return nil
}

// DeleteReport removes one report and its artifacts. Removing a series'
// only report returns the series to the active worklist: both has_report
// and archived are reset.
func (m *Manager) DeleteReport(reportId uuid.UUID) error {
	report, err := schema.GetReport(reportId, m.db)
	if err != nil {
		return err
	}

	if err := m.store.Delete(storage.ReportPath(report.Id)); err != nil {
		return fmt.Errorf("error removing report artifacts, not deleting row: %w", err)
	}
	if err := m.public.Delete(storage.ReportPath(report.Id)); err != nil {
		return fmt.Errorf("error removing published report artifacts, not deleting row: %w", err)
	}

	err = m.db.Transaction(func(tx *gorm.DB) error {
		if result := tx.Delete(&report); result.Error != nil {
			slog.Error("sql error deleting report", "report_id", reportId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		remaining, err := schema.CountSeriesReports(report.SeriesId, tx)
		if err != nil {
			return err
		}
		if remaining == 0 {
			updates := map[string]interface{}{"has_report": false, "archived": false}
			if result := tx.Model(&schema.Series{}).Where("id = ?", report.SeriesId).Updates(updates); result.Error != nil {
				slog.Error("sql error resetting series flags", "series_id", report.SeriesId, "error", result.Error)
				return schema.ErrDbAccessFailed
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("deleted report", "report_id", reportId, "series_id", report.SeriesId)
	return nil
}
