package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"scanbench/workbench/schema"
	"scanbench/workbench/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrMalformedHeader = errors.New("malformed image header")
	ErrDuplicateImage  = errors.New("image already ingested")
)

// Engine files uploaded images into the catalog and the storage root. The
// database rows and the filesystem layout are kept in lockstep: an image
// row never outlives the request without a backing file.
type Engine struct {
	db    *gorm.DB
	store storage.Storage
	parse HeaderParser
}

func NewEngine(db *gorm.DB, store storage.Storage, parse HeaderParser) *Engine {
	return &Engine{db: db, store: store, parse: parse}
}

// Ingest validates, deduplicates and files one uploaded image. It returns
// the absolute canonical directory the file was placed in.
func (e *Engine) Ingest(userId uuid.UUID, filename string, data []byte) (string, error) {
	hdr, err := e.parse(data)
	if err != nil {
		if !errors.Is(err, ErrMalformedHeader) {
			err = fmt.Errorf("%w: %v", ErrMalformedHeader, err)
		}
		return "", err
	}

	var exists bool
	result := e.db.Model(&schema.Image{}).Select("count(*) > 0").Where("uid = ?", hdr.ImageUid).Find(&exists)
	if result.Error != nil {
		slog.Error("sql error checking for existing image", "image_uid", hdr.ImageUid, "error", result.Error)
		return "", schema.ErrDbAccessFailed
	}
	if exists {
		slog.Info("image already exists in catalog", "image_uid", hdr.ImageUid)
		return "", fmt.Errorf("%w: uid %v", ErrDuplicateImage, hdr.ImageUid)
	}

	device, err := e.getOrCreateDevice(&hdr)
	if err != nil {
		return "", err
	}

	study, err := e.getOrCreateStudy(&hdr)
	if err != nil {
		return "", err
	}

	series, err := e.getOrCreateSeries(&hdr, userId, device.Id, study.Id)
	if err != nil {
		return "", err
	}

	filename = filepath.Base(filename)
	image := schema.Image{
		Id:              uuid.New(),
		Uid:             hdr.ImageUid,
		Filename:        filename,
		AccessionNumber: hdr.AccessionNumber,
		SeriesId:        series.Id,
	}
	if result := e.db.Create(&image); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			// Lost a race against a concurrent upload of the same instance.
			return "", fmt.Errorf("%w: uid %v", ErrDuplicateImage, hdr.ImageUid)
		}
		slog.Error("sql error inserting image", "image_uid", hdr.ImageUid, "error", result.Error)
		return "", schema.ErrDbAccessFailed
	}

	if err := e.store.Write(storage.ImagePath(series.Id, filename), bytes.NewReader(data)); err != nil {
		// The image row committed but the file never landed. Roll the row
		// back so the catalog and the storage root stay consistent.
		if result := e.db.Delete(&image); result.Error != nil {
			slog.Error("sql error rolling back image row after failed file placement",
				"image_id", image.Id, "error", result.Error)
		}
		return "", fmt.Errorf("error placing image file: %w", err)
	}

	return e.store.FullPath(storage.SeriesPath(series.Id)), nil
}

/*
 * The get-or-create helpers below race under concurrent uploads targeting a
 * not-yet-created device/study/series. Each runs as a short transaction:
 * fetch, insert on miss, and re-fetch if the insert loses to a concurrent
 * first insert (unique constraint conflict). The conflict is never surfaced
 * to the caller.
 */

func (e *Engine) getOrCreateDevice(hdr *Header) (schema.Device, error) {
	identity := func(tx *gorm.DB) *gorm.DB {
		return tx.Where(
			"institution = ? AND manufacturer = ? AND model = ? AND station_name = ?",
			hdr.Institution, hdr.Manufacturer, hdr.Model, hdr.StationName,
		)
	}

	var device schema.Device
	err := identity(e.db).First(&device).Error
	if err == nil {
		return device, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		slog.Error("sql error fetching device", "station_name", hdr.StationName, "error", err)
		return device, schema.ErrDbAccessFailed
	}

	device = schema.Device{
		Id:           uuid.New(),
		Institution:  hdr.Institution,
		Manufacturer: hdr.Manufacturer,
		Model:        hdr.Model,
		StationName:  hdr.StationName,
	}
	err = e.db.Create(&device).Error
	if err == nil {
		return device, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		if err := identity(e.db).First(&device).Error; err != nil {
			slog.Error("sql error re-fetching device after insert conflict", "error", err)
			return device, schema.ErrDbAccessFailed
		}
		return device, nil
	}
	slog.Error("sql error inserting device", "station_name", hdr.StationName, "error", err)
	return device, schema.ErrDbAccessFailed
}

func (e *Engine) getOrCreateStudy(hdr *Header) (schema.Study, error) {
	var study schema.Study
	err := e.db.First(&study, "uid = ?", hdr.StudyUid).Error
	if err == nil {
		return study, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		slog.Error("sql error fetching study", "study_uid", hdr.StudyUid, "error", err)
		return study, schema.ErrDbAccessFailed
	}

	study = schema.Study{
		Id:          uuid.New(),
		Uid:         hdr.StudyUid,
		Description: hdr.StudyDescription,
		StudyDate:   hdr.StudyDate,
	}
	err = e.db.Create(&study).Error
	if err == nil {
		return study, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		if err := e.db.First(&study, "uid = ?", hdr.StudyUid).Error; err != nil {
			slog.Error("sql error re-fetching study after insert conflict", "study_uid", hdr.StudyUid, "error", err)
			return study, schema.ErrDbAccessFailed
		}
		return study, nil
	}
	slog.Error("sql error inserting study", "study_uid", hdr.StudyUid, "error", err)
	return study, schema.ErrDbAccessFailed
}

func (e *Engine) getOrCreateSeries(hdr *Header, userId, deviceId, studyId uuid.UUID) (schema.Series, error) {
	var series schema.Series
	err := e.db.First(&series, "uid = ?", hdr.SeriesUid).Error
	if err == nil {
		// Later images never mutate series metadata.
		return series, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		slog.Error("sql error fetching series", "series_uid", hdr.SeriesUid, "error", err)
		return series, schema.ErrDbAccessFailed
	}

	series = schema.Series{
		Id:          uuid.New(),
		Uid:         hdr.SeriesUid,
		Description: hdr.SeriesDescription,
		AcquiredAt:  hdr.AcquiredAt,
		UserId:      userId,
		DeviceId:    &deviceId,
		StudyId:     studyId,
	}
	err = e.db.Create(&series).Error
	if err == nil {
		return series, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		if err := e.db.First(&series, "uid = ?", hdr.SeriesUid).Error; err != nil {
			slog.Error("sql error re-fetching series after insert conflict", "series_uid", hdr.SeriesUid, "error", err)
			return series, schema.ErrDbAccessFailed
		}
		return series, nil
	}
	slog.Error("sql error inserting series", "series_uid", hdr.SeriesUid, "error", err)
	return series, schema.ErrDbAccessFailed
}
