package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Device is the scanner that produced a series. Devices are created lazily
// during ingestion and identified by the full 4-tuple rather than a natural
// external id.
type Device struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Institution  string `gorm:"size:100;not null;uniqueIndex:idx_device_identity"`
	Manufacturer string `gorm:"size:100;not null;uniqueIndex:idx_device_identity"`
	Model        string `gorm:"size:100;not null;uniqueIndex:idx_device_identity"`
	StationName  string `gorm:"size:100;not null;uniqueIndex:idx_device_identity"`

	Series []Series
}

type Study struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Uid         string `gorm:"size:64;not null;unique"`
	Description string `gorm:"size:100"`
	StudyDate   string `gorm:"size:64"`

	Series []Series
}

type Series struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Uid         string `gorm:"size:64;not null;unique"`
	Description string `gorm:"size:100"`
	AcquiredAt  time.Time

	HasReport bool `gorm:"not null;default:false"`
	Archived  bool `gorm:"not null;default:false"`

	UserId uuid.UUID `gorm:"type:uuid;not null"`

	DeviceId *uuid.UUID `gorm:"type:uuid"`
	Device   *Device

	StudyId uuid.UUID `gorm:"type:uuid;not null"`
	Study   *Study

	Images  []Image  `gorm:"constraint:OnDelete:CASCADE"`
	Reports []Report `gorm:"constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
}

type Image struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Uid             string `gorm:"size:100;not null;unique"`
	Filename        string `gorm:"size:200;not null"`
	AccessionNumber string `gorm:"size:100"`

	SeriesId uuid.UUID `gorm:"type:uuid;not null;index"`
	Series   *Series

	CreatedAt time.Time
}

// Task rows are never deleted once created: historical reports reference the
// task by name even after the routine disappears from the registry.
type Task struct {
	Name        string `gorm:"size:100;primaryKey"`
	Description string `gorm:"size:500"`

	Reports []Report `gorm:"foreignKey:TaskName"`

	CreatedAt time.Time
}

type Report struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	UserId   uuid.UUID `gorm:"type:uuid;not null"`
	SeriesId uuid.UUID `gorm:"type:uuid;not null;index"`
	TaskName string    `gorm:"size:100;not null"`

	// JobId keys completion idempotency: a retried job completion finds the
	// existing row instead of inserting a second one.
	JobId uuid.UUID `gorm:"type:uuid;not null;unique"`

	ToolVersion string `gorm:"size:20"`
	Data        string

	CreatedAt time.Time
}

// Measurement decodes the stored measurement document.
func (r *Report) Measurement() (map[string]interface{}, error) {
	doc := map[string]interface{}{}
	if err := json.Unmarshal([]byte(r.Data), &doc); err != nil {
		return nil, fmt.Errorf("error decoding measurement for report %v: %w", r.Id, err)
	}
	return doc, nil
}

// Job is one durable unit of analysis work. Rows double as the queue: the
// worker pool replays queued rows on startup, so an interrupted process
// never loses accepted work.
type Job struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	UserId   uuid.UUID `gorm:"type:uuid;not null"`
	SeriesId uuid.UUID `gorm:"type:uuid;not null;index"`
	TaskName string    `gorm:"size:100;not null"`

	Files     string
	Parameter *float64

	Status string `gorm:"size:50;not null"`
	Error  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (j *Job) FileList() ([]string, error) {
	var files []string
	if err := json.Unmarshal([]byte(j.Files), &files); err != nil {
		return nil, fmt.Errorf("error decoding file list for job %v: %w", j.Id, err)
	}
	return files, nil
}

func (j *Job) SetFileList(files []string) error {
	data, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("error encoding file list for job %v: %w", j.Id, err)
	}
	j.Files = string(data)
	return nil
}

// AllModels lists every table in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&Device{}, &Study{}, &Series{}, &Image{}, &Task{}, &Report{}, &Job{},
	}
}
