package storage

import (
	"io"
	"path/filepath"

	"github.com/google/uuid"
)

// Storage is the filesystem store backing the catalog. Paths are always
// relative to the store's root; the layout is a pure function of entity
// identifiers and is never persisted in the database.
type Storage interface {
	Read(path string) (io.ReadCloser, error)

	// Write places data at path atomically: the data is written to a
	// temporary file and renamed into place, so concurrent readers never
	// observe a partial file.
	Write(path string, data io.Reader) error

	// Move relocates a file from an absolute path outside the store into
	// the store, falling back to copy-and-remove across filesystems.
	Move(src string, dst string) error

	// Copy duplicates a file from an absolute path outside the store into
	// the store.
	Copy(src string, dst string) error

	Delete(path string) error

	List(path string) ([]string, error)

	Exists(path string) (bool, error)

	Usage() (UsageStats, error)

	// FullPath resolves a store-relative path to an absolute one, for
	// handing file locations to analysis routines.
	FullPath(path string) string

	Location() string
}

type UsageStats struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// SeriesPath is the canonical directory for a series' raw image files.
func SeriesPath(seriesId uuid.UUID) string {
	return filepath.Join("series", seriesId.String())
}

// ImagePath is the canonical location of one ingested file.
func ImagePath(seriesId uuid.UUID, filename string) string {
	return filepath.Join(SeriesPath(seriesId), filename)
}

// ReportPath is the directory holding a report's rendered artifacts. Report
// ids are generated per report, so the directory is never reused.
func ReportPath(reportId uuid.UUID) string {
	return filepath.Join("reports", reportId.String())
}
