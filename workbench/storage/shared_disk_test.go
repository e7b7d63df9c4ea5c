package storage_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"scanbench/workbench/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadList(t *testing.T) {
	store := storage.NewSharedDisk(t.TempDir())

	seriesId := uuid.New()

	err := store.Write(storage.ImagePath(seriesId, "a.dcm"), bytes.NewReader([]byte("first")))
	require.NoError(t, err)
	err = store.Write(storage.ImagePath(seriesId, "b.dcm"), bytes.NewReader([]byte("second")))
	require.NoError(t, err)

	entries, err := store.List(storage.SeriesPath(seriesId))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.dcm", "b.dcm"}, entries)

	file, err := store.Read(storage.ImagePath(seriesId, "a.dcm"))
	require.NoError(t, err)
	defer file.Close()

	data, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	store := storage.NewSharedDisk(t.TempDir())

	seriesId := uuid.New()
	err := store.Write(storage.ImagePath(seriesId, "a.dcm"), bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	entries, err := store.List(storage.SeriesPath(seriesId))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.dcm"}, entries)
}

func TestMoveFromOutsideStore(t *testing.T) {
	store := storage.NewSharedDisk(t.TempDir())

	staging := filepath.Join(t.TempDir(), "upload.dcm")
	require.NoError(t, os.WriteFile(staging, []byte("payload"), 0666))

	seriesId := uuid.New()
	err := store.Move(staging, storage.ImagePath(seriesId, "upload.dcm"))
	require.NoError(t, err)

	_, err = os.Stat(staging)
	assert.True(t, os.IsNotExist(err), "source should be gone after move")

	exists, err := store.Exists(storage.ImagePath(seriesId, "upload.dcm"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCopyKeepsSource(t *testing.T) {
	store := storage.NewSharedDisk(t.TempDir())

	src := filepath.Join(t.TempDir(), "artifact.png")
	require.NoError(t, os.WriteFile(src, []byte("image"), 0666))

	reportId := uuid.New()
	err := store.Copy(src, filepath.Join(storage.ReportPath(reportId), "artifact.png"))
	require.NoError(t, err)

	_, err = os.Stat(src)
	assert.NoError(t, err, "source should remain after copy")
}

func TestDeleteAndExists(t *testing.T) {
	store := storage.NewSharedDisk(t.TempDir())

	seriesId := uuid.New()
	require.NoError(t, store.Write(storage.ImagePath(seriesId, "a.dcm"), bytes.NewReader([]byte("x"))))

	require.NoError(t, store.Delete(storage.SeriesPath(seriesId)))

	exists, err := store.Exists(storage.SeriesPath(seriesId))
	require.NoError(t, err)
	assert.False(t, exists)
}
