package storage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

type SharedDiskStorage struct {
	basepath string
}

func NewSharedDisk(basepath string) Storage {
	slog.Info("creating new shared disk storage", "basepath", basepath)
	return &SharedDiskStorage{basepath: basepath}
}

func (s *SharedDiskStorage) FullPath(path string) string {
	return filepath.Join(s.basepath, path)
}

func (s *SharedDiskStorage) Read(path string) (io.ReadCloser, error) {
	fullpath := s.FullPath(path)
	file, err := os.Open(fullpath)
	if err != nil {
		slog.Error("error opening file for read", "path", fullpath, "error", err)
		return nil, fmt.Errorf("error reading file %v: %w", path, err)
	}

	return file, nil
}

func (s *SharedDiskStorage) Write(path string, data io.Reader) error {
	fullpath := s.FullPath(path)

	err := os.MkdirAll(filepath.Dir(fullpath), 0777)
	if err != nil {
		slog.Error("error creating parent directory", "path", fullpath, "error", err)
		return fmt.Errorf("error creating parent directory %v: %w", path, err)
	}

	// Write to a temp file in the destination directory, then rename. The
	// store has concurrent readers and a rename is the only visibility
	// point they can observe.
	tmp, err := os.CreateTemp(filepath.Dir(fullpath), ".write-*")
	if err != nil {
		slog.Error("error creating temp file for write", "path", fullpath, "error", err)
		return fmt.Errorf("error creating temp file for %v: %w", path, err)
	}

	_, err = io.Copy(tmp, data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		slog.Error("error writing to file", "path", fullpath, "error", err)
		return fmt.Errorf("error writing to file %v: %w", path, err)
	}

	if err := os.Rename(tmp.Name(), fullpath); err != nil {
		os.Remove(tmp.Name())
		slog.Error("error renaming temp file into place", "path", fullpath, "error", err)
		return fmt.Errorf("error placing file %v: %w", path, err)
	}

	return nil
}

func (s *SharedDiskStorage) Move(src string, dst string) error {
	fullpath := s.FullPath(dst)

	err := os.MkdirAll(filepath.Dir(fullpath), 0777)
	if err != nil {
		slog.Error("error creating parent directory", "path", fullpath, "error", err)
		return fmt.Errorf("error creating parent directory %v: %w", dst, err)
	}

	err = os.Rename(src, fullpath)
	if err == nil {
		return nil
	}

	// Rename fails across filesystems; fall back to an atomic copy and
	// remove the source afterwards.
	if err := s.copyInto(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		slog.Error("error removing source after copy", "path", src, "error", err)
		return fmt.Errorf("error removing source file %v: %w", src, err)
	}
	return nil
}

func (s *SharedDiskStorage) Copy(src string, dst string) error {
	return s.copyInto(src, dst)
}

func (s *SharedDiskStorage) copyInto(src string, dst string) error {
	file, err := os.Open(src)
	if err != nil {
		slog.Error("error opening source file for copy", "path", src, "error", err)
		return fmt.Errorf("error opening source file %v: %w", src, err)
	}
	defer file.Close()

	return s.Write(dst, file)
}

func (s *SharedDiskStorage) Delete(path string) error {
	fullpath := s.FullPath(path)
	err := os.RemoveAll(fullpath)
	if err != nil {
		slog.Error("error deleting file", "path", fullpath, "error", err)
		return fmt.Errorf("error deleting file %v: %w", path, err)
	}
	return nil
}

func (s *SharedDiskStorage) List(path string) ([]string, error) {
	fullpath := s.FullPath(path)
	entries, err := os.ReadDir(fullpath)
	if err != nil {
		slog.Error("error listing entries", "path", fullpath, "error", err)
		return nil, fmt.Errorf("error listing entries at %v: %w", path, err)
	}

	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		paths = append(paths, entry.Name())
	}

	return paths, nil
}

func (s *SharedDiskStorage) Exists(path string) (bool, error) {
	fullpath := s.FullPath(path)
	_, err := os.Stat(fullpath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	slog.Error("error checking if file exists", "path", fullpath, "error", err)
	return false, fmt.Errorf("error checking if file %v exists: %w", fullpath, err)
}

func (s *SharedDiskStorage) Usage() (UsageStats, error) {
	var stat unix.Statfs_t

	err := unix.Statfs(s.basepath, &stat)
	if err != nil {
		slog.Error("error getting disk usage for shared storage", "path", s.basepath, "error", err)
		return UsageStats{}, fmt.Errorf("error getting disk usage stats: %w", err)
	}

	return UsageStats{
		TotalBytes: stat.Blocks * uint64(stat.Bsize),
		FreeBytes:  stat.Bfree * uint64(stat.Bsize),
	}, nil
}

func (s *SharedDiskStorage) Location() string {
	return s.basepath
}
