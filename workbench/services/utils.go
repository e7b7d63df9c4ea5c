package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"scanbench/workbench/schema"

	"github.com/google/uuid"
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(err error, code int) error {
	return &codedError{err: err, code: code}
}

func GetResponseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}
	slog.Error("non coded error passed to GetResponseCode", "error", err)
	return http.StatusInternalServerError
}

// lookupError codes the catalog sentinels as 404 and everything else as
// 500. Handlers with a finer mapping build their coded errors directly.
func lookupError(err error) error {
	switch {
	case errors.Is(err, schema.ErrStudyNotFound),
		errors.Is(err, schema.ErrSeriesNotFound),
		errors.Is(err, schema.ErrImageNotFound),
		errors.Is(err, schema.ErrTaskNotFound),
		errors.Is(err, schema.ErrReportNotFound),
		errors.Is(err, schema.ErrJobNotFound):
		return CodedError(err, http.StatusNotFound)
	default:
		return CodedError(err, http.StatusInternalServerError)
	}
}

// requestUserId identifies the uploading or dispatching user. Identity is
// asserted by the fronting proxy, which is trusted to set this header.
func requestUserId(r *http.Request) (uuid.UUID, error) {
	value := r.Header.Get("X-User-Id")
	if value == "" {
		return uuid.UUID{}, errors.New("missing X-User-Id header")
	}

	userId, err := uuid.Parse(value)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid X-User-Id header '%v': %w", value, err)
	}
	return userId, nil
}
