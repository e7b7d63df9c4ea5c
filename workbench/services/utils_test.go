package services

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"scanbench/workbench/schema"

	"github.com/stretchr/testify/assert"
)

func TestCodedErrorResponseCode(t *testing.T) {
	err := CodedError(errors.New("nope"), http.StatusConflict)
	assert.Equal(t, http.StatusConflict, GetResponseCode(err))
	assert.Equal(t, "nope", err.Error())
}

func TestCodedErrorSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("error dispatching job: %w", CodedError(schema.ErrSeriesNotFound, http.StatusNotFound))
	assert.Equal(t, http.StatusNotFound, GetResponseCode(err))
	assert.ErrorIs(t, err, schema.ErrSeriesNotFound)
}

func TestUncodedErrorDefaultsToInternal(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, GetResponseCode(errors.New("plain")))
}

func TestLookupErrorCodesSentinels(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, GetResponseCode(lookupError(schema.ErrReportNotFound)))
	assert.Equal(t, http.StatusNotFound, GetResponseCode(lookupError(fmt.Errorf("wrapped: %w", schema.ErrJobNotFound))))
	assert.Equal(t, http.StatusInternalServerError, GetResponseCode(lookupError(schema.ErrDbAccessFailed)))
}
