package ingest

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Header holds the fields the catalog needs from an uploaded file.
type Header struct {
	ImageUid  string
	SeriesUid string
	StudyUid  string

	SeriesDescription string
	StudyDescription  string
	StudyDate         string
	AccessionNumber   string

	Institution  string
	Manufacturer string
	Model        string
	StationName  string

	AcquiredAt time.Time
}

// Description is the combined study/series label shown for a series.
func (h *Header) Description() string {
	return fmt.Sprintf("%v: %v", h.StudyDescription, h.SeriesDescription)
}

// HeaderParser extracts a Header from raw upload bytes. It is injected into
// the engine so tests can supply synthetic headers without crafting DICOM
// payloads.
type HeaderParser func(data []byte) (Header, error)

// ParseHeader reads the DICOM header of an uploaded file. Pixel data is
// skipped; ingestion only needs metadata.
func ParseHeader(data []byte) (Header, error) {
	dataset, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil, dicom.SkipPixelData())
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	hdr := Header{
		ImageUid:  stringValue(&dataset, tag.SOPInstanceUID),
		SeriesUid: stringValue(&dataset, tag.SeriesInstanceUID),
		StudyUid:  stringValue(&dataset, tag.StudyInstanceUID),

		SeriesDescription: stringValue(&dataset, tag.SeriesDescription),
		StudyDescription:  stringValue(&dataset, tag.StudyDescription),
		StudyDate:         stringValue(&dataset, tag.StudyDate),
		AccessionNumber:   stringValue(&dataset, tag.AccessionNumber),

		Institution:  stringValue(&dataset, tag.InstitutionName),
		Manufacturer: stringValue(&dataset, tag.Manufacturer),
		Model:        stringValue(&dataset, tag.ManufacturerModelName),
		StationName:  stringValue(&dataset, tag.StationName),
	}

	missing := []string{}
	requireField := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}
	requireField("SOPInstanceUID", hdr.ImageUid)
	requireField("SeriesInstanceUID", hdr.SeriesUid)
	requireField("StudyInstanceUID", hdr.StudyUid)
	requireField("SeriesDescription", hdr.SeriesDescription)
	requireField("StudyDescription", hdr.StudyDescription)
	requireField("InstitutionName", hdr.Institution)
	requireField("Manufacturer", hdr.Manufacturer)
	requireField("ManufacturerModelName", hdr.Model)
	requireField("StationName", hdr.StationName)

	seriesDate := stringValue(&dataset, tag.SeriesDate)
	seriesTime := stringValue(&dataset, tag.SeriesTime)
	requireField("SeriesDate", seriesDate)
	requireField("SeriesTime", seriesTime)

	if len(missing) > 0 {
		return Header{}, fmt.Errorf("%w: missing fields %v", ErrMalformedHeader, strings.Join(missing, ", "))
	}

	acquiredAt, err := parseSeriesDatetime(seriesDate, seriesTime)
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	hdr.AcquiredAt = acquiredAt

	return hdr, nil
}

// parseSeriesDatetime combines the DICOM series date and time fields,
// dropping fractional seconds.
func parseSeriesDatetime(date, clock string) (time.Time, error) {
	clock = strings.SplitN(clock, ".", 2)[0]
	parsed, err := time.Parse("20060102-150405", date+"-"+clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid series date/time '%v' '%v': %v", date, clock, err)
	}
	return parsed, nil
}

func stringValue(dataset *dicom.Dataset, t tag.Tag) string {
	element, err := dataset.FindElementByTag(t)
	if err != nil {
		return ""
	}
	values, ok := element.Value.GetValue().([]string)
	if !ok || len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
