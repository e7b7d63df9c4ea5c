package analysis

import (
	"fmt"
	"math"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// PixelStats summarizes the pixel values of one image.
type PixelStats struct {
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
	Count  int
}

func readPixelStats(path string) (PixelStats, error) {
	dataset, err := dicom.ParseFile(path, nil)
	if err != nil {
		return PixelStats{}, fmt.Errorf("error parsing %s: %w", path, err)
	}

	element, err := dataset.FindElementByTag(tag.PixelData)
	if err != nil {
		return PixelStats{}, fmt.Errorf("%s has no pixel data: %w", path, err)
	}

	info := dicom.MustGetPixelDataInfo(element.Value)
	if len(info.Frames) == 0 {
		return PixelStats{}, fmt.Errorf("%s has no frames", path)
	}

	stats := PixelStats{Min: math.Inf(1), Max: math.Inf(-1)}
	sum, sumSquares := 0.0, 0.0

	for i := range info.Frames {
		native, err := info.Frames[i].GetNativeFrame()
		if err != nil {
			return PixelStats{}, fmt.Errorf("error decoding frame of %s: %w", path, err)
		}

		for _, samples := range native.Data {
			for _, sample := range samples {
				value := float64(sample)
				sum += value
				sumSquares += value * value
				stats.Min = math.Min(stats.Min, value)
				stats.Max = math.Max(stats.Max, value)
				stats.Count++
			}
		}
	}

	if stats.Count == 0 {
		return PixelStats{}, fmt.Errorf("%s has empty frames", path)
	}

	n := float64(stats.Count)
	stats.Mean = sum / n
	variance := sumSquares/n - stats.Mean*stats.Mean
	if variance > 0 {
		stats.StdDev = math.Sqrt(variance)
	}

	return stats, nil
}
