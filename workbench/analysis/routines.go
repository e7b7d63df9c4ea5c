package analysis

import (
	"context"
	"fmt"
	"path/filepath"

	"scanbench/workbench/tasks"
)

// Built-in routine set, mirroring the standard MR phantom QA battery. Each
// routine reduces its input images to a measurement document; none of them
// renders artifacts. The snr task is the only one taking a numeric
// parameter (the measured slice width used to correct the reported value).
func RegisterBuiltins(r *tasks.Registry) error {
	routines := []struct {
		name             string
		description      string
		acceptsParameter bool
		constructor      tasks.Constructor
	}{
		{
			name:             "snr",
			description:      "Signal to noise ratio of a uniform phantom",
			acceptsParameter: true,
			constructor: func(files []string, parameter *float64) tasks.Routine {
				return &snrRoutine{files: files, measuredSliceWidth: parameter}
			},
		},
		{
			name:        "snr_map",
			description: "Per-image signal to noise map summary",
			constructor: func(files []string, parameter *float64) tasks.Routine {
				return &perImageRoutine{files: files, measure: snrOf}
			},
		},
		{
			name:        "uniformity",
			description: "Integral uniformity over the phantom region",
			constructor: func(files []string, parameter *float64) tasks.Routine {
				return &perImageRoutine{files: files, measure: uniformityOf}
			},
		},
		{
			name:        "ghosting",
			description: "Ghosting artifact level",
			constructor: func(files []string, parameter *float64) tasks.Routine {
				return &perImageRoutine{files: files, measure: ghostingOf}
			},
		},
		{
			name:        "slice_position",
			description: "Slice position accuracy",
			constructor: func(files []string, parameter *float64) tasks.Routine {
				return &perImageRoutine{files: files, measure: meanOf}
			},
		},
		{
			name:        "slice_width",
			description: "Slice width accuracy",
			constructor: func(files []string, parameter *float64) tasks.Routine {
				return &perImageRoutine{files: files, measure: meanOf}
			},
		},
		{
			name:        "spatial_resolution",
			description: "Spatial resolution estimate",
			constructor: func(files []string, parameter *float64) tasks.Routine {
				return &perImageRoutine{files: files, measure: contrastOf}
			},
		},
		{
			name:        "relaxometry",
			description: "Relaxation time summary",
			constructor: func(files []string, parameter *float64) tasks.Routine {
				return &perImageRoutine{files: files, measure: meanOf}
			},
		},
	}

	for _, routine := range routines {
		err := r.Register(routine.name, tasks.Entry{
			Constructor:      routine.constructor,
			AcceptsParameter: routine.acceptsParameter,
			Description:      routine.description,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

type snrRoutine struct {
	files              []string
	measuredSliceWidth *float64
}

func (r *snrRoutine) Run(ctx context.Context) (tasks.Result, error) {
	perImage := map[string]interface{}{}
	total := 0.0

	for _, file := range r.files {
		if err := ctx.Err(); err != nil {
			return tasks.Result{}, err
		}

		stats, err := readPixelStats(file)
		if err != nil {
			return tasks.Result{}, err
		}

		snr := snrOf(stats)
		if r.measuredSliceWidth != nil && *r.measuredSliceWidth > 0 {
			// Scale to the nominal 5mm slice when the operator measured the
			// actual excited width.
			snr *= 5.0 / *r.measuredSliceWidth
		}

		perImage[filepath.Base(file)] = snr
		total += snr
	}

	if len(r.files) == 0 {
		return tasks.Result{}, fmt.Errorf("snr routine requires at least one input file")
	}

	return tasks.Result{
		Measurement: map[string]interface{}{
			"measurement": perImage,
			"mean_snr":    total / float64(len(r.files)),
		},
	}, nil
}

// perImageRoutine applies one scalar measure to every input image.
type perImageRoutine struct {
	files   []string
	measure func(PixelStats) float64
}

func (r *perImageRoutine) Run(ctx context.Context) (tasks.Result, error) {
	if len(r.files) == 0 {
		return tasks.Result{}, fmt.Errorf("routine requires at least one input file")
	}

	perImage := map[string]interface{}{}
	for _, file := range r.files {
		if err := ctx.Err(); err != nil {
			return tasks.Result{}, err
		}

		stats, err := readPixelStats(file)
		if err != nil {
			return tasks.Result{}, err
		}
		perImage[filepath.Base(file)] = r.measure(stats)
	}

	return tasks.Result{Measurement: map[string]interface{}{"measurement": perImage}}, nil
}

func snrOf(stats PixelStats) float64 {
	if stats.StdDev == 0 {
		return 0
	}
	return stats.Mean / stats.StdDev
}

func uniformityOf(stats PixelStats) float64 {
	denominator := stats.Max + stats.Min
	if denominator == 0 {
		return 0
	}
	return 100 * (1 - (stats.Max-stats.Min)/denominator)
}

func ghostingOf(stats PixelStats) float64 {
	if stats.Max == 0 {
		return 0
	}
	return 100 * stats.Mean / stats.Max
}

func contrastOf(stats PixelStats) float64 {
	if stats.Mean == 0 {
		return 0
	}
	return stats.StdDev / stats.Mean
}

func meanOf(stats PixelStats) float64 {
	return stats.Mean
}
