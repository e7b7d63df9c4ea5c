package analysis

import (
	"testing"

	"scanbench/workbench/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterBuiltins(t *testing.T) {
	registry := tasks.NewRegistry()
	require.NoError(t, RegisterBuiltins(registry))

	names := registry.Names()
	assert.ElementsMatch(t, []string{
		"snr", "snr_map", "slice_position", "slice_width",
		"spatial_resolution", "uniformity", "ghosting", "relaxometry",
	}, names)

	for _, name := range names {
		entry, err := registry.Get(name)
		require.NoError(t, err)
		assert.Equal(t, name == "snr", entry.AcceptsParameter, name)
	}

	assert.ErrorIs(t, RegisterBuiltins(registry), tasks.ErrMultipleImplementations)
}

func TestMeasures(t *testing.T) {
	stats := PixelStats{Mean: 100, StdDev: 4, Min: 80, Max: 120, Count: 64}

	assert.InDelta(t, 25.0, snrOf(stats), 1e-9)
	assert.InDelta(t, 80.0, uniformityOf(stats), 1e-9)
	assert.InDelta(t, 100.0*100/120, ghostingOf(stats), 1e-9)
	assert.InDelta(t, 0.04, contrastOf(stats), 1e-9)
	assert.InDelta(t, 100.0, meanOf(stats), 1e-9)
}

func TestMeasuresDegenerateInputs(t *testing.T) {
	flat := PixelStats{Mean: 50, StdDev: 0, Min: 50, Max: 50}
	assert.Zero(t, snrOf(flat))

	empty := PixelStats{}
	assert.Zero(t, uniformityOf(empty))
	assert.Zero(t, ghostingOf(empty))
	assert.Zero(t, contrastOf(empty))
}
