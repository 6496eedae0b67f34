// internal/calibration/moisture_test.go
package calibration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensor-reader/internal/config"
)

func TestMoisture_Percent(t *testing.T) {
	m, err := NewMoisture(config.CalibrationConfig{DryReading: 520, WetReading: 260, Precision: 1})
	require.NoError(t, err)

	tests := []struct {
		reading int64
		want    string
	}{
		{520, "0"},
		{260, "100"},
		{390, "50"},
		{423, "37.3"},
		{600, "0"},
		{100, "100"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Percent(tt.reading).String(), "reading %d", tt.reading)
	}
}

func TestMoisture_InvertedProbe(t *testing.T) {
	// Probes whose reading rises with moisture.
	m, err := NewMoisture(config.CalibrationConfig{DryReading: 100, WetReading: 900, Precision: 0})
	require.NoError(t, err)

	assert.Equal(t, "0", m.Percent(100).String())
	assert.Equal(t, "50", m.Percent(500).String())
	assert.Equal(t, "100", m.Percent(950).String())
}

func TestNewMoisture_Invalid(t *testing.T) {
	_, err := NewMoisture(config.CalibrationConfig{DryReading: 300, WetReading: 300})
	assert.Error(t, err)

	_, err = NewMoisture(config.CalibrationConfig{DryReading: 520, WetReading: 260, Precision: -1})
	assert.Error(t, err)
}
