// internal/calibration/moisture.go
package calibration

import (
	"fmt"

	"github.com/shopspring/decimal"

	"sensor-reader/internal/config"
)

var hundred = decimal.NewFromInt(100)

// Moisture converts raw sensor readings to a relative moisture percentage
// using two reference readings taken in dry air and in water.
type Moisture struct {
	dry       decimal.Decimal
	wet       decimal.Decimal
	precision int32
}

// NewMoisture validates the reference readings
func NewMoisture(cfg config.CalibrationConfig) (*Moisture, error) {
	if cfg.DryReading == cfg.WetReading {
		return nil, fmt.Errorf("dry and wet readings must differ, both are %d", cfg.DryReading)
	}
	if cfg.Precision < 0 {
		return nil, fmt.Errorf("precision must not be negative: %d", cfg.Precision)
	}
	return &Moisture{
		dry:       decimal.NewFromInt(cfg.DryReading),
		wet:       decimal.NewFromInt(cfg.WetReading),
		precision: cfg.Precision,
	}, nil
}

// Percent maps reading onto 0..100 where the dry reference is 0 and the
// wet reference is 100. Readings beyond either reference are clamped.
func (m *Moisture) Percent(reading int64) decimal.Decimal {
	r := decimal.NewFromInt(reading)
	pct := m.dry.Sub(r).Div(m.dry.Sub(m.wet)).Mul(hundred)

	switch {
	case pct.IsNegative():
		pct = decimal.Zero
	case pct.GreaterThan(hundred):
		pct = hundred
	}
	return pct.Round(m.precision)
}
