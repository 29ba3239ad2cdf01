// Package thermal maps CPU temperatures to a fan duty cycle.
//
// The mapping is linear between a floor and a ceiling derived from the most
// conservative alarm thresholds reported by the sensors:
//
//	ceiling = min(lowest crit, lowest max) - Margin
//	floor   = ceiling - Span
//
// Fans idle at or below the floor and run flat out at or above the ceiling.
// The hottest sensor relative to that range drives the whole system.
package thermal

import (
	"errors"
	"math"
)

const (
	DefaultMargin = 15.0
	DefaultSpan   = 25.0
)

// ErrNoReadings is returned when there is nothing to decide on.
var ErrNoReadings = errors.New("no temperature readings")

// Reading is the part of a sensor reading the model looks at, in °C.
type Reading struct {
	Current float64
	Max     float64
	Crit    float64
}

// Model holds the two margins of the linear mapping.
type Model struct {
	// Margin is kept between the lowest alarm threshold and the ceiling.
	Margin float64 `yaml:"ceiling_margin"`
	// Span is the width of the range from floor to ceiling.
	Span float64 `yaml:"temp_span"`
}

// Default is the R510 tuning: full speed 15°C under the alarm point,
// idle 25°C below that.
var Default = Model{Margin: DefaultMargin, Span: DefaultSpan}

// Bounds return the floor and the ceiling for the given readings.
func (m Model) Bounds(readings []Reading) (floor, ceiling float64, err error) {
	if len(readings) == 0 {
		return 0, 0, ErrNoReadings
	}

	lowestCrit := math.Inf(1)
	lowestMax := math.Inf(1)
	for _, r := range readings {
		lowestCrit = math.Min(lowestCrit, r.Crit)
		lowestMax = math.Min(lowestMax, r.Max)
	}

	ceiling = math.Min(lowestCrit, lowestMax) - m.Margin
	floor = ceiling - m.Span
	return floor, ceiling, nil
}

// ChooseFanSpeed return the fan speed fraction in [0, 1].
func (m Model) ChooseFanSpeed(readings []Reading) (float64, error) {
	floor, ceiling, err := m.Bounds(readings)
	if err != nil {
		return 0, err
	}

	// no usable range, run the fans flat out
	if !(ceiling-floor > 0) {
		return 1, nil
	}

	f := math.Inf(-1)
	for _, r := range readings {
		f = math.Max(f, (r.Current-floor)/(ceiling-floor))
	}

	if math.IsNaN(f) {
		return 1, nil
	}

	// clamp f
	return math.Max(math.Min(f, 1), 0), nil
}

// ChooseFanSpeed uses the Default model.
func ChooseFanSpeed(readings []Reading) (float64, error) {
	return Default.ChooseFanSpeed(readings)
}
