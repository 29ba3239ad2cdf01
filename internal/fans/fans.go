// Package fans spreads a single duty-cycle target over the fan channels.
package fans

import (
	"context"
	"fmt"
	"log/slog"
	"math"
)

// Assignment is the duty cycle in percent for one fan index.
type Assignment struct {
	Fan     int
	Percent int
}

// Setter drives a single fan.
type Setter interface {
	SetFanSpeed(ctx context.Context, fan int, percent int) error
}

// Distribute splits target (0.0-1.0) over count fans.
// The total of target*count*100 percentage points is preserved: every fan gets
// the same base value and the first fans, in index order, one point more
// to absorb the remainder.
func Distribute(count int, target float64) ([]Assignment, error) {
	if count <= 0 {
		return nil, fmt.Errorf("fan count must be positive, got %d", count)
	}
	if math.IsNaN(target) || target < 0 || target > 1 {
		return nil, fmt.Errorf("fan speed target %v out of range 0-1", target)
	}

	total := totalPoints(count, target)
	base, extra := total/count, total%count
	boosted := base + 1
	if boosted > 100 {
		boosted = 100
	}

	assignments := make([]Assignment, count)
	for i := range assignments {
		speed := base
		if i < extra {
			speed = boosted
		}
		assignments[i] = Assignment{Fan: i, Percent: speed}
	}
	return assignments, nil
}

// totalPoints rounds target*count*100 to whole percentage points.
// The product is first snapped to 1e-9 so that binary noise like
// 0.575*100 = 57.49999999999999 rounds as the 57.5 it stands for.
func totalPoints(count int, target float64) int {
	raw := target * float64(count) * 100
	snapped := math.Round(raw*1e9) / 1e9
	return int(math.Round(snapped))
}

// Apply sets every assignment in order and stops at the first failure.
func Apply(ctx context.Context, setter Setter, assignments []Assignment, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	for _, a := range assignments {
		log.Info("Setting fan speed.",
			slog.Int("fan", a.Fan),
			slog.Int("of", len(assignments)),
			slog.Int("percent", a.Percent),
		)
		if err := setter.SetFanSpeed(ctx, a.Fan, a.Percent); err != nil {
			return fmt.Errorf("fan %d: %w", a.Fan, err)
		}
	}
	return nil
}

// SetFanSpeeds distributes target over count fans and applies it.
func SetFanSpeeds(ctx context.Context, setter Setter, count int, target float64, log *slog.Logger) ([]Assignment, error) {
	assignments, err := Distribute(count, target)
	if err != nil {
		return nil, err
	}
	return assignments, Apply(ctx, setter, assignments, log)
}
