package ipmi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// FanThreshold are custom lower/upper RPM thresholds for a fan sensor,
// fans slower than the stock ones (eg. Noctua) need this or the BMC
// reports them as failed and spins everything up.
// `sudo watch ipmitool sensor` to get the current settings.
type FanThreshold struct {
	Name        string   `yaml:"-"`
	Description string   `yaml:"description"`
	Lower       []string `yaml:"lower"`
	Upper       []string `yaml:"upper"`
}

func (t *FanThreshold) validate() error {
	if len(t.Lower) != 3 {
		return errors.New("lower thresholds must have three values: Non-Recoverable, Critical and Non-Critical")
	}
	if len(t.Upper) != 3 {
		return errors.New("upper thresholds must have three values: Non-Critical, Critical and Non-Recoverable")
	}
	return nil
}

// SetThreshold writes t to the BMC with `sensor thresh`.
func (ipmi *IPMI) SetThreshold(ctx context.Context, t *FanThreshold) error {
	if err := t.validate(); err != nil {
		return fmt.Errorf("fan threshold %s: %w", t.Name, err)
	}

	for _, side := range []struct {
		name   string
		values []string
	}{{"lower", t.Lower}, {"upper", t.Upper}} {
		args := append([]string{"sensor", "thresh", t.Name, side.name}, side.values...)
		line, res, err := ipmi.command(ctx, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", line, err)
		}
		ipmi.logger().Info("Fan threshold set.",
			slog.String("sensor", t.Name),
			slog.String("side", side.name),
			slog.String("output", res.Stdout),
		)
	}
	return nil
}
