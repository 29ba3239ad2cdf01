package ipmi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/oblq/r510fc/internal/exec"
)

// SetSpeedPolicy tells how to judge the result of the set duty-cycle command,
// which on the R510 reports a failure even when the speed was applied.
type SetSpeedPolicy string

const (
	// PolicyIgnore accepts any exit status.
	PolicyIgnore SetSpeedPolicy = "ignore"
	// PolicyExpected accepts only the failure the R510 BMC is known to return.
	PolicyExpected SetSpeedPolicy = "expected"
	// PolicyStrict accepts only a zero exit status.
	PolicyStrict SetSpeedPolicy = "strict"
)

// Valid reports whether p is a known policy.
func (p SetSpeedPolicy) Valid() bool {
	switch p {
	case PolicyIgnore, PolicyExpected, PolicyStrict:
		return true
	}
	return false
}

// expectedSetSpeedFailure is what ipmitool prints on the R510 after
// `raw 0x30 0x30 0x02 <fan> <pct>`, the duty cycle is applied anyway.
const expectedSetSpeedFailure = "Unable to send RAW command " +
	"(channel=0x0 netfn=0x30 lun=0x0 cmd=0x30 rsp=0xcc)" +
	": Invalid data field in request"

// ActuationError is any failure to drive the fans.
type ActuationError struct {
	Op   string
	Hint string
	Err  error
}

func (e *ActuationError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Err)
	if e.Hint != "" {
		msg += ". " + e.Hint
	}
	return msg
}

func (e *ActuationError) Unwrap() error { return e.Err }

// FanSensor is a fan entry of the BMC sensor data repository.
type FanSensor struct {
	Name string
	ID   int
}

// IPMI is an ipmitool interface to handle fans duty-cycles.
type IPMI struct {
	// CMD is the ipmitool preamble command,
	// could run locally or on remote machines,
	// depending on the parameters, eg. `ipmitool -I lanplus -H <host> -U <user> -P <pass>`.
	CMD string

	Policy SetSpeedPolicy

	Runner exec.Runner
	Log    *slog.Logger
}

// New return a new IPMI instance.
func New(cmd string, policy SetSpeedPolicy, runner exec.Runner) *IPMI {
	return &IPMI{CMD: cmd, Policy: policy, Runner: runner}
}

func (ipmi *IPMI) logger() *slog.Logger {
	if ipmi.Log == nil {
		return slog.Default()
	}
	return ipmi.Log
}

func (ipmi *IPMI) command(ctx context.Context, args ...string) (line string, res exec.Result, err error) {
	name, pre, err := exec.Split(ipmi.CMD)
	if err != nil {
		return ipmi.CMD, res, err
	}
	args = append(pre, args...)
	line = exec.String(name, args...)

	ipmi.logger().Debug("Running ipmitool.", slog.String("cmd", line))
	res, err = ipmi.Runner.Run(ctx, name, args...)
	return line, res, err
}

// EnableManualControl switch the BMC to manually controlled fans.
func (ipmi *IPMI) EnableManualControl(ctx context.Context) error {
	line, _, err := ipmi.command(ctx, "raw", "0x30", "0x30", "0x01", "0x00")
	if err != nil {
		return &ActuationError{
			Op:   line,
			Hint: "Please make sure `ipmitool raw 0x30 0x30 0x01 0x00` succeeds",
			Err:  err,
		}
	}
	return nil
}

// SetFanSpeed set the duty-cycle in percent for the given fan index.
func (ipmi *IPMI) SetFanSpeed(ctx context.Context, fan int, percent int) error {
	if fan < 0 || fan > 0xff {
		return &ActuationError{Op: "set fan speed", Err: fmt.Errorf("fan index %d out of range 0-255", fan)}
	}
	if percent < 0 || percent > 100 {
		return &ActuationError{Op: "set fan speed", Err: fmt.Errorf("duty cycle %d%% out of range 0-100", percent)}
	}

	if err := ipmi.EnableManualControl(ctx); err != nil {
		return err
	}

	line, res, err := ipmi.command(ctx, "raw", "0x30", "0x30", "0x02",
		fmt.Sprintf("0x%02x", fan), fmt.Sprintf("0x%02x", percent))
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// the tool is gone or hung, nothing was sent
		return &ActuationError{
			Op:   line,
			Hint: "Please make sure `ipmitool raw 0x30 0x30 0x02 <fan> <pct>` can be run",
			Err:  err,
		}
	}

	switch ipmi.Policy {
	case PolicyStrict:
		return &ActuationError{Op: line, Err: err}
	case PolicyExpected:
		if !strings.Contains(res.Stderr, expectedSetSpeedFailure) {
			return &ActuationError{
				Op:   line,
				Hint: "The command normally fails with `rsp=0xcc` on this hardware, the output was different",
				Err:  err,
			}
		}
	}

	ipmi.logger().Debug("Ignoring set fan speed status.",
		slog.Int("fan", fan),
		slog.Int("percent", percent),
		slog.String("stderr", res.Stderr),
	)
	return nil
}

// FanSensors lists the fans reported by `sdr elist`.
func (ipmi *IPMI) FanSensors(ctx context.Context) ([]FanSensor, error) {
	const hint = "Please make sure `ipmitool sdr elist` succeeds and returns '|' separated values"

	line, res, err := ipmi.command(ctx, "sdr", "elist")
	if err != nil {
		return nil, fmt.Errorf("%s: %w. %s", line, err, hint)
	}

	fans, err := ParseFanSensors(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w. %s", line, err, hint)
	}
	if len(fans) == 0 {
		return nil, fmt.Errorf("did not find any fans using `%s`", line)
	}
	return fans, nil
}

// ParseFanSensors extracts the FAN rows of an `sdr elist` table,
// eg. `FAN MOD 1A RPM   | 30h | ok  |  7.1 | 3600 RPM`.
func ParseFanSensors(out string) ([]FanSensor, error) {
	var fans []FanSensor
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		values := strings.Split(line, "|")
		name := strings.TrimSpace(values[0])
		if !strings.HasPrefix(name, "FAN") {
			continue
		}
		if len(values) < 2 {
			return nil, fmt.Errorf("unexpected sdr row: %q", line)
		}

		id := strings.TrimSuffix(strings.TrimSpace(values[1]), "h")
		n, err := strconv.ParseUint(id, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("unexpected sensor id for %s: %v", name, err)
		}
		fans = append(fans, FanSensor{Name: name, ID: int(n)})
	}
	return fans, nil
}

// AmbientTemp return the inlet temperature in °C.
func (ipmi *IPMI) AmbientTemp(ctx context.Context) (float64, error) {
	const hint = "Please make sure `ipmitool sdr get \"Ambient Temp\" -c` succeeds and returns 18 comma separated values"

	line, res, err := ipmi.command(ctx, "sdr", "get", "Ambient Temp", "-c")
	if err != nil {
		return 0, fmt.Errorf("%s: %w. %s", line, err, hint)
	}

	values := strings.Split(strings.TrimSpace(res.Stdout), ",")
	if len(values) < 18 {
		return 0, fmt.Errorf("%s: got %d values. %s", line, len(values), hint)
	}

	temp, err := strconv.ParseFloat(strings.TrimSpace(values[1]), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w. %s", line, err, hint)
	}
	return temp, nil
}
