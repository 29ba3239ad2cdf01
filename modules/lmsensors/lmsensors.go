// Package lmsensors reads CPU temperatures from `sensors -j`.
package lmsensors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"github.com/oblq/r510fc/internal/exec"
)

const installHint = "Please check that lm-sensors is installed and that `sensors -j` runs and returns valid json."

// Reading is one temperature channel with its alarm thresholds, in °C.
type Reading struct {
	Chip    string // e.g. "coretemp-isa-0000"
	Adapter string // e.g. "ISA adapter"
	Channel string // e.g. "Core 0"
	Feature string // e.g. "temp2"

	Current float64
	Max     float64
	Crit    float64
}

// Result is the outcome for a single channel: either a Reading or Err.
type Result struct {
	Reading Reading
	Err     error
}

// AcquisitionError is any failure to obtain a complete set of readings.
type AcquisitionError struct {
	Op   string
	Hint string
	Err  error
}

func (e *AcquisitionError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Err)
	if e.Hint != "" {
		msg += ". " + e.Hint
	}
	return msg
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// ChannelError is a channel that does not expose input, max and crit.
type ChannelError struct {
	Chip    string
	Channel string
	Reason  string
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("sensor %s/%s: %s", e.Chip, e.Channel, e.Reason)
}

// Reader runs the sensors command.
type Reader struct {
	// CMD is the sensors executable, optionally with leading arguments.
	CMD string

	// Chips restricts the query to the given chip names,
	// wildcards are resolved by lm-sensors itself (eg. `coretemp-*`).
	Chips []string

	Runner exec.Runner
	Log    *slog.Logger
}

// New return a Reader using the local sensors command.
func New(cmd string, chips []string, runner exec.Runner) *Reader {
	return &Reader{CMD: cmd, Chips: chips, Runner: runner}
}

func (r *Reader) logger() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

// ReadChannels returns a Result per reported channel.
// The error is for the call as a whole: missing tool, non-zero exit or
// output that is not the expected json document.
func (r *Reader) ReadChannels(ctx context.Context) ([]Result, error) {
	name, args, err := exec.Split(r.CMD)
	if err != nil {
		return nil, &AcquisitionError{Op: "sensors", Hint: installHint, Err: err}
	}
	args = append(args, "-j")
	args = append(args, r.Chips...)

	cmdLine := exec.String(name, args...)
	r.logger().Debug("Reading sensors.", slog.String("cmd", cmdLine))

	res, err := r.Runner.Run(ctx, name, args...)
	if err != nil {
		return nil, &AcquisitionError{Op: cmdLine, Hint: installHint, Err: err}
	}

	results, err := Parse([]byte(res.Stdout))
	if err != nil {
		return nil, &AcquisitionError{Op: cmdLine, Hint: installHint, Err: err}
	}
	return results, nil
}

// ReadCPUTemperatures returns every channel reading, failing on the first
// channel that lacks one of its values.
func (r *Reader) ReadCPUTemperatures(ctx context.Context) ([]Reading, error) {
	results, err := r.ReadChannels(ctx)
	if err != nil {
		return nil, err
	}

	if len(results) == 0 {
		return nil, &AcquisitionError{Op: "sensors", Hint: installHint, Err: errors.New("no temperature channels reported")}
	}

	readings := make([]Reading, 0, len(results))
	for _, res := range results {
		if res.Err != nil {
			return nil, &AcquisitionError{Op: "sensors", Hint: installHint, Err: res.Err}
		}
		readings = append(readings, res.Reading)
	}
	return readings, nil
}

// The words here are technically called subfeatures,
// see lib/sensors.h in lm-sensors.
var subfeatureRe = regexp.MustCompile(`^(.+)_(input|max|crit|crit_alarm)$`)

// Parse decodes a `sensors -j` document.
// Chips and channels are returned in name order.
func Parse(data []byte) ([]Result, error) {
	var chips map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &chips); err != nil {
		return nil, fmt.Errorf("invalid sensors json: %w", err)
	}

	chipNames := make([]string, 0, len(chips))
	for name := range chips {
		chipNames = append(chipNames, name)
	}
	sort.Strings(chipNames)

	var results []Result
	for _, chipName := range chipNames {
		chip := chips[chipName]

		var adapter string
		raw, ok := chip["Adapter"]
		if !ok {
			return nil, fmt.Errorf("chip %s has no Adapter", chipName)
		}
		if err := json.Unmarshal(raw, &adapter); err != nil {
			return nil, fmt.Errorf("chip %s: invalid Adapter: %w", chipName, err)
		}

		channels := make([]string, 0, len(chip))
		for k := range chip {
			if k != "Adapter" {
				channels = append(channels, k)
			}
		}
		sort.Strings(channels)

		for _, channel := range channels {
			results = append(results, parseChannel(chipName, adapter, channel, chip[channel]))
		}
	}

	return results, nil
}

func parseChannel(chip, adapter, channel string, raw json.RawMessage) Result {
	fail := func(reason string) Result {
		return Result{Err: &ChannelError{Chip: chip, Channel: channel, Reason: reason}}
	}

	// null values are missing values, not zero
	var values map[string]*float64
	if err := json.Unmarshal(raw, &values); err != nil {
		return fail("unexpected values: " + err.Error())
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var feature string
	for _, k := range keys {
		if m := subfeatureRe.FindStringSubmatch(k); m != nil {
			feature = m[1]
			break
		}
	}
	if feature == "" {
		return fail("could not determine sensor name")
	}

	get := func(sub string) (float64, bool) {
		v := values[feature+"_"+sub]
		if v == nil {
			return 0, false
		}
		return *v, true
	}

	current, ok := get("input")
	if !ok {
		return fail(fmt.Sprintf("missing %s_input", feature))
	}
	high, ok := get("max")
	if !ok {
		return fail(fmt.Sprintf("missing %s_max", feature))
	}
	crit, ok := get("crit")
	if !ok {
		return fail(fmt.Sprintf("missing %s_crit", feature))
	}

	return Result{Reading: Reading{
		Chip:    chip,
		Adapter: adapter,
		Channel: channel,
		Feature: feature,
		Current: current,
		Max:     high,
		Crit:    crit,
	}}
}
