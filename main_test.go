package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/oblq/r510fc/internal/exec"
	"github.com/oblq/r510fc/modules/ipmi"
	"github.com/oblq/r510fc/modules/lmsensors"
)

func TestRunMainUsage(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"no mode", nil, exitOK},
		{"help", []string{"--help"}, exitOK},
		{"unknown flag", []string{"--fast"}, exitConfig},
		{"tick and daemon", []string{"-t", "-d"}, exitConfig},
		{"list and tick", []string{"--list", "--tick"}, exitConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := runMain(tt.args, afero.NewMemMapFs(), &stdout, &stderr)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestRunMainHelpOutput(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, exitOK, runMain([]string{"-h"}, afero.NewMemMapFs(), &stdout, &stderr))
	assert.Contains(t, stdout.String(), "--daemon")
	assert.Empty(t, stderr.String())
}

func TestRunMainInvalidConfig(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/opt/fc/"+configFileName, []byte("fan_count: -1\n"), 0o644))

	var stdout, stderr bytes.Buffer
	code := runMain([]string{"--tick", "-c", "/opt/fc"}, fsys, &stdout, &stderr)

	require.Equal(t, exitConfig, code)
	assert.Contains(t, stderr.String(), "fan_count")
}

func TestExitCode(t *testing.T) {
	acquisition := &lmsensors.AcquisitionError{Op: "sensors", Err: exec.ErrTimeout}
	actuation := &ipmi.ActuationError{Op: "set fan speed", Err: &exec.ExitError{Code: 1}}

	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitAcquisition, exitCode(acquisition))
	assert.Equal(t, exitAcquisition, exitCode(fmt.Errorf("cycle: %w", acquisition)))
	assert.Equal(t, exitActuation, exitCode(actuation))
	assert.Equal(t, exitActuation, exitCode(fmt.Errorf("fan 2: %w", actuation)))
	assert.Equal(t, exitConfig, exitCode(&configError{errors.New("bad")}))
	assert.Equal(t, exitAcquisition, exitCode(errors.New("anything else")))
}

func TestHandleSignalsReload(t *testing.T) {
	c, n := newTestController(hardware(), nil)

	loads := 0
	reloadConfig := func() (Config, error) {
		loads++
		config := defaultConfig()
		config.FanCount = loads
		return config, nil
	}

	signals := make(chan os.Signal, 3)
	signals <- unix.SIGHUP
	signals <- unix.SIGHUP
	signals <- unix.SIGTERM
	reload := make(chan Config, 1)

	require.NoError(t, c.handleSignals(context.Background(), signals, reload, reloadConfig))

	require.Equal(t, 2, loads)
	require.Len(t, reload, 1)
	assert.Equal(t, 2, (<-reload).FanCount, "the latest configuration wins")
	assert.Equal(t, 2, n.reloading)
	assert.Equal(t, 2, n.ready)
}

func TestHandleSignalsReloadFailure(t *testing.T) {
	c, n := newTestController(hardware(), nil)

	signals := make(chan os.Signal, 2)
	signals <- unix.SIGHUP
	signals <- unix.SIGINT
	reload := make(chan Config, 1)

	err := c.handleSignals(context.Background(), signals, reload, func() (Config, error) {
		return Config{}, &configError{errors.New("fan_count must be between 1 and 256, got 0")}
	})

	require.NoError(t, err)
	require.Empty(t, reload, "the running configuration is kept")
	assert.Equal(t, 1, n.reloading)
	assert.Equal(t, 1, n.ready)
	require.Len(t, n.statuses, 1)
	assert.Contains(t, n.statuses[0], "fan_count")
}

func TestHandleSignalsStopsWithContext(t *testing.T) {
	c, _ := newTestController(hardware(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.handleSignals(ctx, make(chan os.Signal), make(chan Config, 1), func() (Config, error) {
		t.Fatal("no reload without SIGHUP")
		return Config{}, nil
	})
	require.NoError(t, err)
}
