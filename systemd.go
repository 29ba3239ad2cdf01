package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/okzk/sdnotify"
)

// notifier reports the daemon state to the service manager.
type notifier interface {
	Ready()
	Reloading()
	Stopping()
	Status(status string)
	Watchdog()
}

// systemd talks to $NOTIFY_SOCKET, every call is a no-op without it.
type systemd struct{}

func (systemd) Ready()               { _ = sdnotify.Ready() }
func (systemd) Reloading()           { _ = sdnotify.Reloading() }
func (systemd) Stopping()            { _ = sdnotify.Stopping() }
func (systemd) Status(status string) { _ = sdnotify.Status(status) }
func (systemd) Watchdog()            { _ = sdnotify.Watchdog() }

// watchdogInterval return half of WATCHDOG_USEC, zero when unset.
func watchdogInterval() (time.Duration, error) {
	watchdogFreq, ok := os.LookupEnv("WATCHDOG_USEC")
	if !ok {
		return 0, nil
	}
	freq, err := strconv.Atoi(watchdogFreq)
	if err != nil || freq <= 0 {
		return 0, fmt.Errorf("invalid WATCHDOG_USEC %q", watchdogFreq)
	}
	return time.Duration(freq) * time.Microsecond / 2, nil
}
