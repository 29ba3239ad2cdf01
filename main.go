package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/jessevdk/go-flags"
	"github.com/oklog/run"
	"github.com/okzk/sdnotify"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/oblq/r510fc/internal/exec"
	"github.com/oblq/r510fc/modules/ipmi"
	"github.com/oblq/r510fc/modules/lmsensors"
)

// Path is the default config directory,
// can be interpolated with -ldflags at build time.
var Path = "/etc/r510fc"

const (
	exitOK = iota
	exitAcquisition
	exitActuation
	exitConfig
)

type options struct {
	Tick    bool   `short:"t" long:"tick" description:"Run a single control cycle and exit"`
	Daemon  bool   `short:"d" long:"daemon" description:"Run the control loop forever"`
	List    bool   `short:"l" long:"list" description:"List the BMC fan sensors and the ambient temperature"`
	Config  string `short:"c" long:"config" value-name:"DIR" description:"Directory holding r510fc.yaml"`
	Verbose bool   `short:"v" long:"verbose" description:"Log debug messages"`
}

func main() {
	os.Exit(runMain(os.Args[1:], afero.NewOsFs(), os.Stdout, os.Stderr))
}

func runMain(args []string, fsys afero.Fs, stdout, stderr io.Writer) int {
	opts := options{Config: Path}
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "r510fc"
	parser.ShortDescription = "Adjust fan speed on Dell PowerEdge R510"

	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, err)
			return exitOK
		}
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	modes := 0
	for _, on := range []bool{opts.Tick, opts.Daemon, opts.List} {
		if on {
			modes++
		}
	}
	if modes > 1 {
		fmt.Fprintln(stderr, "--tick, --daemon and --list are mutually exclusive")
		return exitConfig
	}
	if modes == 0 {
		return exitOK
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	config, err := loadConfig(fsys, opts.Config, log)
	if err != nil {
		log.Error("Cannot load configuration.", slog.String("error", err.Error()))
		if opts.Daemon {
			_ = sdnotify.Errno(int(unix.EINVAL))
		}
		return exitConfig
	}

	runner := exec.System{Timeout: config.CommandTimeout}
	c := newController(config, runner, log)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	switch {
	case opts.Tick:
		err = c.tick(ctx)
	case opts.List:
		err = list(ctx, c, stdout)
	case opts.Daemon:
		// hand over to our own handler before dropping NotifyContext's,
		// so that no SIGTERM falls through to the default action
		signals := make(chan os.Signal, 4)
		signal.Notify(signals, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
		stop()
		err = supervise(c, signals, func() (Config, error) { return loadConfig(fsys, opts.Config, log) })
	}

	if err != nil {
		log.Error("Failed.", slog.String("error", err.Error()))
	}
	return exitCode(err)
}

func exitCode(err error) int {
	var (
		acqErr *lmsensors.AcquisitionError
		actErr *ipmi.ActuationError
		cfgErr *configError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &actErr):
		return exitActuation
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.As(err, &acqErr):
		return exitAcquisition
	}
	return exitAcquisition
}

func list(ctx context.Context, c *controller, stdout io.Writer) error {
	sensors, err := c.fans.FanSensors(ctx)
	if err != nil {
		return err
	}
	for _, s := range sensors {
		fmt.Fprintf(stdout, "%-20s 0x%02x\n", s.Name, s.ID)
	}

	ambient, err := c.fans.AmbientTemp(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%-20s %.1f°C\n", "Ambient Temp", ambient)
	return nil
}

// supervise runs the daemon next to the signal handler until
// SIGINT/SIGTERM or a fatal daemon error. SIGHUP reloads the configuration.
// The systemd watchdog, when enabled, is fed by the daemon loop itself.
func supervise(c *controller, signals chan os.Signal, reloadConfig func() (Config, error)) error {
	defer signal.Stop(signals)

	freq, err := watchdogInterval()
	if err != nil {
		return &configError{err}
	}
	if freq > 0 {
		c.log.Info("Will send watchdog notifications.", slog.Duration("frequency", freq))
		c.watchdog = freq
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reload := make(chan Config, 1)

	var g run.Group

	{
		g.Add(func() error {
			return c.daemon(ctx, reload)
		}, func(error) {
			cancel()
		})
	}

	{
		g.Add(func() error {
			return c.handleSignals(ctx, signals, reload, reloadConfig)
		}, func(error) {
			cancel()
		})
	}

	err = g.Run()
	c.notify.Stopping()
	return err
}

// handleSignals returns on SIGINT/SIGTERM or when ctx is done.
// On SIGHUP the reloaded configuration replaces any not yet picked up by the loop.
func (c *controller) handleSignals(ctx context.Context, signals <-chan os.Signal, reload chan Config, reloadConfig func() (Config, error)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-signals:
			if sig != unix.SIGHUP {
				c.log.Info("Stopping.", slog.String("signal", sig.String()))
				return nil
			}

			c.notify.Reloading()
			config, err := reloadConfig()
			if err != nil {
				c.log.Error("Cannot reload configuration.", slog.String("error", err.Error()))
				c.notify.Status(err.Error())
			} else {
				select {
				case <-reload:
				default:
				}
				reload <- config
			}
			c.notify.Ready()
		}
	}
}
