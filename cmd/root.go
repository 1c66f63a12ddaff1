// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"firestige.xyz/pcap4mcast/internal/config"
	"firestige.xyz/pcap4mcast/internal/daemon"
)

// Exit codes
const (
	ExitOK      = 0
	ExitFailure = 1 // runtime failure, e.g. the capture file became unwritable
	ExitStartup = 3 // usage error or failure to open the file or the device
)

const usage = `
Usage:
   pcap4mcast outfile filemode "DeviceConfig" [-L|/L]

   filemode:
      - w = Write
      - a = Append
      - o = OpenAlways
      - c = CreatePath
      - n = MustNew
      - t = Truncate

   DeviceConfig:
      Group=<multicast ip>|Bind=[host:]port|Interface=<name>|RecvBuf=<bytes>

e.g.
    dumpout.pcap ca "Group=225.6.6.6|Bind=22566"
`

// exitError carries the process exit code for an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

type rootOptions struct {
	configFile    string
	checkLost     bool
	horizon       time.Duration
	resolution    string
	logLevel      string
	metricsListen string
	controlSocket string
	pidFile       string
	noConsole     bool
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "pcap4mcast outfile filemode DeviceConfig [-L|/L]",
		Short: "Capture a framed multicast packet stream into a pcap file",
		Long: `pcap4mcast receives the framed packet stream relayed by capture firmware over
UDP multicast, reconstructs each packet's wallclock time from its hardware tick,
reorders packets by time and appends them to a libpcap file.
` + usage,
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(cmd, opts, args, in, out)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "config file path")
	f.BoolVarP(&opts.checkLost, "check-lost", "L", false, "report frame sequence gaps (debug log)")
	f.DurationVar(&opts.horizon, "horizon", 500*time.Millisecond, "reorder flush horizon")
	f.StringVar(&opts.resolution, "resolution", "ns", "timestamp resolution of new files: ns | us")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level: 0..6 or trace|debug|info|warn|error|fatal")
	f.StringVar(&opts.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	f.StringVar(&opts.controlSocket, "control-socket", "", "serve the control channel on this Unix socket")
	f.StringVar(&opts.pidFile, "pid-file", "", "write the process ID to this file")
	f.BoolVar(&opts.noConsole, "no-console", false, "do not read operator commands from stdin")

	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.AddCommand(newCtlCmd(), newValidateCmd())
	return cmd
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	return run(os.Args[1:], os.Stdin, os.Stdout)
}

func run(args []string, in io.Reader, out io.Writer) int {
	if args == nil {
		// cobra falls back to os.Args on nil.
		args = []string{}
	}
	cmd := newRootCmd(in, out)
	cmd.SetArgs(slashSwitches(cmd, args))
	err := cmd.Execute()
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(out, ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return ExitFailure
}

// slashSwitches rewrites one-letter "-X" switches that the root command does
// not define into the "/X" form, so they reach extraArgs as positional
// arguments instead of failing flag parsing. Subcommand lines are untouched.
func slashSwitches(root *cobra.Command, args []string) []string {
	if len(args) == 0 {
		return args
	}
	for _, sub := range root.Commands() {
		if sub.Name() == args[0] {
			return args
		}
	}
	root.InitDefaultHelpFlag()
	flags := root.Flags()
	out := make([]string, len(args))
	for i, a := range args {
		if len(a) == 2 && a[0] == '-' && a[1] != '-' && flags.ShorthandLookup(a[1:]) == nil {
			a = "/" + a[1:]
		}
		out[i] = a
	}
	return out
}

// extraArgs handles the trailing "/X" switches after the three positional
// arguments. Only L (check lost) is known; others are ignored.
func extraArgs(args []string) (checkLost bool) {
	for _, a := range args {
		if len(a) >= 2 && (a[0] == '-' || a[0] == '/') && a[1] == 'L' {
			checkLost = true
		}
	}
	return checkLost
}

// bindFlags maps command line flags onto configuration keys.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	bindings := map[string]string{
		"check_lost":       "check-lost",
		"flush_horizon":    "horizon",
		"resolution":       "resolution",
		"log.level":        "log-level",
		"control.socket":   "control-socket",
		"control.pid_file": "pid-file",
	}
	for key, name := range bindings {
		if err := v.BindPFlag(config.Key(key), flags.Lookup(name)); err != nil {
			return err
		}
	}
	if f := flags.Lookup("metrics-listen"); f.Changed {
		v.Set(config.Key("metrics.enabled"), f.Value.String() != "")
		v.Set(config.Key("metrics.listen"), f.Value.String())
	}
	return nil
}

func loadConfig(cmd *cobra.Command, opts *rootOptions, args []string) (*config.Config, error) {
	v := config.New()
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	if len(args) >= 3 {
		v.Set(config.Key("out_file"), args[0])
		v.Set(config.Key("file_mode"), args[1])
		v.Set(config.Key("device"), args[2])
		if extraArgs(args[3:]) {
			v.Set(config.Key("check_lost"), true)
		}
	}
	return config.Load(v, opts.configFile)
}

func runCapture(cmd *cobra.Command, opts *rootOptions, args []string, in io.Reader, out io.Writer) error {
	if len(args) < 3 && !(len(args) == 0 && opts.configFile != "") {
		fmt.Fprint(out, usage)
		return &exitError{code: ExitStartup}
	}

	cfg, err := loadConfig(cmd, opts, args)
	if err != nil {
		return &exitError{code: ExitStartup, err: err}
	}

	d := daemon.New(cfg, func() (*config.Config, error) {
		return loadConfig(cmd, opts, args)
	})
	if err := d.Start(); err != nil {
		return &exitError{code: ExitStartup, err: err}
	}
	if !opts.noConsole {
		d.RunConsole(in, out)
	}
	if err := d.Run(); err != nil {
		return &exitError{code: ExitFailure, err: err}
	}
	return nil
}
