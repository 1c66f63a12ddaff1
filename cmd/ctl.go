package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/pcap4mcast/internal/command"
)

// ControlClient sends console command lines to a running capture process.
type ControlClient interface {
	Exec(ctx context.Context, line string) (string, error)
}

var _ ControlClient = (*command.Client)(nil)

// ctlCommands maps each ctl subcommand onto its console command line.
var ctlCommands = []struct {
	use   string
	short string
	args  cobra.PositionalArgs
	line  func(args []string) string
}{
	{"status", "Print the session status", cobra.NoArgs, fixedLine("p")},
	{"flush", "Write every queued record now and sync the file", cobra.NoArgs, fixedLine("f")},
	{"log [N]", "Query or change the log level", cobra.MaximumNArgs(1), func(args []string) string {
		return strings.TrimSpace("log " + strings.Join(args, " "))
	}},
	{"config", "Print the effective configuration", cobra.NoArgs, fixedLine("config")},
	{"quit", "Stop the capture process", cobra.NoArgs, fixedLine("quit")},
}

func fixedLine(line string) func([]string) string {
	return func([]string) string { return line }
}

func newCtlCmd() *cobra.Command {
	var (
		socket  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Send operator commands to a running capture process",
	}
	cmd.PersistentFlags().StringVarP(&socket, "socket", "s", "/var/run/pcap4mcast.sock", "control socket path")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	for _, c := range ctlCommands {
		c := c
		cmd.AddCommand(&cobra.Command{
			Use:   c.use,
			Short: c.short,
			Args:  c.args,
			RunE: func(cc *cobra.Command, args []string) error {
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				client := command.NewClient(socket, timeout)
				if err := runCtl(ctx, client, c.line(args), cc.OutOrStdout()); err != nil {
					return &exitError{code: ExitFailure, err: err}
				}
				return nil
			},
		})
	}
	return cmd
}

func runCtl(ctx context.Context, client ControlClient, line string, out io.Writer) error {
	text, err := client.Exec(ctx, line)
	if err != nil {
		return err
	}
	fmt.Fprint(out, text)
	return nil
}
