package command

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"firestige.xyz/pcap4mcast/internal/log"
)

// Console is the interactive operator command loop.
type Console struct {
	handler *CommandHandler
	in      io.Reader
	out     io.Writer
}

func NewConsole(h *CommandHandler, in io.Reader, out io.Writer) *Console {
	return &Console{handler: h, in: in, out: out}
}

// Run reads commands until quit, end of input or ctx is done. The capture
// file is synced after every line read.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		errc <- scanner.Err()
	}()

	fmt.Fprintln(c.out, "'?' or 'help' for command list.")
	for {
		fmt.Fprint(c.out, "> ")
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if !c.exec(ctx, strings.TrimSpace(line)) {
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether the loop should go on.
func (c *Console) exec(ctx context.Context, line string) bool {
	if err := c.handler.ctrl.Sync(); err != nil {
		log.GetLogger().WithError(err).Warn("sync capture file failed")
	}
	if line == "" {
		return true
	}

	cmd, ok := ParseLine(line)
	switch {
	case !ok:
		fmt.Fprintf(c.out, "Unknown command: %s\n", line)
	case cmd.Method == MethodQuit:
		return false
	default:
		fmt.Fprint(c.out, Render(cmd.Method, c.handler.Handle(ctx, cmd)))
	}
	return true
}
