package command

import (
	"encoding/json"
	"fmt"
	"strings"
)

const helpText = `
Commands:
   ? or help      this menu.
   quit           quit program.
   log N          N=LogLevel: 0=TRACE, 1=DEBUG, 2..3=INFO, 4=WARN, 5=ERROR
   p              print info.
   f              force flush.
   config         print effective configuration.
`

// ParseLine turns one operator command line into a Command. The console
// and the control socket share this grammar:
//
//	p | status      session status
//	f | flush       force flush
//	log [N]         query or set the log level
//	config          effective configuration
//	? | help        command list
//	quit            stop capturing
//
// ok is false for anything else, including a blank line.
func ParseLine(line string) (cmd Command, ok bool) {
	name, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "p", "status":
		cmd.Method = MethodStatus
	case "f", "flush":
		cmd.Method = MethodFlush
	case "log":
		cmd.Method = MethodLogLevel
		if arg != "" {
			cmd.Params, _ = json.Marshal(LogLevelParams{Level: arg})
		}
	case "config":
		cmd.Method = MethodConfig
	case "?", "help":
		cmd.Method = MethodHelp
	case "quit":
		cmd.Method = MethodQuit
	default:
		return Command{}, false
	}
	return cmd, true
}

// Render formats the response to a command the way the console prints it.
// The result always ends with a newline.
func Render(method string, resp Response) string {
	if resp.Error != nil {
		return resp.Error.Message + "\n"
	}
	switch r := resp.Result.(type) {
	case StatusResult:
		return r.Status.String() + "\n"
	case map[string]interface{}:
		switch method {
		case MethodLogLevel:
			return fmt.Sprintf("LogLevel=%s\n", strings.ToUpper(fmt.Sprint(r["level"])))
		case MethodConfig:
			return fmt.Sprint(r["yaml"])
		case MethodHelp:
			return fmt.Sprint(r["text"])
		case MethodQuit:
			return "Shutting down.\n"
		}
	}
	return fmt.Sprintf("%v\n", resp.Result)
}
