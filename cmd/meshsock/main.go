// Package main provides the meshsock CLI, a demo of meshsocket over UDP.
//
// Usage:
//
//	meshsock [--config file] serve
//	meshsock [--config file] send --to <peer> [--message text] [--wait 30s]
//
// Exit codes:
//   - 0: success
//   - 1: unexpected error
//   - 2: connection failed (timeout or denied)
//   - 3: delivery failed (chunk retries exhausted or no reply)
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

const (
	exitConnectFailed  = 2
	exitDeliveryFailed = 3
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit for cli.ExitCoder errors.
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "meshsock",
		Usage:          "Reliable sockets over a lossy packet mesh",
		Version:        fmt.Sprintf("0.1.0 (commit: %s)", commit),
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				EnvVars: []string{"MESHSOCK_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override log.level: debug, info, warn, error",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			sendCommand(),
		},
	}
}

// exitErrHandler handles errors from the CLI, preserving exit codes from cli.Exit().
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N).Error() returns "exit status N", so skip those
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
