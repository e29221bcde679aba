// Command ariactl drives an aria2 instance over its WebSocket JSON-RPC
// interface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "ariactl: %v\n", err)
		os.Exit(1)
	}
}

const usage = `ariactl - aria2 JSON-RPC client

USAGE:
    ariactl [FLAGS] COMMAND [ARGS]

COMMANDS:
    call METHOD [PARAM...]   Call an aria2 method and print the result as JSON.
                             The secret token is prepended and the "aria2."
                             prefix is optional. PARAMs are JSON values; words
                             that are not valid JSON are sent as strings.
    watch                    Print download events until interrupted
    version                  Print the aria2 version and enabled features

FLAGS:
`

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("ariactl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML config file")
	timeout := fs.Duration("timeout", 30*time.Second, "time allowed for call and version, 0 for none")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
		fmt.Fprint(stderr, "\nEnvironment: ARIARPC_URL, ARIARPC_SECRET, ARIARPC_LOG_LEVEL and ARIARPC_METRICS_ADDR override the config file.\n")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "call", "watch", "version":
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	a, err := newApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if cmd == "watch" {
		return a.watch(ctx, stdout)
	}

	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	if cmd == "call" {
		return a.call(ctx, cmdArgs, stdout)
	}
	return a.version(ctx, stdout)
}
