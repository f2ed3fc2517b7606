// Command dogdize runs a program and forwards its output to dogd: stdout
// lines as Info records, stderr lines as Error records. It exits with the
// program's exit code.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tinytelemetry/dogd/client"
	"github.com/tinytelemetry/dogd/internal/procwrap"
)

var version = "dev"

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}

func run(args []string) (int, error) {
	fs := pflag.NewFlagSet("dogdize", pflag.ContinueOnError)
	// Everything after the command name belongs to the command.
	fs.SetInterspersed(false)
	name := fs.String("name", "", "program name on forwarded records (default: the command)")
	addr := fs.String("addr", client.DefaultAddr, "dogd ingest address")
	showVersion := fs.Bool("version", false, "print version information")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: dogdize [--name NAME] [--addr ADDR] [--] command [args...]\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, nil
		}
		return 2, err
	}
	if *showVersion {
		fmt.Printf("dogdize %s\n", version)
		return 0, nil
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2, errors.New("no command given")
	}

	c := client.New()
	c.Addr = *addr

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code, err := procwrap.Run(ctx, procwrap.Config{
		Name:   *name,
		Args:   fs.Args(),
		Poster: c,
	})
	if code < 0 {
		return 1, err
	}
	return code, err
}
