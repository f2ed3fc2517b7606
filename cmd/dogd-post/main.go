// Command dogd-post sends one record to dogd. The message is the command
// arguments joined by spaces, or stdin when there are none.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/tinytelemetry/dogd/client"
	"github.com/tinytelemetry/dogd/record"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader) error {
	fs := pflag.NewFlagSet("dogd-post", pflag.ContinueOnError)
	priorityName := fs.StringP("priority", "p", record.Info.String(), "Critical, Error, Info or Debug")
	name := fs.StringP("name", "n", "dogd-post", "program name on the record")
	addr := fs.String("addr", client.DefaultAddr, "dogd ingest address")
	timeout := fs.Duration("timeout", client.DefaultDialTimeout, "give up after this long")
	showVersion := fs.Bool("version", false, "print version information")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("dogd-post %s\n", version)
		return nil
	}

	priority, err := record.ParsePriority(*priorityName)
	if err != nil {
		return err
	}

	message := strings.Join(fs.Args(), " ")
	if fs.NArg() == 0 {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		message = string(data)
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("empty message")
	}

	c := client.New()
	c.Addr = *addr
	c.DialTimeout = *timeout

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	return c.Send(ctx, message, *name, priority)
}
