// Command dogd-tail attaches to dogd's subscriber endpoint and shows every
// record from the moment it connects, either copied to stdout or in an
// interactive viewer.
package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/tinytelemetry/dogd/internal/netutil"
	"github.com/tinytelemetry/dogd/internal/subserver"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("dogd-tail", pflag.ContinueOnError)
	addr := fs.String("addr", subserver.DefaultAddr, "dogd subscriber address")
	useTUI := fs.Bool("tui", false, "show the stream in an interactive viewer")
	maxLines := fs.Int("max-lines", defaultMaxLines, "lines kept in the viewer")
	showVersion := fs.Bool("version", false, "print version information")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Fprintf(stdout, "dogd-tail %s\n", version)
		return nil
	}

	conn, err := net.DialTimeout("tcp", *addr, 2*time.Second)
	if err != nil {
		return fmt.Errorf("cannot connect to dogd at %s: %w\nIs the daemon running? Start it with: dogd", *addr, err)
	}
	defer conn.Close()

	if *useTUI {
		return runTUI(*addr, conn, *maxLines)
	}
	return copyStream(stdout, conn)
}

// copyStream writes the stream verbatim until the daemon goes away.
func copyStream(w io.Writer, r io.Reader) error {
	if _, err := io.Copy(w, r); err != nil && !netutil.IsExpectedCloseError(err) {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}

func runTUI(addr string, conn net.Conn, maxLines int) error {
	stream := make(chan tea.Msg, 256)
	go readStream(conn, stream)

	p := tea.NewProgram(newTailModel(addr, stream, maxLines), tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		if strings.Contains(err.Error(), "TTY") || strings.Contains(err.Error(), "/dev/tty") {
			return fmt.Errorf("--tui requires a real terminal")
		}
		return fmt.Errorf("error running TUI: %w", err)
	}
	return nil
}
