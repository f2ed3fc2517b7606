// Package procwrap runs a child process and forwards its output to dogd:
// stdout lines as Info, stderr lines as Error.
package procwrap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/dogd/record"
)

// MaxLineSize bounds one forwarded output line (1 MiB).
const MaxLineSize = 1024 * 1024

// Poster delivers one record. *client.Client satisfies it.
type Poster interface {
	Post(line, progName string, priority record.Priority)
}

// Config describes the child to run.
type Config struct {
	// Name tags every forwarded record. Empty uses Args[0].
	Name string
	// Args is the command line; Args[0] is resolved through PATH.
	Args []string
	// Poster receives the child's output.
	Poster Poster
}

// WaitDelay bounds how long output is still collected after the child
// exits. A grandchild that inherited stdout or stderr cannot hold Run open
// past it.
const WaitDelay = 100 * time.Millisecond

// Run starts the child with stdin from /dev/null, forwards its output until
// the child exits and its streams close, and returns its exit code. A child
// that cannot be started returns -1 and the start error.
func Run(ctx context.Context, cfg Config) (int, error) {
	if len(cfg.Args) == 0 {
		return -1, errors.New("procwrap: no command")
	}
	if cfg.Poster == nil {
		return -1, errors.New("procwrap: nil poster")
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Args[0]
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	cmd := exec.CommandContext(ctx, cfg.Args[0], cfg.Args[1:]...)
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.WaitDelay = WaitDelay
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("procwrap: start: %w", err)
	}

	var g errgroup.Group
	g.Go(func() error { return pump(outR, name, record.Info, cfg.Poster) })
	g.Go(func() error { return pump(errR, name, record.Error, cfg.Poster) })

	// Wait returns once the child exits and its output is copied, or
	// WaitDelay after exit if something else still holds the streams.
	waitErr := cmd.Wait()
	outW.Close()
	errW.Close()
	pumpErr := g.Wait()

	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return -1, fmt.Errorf("procwrap: wait: %w", waitErr)
		}
		if code := exitErr.ExitCode(); code >= 0 {
			return code, pumpErr
		}
		// Killed by a signal.
		return -1, fmt.Errorf("procwrap: %w", waitErr)
	}
	return cmd.ProcessState.ExitCode(), pumpErr
}

func pump(r io.Reader, name string, priority record.Priority, poster Poster) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		poster.Post(line, name, priority)
	}
	if err := scanner.Err(); err != nil {
		// Keep the pipe drained so the child is not blocked on a full pipe.
		_, _ = io.Copy(io.Discard, r)
		return fmt.Errorf("procwrap: read %s output: %w", priority, err)
	}
	return nil
}
