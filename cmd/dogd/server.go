package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/dogd/internal/broadcast"
	"github.com/tinytelemetry/dogd/internal/httpserver"
	"github.com/tinytelemetry/dogd/internal/ingest"
	"github.com/tinytelemetry/dogd/internal/sink"
	"github.com/tinytelemetry/dogd/internal/subserver"
	"github.com/tinytelemetry/dogd/render"
)

// runServer runs the daemon until SIGINT or SIGTERM.
func runServer(cfg appConfig) error {
	logger, cleanupLogger, err := configureRuntimeLogger(cfg)
	if err != nil {
		return err
	}
	defer cleanupLogger()

	d := newDaemon(cfg, logger, os.Stdout)
	if err := d.start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(cfg.ShutdownTimeout)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nForce shutdown.")
		case <-deadline.C:
			fmt.Fprintln(os.Stderr, "Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	printStartupBanner(os.Stderr, cfg, d)

	err = d.run(ctx)

	// If we reach here, graceful shutdown succeeded within the deadline.
	// The signal goroutine (if active) dies with the process.
	signal.Stop(sigCh)
	return err
}

// daemon owns every component and their shutdown order.
type daemon struct {
	cfg     appConfig
	logger  zerolog.Logger
	console io.Writer

	hub      *broadcast.Hub
	listener *ingest.Listener
	subs     *subserver.Server
	api      *httpserver.Server

	consoleSink *sink.Console
	consoleSub  *broadcast.Subscription
	fileSink    *sink.File
	fileSub     *broadcast.Subscription
}

func newDaemon(cfg appConfig, logger zerolog.Logger, console io.Writer) *daemon {
	return &daemon{cfg: cfg, logger: logger, console: console}
}

// start registers the static sinks, then binds every endpoint. Sinks are
// attached first so they see the very first record. A bind failure is fatal;
// a file that cannot be opened only disables the file sink.
func (d *daemon) start() error {
	d.hub = broadcast.NewHub(broadcast.Config{
		QueueSize:           d.cfg.SubscriberBuffer,
		SlowConsumerTimeout: d.cfg.SlowConsumerTimeout,
	}, d.logger)

	if d.cfg.ConsoleEnabled {
		sub, err := d.hub.Subscribe("console")
		if err != nil {
			return fmt.Errorf("attaching console sink: %w", err)
		}
		d.consoleSink = sink.NewConsole(d.console, d.logger)
		d.consoleSub = sub
	}

	if d.cfg.FileSinkEnabled {
		f, err := sink.OpenFile(d.cfg.LogPath, sink.FileOptions{Sync: d.cfg.FileSync}, d.logger)
		if err != nil {
			d.logger.Warn().Err(err).Str("path", d.cfg.LogPath).Msg("file sink disabled")
		} else {
			sub, err := d.hub.Subscribe("file")
			if err != nil {
				_ = f.Close()
				return fmt.Errorf("attaching file sink: %w", err)
			}
			d.fileSink = f
			d.fileSub = sub
		}
	}

	renderer := render.New(d.cfg.colorMode(), d.console)
	d.listener = ingest.NewListener(d.cfg.IngestAddr, d.hub, renderer, d.logger, ingest.ListenerConfig{
		MaxRecordSize: d.cfg.MaxRecordSize,
		ReadTimeout:   d.cfg.IngestReadTimeout,
	})
	if err := d.listener.Start(); err != nil {
		d.abort()
		return fmt.Errorf("failed to start ingest listener: %w", err)
	}

	d.subs = subserver.NewServer(d.cfg.SubscriberAddr, d.hub, d.logger, subserver.ServerConfig{
		WriteTimeout: d.cfg.SubscriberWriteTimeout,
	})
	if err := d.subs.Start(); err != nil {
		d.abort()
		return fmt.Errorf("failed to start subscriber server: %w", err)
	}

	if d.cfg.APIEnabled {
		d.api = httpserver.NewServer(d.cfg.APIAddr, httpserver.Sources{
			Hub:         d.hub,
			Ingest:      d.listener,
			Subscribers: d.subs,
		}, d.logger)
		if err := d.api.Start(); err != nil {
			d.api = nil
			d.abort()
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}
	return nil
}

// abort releases whatever start managed to acquire.
func (d *daemon) abort() {
	if d.subs != nil {
		d.subs.Stop()
	}
	if d.listener != nil {
		d.listener.Stop()
	}
	d.hub.Close()
	if d.fileSink != nil {
		_ = d.fileSink.Close()
	}
}

// run serves until ctx is done or the broadcaster fails, then shuts down:
// stop accepting, close the hub so sinks drain what is queued, close the file.
func (d *daemon) run(ctx context.Context) error {
	// Sinks outlive the serving group so they can drain after the hub closes.
	var sinks errgroup.Group
	if d.consoleSink != nil {
		sinks.Go(func() error {
			if err := d.consoleSink.Run(context.Background(), d.consoleSub); err != nil {
				d.logger.Warn().Err(err).Msg("console sink stopped")
			}
			return nil
		})
	}
	if d.fileSink != nil {
		sinks.Go(func() error {
			if err := d.fileSink.Run(context.Background(), d.fileSub); err != nil {
				d.logger.Warn().Err(err).Msg("file sink stopped")
			}
			return nil
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.listener.Serve(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		d.subs.Stop()
		return nil
	})
	if d.api != nil {
		g.Go(func() error {
			<-gctx.Done()
			if err := d.api.Stop(); err != nil {
				d.logger.Warn().Err(err).Msg("api shutdown")
			}
			return nil
		})
	}

	err := g.Wait()

	d.hub.Close()
	_ = sinks.Wait()
	if d.fileSink != nil {
		if cerr := d.fileSink.Close(); cerr != nil {
			d.logger.Warn().Err(cerr).Msg("closing log file")
		}
	}

	st := d.hub.Stats()
	d.logger.Info().Uint64("published", st.Published).Uint64("evicted", st.Evicted).Msg("stopped")
	return err
}

// configureRuntimeLogger builds the diagnostics logger. Stdout belongs to
// the console sink, so diagnostics go to log-file or stderr.
func configureRuntimeLogger(cfg appConfig) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return zerolog.Nop(), func() {}, fmt.Errorf("invalid log-level: %w", err)
	}

	if cfg.LogFile == "" {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
		return zerolog.New(out).Level(level).With().Timestamp().Logger(), func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
		return zerolog.Nop(), func() {}, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return zerolog.Nop(), func() {}, fmt.Errorf("opening log file: %w", err)
	}
	logger := zerolog.New(f).Level(level).With().Timestamp().Logger()
	return logger, func() { _ = f.Close() }, nil
}

func printStartupBanner(w io.Writer, cfg appConfig, d *daemon) {
	r := lipgloss.NewRenderer(w)
	dim := r.NewStyle().Foreground(lipgloss.Color("240"))
	green := r.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := r.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := r.NewStyle().Foreground(lipgloss.Color("220"))
	bold := r.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔╦╗╔═╗╔═╗╔╦╗
     ║║║ ║║ ╦ ║║
    ═╩╝╚═╝╚═╝═╩╝`)

	row := func(active bool, label, value string) string {
		mark := dot
		if active {
			mark = check
		}
		return fmt.Sprintf("    %s  %-14s %s", mark, label, value)
	}

	separator := dim.Render("    ─────────────────────────────────")
	lines := []string{
		"",
		logo,
		"    " + dim.Render("v"+version),
		"",
		separator,
		"",
		bold.Render("    Endpoints"),
		"",
		row(true, "Ingest", cyan.Render(d.listener.Addr())),
		row(true, "Subscribers", cyan.Render(d.subs.Addr())),
	}
	if d.api != nil {
		lines = append(lines, row(true, "HTTP API", cyan.Render(d.api.Addr())))
	} else {
		lines = append(lines, row(false, "HTTP API", dim.Render("disabled")))
	}

	lines = append(lines, "", bold.Render("    Sinks"), "")
	if d.consoleSink != nil {
		lines = append(lines, row(true, "Console", dim.Render("stdout, color "+cfg.Color)))
	} else {
		lines = append(lines, row(false, "Console", dim.Render("disabled")))
	}
	switch {
	case d.fileSink != nil:
		lines = append(lines, row(true, "Log File", dim.Render(shortenPath(d.fileSink.Path()))))
	case cfg.FileSinkEnabled:
		lines = append(lines, row(false, "Log File", yellow.Render("unavailable: "+shortenPath(cfg.LogPath))))
	default:
		lines = append(lines, row(false, "Log File", dim.Render("disabled")))
	}

	lines = append(lines, "", bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, row(true, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, row(false, "Config File", dim.Render("default (no file)")))
	}

	lines = append(lines,
		"",
		separator,
		"",
		"    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"),
		"",
	)

	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
