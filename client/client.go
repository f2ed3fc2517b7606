// Package client posts log records to a running dogd daemon.
//
// Posting is fire-and-forget: a daemon that is not running is silently
// ignored, and other failures go to the client's ErrorHandler rather than
// back to the caller.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/dogd/internal/netutil"
	"github.com/tinytelemetry/dogd/record"
	"github.com/tinytelemetry/dogd/render"
)

const (
	// DefaultAddr is the daemon's ingest endpoint.
	DefaultAddr = "127.0.0.1:4001"

	// DefaultDialTimeout bounds connecting to the daemon.
	DefaultDialTimeout = 2 * time.Second

	// ForceEchoEnv enables echoing posted records to stdout when set.
	ForceEchoEnv = "DOGD_FORCE_STDOUT_LOG"
)

// Client sends records to the daemon. The zero value is not usable; build
// one with New and adjust fields before first use.
type Client struct {
	// Addr is the ingest endpoint.
	Addr string
	// DialTimeout bounds the connect.
	DialTimeout time.Duration
	// ProgName tags records sent through Critical, Error, Info, Debug and
	// LogError.
	ProgName string
	// ForceEcho prints every successfully posted record to Echo.
	ForceEcho bool
	// Echo receives rendered records when ForceEcho is set.
	Echo io.Writer
	// ErrorHandler receives Post failures other than connection refused.
	ErrorHandler func(error)

	renderer *render.Renderer
}

// New returns a client with default settings. ProgName is the basename of
// the running executable and ForceEcho follows DOGD_FORCE_STDOUT_LOG.
func New() *Client {
	_, echo := os.LookupEnv(ForceEchoEnv)
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Str("component", "client").Logger()

	return &Client{
		Addr:        DefaultAddr,
		DialTimeout: DefaultDialTimeout,
		ProgName:    programName(),
		ForceEcho:   echo,
		Echo:        os.Stdout,
		ErrorHandler: func(err error) {
			logger.Warn().Err(err).Msg("failed to post log record")
		},
		renderer: render.New(render.ColorAuto, os.Stdout),
	}
}

func programName() string {
	if len(os.Args) == 0 || os.Args[0] == "" {
		return "<unknown>"
	}
	return filepath.Base(os.Args[0])
}

// Send encodes one record stamped with the current time and delivers it.
func (c *Client) Send(ctx context.Context, line, progName string, priority record.Priority) error {
	rec := record.New(line, progName, priority)
	data, err := record.Encode(rec)
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: c.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("client: set deadline: %w", err)
		}
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	// Half-close marks the end of the record.
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			return fmt.Errorf("client: close write: %w", err)
		}
	}

	if c.ForceEcho && c.Echo != nil {
		r := c.renderer
		if r == nil {
			r = render.Plain()
		}
		_, _ = io.WriteString(c.Echo, r.Render(rec))
	}
	return nil
}

// Post is Send without an error return. Connection refused means no daemon
// is running and is ignored; anything else goes to ErrorHandler.
func (c *Client) Post(line, progName string, priority record.Priority) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout())
	defer cancel()

	err := c.Send(ctx, line, progName, priority)
	if err == nil || netutil.IsConnRefused(err) {
		return
	}
	if c.ErrorHandler != nil {
		c.ErrorHandler(err)
	}
}

func (c *Client) timeout() time.Duration {
	if c.DialTimeout > 0 {
		return 2 * c.DialTimeout
	}
	return 2 * DefaultDialTimeout
}

// Critical posts line at Critical priority under ProgName.
func (c *Client) Critical(line string) { c.Post(line, c.ProgName, record.Critical) }

// Error posts line at Error priority under ProgName.
func (c *Client) Error(line string) { c.Post(line, c.ProgName, record.Error) }

// Info posts line at Info priority under ProgName.
func (c *Client) Info(line string) { c.Post(line, c.ProgName, record.Info) }

// Debug posts line at Debug priority under ProgName.
func (c *Client) Debug(line string) { c.Post(line, c.ProgName, record.Debug) }

// LogError posts description followed by err and every error it wraps, one
// per line.
func (c *Client) LogError(err error, description string, priority record.Priority) {
	c.Post(FormatError(err, description), c.ProgName, priority)
}

// FormatError renders description and the errors.Unwrap chain of err, one
// entry per line.
func FormatError(err error, description string) string {
	var b strings.Builder
	b.WriteString(description)
	b.WriteByte('\n')
	for e := err; e != nil; e = errors.Unwrap(e) {
		b.WriteString(e.Error())
		b.WriteByte('\n')
	}
	return b.String()
}

// Default is used by the package-level helpers.
var Default = New()

// Post sends through Default.
func Post(line, progName string, priority record.Priority) {
	Default.Post(line, progName, priority)
}

// Critical posts line at Critical priority through Default.
func Critical(line string) { Default.Critical(line) }

// Error posts line at Error priority through Default.
func Error(line string) { Default.Error(line) }

// Info posts line at Info priority through Default.
func Info(line string) { Default.Info(line) }

// Debug posts line at Debug priority through Default.
func Debug(line string) { Default.Debug(line) }

// LogError sends through Default.
func LogError(err error, description string, priority record.Priority) {
	Default.LogError(err, description, priority)
}
