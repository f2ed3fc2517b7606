// Package ingest accepts encoded records from producers, renders them and
// publishes the text to the broadcast hub.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/dogd/internal/broadcast"
	"github.com/tinytelemetry/dogd/internal/netutil"
	"github.com/tinytelemetry/dogd/record"
	"github.com/tinytelemetry/dogd/render"
)

const (
	// DefaultAddr is the loopback endpoint producers dial.
	DefaultAddr = "127.0.0.1:4001"

	// DefaultMaxRecordSize bounds one encoded record (1 MiB).
	DefaultMaxRecordSize = 1024 * 1024

	// DefaultReadTimeout bounds how long a producer may take to send its
	// record and close its write side.
	DefaultReadTimeout = 30 * time.Second
)

// Publisher receives rendered records. *broadcast.Hub satisfies it.
type Publisher interface {
	Publish(ctx context.Context, text string) error
}

// ListenerConfig holds tunable parameters for the listener.
type ListenerConfig struct {
	MaxRecordSize int
	// ReadTimeout of zero uses DefaultReadTimeout; a negative value disables
	// the deadline.
	ReadTimeout time.Duration
}

// Stats counts connection outcomes.
type Stats struct {
	Accepted  uint64 `json:"accepted"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

// Listener reads one record per connection: the producer writes a document
// and closes, and everything read up to EOF is decoded as a single record.
type Listener struct {
	addr          string
	pub           Publisher
	renderer      *render.Renderer
	logger        zerolog.Logger
	maxRecordSize int
	readTimeout   time.Duration

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	failOnce sync.Once
	failed   chan struct{}
	failErr  error

	accepted  atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewListener creates a listener. An empty addr uses DefaultAddr.
func NewListener(addr string, pub Publisher, renderer *render.Renderer, logger zerolog.Logger, conf ...ListenerConfig) *Listener {
	if addr == "" {
		addr = DefaultAddr
	}
	maxRecordSize := DefaultMaxRecordSize
	readTimeout := DefaultReadTimeout
	if len(conf) > 0 {
		if conf[0].MaxRecordSize > 0 {
			maxRecordSize = conf[0].MaxRecordSize
		}
		if conf[0].ReadTimeout != 0 {
			readTimeout = conf[0].ReadTimeout
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		addr:          addr,
		pub:           pub,
		renderer:      renderer,
		logger:        logger.With().Str("component", "ingest").Logger(),
		maxRecordSize: maxRecordSize,
		readTimeout:   readTimeout,
		ctx:           ctx,
		cancel:        cancel,
		failed:        make(chan struct{}),
		conns:         make(map[net.Conn]struct{}),
	}
}

// Start binds the endpoint and begins accepting connections.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("ingest: listen: %w", err)
	}
	l.listener = ln

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// Serve blocks until ctx is done, returning nil, or until a record cannot be
// published because the hub is gone, returning that error. Either way the
// listener is stopped on return.
func (l *Listener) Serve(ctx context.Context) error {
	defer l.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-l.failed:
		return l.failErr
	}
}

// Stop closes the endpoint and every producer connection still sending,
// then waits for their goroutines. Partially read records are dropped.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		if l.listener != nil {
			l.listener.Close()
		}

		l.connsMu.Lock()
		for conn := range l.conns {
			conn.Close()
		}
		l.connsMu.Unlock()

		l.wg.Wait()
	})
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (l *Listener) Addr() string {
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.addr
}

// Stats returns connection counters.
func (l *Listener) Stats() Stats {
	return Stats{
		Accepted:  l.accepted.Load(),
		Published: l.published.Load(),
		Dropped:   l.dropped.Load(),
	}
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
				l.logger.Warn().Err(err).Msg("accept error")
				continue
			}
		}
		l.accepted.Add(1)
		if !l.track(conn) {
			conn.Close()
			return
		}
		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *Listener) track(conn net.Conn) bool {
	l.connsMu.Lock()
	defer l.connsMu.Unlock()

	if l.ctx.Err() != nil {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.connsMu.Lock()
	delete(l.conns, conn)
	l.connsMu.Unlock()
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer l.untrack(conn)
	defer conn.Close()

	log := l.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	data, err := l.readRecord(conn)
	if err != nil {
		l.dropped.Add(1)
		log.Debug().Err(err).Msg("dropped connection")
		return
	}

	rec, err := record.Decode(data)
	if err != nil {
		l.dropped.Add(1)
		log.Debug().Err(err).Int("bytes", len(data)).Msg("dropped malformed record")
		return
	}

	if err := l.pub.Publish(l.ctx, l.renderer.Render(rec)); err != nil {
		if errors.Is(err, broadcast.ErrClosed) {
			l.fail(fmt.Errorf("ingest: publish: %w", err))
			return
		}
		// Shutdown cancelled the publish.
		l.dropped.Add(1)
		return
	}
	l.published.Add(1)
}

var errEmptyRecord = errors.New("ingest: empty record")

func (l *Listener) readRecord(conn net.Conn) ([]byte, error) {
	if l.readTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(l.readTimeout)); err != nil {
			return nil, fmt.Errorf("ingest: set deadline: %w", err)
		}
	}

	data, err := io.ReadAll(io.LimitReader(conn, int64(l.maxRecordSize)+1))
	if err != nil {
		if netutil.IsTimeout(err) {
			return nil, fmt.Errorf("ingest: read timed out after %s: %w", l.readTimeout, err)
		}
		return nil, fmt.Errorf("ingest: read: %w", err)
	}
	if len(data) > l.maxRecordSize {
		return nil, fmt.Errorf("ingest: record exceeds %d bytes", l.maxRecordSize)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errEmptyRecord
	}
	return data, nil
}

func (l *Listener) fail(err error) {
	l.failOnce.Do(func() {
		l.failErr = err
		l.logger.Error().Err(err).Msg("broadcaster unavailable")
		close(l.failed)
	})
}
