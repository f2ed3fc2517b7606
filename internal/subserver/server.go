// Package subserver streams rendered records to remote subscribers. Each
// accepted connection gets its own hub subscription and receives every record
// published from the moment it connected.
package subserver

import (
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
)

const (
	// DefaultAddr is the loopback endpoint subscribers dial.
	DefaultAddr = "127.0.0.1:4002"

	// DefaultWriteTimeout bounds one write to a subscriber socket.
	DefaultWriteTimeout = 10 * time.Second
)

// Subscriber registers consumers. *broadcast.Hub satisfies it.
type Subscriber interface {
	Subscribe(name string) (*broadcast.Subscription, error)
}

// ServerConfig holds tunable parameters for the server.
type ServerConfig struct {
	WriteTimeout time.Duration
}

// Server accepts subscriber connections.
type Server struct {
	addr         string
	hub          Subscriber
	logger       zerolog.Logger
	writeTimeout time.Duration

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	connsMu sync.Mutex
	conns   map[uint64]net.Conn
	connSeq atomic.Uint64
}

// NewServer creates a server. An empty addr uses DefaultAddr.
func NewServer(addr string, hub Subscriber, logger zerolog.Logger, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	writeTimeout := DefaultWriteTimeout
	if len(conf) > 0 && conf[0].WriteTimeout > 0 {
		writeTimeout = conf[0].WriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:         addr,
		hub:          hub,
		logger:       logger.With().Str("component", "subserver").Logger(),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		conns:        make(map[uint64]net.Conn),
	}
}

// Start binds the endpoint and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("subserver: listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// Stop closes the listener and every live connection, then waits for their
// goroutines to exit.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}

		s.connsMu.Lock()
		for _, conn := range s.conns {
			conn.Close()
		}
		s.connsMu.Unlock()

		s.wg.Wait()
		s.logger.Debug().Msg("stopped")
	})
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Connections returns the number of attached subscribers.
func (s *Server) Connections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Warn().Err(err).Msg("accept error")
				continue
			}
		}

		id := s.connSeq.Add(1)
		if !s.track(id, conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConnection(id, conn)
	}
}

func (s *Server) track(id uint64, conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	s.conns[id] = conn
	return true
}

func (s *Server) untrack(id uint64) {
	s.connsMu.Lock()
	delete(s.conns, id)
	s.connsMu.Unlock()
}

func (s *Server) handleConnection(id uint64, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(id)
	defer conn.Close()

	log := s.logger.With().Uint64("conn", id).Str("remote", conn.RemoteAddr().String()).Logger()

	sub, err := s.hub.Subscribe(fmt.Sprintf("subscriber-%d", id))
	if err != nil {
		log.Warn().Err(err).Msg("subscribe failed")
		return
	}
	defer sub.Close()
	log.Debug().Msg("subscriber attached")

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// Subscribers never send anything. A clean EOF only means the peer shut
	// its write side, so streaming continues and a real hang-up surfaces as a
	// write error. Any other read error ends the connection.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := io.Copy(io.Discard, conn); err != nil {
			cancel()
		}
	}()

	for {
		text, err := sub.Recv(ctx)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				log.Debug().Msg("subscriber detached")
			case errors.Is(err, broadcast.ErrSlowConsumer):
				log.Warn().Err(err).Msg("subscriber dropped")
			default:
				log.Debug().Err(err).Msg("subscription ended")
			}
			return
		}

		if err := conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			log.Debug().Err(err).Msg("set write deadline")
			return
		}
		if _, err := io.WriteString(conn, text); err != nil {
			if netutil.IsExpectedCloseError(err) {
				log.Debug().Msg("subscriber closed connection")
			} else {
				log.Warn().Err(err).Msg("write failed")
			}
			return
		}
	}
}
