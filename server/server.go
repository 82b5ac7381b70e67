package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"msgrelay/models"
	"msgrelay/protocol"
	"msgrelay/relay"
)

// Server accepts TCP clients speaking the line protocol and feeds their
// events to the relay engine.
type Server struct {
	engine   *relay.Engine
	registry *Registry
	config   *ServerConfig
	logger   zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	handlers sync.WaitGroup
}

type ServerConfig struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func New(engine *relay.Engine, registry *Registry, config *ServerConfig, logger zerolog.Logger) *Server {
	return &Server{
		engine:   engine,
		registry: registry,
		config:   config,
		logger:   logger.With().Str("component", "tcp").Logger(),
	}
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return net.ErrClosed
	}
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("relay listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn().Err(err).Msg("error accepting connection")
			continue
		}

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handleConnection(conn)
		}()
	}
}

// Wait blocks until every connection accepted by Serve has been torn down,
// or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	return waitGroup(ctx, &s.handlers)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tcpEndpoint writes line packets to one TCP client.
type tcpEndpoint struct {
	conn         net.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (e *tcpEndpoint) write(packet string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	_, err := io.WriteString(e.conn, packet)
	return err
}

func (e *tcpEndpoint) WriteMessage(m models.Message) error {
	return e.write(protocol.FormatMessage(m))
}

func (e *tcpEndpoint) WriteDelivered(id string) error {
	return e.write(protocol.FormatDelivered(id))
}

func (e *tcpEndpoint) Close(reason string) error {
	if reason != "" {
		e.write(protocol.FormatPacket(protocol.TypeBye, reason))
	} else {
		e.write(protocol.FormatPacket(protocol.TypeBye))
	}
	return e.conn.Close()
}

func (e *tcpEndpoint) RemoteAddr() string {
	return e.conn.RemoteAddr().String()
}

// connState is the per-connection view held by the read loop.
type connState struct {
	ref     string
	address string
	ep      *tcpEndpoint
}

func (s *Server) handleConnection(conn net.Conn) {
	ep := &tcpEndpoint{conn: conn, writeTimeout: s.config.WriteTimeout}
	st := &connState{ref: s.registry.Register(ep), ep: ep}
	remoteAddr := ep.RemoteAddr()
	log := s.logger.With().Str("remote", remoteAddr).Str("conn", st.ref).Logger()
	log.Debug().Msg("client connected")

	defer s.closeConnection(st, log)

	reader := bufio.NewReader(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				log.Info().Str("address", st.address).Msg("read timeout")
				ep.Close("timeout")
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
			default:
				log.Warn().Err(err).Msg("read error")
			}
			return
		}

		pkt, err := protocol.ParsePacket(line)
		if err != nil {
			if line == "\n" || line == "\r\n" {
				continue
			}
			log.Debug().Err(err).Str("line", line).Msg("parse error")
			s.sendError(ep, "", "Invalid packet format")
			continue
		}

		if done := s.handlePacket(st, pkt, log); done {
			return
		}
	}
}

func (s *Server) closeConnection(st *connState, log zerolog.Logger) {
	address := s.registry.Unregister(st.ref)
	st.ep.conn.Close()

	if address != "" {
		if err := s.engine.Disconnect(context.Background(), address, st.ref); err != nil {
			log.Error().Err(err).Str("address", address).Msg("disconnect failed")
		}
	}
	log.Debug().Str("address", address).Msg("client disconnected")
}

func (s *Server) sendError(ep *tcpEndpoint, operation, description string) {
	var err error
	if operation != "" {
		err = ep.write(protocol.FormatPacket(protocol.TypeFail, operation, description))
	} else {
		err = ep.write(protocol.FormatPacket(protocol.TypeFail, description))
	}
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", ep.RemoteAddr()).Msg("error writing fail packet")
	}
}

// Stats reports registered connections across all transports.
func (s *Server) Stats() models.Stats {
	return s.registry.Stats()
}

// Shutdown stops accepting and says bye to every connection with reason.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	for _, ep := range s.registry.Endpoints() {
		ep.Close(reason)
	}
}
