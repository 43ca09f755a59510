// Package relay implements a single-upstream TCP relay. It accepts raw
// connections, dials a fixed upstream, optionally terminates or originates
// TLS on either side, optionally rewrites the Host header of the first HTTP
// request, and then pumps bytes both ways until the connection ends.
package relay

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

// Dialer provides network dialing capabilities.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures a Server. The value is immutable once the Server is
// constructed and is shared read-only across all connections.
type Options struct {
	// Hostname is the upstream to dial. It doubles as the TLS server name
	// for upstream handshakes and as the replacement value for rewritten
	// Host headers.
	Hostname string
	// ListenAddr is the address to bind. Defaults to 0.0.0.0:7777.
	ListenAddr string
	// UpstreamPort overrides the upstream port. Zero derives it from
	// TLSUpstream: 443 with TLS, else 80.
	UpstreamPort uint16
	// TLSUpstream originates TLS toward the upstream, with verification
	// disabled.
	TLSUpstream bool
	// TLSServer holds the listener's TLS identity. Nil leaves the listener
	// plain.
	TLSServer *tls.Config
	// RewriteHostHeader enables the one-shot interception of the first HTTP
	// request on each connection.
	RewriteHostHeader bool
	// ShowData logs transferred payloads as UTF-8 text in addition to byte
	// counts.
	ShowData bool

	Logger slog.Logger
	// Stdout and Stderr receive the connection trace lines. They default to
	// the process streams.
	Stdout io.Writer
	Stderr io.Writer
	// Dialer defaults to a plain net.Dialer.
	Dialer Dialer
}

func (o *Options) upstreamPort() uint16 {
	if o.UpstreamPort != 0 {
		return o.UpstreamPort
	}
	if o.TLSUpstream {
		return 443
	}
	return 80
}

// UpstreamAddr returns the host:port the relay forwards to.
func (o *Options) UpstreamAddr() string {
	return net.JoinHostPort(o.Hostname, strconv.Itoa(int(o.upstreamPort())))
}

// Server accepts connections and relays each one to the configured upstream.
type Server struct {
	opts Options
	tr   *trace

	listener net.Listener
	nextID   atomic.Uint64
	active   atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Server. Call Start to begin accepting.
func New(opts Options) *Server {
	if opts.ListenAddr == "" {
		opts.ListenAddr = "0.0.0.0:7777"
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	return &Server{
		opts: opts,
		tr:   newTrace(opts.Stdout, opts.Stderr, opts.ShowData),
	}
}

// Start binds the listener and begins accepting connections. Each accepted
// connection is handled on its own goroutine; a connection's failure is
// logged and never affects the listener or other connections.
func (s *Server) Start(ctx context.Context) error {
	if s.active.Load() {
		return xerrors.New("server is already active")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	l, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		cancel()
		return xerrors.Errorf("listen %q: %w", s.opts.ListenAddr, err)
	}
	s.listener = l

	logger := s.opts.Logger.With(
		slog.F("listen_addr", l.Addr().String()),
		slog.F("upstream", s.opts.UpstreamAddr()),
	)
	logger.Debug(ctx, "listening")

	s.active.Store(true)

	s.wg.Add(1)
	go func() {
		defer func() {
			s.wg.Done()
			s.active.Store(false)
		}()

		for {
			netConn, err := l.Accept()
			if err != nil {
				// Silently ignore net.ErrClosed errors.
				if xerrors.Is(err, net.ErrClosed) {
					logger.Debug(ctx, "listener closed")
					return
				}
				logger.Error(ctx, "error accepting connection", slog.Error(err))
				return
			}
			// The ID is for log correlation only; wraparound is harmless.
			id := s.nextID.Add(1) - 1
			logger.Debug(ctx, "accepted connection",
				slog.F("conn_id", id),
				slog.F("remote_addr", netConn.RemoteAddr()))

			go s.handleConn(ctx, id, netConn)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for the accept loop. In-flight
// connections run to natural completion; no cancellation is exposed to them.
func (s *Server) Stop() error {
	if !s.active.Load() {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	return nil
}

// handleConn is the per-connection task boundary: any failure is converted to
// a logged error and dropped.
func (s *Server) handleConn(ctx context.Context, id uint64, clientConn net.Conn) {
	err := s.relayConn(ctx, id, clientConn)
	if err != nil {
		s.tr.Error(id, err)
		s.opts.Logger.Debug(ctx, "connection failed",
			slog.F("conn_id", id), slog.Error(err))
		return
	}
	s.tr.Done(id)
}

func (s *Server) relayConn(ctx context.Context, id uint64, clientConn net.Conn) error {
	s.tr.Handling(id)
	defer clientConn.Close()

	upstreamAddr := s.opts.UpstreamAddr()
	upstreamConn, err := s.opts.Dialer.DialContext(ctx, "tcp", upstreamAddr)
	if err != nil {
		return &DialError{Addr: upstreamAddr, Err: err}
	}
	defer upstreamConn.Close()

	outgoing, err := NewClientTransport(ctx, upstreamConn, s.opts.TLSUpstream, s.opts.Hostname)
	if err != nil {
		return err
	}
	incoming, err := NewServerTransport(ctx, clientConn, s.opts.TLSServer)
	if err != nil {
		return err
	}

	if s.opts.RewriteHostHeader {
		err = rewriteFirstRequest(incoming, outgoing, s.opts.Hostname, s.tr, id)
		if err != nil {
			return err
		}
	}

	return pump(incoming, outgoing, s.tr, id)
}
