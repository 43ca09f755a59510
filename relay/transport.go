package relay

import (
	"context"
	"crypto/tls"
	"io"
	"net"
)

// NewClientTransport wraps an established upstream connection. With useTLS
// unset the connection passes through unchanged. Otherwise an active TLS
// handshake runs against serverName with certificate and hostname
// verification disabled: the relay must be able to reach upstreams with
// self-signed, expired, or mismatched certificates, so it never behaves as a
// verifying client. A failed negotiation returns a *HandshakeError.
func NewClientTransport(ctx context.Context, conn net.Conn, useTLS bool, serverName string) (io.ReadWriteCloser, error) {
	if !useTLS {
		return conn, nil
	}
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true, //nolint:gosec // Interception is the point, see above.
	})
	err := tlsConn.HandshakeContext(ctx)
	if err != nil {
		return nil, &HandshakeError{Side: SideUpstream, Err: err}
	}
	return tlsConn, nil
}

// NewServerTransport wraps an accepted connection. A nil tlsConfig means the
// listener is not TLS-terminating and the connection passes through
// unchanged. Otherwise a passive handshake runs using the supplied identity;
// a failed negotiation returns a *HandshakeError.
func NewServerTransport(ctx context.Context, conn net.Conn, tlsConfig *tls.Config) (io.ReadWriteCloser, error) {
	if tlsConfig == nil {
		return conn, nil
	}
	tlsConn := tls.Server(conn, tlsConfig)
	err := tlsConn.HandshakeContext(ctx)
	if err != nil {
		return nil, &HandshakeError{Side: SideListener, Err: err}
	}
	return tlsConn, nil
}
