package relay

import "fmt"

// DialError reports a failure to reach the upstream. It is fatal to the
// connection that triggered the dial only.
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial upstream %s: %v", e.Addr, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// Side identifies which end of the relay a TLS handshake ran on.
type Side string

const (
	SideUpstream Side = "upstream"
	SideListener Side = "listener"
)

// HandshakeError reports a failed TLS negotiation on either side of the
// relay. It is fatal to the connection only.
type HandshakeError struct {
	Side Side
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tls handshake with %s: %v", e.Side, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TruncatedRequestError reports that the client closed the connection before
// a complete request header block arrived. Nothing has been forwarded.
type TruncatedRequestError struct {
	BytesBuffered int
}

func (e *TruncatedRequestError) Error() string {
	return fmt.Sprintf("connection closed before a complete request header (%d bytes buffered)", e.BytesBuffered)
}

// RelayIOError reports a read or write failure during the steady-state pump
// phase. It carries the direction that failed.
type RelayIOError struct {
	Direction Direction
	Err       error
}

func (e *RelayIOError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.Direction, e.Err)
}

func (e *RelayIOError) Unwrap() error { return e.Err }

// Direction describes which way bytes were flowing, relative to the accepted
// side of the relay.
type Direction int

const (
	// Incoming is data read from the accepted connection, bound for the
	// upstream.
	Incoming Direction = iota
	// Outgoing is data read from the upstream, bound for the accepted
	// connection.
	Outgoing
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// arrow renders the direction the way connection trace lines spell it.
func (d Direction) arrow() string {
	if d == Incoming {
		return "==>"
	}
	return "<=="
}
