package relay

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/xerrors"
)

const (
	// initialHeaderSlots is the header budget for the first parse attempt.
	// The budget doubles whenever a parse reports too many headers.
	initialHeaderSlots = 16
	// maxHeaderSlots bounds the doubling. A request with more headers than
	// this is treated like any other malformed request: forwarded verbatim
	// without a rewrite, instead of growing without limit.
	maxHeaderSlots = 1024
)

var (
	errPartial        = xerrors.New("incomplete request header")
	errTooManyHeaders = xerrors.New("too many headers")
)

type headerField struct {
	name  string
	value []byte
}

// requestHeader is a parsed request line plus the headers exactly as they
// appeared, in order and with original spelling.
type requestHeader struct {
	method  string
	path    string
	minor   int
	headers []headerField
}

// parseRequest parses a request header block from the front of buf, growing
// the header budget as needed. The returned offset is one past the blank line
// terminating the block. errPartial means buf ends before the block
// completes; any other error is structural and final.
func parseRequest(buf []byte) (int, requestHeader, error) {
	for slots := initialHeaderSlots; slots <= maxHeaderSlots; slots *= 2 {
		n, req, err := parseRequestHeader(buf, slots)
		if xerrors.Is(err, errTooManyHeaders) {
			continue
		}
		return n, req, err
	}
	return 0, requestHeader{}, xerrors.Errorf("request exceeds %d headers", maxHeaderSlots)
}

func parseRequestHeader(buf []byte, maxHeaders int) (int, requestHeader, error) {
	var req requestHeader
	pos := 0

	// Request line: METHOD SP PATH SP HTTP/1.<digit> CRLF.
	start := pos
	for {
		if pos == len(buf) {
			return 0, req, errPartial
		}
		c := buf[pos]
		if c == ' ' {
			break
		}
		if !isTokenChar(c) {
			return 0, req, xerrors.Errorf("invalid method character %q", c)
		}
		pos++
	}
	if pos == start {
		return 0, req, xerrors.New("empty request method")
	}
	req.method = string(buf[start:pos])
	pos++

	start = pos
	for {
		if pos == len(buf) {
			return 0, req, errPartial
		}
		c := buf[pos]
		if c == ' ' {
			break
		}
		if c <= ' ' || c == 0x7f {
			return 0, req, xerrors.Errorf("invalid path character %q", c)
		}
		pos++
	}
	if pos == start {
		return 0, req, xerrors.New("empty request path")
	}
	req.path = string(buf[start:pos])
	pos++

	const versionPrefix = "HTTP/1."
	for i := 0; i < len(versionPrefix); i++ {
		if pos == len(buf) {
			return 0, req, errPartial
		}
		if buf[pos] != versionPrefix[i] {
			return 0, req, xerrors.New("malformed HTTP version")
		}
		pos++
	}
	if pos == len(buf) {
		return 0, req, errPartial
	}
	if buf[pos] < '0' || buf[pos] > '9' {
		return 0, req, xerrors.New("malformed HTTP version")
	}
	req.minor = int(buf[pos] - '0')
	pos++

	pos, err := eatLineEnd(buf, pos)
	if err != nil {
		return 0, req, err
	}

	// Header block, terminated by a blank line.
	for {
		if pos == len(buf) {
			return 0, req, errPartial
		}
		if buf[pos] == '\r' || buf[pos] == '\n' {
			pos, err = eatLineEnd(buf, pos)
			if err != nil {
				return 0, req, err
			}
			return pos, req, nil
		}
		if len(req.headers) == maxHeaders {
			return 0, req, errTooManyHeaders
		}

		start = pos
		for {
			if pos == len(buf) {
				return 0, req, errPartial
			}
			c := buf[pos]
			if c == ':' {
				break
			}
			if !isTokenChar(c) {
				return 0, req, xerrors.Errorf("invalid header name character %q", c)
			}
			pos++
		}
		if pos == start {
			return 0, req, xerrors.New("empty header name")
		}
		name := string(buf[start:pos])
		pos++

		// Optional whitespace before the value.
		for {
			if pos == len(buf) {
				return 0, req, errPartial
			}
			if buf[pos] != ' ' && buf[pos] != '\t' {
				break
			}
			pos++
		}

		start = pos
		for {
			if pos == len(buf) {
				return 0, req, errPartial
			}
			c := buf[pos]
			if c == '\r' || c == '\n' {
				break
			}
			if c != '\t' && (c < ' ' || c == 0x7f) {
				return 0, req, xerrors.Errorf("invalid header value character %q", c)
			}
			pos++
		}
		value := buf[start:pos]

		pos, err = eatLineEnd(buf, pos)
		if err != nil {
			return 0, req, err
		}
		req.headers = append(req.headers, headerField{name: name, value: value})
	}
}

// eatLineEnd consumes CRLF, accepting a bare LF.
func eatLineEnd(buf []byte, pos int) (int, error) {
	if pos == len(buf) {
		return 0, errPartial
	}
	if buf[pos] == '\n' {
		return pos + 1, nil
	}
	if buf[pos] != '\r' {
		return 0, xerrors.New("malformed line ending")
	}
	pos++
	if pos == len(buf) {
		return 0, errPartial
	}
	if buf[pos] != '\n' {
		return 0, xerrors.New("malformed line ending")
	}
	return pos + 1, nil
}

func isTokenChar(c byte) bool {
	if c >= 0x80 || c <= ' ' || c == 0x7f {
		return false
	}
	switch c {
	case '(', ')', '<', '>', '@', ',', ';', ':', '\\', '"', '/', '[', ']', '?', '=', '{', '}':
		return false
	}
	return true
}

// rewriteFirstRequest accumulates bytes from incoming until a complete
// request header block parses, rewrites any Host headers to hostname, and
// forwards the result to outgoing. It runs at most once per connection;
// later requests on a kept-alive connection flow through the pump untouched.
//
// Malformed input is forwarded byte-for-byte with no rewrite attempted: the
// relay fails open so that non-HTTP or broken traffic still flows.
func rewriteFirstRequest(incoming io.Reader, outgoing io.Writer, hostname string, tr *trace, id uint64) error {
	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := incoming.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			tr.Chunk(id, Incoming, tmp[:n])

			headerEnd, req, perr := parseRequest(buf)
			if perr == nil {
				return forwardParsed(outgoing, buf, headerEnd, req, hostname, tr, id)
			}
			if !xerrors.Is(perr, errPartial) {
				tr.ParseFailed(id, perr)
				_, werr := outgoing.Write(buf)
				if werr != nil {
					return xerrors.Errorf("forward unparsed request: %w", werr)
				}
				return nil
			}
		}
		if err != nil {
			if xerrors.Is(err, io.EOF) {
				return &TruncatedRequestError{BytesBuffered: len(buf)}
			}
			return xerrors.Errorf("read request header: %w", err)
		}
	}
}

func forwardParsed(outgoing io.Writer, buf []byte, headerEnd int, req requestHeader, hostname string, tr *trace, id uint64) error {
	tr.HeaderRead(id)

	changed := false
	for i := range req.headers {
		if strings.EqualFold(req.headers[i].name, "Host") {
			tr.RewroteHost(id, req.headers[i].value, hostname)
			req.headers[i].value = []byte(hostname)
			changed = true
		}
	}

	if !changed {
		_, err := outgoing.Write(buf)
		if err != nil {
			return xerrors.Errorf("forward request: %w", err)
		}
		return nil
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "%s %s HTTP/1.%d\r\n", req.method, req.path, req.minor)
	for _, h := range req.headers {
		out.WriteString(h.name)
		out.WriteString(": ")
		out.Write(h.value)
		out.WriteString("\r\n")
	}
	out.WriteString("\r\n")
	// Anything buffered past the header block (early body bytes) follows the
	// rewritten header unmodified.
	out.Write(buf[headerEnd:])

	_, err := outgoing.Write(out.Bytes())
	if err != nil {
		return xerrors.Errorf("forward rewritten request: %w", err)
	}
	return nil
}
