package relay

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestParseRequestHeader(t *testing.T) {
	t.Parallel()

	t.Run("Simple", func(t *testing.T) {
		t.Parallel()
		raw := "GET /index.html HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n"
		n, req, err := parseRequest([]byte(raw))
		require.NoError(t, err)
		require.Equal(t, len(raw), n)
		require.Equal(t, "GET", req.method)
		require.Equal(t, "/index.html", req.path)
		require.Equal(t, 1, req.minor)
		require.Len(t, req.headers, 2)
		require.Equal(t, "Host", req.headers[0].name)
		require.Equal(t, []byte("example.com"), req.headers[0].value)
		require.Equal(t, "Accept", req.headers[1].name)
		require.Equal(t, []byte("*/*"), req.headers[1].value)
	})

	t.Run("PartialUntilComplete", func(t *testing.T) {
		t.Parallel()
		raw := "POST /submit HTTP/1.0\r\nHost: a.example\r\nContent-Length: 5\r\n\r\n"
		for i := 0; i < len(raw); i++ {
			_, _, err := parseRequest([]byte(raw[:i]))
			require.ErrorIs(t, err, errPartial, "prefix of %d bytes", i)
		}
		n, req, err := parseRequest([]byte(raw))
		require.NoError(t, err)
		require.Equal(t, len(raw), n)
		require.Equal(t, "POST", req.method)
		require.Equal(t, 0, req.minor)
	})

	t.Run("ManyHeaders", func(t *testing.T) {
		t.Parallel()
		// More headers than the initial slot budget; growth is transparent.
		var sb strings.Builder
		sb.WriteString("GET / HTTP/1.1\r\n")
		for i := 0; i < 20; i++ {
			fmt.Fprintf(&sb, "X-Header-%d: value-%d\r\n", i, i)
		}
		sb.WriteString("\r\n")

		n, req, err := parseRequest([]byte(sb.String()))
		require.NoError(t, err)
		require.Equal(t, sb.Len(), n)
		require.Len(t, req.headers, 20)
		for i, h := range req.headers {
			require.Equal(t, fmt.Sprintf("X-Header-%d", i), h.name)
			require.Equal(t, fmt.Sprintf("value-%d", i), string(h.value))
		}
	})

	t.Run("HeaderBudgetBounded", func(t *testing.T) {
		t.Parallel()
		var sb strings.Builder
		sb.WriteString("GET / HTTP/1.1\r\n")
		for i := 0; i < maxHeaderSlots+1; i++ {
			fmt.Fprintf(&sb, "X-%d: v\r\n", i)
		}
		sb.WriteString("\r\n")

		_, _, err := parseRequest([]byte(sb.String()))
		require.Error(t, err)
		require.NotErrorIs(t, err, errPartial)
		require.NotErrorIs(t, err, errTooManyHeaders)
	})

	t.Run("MissingColon", func(t *testing.T) {
		t.Parallel()
		raw := "GET / HTTP/1.1\r\nHost example.com\r\n\r\n"
		_, _, err := parseRequest([]byte(raw))
		require.Error(t, err)
		require.NotErrorIs(t, err, errPartial)
	})

	t.Run("BadVersion", func(t *testing.T) {
		t.Parallel()
		_, _, err := parseRequest([]byte("GET / HTTP/2.0\r\n\r\n"))
		require.Error(t, err)
		require.NotErrorIs(t, err, errPartial)
	})

	t.Run("EmptyMethod", func(t *testing.T) {
		t.Parallel()
		_, _, err := parseRequest([]byte(" / HTTP/1.1\r\n\r\n"))
		require.Error(t, err)
		require.NotErrorIs(t, err, errPartial)
	})

	t.Run("ValueLeadingWhitespaceSkipped", func(t *testing.T) {
		t.Parallel()
		_, req, err := parseRequest([]byte("GET / HTTP/1.1\r\nHost: \t example.com\r\n\r\n"))
		require.NoError(t, err)
		require.Equal(t, []byte("example.com"), req.headers[0].value)
	})

	t.Run("LoneLF", func(t *testing.T) {
		t.Parallel()
		raw := "GET / HTTP/1.1\nHost: example.com\n\n"
		n, req, err := parseRequest([]byte(raw))
		require.NoError(t, err)
		require.Equal(t, len(raw), n)
		require.Len(t, req.headers, 1)
	})
}

func runRewrite(t *testing.T, incoming io.Reader, hostname string) (string, error) {
	t.Helper()
	tr := newTrace(io.Discard, io.Discard, false)
	var out bytes.Buffer
	err := rewriteFirstRequest(incoming, &out, hostname, tr, 0)
	return out.String(), err
}

func TestRewriteFirstRequest(t *testing.T) {
	t.Parallel()

	t.Run("Rewrite", func(t *testing.T) {
		t.Parallel()
		in := "GET / HTTP/1.1\r\nHost: old.example\r\n\r\n"
		out, err := runRewrite(t, strings.NewReader(in), "new.example")
		require.NoError(t, err)
		require.Equal(t, "GET / HTTP/1.1\r\nHost: new.example\r\n\r\n", out)
	})

	t.Run("OneBytePerRead", func(t *testing.T) {
		t.Parallel()
		// The header arriving split across arbitrarily small reads must
		// produce the same output as a single read.
		in := "GET / HTTP/1.1\r\nHost: old.example\r\nAccept: */*\r\n\r\n"
		out, err := runRewrite(t, iotest.OneByteReader(strings.NewReader(in)), "new.example")
		require.NoError(t, err)
		require.Equal(t, "GET / HTTP/1.1\r\nHost: new.example\r\nAccept: */*\r\n\r\n", out)
	})

	t.Run("PassThroughNoHost", func(t *testing.T) {
		t.Parallel()
		in := "GET /x HTTP/1.1\r\nAccept: */*\r\nX-Other: y\r\n\r\n"
		out, err := runRewrite(t, strings.NewReader(in), "new.example")
		require.NoError(t, err)
		require.Equal(t, in, out)
	})

	t.Run("CaseInsensitive", func(t *testing.T) {
		t.Parallel()
		in := "GET / HTTP/1.1\r\nHOST: a\r\nhost: b\r\nHost: c\r\n\r\n"
		out, err := runRewrite(t, strings.NewReader(in), "new.example")
		require.NoError(t, err)
		require.Equal(t, "GET / HTTP/1.1\r\nHOST: new.example\r\nhost: new.example\r\nHost: new.example\r\n\r\n", out)
	})

	t.Run("Idempotent", func(t *testing.T) {
		t.Parallel()
		in := "GET / HTTP/1.1\r\nHost: new.example\r\n\r\n"
		out, err := runRewrite(t, strings.NewReader(in), "new.example")
		require.NoError(t, err)
		require.Equal(t, in, out)
	})

	t.Run("MalformedFailOpen", func(t *testing.T) {
		t.Parallel()
		in := "GET / HTTP/1.1\r\nHost example.com\r\n\r\nbody"
		out, err := runRewrite(t, strings.NewReader(in), "new.example")
		require.NoError(t, err)
		require.Equal(t, in, out)
	})

	t.Run("Truncated", func(t *testing.T) {
		t.Parallel()
		out, err := runRewrite(t, strings.NewReader("GET / HTTP"), "new.example")
		var truncErr *TruncatedRequestError
		require.True(t, xerrors.As(err, &truncErr))
		require.Equal(t, 10, truncErr.BytesBuffered)
		require.Empty(t, out)
	})

	t.Run("BodyTailPreserved", func(t *testing.T) {
		t.Parallel()
		// Body bytes buffered past the header block follow the rewritten
		// header unmodified.
		in := "POST /u HTTP/1.1\r\nHost: old.example\r\nContent-Length: 5\r\n\r\nhello"
		out, err := runRewrite(t, strings.NewReader(in), "new.example")
		require.NoError(t, err)
		require.Equal(t, "POST /u HTTP/1.1\r\nHost: new.example\r\nContent-Length: 5\r\n\r\nhello", out)
	})
}

func TestTrace(t *testing.T) {
	t.Parallel()

	t.Run("Chunk", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		tr := newTrace(&out, io.Discard, false)
		tr.Chunk(7, Incoming, []byte("abc"))
		tr.Chunk(7, Outgoing, []byte("defg"))
		tr.Chunk(7, Incoming, nil)
		require.Equal(t, "[7] ==> 3 bytes\n[7] <== 4 bytes\n", out.String())
	})

	t.Run("ShowDataLossy", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		tr := newTrace(&out, io.Discard, true)
		tr.Chunk(1, Incoming, []byte{0xff, 'h', 'i'})
		require.Equal(t, "[1] ==> 3 bytes\n�hi\n", out.String())
	})

	t.Run("Lifecycle", func(t *testing.T) {
		t.Parallel()
		var out, errOut bytes.Buffer
		tr := newTrace(&out, &errOut, false)
		tr.Handling(2)
		tr.Done(2)
		tr.Error(3, xerrors.New("boom"))
		require.Equal(t, "[2] === Handling connection ===\n[2] === Done ===\n", out.String())
		require.Equal(t, "[3] Got error: boom\n", errOut.String())
	})
}
