package relay

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// trace emits the relay's line-oriented connection log. The exact line
// formats are part of the tool's observable interface, so they are produced
// here rather than through the diagnostic logger.
type trace struct {
	mu       sync.Mutex
	out      io.Writer
	errOut   io.Writer
	showData bool
}

func newTrace(out, errOut io.Writer, showData bool) *trace {
	return &trace{out: out, errOut: errOut, showData: showData}
}

func (t *trace) printf(w io.Writer, format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintf(w, format, args...)
}

func (t *trace) Handling(id uint64) {
	t.printf(t.out, "[%d] === Handling connection ===\n", id)
}

func (t *trace) Done(id uint64) {
	t.printf(t.out, "[%d] === Done ===\n", id)
}

func (t *trace) Error(id uint64, err error) {
	t.printf(t.errOut, "[%d] Got error: %v\n", id, err)
}

// Chunk logs a transferred slice of bytes. Empty chunks are not logged, which
// keeps end-of-stream reads out of the trace.
func (t *trace) Chunk(id uint64, dir Direction, data []byte) {
	if len(data) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintf(t.out, "[%d] %s %d bytes\n", id, dir.arrow(), len(data))
	if t.showData {
		_, _ = fmt.Fprintln(t.out, strings.ToValidUTF8(string(data), "�"))
	}
}

func (t *trace) HeaderRead(id uint64) {
	t.printf(t.out, "[%d] ==> HTTP header read\n", id)
}

func (t *trace) RewroteHost(id uint64, from []byte, to string) {
	t.printf(t.out, "[%d] Rewrote host header from %s to %s\n", id, from, to)
}

func (t *trace) ParseFailed(id uint64, err error) {
	t.printf(t.out, "[%d] Error reading HTTP header (%v), not modifying data\n", id, err)
}
