package relay

import (
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// pumpBufferSize is the per-direction scratch buffer. 64 KiB comfortably
// covers observed traffic patterns.
const pumpBufferSize = 64 * 1024

// pump copies bytes both ways between the accepted and upstream transports
// until either side reaches end-of-stream or an I/O failure occurs. Each
// direction runs in its own goroutine, so neither side is favored and bytes
// within a direction are written in the order they were read. Whichever
// direction finishes first closes both transports, which unblocks the
// opposite copy immediately rather than draining it.
func pump(incoming, outgoing io.ReadWriteCloser, tr *trace, id uint64) error {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = incoming.Close()
			_ = outgoing.Close()
		})
	}
	defer closeBoth()

	var eg errgroup.Group
	eg.Go(func() error {
		defer closeBoth()
		return copyDirection(outgoing, incoming, Incoming, tr, id)
	})
	eg.Go(func() error {
		defer closeBoth()
		return copyDirection(incoming, outgoing, Outgoing, tr, id)
	})

	err := eg.Wait()
	// The losing direction reports a closed-connection error caused by our
	// own shutdown of the transports; that is not a relay failure.
	if err != nil && !xerrors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func copyDirection(dst io.Writer, src io.Reader, dir Direction, tr *trace, id uint64) error {
	buf := make([]byte, pumpBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			tr.Chunk(id, dir, buf[:n])
			_, werr := dst.Write(buf[:n])
			if werr != nil {
				return &RelayIOError{Direction: dir, Err: werr}
			}
		}
		if err != nil {
			if xerrors.Is(err, io.EOF) {
				return nil
			}
			return &RelayIOError{Direction: dir, Err: err}
		}
	}
}
