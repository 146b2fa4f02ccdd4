// Package lineio reassembles newline-delimited frames out of a
// non-blocking file descriptor, one read at a time.
package lineio

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrBufferFull is returned by Readline when a line exceeds the reader's
// capacity without a newline ever showing up.
var ErrBufferFull = errors.New("lineio: line buffer full before newline")

// Status distinguishes the three non-error outcomes of Readline from a
// successfully returned line, matching the sum-typed return §9 calls for
// instead of BlockingIOError/EOF-as-exception.
type Status int

const (
	// Ready indicates a full line was returned.
	Ready Status = iota
	// WouldBlock indicates the source had nothing to offer this call.
	WouldBlock
	// EOF indicates the source is exhausted; latched permanently.
	EOF
)

// Reader wraps a non-blocking fd, reassembling '\n'-delimited lines.
//
// When ReadLen is 1, Readline never consumes a byte past the first
// newline it returns, which is what lets a caller safely hand the same fd
// to an in-kernel copy (sendfile/splice) for a subsequent data frame.
type Reader struct {
	fd      int
	readLen int
	eof     bool

	buf       []byte
	bytesRead int
}

// New wraps fd (which must already be set non-blocking by the caller).
// maxLen bounds the longest line (including the newline) before
// ErrBufferFull is raised. readLen is the size of each underlying read(2);
// pass 1 to guarantee no over-read past a newline.
func New(fd int, maxLen int, readLen int) *Reader {
	return &Reader{
		fd:      fd,
		readLen: readLen,
		buf:     make([]byte, maxLen),
	}
}

// Readline issues read(2) calls of at most readLen bytes until a line is
// complete, the source would block, the source is exhausted, or the buffer
// fills.
//
// It returns (line, Ready, nil) once a full line (without the trailing
// newline) is available, (nil, WouldBlock, nil) if the source has nothing
// ready yet, (nil, EOF, nil) once the source is exhausted, or a non-nil
// error (ErrBufferFull or the underlying read error) otherwise.
func (r *Reader) Readline() ([]byte, Status, error) {
	if r.eof {
		return nil, EOF, nil
	}

	for r.bytesRead < len(r.buf) {
		chunk := r.readLen
		if max := len(r.buf) - r.bytesRead; chunk > max {
			chunk = max
		}

		n, err := unix.Read(r.fd, r.buf[r.bytesRead:r.bytesRead+chunk])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return nil, WouldBlock, nil
			}
			return nil, 0, fmt.Errorf("lineio: read: %w", err)
		}

		if n == 0 {
			r.eof = true
			return nil, EOF, nil
		}

		r.bytesRead += n

		if idx := indexByte(r.buf[:r.bytesRead], '\n'); idx != -1 {
			line := make([]byte, idx)
			copy(line, r.buf[:idx])

			remainder := r.bytesRead - idx - 1
			copy(r.buf[:remainder], r.buf[idx+1:r.bytesRead])
			r.bytesRead = remainder

			return line, Ready, nil
		}
	}

	return nil, 0, ErrBufferFull
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
