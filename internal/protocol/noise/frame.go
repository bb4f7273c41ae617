package noise

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize is the largest payload a 3-byte length prefix can carry.
const MaxFrameSize = 1<<24 - 1

// DefaultIntroHeader is sent once before the first frame and mixed into
// the handshake as prologue.
var DefaultIntroHeader = []byte{'W', 'A', 6, 3}

var errFrameTooLarge = errors.New("noise: frame too large")

// FrameConn reads and writes whole frames.
type FrameConn interface {
	WriteFrame(payload []byte) error
	ReadFrame() ([]byte, error)
}

// Framer adds 3-byte big-endian length prefixes over a stream. On the
// client side the intro header precedes the first outgoing frame. Writes
// are serialized; reads must come from a single goroutine.
type Framer struct {
	r *bufio.Reader

	wmu        sync.Mutex
	w          io.Writer
	header     []byte
	headerSent bool
}

// NewClientFramer returns a framer that sends header before its first frame.
func NewClientFramer(rw io.ReadWriter, header []byte) *Framer {
	return &Framer{r: bufio.NewReader(rw), w: rw, header: header}
}

// NewServerFramer returns a framer that sends no header.
func NewServerFramer(rw io.ReadWriter) *Framer {
	return &Framer{r: bufio.NewReader(rw), w: rw, headerSent: true}
}

// WriteFrame writes one frame.
func (f *Framer) WriteFrame(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", errFrameTooLarge, len(payload))
	}
	f.wmu.Lock()
	defer f.wmu.Unlock()

	buf := make([]byte, 0, len(f.header)+3+len(payload))
	if !f.headerSent {
		buf = append(buf, f.header...)
	}
	n := len(payload)
	buf = append(buf, byte(n>>16), byte(n>>8), byte(n))
	buf = append(buf, payload...)
	if _, err := f.w.Write(buf); err != nil {
		return err
	}
	f.headerSent = true
	return nil
}

// ReadFrame reads one frame.
func (f *Framer) ReadFrame() ([]byte, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(f.r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(hdr[0])<<16 | int(hdr[1])<<8 | int(hdr[2])
	out := make([]byte, n)
	if _, err := io.ReadFull(f.r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ExpectHeader consumes the client's intro header on the server side.
func (f *Framer) ExpectHeader(header []byte) error {
	got := make([]byte, len(header))
	if _, err := io.ReadFull(f.r, got); err != nil {
		return err
	}
	if !bytes.Equal(got, header) {
		return fmt.Errorf("noise: unexpected intro header %x", got)
	}
	return nil
}
