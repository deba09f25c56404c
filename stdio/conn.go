package stdio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

// maxLineSize bounds a single envelope.
const maxLineSize = 4 << 20

// ErrLineTooLong is returned when a peer sends an envelope larger than the
// framing limit.
var ErrLineTooLong = errors.New("stdio: line exceeds maximum envelope size")

type line struct {
	data []byte
	err  error
}

// Conn is a line-framed message connection. It satisfies client.Conn.
type Conn struct {
	lines chan line
	w     io.Writer

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn frames messages over r and w. The streams stay owned by the
// caller; Close does not close them.
func NewConn(r io.Reader, w io.Writer) *Conn {
	c := &Conn{lines: make(chan line), w: w, closed: make(chan struct{})}
	go c.readLoop(r)
	return c
}

func (c *Conn) readLoop(r io.Reader) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		data, err := readLine(br)
		if len(data) == 0 && err == nil {
			continue
		}
		select {
		case c.lines <- line{data: data, err: err}:
		case <-c.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

func readLine(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxLineSize {
			return nil, ErrLineTooLong
		}
		if !isPrefix {
			return bytes.TrimSpace(buf), nil
		}
	}
}

// Read returns the next non-empty line.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case l := <-c.lines:
		return l.data, l.err
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write emits data followed by a newline.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	_, err := c.w.Write(append(data[:len(data):len(data)], '\n'))
	return err
}

// Close makes pending and future Reads and Writes fail.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
