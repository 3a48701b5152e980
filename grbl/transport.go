// Package grbl talks to a GRBL controller over a serial line: the
// transport, the device's responses, the character-counting streamer and
// an interactive session.
package grbl

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"

	"github.com/paulhankin/grblplot/logger"
)

var (
	// ErrTimeout is returned when the device doesn't answer in time.
	ErrTimeout = errors.New("grbl: timeout waiting for device")
	// ErrClosed is returned by a transport that has been closed.
	ErrClosed = errors.New("grbl: connection closed")
)

// Realtime commands. They bypass the line buffer and are acted on as soon
// as the device reads them.
const (
	StatusQuery byte = '?'
	FeedHold    byte = '!'
	CycleStart  byte = '~'
	SoftReset   byte = 0x18
)

// A Transport carries lines to and from a device.
//
// WriteLine and SendRealtime may be called from different goroutines;
// ReadLine is called from one goroutine at a time.
type Transport interface {
	// WriteLine sends line followed by a newline.
	WriteLine(line string) error
	// ReadLine returns the next line from the device without its
	// terminator, or ErrTimeout if none arrives in time.
	ReadLine(timeout time.Duration) (string, error)
	// SendRealtime sends a single realtime byte.
	SendRealtime(b byte) error
	Close() error
}

// ConnState is the state of a serial connection.
type ConnState int32

const (
	ConnClosed ConnState = iota
	ConnOpen
	ConnFaulted
)

func (s ConnState) String() string {
	switch s {
	case ConnClosed:
		return "closed"
	case ConnOpen:
		return "open"
	case ConnFaulted:
		return "faulted"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

// SerialTransport is a Transport over a serial port. A goroutine reads
// the port and splits it into lines; writes are serialized by a mutex.
type SerialTransport struct {
	name string
	rw   io.ReadWriteCloser
	log  *logger.Logger
	// the serial driver reports a read timeout as io.EOF.
	eofIsIdle bool

	wmu   sync.Mutex
	lines chan string
	done  chan struct{}
	state atomic.Int32

	errOnce sync.Once
	err     error // set before failed is closed
	failed  chan struct{}

	closeOnce sync.Once
}

// OpenSerial opens a serial port at the given baud rate.
func OpenSerial(name string, baud int, log *logger.Logger) (*SerialTransport, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	t := newSerialTransport(name, port, log)
	t.eofIsIdle = true
	go t.readLoop()
	return t, nil
}

// NewStreamTransport wraps any byte stream, such as a TCP connection to a
// serial bridge, as a Transport. End of stream is a disconnect.
func NewStreamTransport(name string, rw io.ReadWriteCloser, log *logger.Logger) *SerialTransport {
	t := newSerialTransport(name, rw, log)
	go t.readLoop()
	return t
}

func newSerialTransport(name string, rw io.ReadWriteCloser, log *logger.Logger) *SerialTransport {
	t := &SerialTransport{
		name:   name,
		rw:     rw,
		log:    log.WithPrefix(name),
		lines:  make(chan string, 256),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}
	t.state.Store(int32(ConnOpen))
	return t
}

// Name is the port the transport was opened on.
func (t *SerialTransport) Name() string { return t.name }

// State reports whether the connection is open, closed or faulted.
func (t *SerialTransport) State() ConnState { return ConnState(t.state.Load()) }

func (t *SerialTransport) fail(err error) {
	t.errOnce.Do(func() {
		t.err = err
		t.state.CompareAndSwap(int32(ConnOpen), int32(ConnFaulted))
		t.log.Warn("connection failed: %v", err)
		close(t.failed)
	})
}

func (t *SerialTransport) readLoop() {
	buf := make([]byte, 256)
	var partial []byte
	for {
		n, err := t.rw.Read(buf)
		for _, c := range buf[:n] {
			if c != '\n' {
				partial = append(partial, c)
				continue
			}
			line := strings.TrimSpace(string(partial))
			partial = partial[:0]
			if line == "" {
				continue
			}
			t.log.Debug("<- %s", line)
			select {
			case t.lines <- line:
			case <-t.done:
				return
			}
		}
		select {
		case <-t.done:
			return
		default:
		}
		if err == nil || (err == io.EOF && t.eofIsIdle && n == 0) {
			continue
		}
		t.fail(fmt.Errorf("reading %s: %w", t.name, err))
		return
	}
}

func (t *SerialTransport) write(b []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	case <-t.failed:
		return fmt.Errorf("%w: %v", ErrLinkDown, t.err)
	default:
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.rw.Write(b); err != nil {
		err = fmt.Errorf("writing %s: %w", t.name, err)
		t.fail(err)
		return err
	}
	return nil
}

func (t *SerialTransport) WriteLine(line string) error {
	t.log.Debug("-> %s", line)
	return t.write([]byte(line + "\n"))
}

func (t *SerialTransport) SendRealtime(b byte) error {
	return t.write([]byte{b})
}

func (t *SerialTransport) ReadLine(timeout time.Duration) (string, error) {
	// lines already read are delivered even after a failure.
	select {
	case line := <-t.lines:
		return line, nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case line := <-t.lines:
		return line, nil
	case <-t.done:
		return "", ErrClosed
	case <-t.failed:
		return "", t.err
	case <-timer.C:
		return "", ErrTimeout
	}
}

func (t *SerialTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.state.Store(int32(ConnClosed))
		t.wmu.Lock()
		defer t.wmu.Unlock()
		err = t.rw.Close()
	})
	return err
}
