// Package serial implements the Daly request/response link over a UART or
// RS485 adapter.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	tarm "github.com/tarm/serial"

	"github.com/jonamat/daly-bms-bt/internal/link"
	"github.com/jonamat/daly-bms-bt/internal/protocol"
)

// maxDrainReads bounds how long leftover bytes are discarded before a request.
const maxDrainReads = 64

type Options struct {
	Baud int
	// ReadTimeout is the per-read timeout of the port.
	ReadTimeout time.Duration
	// ResponseTimeout bounds the wait for all frames of one request.
	ResponseTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Baud:            9600,
		ReadTimeout:     100 * time.Millisecond,
		ResponseTimeout: 2 * time.Second,
	}
}

// Session is an open serial port. It implements link.Session.
type Session struct {
	Path string

	port io.ReadWriteCloser
	opts Options
	log  *slog.Logger

	busy      atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ link.Session = (*Session)(nil)

// Open opens the serial port at path, eg "/dev/ttyUSB0", 8N1.
func Open(ctx context.Context, path string, opts Options, logger *slog.Logger) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	portConfig := &tarm.Config{
		Name:        path,
		Baud:        opts.Baud,
		ReadTimeout: opts.ReadTimeout,
		Size:        8,
		Parity:      tarm.ParityNone,
		StopBits:    tarm.Stop1,
	}

	openedPort, err := tarm.OpenPort(portConfig)
	if err != nil {
		return nil, &link.ConnectError{Kind: link.DeviceUnreachable, Address: path, Err: fmt.Errorf("failed to open serial port: %w", err)}
	}
	s := NewSession(path, openedPort, opts, logger)
	s.log.Info("[SERIAL] port open", "path", path, "baud", opts.Baud)
	return s, nil
}

// NewSession wraps an already open port.
func NewSession(path string, port io.ReadWriteCloser, opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{Path: path, port: port, opts: opts, log: logger}
}

// Dialer returns a link.Dialer opening the port at path.
func Dialer(path string, opts Options, logger *slog.Logger) link.Dialer {
	return link.DialerFunc(func(ctx context.Context) (link.Session, error) {
		return Open(ctx, path, opts, logger)
	})
}

// Request writes req and reads until n frames answering its command arrive.
func (s *Session) Request(ctx context.Context, req protocol.Frame, n int) ([][]byte, error) {
	if s.closed.Load() {
		return nil, &link.TransportError{Kind: link.Disconnected, Command: req.Command, Err: link.ErrSessionClosed}
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("serial: request %s: %w", req.Command, link.ErrSessionBusy)
	}
	defer s.busy.Store(false)
	if n < 1 {
		n = 1
	}

	s.drainReadBuffer()

	requestFrame := req.Bytes()
	bytesWritten, err := s.port.Write(requestFrame)
	if err != nil {
		return nil, &link.TransportError{Kind: link.Disconnected, Command: req.Command, Err: err}
	}
	if bytesWritten != len(requestFrame) {
		return nil, &link.TransportError{Kind: link.Disconnected, Command: req.Command,
			Err: fmt.Errorf("short write %d of %d bytes", bytesWritten, len(requestFrame))}
	}

	deadline := time.Now().Add(s.opts.ResponseTimeout)
	readBuffer := make([]byte, 256)
	var pending []byte
	frames := make([][]byte, 0, n)
	for len(frames) < n {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("serial: request %s: %w", req.Command, err)
		}
		if time.Now().After(deadline) {
			return nil, &link.TransportError{Kind: link.Timeout, Command: req.Command,
				Err: fmt.Errorf("got %d of %d frames", len(frames), n)}
		}

		bytesRead, readErr := s.port.Read(readBuffer)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, &link.TransportError{Kind: link.Disconnected, Command: req.Command, Err: readErr}
		}
		if bytesRead == 0 {
			continue
		}

		var chunks [][]byte
		chunks, pending = protocol.SplitFrames(append(pending, readBuffer[:bytesRead]...))
		for _, c := range chunks {
			if protocol.Command(c[2]) != req.Command {
				s.log.Debug("[SERIAL] ignoring frame for other command", "cmd", protocol.Command(c[2]))
				continue
			}
			if len(frames) < n {
				frames = append(frames, c)
			}
		}
	}
	return frames, nil
}

// drainReadBuffer reads any leftover data so it doesn't mix with new responses.
func (s *Session) drainReadBuffer() {
	leftoverBuffer := make([]byte, 256)
	for i := 0; i < maxDrainReads; i++ {
		bytesRead, readErr := s.port.Read(leftoverBuffer)
		if readErr != nil || bytesRead == 0 {
			return
		}
		s.log.Debug("[SERIAL] drained leftover bytes", "bytes", bytesRead)
	}
}

// Close closes the port. Only the first call has any effect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.port.Close()
		if s.closeErr != nil {
			s.log.Warn("[SERIAL] close failed", "path", s.Path, "error", s.closeErr)
		}
	})
	return s.closeErr
}
