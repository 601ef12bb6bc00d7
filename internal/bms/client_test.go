package bms

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonamat/daly-bms-bt/internal/link"
	"github.com/jonamat/daly-bms-bt/internal/protocol"
)

type reply struct {
	frames [][]byte
	err    error
}

// fakeSession plays back scripted replies per command. The last reply of a
// command is repeated once the script runs out.
type fakeSession struct {
	mu       sync.Mutex
	script   map[protocol.Command][]reply
	requests []protocol.Frame
	closes   int
}

var _ link.Session = (*fakeSession)(nil)

func newFakeSession() *fakeSession {
	return &fakeSession{script: map[protocol.Command][]reply{}}
}

func (s *fakeSession) on(cmd protocol.Command, replies ...reply) *fakeSession {
	s.script[cmd] = append(s.script[cmd], replies...)
	return s
}

func (s *fakeSession) Request(ctx context.Context, req protocol.Frame, n int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	queue := s.script[req.Command]
	if len(queue) == 0 {
		return nil, &link.TransportError{Kind: link.Timeout, Command: req.Command, Err: errors.New("no reply")}
	}
	r := queue[0]
	if len(queue) > 1 {
		s.script[req.Command] = queue[1:]
	}
	return r.frames, r.err
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSession) count(cmd protocol.Command) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Command == cmd {
			n++
		}
	}
	return n
}

func frame(cmd protocol.Command, payload ...byte) []byte {
	f, err := protocol.Encode(protocol.Address(protocol.ResponseAddress), cmd, payload)
	if err != nil {
		panic(err)
	}
	return f.Bytes()
}

func frames(f ...[]byte) reply { return reply{frames: f} }

func fails(kind link.TransportKind) reply {
	return reply{err: &link.TransportError{Kind: kind, Err: errors.New("scripted")}}
}

func corrupt(raw []byte) []byte {
	out := append([]byte(nil), raw...)
	out[len(out)-1] ^= 0xFF
	return out
}

func testClient(s link.Session) *Client {
	opts := DefaultOptions()
	opts.RetryDelay = time.Millisecond
	return New(s, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var (
	// 53.3 V, 2.5 A charging, 72.0 %
	socFrame = frame(protocol.CmdSOC, 0x02, 0x15, 0x00, 0x00, 0x75, 0x17, 0x02, 0xD0)
	// 4 cells, 1 sensor, 273 cycles
	statusFrame = frame(protocol.CmdStatus, 4, 1, 0, 0, 0x02, 0x01, 0x11, 0)
	cellFrame1  = frame(protocol.CmdCellVoltages, 1, 0x0C, 0xB7, 0x0C, 0xCF, 0x0C, 0xCF, 0)
	cellFrame2  = frame(protocol.CmdCellVoltages, 2, 0x0C, 0xBB, 0, 0, 0, 0, 0)
)

func TestQueryEncodesAddress(t *testing.T) {
	s := newFakeSession().on(protocol.CmdSOC, frames(socFrame))
	c := testClient(s)

	_, err := c.GetSOC(context.Background())
	require.NoError(t, err)
	require.Len(t, s.requests, 1)
	assert.Equal(t, "a58090080000000000000000bd", hex.EncodeToString(s.requests[0].Bytes()))
}

func TestQueryRetriesTimeoutAndMalformed(t *testing.T) {
	s := newFakeSession().on(protocol.CmdSOC,
		fails(link.Timeout),
		frames(corrupt(socFrame)),
		frames(socFrame),
	)
	c := testClient(s)

	soc, err := c.GetSOC(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 72.0, soc.Percent, 1e-9)
	assert.Equal(t, 3, s.count(protocol.CmdSOC))
}

func TestQueryGivesUpAfterRetries(t *testing.T) {
	s := newFakeSession().on(protocol.CmdSOC, fails(link.Timeout))
	c := testClient(s)

	_, err := c.GetSOC(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, link.ErrTimeout)
	assert.Contains(t, err.Error(), "failed after 3 tries")
	assert.Equal(t, 3, s.count(protocol.CmdSOC))
}

func TestQueryDoesNotRetryDisconnect(t *testing.T) {
	s := newFakeSession().on(protocol.CmdSOC, fails(link.Disconnected), frames(socFrame))
	c := testClient(s)

	_, err := c.GetSOC(context.Background())
	var terr *link.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, link.Disconnected, terr.Kind)
	assert.Equal(t, 1, s.count(protocol.CmdSOC))
}

func TestQueryUnknownCommandNotRetried(t *testing.T) {
	s := newFakeSession().on(protocol.CmdSOC, frames(frame(0x42)))
	c := testClient(s)

	_, err := c.GetSOC(context.Background())
	assert.ErrorIs(t, err, protocol.ErrUnknownCommand)
	assert.Equal(t, 1, s.count(protocol.CmdSOC))
}

func TestQueryCancelledDuringRetryDelay(t *testing.T) {
	s := newFakeSession().on(protocol.CmdSOC, fails(link.Timeout))
	opts := DefaultOptions()
	opts.RetryDelay = time.Hour
	c := New(s, opts, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetSOC(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, s.count(protocol.CmdSOC))
}

func TestConnectAndDisconnect(t *testing.T) {
	s := newFakeSession()
	dialer := link.DialerFunc(func(context.Context) (link.Session, error) { return s, nil })

	c, err := Connect(context.Background(), dialer, DefaultOptions(), nil)
	require.NoError(t, err)
	assert.Same(t, s, c.Session())
	require.NoError(t, c.Disconnect())
	assert.Equal(t, 1, s.closes)
}

func TestConnectFailure(t *testing.T) {
	dialer := link.DialerFunc(func(context.Context) (link.Session, error) {
		return nil, &link.ConnectError{Kind: link.DeviceUnreachable, Address: "AA:BB:CC:DD:EE:FF", Err: errors.New("no such device")}
	})

	_, err := Connect(context.Background(), dialer, DefaultOptions(), nil)
	assert.ErrorIs(t, err, link.ErrDeviceUnreachable)
}
