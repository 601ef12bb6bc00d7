package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jonamat/daly-bms-bt/internal/link"
	"github.com/jonamat/daly-bms-bt/internal/protocol"
)

// notificationBuffer bounds the notifications queued between the adapter
// callback and a waiting request.
const notificationBuffer = 64

// Options configures connection and request timing.
type Options struct {
	// ConnectTimeout bounds adapter claim, connect and discovery.
	ConnectTimeout time.Duration
	// ResponseTimeout bounds the wait for all frames of one request.
	ResponseTimeout time.Duration
	// SettleDelay is waited after subscribing, before the first request.
	SettleDelay time.Duration
}

// DefaultOptions returns the timings used against real hardware.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:  30 * time.Second,
		ResponseTimeout: 15 * time.Second,
		SettleDelay:     1 * time.Second,
	}
}

// Transport owns the host adapters and every session opened on them. At
// most one session is open per adapter at a time.
type Transport struct {
	newAdapter func(id string) Adapter
	opts       Options
	log        *slog.Logger

	mu    sync.Mutex
	slots map[string]*adapterSlot
}

type adapterSlot struct {
	adapter Adapter
	// claim holds a token while a session or scan owns the adapter.
	claim chan struct{}
	// enabled is only touched while holding claim.
	enabled bool
}

// NewTransport creates a transport. newAdapter is called once per adapter id.
func NewTransport(newAdapter func(id string) Adapter, opts Options, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		newAdapter: newAdapter,
		opts:       opts,
		log:        logger,
		slots:      make(map[string]*adapterSlot),
	}
}

func (t *Transport) slot(id string) *adapterSlot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[id]
	if !ok {
		s = &adapterSlot{adapter: t.newAdapter(id), claim: make(chan struct{}, 1)}
		t.slots[id] = s
	}
	return s
}

// acquire claims the adapter and enables it on first use.
func (t *Transport) acquire(ctx context.Context, slot *adapterSlot, adapterID, address string) error {
	select {
	case slot.claim <- struct{}{}:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &link.ConnectError{Kind: link.AdapterUnavailable, Address: address,
				Err: fmt.Errorf("adapter %s busy", adapterID)}
		}
		return ctx.Err()
	}
	if slot.enabled {
		return nil
	}
	if err := slot.adapter.Enable(); err != nil {
		<-slot.claim
		return &link.ConnectError{Kind: link.AdapterUnavailable, Address: address, Err: err}
	}
	slot.enabled = true
	return nil
}

// Session is an open connection to one BMS. It implements link.Session.
type Session struct {
	ID        string
	Address   string
	AdapterID string

	t     *Transport
	slot  *adapterSlot
	conn  Connection
	write Characteristic

	notes    chan []byte
	lost     chan struct{}
	lostOnce sync.Once

	busy      atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ link.Session = (*Session)(nil)

// Request implements link.Session.
func (s *Session) Request(ctx context.Context, req protocol.Frame, n int) ([][]byte, error) {
	return s.t.Request(ctx, s, req, n)
}

// Close implements link.Session.
func (s *Session) Close() error {
	s.t.CloseSession(s)
	return nil
}

// Lost is closed when the peripheral drops the connection.
func (s *Session) Lost() <-chan struct{} { return s.lost }

func (s *Session) markLost() {
	s.lostOnce.Do(func() { close(s.lost) })
}

// onNotification runs on the adapter's callback goroutine; it only copies.
func (s *Session) onNotification(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case s.notes <- buf:
	default:
		s.t.log.Warn("[BLE] notification dropped, queue full", "session", s.ID, "bytes", len(buf))
	}
}

func (s *Session) drain() int {
	n := 0
	for {
		select {
		case <-s.notes:
			n++
		default:
			return n
		}
	}
}

// Dialer returns a link.Dialer opening sessions to address on adapterID.
func (t *Transport) Dialer(address, adapterID string) link.Dialer {
	return link.DialerFunc(func(ctx context.Context) (link.Session, error) {
		return t.OpenSession(ctx, address, adapterID)
	})
}

// OpenSession connects to the BMS at address, discovers the Daly
// characteristics and subscribes to notifications.
func (t *Transport) OpenSession(ctx context.Context, address, adapterID string) (*Session, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	slot := t.slot(adapterID)
	if err := t.acquire(ctx, slot, adapterID, address); err != nil {
		return nil, err
	}

	s, err := t.connect(ctx, slot, address, adapterID)
	if err != nil {
		<-slot.claim
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		return nil, err
	}
	return s, nil
}

func (t *Transport) connect(ctx context.Context, slot *adapterSlot, address, adapterID string) (*Session, error) {
	unreachable := func(err error) error {
		return &link.ConnectError{Kind: link.DeviceUnreachable, Address: address, Err: err}
	}

	conn, err := slot.adapter.Connect(ctx, address)
	if err != nil {
		return nil, unreachable(err)
	}

	s := &Session{
		ID:        uuid.NewString(),
		Address:   address,
		AdapterID: adapterID,
		t:         t,
		slot:      slot,
		conn:      conn,
		notes:     make(chan []byte, notificationBuffer),
		lost:      make(chan struct{}),
	}
	conn.OnDisconnect(func() {
		if !s.closed.Load() {
			t.log.Warn("[BLE] peripheral disconnected", "session", s.ID, "address", address)
		}
		s.markLost()
	})

	fail := func(err error) (*Session, error) {
		if derr := conn.Disconnect(); derr != nil {
			t.log.Debug("[BLE] disconnect after failed setup", "address", address, "error", derr)
		}
		return nil, unreachable(err)
	}

	write, err := conn.DiscoverCharacteristic(ServiceUUID, WriteCharUUID)
	if err != nil {
		return fail(err)
	}
	notify, err := conn.DiscoverCharacteristic(ServiceUUID, NotifyCharUUID)
	if err != nil {
		return fail(err)
	}
	if err := notify.Subscribe(s.onNotification); err != nil {
		return fail(fmt.Errorf("ble: subscribe: %w", err))
	}
	s.write = write

	if t.opts.SettleDelay > 0 {
		timer := time.NewTimer(t.opts.SettleDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return fail(ctx.Err())
		}
	}

	t.log.Info("[BLE] session open", "session", s.ID, "address", address, "adapter", adapterID)
	return s, nil
}

// Request writes req and waits for n frames answering its command.
// Notifications may split or coalesce frames; both are reassembled.
func (t *Transport) Request(ctx context.Context, s *Session, req protocol.Frame, n int) ([][]byte, error) {
	if s.closed.Load() {
		return nil, &link.TransportError{Kind: link.Disconnected, Command: req.Command, Err: link.ErrSessionClosed}
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("ble: request %s: %w", req.Command, link.ErrSessionBusy)
	}
	defer s.busy.Store(false)
	if n < 1 {
		n = 1
	}

	if stale := s.drain(); stale > 0 {
		t.log.Debug("[BLE] dropped stale notifications", "session", s.ID, "count", stale)
	}
	select {
	case <-s.lost:
		return nil, &link.TransportError{Kind: link.Disconnected, Command: req.Command}
	default:
	}

	t.log.Debug("[BLE] request", "session", s.ID, "cmd", req.Command, "frames", n)
	if err := s.write.Write(req.Bytes()); err != nil {
		return nil, &link.TransportError{Kind: link.Disconnected, Command: req.Command, Err: err}
	}

	timer := time.NewTimer(t.opts.ResponseTimeout)
	defer timer.Stop()

	var pending []byte
	frames := make([][]byte, 0, n)
	for len(frames) < n {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("ble: request %s: %w", req.Command, ctx.Err())
		case <-s.lost:
			return nil, &link.TransportError{Kind: link.Disconnected, Command: req.Command}
		case <-timer.C:
			return nil, &link.TransportError{Kind: link.Timeout, Command: req.Command,
				Err: fmt.Errorf("got %d of %d frames in %s", len(frames), n, t.opts.ResponseTimeout)}
		case note := <-s.notes:
			var chunks [][]byte
			chunks, pending = protocol.SplitFrames(append(pending, note...))
			for _, c := range chunks {
				if protocol.Command(c[2]) != req.Command {
					t.log.Debug("[BLE] ignoring frame for other command", "session", s.ID, "cmd", protocol.Command(c[2]))
					continue
				}
				if len(frames) < n {
					frames = append(frames, c)
				}
			}
		}
	}
	return frames, nil
}

// CloseSession disconnects and releases the adapter. Only the first call has
// any effect; disconnect failures are logged and swallowed.
func (t *Transport) CloseSession(s *Session) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if err := s.conn.Disconnect(); err != nil {
			t.log.Warn("[BLE] disconnect failed", "session", s.ID, "address", s.Address, "error", err)
		}
		<-s.slot.claim
		t.log.Info("[BLE] session closed", "session", s.ID, "address", s.Address)
	})
}

// Scan lists advertising peripherals seen on adapterID within timeout,
// strongest signal first.
func (t *Transport) Scan(ctx context.Context, adapterID string, timeout time.Duration) ([]Device, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+t.opts.ConnectTimeout)
	defer cancel()

	slot := t.slot(adapterID)
	if err := t.acquire(ctx, slot, adapterID, ""); err != nil {
		return nil, err
	}
	defer func() { <-slot.claim }()

	scanCtx, stop := context.WithTimeout(ctx, timeout)
	defer stop()
	devices, err := slot.adapter.Scan(scanCtx, "")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })
	return devices, nil
}
