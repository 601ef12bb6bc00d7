// Package poller drives the read cycle: open a session, read SOC and cell
// voltages, hand the reading to a sink, and recover from link failures.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonamat/daly-bms-bt/internal/bms"
	"github.com/jonamat/daly-bms-bt/internal/link"
)

type State int32

const (
	Idle State = iota
	Connecting
	Polling
	Reconnecting
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Polling:
		return "polling"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config is fixed for the lifetime of a Poller.
type Config struct {
	// Interval between cycles. Zero means a single reading.
	Interval           time.Duration
	KeepConnectionOpen bool
	DeviceAddress      string
	AdapterID          string
}

func (c Config) singleShot() bool { return c.Interval <= 0 }

type Options struct {
	// ConnectAttempts bounds the dials per cycle in loop mode.
	ConnectAttempts int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	// StoreTimeout bounds one sink call.
	StoreTimeout time.Duration
	// RetryDelay and MaxSingleShotCycles apply to single-shot mode.
	RetryDelay          time.Duration
	MaxSingleShotCycles int
	// StaleAfter is the gap without a reading after which a warning is logged.
	StaleAfter time.Duration
	Client     bms.Options
	Now        func() time.Time
}

func DefaultOptions() Options {
	return Options{
		ConnectAttempts:     3,
		BackoffBase:         2 * time.Second,
		BackoffMax:          30 * time.Second,
		StoreTimeout:        10 * time.Second,
		RetryDelay:          time.Second,
		MaxSingleShotCycles: 5,
		StaleAfter:          30 * time.Second,
		Client:              bms.DefaultOptions(),
		Now:                 time.Now,
	}
}

// Sink receives each reading once.
type Sink interface {
	Store(ctx context.Context, r bms.Reading) error
}

type Poller struct {
	dialer link.Dialer
	sink   Sink
	cfg    Config
	opts   Options
	log    *slog.Logger

	state atomic.Int32

	client        *bms.Client
	connectedOnce bool
	lastReading   time.Time
}

func New(dialer link.Dialer, sink Sink, cfg Config, opts Options, logger *slog.Logger) *Poller {
	if opts.ConnectAttempts < 1 {
		opts.ConnectAttempts = 1
	}
	if opts.MaxSingleShotCycles < 1 {
		opts.MaxSingleShotCycles = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{dialer: dialer, sink: sink, cfg: cfg, opts: opts, log: logger}
}

// State is safe to call from any goroutine.
func (p *Poller) State() State { return State(p.state.Load()) }

func (p *Poller) setState(s State) {
	if old := State(p.state.Swap(int32(s))); old != s {
		p.log.Debug("[POLL] state change", "from", old, "to", s)
	}
}

// backoffDelay returns the delay before reconnect attempt n (0-based),
// doubling from base and capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// fatal reports whether err must end Run instead of waiting for the next cycle.
func (p *Poller) fatal(err error) bool {
	var cerr *link.ConnectError
	if !errors.As(err, &cerr) {
		return false
	}
	if p.cfg.singleShot() {
		return true
	}
	return cerr.Kind == link.AdapterUnavailable && !p.connectedOnce
}

func (p *Poller) connect(ctx context.Context) error {
	attempts := p.opts.ConnectAttempts
	if p.cfg.singleShot() {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			p.setState(Reconnecting)
			delay := backoffDelay(attempt-1, p.opts.BackoffBase, p.opts.BackoffMax)
			p.log.Info("[POLL] reconnect backoff", "attempt", attempt+1, "delay", delay)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}

		p.setState(Connecting)
		session, err := p.dialer.Dial(ctx)
		if err == nil {
			p.client = bms.New(session, p.opts.Client, p.log)
			p.connectedOnce = true
			p.log.Info("[POLL] connected", "device", p.cfg.DeviceAddress, "adapter", p.cfg.AdapterID)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err
		p.log.Warn("[POLL] connect failed", "device", p.cfg.DeviceAddress, "attempt", attempt+1, "error", err)
		if p.fatal(err) {
			return err
		}
	}
	return fmt.Errorf("connect to %s failed after %d attempts: %w", p.cfg.DeviceAddress, attempts, lastErr)
}

// PollOnce runs one cycle. Sink failures are logged and do not fail the
// cycle. A transport failure drops the session so the next cycle reconnects.
func (p *Poller) PollOnce(ctx context.Context) (bms.Reading, error) {
	if p.client == nil {
		if err := p.connect(ctx); err != nil {
			if ctx.Err() == nil {
				p.setState(Reconnecting)
			}
			p.checkStale()
			return bms.Reading{}, err
		}
	}

	p.setState(Polling)
	p.log.Debug("[POLL] cycle start", "device", p.cfg.DeviceAddress)
	reading, err := p.client.ReadSample(ctx, p.opts.Now)
	if err != nil {
		var terr *link.TransportError
		switch {
		case ctx.Err() != nil:
			p.closeSession()
			return bms.Reading{}, ctx.Err()
		case errors.As(err, &terr):
			p.log.Warn("[POLL] link lost", "device", p.cfg.DeviceAddress, "error", err)
			p.closeSession()
			p.setState(Reconnecting)
		default:
			p.log.Warn("[POLL] decode failed", "device", p.cfg.DeviceAddress, "error", err)
			p.finishCycle()
		}
		p.checkStale()
		return bms.Reading{}, err
	}

	p.lastReading = reading.Timestamp()
	p.log.Info("[POLL] reading", "soc", reading.SOCPercent(), "pack_voltage", reading.PackVoltage(),
		"current", reading.Current(), "cells", reading.CellVoltages())
	p.deliver(ctx, reading)
	p.finishCycle()
	return reading, nil
}

func (p *Poller) deliver(ctx context.Context, reading bms.Reading) {
	if p.sink == nil {
		return
	}
	storeCtx := ctx
	if p.opts.StoreTimeout > 0 {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(ctx, p.opts.StoreTimeout)
		defer cancel()
	}
	if err := p.sink.Store(storeCtx, reading); err != nil {
		p.log.Error("[POLL] store failed", "error", err)
	}
}

func (p *Poller) finishCycle() {
	if !p.cfg.KeepConnectionOpen {
		p.closeSession()
	}
	p.setState(Idle)
}

func (p *Poller) checkStale() {
	if p.lastReading.IsZero() || p.opts.StaleAfter <= 0 {
		return
	}
	if gap := p.opts.Now().Sub(p.lastReading); gap > p.opts.StaleAfter {
		p.log.Warn("[POLL] no data received", "for", gap.Round(time.Second))
	}
}

func (p *Poller) closeSession() {
	if p.client == nil {
		return
	}
	if err := p.client.Disconnect(); err != nil {
		p.log.Warn("[POLL] close session failed", "error", err)
	}
	p.client = nil
}

// Run polls until ctx is cancelled, or once in single-shot mode. It returns
// nil on cancellation and closes any open session before returning.
func (p *Poller) Run(ctx context.Context) error {
	defer func() {
		p.closeSession()
		p.setState(Stopped)
	}()

	if p.cfg.singleShot() {
		return p.runOnce(ctx)
	}

	p.log.Info("[POLL] starting loop", "device", p.cfg.DeviceAddress, "interval", p.cfg.Interval, "keep", p.cfg.KeepConnectionOpen)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		_, err := p.PollOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if p.fatal(err) {
				return err
			}
			p.log.Warn("[POLL] cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) runOnce(ctx context.Context) error {
	for cycle := 1; ; cycle++ {
		_, err := p.PollOnce(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if p.fatal(err) {
			return err
		}
		if cycle >= p.opts.MaxSingleShotCycles {
			return fmt.Errorf("no reading after %d cycles: %w", cycle, err)
		}
		p.log.Warn("[POLL] read failed, retrying", "cycle", cycle, "error", err)
		if err := sleep(ctx, p.opts.RetryDelay); err != nil {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
