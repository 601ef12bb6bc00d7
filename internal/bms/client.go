// Package bms is the Daly BMS client: typed queries and commands issued over
// one open link session.
package bms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonamat/daly-bms-bt/internal/link"
	"github.com/jonamat/daly-bms-bt/internal/protocol"
)

type Options struct {
	// Address is the host address put in every request.
	Address protocol.Address
	// RequestRetries is the number of attempts per query.
	RequestRetries int
	// RetryDelay is waited between attempts.
	RetryDelay time.Duration
}

func DefaultOptions() Options {
	return Options{
		Address:        protocol.AddressBluetooth,
		RequestRetries: 3,
		RetryDelay:     200 * time.Millisecond,
	}
}

// Client issues requests on a session. It is not safe for concurrent use.
type Client struct {
	session link.Session
	opts    Options
	log     *slog.Logger

	latestStatus *protocol.Status // cached from GetStatus()
}

func New(session link.Session, opts Options, logger *slog.Logger) *Client {
	if opts.RequestRetries < 1 {
		opts.RequestRetries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{session: session, opts: opts, log: logger}
}

// Session returns the session the client talks over.
func (c *Client) Session() link.Session { return c.session }

// retryable reports whether another attempt on the same session makes sense.
func retryable(err error) bool {
	return errors.Is(err, link.ErrTimeout) || errors.Is(err, protocol.ErrMalformed)
}

// query sends cmd, decodes the n reply frames and hands them to handle.
// Timeouts and malformed replies are retried; a lost link or a cancelled
// context is returned at once.
func (c *Client) query(ctx context.Context, cmd protocol.Command, payload []byte, n int, handle func([]protocol.Fragment) error) error {
	req, err := protocol.Encode(c.opts.Address, cmd, payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.RequestRetries; attempt++ {
		lastErr = c.exchange(ctx, req, n, handle)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == c.opts.RequestRetries {
			break
		}
		c.log.Warn("[BMS] request failed, retrying", "cmd", cmd, "attempt", attempt, "error", lastErr)
		if err := sleep(ctx, c.opts.RetryDelay); err != nil {
			return err
		}
	}
	if !retryable(lastErr) {
		return lastErr
	}
	return fmt.Errorf("command %s failed after %d tries: %w", cmd, c.opts.RequestRetries, lastErr)
}

func (c *Client) exchange(ctx context.Context, req protocol.Frame, n int, handle func([]protocol.Fragment) error) error {
	frames, err := c.session.Request(ctx, req, n)
	if err != nil {
		return err
	}
	fragments := make([]protocol.Fragment, 0, len(frames))
	for _, raw := range frames {
		frag, err := protocol.DecodeResponse(raw)
		if err != nil {
			c.log.Debug("[BMS] bad frame", "cmd", req.Command, "frame", fmt.Sprintf("%x", raw), "error", err)
			return err
		}
		fragments = append(fragments, frag)
	}
	return handle(fragments)
}

// single runs a one-frame query and type-asserts the reply.
func single[T protocol.Fragment](ctx context.Context, c *Client, cmd protocol.Command) (*T, error) {
	var out T
	err := c.query(ctx, cmd, nil, 1, func(frags []protocol.Fragment) error {
		v, ok := frags[0].(T)
		if !ok {
			return &protocol.DecodeError{Kind: protocol.Malformed, Command: cmd, Reason: fmt.Sprintf("unexpected fragment %T", frags[0])}
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
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
