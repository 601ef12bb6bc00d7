package bms

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonamat/daly-bms-bt/internal/link"
)

// Connect dials a session and wraps it in a Client. Eg
// bms.Connect(ctx, ble.NewTransport(...).Dialer(mac, "hci0"), opts, logger)
func Connect(ctx context.Context, dialer link.Dialer, opts Options, logger *slog.Logger) (*Client, error) {
	session, err := dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open bms session: %w", err)
	}
	return New(session, opts, logger), nil
}

// Disconnect closes the session. The cached status is dropped so a new
// session re-reads the pack layout.
func (c *Client) Disconnect() error {
	c.latestStatus = nil
	if c.session == nil {
		return nil
	}
	return c.session.Close()
}
