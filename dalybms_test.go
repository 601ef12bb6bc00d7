package dalybms

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonamat/daly-bms-bt/internal/link"
	"github.com/jonamat/daly-bms-bt/internal/protocol"
)

type socSession struct{}

func (socSession) Request(_ context.Context, req protocol.Frame, _ int) ([][]byte, error) {
	f, err := protocol.Encode(protocol.Address(protocol.ResponseAddress), req.Command, []byte{0x02, 0x15, 0x00, 0x00, 0x75, 0x17, 0x02, 0xD0})
	if err != nil {
		return nil, err
	}
	return [][]byte{f.Bytes()}, nil
}

func (socSession) Close() error { return nil }

func TestConnect(t *testing.T) {
	dialer := link.DialerFunc(func(context.Context) (link.Session, error) { return socSession{}, nil })

	client, err := Connect(context.Background(), dialer, DefaultOptions(), nil)
	require.NoError(t, err)
	defer client.Disconnect()

	var soc *SOCData
	soc, err = client.GetSOC(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 72.0, soc.Percent, 1e-9)
	assert.InDelta(t, 53.3, soc.PackVoltage, 1e-9)
}

func TestConnectSerialMissingDevice(t *testing.T) {
	_, err := ConnectSerial(context.Background(), filepath.Join(t.TempDir(), "ttyUSB9"), nil)
	assert.ErrorIs(t, err, ErrDeviceUnreachable)
}
