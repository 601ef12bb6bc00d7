package store

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonamat/daly-bms-bt/internal/bms"
	"github.com/jonamat/daly-bms-bt/internal/protocol"
)

func openTestStore(t *testing.T, device string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bms.db")
	s, err := Open(context.Background(), Options{Driver: DriverSQLite, DSN: path, Device: device},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func reading(t *testing.T, soc float64, at time.Time) bms.Reading {
	t.Helper()
	r, err := bms.NewReading(protocol.SOC{PackVoltage: 13.1, Current: -2.5, Percent: soc},
		[]float64{3.255, 3.279, 3.279, 3.259}, at)
	require.NoError(t, err)
	return r
}

func TestStoreAndLatest(t *testing.T) {
	s := openTestStore(t, "17:71:06:02:09:D1")
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, reading(t, 64.1, base)))
	require.NoError(t, s.Store(ctx, reading(t, 64.0, base.Add(time.Minute))))
	require.NoError(t, s.Store(ctx, reading(t, 63.9, base.Add(2*time.Minute))))

	got, err := s.Latest(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 63.9, got[0].SOCPercent(), 1e-9)
	assert.InDelta(t, 64.0, got[1].SOCPercent(), 1e-9)
	assert.True(t, got[0].Timestamp().Equal(base.Add(2*time.Minute)))
	assert.InDelta(t, 13.1, got[0].PackVoltage(), 1e-9)
	assert.InDelta(t, -2.5, got[0].Current(), 1e-9)
	assert.InDeltaSlice(t, []float64{3.255, 3.279, 3.279, 3.259}, got[0].CellVoltages(), 1e-9)
}

func TestStoreWritesOneRowPerCell(t *testing.T) {
	s := openTestStore(t, "")
	require.NoError(t, s.Store(context.Background(), reading(t, 72, time.Now())))

	var readings, cells int64
	require.NoError(t, s.ORM.Model(&ReadingRecord{}).Count(&readings).Error)
	require.NoError(t, s.ORM.Model(&CellRecord{}).Count(&cells).Error)
	assert.Equal(t, int64(1), readings)
	assert.Equal(t, int64(4), cells)

	var first CellRecord
	require.NoError(t, s.ORM.Order("cell").First(&first).Error)
	assert.Equal(t, 1, first.Cell)
	assert.Equal(t, 3255, first.Millivolts)
}

func TestLatestFiltersByDevice(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.db")
	ctx := context.Background()

	a, err := Open(ctx, Options{DSN: path, Device: "AA:AA:AA:AA:AA:AA"}, nil)
	require.NoError(t, err)
	require.NoError(t, a.Store(ctx, reading(t, 50, time.Now())))
	require.NoError(t, a.Close())

	b, err := Open(ctx, Options{DSN: path, Device: "BB:BB:BB:BB:BB:BB"}, nil)
	require.NoError(t, err)
	defer b.Close()

	got, err := b.Latest(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStoreRejectsEmptyReading(t *testing.T) {
	s := openTestStore(t, "")

	err := s.Store(context.Background(), bms.Reading{})
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "insert", serr.Op)
}

func TestStoreCancelledContext(t *testing.T) {
	s := openTestStore(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Store(ctx, reading(t, 72, time.Now()))
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDialector(t *testing.T) {
	d, err := dialector(Options{Driver: DriverPostgres, DSN: "host=localhost port=5432 dbname=power_monitor"})
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	d, err = dialector(Options{DSN: "bms.db"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name())

	_, err = dialector(Options{Driver: "mysql"})
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	assert.NoError(t, Discard.Store(context.Background(), bms.Reading{}))
}

func TestSQLErrorsGoToLogger(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "bms.db")
	s, err := Open(context.Background(), Options{Driver: DriverSQLite, DSN: path},
		slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.Error(t, s.ORM.Exec("SELECT * FROM missing_table").Error)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "[STORE]")
	assert.Contains(t, buf.String(), "missing_table")
}

func TestSQLLogsFollowLevel(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "bms.db")
	s, err := Open(context.Background(), Options{Driver: DriverSQLite, DSN: path},
		slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError})))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.Error(t, s.ORM.Exec("SELECT * FROM missing_table").Error)
	assert.Empty(t, buf.String())
}
