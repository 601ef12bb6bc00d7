// Package store persists readings through gorm, on SQLite or PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/jonamat/daly-bms-bt/internal/bms"
	"github.com/jonamat/daly-bms-bt/internal/protocol"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Error wraps every failure of the store.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

type Options struct {
	Driver string
	DSN    string
	// Device tags every row, so one database can hold several packs.
	Device string
}

type Store struct {
	ORM  *gorm.DB
	opts Options
	log  *slog.Logger
}

func dialector(o Options) (gorm.Dialector, error) {
	switch o.Driver {
	case "", DriverSQLite:
		// pure Go driver registered by modernc.org/sqlite
		return &sqlite.Dialector{DriverName: "sqlite", DSN: o.DSN}, nil
	case DriverPostgres:
		return postgres.Open(o.DSN), nil
	}
	return nil, fmt.Errorf("unknown driver %q", o.Driver)
}

// slogWriter feeds gorm's logger into slog.
type slogWriter struct {
	log *slog.Logger
}

func (w slogWriter) Printf(format string, args ...interface{}) {
	w.log.Warn("[STORE] " + fmt.Sprintf(format, args...))
}

func gormLogger(log *slog.Logger) logger.Interface {
	return logger.New(slogWriter{log: log}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// Open connects and migrates the schema.
func Open(ctx context.Context, opts Options, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	d, err := dialector(opts)
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	db, err := gorm.Open(d, &gorm.Config{
		Logger: gormLogger(log),
	})
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	s := &Store{ORM: db, opts: opts, log: log}

	if d.Name() == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, &Error{Op: "open", Err: err}
		}
		// one writer at a time
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.WithContext(ctx).AutoMigrate(&ReadingRecord{}, &CellRecord{}); err != nil {
		_ = s.Close()
		return nil, &Error{Op: "migrate", Err: err}
	}
	log.Info("[STORE] database ready", "driver", d.Name())
	return s, nil
}

// Store writes the reading and its cells in one transaction.
func (s *Store) Store(ctx context.Context, r bms.Reading) error {
	cells := r.CellVoltages()
	if r.Timestamp().IsZero() || len(cells) == 0 {
		return &Error{Op: "insert", Err: errors.New("empty reading")}
	}
	rec := ReadingRecord{
		CreateDate:   r.Timestamp(),
		Device:       s.opts.Device,
		TotalVoltage: r.PackVoltage(),
		Current:      r.Current(),
		SOCPercent:   r.SOCPercent(),
	}
	err := s.ORM.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		rows := make([]CellRecord, len(cells))
		for i, v := range cells {
			rows[i] = CellRecord{ReadingID: rec.ID, Cell: i + 1, Millivolts: int(math.Round(v * 1000))}
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return &Error{Op: "insert", Err: err}
	}
	s.log.Debug("[STORE] reading stored", "id", rec.ID, "cells", len(cells))
	return nil
}

// Latest returns up to n readings, newest first.
func (s *Store) Latest(ctx context.Context, n int) ([]bms.Reading, error) {
	var recs []ReadingRecord
	q := s.ORM.WithContext(ctx).
		Preload("Cells", func(db *gorm.DB) *gorm.DB { return db.Order("cell") }).
		Order("create_date DESC, id DESC")
	if s.opts.Device != "" {
		q = q.Where("device = ?", s.opts.Device)
	}
	if n > 0 {
		q = q.Limit(n)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, &Error{Op: "query", Err: err}
	}

	out := make([]bms.Reading, 0, len(recs))
	for _, rec := range recs {
		cells := make([]float64, len(rec.Cells))
		for i, c := range rec.Cells {
			cells[i] = float64(c.Millivolts) / 1000.0
		}
		soc := protocol.SOC{PackVoltage: rec.TotalVoltage, Current: rec.Current, Percent: rec.SOCPercent}
		r, err := bms.NewReading(soc, cells, rec.CreateDate)
		if err != nil {
			return nil, &Error{Op: "query", Err: fmt.Errorf("row %d: %w", rec.ID, err)}
		}
		out = append(out, r)
	}
	return out, nil
}

// Close closes the underlying SQL DB associated with the gorm connection.
func (s *Store) Close() error {
	sqlDB, err := s.ORM.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Discard drops every reading. It backs --no-db.
var Discard discard

type discard struct{}

func (discard) Store(context.Context, bms.Reading) error { return nil }
