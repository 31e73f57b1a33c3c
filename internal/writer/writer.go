package writer

import (
	"context"
	"database/sql"
	"net"
	"strconv"

	"feedstore/internal/config"
	"feedstore/internal/model"

	"github.com/charmbracelet/log"
	"github.com/go-sql-driver/mysql"
)

const driverName = "mysql"

type (
	// Writer inserts samples into the readings table. Every call opens its
	// own connection and closes it before returning.
	Writer struct {
		driver string
		dsn    string
		query  string
		logger *log.Logger
	}

	// StoreError is returned when a sample could not be committed. No row
	// was written.
	StoreError struct {
		Op  string
		Err error
	}
)

func (e *StoreError) Error() string {
	return "store " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func New(cfg config.DatabaseConfig, logger *log.Logger) Writer {
	return NewWithDriver(driverName, DSN(cfg), cfg.Table, logger)
}

// NewWithDriver is New for an arbitrary database/sql driver and DSN.
func NewWithDriver(driver, dsn, table string, logger *log.Logger) Writer {
	return Writer{
		driver: driver,
		dsn:    dsn,
		query:  "INSERT INTO " + table + " (temperature, humidity) VALUES (?, ?)",
		logger: logger,
	}
}

// DSN builds a go-sql-driver/mysql data source name from the database config.
func DSN(cfg config.DatabaseConfig) string {
	c := mysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	c.DBName = cfg.Name
	c.Timeout = cfg.Timeout.Duration()
	c.ReadTimeout = cfg.Timeout.Duration()
	c.WriteTimeout = cfg.Timeout.Duration()
	return c.FormatDSN()
}

func (wr Writer) Store(ctx context.Context, sample model.Sample) error {
	db, err := sql.Open(wr.driver, wr.dsn)
	if err != nil {
		return &StoreError{Op: "open", Err: err}
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	wr.logger.Debug("Begin insert", "temperature", sample.Temperature, "humidity", sample.Humidity)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "connect", Err: err}
	}

	_, err = tx.ExecContext(ctx, wr.query, sample.Temperature, sample.Humidity)
	if err != nil {
		_ = tx.Rollback()
		return &StoreError{Op: "insert", Err: err}
	}

	err = tx.Commit()
	if err != nil {
		return &StoreError{Op: "commit", Err: err}
	}

	return nil
}
