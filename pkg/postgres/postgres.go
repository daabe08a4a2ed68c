package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type Config struct {
	DSN          string        `envconfig:"DSN" required:"true"`
	DialTimeout  time.Duration `split_words:"true" default:"5s"`
	ReadTimeout  time.Duration `split_words:"true" default:"10s"`
	WriteTimeout time.Duration `split_words:"true" default:"10s"`
	MaxOpenConns int           `split_words:"true" default:"10"`
}

func (c *Config) New(ctx context.Context) (*bun.DB, error) {
	dsn := strings.TrimSpace(c.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	connector := pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithDialTimeout(c.DialTimeout),
		pgdriver.WithReadTimeout(c.ReadTimeout),
		pgdriver.WithWriteTimeout(c.WriteTimeout),
	)
	sqldb := sql.OpenDB(connector)
	if c.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(c.MaxOpenConns)
		sqldb.SetMaxIdleConns(c.MaxOpenConns)
	}

	db := bun.NewDB(sqldb, pgdialect.New())
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
