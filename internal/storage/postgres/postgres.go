// Package postgres persists the aid catalogue and its audit trail in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Tables names the tables the stores write to. Empty names use the defaults.
type Tables struct {
	Resources   string
	CrawlAudit  string
	ScrapeAudit string
	EmbedAudit  string
}

// DefaultTables returns the standard table names.
func DefaultTables() Tables {
	return Tables{
		Resources:   "resources",
		CrawlAudit:  "crawl_audit",
		ScrapeAudit: "scrape_audit",
		EmbedAudit:  "embed_audit",
	}
}

func (t Tables) withDefaults() (Tables, error) {
	def := DefaultTables()
	fill := func(v *string, d string) error {
		if *v == "" {
			*v = d
		}
		if !validTableName.MatchString(*v) {
			return fmt.Errorf("invalid table name %q", *v)
		}
		return nil
	}
	for _, pair := range []struct {
		v *string
		d string
	}{
		{&t.Resources, def.Resources},
		{&t.CrawlAudit, def.CrawlAudit},
		{&t.ScrapeAudit, def.ScrapeAudit},
		{&t.EmbedAudit, def.EmbedAudit},
	} {
		if err := fill(pair.v, pair.d); err != nil {
			return Tables{}, err
		}
	}
	return t, nil
}

// Conn is the subset of pgxpool.Pool the stores use. pgxmock pools satisfy it.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// NewPool opens a pgx pool using cfg.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
