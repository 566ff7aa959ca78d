package pgx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridl/plproxy/core/cluster"
)

var ErrNoHashQuery = errors.New("call has no hash query")

type LocalOptions struct {
	// DSN of the database the router runs beside.
	DSN      string
	MaxConns int32
	Log      *slog.Logger
}

// LocalExecutor runs the hash step of calls on the local database and
// reports the settings shards are tuned to.
type LocalExecutor struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewLocalExecutor(ctx context.Context, opts LocalOptions) (*LocalExecutor, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &LocalExecutor{pool: pool, log: log.With(slog.String("component", "local"))}, nil
}

// DeriveKeys runs call.HashQuery with the call arguments and returns the
// first column of every row.
func (e *LocalExecutor) DeriveKeys(ctx context.Context, call *cluster.Call) ([]any, error) {
	q := call.HashQuery
	if q.IsZero() {
		return nil, ErrNoHashQuery
	}
	args := make([]any, q.ArgCount())
	for i, idx := range q.ArgLookup {
		if idx < 0 || idx >= len(call.Args) {
			return nil, fmt.Errorf("hash parameter $%d: argument %d out of range", i+1, idx)
		}
		args[i] = call.Args[idx]
	}

	rows, err := e.pool.Query(ctx, q.SQL, args...)
	if err != nil {
		return nil, fmt.Errorf("hash query: %w", err)
	}
	keys, err := pgxv5.CollectRows(rows, func(row pgxv5.CollectableRow) (any, error) {
		values, err := row.Values()
		if err != nil {
			return nil, err
		}
		if len(values) != 1 {
			return nil, fmt.Errorf("hash query returned %d columns", len(values))
		}
		return values[0], nil
	})
	if err != nil {
		return nil, fmt.Errorf("hash query: %w", err)
	}
	e.log.Debug("derived routing keys", slog.Int("count", len(keys)))
	return keys, nil
}

// Settings reads the server version and client encoding of a local session.
func (e *LocalExecutor) Settings(ctx context.Context) (cluster.LocalSettings, error) {
	var version, encoding string
	err := e.pool.QueryRow(ctx, "select current_setting('server_version'), current_setting('client_encoding')").
		Scan(&version, &encoding)
	if err != nil {
		return cluster.LocalSettings{}, fmt.Errorf("read local settings: %w", err)
	}
	return cluster.LocalSettings{
		ServerVersion: version,
		Params:        map[string]string{"client_encoding": encoding},
	}, nil
}

func (e *LocalExecutor) Close() { e.pool.Close() }

var _ cluster.KeyDeriver = (*LocalExecutor)(nil)
