package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"chatlog/cmd/internal/archive"
)

// migrator is implemented by the SQL-backed stores.
type migrator interface {
	Migrate(ctx context.Context) error
}

// openedStore pairs a Store with whatever must be released after it.
type openedStore struct {
	archive.Store
	kind string
	pool *pgxpool.Pool
}

// Close closes the store, then the pool it borrowed (PostgresStore does not own it).
func (s openedStore) Close() error {
	err := s.Store.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// openStore picks PostgreSQL when database.url is set, SQLite when database.sqlite_path is set,
// and the in-memory store otherwise.
func openStore(ctx context.Context, cfg DatabaseConfig, log Logger) (openedStore, error) {
	switch {
	case cfg.URL != "":
		pool, err := newDBPool(ctx, cfg)
		if err != nil {
			return openedStore{}, fmt.Errorf("open postgres: %w", err)
		}
		st, err := archive.NewPostgresStore(pool, archive.WithSchema(cfg.Schema))
		if err != nil {
			pool.Close()
			return openedStore{}, err
		}
		log.Info("db.enabled.postgres_store", "schema", cfg.Schema)
		return openedStore{Store: st, kind: "postgres", pool: pool}, nil

	case cfg.SQLitePath != "":
		st, err := archive.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return openedStore{}, err
		}
		log.Info("db.enabled.sqlite_store", "path", cfg.SQLitePath)
		return openedStore{Store: st, kind: "sqlite"}, nil

	default:
		log.Warn("db.disabled.inmemory_store", "note", "messages are lost on exit")
		return openedStore{Store: archive.NewInMemoryStore(), kind: "memory"}, nil
	}
}

// migrate applies the schema when the store has one.
func migrate(ctx context.Context, st openedStore, log Logger) error {
	m, ok := st.Store.(migrator)
	if !ok {
		log.Info("db.migrate.skipped", "store", st.kind)
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return err
	}
	log.Info("db.migrate.done", "store", st.kind)
	return nil
}

func newDBPool(ctx context.Context, cfg DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns >= 0 {
		pcfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
