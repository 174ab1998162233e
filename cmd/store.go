//go:build !integration

package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/pdfreader/sticker-engine/internal/store"
)

// initStore opens the configured backend. Postgres requires building with
// -tags integration, since internal/store's pgx-backed implementation
// carries the same build tag.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "sticker-engine.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return nil, eris.New("postgres support requires building with -tags integration")
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
