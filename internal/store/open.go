package store

import (
	"context"

	"github.com/rotisserie/eris"
)

// Options selects and configures a backend.
type Options struct {
	Driver      string
	DatabaseURL string
	Database    string
	Pool        *PoolConfig
}

// Open returns the backend named by opts.Driver: sqlite, postgres, mongo or memory.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "sqlite", "":
		dsn := opts.DatabaseURL
		if dsn == "" {
			dsn = "custody.db"
		}
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, opts.DatabaseURL, opts.Pool)
	case "memory":
		return NewMemory(), nil
	case "mongo":
		database := opts.Database
		if database == "" {
			database = "custody"
		}
		return NewMongo(ctx, opts.DatabaseURL, database)
	default:
		return nil, eris.Errorf("store: unsupported driver %q", opts.Driver)
	}
}
