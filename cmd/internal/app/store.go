package app

import (
	"context"

	"sigma/cmd/identity"
	"sigma/cmd/internal/keys"
	"sigma/cmd/internal/rooms"
	"sigma/cmd/internal/sessions"
)

// openStores picks Postgres when SIGMA_DATABASE_URL is set and the in-memory
// stores otherwise. The app owns the pool; the stores never close it.
func openStores(ctx context.Context, cfg Config, log Logger) (*stores, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return &stores{
			keys:     keys.NewMemoryStore(),
			sessions: sessions.NewMemoryStore(),
			rooms:    rooms.NewMemoryStore(),
			users:    identity.NewStaticResolver(),
		}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	st := &stores{pool: pool}

	fail := func(err error) (*stores, error) {
		pool.Close()
		return nil, err
	}

	if st.keys, err = keys.NewPostgresStore(pool, keys.WithSchema(cfg.DBSchema)); err != nil {
		return fail(err)
	}
	if st.sessions, err = sessions.NewPostgresStore(pool, sessions.WithSchema(cfg.DBSchema)); err != nil {
		return fail(err)
	}
	if st.rooms, err = rooms.NewPostgresStore(pool, rooms.WithSchema(cfg.DBSchema)); err != nil {
		return fail(err)
	}
	if st.users, err = identity.NewPostgresResolver(pool, identity.WithSchema(cfg.DBSchema)); err != nil {
		return fail(err)
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema, "auto_migrate", cfg.DBAutoMigrate)
	return st, nil
}
