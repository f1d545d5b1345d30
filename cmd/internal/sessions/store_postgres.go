package sessions

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sigma/cmd/internal/pgutil"
)

// PostgresStore is a Store backed by PostgreSQL. It does not own the pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "sigma").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		clean, err := pgutil.CleanSchema(schema)
		if err != nil {
			return err
		}
		s.schema = clean
		return nil
	}
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: pgutil.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, pgutil.ErrNilPool
	}
	return st, nil
}

func (s *PostgresStore) sessions() string { return pgutil.Ident(s.schema, "sessions") }
func (s *PostgresStore) trusted() string  { return pgutil.Ident(s.schema, "trusted_identities") }

func (s *PostgresStore) Load(ctx context.Context, owner string, addr Address) (Record, error) {
	rec := Record{Owner: owner, Address: addr}
	err := s.pool.QueryRow(ctx,
		`SELECT state, pending, remote_identity, base_key, created_at, updated_at
		   FROM `+s.sessions()+`
		  WHERE owner_id = $1 AND remote_user_id = $2 AND remote_device_id = $3`,
		owner, addr.UserID, int32(addr.DeviceID),
	).Scan(&rec.State, &rec.Pending, &rec.RemoteIdentity, &rec.BaseKey, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("session %s/%s: %w", owner, addr, ErrNotFound)
		}
		return Record{}, err
	}
	return rec, nil
}

func (s *PostgresStore) Store(ctx context.Context, rec Record) error {
	if err := rec.Address.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.sessions()+` (
		     owner_id, remote_user_id, remote_device_id, state, pending, remote_identity, base_key
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (owner_id, remote_user_id, remote_device_id) DO UPDATE
		   SET state = EXCLUDED.state,
		       pending = EXCLUDED.pending,
		       remote_identity = EXCLUDED.remote_identity,
		       base_key = EXCLUDED.base_key,
		       updated_at = now()`,
		rec.Owner, rec.Address.UserID, int32(rec.Address.DeviceID),
		rec.State, rec.Pending, rec.RemoteIdentity, rec.BaseKey,
	)
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, owner string, addr Address) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.sessions()+`
		  WHERE owner_id = $1 AND remote_user_id = $2 AND remote_device_id = $3`,
		owner, addr.UserID, int32(addr.DeviceID),
	)
	return err
}

func (s *PostgresStore) DeleteAll(ctx context.Context, owner, remoteUserID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.sessions()+` WHERE owner_id = $1 AND remote_user_id = $2`,
		owner, remoteUserID,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Devices(ctx context.Context, owner, remoteUserID string) ([]uint32, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT remote_device_id FROM `+s.sessions()+`
		  WHERE owner_id = $1 AND remote_user_id = $2
		  ORDER BY remote_device_id`,
		owner, remoteUserID,
	)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return nil, err
	}
	out := make([]uint32, len(ids))
	for i, id := range ids {
		out[i] = uint32(id)
	}
	return out, nil
}

func (s *PostgresStore) Identity(ctx context.Context, owner, remoteUserID string) ([]byte, error) {
	var key []byte
	err := s.pool.QueryRow(ctx,
		`SELECT identity_key FROM `+s.trusted()+` WHERE owner_id = $1 AND remote_user_id = $2`,
		owner, remoteUserID,
	).Scan(&key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("identity %s/%s: %w", owner, remoteUserID, ErrNotFound)
		}
		return nil, err
	}
	return key, nil
}

func (s *PostgresStore) IsTrusted(ctx context.Context, owner, remoteUserID string, key []byte) (bool, error) {
	stored, err := s.Identity(ctx, owner, remoteUserID)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.Equal(stored, key), nil
}

// RecordIdentity upserts in one statement. The conflict arm only fires when
// the key differs and sees the latest committed row, so racing first
// contacts with different keys report the change.
func (s *PostgresStore) RecordIdentity(ctx context.Context, owner, remoteUserID string, key []byte) (bool, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.trusted()+` AS t (owner_id, remote_user_id, identity_key)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (owner_id, remote_user_id) DO UPDATE
		   SET identity_key = EXCLUDED.identity_key, updated_at = now()
		   WHERE t.identity_key IS DISTINCT FROM EXCLUDED.identity_key
		 RETURNING (xmax = 0)`,
		owner, remoteUserID, key,
	).Scan(&inserted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Same key already on file.
		return false, nil
	case err != nil:
		return false, fmt.Errorf("record identity: %w", err)
	}
	return !inserted, nil
}
