package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sigma/cmd/internal/pgutil"
)

// PostgresResolver reads profiles from the users table.
//
// The pgx pool is owned by the caller; this resolver must NOT close it.
type PostgresResolver struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the resolver.
type PostgresOption func(*PostgresResolver) error

// WithSchema sets the Postgres schema (default "sigma").
func WithSchema(schema string) PostgresOption {
	return func(r *PostgresResolver) error {
		clean, err := pgutil.CleanSchema(schema)
		if err != nil {
			return fmt.Errorf("identity: %w", err)
		}
		r.schema = clean
		return nil
	}
}

// NewPostgresResolver constructs a PostgresResolver.
func NewPostgresResolver(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresResolver, error) {
	r := &PostgresResolver{pool: pool, schema: pgutil.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.pool == nil {
		return nil, fmt.Errorf("identity: %w", pgutil.ErrNilPool)
	}
	return r, nil
}

func (r *PostgresResolver) ResolveUser(ctx context.Context, userID string) (Profile, error) {
	const op = "identity.ResolveUser"

	userID = NormalizeUserID(userID)
	if !ValidUserID(userID) {
		return Profile{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "invalid user id"}
	}

	p := Profile{UserID: userID}
	err := r.pool.QueryRow(ctx,
		`SELECT display_name, avatar_ref FROM `+pgutil.Ident(r.schema, "users")+` WHERE id = $1`,
		userID,
	).Scan(&p.DisplayName, &p.AvatarRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, NotFoundError{Op: op, UserID: userID}
	}
	if err != nil {
		return Profile{}, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}
