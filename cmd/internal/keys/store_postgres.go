package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sigma/cmd/internal/pgutil"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//
// Atomicity:
// - ClaimPrekey is a single conditional UPDATE (claimed_at IS NULL) so two builders
//   racing on the same prekey cannot both win.
// - ConsumePrekey is DELETE .. RETURNING.
// - Cursor reservations are UPDATE .. RETURNING on the identity row.
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

// NewPostgresStore constructs a Postgres-backed key Store.
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

func (s *PostgresStore) identities() string { return pgutil.Ident(s.schema, "key_identities") }
func (s *PostgresStore) prekeys() string    { return pgutil.Ident(s.schema, "key_prekeys") }
func (s *PostgresStore) signed() string     { return pgutil.Ident(s.schema, "key_signed_prekeys") }

func (s *PostgresStore) CreateIdentity(ctx context.Context, id Identity) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.identities()+` (
		     user_id, device_id, registration_id, dh_public, dh_private, sign_public, sign_private, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (user_id) DO NOTHING`,
		id.UserID, int32(id.DeviceID), int64(id.RegistrationID),
		id.DHPublic[:], id.DHPrivate[:], id.SigningPublic[:], id.SigningPrivate[:], id.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIdentityExists
	}
	return nil
}

func (s *PostgresStore) LoadIdentity(ctx context.Context, userID string) (Identity, error) {
	var (
		id                Identity
		deviceID          int32
		regID             int64
		dhPub, dhPriv     []byte
		signPub, signPriv []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, device_id, registration_id, dh_public, dh_private, sign_public, sign_private, created_at
		   FROM `+s.identities()+`
		  WHERE user_id = $1`,
		userID,
	).Scan(&id.UserID, &deviceID, &regID, &dhPub, &dhPriv, &signPub, &signPriv, &id.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, fmt.Errorf("identity %q: %w", userID, ErrNotFound)
		}
		return Identity{}, err
	}
	id.DeviceID = uint32(deviceID)
	id.RegistrationID = uint32(regID)
	copy(id.DHPublic[:], dhPub)
	copy(id.DHPrivate[:], dhPriv)
	copy(id.SigningPublic[:], signPub)
	copy(id.SigningPrivate[:], signPriv)
	return id, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM `+s.identities()+` ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) ReservePrekeyIDs(ctx context.Context, userID string, n int) (uint32, error) {
	var first int64
	err := s.pool.QueryRow(ctx,
		`UPDATE `+s.identities()+`
		    SET next_prekey_id = next_prekey_id + $2
		  WHERE user_id = $1
		RETURNING (next_prekey_id - $2)`,
		userID, int64(n),
	).Scan(&first)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("identity %q: %w", userID, ErrNotFound)
		}
		return 0, err
	}
	return uint32(first), nil
}

func (s *PostgresStore) ReserveSignedPrekeyID(ctx context.Context, userID string) (uint32, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`UPDATE `+s.identities()+`
		    SET next_signed_prekey_id = next_signed_prekey_id + 1
		  WHERE user_id = $1
		RETURNING (next_signed_prekey_id - 1)`,
		userID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("identity %q: %w", userID, ErrNotFound)
		}
		return 0, err
	}
	return uint32(id), nil
}

func (s *PostgresStore) SavePrekey(ctx context.Context, userID string, pk OneTimePrekey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.prekeys()+` (user_id, prekey_id, public, private, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		userID, int64(pk.ID), pk.Public[:], pk.Private[:], pk.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("identity %q: %w", userID, ErrNotFound)
		}
		return fmt.Errorf("insert prekey: %w", err)
	}
	return nil
}

const prekeyColumns = `prekey_id, public, private, claimed_at, created_at`

func scanPrekey(row pgx.Row) (OneTimePrekey, error) {
	var (
		pk        OneTimePrekey
		id        int64
		pub, priv []byte
	)
	if err := row.Scan(&id, &pub, &priv, &pk.ClaimedAt, &pk.CreatedAt); err != nil {
		return OneTimePrekey{}, err
	}
	pk.ID = uint32(id)
	copy(pk.Public[:], pub)
	copy(pk.Private[:], priv)
	return pk, nil
}

func (s *PostgresStore) LoadPrekey(ctx context.Context, userID string, id uint32) (OneTimePrekey, error) {
	pk, err := scanPrekey(s.pool.QueryRow(ctx,
		`SELECT `+prekeyColumns+` FROM `+s.prekeys()+` WHERE user_id = $1 AND prekey_id = $2`,
		userID, int64(id),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return OneTimePrekey{}, fmt.Errorf("prekey %d: %w", id, ErrNotFound)
	}
	return pk, err
}

func (s *PostgresStore) FirstAvailablePrekey(ctx context.Context, userID string) (OneTimePrekey, error) {
	pk, err := scanPrekey(s.pool.QueryRow(ctx,
		`SELECT `+prekeyColumns+` FROM `+s.prekeys()+`
		  WHERE user_id = $1 AND claimed_at IS NULL
		  ORDER BY prekey_id
		  LIMIT 1`,
		userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return OneTimePrekey{}, ErrPrekeyExhausted
	}
	return pk, err
}

func (s *PostgresStore) ClaimPrekey(ctx context.Context, userID string, id uint32, at time.Time) (OneTimePrekey, error) {
	pk, err := scanPrekey(s.pool.QueryRow(ctx,
		`UPDATE `+s.prekeys()+`
		    SET claimed_at = $3
		  WHERE user_id = $1 AND prekey_id = $2 AND claimed_at IS NULL
		RETURNING `+prekeyColumns,
		userID, int64(id), at,
	))
	if !errors.Is(err, pgx.ErrNoRows) {
		return pk, err
	}
	// Nothing to claim: tell an unknown user apart from a spent prekey.
	var hosted bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.identities()+` WHERE user_id = $1)`,
		userID,
	).Scan(&hosted); err != nil {
		return OneTimePrekey{}, err
	}
	if !hosted {
		return OneTimePrekey{}, fmt.Errorf("identity %q: %w", userID, ErrNotFound)
	}
	return OneTimePrekey{}, fmt.Errorf("prekey %d: %w", id, ErrPrekeyExhausted)
}

func (s *PostgresStore) ConsumePrekey(ctx context.Context, userID string, id uint32) (OneTimePrekey, error) {
	pk, err := scanPrekey(s.pool.QueryRow(ctx,
		`DELETE FROM `+s.prekeys()+`
		  WHERE user_id = $1 AND prekey_id = $2
		RETURNING `+prekeyColumns,
		userID, int64(id),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return OneTimePrekey{}, fmt.Errorf("prekey %d: %w", id, ErrNotFound)
	}
	return pk, err
}

func (s *PostgresStore) CountPrekeys(ctx context.Context, userID string, availableOnly bool) (int, error) {
	q := `SELECT count(*) FROM ` + s.prekeys() + ` WHERE user_id = $1`
	if availableOnly {
		q += ` AND claimed_at IS NULL`
	}
	var n int
	if err := s.pool.QueryRow(ctx, q, userID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresStore) SaveSignedPrekey(ctx context.Context, userID string, spk SignedPrekey) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the identity row so concurrent rotations serialize on the current flag.
	var locked string
	if err := tx.QueryRow(ctx,
		`SELECT user_id FROM `+s.identities()+` WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("identity %q: %w", userID, ErrNotFound)
		}
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.signed()+`
		    SET is_current = false, retired_at = $2
		  WHERE user_id = $1 AND is_current`,
		userID, spk.CreatedAt,
	); err != nil {
		return fmt.Errorf("retire signed prekey: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.signed()+` (user_id, prekey_id, public, private, signature, is_current, created_at)
		 VALUES ($1, $2, $3, $4, $5, true, $6)`,
		userID, int64(spk.ID), spk.Public[:], spk.Private[:], spk.Signature, spk.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert signed prekey: %w", err)
	}
	return tx.Commit(ctx)
}

const signedColumns = `prekey_id, public, private, signature, is_current, created_at, retired_at`

func scanSigned(row pgx.Row) (SignedPrekey, error) {
	var (
		spk       SignedPrekey
		id        int64
		pub, priv []byte
	)
	if err := row.Scan(&id, &pub, &priv, &spk.Signature, &spk.Current, &spk.CreatedAt, &spk.RetiredAt); err != nil {
		return SignedPrekey{}, err
	}
	spk.ID = uint32(id)
	copy(spk.Public[:], pub)
	copy(spk.Private[:], priv)
	return spk, nil
}

func (s *PostgresStore) LoadSignedPrekey(ctx context.Context, userID string, id uint32) (SignedPrekey, error) {
	spk, err := scanSigned(s.pool.QueryRow(ctx,
		`SELECT `+signedColumns+` FROM `+s.signed()+` WHERE user_id = $1 AND prekey_id = $2`,
		userID, int64(id),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return SignedPrekey{}, fmt.Errorf("signed prekey %d: %w", id, ErrNotFound)
	}
	return spk, err
}

func (s *PostgresStore) CurrentSignedPrekey(ctx context.Context, userID string) (SignedPrekey, error) {
	spk, err := scanSigned(s.pool.QueryRow(ctx,
		`SELECT `+signedColumns+` FROM `+s.signed()+` WHERE user_id = $1 AND is_current`,
		userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return SignedPrekey{}, fmt.Errorf("current signed prekey: %w", ErrNotFound)
	}
	return spk, err
}

func (s *PostgresStore) PruneSignedPrekeys(ctx context.Context, userID string, retiredBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.signed()+`
		  WHERE user_id = $1 AND NOT is_current AND retired_at < $2`,
		userID, retiredBefore,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
