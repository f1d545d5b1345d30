package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sigma/cmd/internal/pgutil"
	"sigma/cmd/internal/pgutil/pgtest"
)

func TestPostgresResolver(t *testing.T) {
	pool := pgtest.OpenPool(t)
	schema := pgtest.Schema(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := pool.Exec(ctx,
		`INSERT INTO `+pgutil.Ident(schema, "users")+` (id, display_name, avatar_ref) VALUES ($1, $2, $3), ($4, '', '')`,
		"alice", "Alice", "mxc://a", "bob",
	)
	require.NoError(t, err)

	r, err := NewPostgresResolver(pool, WithSchema(schema))
	require.NoError(t, err)

	p, err := r.ResolveUser(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, Profile{UserID: "alice", DisplayName: "Alice", AvatarRef: "mxc://a"}, p)

	p, err = r.ResolveUser(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, "bob", p.Name())

	_, err = r.ResolveUser(ctx, "carol")
	require.True(t, IsNotFound(err))

	_, err = r.ResolveUser(ctx, "bad id")
	require.True(t, IsInvalidInput(err))

	_, err = NewPostgresResolver(nil)
	require.ErrorIs(t, err, pgutil.ErrNilPool)

	_, err = NewPostgresResolver(pool, WithSchema("bad-schema"))
	require.ErrorIs(t, err, pgutil.ErrInvalidSchema)
}
