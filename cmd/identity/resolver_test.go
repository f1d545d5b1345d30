package identity

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticResolver(t *testing.T) {
	t.Parallel()

	r := NewStaticResolver(Profile{UserID: "alice", DisplayName: "Alice", AvatarRef: "mxc://a"})
	ctx := context.Background()

	p, err := r.ResolveUser(ctx, "  alice ")
	require.NoError(t, err)
	require.Equal(t, "Alice", p.Name())
	require.Equal(t, "mxc://a", p.AvatarRef)

	_, err = r.ResolveUser(ctx, "bob")
	require.True(t, IsNotFound(err))
	var nf NotFoundError
	require.True(t, errors.As(err, &nf))
	require.Equal(t, "bob", nf.UserID)

	_, err = r.ResolveUser(ctx, "")
	require.True(t, IsInvalidInput(err))

	r.Put(Profile{UserID: "bob"})
	p, err = r.ResolveUser(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, "bob", p.Name())

	var zero StaticResolver
	_, err = zero.ResolveUser(ctx, "alice")
	require.True(t, IsNotFound(err))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = r.ResolveUser(cctx, "alice")
	require.ErrorIs(t, err, context.Canceled)
}

func TestValidUserID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want bool
	}{
		{"alice", true},
		{"@alice:example.org", true},
		{"", false},
		{" alice", false},
		{"al ice", false},
		{"alice\n", false},
		{strings.Repeat("a", maxUserIDLen), true},
		{strings.Repeat("a", maxUserIDLen+1), false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ValidUserID(tc.in), "%q", tc.in)
	}
}
