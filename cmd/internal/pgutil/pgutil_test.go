package pgutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanSchema(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "sigma", want: "sigma"},
		{in: "  it_schema_1 ", want: "it_schema_1"},
		{in: "", wantErr: true},
		{in: "1abc", wantErr: true},
		{in: "bad;drop", wantErr: true},
	}

	for _, tc := range cases {
		got, err := CleanSchema(tc.in)
		if tc.wantErr {
			require.ErrorIs(t, err, ErrInvalidSchema, "CleanSchema(%q)", tc.in)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestSchemaSQL_RewritesPrefix(t *testing.T) {
	t.Parallel()

	ddl, err := SchemaSQL("it_x")
	require.NoError(t, err)
	require.Contains(t, ddl, `CREATE SCHEMA IF NOT EXISTS "it_x";`)
	require.Contains(t, ddl, `"it_x".room_messages`)
	require.NotContains(t, ddl, "sigma.rooms")

	def, err := SchemaSQL(DefaultSchema)
	require.NoError(t, err)
	require.True(t, strings.Contains(def, "sigma.key_prekeys"))
}

func TestIdent(t *testing.T) {
	t.Parallel()
	require.Equal(t, `"sigma"."rooms"`, Ident("sigma", "rooms"))
}
