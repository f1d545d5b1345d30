// Package pgutil holds the PostgreSQL helpers shared by sigma's durable stores:
// identifier quoting, schema validation and the embedded schema.
package pgutil

import (
	"context"
	_ "embed"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultSchema is the schema every store uses unless configured otherwise.
const DefaultSchema = "sigma"

//go:embed schema.sql
var schemaSQL string

var (
	// ErrNilPool is returned by store constructors given a nil pool.
	ErrNilPool = errors.New("pgutil: nil pool")

	// ErrInvalidSchema is returned for empty or unsafe schema identifiers.
	ErrInvalidSchema = errors.New("pgutil: invalid schema identifier")
)

var identRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// IsValidIdent reports whether s is a plain, unquoted PostgreSQL identifier.
func IsValidIdent(s string) bool {
	return identRE.MatchString(s)
}

// Ident returns a safely quoted schema-qualified table name.
func Ident(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// CleanSchema trims and validates a schema name.
func CleanSchema(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" || !IsValidIdent(schema) {
		return "", ErrInvalidSchema
	}
	return schema, nil
}

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SchemaSQL returns the DDL rewritten for the given schema.
func SchemaSQL(schema string) (string, error) {
	schema, err := CleanSchema(schema)
	if err != nil {
		return "", err
	}
	if schema == DefaultSchema {
		return schemaSQL, nil
	}
	quoted := pgx.Identifier{schema}.Sanitize()
	out := strings.ReplaceAll(schemaSQL, "sigma.", quoted+".")
	out = strings.ReplaceAll(out, "CREATE SCHEMA IF NOT EXISTS sigma;", "CREATE SCHEMA IF NOT EXISTS "+quoted+";")
	return out, nil
}

// ApplySchema creates every sigma table in schema. It is idempotent.
func ApplySchema(ctx context.Context, db Execer, schema string) error {
	ddl, err := SchemaSQL(schema)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, ddl)
	return err
}
