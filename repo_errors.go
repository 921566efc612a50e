package accounts

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// slugConstraint names the accounts.slug unique constraint in migrations
const slugConstraint = "uq_accounts_slug"

func isUniqueViolation(err error) bool {
	return hasConstraintCode(err, pgUniqueViolation, sqlitelib.SQLITE_CONSTRAINT_UNIQUE, sqlite3.ErrConstraintUnique)
}

func isForeignKeyViolation(err error) bool {
	return hasConstraintCode(err, pgForeignKeyViolation, sqlitelib.SQLITE_CONSTRAINT_FOREIGNKEY, sqlite3.ErrConstraintForeignKey)
}

// hasConstraintCode matches driver errors by code. The sqliteshim driver is
// modernc on most platforms and mattn when built with cgosqlite.
func hasConstraintCode(err error, pgCode string, modernc int, mattn sqlite3.ErrNoExtended) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgCode
	}

	var modErr *sqlite.Error
	if errors.As(err, &modErr) {
		return modErr.Code() == modernc
	}

	var cgoErr sqlite3.Error
	if errors.As(err, &cgoErr) {
		return cgoErr.ExtendedCode == mattn
	}

	return false
}

// violatedConstraint returns the constraint name postgres reports. SQLite
// errors carry no constraint name.
func violatedConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// escapeLike escapes LIKE wildcards, use with ESCAPE '!'
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
