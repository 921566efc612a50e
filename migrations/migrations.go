// Package migrations embeds the SQL schema and applies it through the
// persistence client.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun/schema"
)

//go:embed sqlite/*.sql postgres/*.sql
var migrationsFS embed.FS

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// SourceLabel names this schema in migration validation reports
const SourceLabel = "go-accounts/migrations"

// FS returns the migration files for a dialect
func FS(dialect string) (fs.FS, error) {
	dir, err := resolve(dialect)
	if err != nil {
		return nil, err
	}
	return fs.Sub(migrationsFS, dir)
}

// Register adds the dialect aware schema to the client. Both dialects must
// ship matching up and down files for every version.
func Register(client *persistence.Client) *persistence.Migrations {
	return client.RegisterDialectMigrations(
		migrationsFS,
		persistence.WithDialectSourceLabel(SourceLabel),
		persistence.WithValidationTargets(DialectPostgres, DialectSQLite),
		persistence.WithDialectValidationContract(persistence.DialectValidationContract{
			MandatoryTargets:                  []string{DialectPostgres, DialectSQLite},
			RequireAtLeastOneSQL:              true,
			RequireUpDownPairs:                true,
			RequireVersionParityAcrossTargets: true,
		}),
	)
}

// Open wraps sqldb in a persistence client, registers the schema and
// applies pending migrations. A nil logger keeps the client quiet.
func Open(ctx context.Context, cfg persistence.Config, sqldb *sql.DB, dialect schema.Dialect, logger persistence.Logger, opts ...persistence.ClientOption) (*persistence.Client, error) {
	client, err := persistence.New(cfg, sqldb, dialect, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s database: %w", cfg.GetDriver(), err)
	}

	if logger != nil {
		client.SetLogger(logger)
	}

	Register(client)

	if err := Up(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// Up validates the registered dialects and applies pending migrations
func Up(ctx context.Context, client *persistence.Client) error {
	if err := client.ValidateDialects(ctx); err != nil {
		return fmt.Errorf("validate migrations: %w", err)
	}
	if err := client.Migrate(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func resolve(dialect string) (string, error) {
	switch dialect {
	case DialectSQLite, "sqlite3":
		return DialectSQLite, nil
	case DialectPostgres, "pg", "pgx":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported migration dialect %q", dialect)
	}
}
