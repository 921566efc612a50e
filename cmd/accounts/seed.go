package main

import (
	"context"
	"embed"

	"github.com/goliatone/go-accounts"
)

// Development accounts sign in with Devpass1
//
//go:embed data/fixtures/*.yml
var fixturesFS embed.FS

// Seed loads the development fixtures when the accounts table is empty
func Seed(ctx context.Context, app *App) error {
	logger := app.GetLogger("seed")

	total, err := app.db.NewSelect().Model((*accounts.Account)(nil)).Count(ctx)
	if err != nil {
		return err
	}
	if total > 0 {
		logger.Info("accounts present, skipping fixtures", "count", total)
		return nil
	}

	app.client.RegisterFixtures(fixturesFS)
	if err := app.client.Seed(ctx); err != nil {
		return err
	}

	logger.Info("seeded development accounts")
	return nil
}
