package app

import (
	"context"
	"errors"
)

// Cleanup prunes raw market data and inactive ledger rows older than the
// retention window. Active opportunities are never touched.
func (a *App) Cleanup(ctx context.Context, opts CleanupOptions) error {
	if opts.Days <= 0 {
		return errors.New("--days must be greater than zero")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot clean up")
	}
	defer closeStore()

	deleted, err := store.DeleteOlderThan(ctx, opts.Days)
	if err != nil {
		return err
	}

	a.Logger.Info().Int64("rows", deleted).Int("days", opts.Days).Msg("retention cleanup complete")
	return nil
}
