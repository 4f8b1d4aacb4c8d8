package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints the active opportunity ledger.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show opportunities")
	}
	defer closeStore()

	opps, err := store.ActiveOpportunities(ctx, decimal.Zero)
	if err != nil {
		return err
	}
	if len(opps) == 0 {
		fmt.Fprintln(os.Stdout, "no active opportunities")
		return nil
	}
	if opts.Limit > 0 && len(opps) > opts.Limit {
		opps = opps[:opts.Limit]
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSymbol\tLong\tShort\tSpread\tAPR%\tPriceDiff%\tUrgency\tConf")

	for _, opp := range opps {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			opp.Timestamp.UTC().Format(time.RFC3339),
			opp.Symbol,
			opp.LongExchange,
			opp.ShortExchange,
			opp.Spread.String(),
			opp.AnnualizedSpread.StringFixed(2),
			opp.PriceDiffPct.StringFixed(3),
			opp.Urgency,
			opp.Confidence,
		)
	}

	writer.Flush()
	return nil
}
