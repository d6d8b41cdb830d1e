package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"

	"crypsync/internal/app"
	"crypsync/internal/infra/notify"

	"github.com/google/subcommands"
)

type portfolioCmd struct {
	asJSON bool
}

func (*portfolioCmd) Name() string     { return "portfolio" }
func (*portfolioCmd) Synopsis() string { return "value holdings at current prices" }
func (*portfolioCmd) Usage() string {
	return `crypsync -user <id> portfolio [-json]

  Lists each holding with its average cost, current value and profit/loss.
`
}

func (c *portfolioCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.asJSON, "json", false, "Print the valuation as JSON.")
}

func (c *portfolioCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	user, ok := currentUser()
	if !ok {
		return subcommands.ExitUsageError
	}

	return withApp(ctx, func(ctx context.Context, b *app.Bootstrap) error {
		v, err := b.Portfolio.ValueLive(ctx, user)
		if err != nil {
			return err
		}
		if c.asJSON {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		}

		if len(v.Holdings) == 0 {
			fmt.Fprintln(stdout, "No holdings.")
			return nil
		}

		w := newTable()
		fmt.Fprintln(w, "ASSET\tAMOUNT\tAVG COST\tPRICE\tVALUE\tINVESTED\tP/L\tP/L %")
		for _, h := range v.Holdings {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				h.AssetID, h.Amount, notify.USD(h.AvgCost), notify.USD(h.CurrentPrice),
				notify.USD(h.CurrentValue), notify.USD(h.TotalInvested),
				notify.USD(h.ProfitLoss), signedPct(h.ProfitLossPct))
		}
		fmt.Fprintf(w, "TOTAL\t\t\t\t%s\t%s\t%s\t%s\n",
			notify.USD(v.TotalValue), notify.USD(v.TotalInvested),
			notify.USD(v.ProfitLoss), signedPct(v.ProfitLossPct))
		w.Flush()

		if v.Warning != "" {
			fmt.Fprintf(stdout, "Warning: %s\n", v.Warning)
		}
		return nil
	})
}

type historyCmd struct {
	days int
}

func (*historyCmd) Name() string     { return "history" }
func (*historyCmd) Synopsis() string { return "show portfolio value over time" }
func (*historyCmd) Usage() string {
	return `crypsync -user <id> history [-days <n>]

  Prints one point per recorded snapshot, valued at average cost.
`
}

func (c *historyCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.days, "days", 30, "Trailing window in days.")
}

func (c *historyCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	user, ok := currentUser()
	if !ok {
		return subcommands.ExitUsageError
	}

	return withApp(ctx, func(ctx context.Context, b *app.Bootstrap) error {
		points, err := b.Portfolio.PerformanceHistory(ctx, user, c.days)
		if err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintln(w, "TIME\tVALUE\tHOLDINGS")
		for _, p := range points {
			fmt.Fprintf(w, "%s\t%s\t%d\n", p.Timestamp.Format("2006-01-02 15:04"), notify.USD(p.TotalValue), p.HoldingsCount)
		}
		return w.Flush()
	})
}

type transactionsCmd struct {
	limit int
}

func (*transactionsCmd) Name() string     { return "transactions" }
func (*transactionsCmd) Synopsis() string { return "list recent trades, newest first" }
func (*transactionsCmd) Usage() string {
	return `crypsync -user <id> transactions [-n <limit>]
`
}

func (c *transactionsCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.limit, "n", 50, "Maximum number of transactions.")
}

func (c *transactionsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	user, ok := currentUser()
	if !ok {
		return subcommands.ExitUsageError
	}

	return withApp(ctx, func(ctx context.Context, b *app.Bootstrap) error {
		txs, err := b.Portfolio.Transactions(ctx, user, c.limit)
		if err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintln(w, "TIME\tSIDE\tASSET\tAMOUNT\tPRICE\tTOTAL\tID")
		for _, tx := range txs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				tx.CreatedAt.Format("2006-01-02 15:04:05"), tx.Side, tx.AssetID, tx.Amount,
				notify.USD(tx.UnitPrice), notify.USD(tx.Total), tx.ID)
		}
		return w.Flush()
	})
}
