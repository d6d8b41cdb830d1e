package cli

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"crypsync/internal/app"
	"crypsync/internal/domain"
	"crypsync/internal/infra/notify"
	"crypsync/internal/service"

	"github.com/google/subcommands"
)

// tradeCmd records a simulated buy or sell.
type tradeCmd struct {
	side   domain.Side
	asset  string
	amount decimalFlag
	price  decimalFlag
}

func (c *tradeCmd) Name() string { return strings.ToLower(string(c.side)) }
func (c *tradeCmd) Synopsis() string {
	return fmt.Sprintf("record a simulated %s at the given or current price", c.Name())
}
func (c *tradeCmd) Usage() string {
	return fmt.Sprintf(`crypsync -user <id> %s -a <asset-id> -n <amount> [-p <unit-price>]

  Records a %s of <amount> units. Without -p the current market price is used.
`, c.Name(), c.Name())
}

func (c *tradeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.asset, "a", "", "Asset id, e.g. bitcoin")
	f.Var(&c.amount, "n", "Amount of units (decimal)")
	f.Var(&c.price, "p", "Unit price in USD (decimal). Defaults to the current price.")
}

func (c *tradeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	user, ok := currentUser()
	if !ok {
		return subcommands.ExitUsageError
	}
	if c.asset == "" || !c.amount.set {
		fmt.Fprintln(stderr, "Error: -a and -n are required.")
		return subcommands.ExitUsageError
	}

	return withApp(ctx, func(ctx context.Context, b *app.Bootstrap) error {
		price := c.price.value
		if !c.price.set {
			q, err := b.Prices.GetPrice(ctx, c.asset)
			if err != nil {
				return err
			}
			price = q.Price
		}

		var (
			res *service.TradeResult
			err error
		)
		if c.side == domain.SideBuy {
			res, err = b.Portfolio.Buy(ctx, user, c.asset, c.amount.value, price)
		} else {
			res, err = b.Portfolio.Sell(ctx, user, c.asset, c.amount.value, price)
		}
		if err != nil {
			return err
		}

		tx := res.Transaction
		w := newTable()
		fmt.Fprintf(w, "Transaction\t%s\n", tx.ID)
		fmt.Fprintf(w, "Side\t%s\n", tx.Side)
		fmt.Fprintf(w, "Asset\t%s\n", tx.AssetID)
		fmt.Fprintf(w, "Amount\t%s\n", tx.Amount)
		fmt.Fprintf(w, "Unit price\t%s\n", notify.USD(tx.UnitPrice))
		fmt.Fprintf(w, "Total\t%s\n", notify.USD(tx.Total))
		fmt.Fprintf(w, "New balance\t%s\n", res.NewBalance)
		fmt.Fprintf(w, "Average cost\t%s\n", notify.USD(res.AvgCost))
		if c.side == domain.SideSell {
			fmt.Fprintf(w, "Realized P/L\t%s\n", notify.USD(res.RealizedPnL))
		}
		return w.Flush()
	})
}
