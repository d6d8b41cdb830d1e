package cli

import (
	"context"
	"flag"
	"fmt"
	"time"

	"crypsync/internal/app"
	"crypsync/internal/infra/notify"

	"github.com/google/subcommands"
)

// alertCmd groups the price alert commands.
type alertCmd struct{}

func (*alertCmd) Name() string     { return "alert" }
func (*alertCmd) Synopsis() string { return "manage price alerts" }
func (*alertCmd) Usage() string {
	return `crypsync -user <id> alert <add|list|delete|rearm> <options>

Price alerts fire once when an asset crosses a threshold.
`
}
func (*alertCmd) SetFlags(f *flag.FlagSet) {}

func (*alertCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	commander := subcommands.NewCommander(f, "alert")
	commander.Register(&priceAlertAddCmd{}, "")
	commander.Register(&priceAlertListCmd{}, "")
	commander.Register(&alertIDCmd{name: "delete", synopsis: "delete a price alert", run: deletePriceAlert}, "")
	commander.Register(&alertIDCmd{name: "rearm", synopsis: "re-arm a triggered price alert", run: rearmPriceAlert}, "")
	return commander.Execute(ctx, args...)
}

type priceAlertAddCmd struct {
	asset     string
	threshold decimalFlag
	direction string
}

func (*priceAlertAddCmd) Name() string     { return "add" }
func (*priceAlertAddCmd) Synopsis() string { return "create a price alert" }
func (*priceAlertAddCmd) Usage() string {
	return `alert add -a <asset-id> -t <threshold> [-d above|below]
`
}

func (c *priceAlertAddCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.asset, "a", "", "Asset id, e.g. bitcoin")
	f.Var(&c.threshold, "t", "Threshold price in USD")
	f.StringVar(&c.direction, "d", "above", "Fire when the price goes above or below the threshold")
}

func (c *priceAlertAddCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	user, ok := currentUser()
	if !ok {
		return subcommands.ExitUsageError
	}
	if c.asset == "" || !c.threshold.set {
		fmt.Fprintln(stderr, "Error: -a and -t are required.")
		return subcommands.ExitUsageError
	}

	return withApp(ctx, func(ctx context.Context, b *app.Bootstrap) error {
		a, err := b.Alerts.CreatePriceAlert(ctx, user, c.asset, c.threshold.value, c.direction)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Created alert %s: %s %s %s\n", a.ID, a.AssetID, a.Direction, notify.USD(a.Threshold))
		return nil
	})
}

type priceAlertListCmd struct{}

func (*priceAlertListCmd) Name() string             { return "list" }
func (*priceAlertListCmd) Synopsis() string         { return "list price alerts" }
func (*priceAlertListCmd) Usage() string            { return "alert list\n" }
func (*priceAlertListCmd) SetFlags(f *flag.FlagSet) {}

func (*priceAlertListCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	user, ok := currentUser()
	if !ok {
		return subcommands.ExitUsageError
	}

	return withApp(ctx, func(ctx context.Context, b *app.Bootstrap) error {
		alerts, err := b.Alerts.ListPriceAlerts(ctx, user)
		if err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintln(w, "ID\tASSET\tDIRECTION\tTHRESHOLD\tSTATE\tLAST TRIGGERED")
		for _, a := range alerts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				a.ID, a.AssetID, a.Direction, notify.USD(a.Threshold), a.State, lastTriggered(a.LastTriggeredAt))
		}
		return w.Flush()
	})
}

// portfolioAlertCmd groups the portfolio alert commands.
type portfolioAlertCmd struct{}

func (*portfolioAlertCmd) Name() string     { return "palert" }
func (*portfolioAlertCmd) Synopsis() string { return "manage portfolio alerts" }
func (*portfolioAlertCmd) Usage() string {
	return `crypsync -user <id> palert <add|list|delete|rearm> <options>

Portfolio alerts watch the total value or the profit/loss of all holdings.
`
}
func (*portfolioAlertCmd) SetFlags(f *flag.FlagSet) {}

func (*portfolioAlertCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	commander := subcommands.NewCommander(f, "palert")
	commander.Register(&portfolioAlertAddCmd{}, "")
	commander.Register(&portfolioAlertListCmd{}, "")
	commander.Register(&alertIDCmd{name: "delete", synopsis: "delete a portfolio alert", run: deletePortfolioAlert}, "")
	commander.Register(&alertIDCmd{name: "rearm", synopsis: "re-arm a triggered portfolio alert", run: rearmPortfolioAlert}, "")
	return commander.Execute(ctx, args...)
}

type portfolioAlertAddCmd struct {
	rule      string
	threshold decimalFlag
}

func (*portfolioAlertAddCmd) Name() string     { return "add" }
func (*portfolioAlertAddCmd) Synopsis() string { return "create a portfolio alert" }
func (*portfolioAlertAddCmd) Usage() string {
	return `palert add -r value_below|value_above|loss_threshold -t <threshold>

  loss_threshold fires when profit/loss drops below -threshold.
`
}

func (c *portfolioAlertAddCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.rule, "r", "", "Rule: value_below, value_above or loss_threshold")
	f.Var(&c.threshold, "t", "Threshold in USD")
}

func (c *portfolioAlertAddCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	user, ok := currentUser()
	if !ok {
		return subcommands.ExitUsageError
	}
	if c.rule == "" || !c.threshold.set {
		fmt.Fprintln(stderr, "Error: -r and -t are required.")
		return subcommands.ExitUsageError
	}

	return withApp(ctx, func(ctx context.Context, b *app.Bootstrap) error {
		a, err := b.Alerts.CreatePortfolioAlert(ctx, user, c.rule, c.threshold.value)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Created alert %s: %s %s\n", a.ID, a.Rule, notify.USD(a.Threshold))
		return nil
	})
}

type portfolioAlertListCmd struct{}

func (*portfolioAlertListCmd) Name() string             { return "list" }
func (*portfolioAlertListCmd) Synopsis() string         { return "list portfolio alerts" }
func (*portfolioAlertListCmd) Usage() string            { return "palert list\n" }
func (*portfolioAlertListCmd) SetFlags(f *flag.FlagSet) {}

func (*portfolioAlertListCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	user, ok := currentUser()
	if !ok {
		return subcommands.ExitUsageError
	}

	return withApp(ctx, func(ctx context.Context, b *app.Bootstrap) error {
		alerts, err := b.Alerts.ListPortfolioAlerts(ctx, user)
		if err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintln(w, "ID\tRULE\tTHRESHOLD\tSTATE\tLAST TRIGGERED")
		for _, a := range alerts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				a.ID, a.Rule, notify.USD(a.Threshold), a.State, lastTriggered(a.LastTriggeredAt))
		}
		return w.Flush()
	})
}

// alertIDCmd is a subcommand that acts on one alert id given as argument.
type alertIDCmd struct {
	name     string
	synopsis string
	run      func(ctx context.Context, b *app.Bootstrap, id, user string) error
}

func (c *alertIDCmd) Name() string             { return c.name }
func (c *alertIDCmd) Synopsis() string         { return c.synopsis }
func (c *alertIDCmd) Usage() string            { return c.name + " <alert-id>\n" }
func (c *alertIDCmd) SetFlags(f *flag.FlagSet) {}

func (c *alertIDCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	user, ok := currentUser()
	if !ok {
		return subcommands.ExitUsageError
	}
	if f.NArg() != 1 {
		fmt.Fprintf(stderr, "Error: %s takes exactly one alert id.\n", c.name)
		return subcommands.ExitUsageError
	}
	id := f.Arg(0)

	return withApp(ctx, func(ctx context.Context, b *app.Bootstrap) error {
		return c.run(ctx, b, id, user)
	})
}

func deletePriceAlert(ctx context.Context, b *app.Bootstrap, id, user string) error {
	if err := b.Alerts.DeletePriceAlert(ctx, id, user); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Deleted alert %s\n", id)
	return nil
}

func rearmPriceAlert(ctx context.Context, b *app.Bootstrap, id, user string) error {
	a, err := b.Alerts.RearmPriceAlert(ctx, id, user)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Alert %s is %s\n", a.ID, a.State)
	return nil
}

func deletePortfolioAlert(ctx context.Context, b *app.Bootstrap, id, user string) error {
	if err := b.Alerts.DeletePortfolioAlert(ctx, id, user); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Deleted alert %s\n", id)
	return nil
}

func rearmPortfolioAlert(ctx context.Context, b *app.Bootstrap, id, user string) error {
	a, err := b.Alerts.RearmPortfolioAlert(ctx, id, user)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Alert %s is %s\n", a.ID, a.State)
	return nil
}

func lastTriggered(at *time.Time) string {
	if at == nil {
		return "-"
	}
	return at.Format("2006-01-02 15:04")
}
