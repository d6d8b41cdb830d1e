package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"crypsync/internal/app"
	"crypsync/internal/domain"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"
)

var (
	configPath = flag.String("config", "", "Path to the YAML config file (default configs/config.yaml if present)")
	userFlag   = flag.String("user", os.Getenv("CRYPSYNC_USER"), "User id the command acts for (env CRYPSYNC_USER)")
)

// Output streams, swapped in tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Register the subcommands.
func Register(c *subcommands.Commander) {
	c.Register(&pricesCmd{}, "market")

	c.Register(&tradeCmd{side: domain.SideBuy}, "ledger")
	c.Register(&tradeCmd{side: domain.SideSell}, "ledger")
	c.Register(&portfolioCmd{}, "ledger")
	c.Register(&historyCmd{}, "ledger")
	c.Register(&transactionsCmd{}, "ledger")

	c.Register(&alertCmd{}, "alerts")
	c.Register(&portfolioAlertCmd{}, "alerts")
	c.Register(&evaluateCmd{}, "alerts")

	c.Register(&monitorCmd{}, "server")
}

// withApp bootstraps the application, runs fn and releases everything.
func withApp(ctx context.Context, fn func(ctx context.Context, b *app.Bootstrap) error) subcommands.ExitStatus {
	b := app.NewBootstrap(*configPath)
	defer b.Close(context.WithoutCancel(ctx))

	if err := b.Initialize(ctx); err != nil {
		fmt.Fprintf(stderr, "Error initializing: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := fn(ctx, b); err != nil {
		report(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// currentUser returns the -user flag or prints a usage error.
func currentUser() (string, bool) {
	u := strings.TrimSpace(*userFlag)
	if u == "" {
		fmt.Fprintln(stderr, "Error: -user (or CRYPSYNC_USER) is required.")
		return "", false
	}
	return u, true
}

func report(err error) {
	fmt.Fprintf(stderr, "Error: %v\n", err)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
}

// decimalFlag is a flag.Value holding an exact decimal.
type decimalFlag struct {
	value decimal.Decimal
	set   bool
}

func (d *decimalFlag) String() string {
	if d == nil || !d.set {
		return ""
	}
	return d.value.String()
}

func (d *decimalFlag) Set(s string) error {
	v, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid decimal %q", s)
	}
	d.value = v
	d.set = true
	return nil
}

func signedPct(d decimal.Decimal) string {
	s := d.StringFixed(2) + "%"
	if d.IsPositive() {
		return "+" + s
	}
	return s
}
