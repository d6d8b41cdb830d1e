package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"strings"

	"crypsync/internal/app"
	"crypsync/internal/infra/notify"

	"github.com/google/subcommands"
)

type pricesCmd struct {
	asJSON bool
}

func (*pricesCmd) Name() string     { return "prices" }
func (*pricesCmd) Synopsis() string { return "show current USD prices" }
func (*pricesCmd) Usage() string {
	return `crypsync prices [-json] <asset-id>...

  Prints the USD price and 24h change of each asset, e.g. "bitcoin ethereum".
  Comma separated ids are accepted too.
`
}

func (c *pricesCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.asJSON, "json", false, "Print the result as JSON.")
}

func (c *pricesCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	var ids []string
	for _, arg := range f.Args() {
		ids = append(ids, strings.Split(arg, ",")...)
	}
	if len(ids) == 0 {
		fmt.Fprintln(stderr, "Error: at least one asset id is required.")
		return subcommands.ExitUsageError
	}

	return withApp(ctx, func(ctx context.Context, b *app.Bootstrap) error {
		set, err := b.Prices.GetPrices(ctx, ids)
		if err != nil {
			return err
		}

		if c.asJSON {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(set)
		}

		w := newTable()
		fmt.Fprintln(w, "ASSET\tPRICE\t24H\tFETCHED")
		for _, q := range set.Sorted() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				q.AssetID, notify.USD(q.Price), signedPct(q.Change24h), q.FetchedAt.Format("15:04:05"))
		}
		w.Flush()

		if len(set.Missing) > 0 {
			fmt.Fprintf(stdout, "No price for: %s\n", strings.Join(set.Missing, ", "))
		}
		if set.Warning != "" {
			fmt.Fprintf(stdout, "Warning: %s\n", set.Warning)
		}
		return nil
	})
}
