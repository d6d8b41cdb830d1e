package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"

	"crypsync/internal/app"
	"crypsync/internal/domain"
	"crypsync/internal/infra/notify"

	"github.com/google/subcommands"
)

type evaluateCmd struct {
	all    bool
	asJSON bool
}

func (*evaluateCmd) Name() string     { return "evaluate" }
func (*evaluateCmd) Synopsis() string { return "check alerts against current prices" }
func (*evaluateCmd) Usage() string {
	return `crypsync -user <id> evaluate [-json]
crypsync evaluate -all

  Runs one evaluation pass. Triggered alerts are reported once and stay
  triggered until re-armed.
`
}

func (c *evaluateCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.all, "all", false, "Evaluate the active alerts of every user.")
	f.BoolVar(&c.asJSON, "json", false, "Print the result as JSON.")
}

func (c *evaluateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.all {
		return withApp(ctx, func(ctx context.Context, b *app.Bootstrap) error {
			fired, err := b.Alerts.EvaluateAll(ctx)
			if perr := c.print(fired, fired); perr != nil {
				return perr
			}
			return err
		})
	}

	user, ok := currentUser()
	if !ok {
		return subcommands.ExitUsageError
	}
	return withApp(ctx, func(ctx context.Context, b *app.Bootstrap) error {
		ev, err := b.Alerts.Evaluate(ctx, user)
		if ev == nil {
			return err
		}
		if perr := c.print(ev, ev.Triggered); perr != nil {
			return perr
		}
		if ev.Warning != "" && !c.asJSON {
			fmt.Fprintf(stdout, "Warning: %s\n", ev.Warning)
		}
		return err
	})
}

func (c *evaluateCmd) print(result any, fired []domain.TriggerEvent) error {
	if c.asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	if len(fired) == 0 {
		fmt.Fprintln(stdout, "No alerts triggered.")
		return nil
	}
	for _, ev := range fired {
		fmt.Fprintf(stdout, "%s (alert %s, user %s): observed %s, threshold %s\n",
			notify.AlertSubject(ev), ev.AlertID, ev.UserID, notify.USD(ev.Observed), notify.USD(ev.Threshold))
	}
	return nil
}
