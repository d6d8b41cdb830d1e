package cli

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crypsync/internal/app"
	"crypsync/internal/monitor"

	"github.com/google/subcommands"

	_ "net/http/pprof" // For pprof profiling
)

type monitorCmd struct {
	addr  string
	pprof string
}

func (*monitorCmd) Name() string     { return "monitor" }
func (*monitorCmd) Synopsis() string { return "serve the HTTP API and evaluate alerts periodically" }
func (*monitorCmd) Usage() string {
	return `crypsync monitor [-addr :9090] [-pprof localhost:6060]

  Runs until interrupted. Trigger and trade events are pushed to /ws clients.
`
}

func (c *monitorCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.addr, "addr", "", "Listen address (overrides monitor.addr)")
	f.StringVar(&c.pprof, "pprof", "", "Serve pprof on this address, e.g. localhost:6060")
}

func (c *monitorCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, func(ctx context.Context, b *app.Bootstrap) error {
		addr := b.Config.Monitor.Addr
		if c.addr != "" {
			addr = c.addr
		}

		if c.pprof != "" {
			go func() {
				slog.Info("🕵️ Pprof server started", slog.String("addr", c.pprof))
				if err := http.ListenAndServe(c.pprof, nil); err != nil {
					slog.Error("Pprof server failed", slog.Any("error", err))
				}
			}()
		}

		mon := monitor.NewServer(b.Prices, b.Portfolio, b.Alerts, b.Metrics, b.Hub, b.Logger)
		srv := &http.Server{
			Addr:              addr,
			Handler:           mon.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		evalCtx, stopEval := context.WithCancel(ctx)
		evalDone := make(chan struct{})
		go func() {
			defer close(evalDone)
			mon.RunEvaluator(evalCtx, b.Config.MonitorInterval())
		}()
		// The store closes once this returns.
		defer func() {
			stopEval()
			<-evalDone
		}()

		errCh := make(chan error, 1)
		go func() {
			slog.Info("✅ Monitor listening", slog.String("addr", addr))
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		slog.Info("🛑 Shutting down monitor")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}
