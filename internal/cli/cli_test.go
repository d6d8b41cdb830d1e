package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crypsync/internal/service"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"
)

// fakeCoinGecko serves simple/price for a fixed set of assets.
func fakeCoinGecko(t *testing.T) *httptest.Server {
	t.Helper()
	quotes := map[string]string{
		"bitcoin":  `{"usd":65000,"usd_24h_change":1.5}`,
		"ethereum": `{"usd":3200,"usd_24h_change":-0.75}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/simple/price" {
			http.NotFound(w, r)
			return
		}
		var parts []string
		for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
			if q, ok := quotes[id]; ok {
				parts = append(parts, fmt.Sprintf("%q:%s", id, q))
			}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "{%s}", strings.Join(parts, ","))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// setupCLI points the package flags at a temp config backed by sqlite and
// the fake upstream.
func setupCLI(t *testing.T) {
	t.Helper()
	srv := fakeCoinGecko(t)
	dir := t.TempDir()

	cfg := fmt.Sprintf(`
price_feed:
  base_url: %q
  tokens_per_window: 1000
  window_sec: 1
storage:
  driver: sqlite
  path: %q
logging:
  dir: %q
  level: error
notify:
  log: false
`, srv.URL, filepath.Join(dir, "crypsync.db"), filepath.Join(dir, "logs"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	oldConfig, oldUser := *configPath, *userFlag
	*configPath = path
	*userFlag = "alice"
	t.Cleanup(func() {
		*configPath, *userFlag = oldConfig, oldUser
	})
}

// run executes one command line and returns its exit status and output.
func run(t *testing.T, args ...string) (subcommands.ExitStatus, string, string) {
	t.Helper()
	return runContext(t, context.Background(), args...)
}

func runContext(t *testing.T, ctx context.Context, args ...string) (subcommands.ExitStatus, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	oldOut, oldErr := stdout, stderr
	stdout, stderr = &out, &errOut
	defer func() { stdout, stderr = oldOut, oldErr }()

	fs := flag.NewFlagSet("crypsync", flag.ContinueOnError)
	cdr := subcommands.NewCommander(fs, "crypsync")
	Register(cdr)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	status := cdr.Execute(ctx)
	return status, out.String(), errOut.String()
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	status, out, errOut := run(t, args...)
	if status != subcommands.ExitSuccess {
		t.Fatalf("%v exited %d: %s", args, status, errOut)
	}
	return out
}

func TestDecimalFlag(t *testing.T) {
	var d decimalFlag
	if d.String() != "" {
		t.Errorf("unset String() = %q", d.String())
	}
	if err := d.Set(" 0.125 "); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !d.set || !d.value.Equal(decimal.RequireFromString("0.125")) {
		t.Errorf("got %+v", d)
	}
	if err := d.Set("abc"); err == nil {
		t.Error("expected error for non-decimal")
	}
}

func TestSignedPct(t *testing.T) {
	tests := map[string]string{
		"12.345": "+12.35%",
		"-4.1":   "-4.10%",
		"0":      "0.00%",
	}
	for in, want := range tests {
		if got := signedPct(decimal.RequireFromString(in)); got != want {
			t.Errorf("signedPct(%s) = %q, want %q", in, got, want)
		}
	}
}

func TestPricesCommand(t *testing.T) {
	setupCLI(t)

	out := mustRun(t, "prices", "bitcoin,ethereum", "dogecoin")
	for _, want := range []string{"$65,000.00", "+1.50%", "$3,200.00", "-0.75%", "No price for: dogecoin"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	status, _, errOut := run(t, "prices", "dogecoin")
	if status != subcommands.ExitFailure || !strings.Contains(errOut, "PRICE_NOT_FOUND") {
		t.Errorf("unknown asset: status %d, stderr %q", status, errOut)
	}

	if status, _, _ := run(t, "prices"); status != subcommands.ExitUsageError {
		t.Errorf("no ids: status %d, want usage error", status)
	}
}

func TestTradeAndPortfolioCommands(t *testing.T) {
	setupCLI(t)

	out := mustRun(t, "buy", "-a", "bitcoin", "-n", "0.5", "-p", "60000")
	if !strings.Contains(out, "$60,000.00") {
		t.Errorf("buy output:\n%s", out)
	}

	// Without -p the current price is used: avg = (30000 + 32500) / 1
	out = mustRun(t, "buy", "-a", "bitcoin", "-n", "0.5")
	if !strings.Contains(out, "$62,500.00") {
		t.Errorf("buy at market output:\n%s", out)
	}

	out = mustRun(t, "sell", "-a", "bitcoin", "-n", "0.25")
	if !strings.Contains(out, "Realized P/L") || !strings.Contains(out, "$625.00") {
		t.Errorf("sell output:\n%s", out)
	}

	status, _, errOut := run(t, "sell", "-a", "bitcoin", "-n", "5")
	if status != subcommands.ExitFailure || !strings.Contains(errOut, "INSUFFICIENT_BALANCE") {
		t.Errorf("oversell: status %d, stderr %q", status, errOut)
	}

	out = mustRun(t, "portfolio", "-json")
	var v service.Valuation
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode valuation: %v\n%s", err, out)
	}
	if !v.TotalValue.Equal(decimal.NewFromInt(48750)) {
		t.Errorf("TotalValue = %v, want 48750", v.TotalValue)
	}

	out = mustRun(t, "transactions")
	if n := strings.Count(out, "bitcoin"); n != 3 {
		t.Errorf("transactions listed %d trades, want 3:\n%s", n, out)
	}

	out = mustRun(t, "history", "-days", "7")
	if n := strings.Count(strings.TrimSpace(out), "\n"); n != 3 {
		t.Errorf("history has %d points, want 3:\n%s", n, out)
	}
}

func TestAlertCommands(t *testing.T) {
	setupCLI(t)

	out := mustRun(t, "alert", "add", "-a", "bitcoin", "-t", "60000", "-d", "above")
	fields := strings.Fields(out)
	if len(fields) < 3 || fields[0] != "Created" {
		t.Fatalf("unexpected add output %q", out)
	}
	id := strings.TrimSuffix(fields[2], ":")

	out = mustRun(t, "evaluate")
	if !strings.Contains(out, "Price Alert - BITCOIN") {
		t.Errorf("first evaluation:\n%s", out)
	}
	out = mustRun(t, "evaluate")
	if !strings.Contains(out, "No alerts triggered.") {
		t.Errorf("second evaluation fired again:\n%s", out)
	}

	out = mustRun(t, "alert", "list")
	if !strings.Contains(out, "TRIGGERED") {
		t.Errorf("list output:\n%s", out)
	}

	out = mustRun(t, "alert", "rearm", id)
	if !strings.Contains(out, "ACTIVE") {
		t.Errorf("rearm output %q", out)
	}

	*userFlag = "mallory"
	status, _, errOut := run(t, "alert", "delete", id)
	if status != subcommands.ExitFailure || !strings.Contains(errOut, "UNAUTHORIZED") {
		t.Errorf("foreign delete: status %d, stderr %q", status, errOut)
	}
	*userFlag = "alice"

	mustRun(t, "alert", "delete", id)
	status, _, errOut = run(t, "alert", "delete", id)
	if status != subcommands.ExitFailure || !strings.Contains(errOut, "ALERT_NOT_FOUND") {
		t.Errorf("second delete: status %d, stderr %q", status, errOut)
	}

	mustRun(t, "palert", "add", "-r", "value_above", "-t", "100")
	mustRun(t, "buy", "-a", "ethereum", "-n", "1", "-p", "3000")
	out = mustRun(t, "evaluate", "-all")
	if !strings.Contains(out, "Portfolio Alert - VALUE_ABOVE") {
		t.Errorf("portfolio evaluation:\n%s", out)
	}

	status, _, _ = run(t, "palert", "add", "-r", "sideways", "-t", "1")
	if status != subcommands.ExitFailure {
		t.Errorf("unknown rule: status %d", status)
	}
}

func TestCommandsRequireUser(t *testing.T) {
	setupCLI(t)
	*userFlag = ""

	for _, args := range [][]string{
		{"portfolio"},
		{"buy", "-a", "bitcoin", "-n", "1"},
		{"alert", "list"},
	} {
		status, _, errOut := run(t, args...)
		if status != subcommands.ExitUsageError || !strings.Contains(errOut, "-user") {
			t.Errorf("%v: status %d, stderr %q", args, status, errOut)
		}
	}
}

func TestMonitorCommandStopsOnCancel(t *testing.T) {
	setupCLI(t)
	mustRun(t, "alert", "add", "-a", "bitcoin", "-t", "60000")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	status, _, errOut := runContext(t, ctx, "monitor", "-addr", "127.0.0.1:0")
	if status != subcommands.ExitSuccess {
		t.Fatalf("monitor exited %d: %s", status, errOut)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("monitor took %v to stop", elapsed)
	}

	// The store is still usable by the next command, so the evaluator
	// finished before it was closed.
	out := mustRun(t, "alert", "list")
	if !strings.Contains(out, "TRIGGERED") {
		t.Errorf("evaluator did not run before shutdown:\n%s", out)
	}
}
