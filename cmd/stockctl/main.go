// Command stockctl runs operator tasks against the stock ledger.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/odyssey-erp/stockledger/cmd/stockctl/cli"
	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/stock"
)

const usage = `usage: stockctl <command> [flags]

commands:
  trigger <job>        enqueue a job now (low-stock-scan, reservation-integrity)
  queue                print default queue statistics
  scheduled [-n N]     list scheduled tasks
  integrity [-json]    compare reserved counters with open reservations
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}

	switch args[0] {
	case "trigger", "queue", "scheduled":
		jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
		defer func() {
			if err := jobsCLI.Close(); err != nil {
				slog.Default().Warn("jobs cli close", slog.Any("error", err))
			}
		}()
		return runJobs(ctx, jobsCLI, args, stdout, stderr)
	case "integrity":
		fs := flag.NewFlagSet("integrity", flag.ContinueOnError)
		fs.SetOutput(stderr)
		jsonOut := fs.Bool("json", false, "print JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 2})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "integrity: %v\n", err)
			return 1
		}
		defer pool.Close()
		ledger := stock.NewService(stock.NewRepository(pool, cfg.LockTimeout), stock.NewOrderLines(pool), nil, stock.ServiceConfig{LowStockThreshold: cfg.LowStockThreshold})
		return cli.IntegrityCommand(ctx, ledger, cli.IntegrityOptions{JSONOutput: *jsonOut, Stdout: stdout, Stderr: stderr})
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
}

func runJobs(ctx context.Context, jobsCLI *cli.JobsCLI, args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			_, _ = fmt.Fprintf(stderr, "trigger: job name required (%s)\n", strings.Join(cli.JobNames, ", "))
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, args[1])
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "trigger: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	case "queue":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "queue: %v\n", err)
			return 1
		}
		_ = json.NewEncoder(stdout).Encode(stats)
	case "scheduled":
		fs := flag.NewFlagSet("scheduled", flag.ContinueOnError)
		fs.SetOutput(stderr)
		size := fs.Int("n", 10, "number of tasks")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		tasks, err := jobsCLI.ListScheduled(ctx, *size)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "scheduled: %v\n", err)
			return 1
		}
		for _, task := range tasks {
			_, _ = fmt.Fprintf(stdout, "%s\t%s\t%s\n", task.ID, task.Type, task.NextProcessAt.Format("2006-01-02T15:04:05Z07:00"))
		}
	}
	return 0
}
