// Command reconcile is the operator fallback: it runs the same reconciliation
// against the database when the API and consumer are unavailable, and drives
// the one-off inventory shape normalization.
//
//	reconcile [-migrate] <order-id>...
//	reconcile [-migrate] -normalize
//
// Migrations run only with -migrate; -normalize needs the inventory_shape
// column from migration 000002.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/rajatrajputdev/megance-inventory/internal/config"
	"github.com/rajatrajputdev/megance-inventory/internal/inventory"
	"github.com/rajatrajputdev/megance-inventory/internal/logx"
	"github.com/rajatrajputdev/megance-inventory/internal/orders"
	"github.com/rajatrajputdev/megance-inventory/internal/postgres"
)

type options struct {
	normalize bool
	migrate   bool
	orderIDs  []string
}

var errUsage = errors.New("give order ids or -normalize")

func parseArgs(args []string, out io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.BoolVar(&o.normalize, "normalize", false, "tag untagged products with their inventory shape")
	fs.BoolVar(&o.migrate, "migrate", false, "apply migrations before running (not implied by -normalize)")
	fs.Usage = func() {
		fmt.Fprintln(out, "usage: reconcile [-migrate] <order-id>... | reconcile [-migrate] -normalize")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	o.orderIDs = fs.Args()
	if o.normalize == (len(o.orderIDs) > 0) {
		fs.Usage()
		return o, errUsage
	}
	return o, nil
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg := config.Load()
	logx.Setup(cfg.ServiceName+"-reconcile", cfg.LogLevel, true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.migrate {
		if err := postgres.Migrate(cfg.PostgresDSN, cfg.MigrationsPath); err != nil {
			log.Fatal().Err(err).Msg("migrate")
		}
	}

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()
	store := &postgres.Store{DB: db, MaxAttempts: cfg.TxMaxAttempts}

	if opts.normalize {
		counts, err := store.NormalizeShapes(ctx)
		for shape, n := range counts {
			log.Info().Str("shape", string(shape)).Int("products", n).Msg("normalized")
		}
		if err != nil {
			log.Fatal().Err(err).Msg("normalize")
		}
		return
	}

	svc := &inventory.Service{
		Store:       store,
		Accepted:    orders.NewStatusSet(cfg.AcceptedStatuses...),
		ServiceName: cfg.ServiceName + "-reconcile",
	}
	failed := 0
	for _, id := range opts.orderIDs {
		res, err := svc.Reconcile(ctx, inventory.Request{OrderID: id, Source: inventory.SourceAdmin})
		if err != nil {
			failed++
			log.Error().Err(err).Str("order_id", id).Str("code", string(inventory.CodeOf(err))).Msg("reconcile failed")
			continue
		}
		fmt.Printf("%s\talready=%t\tproducts=%d\tmissing=%d\tdropped=%d\n",
			id, res.Already, len(res.Products), len(res.Missing), res.Dropped)
	}
	if failed > 0 {
		os.Exit(1)
	}
}
