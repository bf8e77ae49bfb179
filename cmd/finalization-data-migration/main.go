// Command finalization-data-migration is a one-shot database maintenance
// utility: it deletes already-finalized rows out of finalization_data in
// batches, reclaiming the message/proof bytea content the daemon no longer
// needs once a withdrawal has a finalization_tx recorded. It is deliberately
// not part of the withdrawal-finalizer daemon — it is meant to be run by
// hand or from a cron job against a live database, as its own small
// flag.Parse-driven process rather than a cli.App command.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/peterbourgon/ff/v3"

	"github.com/matter-labs/zksync-withdrawal-finalizer/storage"
)

// envPrefix: every flag below can also be set as
// FINALIZATION_DATA_MIGRATION_<FLAG_NAME>.
const envPrefix = "FINALIZATION_DATA_MIGRATION"

var (
	fs          = flag.NewFlagSet("finalization-data-migration", flag.ExitOnError)
	databaseURL = fs.String("database-url", "", "Postgres DSN to connect to (falls back to the DATABASE_URL env var)")
	batchSize   = fs.Int("batch-size", 1000, "number of finalization_data rows to delete per DELETE statement")
)

func main() {
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix(envPrefix)); err != nil {
		fmt.Fprintln(os.Stderr, "finalization-data-migration:", err)
		os.Exit(1)
	}

	l := gethlog.NewLogger(gethlog.NewTerminalHandler(os.Stdout, false))
	gethlog.SetDefault(l)

	dsn := *databaseURL
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		l.Crit("no database URL given (set -database-url or DATABASE_URL)")
		os.Exit(1)
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, dsn, l)
	if err != nil {
		l.Crit("open storage", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	deleted, err := store.DeleteFinalizationDataContent(ctx, *batchSize)
	if err != nil {
		l.Crit("delete finalization data content", "err", err)
		os.Exit(1)
	}
	l.Info("deleted finalized finalization_data rows", "count", deleted)
}
