// Command withdrawal-finalizer runs the daemon described in SPEC_FULL: it
// wires storage, both chain clients, the watcher/params-fetcher/finalizer
// loops, the historical Etherscan backfill, the withdrawals meterer, and
// the read-only HTTP API into one process, plus a "status" subcommand that
// prints the same snapshot api.Serve exposes at /status.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	pkgerrors "github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/matter-labs/zksync-withdrawal-finalizer/api"
	"github.com/matter-labs/zksync-withdrawal-finalizer/bindings"
	"github.com/matter-labs/zksync-withdrawal-finalizer/client"
	"github.com/matter-labs/zksync-withdrawal-finalizer/config"
	"github.com/matter-labs/zksync-withdrawal-finalizer/eth"
	"github.com/matter-labs/zksync-withdrawal-finalizer/etherscan"
	"github.com/matter-labs/zksync-withdrawal-finalizer/finalizer"
	"github.com/matter-labs/zksync-withdrawal-finalizer/meterer"
	"github.com/matter-labs/zksync-withdrawal-finalizer/metrics"
	"github.com/matter-labs/zksync-withdrawal-finalizer/paramsfetcher"
	"github.com/matter-labs/zksync-withdrawal-finalizer/signer"
	"github.com/matter-labs/zksync-withdrawal-finalizer/sources"
	"github.com/matter-labs/zksync-withdrawal-finalizer/storage"
	"github.com/matter-labs/zksync-withdrawal-finalizer/txmgr"
	"github.com/matter-labs/zksync-withdrawal-finalizer/watcher"
)

const (
	// l1ChannelCapacity/l2ChannelCapacity size the channels the watcher
	// drains; sources.BlockSource/L2Source block on send once full, which
	// is the intended backpressure (§4.D, reported via metrics.Main).
	l1ChannelCapacity = 1024
	l2ChannelCapacity = 1024
)

func main() {
	app := &cli.App{
		Name:   "withdrawal-finalizer",
		Usage:  "drives zkSync-style L2->L1 withdrawal finalization against L1",
		Flags:  config.Flags(),
		Action: runDaemon,
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "print the current watcher/finalizer status from the database",
				Flags:  config.Flags(),
				Action: runStatus,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Root().Crit(fmt.Sprintf("withdrawal-finalizer exited with error: %+v", err))
	}
}

// setupLogger picks a terminal or JSON handler: JSON when explicitly
// requested, otherwise a colored
// terminal handler only if stdout actually is a real terminal rather than
// a pipe or file (term.IsTerminal is the descriptor check; isatty backs
// up the Windows/Cygwin case term.IsTerminal alone misses).
func setupLogger(cfg config.Config) log.Logger {
	var handler log.Handler
	if cfg.LogJSON {
		handler = log.JSONHandler(os.Stdout)
	} else {
		fd := int(os.Stdout.Fd())
		useColor := term.IsTerminal(fd) || isatty.IsCygwinTerminal(uintptr(fd))
		handler = log.NewTerminalHandler(os.Stdout, useColor)
	}
	l := log.NewLogger(handler)
	log.SetDefault(l)
	return l
}

func runDaemon(c *cli.Context) error {
	cfg, err := config.FromCLIContext(c)
	if err != nil {
		return pkgerrors.Wrap(err, "load config")
	}
	l := setupLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if path := c.String(config.ConfigFileFlag); path != "" {
		go func() {
			if err := config.WatchFile(ctx, path, l); err != nil && ctx.Err() == nil {
				l.Error("config file watcher stopped", "err", err)
			}
		}()
	}

	store, err := storage.Open(ctx, cfg.DatabaseURL, l)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	sign, err := signer.New(signer.Config{PrivateKey: cfg.AccountPrivateKey, Mnemonic: cfg.Mnemonic, HDPath: cfg.HDPath})
	if err != nil {
		return fmt.Errorf("build signer: %w", err)
	}

	l1Base, err := client.Dial(ctx, cfg.L1WSURL, client.DefaultConfig(), l)
	if err != nil {
		return fmt.Errorf("dial l1: %w", err)
	}
	chainID, err := l1Base.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("fetch l1 chain id: %w", err)
	}
	l1 := l1Base.WithSigner(sign.From(), sign.SignerFn(chainID))

	l2Base, err := client.Dial(ctx, cfg.L2WSURL, client.DefaultConfig(), l)
	if err != nil {
		return fmt.Errorf("dial l2: %w", err)
	}
	l2 := client.NewL2Client(l2Base, l)

	m := metrics.New()

	mainContract := common.HexToAddress(cfg.MainContract)
	l2Bridge := common.HexToAddress(cfg.L2ERC20Bridge)
	finalizerContractAddr := common.HexToAddress(cfg.WithdrawalFinalizerContract)

	sender := txmgr.New(l1, l)
	contract := bindings.NewFinalizerContract(finalizerContractAddr, l1, sender, cfg.BatchFinalizationGasLimit, cfg.TxRetryTimeout)
	decoder := bindings.NewRollupDecoder(mainContract, l2Bridge)

	requestedMeter := meterer.New(store, m.Meterer, metrics.MeteringComponentRequested, l)
	finalizedMeter := meterer.New(store, m.Meterer, metrics.MeteringComponentFinalized, l)

	watch := watcher.New(store, l2, requestedMeter, l)
	fetcher := paramsfetcher.New(store, l2, contract, l)
	fin := finalizer.New(store, l1, contract, finalizedMeter, cfg.TxFeeLimit(), cfg.BatchFinalizationGasLimit, cfg.OneWithdrawalGasLimit, cfg.QueryDBPaginationLimit, l)

	storedTokens, tokenCursor, err := store.GetTokens(ctx)
	if err != nil {
		return fmt.Errorf("get tokens: %w", err)
	}
	seedTokens := make([]common.Address, len(storedTokens))
	for i, t := range storedTokens {
		seedTokens[i] = t.L2Address
	}

	blockSource := sources.NewBlockSource(l1, mainContract, l)
	l2Source := sources.NewL2Source(l2, l2Bridge, seedTokens, l)

	escan := etherscan.New(cfg.EtherscanBaseURL, cfg.EtherscanToken, sign.From(), decoder, store, l)

	l1FromBlock, _, err := store.LastL1BlockSeen(ctx)
	if err != nil {
		return fmt.Errorf("last l1 block seen: %w", err)
	}
	l2FromBlock, _, err := store.LastL2BlockSeen(ctx)
	if err != nil {
		return fmt.Errorf("last l2 block seen: %w", err)
	}
	escanFromBlock, _, err := store.LastL2ToL1EventsBlockSeen(ctx)
	if err != nil {
		return fmt.Errorf("last l2-to-l1 events block seen: %w", err)
	}

	blockEvents := make(chan eth.BlockEvent, l1ChannelCapacity)
	l2Events := make(chan eth.L2Event, l2ChannelCapacity)
	m.Main.WatcherL1ChannelCapacity.Set(l1ChannelCapacity)
	m.Main.WatcherL2ChannelCapacity.Set(l2ChannelCapacity)

	handler := api.New(store, m.Registry())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return blockSource.Run(gctx, l1FromBlock, blockEvents) })
	g.Go(func() error { return l2Source.Run(gctx, l2FromBlock, tokenCursor, l2Events) })
	g.Go(func() error { return watch.Run(gctx, blockEvents, l2Events) })
	g.Go(func() error { return fetcher.Run(gctx) })
	g.Go(func() error { return fin.Run(gctx) })
	g.Go(func() error { return escan.Run(gctx, l1, escanFromBlock) })
	g.Go(func() error { return api.Serve(gctx, cfg.APIListenAddr, handler) })

	err = g.Wait()
	if errors.Is(err, watcher.ErrUnhandledRevert) {
		l.Crit("unhandled L1 reorg observed, shutting down", "err", err)
		return err
	}
	if err != nil && ctx.Err() != nil {
		// shutdown was requested (signal or parent cancellation); every
		// goroutine unwound through ctx.Err(), not a real failure.
		return nil
	}
	return err
}

func runStatus(c *cli.Context) error {
	cfg, err := config.FromCLIContext(c)
	if err != nil {
		return pkgerrors.Wrap(err, "load config")
	}
	l := setupLogger(cfg)

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg.DatabaseURL, l)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	snap, err := store.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"field", "value"})
	table.Append([]string{"last_l1_block_seen", fmt.Sprint(snap.LastL1BlockSeen)})
	table.Append([]string{"last_l2_block_seen", fmt.Sprint(snap.LastL2BlockSeen)})
	table.Append([]string{"last_l2_to_l1_events_block_seen", fmt.Sprint(snap.LastL2ToL1EventsBlockSeen)})
	table.Append([]string{"pending_finalizations", fmt.Sprint(snap.PendingFinalizations)})
	table.Append([]string{"finalized_count", fmt.Sprint(snap.FinalizedCount)})
	table.Render()

	return nil
}
