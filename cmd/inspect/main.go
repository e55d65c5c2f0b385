package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"pm-keeper/internal/app"
	"pm-keeper/internal/config"
	"pm-keeper/internal/ledger"
	"pm-keeper/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/monad-testnet.yaml", "path to config file")
	timeout := flag.Duration("timeout", 30*time.Second, "overall read timeout")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	// Inspection is read-only; keep side channels quiet.
	disabled := false
	cfg.Metrics.Enabled = &disabled
	cfg.Timescale.Enabled = false
	cfg.Telegram.Enabled = false
	cfg.Chain.WSURL = ""

	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	application, err := app.New(cfg, log)
	if err != nil {
		fatal(err)
	}
	defer application.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	view, err := application.Inspect(ctx)
	if err != nil {
		log.Error("inspect failed", zap.String("endpoint", view.Endpoint), zap.Error(err))
		os.Exit(1)
	}

	fmt.Printf("chain:         %s\n", cfg.Chain.Name)
	fmt.Printf("endpoint:      %s\n", view.Endpoint)
	fmt.Printf("ledger:        %s\n", cfg.Chain.LedgerAddress)
	fmt.Printf("signer:        %s\n", view.Signer.Hex())
	fmt.Printf("pending nonce: %d\n", view.PendingNonce)
	fmt.Printf("short tokens:  %s\n", view.Sizes.Short)
	fmt.Printf("long tokens:   %s\n", view.Sizes.Long)
	for _, op := range ledger.Ops() {
		if err, ok := view.WorkErrs[op]; ok {
			fmt.Printf("%-16s read failed: %v\n", op, err)
			continue
		}
		work := view.Work[op]
		fmt.Printf("%-16s %d positions\n", op, len(work))
		for _, addr := range work {
			fmt.Printf("  %s\n", addr.Hex())
		}
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
