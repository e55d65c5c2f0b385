package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"pm-keeper/internal/app"
	"pm-keeper/internal/config"
	"pm-keeper/internal/keeper"
	"pm-keeper/internal/logging"

	"go.uber.org/zap"
)

type runChoice struct {
	label string
	mode  keeper.Mode
	loop  bool
}

var choices = map[string]runChoice{
	"once":        {label: "Run one full cycle", mode: keeper.ModeAll},
	"loop":        {label: "Run full cycles continuously", mode: keeper.ModeAll, loop: true},
	"funding":     {label: "Run funding phases only", mode: keeper.ModeFunding},
	"liquidation": {label: "Run liquidation phases only", mode: keeper.ModeLiquidation},
}

var menuOrder = []string{"once", "loop", "funding", "liquidation"}

func main() {
	configPath := flag.String("config", "configs/monad-testnet.yaml", "path to config file")
	modeFlag := flag.String("mode", "", "once | loop | funding | liquidation (prompts when empty)")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded", zap.String("path", *configPath), zap.String("chain", cfg.Chain.Name))

	name := strings.TrimSpace(*modeFlag)
	if name == "" {
		name, err = promptMode(os.Stdin, os.Stdout)
		if err != nil {
			log.Error("no mode selected", zap.Error(err))
			os.Exit(2)
		}
	}
	choice, ok := choices[name]
	if !ok {
		log.Error("unknown mode", zap.String("mode", name))
		os.Exit(2)
	}

	application, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx, choice.mode, choice.loop); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("keeper terminated", zap.Error(err))
		os.Exit(1)
	}
}

// promptMode shows the numbered menu and returns the chosen mode name.
func promptMode(in io.Reader, out io.Writer) (string, error) {
	fmt.Fprintln(out, "Select keeper mode:")
	for i, name := range menuOrder {
		fmt.Fprintf(out, "  %d) %s\n", i+1, choices[name].label)
	}
	fmt.Fprint(out, "> ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return parseMenuChoice(line)
}

func parseMenuChoice(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	for i, name := range menuOrder {
		if raw == fmt.Sprint(i+1) || raw == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("invalid choice %q", raw)
}
