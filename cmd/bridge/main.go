// Command ocx-bridge exposes a local coding agent to the OCX marketplace:
// authenticated task intake over REST, JSON-RPC and WebSocket, subprocess
// execution, progressive free-tier quotas, and optional on-chain escrow
// settlement.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/ocx/bridge/internal/auth"
	"github.com/ocx/bridge/internal/bridge"
	"github.com/ocx/bridge/internal/card"
	"github.com/ocx/bridge/internal/config"
	"github.com/ocx/bridge/internal/escrow"
	"github.com/ocx/bridge/internal/executor"
	"github.com/ocx/bridge/internal/lifecycle"
	"github.com/ocx/bridge/internal/metrics"
	"github.com/ocx/bridge/internal/node"
	"github.com/ocx/bridge/internal/ratelimit"
	"github.com/ocx/bridge/internal/server"
	"github.com/ocx/bridge/internal/task"
	"github.com/ocx/bridge/internal/trust"
)

const version = "0.1.0"

// usdcDecimals converts a human price like "0.10" to atomic units.
const usdcDecimals = 6

func main() {
	configPath := flag.String("config", "", "path to a yaml config file")
	host := flag.String("host", "", "listen host (overrides config)")
	port := flag.Int("port", 0, "listen port (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("ocx-bridge " + version)
		return
	}

	logger := newLogger()
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ocx-bridge:", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "ocx-bridge:", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("bridge failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	for _, dir := range []string{cfg.StateDir, cfg.Executor.WorkspaceDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	m := metrics.NewMetrics(nil)

	exec := executor.New(executor.Options{
		Command:       cfg.Executor.Command,
		ExtraArgs:     cfg.Executor.ExtraArgs,
		Allowed:       cfg.Executor.AllowedCommands,
		WorkspaceRoot: cfg.Executor.WorkspaceDir,
		MaxTimeout:    cfg.Executor.MaxTaskTimeout,
	}, logger)

	registry := task.NewRegistry(cfg.Limits.ResultTTL, cfg.Limits.SweepInterval, exec)
	store := ratelimit.NewStore(cfg.RateLimitsPath(), logger)
	trustStore := trust.NewStore(cfg.TrustStorePath(), logger)

	var eng *bridge.Engine
	life := lifecycle.New(cfg.Limits.DrainTimeout, func() int { return eng.CancelRemaining() }, logger)

	esc, err := dialEscrow(cfg, logger)
	if err != nil {
		return err
	}
	eng = bridge.New(bridge.Options{
		Registry:      registry,
		Executor:      exec,
		Life:          life,
		FreeTier:      ratelimit.NewFreeTier(store, cfg.Limits.IPDailyLimit),
		Trust:         trustStore,
		Escrow:        esc,
		Metrics:       m,
		Logger:        logger,
		WorkspaceRoot: cfg.Executor.WorkspaceDir,
		MaxTimeout:    cfg.Executor.MaxTaskTimeout,
	})

	receipts, err := buildX402(cfg)
	if err != nil {
		return err
	}
	authn := auth.New(auth.Options{
		APIToken:    cfg.Auth.APIToken,
		WSToken:     cfg.Auth.WSAuthToken,
		RequireAuth: cfg.Auth.RequireAuth,
		Receipts:    receipts,
	})

	desc, err := card.New(cfg, time.Now())
	if err != nil {
		return fmt.Errorf("build agent card: %w", err)
	}

	var upstream *node.Client
	if cfg.Node.URL != "" {
		upstream = node.New(cfg.Node.URL, logger)
	}

	srv := server.New(server.Options{
		Config:   cfg,
		Auth:     authn,
		Engine:   eng,
		Registry: registry,
		Trust:    trustStore,
		Card:     desc,
		Node:     upstream,
		Metrics:  m,
		Gatherer: prometheus.DefaultGatherer,
		Logger:   logger,
	})

	logger.Info("starting ocx-bridge",
		"version", version,
		"addr", srv.Addr(),
		"agent", cfg.AgentName,
		"worker", cfg.Executor.Command,
		"mock", exec.Mock(),
		"auth_required", cfg.Auth.RequireAuth,
		"escrow", cfg.Escrow.Enabled(),
		"x402", cfg.X402.Enabled(),
		"node", cfg.Node.URL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		store.Run(gctx, cfg.Limits.SaveInterval)
		return nil
	})
	g.Go(func() error {
		trustStore.Run(gctx, cfg.Limits.SaveInterval)
		return nil
	})
	g.Go(srv.Start)

	timedOut := false
	g.Go(func() error {
		<-gctx.Done()

		// Past this point a hung executor must not keep the process alive.
		watchdog := time.AfterFunc(cfg.Limits.DrainTimeout+5*time.Second, func() {
			logger.Error("shutdown watchdog fired, exiting")
			os.Exit(1)
		})
		defer watchdog.Stop()

		m.LifecycleState.Set(1)
		report := life.Drain()
		m.LifecycleState.Set(2)
		timedOut = report.TimedOut

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		registry.Sweep()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if timedOut {
		return fmt.Errorf("drain timed out with tasks still running")
	}
	logger.Info("bridge stopped")
	return nil
}

// dialEscrow connects the settlement client when escrow is configured.
func dialEscrow(cfg *config.Config, logger *slog.Logger) (*escrow.Client, error) {
	if !cfg.Escrow.Enabled() {
		return nil, nil
	}
	esc, err := escrow.Dial(escrow.Options{
		RPCURL:       cfg.Escrow.RPCURL,
		ContractAddr: cfg.Escrow.ContractAddr,
		ChainID:      cfg.Escrow.ChainID,
		ProviderDID:  cfg.Escrow.ProviderDID,
		WalletKey:    cfg.WalletKey,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect escrow chain: %w", err)
	}
	return esc, nil
}

// buildX402 assembles the receipt validator. An unset pay_to address falls
// back to the wallet's own address.
func buildX402(cfg *config.Config) (auth.ReceiptValidator, error) {
	if !cfg.X402.Enabled() {
		return nil, nil
	}
	payTo := cfg.X402.PayTo
	if payTo == "" {
		addr, err := escrow.WalletAddress(cfg.WalletKey)
		if err != nil {
			return nil, fmt.Errorf("derive pay_to from wallet key: %w", err)
		}
		payTo = addr
	}
	price, err := parseUSDC(cfg.X402.PriceUSDC)
	if err != nil {
		return nil, fmt.Errorf("parse price_usdc: %w", err)
	}
	return auth.NewX402(auth.X402Options{
		PayTo:          payTo,
		Asset:          cfg.X402.USDCAddr,
		Price:          price,
		Network:        cfg.X402.Network,
		ValidityPeriod: cfg.X402.ValidityPeriod,
	}), nil
}

// parseUSDC converts a decimal USDC amount to atomic units.
func parseUSDC(s string) (*big.Int, error) {
	whole, frac, _ := strings.Cut(strings.TrimSpace(s), ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > usdcDecimals {
		return nil, fmt.Errorf("%q has more than %d decimal places", s, usdcDecimals)
	}
	frac += strings.Repeat("0", usdcDecimals-len(frac))

	units, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || units.Sign() < 0 {
		return nil, fmt.Errorf("%q is not a valid amount", s)
	}
	return units, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("OCX_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
