package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/better-wallet/walletbridge/internal/api"
	"github.com/better-wallet/walletbridge/internal/app"
	"github.com/better-wallet/walletbridge/internal/approval"
	"github.com/better-wallet/walletbridge/internal/eth"
	"github.com/better-wallet/walletbridge/internal/keyexec"
	"github.com/better-wallet/walletbridge/internal/logger"
	"github.com/better-wallet/walletbridge/internal/metrics"
	"github.com/better-wallet/walletbridge/internal/middleware"
	"github.com/better-wallet/walletbridge/internal/queue"
	"github.com/better-wallet/walletbridge/internal/transport"
)

// UI calls per second allowed from one client IP
const (
	uiRPS   = 20
	uiBurst = 40
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	c, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	cfg := c.cfg

	if ok, _ := c.vault.Exists(ctx); !ok {
		logger.Warn(ctx, "no wallet yet; run `walletbridge init` first")
	}

	chains, err := eth.Dial(ctx, cfg.RPCURLs, cfg.DefaultChainID)
	if err != nil {
		return fmt.Errorf("failed to connect to chains: %w", err)
	}
	defer chains.Close()
	logger.Info(ctx, "chains ready", "chains", chains.Chains(), "selected", chains.Current())

	m := metrics.New()
	originLimiter := middleware.NewRateLimiter(float64(cfg.OriginRPS), cfg.OriginBurst, c.clock)
	uiLimiter := middleware.NewRateLimiter(uiRPS, uiBurst, c.clock)

	var q *queue.Queue
	q = queue.New(queue.Options{
		ApprovalTimeout:     cfg.ApprovalTimeout,
		Timeout:             cfg.TransportTimeout,
		SweepInterval:       cfg.SweepInterval,
		MaxPendingPerOrigin: cfg.MaxPendingPerOrigin,
		Limiter:             originLimiter,
		Clock:               c.clock,
		OnFinish: func(req *queue.Request, status queue.Status, elapsed time.Duration) {
			m.ObserveRequest(req.Method, string(status), elapsed)
			m.QueueDepth.Set(float64(q.Len()))
		},
	})

	surface := approval.NewHTTPSurface()
	gate := approval.NewGate(q, surface, approval.Options{
		Clock: c.clock,
		OnSettle: func(p approval.Prompt, state approval.State, elapsed time.Duration) {
			m.ObserveApproval(string(p.Kind), string(state), elapsed)
		},
	})

	provider := app.NewProvider(q, gate, c.perms, c.sessions, keyexec.NewLocalOracle(c.vault), chains, app.Options{
		UnlockTimeout: cfg.UnlockTimeout,
		Clock:         c.clock,
		Metrics:       m,
	})

	bridge := transport.NewServer(provider, transport.ServerOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Clock:          c.clock,
		OnConnection:   func(delta int) { m.TransportConnections.Add(float64(delta)) },
		OnMessage: func(direction string, t transport.Type) {
			m.TransportMessagesTotal.WithLabelValues(direction, string(t)).Inc()
		},
	})
	provider.SetEventSink(bridge)

	go q.Run(ctx)
	go provider.Run(ctx)
	go originLimiter.Run(ctx)
	go uiLimiter.Run(ctx)

	server := api.NewServer(cfg, api.Deps{
		Vault:       c.vault,
		Sessions:    c.sessions,
		Approvals:   surface,
		Permissions: c.perms,
		Provider:    provider,
		Transport:   bridge,
		Metrics:     m,
		Limiter:     uiLimiter,
	})

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// pages hear DISCONNECT before the listener goes away
	bridge.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "error during shutdown", "error", err)
	}
	logger.Info(shutdownCtx, "server stopped")
	return nil
}
