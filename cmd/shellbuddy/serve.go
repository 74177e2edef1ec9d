package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tiancaiamao/shellbuddy/pkg/agent"
	"github.com/tiancaiamao/shellbuddy/pkg/auth"
	"github.com/tiancaiamao/shellbuddy/pkg/config"
	"github.com/tiancaiamao/shellbuddy/pkg/gateway"
	"github.com/tiancaiamao/shellbuddy/pkg/session"
	"github.com/tiancaiamao/shellbuddy/pkg/transport"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	log, err := setupLogger(cfg, false)
	if err != nil {
		return err
	}
	defer log.Close()

	apiKey, err := config.ResolveAPIKey(cfg.Model.Provider)
	if err != nil {
		return fmt.Errorf("resolve API key: %w", err)
	}

	issuer, err := auth.NewIssuer(cfg.Server.JWTSecret)
	if err != nil {
		return err
	}

	var history agent.HistoryStore = agent.NewMemoryHistory(cfg.Agent.HistoryMessages)
	if cfg.Agent.HistoryDir != "" {
		history = session.NewStore(cfg.Agent.HistoryDir, cfg.Agent.HistoryMessages, session.WithLogger(log.Logger))
	}

	runtime := agent.NewLoopRuntime(agent.LoopConfig{
		Model:         cfg.Model,
		APIKey:        apiKey,
		MaxIterations: cfg.Agent.MaxIterations,
		MaxLLMRetries: cfg.Agent.MaxLLMRetries,
		LLMTimeout:    cfg.Agent.LLMTimeout.Duration,
		History:       history,
		Logger:        log.Logger,
	})

	gw := gateway.New(issuer, runtime,
		gateway.WithAddr(cfg.Server.Addr),
		gateway.WithWSPath(cfg.Server.WSPath),
		gateway.WithSessionOptions(transport.WithCallTimeout(cfg.Server.CallTimeout.Duration)),
		gateway.WithLogger(log.Logger),
	)
	slog.Info("starting gateway", "model", cfg.Model.ID, "provider", cfg.Model.Provider)
	return gw.ListenAndServe(ctx)
}
