// File: cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/internal/agent"
	"github.com/helmsman-ai/helmsman/internal/observability"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Expose the agent over a WebSocket endpoint.",
		Long: `Starts an HTTP server with a single /ws endpoint. Clients send
utterances and cancel requests as JSON; the agent streams its feedback
(messages, state changes, screenshots) back over the same socket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	logger := observability.GetLogger()
	defer observability.Sync()

	engine, bus, cleanup, err := buildAgent(ctx, loadedConfig, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	manager := agent.NewWSManager(logger, engine, bus)

	managerCtx, managerCancel := context.WithCancel(ctx)
	defer managerCancel()
	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		manager.Run(managerCtx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", manager.HandleWS)

	srvCfg := loadedConfig.Serve
	server := &http.Server{
		Addr:         srvCfg.Address,
		Handler:      mux,
		ReadTimeout:  srvCfg.ReadTimeout,
		WriteTimeout: srvCfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("WebSocket server listening.", zap.String("address", srvCfg.Address))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down server.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server shutdown was not clean.", zap.Error(err))
		}
		managerCancel()
		<-managerDone
		return nil
	case err := <-errCh:
		managerCancel()
		<-managerDone
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
