// File: cmd/bootstrap.go
package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/internal/agent"
	"github.com/helmsman-ai/helmsman/internal/browser/session"
	"github.com/helmsman-ai/helmsman/internal/config"
	"github.com/helmsman-ai/helmsman/internal/llmclient"
)

// buildAgent assembles the full stack: browser session, model client,
// planner, feedback bus and engine. The returned cleanup tears everything
// down in reverse order.
func buildAgent(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*agent.Engine, *agent.FeedbackBus, func(), error) {
	driver, err := session.NewSession(ctx, cfg.Browser, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to start browser: %w", err)
	}

	llm, err := llmclient.NewClient(cfg.LLM, logger)
	if err != nil {
		driver.Close(ctx)
		return nil, nil, nil, fmt.Errorf("failed to create model client: %w", err)
	}

	planner := agent.NewPlanner(llm, cfg.LLM, cfg.Tasks, logger)
	bus := agent.NewFeedbackBus(logger, cfg.Agent.FeedbackQueueSize)
	engine := agent.NewEngine(driver, planner, bus, cfg.Agent, cfg.Site, logger)

	cleanup := func() {
		bus.Shutdown()
		driver.Close(context.Background())
	}
	return engine, bus, cleanup, nil
}
