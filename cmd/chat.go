// File: cmd/chat.go
package cmd

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/api/schemas"
	"github.com/helmsman-ai/helmsman/internal/agent"
	"github.com/helmsman-ai/helmsman/internal/observability"
)

const banner = `
   __        __
  / /  ___ / /_ _  ___ __ _  ___ ____
 / _ \/ -_) /  ' \(_-</  ' \/ _ '/ _ \
/_//_/\__/_/_/_/_/___/_/_/_/\_,_/_//_/

  Tell me what to do on the web.
  Ctrl+C stops the current task; "exit" quits.
`

func newChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation with the agent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context())
		},
	}
}

func runChat(ctx context.Context) error {
	logger := observability.GetLogger()
	defer observability.Sync()

	// The REPL owns interrupt handling: Ctrl+C cancels the in-flight turn
	// and leaves the paused task on the stack for the next prompt, so the
	// loop must not run on the process-lifetime context, which SIGINT
	// cancels. SIGTERM still ends the REPL.
	replCtx, stopRepl := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRepl()

	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, syscall.SIGTERM)
	defer signal.Stop(termCh)
	go func() {
		select {
		case <-termCh:
			stopRepl()
		case <-replCtx.Done():
		}
	}()

	engine, bus, cleanup, err := buildAgent(replCtx, loadedConfig, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// Consume the feedback stream and render it on the terminal.
	var consumerWg sync.WaitGroup
	events, unsubscribe := bus.Subscribe()
	consumerWg.Add(1)
	go func() {
		defer consumerWg.Done()
		renderFeedback(events, bus, loadedConfig.Browser.ScreenshotDir, logger)
	}()
	defer func() {
		unsubscribe()
		consumerWg.Wait()
	}()

	fmt.Print(banner)
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("helmsman > ")
		if !scanner.Scan() {
			break // Exit on EOF (Ctrl+D)
		}
		if replCtx.Err() != nil {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		runTurnInteractive(replCtx, engine, line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading from stdin: %w", err)
	}

	fmt.Println("Exiting helmsman.")
	return nil
}

// turnRunner is the slice of the engine the REPL drives.
type turnRunner interface {
	HandleUtterance(ctx context.Context, utterance string) error
	Cancel()
}

// runTurnInteractive runs one turn with SIGINT registered for its duration,
// so Ctrl+C cancels the turn instead of the process.
func runTurnInteractive(ctx context.Context, engine turnRunner, utterance string) {
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	runTurn(ctx, engine, utterance, interrupts)
}

// runTurn blocks until the turn finishes, converting an interrupt into an
// engine cancel. Turn errors are not reported here; the details already went
// to the feedback stream.
func runTurn(ctx context.Context, engine turnRunner, utterance string, interrupts <-chan os.Signal) {
	done := make(chan error, 1)
	go func() {
		done <- engine.HandleUtterance(ctx, utterance)
	}()

	for {
		select {
		case <-done:
			return
		case <-interrupts:
			engine.Cancel()
		case <-ctx.Done():
			engine.Cancel()
			<-done
			return
		}
	}
}

// renderFeedback prints messages and state changes, and writes screenshots
// to disk instead of dumping base64 on the terminal.
func renderFeedback(events <-chan schemas.FeedbackEvent, bus *agent.FeedbackBus, screenshotDir string, logger *zap.Logger) {
	for event := range events {
		switch event.Kind {
		case schemas.FeedbackMessage:
			fmt.Printf("\n[agent] %s\n", event.Text)
		case schemas.FeedbackStatus:
			fmt.Printf("  ... %s\n", event.State)
		case schemas.FeedbackScreenshot:
			path, err := saveScreenshot(screenshotDir, event)
			if err != nil {
				logger.Warn("Failed to save screenshot.", zap.Error(err))
			} else {
				fmt.Printf("  [screenshot saved: %s]\n", path)
			}
		}
		bus.Acknowledge(event)
	}
}

func saveScreenshot(dir string, event schemas.FeedbackEvent) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(event.ImageB64)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s.png", time.Now().Format("20060102-150405"), event.ID)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
