// Package cli implements an interactive local console gateway. It opens one
// session against the orchestrator and runs each typed line as a command in
// the session's sandbox.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jkaninda/sanduku/internal/console"
	"github.com/jkaninda/sanduku/internal/session"
)

const cliOwnerID = "cli-user"

// Gateway is the interactive command-line console.
type Gateway struct {
	orchestrator *session.Orchestrator
	logger       *slog.Logger
	done         chan struct{} // closed by Stop to signal shutdown
}

// NewGateway creates a CLI gateway backed by the given orchestrator.
func NewGateway(orch *session.Orchestrator, logger *slog.Logger) *Gateway {
	return &Gateway{
		orchestrator: orch,
		logger:       logger,
		done:         make(chan struct{}),
	}
}

// Start runs the interactive REPL. Blocks until ctx is cancelled,
// Stop is called, or the user types "exit".
func (g *Gateway) Start(ctx context.Context) error {
	sess, err := g.orchestrator.CreateSession(ctx, cliOwnerID, console.SessionInteractive, console.SessionMetadata{
		UserAgent: "sanduku-cli",
	})
	if err != nil {
		return fmt.Errorf("creating console session: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.orchestrator.Terminate(tctx, cliOwnerID, sess.ID, session.EndReasonUser); err != nil {
			g.logger.Warn("terminating cli session", slog.String("error", err.Error()))
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)

	fmt.Println("Sanduku — sandboxed developer console")
	fmt.Printf("Session %s ready. Type a command (or \"exit\" to quit).\n", sess.ID)
	fmt.Println()

	for {
		fmt.Print("sanduku> ")

		// Check for context cancellation or Stop signal between prompts.
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down.")
			return nil
		case <-g.done:
			fmt.Println("\nShutting down.")
			return nil
		default:
		}

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			fmt.Println("Goodbye.")
			return nil
		}

		cmd, err := g.orchestrator.DispatchCommand(ctx, cliOwnerID, sess.ID, session.DispatchRequest{
			Text: line,
		})
		if err != nil {
			g.logger.ErrorContext(ctx, "command dispatch failed",
				slog.String("session_id", sess.ID.String()),
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}

		printResult(cmd)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}

	return nil
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
		// Already closed.
	default:
		close(g.done)
	}
	return nil
}

func printResult(cmd *console.Command) {
	if cmd.Output != nil {
		if cmd.Output.Stdout != "" {
			fmt.Print(cmd.Output.Stdout)
			if !strings.HasSuffix(cmd.Output.Stdout, "\n") {
				fmt.Println()
			}
		}
		if cmd.Output.Stderr != "" {
			fmt.Fprint(os.Stderr, cmd.Output.Stderr)
			if !strings.HasSuffix(cmd.Output.Stderr, "\n") {
				fmt.Fprintln(os.Stderr)
			}
		}
	}

	switch cmd.Status {
	case console.CommandTimeout:
		fmt.Fprintln(os.Stderr, "(command timed out)")
	case console.CommandFailed:
		if cmd.Output != nil && cmd.Output.ExitCode != nil {
			fmt.Fprintf(os.Stderr, "(exit code %d)\n", *cmd.Output.ExitCode)
		} else {
			fmt.Fprintln(os.Stderr, "(command failed)")
		}
	}
}
