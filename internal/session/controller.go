package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Controller drives the registry: it resumes persisted sessions on
// startup and runs the operator console for adding sessions at runtime.
type Controller struct {
	registry *Registry
}

// NewController creates a controller over the given registry.
func NewController(registry *Registry) *Controller {
	return &Controller{registry: registry}
}

// ResumeAll starts every persisted session. One session failing to
// resume does not stop the others.
func (c *Controller) ResumeAll(ctx context.Context) error {
	bindings, err := c.registry.store.ListSessions()
	if err != nil {
		return fmt.Errorf("failed to list persisted sessions: %w", err)
	}
	if len(bindings) == 0 {
		slog.Info("No persisted sessions to resume")
		return nil
	}

	for name := range bindings {
		if _, err := c.registry.Start(ctx, name); err != nil {
			slog.Error("Failed to resume session", "error", err, "session", name)
			continue
		}
	}
	slog.Info("Session resume complete", "live", len(c.registry.Names()))
	return nil
}

// RunConsole reads operator commands line by line until EOF, "exit", or
// context cancellation. Supported commands:
//
//	add <name>   start (or log in) the named session
//	list         print live session names
//	exit         stop reading commands
func (c *Controller) RunConsole(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	fmt.Println("Commands: add <name> | list | exit")

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "add":
			if len(fields) != 2 {
				fmt.Println("Usage: add <name>")
				continue
			}
			name := fields[1]
			if _, err := c.registry.Start(ctx, name); err != nil {
				slog.Error("Failed to start session from console", "error", err, "session", name)
				fmt.Printf("Failed to start session %s: %v\n", name, err)
				continue
			}
			fmt.Printf("Session %s is live\n", name)
		case "list":
			names := c.registry.Names()
			if len(names) == 0 {
				fmt.Println("No live sessions")
				continue
			}
			for _, name := range names {
				fmt.Println(name)
			}
		case "exit":
			return
		default:
			fmt.Printf("Unknown command: %s\n", fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("Console input error", "error", err)
	}
}
