package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zpdzap/drydock/internal/api"
)

// Run starts the dashboard against a running daemon and blocks until the
// user quits. Quitting leaves runs going.
func Run(ctx context.Context, client *api.Client) error {
	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("daemon not reachable at %s (start it with `drydock serve`): %w", client.BaseURL, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := client.Subscribe(ctx, "")
	if err != nil {
		return err
	}

	p := tea.NewProgram(newModel(client), tea.WithAltScreen())
	go func() {
		for msg := range events {
			p.Send(eventMsg(msg))
		}
		if ctx.Err() == nil {
			p.Send(disconnectedMsg{})
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	fmt.Println("Goodbye! (runs keep going in the daemon; use /stop to end them)")
	return nil
}
