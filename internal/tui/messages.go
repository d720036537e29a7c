package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zpdzap/drydock/internal/agent"
	"github.com/zpdzap/drydock/internal/notify"
)

const (
	refreshInterval = 5 * time.Second
	requestTimeout  = 10 * time.Second
	runListLimit    = 50
)

// runsLoadedMsg carries a fresh run list.
type runsLoadedMsg struct {
	runs []agent.Run
	err  error
}

// snapshotMsg carries a run's full history for the preview pane.
type snapshotMsg struct {
	id   string
	snap agent.Snapshot
	err  error
}

// actionDoneMsg reports the outcome of a command sent to the daemon.
type actionDoneMsg struct {
	text string
	err  error
}

// eventMsg is a notification pushed by the daemon.
type eventMsg notify.Message

// disconnectedMsg is sent when the notification stream ends.
type disconnectedMsg struct{}

// statusTickMsg triggers a status refresh poll.
type statusTickMsg time.Time

type confirmStopExpiredMsg struct{}

// tickCmd returns a command that sends a tick every refreshInterval. The
// event stream keeps the list current; the poll catches anything missed.
func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return statusTickMsg(t)
	})
}

func loadRuns(client Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		runs, err := client.ListRuns(ctx, runListLimit)
		return runsLoadedMsg{runs: runs, err: err}
	}
}

func loadSnapshot(client Client, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		snap, err := client.GetRun(ctx, id)
		return snapshotMsg{id: id, snap: snap, err: err}
	}
}

// action runs fn against the daemon and reports done on success.
func action(done string, fn func(ctx context.Context) (string, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		detail, err := fn(ctx)
		if err != nil {
			return actionDoneMsg{err: err}
		}
		if detail != "" {
			done += " " + detail
		}
		return actionDoneMsg{text: done}
	}
}
