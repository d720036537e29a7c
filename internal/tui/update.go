package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/zpdzap/drydock/internal/agent"
	"github.com/zpdzap/drydock/internal/cron"
	"github.com/zpdzap/drydock/internal/followup"
	"github.com/zpdzap/drydock/internal/notify"
)

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = msg.Width - 6 // account for "  > /" prefix
		return m, nil

	case statusTickMsg:
		return m, tea.Batch(loadRuns(m.client), tickCmd())

	case runsLoadedMsg:
		if msg.err != nil {
			m.message = fmt.Sprintf("Error: %v", msg.err)
			m.isError = true
			return m, nil
		}
		m.setRuns(msg.runs)
		return m.ensureTranscript()

	case snapshotMsg:
		delete(m.loading, msg.id)
		if msg.err != nil {
			m.message = fmt.Sprintf("Loading %s: %v", shortID(msg.id), msg.err)
			m.isError = true
			return m, nil
		}
		m.transcripts[msg.id] = newTranscript(msg.snap.Events)
		m.upsert(msg.snap.Run)
		return m, nil

	case actionDoneMsg:
		if msg.err != nil {
			m.message = fmt.Sprintf("Error: %v", msg.err)
			m.isError = true
		} else {
			m.message = msg.text
			m.isError = false
		}
		return m, loadRuns(m.client)

	case eventMsg:
		return m.handleEvent(notify.Message(msg))

	case disconnectedMsg:
		m.connected = false
		m.message = "Lost connection to the daemon; falling back to polling"
		m.isError = true
		return m, nil

	case confirmStopExpiredMsg:
		m.confirmStop = false
		m.confirmStopID = ""
		return m, nil

	case tea.KeyMsg:
		if m.commanding {
			return m.handleCommandMode(msg)
		}
		return m.handleNormalMode(msg)
	}

	// Forward to input if in command mode
	if m.commanding {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

// setRuns swaps in a new run list, keeping the cursor on the same run
// when it is still listed.
func (m *model) setRuns(runs []agent.Run) {
	current, ok := m.selected()
	m.runs = runs
	m.cursor = min(m.cursor, max(len(runs)-1, 0))
	if !ok {
		return
	}
	for i, r := range runs {
		if r.ID == current.ID {
			m.cursor = i
			return
		}
	}
}

// upsert replaces a listed run with a newer record.
func (m *model) upsert(run agent.Run) bool {
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return true
		}
	}
	return false
}

func (m model) handleEvent(msg notify.Message) (tea.Model, tea.Cmd) {
	switch msg.Kind {
	case notify.RunStatus:
		for i := range m.runs {
			if m.runs[i].ID != msg.RunID {
				continue
			}
			m.runs[i].State = agent.State(msg.State)
			m.runs[i].Reason = msg.Reason
			if msg.PRURL != "" && m.runs[i].LatestPRURL() != msg.PRURL {
				m.runs[i].PRURLs = append(m.runs[i].PRURLs, msg.PRURL)
			}
			return m, nil
		}
		// A run we have not listed yet.
		return m, loadRuns(m.client)

	case notify.RunEvent:
		if msg.Event == nil {
			return m, nil
		}
		if t := m.transcripts[msg.RunID]; t != nil {
			t.add(*msg.Event)
		}
		return m, nil

	case notify.ImagePullProgress:
		if msg.Progress != nil {
			m.pull = pullLine(msg.Progress.Ref, msg.Progress.Status, msg.Progress.Current, msg.Progress.Total)
		}
		switch msg.Status {
		case "done":
			m.pull = ""
			m.message = fmt.Sprintf("Pulled %s", msg.Progress.Ref)
			m.isError = false
		case "failed":
			m.pull = ""
			m.message = fmt.Sprintf("Pull failed: %s", msg.Reason)
			m.isError = true
		}
		return m, nil

	case notify.CronJobStarted:
		m.message = fmt.Sprintf("Cron job %s started (run %s)", msg.JobID, shortID(msg.JobRunID))
		m.isError = false
		return m, nil

	case notify.CronJobCompleted:
		m.message = fmt.Sprintf("Cron job %s %s", msg.JobID, msg.Status)
		m.isError = msg.Status != string(cron.StatusSuccess)
		return m, nil
	}
	return m, nil
}

func pullLine(ref, status string, current, total int64) string {
	if total > 0 {
		return fmt.Sprintf("%s: %s %s / %s", ref, status, humanize.Bytes(uint64(current)), humanize.Bytes(uint64(total)))
	}
	return fmt.Sprintf("%s: %s", ref, status)
}

// handleNormalMode handles keys when navigating the run list.
func (m model) handleNormalMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Dismiss help modal
	if m.showHelp {
		if msg.String() == "?" || msg.String() == "esc" {
			m.showHelp = false
			return m, nil
		}
		// While help is showing, ignore other keys
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil
	}

	// If confirming a stop, second x confirms, anything else cancels
	if m.confirmStop {
		m.confirmStop = false
		id := m.confirmStopID
		m.confirmStopID = ""
		if msg.String() == "x" {
			return m.stop(id)
		}
		return m, nil
	}

	switch msg.String() {
	case "ctrl+c", "q":
		m.quitting = true
		return m, tea.Quit

	case "/":
		return m.prompt("")

	case "s":
		return m.prompt("start ")

	case "n":
		if run, ok := m.selected(); ok {
			return m.prompt("nudge " + shortID(run.ID) + " ")
		}
		return m, nil

	case "f":
		if run, ok := m.selected(); ok {
			return m.prompt("followup " + shortID(run.ID) + " ")
		}
		return m, nil

	case "p":
		return m.processInput("pull")

	case "x":
		if run, ok := m.selected(); ok && !run.State.Terminal() {
			m.confirmStop = true
			m.confirmStopID = run.ID
			return m, tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
				return confirmStopExpiredMsg{}
			})
		}
		return m, nil

	case "r":
		if run, ok := m.selected(); ok {
			delete(m.transcripts, run.ID)
			m.loading[run.ID] = true
			return m, loadSnapshot(m.client, run.ID)
		}
		return m, nil

	case "?":
		m.showHelp = !m.showHelp
		return m, nil

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		} else if len(m.runs) > 0 {
			m.cursor = len(m.runs) - 1
		}
		return m.ensureTranscript()

	case "down", "j":
		if m.cursor < len(m.runs)-1 {
			m.cursor++
		}
		return m.ensureTranscript()
	}

	return m, nil
}

func (m model) prompt(value string) (tea.Model, tea.Cmd) {
	m.commanding = true
	m.input.Focus()
	m.input.SetValue(value)
	m.input.SetCursor(len(value))
	return m, textinput.Blink
}

// handleCommandMode handles keys when the command input is active.
func (m model) handleCommandMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "esc":
		m.commanding = false
		m.input.Blur()
		m.input.SetValue("")
		return m, nil

	case "enter":
		m.commanding = false
		m.input.Blur()
		input := m.input.Value()
		m.input.SetValue("")
		return m.processInput(input)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) fail(format string, args ...any) (tea.Model, tea.Cmd) {
	m.message = fmt.Sprintf(format, args...)
	m.isError = true
	return m, nil
}

func (m model) stop(id string) (tea.Model, tea.Cmd) {
	m.message = fmt.Sprintf("Stopping run %s...", shortID(id))
	m.isError = false
	client := m.client
	return m, action("Stopped run "+shortID(id), func(ctx context.Context) (string, error) {
		return "", client.StopRun(ctx, id)
	})
}

func (m model) processInput(input string) (tea.Model, tea.Cmd) {
	input = strings.TrimSpace(input)
	if input == "" {
		return m, nil
	}
	// Allow commands with or without the / prefix
	if input[0] != '/' {
		input = "/" + input
	}
	cmd := ParseCommand(input)
	client := m.client

	switch cmd.Name {
	case "/start":
		req, err := parseStart(cmd.Args)
		if err != nil {
			return m.fail("%v", err)
		}
		m.message = "Starting run..."
		m.isError = false
		return m, action("Started run", func(ctx context.Context) (string, error) {
			id, err := client.StartRun(ctx, req)
			return shortID(id), err
		})

	case "/stop":
		if len(cmd.Args) != 1 {
			return m.fail("Usage: /stop <run>")
		}
		run, err := resolveRun(m.runs, cmd.Args[0])
		if err != nil {
			return m.fail("%v", err)
		}
		return m.stop(run.ID)

	case "/nudge":
		if len(cmd.Args) < 2 {
			return m.fail("Usage: /nudge <run> <message>")
		}
		run, err := resolveRun(m.runs, cmd.Args[0])
		if err != nil {
			return m.fail("%v", err)
		}
		text := strings.Join(cmd.Args[1:], " ")
		return m, action("Nudged run "+shortID(run.ID), func(ctx context.Context) (string, error) {
			return "", client.Nudge(ctx, run.ID, text)
		})

	case "/followup":
		if len(cmd.Args) < 2 {
			return m.fail("Usage: /followup <run> <prompt>")
		}
		run, err := resolveRun(m.runs, cmd.Args[0])
		if err != nil {
			return m.fail("%v", err)
		}
		req := followup.Request{Prompt: strings.Join(cmd.Args[1:], " ")}
		return m, action("Started follow-up", func(ctx context.Context) (string, error) {
			id, err := client.FollowUp(ctx, run.ID, req)
			return shortID(id), err
		})

	case "/cron":
		if len(cmd.Args) != 2 || cmd.Args[0] != "run" {
			return m.fail("Usage: /cron run <job-id>")
		}
		jobID := cmd.Args[1]
		return m, action("Fired cron job "+jobID+"; job run", func(ctx context.Context) (string, error) {
			return client.RunJob(ctx, jobID)
		})

	case "/pull":
		ref := ""
		if len(cmd.Args) > 0 {
			ref = cmd.Args[0]
		}
		return m, action("Pulling", func(ctx context.Context) (string, error) {
			return client.PullImage(ctx, ref)
		})

	case "/quit":
		m.quitting = true
		return m, tea.Quit
	}
	return m.fail("Unknown command: %s", strings.TrimPrefix(cmd.Name, "/"))
}
