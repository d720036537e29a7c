package tui

import (
	"context"
	"math/rand"
	"os"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/zpdzap/drydock/internal/agent"
	"github.com/zpdzap/drydock/internal/followup"
)

// Client is the part of the command API the dashboard uses.
type Client interface {
	ListRuns(ctx context.Context, limit int) ([]agent.Run, error)
	GetRun(ctx context.Context, id string) (agent.Snapshot, error)
	StartRun(ctx context.Context, req agent.Request) (string, error)
	StopRun(ctx context.Context, id string) error
	Nudge(ctx context.Context, id, text string) error
	FollowUp(ctx context.Context, parentID string, req followup.Request) (string, error)
	RunJob(ctx context.Context, id string) (string, error)
	PullImage(ctx context.Context, ref string) (string, error)
}

var quips = []string{
	"all hands on deck",
	"keel laid, hull dry",
	"shipshape and sandboxed",
	"no leaks below the waterline",
	"scraping barnacles since boot",
}

// model is the Bubble Tea model for the drydock dashboard.
type model struct {
	client     Client
	runs       []agent.Run
	input      textinput.Model
	cursor     int
	message    string
	isError    bool
	commanding bool // true when in command mode (/ pressed)
	quitting   bool
	width      int
	height     int
	quip       string // random phrase shown in header, constant per session
	connected  bool

	// Preview pane, keyed by run id. Transcripts are loaded on first
	// selection and then extended from pushed events.
	transcripts map[string]*transcript
	loading     map[string]bool

	// pull is the latest image pull progress line.
	pull string

	showHelp bool

	// Double-press stop confirmation
	confirmStop   bool
	confirmStopID string
}

func newModel(client Client) model {
	ti := textinput.New()
	ti.Placeholder = "start, stop, nudge, followup, cron run, pull | quit"
	ti.CharLimit = 1024
	ti.Width = 80
	// Input starts unfocused; activated by pressing /
	ti.Blur()

	// Get initial terminal size so the first render isn't at width=0
	w, h, _ := term.GetSize(int(os.Stdout.Fd()))
	if w == 0 {
		w = 80
	}
	if h == 0 {
		h = 24
	}

	return model{
		client:      client,
		input:       ti,
		width:       w,
		height:      h,
		quip:        quips[rand.Intn(len(quips))],
		connected:   true,
		transcripts: make(map[string]*transcript),
		loading:     make(map[string]bool),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(loadRuns(m.client), tickCmd())
}

// selected returns the run under the cursor.
func (m model) selected() (agent.Run, bool) {
	if m.cursor < 0 || m.cursor >= len(m.runs) {
		return agent.Run{}, false
	}
	return m.runs[m.cursor], true
}

// ensureTranscript fetches the selected run's history once.
func (m model) ensureTranscript() (model, tea.Cmd) {
	run, ok := m.selected()
	if !ok || m.transcripts[run.ID] != nil || m.loading[run.ID] {
		return m, nil
	}
	m.loading[run.ID] = true
	return m, loadSnapshot(m.client, run.ID)
}
