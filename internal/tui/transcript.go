package tui

import (
	"strings"

	"github.com/zpdzap/drydock/internal/stream"
)

// maxTranscriptLines bounds what the preview pane keeps per run.
const maxTranscriptLines = 500

// transcript is the rendered tail of one run's event stream.
type transcript struct {
	lines   []string
	nudges  int
	lastSeq int64
	// open is true while the last line is a streamed block still
	// receiving deltas.
	open bool
}

func newTranscript(records []stream.Record) *transcript {
	t := &transcript{}
	for _, rec := range records {
		t.add(rec)
	}
	return t
}

// add renders rec. Records at or below the last seen sequence number are
// replays and are ignored.
func (t *transcript) add(rec stream.Record) {
	if rec.Seq <= t.lastSeq {
		return
	}
	t.lastSeq = rec.Seq
	ev, err := rec.Decode()
	if err != nil {
		return
	}
	switch e := ev.(type) {
	case stream.Nudge:
		t.nudges++
		t.push("» " + e.Text)
	case stream.ContentBlockDelta:
		if e.Text == "" {
			return
		}
		if !t.open {
			t.push("")
		}
		t.extend(e.Text)
		t.open = true
	case stream.ContentBlockStart:
		t.push(stream.Text(e))
		t.open = true
	case stream.Assistant:
		// The complete turn repeats what the deltas already streamed.
		if t.open {
			t.open = false
			return
		}
		t.push(stream.Text(e))
	default:
		t.push(stream.Text(e))
	}
}

// push starts new lines with text.
func (t *transcript) push(text string) {
	t.open = false
	t.lines = append(t.lines, strings.Split(strings.TrimRight(text, "\n"), "\n")...)
	t.trim()
}

// extend appends text to the last line, splitting on newlines.
func (t *transcript) extend(text string) {
	parts := strings.Split(text, "\n")
	last := len(t.lines) - 1
	t.lines[last] += parts[0]
	t.lines = append(t.lines, parts[1:]...)
	t.trim()
}

func (t *transcript) trim() {
	if over := len(t.lines) - maxTranscriptLines; over > 0 {
		t.lines = t.lines[over:]
	}
}

// tail returns at most n of the newest lines.
func (t *transcript) tail(n int) []string {
	if n <= 0 {
		return nil
	}
	if len(t.lines) > n {
		return t.lines[len(t.lines)-n:]
	}
	return t.lines
}
