package stream

import (
	"slices"
	"strings"
)

// Facts are the run-level values derived from a stream so far.
type Facts struct {
	// PRURLs in order of first appearance. The last element is the most
	// recent PR.
	PRURLs []string
	Nudges []Nudge
	// Iterations counts completed agent invocations (result events).
	Iterations int
	MarkerSeen bool
	LastResult *Result
	ToolErrors int
}

// Update describes what a single event changed.
type Update struct {
	NewPRURLs []string
	// MarkerSeen is set on the event where the completion marker first
	// appeared.
	MarkerSeen    bool
	IterationDone bool
	Nudge         *Nudge
}

// Processor folds events into Facts. It is not safe for concurrent use;
// each run owns one and feeds it in emission order.
type Processor struct {
	marker  string
	facts   Facts
	pending strings.Builder
	phase   strings.Builder
	// streamed holds reply deltas not yet confirmed by their assistant
	// message.
	streamed strings.Builder
}

// NewProcessor returns a processor that watches for marker in agent
// output. An empty marker disables completion detection.
func NewProcessor(marker string) *Processor {
	return &Processor{marker: marker}
}

// Apply folds ev into the facts.
func (p *Processor) Apply(ev Event) Update {
	var u Update

	if delta, ok := ev.(ContentBlockDelta); ok {
		if delta.Thinking {
			return u
		}
		p.pending.WriteString(delta.Text)
		p.streamed.WriteString(delta.Text)
		urls, _ := findPRURLs(p.pending.String(), false)
		p.addURLs(&u, urls)
		p.checkMarker(&u, p.pending.String())
		return u
	}

	p.flush(&u)

	switch e := ev.(type) {
	case ContentBlockStart:
		p.pending.WriteString(e.Block.Text)
		return u
	case Assistant:
		text := Text(e)
		p.streamed.Reset()
		if p.phase.Len() > 0 && text != "" {
			p.phase.WriteString("\n")
		}
		p.phase.WriteString(text)
		p.checkMarker(&u, text)
	case Result:
		p.facts.Iterations++
		result := e
		p.facts.LastResult = &result
		u.IterationDone = true
		p.checkMarker(&u, e.Text)
	case ToolResult:
		if e.IsError {
			p.facts.ToolErrors++
		}
	case Nudge:
		p.facts.Nudges = append(p.facts.Nudges, e)
		nudge := e
		u.Nudge = &nudge
		return u
	}

	urls, _ := findPRURLs(Text(ev), true)
	p.addURLs(&u, urls)
	return u
}

// Flush closes any streamed block still open, accepting a PR link that
// ends exactly at the end of the buffered text.
func (p *Processor) Flush() Update {
	var u Update
	p.flush(&u)
	return u
}

func (p *Processor) flush(u *Update) {
	if p.pending.Len() == 0 {
		return
	}
	urls, _ := findPRURLs(p.pending.String(), true)
	p.addURLs(u, urls)
	p.pending.Reset()
}

func (p *Processor) addURLs(u *Update, urls []string) {
	for _, url := range urls {
		if slices.Contains(p.facts.PRURLs, url) {
			continue
		}
		p.facts.PRURLs = append(p.facts.PRURLs, url)
		u.NewPRURLs = append(u.NewPRURLs, url)
	}
}

func (p *Processor) checkMarker(u *Update, text string) {
	if p.marker == "" || p.facts.MarkerSeen {
		return
	}
	if strings.Contains(text, p.marker) {
		p.facts.MarkerSeen = true
		u.MarkerSeen = true
	}
}

// MarkPhase starts collecting assistant text for a new phase.
func (p *Processor) MarkPhase() {
	p.phase.Reset()
	p.streamed.Reset()
}

// PhaseText returns the assistant text seen since the last MarkPhase,
// including reply deltas whose message has not arrived yet.
func (p *Processor) PhaseText() string {
	if p.streamed.Len() == 0 {
		return p.phase.String()
	}
	if p.phase.Len() == 0 {
		return p.streamed.String()
	}
	return p.phase.String() + "\n" + p.streamed.String()
}

// Facts returns a copy of the derived facts.
func (p *Processor) Facts() Facts {
	f := p.facts
	f.PRURLs = slices.Clone(p.facts.PRURLs)
	f.Nudges = slices.Clone(p.facts.Nudges)
	if p.facts.LastResult != nil {
		result := *p.facts.LastResult
		f.LastResult = &result
	}
	return f
}
