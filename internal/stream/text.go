package stream

import "strings"

// Text flattens the human-readable content of an event. Nudges return ""
// because they are tracked on their own and never feed pattern extraction.
func Text(ev Event) string {
	switch e := ev.(type) {
	case Message:
		return e.Text
	case Assistant:
		var parts []string
		for _, b := range e.Blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	case ContentBlockStart:
		if e.Block.Type == "text" || e.Block.Type == "tool_result" {
			return e.Block.Text
		}
		return ""
	case ContentBlockDelta:
		return e.Text
	case ToolResult:
		return e.Content
	case Result:
		return e.Text
	case Nudge:
		return ""
	}
	panic("stream: unhandled event variant")
}
