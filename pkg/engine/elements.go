package engine

import (
	"strings"
)

// elementScanner incrementally detects inline elements in streamed content:
// ```plan blocks, previewable HTML/JSX, and <artifact> tags that may span
// chunk boundaries. It is stateful; feed deltas in order, then call finish.
type elementScanner struct {
	buf       strings.Builder
	lineStart int

	inPlan bool

	jsxSeen   bool
	jsxActive bool
	rawHTML   bool
	jsxLines  []string

	artActive    bool
	artScanPos   int
	artBodyStart int
	artMeta      artifactTag
	artEmitted   int // body length already emitted
}

func newElementScanner() *elementScanner {
	return &elementScanner{}
}

// feed appends a content delta and returns the element events it triggers.
func (s *elementScanner) feed(delta string) []Event {
	s.buf.WriteString(delta)
	content := s.buf.String()

	var events []Event

	// Line-oriented elements only act on completed lines.
	for {
		idx := strings.IndexByte(content[s.lineStart:], '\n')
		if idx < 0 {
			break
		}
		line := content[s.lineStart : s.lineStart+idx]
		s.lineStart += idx + 1
		events = append(events, s.scanLine(line)...)
	}

	events = append(events, s.scanRawHTML(content)...)
	events = append(events, s.scanArtifact(content)...)
	return events
}

// finish closes any still-open elements at end of stream.
func (s *elementScanner) finish() []Event {
	var events []Event
	content := s.buf.String()

	// A trailing line without newline can still close a block.
	if s.lineStart < len(content) {
		events = append(events, s.scanLine(content[s.lineStart:])...)
		s.lineStart = len(content)
	}

	if s.inPlan {
		s.inPlan = false
		events = append(events, event(EventPlanEnd, map[string]any{}))
	}
	if s.jsxActive {
		s.jsxActive = false
		events = append(events, event(EventJSXPreview, map[string]any{
			"jsx": strings.Join(s.jsxLines, "\n"), "is_complete": true,
		}))
	}
	if s.rawHTML {
		s.rawHTML = false
		events = append(events, event(EventJSXPreview, map[string]any{
			"jsx": strings.TrimSpace(content), "is_complete": true,
		}))
	}
	return events
}

func (s *elementScanner) scanLine(line string) []Event {
	trimmed := strings.TrimSpace(line)
	switch {
	case !s.inPlan && strings.HasPrefix(trimmed, "```plan"):
		s.inPlan = true
		title := strings.TrimSpace(strings.TrimPrefix(trimmed, "```plan"))
		if title == "" {
			title = "Plan"
		}
		return []Event{event(EventPlanStart, map[string]any{"title": title})}

	case s.inPlan && trimmed == "```":
		s.inPlan = false
		return []Event{event(EventPlanEnd, map[string]any{})}

	case s.inPlan && (strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ")):
		return []Event{event(EventPlanStep, map[string]any{"step": strings.TrimSpace(trimmed[2:])})}

	case !s.jsxSeen && (trimmed == "```html" || trimmed == "```jsx" || trimmed == "```tsx"):
		s.jsxSeen = true
		s.jsxActive = true
		s.jsxLines = nil
		return nil

	case s.jsxActive && trimmed == "```":
		s.jsxActive = false
		return []Event{event(EventJSXPreview, map[string]any{
			"jsx": strings.Join(s.jsxLines, "\n"), "is_complete": true,
		})}

	case s.jsxActive:
		s.jsxLines = append(s.jsxLines, line)
		return []Event{event(EventJSXPreview, map[string]any{
			"jsx": strings.Join(s.jsxLines, "\n"), "is_complete": false,
		})}
	}
	return nil
}

// scanRawHTML treats a response that opens with a full HTML document as a
// preview even without a code fence.
func (s *elementScanner) scanRawHTML(content string) []Event {
	if s.jsxSeen {
		if !s.rawHTML {
			return nil
		}
		return []Event{event(EventJSXPreview, map[string]any{
			"jsx": strings.TrimSpace(content), "is_complete": false,
		})}
	}
	head := strings.ToLower(strings.TrimSpace(content))
	if strings.HasPrefix(head, "<!doctype") || strings.HasPrefix(head, "<html") {
		s.jsxSeen = true
		s.rawHTML = true
		return []Event{event(EventJSXPreview, map[string]any{
			"jsx": strings.TrimSpace(content), "is_complete": false,
		})}
	}
	return nil
}

// scanArtifact emits partial artifact events while a tag streams. The
// complete events are emitted during finalization from the resolved content,
// after patches and edit retargeting are applied.
func (s *elementScanner) scanArtifact(content string) []Event {
	var events []Event
	for {
		if !s.artActive {
			open := strings.Index(content[s.artScanPos:], "<artifact")
			if open < 0 {
				return events
			}
			open += s.artScanPos
			gt := strings.IndexByte(content[open:], '>')
			if gt < 0 {
				// Tag header still streaming.
				return events
			}
			s.artMeta = parseArtifactAttrs(content[open+len("<artifact") : open+gt])
			s.artActive = true
			s.artBodyStart = open + gt + 1
			s.artEmitted = 0
		}

		closeIdx := strings.Index(content[s.artBodyStart:], "</artifact>")
		if closeIdx < 0 {
			body := content[s.artBodyStart:]
			// Hold back a suffix that could be the start of the close tag.
			if cut := partialCloseSuffix(body); cut > 0 {
				body = body[:len(body)-cut]
			}
			if len(body) > s.artEmitted {
				s.artEmitted = len(body)
				events = append(events, s.artMeta.toEvent(body, false))
			}
			return events
		}

		body := content[s.artBodyStart : s.artBodyStart+closeIdx]
		events = append(events, s.artMeta.toEvent(body, false))
		s.artScanPos = s.artBodyStart + closeIdx + len("</artifact>")
		s.artActive = false
	}
}

// partialCloseSuffix returns the length of a trailing prefix of "</artifact>"
// so partial close tags never leak into streamed artifact content.
func partialCloseSuffix(body string) int {
	const tag = "</artifact>"
	max := len(tag) - 1
	if max > len(body) {
		max = len(body)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(body, tag[:n]) {
			return n
		}
	}
	return 0
}
