package llms

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ThinkSplitter incrementally separates <think>…</think> spans from a content
// stream. Partial tags crossing chunk boundaries are buffered until
// disambiguated, so no tag text ever leaks into either output.
type ThinkSplitter struct {
	buf      strings.Builder
	thinking bool
}

// ThinkPiece is one disambiguated span of streamed text.
type ThinkPiece struct {
	Text      string
	Reasoning bool
}

// Feed consumes the next raw fragment and returns the pieces that became
// unambiguous. Text held back as a potential partial tag stays buffered.
func (s *ThinkSplitter) Feed(fragment string) []ThinkPiece {
	s.buf.WriteString(fragment)
	var out []ThinkPiece

	for {
		buf := s.buf.String()
		tag := thinkOpen
		if s.thinking {
			tag = thinkClose
		}

		if idx := strings.Index(buf, tag); idx >= 0 {
			if idx > 0 {
				out = appendPiece(out, buf[:idx], s.thinking)
			}
			s.buf.Reset()
			s.buf.WriteString(buf[idx+len(tag):])
			s.thinking = !s.thinking
			continue
		}

		// Keep the longest suffix that could still grow into the tag.
		hold := partialTagSuffix(buf, tag)
		if emit := buf[:len(buf)-hold]; emit != "" {
			out = appendPiece(out, emit, s.thinking)
		}
		s.buf.Reset()
		s.buf.WriteString(buf[len(buf)-hold:])
		return out
	}
}

// Flush drains anything still buffered at end of stream. A dangling partial
// tag is emitted literally in whichever mode the splitter was left in.
func (s *ThinkSplitter) Flush() []ThinkPiece {
	buf := s.buf.String()
	s.buf.Reset()
	if buf == "" {
		return nil
	}
	return []ThinkPiece{{Text: buf, Reasoning: s.thinking}}
}

func appendPiece(pieces []ThinkPiece, text string, reasoning bool) []ThinkPiece {
	if n := len(pieces); n > 0 && pieces[n-1].Reasoning == reasoning {
		pieces[n-1].Text += text
		return pieces
	}
	return append(pieces, ThinkPiece{Text: text, Reasoning: reasoning})
}

// partialTagSuffix returns the length of the longest suffix of buf that is a
// strict prefix of tag.
func partialTagSuffix(buf, tag string) int {
	max := len(tag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for k := max; k > 0; k-- {
		if strings.HasPrefix(tag, buf[len(buf)-k:]) {
			return k
		}
	}
	return 0
}
