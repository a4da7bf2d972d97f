// Package contextmgr shapes what the model sees: token estimation against
// per-model context limits, durable-memory and artifact-context injection,
// and the edit-intent rewrite that turns artifact edits into patch requests.
package contextmgr

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/agentplane/agentplane/pkg/llms"
	"github.com/agentplane/agentplane/pkg/store"
)

const (
	// CompactionThreshold triggers history summarization at this fraction
	// of the model's context limit.
	CompactionThreshold = 0.80

	// KeepRecentMessages is how many trailing messages survive compaction
	// verbatim.
	KeepRecentMessages = 10

	// MaxInjectedMemories caps the memory block.
	MaxInjectedMemories = 50
)

// EstimateTokens approximates token count as len/4 over all text content.
// Deliberately loose; the only requirement is monotonic growth with text.
func EstimateTokens(messages []llms.Message) int {
	total := 0
	for _, msg := range messages {
		total += len(msg.Content) / 4
		for _, part := range msg.Parts {
			total += len(part.Text) / 4
		}
	}
	return total
}

// CountTokens counts tokens with the model's real tokenizer, falling back to
// cl100k_base and finally to the len/4 estimate.
func CountTokens(text, model string) int {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// ContextLimit returns the usable context window for a model family.
func ContextLimit(model string) int {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"):
		return 200_000
	case strings.Contains(m, "gpt-4"):
		return 128_000
	case strings.Contains(m, "gpt-3.5"):
		return 16_385
	default:
		return 100_000
	}
}

// ShouldCompact reports whether the history has grown past the compaction
// threshold for the model.
func ShouldCompact(messages []llms.Message, model string) bool {
	return EstimateTokens(messages) >= int(CompactionThreshold*float64(ContextLimit(model)))
}

// MemoryBlock renders durable facts for system-prompt injection. Facts are
// expected most-recent first; at most MaxInjectedMemories are included.
func MemoryBlock(memories []*store.AgentMemory) string {
	if len(memories) == 0 {
		return ""
	}
	if len(memories) > MaxInjectedMemories {
		memories = memories[:MaxInjectedMemories]
	}

	var sb strings.Builder
	sb.WriteString("## What I know about you:\n")
	for _, m := range memories {
		category := m.Category
		if category == "" {
			category = "context"
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", category, m.Value)
	}
	return sb.String()
}

// Artifact is a parsed artifact tag.
type Artifact struct {
	ID      string
	Title   string
	Type    string
	Content string
}

var (
	artifactRe     = regexp.MustCompile(`(?s)<artifact\s+([^>]*)>(.*?)</artifact>`)
	artifactAttrRe = regexp.MustCompile(`(\w+)="([^"]*)"`)
)

// FindArtifacts extracts complete artifact tags from assistant content.
func FindArtifacts(content string) []Artifact {
	var artifacts []Artifact
	for _, m := range artifactRe.FindAllStringSubmatch(content, -1) {
		a := Artifact{Content: m[2]}
		for _, attr := range artifactAttrRe.FindAllStringSubmatch(m[1], -1) {
			switch attr[1] {
			case "id":
				a.ID = attr[2]
			case "title":
				a.Title = attr[2]
			case "type":
				a.Type = attr[2]
			}
		}
		artifacts = append(artifacts, a)
	}
	return artifacts
}

// StripArtifacts removes artifact tags and their content. Memory reflection
// runs on stripped history so artifact bodies never leak into durable facts.
func StripArtifacts(content string) string {
	return artifactRe.ReplaceAllString(content, "")
}

// ArtifactContextBlock maps artifact ids to titles from prior assistant
// messages so the model reuses ids instead of minting new ones.
func ArtifactContextBlock(messages []*store.Message) string {
	seen := make(map[string]bool)
	var lines []string
	for _, msg := range messages {
		if msg.Role != llms.RoleAssistant {
			continue
		}
		for _, a := range FindArtifacts(msg.Content) {
			if a.ID == "" || seen[a.ID] {
				continue
			}
			seen[a.ID] = true
			lines = append(lines, fmt.Sprintf("- %s: %s (%s)", a.ID, a.Title, a.Type))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "## EXISTING ARTIFACTS\n" + strings.Join(lines, "\n") + "\n"
}

// EditIntent is the parsed [EDIT ARTIFACT ...] prefix of a user message.
type EditIntent struct {
	ID    string
	Title string
	Type  string
}

var editIntentRe = regexp.MustCompile(`^\[EDIT ARTIFACT\s+id="([^"]*)"\s+title="([^"]*)"\s+type="([^"]*)"\]\s*`)

// ParseEditIntent returns the edit target and the remaining message text, or
// nil when the message carries no edit prefix.
func ParseEditIntent(content string) (*EditIntent, string) {
	m := editIntentRe.FindStringSubmatch(content)
	if m == nil {
		return nil, content
	}
	return &EditIntent{ID: m[1], Title: m[2], Type: m[3]}, content[len(m[0]):]
}

// RewriteEditMessage embeds the latest content of the edit target verbatim
// into the user message so the model can emit a patch instead of a rewrite.
func RewriteEditMessage(content string, history []*store.Message) string {
	intent, rest := ParseEditIntent(content)
	if intent == nil {
		return content
	}

	var current string
	for _, msg := range history {
		if msg.Role != llms.RoleAssistant {
			continue
		}
		for _, a := range FindArtifacts(msg.Content) {
			if a.ID == intent.ID {
				current = a.Content
			}
		}
	}
	if current == "" {
		return content
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "I want to edit the artifact %q (id=%s, type=%s). Current content:\n\n",
		intent.Title, intent.ID, intent.Type)
	sb.WriteString("```\n")
	sb.WriteString(current)
	sb.WriteString("\n```\n\n")
	sb.WriteString("Requested change: ")
	sb.WriteString(rest)
	sb.WriteString("\n\nProduce an <artifact_patch> with SEARCH/REPLACE blocks against the current content.")
	return sb.String()
}
