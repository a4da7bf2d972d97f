package engine

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/agentplane/agentplane/pkg/contextmgr"
	"github.com/agentplane/agentplane/pkg/store"
)

// artifactTag is the parsed attribute set of an <artifact> or
// <artifact_patch> opening tag.
type artifactTag struct {
	ID    string
	Title string
	Type  string
}

var attrRe = regexp.MustCompile(`(\w+)="([^"]*)"`)

func parseArtifactAttrs(attrs string) artifactTag {
	var tag artifactTag
	for _, m := range attrRe.FindAllStringSubmatch(attrs, -1) {
		switch m[1] {
		case "id":
			tag.ID = m[2]
		case "title":
			tag.Title = m[2]
		case "type":
			tag.Type = m[2]
		}
	}
	return tag
}

func (t artifactTag) toEvent(content string, complete bool) Event {
	return event(EventArtifact, map[string]any{
		"id":          t.ID,
		"title":       t.Title,
		"type":        t.Type,
		"content":     content,
		"is_complete": complete,
	})
}

var (
	patchRe      = regexp.MustCompile(`(?s)<artifact_patch\s+([^>]*)>(.*?)</artifact_patch>`)
	patchBlockRe = regexp.MustCompile(`(?s)<<<SEARCH>>>(.*?)<<<REPLACE>>>(.*?)<<<END>>>`)
)

// resolvePatches substitutes every <artifact_patch> block with a full
// <artifact> tag produced by applying its SEARCH/REPLACE blocks to the most
// recent artifact of the same id in history. Unresolvable patches are left
// in place so the raw output is still visible.
func resolvePatches(content string, history []*store.Message) string {
	if !strings.Contains(content, "<artifact_patch") {
		return content
	}

	return patchRe.ReplaceAllStringFunc(content, func(match string) string {
		m := patchRe.FindStringSubmatch(match)
		tag := parseArtifactAttrs(m[1])
		base, ok := latestArtifact(history, tag.ID)
		if !ok {
			slog.Warn("Artifact patch targets unknown artifact", "artifact_id", tag.ID)
			return match
		}

		patched := base.Content
		blocks := patchBlockRe.FindAllStringSubmatch(m[2], -1)
		if len(blocks) == 0 {
			return match
		}
		for _, block := range blocks {
			search, replace := block[1], block[2]
			if !strings.Contains(patched, search) {
				// Retry with surrounding whitespace trimmed.
				search = strings.TrimSpace(search)
				replace = strings.TrimSpace(replace)
			}
			if search == "" || !strings.Contains(patched, search) {
				slog.Warn("Artifact patch search text not found", "artifact_id", tag.ID)
				continue
			}
			patched = strings.Replace(patched, search, replace, 1)
		}

		if tag.Title == "" {
			tag.Title = base.Title
		}
		if tag.Type == "" {
			tag.Type = base.Type
		}
		return fmt.Sprintf(`<artifact id=%q title=%q type=%q>%s</artifact>`,
			tag.ID, tag.Title, tag.Type, patched)
	})
}

// latestArtifact returns the newest artifact with the given id from prior
// assistant messages.
func latestArtifact(history []*store.Message, id string) (contextmgr.Artifact, bool) {
	var found contextmgr.Artifact
	var ok bool
	for _, msg := range history {
		if msg.Role != "assistant" {
			continue
		}
		for _, a := range contextmgr.FindArtifacts(msg.Content) {
			if a.ID == id {
				found, ok = a, true
			}
		}
	}
	return found, ok
}

var artifactOpenRe = regexp.MustCompile(`<artifact\s+[^>]*>`)

// retargetArtifacts rewrites every emitted artifact tag's id, title and type
// to the edit target. An edit turn must update the artifact the user asked
// about, regardless of what the model labeled its output.
func retargetArtifacts(content string, intent *contextmgr.EditIntent) string {
	if intent == nil {
		return content
	}
	replacement := fmt.Sprintf(`<artifact id=%q title=%q type=%q>`,
		intent.ID, intent.Title, intent.Type)
	return artifactOpenRe.ReplaceAllString(content, replacement)
}

// finalizeArtifacts resolves patches and edit retargeting against the raw
// model output, and returns the final content plus the completed artifact
// events to emit.
func finalizeArtifacts(content string, history []*store.Message, intent *contextmgr.EditIntent) (string, []Event) {
	final := resolvePatches(content, history)
	final = retargetArtifacts(final, intent)

	var events []Event
	for _, a := range contextmgr.FindArtifacts(final) {
		tag := artifactTag{ID: a.ID, Title: a.Title, Type: a.Type}
		events = append(events, tag.toEvent(a.Content, true))
	}
	return final, events
}
