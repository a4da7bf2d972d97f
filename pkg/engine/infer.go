package engine

import (
	"encoding/json"
	"regexp"
	"strings"
)

const maxSourceURLs = 6

// inferElementEvents derives display events from the shape of a completed
// tool call: terminal-like tools render as terminal output, listing tools as
// a file tree, search-like tools as source links.
func inferElementEvents(toolName, result string) []Event {
	name := strings.ToLower(toolName)
	if idx := strings.LastIndex(name, "__"); idx >= 0 {
		// MCP tools classify by their original name.
		name = name[idx+2:]
	}

	switch {
	case containsAny(name, "terminal", "shell", "bash", "exec", "command", "run"):
		return []Event{event(EventTerminalOutput, map[string]any{"output": result})}
	case containsAny(name, "list", "tree", "ls", "dir", "files"):
		if tree := parseFileTree(result); len(tree) > 0 {
			return []Event{event(EventFileTree, map[string]any{"tree": tree})}
		}
	case containsAny(name, "search", "browse", "fetch", "web", "lookup"):
		return sourceURLEvents(result)
	}
	return nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// parseFileTree accepts either a JSON array of names/objects or ls-style
// output, one entry per line.
func parseFileTree(result string) []string {
	trimmed := strings.TrimSpace(result)
	if strings.HasPrefix(trimmed, "[") {
		var names []string
		if err := json.Unmarshal([]byte(trimmed), &names); err == nil {
			return names
		}
		var objects []map[string]any
		if err := json.Unmarshal([]byte(trimmed), &objects); err == nil {
			for _, obj := range objects {
				for _, key := range []string{"name", "path", "file"} {
					if v, ok := obj[key].(string); ok {
						names = append(names, v)
						break
					}
				}
			}
			return names
		}
	}

	var names []string
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.ContainsAny(line, "{}\"") {
			continue
		}
		// ls -l style lines end with the name field.
		if fields := strings.Fields(line); len(fields) > 0 {
			names = append(names, fields[len(fields)-1])
		}
	}
	return names
}

var urlRe = regexp.MustCompile(`https?://[^\s"'<>\\)\]]+`)

func sourceURLEvents(result string) []Event {
	seen := make(map[string]bool)
	var events []Event
	for _, url := range urlRe.FindAllString(result, -1) {
		url = strings.TrimRight(url, ".,;")
		if seen[url] {
			continue
		}
		seen[url] = true
		events = append(events, event(EventSourceURL, map[string]any{"url": url}))
		if len(events) == maxSourceURLs {
			break
		}
	}
	return events
}
