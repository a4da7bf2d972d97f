package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/pkg/contextmgr"
	"github.com/agentplane/agentplane/pkg/store"
)

func historyWith(contents ...string) []*store.Message {
	var msgs []*store.Message
	for _, c := range contents {
		msgs = append(msgs, &store.Message{Role: "assistant", Content: c})
	}
	return msgs
}

func TestResolvePatches(t *testing.T) {
	history := historyWith(`<artifact id="lp" title="Landing" type="html"><title>A</title></artifact>`)
	output := `Sure. <artifact_patch id="lp"><<<SEARCH>>><title>A</title><<<REPLACE>>><title>B</title><<<END>>></artifact_patch>`

	resolved := resolvePatches(output, history)
	artifacts := contextmgr.FindArtifacts(resolved)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "lp", artifacts[0].ID)
	assert.Equal(t, "Landing", artifacts[0].Title)
	assert.Equal(t, "<title>B</title>", artifacts[0].Content)
	assert.NotContains(t, resolved, "artifact_patch")
}

func TestResolvePatchesMultipleBlocks(t *testing.T) {
	history := historyWith(`<artifact id="d" title="Doc" type="markdown">alpha beta gamma</artifact>`)
	output := `<artifact_patch id="d"><<<SEARCH>>>alpha<<<REPLACE>>>ALPHA<<<END>>><<<SEARCH>>>gamma<<<REPLACE>>>GAMMA<<<END>>></artifact_patch>`

	resolved := resolvePatches(output, history)
	artifacts := contextmgr.FindArtifacts(resolved)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "ALPHA beta GAMMA", artifacts[0].Content)
}

func TestResolvePatchesUsesLatestVersion(t *testing.T) {
	history := historyWith(
		`<artifact id="d" title="Doc" type="markdown">v1 text</artifact>`,
		`<artifact id="d" title="Doc" type="markdown">v2 text</artifact>`,
	)
	output := `<artifact_patch id="d"><<<SEARCH>>>v2<<<REPLACE>>>v3<<<END>>></artifact_patch>`

	resolved := resolvePatches(output, history)
	artifacts := contextmgr.FindArtifacts(resolved)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "v3 text", artifacts[0].Content)
}

func TestResolvePatchesUnknownTargetLeftInPlace(t *testing.T) {
	output := `<artifact_patch id="missing"><<<SEARCH>>>x<<<REPLACE>>>y<<<END>>></artifact_patch>`
	assert.Equal(t, output, resolvePatches(output, nil))
}

func TestRetargetArtifacts(t *testing.T) {
	intent := &contextmgr.EditIntent{ID: "lp", Title: "Landing", Type: "html"}
	output := `<artifact id="wrong" title="Other" type="markdown">body</artifact>`

	retargeted := retargetArtifacts(output, intent)
	artifacts := contextmgr.FindArtifacts(retargeted)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "lp", artifacts[0].ID)
	assert.Equal(t, "Landing", artifacts[0].Title)
	assert.Equal(t, "html", artifacts[0].Type)
	assert.Equal(t, "body", artifacts[0].Content)
}

func TestFinalizeArtifactsEmitsCompleteEvents(t *testing.T) {
	history := historyWith(`<artifact id="lp" title="Landing" type="html"><title>A</title></artifact>`)
	intent := &contextmgr.EditIntent{ID: "lp", Title: "Landing", Type: "html"}
	output := `<artifact_patch id="lp"><<<SEARCH>>><title>A</title><<<REPLACE>>><title>B</title><<<END>>></artifact_patch>`

	final, events := finalizeArtifacts(output, history, intent)
	require.Len(t, events, 1)
	assert.Equal(t, EventArtifact, events[0].Type)
	assert.Equal(t, "lp", events[0].Data["id"])
	assert.Equal(t, "<title>B</title>", events[0].Data["content"])
	assert.Equal(t, true, events[0].Data["is_complete"])
	assert.Contains(t, final, `<artifact id="lp"`)
}
