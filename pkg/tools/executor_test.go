package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/pkg/store"
)

func pythonAvailable() bool {
	_, err := exec.LookPath("python3")
	return err == nil
}

func scopeWith(tools ...*store.Tool) *Scope {
	s := &Scope{Tools: make(map[string]*store.Tool)}
	for _, t := range tools {
		s.Tools[t.Name] = t
	}
	return s
}

func TestExecuteUnknownTool(t *testing.T) {
	e := NewExecutor("")
	result := e.Execute(context.Background(), "nope", nil, scopeWith())

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(result), &payload))
	assert.Contains(t, payload["error"], "unknown tool")
}

func TestExecuteMCPWithoutConnection(t *testing.T) {
	e := NewExecutor("")
	result := e.Execute(context.Background(), "mcp__files__read", nil, &Scope{})

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(result), &payload))
	assert.Contains(t, payload["error"], "files")
}

func TestExecutePython(t *testing.T) {
	if !pythonAvailable() {
		t.Skip("python3 not installed")
	}
	e := NewExecutor("")

	tool := &store.Tool{
		Name:        "reverse_string",
		HandlerType: "python",
		HandlerConfig: map[string]any{
			"code": "def handler(params):\n    return params.get('text','')[::-1]",
		},
	}
	result := e.Execute(context.Background(), "reverse_string", map[string]any{"text": "hello"}, scopeWith(tool))
	assert.Equal(t, "olleh", result)
}

func TestExecutePythonDictResultIsJSON(t *testing.T) {
	if !pythonAvailable() {
		t.Skip("python3 not installed")
	}
	e := NewExecutor("")

	tool := &store.Tool{
		Name:        "make_dict",
		HandlerType: "python",
		HandlerConfig: map[string]any{
			"code": "def handler(params):\n    return {'ok': True, 'n': 3}",
		},
	}
	result := e.Execute(context.Background(), "make_dict", nil, scopeWith(tool))

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(result), &payload))
	assert.Equal(t, true, payload["ok"])
}

func TestExecutePythonExceptionBecomesErrorJSON(t *testing.T) {
	if !pythonAvailable() {
		t.Skip("python3 not installed")
	}
	e := NewExecutor("")

	tool := &store.Tool{
		Name:        "boom",
		HandlerType: "python",
		HandlerConfig: map[string]any{
			"code": "def handler(params):\n    raise ValueError('bad input')",
		},
	}
	result := e.Execute(context.Background(), "boom", nil, scopeWith(tool))

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(result), &payload))
	assert.Equal(t, "bad input", payload["error"])
}

func TestExecutePythonMissingHandler(t *testing.T) {
	if !pythonAvailable() {
		t.Skip("python3 not installed")
	}
	e := NewExecutor("")

	tool := &store.Tool{
		Name:          "nohandler",
		HandlerType:   "python",
		HandlerConfig: map[string]any{"code": "x = 1"},
	}
	result := e.Execute(context.Background(), "nohandler", nil, scopeWith(tool))

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(result), &payload))
	assert.Contains(t, payload["error"], "handler function not defined")
}

func TestExecuteHTTPGetSendsQueryParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "go", r.URL.Query().Get("q"))
		fmt.Fprint(w, `{"hits": 3}`)
	}))
	defer server.Close()

	e := NewExecutor("")
	tool := &store.Tool{
		Name:          "search",
		HandlerType:   "http",
		HandlerConfig: map[string]any{"url": server.URL, "method": "GET"},
	}
	result := e.Execute(context.Background(), "search", map[string]any{"q": "go"}, scopeWith(tool))
	assert.Equal(t, `{"hits": 3}`, result)
}

func TestExecuteHTTPPostSendsJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "bob", body["to"])
		fmt.Fprint(w, "sent")
	}))
	defer server.Close()

	e := NewExecutor("")
	tool := &store.Tool{
		Name:        "send",
		HandlerType: "http",
		HandlerConfig: map[string]any{
			"url":     server.URL,
			"method":  "POST",
			"headers": map[string]any{"X-Token": "secret"},
		},
	}
	result := e.Execute(context.Background(), "send", map[string]any{"to": "bob"}, scopeWith(tool))
	assert.Equal(t, "sent", result)
}

func TestExecuteHTTPErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	e := NewExecutor("")
	tool := &store.Tool{
		Name:          "blocked",
		HandlerType:   "http",
		HandlerConfig: map[string]any{"url": server.URL, "method": "GET"},
	}
	result := e.Execute(context.Background(), "blocked", nil, scopeWith(tool))

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(result), &payload))
	assert.Contains(t, payload["error"], "HTTP 403")
}

func TestValidateArgs(t *testing.T) {
	tool := &store.Tool{
		Name: "typed",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"count": map[string]any{"type": "integer"},
			},
			"required": []any{"count"},
		},
	}

	assert.NoError(t, ValidateArgs(tool, map[string]any{"count": 2}))
	assert.Error(t, ValidateArgs(tool, map[string]any{"count": "two"}))
	assert.Error(t, ValidateArgs(tool, map[string]any{}))
	assert.NoError(t, ValidateArgs(&store.Tool{Name: "free"}, map[string]any{"anything": true}))
}

func TestDynamicSet(t *testing.T) {
	d := NewDynamicSet()
	assert.Empty(t, d.Names("s1"))

	d.Add("s1", "reverse_string")
	d.Add("s1", "reverse_string")
	d.Add("s2", "other")

	assert.Equal(t, []string{"reverse_string"}, d.Names("s1"))
	d.Drop("s1")
	assert.Empty(t, d.Names("s1"))
	assert.Equal(t, []string{"other"}, d.Names("s2"))
}
