// Package tools executes tool calls on behalf of the engine. Three kinds of
// handler exist: python (subprocess), http (outbound request), and MCP
// (routed by name prefix to a live server connection). Execution failures
// never abort a tool loop; they come back as {"error": ...} JSON strings the
// model can read.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/agentplane/agentplane/pkg/httpclient"
	"github.com/agentplane/agentplane/pkg/mcp"
	"github.com/agentplane/agentplane/pkg/store"
)

// HTTPTimeout bounds http-handler tool calls.
const HTTPTimeout = 30 * time.Second

// PythonTimeout bounds python-handler subprocesses.
const PythonTimeout = 30 * time.Second

// Executor resolves tool names against a session-scoped view of tools and
// dispatches the call to the right handler.
type Executor struct {
	pythonBin  string
	httpClient *httpclient.Client
}

func NewExecutor(pythonBin string) *Executor {
	if pythonBin == "" {
		pythonBin = "python3"
	}
	return &Executor{
		pythonBin: pythonBin,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: HTTPTimeout}),
			httpclient.WithMaxRetries(0),
		),
	}
}

// Scope is the set of tools visible to one request: the agent's static tools
// plus any dynamically approved in the session, and the live MCP pool.
type Scope struct {
	Tools map[string]*store.Tool // by name
	MCP   *mcp.Pool
}

// Execute runs the named tool and returns its string result. Errors are
// encoded as {"error": "..."} JSON, never returned as Go errors, so the
// result can always be fed back to the model.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any, scope *Scope) string {
	if server, original, ok := mcp.ParseToolName(name); ok {
		if scope == nil || scope.MCP == nil {
			return errorJSON(fmt.Sprintf("no connection to MCP server %q", server))
		}
		result, err := scope.MCP.Call(ctx, server, original, args)
		if err != nil {
			return errorJSON(err.Error())
		}
		return result
	}

	var tool *store.Tool
	if scope != nil {
		tool = scope.Tools[name]
	}
	if tool == nil {
		return errorJSON(fmt.Sprintf("unknown tool: %s", name))
	}

	switch tool.HandlerType {
	case "python":
		return e.executePython(ctx, tool, args)
	case "http":
		return e.executeHTTP(ctx, tool, args)
	default:
		return errorJSON(fmt.Sprintf("unsupported handler type: %s", tool.HandlerType))
	}
}

// pythonHarness wraps the stored handler code: it defines handler(params),
// invokes it with the JSON arguments from argv, and prints the stringified
// result. Dict and list results are JSON-encoded.
const pythonHarness = `
import json, sys
params = json.loads(sys.argv[1]) if len(sys.argv) > 1 else {}
namespace = {}
exec(sys.argv[2], namespace)
if "handler" not in namespace:
    print(json.dumps({"error": "handler function not defined"}))
    sys.exit(0)
try:
    result = namespace["handler"](params)
except Exception as exc:
    print(json.dumps({"error": str(exc)}))
    sys.exit(0)
if isinstance(result, (dict, list)):
    print(json.dumps(result))
else:
    print(result if result is not None else "")
`

func (e *Executor) executePython(ctx context.Context, tool *store.Tool, args map[string]any) string {
	code, _ := tool.HandlerConfig["code"].(string)
	if code == "" {
		return errorJSON("python handler has no code")
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return errorJSON(fmt.Sprintf("invalid arguments: %v", err))
	}

	ctx, cancel := context.WithTimeout(ctx, PythonTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.pythonBin, "-c", pythonHarness, string(argsJSON), code)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return errorJSON(msg)
	}
	return strings.TrimSuffix(stdout.String(), "\n")
}

func (e *Executor) executeHTTP(ctx context.Context, tool *store.Tool, args map[string]any) string {
	rawURL, _ := tool.HandlerConfig["url"].(string)
	if rawURL == "" {
		return errorJSON("http handler has no url")
	}
	method, _ := tool.HandlerConfig["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var req *http.Request
	var err error
	if method == http.MethodGet {
		// GET carries arguments as query parameters.
		u, parseErr := url.Parse(rawURL)
		if parseErr != nil {
			return errorJSON(fmt.Sprintf("invalid url: %v", parseErr))
		}
		q := u.Query()
		for k, v := range args {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
	} else {
		body, marshalErr := json.Marshal(args)
		if marshalErr != nil {
			return errorJSON(fmt.Sprintf("invalid arguments: %v", marshalErr))
		}
		req, err = http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
		if err == nil {
			req.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(body)), nil
			}
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return errorJSON(fmt.Sprintf("failed to build request: %v", err))
	}

	if headers, ok := tool.HandlerConfig["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := e.httpClient.Do(req)
	if resp == nil {
		return errorJSON(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return errorJSON(fmt.Sprintf("failed to read response: %v", readErr))
	}
	if resp.StatusCode >= 400 {
		return errorJSON(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return string(body)
}

func errorJSON(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}
