package rpc

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/amharness/internal/stub"
)

type fakeReporter struct {
	passes []string
	fails  []string
}

func (r *fakeReporter) Pass(msg string) { r.passes = append(r.passes, msg) }
func (r *fakeReporter) Fail(msg string) { r.fails = append(r.fails, msg) }

func readCaseFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(data)
}

func TestCallToolCapturesEvidence(t *testing.T) {
	srv := httptest.NewServer(stub.NewRouter())
	defer srv.Close()

	root := t.TempDir()
	c := New(root)
	res := c.CallTool(context.Background(), "health", srv.URL+"/mcp/", "health_check", nil, nil)

	require.NoError(t, res.TransportErr)
	assert.True(t, res.OK())
	assert.Equal(t, filepath.Join(root, "health"), res.Dir)

	assert.Equal(t, "200\n", readCaseFile(t, res.Dir, "status.txt"))
	assert.Equal(t, string(res.Body), readCaseFile(t, res.Dir, "response.json"))
	assert.Empty(t, readCaseFile(t, res.Dir, "curl_stderr.txt"))
	assert.Contains(t, readCaseFile(t, res.Dir, "headers.txt"), "Content-Type: application/json")

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(readCaseFile(t, res.Dir, "request.json")), &env))
	assert.Equal(t, "2.0", env.JSONRPC)
	assert.Equal(t, "tools/call", env.Method)
	assert.Equal(t, "health_check", env.Params.Name)
	assert.Equal(t, "{}", string(env.Params.Arguments))

	timing := strings.TrimSpace(readCaseFile(t, res.Dir, "timing.txt"))
	_, err := time.ParseDuration(timing + "ms")
	assert.NoError(t, err)
}

func TestToolErrorDetection(t *testing.T) {
	srv := httptest.NewServer(stub.NewRouter())
	defer srv.Close()

	c := New(t.TempDir())
	res := c.CallTool(context.Background(), "failing", srv.URL+"/mcp/", "fail_tool", nil, nil)

	require.True(t, res.OK())
	errBody, hasErr := res.ToolError()
	assert.True(t, hasErr)
	assert.Contains(t, errBody, "-32000")

	ok := c.CallTool(context.Background(), "healthy", srv.URL+"/mcp/", "health_check", nil, nil)
	_, hasErr = ok.ToolError()
	assert.False(t, hasErr)
}

func TestTransportFailureWritesDiagnostics(t *testing.T) {
	// A listener that is already closed guarantees a connection refusal.
	srv := httptest.NewServer(stub.NewRouter())
	url := srv.URL + "/mcp/"
	srv.Close()

	var traced []string
	c := New(t.TempDir(),
		WithTimeouts(500*time.Millisecond, time.Second),
		WithTrace(func(kind, caseName, message string) {
			traced = append(traced, kind+" "+caseName)
		}))
	res := c.CallTool(context.Background(), "refused", url, "health_check", nil, nil)

	require.Error(t, res.TransportErr)
	assert.False(t, res.OK())

	diag := readCaseFile(t, res.Dir, "diagnostics.txt")
	assert.Contains(t, diag, "case: refused")
	assert.Contains(t, diag, "transport error")
	assert.NotEmpty(t, readCaseFile(t, res.Dir, "curl_stderr.txt"))

	require.Len(t, traced, 1)
	assert.Equal(t, "rpc_call_fail refused", traced[0])
}

func TestEnvelopeMarshalFailureStillCapturesEvidence(t *testing.T) {
	var hookCases []string
	c := New(t.TempDir(), WithHook(func(caseID string, status int, elapsed time.Duration, dir string) error {
		hookCases = append(hookCases, caseID)
		return nil
	}))

	// A truncated raw argument object cannot be marshalled into the envelope,
	// so the call fails before any request is built.
	res := c.CallTool(context.Background(), "bad-args", "http://127.0.0.1:1/mcp/", "echo", json.RawMessage("{"), nil)

	require.Error(t, res.TransportErr)
	assert.False(t, res.OK())
	require.NotEmpty(t, res.Dir)

	diag := readCaseFile(t, res.Dir, "diagnostics.txt")
	assert.Contains(t, diag, "case: bad-args")
	assert.Contains(t, diag, "transport error")
	assert.Equal(t, []string{"bad-args"}, hookCases)
}

func TestHookRunsWhenCaseDirCannotBeCreated(t *testing.T) {
	// An artifact root occupied by a plain file makes every case dir
	// uncreatable.
	root := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(root, []byte("x"), 0o644))

	var hookDirs []string
	var traced []string
	c := New(root,
		WithHook(func(caseID string, status int, elapsed time.Duration, dir string) error {
			hookDirs = append(hookDirs, dir)
			return nil
		}),
		WithTrace(func(kind, caseName, message string) {
			traced = append(traced, kind+" "+caseName)
		}))
	res := c.CallRaw(context.Background(), "blocked", "http://127.0.0.1:1/mcp/", []byte(`{}`), nil)

	require.Error(t, res.TransportErr)
	assert.Empty(t, res.Dir)
	assert.Equal(t, []string{""}, hookDirs)
	assert.Equal(t, []string{"rpc_call_fail blocked"}, traced)
}

func TestSuccessEmitsTraceEvent(t *testing.T) {
	srv := httptest.NewServer(stub.NewRouter())
	defer srv.Close()

	var kinds []string
	c := New(t.TempDir(), WithTrace(func(kind, caseName, message string) {
		kinds = append(kinds, kind)
	}))
	c.CallTool(context.Background(), "health", srv.URL+"/mcp/", "health_check", nil, nil)

	assert.Equal(t, []string{"rpc_call_ok"}, kinds)
}

func TestHookRunsAndPanicsAreSwallowed(t *testing.T) {
	srv := httptest.NewServer(stub.NewRouter())
	defer srv.Close()

	var hookCase string
	var hookStatus int
	c := New(t.TempDir(), WithHook(func(caseID string, status int, elapsed time.Duration, dir string) error {
		hookCase = caseID
		hookStatus = status
		return nil
	}))
	c.CallTool(context.Background(), "hooked", srv.URL+"/mcp/", "health_check", nil, nil)
	assert.Equal(t, "hooked", hookCase)
	assert.Equal(t, 200, hookStatus)

	panicky := New(t.TempDir(), WithHook(func(string, int, time.Duration, string) error {
		panic("hook exploded")
	}))
	res := panicky.CallTool(context.Background(), "still-ok", srv.URL+"/mcp/", "health_check", nil, nil)
	assert.True(t, res.OK())
}

func TestCallRaw(t *testing.T) {
	srv := httptest.NewServer(stub.NewRouter())
	defer srv.Close()

	c := New(t.TempDir())
	payload := []byte(`{"jsonrpc":"2.0","method":"resources/list","id":9}`)
	res := c.CallRaw(context.Background(), "raw-list", srv.URL+"/mcp/", payload, nil)

	require.True(t, res.OK())
	errBody, hasErr := res.ToolError()
	assert.True(t, hasErr)
	assert.Contains(t, errBody, "method not found")
	assert.Equal(t, string(payload), readCaseFile(t, res.Dir, "request.json"))
}

func TestAssertToolHelpers(t *testing.T) {
	srv := httptest.NewServer(stub.NewRouter())
	defer srv.Close()

	c := New(t.TempDir())
	okRes := c.CallTool(context.Background(), "ok", srv.URL+"/mcp/", "health_check", nil, nil)
	errRes := c.CallTool(context.Background(), "err", srv.URL+"/mcp/", "fail_tool", nil, nil)

	var r fakeReporter
	AssertToolSuccess(&r, "health responds", okRes)
	AssertToolError(&r, "failure surfaces", errRes)
	assert.Equal(t, []string{"health responds", "failure surfaces"}, r.passes)
	assert.Empty(t, r.fails)

	r = fakeReporter{}
	AssertToolSuccess(&r, "should fail", errRes)
	AssertToolError(&r, "should also fail", okRes)
	assert.Len(t, r.fails, 2)
	assert.Contains(t, r.fails[0], "tool returned error")
	assert.Contains(t, r.fails[1], "expected tool error")
}

func TestToolErrorOnNonJSONBody(t *testing.T) {
	res := &Result{Status: 200, Body: []byte("not json")}
	_, hasErr := res.ToolError()
	assert.False(t, hasErr)

	res = &Result{Status: 200, Body: []byte(`{"error":null,"result":{}}`)}
	_, hasErr = res.ToolError()
	assert.False(t, hasErr)
}
