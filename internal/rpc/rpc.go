// Package rpc issues JSON-RPC 2.0 calls against the subject server and
// persists a full per-case evidence set (request, response, headers, status,
// timing, transport errors) under the artifact tree.
package rpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Dicklesworthstone/amharness/internal/logx"
)

// Default call timeouts. Network timing is always real wall time, even in
// deterministic clock mode.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultCallTimeout    = 30 * time.Second
)

// Envelope is the JSON-RPC 2.0 tools/call request shape.
type Envelope struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      int    `json:"id"`
	Params  Params `json:"params"`
}

// Params carries the tool name and its raw argument object.
type Params struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Result is the outcome of one captured call.
type Result struct {
	Status  int
	Body    []byte
	Elapsed time.Duration
	// Dir is the per-case artifact directory the evidence was written to.
	Dir string
	// TransportErr is set when the request never yielded an HTTP response.
	TransportErr error
}

// OK reports whether the call returned HTTP 200. JSON-RPC-level errors
// inside a 200 body are the caller's concern; see ToolError.
func (r *Result) OK() bool {
	return r.TransportErr == nil && r.Status == http.StatusOK
}

// ToolError extracts the JSON-RPC "error" member from the response body, if
// any. The second return is false when the body has no error key.
func (r *Result) ToolError() (string, bool) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return "", false
	}
	raw, ok := body["error"]
	if !ok || string(raw) == "null" {
		return "", false
	}
	return string(raw), true
}

// Hook runs after every call, success or failure. Hook panics or errors are
// logged and never propagate to the suite.
type Hook func(caseID string, status int, elapsed time.Duration, dir string) error

// Client captures JSON-RPC calls. The zero value is unusable; use New.
type Client struct {
	artifactRoot   string
	connectTimeout time.Duration
	callTimeout    time.Duration
	hook           Hook
	trace          func(kind, caseName, message string)
	httpClient     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeouts overrides the connect and overall call timeouts.
func WithTimeouts(connect, call time.Duration) Option {
	return func(c *Client) {
		if connect > 0 {
			c.connectTimeout = connect
		}
		if call > 0 {
			c.callTimeout = call
		}
	}
}

// WithHook installs the post-call hook.
func WithHook(h Hook) Option {
	return func(c *Client) { c.hook = h }
}

// WithTrace installs the trace-event callback (rpc_call_ok / rpc_call_fail).
func WithTrace(fn func(kind, caseName, message string)) Option {
	return func(c *Client) { c.trace = fn }
}

// New builds a capture client rooting per-case evidence at artifactRoot.
func New(artifactRoot string, opts ...Option) *Client {
	c := &Client{
		artifactRoot:   artifactRoot,
		connectTimeout: DefaultConnectTimeout,
		callTimeout:    DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	dialer := &net.Dialer{Timeout: c.connectTimeout}
	c.httpClient = &http.Client{
		Timeout: c.callTimeout,
		Transport: &http.Transport{
			DialContext: dialer.DialContext,
		},
	}
	return c
}

// CallTool issues a tools/call envelope for the named tool and captures the
// evidence set under <artifactRoot>/<caseID>/.
func (c *Client) CallTool(ctx context.Context, caseID, url, tool string, args json.RawMessage, headers map[string]string) *Result {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	payload, err := json.Marshal(Envelope{
		JSONRPC: "2.0",
		Method:  "tools/call",
		ID:      1,
		Params:  Params{Name: tool, Arguments: args},
	})
	if err != nil {
		return c.transportFailure(caseID, tool, fmt.Errorf("build envelope: %w", err))
	}
	return c.call(ctx, caseID, url, tool, payload, headers)
}

// CallRaw issues an arbitrary pre-built JSON-RPC body with identical
// artifact and failure semantics, for non-tools/call methods.
func (c *Client) CallRaw(ctx context.Context, caseID, url string, payload []byte, headers map[string]string) *Result {
	return c.call(ctx, caseID, url, "raw", payload, headers)
}

func (c *Client) call(ctx context.Context, caseID, url, label string, payload []byte, headers map[string]string) *Result {
	dir := filepath.Join(c.artifactRoot, caseID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return c.transportFailure(caseID, label, fmt.Errorf("create case dir: %w", err))
	}
	writeArtifact(dir, "request.json", payload)

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		res := &Result{Dir: dir, TransportErr: err}
		c.persistFailure(dir, caseID, label, payload, res)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)

	res := &Result{Dir: dir, Elapsed: elapsed}
	if err != nil {
		res.TransportErr = err
		writeArtifact(dir, "curl_stderr.txt", []byte(err.Error()+"\n"))
		writeArtifact(dir, "timing.txt", []byte(formatMillis(elapsed)+"\n"))
		c.persistFailure(dir, caseID, label, payload, res)
		return res
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		res.TransportErr = fmt.Errorf("read response: %w", readErr)
	}
	res.Status = resp.StatusCode
	res.Body = body

	writeArtifact(dir, "response.json", body)
	writeArtifact(dir, "headers.txt", []byte(renderHeaders(resp)))
	writeArtifact(dir, "status.txt", []byte(strconv.Itoa(resp.StatusCode)+"\n"))
	writeArtifact(dir, "timing.txt", []byte(formatMillis(elapsed)+"\n"))
	writeArtifact(dir, "curl_stderr.txt", nil)

	if !res.OK() {
		c.persistFailure(dir, caseID, label, payload, res)
		return res
	}

	c.emit("rpc_call_ok", caseID, fmt.Sprintf("%s status=%d elapsed_ms=%s", label, res.Status, formatMillis(elapsed)))
	c.runHook(caseID, res)
	return res
}

// persistFailure writes the forensic diagnostics file and emits the failure
// trace event for a call that did not return HTTP 200.
func (c *Client) persistFailure(dir, caseID, label string, payload []byte, res *Result) {
	var b strings.Builder
	fmt.Fprintf(&b, "case: %s\ntool: %s\n\n=== request ===\n%s\n", caseID, label, payload)
	if res.TransportErr != nil {
		fmt.Fprintf(&b, "\n=== transport error ===\n%v\n", res.TransportErr)
	} else {
		fmt.Fprintf(&b, "\n=== status ===\n%d\n\n=== response ===\n%s\n", res.Status, res.Body)
	}
	writeArtifact(dir, "diagnostics.txt", []byte(b.String()))

	reason := "transport error"
	if res.TransportErr == nil {
		reason = fmt.Sprintf("status=%d", res.Status)
	}
	c.emit("rpc_call_fail", caseID, fmt.Sprintf("%s %s elapsed_ms=%s", label, reason, formatMillis(res.Elapsed)))
	c.runHook(caseID, res)
}

// transportFailure covers failures before any HTTP request existed (envelope
// marshal, case-dir creation). The evidence set is written when the case
// directory is usable, and the post-call hook runs either way.
func (c *Client) transportFailure(caseID, label string, err error) *Result {
	res := &Result{TransportErr: err}
	dir := filepath.Join(c.artifactRoot, caseID)
	if mkErr := os.MkdirAll(dir, 0o755); mkErr == nil {
		res.Dir = dir
		c.persistFailure(dir, caseID, label, nil, res)
		return res
	}
	c.emit("rpc_call_fail", caseID, fmt.Sprintf("%s %v", label, err))
	c.runHook(caseID, res)
	return res
}

func (c *Client) runHook(caseID string, res *Result) {
	if c.hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logx.Warn("rpc post-call hook panicked", "case", caseID, "panic", r)
		}
	}()
	if err := c.hook(caseID, res.Status, res.Elapsed, res.Dir); err != nil {
		logx.Warn("rpc post-call hook failed", "case", caseID, "err", err)
	}
}

func (c *Client) emit(kind, caseName, message string) {
	if c.trace != nil {
		c.trace(kind, caseName, message)
	}
}

// Reporter is the assertion sink the convenience checks report into.
type Reporter interface {
	Pass(msg string)
	Fail(msg string)
}

// AssertToolSuccess reports pass when the call returned HTTP 200 with no
// JSON-RPC error member, fail otherwise.
func AssertToolSuccess(t Reporter, label string, res *Result) {
	if !res.OK() {
		t.Fail(fmt.Sprintf("%s: call failed (%s)", label, failureReason(res)))
		return
	}
	if errBody, hasErr := res.ToolError(); hasErr {
		t.Fail(fmt.Sprintf("%s: tool returned error: %s", label, errBody))
		return
	}
	t.Pass(label)
}

// AssertToolError reports pass when the call returned HTTP 200 carrying a
// JSON-RPC error member, fail otherwise.
func AssertToolError(t Reporter, label string, res *Result) {
	if !res.OK() {
		t.Fail(fmt.Sprintf("%s: call failed (%s)", label, failureReason(res)))
		return
	}
	if _, hasErr := res.ToolError(); !hasErr {
		t.Fail(fmt.Sprintf("%s: expected tool error, got success", label))
		return
	}
	t.Pass(label)
}

func failureReason(res *Result) string {
	if res.TransportErr != nil {
		return res.TransportErr.Error()
	}
	return fmt.Sprintf("status %d", res.Status)
}

func renderHeaders(resp *http.Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", resp.Proto, resp.Status)
	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range resp.Header[k] {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}
	return b.String()
}

func formatMillis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// writeArtifact is best-effort: a vanished case directory must not fail the
// suite.
func writeArtifact(dir, name string, data []byte) {
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		logx.Warn("rpc artifact write failed", "name", name, "err", err)
	}
}
