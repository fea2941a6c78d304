// Package stub serves a minimal MCP-style JSON-RPC endpoint with canned,
// deterministic behavior: a known-good subject for exercising the harness
// and its capture pipeline without the real server.
package stub

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"

	"github.com/Dicklesworthstone/amharness/internal/logx"
)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      any    `json:"id"`
	Params  struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"params"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewRouter builds the stub's HTTP surface: POST /mcp/ for JSON-RPC and
// GET /healthz for liveness.
func NewRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/mcp/", handleRPC)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// handleRPC implements tools/call with canned tools:
//
//	health_check  -> empty result object
//	echo          -> result mirrors the arguments
//	fail_tool     -> JSON-RPC error member (HTTP 200)
//	anything else -> result {"tool": <name>, "ok": true}
//
// Non-tools/call methods return a method-not-found error.
func handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, response{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32700, Message: "parse error"},
		})
		return
	}

	resp := response{JSONRPC: "2.0", ID: req.ID}
	switch {
	case req.Method != "tools/call":
		resp.Error = &rpcError{Code: -32601, Message: "method not found: " + req.Method}
	case req.Params.Name == "health_check":
		resp.Result = map[string]any{}
	case req.Params.Name == "echo":
		resp.Result = json.RawMessage(req.Params.Arguments)
	case req.Params.Name == "fail_tool":
		resp.Error = &rpcError{Code: -32000, Message: "tool failed by request"}
	default:
		resp.Result = map[string]any{"tool": req.Params.Name, "ok": true}
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logx.Warn("stub response write failed", "err", err)
	}
}

// Serve runs the stub on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logx.Info("stub server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
