// Package server launches and supervises the subject process under test:
// environment baseline, combined-output log capture, bounded readiness
// waits, graceful shutdown, and inline [E2E_MARKER] lines that let the
// harness extract exactly the log segment a given case produced.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"

	"github.com/Dicklesworthstone/amharness/internal/logx"
)

// DefaultReadyTimeout bounds the wait for the subject to accept connections.
const DefaultReadyTimeout = 15 * time.Second

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 5 * time.Second

const markerPrefix = "[E2E_MARKER]"

// StartOptions configures one subject launch.
type StartOptions struct {
	// Binary is the path or name of the executable under test.
	Binary string
	Args   []string
	Label  string

	// DBPath and StorageRoot feed the environment baseline.
	DBPath      string
	StorageRoot string

	// Port 0 asks the OS for a free port before launch.
	Port int
	Host string

	// Env entries override or extend the baseline.
	Env map[string]string

	// LogDir receives server_<label>.log; DiagnosticsDir receives the
	// startup-failure dump.
	LogDir         string
	DiagnosticsDir string

	ReadyTimeout time.Duration
	// ReadyMarker, when set, switches readiness from the TCP probe to
	// watching the log for a line containing this text.
	ReadyMarker string

	// Trace, when set, receives lifecycle events (server_started, ...).
	// Its failures are the callback's own problem.
	Trace func(kind, message string)
}

type caseSegment struct {
	startLine int
	endLine   int // 0 while the case is still open
}

// Server is one running subject process plus its log/marker state.
type Server struct {
	Label   string
	Port    int
	BaseURL string
	LogPath string

	cmd     *exec.Cmd
	logFile *os.File
	trace   func(kind, message string)

	activeCase string
	segments   map[string]caseSegment
	stopped    bool
}

// Start launches the subject with the environment baseline, captures its
// combined output to <LogDir>/server_<label>.log, and blocks until the
// readiness condition holds or the timeout expires. On startup failure the
// process is killed and a diagnostics dump is written before returning.
func Start(opts StartOptions) (*Server, error) {
	if opts.Binary == "" {
		return nil, fmt.Errorf("server binary is required")
	}
	if opts.Label == "" {
		opts.Label = "main"
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}

	port := opts.Port
	if port == 0 {
		p, err := freePort(opts.Host)
		if err != nil {
			return nil, fmt.Errorf("pick free port: %w", err)
		}
		port = p
	}

	if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logPath := filepath.Join(opts.LogDir, fmt.Sprintf("server_%s.log", opts.Label))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open server log: %w", err)
	}

	env := os.Environ()
	baseline := map[string]string{
		"DATABASE_URL": "sqlite:///" + opts.DBPath,
		"STORAGE_ROOT": opts.StorageRoot,
		"HTTP_HOST":    opts.Host,
		"HTTP_PORT":    strconv.Itoa(port),
		"HTTP_PATH":    "/mcp/",
		"LOG_LEVEL":    "debug",
	}
	for k, v := range opts.Env {
		baseline[k] = v
	}
	for k, v := range baseline {
		env = append(env, k+"="+v)
	}

	cmd := exec.Command(opts.Binary, opts.Args...)
	cmd.Env = env
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("launch %s: %w", opts.Binary, err)
	}

	s := &Server{
		Label:    opts.Label,
		Port:     port,
		BaseURL:  fmt.Sprintf("http://%s:%d/mcp/", opts.Host, port),
		LogPath:  logPath,
		cmd:      cmd,
		logFile:  logFile,
		trace:    opts.Trace,
		segments: map[string]caseSegment{},
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.ReadyTimeout)
	defer cancel()

	var readyErr error
	if opts.ReadyMarker != "" {
		readyErr = waitForLogMarker(ctx, logPath, opts.ReadyMarker)
	} else {
		readyErr = waitForPort(ctx, opts.Host, port)
	}
	if readyErr != nil {
		s.dumpStartupFailure(opts.DiagnosticsDir, readyErr)
		s.kill()
		return nil, fmt.Errorf("server %q not ready within %s: %w", opts.Label, opts.ReadyTimeout, readyErr)
	}

	s.appendMarker("SERVER_STARTED label=" + opts.Label + " port=" + strconv.Itoa(port))
	s.emit("server_started", fmt.Sprintf("label=%s url=%s", opts.Label, s.BaseURL))
	logx.Info("server started", "label", opts.Label, "url", s.BaseURL, "pid", cmd.Process.Pid)
	return s, nil
}

func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// waitForPort polls the TCP port with exponential backoff until it accepts a
// connection or ctx expires.
func waitForPort(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	probe := func() (struct{}, error) {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err != nil {
			return struct{}{}, err
		}
		conn.Close()
		return struct{}{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, probe, backoff.WithBackOff(bo))
	return err
}

// waitForLogMarker watches the log file until a line containing marker
// appears or ctx expires.
func waitForLogMarker(ctx context.Context, logPath, marker string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch log: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(logPath)); err != nil {
		return fmt.Errorf("watch log dir: %w", err)
	}

	contains := func() bool {
		data, err := os.ReadFile(logPath)
		return err == nil && strings.Contains(string(data), marker)
	}
	if contains() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-watcher.Events:
			if ev.Name == logPath && contains() {
				return nil
			}
		case werr := <-watcher.Errors:
			logx.Warn("log watcher error", "err", werr)
		}
	}
}

// dumpStartupFailure writes a forensic snapshot (log tail, matching
// processes, open listeners) for a subject that never became ready.
func (s *Server) dumpStartupFailure(dir string, cause error) {
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logx.Warn("startup diagnostics dir", "err", err)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "server %q failed to become ready: %v\n\n", s.Label, cause)

	b.WriteString("=== log tail ===\n")
	tail, _ := tailLines(s.LogPath, 40)
	if len(tail) == 0 {
		b.WriteString("(log empty)\n")
	}
	for _, line := range tail {
		b.WriteString(line + "\n")
	}

	b.WriteString("\n=== processes ===\n")
	b.WriteString(bestEffortCommand("ps", "aux"))
	b.WriteString("\n=== listeners ===\n")
	b.WriteString(bestEffortCommand("ss", "-ltn"))

	path := filepath.Join(dir, "server_startup_failure.txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		logx.Warn("write startup diagnostics", "path", path, "err", err)
	}
}

func bestEffortCommand(name string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return fmt.Sprintf("(%s unavailable: %v)\n", name, err)
	}
	return string(out)
}

// Stop terminates the subject: SIGTERM, a bounded grace wait, then SIGKILL.
// Safe to call more than once.
func (s *Server) Stop() {
	if s == nil || s.stopped {
		return
	}
	s.stopped = true

	s.appendMarker("SERVER_STOPPING label=" + s.Label)
	s.emit("server_stopping", "label="+s.Label)

	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			_, _ = s.cmd.Process.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(DefaultStopGrace):
			logx.Warn("server ignored SIGTERM, killing", "label", s.Label)
			_ = s.cmd.Process.Kill()
			<-done
		}
	}

	s.appendMarker("SERVER_STOPPED label=" + s.Label)
	s.emit("server_stopped", "label="+s.Label)

	lines, _ := countLines(s.LogPath)
	logx.Info("server stopped", "label", s.Label, "log_lines", lines)
	if s.logFile != nil {
		s.logFile.Close()
	}
}

func (s *Server) kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_, _ = s.cmd.Process.Wait()
	}
	s.logFile.Close()
	s.stopped = true
}

// MarkCaseStart records a CASE_START marker and the log line offset for the
// named case. Same-name re-entry is a no-op; a different open case is closed
// first, mirroring the harness case state machine that drives these calls.
func (s *Server) MarkCaseStart(name string) {
	if s == nil || name == "" || s.activeCase == name {
		return
	}
	if s.activeCase != "" {
		s.MarkCaseEnd(s.activeCase)
	}
	lines, _ := countLines(s.LogPath)
	s.appendMarker("CASE_START:" + name)
	s.segments[name] = caseSegment{startLine: lines}
	s.activeCase = name
}

// MarkCaseEnd closes the named case's marker segment. No-op if the case is
// not the active one.
func (s *Server) MarkCaseEnd(name string) {
	if s == nil || name == "" || s.activeCase != name {
		return
	}
	s.appendMarker("CASE_END:" + name)
	lines, _ := countLines(s.LogPath)
	seg := s.segments[name]
	seg.endLine = lines
	s.segments[name] = seg
	s.activeCase = ""
}

// ExtractCaseLogs returns the log lines produced while the named case was
// executing. An open case reads to end of file.
func (s *Server) ExtractCaseLogs(name string) []string {
	if s == nil {
		return nil
	}
	seg, ok := s.segments[name]
	if !ok {
		return nil
	}
	data, err := os.ReadFile(s.LogPath)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if seg.startLine >= len(lines) {
		return nil
	}
	end := len(lines)
	if seg.endLine > 0 && seg.endLine < end {
		end = seg.endLine
	}
	return lines[seg.startLine:end]
}

// CaseLogTail returns the last n lines of the named case's log segment.
func (s *Server) CaseLogTail(name string, n int) []string {
	lines := s.ExtractCaseLogs(name)
	if len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}

// appendMarker writes one [E2E_MARKER] line into the live server log.
// O_APPEND keeps it atomic with respect to the subject's own writes.
func (s *Server) appendMarker(text string) {
	ts := time.Now().UTC().Format(time.RFC3339)
	if _, err := fmt.Fprintf(s.logFile, "%s %s %s\n", markerPrefix, ts, text); err != nil {
		logx.Warn("marker write failed", "text", text, "err", err)
	}
}

func (s *Server) emit(kind, message string) {
	if s.trace != nil {
		s.trace(kind, message)
	}
}

func countLines(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strings.Count(string(data), "\n"), nil
}

func tailLines(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
