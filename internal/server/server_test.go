package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMarkerServer builds a Server over a bare log file, without a subject
// process, to exercise the marker and segment machinery in isolation.
func newMarkerServer(t *testing.T) (*Server, *os.File) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server_main.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	return &Server{
		Label:    "main",
		LogPath:  path,
		logFile:  f,
		segments: map[string]caseSegment{},
	}, f
}

func subjectWrites(t *testing.T, f *os.File, lines ...string) {
	t.Helper()
	for _, line := range lines {
		_, err := fmt.Fprintln(f, line)
		require.NoError(t, err)
	}
}

func TestCaseSegmentsIsolatePerCaseOutput(t *testing.T) {
	s, f := newMarkerServer(t)

	subjectWrites(t, f, "boot line")
	s.MarkCaseStart("alpha")
	subjectWrites(t, f, "alpha work 1", "alpha work 2")
	s.MarkCaseEnd("alpha")

	s.MarkCaseStart("beta")
	subjectWrites(t, f, "beta work")
	s.MarkCaseEnd("beta")

	alpha := s.ExtractCaseLogs("alpha")
	require.NotEmpty(t, alpha)
	assert.Contains(t, alpha[0], "CASE_START:alpha")
	assert.Contains(t, alpha[len(alpha)-1], "CASE_END:alpha")
	assert.Contains(t, strings.Join(alpha, "\n"), "alpha work 1")
	assert.NotContains(t, strings.Join(alpha, "\n"), "boot line")
	assert.NotContains(t, strings.Join(alpha, "\n"), "beta work")

	beta := s.ExtractCaseLogs("beta")
	assert.Contains(t, strings.Join(beta, "\n"), "beta work")
	assert.NotContains(t, strings.Join(beta, "\n"), "alpha work 1")
}

func TestMarkCaseStartIsIdempotentPerName(t *testing.T) {
	s, f := newMarkerServer(t)

	s.MarkCaseStart("alpha")
	s.MarkCaseStart("alpha")
	subjectWrites(t, f, "work")
	s.MarkCaseEnd("alpha")

	data, err := os.ReadFile(s.LogPath)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "CASE_START:alpha"))
}

func TestMarkCaseStartClosesPreviousCase(t *testing.T) {
	s, f := newMarkerServer(t)

	s.MarkCaseStart("alpha")
	subjectWrites(t, f, "alpha work")
	s.MarkCaseStart("beta")

	data, err := os.ReadFile(s.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "CASE_END:alpha")

	alpha := s.ExtractCaseLogs("alpha")
	assert.Contains(t, strings.Join(alpha, "\n"), "alpha work")
	assert.NotContains(t, strings.Join(alpha, "\n"), "CASE_START:beta")
}

func TestMarkCaseEndIgnoresInactiveCase(t *testing.T) {
	s, _ := newMarkerServer(t)

	s.MarkCaseStart("alpha")
	s.MarkCaseEnd("other")

	data, err := os.ReadFile(s.LogPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "CASE_END:other")
	assert.Equal(t, "alpha", s.activeCase)
}

func TestOpenCaseReadsToEndOfLog(t *testing.T) {
	s, f := newMarkerServer(t)

	s.MarkCaseStart("alpha")
	subjectWrites(t, f, "line one", "line two")

	lines := s.ExtractCaseLogs("alpha")
	assert.Contains(t, strings.Join(lines, "\n"), "line two")
}

func TestCaseLogTailLimitsLines(t *testing.T) {
	s, f := newMarkerServer(t)

	s.MarkCaseStart("alpha")
	for i := 0; i < 30; i++ {
		subjectWrites(t, f, fmt.Sprintf("line %d", i))
	}
	s.MarkCaseEnd("alpha")

	tail := s.CaseLogTail("alpha", 5)
	assert.Len(t, tail, 5)
	assert.Contains(t, tail[len(tail)-1], "CASE_END:alpha")
}

func TestNilServerIsSafe(t *testing.T) {
	var s *Server
	s.MarkCaseStart("alpha")
	s.MarkCaseEnd("alpha")
	s.Stop()
	assert.Nil(t, s.ExtractCaseLogs("alpha"))
	assert.Nil(t, s.CaseLogTail("alpha", 3))
}

func TestStopWithoutProcessWritesMarkers(t *testing.T) {
	s, _ := newMarkerServer(t)

	s.MarkCaseStart("alpha")
	s.Stop()
	s.Stop() // safe to repeat

	data, err := os.ReadFile(s.LogPath)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "SERVER_STOPPING label=main"))
	assert.Equal(t, 1, strings.Count(string(data), "SERVER_STOPPED label=main"))
}

func TestUnknownCaseHasNoLogs(t *testing.T) {
	s, _ := newMarkerServer(t)
	assert.Nil(t, s.ExtractCaseLogs("never-started"))
}

func TestStartRequiresBinary(t *testing.T) {
	_, err := Start(StartOptions{LogDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binary is required")
}

func TestStartFailsOnMissingExecutable(t *testing.T) {
	_, err := Start(StartOptions{
		Binary: filepath.Join(t.TempDir(), "does-not-exist"),
		LogDir: t.TempDir(),
	})
	assert.Error(t, err)
}

func TestStartWithReadyMarker(t *testing.T) {
	logDir := t.TempDir()
	var events []string
	s, err := Start(StartOptions{
		Binary:       "bash",
		Args:         []string{"-c", "echo SUBJECT_READY; exec sleep 30"},
		Label:        "marker",
		LogDir:       logDir,
		ReadyTimeout: 10 * time.Second,
		ReadyMarker:  "SUBJECT_READY",
		Trace:        func(kind, message string) { events = append(events, kind) },
	})
	require.NoError(t, err)
	defer s.Stop()

	data, err := os.ReadFile(s.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "SUBJECT_READY")
	assert.Contains(t, string(data), "SERVER_STARTED label=marker")
	assert.Contains(t, events, "server_started")

	s.Stop()
	s.Stop() // safe to repeat

	data, err = os.ReadFile(s.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "SERVER_STOPPING label=marker")
	assert.Contains(t, string(data), "SERVER_STOPPED label=marker")
	assert.Contains(t, events, "server_stopped")
}

func TestStartupTimeoutWritesDiagnostics(t *testing.T) {
	diagDir := filepath.Join(t.TempDir(), "diagnostics")
	_, err := Start(StartOptions{
		Binary:         "sleep",
		Args:           []string{"30"},
		Label:          "stuck",
		LogDir:         t.TempDir(),
		DiagnosticsDir: diagDir,
		ReadyTimeout:   500 * time.Millisecond,
		ReadyMarker:    "WILL_NEVER_APPEAR",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready within")

	data, readErr := os.ReadFile(filepath.Join(diagDir, "server_startup_failure.txt"))
	require.NoError(t, readErr)
	assert.Contains(t, string(data), "failed to become ready")
	assert.Contains(t, string(data), "=== log tail ===")
}

func TestWaitForPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, waitForPort(ctx, "127.0.0.1", port))

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := closed.Addr().(*net.TCPAddr).Port
	closed.Close()

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer shortCancel()
	assert.Error(t, waitForPort(shortCtx, "127.0.0.1", deadPort))
}

func TestTailLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.log")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\nd\n"), 0o644))

	lines, err := tailLines(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, lines)

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	lines, err = tailLines(path, 2)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestCountLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.log")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\n"), 0o644))
	n, err := countLines(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
