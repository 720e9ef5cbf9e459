//go:build e2e

package e2e

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// sigrelayBinary builds the sigrelay binary once and returns its path.
func sigrelayBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		// Find the repo root (parent of e2e/).
		dir, _ := os.Getwd()
		root := filepath.Dir(dir)
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			// Try current dir if we're running from root.
			root = dir
		}
		builtBinary = filepath.Join(root, "bin", "sigrelay")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/sigrelay")
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("build sigrelay: %v", buildErr)
	}
	return builtBinary
}

// sigrelayProcess represents a running sigrelay process with log capture.
// For peers, stdin feeds outgoing messages and stdout yields received ones.
type sigrelayProcess struct {
	cmd    *exec.Cmd
	logs   *logBuffer
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// logBuffer is a thread-safe buffer that captures log output and supports
// waiting for specific log messages.
type logBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial string // incomplete line from previous Write
	waiters []logWaiter
}

type logWaiter struct {
	substr string
	ch     chan string
}

func (lb *logBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	data := lb.partial + string(p)
	lb.partial = ""

	for {
		i := strings.IndexByte(data, '\n')
		if i == -1 {
			lb.partial = data
			break
		}
		line := data[:i]
		data = data[i+1:]
		lb.lines = append(lb.lines, line)
		// Check if any waiters match.
		remaining := lb.waiters[:0]
		for _, w := range lb.waiters {
			if strings.Contains(line, w.substr) {
				select {
				case w.ch <- line:
				default:
				}
			} else {
				remaining = append(remaining, w)
			}
		}
		lb.waiters = remaining
	}
	return len(p), nil
}

// String returns all captured log lines joined with newlines.
func (lb *logBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return strings.Join(lb.lines, "\n")
}

// waitFor blocks until a log line containing substr appears, or times out.
func (lb *logBuffer) waitFor(substr string, timeout time.Duration) (string, bool) {
	ch := make(chan string, 1)

	lb.mu.Lock()
	// Check existing lines first.
	for _, line := range lb.lines {
		if strings.Contains(line, substr) {
			lb.mu.Unlock()
			return line, true
		}
	}
	lb.waiters = append(lb.waiters, logWaiter{substr: substr, ch: ch})
	lb.mu.Unlock()

	select {
	case line := <-ch:
		return line, true
	case <-time.After(timeout):
		lb.mu.Lock()
		for i, w := range lb.waiters {
			if w.ch == ch {
				lb.waiters = append(lb.waiters[:i], lb.waiters[i+1:]...)
				break
			}
		}
		lb.mu.Unlock()
		return "", false
	}
}

// startSigrelay starts a sigrelay process with the given args and returns
// a handle. The process is killed on test cleanup.
func startSigrelay(t *testing.T, args ...string) *sigrelayProcess {
	t.Helper()
	binary := sigrelayBinary(t)

	cmd := exec.Command(binary, args...)
	logs := &logBuffer{}
	cmd.Stderr = logs // sigrelay logs to stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatalf("stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		t.Fatalf("start sigrelay %v: %v", args, err)
	}

	proc := &sigrelayProcess{
		cmd:    cmd,
		logs:   logs,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
	}

	t.Cleanup(func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
		if t.Failed() {
			t.Logf("logs for %v:\n%s", args, logs.String())
		}
	})

	return proc
}

// startServer starts "sigrelay serve" on a loopback port and returns the
// process together with its ws:// URL.
func startServer(t *testing.T, extraArgs ...string) (*sigrelayProcess, string) {
	t.Helper()
	args := append([]string{
		"serve",
		"--listen", "127.0.0.1:0",
		"--log-level", "debug",
	}, extraArgs...)
	proc := startSigrelay(t, args...)
	addr := waitForLogAddr(t, proc, "signalling server listening", 30*time.Second)
	return proc, "ws://" + addr
}

// startPeer starts "sigrelay peer" under role and waits until it has joined.
func startPeer(t *testing.T, server, role string) *sigrelayProcess {
	t.Helper()
	proc := startSigrelay(t,
		"peer",
		"--server", server,
		"--role", role,
		"--dial-timeout", "10s",
		"--log-level", "debug",
	)
	waitForLog(t, proc, "joined relay", 10*time.Second)
	return proc
}

// send writes one message line to a peer's stdin.
func (p *sigrelayProcess) send(t *testing.T, msg string) {
	t.Helper()
	if _, err := io.WriteString(p.stdin, msg+"\n"); err != nil {
		t.Fatalf("write peer stdin: %v", err)
	}
}

// recv reads one message line from a peer's stdout.
func (p *sigrelayProcess) recv(t *testing.T, timeout time.Duration) string {
	t.Helper()
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := p.stdout.ReadString('\n')
		ch <- result{strings.TrimSuffix(line, "\n"), err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("read peer stdout: %v", r.err)
		}
		return r.line
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for peer message")
		return ""
	}
}

// waitForLog waits for a log line containing the given substring.
func waitForLog(t *testing.T, proc *sigrelayProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line, ok := proc.logs.waitFor(substr, timeout)
	if !ok {
		t.Fatalf("timed out waiting for log: %q", substr)
	}
	return line
}

// addrRe extracts addr=host:port from log lines.
var addrRe = regexp.MustCompile(`addr=([^\s]+)`)

// waitForLogAddr waits for a log line and extracts the addr= value.
func waitForLogAddr(t *testing.T, proc *sigrelayProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line := waitForLog(t, proc, substr, timeout)
	m := addrRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("no addr= in log line: %s", line)
	}
	return m[1]
}
