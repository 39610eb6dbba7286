package provider

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func requireSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
}

// fakeRecorder captures CompleteInvocation calls.
type fakeRecorder struct {
	id       string
	status   string
	response string
	errText  string
	success  bool
	timedOut bool
	calls    int
}

func (r *fakeRecorder) CompleteInvocation(id, status, response, errText string, success, timedOut bool) error {
	r.id, r.status, r.response, r.errText = id, status, response, errText
	r.success, r.timedOut = success, timedOut
	r.calls++
	return nil
}

func TestExecutorRunSuccess(t *testing.T) {
	t.Parallel()
	requireSh(t)

	rec := &fakeRecorder{}
	dir := t.TempDir()
	e := NewExecutor(WithRecorder(rec), WithActivityLogDir(dir))

	var activity []string
	res, err := e.Run(context.Background(), "test",
		[]string{"sh", "-c", "echo line one; echo line two"}, "",
		Options{
			InvocationID: "inv-1",
			Role:         RoleCoder,
			OnActivity:   func(line string) { activity = append(activity, line) },
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Errorf("Success = false, stderr: %s", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d", res.ExitCode)
	}
	if want := "line one\nline two\n"; res.Stdout != want {
		t.Errorf("Stdout = %q, want %q", res.Stdout, want)
	}
	if len(activity) != 2 || activity[0] != "line one" {
		t.Errorf("activity lines = %v", activity)
	}
	if res.Duration <= 0 {
		t.Error("Duration should be positive")
	}

	if rec.calls != 1 || rec.id != "inv-1" || rec.status != "completed" || !rec.success {
		t.Errorf("recorder state: %+v", rec)
	}

	data, err := os.ReadFile(filepath.Join(dir, "inv-1.log"))
	if err != nil {
		t.Fatalf("activity log missing: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("log has %d events, want start+2 activity+complete", len(lines))
	}
	if gjson.Get(lines[0], "event").String() != EventStart {
		t.Errorf("first log event = %s", lines[0])
	}
	if gjson.Get(lines[3], "status").String() != "completed" {
		t.Errorf("complete event = %s", lines[3])
	}
}

func TestExecutorRunFailure(t *testing.T) {
	t.Parallel()
	requireSh(t)

	rec := &fakeRecorder{}
	e := NewExecutor(WithRecorder(rec))

	res, err := e.Run(context.Background(), "test",
		[]string{"sh", "-c", "echo oops >&2; exit 3"}, "",
		Options{InvocationID: "inv-2"})
	if err != nil {
		t.Fatalf("non-zero exit must not be a Go error: %v", err)
	}
	if res.Success {
		t.Error("Success = true for exit 3")
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if rec.status != "failed" {
		t.Errorf("recorded status = %q, want failed", rec.status)
	}
}

func TestExecutorRunTimeout(t *testing.T) {
	t.Parallel()
	requireSh(t)

	rec := &fakeRecorder{}
	e := NewExecutor(WithRecorder(rec))

	start := time.Now()
	res, err := e.Run(context.Background(), "test",
		[]string{"sh", "-c", "sleep 5"}, "",
		Options{InvocationID: "inv-3", Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("timeout must not be a Go error: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("timeout not enforced")
	}
	if !res.TimedOut {
		t.Error("TimedOut = false")
	}
	if res.Success {
		t.Error("Success = true after timeout")
	}
	if rec.status != "timeout" || !rec.timedOut {
		t.Errorf("recorded status = %q timedOut=%v", rec.status, rec.timedOut)
	}
}

func TestExecutorRunStdinAndPromptFile(t *testing.T) {
	t.Parallel()
	requireSh(t)

	dir := t.TempDir()
	promptFile := filepath.Join(dir, "prompt.md")
	e := NewExecutor()

	res, err := e.Run(context.Background(), "test",
		[]string{"sh", "-c", "cat"}, "the prompt",
		Options{PromptFile: promptFile})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "the prompt" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	data, err := os.ReadFile(promptFile)
	if err != nil {
		t.Fatalf("prompt file not written: %v", err)
	}
	if string(data) != "the prompt" {
		t.Errorf("prompt file = %q", data)
	}
}

func TestExecutorRunMissingBinary(t *testing.T) {
	t.Parallel()

	e := NewExecutor()
	_, err := e.Run(context.Background(), "test",
		[]string{"steroids-no-such-binary-xyz"}, "", Options{})
	if err == nil {
		t.Fatal("expected spawn error for missing binary")
	}
}

func TestExecutorSanitizedEnv(t *testing.T) {
	requireSh(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-leak")

	e := NewExecutor()
	res, err := e.Run(context.Background(), "test",
		[]string{"sh", "-c", "printf '%s' \"${ANTHROPIC_API_KEY:-unset}\""}, "", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "unset" {
		t.Errorf("child saw ANTHROPIC_API_KEY = %q", res.Stdout)
	}

	e = NewExecutor(WithSanitizedEnv(false))
	res, err = e.Run(context.Background(), "test",
		[]string{"sh", "-c", "printf '%s' \"${ANTHROPIC_API_KEY:-unset}\""}, "", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "sk-ant-leak" {
		t.Errorf("unsanitized child saw %q", res.Stdout)
	}
}

func TestExecutorScopedProviderKey(t *testing.T) {
	requireSh(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-shell")
	t.Setenv("STEROIDS_CLAUDE_API_KEY", "sk-managed")

	e := NewExecutor()
	res, err := e.Run(context.Background(), "claude",
		[]string{"sh", "-c", "printf '%s %s' \"${ANTHROPIC_API_KEY:-unset}\" \"${STEROIDS_CLAUDE_API_KEY:-unset}\""},
		"", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The child authenticates with the steroids-managed key under the
	// vendor name; the scoped variable itself never crosses over.
	if res.Stdout != "sk-managed unset" {
		t.Errorf("child env = %q, want managed key under vendor name only", res.Stdout)
	}

	// A provider with no managed key still sees neither variable.
	res, err = e.Run(context.Background(), "mistral",
		[]string{"sh", "-c", "printf '%s' \"${STEROIDS_CLAUDE_API_KEY:-unset}\""}, "", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "unset" {
		t.Errorf("scoped key leaked to another provider's child: %q", res.Stdout)
	}
}

func TestExecutorCapture(t *testing.T) {
	t.Parallel()
	requireSh(t)

	e := NewExecutor()
	out, err := e.Capture(context.Background(), "sh", "-c", "echo hello")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if out != "hello" {
		t.Errorf("Capture = %q", out)
	}

	if _, err := e.Capture(context.Background(), "sh", "-c", "echo bad >&2; exit 1"); err == nil {
		t.Error("Capture should fail on non-zero exit")
	}
}

func TestBinaryAvailable(t *testing.T) {
	t.Parallel()

	e := NewExecutor()
	if runtime.GOOS != "windows" && !e.BinaryAvailable("sh") {
		t.Error("sh should be available")
	}
	if e.BinaryAvailable("steroids-no-such-binary-xyz") {
		t.Error("nonexistent binary reported available")
	}
}
