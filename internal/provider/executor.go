package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/util"
)

// responseStoreLimit caps the stdout/stderr stored on the invocation row.
// The full streams stay in memory for classification and in the NDJSON log.
const responseStoreLimit = 8000

// Recorder persists invocation outcomes. *db.ProjectDB satisfies it.
type Recorder interface {
	CompleteInvocation(id, status, response, errText string, success, timedOut bool) error
}

// Executor spawns provider CLI processes with sanitized environments,
// activity logging, and timeout enforcement. One executor is shared by all
// adapters in a registry.
type Executor struct {
	logger      *slog.Logger
	recorder    Recorder
	logDir      string
	sanitizeEnv bool
	tempHome    bool
	lookPath    func(string) (string, error)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithRecorder sets the store that receives invocation outcomes.
func WithRecorder(r Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithActivityLogDir enables NDJSON activity logs under dir.
func WithActivityLogDir(dir string) ExecutorOption {
	return func(e *Executor) { e.logDir = dir }
}

// WithSanitizedEnv toggles stripping API-key variables from child
// environments. On by default.
func WithSanitizedEnv(on bool) ExecutorOption {
	return func(e *Executor) { e.sanitizeEnv = on }
}

// WithTempHome runs provider CLIs under a temporary HOME holding symlinks
// to the real home's auth files.
func WithTempHome(on bool) ExecutorOption {
	return func(e *Executor) { e.tempHome = on }
}

// NewExecutor creates an executor with defaults: sanitized environment, no
// temp home, slog default logger.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger:      slog.Default(),
		sanitizeEnv: true,
		lookPath:    exec.LookPath,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BinaryAvailable reports whether a CLI binary resolves on PATH.
func (e *Executor) BinaryAvailable(name string) bool {
	_, err := e.lookPath(name)
	return err == nil
}

// Run spawns argv[0] with the remaining argv as arguments, feeding stdin
// when non-empty. The prompt is also written to opts.PromptFile when set.
// A non-zero exit does not return an error; the caller classifies the
// captured output. The returned error is reserved for spawn failures.
func (e *Executor) Run(ctx context.Context, providerName string, argv []string, stdin string, opts Options) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("provider %s: empty command", providerName)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var alog *ActivityLog
	if e.logDir != "" && opts.InvocationID != "" {
		var err error
		alog, err = OpenActivityLog(e.logDir, opts.InvocationID)
		if err != nil {
			e.logger.Warn("activity log unavailable", "invocation", opts.InvocationID, "error", err)
		} else {
			defer func() { _ = alog.Close() }()
			alog.Start(providerName, opts.Model, opts.Role)
		}
	}

	if opts.PromptFile != "" && stdin != "" {
		if err := util.AtomicWriteFileString(opts.PromptFile, stdin, 0644); err != nil {
			e.logger.Warn("prompt file not written", "path", opts.PromptFile, "error", err)
		}
	}

	env := os.Environ()
	if e.sanitizeEnv {
		env = SanitizedEnv()
	}
	env = applyProviderKey(env, providerName)
	if e.tempHome {
		realHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home for temp home: %w", err)
		}
		home, cleanup, err := NewTempHome(realHome)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		env = setEnvVar(env, "HOME", home)
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = opts.WorkDir
	cmd.Env = env
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	notify := func(line string) {
		if alog != nil {
			alog.Activity(line)
		}
		if opts.OnActivity != nil {
			opts.OnActivity(line)
		}
	}
	stdout := newLineWriter(notify)
	stderr := newLineWriter(nil)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.logger.Debug("provider invocation",
		"provider", providerName,
		"model", opts.Model,
		"role", opts.Role,
		"timeout", timeout,
	)

	start := time.Now()
	runErr := cmd.Run()
	stdout.flush()
	stderr.flush()

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}

	switch {
	case runErr == nil:
		res.Success = true
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else if !res.TimedOut {
			// The process never started (missing binary, bad workdir).
			e.complete(opts.InvocationID, res)
			if alog != nil {
				alog.Complete(invocationStatus(res), -1, res.Duration, false)
			}
			return nil, fmt.Errorf("provider %s: %w", providerName, runErr)
		}
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
	}
	if res.TimedOut {
		res.Success = false
	}

	status := invocationStatus(res)
	if alog != nil {
		alog.Complete(status, res.ExitCode, res.Duration, res.TimedOut)
	}
	e.complete(opts.InvocationID, res)

	e.logger.Debug("provider invocation finished",
		"provider", providerName,
		"status", status,
		"exit_code", res.ExitCode,
		"duration", res.Duration.Round(time.Millisecond),
	)
	return res, nil
}

// Capture runs a short utility command (model listing and the like) with
// the sanitized environment but without activity logging.
func (e *Executor) Capture(ctx context.Context, argv ...string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("capture: empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if e.sanitizeEnv {
		cmd.Env = SanitizedEnv()
	}
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(errBuf.String())
		if msg == "" {
			msg = strings.TrimSpace(out.String())
		}
		if msg != "" {
			return "", fmt.Errorf("%s: %s: %w", argv[0], msg, err)
		}
		return "", fmt.Errorf("%s: %w", argv[0], err)
	}
	return strings.TrimSpace(out.String()), nil
}

func (e *Executor) complete(invocationID string, res *Result) {
	if e.recorder == nil || invocationID == "" {
		return
	}
	err := e.recorder.CompleteInvocation(
		invocationID,
		invocationStatus(res),
		util.Truncate(res.Stdout, responseStoreLimit),
		util.Truncate(res.Stderr, responseStoreLimit),
		res.Success,
		res.TimedOut,
	)
	if err != nil {
		e.logger.Warn("invocation row not updated", "invocation", invocationID, "error", err)
	}
}

// invocationStatus maps a result onto the invocation row status values.
func invocationStatus(res *Result) string {
	switch {
	case res.TimedOut:
		return "timeout"
	case res.Success:
		return "completed"
	default:
		return "failed"
	}
}

// lineWriter buffers everything written to it and additionally hands
// complete lines to a callback as they stream in. exec copies stdout and
// stderr on separate goroutines, so writes are serialized per instance.
type lineWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	partial bytes.Buffer
	notify  func(string)
}

func newLineWriter(notify func(string)) *lineWriter {
	return &lineWriter{notify: notify}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if w.notify == nil {
		return len(p), nil
	}
	w.partial.Write(p)
	for {
		line, err := w.partial.ReadString('\n')
		if err != nil {
			// Incomplete line; keep it for the next write.
			w.partial.Reset()
			w.partial.WriteString(line)
			break
		}
		if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
			w.notify(trimmed)
		}
	}
	return len(p), nil
}

// flush emits any trailing unterminated line.
func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.notify != nil && w.partial.Len() > 0 {
		w.notify(strings.TrimRight(w.partial.String(), "\r\n"))
		w.partial.Reset()
	}
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

var _ io.Writer = (*lineWriter)(nil)
