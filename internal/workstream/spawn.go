package workstream

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// SpawnRequest describes one detached runner child.
type SpawnRequest struct {
	// Executable is the binary to run. Empty means the current executable.
	Executable string

	ProjectPath string

	// SessionID and WorkstreamID put the child in workstream mode; both
	// empty spawns a plain project runner (wakeup path).
	SessionID    string
	WorkstreamID string
	RunnerID     string

	// LogPath receives the child's stdout and stderr. Empty discards them.
	LogPath string
}

// args builds the child's argv after the executable.
func (req SpawnRequest) args() []string {
	args := []string{"runners", "start", "--project", req.ProjectPath}
	if req.SessionID != "" {
		args = append(args, "--parallel-session-id", req.SessionID)
	}
	if req.WorkstreamID != "" {
		args = append(args, "--workstream-id", req.WorkstreamID)
	}
	if req.RunnerID != "" {
		args = append(args, "--runner-id", req.RunnerID)
	}
	return args
}

// SpawnDetached starts a runner child in its own process group and returns
// its pid. The child keeps running after the parent exits; the pid is
// recorded, not waited on.
func SpawnDetached(req SpawnRequest) (int, error) {
	exe := req.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
	}

	cmd := exec.Command(exe, req.args()...)
	cmd.Dir = req.ProjectPath
	setDetachAttr(cmd)

	var sink *os.File
	if req.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(req.LogPath), 0755); err != nil {
			return 0, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(req.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return 0, fmt.Errorf("open runner log: %w", err)
		}
		sink = f
	} else {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
		}
		sink = f
	}
	defer func() { _ = sink.Close() }()

	cmd.Stdout = sink
	cmd.Stderr = sink

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start runner child: %w", err)
	}
	pid := cmd.Process.Pid
	// Detach: the child is tracked through the control plane, not waited on.
	_ = cmd.Process.Release()
	return pid, nil
}
