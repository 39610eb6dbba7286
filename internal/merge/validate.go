package merge

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/git"
)

// validationOutputLimit caps how much validation output is buffered. A
// command that exceeds it fails the gate; build tools that spray unbounded
// output are a failure mode of their own.
const validationOutputLimit = 20 * 1024 * 1024

type validationOutcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Overflow bool
	Err      error
}

// runValidationGate executes the configured command in the integration
// workspace. Failure opens an escalation with output snippets, blocks the
// session, and leaves the workspace on disk for inspection; the merge never
// pushes past a failed gate.
func (e *Engine) runValidationGate(ctx context.Context, repo *git.Repo, p *plan, res *Result) error {
	e.logger.Info("running validation gate", "command", p.validationCommand)
	out := e.validate(ctx, repo.Dir(), p.validationCommand)
	if out.Err == nil && out.ExitCode == 0 && !out.Overflow {
		return nil
	}

	msg := fmt.Sprintf("validation command exited with code %d", out.ExitCode)
	if out.Overflow {
		msg = fmt.Sprintf("validation output exceeded %d bytes", validationOutputLimit)
	} else if out.Err != nil {
		msg = "validation command failed to run: " + out.Err.Error()
	}

	esc := &db.ValidationEscalation{
		ID:            e.newID(),
		SessionID:     p.sessionID,
		ProjectPath:   p.projectPath,
		WorkspacePath: repo.Dir(),
		Command:       p.validationCommand,
		ErrorMessage:  msg,
		StdoutSnippet: out.Stdout,
		StderrSnippet: out.Stderr,
	}
	if err := e.global.RecordValidationEscalation(esc); err != nil {
		return err
	}
	res.EscalationID = esc.ID

	if err := e.global.SetSessionStatus(p.sessionID, db.SessionBlockedValidation); err != nil {
		return err
	}
	e.logger.Error("validation gate failed, session blocked",
		"session", p.sessionID, "escalation", esc.ID, "workspace", repo.Dir())
	return steroidserrors.ErrValidationFailed(p.validationCommand, out.ExitCode).
		WithWhy(msg)
}

// runValidationCommand is the real gate runner: the command through the
// shell, in the workspace, with capped output capture.
func runValidationCommand(ctx context.Context, dir, command string) validationOutcome {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	stdout := &cappedBuffer{limit: validationOutputLimit}
	stderr := &cappedBuffer{limit: validationOutputLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	out := validationOutcome{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Overflow: stdout.overflow || stderr.overflow,
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			out.ExitCode = ee.ExitCode()
		} else {
			out.Err = err
		}
	}
	return out
}

// cappedBuffer keeps at most limit bytes and records whether more arrived.
// Writes never error so the child process is not killed mid-pipe; the
// overflow flag fails the gate instead.
type cappedBuffer struct {
	buf      []byte
	limit    int
	overflow bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	if room <= 0 {
		b.overflow = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.overflow = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string { return string(b.buf) }
