package git

import (
	"fmt"
	"strings"
	"sync"
)

// ScriptStep is one expected command in a ScriptRunner plan.
type ScriptStep struct {
	// Want is the expected git argument vector. A nil Want matches any
	// command.
	Want []string
	// Stdout is returned as the command output.
	Stdout string
	// Err, when non-nil, makes the step fail.
	Err error
}

// ScriptRunner is a CommandRunner that replays an ordered plan of expected
// commands and canned responses. Any deviation from the plan fails the run.
// It records every call so tests can assert the full command sequence.
type ScriptRunner struct {
	mu    sync.Mutex
	steps []ScriptStep
	pos   int

	// Calls holds every argument vector seen, in order.
	Calls [][]string

	// Loose, when set, lets unmatched commands succeed with empty output
	// instead of failing. Matched steps still consume plan positions.
	Loose bool
}

// NewScriptRunner builds a runner over an ordered plan.
func NewScriptRunner(steps ...ScriptStep) *ScriptRunner {
	return &ScriptRunner{steps: steps}
}

// Run implements CommandRunner.
func (s *ScriptRunner) Run(workDir string, args ...string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := append([]string{}, args...)
	s.Calls = append(s.Calls, call)

	if s.pos >= len(s.steps) {
		if s.Loose {
			return "", nil
		}
		return "", fmt.Errorf("unexpected command after plan end: git %s", strings.Join(args, " "))
	}

	step := s.steps[s.pos]
	if step.Want != nil && !argsEqual(step.Want, args) {
		if s.Loose {
			return "", nil
		}
		return "", fmt.Errorf("command mismatch at step %d: want git %s, got git %s",
			s.pos, strings.Join(step.Want, " "), strings.Join(args, " "))
	}

	s.pos++
	if step.Err != nil {
		return step.Stdout, step.Err
	}
	return step.Stdout, nil
}

// Done reports whether every step of the plan was consumed.
func (s *ScriptRunner) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos == len(s.steps)
}

// Remaining returns how many plan steps were never reached.
func (s *ScriptRunner) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps) - s.pos
}

// CallStrings renders the recorded calls as joined strings for assertions.
func (s *ScriptRunner) CallStrings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Calls))
	for i, c := range s.Calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

func argsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
