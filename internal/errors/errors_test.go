package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestSteroidsErrorFormat(t *testing.T) {
	tests := []struct {
		name     string
		err      *SteroidsError
		wantErr  string
		wantUser string
	}{
		{
			name:     "what only",
			err:      &SteroidsError{What: "something broke"},
			wantErr:  "something broke",
			wantUser: "Error: something broke",
		},
		{
			name:     "what and why",
			err:      &SteroidsError{What: "something broke", Why: "bad input"},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input",
		},
		{
			name: "full error",
			err: &SteroidsError{
				What: "something broke",
				Why:  "bad input",
				Fix:  "try again",
			},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input\n\nFix: try again",
		},
		{
			name: "with cause",
			err: &SteroidsError{
				What:  "something broke",
				Cause: errors.New("underlying error"),
			},
			wantErr:  "something broke: underlying error",
			wantUser: "Error: something broke",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantErr {
				t.Errorf("Error() = %q, want %q", got, tt.wantErr)
			}
			if got := tt.err.UserMessage(); got != tt.wantUser {
				t.Errorf("UserMessage() = %q, want %q", got, tt.wantUser)
			}
		})
	}
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := ErrTaskNotFound("task-123")
	if !errors.Is(err, &SteroidsError{Code: CodeTaskNotFound}) {
		t.Error("errors.Is should match errors with the same code")
	}
	if errors.Is(err, &SteroidsError{Code: CodeSectionNotFound}) {
		t.Error("errors.Is should not match errors with a different code")
	}
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("db locked")
	err := Wrap(cause, CodeResourceLocked, "cannot open store")
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if got := AsSteroidsError(wrapped); got == nil || got.Code != CodeResourceLocked {
		t.Errorf("AsSteroidsError through fmt wrap = %v, want CodeResourceLocked", got)
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeNotInitialized, ExitNotInitialized},
		{CodeMigrationRequired, ExitNotInitialized},
		{CodeTaskNotFound, ExitNotFound},
		{CodeSectionNotFound, ExitNotFound},
		{CodeInvalidArgs, ExitInvalidArgs},
		{CodeTaskLocked, ExitResourceLocked},
		{CodeMergeLockHeld, ExitResourceLocked},
		{CodeAuthError, ExitPermission},
		{CodeHealthFailed, ExitHealthFailed},
		{CodeGitError, ExitGeneral},
		{CodeValidationFailed, ExitGeneral},
		{Code("SOMETHING_ELSE"), ExitGeneral},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := ExitCodeFor(tt.code); got != tt.want {
				t.Errorf("ExitCodeFor(%s) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}

func TestJSONEnvelope(t *testing.T) {
	err := ErrSectionNotFound("auth")
	data := JSONEnvelope(err)

	var env map[string]any
	if uerr := json.Unmarshal(data, &env); uerr != nil {
		t.Fatalf("Unmarshal failed: %v", uerr)
	}
	if env["success"] != false {
		t.Error("envelope success should be false")
	}
	inner, ok := env["error"].(map[string]any)
	if !ok {
		t.Fatal("envelope should contain an error object")
	}
	if inner["code"] != "SECTION_NOT_FOUND" {
		t.Errorf("code = %v, want SECTION_NOT_FOUND", inner["code"])
	}
	if inner["message"] != "section auth not found" {
		t.Errorf("message = %v", inner["message"])
	}
}

func TestJSONEnvelopePlainError(t *testing.T) {
	data := JSONEnvelope(errors.New("boom"))

	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	inner := env["error"].(map[string]any)
	if inner["code"] != "UNKNOWN" {
		t.Errorf("code = %v, want UNKNOWN", inner["code"])
	}
	if inner["message"] != "boom" {
		t.Errorf("message = %v, want boom", inner["message"])
	}
}

func TestWithHelpers(t *testing.T) {
	base := New(CodeGitError, "git failed")
	withWhy := base.WithWhy("remote hung up")
	if base.Why != "" {
		t.Error("WithWhy must not mutate the receiver")
	}
	if withWhy.Why != "remote hung up" {
		t.Errorf("WithWhy = %q", withWhy.Why)
	}

	cause := errors.New("exit status 128")
	withCause := base.WithCause(cause)
	if !errors.Is(withCause, cause) {
		t.Error("WithCause should attach an unwrappable cause")
	}
}
