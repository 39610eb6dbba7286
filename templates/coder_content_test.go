package templates

import (
	"strings"
	"testing"
)

func TestCoderTemplate_CommitContract(t *testing.T) {
	content, err := Prompts.ReadFile("prompts/coder.md")
	if err != nil {
		t.Fatal("failed to read coder.md:", err)
	}

	text := string(content)

	if !strings.Contains(text, "conventional-commits") {
		t.Error("coder template missing conventional-commits instruction")
	}

	if !strings.Contains(text, "Do NOT push") {
		t.Error("coder template missing push prohibition")
	}

	if !strings.Contains(text, "Leave the working tree clean") {
		t.Error("coder template missing clean-tree instruction")
	}

	if !strings.Contains(text, "already exists") {
		t.Error("coder template missing already-exists escape hatch")
	}
}

func TestCoderTemplate_ContextPlaceholders(t *testing.T) {
	content, err := Prompts.ReadFile("prompts/coder.md")
	if err != nil {
		t.Fatal("failed to read coder.md:", err)
	}

	text := string(content)

	for _, v := range []string{
		"{{TASK_ID}}",
		"{{TASK_TITLE}}",
		"{{TASK_DESCRIPTION}}",
		"{{SECTION_NAME}}",
		"{{REJECTION_CONTEXT}}",
		"{{COORDINATOR_GUIDANCE}}",
		"{{FILE_SCOPE}}",
		"{{SPEC_CONTEXT}}",
		"{{AGENTS_CONTEXT}}",
	} {
		if !strings.Contains(text, v) {
			t.Errorf("coder template missing placeholder %s", v)
		}
	}
}
