package templates

import (
	"strings"
	"testing"
)

func TestReviewerTemplate_VerdictContract(t *testing.T) {
	content, err := Prompts.ReadFile("prompts/reviewer.md")
	if err != nil {
		t.Fatal("failed to read reviewer.md:", err)
	}

	text := string(content)

	for _, cmd := range []string{
		"steroids tasks approve",
		"steroids tasks reject",
		"steroids tasks skip",
		"steroids tasks dispute",
	} {
		if !strings.Contains(text, cmd) {
			t.Errorf("reviewer template missing command %q", cmd)
		}
	}

	if !strings.Contains(text, "APPROVED") || !strings.Contains(text, "REJECTED") {
		t.Error("reviewer template missing textual verdict fallback tokens")
	}

	if !strings.Contains(text, "- [ ]") {
		t.Error("reviewer template missing unchecked-checkbox rejection format")
	}
}

func TestReviewerTemplate_CarriesCommit(t *testing.T) {
	content, err := Prompts.ReadFile("prompts/reviewer.md")
	if err != nil {
		t.Fatal("failed to read reviewer.md:", err)
	}

	text := string(content)

	for _, v := range []string{"{{COMMIT_SHA}}", "{{COMMIT_SUBJECT}}", "{{COMMIT_PATCH}}"} {
		if !strings.Contains(text, v) {
			t.Errorf("reviewer template missing placeholder %s", v)
		}
	}
}

func TestCoordinatorTemplate_Directives(t *testing.T) {
	content, err := Prompts.ReadFile("prompts/coordinator.md")
	if err != nil {
		t.Fatal("failed to read coordinator.md:", err)
	}

	text := string(content)

	for _, d := range []string{"guide_coder", "override_reviewer", "narrow_scope"} {
		if !strings.Contains(text, d) {
			t.Errorf("coordinator template missing directive %q", d)
		}
	}

	if !strings.Contains(text, "DIRECTIVE:") {
		t.Error("coordinator template missing DIRECTIVE output contract")
	}
}

func TestConflictTemplates_Contract(t *testing.T) {
	coder, err := Prompts.ReadFile("prompts/conflict.md")
	if err != nil {
		t.Fatal("failed to read conflict.md:", err)
	}

	coderText := string(coder)

	if !strings.Contains(coderText, "Do NOT commit") {
		t.Error("conflict template must forbid committing")
	}
	if !strings.Contains(coderText, "git add") {
		t.Error("conflict template missing staging instruction")
	}
	if !strings.Contains(coderText, "cherry-pick --continue") {
		t.Error("conflict template must tell the coder not to continue the cherry-pick")
	}

	review, err := Prompts.ReadFile("prompts/conflict_review.md")
	if err != nil {
		t.Fatal("failed to read conflict_review.md:", err)
	}

	reviewText := string(review)

	if !strings.Contains(reviewText, "APPROVE") || !strings.Contains(reviewText, "REJECT") {
		t.Error("conflict review template missing APPROVE/REJECT verdict tokens")
	}
	if !strings.Contains(reviewText, "treated as REJECT") {
		t.Error("conflict review template missing ambiguous-defaults-to-reject rule")
	}
}
