package git

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func setupTestRepo(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = tmpDir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}

	run("init")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test User")

	testFile := filepath.Join(tmpDir, "README.md")
	if err := os.WriteFile(testFile, []byte("# Test\n"), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")

	return tmpDir
}

func TestOpenValidatesRepo(t *testing.T) {
	dir := setupTestRepo(t)
	if _, err := Open(dir); err != nil {
		t.Fatalf("Open on a git repo failed: %v", err)
	}

	notRepo := t.TempDir()
	if _, err := Open(notRepo); !errors.Is(err, ErrNotGitRepo) {
		t.Errorf("Open on non-repo = %v, want ErrNotGitRepo", err)
	}
}

func TestIsCleanAndStatus(t *testing.T) {
	dir := setupTestRepo(t)
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	clean, err := r.IsClean()
	if err != nil {
		t.Fatalf("IsClean failed: %v", err)
	}
	if !clean {
		t.Error("fresh repo should be clean")
	}

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	clean, err = r.IsClean()
	if err != nil {
		t.Fatalf("IsClean failed: %v", err)
	}
	if clean {
		t.Error("repo with untracked file should be dirty")
	}
}

func TestCheckoutNewBranchAndHead(t *testing.T) {
	dir := setupTestRepo(t)
	r, _ := Open(dir)

	if err := r.CheckoutNewBranch("steroids/ws-alpha"); err != nil {
		t.Fatalf("CheckoutNewBranch failed: %v", err)
	}
	branch, err := r.CurrentBranch()
	if err != nil {
		t.Fatalf("CurrentBranch failed: %v", err)
	}
	if branch != "steroids/ws-alpha" {
		t.Errorf("current branch = %s, want steroids/ws-alpha", branch)
	}

	if err := r.CheckoutNewBranch("steroids/ws-alpha"); !errors.Is(err, ErrBranchExists) {
		t.Errorf("duplicate CheckoutNewBranch = %v, want ErrBranchExists", err)
	}

	if err := r.CheckoutNewBranch("bad name"); !errors.Is(err, ErrInvalidBranchName) {
		t.Errorf("CheckoutNewBranch with invalid name = %v, want ErrInvalidBranchName", err)
	}

	head, err := r.Head()
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if len(head) != 40 {
		t.Errorf("Head SHA length = %d, want 40", len(head))
	}
}

func TestCommitListOrder(t *testing.T) {
	dir := setupTestRepo(t)
	r, _ := Open(dir)

	base, _ := r.Head()

	var want []string
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
		if err := r.StageAll(); err != nil {
			t.Fatalf("StageAll failed: %v", err)
		}
		if err := r.Commit("feat: add " + name); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		sha, _ := r.Head()
		want = append(want, sha)
	}

	got, err := r.CommitList(base, "HEAD")
	if err != nil {
		t.Fatalf("CommitList failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("CommitList returned %d commits, want 3", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("CommitList[%d] = %s, want %s (oldest first)", i, got[i], want[i])
		}
	}
}

func TestCommitNothingToCommit(t *testing.T) {
	dir := setupTestRepo(t)
	r, _ := Open(dir)

	if err := r.Commit("empty"); !errors.Is(err, ErrNothingToCommit) {
		t.Errorf("Commit with no changes = %v, want ErrNothingToCommit", err)
	}
}

func TestCherryPickCleanApply(t *testing.T) {
	dir := setupTestRepo(t)
	r, _ := Open(dir)

	// Commit on a side branch, then cherry-pick it back onto main.
	mainBranch, _ := r.CurrentBranch()
	if err := r.CheckoutNewBranch("steroids/ws-pick"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pick.txt"), []byte("pick"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := r.StageAll(); err != nil {
		t.Fatal(err)
	}
	if err := r.Commit("feat: pickable"); err != nil {
		t.Fatal(err)
	}
	sha, _ := r.Head()

	if err := r.Checkout(mainBranch); err != nil {
		t.Fatal(err)
	}
	if err := r.CherryPick(sha); err != nil {
		t.Fatalf("CherryPick failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "pick.txt")); err != nil {
		t.Error("cherry-picked file missing from mainline")
	}
}

func TestCherryPickConflict(t *testing.T) {
	dir := setupTestRepo(t)
	r, _ := Open(dir)

	mainBranch, _ := r.CurrentBranch()

	// Branch edit.
	if err := r.CheckoutNewBranch("steroids/ws-conflict"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# branch version\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := r.StageAll(); err != nil {
		t.Fatal(err)
	}
	if err := r.Commit("docs: branch edit"); err != nil {
		t.Fatal(err)
	}
	sha, _ := r.Head()

	// Conflicting mainline edit.
	if err := r.Checkout(mainBranch); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# main version\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := r.StageAll(); err != nil {
		t.Fatal(err)
	}
	if err := r.Commit("docs: main edit"); err != nil {
		t.Fatal(err)
	}

	err := r.CherryPick(sha)
	if !errors.Is(err, ErrCherryPickConflict) {
		t.Fatalf("CherryPick = %v, want ErrCherryPickConflict", err)
	}

	if !r.CherryPickInProgress() {
		t.Error("CherryPickInProgress should be true mid-conflict")
	}

	files, err := r.UnmergedFiles()
	if err != nil {
		t.Fatalf("UnmergedFiles failed: %v", err)
	}
	if len(files) != 1 || files[0] != "README.md" {
		t.Errorf("UnmergedFiles = %v, want [README.md]", files)
	}

	// Resolve, stage, continue.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# resolved\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := r.StageAll(); err != nil {
		t.Fatal(err)
	}
	if err := r.CherryPickContinue(); err != nil {
		t.Fatalf("CherryPickContinue failed: %v", err)
	}
	if r.CherryPickInProgress() {
		t.Error("CherryPickInProgress should be false after continue")
	}
}

func TestBranchContains(t *testing.T) {
	dir := setupTestRepo(t)
	r, _ := Open(dir)

	sha, _ := r.Head()
	ok, err := r.BranchContains(sha, "HEAD")
	if err != nil {
		t.Fatalf("BranchContains failed: %v", err)
	}
	if !ok {
		t.Error("HEAD commit should be contained in current branch")
	}

	ok, err = r.BranchContains("0000000000000000000000000000000000000000", "HEAD")
	if err == nil && ok {
		t.Error("unknown SHA must not be reported as contained")
	}
}

func TestScriptRunnerPlan(t *testing.T) {
	script := NewScriptRunner(
		ScriptStep{Want: []string{"status", "--porcelain"}, Stdout: ""},
		ScriptStep{Want: []string{"push", "origin", "main"}, Stdout: "", Err: errors.New("remote hung up")},
	)
	r := &Repo{dir: "/fake", runner: script}

	clean, err := r.IsClean()
	if err != nil {
		t.Fatalf("scripted IsClean failed: %v", err)
	}
	if !clean {
		t.Error("scripted status should be clean")
	}

	if err := r.Push("origin", "main"); err == nil {
		t.Error("scripted push should fail")
	}

	if !script.Done() {
		t.Errorf("plan not fully consumed, %d steps remain", script.Remaining())
	}
	calls := script.CallStrings()
	if calls[0] != "status --porcelain" || calls[1] != "push origin main" {
		t.Errorf("recorded calls wrong: %v", calls)
	}
}

func TestScriptRunnerMismatch(t *testing.T) {
	script := NewScriptRunner(
		ScriptStep{Want: []string{"fetch", "--prune", "origin"}},
	)
	r := &Repo{dir: "/fake", runner: script}

	if err := r.RemotePrune("origin"); err == nil {
		t.Error("off-plan command should fail")
	}
}

func TestPushDetectsErrorOutput(t *testing.T) {
	script := NewScriptRunner(
		ScriptStep{Want: []string{"push", "origin", "main"}, Stdout: "remote: error: hook declined"},
	)
	r := &Repo{dir: "/fake", runner: script}

	err := r.Push("origin", "main")
	if !errors.Is(err, ErrPushRejected) {
		t.Errorf("Push with error output = %v, want ErrPushRejected", err)
	}
}
