package worktree

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q"},
		{"-c", "user.email=test@example.com", "-c", "user.name=test", "commit", "-q", "--allow-empty", "-m", "init"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	return dir
}

func TestRepoRoot(t *testing.T) {
	repo := initRepo(t)

	if _, err := RepoRoot(repo); err != nil {
		t.Fatalf("RepoRoot(repo): %v", err)
	}

	sub := filepath.Join(repo, "sub")
	os.Mkdir(sub, 0o755)
	if _, err := RepoRoot(sub); !errors.Is(err, ErrNotRepoRoot) {
		t.Errorf("RepoRoot(subdir) = %v, want ErrNotRepoRoot", err)
	}

	if _, err := RepoRoot(filepath.Join(repo, "missing")); err == nil {
		t.Error("RepoRoot(missing) should fail")
	}

	if _, err := RepoRoot(t.TempDir()); !errors.Is(err, ErrNotRepoRoot) {
		t.Errorf("RepoRoot(plain dir) = %v, want ErrNotRepoRoot", err)
	}
}

func TestCreateAndRemoveKeepsBranch(t *testing.T) {
	repo := initRepo(t)
	runID := "0f3c9a7e-1111-2222-3333-444455556666"

	path, branch, err := Create(repo, runID, "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if branch != "drydock/0f3c9a7e" {
		t.Errorf("branch = %q, want drydock/0f3c9a7e", branch)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("worktree path missing: %v", err)
	}

	ids, err := List(repo)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != runID {
		t.Errorf("List = %v, want [%s]", ids, runID)
	}

	if err := Remove(repo, runID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("worktree should be gone, stat err = %v", err)
	}
	if !BranchExists(repo, branch) {
		t.Error("branch should survive worktree removal")
	}

	// A second run on the same, now free, branch reuses it.
	if _, got, err := Create(repo, "second-run", branch, ""); err != nil || got != branch {
		t.Errorf("Create on existing branch = %q, %v", got, err)
	}
}

func TestRemoveMissingWorktree(t *testing.T) {
	repo := initRepo(t)
	if err := Remove(repo, "never-created"); err != nil {
		t.Errorf("Remove of missing worktree: %v", err)
	}
}

func TestDefaultBranch(t *testing.T) {
	if got := DefaultBranch("abc"); got != "drydock/abc" {
		t.Errorf("DefaultBranch(abc) = %q", got)
	}
}

func TestForkBranchFromCheckedOutBranch(t *testing.T) {
	repo := initRepo(t)

	if _, _, err := Create(repo, "run-a", "feature/x", ""); err != nil {
		t.Fatalf("Create(run-a): %v", err)
	}
	// git keeps a branch in one worktree only.
	if _, _, err := Create(repo, "run-b", "feature/x", ""); err == nil {
		t.Fatal("second checkout of feature/x should fail")
	}

	fork := ForkBranch("feature/x", "run-b")
	if fork != "feature/x-run-b" {
		t.Errorf("ForkBranch = %q", fork)
	}
	path, branch, err := Create(repo, "run-b", fork, "feature/x")
	if err != nil {
		t.Fatalf("Create(fork): %v", err)
	}
	if branch != fork {
		t.Errorf("branch = %q, want %q", branch, fork)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("fork worktree missing: %v", err)
	}
}

func TestPruneRemovesUnkeptWorktrees(t *testing.T) {
	repo := initRepo(t)
	for _, id := range []string{"live-run", "crashed-run"} {
		if _, _, err := Create(repo, id, "", ""); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}

	pruned, err := Prune(repo, func(id string) bool { return id == "live-run" })
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(pruned) != 1 || pruned[0] != "crashed-run" {
		t.Errorf("pruned = %v, want [crashed-run]", pruned)
	}
	ids, err := List(repo)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != "live-run" {
		t.Errorf("List = %v, want [live-run]", ids)
	}
}
