// Package worktree manages the git worktree each run works in. Runs never
// touch the user's checkout: every run gets its own worktree under
// <repo>/.drydock/worktrees/<run-id>, and only the worktree is removed at
// teardown. The branch is the run's output and is kept.
package worktree

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/zpdzap/drydock/internal/config"
)

// BranchPrefix names branches created for runs that did not ask for one.
const BranchPrefix = "drydock/"

var ErrNotRepoRoot = errors.New("not the top level of a git repository")

// Git implements run workspaces on top of the git CLI.
type Git struct{}

func (Git) Validate(dir string) (string, error) { return RepoRoot(dir) }
func (Git) Create(repo, runID, branch, base string) (string, string, error) {
	return Create(repo, runID, branch, base)
}
func (Git) Remove(repo, runID string) error { return Remove(repo, runID) }

// RepoRoot checks that dir exists and is the top level of a git repository
// and returns its cleaned absolute path.
func RepoRoot(dir string) (string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("repository %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("repository %s is not a directory", dir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = abs
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s: %w: %s", dir, ErrNotRepoRoot, strings.TrimSpace(string(out)))
	}
	top := strings.TrimSpace(string(out))
	if !samePath(top, abs) {
		return "", fmt.Errorf("%s: %w (top level is %s)", dir, ErrNotRepoRoot, top)
	}
	return abs, nil
}

func samePath(a, b string) bool {
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return ra == rb
}

// Path returns where the worktree for runID lives.
func Path(projectDir, runID string) string {
	return filepath.Join(projectDir, config.Dir, config.WorktreeDir, runID)
}

func shortID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}

// DefaultBranch is the branch used for a run that did not name one.
func DefaultBranch(runID string) string {
	return BranchPrefix + shortID(runID)
}

// ForkBranch is the branch a run works on when the branch it asked for is
// already checked out by another run. git allows a branch in one worktree
// only.
func ForkBranch(branch, runID string) string {
	return branch + "-" + shortID(runID)
}

// Create adds a worktree for runID checked out on branch. A missing branch
// is created from base, or from HEAD when base is empty or does not exist.
// It returns the absolute worktree path and the branch name.
func Create(projectDir, runID, branch, base string) (string, string, error) {
	if branch == "" {
		branch = DefaultBranch(runID)
	}
	wtPath := Path(projectDir, runID)

	args := []string{"worktree", "add", wtPath, branch}
	if !BranchExists(projectDir, branch) {
		args = []string{"worktree", "add", "-b", branch, wtPath}
		if base != "" && BranchExists(projectDir, base) {
			args = append(args, base)
		}
	}
	cmd := exec.Command("git", args...)
	cmd.Dir = projectDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", "", fmt.Errorf("git worktree add: %s: %w", strings.TrimSpace(string(out)), err)
	}

	absPath, err := filepath.Abs(wtPath)
	if err != nil {
		return wtPath, branch, nil
	}
	return absPath, branch, nil
}

// BranchExists reports whether a local branch exists.
func BranchExists(projectDir, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = projectDir
	return cmd.Run() == nil
}

// Remove removes the worktree for runID. The branch is kept.
func Remove(projectDir, runID string) error {
	wtPath := Path(projectDir, runID)

	cmd := exec.Command("git", "worktree", "remove", "--force", wtPath)
	cmd.Dir = projectDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if _, statErr := os.Stat(wtPath); os.IsNotExist(statErr) {
			prune := exec.Command("git", "worktree", "prune")
			prune.Dir = projectDir
			prune.Run() // best-effort
			return nil
		}
		return fmt.Errorf("git worktree remove: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// List returns the run ids that currently have a worktree.
func List(projectDir string) ([]string, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = projectDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("git worktree list: %w", err)
	}

	prefix := filepath.Join(projectDir, config.Dir, config.WorktreeDir)
	if resolved, err := filepath.EvalSymlinks(prefix); err == nil {
		prefix = resolved
	}
	var ids []string

	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "worktree ") {
			path := strings.TrimPrefix(line, "worktree ")
			if strings.HasPrefix(path, prefix+string(filepath.Separator)) {
				ids = append(ids, filepath.Base(path))
			}
		}
	}
	return ids, nil
}

// Prune removes run worktrees under projectDir whose run is not kept. It
// returns the run ids whose worktree was removed.
func Prune(projectDir string, keep func(runID string) bool) ([]string, error) {
	ids, err := List(projectDir)
	if err != nil {
		return nil, err
	}
	var pruned []string
	var errs []error
	for _, id := range ids {
		if keep(id) {
			continue
		}
		if err := Remove(projectDir, id); err != nil {
			errs = append(errs, err)
			continue
		}
		pruned = append(pruned, id)
	}
	return pruned, errors.Join(errs...)
}
