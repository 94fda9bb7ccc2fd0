package pipeline

import (
	"log/slog"

	"github.com/go-git/go-git/v5"
)

// ResolveTrigger builds a trigger context for the given event, filling branch
// and commit from the git repository at repoPath. Outside a work tree (or on
// a detached HEAD) the corresponding fields stay empty; the caller may
// override them from flags.
func ResolveTrigger(event EventKind, repoPath string) TriggerContext {
	tc := TriggerContext{Event: event}
	if repoPath == "" {
		repoPath = "."
	}

	repo, err := git.PlainOpenWithOptions(repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		slog.Debug("No git repository for trigger context", "path", repoPath, "error", err)
		return tc
	}
	head, err := repo.Head()
	if err != nil {
		slog.Debug("Cannot resolve HEAD for trigger context", "error", err)
		return tc
	}
	if head.Name().IsBranch() {
		tc.Branch = head.Name().Short()
	}
	tc.Commit = head.Hash().String()
	return tc
}
