// Package vcs answers the control loop's three questions about the working
// directory: how many commits exist, what the recent ones say, and which
// files carry uncommitted changes.
//
// Every query degrades to a zero value on failure. Commit counts are the
// loop's progress signal and a VCS hiccup must read as "no progress", never
// as an error that stops the run.
package vcs

import (
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"go.uber.org/zap"
)

// Repo queries a git repository.
type Repo struct {
	dir string
	log *zap.Logger
}

// Open creates a Repo for dir. The directory is not required to be a git
// repository; queries on a non-repo return zero values.
func Open(dir string, log *zap.Logger) *Repo {
	if log == nil {
		log = zap.NewNop()
	}
	return &Repo{dir: dir, log: log}
}

// CommitCount returns the number of commits reachable from HEAD, or 0.
func (r *Repo) CommitCount() int {
	repo, err := git.PlainOpen(r.dir)
	if err != nil {
		r.log.Debug("commit count unavailable", zap.Error(err))
		return 0
	}
	head, err := repo.Head()
	if err != nil {
		return 0
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		r.log.Debug("commit log unavailable", zap.Error(err))
		return 0
	}
	defer iter.Close()

	count := 0
	_ = iter.ForEach(func(*object.Commit) error {
		count++
		return nil
	})
	return count
}

// RecentSummaries returns the subject lines of the n most recent commits,
// newest first, or an empty slice.
func (r *Repo) RecentSummaries(n int) []string {
	if n <= 0 {
		return nil
	}
	repo, err := git.PlainOpen(r.dir)
	if err != nil {
		return nil
	}
	head, err := repo.Head()
	if err != nil {
		return nil
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil
	}
	defer iter.Close()

	var summaries []string
	_ = iter.ForEach(func(c *object.Commit) error {
		if len(summaries) >= n {
			return storer.ErrStop
		}
		line := c.Message
		if idx := strings.IndexByte(line, '\n'); idx >= 0 {
			line = line[:idx]
		}
		summaries = append(summaries, strings.TrimSpace(line))
		return nil
	})
	return summaries
}

// DiffPaths returns paths with uncommitted changes (staged, modified, or
// untracked), or an empty slice.
func (r *Repo) DiffPaths() []string {
	repo, err := git.PlainOpen(r.dir)
	if err != nil {
		return nil
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil
	}
	status, err := wt.Status()
	if err != nil {
		r.log.Debug("worktree status unavailable", zap.Error(err))
		return nil
	}

	var paths []string
	for path, fs := range status {
		if fs.Staging != git.Unmodified || fs.Worktree != git.Unmodified {
			paths = append(paths, path)
		}
	}
	return paths
}
