// Package gitops wraps go-git for the master repository pool: clone,
// metadata reads, and checkout detection. Workspace-side git operations run
// as the job's principal through the runner instead.
package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"git.home.luguber.info/inful/agentbatch/internal/logfields"
)

// Metadata is the derived repository state read at query time.
type Metadata struct {
	Branch      string    `json:"branch"`
	Head        string    `json:"head"`
	HeadSubject string    `json:"headSubject"`
	HeadAuthor  string    `json:"headAuthor"`
	HeadTime    time.Time `json:"headTime"`
	Dirty       bool      `json:"dirty"`
	Ahead       int       `json:"ahead"`
	Behind      int       `json:"behind"`
	SizeBytes   int64     `json:"sizeBytes"`
}

// Clone clones url into path, checking out branch when given.
func Clone(ctx context.Context, url, path, branch string) error {
	opts := &git.CloneOptions{URL: url}
	if branch != "" {
		opts.ReferenceName = plumbing.ReferenceName("refs/heads/" + branch)
		opts.SingleBranch = true
	}
	repository, err := git.PlainCloneContext(ctx, path, false, opts)
	if err != nil {
		return classifyCloneError(url, err)
	}
	if ref, herr := repository.Head(); herr == nil {
		slog.Info("Repository cloned",
			logfields.URL(url),
			logfields.Path(path),
			slog.String("commit", shortHash(ref.Hash().String())))
	}
	return nil
}

// IsCheckout reports whether path contains a git checkout.
func IsCheckout(path string) bool {
	fi, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && fi.IsDir()
}

// ReadMetadata reads live metadata for a checkout. Fields that cannot be
// derived (detached HEAD, no upstream) are left at their zero values.
func ReadMetadata(path string) (*Metadata, error) {
	repository, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}

	meta := &Metadata{}

	head, err := repository.Head()
	if err != nil {
		return nil, fmt.Errorf("read HEAD: %w", err)
	}
	if head.Name().IsBranch() {
		meta.Branch = head.Name().Short()
	}
	meta.Head = head.Hash().String()

	if commit, err := repository.CommitObject(head.Hash()); err == nil {
		meta.HeadSubject = firstLine(commit.Message)
		meta.HeadAuthor = commit.Author.Name
		meta.HeadTime = commit.Author.When
	}

	if wt, err := repository.Worktree(); err == nil {
		if status, err := wt.Status(); err == nil {
			meta.Dirty = !status.IsClean()
		}
	}

	if meta.Branch != "" {
		meta.Ahead, meta.Behind = aheadBehind(repository, head.Hash(), meta.Branch)
	}

	meta.SizeBytes = treeSize(path)
	return meta, nil
}

// aheadBehind counts commits between HEAD and the tracked upstream.
// Bounded ancestry walks keep this cheap on deep histories.
func aheadBehind(repository *git.Repository, head plumbing.Hash, branch string) (ahead, behind int) {
	remoteRef, err := repository.Reference(
		plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return 0, 0
	}
	remote := remoteRef.Hash()
	if remote == head {
		return 0, 0
	}

	localSet := ancestrySet(repository, head)
	remoteSet := ancestrySet(repository, remote)

	for h := range localSet {
		if !remoteSet[h] {
			ahead++
		}
	}
	for h := range remoteSet {
		if !localSet[h] {
			behind++
		}
	}
	return ahead, behind
}

const ancestryLimit = 1000

func ancestrySet(repository *git.Repository, from plumbing.Hash) map[plumbing.Hash]bool {
	set := make(map[plumbing.Hash]bool)
	commit, err := repository.CommitObject(from)
	if err != nil {
		return set
	}
	iter := object.NewCommitPreorderIter(commit, nil, nil)
	count := 0
	_ = iter.ForEach(func(c *object.Commit) error {
		set[c.Hash] = true
		count++
		if count >= ancestryLimit {
			return fmt.Errorf("limit")
		}
		return nil
	})
	return set
}

func treeSize(path string) int64 {
	var total int64
	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
