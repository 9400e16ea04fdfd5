// Package history commits collection files to a git repository so that every
// persisted change can be inspected and recovered.
//
// The repository lives in the data directory itself and is driven through
// go-git, so no git binary is needed.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// DefaultLogLimit caps Log when no limit is given.
const DefaultLogLimit = 1000

// Commit is one recorded change.
type Commit struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	Email   string    `json:"email"`
	When    time.Time `json:"when"`
}

// Repo records collection files in a git repository rooted at the data
// directory. It is safe for concurrent use within a process; across
// processes the caller serializes Record.
type Repo struct {
	dir   string
	name  string
	email string
	now   func() time.Time

	mu   sync.Mutex
	repo *gogit.Repository
}

// Open opens the repository in dir, initializing it when needed. name and
// email sign the commits.
func Open(dir, name, email string) (*Repo, error) {
	if name == "" {
		name = "docstore"
	}
	if email == "" {
		email = "docstore@localhost"
	}
	repo, err := gogit.PlainOpen(dir)
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		repo, err = gogit.PlainInit(dir, false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open history repository in %s: %w", dir, err)
	}
	return &Repo{dir: dir, name: name, email: email, now: time.Now, repo: repo}, nil
}

// Record stages the file at path and commits it when it changed. The commit
// message names the collection.
func (r *Repo) Record(_ context.Context, collection, path string) error {
	rel, err := r.rel(path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if _, err := w.Add(rel); err != nil {
		return fmt.Errorf("failed to stage %s: %w", rel, err)
	}
	status, err := w.Status()
	if err != nil {
		return fmt.Errorf("failed to get worktree status: %w", err)
	}
	if fs, ok := status[rel]; !ok || fs.Staging == gogit.Unmodified {
		return nil
	}
	sig := &object.Signature{Name: r.name, Email: r.email, When: r.now()}
	_, err = w.Commit("update "+collection, &gogit.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return fmt.Errorf("failed to commit %s: %w", rel, err)
	}
	return nil
}

// Log returns the commits touching the collection file, newest first. An
// empty collection returns every commit. n <= 0 means DefaultLogLimit.
func (r *Repo) Log(_ context.Context, collection string, n int) ([]Commit, error) {
	if n <= 0 || n > DefaultLogLimit {
		n = DefaultLogLimit
	}
	opts := &gogit.LogOptions{}
	if collection != "" {
		name := fileName(collection)
		opts.FileName = &name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.repo.Head(); errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	iter, err := r.repo.Log(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer iter.Close()
	var out []Commit
	for range n {
		c, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read history: %w", err)
		}
		subject, _, _ := strings.Cut(c.Message, "\n")
		out = append(out, Commit{
			Hash:    c.Hash.String(),
			Message: subject,
			Author:  c.Author.Name,
			Email:   c.Author.Email,
			When:    c.Author.When,
		})
	}
	return out, nil
}

// Show returns the collection file as of the commit hash. "HEAD" names the
// latest commit.
func (r *Repo) Show(_ context.Context, hash, collection string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := plumbing.NewHash(hash)
	if hash == "HEAD" {
		ref, err := r.repo.Head()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
		}
		h = ref.Hash()
	}
	c, err := r.repo.CommitObject(h)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit %s: %w", hash, err)
	}
	f, err := c.File(fileName(collection))
	if err != nil {
		return nil, fmt.Errorf("failed to get %s at %s: %w", collection, hash, err)
	}
	rd, err := f.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", collection, err)
	}
	defer func() { _ = rd.Close() }()
	return io.ReadAll(rd)
}

func (r *Repo) rel(path string) (string, error) {
	rel, err := filepath.Rel(r.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is not inside the history repository %s", path, r.dir)
	}
	return filepath.ToSlash(rel), nil
}

func fileName(collection string) string {
	return collection + ".json"
}
