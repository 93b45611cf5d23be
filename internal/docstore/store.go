// Package docstore is the durable version store for tracked documents.
// Every fetched revision of every document lives in a single git
// repository, one file path per document. Commits are serialized by a
// repository-wide mutex; reads of committed history take no lock since
// committed objects are immutable.
package docstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrNotFound is returned when a document path or revision id is not
// part of the store's committed history.
var ErrNotFound = errors.New("docstore: not found")

// RevisionID identifies one revision of one document. It is the git
// blob hash of the stored bytes, so identical content always carries
// the same id.
type RevisionID string

// Revision is one committed snapshot of a document.
type Revision struct {
	ID         RevisionID `json:"id"`
	CommitHash string     `json:"commit"`
	Path       string     `json:"path"`
	Timestamp  time.Time  `json:"timestamp"`
	Change     string     `json:"change,omitempty"`
	Category   string     `json:"category,omitempty"`
	UpdatedAt  string     `json:"updatedAt,omitempty"`
}

// Update is a detected transition between two consecutive revisions of
// a document.
type Update struct {
	Path      string     `json:"path"`
	Previous  RevisionID `json:"previous"`
	Current   RevisionID `json:"current"`
	Timestamp time.Time  `json:"timestamp"`
	Change    string     `json:"change,omitempty"`
	Category  string     `json:"category,omitempty"`
}

// Meta is the change metadata recorded with a commit. It is carried in
// the commit message as git trailers so the history alone can rebuild
// every derived index.
type Meta struct {
	Change    string
	Category  string
	UpdatedAt string
}

type Store struct {
	dir      string
	repo     *git.Repository
	commitMu sync.Mutex
}

// Open opens the store at dir, initialising a fresh repository when
// none exists yet.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open store repo: %w", err)
	}
	return &Store{dir: dir, repo: repo}, nil
}

// Commit appends a new revision for path. When content is byte-identical
// to the current head revision the existing id is returned and created
// is false; nothing is written.
func (s *Store) Commit(path string, content []byte, ts time.Time, meta Meta) (RevisionID, bool, error) {
	if err := validatePath(path); err != nil {
		return "", false, err
	}
	blobHash := plumbing.ComputeHash(plumbing.BlobObject, content)
	id := RevisionID(blobHash.String())

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if head, ok, err := s.headHash(path); err != nil {
		return "", false, err
	} else if ok && head == blobHash {
		return id, false, nil
	}

	full := filepath.Join(s.dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", false, fmt.Errorf("create document dir: %w", err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return "", false, fmt.Errorf("write document: %w", err)
	}

	worktree, err := s.repo.Worktree()
	if err != nil {
		return "", false, fmt.Errorf("open worktree: %w", err)
	}
	if _, err := worktree.Add(path); err != nil {
		return "", false, fmt.Errorf("stage document: %w", err)
	}
	if _, err := worktree.Commit(commitMessage(meta), &git.CommitOptions{
		Author: &object.Signature{
			Name:  "govwatch",
			Email: "govwatch@localhost",
			When:  ts,
		},
	}); err != nil {
		return "", false, fmt.Errorf("commit document: %w", err)
	}
	return id, true, nil
}

// Head returns the latest revision id for path, or false when the
// document is untracked.
func (s *Store) Head(path string) (RevisionID, bool, error) {
	hash, ok, err := s.headHash(path)
	if err != nil || !ok {
		return "", false, err
	}
	return RevisionID(hash.String()), true, nil
}

// Read returns the bytes of one revision. It fails with ErrNotFound
// when the id does not belong to that document's history.
func (s *Store) Read(path string, id RevisionID) ([]byte, error) {
	revs, err := s.History(path)
	if err != nil {
		return nil, err
	}
	found := false
	for _, rev := range revs {
		if rev.ID == id {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrNotFound
	}
	blob, err := s.repo.BlobObject(plumbing.NewHash(string(id)))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	reader, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("open blob reader: %w", err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// History returns every revision of path, oldest first. An untracked
// path yields an empty slice.
func (s *Store) History(path string) ([]Revision, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	head, err := s.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := s.repo.Log(&git.LogOptions{From: head.Hash(), FileName: &path})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var revs []Revision
	err = iter.ForEach(func(commit *object.Commit) error {
		file, err := commit.File(path)
		if err != nil {
			if errors.Is(err, object.ErrFileNotFound) {
				return nil
			}
			return err
		}
		meta := parseMessage(commit.Message)
		revs = append(revs, Revision{
			ID:         RevisionID(file.Hash.String()),
			CommitHash: commit.Hash.String(),
			Path:       path,
			Timestamp:  commit.Author.When,
			Change:     meta.Change,
			Category:   meta.Category,
			UpdatedAt:  meta.UpdatedAt,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate log: %w", err)
	}

	// Log walks newest first; callers get oldest first.
	for i, j := 0, len(revs)-1; i < j; i, j = i+1, j-1 {
		revs[i], revs[j] = revs[j], revs[i]
	}
	return revs, nil
}

// Updates derives the update sequence for path from its history:
// one Update per adjacent revision pair, oldest first. The first
// revision of a document is not an update.
func (s *Store) Updates(path string) ([]Update, error) {
	revs, err := s.History(path)
	if err != nil {
		return nil, err
	}
	updates := make([]Update, 0, len(revs))
	for i := 1; i < len(revs); i++ {
		updates = append(updates, Update{
			Path:      path,
			Previous:  revs[i-1].ID,
			Current:   revs[i].ID,
			Timestamp: revs[i].Timestamp,
			Change:    revs[i].Change,
			Category:  revs[i].Category,
		})
	}
	return updates, nil
}

// Paths lists every tracked document path in the head tree.
func (s *Store) Paths() ([]string, error) {
	head, err := s.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	commit, err := s.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("load head commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("load head tree: %w", err)
	}

	var paths []string
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()
	for {
		name, entry, err := walker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("walk head tree: %w", err)
		}
		if entry.Mode == filemode.Regular || entry.Mode == filemode.Executable {
			paths = append(paths, name)
		}
	}
	return paths, nil
}

func (s *Store) headHash(path string) (plumbing.Hash, bool, error) {
	head, err := s.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, false, nil
	}
	if err != nil {
		return plumbing.ZeroHash, false, fmt.Errorf("resolve head: %w", err)
	}
	commit, err := s.repo.CommitObject(head.Hash())
	if err != nil {
		return plumbing.ZeroHash, false, fmt.Errorf("load head commit: %w", err)
	}
	file, err := commit.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return plumbing.ZeroHash, false, nil
	}
	if err != nil {
		return plumbing.ZeroHash, false, fmt.Errorf("load head file: %w", err)
	}
	return file.Hash, true, nil
}

func validatePath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
		return fmt.Errorf("%w: invalid document path %q", ErrNotFound, path)
	}
	return nil
}

func commitMessage(meta Meta) string {
	change := strings.TrimSpace(meta.Change)
	if change == "" {
		change = "Content updated"
	}
	var b strings.Builder
	b.WriteString(change)
	b.WriteString("\n")
	if meta.Category != "" || meta.UpdatedAt != "" {
		b.WriteString("\n")
		if meta.Category != "" {
			fmt.Fprintf(&b, "Category: %s\n", meta.Category)
		}
		if meta.UpdatedAt != "" {
			fmt.Fprintf(&b, "Updated-At: %s\n", meta.UpdatedAt)
		}
	}
	return b.String()
}

func parseMessage(message string) Meta {
	var meta Meta
	lines := strings.Split(message, "\n")
	var subject []string
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "Category: "):
			meta.Category = strings.TrimPrefix(line, "Category: ")
		case strings.HasPrefix(line, "Updated-At: "):
			meta.UpdatedAt = strings.TrimPrefix(line, "Updated-At: ")
		case strings.TrimSpace(line) != "":
			subject = append(subject, line)
		}
	}
	meta.Change = strings.TrimSpace(strings.Join(subject, "\n"))
	return meta
}
