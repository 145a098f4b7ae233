// Package gitexport materializes an article's edit chain as a git repository,
// one commit per edit, so its history can be inspected with ordinary tooling.
package gitexport

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Revision is one edit rendered for export.
type Revision struct {
	Text    string
	Author  string
	Summary string
	Hash    string
	When    time.Time
}

// Service writes export repositories under baseDir, one directory per
// article, serialized per article.
type Service struct {
	baseDir string
	domain  string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir, domain string) *Service {
	return &Service{
		baseDir: baseDir,
		domain:  domain,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Export rebuilds the repository for an article from scratch and returns its
// path. Revisions must be in chain order, oldest first.
func (s *Service) Export(articleID, title string, revisions []Revision) (string, error) {
	lock := s.articleLock(articleID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(articleID)
	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("clear export dir: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return "", fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}

	file := articleFile(title)
	var head plumbing.Hash
	for _, rev := range revisions {
		if err := os.WriteFile(filepath.Join(path, file), []byte(rev.Text), 0o644); err != nil {
			return "", fmt.Errorf("write revision: %w", err)
		}
		if _, err := worktree.Add(file); err != nil {
			return "", fmt.Errorf("git add revision: %w", err)
		}
		head, err = worktree.Commit(commitMessage(rev), &git.CommitOptions{
			Author: &object.Signature{
				Name:  rev.Author,
				Email: fmt.Sprintf("%s@%s", sanitizeEmail(rev.Author), s.domain),
				When:  rev.When,
			},
			AllowEmptyCommits: true,
		})
		if err != nil {
			return "", fmt.Errorf("commit revision %s: %w", rev.Hash, err)
		}
	}

	if !head.IsZero() {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), head)); err != nil {
			return "", fmt.Errorf("set main branch ref: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
			return "", fmt.Errorf("set HEAD to main: %w", err)
		}
	}
	return path, nil
}

func commitMessage(rev Revision) string {
	if rev.Summary != "" {
		return fmt.Sprintf("%s\n\nversion: %s", rev.Summary, rev.Hash)
	}
	return "version: " + rev.Hash
}

func articleFile(title string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '-'
		default:
			return -1
		}
	}, title)
	if cleaned == "" {
		cleaned = "article"
	}
	return cleaned + ".md"
}

func sanitizeEmail(author string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return -1
		}
	}, author)
	if cleaned == "" {
		return "anonymous"
	}
	return cleaned
}

func (s *Service) repoPath(articleID string) string {
	return filepath.Join(s.baseDir, articleID)
}

func (s *Service) articleLock(articleID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[articleID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[articleID] = lock
	}
	return lock
}
