// Package watcher registers integrity hashes whenever the checked-out commit
// of a watched working tree changes.
package watcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"repoguard.org/internal/integrity"
	"repoguard.org/internal/obs"
)

const defaultDebounce = 250 * time.Millisecond

// Registrar stores file digests for a commit.
type Registrar interface {
	Register(ctx context.Context, repositoryID, commitHash string, files []integrity.File) ([]integrity.Hash, error)
}

var _ Registrar = (*integrity.Verifier)(nil)

// Repository is a working tree bound to its repository id.
type Repository struct {
	ID   string
	Path string
}

// Commit is emitted after the files of a new HEAD commit were registered.
type Commit struct {
	RepositoryID string
	CommitHash   string
	Files        int
	At           time.Time
}

// Watcher follows .git/HEAD and .git/refs/heads of each repository.
type Watcher struct {
	registrar Registrar
	repos     []Repository
	excluded  []string
	debounce  time.Duration
	now       func() time.Time
	events    chan Commit

	mu   sync.Mutex
	last map[string]string
}

// Option configures Watcher.
type Option func(*Watcher)

// WithExcludedDirs adds directory names skipped when hashing the tree.
func WithExcludedDirs(names ...string) Option {
	return func(w *Watcher) { w.excluded = append(w.excluded, names...) }
}

// WithDebounce sets how long ref changes must settle before registering.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(w *Watcher) {
		if fn != nil {
			w.now = fn
		}
	}
}

func New(registrar Registrar, repos []Repository, opts ...Option) *Watcher {
	w := &Watcher{
		registrar: registrar,
		repos:     append([]Repository(nil), repos...),
		excluded:  []string{".git"},
		debounce:  defaultDebounce,
		now:       func() time.Time { return time.Now().UTC() },
		events:    make(chan Commit, 16),
		last:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Events delivers registered commits. Commits are dropped when nobody reads.
func (w *Watcher) Events() <-chan Commit {
	return w.events
}

// Snapshot registers the current HEAD of r. A HEAD already registered by
// this watcher is skipped and reported with ok=false.
func (w *Watcher) Snapshot(ctx context.Context, r Repository) (Commit, bool, error) {
	head, err := ResolveHead(r.Path)
	if err != nil {
		return Commit{}, false, err
	}
	w.mu.Lock()
	seen := w.last[r.ID] == head
	w.mu.Unlock()
	if seen {
		return Commit{RepositoryID: r.ID, CommitHash: head}, false, nil
	}

	paths, err := integrity.TreeFiles(r.Path, w.excluded)
	if err != nil {
		return Commit{}, false, fmt.Errorf("watcher: list %s: %w", r.Path, err)
	}
	hashes, err := w.registrar.Register(ctx, r.ID, head, integrity.ReadFiles(r.Path, paths))
	if err != nil {
		return Commit{}, false, fmt.Errorf("watcher: register %s@%s: %w", r.ID, head, err)
	}
	w.mu.Lock()
	w.last[r.ID] = head
	w.mu.Unlock()

	c := Commit{RepositoryID: r.ID, CommitHash: head, Files: len(hashes), At: w.now()}
	obs.Info("commit registered", map[string]any{"repository_id": r.ID, "commit": head, "files": c.Files})
	select {
	case w.events <- c:
	default:
	}
	return c, true, nil
}

// Run snapshots every repository once and then on each ref change until ctx
// is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	defer fw.Close()

	byDir := make(map[string]Repository)
	for _, r := range w.repos {
		gitDir := filepath.Join(r.Path, ".git")
		dirs := []string{gitDir}
		heads := filepath.Join(gitDir, "refs", "heads")
		err := filepath.WalkDir(heads, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				dirs = append(dirs, p)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("watcher: %s is not a git working tree: %w", r.Path, err)
		}
		for _, d := range dirs {
			if err := fw.Add(d); err != nil {
				return fmt.Errorf("watcher: watch %s: %w", d, err)
			}
			byDir[d] = r
		}
		w.snapshot(ctx, r)
	}

	pending := make(map[string]*time.Timer)
	fire := make(chan Repository, len(w.repos)+1)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			r, ok := byDir[filepath.Dir(ev.Name)]
			if !ok {
				continue
			}
			if ev.Has(fsnotify.Create) && isDir(ev.Name) && strings.Contains(filepath.ToSlash(ev.Name), "/refs/heads/") {
				if err := fw.Add(ev.Name); err == nil {
					byDir[ev.Name] = r
				}
				continue
			}
			if !refChange(ev) {
				continue
			}
			if t, ok := pending[r.ID]; ok {
				t.Reset(w.debounce)
				continue
			}
			pending[r.ID] = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- r:
				case <-ctx.Done():
				}
			})
		case r := <-fire:
			delete(pending, r.ID)
			w.snapshot(ctx, r)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			obs.Warn("watcher error", map[string]any{"error": err.Error()})
		}
	}
}

func (w *Watcher) snapshot(ctx context.Context, r Repository) {
	if _, _, err := w.Snapshot(ctx, r); err != nil {
		obs.Error("commit registration failed", map[string]any{"repository_id": r.ID, "error": err.Error()})
	}
}

func refChange(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Base(ev.Name)
	if strings.HasSuffix(name, ".lock") {
		return false
	}
	if name == "HEAD" || name == "packed-refs" {
		return true
	}
	return strings.Contains(filepath.ToSlash(ev.Name), "/refs/heads/")
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

// ErrNoHead is returned when HEAD does not resolve to a commit.
var ErrNoHead = errors.New("watcher: HEAD does not resolve to a commit")

// ResolveHead returns the commit hash HEAD of the working tree at root
// points to, following one symbolic ref through loose or packed refs.
func ResolveHead(root string) (string, error) {
	gitDir := filepath.Join(root, ".git")
	raw, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
	if err != nil {
		return "", fmt.Errorf("watcher: read HEAD: %w", err)
	}
	head := strings.TrimSpace(string(raw))
	ref, ok := strings.CutPrefix(head, "ref: ")
	if !ok {
		if head == "" {
			return "", ErrNoHead
		}
		return head, nil
	}
	if b, err := os.ReadFile(filepath.Join(gitDir, filepath.FromSlash(ref))); err == nil {
		if h := strings.TrimSpace(string(b)); h != "" {
			return h, nil
		}
	}
	f, err := os.Open(filepath.Join(gitDir, "packed-refs"))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoHead, ref)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "^") {
			continue
		}
		hash, name, ok := strings.Cut(line, " ")
		if ok && name == ref {
			return hash, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoHead, ref)
}
