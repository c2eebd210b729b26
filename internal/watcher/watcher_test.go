package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"repoguard.org/internal/integrity"
)

const (
	commitA = "1111111111111111111111111111111111111111"
	commitB = "2222222222222222222222222222222222222222"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref: refs/heads/main\n")
	writeFile(t, filepath.Join(root, ".git", "refs", "heads", "main"), commitA+"\n")
	writeFile(t, filepath.Join(root, "main.go"), "package main\n")
	writeFile(t, filepath.Join(root, "pkg", "util.go"), "package pkg\n")
	writeFile(t, filepath.Join(root, "node_modules", "dep.js"), "x")
	return root
}

func TestResolveHead(t *testing.T) {
	root := newRepo(t)
	head, err := ResolveHead(root)
	require.NoError(t, err)
	require.Equal(t, commitA, head)

	require.NoError(t, os.Remove(filepath.Join(root, ".git", "refs", "heads", "main")))
	writeFile(t, filepath.Join(root, ".git", "packed-refs"),
		"# pack-refs with: peeled fully-peeled sorted\n"+commitB+" refs/heads/main\n^"+commitA+"\n")
	head, err = ResolveHead(root)
	require.NoError(t, err)
	require.Equal(t, commitB, head)

	writeFile(t, filepath.Join(root, ".git", "HEAD"), commitA+"\n")
	head, err = ResolveHead(root)
	require.NoError(t, err)
	require.Equal(t, commitA, head)

	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref: refs/heads/gone\n")
	_, err = ResolveHead(root)
	require.ErrorIs(t, err, ErrNoHead)
}

func TestSnapshotRegistersTreeOnce(t *testing.T) {
	root := newRepo(t)
	store := integrity.NewInMemory()
	w := New(integrity.NewVerifier(store), []Repository{{ID: "core", Path: root}}, WithExcludedDirs("node_modules"))
	ctx := context.Background()

	c, ok, err := w.Snapshot(ctx, Repository{ID: "core", Path: root})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, commitA, c.CommitHash)
	require.Equal(t, 2, c.Files)

	hashes, err := store.ListByCommit(ctx, "core", commitA)
	require.NoError(t, err)
	var paths []string
	for _, h := range hashes {
		paths = append(paths, h.FilePath)
		require.Equal(t, integrity.StatusVerified, h.Status)
	}
	require.ElementsMatch(t, []string{"main.go", "pkg/util.go"}, paths)

	_, ok, err = w.Snapshot(ctx, Repository{ID: "core", Path: root})
	require.NoError(t, err)
	require.False(t, ok)

	select {
	case got := <-w.Events():
		require.Equal(t, commitA, got.CommitHash)
	default:
		t.Fatal("expected a commit event")
	}
}

func TestRunRegistersNewCommits(t *testing.T) {
	root := newRepo(t)
	store := integrity.NewInMemory()
	w := New(integrity.NewVerifier(store), []Repository{{ID: "core", Path: root}},
		WithExcludedDirs("node_modules"), WithDebounce(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	next := func() Commit {
		select {
		case c := <-w.Events():
			return c
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a commit")
		}
		return Commit{}
	}
	require.Equal(t, commitA, next().CommitHash)

	writeFile(t, filepath.Join(root, "main.go"), "package main\n\nfunc main() {}\n")
	writeFile(t, filepath.Join(root, ".git", "refs", "heads", "main"), commitB+"\n")
	require.Equal(t, commitB, next().CommitHash)

	hashes, err := store.ListByCommit(context.Background(), "core", commitB)
	require.NoError(t, err)
	require.Len(t, hashes, 2)

	cancel()
	require.NoError(t, <-done)
}

func TestRunRejectsPlainDirectory(t *testing.T) {
	w := New(integrity.NewVerifier(integrity.NewInMemory()), []Repository{{ID: "x", Path: t.TempDir()}})
	require.Error(t, w.Run(context.Background()))
}
