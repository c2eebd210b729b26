package integrity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"repoguard.org/internal/faults"
	"repoguard.org/internal/seal"
)

type escalation struct {
	repo, commit string
	tampered     []string
}

type recordingEscalator struct {
	calls []escalation
	err   error
}

func (r *recordingEscalator) Escalate(ctx context.Context, repositoryID, commitHash string, tampered []string) error {
	r.calls = append(r.calls, escalation{repositoryID, commitHash, tampered})
	return r.err
}

func fixedNow() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) }

func files(kv ...string) []File {
	out := make([]File, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, File{Path: kv[i], Content: []byte(kv[i+1])})
	}
	return out
}

func TestRegisterThenVerifyIsClean(t *testing.T) {
	esc := &recordingEscalator{}
	v := NewVerifier(NewInMemory(), WithClock(fixedNow), WithEscalator(esc))
	ctx := context.Background()

	hashes, err := v.Register(ctx, "repo-1", "c1", files("main.go", "package main\n", "go.mod", "module x\n"))
	require.NoError(t, err)
	require.Len(t, hashes, 2)
	require.Equal(t, Algorithm, hashes[0].Algorithm)
	require.Equal(t, Digest([]byte("package main\n")), hashes[0].Digest)

	rep, err := v.Verify(ctx, "repo-1", "c1", files("main.go", "package main\n", "go.mod", "module x\n"))
	require.NoError(t, err)
	require.Equal(t, StatusVerified, rep.Status)
	require.Empty(t, rep.Tampered)
	require.Len(t, rep.Files, 2)
	for _, h := range rep.Files {
		require.Equal(t, StatusVerified, h.Status)
		require.Len(t, h.Log, 1)
		require.Equal(t, h.Digest, h.Log[0].Actual)
	}
	require.Empty(t, esc.calls)
}

func TestOneChangedByteTampersOnlyThatFile(t *testing.T) {
	esc := &recordingEscalator{}
	v := NewVerifier(NewInMemory(), WithClock(fixedNow), WithEscalator(esc))
	ctx := context.Background()

	_, err := v.Register(ctx, "repo-1", "c1", files("a.go", "package a\n", "b.go", "package b\n"))
	require.NoError(t, err)

	rep, err := v.Verify(ctx, "repo-1", "c1", files("a.go", "package a\n", "b.go", "package c\n"))
	require.NoError(t, err)
	require.Equal(t, StatusTampered, rep.Status)
	require.Equal(t, []string{"b.go"}, rep.Tampered)

	a, err := v.store.Get(ctx, "repo-1", "c1", "a.go")
	require.NoError(t, err)
	require.Equal(t, StatusVerified, a.Status)

	b, err := v.store.Get(ctx, "repo-1", "c1", "b.go")
	require.NoError(t, err)
	require.Equal(t, StatusTampered, b.Status)
	require.Equal(t, Digest([]byte("package b\n")), b.Log[0].Expected)
	require.Equal(t, Digest([]byte("package c\n")), b.Log[0].Actual)

	require.Len(t, esc.calls, 1)
	require.Equal(t, escalation{"repo-1", "c1", []string{"b.go"}}, esc.calls[0])
}

func TestTamperedNeverReverts(t *testing.T) {
	v := NewVerifier(NewInMemory(), WithClock(fixedNow))
	ctx := context.Background()
	_, err := v.Register(ctx, "repo-1", "c1", files("a.go", "original"))
	require.NoError(t, err)

	_, err = v.Verify(ctx, "repo-1", "c1", files("a.go", "modified"))
	require.NoError(t, err)

	rep, err := v.Verify(ctx, "repo-1", "c1", files("a.go", "original"))
	require.NoError(t, err)
	require.Equal(t, StatusTampered, rep.Status)
	h := rep.Files[0]
	require.Equal(t, StatusTampered, h.Status)
	require.Len(t, h.Log, 2)
	require.Equal(t, StatusVerified, h.Log[1].Status, "the log records what this check saw")

	// Registering the same commit again keeps the tampered row.
	again, err := v.Register(ctx, "repo-1", "c1", files("a.go", "original"))
	require.NoError(t, err)
	require.Equal(t, StatusTampered, again[0].Status)
}

func TestTamperedFileEscalatesOnce(t *testing.T) {
	esc := &recordingEscalator{}
	v := NewVerifier(NewInMemory(), WithClock(fixedNow), WithEscalator(esc))
	ctx := context.Background()
	_, err := v.Register(ctx, "repo-1", "c1", files("a.go", "package a\n", "b.go", "package b\n"))
	require.NoError(t, err)

	rep, err := v.Verify(ctx, "repo-1", "c1", files("a.go", "package x\n", "b.go", "package b\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"a.go"}, rep.NewlyTampered)

	rep, err = v.Verify(ctx, "repo-1", "c1", files("a.go", "package x\n", "b.go", "package b\n"))
	require.NoError(t, err)
	require.Equal(t, StatusTampered, rep.Status)
	require.Equal(t, []string{"a.go"}, rep.Tampered)
	require.Empty(t, rep.NewlyTampered)
	require.Len(t, esc.calls, 1)

	rep, err = v.Verify(ctx, "repo-1", "c1", files("a.go", "package x\n", "b.go", "package y\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"a.go", "b.go"}, rep.Tampered)
	require.Len(t, esc.calls, 2)
	require.Equal(t, []string{"b.go"}, esc.calls[1].tampered)
}

func TestSealedAndUnreadableFiles(t *testing.T) {
	v := NewVerifier(NewInMemory(), WithClock(fixedNow))
	ctx := context.Background()
	_, err := v.Register(ctx, "repo-1", "c1", files("a.go", "package a\n", "b.go", "package b\n"))
	require.NoError(t, err)

	sealer, err := seal.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	sealed, err := sealer.SealBytes([]byte("package a\n"), "repoguard-file:a.go")
	require.NoError(t, err)

	rep, err := v.Verify(ctx, "repo-1", "c1", []File{
		{Path: "a.go", Content: sealed},
		{Path: "b.go", Err: os.ErrPermission},
		{Path: "new.go", Content: []byte("package new\n")},
	})
	require.NoError(t, err)
	require.Equal(t, StatusCorrupted, rep.Status)
	require.Equal(t, []string{"a.go"}, rep.Encrypted)
	require.Equal(t, []string{"b.go"}, rep.Corrupted)
	require.Equal(t, []string{"new.go"}, rep.Unregistered)
	require.Empty(t, rep.Tampered)

	sum, err := v.Summary(ctx, "repo-1")
	require.NoError(t, err)
	require.Equal(t, 2, sum.Total)
	require.Equal(t, 1, sum.ByStatus[StatusEncrypted])
	require.Equal(t, 1, sum.ByStatus[StatusCorrupted])
	require.Equal(t, fixedNow(), sum.LastVerified)
}

func TestEscalationFailureIsReturned(t *testing.T) {
	esc := &recordingEscalator{err: errors.New("store down")}
	v := NewVerifier(NewInMemory(), WithEscalator(esc))
	ctx := context.Background()
	_, err := v.Register(ctx, "repo-1", "c1", files("a.go", "x"))
	require.NoError(t, err)

	rep, err := v.Verify(ctx, "repo-1", "c1", files("a.go", "y"))
	require.Error(t, err)
	require.Equal(t, StatusTampered, rep.Status)
}

func TestRegisterRequiresInput(t *testing.T) {
	v := NewVerifier(NewInMemory())
	_, err := v.Register(context.Background(), "repo-1", "", files("a.go", "x"))
	require.ErrorIs(t, err, faults.ErrInvalidInput)
	_, err = v.Verify(context.Background(), "repo-1", "c1", nil)
	require.ErrorIs(t, err, faults.ErrInvalidInput)
}

func TestTimelineAcrossCommits(t *testing.T) {
	clock := fixedNow()
	v := NewVerifier(NewInMemory(), WithClock(func() time.Time { return clock }))
	ctx := context.Background()
	for i, commit := range []string{"c1", "c2", "c3"} {
		clock = fixedNow().Add(time.Duration(i) * time.Hour)
		_, err := v.Register(ctx, "repo-1", commit, files("a.go", commit))
		require.NoError(t, err)
	}
	timeline, err := v.Timeline(ctx, "repo-1", "a.go")
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	require.Equal(t, "c1", timeline[0].CommitHash)
	require.Equal(t, "c3", timeline[2].CommitHash)

	rows, err := v.Commit(ctx, "repo-1", "c2")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestTreeFilesAndReadFiles(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	write("main.go", "package main\n")
	write("pkg/util.go", "package pkg\n")
	write(".git/HEAD", "ref: refs/heads/main\n")
	write("vendor/x/x.go", "package x\n")
	write(seal.BlockFile, "{}")

	paths, err := TreeFiles(root, []string{".git", "vendor"})
	require.NoError(t, err)
	require.Equal(t, []string{"main.go", "pkg/util.go"}, paths)

	got := ReadFiles(root, append(paths, "missing.go"))
	require.Len(t, got, 3)
	require.Equal(t, "package pkg\n", string(got[1].Content))
	require.Error(t, got[2].Err)
}
