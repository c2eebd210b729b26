package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"repoguard.org/internal/audit"
	"repoguard.org/internal/integrity"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent", "repoguard.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestOpenCreatesDirectory(t *testing.T) {
	s, _ := openStore(t)
	require.NoError(t, s.Ping(context.Background()))
}

func TestCloseNilDB(t *testing.T) {
	require.NoError(t, (&Store{}).Close())
}

func TestHashesRegisterAndVerify(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	v := integrity.NewVerifier(s.Hashes())

	files := []integrity.File{
		{Path: "main.go", Content: []byte("package main\n")},
		{Path: "go.mod", Content: []byte("module x\n")},
	}
	hashes, err := v.Register(ctx, "core", "abc", files)
	require.NoError(t, err)
	require.Len(t, hashes, 2)

	again, err := v.Register(ctx, "core", "abc", files)
	require.NoError(t, err)
	require.Equal(t, hashes[0].ID, again[0].ID)

	files[0].Content = []byte("package main\n\nfunc init() { steal() }\n")
	rep, err := v.Verify(ctx, "core", "abc", files)
	require.NoError(t, err)
	require.Equal(t, []string{"main.go"}, rep.Tampered)

	h, err := s.Hashes().Get(ctx, "core", "abc", "main.go")
	require.NoError(t, err)
	require.Equal(t, integrity.StatusTampered, h.Status)
	require.Len(t, h.Log, 1)
	require.False(t, h.VerifiedAt.IsZero())

	listed, err := s.Hashes().ListByCommit(ctx, "core", "abc")
	require.NoError(t, err)
	require.Equal(t, "go.mod", listed[0].FilePath)
	require.Equal(t, integrity.StatusVerified, listed[0].Status)

	_, err = s.Hashes().Get(ctx, "core", "abc", "missing.go")
	require.ErrorIs(t, err, integrity.ErrNotFound)
	require.ErrorIs(t, s.Hashes().Update(ctx, integrity.Hash{RepositoryID: "core", CommitHash: "zzz", FilePath: "x"}), integrity.ErrNotFound)
}

func TestTimelineOrdersByCreation(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	for i, commit := range []string{"c2", "c1", "c3"} {
		_, inserted, err := s.Hashes().Insert(ctx, integrity.Hash{
			RepositoryID: "core", CommitHash: commit, FilePath: "main.go", Digest: commit,
			Status: integrity.StatusVerified, CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
		require.True(t, inserted)
	}
	tl, err := s.Hashes().Timeline(ctx, "core", "main.go")
	require.NoError(t, err)
	require.Len(t, tl, 3)
	require.Equal(t, []string{"c2", "c1", "c3"}, []string{tl[0].CommitHash, tl[1].CommitHash, tl[2].CommitHash})
	require.True(t, tl[0].CreatedAt.Equal(base))
}

func TestAuditChainPersists(t *testing.T) {
	s, path := openStore(t)
	ctx := context.Background()
	chain := audit.NewChain(s.Chain())

	for _, action := range []string{audit.ActionTokenCreated, audit.ActionTokenRotated, audit.ActionTokenRevoked} {
		_, err := chain.Append(ctx, audit.Record{ActorID: "SYSTEM", Action: action, Entity: "token", EntityID: "t1",
			Changes: map[string]string{"reason": "scheduled"}})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	rep, err := audit.NewChain(reopened.Chain()).Verify(ctx)
	require.NoError(t, err)
	require.True(t, rep.IsValid)
	require.Equal(t, 3, rep.TotalLogs)

	last, ok, err := reopened.Chain().Last(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), last.BlockNumber)
	require.Equal(t, "scheduled", last.Changes["reason"])

	err = reopened.Chain().Insert(ctx, audit.Entry{BlockNumber: 2, Timestamp: time.Now()})
	require.ErrorIs(t, err, audit.ErrBlockExists)

	page, err := reopened.Chain().Range(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, int64(2), page[0].BlockNumber)
}
