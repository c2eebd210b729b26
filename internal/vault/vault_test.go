package vault

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"repoguard.org/internal/alert"
	"repoguard.org/internal/audit"
	"repoguard.org/internal/faults"
	"repoguard.org/internal/notify"
	"repoguard.org/internal/seal"
)

type fixture struct {
	vault  *Vault
	store  *InMemory
	alerts *alert.InMemory
	chain  *audit.MemoryChain
	sent   *notify.Recorder
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sealer, err := seal.New([]byte("vault-master-key-for-tests-0001"))
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	f := &fixture{
		store:  NewInMemory(),
		alerts: alert.NewInMemory(),
		chain:  audit.NewMemoryChain(),
		sent:   &notify.Recorder{},
		now:    time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.vault = New(f.store, sealer, f.alerts, audit.NewChain(f.chain, audit.WithClock(clock)),
		WithClock(clock), WithNotifier(f.sent))
	return f
}

func (f *fixture) create(t *testing.T) Token {
	t.Helper()
	tok, err := f.vault.Create(context.Background(), CreateRequest{
		UserID:   "u1",
		DeviceID: "laptop",
		Name:     "deploy",
		Type:     "github",
		Value:    "ghp_original",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return tok
}

func (f *fixture) actions(t *testing.T) []string {
	t.Helper()
	entries, err := f.chain.Range(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func TestCreateAndReveal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.create(t)

	stored, err := f.store.GetToken(ctx, tok.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(stored.Ciphertext) == "ghp_original" || len(stored.WrappedKey) == 0 {
		t.Fatalf("token stored in the clear")
	}
	if stored.RotationDays != defaultRotationDays || !stored.NextRotation.Equal(f.now.AddDate(0, 0, 30)) {
		t.Fatalf("unexpected rotation policy %+v", stored)
	}

	got, err := f.vault.Reveal(ctx, tok.ID, "u1", "10.0.0.1", "Berlin")
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if got.Value != "ghp_original" || len(got.Scope) != 2 {
		t.Fatalf("unexpected reveal %+v", got)
	}
	stored, _ = f.store.GetToken(ctx, tok.ID)
	if stored.AccessCount != 1 || !stored.LastUsed.Equal(f.now) {
		t.Fatalf("access not counted %+v", stored)
	}
	if acts := f.actions(t); len(acts) != 1 || acts[0] != audit.ActionTokenCreated {
		t.Fatalf("unexpected audit %v", acts)
	}
}

func TestRevealByAnotherUserIsDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.create(t)

	_, err := f.vault.Reveal(ctx, tok.ID, "u2", "10.0.0.9", "")
	if !errors.Is(err, ErrNotOwner) || !errors.Is(err, faults.ErrUnauthorized) {
		t.Fatalf("expected not owner, got %v", err)
	}
	logs, _ := f.store.ListAccess(ctx, tok.ID, time.Time{})
	if len(logs) != 2 || logs[0].Action != ActionDenied || logs[0].Authorized {
		t.Fatalf("unexpected access logs %+v", logs)
	}
	if _, err := f.vault.Reveal(ctx, "missing", "u1", "", ""); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRotateReplacesValueAndKeepsHashesOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.create(t)

	f.now = f.now.Add(time.Hour)
	res, err := f.vault.Rotate(ctx, tok.ID, "")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if res.NewValue == "ghp_original" || len(res.NewValue) != 64 {
		t.Fatalf("unexpected new value %q", res.NewValue)
	}
	got, err := f.vault.Reveal(ctx, tok.ID, "u1", "", "")
	if err != nil || got.Value != res.NewValue {
		t.Fatalf("reveal after rotate: %+v %v", got, err)
	}

	hist, err := f.vault.Rotations(ctx, tok.ID)
	if err != nil {
		t.Fatalf("rotations: %v", err)
	}
	if len(hist) != 1 || hist[0].Reason != ReasonManual {
		t.Fatalf("unexpected history %+v", hist)
	}
	if hist[0].OldHash != HashToken("ghp_original") || hist[0].NewHash != HashToken(res.NewValue) {
		t.Fatalf("unexpected hashes %+v", hist[0])
	}
	alerts := f.alerts.All()
	if len(alerts) != 1 || alerts[0].Type != alert.TypeTokenRotated || alerts[0].Severity != alert.SeverityInfo {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
	stored, _ := f.store.GetToken(ctx, tok.ID)
	if stored.RotationCount != 1 || !stored.NextRotation.Equal(f.now.AddDate(0, 0, 30)) {
		t.Fatalf("unexpected token %+v", stored)
	}
}

func TestSixIPsRotateExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.create(t)

	start := f.now
	for i := 0; i < 6; i++ {
		err := f.vault.LogAccess(ctx, AccessLog{
			TokenID:    tok.ID,
			DeviceID:   "laptop",
			IPAddress:  fmt.Sprintf("203.0.113.%d", i+1),
			Action:     ActionAccessed,
			Authorized: true,
			Timestamp:  start.Add(time.Duration(i+1) * time.Hour),
		})
		if err != nil {
			t.Fatalf("log access: %v", err)
		}
	}
	f.now = start.Add(7 * time.Hour)

	u, err := f.vault.DetectSuspiciousUsage(ctx, tok.ID)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !u.Suspicious || !u.Rotated || u.IPs != 6 {
		t.Fatalf("unexpected usage %+v", u)
	}
	stored, _ := f.store.GetToken(ctx, tok.ID)
	if !stored.IsCompromised || stored.RotationCount != 1 {
		t.Fatalf("token not compromised %+v", stored)
	}

	f.now = start.Add(8 * time.Hour)
	if err := f.vault.LogAccess(ctx, AccessLog{TokenID: tok.ID, DeviceID: "laptop", IPAddress: "198.51.100.7", Authorized: true}); err != nil {
		t.Fatalf("log access: %v", err)
	}
	u, err = f.vault.DetectSuspiciousUsage(ctx, tok.ID)
	if err != nil {
		t.Fatalf("detect again: %v", err)
	}
	if u.Suspicious || u.Rotated {
		t.Fatalf("second detection must not rotate %+v", u)
	}
	hist, _ := f.vault.Rotations(ctx, tok.ID)
	if len(hist) != 1 || hist[0].Reason != ReasonSuspicious {
		t.Fatalf("expected exactly one rotation, got %+v", hist)
	}

	var compromised int
	for _, a := range f.alerts.All() {
		if a.Type == alert.TypeTokenCompromised {
			compromised++
			if a.Severity != alert.SeverityCritical {
				t.Fatalf("unexpected severity %s", a.Severity)
			}
		}
	}
	if compromised != 1 {
		t.Fatalf("expected one compromise alert, got %d", compromised)
	}
	if sent := f.sent.Sent(); len(sent) != 1 || sent[0].Topic != notify.TopicVault {
		t.Fatalf("unexpected notifications %+v", sent)
	}
	acts := f.actions(t)
	if acts[len(acts)-1] != audit.ActionTokenCompromised {
		t.Fatalf("unexpected audit %v", acts)
	}
}

func TestDetectThresholds(t *testing.T) {
	cases := []struct {
		name string
		logs func(tokenID string, at time.Time) []AccessLog
		want bool
	}{
		{"five ips", func(id string, at time.Time) []AccessLog {
			var out []AccessLog
			for i := 0; i < 5; i++ {
				out = append(out, AccessLog{TokenID: id, IPAddress: fmt.Sprintf("10.1.0.%d", i), Authorized: true, Timestamp: at})
			}
			return out
		}, false},
		{"four devices", func(id string, at time.Time) []AccessLog {
			var out []AccessLog
			for i := 0; i < 4; i++ {
				out = append(out, AccessLog{TokenID: id, DeviceID: fmt.Sprintf("d%d", i), Authorized: true, Timestamp: at})
			}
			return out
		}, true},
		{"six denied", func(id string, at time.Time) []AccessLog {
			var out []AccessLog
			for i := 0; i < 6; i++ {
				out = append(out, AccessLog{TokenID: id, Action: ActionDenied, Timestamp: at})
			}
			return out
		}, true},
		{"old logs", func(id string, at time.Time) []AccessLog {
			var out []AccessLog
			for i := 0; i < 8; i++ {
				out = append(out, AccessLog{TokenID: id, IPAddress: fmt.Sprintf("10.2.0.%d", i), Authorized: true, Timestamp: at.Add(-25 * time.Hour)})
			}
			return out
		}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			tok := f.create(t)
			for _, l := range c.logs(tok.ID, f.now.Add(-time.Minute)) {
				if err := f.vault.LogAccess(ctx, l); err != nil {
					t.Fatalf("log: %v", err)
				}
			}
			u, err := f.vault.DetectSuspiciousUsage(ctx, tok.ID)
			if err != nil {
				t.Fatalf("detect: %v", err)
			}
			if u.Suspicious != c.want {
				t.Fatalf("got %+v want suspicious=%v", u, c.want)
			}
		})
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.create(t)

	got, already, err := f.vault.Revoke(ctx, tok.ID, "")
	if err != nil || already || got.IsActive || !got.RevokedAt.Equal(f.now) {
		t.Fatalf("revoke: %+v %v %v", got, already, err)
	}
	f.now = f.now.Add(time.Hour)
	got, already, err = f.vault.Revoke(ctx, tok.ID, "")
	if err != nil || !already || got.RevokedAt.Equal(f.now) {
		t.Fatalf("second revoke: %+v %v %v", got, already, err)
	}
	if _, err := f.vault.Rotate(ctx, tok.ID, ReasonManual); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
	if _, err := f.vault.Reveal(ctx, tok.ID, "u1", "", ""); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
	var revoked int
	for _, a := range f.actions(t) {
		if a == audit.ActionTokenRevoked {
			revoked++
		}
	}
	if revoked != 1 {
		t.Fatalf("expected one revoke entry, got %d", revoked)
	}
}

func TestRotateDueAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	due := f.create(t)
	fresh, err := f.vault.Create(ctx, CreateRequest{UserID: "u1", Name: "ci", Type: "gitlab", Value: "glpat", RotationDays: 90})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	revoked, err := f.vault.Create(ctx, CreateRequest{UserID: "u2", Name: "old", Value: "x", RotationDays: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := f.vault.Revoke(ctx, revoked.ID, ""); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	f.now = f.now.AddDate(0, 0, 31)
	items, err := f.vault.RotateDue(ctx)
	if err != nil {
		t.Fatalf("rotate due: %v", err)
	}
	if len(items) != 1 || items[0].TokenID != due.ID || !items[0].OK {
		t.Fatalf("unexpected sweep %+v", items)
	}
	hist, _ := f.vault.Rotations(ctx, fresh.ID)
	if len(hist) != 0 {
		t.Fatalf("token not due was rotated")
	}

	st, err := f.vault.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	// fresh rotates 59 days from now, due in 30.
	if st.Total != 3 || st.Active != 2 || st.Compromised != 0 || st.PendingRotation != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}

	mine, _ := f.vault.ListByUser(ctx, "u1")
	if len(mine) != 2 {
		t.Fatalf("unexpected list %+v", mine)
	}
}

func TestActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.create(t)
	for i := 0; i < 3; i++ {
		_ = f.vault.LogAccess(ctx, AccessLog{TokenID: tok.ID, IPAddress: "10.0.0.1", DeviceID: "laptop", Authorized: true, Timestamp: f.now.AddDate(0, 0, -i)})
	}
	_ = f.vault.LogAccess(ctx, AccessLog{TokenID: tok.ID, Timestamp: f.now.AddDate(0, 0, -10)})

	a, err := f.vault.Activity(ctx, tok.ID, 7)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	// three reported accesses plus the creation log
	if a.Total != 4 || a.IPs != 1 || a.Devices != 1 || a.Unauthorized != 0 || len(a.Daily) != 3 {
		t.Fatalf("unexpected activity %+v", a)
	}
}

func TestCreateRequiresFields(t *testing.T) {
	f := newFixture(t)
	if _, err := f.vault.Create(context.Background(), CreateRequest{UserID: "u1"}); !errors.Is(err, faults.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
