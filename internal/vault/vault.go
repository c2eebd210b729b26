package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"repoguard.org/internal/alert"
	"repoguard.org/internal/audit"
	"repoguard.org/internal/ids"
	"repoguard.org/internal/keylock"
	"repoguard.org/internal/notify"
	"repoguard.org/internal/obs"
	"repoguard.org/internal/seal"
)

const (
	defaultRotationDays = 30
	keyInfoPrefix       = "repoguard-vault-key:"
	tokenBytes          = 32
	pendingHorizon      = 7 * 24 * time.Hour
)

var defaultScope = []string{"read", "write"}

// Vault stores, reveals and rotates tokens. Work on one token is serialized.
type Vault struct {
	store        Store
	sealer       *seal.Sealer
	alerts       alert.Store
	audit        audit.Appender
	notifier     notify.Notifier
	rotationDays int
	now          func() time.Time

	locks keylock.Map
}

// Option configures Vault.
type Option func(*Vault)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(v *Vault) {
		if fn != nil {
			v.now = fn
		}
	}
}

// WithNotifier publishes compromise notifications.
func WithNotifier(n notify.Notifier) Option {
	return func(v *Vault) { v.notifier = n }
}

// WithRotationDays sets the rotation policy for tokens created without one.
func WithRotationDays(days int) Option {
	return func(v *Vault) {
		if days > 0 {
			v.rotationDays = days
		}
	}
}

// New returns a Vault whose payload keys are wrapped by sealer.
func New(store Store, sealer *seal.Sealer, alerts alert.Store, chain audit.Appender, opts ...Option) *Vault {
	v := &Vault{
		store:        store,
		sealer:       sealer,
		alerts:       alerts,
		audit:        chain,
		rotationDays: defaultRotationDays,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// HashToken is the SHA-256 hex of a token value.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Create vaults a token under a fresh payload key.
func (v *Vault) Create(ctx context.Context, req CreateRequest) (Token, error) {
	if req.UserID == "" || req.Name == "" || req.Value == "" {
		return Token{}, ErrInvalidInput
	}
	days := req.RotationDays
	if days <= 0 {
		days = v.rotationDays
	}
	scope := req.Scope
	if len(scope) == 0 {
		scope = defaultScope
	}
	now := v.now()
	t := Token{
		ID:           ids.New(),
		UserID:       req.UserID,
		DeviceID:     req.DeviceID,
		Name:         req.Name,
		Type:         req.Type,
		Scope:        append([]string(nil), scope...),
		RotationDays: days,
		NextRotation: now.AddDate(0, 0, days),
		IsActive:     true,
		CreatedAt:    now,
	}
	if err := v.encrypt(&t, req.Value); err != nil {
		return Token{}, err
	}
	if err := v.store.CreateToken(ctx, t); err != nil {
		return Token{}, fmt.Errorf("vault: create %s: %w", t.Name, err)
	}
	v.logAccess(ctx, AccessLog{TokenID: t.ID, DeviceID: t.DeviceID, Action: ActionCreated, Authorized: true})
	v.securityLog(ctx, t.UserID, alert.SeverityInfo, "Access token created: "+t.Name, map[string]string{
		"tokenId":        t.ID,
		"tokenType":      t.Type,
		"rotationPolicy": strconv.Itoa(days),
	})
	if err := v.record(ctx, t.UserID, audit.ActionTokenCreated, t.ID, map[string]string{"name": t.Name, "type": t.Type}); err != nil {
		return t, err
	}
	return t, nil
}

// Reveal decrypts a token for its owner and counts the access. Any other
// caller is refused and the attempt is logged as unauthorized.
func (v *Vault) Reveal(ctx context.Context, tokenID, userID, ipAddress, location string) (Revealed, error) {
	unlock := v.locks.Lock(tokenID)
	defer unlock()

	t, err := v.store.GetToken(ctx, tokenID)
	if err != nil {
		return Revealed{}, err
	}
	if !t.IsActive {
		return Revealed{}, ErrRevoked
	}
	if t.UserID != userID {
		v.logAccess(ctx, AccessLog{TokenID: t.ID, IPAddress: ipAddress, Location: location, Action: ActionDenied})
		obs.Warn("vault access denied", map[string]any{"token_id": t.ID, "user_id": userID})
		return Revealed{}, ErrNotOwner
	}
	value, err := v.decrypt(t)
	if err != nil {
		return Revealed{}, err
	}
	t.AccessCount++
	t.LastUsed = v.now()
	if err := v.store.UpdateToken(ctx, t); err != nil {
		return Revealed{}, fmt.Errorf("vault: update %s: %w", t.ID, err)
	}
	v.logAccess(ctx, AccessLog{TokenID: t.ID, DeviceID: t.DeviceID, IPAddress: ipAddress, Location: location, Action: ActionAccessed, Authorized: true})
	return Revealed{Value: value, Name: t.Name, Type: t.Type, Scope: t.Scope}, nil
}

// Rotate replaces the token value and payload key.
func (v *Vault) Rotate(ctx context.Context, tokenID, reason string) (Rotated, error) {
	unlock := v.locks.Lock(tokenID)
	defer unlock()

	t, err := v.store.GetToken(ctx, tokenID)
	if err != nil {
		return Rotated{}, err
	}
	return v.rotate(ctx, t, reason)
}

func (v *Vault) rotate(ctx context.Context, t Token, reason string) (Rotated, error) {
	if !t.IsActive {
		return Rotated{}, ErrRevoked
	}
	if reason == "" {
		reason = ReasonManual
	}
	old, err := v.decrypt(t)
	if err != nil {
		return Rotated{}, err
	}
	fresh, err := newValue()
	if err != nil {
		return Rotated{}, err
	}
	if err := v.encrypt(&t, fresh); err != nil {
		return Rotated{}, err
	}
	now := v.now()
	previous := t.LastRotated
	t.LastRotated = now
	t.NextRotation = now.AddDate(0, 0, t.RotationDays)
	t.RotationCount++
	if err := v.store.UpdateToken(ctx, t); err != nil {
		return Rotated{}, fmt.Errorf("vault: update %s: %w", t.ID, err)
	}

	if err := v.store.AppendRotation(ctx, Rotation{
		ID:        ids.New(),
		TokenID:   t.ID,
		OldHash:   HashToken(old),
		NewHash:   HashToken(fresh),
		Reason:    reason,
		RotatedBy: "SYSTEM",
		DeviceID:  t.DeviceID,
		RotatedAt: now,
	}); err != nil {
		return Rotated{}, fmt.Errorf("vault: rotation history of %s: %w", t.ID, err)
	}
	obs.TokenRotations.WithLabelValues(reason).Inc()

	details := map[string]string{"tokenId": t.ID, "reason": reason, "nextRotation": t.NextRotation.Format(time.RFC3339)}
	if !previous.IsZero() {
		details["previousRotation"] = previous.Format(time.RFC3339)
	}
	if _, err := v.alerts.Create(ctx, alert.Alert{
		UserID:    t.UserID,
		Type:      alert.TypeTokenRotated,
		Severity:  alert.SeverityInfo,
		Message:   fmt.Sprintf("Token Access [%s] rotated automatically", t.Name),
		Details:   alert.Token{TokenID: t.ID, Reason: reason},
		CreatedAt: now,
	}); err != nil {
		return Rotated{}, fmt.Errorf("vault: rotation alert for %s: %w", t.ID, err)
	}
	v.securityLog(ctx, t.UserID, alert.SeverityInfo, "Token rotated: "+t.Name, map[string]string{
		"tokenId":       t.ID,
		"reason":        reason,
		"rotationCount": strconv.Itoa(t.RotationCount),
	})
	if err := v.record(ctx, t.UserID, audit.ActionTokenRotated, t.ID, details); err != nil {
		return Rotated{}, err
	}
	return Rotated{TokenID: t.ID, Name: t.Name, NewValue: fresh, NextRotation: t.NextRotation}, nil
}

// RotateDue rotates every active token whose next rotation has passed.
// Failures are reported per token and do not stop the sweep.
func (v *Vault) RotateDue(ctx context.Context) ([]SweepItem, error) {
	all, err := v.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	now := v.now()
	var out []SweepItem
	for _, t := range all {
		if !t.IsActive || t.NextRotation.After(now) {
			continue
		}
		item := SweepItem{TokenID: t.ID, Name: t.Name, OK: true}
		if _, err := v.Rotate(ctx, t.ID, ReasonScheduled); err != nil {
			item.OK, item.Error = false, err.Error()
			obs.Error("scheduled token rotation failed", map[string]any{"token_id": t.ID, "error": err.Error()})
		}
		out = append(out, item)
	}
	return out, nil
}

// Revoke deactivates a token. Revoking twice reports alreadyRevoked and
// changes nothing.
func (v *Vault) Revoke(ctx context.Context, tokenID, reason string) (Token, bool, error) {
	unlock := v.locks.Lock(tokenID)
	defer unlock()

	t, err := v.store.GetToken(ctx, tokenID)
	if err != nil {
		return Token{}, false, err
	}
	if !t.IsActive {
		return t, true, nil
	}
	if reason == "" {
		reason = ReasonManual
	}
	t.IsActive = false
	t.RevokedAt = v.now()
	if err := v.store.UpdateToken(ctx, t); err != nil {
		return Token{}, false, fmt.Errorf("vault: update %s: %w", t.ID, err)
	}
	v.securityLog(ctx, t.UserID, alert.SeverityWarning, "Token revoked: "+t.Name, map[string]string{
		"tokenId":   t.ID,
		"reason":    reason,
		"revokedAt": t.RevokedAt.Format(time.RFC3339),
	})
	if err := v.record(ctx, t.UserID, audit.ActionTokenRevoked, t.ID, map[string]string{"reason": reason}); err != nil {
		return t, false, err
	}
	return t, false, nil
}

// LogAccess records a use of a token reported by an agent.
func (v *Vault) LogAccess(ctx context.Context, l AccessLog) error {
	if l.TokenID == "" {
		return fmt.Errorf("vault: token id is required: %w", ErrInvalidInput)
	}
	if l.ID == "" {
		l.ID = ids.New()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = v.now()
	}
	return v.store.AppendAccess(ctx, l)
}

// DetectSuspiciousUsage inspects the access logs of the trailing 24 hours.
// More than five IPs, more than three devices or more than five
// unauthorized attempts mark the token compromised and rotate it once.
// Logs older than the last compromise are not counted again.
func (v *Vault) DetectSuspiciousUsage(ctx context.Context, tokenID string) (Usage, error) {
	unlock := v.locks.Lock(tokenID)
	defer unlock()

	t, err := v.store.GetToken(ctx, tokenID)
	if err != nil {
		return Usage{}, err
	}
	now := v.now()
	since := now.Add(-usageWindow)
	if t.IsCompromised && t.CompromisedAt.After(since) {
		since = t.CompromisedAt
	}
	logs, err := v.store.ListAccess(ctx, tokenID, since)
	if err != nil {
		return Usage{}, err
	}
	u := usage(logs)
	u.Suspicious = u.IPs > maxIPs || u.Devices > maxDevices || u.Unauthorized > maxUnauthorized
	if !u.Suspicious {
		return u, nil
	}

	t.IsCompromised = true
	t.CompromisedAt = now
	if err := v.store.UpdateToken(ctx, t); err != nil {
		return u, fmt.Errorf("vault: mark %s compromised: %w", t.ID, err)
	}
	obs.Warn("vault token compromised", map[string]any{
		"token_id":     t.ID,
		"ips":          u.IPs,
		"devices":      u.Devices,
		"unauthorized": u.Unauthorized,
	})
	if t.IsActive {
		if _, err := v.rotate(ctx, t, ReasonSuspicious); err != nil {
			return u, err
		}
		u.Rotated = true
	}

	msg := fmt.Sprintf("Suspicious token usage detected - Token [%s] rotated", t.Name)
	if _, err := v.alerts.Create(ctx, alert.Alert{
		UserID:    t.UserID,
		Type:      alert.TypeTokenCompromised,
		Severity:  alert.SeverityCritical,
		Message:   msg,
		Details:   alert.Token{TokenID: t.ID, Reason: ReasonSuspicious},
		CreatedAt: now,
	}); err != nil {
		return u, fmt.Errorf("vault: compromise alert for %s: %w", t.ID, err)
	}
	if err := v.record(ctx, t.UserID, audit.ActionTokenCompromised, t.ID, map[string]string{
		"uniqueIPs":            strconv.Itoa(u.IPs),
		"uniqueDevices":        strconv.Itoa(u.Devices),
		"unauthorizedAttempts": strconv.Itoa(u.Unauthorized),
	}); err != nil {
		return u, err
	}
	if v.notifier != nil {
		if err := v.notifier.Notify(ctx, notify.Notification{
			Topic:     notify.TopicVault,
			Severity:  string(alert.SeverityCritical),
			Title:     "Token compromised",
			Message:   msg,
			Timestamp: now,
		}); err != nil {
			obs.Error("vault notification failed", map[string]any{"token_id": t.ID, "error": err.Error()})
		}
	}
	return u, nil
}

func usage(logs []AccessLog) Usage {
	ips := make(map[string]struct{})
	devices := make(map[string]struct{})
	var u Usage
	for _, l := range logs {
		if l.IPAddress != "" {
			ips[l.IPAddress] = struct{}{}
		}
		if l.DeviceID != "" {
			devices[l.DeviceID] = struct{}{}
		}
		if !l.Authorized {
			u.Unauthorized++
		}
	}
	u.IPs, u.Devices = len(ips), len(devices)
	return u
}

// ListByUser returns a user's tokens, newest first.
func (v *Vault) ListByUser(ctx context.Context, userID string) ([]Token, error) {
	return v.store.ListByUser(ctx, userID)
}

// Rotations returns a token's rotation history, newest first.
func (v *Vault) Rotations(ctx context.Context, tokenID string) ([]Rotation, error) {
	if _, err := v.store.GetToken(ctx, tokenID); err != nil {
		return nil, err
	}
	return v.store.ListRotations(ctx, tokenID)
}

// Activity summarises a token's access logs over the last days.
func (v *Vault) Activity(ctx context.Context, tokenID string, days int) (Activity, error) {
	if days <= 0 {
		days = 7
	}
	logs, err := v.store.ListAccess(ctx, tokenID, v.now().AddDate(0, 0, -days))
	if err != nil {
		return Activity{}, err
	}
	u := usage(logs)
	a := Activity{Total: len(logs), IPs: u.IPs, Devices: u.Devices, Unauthorized: u.Unauthorized, Daily: make(map[string]int)}
	for _, l := range logs {
		a.Daily[l.Timestamp.UTC().Format(time.DateOnly)]++
	}
	a.Recent = logs
	if len(a.Recent) > 20 {
		a.Recent = a.Recent[:20]
	}
	return a, nil
}

// Stats summarises every vaulted token.
func (v *Vault) Stats(ctx context.Context) (Stats, error) {
	all, err := v.store.ListAll(ctx)
	if err != nil {
		return Stats{}, err
	}
	horizon := v.now().Add(pendingHorizon)
	st := Stats{Total: len(all)}
	for _, t := range all {
		if t.IsCompromised {
			st.Compromised++
		}
		if !t.IsActive {
			continue
		}
		st.Active++
		if !t.NextRotation.After(horizon) {
			st.PendingRotation++
		}
	}
	return st, nil
}

func (v *Vault) encrypt(t *Token, value string) error {
	key, err := seal.NewKey()
	if err != nil {
		return err
	}
	ct, err := seal.Encrypt(key, []byte(value))
	if err != nil {
		return err
	}
	wrapped, err := v.sealer.SealBytes(key, keyInfoPrefix+t.ID)
	if err != nil {
		return err
	}
	t.Ciphertext, t.WrappedKey = ct, wrapped
	return nil
}

func (v *Vault) decrypt(t Token) (string, error) {
	key, err := v.sealer.OpenBytes(t.WrappedKey, keyInfoPrefix+t.ID)
	if err != nil {
		return "", fmt.Errorf("vault: unwrap key of %s: %w", t.ID, err)
	}
	plain, err := seal.Decrypt(key, t.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("vault: decrypt %s: %w", t.ID, err)
	}
	return string(plain), nil
}

func newValue() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("vault: token value: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (v *Vault) logAccess(ctx context.Context, l AccessLog) {
	if err := v.LogAccess(ctx, l); err != nil {
		obs.Error("vault access log failed", map[string]any{"token_id": l.TokenID, "error": err.Error()})
	}
}

func (v *Vault) securityLog(ctx context.Context, userID string, sev alert.Severity, msg string, details map[string]string) {
	if _, err := v.alerts.AppendSecurityLog(ctx, alert.SecurityLog{
		UserID:    userID,
		Event:     "CONFIG_CHANGE",
		Severity:  sev,
		Message:   msg,
		Details:   details,
		CreatedAt: v.now(),
	}); err != nil {
		obs.Error("vault security log failed", map[string]any{"user_id": userID, "error": err.Error()})
	}
}

func (v *Vault) record(ctx context.Context, actorID, action, tokenID string, changes map[string]string) error {
	if v.audit == nil {
		return nil
	}
	if _, err := v.audit.Append(ctx, audit.Record{
		ActorID:  actorID,
		Action:   action,
		Entity:   "AccessToken",
		EntityID: tokenID,
		Changes:  changes,
	}); err != nil {
		return fmt.Errorf("vault: audit %s of %s: %w", action, tokenID, err)
	}
	return nil
}
