// Package containment owns the repository security state machine: automatic
// encryption and blocking of repositories on qualifying alerts, the manual
// verification that releases them, and the access checks that feed it.
package containment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/alert"
	"repoguard.org/internal/audit"
	"repoguard.org/internal/auth"
	"repoguard.org/internal/faults"
	"repoguard.org/internal/ids"
	"repoguard.org/internal/keylock"
	"repoguard.org/internal/notify"
	"repoguard.org/internal/obs"
	"repoguard.org/internal/seal"
)

const entityRepository = "Repository"

// pendingAlertLimit caps the alerts listed per repository awaiting verification.
const pendingAlertLimit = 5

var (
	ErrNotAdmin          = fmt.Errorf("containment: manual verification requires an admin: %w", faults.ErrUnauthorized)
	ErrNotEncrypted      = fmt.Errorf("containment: repository is not encrypted: %w", faults.ErrConflict)
	ErrInvalidDecision   = fmt.Errorf("containment: decision must be APPROVED or REJECTED: %w", faults.ErrInvalidInput)
	ErrAlertResolved     = fmt.Errorf("containment: alert already resolved: %w", faults.ErrAlreadyInState)
	ErrNotContainable    = fmt.Errorf("containment: alert does not trigger containment: %w", faults.ErrInvalidInput)
	ErrMissingRepository = fmt.Errorf("containment: repository id and path are required: %w", faults.ErrInvalidInput)
)

// Decision is an administrator's verdict on a contained repository.
type Decision string

const (
	Approved Decision = "APPROVED"
	Rejected Decision = "REJECTED"
)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Repositories Store
	Alerts       alert.Store
	Activities   activity.Store
	Audit        audit.Appender
	Notifier     notify.Notifier
	Directory    auth.Directory
	Sealer       *seal.Sealer
}

// Orchestrator runs containment. Work on one repository is serialized;
// different repositories proceed independently.
type Orchestrator struct {
	Deps
	locks keylock.Map
	now   func() time.Time
}

// Option configures Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.now = fn
		}
	}
}

func New(d Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		Deps: d,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Result reports the outcome of a containment attempt.
type Result struct {
	Encrypted        bool
	AlreadyEncrypted bool
	RepositoryID     string
	RepositoryPath   string
	IncidentID       string
	AlertID          string
	Status           Status
	EncryptedFiles   int
	SkippedFiles     int
}

// VerifyResult reports the outcome of a manual verification.
type VerifyResult struct {
	Decrypted      bool
	Status         Status
	ResolvedAlerts int
}

// Pending is a repository awaiting a verification decision.
type Pending struct {
	Repository Repository
	Alerts     []alert.Alert
}

// Register creates a repository record, or updates the name, paths and
// trusted paths of an existing one. The security state of an existing
// repository is kept; it only changes through its transitions.
func (o *Orchestrator) Register(ctx context.Context, r Repository) (Repository, error) {
	if r.ID == "" {
		return Repository{}, fmt.Errorf("containment: repository id is required: %w", faults.ErrInvalidInput)
	}
	unlock := o.locks.Lock(r.ID)
	defer unlock()

	for i, p := range r.TrustedPaths {
		r.TrustedPaths[i] = normalizePath(p)
	}
	cur, err := o.Repositories.Get(ctx, r.ID)
	switch {
	case err == nil:
		cur.Name = r.Name
		cur.Path = r.Path
		cur.OriginalLocation = r.OriginalLocation
		cur.TrustedPaths = r.TrustedPaths
		r = cur
	case errors.Is(err, faults.ErrNotFound):
		if r.Status != "" && r.Status != StatusSecure {
			return Repository{}, fmt.Errorf("containment: new repository %s must start %s, got %s: %w",
				r.ID, StatusSecure, r.Status, faults.ErrInvalidInput)
		}
		r.Status = StatusSecure
		r.IsEncrypted = false
		r.EncryptedAt = time.Time{}
	default:
		return Repository{}, err
	}
	r.UpdatedAt = o.now()
	if err := o.Repositories.Save(ctx, r); err != nil {
		return Repository{}, err
	}
	return r, nil
}

// Transition applies a status-only event (suspend or tamper) and records it
// in the audit chain. Events with filesystem effects go through
// TriggerContainment, ManualVerify and Override.
func (o *Orchestrator) Transition(ctx context.Context, repositoryID string, ev Event, actorID, reason string) (Repository, error) {
	if ev != EventSuspend && ev != EventTamper {
		return Repository{}, fmt.Errorf("%w: %s is not a status-only event", ErrInvalidTransition, ev)
	}
	unlock := o.locks.Lock(repositoryID)
	defer unlock()

	repo, err := o.Repositories.Get(ctx, repositoryID)
	if err != nil {
		return Repository{}, err
	}
	from := repo.Status
	if err := o.apply(ctx, &repo, ev); err != nil {
		return repo, err
	}
	_, err = o.Audit.Append(ctx, audit.Record{
		ActorID:  actorID,
		Action:   audit.ActionStatusTransition,
		Entity:   entityRepository,
		EntityID: repo.ID,
		Changes: map[string]string{
			"from":   string(from),
			"to":     string(repo.Status),
			"event":  string(ev),
			"reason": reason,
		},
	})
	if err != nil {
		return repo, fmt.Errorf("containment: audit transition of %s: %w", repo.ID, err)
	}
	return repo, nil
}

// apply is the single place repository status is written.
func (o *Orchestrator) apply(ctx context.Context, repo *Repository, ev Event) error {
	from := repo.Status
	if from == "" {
		from = StatusSecure
	}
	to, err := Next(from, ev)
	if err != nil {
		return err
	}
	next := *repo
	next.Status = to
	next.UpdatedAt = o.now()
	switch ev {
	case EventEncrypt:
		next.IsEncrypted = true
		next.EncryptedAt = next.UpdatedAt
	case EventApprove, EventOverride:
		next.IsEncrypted = false
		next.EncryptedAt = time.Time{}
	}
	if err := o.Repositories.Save(ctx, next); err != nil {
		return fmt.Errorf("containment: save %s: %w", repo.ID, err)
	}
	*repo = next
	obs.ContainmentTransitions.WithLabelValues(string(from), string(to)).Inc()
	obs.Info("repository status changed", map[string]any{
		"repository_id": repo.ID,
		"from":          from,
		"to":            to,
		"event":         ev,
	})
	return nil
}

// TriggerContainment encrypts and blocks the repository named by a
// qualifying alert. A repository that is already encrypted is reported with
// AlreadyEncrypted and no error.
func (o *Orchestrator) TriggerContainment(ctx context.Context, a alert.Alert, e *activity.Event) (Result, error) {
	if a.Resolved {
		return Result{}, ErrAlertResolved
	}
	if !a.Type.Containable() || a.Severity == alert.SeverityInfo {
		return Result{}, ErrNotContainable
	}
	det, ok := a.Repository()
	if !ok || det.RepositoryPath == "" {
		return Result{}, ErrMissingRepository
	}
	req := containRequest{alert: a, repo: det, actor: a.UserID, action: audit.ActionAutoEncryption}
	if e != nil {
		req.actor = e.UserID
		if g, ok := e.Details.(activity.GitOperation); ok {
			req.originalLocation = g.OriginalLocation
		}
	}
	return o.contain(ctx, req)
}

type containRequest struct {
	alert            alert.Alert
	repo             alert.Repository
	actor            string
	action           string
	originalLocation string
}

func (o *Orchestrator) contain(ctx context.Context, req containRequest) (Result, error) {
	det := req.repo
	unlock := o.locks.Lock(det.RepositoryID)
	defer unlock()

	repo, err := o.Repositories.Get(ctx, det.RepositoryID)
	switch {
	case errors.Is(err, faults.ErrNotFound):
		repo = Repository{ID: det.RepositoryID, Path: det.RepositoryPath, Status: StatusSecure}
	case err != nil:
		return Result{}, err
	}
	path := det.RepositoryPath
	res := Result{RepositoryID: repo.ID, RepositoryPath: path, AlertID: req.alert.ID}

	if repo.IsEncrypted || seal.IsTreeSealed(path) {
		res.Encrypted, res.AlreadyEncrypted, res.Status = true, true, repo.Status
		if m, err := seal.ReadManifest(path); err == nil {
			res.IncidentID = m.IncidentID
		}
		return res, nil
	}
	if _, err := Next(repo.Status, EventEncrypt); err != nil {
		return Result{}, err
	}

	incident := det.IncidentID
	if incident == "" {
		incident = ids.Incident()
	}
	res.IncidentID = incident
	ctx = audit.WithIncidentID(ctx, incident)
	reason := det.Reason
	if reason == "" {
		reason = string(req.alert.Type)
	}

	m, err := o.Sealer.SealTree(path, seal.Manifest{
		Reason:           reason,
		IncidentID:       incident,
		OriginalLocation: req.originalLocation,
		DetectedLocation: path,
	})
	if errors.Is(err, seal.ErrAlreadySealed) {
		res.Encrypted, res.AlreadyEncrypted, res.Status = true, true, repo.Status
		return res, nil
	}
	if err != nil {
		o.fail(ctx, "encrypt", repo.ID, incident, err)
		return Result{}, fmt.Errorf("containment: encrypt %s: %w", repo.ID, err)
	}
	res.Encrypted = true
	res.EncryptedFiles, res.SkippedFiles = len(m.Files), len(m.Skipped)

	if err := seal.Block(path, seal.BlockInfo{Reason: reason, IncidentID: incident, Timestamp: o.now()}); err != nil {
		return res, o.inconsistent(ctx, "block", repo.ID, incident, err)
	}
	if repo.Path == "" {
		repo.Path = path
	}
	if err := o.apply(ctx, &repo, EventEncrypt); err != nil {
		return res, o.inconsistent(ctx, "update", repo.ID, incident, err)
	}
	res.Status = repo.Status

	_, err = o.Audit.Append(ctx, audit.Record{
		ActorID:  req.actor,
		Action:   req.action,
		Entity:   entityRepository,
		EntityID: repo.ID,
		Changes: map[string]string{
			"alertId":        req.alert.ID,
			"alertType":      string(req.alert.Type),
			"severity":       string(req.alert.Severity),
			"reason":         reason,
			"repositoryPath": path,
			"encrypted":      "true",
			"blocked":        "true",
			"encryptedFiles": strconv.Itoa(res.EncryptedFiles),
			"skippedFiles":   strconv.Itoa(res.SkippedFiles),
		},
	})
	if err != nil {
		return res, o.inconsistent(ctx, "audit", repo.ID, incident, err)
	}

	o.notify(ctx, notify.Notification{
		Topic:        notify.TopicContainment,
		Severity:     string(alert.SeverityCritical),
		Title:        "Repository automatically encrypted",
		Message:      fmt.Sprintf("Repository %s at %s encrypted and locked (%s); admin verification required", repo.ID, path, reason),
		RepositoryID: repo.ID,
		IncidentID:   incident,
	})

	if req.alert.ID != "" {
		if err := o.Alerts.MarkNotified(ctx, req.alert.ID, o.now()); err != nil {
			obs.Error("containment alert not marked notified", map[string]any{"alert_id": req.alert.ID, "error": err.Error()})
		}
		err := o.Alerts.MarkAutoEncrypted(ctx, req.alert.ID, alert.EncryptionDetails{
			IncidentID:     incident,
			RepositoryID:   repo.ID,
			RepositoryPath: path,
			EncryptedFiles: res.EncryptedFiles,
			SkippedFiles:   res.SkippedFiles,
			EncryptedAt:    repo.EncryptedAt,
		})
		if err != nil {
			obs.Error("containment alert not annotated", map[string]any{"alert_id": req.alert.ID, "error": err.Error()})
		}
	}
	return res, nil
}

// ManualVerify records an administrator's decision on an encrypted
// repository. APPROVED decrypts and unblocks it; REJECTED keeps it
// encrypted and marks it compromised.
func (o *Orchestrator) ManualVerify(ctx context.Context, repositoryID, repositoryPath, adminID string, decision Decision, notes string) (VerifyResult, error) {
	admin, err := o.requireAdmin(ctx, adminID)
	if err != nil {
		return VerifyResult{}, err
	}
	if decision != Approved && decision != Rejected {
		return VerifyResult{}, ErrInvalidDecision
	}
	unlock := o.locks.Lock(repositoryID)
	defer unlock()

	repo, err := o.Repositories.Get(ctx, repositoryID)
	if err != nil {
		return VerifyResult{}, err
	}
	path := repositoryPath
	if path == "" {
		path = repo.Path
	}
	if !repo.IsEncrypted && !seal.IsTreeSealed(path) {
		return VerifyResult{}, ErrNotEncrypted
	}

	if decision == Rejected {
		if err := o.apply(ctx, &repo, EventReject); err != nil {
			return VerifyResult{}, err
		}
		if _, err := o.Audit.Append(ctx, audit.Record{
			ActorID:  admin.ID,
			Action:   audit.ActionVerificationRejected,
			Entity:   entityRepository,
			EntityID: repo.ID,
			Changes:  map[string]string{"status": string(Rejected), "remainsEncrypted": "true", "notes": notes},
		}); err != nil {
			return VerifyResult{Status: repo.Status}, fmt.Errorf("containment: audit rejection of %s: %w", repo.ID, err)
		}
		o.notify(ctx, notify.Notification{
			Topic:        notify.TopicVerification,
			Severity:     string(alert.SeverityCritical),
			Title:        "Repository verification rejected",
			Message:      fmt.Sprintf("%s rejected repository %s; it remains encrypted", admin.Email, repo.ID),
			RepositoryID: repo.ID,
		})
		return VerifyResult{Status: repo.Status}, nil
	}

	if _, err := Next(repo.Status, EventApprove); err != nil {
		return VerifyResult{}, err
	}
	decrypted, err := o.release(ctx, repo.ID, path)
	if err != nil {
		return VerifyResult{}, err
	}
	if err := o.apply(ctx, &repo, EventApprove); err != nil {
		return VerifyResult{Decrypted: decrypted}, o.inconsistent(ctx, "update", repo.ID, "", err)
	}
	resolved, err := o.Alerts.ResolveByRepository(ctx, repo.ID, admin.ID, o.now())
	if err != nil {
		obs.Error("alerts not resolved after approval", map[string]any{"repository_id": repo.ID, "error": err.Error()})
	}
	if _, err := o.Audit.Append(ctx, audit.Record{
		ActorID:  admin.ID,
		Action:   audit.ActionVerificationApproved,
		Entity:   entityRepository,
		EntityID: repo.ID,
		Changes: map[string]string{
			"status":         string(Approved),
			"decrypted":      strconv.FormatBool(decrypted),
			"unblocked":      "true",
			"resolvedAlerts": strconv.Itoa(resolved),
			"notes":          notes,
		},
	}); err != nil {
		return VerifyResult{Decrypted: decrypted, Status: repo.Status}, fmt.Errorf("containment: audit approval of %s: %w", repo.ID, err)
	}
	o.notify(ctx, notify.Notification{
		Topic:        notify.TopicVerification,
		Severity:     string(alert.SeverityInfo),
		Title:        "Repository verified and restored",
		Message:      fmt.Sprintf("%s approved repository %s; access restored", admin.Email, repo.ID),
		RepositoryID: repo.ID,
	})
	return VerifyResult{Decrypted: decrypted, Status: repo.Status, ResolvedAlerts: resolved}, nil
}

// Override releases a compromised repository back to SECURE.
func (o *Orchestrator) Override(ctx context.Context, repositoryID, adminID, notes string) (Repository, error) {
	admin, err := o.requireAdmin(ctx, adminID)
	if err != nil {
		return Repository{}, err
	}
	unlock := o.locks.Lock(repositoryID)
	defer unlock()

	repo, err := o.Repositories.Get(ctx, repositoryID)
	if err != nil {
		return Repository{}, err
	}
	if _, err := Next(repo.Status, EventOverride); err != nil {
		return repo, err
	}
	decrypted, err := o.release(ctx, repo.ID, repo.Path)
	if err != nil {
		return repo, err
	}
	from := repo.Status
	if err := o.apply(ctx, &repo, EventOverride); err != nil {
		return repo, o.inconsistent(ctx, "update", repo.ID, "", err)
	}
	resolved, err := o.Alerts.ResolveByRepository(ctx, repo.ID, admin.ID, o.now())
	if err != nil {
		obs.Error("alerts not resolved after override", map[string]any{"repository_id": repo.ID, "error": err.Error()})
	}
	if _, err := o.Audit.Append(ctx, audit.Record{
		ActorID:  admin.ID,
		Action:   audit.ActionManualOverride,
		Entity:   entityRepository,
		EntityID: repo.ID,
		Changes: map[string]string{
			"from":           string(from),
			"to":             string(repo.Status),
			"decrypted":      strconv.FormatBool(decrypted),
			"resolvedAlerts": strconv.Itoa(resolved),
			"notes":          notes,
		},
	}); err != nil {
		return repo, fmt.Errorf("containment: audit override of %s: %w", repo.ID, err)
	}
	o.notify(ctx, notify.Notification{
		Topic:        notify.TopicVerification,
		Severity:     string(alert.SeverityWarning),
		Title:        "Compromised repository released",
		Message:      fmt.Sprintf("%s overrode the compromised status of %s", admin.Email, repo.ID),
		RepositoryID: repo.ID,
	})
	return repo, nil
}

// release decrypts a sealed tree and removes the block marker. A tree with
// no lock manifest is left as is.
func (o *Orchestrator) release(ctx context.Context, repositoryID, path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	decrypted := false
	if seal.IsTreeSealed(path) {
		if _, err := o.Sealer.OpenTree(path); err != nil {
			obs.ContainmentFailures.WithLabelValues("decrypt").Inc()
			obs.Error("repository decryption failed", map[string]any{"repository_id": repositoryID, "error": err.Error()})
			return false, fmt.Errorf("containment: decrypt %s: %w", repositoryID, err)
		}
		decrypted = true
	}
	if err := seal.Unblock(path); err != nil {
		return decrypted, o.inconsistent(ctx, "unblock", repositoryID, "", err)
	}
	return decrypted, nil
}

// PendingVerifications lists encrypted repositories with their most recent
// unresolved alerts.
func (o *Orchestrator) PendingVerifications(ctx context.Context) ([]Pending, error) {
	repos, err := o.Repositories.ListByStatus(ctx, StatusEncrypted)
	if err != nil {
		return nil, err
	}
	out := make([]Pending, 0, len(repos))
	for _, r := range repos {
		alerts, err := o.Alerts.ListUnresolvedByRepository(ctx, r.ID, pendingAlertLimit)
		if err != nil {
			return nil, err
		}
		out = append(out, Pending{Repository: r, Alerts: alerts})
	}
	return out, nil
}

// Escalate marks a repository compromised after an integrity violation and
// raises a critical alert.
func (o *Orchestrator) Escalate(ctx context.Context, repositoryID, commitHash string, tampered []string) error {
	unlock := o.locks.Lock(repositoryID)
	defer unlock()

	repo, err := o.Repositories.Get(ctx, repositoryID)
	if err != nil {
		return err
	}
	from := repo.Status
	if err := o.apply(ctx, &repo, EventTamper); err != nil && !errors.Is(err, ErrAlreadyContained) {
		return err
	}
	a, err := o.Alerts.Create(ctx, alert.Alert{
		Type:     alert.TypeIntegrityViolation,
		Severity: alert.SeverityCritical,
		Message:  fmt.Sprintf("Integrity violation in %s at %s: %d file(s) tampered", repo.ID, commitHash, len(tampered)),
		Details: alert.Repository{
			RepositoryID:   repo.ID,
			RepositoryPath: repo.Path,
			Reason:         "TAMPERED",
			Indicators:     tampered,
			RiskLevel:      string(activity.RiskCritical),
		},
		CreatedAt: o.now(),
	})
	if err != nil {
		return fmt.Errorf("containment: integrity alert for %s: %w", repo.ID, err)
	}
	changes := map[string]string{
		"commitHash": commitHash,
		"from":       string(from),
		"to":         string(repo.Status),
		"alertId":    a.ID,
	}
	for i, f := range tampered {
		changes["tampered."+strconv.Itoa(i)] = f
	}
	if _, err := o.Audit.Append(ctx, audit.Record{
		Action:   audit.ActionIntegrityViolation,
		Entity:   entityRepository,
		EntityID: repo.ID,
		Changes:  changes,
	}); err != nil {
		return fmt.Errorf("containment: audit integrity violation of %s: %w", repo.ID, err)
	}
	o.notify(ctx, notify.Notification{
		Topic:        notify.TopicIntegrity,
		Severity:     string(alert.SeverityCritical),
		Title:        "Repository integrity violation",
		Message:      a.Message,
		RepositoryID: repo.ID,
	})
	return nil
}

func (o *Orchestrator) requireAdmin(ctx context.Context, userID string) (auth.User, error) {
	u, err := o.Directory.User(ctx, userID)
	if errors.Is(err, faults.ErrNotFound) {
		return auth.User{}, ErrNotAdmin
	}
	if err != nil {
		return auth.User{}, err
	}
	if !u.IsAdmin() || !u.IsActive {
		return auth.User{}, ErrNotAdmin
	}
	return u, nil
}

// fail reports a containment step that failed before any state changed.
func (o *Orchestrator) fail(ctx context.Context, stage, repositoryID, incident string, cause error) {
	obs.ContainmentFailures.WithLabelValues(stage).Inc()
	obs.Error("containment failed", map[string]any{
		"stage":         stage,
		"repository_id": repositoryID,
		"incident_id":   incident,
		"error":         cause.Error(),
	})
	if _, err := o.Audit.Append(ctx, audit.Record{
		Action:   audit.ActionContainmentFailed,
		Entity:   entityRepository,
		EntityID: repositoryID,
		Changes:  map[string]string{"stage": stage, "error": cause.Error()},
	}); err != nil {
		obs.Error("containment failure not audited", map[string]any{"repository_id": repositoryID, "error": err.Error()})
	}
	o.notify(ctx, notify.Notification{
		Topic:        notify.TopicContainment,
		Severity:     string(alert.SeverityCritical),
		Title:        "Repository containment failed",
		Message:      fmt.Sprintf("Containment of %s failed at %s: %v", repositoryID, stage, cause),
		RepositoryID: repositoryID,
		IncidentID:   incident,
	})
}

// inconsistent reports a failure after the working tree already changed.
// Nothing is retried; the repository needs operator attention.
func (o *Orchestrator) inconsistent(ctx context.Context, stage, repositoryID, incident string, cause error) error {
	obs.ContainmentFailures.WithLabelValues(stage).Inc()
	obs.Error("containment left repository inconsistent", map[string]any{
		"stage":         stage,
		"repository_id": repositoryID,
		"incident_id":   incident,
		"error":         cause.Error(),
	})
	if _, err := o.Audit.Append(ctx, audit.Record{
		Action:   audit.ActionContainmentInconsistency,
		Entity:   entityRepository,
		EntityID: repositoryID,
		Changes:  map[string]string{"stage": stage, "error": cause.Error()},
	}); err != nil {
		obs.Error("containment inconsistency not audited", map[string]any{"repository_id": repositoryID, "error": err.Error()})
	}
	if _, err := o.Alerts.Create(ctx, alert.Alert{
		Type:      alert.TypeContainmentFailure,
		Severity:  alert.SeverityCritical,
		Message:   fmt.Sprintf("Containment of %s inconsistent after %s: %v", repositoryID, stage, cause),
		Details:   alert.Other{"repositoryId": repositoryID, "stage": stage, "incidentId": incident},
		CreatedAt: o.now(),
	}); err != nil {
		obs.Error("containment failure alert not created", map[string]any{"repository_id": repositoryID, "error": err.Error()})
	}
	o.notify(ctx, notify.Notification{
		Topic:        notify.TopicContainment,
		Severity:     string(alert.SeverityCritical),
		Title:        "Repository containment inconsistent",
		Message:      fmt.Sprintf("Containment of %s stopped at %s: %v", repositoryID, stage, cause),
		RepositoryID: repositoryID,
		IncidentID:   incident,
	})
	return fmt.Errorf("containment: %s of %s: %v: %w", stage, repositoryID, cause, faults.ErrInconsistentState)
}

func (o *Orchestrator) notify(ctx context.Context, n notify.Notification) {
	if o.Notifier == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = o.now()
	}
	if err := o.Notifier.Notify(ctx, n); err != nil {
		obs.Error("notification failed", map[string]any{"topic": n.Topic, "title": n.Title, "error": err.Error()})
	}
}
