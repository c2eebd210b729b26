package containment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/alert"
	"repoguard.org/internal/audit"
	"repoguard.org/internal/auth"
	"repoguard.org/internal/faults"
	"repoguard.org/internal/ids"
	"repoguard.org/internal/seal"
)

// Indicator types reported by DetectCopyIndicators.
const (
	IndicatorOriginalExists    = "ORIGINAL_EXISTS"
	IndicatorSuspiciousPath    = "SUSPICIOUS_PATH"
	IndicatorMultipleLocations = "MULTIPLE_LOCATIONS"
)

// Denial and detection reasons.
const (
	ReasonAuthorized         = "AUTHORIZED"
	ReasonTrustedPath        = "TRUSTED_PATH"
	ReasonUnapprovedDevice   = "UNAPPROVED_DEVICE"
	ReasonDeviceNotFound     = "DEVICE_NOT_FOUND"
	ReasonDeviceNotApproved  = "DEVICE_NOT_APPROVED"
	ReasonDeviceUserMismatch = "DEVICE_USER_MISMATCH"
	ReasonUserInactive       = "USER_INACTIVE"
	ReasonRecentSuspicious   = "RECENT_SUSPICIOUS_ACTIVITY"
	ReasonEncrypted          = "REPOSITORY_ENCRYPTED"
	ReasonBlocked            = "ACCESS_BLOCKED"
)

// Access actions.
const (
	ActionBlock           = "BLOCK"
	ActionEncryptAndBlock = "ENCRYPT_AND_BLOCK"
	ActionEncryptAndAlert = "ENCRYPT_AND_ALERT"
)

const lookback = 24 * time.Hour

// suspiciousPaths match removable media, temporary and personal folders.
var suspiciousPaths = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/mnt/[a-z]`),
	regexp.MustCompile(`(?i)^[D-Z]:\\`),
	regexp.MustCompile(`(?i)/tmp/`),
	regexp.MustCompile(`(?i)/temp/`),
	regexp.MustCompile(`(?i)/Downloads/`),
	regexp.MustCompile(`(?i)/Desktop/`),
	regexp.MustCompile(`(?i)removable`),
	regexp.MustCompile(`(?i)usb`),
}

// SuspiciousPath reports whether p looks like removable or scratch storage.
func SuspiciousPath(p string) bool {
	for _, re := range suspiciousPaths {
		if re.MatchString(p) {
			return true
		}
	}
	return false
}

// Indicator is one piece of evidence that a repository was copied.
type Indicator struct {
	Type      string
	Message   string
	Locations []string
}

// CopyReport is the result of the copy heuristic.
type CopyReport struct {
	Detected   bool
	Indicators []Indicator
	RiskLevel  activity.RiskLevel
}

// Types lists the indicator types in detection order.
func (r CopyReport) Types() []string {
	out := make([]string, len(r.Indicators))
	for i, ind := range r.Indicators {
		out[i] = ind.Type
	}
	return out
}

// DetectCopyIndicators applies the repository-copy heuristic to a working
// tree location. One indicator is HIGH risk, two or more CRITICAL.
func (o *Orchestrator) DetectCopyIndicators(ctx context.Context, repositoryID, repositoryPath, originalLocation string) (CopyReport, error) {
	var report CopyReport
	if originalLocation != "" && normalizePath(originalLocation) != normalizePath(repositoryPath) {
		if _, err := os.Stat(originalLocation); err == nil {
			report.Indicators = append(report.Indicators, Indicator{
				Type:      IndicatorOriginalExists,
				Message:   "Original repository location still exists",
				Locations: []string{originalLocation, repositoryPath},
			})
		}
	}
	if SuspiciousPath(repositoryPath) {
		report.Indicators = append(report.Indicators, Indicator{
			Type:      IndicatorSuspiciousPath,
			Message:   "Repository path matches suspicious pattern",
			Locations: []string{repositoryPath},
		})
	}

	recent, err := o.Activities.List(ctx, activity.Query{
		RepositoryID: repositoryID,
		Types:        []activity.Type{activity.TypeClone, activity.TypeAccess},
		Since:        o.now().Add(-lookback),
	})
	if err != nil {
		return CopyReport{}, fmt.Errorf("containment: recent activity of %s: %w", repositoryID, err)
	}
	seen := make(map[string]struct{})
	var locations []string
	for _, e := range recent {
		p := e.RepositoryPath()
		if p == "" {
			continue
		}
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			locations = append(locations, p)
		}
	}
	if len(locations) > 1 {
		report.Indicators = append(report.Indicators, Indicator{
			Type:      IndicatorMultipleLocations,
			Message:   "Repository accessed from multiple locations",
			Locations: locations,
		})
	}

	report.Detected = len(report.Indicators) > 0
	switch {
	case len(report.Indicators) >= 2:
		report.RiskLevel = activity.RiskCritical
	case len(report.Indicators) == 1:
		report.RiskLevel = activity.RiskHigh
	default:
		report.RiskLevel = activity.RiskLow
	}
	return report, nil
}

// MovementRequest describes a working tree observed on a device.
type MovementRequest struct {
	UserID           string
	DeviceID         string
	RepositoryID     string
	RepositoryPath   string
	OriginalLocation string
	Operation        activity.Type
}

// MovementResult reports whether a repository was moved or copied without
// authorization and what containment did about it.
type MovementResult struct {
	Detected    bool
	Authorized  bool
	Reason      string
	Action      string
	RiskLevel   activity.RiskLevel
	Indicators  []Indicator
	AlertID     string
	ActivityID  string
	Containment *Result
}

// DetectUnauthorizedMovement checks a repository location. Trusted paths are
// always authorized; an unapproved device or any copy indicator contains the
// repository.
func (o *Orchestrator) DetectUnauthorizedMovement(ctx context.Context, req MovementRequest) (MovementResult, error) {
	trusted, err := o.IsTrustedPath(ctx, req.RepositoryID, req.RepositoryPath)
	if err != nil {
		return MovementResult{}, err
	}
	if trusted {
		return MovementResult{Authorized: true, Reason: ReasonTrustedPath}, nil
	}

	dev, err := o.Directory.Device(ctx, req.DeviceID)
	if err != nil && !errors.Is(err, faults.ErrNotFound) {
		return MovementResult{}, err
	}
	if err != nil || dev.Status != auth.DeviceApproved {
		res := MovementResult{
			Detected:  true,
			Reason:    ReasonUnapprovedDevice,
			Action:    ActionEncryptAndAlert,
			RiskLevel: activity.RiskCritical,
		}
		return o.handleUnauthorized(ctx, req, res, alert.TypeUnauthorizedDevice)
	}

	report, err := o.DetectCopyIndicators(ctx, req.RepositoryID, req.RepositoryPath, req.OriginalLocation)
	if err != nil {
		return MovementResult{}, err
	}
	if !report.Detected {
		return MovementResult{Authorized: true, Reason: ReasonAuthorized, RiskLevel: activity.RiskLow}, nil
	}
	res := MovementResult{
		Detected:   true,
		Reason:     report.Indicators[0].Type,
		Action:     ActionEncryptAndAlert,
		RiskLevel:  report.RiskLevel,
		Indicators: report.Indicators,
	}
	return o.handleUnauthorized(ctx, req, res, alert.TypeRepoCopyDetected)
}

// handleUnauthorized records the access attempt, raises one critical alert
// and contains the repository.
func (o *Orchestrator) handleUnauthorized(ctx context.Context, req MovementRequest, res MovementResult, typ alert.Type) (MovementResult, error) {
	indicators := CopyReport{Indicators: res.Indicators}.Types()
	e, err := o.Activities.Append(ctx, activity.Event{
		UserID:       req.UserID,
		DeviceID:     req.DeviceID,
		Type:         activity.TypeUnauthorizedAccess,
		RepositoryID: req.RepositoryID,
		Details: activity.UnauthorizedAccess{
			RepositoryPath: req.RepositoryPath,
			Reason:         res.Reason,
			Indicators:     indicators,
			RiskLevel:      string(res.RiskLevel),
		},
		Timestamp:    o.now(),
		IsSuspicious: true,
		RiskLevel:    activity.RiskCritical,
	})
	if err != nil {
		return res, fmt.Errorf("containment: record unauthorized access: %w", err)
	}
	res.ActivityID = e.ID

	det := alert.Repository{
		RepositoryID:   req.RepositoryID,
		RepositoryPath: req.RepositoryPath,
		Reason:         res.Reason,
		Indicators:     indicators,
		RiskLevel:      string(res.RiskLevel),
		IncidentID:     ids.Incident(),
	}
	a, err := o.Alerts.Create(ctx, alert.Alert{
		ActivityID: e.ID,
		UserID:     req.UserID,
		Type:       typ,
		Severity:   alert.SeverityCritical,
		Message:    "Unauthorized repository access detected: " + res.Reason,
		Details:    det,
		CreatedAt:  o.now(),
	})
	if err != nil {
		return res, fmt.Errorf("containment: unauthorized access alert: %w", err)
	}
	res.AlertID = a.ID

	cr, err := o.contain(ctx, containRequest{
		alert:            a,
		repo:             det,
		actor:            req.UserID,
		action:           audit.ActionUnauthorizedAccess,
		originalLocation: req.OriginalLocation,
	})
	if err != nil {
		return res, err
	}
	res.Containment = &cr
	return res, nil
}

// DeviceDecision is the result of the device fast path.
type DeviceDecision struct {
	Authorized      bool
	Reason          string
	SuspiciousCount int
}

// CheckDeviceAccess decides whether a device gets transparent access to a
// contained repository without going through the anomaly pipeline.
func (o *Orchestrator) CheckDeviceAccess(ctx context.Context, deviceID, userID string) (DeviceDecision, error) {
	dev, err := o.Directory.Device(ctx, deviceID)
	if errors.Is(err, faults.ErrNotFound) {
		return DeviceDecision{Reason: ReasonDeviceNotFound}, nil
	}
	if err != nil {
		return DeviceDecision{}, err
	}
	if dev.Status != auth.DeviceApproved {
		return DeviceDecision{Reason: ReasonDeviceNotApproved}, nil
	}
	if dev.UserID != userID {
		return DeviceDecision{Reason: ReasonDeviceUserMismatch}, nil
	}
	u, err := o.Directory.User(ctx, userID)
	if errors.Is(err, faults.ErrNotFound) || (err == nil && !u.IsActive) {
		return DeviceDecision{Reason: ReasonUserInactive}, nil
	}
	if err != nil {
		return DeviceDecision{}, err
	}
	recent, err := o.Activities.List(ctx, activity.Query{
		DeviceID:  deviceID,
		Since:     o.now().Add(-lookback),
		Suspicion: activity.OnlySuspicious,
	})
	if err != nil {
		return DeviceDecision{}, err
	}
	if len(recent) > 0 {
		return DeviceDecision{Reason: ReasonRecentSuspicious, SuspiciousCount: len(recent)}, nil
	}
	return DeviceDecision{Authorized: true, Reason: ReasonAuthorized}, nil
}

// AccessDecision is the result of a repository access check.
type AccessDecision struct {
	Allowed bool
	Reason  string
	Action  string
}

// CheckRepositoryAccess gates access to a working tree on its markers and
// the requesting device.
func (o *Orchestrator) CheckRepositoryAccess(ctx context.Context, repositoryID, deviceID, repositoryPath string) (AccessDecision, error) {
	if repositoryPath == "" {
		repo, err := o.Repositories.Get(ctx, repositoryID)
		if err != nil {
			return AccessDecision{}, err
		}
		repositoryPath = repo.Path
	}
	if seal.IsTreeSealed(repositoryPath) {
		return AccessDecision{Reason: ReasonEncrypted, Action: ActionBlock}, nil
	}
	if seal.IsBlocked(repositoryPath) {
		return AccessDecision{Reason: ReasonBlocked, Action: ActionBlock}, nil
	}
	dev, err := o.Directory.Device(ctx, deviceID)
	if errors.Is(err, faults.ErrNotFound) {
		return AccessDecision{Reason: ReasonDeviceNotFound, Action: ActionEncryptAndBlock}, nil
	}
	if err != nil {
		return AccessDecision{}, err
	}
	if dev.Status != auth.DeviceApproved {
		return AccessDecision{Reason: ReasonDeviceNotApproved, Action: ActionEncryptAndBlock}, nil
	}
	u, err := o.Directory.User(ctx, dev.UserID)
	if errors.Is(err, faults.ErrNotFound) || (err == nil && !u.IsActive) {
		return AccessDecision{Reason: ReasonUserInactive, Action: ActionEncryptAndBlock}, nil
	}
	if err != nil {
		return AccessDecision{}, err
	}
	return AccessDecision{Allowed: true, Reason: ReasonAuthorized}, nil
}

// TransferRequest describes a move between two locations.
type TransferRequest struct {
	UserID       string
	DeviceID     string
	RepositoryID string
	Source       string
	Target       string
}

// VerifyAuthorizedTransfer authorizes a transfer when both ends are trusted
// and records it as an access activity.
func (o *Orchestrator) VerifyAuthorizedTransfer(ctx context.Context, req TransferRequest) (bool, error) {
	repo, err := o.Repositories.Get(ctx, req.RepositoryID)
	if errors.Is(err, faults.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !repo.Trusts(req.Source) || !repo.Trusts(req.Target) {
		return false, nil
	}
	_, err = o.Activities.Append(ctx, activity.Event{
		UserID:       req.UserID,
		DeviceID:     req.DeviceID,
		Type:         activity.TypeAccess,
		RepositoryID: req.RepositoryID,
		Details: activity.Other{
			"action":         "AUTHORIZED_TRANSFER",
			"sourceLocation": req.Source,
			"targetLocation": req.Target,
		},
		Timestamp: o.now(),
		RiskLevel: activity.RiskLow,
	})
	if err != nil {
		return false, fmt.Errorf("containment: record transfer: %w", err)
	}
	return true, nil
}

// IsTrustedPath reports whether p is inside a trusted path of the
// repository. Unknown repositories trust nothing.
func (o *Orchestrator) IsTrustedPath(ctx context.Context, repositoryID, p string) (bool, error) {
	repo, err := o.Repositories.Get(ctx, repositoryID)
	if errors.Is(err, faults.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return repo.Trusts(p), nil
}

// AddTrustedPath adds a normalized path to the repository's trusted set.
func (o *Orchestrator) AddTrustedPath(ctx context.Context, repositoryID, p string) ([]string, error) {
	return o.editTrustedPaths(ctx, repositoryID, func(paths []string) []string {
		np := normalizePath(p)
		for _, existing := range paths {
			if existing == np {
				return paths
			}
		}
		return append(paths, np)
	})
}

// RemoveTrustedPath drops a path from the repository's trusted set.
func (o *Orchestrator) RemoveTrustedPath(ctx context.Context, repositoryID, p string) ([]string, error) {
	return o.editTrustedPaths(ctx, repositoryID, func(paths []string) []string {
		np := normalizePath(p)
		out := paths[:0]
		for _, existing := range paths {
			if existing != np {
				out = append(out, existing)
			}
		}
		return out
	})
}

func (o *Orchestrator) editTrustedPaths(ctx context.Context, repositoryID string, edit func([]string) []string) ([]string, error) {
	unlock := o.locks.Lock(repositoryID)
	defer unlock()
	repo, err := o.Repositories.Get(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	repo.TrustedPaths = edit(repo.TrustedPaths)
	repo.UpdatedAt = o.now()
	if err := o.Repositories.Save(ctx, repo); err != nil {
		return nil, err
	}
	return repo.TrustedPaths, nil
}
