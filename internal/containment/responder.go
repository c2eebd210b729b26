package containment

import (
	"context"
	"errors"
	"fmt"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/alert"
	"repoguard.org/internal/anomaly"
	"repoguard.org/internal/faults"
	"repoguard.org/internal/integrity"
	"repoguard.org/internal/notify"
)

var (
	_ anomaly.Responder   = (*Orchestrator)(nil)
	_ integrity.Escalator = (*Orchestrator)(nil)
)

// Execute carries out one automated response to an anomaly. Every response
// raises a SUSPICIOUS_ACTIVITY alert; suspend and encrypt also act on the
// repository the activity touched.
func (o *Orchestrator) Execute(ctx context.Context, action anomaly.ResponseType, in anomaly.Incident) error {
	e := in.Event
	det := alert.Repository{
		RepositoryID:   e.RepositoryID,
		RepositoryPath: e.RepositoryPath(),
		Reason:         string(in.Detection.Type),
		RiskLevel:      string(in.Severity),
		AnomalyScore:   in.Detection.Score,
	}
	if det.RepositoryID != "" && det.RepositoryPath == "" {
		if repo, err := o.Repositories.Get(ctx, det.RepositoryID); err == nil {
			det.RepositoryPath = repo.Path
		}
	}
	sev := alert.SeverityWarning
	if in.Severity == activity.RiskCritical {
		sev = alert.SeverityCritical
	}
	a, err := o.Alerts.Create(ctx, alert.Alert{
		ActivityID: e.ID,
		UserID:     e.UserID,
		Type:       alert.TypeSuspiciousActivity,
		Severity:   sev,
		Message:    "Auto-response triggered: " + action.Describe(),
		Details:    det,
		CreatedAt:  o.now(),
	})
	if err != nil {
		return fmt.Errorf("containment: response alert: %w", err)
	}

	switch action {
	case anomaly.SuspendRepo:
		if det.RepositoryID == "" {
			return ErrMissingRepository
		}
		_, err := o.Transition(ctx, det.RepositoryID, EventSuspend, "", in.Detection.Description)
		if errors.Is(err, faults.ErrAlreadyInState) {
			return nil
		}
		return err
	case anomaly.EncryptRepo:
		_, err := o.TriggerContainment(ctx, a, &e)
		return err
	case anomaly.NotifyAdmin:
		return o.notifyAdmins(ctx, a, in)
	case anomaly.AlertOnly:
		return nil
	}
	return fmt.Errorf("containment: unknown response %q: %w", action, faults.ErrInvalidInput)
}

func (o *Orchestrator) notifyAdmins(ctx context.Context, a alert.Alert, in anomaly.Incident) error {
	admins, err := o.Directory.Admins(ctx)
	if err != nil {
		return fmt.Errorf("containment: list admins: %w", err)
	}
	recipients := make([]string, 0, len(admins))
	for _, u := range admins {
		if u.IsActive {
			recipients = append(recipients, u.Email)
		}
	}
	o.notify(ctx, notify.Notification{
		Topic:        notify.TopicAnomaly,
		Severity:     string(a.Severity),
		Title:        fmt.Sprintf("%s anomaly for %s", in.Severity, in.Event.UserID),
		Message:      in.Detection.Description,
		RepositoryID: in.Event.RepositoryID,
		Recipients:   recipients,
	})
	return nil
}
