package anomaly

import (
	"context"
	"sort"
	"sync"
	"time"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/ids"
)

// Filter selects detections for history views.
type Filter struct {
	UserID   string
	Since    time.Time
	Until    time.Time
	Severity activity.RiskLevel
	Limit    int
}

// Store persists detections and their automated responses.
type Store interface {
	CreateDetection(ctx context.Context, d Detection) (Detection, error)
	GetDetection(ctx context.Context, id string) (Detection, error)
	ReviewDetection(ctx context.Context, id, reviewer string, falsePositive bool, at time.Time) (Detection, error)
	ListDetections(ctx context.Context, f Filter) ([]Detection, error)
	SaveResponse(ctx context.Context, r Response) (Response, error)
	ListResponses(ctx context.Context, detectionID string) ([]Response, error)
}

// InMemory implements Store.
type InMemory struct {
	mu         sync.RWMutex
	detections map[string]Detection
	responses  map[string]Response
	now        func() time.Time
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		detections: make(map[string]Detection),
		responses:  make(map[string]Response),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemory) CreateDetection(ctx context.Context, d Detection) (Detection, error) {
	if d.ID == "" {
		d.ID = ids.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d.Signals = append([]Signal(nil), d.Signals...)
	s.detections[d.ID] = d
	return d, nil
}

func (s *InMemory) GetDetection(ctx context.Context, id string) (Detection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.detections[id]
	if !ok {
		return Detection{}, ErrNotFound
	}
	return d, nil
}

func (s *InMemory) ReviewDetection(ctx context.Context, id, reviewer string, falsePositive bool, at time.Time) (Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.detections[id]
	if !ok {
		return Detection{}, ErrNotFound
	}
	if d.IsReviewed {
		return d, ErrAlreadyReviewed
	}
	d.IsReviewed = true
	d.ReviewedBy = reviewer
	d.ReviewedAt = at
	d.IsFalsePositive = falsePositive
	s.detections[id] = d
	return d, nil
}

func (s *InMemory) ListDetections(ctx context.Context, f Filter) ([]Detection, error) {
	lo, hi := ScoreBand(f.Severity)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Detection
	for _, d := range s.detections {
		if f.UserID != "" && d.UserID != f.UserID {
			continue
		}
		if !f.Since.IsZero() && d.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && d.CreatedAt.After(f.Until) {
			continue
		}
		if d.Score < lo || d.Score >= hi {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *InMemory) SaveResponse(ctx context.Context, r Response) (Response, error) {
	if r.ID == "" {
		r.ID = ids.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[r.ID] = r
	return r, nil
}

func (s *InMemory) ListResponses(ctx context.Context, detectionID string) ([]Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Response
	for _, r := range s.responses {
		if r.DetectionID == detectionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
