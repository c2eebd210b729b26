// Package app assembles the containment core from configuration. The daemon
// and the operator CLI share it so both see the same stores and wiring.
package app

import (
	"context"
	"errors"
	"fmt"

	"repoguard.org/internal/activity"
	"repoguard.org/internal/alert"
	"repoguard.org/internal/anomaly"
	"repoguard.org/internal/audit"
	"repoguard.org/internal/auth"
	"repoguard.org/internal/baseline"
	"repoguard.org/internal/behavior"
	"repoguard.org/internal/config"
	"repoguard.org/internal/containment"
	"repoguard.org/internal/httpapi"
	"repoguard.org/internal/integrity"
	"repoguard.org/internal/monitor"
	"repoguard.org/internal/notify"
	"repoguard.org/internal/obs"
	"repoguard.org/internal/risk"
	"repoguard.org/internal/seal"
	"repoguard.org/internal/store/pg"
	"repoguard.org/internal/store/sqlite"
	"repoguard.org/internal/vault"
)

// DirectoryWriter adds users and devices to the directory.
type DirectoryWriter interface {
	PutUser(ctx context.Context, u auth.User) error
	PutDevice(ctx context.Context, dev auth.Device) error
}

// Stores is one persistence backend per core concern.
type Stores struct {
	Activities   activity.Store
	Baselines    baseline.Store
	Patterns     behavior.Store
	Detections   anomaly.Store
	Alerts       alert.Store
	Repositories containment.Store
	Hashes       integrity.Store
	Chain        audit.ChainStore
	Risk         risk.Store
	Tokens       vault.Store
	Directory    auth.Directory
	Users        DirectoryWriter

	probes  map[string]httpapi.Pinger
	closers []func() error
}

// OpenStores opens the backend selected by cfg.Store.Driver. The sqlite
// driver persists integrity hashes and the audit chain; every other concern
// stays in memory.
func OpenStores(cfg *config.Config) (*Stores, error) {
	s := memoryStores()
	switch cfg.Store.Driver {
	case "memory":
	case "postgres":
		db, err := pg.Open(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		dir := db.Directory()
		s.Activities = db.Activities()
		s.Baselines = db.Baselines()
		s.Patterns = db.Patterns()
		s.Detections = db.Detections()
		s.Alerts = db.Alerts()
		s.Repositories = db.Repositories()
		s.Hashes = db.Hashes()
		s.Chain = db.AuditChain()
		s.Risk = db.RiskScores()
		s.Tokens = db.Tokens()
		s.Directory = dir
		s.Users = dir
		s.probes["postgres"] = db
		s.closers = append(s.closers, db.Close)
	case "sqlite":
		db, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		s.Hashes = db.Hashes()
		s.Chain = db.Chain()
		s.probes["sqlite"] = db
		s.closers = append(s.closers, db.Close)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	obs.Info("stores opened", map[string]any{"driver": cfg.Store.Driver})
	return s, nil
}

func memoryStores() *Stores {
	dir := auth.NewInMemory()
	return &Stores{
		Activities:   activity.NewInMemory(),
		Baselines:    baseline.NewInMemory(),
		Patterns:     behavior.NewInMemory(),
		Detections:   anomaly.NewInMemory(),
		Alerts:       alert.NewInMemory(),
		Repositories: containment.NewInMemory(),
		Hashes:       integrity.NewInMemory(),
		Chain:        audit.NewMemoryChain(),
		Risk:         risk.NewInMemory(),
		Tokens:       vault.NewInMemory(),
		Directory:    dir,
		Users:        memDirectory{dir},
		probes:       make(map[string]httpapi.Pinger),
	}
}

// Probes returns the dependencies readiness checks should ping.
func (s *Stores) Probes() map[string]httpapi.Pinger {
	out := make(map[string]httpapi.Pinger, len(s.probes))
	for k, v := range s.probes {
		out[k] = v
	}
	return out
}

// Close releases every opened backend.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

type memDirectory struct{ *auth.InMemory }

func (d memDirectory) PutUser(ctx context.Context, u auth.User) error {
	d.InMemory.PutUser(u)
	return nil
}

func (d memDirectory) PutDevice(ctx context.Context, dev auth.Device) error {
	d.InMemory.PutDevice(dev)
	return nil
}

// App holds the wired core services.
type App struct {
	Config *config.Config
	Stores *Stores
	Hub    *notify.Hub

	Audit       *audit.Chain
	Learner     *baseline.Learner
	Scorer      *anomaly.Scorer
	Behavior    *behavior.Detector
	Containment *containment.Orchestrator
	Integrity   *integrity.Verifier
	Risk        *risk.Aggregator
	Vault       *vault.Vault
	Monitor     *monitor.Pipeline
}

// New wires the core services on top of stores.
func New(cfg *config.Config, stores *Stores) (*App, error) {
	loc := cfg.Location()
	hub := notify.NewHub(notify.WithRate(cfg.Notify.RatePerSec, cfg.Notify.Burst))
	chain := audit.NewChain(stores.Chain)

	sealer, err := seal.New([]byte(cfg.Containment.EncryptionKey),
		seal.WithMaxFileBytes(cfg.Containment.MaxFileBytes),
		seal.WithExcludedDirs(cfg.Containment.ExcludedDirs...))
	if err != nil {
		return nil, fmt.Errorf("containment sealer: %w", err)
	}
	vaultSealer, err := seal.New([]byte(cfg.Vault.MasterKey))
	if err != nil {
		return nil, fmt.Errorf("vault sealer: %w", err)
	}

	orch := containment.New(containment.Deps{
		Repositories: stores.Repositories,
		Alerts:       stores.Alerts,
		Activities:   stores.Activities,
		Audit:        chain,
		Notifier:     hub,
		Directory:    stores.Directory,
		Sealer:       sealer,
	})
	learner := baseline.NewLearner(stores.Activities, stores.Baselines, baseline.WithLocation(loc))
	scorer := anomaly.NewScorer(stores.Activities, stores.Baselines, learner, stores.Detections,
		anomaly.WithResponder(orch))
	detector := behavior.NewDetector(stores.Activities, stores.Patterns, stores.Detections,
		behavior.WithLocation(loc))

	return &App{
		Config:      cfg,
		Stores:      stores,
		Hub:         hub,
		Audit:       chain,
		Learner:     learner,
		Scorer:      scorer,
		Behavior:    detector,
		Containment: orch,
		Integrity:   integrity.NewVerifier(stores.Hashes, integrity.WithEscalator(orch)),
		Risk: risk.NewAggregator(stores.Activities, stores.Detections, stores.Risk, stores.Alerts, stores.Directory,
			risk.WithLocation(loc), risk.WithNotifier(hub)),
		Vault: vault.New(stores.Tokens, vaultSealer, stores.Alerts, chain,
			vault.WithNotifier(hub), vault.WithRotationDays(cfg.Vault.DefaultRotationDays)),
		Monitor: monitor.New(stores.Activities, scorer,
			monitor.WithAnalyzer(detector), monitor.WithMovementDetector(orch)),
	}, nil
}

// Open loads stores for cfg and wires the core on top of them.
func Open(cfg *config.Config) (*App, error) {
	stores, err := OpenStores(cfg)
	if err != nil {
		return nil, err
	}
	a, err := New(cfg, stores)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the stores.
func (a *App) Close() error { return a.Stores.Close() }
