package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"repoguard.org/internal/app"
	"repoguard.org/internal/config"
	"repoguard.org/internal/httpapi"
	"repoguard.org/internal/notify"
	"repoguard.org/internal/obs"
	"repoguard.org/internal/watcher"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("REPOGUARD_CONFIG"), "path to a TOML or YAML config file")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("dotenv: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	core, err := app.Open(cfg)
	if err != nil {
		log.Fatalf("open: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	probe := httpapi.NewReadyProbe(core.Stores.Probes())
	api := httpapi.New(probe, version, core.Hub)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthService(probe)
	gs := grpc.NewServer()
	health.Register(gs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		obs.Info("http listening", map[string]any{"addr": srv.Addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		obs.Info("grpc listening", map[string]any{"addr": cfg.GRPC.Addr})
		return gs.Serve(lis)
	})
	g.Go(func() error {
		health.Run(gctx, 5*time.Second)
		return nil
	})
	if repos := watched(cfg); len(repos) > 0 {
		w := watcher.New(core.Integrity, repos,
			watcher.WithExcludedDirs(cfg.Containment.ExcludedDirs...),
			watcher.WithDebounce(cfg.Debounce()))
		g.Go(func() error { return w.Run(gctx) })
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case c := <-w.Events():
					core.Hub.Publish(notify.Notification{
						Topic:        notify.TopicIntegrity,
						Severity:     "INFO",
						Title:        "Commit registered",
						Message:      c.CommitHash,
						RepositoryID: c.RepositoryID,
						Timestamp:    c.At,
					})
				}
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		gs.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if cerr := core.Close(); cerr != nil {
		obs.Warn("close stores", map[string]any{"error": cerr.Error()})
	}
	if err != nil {
		obs.Error("server stopped", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	obs.Info("stopped", nil)
}

func watched(cfg *config.Config) []watcher.Repository {
	out := make([]watcher.Repository, 0, len(cfg.Watch.Repositories))
	for _, r := range cfg.Watch.Repositories {
		out = append(out, watcher.Repository{ID: r.ID, Path: r.Path})
	}
	return out
}
