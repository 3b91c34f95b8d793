package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ci-forge/engine/internal/cache"
	"github.com/ci-forge/engine/internal/config"
	"github.com/ci-forge/engine/internal/engine"
	"github.com/ci-forge/engine/internal/forge/github"
	"github.com/ci-forge/engine/internal/livelog"
	"github.com/ci-forge/engine/internal/logx"
	"github.com/ci-forge/engine/internal/metrics"
	"github.com/ci-forge/engine/internal/sandbox/docker"
	"github.com/ci-forge/engine/internal/store"
	"github.com/ci-forge/engine/internal/store/gitstore"
	"github.com/ci-forge/engine/internal/store/memstore"
	"github.com/ci-forge/engine/internal/webapi"
)

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	addr, _ := cmd.Flags().GetString("addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logx.NewSlogAdapter(slog.Default())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.Register(reg)
	if err != nil {
		return fmt.Errorf("ciengine: registering metrics: %w", err)
	}

	token, err := cfg.GitHub.GitHubToken()
	if err != nil {
		return err
	}
	bridge := github.New(ctx, token)

	// docker.New has no host parameter of its own; it reads DOCKER_HOST from
	// the ambient environment, so the configured host (if any) is threaded
	// through that way.
	if cfg.Sandbox.DockerHost != "" {
		if err := os.Setenv("DOCKER_HOST", cfg.Sandbox.DockerHost); err != nil {
			return fmt.Errorf("ciengine: setting DOCKER_HOST: %w", err)
		}
	}
	exec, err := docker.New()
	if err != nil {
		return fmt.Errorf("ciengine: connecting to docker: %w", err)
	}

	backingStore, err := newStore(cfg.Store)
	if err != nil {
		return err
	}
	connector := func(ctx context.Context) (store.Store, error) { return backingStore, nil }

	livelogs := livelog.New()
	buildCache := cache.New(backingStore, livelogs, m)

	projects, err := resolveProjects(cfg.Projects)
	if err != nil {
		return err
	}
	canaries, err := resolveCanaries(cfg.Canaries)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		WebBaseURL:       cfg.WebBaseURL,
		StoreConnector:   connector,
		Projects:         projects,
		Canaries:         canaries,
		ReconnectBackoff: cfg.ReconnectBackoff,
		Logger:           logger,
		MirrorLogger:     slog.Default(),
		Metrics:          m,
		Forge:            bridge,
		Cache:            buildCache,
		Sandbox:          exec,
		Livelogs:         livelogs,
	})
	if err != nil {
		return fmt.Errorf("ciengine: constructing engine: %w", err)
	}

	apiServer := webapi.New(eng, livelogs)
	httpServer := &http.Server{Addr: addr, Handler: apiServer}
	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("ciengine: web api listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("ciengine: metrics listening", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = metricsServer.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newStore builds the single Store instance this process runs against. Both
// the engine's metadata mirror and the build cache are backed by the same
// instance, so cache entries and job metadata share one persistence
// lifetime and the same reconnect behavior.
func newStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Kind {
	case config.StoreMemory:
		return memstore.New(), nil
	case config.StoreGit:
		// gitstore keeps its object database in memory regardless of
		// cfg.Path; there is no on-disk persistence in this backend yet
		// (internal/store/gitstore's own doc comment), so the configured
		// path is accepted but currently unused.
		return gitstore.New(), nil
	default:
		return nil, fmt.Errorf("ciengine: unsupported store kind %q", cfg.Kind)
	}
}

func resolveProjects(projects []config.Project) ([]engine.ProjectConfig, error) {
	out := make([]engine.ProjectConfig, 0, len(projects))
	for _, p := range projects {
		repo := store.Repo{User: p.User, Repo: p.Repo}
		id, err := store.NewProjectID(repo)
		if err != nil {
			return nil, fmt.Errorf("ciengine: project %s/%s: %w", p.User, p.Repo, err)
		}
		jobs, err := resolveTerms(repo, p.Terms)
		if err != nil {
			return nil, err
		}
		out = append(out, engine.ProjectConfig{ID: id, Jobs: jobs})
	}
	return out, nil
}

func resolveCanaries(canaries []config.Canary) (map[string]map[string]bool, error) {
	if len(canaries) == 0 {
		return nil, nil
	}
	out := make(map[string]map[string]bool, len(canaries))
	for _, c := range canaries {
		id, err := store.NewProjectID(store.Repo{User: c.User, Repo: c.Repo})
		if err != nil {
			return nil, fmt.Errorf("ciengine: canary %s/%s: %w", c.User, c.Repo, err)
		}
		set := make(map[string]bool, len(c.TargetIDs))
		for _, t := range c.TargetIDs {
			set[t] = true
		}
		out[id.String()] = set
	}
	return out, nil
}

const shutdownGrace = 10 * time.Second
