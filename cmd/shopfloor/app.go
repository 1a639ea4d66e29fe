package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mpataki/shopfloor/internal/config"
	"github.com/mpataki/shopfloor/internal/durable"
	"github.com/mpataki/shopfloor/internal/logging"
	"github.com/mpataki/shopfloor/internal/model"
	"github.com/mpataki/shopfloor/internal/models"
	"github.com/mpataki/shopfloor/internal/orchestration"
	"github.com/mpataki/shopfloor/internal/orchestrator"
	"github.com/mpataki/shopfloor/internal/sandbox"
	"github.com/mpataki/shopfloor/internal/storage"
	"github.com/mpataki/shopfloor/internal/team"
	"github.com/mpataki/shopfloor/internal/telemetry"
	"github.com/mpataki/shopfloor/internal/tools"
)

// app is everything a command needs, built from config.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store *storage.Storage
	orch  *orchestrator.Orchestrator
	pool  *sandbox.Pool[*sandbox.Sandbox]
	nc    *nats.Conn

	shutdownTracing func(context.Context) error
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	_ = godotenv.Load()

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return cfg, nil
}

// openStore is enough for commands that only read the log.
func openStore(cmd *cobra.Command) (*config.Config, *storage.Storage, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return cfg, store, nil
}

func setup(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if repo, _ := cmd.Flags().GetString("repo"); repo != "" {
		cfg.SourceRepo = repo
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}

	a.shutdownTracing, err = telemetry.Setup(ctx, telemetry.Config{
		ServiceName: "shopfloor",
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, err
	}

	a.store, err = storage.New(cfg.DBPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	engine := durable.New(a.store, log,
		durable.WithTracer(telemetry.Tracer()),
		durable.WithRetryPolicy(durable.RetryPolicy{
			MaxAttempts:     uint(max(cfg.Retry.MaxAttempts, 1)),
			InitialInterval: cfg.Retry.InitialInterval.Duration,
			MaxInterval:     cfg.Retry.MaxInterval.Duration,
			Timeout:         cfg.Retry.ActivityTimeout.Duration,
		}),
		durable.WithActivityTimeout(orchestration.ActivityInvokeRemoteAgent, cfg.NATS.InvokeTimeout.Duration),
	)

	var ws tools.Workspaces
	var wsDir string
	switch cfg.Backend {
	case config.BackendLocal:
		wsDir = cfg.WorkspacesDir()
		ws = tools.NewLocalWorkspaces(wsDir, cfg.SourceRepo, cfg.Sandbox.CommandTimeout.Duration)
	default:
		mgr, err := newSandboxManager(cfg, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		sws := tools.NewSandboxWorkspaces(mgr, sandbox.PoolOptions{
			IdleTTL:       cfg.Sandbox.IdleTTL.Duration,
			SweepInterval: cfg.Sandbox.SweepInterval.Duration,
		}, log)
		a.pool = sws.Pool()
		go a.pool.Run(ctx)
		ws = sws
	}

	var invoker orchestration.RemoteInvoker
	if cfg.NATS.URL != "" {
		a.nc, err = nats.Connect(cfg.NATS.URL, nats.Name("shopfloor"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		invoker = orchestration.NewNATSInvoker(a.nc, cfg.NATS.InvokeTimeout.Duration)
	}

	a.orch = orchestrator.New(engine, orchestrator.Options{
		Model: model.NewOpenAIClient(model.OpenAIConfig{
			APIKey:    cfg.Model.APIKey,
			BaseURL:   cfg.Model.BaseURL,
			Model:     cfg.Model.Model,
			MaxTokens: cfg.Model.MaxTokens,
		}),
		Tools:         tools.NewRegistry(cfg.AutoApprove),
		Workspaces:    ws,
		WorkspaceDir:  wsDir,
		Teams:         a.loadTeam,
		Invoker:       invoker,
		LocalAppID:    cfg.NATS.AppID,
		SystemPrompt:  cfg.SystemPrompt,
		MaxIterations: cfg.MaxIterations,
	}, log)
	return a, nil
}

func (a *app) loadTeam(ref string) (*models.Team, error) {
	return team.Load(ref, a.cfg.TeamDirs())
}

// teamRef makes a path argument absolute so a later resume from another
// directory finds the same file.
func teamRef(ref string) string {
	if _, err := os.Stat(ref); err != nil {
		return ref
	}
	abs, err := filepath.Abs(ref)
	if err != nil {
		return ref
	}
	return abs
}

func newSandboxManager(cfg *config.Config, log *zap.Logger) (*sandbox.Manager, error) {
	cp, err := sandbox.NewKubeControlPlane(cfg.Sandbox.Kubeconfig)
	if err != nil {
		return nil, err
	}
	return sandbox.NewManager(cp, sandbox.Options{
		Namespace:           cfg.Sandbox.Namespace,
		Template:            cfg.Sandbox.Template,
		WorkDir:             cfg.Sandbox.WorkDir,
		ClaimPrefix:         cfg.Sandbox.ClaimPrefix,
		ProvisioningTimeout: cfg.Sandbox.ProvisioningTimeout.Duration,
		PollInterval:        cfg.Sandbox.PollInterval.Duration,
		CommandTimeout:      cfg.Sandbox.CommandTimeout.Duration,
	}, log), nil
}

func (a *app) Close() {
	ctx := context.Background()
	if a.pool != nil {
		a.pool.Close(ctx)
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.log.Warn("failed to flush traces", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}
