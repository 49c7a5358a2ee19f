package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/audit"
	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/config"
	"github.com/oriole-systems/toolhub/pkg/configstore"
	"github.com/oriole-systems/toolhub/pkg/crypto"
	"github.com/oriole-systems/toolhub/pkg/database"
	"github.com/oriole-systems/toolhub/pkg/discovery"
	"github.com/oriole-systems/toolhub/pkg/handlers"
	"github.com/oriole-systems/toolhub/pkg/logging"
	"github.com/oriole-systems/toolhub/pkg/mcp"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/proxy"
	"github.com/oriole-systems/toolhub/pkg/registry"
	"github.com/oriole-systems/toolhub/pkg/repositories"
	"github.com/oriole-systems/toolhub/pkg/services"
	"github.com/oriole-systems/toolhub/pkg/tenancy"
	"github.com/oriole-systems/toolhub/pkg/workos"
	"github.com/oriole-systems/toolhub/ui"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "toolhub",
		Short:         "Multi-tenant MCP hub",
		Long:          "toolhub aggregates MCP tool servers behind a single endpoint with per-user credentials and per-agent toolkits.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}

	flags := root.Flags()
	flags.String("host", "", "bind address (overrides TOOLHUB_HOST)")
	flags.String("port", "", "bind port (overrides TOOLHUB_PORT)")
	flags.String("database-path", "", "SQLite database path (overrides TOOLHUB_DATABASE_PATH)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command) error {
	cfg, err := config.Load(Version)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		cfg.Host = v
	}
	if v, _ := cmd.Flags().GetString("port"); v != "" {
		cfg.Port = v
	}
	if v, _ := cmd.Flags().GetString("database-path"); v != "" {
		cfg.DatabasePath = v
	}

	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.RunMigrations(cfg.DatabasePath, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	db, err := database.NewConnection(ctx, &database.Config{Path: cfg.DatabasePath})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	// Repositories.
	systemConfigRepo := repositories.NewSystemConfigRepository(db)
	settingsRepo := repositories.NewSettingsRepository(db)
	workspaceRepo := repositories.NewWorkspaceRepository(db)
	userRepo := repositories.NewUserRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	credentialRepo := repositories.NewCredentialRepository(db)
	userToolRepo := repositories.NewUserToolRepository(db)
	toolRegistryRepo := repositories.NewToolRegistryRepository(db)
	baseFolderRepo := repositories.NewBaseFolderRepository(db)
	projectRepo := repositories.NewProjectRepository(db)
	projectToolRepo := repositories.NewProjectToolRepository(db)
	agentRepo := repositories.NewAgentRepository(db)
	auditRepo := repositories.NewAuditRepository(db)

	sealer, err := bootstrapSealer(ctx, systemConfigRepo)
	if err != nil {
		return fmt.Errorf("failed to bootstrap encryption: %w", err)
	}

	store := configstore.NewStore(systemConfigRepo, settingsRepo, sealer, logger)

	recorder := audit.NewRecorder(auditRepo, audit.DefaultBufferSize, logger)
	defer recorder.Close()

	reg, err := registry.New(logger)
	if err != nil {
		return fmt.Errorf("failed to load tool registry: %w", err)
	}
	if err := reg.SyncMirror(ctx, toolRegistryRepo); err != nil {
		return fmt.Errorf("failed to mirror tool registry: %w", err)
	}

	// Auth.
	authKey, err := cookieAuthKey(ctx, store)
	if err != nil {
		return fmt.Errorf("failed to load cookie auth key: %w", err)
	}
	secureCookies := cfg.Env != "local"
	sessionManager := auth.NewSessionManager(sessionRepo, userRepo, authKey, secureCookies, logger)
	sessionManager.StartGC(ctx, time.Hour)

	workosClient := workos.NewClient(logger)
	states := auth.NewStateStore(0)
	localAuth := auth.NewLocalAuthenticator(store, workspaceRepo, userRepo, logger)
	workosAuth := auth.NewWorkOSAuthenticator(workosClient, store, states, workspaceRepo, userRepo, logger)

	authMiddleware := auth.NewMiddleware(sessionManager, nil, localAuth, userRepo, workspaceRepo, logger)
	if err := installVerifier(ctx, store, workosClient, authMiddleware, logger); err != nil {
		return err
	}

	// Services.
	modeService := services.NewModeService(store, workspaceRepo, userRepo, workosClient, recorder, logger)
	vaultService := services.NewVaultService(credentialRepo, sealer, store, states, recorder, logger)
	activationService := services.NewActivationService(userToolRepo, reg, vaultService, sealer, recorder, logger)
	statsService := services.NewStatsService(db)

	// Proxy and hub.
	sessionCache := proxy.NewSessionCache(0, 0, logger)
	p := proxy.NewProxy(reg, activationService, vaultService, userToolRepo, agentRepo, projectToolRepo, sessionCache, recorder, Version, logger)
	defer p.Close()
	if raw, err := store.GetStringDefault(ctx, models.SettingChildCallTimeout, ""); err == nil && raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil {
			p.SetCallTimeout(time.Duration(seconds) * time.Second)
		} else {
			logger.Warn("Ignoring malformed child_call_timeout_seconds setting", zap.String("value", raw))
		}
	}
	hub := mcp.NewHub(p, Version, logger)

	// Discovery.
	scanner := discovery.NewScanner("", 0, logger)
	discoveryService := discovery.NewService(db, baseFolderRepo, projectRepo, agentRepo, scanner, database.NewScanPool(2), recorder, logger)
	watcher, err := discovery.NewWatcher(discoveryService, "", logger)
	if err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	defer watcher.Close()
	watchKnownProjects(ctx, workspaceRepo, projectRepo, watcher, logger)

	resolver := tenancy.NewResolver(projectRepo, baseFolderRepo, agentRepo)

	// A tool change must drop both the upstream connection and the cached
	// per-user MCP server so the next listing reflects it.
	invalidate := func(principal *auth.Principal, toolName string) {
		p.Invalidate(principal.UserID, toolName)
		hub.Invalidate(principal.UserID)
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Health:      handlers.NewHealthHandler(Version, logger),
		Setup:       handlers.NewSetupHandler(modeService, logger),
		Auth:        handlers.NewAuthHandler(sessionManager, localAuth, workosAuth, logger),
		Tools:       handlers.NewToolsHandler(activationService, vaultService, reg, invalidate, logger),
		Credentials: handlers.NewCredentialsHandler(vaultService, logger),
		Discovery:   handlers.NewDiscoveryHandler(discoveryService, watcher, resolver, projectRepo, agentRepo, projectToolRepo, logger),
		Audit:       handlers.NewAuditHandler(auditRepo, logger),
		Workspace:   handlers.NewWorkspaceHandler(workspaceRepo, userRepo, statsService, logger),
		MCP:         handlers.NewMCPHandler(hub, logger),

		AuthMiddleware: authMiddleware,
		Modes:          modeService,
		UI:             ui.DistFS(),
		SecureCookies:  secureCookies,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting toolhub",
			zap.String("addr", cfg.ListenAddr()),
			zap.String("version", Version),
			zap.String("env", cfg.Env),
			zap.String("database", cfg.DatabasePath))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down cleanly: %w", err)
	}
	return nil
}

// bootstrapSealer loads the singleton system_config row, creating it with a
// fresh salt on first boot, and derives the machine-bound sealer from it.
// Concurrent first boots race on the INSERT; the loser re-reads the winner's
// row so both end up with the same salt.
func bootstrapSealer(ctx context.Context, repo repositories.SystemConfigRepository) (*crypto.Sealer, error) {
	sysCfg, err := repo.Get(ctx)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			return nil, err
		}
		salt, err := crypto.NewSalt()
		if err != nil {
			return nil, err
		}
		create := &models.SystemConfig{AppMode: models.ModeUnconfigured, EncryptionSalt: salt}
		if err := repo.Create(ctx, create); err != nil && !apperrors.Is(err, apperrors.KindConflict) {
			return nil, err
		}
		if sysCfg, err = repo.Get(ctx); err != nil {
			return nil, err
		}
	}
	return crypto.NewSealer(sysCfg.EncryptionSalt)
}

// cookieAuthKey returns the persisted session cookie signing key, minting one
// on first boot. Persisting it keeps sessions valid across restarts.
func cookieAuthKey(ctx context.Context, store *configstore.Store) ([]byte, error) {
	encoded, err := store.GetStringDefault(ctx, models.SettingCookieAuthKey, "")
	if err != nil {
		return nil, err
	}
	if encoded != "" {
		return hex.DecodeString(encoded)
	}
	key, err := auth.NewCookieAuthKey()
	if err != nil {
		return nil, err
	}
	if err := store.Set(ctx, models.SettingCookieAuthKey, hex.EncodeToString(key), true); err != nil {
		return nil, err
	}
	return key, nil
}

// installVerifier wires the JWKS bearer verifier when the deployment is
// already in WORKOS mode. After an in-place upgrade to WORKOS a restart
// picks the verifier up; browser sessions work either way.
func installVerifier(ctx context.Context, store *configstore.Store, client *workos.Client, mw *auth.Middleware, logger *zap.Logger) error {
	mode, err := store.Mode(ctx)
	if err != nil {
		return fmt.Errorf("failed to read app mode: %w", err)
	}
	if mode != models.ModeWorkOS {
		return nil
	}
	clientID, err := store.GetString(ctx, models.SettingWorkOSClientID)
	if err != nil {
		return fmt.Errorf("failed to read WorkOS client id: %w", err)
	}
	verifier, err := auth.NewJWKSVerifier(client.JWKSURL(clientID))
	if err != nil {
		return fmt.Errorf("failed to start JWKS verifier: %w", err)
	}
	mw.SetVerifier(verifier)
	return nil
}

// watchKnownProjects re-arms the file watcher for every project already in
// the database. Failures are logged and skipped; a scan re-adds them.
func watchKnownProjects(
	ctx context.Context,
	workspaces repositories.WorkspaceRepository,
	projects repositories.ProjectRepository,
	watcher *discovery.Watcher,
	logger *zap.Logger,
) {
	all, err := workspaces.List(ctx)
	if err != nil {
		logger.Warn("Failed to list workspaces for watcher", zap.Error(err))
		return
	}
	for _, ws := range all {
		list, err := projects.ListByWorkspace(ctx, ws.ID)
		if err != nil {
			logger.Warn("Failed to list projects for watcher", zap.Error(err))
			continue
		}
		for _, project := range list {
			if err := watcher.WatchProject(project); err != nil {
				logger.Warn("Failed to watch project", zap.String("path", project.AbsolutePath), zap.Error(err))
			}
		}
	}
}
