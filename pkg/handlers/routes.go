package handlers

import (
	"io/fs"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/middleware"
)

// RouterConfig collects everything the HTTP router needs.
type RouterConfig struct {
	Health      *HealthHandler
	Setup       *SetupHandler
	Auth        *AuthHandler
	Tools       *ToolsHandler
	Credentials *CredentialsHandler
	Discovery   *DiscoveryHandler
	Audit       *AuditHandler
	Workspace   *WorkspaceHandler
	MCP         *MCPHandler

	AuthMiddleware *auth.Middleware
	Modes          middleware.ModeReader
	UI             fs.FS
	SecureCookies  bool
	Logger         *zap.Logger
}

// NewRouter builds the full handler chain: request ID, access log, mode gate,
// CSRF, then the route table.
func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	cfg.Health.RegisterRoutes(mux)
	cfg.Setup.RegisterRoutes(mux, cfg.AuthMiddleware)
	cfg.Auth.RegisterRoutes(mux, cfg.AuthMiddleware)
	cfg.Tools.RegisterRoutes(mux, cfg.AuthMiddleware)
	cfg.Credentials.RegisterRoutes(mux, cfg.AuthMiddleware)
	cfg.Discovery.RegisterRoutes(mux, cfg.AuthMiddleware)
	cfg.Audit.RegisterRoutes(mux, cfg.AuthMiddleware)
	cfg.Workspace.RegisterRoutes(mux, cfg.AuthMiddleware)
	cfg.MCP.RegisterRoutes(mux, cfg.AuthMiddleware)

	if cfg.UI != nil {
		mux.Handle("/", NewStaticHandler(cfg.UI, cfg.Logger))
	}

	var handler http.Handler = mux
	handler = middleware.CSRF(cfg.SecureCookies)(handler)
	handler = middleware.ModeGate(cfg.Modes)(handler)
	handler = middleware.RequestLogger(cfg.Logger)(handler)
	handler = middleware.RequestID(handler)
	return handler
}

// StaticHandler serves the embedded single-page UI. Unknown paths fall back
// to index.html so client-side routes survive a reload.
type StaticHandler struct {
	files  fs.FS
	server http.Handler
	logger *zap.Logger
}

// NewStaticHandler creates a static handler over the UI filesystem.
func NewStaticHandler(files fs.FS, logger *zap.Logger) *StaticHandler {
	return &StaticHandler{
		files:  files,
		server: http.FileServer(http.FS(files)),
		logger: logger,
	}
}

func (h *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		path = "index.html"
	}

	if _, err := fs.Stat(h.files, path); err != nil {
		// SPA fallback.
		r.URL.Path = "/"
	}
	h.server.ServeHTTP(w, r)
}
