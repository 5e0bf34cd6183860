// Package api assembles the HTTP server: gin engine, middleware chain,
// dialect routes for both pools, the management surface, and config hot
// reload.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/wenyu2333/gemini-relay/internal/account"
	"github.com/wenyu2333/gemini-relay/internal/api/handlers"
	"github.com/wenyu2333/gemini-relay/internal/api/handlers/management"
	"github.com/wenyu2333/gemini-relay/internal/api/middleware"
	"github.com/wenyu2333/gemini-relay/internal/cache"
	"github.com/wenyu2333/gemini-relay/internal/config"
	"github.com/wenyu2333/gemini-relay/internal/logging"
	"github.com/wenyu2333/gemini-relay/internal/upstream"
)

// Server is the HTTP front of the relay.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	cfg        *atomic.Pointer[config.Config]
	configPath string
	managers   map[string]*account.Manager
	watcher    *fsnotify.Watcher
}

// NewServer wires middleware, routes and handlers.
func NewServer(cfg *config.Config, configPath string, managers map[string]*account.Manager, clients map[string]*upstream.Client, sigCache *cache.SignatureCache) *Server {
	cfgPtr := &atomic.Pointer[config.Config]{}
	cfgPtr.Store(cfg)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(logging.GinLogrusLogger())
	engine.Use(middleware.Metrics())

	h := handlers.NewHandler(cfgPtr, managers, clients, sigCache)
	registerRoutes(engine, cfgPtr, h, managers)

	s := &Server{
		engine:     engine,
		cfg:        cfgPtr,
		configPath: configPath,
		managers:   managers,
	}
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
		// Generations run long; per-request deadlines stay off and the
		// stream heartbeat is the liveness mechanism.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func registerRoutes(engine *gin.Engine, cfgPtr *atomic.Pointer[config.Config], h *handlers.Handler, managers map[string]*account.Manager) {
	engine.GET("/health", h.Health())
	engine.GET("/v1/memory", h.Memory())
	engine.GET("/metrics", middleware.MetricsHandler())

	auth := middleware.APIKeyAuth(cfgPtr)

	// Antigravity pool.
	v1 := engine.Group("/", auth)
	{
		v1.POST("/v1/chat/completions", h.OpenAIChatCompletions(handlers.PoolAntigravity))
		v1.POST("/v1/messages", h.ClaudeMessages(handlers.PoolAntigravity))
		v1.POST("/v1beta/models/*modelAction", h.GeminiGenerate(handlers.PoolAntigravity))
		v1.GET("/v1/models", h.OpenAIModels(handlers.PoolAntigravity))
		v1.GET("/v1beta/models", h.GeminiModels(handlers.PoolAntigravity))
	}

	// Gemini CLI pool.
	cli := engine.Group("/cli", auth)
	{
		cli.POST("/v1/chat/completions", h.OpenAIChatCompletions(handlers.PoolGeminiCLI))
		cli.POST("/v1/messages", h.ClaudeMessages(handlers.PoolGeminiCLI))
		cli.POST("/v1beta/models/*modelAction", h.GeminiGenerate(handlers.PoolGeminiCLI))
		cli.GET("/v1/models", h.OpenAIModels(handlers.PoolGeminiCLI))
		cli.GET("/v1beta/models", h.GeminiModels(handlers.PoolGeminiCLI))
	}

	// Management surface.
	mgmt := &management.Handler{Managers: managers}
	api := engine.Group("/api", middleware.ManagementAuth(cfgPtr))
	{
		api.GET("/:pool/tokens", mgmt.List)
		api.POST("/:pool/tokens", mgmt.Add)
		api.PUT("/:pool/tokens/:id", mgmt.Update)
		api.DELETE("/:pool/tokens/:id", mgmt.Delete)
		api.POST("/:pool/tokens/:id/refresh", mgmt.Refresh)
		api.POST("/:pool/tokens/:id/project", mgmt.FetchProjectID)
		api.GET("/:pool/tokens/export", mgmt.Export)
		api.POST("/:pool/tokens/import", mgmt.Import)
		api.PUT("/:pool/rotation", mgmt.UpdateRotation)
	}
}

// Engine exposes the gin engine for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run starts the listener and, when a config path is known, the hot-reload
// watcher. It blocks until the server stops.
func (s *Server) Run() error {
	if s.configPath != "" {
		if err := s.watchConfig(); err != nil {
			log.Warnf("config watcher unavailable: %v", err)
		}
	}
	log.Infof("gemini-relay listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the listener and the watcher.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// watchConfig reloads API keys and rotation policy when the config file
// changes on disk.
func (s *Server) watchConfig() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err = watcher.Add(s.configPath); err != nil {
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				s.reloadConfig()
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher error: %v", errWatch)
			}
		}
	}()
	return nil
}

func (s *Server) reloadConfig() {
	fresh, err := config.LoadConfig(s.configPath)
	if err != nil {
		log.Warnf("config reload failed: %v", err)
		return
	}
	s.cfg.Store(fresh)
	for _, manager := range s.managers {
		manager.UpdateRotationConfig(fresh.Rotation.Strategy, fresh.Rotation.RequestCount)
	}
	log.Info("configuration reloaded")
}
