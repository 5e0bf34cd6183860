// Command server runs the gemini-relay proxy: two upstream account pools
// (Antigravity and Gemini CLI) re-exposed through the OpenAI, Claude and
// Gemini chat dialects.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wenyu2333/gemini-relay/internal/account"
	"github.com/wenyu2333/gemini-relay/internal/api"
	"github.com/wenyu2333/gemini-relay/internal/api/handlers"
	"github.com/wenyu2333/gemini-relay/internal/cache"
	"github.com/wenyu2333/gemini-relay/internal/config"
	"github.com/wenyu2333/gemini-relay/internal/logging"
	"github.com/wenyu2333/gemini-relay/internal/store"
	"github.com/wenyu2333/gemini-relay/internal/upstream"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logging.Setup(cfg.Debug, cfg.LoggingToFile, filepath.Join(cfg.AuthDir, "logs"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	antigravityStore, err := store.NewStore(filepath.Join(cfg.AuthDir, "accounts.json"), cfg.Store.Encrypt, cfg.Store.Secret)
	if err != nil {
		log.Fatalf("open antigravity store: %v", err)
	}
	cliStore, err := store.NewStore(filepath.Join(cfg.AuthDir, "geminicli_accounts.json"), cfg.Store.Encrypt, cfg.Store.Secret)
	if err != nil {
		log.Fatalf("open gemini-cli store: %v", err)
	}

	antigravityManager, err := account.NewManager(ctx, account.AntigravityVariant, antigravityStore, cfg, nil)
	if err != nil {
		log.Fatalf("init antigravity manager: %v", err)
	}
	cliManager, err := account.NewManager(ctx, account.GeminiCLIVariant, cliStore, cfg, nil)
	if err != nil {
		log.Fatalf("init gemini-cli manager: %v", err)
	}
	log.Infof("account pools ready: antigravity=%d gemini-cli=%d", antigravityManager.ActiveCount(), cliManager.ActiveCount())

	managers := map[string]*account.Manager{
		handlers.PoolAntigravity: antigravityManager,
		handlers.PoolGeminiCLI:   cliManager,
	}
	clients := map[string]*upstream.Client{
		handlers.PoolAntigravity: upstream.NewClient(account.AntigravityVariant, cfg),
		handlers.PoolGeminiCLI:   upstream.NewClient(account.GeminiCLIVariant, cfg),
	}
	sigCache := cache.NewSignatureCache(cfg.Signature)

	server := api.NewServer(cfg, *configPath, managers, clients, sigCache)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			log.Errorf("shutdown: %v", errShutdown)
		}
	}()

	if err = server.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server: %v", err)
	}
}
