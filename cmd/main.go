package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mascarenhasneil/HandsOnOllama/internal/chromemdb"
	"github.com/mascarenhasneil/HandsOnOllama/internal/config"
	"github.com/mascarenhasneil/HandsOnOllama/internal/db"
	"github.com/mascarenhasneil/HandsOnOllama/internal/embedding"
	"github.com/mascarenhasneil/HandsOnOllama/internal/helper"
	"github.com/mascarenhasneil/HandsOnOllama/internal/llmservice"
	"github.com/mascarenhasneil/HandsOnOllama/internal/models"
	"github.com/mascarenhasneil/HandsOnOllama/internal/ollamaapi"
	"github.com/mascarenhasneil/HandsOnOllama/internal/server"
	"github.com/mascarenhasneil/HandsOnOllama/internal/session"
)

const (
	configFilePath  = "./configs/config.yaml"
	shutdownTimeout = 10 * time.Second
)

var (
	configPath string
	appCfg     *config.Config
)

func main() {
	root := &cobra.Command{
		Use:           "docassist",
		Short:         "Document Assistant: ask questions about a PDF with a local Ollama model",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			appCfg = cfg
			helper.SetupLogger(cfg.Log)
			log.Debug().Interface("config", cfg).Msg("Loaded config")
			return nil
		},
		RunE: runServe,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", configFilePath, "path to config.yaml")

	root.AddCommand(serveCmd())
	root.AddCommand(askCmd())
	root.AddCommand(collectionsCmd())
	root.AddCommand(deleteCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(importCmd())
	root.AddCommand(modelsCmd())
	root.AddCommand(showCmd())
	root.AddCommand(pullCmd())
	root.AddCommand(generateCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(customCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the web UI (default)",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checkRuntime(ctx)
	if appCfg.EmbedLLM.Pull {
		pullEmbedModel(ctx)
	}

	manager, err := newStoreManager(ctx)
	if err != nil {
		return err
	}
	defer manager.Close()

	llm, err := llmservice.NewChatModel(appCfg.LLM)
	if err != nil {
		return err
	}

	// closing the app from the UI shuts the server down like a signal would
	sess := session.New(appCfg, manager, llm, stop)
	srv := &http.Server{
		Addr:    appCfg.Server.Addr(),
		Handler: server.New(appCfg.Server, sess).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("model", appCfg.LLM.Model).Str("backend", appCfg.Storage.Backend).Msg("Document Assistant listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// checkRuntime warns early when the model runtime is down. The UI still
// starts; uploads fail with a message until it is reachable.
func checkRuntime(ctx context.Context) {
	client := ollamaapi.NewClient(appCfg.LLM.BaseURL, 5*time.Second)
	if err := client.Healthy(ctx); err != nil {
		log.Warn().Err(err).Str("base_url", appCfg.LLM.BaseURL).Msg("Ollama runtime is not reachable")
	}
}

// pullEmbedModel makes sure the embedding model is present. A failure is
// only logged, the first upload reports it again if it persists.
func pullEmbedModel(ctx context.Context) {
	client := ollamaapi.NewClientWithHTTP(appCfg.EmbedLLM.BaseURL, &http.Client{})
	if err := client.EnsureModel(ctx, appCfg.EmbedLLM.Model); err != nil {
		log.Warn().Err(err).Str("model", appCfg.EmbedLLM.Model).Msg("Failed to pull embedding model")
	}
}

// newStoreManager opens the configured vector store backend
func newStoreManager(ctx context.Context) (models.VectorStoreManager, error) {
	embedder, err := embedding.NewOllamaEmbedder(appCfg.EmbedLLM)
	if err != nil {
		return nil, err
	}

	switch appCfg.Storage.Backend {
	case config.BackendPGVector:
		return db.NewPGVectorManager(ctx, appCfg.Database, embedder)
	default:
		if err := helper.CreateFolder(appCfg.Storage.VectorDir); err != nil {
			return nil, err
		}
		return chromemdb.NewVectorDBManager(appCfg.Storage, false, embedder)
	}
}
