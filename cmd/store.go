package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mascarenhasneil/HandsOnOllama/internal/chromemdb"
	"github.com/mascarenhasneil/HandsOnOllama/internal/config"
	"github.com/mascarenhasneil/HandsOnOllama/internal/db"
	"github.com/mascarenhasneil/HandsOnOllama/internal/embedding"
	"github.com/mascarenhasneil/HandsOnOllama/internal/llmservice"
	"github.com/mascarenhasneil/HandsOnOllama/internal/session"
)

// askCmd runs one upload and one question without the web UI
func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <file> <question>",
		Short: "Ingest a document and answer one question about it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filePath, query := args[0], args[1]

			manager, err := newStoreManager(ctx)
			if err != nil {
				return err
			}
			defer manager.Close()

			llm, err := llmservice.NewChatModel(appCfg.LLM)
			if err != nil {
				return err
			}

			f, err := os.Open(filePath)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", filePath, err)
			}
			defer f.Close()

			sess := session.New(appCfg, manager, llm, nil)
			if err := sess.Upload(ctx, filepath.Base(filePath), f); err != nil {
				return err
			}
			response, err := sess.Ask(ctx, query)
			if err != nil {
				return err
			}

			log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
			fmt.Printf("%s\n\n", query)

			log.Info().Msg("Source: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
			fmt.Printf("%s\n\n", response.Source)

			log.Info().Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
			fmt.Printf("%s\n\n", response.Content)
			return nil
		},
	}
}

func collectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List stored collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var names []string
			if appCfg.Storage.Backend == config.BackendPGVector {
				m, err := openPGVector(ctx)
				if err != nil {
					return err
				}
				defer m.Close()
				if names, err = m.Collections(ctx); err != nil {
					return err
				}
			} else {
				m, err := openChromem()
				if err != nil {
					return err
				}
				names = m.Collections()
				sort.Strings(names)
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "delete [collection]",
		Short: "Delete a stored collection, or all of them with --all",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if appCfg.Storage.Backend == config.BackendPGVector {
				m, err := openPGVector(ctx)
				if err != nil {
					return err
				}
				defer m.Close()
				if all {
					return m.Reset(ctx)
				}
				return m.DeleteCollection(ctx, args[0])
			}

			m, err := openChromem()
			if err != nil {
				return err
			}
			names := args
			if all {
				names = m.Collections()
			}
			for _, name := range names {
				if err := m.DeleteCollection(name); err != nil {
					return err
				}
				log.Info().Str("collection", name).Msg("Deleted collection")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "delete every collection")
	return cmd
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <collection> [file]",
		Short: "Export a collection to an encrypted snapshot (chromem backend)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openChromem()
			if err != nil {
				return err
			}
			var filePath string
			if len(args) == 2 {
				filePath = args[1]
			}
			out, err := m.Export(cmd.Context(), args[0], filePath)
			if err != nil {
				return err
			}
			log.Info().Str("collection", args[0]).Str("file", out).Msg("Exported collection")
			return nil
		},
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file> [collection...]",
		Short: "Import collections from an encrypted snapshot (chromem backend)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openChromem()
			if err != nil {
				return err
			}
			if err := m.Import(cmd.Context(), args[0], args[1:]...); err != nil {
				return err
			}
			log.Info().Str("file", args[0]).Strs("collections", m.Collections()).Msg("Imported snapshot")
			return nil
		},
	}
}

func openChromem() (*chromemdb.VectorDBManager, error) {
	if appCfg.Storage.Backend != config.BackendChromem {
		return nil, fmt.Errorf("command needs the %s backend, configured backend is %s", config.BackendChromem, appCfg.Storage.Backend)
	}
	embedder, err := embedding.NewOllamaEmbedder(appCfg.EmbedLLM)
	if err != nil {
		return nil, err
	}
	return chromemdb.NewVectorDBManager(appCfg.Storage, false, embedder)
}

func openPGVector(ctx context.Context) (*db.PGVectorManager, error) {
	embedder, err := embedding.NewOllamaEmbedder(appCfg.EmbedLLM)
	if err != nil {
		return nil, err
	}
	return db.NewPGVectorManager(ctx, appCfg.Database, embedder)
}
