package main

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mascarenhasneil/HandsOnOllama/internal/helper"
	"github.com/mascarenhasneil/HandsOnOllama/internal/llmservice"
	"github.com/mascarenhasneil/HandsOnOllama/internal/ollamaapi"
)

const (
	defaultGeneratePrompt = "Hello, tell me a short poem about the sea."
	defaultChatPrompt     = "Hello, tell me a short poem about the universe."

	customModelName   = "astronomy_expert"
	customModelSystem = "You are an erudite assistant with a profound mastery of the astronomy's secrets. " +
		"Your responses are concise yet filled with illuminating insights."
	customModelPrompt      = "What is the distance from Earth to the nearest star other than the Sun?"
	customModelTemperature = 0.1
)

func ollamaClient() *ollamaapi.Client {
	return ollamaapi.NewClientWithHTTP(appCfg.LLM.BaseURL, &http.Client{
		Timeout: time.Duration(appCfg.LLM.TimeoutSecs) * time.Second,
	})
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models available in the Ollama runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			models, err := ollamaClient().ListModels(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIZE\tPARAMETERS\tMODIFIED")
			for _, m := range models {
				fmt.Fprintf(w, "%s\t%.1f MB\t%s\t%s\n", m.Name, float64(m.Size)/(1<<20), m.Details.ParameterSize, m.ModifiedAt.Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [model]",
		Short: "Show the details of a model",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model := appCfg.LLM.Model
			if len(args) == 1 {
				model = args[0]
			}
			info, err := ollamaClient().Show(cmd.Context(), model)
			if err != nil {
				return err
			}
			helper.PrettyPrint(info)
			return nil
		},
	}
}

func pullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull <model>",
		Short: "Pull a model into the Ollama runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// pulls can take far longer than a generation
			client := ollamaapi.NewClientWithHTTP(appCfg.LLM.BaseURL, &http.Client{})
			last := ""
			return client.Pull(cmd.Context(), args[0], func(p ollamaapi.ProgressResponse) {
				if p.Status != last {
					log.Info().Str("model", args[0]).Str("status", p.Status).Msg("Pull")
					last = p.Status
				}
			})
		},
	}
}

func generateCmd() *cobra.Command {
	var model string
	var think, langchain bool
	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Stream a completion from /api/generate",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := defaultGeneratePrompt
			if len(args) == 1 {
				prompt = args[0]
			}
			if model == "" {
				model = appCfg.LLM.Model
			}

			if langchain {
				llmCfg := appCfg.LLM
				llmCfg.Model = model
				llm, err := llmservice.NewChatModel(llmCfg)
				if err != nil {
					return err
				}
				out, err := llmservice.GenerateContent(cmd.Context(), llm, llmCfg, prompt)
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			}

			fmt.Print("Generated Response: ")
			_, err := ollamaClient().Generate(cmd.Context(), ollamaapi.GenerateRequest{
				Model:   model,
				Prompt:  prompt,
				Think:   think,
				Options: samplingOptions(appCfg.LLM.Temperature),
			}, func(r ollamaapi.GenerateResponse) {
				fmt.Print(r.Response)
			})
			fmt.Println()
			return err
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model to use (default: llm.model)")
	cmd.Flags().BoolVar(&think, "think", false, "ask reasoning models to think before answering")
	cmd.Flags().BoolVar(&langchain, "langchain", false, "go through the langchaingo client used by the app")
	return cmd
}

func chatCmd() *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Stream a reply from /api/chat",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := defaultChatPrompt
			if len(args) == 1 {
				prompt = args[0]
			}
			if model == "" {
				model = appCfg.LLM.Model
			}
			_, err := ollamaClient().Chat(cmd.Context(), ollamaapi.ChatRequest{
				Model:    model,
				Messages: []ollamaapi.Message{{Role: "user", Content: prompt}},
				Options:  samplingOptions(appCfg.LLM.Temperature),
			}, func(r ollamaapi.ChatResponse) {
				fmt.Print(r.Message.Content)
			})
			fmt.Println()
			return err
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model to use (default: llm.model)")
	return cmd
}

// customCmd derives a model with a system prompt, asks it one question and
// deletes it again
func customCmd() *cobra.Command {
	var name, prompt string
	cmd := &cobra.Command{
		Use:   "custom",
		Short: "Create a custom model, query it and delete it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := ollamaClient()

			err := client.Create(ctx, ollamaapi.CreateRequest{
				Model:      name,
				From:       appCfg.LLM.Model,
				System:     customModelSystem,
				Parameters: samplingOptions(customModelTemperature),
			}, nil)
			if err != nil {
				return fmt.Errorf("failed to create model %s: %w", name, err)
			}
			log.Info().Str("model", name).Str("from", appCfg.LLM.Model).Msg("Created custom model")

			defer func() {
				if err := client.Delete(ctx, name); err != nil {
					log.Error().Err(err).Str("model", name).Msg("Failed to delete custom model")
					return
				}
				log.Info().Str("model", name).Msg("Deleted custom model")
			}()

			fmt.Printf("Response from the custom model '%s':\n", name)
			_, err = client.Generate(ctx, ollamaapi.GenerateRequest{Model: name, Prompt: prompt}, func(r ollamaapi.GenerateResponse) {
				fmt.Print(r.Response)
			})
			fmt.Println()
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", customModelName, "name of the temporary model")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", customModelPrompt, "question for the custom model")
	return cmd
}

func samplingOptions(temperature float64) map[string]any {
	return map[string]any{"temperature": temperature}
}
