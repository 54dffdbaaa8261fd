package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/chatrelay/internal/bot"
	"github.com/chatrelay/internal/config"
	"github.com/chatrelay/internal/history"
	"github.com/chatrelay/internal/llm"
	"github.com/chatrelay/internal/logging"
	"github.com/chatrelay/internal/matrix"
)

// RunCommand returns the run command
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Connect to the homeserver and answer messages",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"CHATRELAY_VERBOSE"},
			},
		},
		Action: runBot,
	}
}

func runBot(c *cli.Context) error {
	logging.Setup(c.Bool("verbose"))

	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := matrix.NewClient(matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
		Password:    cfg.Matrix.Password,
		StateFile:   cfg.Matrix.StateFile,
	})
	if err != nil {
		return fmt.Errorf("failed to create matrix client: %w", err)
	}
	if err := client.Login(ctx, cfg.Matrix.Password); err != nil {
		return err
	}

	gateway, err := llm.New(llm.Options{
		ServerURL:   cfg.Ollama.URL,
		Model:       cfg.Ollama.Model,
		APIKey:      cfg.Ollama.APIKey,
		Temperature: cfg.Ollama.Temperature,
		MaxTokens:   cfg.Ollama.MaxTokens,
		Timeout:     time.Duration(cfg.Ollama.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create inference gateway: %w", err)
	}

	store := history.NewStore(cfg.History.MaxTurns)
	orchestrator := bot.New(store, gateway, client, bot.Options{
		BotUserID: client.UserID(),
		Typing:    cfg.Bot.Typing,
	})

	if cfg.Bot.TargetUser != "" {
		roomID, err := client.EnsureDirectRoom(ctx, cfg.Bot.TargetUser)
		if err != nil {
			log.Warn().Err(err).Str("target", cfg.Bot.TargetUser).Msg("Could not open DM room")
		} else if _, err := client.Send(ctx, roomID, "Hello! I'm online."); err != nil {
			log.Warn().Err(err).Str("room_id", roomID).Msg("Could not send DM greeting")
		}
	}

	log.Info().
		Str("homeserver", cfg.Matrix.Homeserver).
		Str("model", cfg.Ollama.Model).
		Str("ollama_url", cfg.Ollama.URL).
		Msg("Bot starting")

	err = client.Run(ctx, orchestrator.HandleMessage)

	// Let outstanding completions finish so no placeholder is left dangling.
	orchestrator.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Bot stopped")
	return nil
}
