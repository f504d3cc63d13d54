package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"chatstream/internal/chatclient"
	"chatstream/internal/config"
	"chatstream/internal/history"
	"chatstream/internal/httpclient"
	"chatstream/internal/ui"
)

const chatUsage = `Usage:
  chatstream chat --config <path> [--model <name>]

Flags:
  --config string   Path to YAML configuration file (required)
  --model  string   Override model from configuration`

func chat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, chatUsage)
	}

	var cfgPath string
	var overrideModel string
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&overrideModel, "model", "", "override model")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse chat flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("chat command requires --config <path>")
	}

	// A local .env may hold the key pool; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if overrideModel != "" {
		cfg.Client.Model = overrideModel
	}
	if err := cfg.ValidateClient(); err != nil {
		return err
	}

	store, err := history.Open(cfg.Client.HistoryPath)
	if err != nil {
		return err
	}
	defer store.Close()

	// Zero timeout: the stream consumer bounds reads with its own stall
	// timer.
	client := chatclient.New(cfg.Client.RelayURL, cfg.Client.KeyPool, httpclient.New(0))

	app, err := ui.New(cfg.Client, client, store)
	if err != nil {
		return err
	}

	program := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("run chat client: %w", err)
	}
	return nil
}
