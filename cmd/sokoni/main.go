package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MattCruikshank/sokoni/internal/config"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Command flags
	openConversation string
	sendTimeout      time.Duration

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sokoni",
	Short: "sokoni - marketplace chat client",
	Long: `sokoni keeps a marketplace chat session: conversation summaries, open
conversation views, optimistic sends with delivery status, and live pushes
from the backend.

Settings come from --config (YAML), a .env file, and SOKONI_* variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		zcfg := zap.NewProductionConfig()
		if level, err := zapcore.ParseLevel(cfg.Log.Level); err == nil {
			zcfg.Level = zap.NewAtomicLevelAt(level)
		}
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session and serve the local browser UI",
	Long: `Logs in, loads the conversation list, and serves the browser UI bridge:
  /ws                             UI commands and live events
  /api/conversations[?q=]         conversation summaries
  /api/conversations/{id}/messages messages of an open conversation
  /metrics                        delivery metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations [query]",
	Short: "List conversations, optionally filtered by name",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConversations,
}

var sendCmd = &cobra.Command{
	Use:   "send [conversation-id] [text]",
	Short: "Send one message and wait for its delivery status",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSend,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	serveCmd.Flags().StringVar(&openConversation, "conversation", "", "Conversation to open on start (defaults to the last one opened)")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "How long to wait for the backend to confirm")

	rootCmd.AddCommand(serveCmd, conversationsCmd, sendCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
