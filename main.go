package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/schollz/sharepeer/src/client"
	"github.com/schollz/sharepeer/src/config"
	"github.com/schollz/sharepeer/src/relay"
	"github.com/schollz/sharepeer/src/session"
)

var (
	Version = "dev"
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:           "sharepeer",
	Short:         "Peer to peer file transfer with short pairing codes",
	Long:          "Send files to another computer by sharing a short code like K7Q-482-ZP3",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	Long:  "Start the WebSocket relay that pairs senders and receivers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v, cmd.Flags())
		if err != nil {
			return err
		}
		logger := createLogger(cfg.LogLevel, os.Stderr)
		return relay.Start(cfg.Port, cfg.MaxEndpoints, logger)
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <file or folder>...",
	Short: "Send files",
	Long:  "Send one or more files. Folders are zipped before sending.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := load(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return client.Send(ctx, args, clientOptions(cfg, logger, cmd))
	},
}

var receiveCmd = &cobra.Command{
	Use:   "receive [code]",
	Short: "Receive files",
	Long:  "Receive files from the sender holding the pairing code",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := load(cmd)
		if err != nil {
			return err
		}
		var input string
		if len(args) == 1 {
			input = args[0]
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		opts := clientOptions(cfg, logger, cmd)
		out := client.NewOutput(cfg.Output, cfg.Force, cfg.Extract, cmd.InOrStdin(), cmd.OutOrStdout())
		return client.Receive(ctx, input, out, opts)
	},
}

func load(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(v, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := createLogger(cfg.LogLevel, cmd.ErrOrStderr())
	logger.Debug("Loaded configuration", "server", cfg.Server, "policy", config.FormatPolicy(cfg.Policy))
	return cfg, logger, nil
}

func clientOptions(cfg config.Config, logger *slog.Logger, cmd *cobra.Command) client.Options {
	return client.Options{
		Server:   config.WebSocketURL(cfg.Server),
		Policy:   cfg.Policy,
		Logger:   logger,
		WakeLock: session.NewSystemWakeLock(),
		Plain:    cfg.Plain,
		Program:  rootCmd.Name(),
		In:       cmd.InOrStdin(),
		Out:      cmd.OutOrStdout(),
	}
}

func createLogger(level string, w io.Writer) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	return slog.New(slog.NewTextHandler(w, opts))
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("server", "s", config.DefaultServer, "Relay server URL")

	serveCmd.Flags().IntP("port", "p", 3001, "Port to listen on")
	serveCmd.Flags().Int("max-endpoints", 0, "Maximum registered endpoints (0 for no limit)")

	sendCmd.Flags().Bool("plain", false, "Print plain progress bars instead of the full screen view")
	config.AddPolicyFlags(sendCmd.Flags())

	receiveCmd.Flags().StringP("output", "o", ".", "Output directory")
	receiveCmd.Flags().BoolP("force", "f", false, "Overwrite existing files without asking")
	receiveCmd.Flags().Bool("extract", false, "Unpack received zip archives")
	receiveCmd.Flags().Bool("plain", false, "Print plain progress bars instead of the full screen view")
	config.AddPolicyFlags(receiveCmd.Flags())

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(receiveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Cancelled")
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
