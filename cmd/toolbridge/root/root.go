package root

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"toolbridge/internal/config"
	"toolbridge/pkg/app"
)

var flagConfig string

// rootCmd defines the base command for toolbridge
var rootCmd = &cobra.Command{
	Use:   "toolbridge",
	Short: "Resilient stdio JSON-RPC tool server",
	Long: "toolbridge speaks MCP-style JSON-RPC on stdin/stdout. `serve` delegates tool calls to a worker " +
		"subprocess and falls back to built-in tools if the worker is unavailable; the process never exits " +
		"on host-side events. Configure it in ~/.config/toolbridge/toolbridge.yaml.",
	SilenceUsage: true,
}

// Execute runs the Cobra root command.
func Execute() {
	// Load environment from .env if present and configure logger
	_ = godotenv.Load()
	configureLogging()

	// Optional file logging via LOG_FILE. If set, duplicate output to file.
	logFile := openLogFile()

	err := rootCmd.Execute()
	if logFile != nil {
		_ = logFile.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configureLogging() {
	level := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	if level == "" && (os.Getenv("DEBUG") == "1" || strings.EqualFold(os.Getenv("DEBUG"), "true")) {
		level = "debug"
	}
	switch level {
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	// stdout carries the protocol
	logrus.SetOutput(os.Stderr)
}

func openLogFile() *os.File {
	lf := strings.TrimSpace(os.Getenv("LOG_FILE"))
	if lf == "" {
		return nil
	}
	// Expand ~/ paths
	if strings.HasPrefix(lf, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			lf = filepath.Join(home, strings.TrimPrefix(lf, "~"))
		}
	}
	if err := os.MkdirAll(filepath.Dir(lf), 0o755); err != nil {
		logrus.WithError(err).Warn("failed to create directory for LOG_FILE; using stderr only")
		return nil
	}
	f, err := os.OpenFile(lf, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logrus.WithError(err).Warn("failed to open LOG_FILE; using stderr only")
		return nil
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, f))
	logrus.WithField("file", lf).Info("logging to file enabled")
	return f
}

// newApp loads configuration, applies command-line overrides and builds the app.
func newApp(overrides ...func(*config.Config)) (*app.App, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	for _, fn := range overrides {
		fn(&cfg)
	}
	return app.New(cfg, logrus.NewEntry(logrus.StandardLogger())), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config file (default ~/.config/toolbridge/toolbridge.yaml)")
}
