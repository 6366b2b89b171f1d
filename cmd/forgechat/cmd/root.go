package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/entrepeneur4lyf/forgechat/internal/chat"
)

// Process exit codes
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitMaxRetries = 2
)

var (
	debug      bool
	workingDir string
	model      string
	provider   string
	format     string

	logFile *os.File // closed by cleanupLogging
)

// setupLogging sends logs to a file under the data directory, or to stderr
// at debug level when --debug is given
func setupLogging(logsDir, level string, debug bool) error {
	if debug {
		log.SetDefault(log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			Level:           log.DebugLevel,
		}))
		return nil
	}

	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logPath := filepath.Join(logsDir, "forgechat.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	log.SetDefault(log.NewWithOptions(f, log.Options{
		ReportTimestamp: true,
		Level:           lvl,
	}))
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	return nil
}

// cleanupLogging closes the log file if it was opened
func cleanupLogging() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	log.SetDefault(log.New(io.Discard))
}

var rootCmd = &cobra.Command{
	Use:   "forgechat",
	Short: "Terminal chat with tool calling for Gemini, Claude and GPT models",
	Long: `forgechat runs a chat session against a model provider, executes the
tools the model asks for after you approve them, and keeps the context
window small by pruning old parts.

Usage:
  forgechat start                 # Interactive session
  forgechat send "your question"  # One turn, prints the reply
  forgechat sessions              # Saved sessions
  forgechat mcp                   # Serve the toolkits over MCP stdio`,
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log to stderr at debug level")
	rootCmd.PersistentFlags().StringVar(&workingDir, "wd", wd, "Working directory")
	rootCmd.PersistentFlags().StringVarP(&model, "model", "m", "", "Model to use")
	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "", "Provider (gemini, anthropic, openai)")
	rootCmd.PersistentFlags().StringVar(&format, "format", "terminal", "Reply format (terminal, plain, markdown)")
}

// exitCode maps a command error to the process exit code
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, chat.ErrMaxRetriesReached):
		return ExitMaxRetries
	default:
		return ExitFailure
	}
}

// Execute runs the CLI and returns the process exit code
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	defer cleanupLogging()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
	}
	return exitCode(err)
}
