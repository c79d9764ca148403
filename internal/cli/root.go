// Package cli provides the command-line interface for rescale-assets.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rescale/rescale-assets/internal/config"
	"github.com/rescale/rescale-assets/internal/constants"
	"github.com/rescale/rescale-assets/internal/events"
	"github.com/rescale/rescale-assets/internal/logging"
	"github.com/rescale/rescale-assets/internal/version"
)

var (
	// Global flags
	cfgFile    string
	apiKey     string
	apiBaseURL string
	streamURL  string
	stateDir   string
	logFile    string
	verbose    bool
	debug      bool

	// Global logger and the bus it mirrors warnings to
	logger *logging.Logger
	bus    *events.EventBus

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rescale-assets",
		Short: "Upload assets to Rescale and track their validation",
		Long: `rescale-assets ` + version.Version + ` - Built: ` + version.BuildTime + `
Uploads datasets, model files and model pipelines, then follows each file's
server-side validation until it is Valid, Invalid, failed or cancelled.

The last batch is saved locally so that status, rename, describe and cancel
can act on it from later invocations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			bus = events.NewEventBus(constants.EventBusDefaultBuffer)
			logger = logging.NewLogger(logging.Options{LogFile: logFile, EventBus: bus})
			if verbose || debug {
				logging.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path (default ~/.config/rescale/assets.ini)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Rescale API key (overrides all other sources)")
	rootCmd.PersistentFlags().StringVar(&apiBaseURL, "api-url", "", "Rescale platform URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&streamURL, "stream-url", "", "Status stream URL (default derived from the platform URL)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "Directory for saved batches (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write JSON logs to this rotating file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug output (same as --verbose)")

	rootCmd.Version = version.Version + " (" + version.BuildTime + ")"
	return rootCmd
}

// Execute runs the CLI.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())
	defer cancelFunc()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Loop so repeated Ctrl+C does not kill the process before cleanup
	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\nReceived signal %v, cancelling...\n", sig)
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd)
	err := rootCmd.ExecuteContext(rootContext)

	signal.Stop(sigChan)
	close(sigChan)
	if logger != nil {
		logger.Close()
	}
	return err
}

// AddCommands adds all subcommands to the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newRenameCmd())
	rootCmd.AddCommand(newDescribeCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newMockServerCmd())
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// GetEventBus returns the bus shared by the logger and the tracker.
func GetEventBus() *events.EventBus {
	if bus == nil {
		bus = events.NewEventBus(constants.EventBusDefaultBuffer)
	}
	return bus
}

// loadConfig reads the configuration and applies the global flag overrides.
// Priority: flags > environment > .env > config file > defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	if apiBaseURL != "" {
		cfg.APIBaseURL = apiBaseURL
	}
	if streamURL != "" {
		cfg.StreamURL = streamURL
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	return cfg, nil
}
