package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-assets/internal/api"
	"github.com/rescale/rescale-assets/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage rescale-assets configuration",
		Long: `Configuration management commands for rescale-assets.

Commands:
  init  - Interactive configuration setup
  show  - Display current configuration
  test  - Test API connection
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigTestCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long: `Interactive configuration setup for rescale-assets.

The configuration will be saved to ~/.config/rescale/assets.ini

Use --force to overwrite existing configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()

			path, err := configPath()
			if err != nil {
				return err
			}

			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Printf("Configuration already exists at: %s\n", path)
					fmt.Println("Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			fmt.Println("Rescale Assets Configuration Setup")
			fmt.Println("==================================")
			fmt.Println()

			cfg, err := promptConfig(bufio.NewReader(os.Stdin), os.Stdout)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			if err := config.Save(cfg, path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			logger.Info().Str("path", path).Msg("Configuration saved")

			fmt.Println()
			fmt.Printf("✓ Configuration saved to: %s\n", path)
			fmt.Println()
			fmt.Println("The file holds your API key and is readable only by you.")
			fmt.Println("Test your configuration with: rescale-assets config test")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")

	return cmd
}

// promptConfig asks for each setting on w and reads answers from r. Empty
// answers keep the default.
func promptConfig(r *bufio.Reader, w io.Writer) (*config.Config, error) {
	cfg := config.NewConfig()

	ask := func(label, def string) (string, error) {
		if def != "" {
			fmt.Fprintf(w, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(w, "%s: ", label)
		}
		input, err := r.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			return def, nil
		}
		return input, nil
	}

	// API Key (required)
	for cfg.APIKey == "" {
		key, err := ask("API Key (required)", "")
		if err != nil {
			return nil, err
		}
		if key == "" {
			if _, err := r.Peek(1); err == io.EOF {
				return nil, config.ErrMissingAPIKey
			}
			fmt.Fprintln(w, "  Error: API key is required")
			continue
		}
		cfg.APIKey = key
	}

	var err error
	if cfg.APIBaseURL, err = ask("Platform URL", cfg.APIBaseURL); err != nil {
		return nil, err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Tracking Settings (press Enter for defaults)")
	fmt.Fprintln(w, "--------------------------------------------")

	if cfg.TransferMode, err = ask("Transfer mode (multipart, staged)", cfg.TransferMode); err != nil {
		return nil, err
	}
	timeout, err := ask("Validation timeout", cfg.ValidationTimeout.String())
	if err != nil {
		return nil, err
	}
	if d, perr := time.ParseDuration(timeout); perr == nil && d > 0 {
		cfg.ValidationTimeout = d
	}
	if cfg.StreamMode, err = ask("Status stream (websocket, kafka)", cfg.StreamMode); err != nil {
		return nil, err
	}
	if cfg.StreamMode == config.StreamKafka {
		brokers, err := ask("Kafka brokers (comma separated)", "localhost:9092")
		if err != nil {
			return nil, err
		}
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
		if cfg.KafkaTopic, err = ask("Kafka topic", cfg.KafkaTopic); err != nil {
			return nil, err
		}
	}

	// Proxy settings
	fmt.Fprintln(w)
	answer, err := ask("Configure proxy? [y/N]", "")
	if err != nil {
		return nil, err
	}
	answer = strings.ToLower(answer)
	if answer == "y" || answer == "yes" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Proxy modes: no-proxy, system, basic, ntlm")
		if cfg.ProxyMode, err = ask("Proxy mode", "system"); err != nil {
			return nil, err
		}
		if cfg.ProxyMode != "no-proxy" && cfg.ProxyMode != "system" {
			if cfg.ProxyHost, err = ask("Proxy host", ""); err != nil {
				return nil, err
			}
			port, err := ask("Proxy port", strconv.Itoa(cfg.ProxyPort))
			if err != nil {
				return nil, err
			}
			if v, perr := strconv.Atoi(port); perr == nil && v > 0 {
				cfg.ProxyPort = v
			}
			if cfg.ProxyUser, err = ask("Proxy user", ""); err != nil {
				return nil, err
			}
		}
	}

	return cfg, nil
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration settings.

This command shows the merged configuration from:
  1. Configuration file (~/.config/rescale/assets.ini)
  2. .env file and environment variables (RESCALE_API_KEY, RESCALE_API_URL, ...)
  3. Command-line flags (--api-key, --api-url, --stream-url, --state-dir)

Priority: flags > environment > config file > defaults`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printConfig(os.Stdout, cfg, path)
			return nil
		},
	}

	return cmd
}

func printConfig(w io.Writer, cfg *config.Config, path string) {
	fmt.Fprintln(w, "Current Configuration")
	fmt.Fprintln(w, "=====================")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "API Settings:")
	fmt.Fprintf(w, "  Platform URL: %s\n", cfg.APIBaseURL)
	if cfg.APIKey != "" {
		// Never display any portion of the API key
		fmt.Fprintf(w, "  API Key:      <set (%d chars)>\n", len(cfg.APIKey))
	} else {
		fmt.Fprintln(w, "  API Key:      <not set>")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Tracking Settings:")
	fmt.Fprintf(w, "  Transfer Mode:      %s\n", cfg.TransferMode)
	fmt.Fprintf(w, "  Validation Timeout: %s\n", cfg.ValidationTimeout)
	fmt.Fprintf(w, "  Stream Mode:        %s\n", cfg.StreamMode)
	if cfg.StreamMode == config.StreamKafka {
		fmt.Fprintf(w, "  Kafka Brokers:      %s\n", strings.Join(cfg.KafkaBrokers, ", "))
		fmt.Fprintf(w, "  Kafka Topic:        %s\n", cfg.KafkaTopic)
		fmt.Fprintf(w, "  Kafka Group:        %s\n", cfg.KafkaGroup)
	} else if u, err := cfg.ResolvedStreamURL(); err == nil {
		fmt.Fprintf(w, "  Stream URL:         %s\n", u)
	}
	fmt.Fprintf(w, "  Saved Batch:        %s\n", cfg.SnapshotPath())
	if cfg.LogFile != "" {
		fmt.Fprintf(w, "  Log File:           %s\n", cfg.LogFile)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Proxy Settings:")
	fmt.Fprintf(w, "  Proxy Mode: %s\n", cfg.ProxyMode)
	if cfg.ProxyHost != "" {
		fmt.Fprintf(w, "  Proxy Host: %s\n", cfg.ProxyHost)
		fmt.Fprintf(w, "  Proxy Port: %d\n", cfg.ProxyPort)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Configuration file: %s\n", path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintln(w, "  (file does not exist - using defaults)")
	}
}

// newConfigTestCmd creates the 'config test' command.
func newConfigTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Test API connection",
		Long: `Test the API connection with current configuration.

Use this to verify your API key and network connectivity.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()

			fmt.Println("Testing API Connection")
			fmt.Println("======================")
			fmt.Println()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			fmt.Printf("Platform URL: %s\n", cfg.APIBaseURL)
			fmt.Println("Testing connection...")
			fmt.Println()

			apiClient, err := api.NewClient(cfg)
			if err != nil {
				return fmt.Errorf("failed to create API client: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			user, err := apiClient.GetUserProfile(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("Connection test failed")
				fmt.Println("✗ Connection FAILED")
				fmt.Printf("  Error: %v\n", err)
				return fmt.Errorf("connection test failed")
			}

			logger.Info().Msg("Connection test successful")

			fmt.Println("✓ Connection SUCCESSFUL")
			fmt.Println()
			fmt.Println("User Information:")
			fmt.Printf("  Email:   %s\n", user.Email)
			fmt.Printf("  Storage: %s\n", user.DefaultStorage.StorageType)
			return nil
		},
	}

	return cmd
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Long:  `Display the path to the configuration file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			if cfgFile == "" {
				fmt.Println("Default configuration path:")
			} else {
				fmt.Println("Configuration path (from --config flag):")
			}

			fmt.Printf("  %s\n", path)
			fmt.Println()

			if info, err := os.Stat(path); err == nil {
				fmt.Println("Status: ✓ File exists")
				fmt.Printf("Size:   %d bytes\n", info.Size())
				fmt.Printf("Modified: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
			} else {
				fmt.Println("Status: File does not exist")
				fmt.Println()
				fmt.Println("Create a configuration file with: rescale-assets config init")
			}

			return nil
		},
	}

	return cmd
}
