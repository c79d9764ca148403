package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-assets/internal/mockserver"
)

// newMockServerCmd creates the 'mock-server' command.
func newMockServerCmd() *cobra.Command {
	var (
		addr  string
		delay time.Duration
		key   string
	)

	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run a local stand-in for the validation service",
		Long: `Run a local validation service for trying the CLI without a platform.

Files resolve by name after --delay: names containing "invalid" become
Invalid, names containing "hang" never resolve, everything else is Valid.

Example:
  rescale-assets mock-server --addr 127.0.0.1:8089 &
  rescale-assets --api-url http://127.0.0.1:8089 --api-key test upload a.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := mockserver.New(mockserver.Options{
				Delay:  delay,
				APIKey: key,
				Logger: GetLogger(),
			})

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(addr) }()

			fmt.Printf("Mock validation service on http://%s (Ctrl+C to stop)\n", addr)

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return fmt.Errorf("failed to stop mock service: %w", err)
			}
			return <-errCh
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8089", "Listen address")
	cmd.Flags().DurationVar(&delay, "delay", 2*time.Second, "Delay before a file resolves")
	cmd.Flags().StringVar(&key, "require-key", "", "Require this API key (default: accept any)")
	return cmd
}
