package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/live-support/backend/internal/cli/client"
	"github.com/zhouzirui/live-support/backend/internal/service/identity"
	"github.com/zhouzirui/live-support/backend/pkg/logger"
)

const version = "0.1.0"

var (
	serverURL  string
	profileDir string
	adminCode  string
	verbose    bool
)

// rootCmd is the root command
var rootCmd = &cobra.Command{
	Use:     "supportctl",
	Short:   "Live support chat CLI",
	Version: version,
	Long: `A command-line client for the live support backend. Chat as a visitor
from the terminal, or triage sessions and reply as an operator.`,
	Example: `  # Say hello as a visitor
  $ supportctl chat send "Where is my deposit?"

  # Follow the conversation live
  $ supportctl chat watch

  # List sessions as an operator
  $ ADMIN_CODE=secret supportctl admin sessions --online`,
	SilenceUsage: true,
}

// Execute executes the root command; ctx ends long-running commands such as watch.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("SUPPORT_SERVER", "http://localhost:8080"), "API server url")
	rootCmd.PersistentFlags().StringVar(&profileDir, "profile-dir", defaultProfileDir(), "where the visitor token is kept")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(adminCmd)
}

// NewRoot returns the root command writing to out, for tests.
func NewRoot(out io.Writer) *cobra.Command {
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	return rootCmd
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	level := "warn"
	if verbose {
		level = "debug"
	}
	log, err := logger.NewWithWriter(logger.Config{Level: level}, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	ids := identity.NewManager(identity.FileStorage{Dir: profileDir}, log.WithField("component", "supportctl"))

	c, err := client.New(serverURL, client.WithIdentity(ids), client.WithAdminCode(adminCode))
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return c, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultProfileDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".supportctl"
	}
	return filepath.Join(dir, "supportctl")
}
