package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/botkeeper"
	"github.com/loykin/botkeeper/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags.
type GlobalFlags struct {
	ConfigPath string
	DotEnv     string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(createVersionCommand())
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "botkeeper",
		Short: "Bootstrap and supervise a Node.js bot",
		Long: `Botkeeper clones and prepares a Node.js bot, then keeps it running under
pm2, falling back to a direct child process when pm2 keeps failing. A small
HTTP listener answers health checks for the hosting platform.

Examples:
  SESSION_ID=abc botkeeper
  botkeeper --config=/etc/botkeeper.toml
  PORT=8080 BOTKEEPER_REPO_URL=https://github.com/owner/bot botkeeper`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.DotEnv, "env-file", ".env", "dotenv file loaded into the environment when present")
	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the botkeeper version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func run(parent context.Context, flags *GlobalFlags) error {
	if flags.DotEnv != "" {
		if err := config.LoadDotEnv(flags.DotEnv); err != nil {
			return err
		}
	}
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	app, err := botkeeper.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx); err != nil {
		app.Logger().Error("fatal", "error", err)
		return err
	}
	return nil
}
