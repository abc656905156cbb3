package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"jobsched/internal/app"
)

var rootCmd = &cobra.Command{
	Use:   "jobsched",
	Short: "jobsched - persistent job scheduler",
	Long: `jobsched runs jobs once at a set time, daily, or when a named event arrives.

Commands:
  serve    - Start the HTTP API, the scheduler and the optional Telegram console
  migrate  - Apply database migrations and exit

Configuration is read from the environment and an optional .env file.
Running jobsched without a command is the same as "jobsched serve".`,
	SilenceUsage: true,
	RunE:         serve,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler service",
	RunE:  serve,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return a.Migrate(ctx)
	},
}

func serve(cmd *cobra.Command, args []string) error {
	a, err := app.New()
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Run()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
