// Command courier runs the background job daemon and its operator commands.
//
// Subcommands:
//
//	serve        worker pool, maintenance and ops server
//	enqueue      add a job to a queue
//	jobs         list, inspect and count jobs
//	dlq          list and retry dead-lettered jobs
//	fanout       submit or replay a notification fan-out
//	resource     broadcast a delete to every storage account
//	accounts     inspect the storage account rotation
//	maintenance  run a housekeeping task now
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"courier/internal/app"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "courier:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "courier",
		Short:         "Background jobs: notification fan-out, delivery and storage account rotation",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./courier.yaml", "path to config (yaml or json)")

	root.AddCommand(
		serveCmd(&cfgPath),
		enqueueCmd(&cfgPath),
		jobsCmd(&cfgPath),
		dlqCmd(&cfgPath),
		fanoutCmd(&cfgPath),
		resourceCmd(&cfgPath),
		accountsCmd(&cfgPath),
		maintenanceCmd(&cfgPath),
	)
	return root
}

// withCore opens the config and job store for one operator command.
func withCore(cmd *cobra.Command, cfgPath string, fn func(ctx context.Context, core *app.Core) error) error {
	ctx := cmd.Context()
	core, err := app.OpenCore(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(ctx, core)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
