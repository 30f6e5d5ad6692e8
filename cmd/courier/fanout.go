package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"courier/internal/app"
	"courier/internal/fanout"
	"courier/internal/maintenance"
)

func fanoutCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fanout",
		Short: "Notify every user except the actor",
	}

	var ev fanout.Event
	bind := func(c *cobra.Command) {
		c.Flags().StringVar(&ev.ID, "event-id", "", "event id (dedup scope for recipients)")
		c.Flags().StringVar(&ev.ActorID, "actor", "", "user id excluded from the recipients")
		c.Flags().StringVar(&ev.Content, "content", "", "notification text")
	}

	submit := &cobra.Command{
		Use:   "submit",
		Short: "Enqueue a fan-out; repeated submits of one event id are ignored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, *cfgPath, func(ctx context.Context, core *app.Core) error {
				id, err := fanout.Submit(ctx, core.Jobs, ev)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	bind(submit)

	replay := &cobra.Command{
		Use:   "replay",
		Short: "Run a fan-out again; recipients already notified are skipped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, *cfgPath, func(ctx context.Context, core *app.Core) error {
				id, err := fanout.Replay(ctx, core.Jobs, ev)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	bind(replay)
	_ = replay.MarkFlagRequired("event-id")

	cmd.AddCommand(submit, replay)
	return cmd
}

func maintenanceCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:       "maintenance <task>",
		Short:     "Run a housekeeping task now",
		Long:      "Tasks: " + maintenance.TaskRecoverStale + " (release expired leases), " + maintenance.TaskPruneCompleted + " (delete old completed jobs).",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{maintenance.TaskRecoverStale, maintenance.TaskPruneCompleted},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, *cfgPath, func(ctx context.Context, core *app.Core) error {
				n, err := core.RunMaintenance(ctx, args[0])
				if errors.Is(err, maintenance.ErrUnknownTask) {
					return fmt.Errorf("%w (want %s or %s)", err, maintenance.TaskRecoverStale, maintenance.TaskPruneCompleted)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d jobs\n", args[0], n)
				return nil
			})
		},
	}
}
