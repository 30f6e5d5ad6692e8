package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"courier/internal/app"
	"courier/internal/job"
	"courier/internal/storage"
)

func enqueueCmd(cfgPath *string) *cobra.Command {
	var (
		queueName string
		delay     time.Duration
		attempts  int
		backoff   time.Duration
		dedup     string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <payload-json>",
		Short: "Add a job to a queue",
		Example: `  courier enqueue -q notify.direct '{"address":"a@example.com","content":"your code is 123456"}'
  courier enqueue -q notify.bulk --delay 10m '{"address":"tg:42","content":"reminder"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[0])) {
				return fmt.Errorf("payload is not valid JSON")
			}
			return withCore(cmd, *cfgPath, func(ctx context.Context, core *app.Core) error {
				id, err := core.Jobs.Enqueue(ctx, queueName, json.RawMessage(args[0]), job.Options{
					Delay:       delay,
					MaxAttempts: attempts,
					BackoffBase: backoff,
					DedupKey:    dedup,
				})
				if errors.Is(err, storage.ErrDuplicate) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s (duplicate)\n", id)
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&queueName, "queue", "q", "notify.direct", "queue name")
	cmd.Flags().DurationVar(&delay, "delay", 0, "do not run before now+delay")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "max attempts (0 = queue default)")
	cmd.Flags().DurationVar(&backoff, "backoff", 0, "backoff base (0 = queue default)")
	cmd.Flags().StringVar(&dedup, "dedup-key", "", "idempotency key within the queue")
	return cmd
}

func jobsCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List, inspect and count jobs",
	}

	var (
		queueName string
		status    string
		limit     int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := storage.Filter{Queue: queueName, Limit: limit}
			if status != "" {
				st, err := job.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			return withCore(cmd, *cfgPath, func(ctx context.Context, core *app.Core) error {
				jobs, err := core.Queue.List(ctx, f)
				if err != nil {
					return err
				}
				return printJobs(cmd, jobs)
			})
		},
	}
	list.Flags().StringVarP(&queueName, "queue", "q", "", "only this queue")
	list.Flags().StringVarP(&status, "status", "s", "", "only this status (pending, leased, completed, failed_retry, dead)")
	list.Flags().IntVar(&limit, "limit", 50, "max jobs to show")

	get := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, *cfgPath, func(ctx context.Context, core *app.Core) error {
				j, err := core.Queue.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, j)
			})
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count jobs per queue and status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, *cfgPath, func(ctx context.Context, core *app.Core) error {
				st, err := core.Queue.Stats(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "QUEUE\tSTATUS\tCOUNT")
				for _, s := range st {
					fmt.Fprintf(w, "%s\t%s\t%d\n", s.Queue, s.Status, s.Count)
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(list, get, stats)
	return cmd
}

func dlqCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Manage dead-lettered jobs",
	}

	var (
		queueName string
		limit     int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, *cfgPath, func(ctx context.Context, core *app.Core) error {
				jobs, err := core.Queue.List(ctx, storage.Filter{Queue: queueName, Status: job.StatusDeadLettered, Limit: limit})
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "dead-letter queue is empty")
					return nil
				}
				return printJobs(cmd, jobs)
			})
		},
	}
	list.Flags().StringVarP(&queueName, "queue", "q", "", "only this queue")
	list.Flags().IntVar(&limit, "limit", 50, "max jobs to show")

	retryCmd := &cobra.Command{
		Use:   "retry <job-id>...",
		Short: "Move dead-lettered jobs back to pending with a fresh attempt budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, *cfgPath, func(ctx context.Context, core *app.Core) error {
				for _, id := range args {
					if err := core.Queue.Requeue(ctx, id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s requeued\n", id)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(list, retryCmd)
	return cmd
}

func printJobs(cmd *cobra.Command, jobs []job.Job) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tQUEUE\tSTATUS\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			j.ID, j.Queue, j.Status, j.AttemptsMade, j.MaxAttempts,
			j.UpdatedAt.Format(time.RFC3339), j.LastError)
	}
	return w.Flush()
}
