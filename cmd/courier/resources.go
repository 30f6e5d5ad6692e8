package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"courier/internal/app"
	"courier/internal/resourcepool"
)

func resourceCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Upload to or delete from the storage accounts",
	}

	var resourceType string
	del := &cobra.Command{
		Use:   "delete <delivery-url|resource-id>",
		Short: "Delete a resource from every account (best effort)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, *cfgPath, func(ctx context.Context, core *app.Core) error {
				sum, err := core.DeleteResource(ctx, args[0], resourceType)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ACCOUNT\tRESULT")
				for _, r := range sum.Results {
					fmt.Fprintf(w, "%s\t%s\n", r.Account, deleteOutcome(r.Err))
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: deleted %d, failed %d of %d\n", sum.ResourceID, sum.Deleted(), sum.Failed(), len(sum.Results))
				return nil
			})
		},
	}
	del.Flags().StringVar(&resourceType, "type", "", "resource type for bare ids (default image; derived from URLs)")

	var folder string
	upload := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file through the next account in rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return withCore(cmd, *cfgPath, func(ctx context.Context, core *app.Core) error {
				if folder == "" {
					folder = core.Config.Get().Resources.Folder
				}
				up, err := core.Resources.Upload(ctx, f, folder)
				if err != nil {
					return err
				}
				return printJSON(cmd, up)
			})
		},
	}
	upload.Flags().StringVar(&folder, "folder", "", "target folder (default resources.folder)")

	cmd.AddCommand(del, upload)
	return cmd
}

func deleteOutcome(err error) string {
	switch {
	case err == nil:
		return "deleted"
	case errors.Is(err, resourcepool.ErrResourceNotFound):
		return "not found"
	default:
		return "failed: " + err.Error()
	}
}

func accountsCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect the storage account rotation",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List configured accounts (without secrets)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, *cfgPath, func(_ context.Context, core *app.Core) error {
				return printJSON(cmd, core.Accounts())
			})
		},
	}

	var folder string
	sign := &cobra.Command{
		Use:   "sign",
		Short: "Sign direct-upload parameters with the next account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, *cfgPath, func(_ context.Context, core *app.Core) error {
				if folder == "" {
					folder = core.Config.Get().Resources.Folder
				}
				sig, err := core.Resources.SignUpload(folder, time.Now())
				if err != nil {
					return err
				}
				return printJSON(cmd, sig)
			})
		},
	}
	sign.Flags().StringVar(&folder, "folder", "", "upload folder (default resources.folder)")

	cmd.AddCommand(list, sign)
	return cmd
}
