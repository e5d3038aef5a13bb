package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ternarybob/handover/internal/app"
	"github.com/ternarybob/handover/internal/common"
	"github.com/ternarybob/handover/internal/models"
)

func newDriveCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Walk and maintain the Drive hierarchy",
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print results as JSON")

	cmd.AddCommand(
		newDriveListCmd(&asJSON),
		newDriveReportCmd(&asJSON),
		newDriveCopyOwnedCmd(&asJSON),
		newDriveAcceptCmd(&asJSON),
		newDriveHierarchyCmd(&asJSON),
	)

	return cmd
}

func renderEntries(cmd *cobra.Command, entries []models.DriveEntry, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, entries)
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		kind := "file"
		if e.IsFolder() {
			kind = "folder"
		}
		rows = append(rows, []string{
			e.ID,
			truncate(e.Name, 40),
			kind,
			strings.Join(e.OwnerEmails(), ", "),
			formatTime(e.CreatedTime),
		})
	}
	return renderTable(out, []string{"ID", "Name", "Type", "Owners", "Created"}, rows)
}

func withApp(cmd *cobra.Command, fn func(application *app.App) error) error {
	application, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer application.Close()
	return fn(application)
}

func newDriveListCmd(asJSON *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "list <rootId>",
		Short: "List every file and folder below a root folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(application *app.App) error {
				entries, err := application.DriveWalker.ListAll(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return renderEntries(cmd, entries, *asJSON)
			})
		},
	}
}

func newDriveReportCmd(asJSON *bool) *cobra.Command {
	var age string
	var owner string

	cmd := &cobra.Command{
		Use:   "report <rootId>",
		Short: "List files older than --age not yet owned by --owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if age == "" {
				age = config.Drive.ReportAge
			}
			window := common.ParseDurationOr(age, 0)
			if window <= 0 {
				return fmt.Errorf("invalid --age %q", age)
			}
			if owner == "" {
				owner = config.Drive.WatchedOwner
			}
			if owner == "" {
				owner = config.Automation.AccountEmail
			}

			return withApp(cmd, func(application *app.App) error {
				entries, err := application.DriveWalker.Untransferred(cmd.Context(), args[0], window, owner, time.Now())
				if err != nil {
					return err
				}
				return renderEntries(cmd, entries, *asJSON)
			})
		},
	}

	cmd.Flags().StringVar(&age, "age", "", "Minimum file age, e.g. 168h (defaults to drive.report_age)")
	cmd.Flags().StringVar(&owner, "owner", "", "Expected owner (defaults to drive.watched_owner, then the automation account)")

	return cmd
}

func newDriveCopyOwnedCmd(asJSON *bool) *cobra.Command {
	var email string
	var root string

	cmd := &cobra.Command{
		Use:   "copy-owned",
		Short: "Copy every file owned by --email into the automation account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(application *app.App) error {
				var results []models.CopyResult
				var err error
				if root != "" {
					results, err = application.DriveWalker.CopyOwnedByIn(cmd.Context(), root, email)
				} else {
					results, err = application.DriveWalker.CopyOwnedBy(cmd.Context(), email)
				}
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if *asJSON {
					return writeJSON(out, results)
				}

				rows := make([][]string, 0, len(results))
				for _, r := range results {
					rows = append(rows, []string{r.SourceID, truncate(r.Name, 40), r.CopyID, truncate(r.Error, 50)})
				}
				return renderTable(out, []string{"Source", "Name", "Copy", "Error"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Owner whose files are copied")
	_ = cmd.MarkFlagRequired("email")
	cmd.Flags().StringVar(&root, "root", "", "Only copy files below this folder")

	return cmd
}

func newDriveAcceptCmd(asJSON *bool) *cobra.Command {
	var account string
	var root string

	cmd := &cobra.Command{
		Use:   "accept <fileId> | --root <folderId>",
		Short: "Accept pending ownership transfers through the Drive API",
		Args: func(cmd *cobra.Command, args []string) error {
			if root != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if account == "" {
				account = config.Automation.AccountEmail
			}

			return withApp(cmd, func(application *app.App) error {
				if root != "" {
					return acceptBelow(cmd, application, root, account, *asJSON)
				}

				accepted, err := application.DriveWalker.AcceptPendingOwnership(cmd.Context(), args[0], account)
				if err != nil {
					return err
				}
				if accepted {
					fmt.Fprintf(cmd.OutOrStdout(), "Ownership of %s transferred to %s\n", args[0], account)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "No pending ownership for %s on %s\n", account, args[0])
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Pending owner (defaults to the automation account)")
	cmd.Flags().StringVar(&root, "root", "", "Accept every pending transfer below this folder instead of one file")

	return cmd
}

func acceptBelow(cmd *cobra.Command, application *app.App, root string, account string, asJSON bool) error {
	results, err := application.DriveWalker.AcceptPendingIn(cmd.Context(), root, account)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, results)
	}

	rows := make([][]string, 0, len(results))
	for _, r := range results {
		status := "accepted"
		if r.Error != "" {
			status = truncate(r.Error, 50)
		}
		rows = append(rows, []string{r.FileID, truncate(r.Name, 40), status})
	}
	return renderTable(out, []string{"ID", "Name", "Result"}, rows)
}

func newDriveHierarchyCmd(asJSON *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "hierarchy <fileId>",
		Short: "Show the parent chain of a file up to the root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(application *app.App) error {
				chain, err := application.DriveWalker.Hierarchy(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return renderEntries(cmd, chain, *asJSON)
			})
		},
	}
}
