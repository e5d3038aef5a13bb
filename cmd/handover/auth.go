package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ternarybob/handover/internal/common"
	"github.com/ternarybob/handover/internal/models"
	"github.com/ternarybob/handover/internal/services/credentials"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the automation account's OAuth credentials",
	}

	cmd.AddCommand(newAuthImportCmd(), newAuthStatusCmd())

	return cmd
}

func newAuthImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <token.json>",
		Short: "Encrypt and store an exported OAuth token file",
		Long:  "Imports an authorized-user token file written by a Google client library or an oauth2 token JSON. Missing client fields are filled from the [credentials] config section. A running dispatcher halted on an auth failure resumes on its next tick.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read token file: %w", err)
			}

			rec, err := credentials.ParseTokenJSON(data, models.CredentialRecord{
				TokenURI:     config.Credentials.TokenURI,
				ClientID:     config.Credentials.ClientID,
				ClientSecret: config.Credentials.ClientSecret,
			})
			if err != nil {
				return err
			}

			application, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer application.Close()

			if err := application.CredentialService.Save(cmd.Context(), rec); err != nil {
				return err
			}

			imports, _, err := application.CredentialService.ImportVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Credentials stored (import %d)\n", imports)
			return nil
		},
	}
}

func newAuthStatusCmd() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored credential without revealing tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer application.Close()

			svc := application.CredentialService
			load := svc.Load
			if refresh {
				load = svc.EnsureValid
			}

			rec, err := load(cmd.Context())
			if err != nil {
				return err
			}
			version, updatedAt, err := svc.Version(cmd.Context())
			if err != nil {
				return err
			}
			imports, importedAt, err := svc.ImportVersion(cmd.Context())
			if err != nil {
				return err
			}

			state := "valid"
			margin := common.ParseDurationOr(config.Credentials.RefreshMargin, 5*time.Minute)
			if rec.NeedsRefresh(time.Now(), margin) {
				state = "refresh due"
			}

			return renderFields(cmd.OutOrStdout(), [][2]string{
				{"Version", strconv.Itoa(version)},
				{"Updated", formatTime(updatedAt)},
				{"Imports", strconv.Itoa(imports)},
				{"Imported", formatTime(importedAt)},
				{"Expiry", formatTime(rec.Expiry)},
				{"State", state},
				{"Refresh token", presence(rec.RefreshToken)},
				{"Client ID", rec.ClientID},
				{"Scopes", strings.Join(rec.Scopes, ", ")},
			})
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Refresh the access token if it is due")

	return cmd
}

func presence(s string) string {
	if s == "" {
		return "absent"
	}
	return "present"
}
