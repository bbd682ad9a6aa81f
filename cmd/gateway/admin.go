package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/fundgate/internal/gateway"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			applied, err := a.migrate(ctx)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			for _, v := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", v)
			}
			return nil
		},
	}
}

func issueKeyCmd(configPath *string) *cobra.Command {
	var username, institution string

	cmd := &cobra.Command{
		Use:   "issue-key",
		Short: "Issue an API key for a partner institution",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			cred, err := a.credentialService().Issue(ctx, username, institution)
			if err != nil {
				return err
			}
			// The plaintext key is shown once; only its hash is stored.
			fmt.Fprintln(cmd.OutOrStdout(), cred.APIKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "unique username for the key holder")
	cmd.Flags().StringVar(&institution, "institution", "", "institution name")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("institution")
	return cmd
}

func listKeysCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-keys",
		Short: "List issued API keys without their secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			creds, err := a.credentialService().List(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, creds)
		},
	}
}

func staleTransfersCmd(configPath *string) *cobra.Command {
	var (
		olderThan time.Duration
		fail      bool
	)

	cmd := &cobra.Command{
		Use:   "stale-transfers",
		Short: "List pending transfers older than a threshold, optionally failing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			ctx := commandContext(cmd)
			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			// No partner calls are made here, so the service runs without one.
			svc := gateway.NewTransferService(a.ledger, nil, a.logger, nil)
			transfers, err := svc.StaleTransfers(ctx, olderThan, fail)
			if err != nil {
				return err
			}
			return printJSON(cmd, transfers)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "minimum age of a pending transfer")
	cmd.Flags().BoolVar(&fail, "fail", false, "move every stale transfer to failed")
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
