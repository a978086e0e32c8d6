package main

import (
	"encoding/json"
	"fmt"

	"github.com/MarkoPoloResearchLab/meetingcredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/meetingcredits/pkg/credits"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	flagWithDirectory = "with-directory"
	flagUserID        = "user-id"
	flagValue         = "value"
	flagDelta         = "delta"
)

func newMigrateCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			withDirectory, err := cmd.Flags().GetBool(flagWithDirectory)
			if err != nil {
				return err
			}
			backend, err := openBackend(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer func() { _ = backend.close() }()
			if withDirectory {
				if backend.gormDB == nil {
					return fmt.Errorf("--%s requires %s %q", flagWithDirectory, flagStoreDriver, storeDriverGorm)
				}
				if err := gormstore.MigrateDirectory(backend.gormDB, cfg.DirectoryTable); err != nil {
					return fmt.Errorf("directory migrate: %w", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
	cmd.Flags().Bool(flagWithDirectory, false, "also create a minimal user directory table")
	return cmd
}

func newCreditsCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect or override a user's remaining credits",
	}
	cmd.PersistentFlags().String(flagUserID, "", "user id (required)")
	_ = cmd.MarkPersistentFlagRequired(flagUserID)

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Print the remaining credits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCreditService(cmd, cfg, func(service *credits.Service, userID credits.UserID) (credits.CreditBalance, error) {
				return service.Balance(cmd.Context(), userID)
			})
		},
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Overwrite the remaining credits; negative values clamp to zero",
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := cmd.Flags().GetInt64(flagValue)
			if err != nil {
				return err
			}
			return withCreditService(cmd, cfg, func(service *credits.Service, userID credits.UserID) (credits.CreditBalance, error) {
				return service.SetBalance(cmd.Context(), userID, value)
			})
		},
	}
	setCmd.Flags().Int64(flagValue, 0, "new balance (required)")
	_ = setCmd.MarkFlagRequired(flagValue)

	adjustCmd := &cobra.Command{
		Use:   "adjust",
		Short: "Add a signed delta to the remaining credits",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawDelta, err := cmd.Flags().GetInt64(flagDelta)
			if err != nil {
				return err
			}
			delta, err := credits.NewCreditDelta(rawDelta)
			if err != nil {
				return err
			}
			return withCreditService(cmd, cfg, func(service *credits.Service, userID credits.UserID) (credits.CreditBalance, error) {
				return service.AdjustBalance(cmd.Context(), userID, delta)
			})
		},
	}
	adjustCmd.Flags().Int64(flagDelta, 0, "signed delta (required)")
	_ = adjustCmd.MarkFlagRequired(flagDelta)

	cmd.AddCommand(getCmd, setCmd, adjustCmd)
	return cmd
}

func withCreditService(cmd *cobra.Command, cfg *runtimeConfig, operation func(*credits.Service, credits.UserID) (credits.CreditBalance, error)) error {
	rawUserID, err := cmd.Flags().GetString(flagUserID)
	if err != nil {
		return err
	}
	userID, err := credits.NewUserID(rawUserID)
	if err != nil {
		return err
	}
	backend, err := openBackend(cmd.Context(), cfg, cfg.autoMigrate())
	if err != nil {
		return err
	}
	defer func() { _ = backend.close() }()

	service, err := newCreditService(backend.store, cfg, zap.NewNop())
	if err != nil {
		return err
	}
	remaining, err := operation(service, userID)
	if err != nil {
		return err
	}
	return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
		"user_id":   userID.String(),
		"remaining": remaining.Int64(),
	})
}
