// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/thylacine/indie-auther-sub000/pkg/config"
	"github.com/thylacine/indie-auther-sub000/pkg/credentials"
	"github.com/thylacine/indie-auther-sub000/pkg/storage"
	"github.com/thylacine/indie-auther-sub000/pkg/storage/factory"
)

// newOperatorCmd groups the provisioning subcommands. The server has no
// self-registration, so operators are created from the command line.
func newOperatorCmd() *cobra.Command {
	operatorCmd := &cobra.Command{
		Use:   "operator",
		Short: "Manage operator accounts",
	}
	operatorCmd.AddCommand(newOperatorAddCmd())
	operatorCmd.AddCommand(newOperatorSetPasswordCmd())
	operatorCmd.AddCommand(newOperatorAddProfileCmd())
	return operatorCmd
}

// withStore opens the configured storage engine, runs fn, and closes it.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store storage.Store) error) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := factory.New(cfg.DB.ConnectionString, false)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	return fn(ctx, store)
}

func newOperatorAddCmd() *cobra.Command {
	var password string

	addCmd := &cobra.Command{
		Use:   "add <identifier>",
		Short: "Provision an operator account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store storage.Store) error {
				identifier := args[0]

				existing, err := store.AuthenticationGet(ctx, identifier)
				if err != nil {
					return err
				}
				if existing != nil {
					return fmt.Errorf("operator %q already exists", identifier)
				}

				credential, err := credentials.Hash(password)
				if err != nil {
					return err
				}
				if err := store.AuthenticationUpsert(ctx, identifier, credential, ""); err != nil {
					return err
				}

				cmd.Printf("operator %s created\n", identifier)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&password, "password", "", "Initial password")
	_ = addCmd.MarkFlagRequired("password")
	return addCmd
}

func newOperatorSetPasswordCmd() *cobra.Command {
	var password string

	setCmd := &cobra.Command{
		Use:   "set-password <identifier>",
		Short: "Replace an operator's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store storage.Store) error {
				identifier := args[0]

				existing, err := store.AuthenticationGet(ctx, identifier)
				if err != nil {
					return err
				}
				if existing == nil {
					return fmt.Errorf("operator %q does not exist", identifier)
				}

				credential, err := credentials.Hash(password)
				if err != nil {
					return err
				}
				if err := store.AuthenticationUpdateCredential(ctx, identifier, credential); err != nil {
					return err
				}

				cmd.Printf("password updated for %s\n", identifier)
				return nil
			})
		},
	}
	setCmd.Flags().StringVar(&password, "password", "", "New password")
	_ = setCmd.MarkFlagRequired("password")
	return setCmd
}

func newOperatorAddProfileCmd() *cobra.Command {
	profileCmd := &cobra.Command{
		Use:   "add-profile <identifier> <profile-url>",
		Short: "Associate a profile URL with an operator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store storage.Store) error {
				identifier, profile := args[0], args[1]

				u, err := url.Parse(profile)
				if err != nil || !u.IsAbs() {
					return fmt.Errorf("profile must be an absolute URL")
				}

				existing, err := store.AuthenticationGet(ctx, identifier)
				if err != nil {
					return err
				}
				if existing == nil {
					return fmt.Errorf("operator %q does not exist", identifier)
				}

				if err := store.ProfileIdentifierInsert(ctx, profile, identifier); err != nil {
					return err
				}

				cmd.Printf("profile %s associated with %s\n", profile, identifier)
				return nil
			})
		},
	}
	return profileCmd
}
