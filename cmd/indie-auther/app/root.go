// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the indie-auther command-line application.
package app

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "indie-auther",
	DisableAutoGenTag: true,
	Short:             "indie-auther is a standalone IndieAuth identity provider",
	Long: `indie-auther is a standalone IndieAuth / OAuth 2.1 identity provider.
It serves the authorization, consent, token, introspection, revocation,
userinfo and TicketAuth endpoints over the profiles it knows about, with
SQLite or PostgreSQL persistence.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd creates the root command for the indie-auther CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newOperatorCmd())

	return rootCmd
}
