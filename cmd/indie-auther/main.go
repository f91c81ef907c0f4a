// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the indie-auther identity
// provider.
package main

import (
	"os"

	"github.com/thylacine/indie-auther-sub000/cmd/indie-auther/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
