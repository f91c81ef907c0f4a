// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package factory selects a storage engine from the scheme of a
// connection string.
package factory

import (
	"fmt"
	"strings"

	"github.com/thylacine/indie-auther-sub000/pkg/storage"
	"github.com/thylacine/indie-auther-sub000/pkg/storage/memory"
	"github.com/thylacine/indie-auther-sub000/pkg/storage/postgres"
	"github.com/thylacine/indie-auther-sub000/pkg/storage/sqlite"
)

// New returns the engine named by the connection string's scheme:
// "sqlite:" opens an embedded file database, "postgresql://" (or
// "postgres://") a networked pool, and "memory:" an in-process map
// store for development. Unknown schemes return ErrUnsupportedEngine.
func New(connectionString string, queryLog bool) (storage.Store, error) {
	switch {
	case strings.HasPrefix(connectionString, "sqlite:"):
		return sqlite.New(connectionString, sqlite.WithQueryLogging(queryLog))
	case strings.HasPrefix(connectionString, "postgresql://"),
		strings.HasPrefix(connectionString, "postgres://"):
		return postgres.New(connectionString, postgres.WithQueryLogging(queryLog))
	case strings.HasPrefix(connectionString, "memory:"):
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", storage.ErrUnsupportedEngine, connectionString)
	}
}
