// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
)

var (
	// ErrUnexpectedResult is returned when a statement affects a
	// different number of rows than the operation requires.
	ErrUnexpectedResult = errors.New("unexpected result")

	// ErrDataValidation is returned when a value fails shape checks
	// before it reaches the engine.
	ErrDataValidation = errors.New("data validation failed")

	// ErrMigrationNeeded is returned by Initialize when the persisted
	// schema is outside the supported range.
	ErrMigrationNeeded = errors.New("schema migration needed")

	// ErrUnsupportedEngine is returned by the factory for connection
	// strings whose scheme selects no known engine.
	ErrUnsupportedEngine = errors.New("unsupported storage engine")

	// ErrNotImplemented is returned for contract operations an engine
	// does not support.
	ErrNotImplemented = errors.New("not implemented")
)
