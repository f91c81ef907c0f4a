// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

// AlmanacGetAll returns the last-run date of every recorded event.
func (s *Store) AlmanacGetAll(ctx context.Context) (map[string]time.Time, error) {
	const query = `SELECT event, date FROM almanac`
	s.logQuery(query)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list almanac: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var event string
		var date int64
		if err := rows.Scan(&event, &date); err != nil {
			return nil, fmt.Errorf("failed to scan almanac row: %w", err)
		}
		out[event] = time.Unix(date, 0)
	}
	return out, rows.Err()
}

// AlmanacUpsert records the last-run date for an event.
func (s *Store) AlmanacUpsert(ctx context.Context, event string, date time.Time) error {
	if event == "" {
		return fmt.Errorf("%w: empty event", storage.ErrDataValidation)
	}
	return s.almanacUpsertTx(ctx, nil, event, date)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) almanacUpsertTx(ctx context.Context, tx *sql.Tx, event string, date time.Time) error {
	const query = `
		INSERT INTO almanac (event, date) VALUES (?, ?)
		ON CONFLICT (event) DO UPDATE SET date = excluded.date`
	s.logQuery(query, event, date)

	var runner execer = s.db
	if tx != nil {
		runner = tx
	}
	if _, err := runner.ExecContext(ctx, query, event, date.Unix()); err != nil {
		return fmt.Errorf("failed to upsert almanac: %w", err)
	}
	return nil
}

// almanacDue reports whether an event's last run is older than
// atLeastSinceLast. A non-positive threshold always runs.
func (s *Store) almanacDue(ctx context.Context, tx *sql.Tx, event string, atLeastSinceLast time.Duration) (bool, error) {
	if atLeastSinceLast <= 0 {
		return true, nil
	}

	const query = `SELECT date FROM almanac WHERE event = ?`
	s.logQuery(query, event)

	var date int64
	err := tx.QueryRowContext(ctx, query, event).Scan(&date)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read almanac: %w", err)
	}
	return time.Since(time.Unix(date, 0)) >= atLeastSinceLast, nil
}
