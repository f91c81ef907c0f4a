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

// TicketRedeemed records a proffered ticket pending publication.
func (s *Store) TicketRedeemed(ctx context.Context, ticket storage.RedeemedTicket) error {
	if ticket.Ticket == "" || ticket.Resource == "" || ticket.Subject == "" {
		return fmt.Errorf("%w: ticket, resource and subject are required", storage.ErrDataValidation)
	}

	created := ticket.Created
	if created.IsZero() {
		created = time.Now()
	}

	const query = `
		INSERT INTO redeemed_ticket (ticket, resource, subject, iss, token, created)
		VALUES (?, ?, ?, ?, ?, ?)`
	s.logQuery(query, ticket.Resource, ticket.Subject)

	if _, err := s.db.ExecContext(ctx, query,
		ticket.Ticket, ticket.Resource, ticket.Subject, ticket.Iss, ticket.Token, created.Unix()); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: ticket already redeemed", storage.ErrUnexpectedResult)
		}
		return fmt.Errorf("failed to insert redeemed ticket: %w", err)
	}
	return nil
}

// TicketTokenPublished marks a redeemed ticket as delivered to the
// queue.
func (s *Store) TicketTokenPublished(ctx context.Context, ticket storage.RedeemedTicket) error {
	const query = `
		UPDATE redeemed_ticket SET published = ?
		WHERE ticket = ? AND resource = ? AND subject = ?`
	s.logQuery(query, ticket.Resource, ticket.Subject)

	return s.execExpectOne(ctx, query, time.Now().Unix(), ticket.Ticket, ticket.Resource, ticket.Subject)
}

// TicketTokenGetUnpublished returns pending tickets, oldest first.
func (s *Store) TicketTokenGetUnpublished(ctx context.Context, limit int) ([]storage.RedeemedTicket, error) {
	query := `
		SELECT ticket, resource, subject, iss, token, created
		FROM redeemed_ticket WHERE published IS NULL ORDER BY created`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	s.logQuery(query, args...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpublished tickets: %w", err)
	}
	defer rows.Close()

	var out []storage.RedeemedTicket
	for rows.Next() {
		var t storage.RedeemedTicket
		var created int64
		if err := rows.Scan(&t.Ticket, &t.Resource, &t.Subject, &t.Iss, &t.Token, &created); err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		t.Created = time.Unix(created, 0)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ResourceGet fetches a resource server record by id.
func (s *Store) ResourceGet(ctx context.Context, resourceID string) (*storage.Resource, error) {
	const query = `SELECT resource_id, secret, description, created FROM resource WHERE resource_id = ?`
	s.logQuery(query, resourceID)

	var r storage.Resource
	var created int64
	err := s.db.QueryRowContext(ctx, query, resourceID).
		Scan(&r.ResourceID, &r.Secret, &r.Description, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	r.Created = time.Unix(created, 0)
	return &r, nil
}

// ResourceUpsert provisions or updates a resource server record.
func (s *Store) ResourceUpsert(ctx context.Context, resourceID, secret, description string) error {
	if resourceID == "" {
		return fmt.Errorf("%w: empty resource id", storage.ErrDataValidation)
	}

	const query = `
		INSERT INTO resource (resource_id, secret, description, created)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (resource_id) DO UPDATE
		SET secret = excluded.secret, description = excluded.description`
	s.logQuery(query, resourceID)

	if _, err := s.db.ExecContext(ctx, query, resourceID, secret, description, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to upsert resource: %w", err)
	}
	return nil
}
