// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package chores runs the periodic housekeeping loops: expired
// code/token cleanup, orphaned scope cleanup, and publication of
// redeemed tickets to the queue. Each chore self-reschedules after
// completing; the almanac rate-limits the storage-side work so
// overlapping deployments do not stampede.
package chores

import (
	"context"
	"sync"
	"time"

	"github.com/thylacine/indie-auther-sub000/pkg/config"
	"github.com/thylacine/indie-auther-sub000/pkg/logger"
	"github.com/thylacine/indie-auther-sub000/pkg/queue"
	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

// codeValiditySeconds converts the configured code validity window for
// TokenCleanup's stale-code criterion.
func codeValiditySeconds(cfg *config.Config) int64 {
	return cfg.Manager.CodeValidityTimeoutMs / 1000
}

// Chores owns the background loops.
type Chores struct {
	store     storage.Store
	publisher queue.Publisher // nil when no broker configured
	cfg       *config.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New prepares the chores; Start launches them.
func New(store storage.Store, publisher queue.Publisher, cfg *config.Config) *Chores {
	ctx, cancel := context.WithCancel(context.Background())
	return &Chores{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches one goroutine per enabled chore. An interval of 0
// disables that chore.
func (c *Chores) Start() {
	c.startLoop("cleanTokens", c.cfg.Chores.TokenCleanupMs, c.CleanTokens)
	c.startLoop("cleanScopes", c.cfg.Chores.ScopeCleanupMs, c.CleanScopes)
	if c.publisher != nil {
		c.startLoop("publishTickets", c.cfg.Chores.PublishTicketsMs, c.PublishTickets)
	}
}

// Stop cancels the loops and waits for any in-flight chore to finish.
func (c *Chores) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Chores) startLoop(name string, intervalMs int64, run func(ctx context.Context, atLeastSinceLast time.Duration)) {
	if intervalMs <= 0 {
		return
	}
	interval := time.Duration(intervalMs) * time.Millisecond

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		timer := time.NewTimer(interval)
		defer timer.Stop()

		logger.Debugw("chore scheduled", "chore", name, "interval", interval)
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-timer.C:
				run(c.ctx, interval)
				timer.Reset(interval)
			}
		}
	}()
}

// RunAll invokes every chore once with no rate limit, for the admin
// maintenance endpoint.
func (c *Chores) RunAll(ctx context.Context) {
	c.CleanTokens(ctx, 0)
	c.CleanScopes(ctx, 0)
	if c.publisher != nil {
		c.PublishTickets(ctx, 0)
	}
}

// CleanTokens removes dead codes and tokens.
func (c *Chores) CleanTokens(ctx context.Context, atLeastSinceLast time.Duration) {
	removed, ran, err := c.store.TokenCleanup(ctx, codeValiditySeconds(c.cfg), atLeastSinceLast)
	switch {
	case err != nil:
		logger.Errorw("token cleanup failed", "error", err)
	case !ran:
		logger.Debugw("token cleanup skipped, ran recently")
	default:
		logger.Infow("token cleanup complete", "removed", removed)
	}
}

// CleanScopes removes unreferenced ephemeral scopes.
func (c *Chores) CleanScopes(ctx context.Context, atLeastSinceLast time.Duration) {
	removed, ran, err := c.store.ScopeCleanup(ctx, atLeastSinceLast)
	switch {
	case err != nil:
		logger.Errorw("scope cleanup failed", "error", err)
	case !ran:
		logger.Debugw("scope cleanup skipped, ran recently")
	default:
		logger.Infow("scope cleanup complete", "removed", removed)
	}
}

// PublishTickets drains the unpublished redeemed tickets to the queue.
// A failure on one row is logged and does not stop the rest.
func (c *Chores) PublishTickets(ctx context.Context, _ time.Duration) {
	tickets, err := c.store.TicketTokenGetUnpublished(ctx, 0)
	if err != nil {
		logger.Errorw("failed to list unpublished tickets", "error", err)
		return
	}

	for _, ticket := range tickets {
		if err := c.publisher.Publish(ctx, c.cfg.Queues.TicketRedeemedName, ticket); err != nil {
			logger.Errorw("failed to publish redeemed ticket",
				"resource", ticket.Resource, "subject", ticket.Subject, "error", err)
			continue
		}
		if err := c.store.TicketTokenPublished(ctx, ticket); err != nil {
			logger.Errorw("failed to mark ticket published",
				"resource", ticket.Resource, "subject", ticket.Subject, "error", err)
			continue
		}
		logger.Infow("published redeemed ticket", "resource", ticket.Resource, "subject", ticket.Subject)
	}
}
