// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thylacine/indie-auther-sub000/pkg/chores"
	"github.com/thylacine/indie-auther-sub000/pkg/config"
	"github.com/thylacine/indie-auther-sub000/pkg/envelope"
	"github.com/thylacine/indie-auther-sub000/pkg/indieauth"
	"github.com/thylacine/indie-auther-sub000/pkg/logger"
	"github.com/thylacine/indie-auther-sub000/pkg/manager"
	"github.com/thylacine/indie-auther-sub000/pkg/networking"
	"github.com/thylacine/indie-auther-sub000/pkg/queue"
	"github.com/thylacine/indie-auther-sub000/pkg/server"
	"github.com/thylacine/indie-auther-sub000/pkg/storage/factory"
)

const outboundUserAgent = "indie-auther"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the identity provider",
	Long: `Start the identity provider: apply pending storage migrations, launch
the background chores, and serve the configured routes until interrupted.`,
	RunE: runServe,
}

var allowPrivateFetch bool

func init() {
	serveCmd.Flags().BoolVar(&allowPrivateFetch, "allow-private-fetch", false,
		"Allow outbound fetches to private addresses (development only)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Initialize(cfg.Debug); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Sync()

	codec, err := envelope.New(cfg.EncryptionSecret)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := factory.New(cfg.DB.ConnectionString, cfg.DB.QueryLogLevel != "")
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnw("failed to close storage", "error", err)
		}
	}()

	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	client, err := networking.NewHTTPClientBuilder().
		WithTimeout(30 * time.Second).
		WithUserAgent(outboundUserAgent).
		WithPrivateIPs(allowPrivateFetch).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build HTTP client: %w", err)
	}
	fetcher := indieauth.NewFetcher(client)

	var publisher queue.Publisher
	if cfg.Queues.AMQP.URL != "" {
		amqpPublisher, err := queue.NewAMQP(cfg.Queues.AMQP.URL)
		if err != nil {
			return fmt.Errorf("failed to configure queue: %w", err)
		}
		defer func() {
			if err := amqpPublisher.Close(); err != nil {
				logger.Warnw("failed to close queue", "error", err)
			}
		}()
		publisher = amqpPublisher
	} else {
		logger.Infow("no queue configured, ticket proffers will be refused")
	}

	renderer, err := server.NewRenderer()
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}

	mgr := manager.New(store, codec, fetcher, publisher, renderer, cfg)

	ch := chores.New(store, publisher, cfg)
	ch.Start()
	defer ch.Stop()

	srv := server.New(cfg, store, mgr, ch, renderer, server.NewBasicAuthenticator(store))

	logger.Infow("starting identity provider",
		"address", cfg.ListenAddress,
		"issuer", cfg.Dingus.SelfBaseURL,
	)
	return srv.Run(ctx)
}
