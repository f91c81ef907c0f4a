// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates server configuration from a YAML
// file and INDIE_AUTHER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// Config is the fully resolved server configuration. It is frozen after
// Load; nothing mutates it at runtime.
type Config struct {
	// EncryptionSecret keys the sealed-envelope codec. Rotating it
	// invalidates every outstanding envelope.
	EncryptionSecret string `mapstructure:"encryptionSecret"`

	DB            DBConfig            `mapstructure:"db"`
	Dingus        DingusConfig        `mapstructure:"dingus"`
	Route         RouteConfig         `mapstructure:"route"`
	Queues        QueuesConfig        `mapstructure:"queues"`
	Chores        ChoresConfig        `mapstructure:"chores"`
	Manager       ManagerConfig       `mapstructure:"manager"`
	Authenticator AuthenticatorConfig `mapstructure:"authenticator"`

	// ListenAddress is the host:port the HTTP server binds.
	ListenAddress string `mapstructure:"listenAddress"`

	// Debug enables the development log encoder at debug level.
	Debug bool `mapstructure:"debug"`
}

// DBConfig selects and tunes the storage engine.
type DBConfig struct {
	// ConnectionString scheme selects the engine: postgresql:// or sqlite://.
	ConnectionString string `mapstructure:"connectionString"`

	// QueryLogLevel, when non-empty, logs every query at that level.
	QueryLogLevel string `mapstructure:"queryLogLevel"`
}

// DingusConfig carries the service's own identity.
type DingusConfig struct {
	// SelfBaseURL is the externally visible base URL, used as the
	// metadata issuer and the authorization response iss parameter.
	SelfBaseURL string `mapstructure:"selfBaseUrl"`
}

// RouteConfig holds the served paths. All have defaults.
type RouteConfig struct {
	Landing          string `mapstructure:"landing"`
	Metadata         string `mapstructure:"metadata"`
	Authorization    string `mapstructure:"authorization"`
	Consent          string `mapstructure:"consent"`
	Token            string `mapstructure:"token"`
	Revocation       string `mapstructure:"revocation"`
	Introspection    string `mapstructure:"introspection"`
	UserInfo         string `mapstructure:"userinfo"`
	Ticket           string `mapstructure:"ticket"`
	Admin            string `mapstructure:"admin"`
	AdminTicket      string `mapstructure:"adminTicket"`
	AdminMaintenance string `mapstructure:"adminMaintenance"`
	Healthcheck      string `mapstructure:"healthcheck"`
}

// QueuesConfig configures the AMQP collaborator. An empty URL disables
// queue integration; ticket proffers are then refused.
type QueuesConfig struct {
	AMQP               AMQPConfig `mapstructure:"amqp"`
	TicketPublishName  string     `mapstructure:"ticketPublishName"`
	TicketRedeemedName string     `mapstructure:"ticketRedeemedName"`
}

// AMQPConfig holds the broker connection settings.
type AMQPConfig struct {
	URL string `mapstructure:"url"`
}

// ChoresConfig sets the chore intervals in milliseconds. Zero disables a
// chore.
type ChoresConfig struct {
	TokenCleanupMs   int64 `mapstructure:"tokenCleanupMs"`
	ScopeCleanupMs   int64 `mapstructure:"scopeCleanupMs"`
	PublishTicketsMs int64 `mapstructure:"publishTicketsMs"`
}

// ManagerConfig tunes the authorization state machine.
type ManagerConfig struct {
	// CodeValidityTimeoutMs bounds the age of a consented code at the
	// token endpoint.
	CodeValidityTimeoutMs int64 `mapstructure:"codeValidityTimeoutMs"`

	// TicketLifespanSeconds is the validity carried inside minted tickets.
	TicketLifespanSeconds int64 `mapstructure:"ticketLifespanSeconds"`

	// AllowLegacyNonPKCE accepts authorization requests that omit both
	// PKCE parameters. Off unless explicitly enabled.
	AllowLegacyNonPKCE bool `mapstructure:"allowLegacyNonPKCE"`
}

// AuthenticatorConfig configures the session authenticator collaborator.
type AuthenticatorConfig struct {
	AuthnEnabled bool `mapstructure:"authnEnabled"`
}

// Load reads configuration from path (optional; viper also searches the
// working directory for config.yaml) and the environment, returning a
// validated Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("INDIE_AUTHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listenAddress", ":4443")

	v.SetDefault("route.landing", "/")
	v.SetDefault("route.metadata", "/metadata")
	v.SetDefault("route.authorization", "/authorize")
	v.SetDefault("route.consent", "/consent")
	v.SetDefault("route.token", "/token")
	v.SetDefault("route.revocation", "/revocation")
	v.SetDefault("route.introspection", "/introspection")
	v.SetDefault("route.userinfo", "/userinfo")
	v.SetDefault("route.ticket", "/ticket")
	v.SetDefault("route.admin", "/admin")
	v.SetDefault("route.adminTicket", "/admin/ticket")
	v.SetDefault("route.adminMaintenance", "/admin/maintenance")
	v.SetDefault("route.healthcheck", "/healthcheck")

	v.SetDefault("queues.ticketPublishName", "ticket.proffered")
	v.SetDefault("queues.ticketRedeemedName", "ticket.redeemed")

	v.SetDefault("chores.tokenCleanupMs", 0)
	v.SetDefault("chores.scopeCleanupMs", 0)
	v.SetDefault("chores.publishTicketsMs", 0)

	v.SetDefault("manager.codeValidityTimeoutMs", 10*60*1000)
	v.SetDefault("manager.ticketLifespanSeconds", 86400)
	v.SetDefault("manager.allowLegacyNonPKCE", false)

	v.SetDefault("authenticator.authnEnabled", true)
}

// Validate checks the resolved configuration for the mistakes that would
// otherwise only surface mid-request.
func (c *Config) Validate() error {
	if c.EncryptionSecret == "" {
		return fmt.Errorf("encryptionSecret is required")
	}

	if c.DB.ConnectionString == "" {
		return fmt.Errorf("db.connectionString is required")
	}

	if c.Dingus.SelfBaseURL == "" {
		return fmt.Errorf("dingus.selfBaseUrl is required")
	}
	if u, err := url.Parse(c.Dingus.SelfBaseURL); err != nil || !u.IsAbs() {
		return fmt.Errorf("dingus.selfBaseUrl must be an absolute URL")
	}

	if c.Chores.TokenCleanupMs < 0 || c.Chores.ScopeCleanupMs < 0 || c.Chores.PublishTicketsMs < 0 {
		return fmt.Errorf("chore intervals must not be negative")
	}

	if c.Manager.CodeValidityTimeoutMs <= 0 {
		return fmt.Errorf("manager.codeValidityTimeoutMs must be positive")
	}
	if c.Manager.TicketLifespanSeconds <= 0 {
		return fmt.Errorf("manager.ticketLifespanSeconds must be positive")
	}

	return nil
}
