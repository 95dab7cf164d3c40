// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maproulette/maproulette-backend/internal/logging"
)

// Config is the complete MapRoulette server configuration.
type Config struct {
	Server            ServerConfig           `koanf:"server"`
	Database          DatabaseConfig         `koanf:"database"`
	OSM               OSMConfig              `koanf:"osm"`
	Overpass          OverpassConfig         `koanf:"overpass"`
	Locks             LockConfig             `koanf:"locks"`
	Cache             CacheConfig            `koanf:"cache"`
	VirtualChallenges VirtualChallengeConfig `koanf:"virtualChallenges"`
	Auth              AuthConfig             `koanf:"auth"`
	SMTP              SMTPConfig             `koanf:"smtp"`
	Scheduler         SchedulerConfig        `koanf:"scheduler"`
	Logging           logging.Config         `koanf:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"readTimeout"`
	WriteTimeout    time.Duration `koanf:"writeTimeout"`
	IdleTimeout     time.Duration `koanf:"idleTimeout"`
	ShutdownTimeout time.Duration `koanf:"shutdownTimeout"`
	// PublicOrigin is the externally visible base URL, used in email links.
	PublicOrigin string `koanf:"publicOrigin"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"maxOpenConns" validate:"min=1"`
	MaxIdleConns    int           `koanf:"maxIdleConns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"connMaxLifetime"`
}

// OSMConfig holds the OpenStreetMap API settings.
type OSMConfig struct {
	APIBaseURL string        `koanf:"apiBaseUrl" validate:"required,url"`
	Timeout    time.Duration `koanf:"timeout"`
	// CacheExpiry bounds how long fetched OSM elements are reused before a
	// fresh version is requested from the API.
	CacheExpiry time.Duration `koanf:"cacheExpiry" validate:"min=1m"`
	// OAuthClientID and OAuthClientSecret back the OSM login flow.
	OAuthClientID     string `koanf:"oauthClientId"`
	OAuthClientSecret string `koanf:"oauthClientSecret"`
}

// OverpassConfig holds the Overpass query endpoint settings.
type OverpassConfig struct {
	Endpoint string        `koanf:"endpoint" validate:"required,url"`
	Timeout  time.Duration `koanf:"timeout"`
}

// LockConfig controls task and review lock leases.
type LockConfig struct {
	TTL time.Duration `koanf:"ttl" validate:"min=1m"`
}

// CacheConfig controls the in-memory object caches.
type CacheConfig struct {
	Limit  int           `koanf:"limit" validate:"min=1"`
	Expiry time.Duration `koanf:"expiry" validate:"min=1s"`
}

// VirtualChallengeConfig controls virtual challenge lifetimes.
type VirtualChallengeConfig struct {
	Expiry time.Duration `koanf:"expiry" validate:"min=1m"`
}

// AuthConfig holds API key, session and super user settings.
type AuthConfig struct {
	// SuperUserIDs are OSM ids granted unconditional access.
	SuperUserIDs []int64 `koanf:"superUserIds"`
	// SuperKey, when set, authenticates as a superuser without a user record.
	SuperKey string `koanf:"superKey"`
	// JWTSecret signs session tokens issued after OSM login.
	JWTSecret string        `koanf:"jwtSecret" validate:"required,min=32"`
	JWTExpiry time.Duration `koanf:"jwtExpiry" validate:"min=1m"`
}

// SMTPConfig holds the outbound email settings. An empty Host disables email.
type SMTPConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	From     string `koanf:"from"`
}

// SchedulerConfig tunes the background notification digests. Immediate
// digests drain the queue in small batches on a short interval; the daily
// digest runs once at a fixed local time.
type SchedulerConfig struct {
	ImmediateEmail ImmediateEmailConfig `koanf:"immediateEmail"`
	DigestEmail    DigestEmailConfig    `koanf:"digestEmail"`
}

// ImmediateEmailConfig controls the send-immediately notification drain.
type ImmediateEmailConfig struct {
	Interval  time.Duration `koanf:"interval" validate:"min=10s"`
	BatchSize int           `koanf:"batchSize" validate:"min=1"`
}

// DigestEmailConfig controls the once-a-day digest. StartTime is a wall
// clock "HH:MM" in the server's local time zone.
type DigestEmailConfig struct {
	StartTime string `koanf:"startTime"`
}

// Default returns the configuration defaults. Every layer loaded on top of
// this only needs to override what differs.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			PublicOrigin:    "http://127.0.0.1:9000",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		OSM: OSMConfig{
			APIBaseURL:  "https://api.openstreetmap.org",
			Timeout:     30 * time.Second,
			CacheExpiry: 2 * time.Hour,
		},
		Overpass: OverpassConfig{
			Endpoint: "https://overpass-api.de/api/interpreter",
			Timeout:  2 * time.Minute,
		},
		Locks:             LockConfig{TTL: time.Hour},
		Cache:             CacheConfig{Limit: 10000, Expiry: 15 * time.Minute},
		VirtualChallenges: VirtualChallengeConfig{Expiry: 36 * time.Hour},
		Auth:              AuthConfig{JWTExpiry: 7 * 24 * time.Hour},
		Scheduler: SchedulerConfig{
			ImmediateEmail: ImmediateEmailConfig{Interval: time.Minute, BatchSize: 10},
			DigestEmail:    DigestEmailConfig{StartTime: "20:00"},
		},
		Logging: logging.Config{Level: "info", Format: "json"},
	}
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Addr returns the host:port the server binds to.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
