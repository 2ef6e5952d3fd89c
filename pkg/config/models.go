package config

import (
	"errors"
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Dispatch  DispatchConfig
	Signaling SignalingConfig
	Auth      AuthConfig
	Directory DirectoryConfig
	Ingest    IngestConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address             string
	Path                string
	MaxConnsPerIP       int           `mapstructure:"maxConnsPerIP"`
	MaxConnsPerIdentity int           `mapstructure:"maxConnsPerIdentity"`
	AuthTimeout         time.Duration `mapstructure:"authTimeout"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdownTimeout"`
	AllowedOrigins      []string      `mapstructure:"allowedOrigins"`
}

type TransportConfig struct {
	MaxFrameBytes       int64         `mapstructure:"maxFrameBytes"`
	SendBuffer          int           `mapstructure:"sendBuffer"`
	WriteTimeout        time.Duration `mapstructure:"writeTimeout"`
	CloseTimeout        time.Duration `mapstructure:"closeTimeout"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeatInterval"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeatTimeout"`
	MaxMissedHeartbeats int           `mapstructure:"maxMissedHeartbeats"`
}

type DispatchConfig struct {
	QueueSize int     `mapstructure:"queueSize"`
	RateLimit float64 `mapstructure:"rateLimit"` // frames per second
	RateBurst int     `mapstructure:"rateBurst"`
	// LookupTimeout bounds every collaborator call made while handling a frame.
	LookupTimeout time.Duration `mapstructure:"lookupTimeout"`
}

type SignalingConfig struct {
	OfferTimeout time.Duration `mapstructure:"offerTimeout"`
	ValidateSDP  bool          `mapstructure:"validateSDP"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
}

type DirectoryConfig struct {
	// SQLitePath selects the sqlite directory; empty keeps everything in memory.
	SQLitePath string `mapstructure:"sqlitePath"`
	OpenAccess bool   `mapstructure:"openAccess"`
}

type IngestConfig struct {
	NATSURL       string `mapstructure:"natsURL"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address is required"))
	}
	if c.Server.Path == "" || c.Server.Path[0] != '/' {
		errs = append(errs, fmt.Errorf("server.path must start with '/', got %q", c.Server.Path))
	}
	if c.Server.MaxConnsPerIdentity <= 0 {
		errs = append(errs, errors.New("server.maxConnsPerIdentity must be positive"))
	}
	if c.Server.AuthTimeout <= 0 {
		errs = append(errs, errors.New("server.authTimeout must be positive"))
	}
	if c.Transport.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("transport.maxFrameBytes must be positive"))
	}
	if c.Transport.SendBuffer <= 0 {
		errs = append(errs, errors.New("transport.sendBuffer must be positive"))
	}
	if c.Transport.MaxMissedHeartbeats <= 0 {
		errs = append(errs, errors.New("transport.maxMissedHeartbeats must be positive"))
	}
	if c.Dispatch.QueueSize <= 0 {
		errs = append(errs, errors.New("dispatch.queueSize must be positive"))
	}
	if c.Dispatch.RateLimit <= 0 || c.Dispatch.RateBurst <= 0 {
		errs = append(errs, errors.New("dispatch.rateLimit and dispatch.rateBurst must be positive"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwtSecret is required"))
	}
	return errors.Join(errs...)
}
