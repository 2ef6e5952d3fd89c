package config

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	SetDefaults(v)

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("GORELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults registers every key so AutomaticEnv can override it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.path", "/ws")
	v.SetDefault("server.maxConnsPerIP", 20)
	v.SetDefault("server.maxConnsPerIdentity", 5)
	v.SetDefault("server.authTimeout", "5s")
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("server.allowedOrigins", []string{})

	v.SetDefault("transport.maxFrameBytes", 100*1024)
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.closeTimeout", "2s")
	v.SetDefault("transport.heartbeatInterval", "30s")
	v.SetDefault("transport.heartbeatTimeout", "10s")
	v.SetDefault("transport.maxMissedHeartbeats", 2)

	v.SetDefault("dispatch.queueSize", 64)
	v.SetDefault("dispatch.rateLimit", 20)
	v.SetDefault("dispatch.rateBurst", 40)
	v.SetDefault("dispatch.lookupTimeout", "2s")

	v.SetDefault("signaling.offerTimeout", "30s")
	v.SetDefault("signaling.validateSDP", true)

	v.SetDefault("auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")

	v.SetDefault("directory.sqlitePath", "")
	v.SetDefault("directory.openAccess", true)

	v.SetDefault("ingest.natsURL", "")
	v.SetDefault("ingest.subjectPrefix", "relay")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic("config: defaults do not validate: " + err.Error())
	}
	return cfg
}
