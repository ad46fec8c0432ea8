// Package config provides configuration management for tsrelay using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultReadTimeout     = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxIdleTime = 30 * time.Minute

	defaultRedisPoolSize     = 10
	defaultRedisMinIdleConns = 5
	defaultRedisDialTimeout  = 5 * time.Second
	defaultRedisOpTimeout    = 3 * time.Second
	defaultRedisMaxRetries   = 3

	// defaultBufferChunkSize is 5644 aligned TS packets, just over 1 MiB.
	defaultBufferChunkSize = 188 * 5644

	defaultInitialBehindChunks       = 4
	defaultKeepaliveInterval         = 500 * time.Millisecond
	defaultConnectionTimeout         = 10 * time.Second
	defaultSourceReadTimeout         = 60 * time.Second
	defaultStreamTimeout             = 10 * time.Second
	defaultFailoverGracePeriod       = 20 * time.Second
	defaultURLSwitchTimeout          = 20 * time.Second
	defaultChannelInitGracePeriod    = 5 * time.Second
	defaultBufferingTimeout          = 15 * time.Second
	defaultBufferingSpeed            = 1.0
	defaultClientTTL                 = 5 * time.Second
	defaultHeartbeatInterval         = 1 * time.Second
	defaultGhostClientMultiplier     = 5
	defaultOwnerLeaseTTL             = 30 * time.Second
	defaultMaxRetries                = 3
	defaultMaxStreamSwitches         = 10
	defaultMaxHealthRecoveryAttempts = 2
	defaultMaxReconnectAttempts      = 3
	defaultMinStableTime             = 30 * time.Second
	defaultRingEntryTTL              = 60 * time.Second
	defaultCleanupCheckInterval      = 1 * time.Second
	defaultTargetBitrate             = 8_000_000
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Transcoder TranscoderConfig `mapstructure:"transcoder"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout must stay zero for streaming responses; a non-zero value
	// cuts off long-running MPEG-TS deliveries.
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig holds shared-store connection configuration.
type RedisConfig struct {
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
}

// DatabaseConfig holds catalog database configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// RelayConfig holds the per-channel relay engine configuration.
type RelayConfig struct {
	// BufferChunkSize is the target ring entry payload size. It is rounded
	// down to a multiple of the 188-byte TS packet size before use.
	BufferChunkSize ByteSize `mapstructure:"buffer_chunk_size"`

	// InitialBehindChunks is how many entries behind the live head a new
	// client starts, and how many entries must exist before the channel
	// leaves the connecting state.
	InitialBehindChunks int `mapstructure:"initial_behind_chunks"`

	KeepaliveInterval      time.Duration `mapstructure:"keepalive_interval"`
	ConnectionTimeout      time.Duration `mapstructure:"connection_timeout"`
	SourceReadTimeout      time.Duration `mapstructure:"source_read_timeout"`
	ClientWaitTimeout      time.Duration `mapstructure:"client_wait_timeout"`
	StreamTimeout          time.Duration `mapstructure:"stream_timeout"`
	FailoverGracePeriod    time.Duration `mapstructure:"failover_grace_period"`
	URLSwitchTimeout       time.Duration `mapstructure:"url_switch_timeout"`
	ChannelShutdownDelay   time.Duration `mapstructure:"channel_shutdown_delay"`
	ChannelInitGracePeriod time.Duration `mapstructure:"channel_init_grace_period"`
	BufferingTimeout       time.Duration `mapstructure:"buffering_timeout"`

	// BufferingSpeed is the minimum acceptable transcoder speed multiplier.
	// Sustained output below this for BufferingTimeout triggers a switch.
	BufferingSpeed float64 `mapstructure:"buffering_speed"`

	ClientTTL             time.Duration `mapstructure:"client_ttl"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	GhostClientMultiplier int           `mapstructure:"ghost_client_multiplier"`
	OwnerLeaseTTL         time.Duration `mapstructure:"owner_lease_ttl"`

	MaxRetries                int           `mapstructure:"max_retries"`
	MaxStreamSwitches         int           `mapstructure:"max_stream_switches"`
	MaxHealthRecoveryAttempts int           `mapstructure:"max_health_recovery_attempts"`
	MaxReconnectAttempts      int           `mapstructure:"max_reconnect_attempts"`
	MinStableTime             time.Duration `mapstructure:"min_stable_time_before_reconnect"`

	RingEntryTTL         time.Duration `mapstructure:"ring_entry_ttl"`
	CleanupCheckInterval time.Duration `mapstructure:"cleanup_check_interval"`

	DefaultUserAgent string `mapstructure:"default_user_agent"`

	// TargetBitrate is used for pacing estimates, in bits per second.
	TargetBitrate int `mapstructure:"target_bitrate"`
}

// TranscoderConfig holds transcoder subprocess configuration.
type TranscoderConfig struct {
	// BinaryPath is the ffmpeg binary (empty = resolve from PATH).
	BinaryPath string `mapstructure:"binary_path"`

	// HLSCommandTemplate is the default command used for HLS sources when
	// the stream profile does not provide one. {streamUrl} and {userAgent}
	// are substituted before the command is split into argv.
	HLSCommandTemplate string `mapstructure:"hls_command_template"`

	// StopTimeout is how long to wait between SIGTERM and SIGKILL.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// DefaultHLSCommandTemplate remuxes an HLS source to MPEG-TS on stdout.
const DefaultHLSCommandTemplate = `ffmpeg -hide_banner -loglevel info -user_agent {userAgent} -i {streamUrl} -c copy -f mpegts pipe:1`

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with TSRELAY_, using underscores for nesting.
// Example: TSRELAY_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tsrelay")
		v.AddConfigPath("$HOME/.tsrelay")
	}

	v.SetEnvPrefix("TSRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultReadTimeout)
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", defaultRedisPoolSize)
	v.SetDefault("redis.min_idle_conns", defaultRedisMinIdleConns)
	v.SetDefault("redis.dial_timeout", defaultRedisDialTimeout)
	v.SetDefault("redis.read_timeout", defaultRedisOpTimeout)
	v.SetDefault("redis.write_timeout", defaultRedisOpTimeout)
	v.SetDefault("redis.max_retries", defaultRedisMaxRetries)
	v.SetDefault("redis.min_retry_backoff", 8*time.Millisecond)
	v.SetDefault("redis.max_retry_backoff", 512*time.Millisecond)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "tsrelay.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("relay.buffer_chunk_size", defaultBufferChunkSize)
	v.SetDefault("relay.initial_behind_chunks", defaultInitialBehindChunks)
	v.SetDefault("relay.keepalive_interval", defaultKeepaliveInterval)
	v.SetDefault("relay.connection_timeout", defaultConnectionTimeout)
	v.SetDefault("relay.source_read_timeout", defaultSourceReadTimeout)
	v.SetDefault("relay.client_wait_timeout", 30*time.Second)
	v.SetDefault("relay.stream_timeout", defaultStreamTimeout)
	v.SetDefault("relay.failover_grace_period", defaultFailoverGracePeriod)
	v.SetDefault("relay.url_switch_timeout", defaultURLSwitchTimeout)
	v.SetDefault("relay.channel_shutdown_delay", time.Duration(0))
	v.SetDefault("relay.channel_init_grace_period", defaultChannelInitGracePeriod)
	v.SetDefault("relay.buffering_timeout", defaultBufferingTimeout)
	v.SetDefault("relay.buffering_speed", defaultBufferingSpeed)
	v.SetDefault("relay.client_ttl", defaultClientTTL)
	v.SetDefault("relay.heartbeat_interval", defaultHeartbeatInterval)
	v.SetDefault("relay.ghost_client_multiplier", defaultGhostClientMultiplier)
	v.SetDefault("relay.owner_lease_ttl", defaultOwnerLeaseTTL)
	v.SetDefault("relay.max_retries", defaultMaxRetries)
	v.SetDefault("relay.max_stream_switches", defaultMaxStreamSwitches)
	v.SetDefault("relay.max_health_recovery_attempts", defaultMaxHealthRecoveryAttempts)
	v.SetDefault("relay.max_reconnect_attempts", defaultMaxReconnectAttempts)
	v.SetDefault("relay.min_stable_time_before_reconnect", defaultMinStableTime)
	v.SetDefault("relay.ring_entry_ttl", defaultRingEntryTTL)
	v.SetDefault("relay.cleanup_check_interval", defaultCleanupCheckInterval)
	v.SetDefault("relay.default_user_agent", "")
	v.SetDefault("relay.target_bitrate", defaultTargetBitrate)

	v.SetDefault("transcoder.binary_path", "")
	v.SetDefault("transcoder.hls_command_template", DefaultHLSCommandTemplate)
	v.SetDefault("transcoder.stop_timeout", time.Second)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Relay.BufferChunkSize < 188 {
		return fmt.Errorf("relay.buffer_chunk_size must be at least one TS packet (188 bytes)")
	}
	if c.Relay.InitialBehindChunks < 0 {
		return fmt.Errorf("relay.initial_behind_chunks must not be negative")
	}
	if c.Relay.GhostClientMultiplier < 1 {
		return fmt.Errorf("relay.ghost_client_multiplier must be at least 1")
	}
	if c.Relay.OwnerLeaseTTL < 2*c.Relay.CleanupCheckInterval {
		return fmt.Errorf("relay.owner_lease_ttl must be at least twice relay.cleanup_check_interval")
	}
	if c.Relay.BufferingSpeed <= 0 {
		return fmt.Errorf("relay.buffering_speed must be positive")
	}
	if c.Relay.RingEntryTTL <= 0 {
		return fmt.Errorf("relay.ring_entry_ttl must be positive")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ChunkSize returns the configured chunk size rounded down to TS alignment.
func (c *RelayConfig) ChunkSize() int {
	size := int(c.BufferChunkSize)
	return size - size%188
}

// ChunkProductionInterval estimates how often the ingest side produces a
// ring entry, from the target bitrate and the chunk size. Zero when no
// target bitrate is configured.
func (c *RelayConfig) ChunkProductionInterval() time.Duration {
	bytesPerSec := c.TargetBitrate / 8
	if bytesPerSec <= 0 {
		return 0
	}
	return time.Duration(c.ChunkSize()) * time.Second / time.Duration(bytesPerSec)
}

// ClientIdleTimeout is the effective tolerance before a client gives up on
// a stalled channel: stream timeout plus the failover grace period.
func (c *RelayConfig) ClientIdleTimeout() time.Duration {
	return c.StreamTimeout + c.FailoverGracePeriod
}

// GhostClientAge is how stale a client record may be before it is treated
// as a ghost and removed.
func (c *RelayConfig) GhostClientAge() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.GhostClientMultiplier)
}
