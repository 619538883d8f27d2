package config

import "time"

// ServerConfig holds settings for the HTTP front-end used by `serve`.
type ServerConfig struct {
	ListenAddr      string          `mapstructure:"LISTEN_ADDR"      json:"listen_addr"      validate:"required,listen_addr"`
	ReadTimeout     time.Duration   `mapstructure:"READ_TIMEOUT"     json:"read_timeout"     validate:"required,timeout_duration"`
	WriteTimeout    time.Duration   `mapstructure:"WRITE_TIMEOUT"    json:"write_timeout"    validate:"required,timeout_duration"`
	ShutdownTimeout time.Duration   `mapstructure:"SHUTDOWN_TIMEOUT" json:"shutdown_timeout" validate:"required,timeout_duration"`
	MaxBodyBytes    int64           `mapstructure:"MAX_BODY_BYTES"   json:"max_body_bytes"   validate:"required,min=1024,max=16777216"`
	RateLimit       RateLimitConfig `mapstructure:"RATE_LIMIT"     json:"rate_limit"`
}

// RateLimitConfig throttles API requests per client address. Each fetch can
// open many relay subscriptions, so the API budget is kept small.
type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"ENABLED"             json:"enabled"`
	RequestsPerSecond float64       `mapstructure:"REQUESTS_PER_SECOND" json:"requests_per_second" validate:"min=0,max=10000"`
	Burst             int           `mapstructure:"BURST"               json:"burst"               validate:"min=0,max=100000"`
	BanThreshold      int           `mapstructure:"BAN_THRESHOLD"       json:"ban_threshold"       validate:"min=0"`
	BanDuration       time.Duration `mapstructure:"BAN_DURATION"        json:"ban_duration"        validate:"min=0"`
}
