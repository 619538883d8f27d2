package config

import "time"

// FetcherConfig holds the defaults applied to every fetch call.
type FetcherConfig struct {
	ConnectTimeout        time.Duration `mapstructure:"CONNECT_TIMEOUT"          json:"connect_timeout"          validate:"required,timeout_duration"`
	AbortTimeout          time.Duration `mapstructure:"ABORT_TIMEOUT"            json:"abort_timeout"            validate:"required,timeout_duration"`
	LastEventAbortTimeout time.Duration `mapstructure:"LAST_EVENT_ABORT_TIMEOUT" json:"last_event_abort_timeout" validate:"required,timeout_duration"`
	LimitPerReq           int           `mapstructure:"LIMIT_PER_REQ"            json:"limit_per_req"            validate:"required,min=1,max=5000"`
	HighWaterMark         int           `mapstructure:"HIGH_WATER_MARK"          json:"high_water_mark"          validate:"min=0,max=1000000"`
	SkipVerification      bool          `mapstructure:"SKIP_VERIFICATION"        json:"skip_verification"`
	SkipFilterMatching    bool          `mapstructure:"SKIP_FILTER_MATCHING"     json:"skip_filter_matching"`
	ReduceVerification    bool          `mapstructure:"REDUCE_VERIFICATION"      json:"reduce_verification"`
}

// PoolConfig holds connection pool and per-connection settings.
type PoolConfig struct {
	ReconnectCooldown time.Duration `mapstructure:"RECONNECT_COOLDOWN" json:"reconnect_cooldown" validate:"required,reasonable_duration"`
	ReqRate           float64       `mapstructure:"REQ_RATE"           json:"req_rate"           validate:"gt=0,max=1000"`
	ReqBurst          int           `mapstructure:"REQ_BURST"          json:"req_burst"          validate:"required,min=1,max=10000"`
	MaxMessageSize    int64         `mapstructure:"MAX_MESSAGE_SIZE"   json:"max_message_size"   validate:"required,min=65536,max=67108864"`
}

// NoticeConfig lists the patterns that make a NOTICE fail pending subscriptions.
type NoticeConfig struct {
	Patterns []string `mapstructure:"PATTERNS" json:"patterns" validate:"dive,required,regexp"`
}

// CapabilitiesConfig controls the NIP-11 capability prober.
type CapabilitiesConfig struct {
	Enabled      bool          `mapstructure:"ENABLED"       json:"enabled"`
	ProbeTimeout time.Duration `mapstructure:"PROBE_TIMEOUT" json:"probe_timeout" validate:"required,timeout_duration"`
	CacheTTL     time.Duration `mapstructure:"CACHE_TTL"     json:"cache_ttl"     validate:"required,reasonable_duration"`
	FailureTTL   time.Duration `mapstructure:"FAILURE_TTL"   json:"failure_ttl"   validate:"required,reasonable_duration"`
}

// RelaysConfig holds the relay list used when a command names none.
type RelaysConfig struct {
	Default []string `mapstructure:"DEFAULT" json:"default" validate:"dive,relay_url"`
}
