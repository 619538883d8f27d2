package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/Shugur-Network/relayfetch/internal/logger"
	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information
var Version = "dev"

var validate = validator.New()

// Config holds every sub‑config.
type Config struct {
	Fetcher      FetcherConfig      `mapstructure:"fetcher"      validate:"required"`
	Pool         PoolConfig         `mapstructure:"pool"         validate:"required"`
	Notice       NoticeConfig       `mapstructure:"notice"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities" validate:"required"`
	Relays       RelaysConfig       `mapstructure:"relays"`
	Server       ServerConfig       `mapstructure:"server"       validate:"required"`
	Logging      LoggingConfig      `mapstructure:"logging"      validate:"required"`
	Metrics      MetricsConfig      `mapstructure:"metrics"      validate:"required"`
}

func init() {
	registerCustomValidators()
	validate.RegisterStructValidation(performCrossFieldValidation, Config{})
}

var hostnameRE = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// registerCustomValidators registers custom validation functions
func registerCustomValidators() {
	rules := map[string]validator.Func{
		// ":8080" or "host:8080"
		"listen_addr": func(fl validator.FieldLevel) bool {
			host, port, err := net.SplitHostPort(fl.Field().String())
			if err != nil || port == "" {
				return false
			}
			if _, err := net.LookupPort("tcp", port); err != nil {
				return false
			}
			return host == "" || net.ParseIP(host) != nil || hostnameRE.MatchString(host)
		},
		"relay_url": func(fl validator.FieldLevel) bool {
			u, err := url.Parse(strings.TrimSpace(fl.Field().String()))
			if err != nil || u.Host == "" {
				return false
			}
			return u.Scheme == "ws" || u.Scheme == "wss"
		},
		"regexp": func(fl validator.FieldLevel) bool {
			_, err := regexp.Compile(fl.Field().String())
			return err == nil
		},
		// between 1 second and 24 hours
		"reasonable_duration": func(fl validator.FieldLevel) bool {
			d, ok := fl.Field().Interface().(time.Duration)
			return ok && d >= time.Second && d <= 24*time.Hour
		},
		// between 100ms and 1 hour
		"timeout_duration": func(fl validator.FieldLevel) bool {
			d, ok := fl.Field().Interface().(time.Duration)
			return ok && d >= 100*time.Millisecond && d <= time.Hour
		},
		"log_level": func(fl validator.FieldLevel) bool {
			switch fl.Field().String() {
			case "debug", "info", "warn", "error", "fatal":
				return true
			}
			return false
		},
		"log_format": func(fl validator.FieldLevel) bool {
			format := fl.Field().String()
			return format == "console" || format == "json"
		},
	}
	for tag, fn := range rules {
		if err := validate.RegisterValidation(tag, fn); err != nil {
			logger.Error("Failed to register validator", zap.String("tag", tag), zap.Error(err))
		}
	}
}

// performCrossFieldValidation performs validation across multiple fields
func performCrossFieldValidation(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	if cfg.Fetcher.LastEventAbortTimeout > cfg.Fetcher.AbortTimeout {
		sl.ReportError(cfg.Fetcher.LastEventAbortTimeout, "LastEventAbortTimeout", "LastEventAbortTimeout", "last_event_timeout_too_long", "")
	}
	if cfg.Capabilities.FailureTTL > cfg.Capabilities.CacheTTL {
		sl.ReportError(cfg.Capabilities.FailureTTL, "FailureTTL", "FailureTTL", "failure_ttl_too_long", "")
	}
	if rl := cfg.Server.RateLimit; rl.Enabled && (rl.RequestsPerSecond <= 0 || rl.Burst < 1) {
		sl.ReportError(rl.RequestsPerSecond, "RequestsPerSecond", "RequestsPerSecond", "rate_limit_incomplete", "")
	}
	if cfg.Server.ShutdownTimeout < cfg.Fetcher.AbortTimeout {
		sl.ReportError(cfg.Server.ShutdownTimeout, "ShutdownTimeout", "ShutdownTimeout", "shutdown_timeout_too_short", "")
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Load merges defaults → file (optional) → env vars, validates, and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RELAYFETCH") // RELAYFETCH_FETCHER_ABORT_TIMEOUT
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err == nil && log != nil {
			log.Info("Loaded config.yaml from current directory")
		}
	}

	// 3. env already merged by AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}

	if log != nil {
		log.Info("configuration loaded", zap.String("version", Version))
	}
	return &cfg, nil
}

// InitLogger initializes the global logger from cfg. CLI commands pass
// toStderr so stdout carries only results.
func InitLogger(cfg LoggingConfig, toStderr bool) error {
	opts := []logger.Option{
		logger.WithLevel(cfg.Level),
		logger.WithFormat(cfg.Format),
		logger.WithFile(cfg.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("relayfetch"),
		logger.WithRotation(cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge),
		logger.WithSampling(cfg.SampleInitial, cfg.SampleThereafter),
	}
	if toStderr {
		opts = append(opts, logger.WithStderr())
	}
	return logger.Init(opts...)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		messages := make([]string, 0, len(validationErrors))
		for _, fieldError := range validationErrors {
			messages = append(messages, getFieldErrorMessage(fieldError))
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return fmt.Errorf("configuration validation failed: %w", err)
}

// getFieldErrorMessage returns a user-friendly error message for a field validation error
func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	value := fe.Value()
	param := fe.Param()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s (got: %v)", field, param, value)
	case "startswith":
		return fmt.Sprintf("%s must start with %q (got: %v)", field, param, value)
	case "listen_addr":
		return fmt.Sprintf("%s must be a listen address in format ':port' or 'host:port' (got: %v)", field, value)
	case "relay_url":
		return fmt.Sprintf("%s must be a ws:// or wss:// relay URL (got: %v)", field, value)
	case "regexp":
		return fmt.Sprintf("%s must be a valid regular expression (got: %v)", field, value)
	case "reasonable_duration":
		return fmt.Sprintf("%s must be between 1 second and 24 hours (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 100ms and 1 hour (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "last_event_timeout_too_long":
		return fmt.Sprintf("%s must not exceed the regular abort timeout", field)
	case "failure_ttl_too_long":
		return fmt.Sprintf("%s must not exceed the capability cache TTL", field)
	case "rate_limit_incomplete":
		return fmt.Sprintf("%s and Burst must be positive when rate limiting is enabled", field)
	case "shutdown_timeout_too_short":
		return fmt.Sprintf("%s should be at least the abort timeout so running fetches can finish", field)
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, fe.Tag(), value)
	}
}
