// Package logger owns the process-wide zap logger. Until Init runs every
// call is a no-op, so libraries and tests can log freely.
package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config is assembled from Options by Init.
type Config struct {
	Level     string
	Format    string // console or json
	FilePath  string // empty logs to a terminal stream
	Version   string
	Component string
	// Stderr keeps stdout free for results in CLI commands.
	Stderr bool

	MaxSize    int // megabytes before rotation
	MaxBackups int
	MaxAge     int // days

	// Sampling caps identical messages per second. A multi-relay fetch
	// logs a dropped frame per bad event, which can flood a file.
	SampleInitial    int
	SampleThereafter int
}

type Option func(*Config)

func WithLevel(lvl string) Option      { return func(c *Config) { c.Level = lvl } }
func WithFormat(format string) Option  { return func(c *Config) { c.Format = format } }
func WithFile(path string) Option      { return func(c *Config) { c.FilePath = path } }
func WithVersion(v string) Option      { return func(c *Config) { c.Version = v } }
func WithComponent(comp string) Option { return func(c *Config) { c.Component = comp } }
func WithStderr() Option               { return func(c *Config) { c.Stderr = true } }

func WithRotation(size, backups, age int) Option {
	return func(c *Config) { c.MaxSize, c.MaxBackups, c.MaxAge = size, backups, age }
}

// WithSampling logs the first initial entries of a message each second,
// then every thereafter-th. Zero initial disables sampling.
func WithSampling(initial, thereafter int) Option {
	return func(c *Config) { c.SampleInitial, c.SampleThereafter = initial, thereafter }
}

var (
	mu     sync.RWMutex
	root   *zap.Logger
	level  zap.AtomicLevel
	active bool
)

// Init builds the global logger. A second call replaces the first after
// flushing it.
func Init(opts ...Option) error {
	cfg := &Config{Level: "info", Format: "console", MaxSize: 100, MaxBackups: 5, MaxAge: 30}
	for _, apply := range opts {
		apply(cfg)
	}

	lvl, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	enc, err := encoderFor(cfg.Format)
	if err != nil {
		return err
	}
	sink, err := sinkFor(cfg)
	if err != nil {
		return err
	}

	var core zapcore.Core = zapcore.NewCore(enc, sink, lvl)
	if cfg.SampleInitial > 0 {
		core = zapcore.NewSamplerWithOptions(core, time.Second, cfg.SampleInitial, max(cfg.SampleThereafter, 1))
	}

	fields := []zap.Field{zap.String("version", cfg.Version)}
	if cfg.Component != "" {
		fields = append(fields, zap.String("service", cfg.Component))
	}
	l := zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel), zap.Fields(fields...))

	mu.Lock()
	defer mu.Unlock()
	if active {
		_ = root.Sync()
	}
	root, level, active = l, lvl, true
	return nil
}

// Shutdown flushes buffered entries and returns to no-op logging.
func Shutdown() error {
	mu.Lock()
	defer mu.Unlock()
	if !active {
		return fmt.Errorf("logger not initialized")
	}
	active = false
	if err := root.Sync(); err != nil && !isSyncNoise(err) {
		return err
	}
	return nil
}

// UpdateLevel changes the level of the running logger.
func UpdateLevel(lvl string) error {
	parsed, err := zap.ParseAtomicLevel(lvl)
	if err != nil {
		return err
	}
	mu.RLock()
	defer mu.RUnlock()
	if !active {
		return fmt.Errorf("logger not initialized")
	}
	level.SetLevel(parsed.Level())
	return nil
}

// StdLog adapts l for APIs that want a *log.Logger, such as
// http.Server.ErrorLog. Lines are logged at warn.
func StdLog(l *zap.Logger) *log.Logger {
	std, err := zap.NewStdLogAt(l, zapcore.WarnLevel)
	if err != nil {
		return zap.NewStdLog(l)
	}
	return std
}

func encoderFor(format string) (zapcore.Encoder, error) {
	switch format {
	case "json":
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		return zapcore.NewJSONEncoder(ec), nil
	case "console", "":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewConsoleEncoder(ec), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

func sinkFor(cfg *Config) (zapcore.WriteSyncer, error) {
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o750); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   true,
		}), nil
	}
	if cfg.Stderr {
		return zapcore.Lock(os.Stderr), nil
	}
	return zapcore.Lock(os.Stdout), nil
}

// Terminals answer Sync on stdout and stderr with EINVAL or ENOTTY.
func isSyncNoise(err error) bool {
	_, ok := err.(*os.PathError)
	return ok
}

func get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if !active {
		return zap.NewNop()
	}
	return root
}

func Debug(msg string, fields ...zap.Field) { get().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { get().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { get().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { get().Error(msg, fields...) }
