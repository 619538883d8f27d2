package config

// LoggingConfig controls the global logger. With FILE set, logs rotate
// through lumberjack; otherwise they go to stdout, or stderr for CLI
// commands whose stdout carries results.
type LoggingConfig struct {
	Level  string `mapstructure:"LEVEL"  json:"level"  validate:"required,log_level"`
	Format string `mapstructure:"FORMAT" json:"format" validate:"omitempty,log_format"`

	FilePath   string `mapstructure:"FILE"        json:"file"        validate:"omitempty"`
	MaxSize    int    `mapstructure:"MAX_SIZE"    json:"max_size"    validate:"required,min=1,max=1000"`
	MaxBackups int    `mapstructure:"MAX_BACKUPS" json:"max_backups" validate:"min=0,max=100"`
	MaxAge     int    `mapstructure:"MAX_AGE"     json:"max_age"     validate:"required,min=1,max=365"`

	// Per-second sampling of repeated messages; 0 logs everything.
	SampleInitial    int `mapstructure:"SAMPLE_INITIAL"    json:"sample_initial"    validate:"min=0"`
	SampleThereafter int `mapstructure:"SAMPLE_THEREAFTER" json:"sample_thereafter" validate:"min=0"`
}
