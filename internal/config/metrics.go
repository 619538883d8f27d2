package config

// MetricsConfig exposes the Prometheus registry in serve mode. The
// collectors are always updated; Enabled only controls the route.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"ENABLED" json:"enabled"`
	Path    string `mapstructure:"PATH"    json:"path"    validate:"required,startswith=/"`
}
