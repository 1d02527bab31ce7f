// Package config loads and validates the daemon's YAML configuration,
// overlaying VAULT_SYNC_* environment variables on top of it using viper's
// env prefix and automatic env lookup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bedag/vault-sync/internal/vaultclient"
	"github.com/bedag/vault-sync/internal/vaultpath"
)

// ConfigError indicates invalid or missing configuration. Fatal at startup.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config: " + e.Msg }

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// EndpointSpec is the raw YAML shape of a "src"/"dst" block before it is
// specialized per-backend into a vaultclient.Endpoint.
type EndpointSpec struct {
	URL         string   `mapstructure:"url"`
	Prefix      string   `mapstructure:"prefix"`
	Namespace   string   `mapstructure:"namespace"`
	Backend     string   `mapstructure:"backend"`
	Backends    []string `mapstructure:"backends"`
	Version     int      `mapstructure:"version"`
	Token       string   `mapstructure:"token"`
	TokenTTL    int      `mapstructure:"token_ttl"`
	TokenMaxTTL int      `mapstructure:"token_max_ttl"`
	RoleID      string   `mapstructure:"role_id"`
	SecretID    string   `mapstructure:"secret_id"`
	CACertPath  string   `mapstructure:"ca_cert_path"`
}

func (s EndpointSpec) backends() []string {
	if len(s.Backends) > 0 {
		return s.Backends
	}
	return []string{s.Backend}
}

// Config is the root of the YAML configuration.
type Config struct {
	ID                string       `mapstructure:"id"`
	FullSyncInterval  int          `mapstructure:"full_sync_interval"`
	Bind              string       `mapstructure:"bind"`
	MetricsBind       string       `mapstructure:"metrics_bind"`
	Src               EndpointSpec `mapstructure:"src"`
	Dst               EndpointSpec `mapstructure:"dst"`
}

// Pipeline is one fully-resolved (src_backend, dst_backend) replication
// path, with its own prefixes, endpoints, and full-sync interval.
type Pipeline struct {
	Name             string
	SrcEndpoint      vaultclient.Endpoint
	DstEndpoint      vaultclient.Endpoint
	SrcPrefix        vaultpath.LogicalPath
	DstPrefix        vaultpath.LogicalPath
	FullSyncInterval time.Duration
}

// Load reads the YAML file at path, overlays environment variables, and
// returns the validated Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("VAULT_SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, configErrorf("failed to read config file %q: %s", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, configErrorf("failed to parse config: %s", err)
	}

	applyEnvOverrides(v, &cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides implements the explicit VAULT_SYNC_* environment
// variable names, which take precedence over anything decoded from YAML.
func applyEnvOverrides(v *viper.Viper, cfg *Config) {
	if t := v.GetString("src_token"); t != "" {
		cfg.Src.Token = t
	}
	if t := v.GetString("dst_token"); t != "" {
		cfg.Dst.Token = t
	}
	if t := v.GetString("src_role_id"); t != "" {
		cfg.Src.RoleID = t
	}
	if t := v.GetString("src_secret_id"); t != "" {
		cfg.Src.SecretID = t
	}
	if t := v.GetString("dst_role_id"); t != "" {
		cfg.Dst.RoleID = t
	}
	if t := v.GetString("dst_secret_id"); t != "" {
		cfg.Dst.SecretID = t
	}
}

func (c *Config) validate() error {
	if c.ID == "" {
		return configErrorf("id is required")
	}
	if c.FullSyncInterval <= 0 {
		return configErrorf("full_sync_interval must be a positive number of seconds")
	}
	if err := c.Src.validate("src"); err != nil {
		return err
	}
	if err := c.Dst.validate("dst"); err != nil {
		return err
	}
	srcBackends := c.Src.backends()
	dstBackends := c.Dst.backends()
	if len(srcBackends) != len(dstBackends) {
		return configErrorf(
			"src/dst backend pairing must be 1-to-1 or N-to-N with equal N; got %d src backends and %d dst backends",
			len(srcBackends), len(dstBackends))
	}
	return nil
}

func (s EndpointSpec) validate(side string) error {
	if s.URL == "" {
		return configErrorf("%s.url is required", side)
	}
	if len(s.backends()) == 0 || (len(s.backends()) == 1 && s.backends()[0] == "") {
		return configErrorf("%s.backend or %s.backends is required", side, side)
	}
	version := s.Version
	if version == 0 {
		version = 2
	}
	if version != 1 && version != 2 {
		return configErrorf("%s.version must be 1 or 2", side)
	}
	hasToken := s.Token != ""
	hasApprole := s.RoleID != "" || s.SecretID != ""
	if !hasToken && !hasApprole {
		return configErrorf("%s requires either token or role_id+secret_id credentials", side)
	}
	if hasApprole && (s.RoleID == "" || s.SecretID == "") {
		return configErrorf("%s.role_id and %s.secret_id must both be set for approle auth", side, side)
	}
	return nil
}

// BuildPipelines resolves the (src_backend, dst_backend) cross product into
// one Pipeline per pair, pairing backends by index. It does not re-check the
// 1-to-1 / N-to-N pairing rule; it relies on validate having checked it.
func (c *Config) BuildPipelines() ([]Pipeline, error) {
	srcBackends := c.Src.backends()
	dstBackends := c.Dst.backends()

	srcPrefix, err := vaultpath.NormalizePrefix(c.Src.Prefix)
	if err != nil {
		return nil, configErrorf("invalid src.prefix: %s", err)
	}
	dstPrefix, err := vaultpath.NormalizePrefix(c.Dst.Prefix)
	if err != nil {
		return nil, configErrorf("invalid dst.prefix: %s", err)
	}

	pipelines := make([]Pipeline, 0, len(srcBackends))
	for i := range srcBackends {
		srcEndpoint, err := c.Src.toEndpoint(srcBackends[i])
		if err != nil {
			return nil, err
		}
		dstEndpoint, err := c.Dst.toEndpoint(dstBackends[i])
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, Pipeline{
			Name:             fmt.Sprintf("%s->%s", srcBackends[i], dstBackends[i]),
			SrcEndpoint:      srcEndpoint,
			DstEndpoint:      dstEndpoint,
			SrcPrefix:        srcPrefix,
			DstPrefix:        dstPrefix,
			FullSyncInterval: time.Duration(c.FullSyncInterval) * time.Second,
		})
	}
	return pipelines, nil
}

func (s EndpointSpec) toEndpoint(backend string) (vaultclient.Endpoint, error) {
	version := s.Version
	if version == 0 {
		version = 2
	}

	endpoint := vaultclient.Endpoint{
		URL:         s.URL,
		Namespace:   s.Namespace,
		Backend:     backend,
		Engine:      vaultpath.Engine(version),
		TokenTTL:    time.Duration(s.TokenTTL) * time.Second,
		TokenMaxTTL: time.Duration(s.TokenMaxTTL) * time.Second,
		CACertPath:  s.CACertPath,
	}

	if s.RoleID != "" || s.SecretID != "" {
		endpoint.Auth = vaultclient.AuthAppRole
		endpoint.RoleID = s.RoleID
		endpoint.SecretID = s.SecretID
	} else {
		endpoint.Auth = vaultclient.AuthToken
		endpoint.Token = s.Token
	}

	if err := endpoint.Validate(); err != nil {
		return vaultclient.Endpoint{}, err
	}
	return endpoint, nil
}
