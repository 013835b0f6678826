// Package config provides a reusable loader for syncshell-mesh configuration
// files and environment variables, layered the way this codebase always has:
// a YAML base merged with an optional environment overlay, then environment
// variables on top.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"syncshell-mesh/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v1.0.0"

// Config is the unified configuration for a syncshell-mesh node.
type Config struct {
	Node struct {
		DataDir      string   `mapstructure:"data_dir" json:"data_dir"`
		ListenAddr   string   `mapstructure:"listen_addr" json:"listen_addr"`
		HTTPAddr     string   `mapstructure:"http_addr" json:"http_addr"`
		HTTPPassword string   `mapstructure:"http_password" json:"-"`
		CacheAddr    string   `mapstructure:"cache_addr" json:"cache_addr"`
		RelayURLs    []string `mapstructure:"relay_urls" json:"relay_urls"`
	} `mapstructure:"node" json:"node"`

	Timeouts struct {
		Handshake       time.Duration `mapstructure:"handshake" json:"handshake"`
		Transfer        time.Duration `mapstructure:"transfer" json:"transfer"`
		SignalingPoll   time.Duration `mapstructure:"signaling_poll" json:"signaling_poll"`
		AnswerPoll      time.Duration `mapstructure:"answer_poll" json:"answer_poll"`
		PhonebookTTL    time.Duration `mapstructure:"phonebook_ttl" json:"phonebook_ttl"`
		ModCacheTTL     time.Duration `mapstructure:"mod_cache_ttl" json:"mod_cache_ttl"`
		ManifestStaleAt time.Duration `mapstructure:"manifest_stale_at" json:"manifest_stale_at"`
		Maintenance     time.Duration `mapstructure:"maintenance" json:"maintenance"`
	} `mapstructure:"timeouts" json:"timeouts"`

	Overlay struct {
		Enabled       bool     `mapstructure:"enabled" json:"enabled"`
		ListenPort    int      `mapstructure:"listen_port" json:"listen_port"`
		AllowedGroups []string `mapstructure:"allowed_groups" json:"allowed_groups"`
		SoftCap       int      `mapstructure:"soft_cap" json:"soft_cap"`
		RedirectAt    int      `mapstructure:"redirect_at" json:"redirect_at"`
	} `mapstructure:"overlay" json:"overlay"`

	Gossip struct {
		Enabled    bool     `mapstructure:"enabled" json:"enabled"`
		ListenAddr string   `mapstructure:"listen_addr" json:"listen_addr"`
		Groups     []string `mapstructure:"groups" json:"groups"`
	} `mapstructure:"gossip" json:"gossip"`

	Cache struct {
		DefaultTTL time.Duration `mapstructure:"default_ttl" json:"default_ttl"`
		MaxEntries int           `mapstructure:"max_entries" json:"max_entries"`
	} `mapstructure:"cache" json:"cache"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// defaults applies the spec's §5 timeout table and other spec-derived
// defaults before any file/env overlay is read, so a node with no config at
// all still boots with spec-conformant behavior.
func defaults() {
	viper.SetDefault("node.data_dir", "./data")
	viper.SetDefault("node.listen_addr", ":7777")
	viper.SetDefault("node.http_addr", ":8080")
	viper.SetDefault("node.cache_addr", "")

	viper.SetDefault("timeouts.handshake", 60*time.Second)
	viper.SetDefault("timeouts.transfer", 5*time.Second)
	viper.SetDefault("timeouts.signaling_poll", 5*time.Second)
	viper.SetDefault("timeouts.answer_poll", 1*time.Second)
	viper.SetDefault("timeouts.phonebook_ttl", 24*time.Hour)
	viper.SetDefault("timeouts.mod_cache_ttl", 30*time.Minute)
	viper.SetDefault("timeouts.manifest_stale_at", 24*time.Hour)
	viper.SetDefault("timeouts.maintenance", 5*time.Minute)

	viper.SetDefault("overlay.enabled", false)
	viper.SetDefault("overlay.listen_port", 0)
	viper.SetDefault("overlay.soft_cap", 20)
	viper.SetDefault("overlay.redirect_at", 18)

	viper.SetDefault("gossip.enabled", false)
	viper.SetDefault("gossip.listen_addr", "/ip4/0.0.0.0/tcp/0")

	viper.SetDefault("cache.default_ttl", 300*time.Second)
	viper.SetDefault("cache.max_entries", 10_000)

	viper.SetDefault("logging.level", "info")
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	defaults()

	viper.SetConfigName("syncshell")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("SYNCSHELL")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SYNCSHELL_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SYNCSHELL_ENV", ""))
}
