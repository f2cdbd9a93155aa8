package config

// Package config provides a reusable loader for graphchan node configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.2.0

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/graphchan/graphchan/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

// Config represents the unified configuration for a graphchan node. It
// mirrors the environment-driven configuration surface described for the
// federation engine: overlay networking, storage locations, and the moderate
// set of knobs the node bootstrap needs before it can construct a Node.
type Config struct {
	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		RelayURL       string   `mapstructure:"relay_url" json:"relay_url"`
		Addresses      []string `mapstructure:"addresses" json:"addresses"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		EnableMDNS     bool     `mapstructure:"enable_mdns" json:"enable_mdns"`
		EnableDHT      bool     `mapstructure:"enable_dht" json:"enable_dht"`
	} `mapstructure:"network" json:"network"`

	API struct {
		Port int `mapstructure:"port" json:"port"`
	} `mapstructure:"api" json:"api"`

	Storage struct {
		BaseDir           string `mapstructure:"base_dir" json:"base_dir"`
		MaxUploadBytes    int64  `mapstructure:"max_upload_bytes" json:"max_upload_bytes"`
		AutoDownloadLimit int64  `mapstructure:"auto_download_limit_bytes" json:"auto_download_limit_bytes"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// applyDefaults fills in the documented defaults for fields the operator
// left unset: API port 8080, 10 GiB max upload, 50 MiB auto-download
// ceiling. Plain environment variables win over the built-in value so a
// node boots sensibly with no config file at all.
func applyDefaults(c *Config) {
	if c.API.Port == 0 {
		c.API.Port = utils.EnvOrDefaultInt("GRAPHCHAN_API_PORT", 8080)
	}
	if c.Storage.BaseDir == "" {
		c.Storage.BaseDir = utils.EnvOrDefault("GRAPHCHAN_BASE_DIR", ".")
	}
	if c.Storage.MaxUploadBytes == 0 {
		c.Storage.MaxUploadBytes = utils.EnvOrDefaultInt64("GRAPHCHAN_MAX_UPLOAD_BYTES", 10*1024*1024*1024)
	}
	if c.Storage.AutoDownloadLimit == 0 {
		c.Storage.AutoDownloadLimit = utils.EnvOrDefaultInt64("GRAPHCHAN_AUTO_DOWNLOAD_LIMIT_BYTES", 50*1024*1024)
	}
	if len(c.Network.Addresses) == 0 {
		c.Network.Addresses = utils.EnvList("GRAPHCHAN_PUBLIC_ADDRS")
	}
	if c.Network.ListenAddr == "" {
		c.Network.ListenAddr = "/ip4/0.0.0.0/tcp/4001"
	}
	if c.Network.DiscoveryTag == "" {
		c.Network.DiscoveryTag = "graphchan"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files (e.g. "dev", "prod"). If env is empty, only the default configuration
// is loaded. A missing config file is not fatal — environment variables and
// built-in defaults are sufficient to boot a node.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
			}
		}
	}

	viper.SetEnvPrefix("graphchan")
	viper.AutomaticEnv() // GRAPHCHAN_NETWORK_LISTEN_ADDR, GRAPHCHAN_API_PORT, ...

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	applyDefaults(&AppConfig)
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the GRAPHCHAN_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("GRAPHCHAN_ENV", ""))
}
