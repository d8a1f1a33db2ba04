package collection

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang/glog"
	"gopkg.in/yaml.v3"
)

// file configuration for a driven collection.
// durations are strings in `time.ParseDuration` format; empty means the default
type Config struct {
	ApiUrl   string `yaml:"api_url"`
	Endpoint string `yaml:"endpoint"`
	// the entity type name, e.g. `Note`
	Type    string `yaml:"type"`
	FeedUrl string `yaml:"feed_url"`
	// listen address for `/metrics`, empty to disable
	MetricsAddress string `yaml:"metrics_address"`

	Collection CollectionConfig `yaml:"collection"`
	Api        ApiConfig        `yaml:"api"`
	PushFeed   PushFeedConfig   `yaml:"push_feed"`
}

type CollectionConfig struct {
	DebounceTimeout string `yaml:"debounce_timeout"`
	IdField         string `yaml:"id_field"`
	TempIdField     string `yaml:"temp_id_field"`
	ContentType     string `yaml:"content_type"`
}

type ApiConfig struct {
	HttpTimeout        string `yaml:"http_timeout"`
	HttpConnectTimeout string `yaml:"http_connect_timeout"`
	HttpTlsTimeout     string `yaml:"http_tls_timeout"`
	MaxConcurrency     int64  `yaml:"max_concurrency"`
}

type PushFeedConfig struct {
	WsHandshakeTimeout string `yaml:"ws_handshake_timeout"`
	ReconnectTimeout   string `yaml:"reconnect_timeout"`
	ReadTimeout        string `yaml:"read_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		ApiUrl:   "http://localhost:8080",
		Endpoint: "/notes",
		Type:     "Note",
	}
}

// reads yaml from `r` over the defaults. A nil or empty reader gives the defaults
func LoadConfig(r io.Reader) (*Config, error) {
	config := DefaultConfig()
	if r == nil {
		return config, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) == 0 {
		return config, nil
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("unmarshal config yaml: %w", err)
	}
	return config, nil
}

// a missing file gives the defaults
func ReadConfigFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LoadConfig(nil)
		}
		return nil, fmt.Errorf("open config file %s: %w", path, err)
	}
	defer file.Close()

	return LoadConfig(file)
}

func parseDuration(durationStr string, defaultDuration time.Duration) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		glog.Infof("[config]invalid duration %q, using %s = %s\n", durationStr, defaultDuration, err)
		return defaultDuration
	}
	return d
}

func (self *Config) CollectionSettings() *CollectionSettings {
	settings := DefaultCollectionSettings()
	settings.DebounceTimeout = parseDuration(self.Collection.DebounceTimeout, settings.DebounceTimeout)
	if self.Collection.IdField != "" {
		settings.IdField = self.Collection.IdField
	}
	if self.Collection.TempIdField != "" {
		settings.TempIdField = self.Collection.TempIdField
	}
	if self.Collection.ContentType != "" {
		settings.ContentType = self.Collection.ContentType
	}
	return settings
}

func (self *Config) ApiSettings() *ApiSettings {
	settings := DefaultApiSettings()
	settings.HttpTimeout = parseDuration(self.Api.HttpTimeout, settings.HttpTimeout)
	settings.HttpConnectTimeout = parseDuration(self.Api.HttpConnectTimeout, settings.HttpConnectTimeout)
	settings.HttpTlsTimeout = parseDuration(self.Api.HttpTlsTimeout, settings.HttpTlsTimeout)
	if 0 < self.Api.MaxConcurrency {
		settings.MaxConcurrency = self.Api.MaxConcurrency
	}
	return settings
}

func (self *Config) PushFeedSettings() *PushFeedSettings {
	settings := DefaultPushFeedSettings()
	settings.WsHandshakeTimeout = parseDuration(self.PushFeed.WsHandshakeTimeout, settings.WsHandshakeTimeout)
	settings.ReconnectTimeout = parseDuration(self.PushFeed.ReconnectTimeout, settings.ReconnectTimeout)
	settings.ReadTimeout = parseDuration(self.PushFeed.ReadTimeout, settings.ReadTimeout)
	return settings
}
