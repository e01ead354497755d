/******************************************************************************
 *
 *  Description :
 *
 *  Server configuration: a TOML file merged with environment overrides.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type mongoConfig struct {
	Uri      string `toml:"uri"`
	Database string `toml:"database"`
	Timeout  int    `toml:"timeout"`
}

type s3Config struct {
	Endpoint string `toml:"endpoint"`
	Region   string `toml:"region"`
	Bucket   string `toml:"bucket"`
	Key      string `toml:"key"`
	Secret   string `toml:"secret"`
}

type sessionConfig struct {
	Secret string `toml:"secret"`
	// MaxAge in seconds.
	MaxAge int `toml:"max_age"`
}

type smtpConfig struct {
	Host string `toml:"host"`
	Port string `toml:"port"`
	User string `toml:"user"`
	Pass string `toml:"pass"`
	From string `toml:"from"`
}

type corsConfig struct {
	Origins []string `toml:"origins"`
}

type securityConfig struct {
	TorBlock      bool     `toml:"tor_block"`
	AllowTorExits []string `toml:"allow_tor_exits"`
}

type networkConfig struct {
	// InactivityTimeout in seconds before a Transient project is deleted.
	InactivityTimeout int `toml:"inactivity_timeout"`
	// RoleFetchTimeout in seconds for get-role-data round trips.
	RoleFetchTimeout int `toml:"role_fetch_timeout"`
	// OutboundQueue is the per-client frame buffer.
	OutboundQueue int `toml:"outbound_queue"`
	// CacheSize bounds the metadata and resolver caches.
	CacheSize int `toml:"cache_size"`
}

type metricsConfig struct {
	Bind string `toml:"bind"`
}

type configType struct {
	Listen    string         `toml:"listen"`
	PublicUrl string         `toml:"public_url"`
	Expvar    string         `toml:"expvar"`
	Mongo     mongoConfig    `toml:"mongodb"`
	S3        s3Config       `toml:"s3"`
	Session   sessionConfig  `toml:"session"`
	Smtp      smtpConfig     `toml:"smtp"`
	Cors      corsConfig     `toml:"cors"`
	Security  securityConfig `toml:"security"`
	Network   networkConfig  `toml:"network"`
	Metrics   metricsConfig  `toml:"metrics"`
	Tls       tlsConfig      `toml:"tls"`
}

// loadConfig reads the TOML file then applies environment overrides and
// defaults.
func loadConfig(path string) (*configType, error) {
	var config configType
	if path != "" {
		if _, err := toml.DecodeFile(path, &config); err != nil {
			return nil, err
		}
	}

	envString(&config.Listen, "NETSBLOX_LISTEN")
	envString(&config.PublicUrl, "NETSBLOX_PUBLIC_URL")
	envString(&config.Mongo.Uri, "NETSBLOX_MONGODB_URI")
	envString(&config.Mongo.Database, "NETSBLOX_MONGODB_DATABASE")
	envString(&config.S3.Endpoint, "NETSBLOX_S3_ENDPOINT")
	envString(&config.S3.Region, "NETSBLOX_S3_REGION")
	envString(&config.S3.Bucket, "NETSBLOX_S3_BUCKET")
	envString(&config.S3.Key, "NETSBLOX_S3_KEY")
	envString(&config.S3.Secret, "NETSBLOX_S3_SECRET")
	envString(&config.Session.Secret, "NETSBLOX_SESSION_SECRET")
	envInt(&config.Session.MaxAge, "NETSBLOX_SESSION_MAX_AGE")
	envString(&config.Smtp.Host, "NETSBLOX_SMTP_HOST")
	envString(&config.Smtp.Port, "NETSBLOX_SMTP_PORT")
	envString(&config.Smtp.User, "NETSBLOX_SMTP_USER")
	envString(&config.Smtp.Pass, "NETSBLOX_SMTP_PASS")
	envString(&config.Smtp.From, "NETSBLOX_SMTP_FROM")
	envInt(&config.Network.InactivityTimeout, "NETSBLOX_NETWORK_INACTIVITY_TIMEOUT")
	envInt(&config.Network.RoleFetchTimeout, "NETSBLOX_NETWORK_ROLE_FETCH_TIMEOUT")
	envInt(&config.Network.OutboundQueue, "NETSBLOX_NETWORK_OUTBOUND_QUEUE")
	envString(&config.Metrics.Bind, "NETSBLOX_METRICS_BIND")

	if config.Listen == "" {
		config.Listen = ":7777"
	}
	if config.Session.MaxAge == 0 {
		config.Session.MaxAge = 14 * 24 * 3600
	}
	if config.Network.InactivityTimeout == 0 {
		config.Network.InactivityTimeout = 15 * 60
	}
	if config.Network.RoleFetchTimeout == 0 {
		config.Network.RoleFetchTimeout = 5
	}
	if config.Network.OutboundQueue == 0 {
		config.Network.OutboundQueue = 256
	}
	if config.Network.CacheSize == 0 {
		config.Network.CacheSize = 1024
	}

	return &config, nil
}

func envString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c *configType) inactivityTimeout() time.Duration {
	return time.Duration(c.Network.InactivityTimeout) * time.Second
}

func (c *configType) roleFetchTimeout() time.Duration {
	return time.Duration(c.Network.RoleFetchTimeout) * time.Second
}

// storeConfig renders the adapter config consumed by store.Open.
func (c *configType) storeConfig() json.RawMessage {
	mongo := map[string]any{
		"uri":      c.Mongo.Uri,
		"database": c.Mongo.Database,
		"timeout":  c.Mongo.Timeout,
	}
	conf := map[string]any{
		"use_adapter": "mongodb",
		"adapters":    map[string]any{"mongodb": mongo},
	}
	out, _ := json.Marshal(conf)
	return out
}

// blobConfig renders the media handler config consumed by store.UseMediaHandler.
func (c *configType) blobConfig() string {
	conf := map[string]any{
		"endpoint":          c.S3.Endpoint,
		"region":            c.S3.Region,
		"bucket":            c.S3.Bucket,
		"access_key_id":     c.S3.Key,
		"secret_access_key": c.S3.Secret,
		"force_path_style":  c.S3.Endpoint != "",
	}
	out, _ := json.Marshal(conf)
	return string(out)
}
