// Package config loads the YAML configuration of the gateway and the client.
package config

import (
	"crypto/tls"
	"net/netip"
	"os"
	"time"

	"github.com/sagernet/sing-c2ml/allocation"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"

	"github.com/goccy/go-yaml"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	DefaultGatewayListen = ":7000"
	DefaultNotifyDelay   = time.Millisecond
	DefaultAckTimeout    = 2 * time.Second
	DefaultMaxRetries    = 3
	DefaultQueueLimit    = 1000
)

type Config struct {
	Gateway *GatewayConfig `yaml:"gateway,omitempty"`
	Client  *ClientConfig  `yaml:"client,omitempty"`
	Metrics MetricsConfig  `yaml:"metrics,omitempty"`
	Log     LogConfig      `yaml:"log,omitempty"`
}

type GatewayConfig struct {
	Listen         string          `yaml:"listen,omitempty"`
	QUICListen     string          `yaml:"quic_listen,omitempty"`
	TLS            TLSConfig       `yaml:"tls,omitempty"`
	Mode           allocation.Mode `yaml:"mode,omitempty"`
	TotalBandwidth Bandwidth       `yaml:"total_bandwidth"`
	NotifyDelay    time.Duration   `yaml:"notify_delay,omitempty"`
	AQM            AQMConfig       `yaml:"aqm,omitempty"`
}

type AQMConfig struct {
	Enabled    bool          `yaml:"enabled,omitempty"`
	Address    string        `yaml:"address,omitempty"` // the gateway's own address on the shared link
	QueueLimit int           `yaml:"queue_limit,omitempty"`
	InitialRTT time.Duration `yaml:"initial_rtt,omitempty"`
}

type ClientConfig struct {
	Server     string        `yaml:"server"`
	QUIC       bool          `yaml:"quic,omitempty"`
	TLS        TLSConfig     `yaml:"tls,omitempty"`
	Capacity   Bandwidth     `yaml:"capacity"`
	AckTimeout time.Duration `yaml:"ack_timeout,omitempty"`
	MaxRetries int           `yaml:"max_retries,omitempty"`
	Flows      int           `yaml:"flows,omitempty"` // flows opened at start; each gets a paced share
}

type TLSConfig struct {
	Certificate string `yaml:"certificate,omitempty"`
	Key         string `yaml:"key,omitempty"`
	ServerName  string `yaml:"server_name,omitempty"`
	Insecure    bool   `yaml:"insecure,omitempty"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level,omitempty"`
	File  string `yaml:"file,omitempty"`
}

func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, E.Cause(err, "read config")
	}
	return Parse(content)
}

func Parse(content []byte) (*Config, error) {
	var config Config
	err := yaml.Unmarshal(content, &config)
	if err != nil {
		return nil, E.Cause(err, "decode config")
	}
	config.applyDefaults()
	err = config.Validate()
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// Marshal renders a configuration back to YAML.
func Marshal(config *Config) ([]byte, error) {
	return yamlv3.Marshal(config)
}

// Sample is the configuration written by "c2ml init".
func Sample() *Config {
	return &Config{
		Gateway: &GatewayConfig{
			Listen:         DefaultGatewayListen,
			Mode:           allocation.ModeDyBRA,
			TotalBandwidth: 1_250_000,
			NotifyDelay:    DefaultNotifyDelay,
		},
		Client: &ClientConfig{
			Server:     "127.0.0.1:7000",
			Capacity:   1_250_000,
			AckTimeout: DefaultAckTimeout,
			MaxRetries: DefaultMaxRetries,
			Flows:      1,
		},
		Log: LogConfig{Level: "info"},
	}
}

func (c *Config) applyDefaults() {
	if gateway := c.Gateway; gateway != nil {
		if gateway.Listen == "" && gateway.QUICListen == "" {
			gateway.Listen = DefaultGatewayListen
		}
		if gateway.Mode == "" {
			gateway.Mode = allocation.ModeUnweighted
		}
		if gateway.NotifyDelay == 0 {
			gateway.NotifyDelay = DefaultNotifyDelay
		}
		if gateway.AQM.QueueLimit == 0 {
			gateway.AQM.QueueLimit = DefaultQueueLimit
		}
	}
	if client := c.Client; client != nil {
		if client.AckTimeout == 0 {
			client.AckTimeout = DefaultAckTimeout
		}
		if client.MaxRetries == 0 {
			client.MaxRetries = DefaultMaxRetries
		}
	}
}

func (c *Config) Validate() error {
	if c.Gateway == nil && c.Client == nil {
		return E.New("config has neither a gateway nor a client section")
	}
	if gateway := c.Gateway; gateway != nil {
		if !gateway.Mode.IsValid() {
			return E.New("gateway: unknown allocation mode: ", gateway.Mode)
		}
		if gateway.TotalBandwidth == 0 {
			return E.New("gateway: missing total_bandwidth")
		}
		if gateway.NotifyDelay < 0 {
			return E.New("gateway: negative notify_delay")
		}
		if gateway.QUICListen != "" && (gateway.TLS.Certificate == "" || gateway.TLS.Key == "") {
			return E.New("gateway: quic_listen requires tls certificate and key")
		}
		if gateway.AQM.Enabled && gateway.AQM.Address != "" {
			if _, err := netip.ParseAddr(gateway.AQM.Address); err != nil {
				return E.Cause(err, "gateway: aqm address")
			}
		}
		if gateway.AQM.QueueLimit < 0 {
			return E.New("gateway: negative aqm queue_limit")
		}
	}
	if client := c.Client; client != nil {
		if !M.ParseSocksaddr(client.Server).IsValid() {
			return E.New("client: invalid server address: ", client.Server)
		}
		if client.Capacity == 0 {
			return E.New("client: missing capacity")
		}
		if client.MaxRetries < 0 {
			return E.New("client: negative max_retries")
		}
		if client.Flows < 0 {
			return E.New("client: negative flows")
		}
	}
	return nil
}

func (t TLSConfig) ServerConfig() (*tls.Config, error) {
	certificate, err := tls.LoadX509KeyPair(t.Certificate, t.Key)
	if err != nil {
		return nil, E.Cause(err, "load tls key pair")
	}
	return &tls.Config{Certificates: []tls.Certificate{certificate}}, nil
}

func (t TLSConfig) ClientConfig() *tls.Config {
	return &tls.Config{
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.Insecure,
	}
}
