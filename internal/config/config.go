// Package config loads the broker's JSON configuration and applies
// environment variable overrides, the same two-step load the teacher
// server used before any component is constructed.
package config

import (
	"encoding/json"
	"os"
)

const defaultConfig = `{
  "server": {
    "host": "0.0.0.0",
    "port": 3002,
    "readTimeout": 10,
    "writeTimeout": 10,
    "maxMessageSize": 65536
  },
  "websocket": {
    "checkOrigin": true,
    "readBufferSize": 4096,
    "writeBufferSize": 4096,
    "handshakeTimeout": 10
  },
  "nats": {
    "url": "nats://localhost:4222",
    "maxReconnects": 10,
    "reconnectWait": 1000,
    "reconnectJitter": 200,
    "maxPingsOut": 3,
    "pingInterval": 10000
  },
  "auth": {
    "jwtSecret": "change-me-in-production",
    "tokenExpiration": 3600,
    "requireAuth": true
  },
  "lanes": {
    "orderedBatchSize": 1,
    "fastBatchSize": 10,
    "fastBatchDelayMs": 0,
    "deadLetterThreshold": 3,
    "dedupWindowSeconds": 120
  },
  "ack": {
    "timeoutSeconds": 7
  },
  "history": {
    "retentionDays": 30,
    "defaultLimit": 50,
    "maxLimit": 100,
    "sweepIntervalMinutes": 15
  },
  "metrics": {
    "enablePrometheus": true,
    "metricsPath": "/metrics",
    "updateIntervalSeconds": 1
  }
}`

// Config is the broker's complete runtime configuration.
type Config struct {
	Server struct {
		Host           string `json:"host"`
		Port           int    `json:"port"`
		ReadTimeout    int    `json:"readTimeout"`
		WriteTimeout   int    `json:"writeTimeout"`
		MaxMessageSize int64  `json:"maxMessageSize"`
	} `json:"server"`

	WebSocket struct {
		CheckOrigin      bool `json:"checkOrigin"`
		ReadBufferSize   int  `json:"readBufferSize"`
		WriteBufferSize  int  `json:"writeBufferSize"`
		HandshakeTimeout int  `json:"handshakeTimeout"`
	} `json:"websocket"`

	NATS struct {
		URL             string `json:"url"`
		MaxReconnects   int    `json:"maxReconnects"`
		ReconnectWait   int    `json:"reconnectWait"`
		ReconnectJitter int    `json:"reconnectJitter"`
		MaxPingsOut     int    `json:"maxPingsOut"`
		PingInterval    int    `json:"pingInterval"`
	} `json:"nats"`

	Auth struct {
		JWTSecret       string `json:"jwtSecret"`
		TokenExpiration int    `json:"tokenExpiration"`
		RequireAuth     bool   `json:"requireAuth"`
	} `json:"auth"`

	Lanes struct {
		OrderedBatchSize    int `json:"orderedBatchSize"`
		FastBatchSize       int `json:"fastBatchSize"`
		FastBatchDelayMs    int `json:"fastBatchDelayMs"`
		DeadLetterThreshold int `json:"deadLetterThreshold"`
		DedupWindowSeconds  int `json:"dedupWindowSeconds"`
	} `json:"lanes"`

	Ack struct {
		TimeoutSeconds int `json:"timeoutSeconds"`
	} `json:"ack"`

	History struct {
		RetentionDays         int `json:"retentionDays"`
		DefaultLimit          int `json:"defaultLimit"`
		MaxLimit              int `json:"maxLimit"`
		SweepIntervalMinutes  int `json:"sweepIntervalMinutes"`
	} `json:"history"`

	Metrics struct {
		EnablePrometheus      bool   `json:"enablePrometheus"`
		MetricsPath           string `json:"metricsPath"`
		UpdateIntervalSeconds int    `json:"updateIntervalSeconds"`
	} `json:"metrics"`
}

// Load reads configuration from path, or from the built-in default when
// path is empty, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	var raw []byte
	var err error

	if path != "" {
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		raw = []byte(defaultConfig)
	}

	raw = []byte(os.ExpandEnv(string(raw)))

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		cfg.NATS.URL = natsURL
	}
	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		cfg.Auth.JWTSecret = jwtSecret
	}
	if v := os.Getenv("REQUIRE_AUTH"); v == "true" {
		cfg.Auth.RequireAuth = true
	} else if v == "false" {
		cfg.Auth.RequireAuth = false
	}
	if v := os.Getenv("ENABLE_PROMETHEUS"); v == "false" {
		cfg.Metrics.EnablePrometheus = false
	} else if v == "true" {
		cfg.Metrics.EnablePrometheus = true
	}
}
