// Package config loads runtime configuration from the environment, with
// command-line flags overriding.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"

	env "github.com/Netflix/go-env"
)

// Client holds configuration for the chat client binary.
type Client struct {
	ServerURL string `env:"SOCIALCHAT_SERVER_URL,default=ws://localhost:8080/ws"`
	UserID    string `env:"SOCIALCHAT_USER_ID"`
	LogLevel  string `env:"SOCIALCHAT_LOG_LEVEL,default=info"`
}

// ParseClientFlags loads client configuration: environment first, flags
// override. A missing user id is auto-generated.
func ParseClientFlags() (*Client, error) {
	cfg := &Client{}
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	flag.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Realtime server WebSocket URL")
	flag.StringVar(&cfg.UserID, "id", cfg.UserID, "User ID (auto-generated if empty)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.Parse()

	if cfg.UserID == "" {
		cfg.UserID = fmt.Sprintf("user-%s", randomID())
	}
	return cfg, nil
}

// Server holds configuration for the devserver binary.
type Server struct {
	Addr     string `env:"SOCIALCHAT_LISTEN_ADDR,default=:8080"`
	LogLevel string `env:"SOCIALCHAT_LOG_LEVEL,default=info"`
}

// ParseServerFlags loads devserver configuration: environment first, flags
// override.
func ParseServerFlags() (*Server, error) {
	cfg := &Server{}
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.Parse()
	return cfg, nil
}

func randomID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}
