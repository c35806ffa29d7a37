// Package chat parses chat command flags and composes transport entrypoints.
package chat

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/parleychat/parley/internal/platform/cmd"
	server "github.com/parleychat/parley/internal/services/chat/app"
)

// Config holds chat command configuration.
type Config struct {
	HTTPAddr    string `env:"PARLEY_CHAT_HTTP_ADDR"    envDefault:":8086"`
	DefaultRoom string `env:"PARLEY_CHAT_DEFAULT_ROOM" envDefault:"global"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.StringVar(&cfg.DefaultRoom, "default-room", cfg.DefaultRoom, "room joined by new sessions")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the chat app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:    cfg.HTTPAddr,
			DefaultRoom: cfg.DefaultRoom,
		}); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		return nil
	})
}
