// Package config loads hellgated's configuration from an optional YAML file
// with HELLGATE_-prefixed environment overrides. Every value has a default,
// so the daemon runs with no file at all.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Gateway struct {
		ListenAddr string `mapstructure:"listen_addr"`
		// ConnectTimeout bounds Sniffing through Bridged; connections
		// that have not bridged when it fires are closed 1011.
		ConnectTimeout            time.Duration `mapstructure:"connect_timeout"`
		MaxPendingMessages        int           `mapstructure:"max_pending_messages"`
		MaxPendingBytes           int           `mapstructure:"max_pending_bytes"`
		MaxPendingUnknownMessages int           `mapstructure:"max_pending_unknown_messages"`
		MaxPendingUnknownBytes    int           `mapstructure:"max_pending_unknown_bytes"`
	} `mapstructure:"gateway"`

	Room struct {
		// MaxFrameBytes is the absolute per-frame cap enforced at the
		// room entry point.
		MaxFrameBytes     int `mapstructure:"max_frame_bytes"`
		MaxInvalidPackets int `mapstructure:"max_invalid_packets"`
		// FloodWindow and MaxMessagesPerWindow define the sliding
		// per-connection packet budget.
		FloodWindow          time.Duration `mapstructure:"flood_window"`
		MaxMessagesPerWindow int           `mapstructure:"max_messages_per_window"`
	} `mapstructure:"room"`

	Internal struct {
		// ListenAddr serves the room attach endpoint and the directory
		// endpoints. Loopback by default; the gateway dials it.
		ListenAddr string `mapstructure:"listen_addr"`
	} `mapstructure:"internal"`

	Directory struct {
		StorePath string `mapstructure:"store_path"`
	} `mapstructure:"directory"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// Load reads the file at path when path is non-empty, applies environment
// overrides, and fills defaults for everything else.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvPrefix("HELLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.listen_addr", ":8080")
	v.SetDefault("gateway.connect_timeout", "15s")
	v.SetDefault("gateway.max_pending_messages", 256)
	v.SetDefault("gateway.max_pending_bytes", 14<<20)
	v.SetDefault("gateway.max_pending_unknown_messages", 32)
	v.SetDefault("gateway.max_pending_unknown_bytes", 1<<20)

	v.SetDefault("room.max_frame_bytes", 14<<20)
	v.SetDefault("room.max_invalid_packets", 2)
	v.SetDefault("room.flood_window", "15s")
	v.SetDefault("room.max_messages_per_window", 512)

	v.SetDefault("internal.listen_addr", "127.0.0.1:8081")
	v.SetDefault("directory.store_path", "hellgate.db")
	v.SetDefault("log.level", "info")
}

func (c *Config) validate() error {
	if c.Gateway.ConnectTimeout <= 0 {
		return fmt.Errorf("gateway.connect_timeout must be positive, got %s", c.Gateway.ConnectTimeout)
	}
	if c.Room.MaxFrameBytes <= 0 {
		return fmt.Errorf("room.max_frame_bytes must be positive, got %d", c.Room.MaxFrameBytes)
	}
	if c.Room.FloodWindow <= 0 {
		return fmt.Errorf("room.flood_window must be positive, got %s", c.Room.FloodWindow)
	}
	return nil
}
