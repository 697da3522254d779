package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type config struct {
	Server    serverConfig
	Rooms     roomsConfig
	Upstream  upstreamConfig
	Redis     redisConfig
	WebSocket websocketConfig
	Log       logConfig
	Metrics   metricsConfig
}

// Durations are tagged "-" and filled by parseDuration.
type serverConfig struct {
	Addr        string
	Origin      string
	StopTimeout time.Duration `mapstructure:"-"`
	KillTimeout time.Duration `mapstructure:"-"`
}

type roomsConfig struct {
	CleanupInterval time.Duration `mapstructure:"-"`
}

type upstreamConfig struct {
	Driver            string
	URL               string
	APIURL            string        `mapstructure:"api_url"`
	SessionID         string        `mapstructure:"session_id"`
	Proxies           []string      `mapstructure:"proxies"`
	ProxyFile         string        `mapstructure:"proxy_file"`
	ConnectTimeout    time.Duration `mapstructure:"-"`
	DisconnectTimeout time.Duration `mapstructure:"-"`
}

type redisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

type websocketConfig struct {
	SendBuffer int `mapstructure:"send_buffer"`
}

type metricsConfig struct {
	Tick time.Duration `mapstructure:"-"`
}

func (c *config) registryConfig() registryConfig {
	return registryConfig{
		AuthToken:         c.Upstream.SessionID,
		ConnectTimeout:    c.Upstream.ConnectTimeout,
		DisconnectTimeout: c.Upstream.DisconnectTimeout,
		CleanupInterval:   c.Rooms.CleanupInterval,
		SendBuffer:        c.WebSocket.SendBuffer,
	}
}

// loadConfig merges defaults, an optional config file, environment
// variables and command line flags, in increasing priority.
func loadConfig(args []string) (*config, error) {
	fs := pflag.NewFlagSet("streamhub", pflag.ContinueOnError)
	fs.String("addr", ":3005", "http service address")
	fs.Duration("stop-timeout", 10*time.Second, "stop timeout")
	fs.Duration("kill-timeout", 1*time.Second, "kill timeout")
	fs.String("origin", "", "websocket server checks Origin headers against this scheme://host[:port]")
	configFile := fs.String("config", "", "path to a config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}
	if err := bindFlags(v, fs); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if port := v.GetInt("server.port"); port > 0 && !fs.Changed("addr") {
		cfg.Server.Addr = fmt.Sprintf(":%d", port)
	}

	// Bare integers are seconds, as in CLEAN_UP_INTERVAL=60.
	cfg.Server.StopTimeout = parseDuration(v, "server.stop_timeout", 10*time.Second)
	cfg.Server.KillTimeout = parseDuration(v, "server.kill_timeout", 1*time.Second)
	cfg.Rooms.CleanupInterval = parseDuration(v, "rooms.cleanup_interval", defaultCleanupInterval)
	cfg.Upstream.ConnectTimeout = parseDuration(v, "upstream.connect_timeout", defaultConnectTimeout)
	cfg.Upstream.DisconnectTimeout = parseDuration(v, "upstream.disconnect_timeout", defaultDisconnectTimeout)
	cfg.Metrics.Tick = parseDuration(v, "metrics.tick", 60*time.Second)

	if cfg.Upstream.ProxyFile != "" {
		proxies, err := readProxyFile(cfg.Upstream.ProxyFile)
		if err != nil {
			return nil, err
		}
		cfg.Upstream.Proxies = append(cfg.Upstream.Proxies, proxies...)
	}
	return &cfg, nil
}

func bindEnv(v *viper.Viper) error {
	return errors.Join(
		v.BindEnv("server.port", "PORT"),
		v.BindEnv("rooms.cleanup_interval", "CLEAN_UP_INTERVAL"),
		v.BindEnv("upstream.driver", "UPSTREAM_DRIVER"),
		v.BindEnv("upstream.url", "UPSTREAM_URL"),
		v.BindEnv("upstream.api_url", "UPSTREAM_API_URL"),
		v.BindEnv("upstream.session_id", "SESSION_ID", "TIKTOK_SESSION_ID"),
		v.BindEnv("upstream.proxy_file", "PROXY_FP"),
		v.BindEnv("redis.address", "REDIS_ADDRESS"),
		v.BindEnv("redis.password", "REDIS_PASSWORD"),
		v.BindEnv("log.level", "LOG_LEVEL"),
	)
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	return errors.Join(
		v.BindPFlag("server.addr", fs.Lookup("addr")),
		v.BindPFlag("server.stop_timeout", fs.Lookup("stop-timeout")),
		v.BindPFlag("server.kill_timeout", fs.Lookup("kill-timeout")),
		v.BindPFlag("server.origin", fs.Lookup("origin")),
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3005")
	v.SetDefault("server.origin", "")
	v.SetDefault("server.stop_timeout", "10s")
	v.SetDefault("server.kill_timeout", "1s")
	v.SetDefault("rooms.cleanup_interval", "60s")
	v.SetDefault("upstream.driver", "websocket")
	v.SetDefault("upstream.url", "ws://localhost:8090/events")
	v.SetDefault("upstream.api_url", "http://localhost:8090/api")
	v.SetDefault("upstream.session_id", "")
	v.SetDefault("upstream.proxies", []string{})
	v.SetDefault("upstream.proxy_file", "")
	v.SetDefault("upstream.connect_timeout", "10s")
	v.SetDefault("upstream.disconnect_timeout", "5s")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "live")
	v.SetDefault("websocket.send_buffer", defaultSendBuffer)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("metrics.tick", "60s")
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := strings.TrimSpace(v.GetString(key))
	if n, err := strconv.Atoi(str); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}

// readProxyFile reads a JSON array of proxy URLs.
func readProxyFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read proxy file: %w", err)
	}
	var proxies []string
	if err := json.Unmarshal(data, &proxies); err != nil {
		return nil, fmt.Errorf("failed to parse proxy file %s: %w", path, err)
	}
	return proxies, nil
}
