package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/ericbjones/clean-invaders/catalog"
	"github.com/ericbjones/clean-invaders/hub"
)

// cachePrefix namespaces the snapshot cache keys shared by every process
// pointed at the same Redis.
const cachePrefix = "clean-invaders"

type config struct {
	ConfigDir  string
	Floors     []string
	DBPath     string
	ListenAddr string
	StaticDir  string

	RedisURL      string
	CacheTTL      time.Duration
	RelayChannel  string
	BroadcastCmds bool
	Notify        hub.NotifierConfig

	Debug     bool
	LogFormat string
}

// loadConfig reads the environment. Invalid values are fatal.
func loadConfig() config {
	cfg := config{
		ConfigDir:     envString("CONFIG_DIR", "config"),
		Floors:        envList("FLOORS", catalog.DefaultFloors),
		DBPath:        envString("DB_PATH", "cleaning.db"),
		ListenAddr:    ":9000",
		StaticDir:     envString("STATIC_DIR", "static"),
		RedisURL:      os.Getenv("REDIS_URL"),
		CacheTTL:      envDur("SNAPSHOT_CACHE_TTL", 30*time.Second),
		RelayChannel:  envString("RELAY_CHANNEL", "clean-invaders:live"),
		BroadcastCmds: envBool("BROADCAST_COMMANDS", true),
		Notify: hub.NotifierConfig{
			Workers:        envInt("NOTIFY_WORKERS", 4),
			Buffer:         envInt("NOTIFY_BUFFER", 256),
			HandoffTimeout: envDur("NOTIFY_HANDOFF_TIMEOUT", 15*time.Millisecond),
		},
		Debug:     envBool("DEBUG", false),
		LogFormat: envString("LOG_FORMAT", "text"),
	}
	if val, ok := os.LookupEnv("PORT"); ok && val != "" {
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("LISTEN_ADDR"); val != "" {
		cfg.ListenAddr = val
	}
	return cfg
}

// bindFlags registers flags that override the environment.
func (c *config) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ConfigDir, "config-dir", c.ConfigDir, "directory holding one sub-directory of room files per floor")
	fs.StringSliceVar(&c.Floors, "floors", c.Floors, "floor directories to load")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "SQLite database path")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "HTTP listen address")
	fs.StringVar(&c.StaticDir, "static-dir", c.StaticDir, "directory served under /static (empty disables)")
	fs.StringVar(&c.RedisURL, "redis", c.RedisURL, "Redis URL for the snapshot cache and live relay (empty disables)")
}

func (c config) loader() *catalog.Loader {
	return catalog.NewLoader(c.ConfigDir, c.Floors)
}

func configureLogging(cfg config) {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if strings.EqualFold(cfg.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	}
}

// redisOptions accepts a redis:// URL or an "addr,password=...,ssl=True"
// connection string.
func redisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return n
}

func envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		log.Fatalf("invalid %s: %v", key, fmt.Errorf("%q is not a non-negative duration", v))
	}
	return d
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return b
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return append([]string(nil), def...)
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
