package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StateStoreFile  = "file"
	StateStoreMongo = "mongo"
	StateStoreRedis = "redis"
)

type Config struct {
	HTTPAddr   string `env:"HTTP_ADDR" envDefault:":8080"`
	PublicPort int    `env:"PUBLIC_PORT"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"LOG_FORMAT" envDefault:"text"`
	DataDir    string `env:"DATA_DIR" envDefault:"data"`

	CacheDir           string        `env:"CACHE_DIR"`
	CacheGracePeriod   time.Duration `env:"CACHE_GRACE_PERIOD" envDefault:"60s"`
	CacheRetainHistory int           `env:"CACHE_RETAIN_HISTORY" envDefault:"3"`
	CacheSweepInterval time.Duration `env:"CACHE_SWEEP_INTERVAL" envDefault:"1m"`
	CacheMinFreeBytes  int64         `env:"CACHE_MIN_FREE_BYTES" envDefault:"0"`

	FetchWorkers int           `env:"FETCH_WORKERS" envDefault:"1"`
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT" envDefault:"3m"`

	YTDLPPath               string `env:"YTDLP_PATH" envDefault:"yt-dlp"`
	YTDLPFormat             string `env:"YTDLP_FORMAT" envDefault:"bestvideo[height<=720][vcodec^=avc]+bestaudio[ext=m4a]/best[height<=720]"`
	YTDLPExtractorArgs      string `env:"YTDLP_EXTRACTOR_ARGS" envDefault:"youtube:player_js_version=actual"`
	YTDLPCookiesFromBrowser string `env:"YTDLP_COOKIES_FROM_BROWSER"`
	YTDLPCookiesFile        string `env:"YTDLP_COOKIES_FILE"`
	FFProbePath             string `env:"FFPROBE_PATH" envDefault:"ffprobe"`

	StateStore        string        `env:"STATE_STORE" envDefault:"file"`
	StateFile         string        `env:"STATE_FILE"`
	StateSaveInterval time.Duration `env:"STATE_SAVE_INTERVAL" envDefault:"5s"`
	StateHistoryLimit int           `env:"STATE_HISTORY_LIMIT" envDefault:"50"`

	MongoURI      string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGO_DB" envDefault:"ytkara"`
	RedisURL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisKey      string `env:"REDIS_KEY" envDefault:"ytkara:session"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	RateLimitRPS       float64  `env:"RATE_LIMIT_RPS" envDefault:"100"`
	RateLimitBurst     int      `env:"RATE_LIMIT_BURST" envDefault:"200"`

	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELSampleRate float64 `env:"OTEL_TRACE_SAMPLE_RATE" envDefault:"0.1"`
}

func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.StateStore = strings.ToLower(strings.TrimSpace(c.StateStore))
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.DataDir, "cache")
	}
	if c.StateFile == "" {
		c.StateFile = filepath.Join(c.DataDir, "session-state.json")
	}
	if c.FetchWorkers < 1 {
		c.FetchWorkers = 1
	}
	if c.CacheRetainHistory < 0 {
		c.CacheRetainHistory = 0
	}
	if c.StateHistoryLimit < 1 {
		c.StateHistoryLimit = 50
	}
	origins := c.CORSAllowedOrigins[:0]
	for _, o := range c.CORSAllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORSAllowedOrigins = origins
}

func (c Config) Validate() error {
	switch c.StateStore {
	case StateStoreFile, StateStoreMongo, StateStoreRedis:
	default:
		return fmt.Errorf("unknown STATE_STORE %q (want file, mongo or redis)", c.StateStore)
	}
	if c.CacheGracePeriod < 0 {
		return fmt.Errorf("CACHE_GRACE_PERIOD must not be negative")
	}
	return nil
}
