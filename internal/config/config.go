// Package config loads offgrid.yaml (or offgrid.toml).
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Storage StorageConfig `yaml:"storage" toml:"storage"`
	Cache   CacheConfig   `yaml:"cache" toml:"cache"`
	Routes  RoutesConfig  `yaml:"routes" toml:"routes"`
	Sync    SyncConfig    `yaml:"sync" toml:"sync"`
	Push    PushConfig    `yaml:"push" toml:"push"`
	Install InstallConfig `yaml:"install" toml:"install"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

type ServerConfig struct {
	Port          int    `yaml:"port" toml:"port"`
	Origin        string `yaml:"origin" toml:"origin"`
	ControlPrefix string `yaml:"controlPrefix" toml:"controlPrefix"`

	OriginURL *url.URL `yaml:"-" toml:"-"`
}

type StorageConfig struct {
	Dir string `yaml:"dir" toml:"dir"`
	RAM struct {
		Max string `yaml:"max" toml:"max"`
	} `yaml:"ram" toml:"ram"`
	Disk struct {
		Max string `yaml:"max" toml:"max"`
	} `yaml:"disk" toml:"disk"`

	RAMMaxBytes  int64 `yaml:"-" toml:"-"`
	DiskMaxBytes int64 `yaml:"-" toml:"-"`
}

type CacheConfig struct {
	Namespace         string   `yaml:"namespace" toml:"namespace"`
	Version           string   `yaml:"version" toml:"version"`
	OfflineDocument   string   `yaml:"offlineDocument" toml:"offlineDocument"`
	Precache          []string `yaml:"precache" toml:"precache"`
	SkipWaiting       bool     `yaml:"skipWaiting" toml:"skipWaiting"`
	RevalidateTimeout string   `yaml:"revalidateTimeout" toml:"revalidateTimeout"`
	MaxBackground     int      `yaml:"maxBackground" toml:"maxBackground"`

	RevalidateTimeoutDur time.Duration `yaml:"-" toml:"-"`
}

type RoutesConfig struct {
	APIPrefix        string   `yaml:"apiPrefix" toml:"apiPrefix"`
	CacheableAPI     string   `yaml:"cacheableAPI" toml:"cacheableAPI"`
	StaticExtensions []string `yaml:"staticExtensions" toml:"staticExtensions"`
	StaticDirs       string   `yaml:"staticDirs" toml:"staticDirs"`

	CacheableAPIMatch MatchAny `yaml:"-" toml:"-"`
	StaticDirsMatch   MatchAny `yaml:"-" toml:"-"`
}

type SyncConfig struct {
	Tag        string `yaml:"tag" toml:"tag"`
	ProbePath  string `yaml:"probePath" toml:"probePath"`
	ProbeEvery string `yaml:"probeEvery" toml:"probeEvery"`

	ProbeEveryDur time.Duration `yaml:"-" toml:"-"`
}

type PushConfig struct {
	DefaultTitle string `yaml:"defaultTitle" toml:"defaultTitle"`
	DefaultBody  string `yaml:"defaultBody" toml:"defaultBody"`
	FallbackURL  string `yaml:"fallbackURL" toml:"fallbackURL"`
	// Icons maps an icon variant (appointment, job, ...) to its URL.
	Icons map[string]string `yaml:"icons" toml:"icons"`
	Badge string            `yaml:"badge" toml:"badge"`
}

type InstallConfig struct {
	Sitemaps    []string `yaml:"sitemaps" toml:"sitemaps"`
	Timeout     string   `yaml:"timeout" toml:"timeout"`
	Concurrency int      `yaml:"concurrency" toml:"concurrency"`

	TimeoutDur time.Duration `yaml:"-" toml:"-"`
}

type LoggingConfig struct {
	StatsEvery string `yaml:"statsEvery" toml:"statsEvery"`

	StatsEveryDur time.Duration `yaml:"-" toml:"-"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Server.ControlPrefix = "/__offgrid"

	cfg.Storage.Dir = "./data"
	cfg.Storage.RAM.Max = "64mb"
	cfg.Storage.Disk.Max = "1gb"

	cfg.Cache.Version = "v1"
	cfg.Cache.OfflineDocument = "/"
	cfg.Cache.Precache = []string{
		"/",
		"/index.html",
		"/manifest.json",
		"/icons/icon-192x192.png",
		"/icons/icon-512x512.png",
	}
	cfg.Cache.SkipWaiting = true
	cfg.Cache.RevalidateTimeout = "30s"
	cfg.Cache.MaxBackground = 32

	cfg.Routes.APIPrefix = "/api/"
	cfg.Routes.CacheableAPI = "Path(/api/jobs)|Path(/api/customers)|Path(/api/appointments)|Path(/api/dashboard)|Regexp(^/api/jobs/[^/]+/checklist$)"
	cfg.Routes.StaticExtensions = []string{
		".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico",
		".woff", ".woff2", ".ttf", ".json", ".webmanifest",
	}
	cfg.Routes.StaticDirs = "PathPrefix(/assets/)|PathPrefix(/icons/)|PathPrefix(/static/)"

	cfg.Sync.Tag = "sync-mutations"
	cfg.Sync.ProbePath = "/"
	cfg.Sync.ProbeEvery = "15s"

	cfg.Push.DefaultTitle = "New notification"
	cfg.Push.DefaultBody = "You have a new update"
	cfg.Push.FallbackURL = "/"
	cfg.Push.Badge = "/icons/badge-72x72.png"
	cfg.Push.Icons = map[string]string{
		"default":     "/icons/icon-192x192.png",
		"appointment": "/icons/notification-appointment.png",
		"job":         "/icons/notification-job.png",
		"quote":       "/icons/notification-quote.png",
		"invoice":     "/icons/notification-invoice.png",
	}

	cfg.Install.Timeout = "1m"
	cfg.Install.Concurrency = 8

	cfg.Logging.StatsEvery = "0s"
	return cfg
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(b, format)
}

// Parse decodes b over Default() and compiles the derived fields.
func Parse(b []byte, format string) (Config, error) {
	cfg := Default()
	switch format {
	case "toml":
		if _, err := toml.Decode(string(b), &cfg); err != nil {
			return Config{}, err
		}
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.origin: invalid origin %q", cfg.Server.Origin)
	}
	cfg.Server.OriginURL = u
	cfg.Server.ControlPrefix = "/" + strings.Trim(cfg.Server.ControlPrefix, "/")

	if cfg.Storage.RAMMaxBytes, err = ParseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.Storage.DiskMaxBytes, err = ParseBytes(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}

	if cfg.Cache.Version == "" {
		return fmt.Errorf("cache.version is required")
	}
	if cfg.Cache.RevalidateTimeoutDur, err = parseDuration(cfg.Cache.RevalidateTimeout); err != nil {
		return fmt.Errorf("cache.revalidateTimeout: %w", err)
	}
	if cfg.Cache.MaxBackground <= 0 {
		cfg.Cache.MaxBackground = 32
	}

	if !strings.HasPrefix(cfg.Routes.APIPrefix, "/") {
		return fmt.Errorf("routes.apiPrefix: must start with /")
	}
	if cfg.Routes.CacheableAPIMatch, err = ParseMatch(cfg.Routes.CacheableAPI); err != nil {
		return fmt.Errorf("routes.cacheableAPI: %w", err)
	}
	if cfg.Routes.StaticDirsMatch, err = ParseMatch(cfg.Routes.StaticDirs); err != nil {
		return fmt.Errorf("routes.staticDirs: %w", err)
	}
	for i, ext := range cfg.Routes.StaticExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.Routes.StaticExtensions[i] = ext
	}

	if cfg.Sync.Tag == "" {
		return fmt.Errorf("sync.tag is required")
	}
	if cfg.Sync.ProbeEveryDur, err = parseDuration(cfg.Sync.ProbeEvery); err != nil {
		return fmt.Errorf("sync.probeEvery: %w", err)
	}

	if cfg.Install.TimeoutDur, err = parseDuration(cfg.Install.Timeout); err != nil {
		return fmt.Errorf("install.timeout: %w", err)
	}
	if cfg.Install.Concurrency <= 0 {
		cfg.Install.Concurrency = 1
	}
	if cfg.Logging.StatsEveryDur, err = parseDuration(cfg.Logging.StatsEvery); err != nil {
		return fmt.Errorf("logging.statsEvery: %w", err)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
