package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/franz/pbs-search/internal/util"
	"github.com/spf13/viper"
)

// Search backends accepted by search.backend
const (
	BackendSQLite        = "sqlite"
	BackendPostgres      = "postgres"
	BackendElasticsearch = "elasticsearch"
)

// Config is the typed view of everything pbs reads from flags, PBS_*
// environment variables and pbs.yaml.
type Config struct {
	DB       string
	Database DatabaseConfig
	Download DownloadConfig
	Search   SearchConfig
	Elastic  ElasticConfig
	Admin    AdminConfig
	Server   ServerConfig
	// EmbeddingsProvider enables the embedding hook when non-empty
	EmbeddingsProvider string
}

// DatabaseConfig selects the relational store
type DatabaseConfig struct {
	Driver string // sqlite or postgres
	URL    string // postgres connection string
}

// DownloadConfig controls schedule resolution and archive download
type DownloadConfig struct {
	Base           string
	Page           string
	Marker         string
	UserAgent      string
	LookbackMonths int
	ProbeTimeout   time.Duration
	Timeout        time.Duration
}

// SearchConfig controls the query engine
type SearchConfig struct {
	Backend      string
	DefaultLimit int
	MaxLimit     int
}

// ElasticConfig holds external search engine connection settings
type ElasticConfig struct {
	URL      string
	APIKey   string
	Username string
	Password string
	Index    string
}

// AdminConfig holds the admin endpoint secret
type AdminConfig struct {
	Token string
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Addr string
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db", "pbs.db")
	v.SetDefault("database.driver", BackendSQLite)
	v.SetDefault("database.url", "")
	v.SetDefault("download.base", "https://www.pbs.gov.au/downloads")
	v.SetDefault("download.page", "https://www.pbs.gov.au/info/browse/download")
	v.SetDefault("download.marker", "PBS-API-CSV")
	v.SetDefault("download.useragent", "pbs-search/1.0 (+https://github.com/franz/pbs-search)")
	v.SetDefault("download.lookback", 6)
	v.SetDefault("download.probetimeout", 15*time.Second)
	v.SetDefault("download.timeout", 5*time.Minute)
	v.SetDefault("search.backend", BackendSQLite)
	v.SetDefault("search.limit", 20)
	v.SetDefault("search.maxlimit", 200)
	v.SetDefault("elasticsearch.index", "pbs-docs")
	v.SetDefault("server.addr", ":3000")
}

// Load builds a Config from v. Defaults must already be registered.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DB: v.GetString("db"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(v.GetString("database.driver"))),
			URL:    v.GetString("database.url"),
		},
		Download: DownloadConfig{
			Base:           strings.TrimRight(v.GetString("download.base"), "/"),
			Page:           v.GetString("download.page"),
			Marker:         v.GetString("download.marker"),
			UserAgent:      v.GetString("download.useragent"),
			LookbackMonths: v.GetInt("download.lookback"),
			ProbeTimeout:   v.GetDuration("download.probetimeout"),
			Timeout:        v.GetDuration("download.timeout"),
		},
		Search: SearchConfig{
			Backend:      strings.ToLower(strings.TrimSpace(v.GetString("search.backend"))),
			DefaultLimit: v.GetInt("search.limit"),
			MaxLimit:     v.GetInt("search.maxlimit"),
		},
		Elastic: ElasticConfig{
			URL:      v.GetString("elasticsearch.url"),
			APIKey:   v.GetString("elasticsearch.apikey"),
			Username: v.GetString("elasticsearch.username"),
			Password: v.GetString("elasticsearch.password"),
			Index:    v.GetString("elasticsearch.index"),
		},
		Admin:              AdminConfig{Token: v.GetString("admin.token")},
		Server:             ServerConfig{Addr: v.GetString("server.addr")},
		EmbeddingsProvider: v.GetString("embeddings.provider"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option combinations that cannot work
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case BackendSQLite:
		if c.DB == "" {
			return fmt.Errorf("%w: db path is empty", util.ErrInvalidConfig)
		}
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("%w: database.url is required for the postgres driver", util.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown database.driver %q", util.ErrInvalidConfig, c.Database.Driver)
	}

	switch c.Search.Backend {
	case BackendSQLite, BackendPostgres:
	case BackendElasticsearch:
		if c.Elastic.URL == "" {
			return fmt.Errorf("%w: search.backend=elasticsearch needs elasticsearch.url", util.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown search.backend %q", util.ErrInvalidConfig, c.Search.Backend)
	}

	if c.Download.LookbackMonths < 0 {
		return fmt.Errorf("%w: download.lookback must be >= 0", util.ErrInvalidConfig)
	}
	if c.Download.Base == "" {
		return fmt.Errorf("%w: download.base is empty", util.ErrInvalidConfig)
	}
	if c.Search.DefaultLimit <= 0 || c.Search.MaxLimit < c.Search.DefaultLimit {
		return fmt.Errorf("%w: search limits %d/%d are inconsistent",
			util.ErrInvalidConfig, c.Search.DefaultLimit, c.Search.MaxLimit)
	}
	return nil
}

// UseExternalSearch reports whether the external engine is the active backend
func (c *Config) UseExternalSearch() bool {
	return c.Search.Backend == BackendElasticsearch
}
