package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/franz/pbs-search/internal/util"
	"github.com/spf13/viper"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newViper())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DB != "pbs.db" {
		t.Errorf("DB = %q, want pbs.db", cfg.DB)
	}
	if cfg.Download.LookbackMonths != 6 {
		t.Errorf("LookbackMonths = %d, want 6", cfg.Download.LookbackMonths)
	}
	if cfg.Download.ProbeTimeout != 15*time.Second {
		t.Errorf("ProbeTimeout = %v, want 15s", cfg.Download.ProbeTimeout)
	}
	if cfg.Download.Marker != "PBS-API-CSV" {
		t.Errorf("Marker = %q", cfg.Download.Marker)
	}
	if cfg.Search.DefaultLimit != 20 || cfg.Search.MaxLimit != 200 {
		t.Errorf("limits = %d/%d, want 20/200", cfg.Search.DefaultLimit, cfg.Search.MaxLimit)
	}
	if cfg.UseExternalSearch() {
		t.Error("external search should be off by default")
	}
}

func TestLoadTrimsDownloadBase(t *testing.T) {
	v := newViper()
	v.Set("download.base", "http://mirror.local/downloads/")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Download.Base != "http://mirror.local/downloads" {
		t.Errorf("Base = %q", cfg.Download.Base)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PBS_ADMIN_TOKEN", "s3cret")
	t.Setenv("PBS_DOWNLOAD_LOOKBACK", "2")

	v := newViper()
	v.SetEnvPrefix("PBS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Admin.Token != "s3cret" {
		t.Errorf("Admin.Token = %q", cfg.Admin.Token)
	}
	if cfg.Download.LookbackMonths != 2 {
		t.Errorf("LookbackMonths = %d, want 2", cfg.Download.LookbackMonths)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]interface{}
	}{
		{"postgres without url", map[string]interface{}{"database.driver": "postgres"}},
		{"unknown driver", map[string]interface{}{"database.driver": "oracle"}},
		{"elasticsearch without url", map[string]interface{}{"search.backend": "elasticsearch"}},
		{"unknown backend", map[string]interface{}{"search.backend": "solr"}},
		{"negative lookback", map[string]interface{}{"download.lookback": -1}},
		{"max below default", map[string]interface{}{"search.maxlimit": 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper()
			for k, val := range tt.set {
				v.Set(k, val)
			}
			_, err := Load(v)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, util.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestElasticsearchBackend(t *testing.T) {
	v := newViper()
	v.Set("search.backend", "Elasticsearch")
	v.Set("elasticsearch.url", "http://localhost:9200")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.UseExternalSearch() {
		t.Error("expected external search to be active")
	}
}
