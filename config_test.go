package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.Addr() != "127.0.0.1:8080" {
		t.Errorf("Addr = %q", cfg.Server.Addr())
	}
	if cfg.Sources.CheckInterval != 10*time.Second {
		t.Errorf("CheckInterval = %v", cfg.Sources.CheckInterval)
	}
	if len(cfg.Sources.Entries) != 1 {
		t.Fatalf("expected the default dragon source, got %+v", cfg.Sources.Entries)
	}
	src := cfg.Sources.Entries[0]
	if src.Kind != "overpass" || src.File != "osm_dragon.json" || src.RetryEvery != 3*time.Hour {
		t.Errorf("unexpected default source %+v", src)
	}
	if len(src.Categories) != 1 || src.Categories[0] != "dragon" {
		t.Errorf("categories = %v", src.Categories)
	}
	if !strings.Contains(src.Query, `"artwork_subject"!~"dragonfl"`) {
		t.Errorf("unexpected default query %q", src.Query)
	}

	opts := cfg.Map.ClusterOptions()
	if opts.Radius != 30 || opts.Extent != 256 || opts.MinPoints != 2 || opts.MaxZoom != 18 {
		t.Errorf("cluster options = %+v", opts)
	}
	if GetConfig() != cfg {
		t.Error("GetConfig should return the loaded config")
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := writeConfigFile(t, `{
		"server": {"port": "9000"},
		"map": {"dataset_url": "http://example.org/d.json", "cluster_extent": 512, "default_filters": {"exclude_exhibits": true}},
		"sources": {"entries": [
			{"name": "wd", "kind": "wikidata", "query": "SELECT ?item WHERE {}", "categories": ["dragon", "lion"]}
		]}
	}`)
	t.Setenv("DEPICT_SERVER_HOST", "0.0.0.0")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Addr() != "0.0.0.0:9000" {
		t.Errorf("Addr = %q", cfg.Server.Addr())
	}
	if !cfg.Map.DefaultFilters.ExcludeExhibits {
		t.Error("default filters not read from file")
	}
	if opts := cfg.Map.ClusterOptions(); opts.Extent != 512 {
		t.Errorf("Extent = %d, want 512", opts.Extent)
	}
	src := cfg.Sources.Entries[0]
	if src.File != "wd.json" || src.Title != "wd" || src.RetryEvery != defaultRetryEvery {
		t.Errorf("source defaults not applied: %+v", src)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown backend", `{"storage": {"backend": "s3"}}`, "unknown storage backend"},
		{"unknown kind", `{"sources": {"entries": [{"name": "x", "kind": "rss", "query": "q", "categories": ["a"]}]}}`, "unknown kind"},
		{"no categories", `{"sources": {"entries": [{"name": "x", "kind": "overpass", "query": "q"}]}}`, "at least one category"},
		{"path in file", `{"sources": {"entries": [{"name": "x", "kind": "overpass", "query": "q", "categories": ["a"], "file": "../x.json"}]}}`, "plain file name"},
		{"duplicate", `{"sources": {"entries": [
			{"name": "x", "kind": "overpass", "query": "q", "categories": ["a"]},
			{"name": "x", "kind": "overpass", "query": "q", "categories": ["a"], "file": "y.json"}]}}`, "duplicate source"},
		{"bad radius", `{"map": {"cluster_radius": 0}}`, "cluster_radius"},
		{"bad extent", `{"map": {"cluster_extent": -1}}`, "cluster_extent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfigFile(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("DEPICT_TEST_INT", "42")
	t.Setenv("DEPICT_TEST_BOOL", "true")
	t.Setenv("DEPICT_TEST_BAD", "x")

	if GetEnvInt("DEPICT_TEST_INT", 1) != 42 || GetEnvInt("DEPICT_TEST_BAD", 1) != 1 {
		t.Error("GetEnvInt")
	}
	if !GetEnvBool("DEPICT_TEST_BOOL", false) || GetEnvBool("DEPICT_TEST_BAD", false) {
		t.Error("GetEnvBool")
	}
	if GetEnvString("DEPICT_TEST_UNSET", "fallback") != "fallback" {
		t.Error("GetEnvString")
	}
}
