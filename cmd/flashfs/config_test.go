package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("FLASHFS_CONFIG", "")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("got %+v, want defaults", cfg)
	}

	path := filepath.Join(t.TempDir(), "flashfs.yaml")
	err = os.WriteFile(path, []byte(`
image: /tmp/board.img
size: 2097152
page_size: 512
directory_size: 8192
log_level: debug
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLASHFS_CONFIG", path)
	cfg, err = LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultConfig()
	want.Image = "/tmp/board.img"
	want.Size = 2 << 20
	want.PageSize = 512
	want.DirectorySize = 8192
	want.LogLevel = "debug"
	if cfg != want {
		t.Errorf("got %+v, want %+v", cfg, want)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"defaults", func(*Config) {}, ""},
		{"no image", func(c *Config) { c.Image = "" }, "image path"},
		{"odd sector", func(c *Config) { c.SectorSize = 3000 }, "sector_size"},
		{"page over sector", func(c *Config) { c.PageSize = 8192 }, "page_size"},
		{"partial sector", func(c *Config) { c.Size = 4096*4 + 1 }, "size"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				if err != nil {
					t.Fatal(err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("want error containing %q, got %v", tt.errMsg, err)
			}
		})
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("size: [1, 2"), 0o644)
	if _, err := LoadConfig(path); err == nil {
		t.Error("malformed YAML accepted")
	}
}
