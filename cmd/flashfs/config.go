package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/soypat/flashfs"
)

// Config describes the flash image geometry and tool settings.
// Loaded from the file named by --config or FLASHFS_CONFIG; there is no
// automatic discovery.
type Config struct {
	// Image is the path of the flash image file.
	Image      string `yaml:"image"`
	Size       int64  `yaml:"size"`
	SectorSize int    `yaml:"sector_size"`
	PageSize   int    `yaml:"page_size"`
	// DirectoryBase and DirectorySize locate the central directory.
	DirectoryBase int64 `yaml:"directory_base"`
	DirectorySize int   `yaml:"directory_size"`
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a 1MB image with 4kB sectors and 256 byte pages,
// matching common SPI NOR parts.
func DefaultConfig() Config {
	return Config{
		Image:         "flash.img",
		Size:          1 << 20,
		SectorSize:    4096,
		PageSize:      256,
		DirectorySize: 4096,
		LogLevel:      "warn",
	}
}

// LoadConfig loads path over the defaults. An empty path falls back to
// FLASHFS_CONFIG; if that is empty too the defaults are returned.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = os.Getenv("FLASHFS_CONFIG")
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for obvious errors.
func (c Config) Validate() error {
	var errs []error
	if c.Image == "" {
		errs = append(errs, errors.New("image path is required"))
	}
	if c.SectorSize <= 0 || c.SectorSize&(c.SectorSize-1) != 0 {
		errs = append(errs, fmt.Errorf("sector_size %d must be a power of two", c.SectorSize))
	}
	if c.PageSize <= 0 || c.PageSize&(c.PageSize-1) != 0 || c.PageSize > c.SectorSize {
		errs = append(errs, fmt.Errorf("page_size %d must be a power of two no larger than sector_size", c.PageSize))
	}
	if c.SectorSize > 0 && (c.Size <= 0 || c.Size%int64(c.SectorSize) != 0) {
		errs = append(errs, fmt.Errorf("size %d must be a positive multiple of sector_size", c.Size))
	}
	if _, err := c.level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) level() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.LogLevel))
	if err != nil {
		return level, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// fsConfig returns the engine configuration.
func (c Config) fsConfig(logger *slog.Logger) flashfs.Config {
	return flashfs.Config{
		DirectoryBase: c.DirectoryBase,
		DirectorySize: c.DirectorySize,
		NoAutoFormat:  true,
		Logger:        logger,
	}
}
