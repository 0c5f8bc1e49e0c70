// Package config loads folderlock settings from the YAML file in the state
// directory and applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/forest6511/folderlock/pkg/attempts"
	"github.com/forest6511/folderlock/pkg/crypto"
	"github.com/forest6511/folderlock/pkg/metadata"
)

// Constants
const (
	FileName       = "config.yaml"
	DefaultDirName = ".folderlock"
	DefaultMarker  = "."
	JournalDirName = "journal"

	EnvHome   = "FOLDERLOCK_HOME"
	EnvStrict = "FOLDERLOCK_STRICT"

	MaxBcryptCost = 31
)

// Errors
var (
	ErrInvalidMarker       = errors.New("config: invalid marker")
	ErrInvalidMetadataName = errors.New("config: invalid metadata file name")
	ErrInvalidCost         = errors.New("config: bcrypt cost out of range")
	ErrInvalidEnv          = errors.New("config: invalid environment value")
)

// Config holds the user-tunable settings.
type Config struct {
	Marker                string          `yaml:"marker"`
	MetadataFile          string          `yaml:"metadata_file"`
	BcryptCost            int             `yaml:"bcrypt_cost"`
	StrictPermissions     bool            `yaml:"strict_permissions"`
	FailOnPermissionError bool            `yaml:"fail_on_permission_error"`
	Cooldown              attempts.Policy `yaml:"cooldown"`
	Journal               bool            `yaml:"journal"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Marker:       DefaultMarker,
		MetadataFile: metadata.DefaultFileName,
		BcryptCost:   crypto.DefaultCost,
		Cooldown:     attempts.DefaultPolicy(),
		Journal:      true,
	}
}

// HomeDir returns the folderlock state directory: $FOLDERLOCK_HOME if set,
// otherwise ~/.folderlock.
func HomeDir() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: failed to get user home directory: %w", err)
	}
	return filepath.Join(home, DefaultDirName), nil
}

// Load reads the config file at path on top of the defaults. A missing file
// yields the defaults. Environment overrides are applied before validation.
func Load(fsys afero.Fs, path string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := Default()

	data, err := afero.ReadFile(fsys, path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Debug("config file not found, using defaults", zap.String("path", path))
	case err != nil:
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	default:
		warnInsecure(fsys, path, logger)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv(EnvStrict); ok && v != "" {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidEnv, EnvStrict, v)
		}
		c.StrictPermissions = strict
	}
	return nil
}

// Validate checks names and cost ranges.
func (c *Config) Validate() error {
	if c.Marker == "" || strings.ContainsAny(c.Marker, `/\`+"\x00") || c.Marker == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidMarker, c.Marker)
	}
	name := c.MetadataFile
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`+"\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidMetadataName, name)
	}
	if c.BcryptCost < crypto.MinRecommendedCost || c.BcryptCost > MaxBcryptCost {
		return fmt.Errorf("%w: %d (must be %d..%d)", ErrInvalidCost, c.BcryptCost, crypto.MinRecommendedCost, MaxBcryptCost)
	}
	if err := c.Cooldown.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// warnInsecure logs a warning when the config file is readable or writable by
// group or others. Advisory only.
func warnInsecure(fsys afero.Fs, path string, logger *zap.Logger) {
	info, err := fsys.Stat(path)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		logger.Warn("config file has insecure permissions",
			zap.String("path", path),
			zap.String("mode", fmt.Sprintf("%04o", perm)),
			zap.String("expected", "0600"))
	}
}
