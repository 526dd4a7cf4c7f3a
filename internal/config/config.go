package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Runtime RuntimeConfig `yaml:"runtime"`
	ELA     ELAConfig     `yaml:"ela"`
	Models  ModelsConfig  `yaml:"models"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           string `yaml:"port"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"` // json or console
	Service string `yaml:"service"`
}

type RuntimeConfig struct {
	// SharedLibraryPath points at libonnxruntime; empty uses the loader default.
	SharedLibraryPath string `yaml:"shared_library_path"`
}

type ELAConfig struct {
	Quality int    `yaml:"quality"`
	TempDir string `yaml:"temp_dir"`
}

type ModelsConfig struct {
	// RequireAll makes a model load failure fatal at startup.
	RequireAll bool         `yaml:"require_all"`
	Forgery    ForgeryModel `yaml:"forgery"`
	Stegano    SteganoModel `yaml:"stegano"`
}

type ForgeryModel struct {
	Path         string   `yaml:"path"`
	MetadataPath string   `yaml:"metadata_path"`
	ImageSize    int      `yaml:"image_size"`
	Labels       []string `yaml:"labels"`
}

type SteganoModel struct {
	Path         string     `yaml:"path"`
	MetadataPath string     `yaml:"metadata_path"`
	ImageSize    int        `yaml:"image_size"`
	Labels       []string   `yaml:"labels"`
	Head         HeadConfig `yaml:"head"`
}

// HeadConfig describes the replacement classification layer attached to the
// steganography backbone. Backbone weights always come from the ONNX graph;
// the checkpoint only contributes head parameters that are not excluded, so
// with the default exclude list it is read for reporting only. A missing or
// unreadable checkpoint leaves the seeded head in place. Leaving Checkpoint
// empty disables re-heading and the ONNX graph is expected to emit class
// scores directly.
type HeadConfig struct {
	Checkpoint string   `yaml:"checkpoint"`
	Prefix     string   `yaml:"prefix"`
	Exclude    []string `yaml:"exclude"`
	InFeatures int      `yaml:"in_features"`
	Seed       uint64   `yaml:"seed"`
}

const (
	EnvConfigPath    = "CONFIG_PATH"
	EnvHost          = "HOST"
	EnvPort          = "PORT"
	EnvRuntimeLib    = "ONNXRUNTIME_LIB"
	EnvForgeryModel  = "FORGERY_MODEL_PATH"
	EnvSteganoModel  = "STEGANO_MODEL_PATH"
	EnvSteganoHead   = "STEGANO_HEAD_CHECKPOINT"
	EnvRequireModels = "REQUIRE_MODELS"
	EnvLogLevel      = "LOG_LEVEL"
	EnvLogFormat     = "LOG_FORMAT"
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           "5000",
			MaxUploadBytes: 10 << 20,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "json",
			Service: "forensics-api",
		},
		ELA: ELAConfig{Quality: 90},
		Models: ModelsConfig{
			Forgery: ForgeryModel{
				Path:      "models/forgery.onnx",
				ImageSize: 128,
				Labels:    []string{"Fake", "Real"},
			},
			Stegano: SteganoModel{
				Path:      "models/stegano_backbone.onnx",
				ImageSize: 256,
				Labels:    []string{"Stego", "Not Stego"},
				Head: HeadConfig{
					Checkpoint: "models/stegano_head.safetensors",
					Prefix:     "fc",
					Exclude:    []string{"fc.weight", "fc.bias"},
					InFeatures: 512,
					Seed:       42,
				},
			},
		},
	}
}

// Load reads the YAML file at path (if any) over the defaults and then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Host = getEnv(EnvHost, c.Server.Host)
	c.Server.Port = getEnv(EnvPort, c.Server.Port)
	c.Runtime.SharedLibraryPath = getEnv(EnvRuntimeLib, c.Runtime.SharedLibraryPath)
	c.Models.Forgery.Path = getEnv(EnvForgeryModel, c.Models.Forgery.Path)
	c.Models.Stegano.Path = getEnv(EnvSteganoModel, c.Models.Stegano.Path)
	c.Models.Stegano.Head.Checkpoint = getEnv(EnvSteganoHead, c.Models.Stegano.Head.Checkpoint)
	c.Log.Level = getEnv(EnvLogLevel, c.Log.Level)
	c.Log.Format = getEnv(EnvLogFormat, c.Log.Format)

	if v := strings.TrimSpace(os.Getenv(EnvRequireModels)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvRequireModels, err)
		}
		c.Models.RequireAll = b
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		errs = append(errs, fmt.Errorf("server.port %q is not a number", c.Server.Port))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	if c.ELA.Quality < 1 || c.ELA.Quality > 100 {
		errs = append(errs, fmt.Errorf("ela.quality %d out of range 1-100", c.ELA.Quality))
	}
	if c.Models.Forgery.ImageSize <= 0 || c.Models.Stegano.ImageSize <= 0 {
		errs = append(errs, errors.New("models image_size must be positive"))
	}
	if len(c.Models.Forgery.Labels) != 2 {
		errs = append(errs, errors.New("models.forgery.labels must have 2 entries"))
	}
	if len(c.Models.Stegano.Labels) != 2 {
		errs = append(errs, errors.New("models.stegano.labels must have 2 entries"))
	}
	if c.Models.Stegano.Head.Checkpoint != "" && c.Models.Stegano.Head.InFeatures <= 0 {
		errs = append(errs, errors.New("models.stegano.head.in_features must be positive"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (c Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
