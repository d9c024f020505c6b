package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Brownie44l1/dr-api/internal/preprocess"
	"github.com/Brownie44l1/dr-api/internal/screening"
)

const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Upload     UploadConfig     `mapstructure:"upload"`
	Inference  InferenceConfig  `mapstructure:"inference"`
	Model      ModelConfig      `mapstructure:"model"`
	Preprocess PreprocessConfig `mapstructure:"preprocess"`
	Remote     RemoteConfig     `mapstructure:"remote"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"`
}

type UploadConfig struct {
	MaxSize      int64    `mapstructure:"max_size"`
	AllowedTypes []string `mapstructure:"allowed_types"`
}

type InferenceConfig struct {
	Backend string `mapstructure:"backend"`
}

// ModelConfig describes the local artifact. DRClassIndex has no usable
// default: it must match the labeling the artifact was trained with.
type ModelConfig struct {
	Path          string `mapstructure:"path"`
	MetadataPath  string `mapstructure:"metadata_path"`
	LibraryPath   string `mapstructure:"library_path"`
	Normalization string `mapstructure:"normalization"`
	DRClassIndex  int    `mapstructure:"dr_class_index"`
	Workers       int    `mapstructure:"workers"`
}

type PreprocessConfig struct {
	Interpolation string `mapstructure:"interpolation"`
}

type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

const unsetIndex = -1

// Load reads the YAML file at path (if any), then environment overrides
// prefixed with DRSCREEN_, e.g. DRSCREEN_MODEL_DR_CLASS_INDEX.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DRSCREEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.session_ttl", 15*time.Minute)

	v.SetDefault("upload.max_size", screening.MaxFileSize)
	v.SetDefault("upload.allowed_types", screening.DefaultAllowedTypes)

	v.SetDefault("inference.backend", BackendLocal)

	v.SetDefault("model.path", "models/model.onnx")
	v.SetDefault("model.metadata_path", "models/model_metadata.json")
	v.SetDefault("model.library_path", "")
	v.SetDefault("model.normalization", string(preprocess.Signed))
	v.SetDefault("model.dr_class_index", unsetIndex)
	v.SetDefault("model.workers", 1)

	v.SetDefault("preprocess.interpolation", "bilinear")

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.timeout", 30*time.Second)
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Inference.Backend {
	case BackendLocal:
		if c.Model.Path == "" || c.Model.MetadataPath == "" {
			errs = append(errs, errors.New("model.path and model.metadata_path are required for the local backend"))
		}
		if c.Model.Workers < 1 {
			errs = append(errs, fmt.Errorf("model.workers must be at least 1, got %d", c.Model.Workers))
		}
	case BackendRemote:
		if c.Remote.BaseURL == "" {
			errs = append(errs, errors.New("remote.base_url is required for the remote backend"))
		}
		if c.Remote.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("remote.timeout must be positive, got %s", c.Remote.Timeout))
		}
	default:
		errs = append(errs, fmt.Errorf("inference.backend must be %q or %q, got %q", BackendLocal, BackendRemote, c.Inference.Backend))
	}

	switch c.Model.DRClassIndex {
	case 0, 1:
	case unsetIndex:
		errs = append(errs, errors.New("model.dr_class_index must be set explicitly (0 or 1)"))
	default:
		errs = append(errs, fmt.Errorf("model.dr_class_index must be 0 or 1, got %d", c.Model.DRClassIndex))
	}

	if _, err := preprocess.ParseNormalization(c.Model.Normalization); err != nil {
		errs = append(errs, fmt.Errorf("model.normalization: %w", err))
	}
	if _, err := preprocess.ParseInterpolation(c.Preprocess.Interpolation); err != nil {
		errs = append(errs, fmt.Errorf("preprocess.interpolation: %w", err))
	}
	if c.Server.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("server.session_ttl must be positive, got %s", c.Server.SessionTTL))
	}
	if c.Upload.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("upload.max_size must be positive, got %d", c.Upload.MaxSize))
	}
	if len(c.Upload.AllowedTypes) == 0 {
		errs = append(errs, errors.New("upload.allowed_types must not be empty"))
	}

	return errors.Join(errs...)
}

func (c *Config) Constraints() screening.Constraints {
	return screening.Constraints{MaxSize: c.Upload.MaxSize, AllowedTypes: c.Upload.AllowedTypes}
}

func (c *Config) Addr() string {
	if strings.HasPrefix(c.Server.Port, ":") {
		return c.Server.Port
	}
	return ":" + c.Server.Port
}
