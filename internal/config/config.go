package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/menta2k/morpheus/pkg/types"
)

// EnvPrefix prefixes environment overrides, e.g. MORPHEUS_API_KEY or
// MORPHEUS_CAPTURE_QUALITY.
const EnvPrefix = "MORPHEUS"

// ErrMissingAPIKey is returned when no API key is configured.
var ErrMissingAPIKey = errors.New("config: missing API key")

// Config holds the application configuration
type Config struct {
	APIKey         string         `json:"api_key" mapstructure:"api_key"`
	CoordinatorURL string         `json:"coordinator_url" mapstructure:"coordinator_url" validate:"required,url"`
	ModelName      string         `json:"model_name" mapstructure:"model_name" validate:"required"`
	Capture        CaptureConfig  `json:"capture" mapstructure:"capture"`
	Camera         CameraConfig   `json:"camera" mapstructure:"camera"`
	Presets        []types.Preset `json:"presets" mapstructure:"presets" validate:"dive"`
	FaceCascade    string         `json:"face_cascade" mapstructure:"face_cascade"`
	Log            LogConfig      `json:"log" mapstructure:"log"`
	OutputDir      string         `json:"output_dir" mapstructure:"output_dir"`
}

// CaptureConfig holds the encoded reference still format
type CaptureConfig struct {
	Width   int `json:"width" mapstructure:"width" validate:"gt=0"`
	Height  int `json:"height" mapstructure:"height" validate:"gt=0"`
	Quality int `json:"quality" mapstructure:"quality" validate:"min=1,max=100"`
}

// CameraConfig holds the live video source
type CameraConfig struct {
	URL    string `json:"url" mapstructure:"url" validate:"omitempty,url"`
	Width  int    `json:"width" mapstructure:"width" validate:"gte=0"`
	Height int    `json:"height" mapstructure:"height" validate:"gte=0"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level string `json:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	File  string `json:"file" mapstructure:"file"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		CoordinatorURL: "https://api.reactor.inc",
		ModelName:      "morpheus",
		Capture: CaptureConfig{
			Width:   640,
			Height:  360,
			Quality: 70,
		},
		Camera: CameraConfig{
			Width:  1280,
			Height: 720,
		},
		Presets: []types.Preset{},
		Log: LogConfig{
			Level: "info",
		},
		OutputDir: "./output",
	}
}

// Load reads the configuration from filename, or from GetConfigPath when
// filename is empty and that file exists, then applies MORPHEUS_*
// environment overrides and validates the result.
func Load(filename string) (*Config, error) {
	v := newViper()

	if filename == "" {
		if path := GetConfigPath(); fileExists(path) {
			filename = path
		}
	}
	if filename != "" {
		v.SetConfigFile(filename)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadFromFile loads configuration from a JSON file
func LoadFromFile(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("config file name is empty")
	}
	return Load(filename)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("api_key", "")
	v.SetDefault("coordinator_url", d.CoordinatorURL)
	v.SetDefault("model_name", d.ModelName)
	v.SetDefault("capture.width", d.Capture.Width)
	v.SetDefault("capture.height", d.Capture.Height)
	v.SetDefault("capture.quality", d.Capture.Quality)
	v.SetDefault("camera.url", "")
	v.SetDefault("camera.width", d.Camera.Width)
	v.SetDefault("camera.height", d.Camera.Height)
	v.SetDefault("presets", []map[string]any{})
	v.SetDefault("face_cascade", "")
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", "")
	v.SetDefault("output_dir", d.OutputDir)
	return v
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may hold the API key.
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q check", f.Namespace(), f.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "morpheus", "config.json")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
