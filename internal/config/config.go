package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Model   ModelConfig   `yaml:"model"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log,omitempty"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	MaxUploadMB     int           `yaml:"max_upload_mb"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowOrigin     string        `yaml:"allow_origin"`
}

// ModelConfig contains detector configuration
type ModelConfig struct {
	Backend      string `yaml:"backend"` // onnx or remote
	Path         string `yaml:"path"`
	MetadataPath string `yaml:"metadata_path"`
	LibraryPath  string `yaml:"library_path"` // onnxruntime shared library
	PoolSize     int    `yaml:"pool_size"`
	IntraThreads int    `yaml:"intra_op_threads"`

	InferenceURL string `yaml:"inference_url"` // remote backend base URL
	RemoteName   string `yaml:"remote_model_name"`

	InputName           string        `yaml:"input_name"`
	OutputName          string        `yaml:"output_name"`
	TargetSize          int           `yaml:"target_size"`
	ConfidenceThreshold *float64      `yaml:"confidence_threshold"` // nil means 0.5; 0 keeps every box
	NMSIoU              float64       `yaml:"nms_iou"`              // 0 disables suppression
	RowWidth            int           `yaml:"row_width"`            // yolov8: 0 derives 4+classes
	OutputLayout        string        `yaml:"output_layout"`        // rows, columns or yolov8
	NormalizedBoxes     bool          `yaml:"normalized_boxes"`
	ClassNames          []string      `yaml:"class_names"`
	InferenceTimeout    time.Duration `yaml:"inference_timeout"`
}

// FetchConfig contains settings for downloading images by URL
type FetchConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes"`
}

// StorageConfig contains persistence configuration
type StorageConfig struct {
	DataDir        string `yaml:"data_dir"`
	DatabasePath   string `yaml:"database_path"`
	ArtifactsDir   string `yaml:"artifacts_dir"`
	ArtifactPrefix string `yaml:"artifact_prefix"` // URL prefix artifacts are served under
	ArtifactFormat string `yaml:"artifact_format"` // jpg or png
	JPEGQuality    int    `yaml:"jpeg_quality"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads the YAML file at configPath, applies environment overrides
// and defaults, and validates the result. An empty path skips the file.
func Load(configPath string) (*Config, error) {
	var cfg Config

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}

		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Addr returns the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) applyEnv() {
	if port := getEnv("PORT", ""); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	c.Model.Backend = getEnv("MODEL_BACKEND", c.Model.Backend)
	c.Model.Path = getEnv("MODEL_PATH", c.Model.Path)
	c.Model.LibraryPath = getEnv("ORT_LIB_PATH", c.Model.LibraryPath)
	c.Model.InferenceURL = getEnv("INFERENCE_URL", c.Model.InferenceURL)
	c.Storage.DataDir = getEnv("DATA_DIR", c.Storage.DataDir)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = 20
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.AllowOrigin == "" {
		c.Server.AllowOrigin = "*"
	}

	if c.Model.Backend == "" {
		c.Model.Backend = "onnx"
	}
	if c.Model.Path == "" {
		c.Model.Path = "./models/YOLOv8_Small_RDD.onnx"
	}
	if c.Model.MetadataPath == "" {
		c.Model.MetadataPath = "./models/model_metadata.json"
	}
	if c.Model.PoolSize == 0 {
		c.Model.PoolSize = 2
	}
	if c.Model.RemoteName == "" {
		c.Model.RemoteName = "rdd"
	}
	if c.Model.InputName == "" {
		c.Model.InputName = "images"
	}
	if c.Model.OutputName == "" {
		c.Model.OutputName = "output0"
	}
	if c.Model.TargetSize == 0 {
		c.Model.TargetSize = 640
	}
	if c.Model.ConfidenceThreshold == nil {
		threshold := 0.5
		c.Model.ConfidenceThreshold = &threshold
	}
	if c.Model.OutputLayout == "" {
		c.Model.OutputLayout = "rows"
	}
	if c.Model.RowWidth == 0 {
		switch {
		case c.Model.OutputLayout != "yolov8":
			c.Model.RowWidth = 6
		case len(c.Model.ClassNames) > 0:
			c.Model.RowWidth = 4 + len(c.Model.ClassNames)
		}
	}
	if c.Model.InferenceTimeout == 0 {
		c.Model.InferenceTimeout = 10 * time.Second
	}

	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = 15 * time.Second
	}
	if c.Fetch.MaxBytes == 0 {
		c.Fetch.MaxBytes = int64(c.Server.MaxUploadMB) << 20
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = filepath.Join(c.Storage.DataDir, "db", "reports.db")
	}
	if c.Storage.ArtifactsDir == "" {
		c.Storage.ArtifactsDir = filepath.Join(c.Storage.DataDir, "artifacts")
	}
	if c.Storage.ArtifactPrefix == "" {
		c.Storage.ArtifactPrefix = "/artifacts"
	}
	if c.Storage.ArtifactFormat == "" {
		c.Storage.ArtifactFormat = "jpg"
	}
	if c.Storage.JPEGQuality == 0 {
		c.Storage.JPEGQuality = 90
	}
}

// Threshold returns the effective confidence threshold.
func (m ModelConfig) Threshold() float64 {
	if m.ConfidenceThreshold == nil {
		return 0.5
	}
	return *m.ConfidenceThreshold
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
