package config

import (
	"fmt"
	"strings"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errors = append(errors, fmt.Sprintf("server.port must be between 1 and 65535, got: %d", c.Server.Port))
	}
	if c.Server.MaxUploadMB <= 0 {
		errors = append(errors, fmt.Sprintf("server.max_upload_mb must be > 0, got: %d", c.Server.MaxUploadMB))
	}

	switch c.Model.Backend {
	case "onnx":
		if c.Model.Path == "" {
			errors = append(errors, "model.path is required for the onnx backend")
		}
		if c.Model.PoolSize <= 0 {
			errors = append(errors, fmt.Sprintf("model.pool_size must be > 0, got: %d", c.Model.PoolSize))
		}
	case "remote":
		if c.Model.InferenceURL == "" {
			errors = append(errors, "model.inference_url is required for the remote backend")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid model.backend: %s (must be: onnx or remote)", c.Model.Backend))
	}

	if c.Model.TargetSize <= 0 {
		errors = append(errors, fmt.Sprintf("model.target_size must be > 0, got: %d", c.Model.TargetSize))
	}
	if t := c.Model.Threshold(); t < 0 || t > 1 {
		errors = append(errors, fmt.Sprintf("model.confidence_threshold must be between 0 and 1, got: %.2f", t))
	}
	if c.Model.NMSIoU < 0 || c.Model.NMSIoU >= 1 {
		errors = append(errors, fmt.Sprintf("model.nms_iou must be >= 0 and < 1, got: %.2f", c.Model.NMSIoU))
	}
	switch c.Model.OutputLayout {
	case "rows", "columns":
		if c.Model.RowWidth != 5 && c.Model.RowWidth != 6 {
			errors = append(errors, fmt.Sprintf("model.row_width must be 5 or 6, got: %d", c.Model.RowWidth))
		}
	case "yolov8":
		// 0 is resolved from the model metadata at startup.
		if c.Model.RowWidth != 0 && c.Model.RowWidth < 5 {
			errors = append(errors, fmt.Sprintf("model.row_width must be at least 5 for yolov8, got: %d", c.Model.RowWidth))
		}
		if n := len(c.Model.ClassNames); n > 0 && c.Model.RowWidth != 4+n {
			errors = append(errors, fmt.Sprintf("model.row_width must be %d for %d class names, got: %d", 4+n, n, c.Model.RowWidth))
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid model.output_layout: %s (must be: rows, columns or yolov8)", c.Model.OutputLayout))
	}
	if c.Model.InferenceTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("model.inference_timeout must be > 0, got: %v", c.Model.InferenceTimeout))
	}

	if c.Fetch.Timeout <= 0 {
		errors = append(errors, fmt.Sprintf("fetch.timeout must be > 0, got: %v", c.Fetch.Timeout))
	}
	if c.Fetch.MaxBytes <= 0 {
		errors = append(errors, fmt.Sprintf("fetch.max_bytes must be > 0, got: %d", c.Fetch.MaxBytes))
	}

	if c.Storage.DatabasePath == "" {
		errors = append(errors, "storage.database_path is required")
	}
	if c.Storage.ArtifactsDir == "" {
		errors = append(errors, "storage.artifacts_dir is required")
	}
	if !strings.HasPrefix(c.Storage.ArtifactPrefix, "/") {
		errors = append(errors, fmt.Sprintf("storage.artifact_prefix must start with '/', got: %s", c.Storage.ArtifactPrefix))
	}
	switch strings.ToLower(c.Storage.ArtifactFormat) {
	case "jpg", "jpeg", "png":
	default:
		errors = append(errors, fmt.Sprintf("invalid storage.artifact_format: %s (must be: jpg or png)", c.Storage.ArtifactFormat))
	}
	if c.Storage.JPEGQuality < 1 || c.Storage.JPEGQuality > 100 {
		errors = append(errors, fmt.Sprintf("storage.jpeg_quality must be between 1 and 100, got: %d", c.Storage.JPEGQuality))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}
