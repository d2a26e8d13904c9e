package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port         int
	DatabasePath string
	CapturesDir  string // Annotated capture images
	StagingDir   string // Volatile (tmpfs) staging area for captures before commit
	LogDirectory string
	LogLevel     string

	ModelPath       string // .onnx (YOLOv8) or frozen graph (SSD)
	ModelConfigPath string // Only needed for SSD graphs
	LabelsPath      string // One label per line, optional

	CameraDevice   string
	PreviewWidth   int
	PreviewHeight  int
	PreviewFPS     int
	PreviewQuality int
	CaptureWidth   int
	CaptureHeight  int
	CaptureQuality int
	CaptureTimeout time.Duration

	DefaultConfidence float64
	DefaultGridSize   int
	TileOverlap       float64
	IoUThreshold      float64
	TileTimeout       time.Duration // Per-tile ceiling, the whole detection gets N² of these

	LiveResolution string
	LiveMaxFPS     int

	KeepSourceImages bool
}

// Load reads an optional .env file and then builds the configuration from the
// environment, falling back to defaults.
func Load() *Config {
	// .env is optional, real environment variables take precedence
	_ = godotenv.Load()

	return &Config{
		Port:         getEnvAsInt("PORT", 8000),
		DatabasePath: getEnv("DB_PATH", filepath.Join(".", "data", "detections.db")),
		CapturesDir:  getEnv("CAPTURES_DIR", filepath.Join(".", "data", "captures")),
		StagingDir:   getEnv("STAGING_DIR", filepath.Join(os.TempDir(), "brivet")),
		LogDirectory: getEnv("LOG_DIR", filepath.Join(".", "logs")),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		ModelPath:       getEnv("MODEL_PATH", filepath.Join(".", "model", "best.onnx")),
		ModelConfigPath: getEnv("MODEL_CONFIG_PATH", ""),
		LabelsPath:      getEnv("LABELS_PATH", ""),

		CameraDevice:   getEnv("CAMERA_DEVICE", "0"),
		PreviewWidth:   getEnvAsInt("PREVIEW_WIDTH", 640),
		PreviewHeight:  getEnvAsInt("PREVIEW_HEIGHT", 480),
		PreviewFPS:     getEnvAsInt("PREVIEW_FPS", 24),
		PreviewQuality: getEnvAsInt("PREVIEW_QUALITY", 60),
		CaptureWidth:   getEnvAsInt("CAPTURE_WIDTH", 3280),
		CaptureHeight:  getEnvAsInt("CAPTURE_HEIGHT", 2464),
		CaptureQuality: getEnvAsInt("CAPTURE_QUALITY", 92),
		CaptureTimeout: getEnvAsDuration("CAPTURE_TIMEOUT", 10*time.Second),

		DefaultConfidence: getEnvAsFloat("DEFAULT_CONFIDENCE", 0.25),
		DefaultGridSize:   getEnvAsInt("DEFAULT_GRID_SIZE", 2), // NxN tiles
		TileOverlap:       getEnvAsFloat("TILE_OVERLAP", 0.1),
		IoUThreshold:      getEnvAsFloat("IOU_THRESHOLD", 0.5),
		TileTimeout:       getEnvAsDuration("TILE_TIMEOUT", 20*time.Second),

		LiveResolution: getEnv("LIVE_RESOLUTION", "1280x1280"),
		LiveMaxFPS:     getEnvAsInt("LIVE_MAX_FPS", 10),

		KeepSourceImages: getEnvAsBool("KEEP_SOURCE_IMAGES", false),
	}
}

// Validate checks that the loaded values are usable before any device is opened.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.PreviewWidth <= 0 || c.PreviewHeight <= 0 {
		return fmt.Errorf("invalid preview size: %dx%d", c.PreviewWidth, c.PreviewHeight)
	}
	if c.CaptureWidth <= 0 || c.CaptureHeight <= 0 {
		return fmt.Errorf("invalid capture size: %dx%d", c.CaptureWidth, c.CaptureHeight)
	}
	if c.PreviewFPS <= 0 || c.PreviewFPS > 120 {
		return fmt.Errorf("invalid PREVIEW_FPS: %d", c.PreviewFPS)
	}
	if c.PreviewQuality < 1 || c.PreviewQuality > 100 || c.CaptureQuality < 1 || c.CaptureQuality > 100 {
		return fmt.Errorf("JPEG quality must be between 1 and 100")
	}
	if c.DefaultConfidence < 0 || c.DefaultConfidence > 1 {
		return fmt.Errorf("invalid DEFAULT_CONFIDENCE: %v", c.DefaultConfidence)
	}
	if c.DefaultGridSize < 1 || c.DefaultGridSize > 8 {
		return fmt.Errorf("invalid DEFAULT_GRID_SIZE: %d", c.DefaultGridSize)
	}
	if c.TileOverlap < 0 || c.TileOverlap >= 0.5 {
		return fmt.Errorf("invalid TILE_OVERLAP: %v", c.TileOverlap)
	}
	if c.IoUThreshold <= 0 || c.IoUThreshold > 1 {
		return fmt.Errorf("invalid IOU_THRESHOLD: %v", c.IoUThreshold)
	}
	if c.TileTimeout <= 0 || c.CaptureTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.LiveMaxFPS <= 0 {
		return fmt.Errorf("invalid LIVE_MAX_FPS: %d", c.LiveMaxFPS)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// bare numbers are seconds
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return defaultValue
}
