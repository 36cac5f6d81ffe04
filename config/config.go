// Package config loads service settings from defaults, an optional YAML file,
// a .env file and DETECT_* environment variables, in that order.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Detection DetectionConfig `yaml:"detection"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Models    ModelsConfig    `yaml:"models"`
	Announce  AnnounceConfig  `yaml:"announce"`
	History   HistoryConfig   `yaml:"history"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	// MaxUploadBytes bounds multipart and raw request bodies.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

type DetectionConfig struct {
	ConfThreshold float64 `yaml:"conf_threshold"`
	IouThreshold  float64 `yaml:"iou_threshold"`
	MinArea       int     `yaml:"min_area"`
	InputSize     int     `yaml:"input_size"`
	MaxObjects    int     `yaml:"max_objects"`
	Enhance       bool    `yaml:"enhance"`
	Contrast      float64 `yaml:"contrast"`
}

type PipelineConfig struct {
	QueueCapacity   int           `yaml:"queue_capacity"`
	WorkerPoolSize  int           `yaml:"worker_pool_size"`
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	SyncTimeout     time.Duration `yaml:"sync_timeout"`
}

type ModelVariant struct {
	Name    string `yaml:"name"`
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	URL     string `yaml:"url"`
}

type ModelsConfig struct {
	// LibraryPath points at the onnxruntime shared library. Empty uses the
	// platform default search path.
	LibraryPath string         `yaml:"library_path"`
	Threads     int            `yaml:"threads"`
	Variants    []ModelVariant `yaml:"variants"`
}

type AnnounceConfig struct {
	Enabled        bool          `yaml:"enabled"`
	RepeatInterval time.Duration `yaml:"repeat_interval"`
	Spacing        time.Duration `yaml:"spacing"`
}

type HistoryConfig struct {
	// Path of the SQLite database. Empty disables history.
	Path          string        `yaml:"path"`
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Dir enables a rotating JSON log file next to console output.
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

const (
	BackendONNX   = "onnx"
	BackendOpenCV = "opencv"
)

func Default() *Config {
	modelDir := "models"
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			AllowedOrigins:  []string{"http://localhost:5173", "http://localhost:3000"},
			MaxUploadBytes:  10 << 20,
		},
		Detection: DetectionConfig{
			ConfThreshold: 0.5,
			IouThreshold:  0.4,
			MinArea:       100,
			InputSize:     640,
			MaxObjects:    50,
			Enhance:       true,
			Contrast:      20,
		},
		Pipeline: PipelineConfig{
			QueueCapacity:   10,
			WorkerPoolSize:  4,
			FreshnessWindow: 2 * time.Second,
			SyncTimeout:     10 * time.Second,
		},
		Models: ModelsConfig{
			Threads: 1,
			Variants: []ModelVariant{
				{Name: "yolov8x", Backend: BackendONNX, Path: filepath.Join(modelDir, "yolov8x.onnx")},
				{Name: "yolov8n", Backend: BackendONNX, Path: filepath.Join(modelDir, "yolov8n.onnx")},
				{Name: "yolov8n-opencv", Backend: BackendOpenCV, Path: filepath.Join(modelDir, "yolov8n.onnx")},
			},
		},
		Announce: AnnounceConfig{
			Enabled:        true,
			RepeatInterval: 3 * time.Second,
			Spacing:        2 * time.Second,
		},
		History: HistoryConfig{
			Retention:     24 * time.Hour,
			PruneInterval: 10 * time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Load builds the configuration. path and envFile are optional; a missing
// envFile is not an error.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse config")
		}
	}

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, errors.Wrapf(err, "failed to load %s", envFile)
			}
		}
	}
	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}
