// config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for the motion recorder
type Config struct {
	Service   ServiceConfig   `yaml:"service" json:"service"`
	Camera    CameraConfig    `yaml:"camera" json:"camera"`
	Motion    MotionConfig    `yaml:"motion" json:"motion"`
	Recording RecordingConfig `yaml:"recording" json:"recording"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

// ServiceConfig contains service-level configuration
type ServiceConfig struct {
	Name            string        `yaml:"name" json:"name"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MetricsInterval time.Duration `yaml:"metrics_interval" json:"metrics_interval"`
	// MinFreeDiskMB is the free space the output and temp filesystems need.
	// Start refuses to run below it and the metrics reporter warns once space
	// drops under it. Zero disables the check.
	MinFreeDiskMB uint64 `yaml:"min_free_disk_mb" json:"min_free_disk_mb"`
}

// CameraConfig describes where the encoder streams come from
type CameraConfig struct {
	VideoPath      string        `yaml:"video_path" json:"video_path"`
	MotionPath     string        `yaml:"motion_path" json:"motion_path"`
	AnalysisWidth  int           `yaml:"analysis_width" json:"analysis_width"`
	AnalysisHeight int           `yaml:"analysis_height" json:"analysis_height"`
	Bitrate        int           `yaml:"bitrate" json:"bitrate"` // bits per second, sizes the pre-event buffer
	SplitTimeout   time.Duration `yaml:"split_timeout" json:"split_timeout"`
	AnnotationFile string        `yaml:"annotation_file" json:"annotation_file"`
}

// MotionConfig contains motion scoring configuration
type MotionConfig struct {
	Threshold   int `yaml:"threshold" json:"threshold"`     // moving blocks needed for an active frame
	Sensitivity int `yaml:"sensitivity" json:"sensitivity"` // per-block magnitude that counts as moving
	WindowSize  int `yaml:"window_size" json:"window_size"` // activity history, in analysis frames
}

// RecordingConfig contains recording-specific settings
type RecordingConfig struct {
	PreEventDuration time.Duration `yaml:"pre_event_duration" json:"pre_event_duration"`
	PollInterval     time.Duration `yaml:"poll_interval" json:"poll_interval"`
	Debounce         time.Duration `yaml:"debounce" json:"debounce"`
	MaxPostDuration  time.Duration `yaml:"max_post_duration" json:"max_post_duration"` // 0 = unlimited

	OutputDir string `yaml:"output_dir" json:"output_dir"`
	TempDir   string `yaml:"temp_dir" json:"temp_dir"` // defaults to OutputDir
}

// StorageConfig contains optional clip publishing backends
type StorageConfig struct {
	MinIO    MinIOConfig    `yaml:"minio" json:"minio"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
}

// MinIOConfig contains MinIO-specific configuration. Upload is enabled when
// Endpoint is set.
type MinIOConfig struct {
	Endpoint        string        `yaml:"endpoint" json:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key" json:"secret_access_key"`
	UseSSL          bool          `yaml:"use_ssl" json:"use_ssl"`
	Bucket          string        `yaml:"bucket" json:"bucket"`
	Region          string        `yaml:"region" json:"region"`
	Prefix          string        `yaml:"prefix" json:"prefix"`
	UploadRetries   int           `yaml:"upload_retries" json:"upload_retries"`
	UploadTimeout   time.Duration `yaml:"upload_timeout" json:"upload_timeout"`
}

// Enabled reports whether clips are uploaded.
func (c MinIOConfig) Enabled() bool { return c.Endpoint != "" }

// PostgresConfig contains PostgreSQL configuration. The clip catalog is
// enabled when Host is set.
type PostgresConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Database string `yaml:"database" json:"database"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	SSLMode  string `yaml:"ssl_mode" json:"ssl_mode"`

	MaxConnections  int           `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// Enabled reports whether clips are catalogued.
func (c PostgresConfig) Enabled() bool { return c.Host != "" }

// DSN returns the PostgreSQL connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// MQTTConfig configures clip notifications. Enabled when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker" json:"broker"` // e.g. tcp://localhost:1883
	ClientID string `yaml:"client_id" json:"client_id"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Topic    string `yaml:"topic" json:"topic"`
	QoS      byte   `yaml:"qos" json:"qos"`
	Retries  int    `yaml:"retries" json:"retries"`
}

// Enabled reports whether clip notifications are published.
func (c MQTTConfig) Enabled() bool { return c.Broker != "" }

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // json, console
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "motion-recorder",
			ShutdownTimeout: 30 * time.Second,
			MetricsInterval: 30 * time.Second,
			MinFreeDiskMB:   256,
		},
		Camera: CameraConfig{
			VideoPath:      "-",
			MotionPath:     "motion.fifo",
			AnalysisWidth:  160,
			AnalysisHeight: 120,
			Bitrate:        17_000_000,
			SplitTimeout:   5 * time.Second,
		},
		Motion: MotionConfig{
			Threshold:   10,
			Sensitivity: 60,
			WindowSize:  120,
		},
		Recording: RecordingConfig{
			PreEventDuration: 5 * time.Second,
			PollInterval:     time.Second,
			Debounce:         time.Second,
			OutputDir:        ".",
		},
		Storage: StorageConfig{
			MinIO: MinIOConfig{
				Bucket:        "motion-clips",
				Region:        "us-east-1",
				Prefix:        "clips",
				UploadRetries: 3,
				UploadTimeout: 5 * time.Minute,
			},
			Postgres: PostgresConfig{
				Port:            5432,
				Database:        "motioncam",
				SSLMode:         "disable",
				MaxConnections:  5,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		MQTT: MQTTConfig{
			ClientID: "motion-recorder",
			Topic:    "motioncam/clips",
			QoS:      1,
			Retries:  3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML file over the defaults, then applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides settings from MOTIONCAM_* variables.
func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) { *dst = getEnv(key, *dst) }
	integer := func(key string, dst *int) {
		v, err := getEnvInt(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	dur := func(key string, dst *time.Duration) {
		v, err := getEnvDuration(key, *dst)
		errs = append(errs, err)
		*dst = v
	}

	str("MOTIONCAM_VIDEO_PATH", &cfg.Camera.VideoPath)
	str("MOTIONCAM_MOTION_PATH", &cfg.Camera.MotionPath)
	str("MOTIONCAM_ANNOTATION_FILE", &cfg.Camera.AnnotationFile)
	integer("MOTIONCAM_ANALYSIS_WIDTH", &cfg.Camera.AnalysisWidth)
	integer("MOTIONCAM_ANALYSIS_HEIGHT", &cfg.Camera.AnalysisHeight)
	integer("MOTIONCAM_BITRATE", &cfg.Camera.Bitrate)

	integer("MOTIONCAM_THRESHOLD", &cfg.Motion.Threshold)
	integer("MOTIONCAM_SENSITIVITY", &cfg.Motion.Sensitivity)
	integer("MOTIONCAM_WINDOW_SIZE", &cfg.Motion.WindowSize)

	dur("MOTIONCAM_PRE_EVENT_DURATION", &cfg.Recording.PreEventDuration)
	dur("MOTIONCAM_DEBOUNCE", &cfg.Recording.Debounce)
	dur("MOTIONCAM_MAX_POST_DURATION", &cfg.Recording.MaxPostDuration)
	str("MOTIONCAM_OUTPUT_DIR", &cfg.Recording.OutputDir)
	str("MOTIONCAM_TEMP_DIR", &cfg.Recording.TempDir)

	str("MINIO_ENDPOINT", &cfg.Storage.MinIO.Endpoint)
	str("MINIO_ACCESS_KEY_ID", &cfg.Storage.MinIO.AccessKeyID)
	str("MINIO_SECRET_ACCESS_KEY", &cfg.Storage.MinIO.SecretAccessKey)
	str("MINIO_BUCKET", &cfg.Storage.MinIO.Bucket)
	cfg.Storage.MinIO.UseSSL = getEnv("MINIO_USE_SSL", strconv.FormatBool(cfg.Storage.MinIO.UseSSL)) == "true"

	str("DB_HOST", &cfg.Storage.Postgres.Host)
	integer("DB_PORT", &cfg.Storage.Postgres.Port)
	str("DB_USER", &cfg.Storage.Postgres.Username)
	str("DB_PASSWORD", &cfg.Storage.Postgres.Password)
	str("DB_NAME", &cfg.Storage.Postgres.Database)
	str("DB_SSLMODE", &cfg.Storage.Postgres.SSLMode)

	str("MQTT_BROKER", &cfg.MQTT.Broker)
	str("MQTT_USERNAME", &cfg.MQTT.Username)
	str("MQTT_PASSWORD", &cfg.MQTT.Password)
	str("MQTT_TOPIC", &cfg.MQTT.Topic)

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	return errors.Join(errs...)
}

// Validate checks settings, fills derived defaults and creates the output
// and temp directories.
func (c *Config) Validate() error {
	if c.Camera.AnalysisWidth <= 0 || c.Camera.AnalysisHeight <= 0 {
		return fmt.Errorf("invalid analysis dimensions: %dx%d", c.Camera.AnalysisWidth, c.Camera.AnalysisHeight)
	}
	if c.Camera.MotionPath == "" {
		return fmt.Errorf("camera.motion_path is required")
	}
	if c.Camera.VideoPath == "" {
		return fmt.Errorf("camera.video_path is required")
	}
	if c.Motion.Threshold < 0 || c.Motion.Sensitivity < 0 || c.Motion.Sensitivity > 255 {
		return fmt.Errorf("invalid motion threshold/sensitivity: %d/%d", c.Motion.Threshold, c.Motion.Sensitivity)
	}
	if c.Motion.WindowSize <= 0 {
		return fmt.Errorf("motion.window_size must be positive")
	}
	if c.Recording.PreEventDuration <= 0 {
		return fmt.Errorf("recording.pre_event_duration must be positive")
	}
	if c.Recording.PollInterval <= 0 || c.Recording.Debounce <= 0 {
		return fmt.Errorf("recording.poll_interval and recording.debounce must be positive")
	}
	if c.Recording.MaxPostDuration < 0 {
		return fmt.Errorf("recording.max_post_duration cannot be negative")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.Storage.MinIO.Enabled() && c.Storage.MinIO.Bucket == "" {
		return fmt.Errorf("storage.minio.bucket is required when using MinIO")
	}
	if c.Storage.Postgres.Enabled() && c.Storage.Postgres.Database == "" {
		return fmt.Errorf("storage.postgres.database is required for the clip catalog")
	}

	if c.Recording.OutputDir == "" {
		c.Recording.OutputDir = "."
	}
	if c.Recording.TempDir == "" {
		c.Recording.TempDir = c.Recording.OutputDir
	}
	for _, dir := range []string{c.Recording.OutputDir, c.Recording.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
