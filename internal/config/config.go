package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "config/config.yaml"

// Config holds all settings for the worker. File values are applied first and
// environment variables override them.
type Config struct {
	HTTPPort      string
	DBPath        string
	ScratchDir    string
	ImportDir     string
	EnableWatcher bool
	LogLevel      string
	LogFormat     string

	WorkerID         string
	ClaimTTL         time.Duration
	DefaultBatchSize int
	MaxBatchSize     int
	MaxAttempts      int

	DownloadTimeout time.Duration
	FFMPEGBin       string
	NormalizeAudio  bool

	Whisper WhisperConfig
	Audit   AuditConfig

	WebhookURL    string
	ControllerURL string
	PollInterval  time.Duration

	ConfigPath   string
	StrictConfig bool
}

// WhisperConfig configures the speech-to-text subprocess.
type WhisperConfig struct {
	Bin      string
	Model    string
	Style    string
	Language string
	Timeout  time.Duration
}

// AuditConfig configures the scoring providers.
type AuditConfig struct {
	Provider     string
	LocalBaseURL string
	LocalModel   string
	LocalAPIKey  string
	LocalTimeout time.Duration
	GeminiAPIKey string
	GeminiModel  string
	CloudDelay   time.Duration
	CloudTimeout time.Duration
	CriteriaPath string
}

type fileConfig struct {
	HTTPPort      string `yaml:"http_port"`
	DBPath        string `yaml:"db_path"`
	ScratchDir    string `yaml:"scratch_dir"`
	ImportDir     string `yaml:"import_dir"`
	EnableWatcher *bool  `yaml:"enable_watcher"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`

	WorkerID         string `yaml:"worker_id"`
	ClaimTTLMinutes  int    `yaml:"claim_ttl_minutes"`
	DefaultBatchSize int    `yaml:"default_batch_size"`
	MaxBatchSize     int    `yaml:"max_batch_size"`
	MaxAttempts      int    `yaml:"max_attempts"`

	DownloadTimeoutSec int    `yaml:"download_timeout_sec"`
	FFMPEGBin          string `yaml:"ffmpeg_bin"`
	NormalizeAudio     *bool  `yaml:"normalize_audio"`

	Whisper struct {
		Bin        string `yaml:"bin"`
		Model      string `yaml:"model"`
		Style      string `yaml:"style"`
		Language   string `yaml:"language"`
		TimeoutSec int    `yaml:"timeout_sec"`
	} `yaml:"whisper"`

	Audit struct {
		Provider        string `yaml:"provider"`
		LocalBaseURL    string `yaml:"local_base_url"`
		LocalModel      string `yaml:"local_model"`
		LocalTimeoutSec int    `yaml:"local_timeout_sec"`
		GeminiModel     string `yaml:"gemini_model"`
		CloudDelayMS    *int   `yaml:"cloud_delay_ms"`
		CriteriaPath    string `yaml:"criteria_path"`
	} `yaml:"audit"`

	WebhookURL      string `yaml:"webhook_url"`
	ControllerURL   string `yaml:"controller_url"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
}

// Defaults returns the configuration used when neither a file nor the
// environment provides a value.
func Defaults() Config {
	return Config{
		HTTPPort:         ":8000",
		DBPath:           "./call_audit.db",
		ScratchDir:       "./scratch",
		ImportDir:        "./imports",
		EnableWatcher:    false,
		LogLevel:         "info",
		LogFormat:        "console",
		WorkerID:         defaultWorkerID(),
		ClaimTTL:         2 * time.Hour,
		DefaultBatchSize: 10,
		MaxBatchSize:     100,
		MaxAttempts:      3,
		DownloadTimeout:  60 * time.Second,
		FFMPEGBin:        "ffmpeg",
		NormalizeAudio:   true,
		Whisper: WhisperConfig{
			Bin:     "whisper",
			Model:   "base",
			Style:   "openai",
			Timeout: 10 * time.Minute,
		},
		Audit: AuditConfig{
			Provider:     "local",
			LocalBaseURL: "http://localhost:1234",
			LocalModel:   "local-model",
			LocalTimeout: 2 * time.Minute,
			GeminiModel:  "gemini-2.5-flash",
			CloudDelay:   4 * time.Second,
			CloudTimeout: 2 * time.Minute,
		},
		ControllerURL: "http://localhost:8000",
		PollInterval:  3 * time.Second,
		ConfigPath:    defaultConfigPath,
	}
}

// Load reads the optional .env file, the optional YAML config file and the
// environment. Problems with the config file are logged and ignored unless
// STRICT_CONFIG is set.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	cfg.StrictConfig = parseBoolEnv("STRICT_CONFIG", false)
	cfg.ConfigPath = getEnv("CONFIG_PATH", defaultConfigPath)

	if err := applyFile(&cfg, cfg.ConfigPath); err != nil {
		if cfg.StrictConfig {
			return Config{}, err
		}
		log.Warn().Err(err).Str("path", cfg.ConfigPath).Msg("config file ignored")
	}
	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.HTTPPort = firstNonEmpty(fc.HTTPPort, cfg.HTTPPort)
	cfg.DBPath = firstNonEmpty(fc.DBPath, cfg.DBPath)
	cfg.ScratchDir = firstNonEmpty(fc.ScratchDir, cfg.ScratchDir)
	cfg.ImportDir = firstNonEmpty(fc.ImportDir, cfg.ImportDir)
	if fc.EnableWatcher != nil {
		cfg.EnableWatcher = *fc.EnableWatcher
	}
	cfg.LogLevel = firstNonEmpty(fc.LogLevel, cfg.LogLevel)
	cfg.LogFormat = firstNonEmpty(fc.LogFormat, cfg.LogFormat)
	cfg.WorkerID = firstNonEmpty(fc.WorkerID, cfg.WorkerID)
	if fc.ClaimTTLMinutes > 0 {
		cfg.ClaimTTL = time.Duration(fc.ClaimTTLMinutes) * time.Minute
	}
	if fc.DefaultBatchSize > 0 {
		cfg.DefaultBatchSize = fc.DefaultBatchSize
	}
	if fc.MaxBatchSize > 0 {
		cfg.MaxBatchSize = fc.MaxBatchSize
	}
	if fc.MaxAttempts > 0 {
		cfg.MaxAttempts = fc.MaxAttempts
	}
	if fc.DownloadTimeoutSec > 0 {
		cfg.DownloadTimeout = time.Duration(fc.DownloadTimeoutSec) * time.Second
	}
	cfg.FFMPEGBin = firstNonEmpty(fc.FFMPEGBin, cfg.FFMPEGBin)
	if fc.NormalizeAudio != nil {
		cfg.NormalizeAudio = *fc.NormalizeAudio
	}

	cfg.Whisper.Bin = firstNonEmpty(fc.Whisper.Bin, cfg.Whisper.Bin)
	cfg.Whisper.Model = firstNonEmpty(fc.Whisper.Model, cfg.Whisper.Model)
	cfg.Whisper.Style = firstNonEmpty(fc.Whisper.Style, cfg.Whisper.Style)
	cfg.Whisper.Language = firstNonEmpty(fc.Whisper.Language, cfg.Whisper.Language)
	if fc.Whisper.TimeoutSec > 0 {
		cfg.Whisper.Timeout = time.Duration(fc.Whisper.TimeoutSec) * time.Second
	}

	cfg.Audit.Provider = firstNonEmpty(fc.Audit.Provider, cfg.Audit.Provider)
	cfg.Audit.LocalBaseURL = firstNonEmpty(fc.Audit.LocalBaseURL, cfg.Audit.LocalBaseURL)
	cfg.Audit.LocalModel = firstNonEmpty(fc.Audit.LocalModel, cfg.Audit.LocalModel)
	if fc.Audit.LocalTimeoutSec > 0 {
		cfg.Audit.LocalTimeout = time.Duration(fc.Audit.LocalTimeoutSec) * time.Second
	}
	cfg.Audit.GeminiModel = firstNonEmpty(fc.Audit.GeminiModel, cfg.Audit.GeminiModel)
	if fc.Audit.CloudDelayMS != nil && *fc.Audit.CloudDelayMS >= 0 {
		cfg.Audit.CloudDelay = time.Duration(*fc.Audit.CloudDelayMS) * time.Millisecond
	}
	cfg.Audit.CriteriaPath = firstNonEmpty(fc.Audit.CriteriaPath, cfg.Audit.CriteriaPath)

	cfg.WebhookURL = firstNonEmpty(fc.WebhookURL, cfg.WebhookURL)
	cfg.ControllerURL = firstNonEmpty(fc.ControllerURL, cfg.ControllerURL)
	if fc.PollIntervalSec > 0 {
		cfg.PollInterval = time.Duration(fc.PollIntervalSec) * time.Second
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPPort = normalizePort(getEnv("HTTP_PORT", cfg.HTTPPort))
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.ScratchDir = getEnv("SCRATCH_DIR", cfg.ScratchDir)
	cfg.ImportDir = getEnv("IMPORT_DIR", cfg.ImportDir)
	cfg.EnableWatcher = parseBoolEnv("ENABLE_WATCHER", cfg.EnableWatcher)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	cfg.WorkerID = getEnv("WORKER_ID", cfg.WorkerID)
	cfg.ClaimTTL = parseMinutesEnv("CLAIM_TTL_MIN", cfg.ClaimTTL)
	cfg.DefaultBatchSize = parseIntEnv("DEFAULT_BATCH_SIZE", cfg.DefaultBatchSize)
	cfg.MaxBatchSize = parseIntEnv("MAX_BATCH_SIZE", cfg.MaxBatchSize)
	cfg.MaxAttempts = parseIntEnv("MAX_ATTEMPTS", cfg.MaxAttempts)

	cfg.DownloadTimeout = parseSecondsEnv("DOWNLOAD_TIMEOUT_SEC", cfg.DownloadTimeout)
	cfg.FFMPEGBin = getEnv("FFMPEG_BIN", cfg.FFMPEGBin)
	cfg.NormalizeAudio = parseBoolEnv("NORMALIZE_AUDIO", cfg.NormalizeAudio)

	cfg.Whisper.Bin = getEnv("WHISPER_BIN", cfg.Whisper.Bin)
	cfg.Whisper.Model = getEnv("WHISPER_MODEL", cfg.Whisper.Model)
	cfg.Whisper.Style = getEnv("WHISPER_STYLE", cfg.Whisper.Style)
	cfg.Whisper.Language = getEnv("WHISPER_LANGUAGE", cfg.Whisper.Language)
	cfg.Whisper.Timeout = parseSecondsEnv("TRANSCRIBE_TIMEOUT_SEC", cfg.Whisper.Timeout)

	cfg.Audit.Provider = strings.ToLower(getEnv("AUDIT_PROVIDER", cfg.Audit.Provider))
	cfg.Audit.LocalBaseURL = strings.TrimRight(getEnv("LOCAL_LLM_BASE_URL", cfg.Audit.LocalBaseURL), "/")
	cfg.Audit.LocalModel = getEnv("LOCAL_LLM_MODEL", cfg.Audit.LocalModel)
	cfg.Audit.LocalAPIKey = getEnv("LOCAL_LLM_API_KEY", cfg.Audit.LocalAPIKey)
	cfg.Audit.LocalTimeout = parseSecondsEnv("LOCAL_LLM_TIMEOUT_SEC", cfg.Audit.LocalTimeout)
	cfg.Audit.GeminiAPIKey = firstNonEmpty(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY"), cfg.Audit.GeminiAPIKey)
	cfg.Audit.GeminiModel = getEnv("GEMINI_MODEL", cfg.Audit.GeminiModel)
	if v := strings.TrimSpace(os.Getenv("CLOUD_DELAY_MS")); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			cfg.Audit.CloudDelay = time.Duration(ms) * time.Millisecond
		} else {
			log.Warn().Str("key", "CLOUD_DELAY_MS").Str("value", v).Msg("invalid value ignored")
		}
	}
	cfg.Audit.CriteriaPath = getEnv("CRITERIA_PATH", cfg.Audit.CriteriaPath)

	cfg.WebhookURL = getEnv("WEBHOOK_URL", cfg.WebhookURL)
	cfg.ControllerURL = strings.TrimRight(getEnv("CONTROLLER_URL", cfg.ControllerURL), "/")
	cfg.PollInterval = parseSecondsEnv("POLL_INTERVAL_SEC", cfg.PollInterval)
}

func validate(cfg *Config) error {
	var problems []string
	if cfg.MaxBatchSize < 1 {
		problems = append(problems, "max_batch_size must be at least 1")
	}
	cfg.DefaultBatchSize = clamp("default_batch_size", cfg.DefaultBatchSize, 1, cfg.MaxBatchSize)
	cfg.MaxAttempts = clamp("max_attempts", cfg.MaxAttempts, 1, 100)
	switch cfg.Audit.Provider {
	case "local", "cloud":
	default:
		problems = append(problems, fmt.Sprintf("audit provider %q must be local or cloud", cfg.Audit.Provider))
	}
	switch cfg.Whisper.Style {
	case "openai", "cpp":
	default:
		problems = append(problems, fmt.Sprintf("whisper style %q must be openai or cpp", cfg.Whisper.Style))
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		problems = append(problems, "db_path is required")
	}
	if cfg.WorkerID == "" {
		problems = append(problems, "worker_id is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Now returns the current UTC time truncated to the second, matching the
// precision persisted in SQLite.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// defaultWorkerID must survive a restart so the new process can recover the
// runs and claims of the one that died.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "worker"
	}
	return host
}

func normalizePort(port string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		return ":8000"
	}
	if !strings.Contains(port, ":") {
		return ":" + port
	}
	return port
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid bool ignored")
		return def
	}
	return b
}

func parseIntEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid int ignored")
		return def
	}
	return n
}

func parseSecondsEnv(key string, def time.Duration) time.Duration {
	n := parseIntEnv(key, -1)
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func parseMinutesEnv(key string, def time.Duration) time.Duration {
	n := parseIntEnv(key, -1)
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Minute
}

func clamp(name string, v, min, max int) int {
	if max < min {
		max = min
	}
	if v < min {
		log.Warn().Str("key", name).Int("value", v).Int("min", min).Msg("value clamped")
		return min
	}
	if v > max {
		log.Warn().Str("key", name).Int("value", v).Int("max", max).Msg("value clamped")
		return max
	}
	return v
}
