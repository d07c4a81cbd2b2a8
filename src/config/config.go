// Package config reads runtime settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultEndpoint   = "http://localhost:8080/process-image"
	DefaultListenAddr = "127.0.0.1:8765"
	DefaultHotkey     = "Ctrl+Shift+S"
	APIKeyPathEnvVar  = "API_KEY_FILE"
	EnvFileEnvVar     = "CODEOCR_ENV"
)

type LoadOptions struct {
	EndpointOverride   string
	APIKeyPathOverride string
	ListenAddrOverride string
	// SkipDotenv ignores .env files; tests use it.
	SkipDotenv bool
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func (s S3Config) Enabled() bool { return s.Endpoint != "" && s.Bucket != "" }

type Config struct {
	Endpoint          string
	ExtensionID       string
	APIKey            string
	APIKeyPath        string
	RequestDeadline   int
	MaxAttempts       int
	Hotkey            string
	EnableFileLogging bool
	LogLevel          string
	ListenAddr        string
	BridgeBaseURL     string
	ChromeRemoteURL   string
	ChromeHeadless    bool
	SettingsPath      string
	SettingsRedisURL  string
	StaleResponses    string
	Workers           int
	QueueSize         int
	CopyToClipboard   bool
	EnableTray        bool
	DebugSaveImages   string
	DebugS3           S3Config
}

func Load() (*Config, error) {
	return LoadWithOptions(LoadOptions{})
}

func LoadWithOptions(opts LoadOptions) (*Config, error) {
	// Sources in priority order:
	// 1) .env next to the executable
	// 2) the file named by CODEOCR_ENV
	// Real environment variables win over both.
	dotenv := map[string]string{}
	if !opts.SkipDotenv {
		if envPath := resolveEnvPath(); envPath != "" {
			dotenv = readDotenvValues(envPath)
			_ = godotenv.Load(envPath)
		}
	}

	listen := firstNonEmpty(opts.ListenAddrOverride, os.Getenv("LISTEN_ADDR"), DefaultListenAddr)
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return nil, fmt.Errorf("invalid LISTEN_ADDR %q: %w", listen, err)
	}

	keyPath := firstNonEmpty(opts.APIKeyPathOverride, dotenv[APIKeyPathEnvVar], os.Getenv(APIKeyPathEnvVar))

	cfg := &Config{
		Endpoint:          firstNonEmpty(opts.EndpointOverride, os.Getenv("RECOGNITION_ENDPOINT"), DefaultEndpoint),
		ExtensionID:       os.Getenv("EXTENSION_ID"),
		APIKey:            resolveAPIKey(keyPath),
		APIKeyPath:        keyPath,
		RequestDeadline:   positiveInt("REQUEST_DEADLINE_SEC", 20),
		MaxAttempts:       positiveInt("MAX_ATTEMPTS", 3),
		Hotkey:            getEnvWithDefault("HOTKEY", DefaultHotkey),
		EnableFileLogging: boolEnv("ENABLE_FILE_LOGGING", false),
		LogLevel:          getEnvWithDefault("LOG_LEVEL", "info"),
		ListenAddr:        listen,
		BridgeBaseURL:     getEnvWithDefault("BRIDGE_BASE_URL", bridgeBase(listen)),
		ChromeRemoteURL:   os.Getenv("CHROME_REMOTE_URL"),
		ChromeHeadless:    boolEnv("CHROME_HEADLESS", false),
		SettingsPath:      os.Getenv("SETTINGS_PATH"),
		SettingsRedisURL:  os.Getenv("SETTINGS_REDIS_URL"),
		StaleResponses:    getEnvWithDefault("STALE_RESPONSES", "drop"),
		Workers:           positiveInt("WORKERS", 4),
		QueueSize:         positiveInt("QUEUE_SIZE", 32),
		CopyToClipboard:   boolEnv("COPY_TO_CLIPBOARD", false),
		EnableTray:        boolEnv("ENABLE_TRAY", false),
		DebugSaveImages:   os.Getenv("DEBUG_SAVE_IMAGES"),
		DebugS3: S3Config{
			Endpoint:  os.Getenv("DEBUG_S3_ENDPOINT"),
			Bucket:    os.Getenv("DEBUG_S3_BUCKET"),
			AccessKey: os.Getenv("DEBUG_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("DEBUG_S3_SECRET_KEY"),
			UseSSL:    boolEnv("DEBUG_S3_USE_SSL", true),
		},
	}
	if cfg.SettingsPath == "" {
		cfg.SettingsPath = defaultSettingsPath()
	}
	return cfg, nil
}

// bridgeBase turns a listen address into the ws:// base the shims dial.
// Wildcard hosts are replaced with loopback.
func bridgeBase(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "ws://" + DefaultListenAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port)
}

func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "codeocr_settings.toml"
	}
	return filepath.Join(dir, "codeocr", "settings.toml")
}

func resolveEnvPath() string {
	if execPath, err := os.Executable(); err == nil {
		exeEnv := filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(exeEnv); err == nil {
			return exeEnv
		}
	}

	if alt := os.Getenv(EnvFileEnvVar); alt != "" {
		if _, err := os.Stat(alt); err == nil {
			return alt
		}
	}

	return ""
}

func readDotenvValues(envPath string) map[string]string {
	values, err := godotenv.Read(envPath)
	if err != nil {
		return map[string]string{}
	}
	return values
}

func resolveAPIKey(keyPath string) string {
	if keyPath != "" {
		if data, err := os.ReadFile(keyPath); err == nil {
			if fileKey := strings.TrimSpace(string(data)); fileKey != "" {
				return fileKey
			}
		}
	}
	return strings.TrimSpace(os.Getenv("API_KEY"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func positiveInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func boolEnv(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
