// Package config provides configuration management for the autoclip orchestrator.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// Default values
	DefaultPort            = 8790
	DefaultLogLevel        = "info"
	DefaultDataDir         = ".autoclip"
	DefaultWorkerTimeout   = 25 * time.Second
	DefaultRenderTimeout   = 15 * time.Minute
	DefaultSignedURLTTL    = time.Hour
	DefaultSessionCacheTTL = 30 * time.Second
	DefaultFFmpegPath      = "ffmpeg"
	DefaultFFprobePath     = "ffprobe"
	DefaultPython          = "python3"
	DefaultFont            = "Arial"
	DefaultRenderMode      = RenderModeLocal

	RenderModeLocal  = "local"
	RenderModeRemote = "remote"

	// Environment variable names
	EnvPort            = "AUTOCLIP_PORT"
	EnvLogLevel        = "AUTOCLIP_LOG_LEVEL"
	EnvDataDir         = "AUTOCLIP_DATA_DIR"
	EnvDatabaseURL     = "AUTOCLIP_DATABASE_URL"
	EnvWorkerURL       = "AUTOCLIP_WORKER_URL"
	EnvWorkerSecret    = "AUTOCLIP_WORKER_SECRET"
	EnvWorkerTimeout   = "AUTOCLIP_WORKER_TIMEOUT"
	EnvRenderTimeout   = "AUTOCLIP_RENDER_TIMEOUT"
	EnvRenderMode      = "AUTOCLIP_RENDER_MODE"
	EnvFFmpegPath      = "AUTOCLIP_FFMPEG"
	EnvFFprobePath     = "AUTOCLIP_FFPROBE"
	EnvPython          = "AUTOCLIP_PYTHON"
	EnvCropScript      = "AUTOCLIP_CROP_SCRIPT"
	EnvFont            = "AUTOCLIP_FONT"
	EnvPublicURL       = "AUTOCLIP_PUBLIC_URL"
	EnvSigningKey      = "AUTOCLIP_SIGNING_KEY"
	EnvSignedURLTTL    = "AUTOCLIP_SIGNED_URL_TTL"
	EnvAPIToken        = "AUTOCLIP_API_TOKEN"
	EnvAllowedOrigins  = "AUTOCLIP_ALLOWED_ORIGINS"
	EnvSessionCacheTTL = "AUTOCLIP_SESSION_CACHE_TTL"
	EnvGeminiAPIKey    = "GEMINI_API_KEY"
	EnvGeminiModel     = "AUTOCLIP_GEMINI_MODEL"

	// Database filename
	DBFilename = "autoclip.db"

	DefaultGeminiModel = "gemini-1.5-flash"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	DatabaseURL() string
	BlobDir() string
	WorkDir() string
	WorkerURL() string
	WorkerSecret() string
	WorkerTimeout() time.Duration
	RenderTimeout() time.Duration
	RenderMode() string
	FFmpegPath() string
	FFprobePath() string
	Python() string
	CropScript() string
	Font() string
	PublicURL() string
	SigningKey() string
	SignedURLTTL() time.Duration
	APIToken() string
	AllowedOrigins() []string
	SessionCacheTTL() time.Duration
	GeminiAPIKey() string
	GeminiModel() string
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port            int
	logLevel        string
	dataDir         string
	databaseURL     string
	workerURL       string
	workerSecret    string
	workerTimeout   time.Duration
	renderTimeout   time.Duration
	renderMode      string
	ffmpegPath      string
	ffprobePath     string
	python          string
	cropScript      string
	font            string
	publicURL       string
	signingKey      string
	signedURLTTL    time.Duration
	apiToken        string
	allowedOrigins  []string
	sessionCacheTTL time.Duration
	geminiAPIKey    string
	geminiModel     string
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:            DefaultPort,
		logLevel:        DefaultLogLevel,
		dataDir:         defaultDataDir(),
		workerTimeout:   DefaultWorkerTimeout,
		renderTimeout:   DefaultRenderTimeout,
		renderMode:      DefaultRenderMode,
		ffmpegPath:      DefaultFFmpegPath,
		ffprobePath:     DefaultFFprobePath,
		python:          DefaultPython,
		font:            DefaultFont,
		signedURLTTL:    DefaultSignedURLTTL,
		sessionCacheTTL: DefaultSessionCacheTTL,
		geminiModel:     DefaultGeminiModel,
		allowedOrigins:  []string{"*"},
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}
	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	var err error
	if cfg.workerTimeout, err = durationEnv(EnvWorkerTimeout, cfg.workerTimeout); err != nil {
		return nil, err
	}
	if cfg.renderTimeout, err = durationEnv(EnvRenderTimeout, cfg.renderTimeout); err != nil {
		return nil, err
	}
	if cfg.signedURLTTL, err = durationEnv(EnvSignedURLTTL, cfg.signedURLTTL); err != nil {
		return nil, err
	}
	if cfg.sessionCacheTTL, err = durationEnv(EnvSessionCacheTTL, cfg.sessionCacheTTL); err != nil {
		return nil, err
	}

	if rm := os.Getenv(EnvRenderMode); rm != "" {
		rm = strings.ToLower(rm)
		if rm != RenderModeLocal && rm != RenderModeRemote {
			return nil, fmt.Errorf("invalid %s: must be %q or %q", EnvRenderMode, RenderModeLocal, RenderModeRemote)
		}
		cfg.renderMode = rm
	}

	cfg.databaseURL = os.Getenv(EnvDatabaseURL)
	cfg.workerURL = strings.TrimRight(os.Getenv(EnvWorkerURL), "/")
	cfg.workerSecret = os.Getenv(EnvWorkerSecret)
	cfg.cropScript = os.Getenv(EnvCropScript)
	cfg.publicURL = strings.TrimRight(os.Getenv(EnvPublicURL), "/")
	cfg.signingKey = os.Getenv(EnvSigningKey)
	cfg.apiToken = os.Getenv(EnvAPIToken)
	cfg.geminiAPIKey = os.Getenv(EnvGeminiAPIKey)

	stringEnv(EnvFFmpegPath, &cfg.ffmpegPath)
	stringEnv(EnvFFprobePath, &cfg.ffprobePath)
	stringEnv(EnvPython, &cfg.python)
	stringEnv(EnvFont, &cfg.font)
	stringEnv(EnvGeminiModel, &cfg.geminiModel)

	if ao := os.Getenv(EnvAllowedOrigins); ao != "" {
		cfg.allowedOrigins = splitList(ao)
	}

	if cfg.renderMode == RenderModeRemote && cfg.workerURL == "" {
		return nil, fmt.Errorf("%s=%s requires %s", EnvRenderMode, RenderModeRemote, EnvWorkerURL)
	}

	return cfg, nil
}

// durationEnv accepts either a Go duration string ("90s") or a bare
// number of seconds.
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s: must be positive", key)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func stringEnv(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// DatabaseURL returns the Postgres connection string. Empty selects SQLite.
func (c *EnvConfig) DatabaseURL() string {
	return c.databaseURL
}

// BlobDir is the root of the local blob store.
func (c *EnvConfig) BlobDir() string {
	return filepath.Join(c.dataDir, "blobs")
}

// WorkDir holds intermediate render artifacts.
func (c *EnvConfig) WorkDir() string {
	return filepath.Join(c.dataDir, "work")
}

func (c *EnvConfig) WorkerURL() string {
	return c.workerURL
}

func (c *EnvConfig) WorkerSecret() string {
	return c.workerSecret
}

func (c *EnvConfig) WorkerTimeout() time.Duration {
	return c.workerTimeout
}

func (c *EnvConfig) RenderTimeout() time.Duration {
	return c.renderTimeout
}

// RenderMode is either "local" (ffmpeg on this host) or "remote" (worker /render).
func (c *EnvConfig) RenderMode() string {
	return c.renderMode
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

func (c *EnvConfig) FFprobePath() string {
	return c.ffprobePath
}

func (c *EnvConfig) Python() string {
	return c.python
}

// CropScript is the path to the external face/screen crop script. Empty
// disables smart cropping.
func (c *EnvConfig) CropScript() string {
	return c.cropScript
}

func (c *EnvConfig) Font() string {
	return c.font
}

// PublicURL is the externally reachable base URL used in signed blob links.
// Defaults to localhost on the configured port.
func (c *EnvConfig) PublicURL() string {
	if c.publicURL != "" {
		return c.publicURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d", c.port)
}

func (c *EnvConfig) SigningKey() string {
	return c.signingKey
}

func (c *EnvConfig) SignedURLTTL() time.Duration {
	return c.signedURLTTL
}

func (c *EnvConfig) APIToken() string {
	return c.apiToken
}

func (c *EnvConfig) AllowedOrigins() []string {
	return c.allowedOrigins
}

func (c *EnvConfig) SessionCacheTTL() time.Duration {
	return c.sessionCacheTTL
}

func (c *EnvConfig) GeminiAPIKey() string {
	return c.geminiAPIKey
}

func (c *EnvConfig) GeminiModel() string {
	return c.geminiModel
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
