package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pion/logging"
)

const (
	DefaultICEServer       = "stun:stun.l.google.com:19302"
	DefaultRefreshInterval = 30 * time.Second
	DefaultFrameRate       = 25
)

// Config holds the application configuration.
type Config struct {
	SignalURL string
	APIURL    string
	Token     string
	PremiseID string

	// Viewer
	ViewerID        string
	OutputDir       string
	RefreshInterval time.Duration

	// Publisher
	CameraID  string
	MediaDir  string
	FrameRate int

	ICEServers []string
	LogLevel   logging.LogLevel
}

// LoadViewer reads the operator viewer configuration from a .env file (if
// present) and environment variables. Environment variables take precedence
// over .env values.
func LoadViewer() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}

	if cfg.APIURL == "" {
		return nil, fmt.Errorf("CAMSTREAM_API_URL environment variable is required")
	}

	cfg.ViewerID = os.Getenv("CAMSTREAM_VIEWER_ID")
	if cfg.ViewerID == "" {
		cfg.ViewerID = uuid.NewString()
	}
	cfg.OutputDir = getenv("CAMSTREAM_OUTPUT_DIR", ".")

	cfg.RefreshInterval = DefaultRefreshInterval
	if v := os.Getenv("CAMSTREAM_REFRESH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("CAMSTREAM_REFRESH_INTERVAL: invalid duration %q", v)
		}
		cfg.RefreshInterval = d
	}

	return cfg, nil
}

// LoadPublisher reads the camera publisher configuration.
func LoadPublisher() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}

	cfg.CameraID = os.Getenv("CAMSTREAM_CAMERA_ID")
	if cfg.CameraID == "" {
		return nil, fmt.Errorf("CAMSTREAM_CAMERA_ID environment variable is required")
	}
	cfg.MediaDir = getenv("CAMSTREAM_MEDIA_DIR", ".")

	cfg.FrameRate = DefaultFrameRate
	if v := os.Getenv("CAMSTREAM_FRAME_RATE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("CAMSTREAM_FRAME_RATE: invalid frame rate %q", v)
		}
		cfg.FrameRate = n
	}

	return cfg, nil
}

func load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	signalURL := os.Getenv("CAMSTREAM_SIGNAL_URL")
	if signalURL == "" {
		return nil, fmt.Errorf("CAMSTREAM_SIGNAL_URL environment variable is required")
	}

	level, err := ParseLevel(getenv("CAMSTREAM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	return &Config{
		SignalURL:  signalURL,
		APIURL:     os.Getenv("CAMSTREAM_API_URL"),
		Token:      os.Getenv("CAMSTREAM_TOKEN"),
		PremiseID:  os.Getenv("CAMSTREAM_PREMISE_ID"),
		ICEServers: splitList(getenv("CAMSTREAM_ICE_SERVERS", DefaultICEServer)),
		LogLevel:   level,
	}, nil
}

// ParseLevel maps a level name to a pion log level.
func ParseLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return logging.LogLevelInfo, fmt.Errorf("CAMSTREAM_LOG_LEVEL: unknown level %q", s)
	}
}

// NewLoggerFactory creates the logger factory shared by every component and
// by pion itself. Logs go to stderr.
func NewLoggerFactory(level logging.LogLevel) *logging.DefaultLoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	f.DefaultLogLevel = level
	f.Writer = os.Stderr
	return f
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
