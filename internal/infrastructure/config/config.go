package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr     string
	LogLevel string

	// Detection mode: "local" runs on-device inference, "remote" delegates
	// to a detection server.
	Mode string

	// Local path.
	ModelPath      string
	ModelLibPath   string // onnxruntime shared library
	ConfThreshold  float64
	IoUThreshold   float64
	StartupTimeout time.Duration
	RequestTimeout time.Duration
	ModelInputSize int
	ModelOutput    int // output rows per frame (N in 1xNxattrs)
	ModelLabels    []string

	// Remote path.
	RemoteURL        string
	PatientCode      string
	ShouldRecord     bool
	TargetFPS        int
	FrameMinInterval time.Duration
	ReconnectBackoff time.Duration
	MaxReconnects    int

	// Session store bounds.
	MaxSessions int
	SessionTTL  time.Duration
}

func FromEnv() Config {
	cfg := Config{
		Addr:     getEnv("ADDR", ":9092"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Mode:     getEnv("DETECT_MODE", "local"),

		ModelPath:      getEnv("MODEL_PATH", "models/medication.onnx"),
		ModelLibPath:   getEnv("ONNXRUNTIME_LIB", ""),
		ConfThreshold:  getEnvFloat("CONF_THRESHOLD", 0.5),
		IoUThreshold:   getEnvFloat("IOU_THRESHOLD", 0.45),
		StartupTimeout: getEnvDuration("WORKER_STARTUP_TIMEOUT_MS", 30_000),
		RequestTimeout: getEnvDuration("INFERENCE_TIMEOUT_MS", 10_000),
		ModelInputSize: getEnvInt("MODEL_INPUT_SIZE", 640),
		ModelOutput:    getEnvInt("MODEL_OUTPUT_ROWS", 8400),

		RemoteURL:        getEnv("REMOTE_URL", ""),
		PatientCode:      getEnv("PATIENT_CODE", ""),
		TargetFPS:        getEnvInt("TARGET_FPS", 5),
		FrameMinInterval: getEnvDuration("FRAME_MIN_INTERVAL_MS", 200),
		ReconnectBackoff: getEnvDuration("RECONNECT_BACKOFF_MS", 3_000),
		MaxReconnects:    getEnvInt("MAX_RECONNECTS", 5),

		MaxSessions: getEnvInt("MAX_SESSIONS", 100),
		SessionTTL:  getEnvDuration("SESSION_TTL_MS", int(2*time.Hour/time.Millisecond)),
	}
	if os.Getenv("SHOULD_RECORD") == "1" || os.Getenv("SHOULD_RECORD") == "true" {
		cfg.ShouldRecord = true
	}
	if v := strings.TrimSpace(os.Getenv("MODEL_LABELS")); v != "" {
		cfg.ModelLabels = splitCSV(v)
	}
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, defMs int) time.Duration {
	return time.Duration(getEnvInt(key, defMs)) * time.Millisecond
}

// splitCSV splits comma-separated tokens trimming whitespace and skipping empties.
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
