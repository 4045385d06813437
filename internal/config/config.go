package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           int
	ModelPath      string
	LabelsPath     string
	RuntimeBackend string // onnx, opencv or tflite; empty picks by model extension
	OrtLibraryPath string
	DecoderFormat  string // yolov8, yolov5, end2end or auto
	InputSize      int    // Used only when the model input is dynamic
	SwapRB         bool

	ConfThreshold    float32
	IoUThreshold     float32
	MaxDetections    int
	InferenceWorkers int
	InferTimeout     time.Duration

	FeedbackDirectory string
	FeedbackDatabase  string
	CaptureQueueSize  int

	CameraDevice         int // -1 disables the local capture device
	CameraUDPPort        int // 0 disables the network camera listener
	CameraWidth          int
	CameraHeight         int
	ProcessingInterval   int // Process every Nth frame (1 = every frame)
	AutoFeedback         bool
	AutoFeedbackMin      float32
	AutoFeedbackMax      float32
	AutoFeedbackCooldown time.Duration

	LogDirectory   string
	LogLevel       string
	AllowedOrigins []string
	MaxUploadBytes int64
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present; real env vars win.
func Load() *Config {
	_ = godotenv.Load()

	feedbackDir := getEnv("FEEDBACK_DIR", filepath.Join(".", "feedback_data"))

	return &Config{
		Port:           getEnvAsInt("PORT", 8080),
		ModelPath:      getEnv("MODEL_PATH", filepath.Join(".", "best.onnx")),
		LabelsPath:     getEnv("LABELS_PATH", ""),
		RuntimeBackend: getEnv("RUNTIME_BACKEND", ""),
		OrtLibraryPath: getEnv("ORT_LIBRARY_PATH", ""),
		DecoderFormat:  getEnv("DECODER_FORMAT", "auto"),
		InputSize:      getEnvAsInt("INPUT_SIZE", 640),
		SwapRB:         getEnvAsBool("SWAP_RB", false),

		ConfThreshold:    getEnvAsFloat32("CONF_THRESHOLD", 0.25),
		IoUThreshold:     getEnvAsFloat32("IOU_THRESHOLD", 0.45),
		MaxDetections:    getEnvAsInt("MAX_DETECTIONS", 300),
		InferenceWorkers: getEnvAsInt("INFERENCE_WORKERS", 1),
		InferTimeout:     getEnvAsDuration("INFER_TIMEOUT", 30*time.Second),

		FeedbackDirectory: feedbackDir,
		FeedbackDatabase:  getEnv("FEEDBACK_DB", filepath.Join(feedbackDir, "index.db")),
		CaptureQueueSize:  getEnvAsInt("CAPTURE_QUEUE_SIZE", 16),

		CameraDevice:         getEnvAsInt("CAMERA_DEVICE", -1),
		CameraUDPPort:        getEnvAsInt("CAMERA_UDP_PORT", 0),
		CameraWidth:          getEnvAsInt("CAMERA_WIDTH", 640),
		CameraHeight:         getEnvAsInt("CAMERA_HEIGHT", 480),
		ProcessingInterval:   getEnvAsInt("PROCESSING_INTERVAL", 1),
		AutoFeedback:         getEnvAsBool("AUTO_FEEDBACK", true),
		AutoFeedbackMin:      getEnvAsFloat32("AUTO_FEEDBACK_MIN", 0.25),
		AutoFeedbackMax:      getEnvAsFloat32("AUTO_FEEDBACK_MAX", 0.5),
		AutoFeedbackCooldown: getEnvAsDuration("AUTO_FEEDBACK_COOLDOWN", time.Second),

		LogDirectory:   getEnv("LOG_DIR", filepath.Join(".", "logs")),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS", []string{"*"}),
		MaxUploadBytes: getEnvAsInt64("MAX_UPLOAD_MB", 10) << 20,
	}
}

// CameraEnabled reports whether a frame source is configured.
func (c *Config) CameraEnabled() bool {
	return c.CameraDevice >= 0 || c.CameraUDPPort > 0
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

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(f)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("1.5s") or plain seconds ("30").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
