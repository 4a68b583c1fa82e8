package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	WebRTC     WebRTCConfig
	AWS        AWSConfig
	Proctoring ProctoringConfig
	Client     ClientConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/proctor?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// WebRTCConfig holds STUN/TURN ICE server URLs for the spot-check feeds.
type WebRTCConfig struct {
	ICEUrls []string // e.g. stun:stun.l.google.com:19302 (comma-separated in env)
}

// AWSConfig holds AWS credentials and the evidence bucket name.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	EvidenceBucket       string
	PresignExpireMinutes int
}

// ProctoringConfig holds the behavior classification thresholds and the
// server-side session policy.
type ProctoringConfig struct {
	// Classification thresholds. Zero values fall back to the pipeline
	// defaults.
	YawDegrees   float64
	PitchDegrees float64
	GazeOffset   float64
	GazeVertical float64

	// ConfirmFrames is the consecutive-frame streak that confirms a violation.
	ConfirmFrames int
	// ReemitSeconds is how often an ongoing violation re-emits a duration update.
	ReemitSeconds int
	// EventBufferSize bounds the client-side unsent event buffer.
	EventBufferSize int

	HeartbeatSeconds int
	// StaleAfterSeconds is how long without heartbeats before a student is
	// considered disconnected.
	StaleAfterSeconds int
	// EndGraceSeconds is the flush window granted to clients when an exam ends.
	EndGraceSeconds int

	// EvidenceSpoolDir is where uploaded snapshots wait for the worker.
	EvidenceSpoolDir string
}

// ClientConfig holds student-client settings (cmd/client).
type ClientConfig struct {
	ServerURL        string
	ExamCode         string
	Token            string
	LandmarksPath    string // JSONL replay file for the frame source
	SnapshotPath     string // latest webcam frame written by the capture process
	FPS              int
	ReconnectSeconds int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/proctor?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "proctor"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		WebRTC: WebRTCConfig{
			ICEUrls: splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			EvidenceBucket:       getEnv("AWS_S3_EVIDENCE_BUCKET", "proctor-evidence-bucket"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Proctoring: ProctoringConfig{
			YawDegrees:        getEnvFloat("PROCTOR_YAW_DEGREES", 40),
			PitchDegrees:      getEnvFloat("PROCTOR_PITCH_DEGREES", 25),
			GazeOffset:        getEnvFloat("PROCTOR_GAZE_OFFSET", 0.25),
			GazeVertical:      getEnvFloat("PROCTOR_GAZE_VERTICAL", 0.30),
			ConfirmFrames:     getEnvInt("PROCTOR_CONFIRM_FRAMES", 5),
			ReemitSeconds:     getEnvInt("PROCTOR_REEMIT_SEC", 10),
			EventBufferSize:   getEnvInt("PROCTOR_EVENT_BUFFER", 128),
			HeartbeatSeconds:  getEnvInt("PROCTOR_HEARTBEAT_SEC", 5),
			StaleAfterSeconds: getEnvInt("PROCTOR_STALE_AFTER_SEC", 20),
			EndGraceSeconds:   getEnvInt("PROCTOR_END_GRACE_SEC", 10),
			EvidenceSpoolDir:  getEnv("EVIDENCE_SPOOL_DIR", "/tmp/proctor-evidence"),
		},
		Client: ClientConfig{
			ServerURL:        getEnv("CLIENT_SERVER_URL", "ws://localhost:8080"),
			ExamCode:         getEnv("CLIENT_EXAM_CODE", ""),
			Token:            getEnv("CLIENT_TOKEN", ""),
			LandmarksPath:    getEnv("CLIENT_LANDMARKS_PATH", ""),
			SnapshotPath:     getEnv("CLIENT_SNAPSHOT_PATH", ""),
			FPS:              getEnvInt("CLIENT_FPS", 15),
			ReconnectSeconds: getEnvInt("CLIENT_RECONNECT_SEC", 3),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
