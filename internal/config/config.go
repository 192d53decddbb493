package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	// MariaDB接続設定
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// "mysql" または "memory"
	StoreDriver string

	// サーバー設定
	ServerPort string
	Env        string

	// CORS設定
	AllowedOrigins []string

	// 認証設定 (セッショントークンは外部の認証サービスが発行する)
	JWTSecret string

	// 添付ファイル設定
	UploadDir      string
	MaxUploadBytes int64

	// リレー設定
	TypingWindow        time.Duration
	EventRate           float64
	EventBurst          int
	PresenceIdleTimeout time.Duration
	SendQueueSize       int
}

// Load loads configuration from environment variables
func Load() Config {
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}

	dbPort := os.Getenv("DB_PORT")
	if dbPort == "" {
		dbPort = "3306"
	}

	dbUser := os.Getenv("DB_USER")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")

	storeDriver := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER")))
	if storeDriver == "" {
		storeDriver = "mysql"
	}

	serverPort := os.Getenv("SERVER_PORT")
	if serverPort == "" {
		serverPort = "8080"
	}

	env := os.Getenv("ENV")
	if env == "" {
		env = "development"
	}

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:3000,http://127.0.0.1:3000"
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" && env == "development" {
		jwtSecret = "development-secret-change-me"
	}

	uploadDir := os.Getenv("UPLOAD_DIR")
	if uploadDir == "" {
		uploadDir = "uploads/chat"
	}

	cfg := Config{
		DBHost:              dbHost,
		DBPort:              dbPort,
		DBUser:              dbUser,
		DBPassword:          dbPassword,
		DBName:              dbName,
		StoreDriver:         storeDriver,
		ServerPort:          serverPort,
		Env:                 env,
		AllowedOrigins:      strings.Split(allowedOrigins, ","),
		JWTSecret:           jwtSecret,
		UploadDir:           uploadDir,
		MaxUploadBytes:      int64Env("MAX_UPLOAD_BYTES", 10<<20),
		TypingWindow:        durationEnv("TYPING_WINDOW", 3*time.Second),
		EventRate:           floatEnv("EVENT_RATE", 20),
		EventBurst:          int(int64Env("EVENT_BURST", 40)),
		PresenceIdleTimeout: durationEnv("PRESENCE_IDLE_TIMEOUT", 0),
		SendQueueSize:       int(int64Env("SEND_QUEUE_SIZE", 256)),
	}

	for i := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(cfg.AllowedOrigins[i])
	}

	return cfg
}

// 不正な値は黙ってデフォルトに戻す
func int64Env(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func floatEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return f
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}
