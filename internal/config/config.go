package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort     string
	CORSOrigins  string
	InferenceURL string

	FrameInterval   time.Duration
	SequenceNumbers bool

	MonitorInterval time.Duration

	JWTSecret string
	TokenTTL  time.Duration

	LogLevel    string
	Environment string

	DBName     string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// DSNForLog prints the DSN without the password.
func (c *Config) DSNForLog() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=*** dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBName, c.DBSSLMode)
}

func (c *Config) IsDev() bool {
	return c.Environment == "dev"
}

func LoadConfig() *Config {
	// .env is optional, system environment wins when the file is missing
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8081"),
		CORSOrigins:     getEnv("CORS_ORIGINS", "*"),
		InferenceURL:    getEnv("INFERENCE_URL", "ws://127.0.0.1:8000/ws/analyze"),
		FrameInterval:   time.Duration(getEnvInt("FRAME_INTERVAL_MS", 66)) * time.Millisecond,
		SequenceNumbers: getEnvBool("SEQUENCE_NUMBERS", false),
		MonitorInterval: time.Duration(getEnvInt("MONITOR_INTERVAL_SEC", 5)) * time.Second,
		JWTSecret:       getEnv("JWT_SECRET", ""),
		TokenTTL:        time.Duration(getEnvInt("TOKEN_TTL_HOURS", 24)) * time.Hour,
		LogLevel:        getEnv("LOG_LEVEL", "INFO"),
		Environment:     getEnv("ENVIRONMENT", "production"),
		DBHost:          getEnv("DB_HOST", "localhost"),
		DBPort:          getEnv("DB_PORT", "5432"),
		DBUser:          getEnv("DB_USER", "postgres"),
		DBPassword:      getEnv("DB_PASSWORD", ""),
		DBName:          getEnv("DB_NAME", "luminova"),
		DBSSLMode:       getEnv("DB_SSLMODE", "disable"),
	}

	if cfg.DBPassword == "" {
		fmt.Println("WARNING: DB_PASSWORD is not set!")
	}
	if cfg.JWTSecret == "" {
		fmt.Println("WARNING: JWT_SECRET is not set, using insecure default")
		cfg.JWTSecret = "luminova-dev-secret"
	}

	return cfg
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if boolVal, err := strconv.ParseBool(v); err == nil {
			return boolVal
		}
	}
	return defaultVal
}
