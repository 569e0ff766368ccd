package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AckPolicy controls how a send call resolves when no acknowledgment
// arrives within the send timeout.
type AckPolicy string

const (
	// AckOptimistic resolves the send as successful on timeout. The
	// transport delivers at-least-once in practice, so a missing ack does
	// not imply a missing message.
	AckOptimistic AckPolicy = "optimistic"
	// AckRequired fails the send with a timeout error instead.
	AckRequired AckPolicy = "required"
)

type Config struct {
	ServerURL            string
	APIBaseURL           string
	ServiceName          string
	SendTimeout          time.Duration
	RequestTimeout       time.Duration
	MaxReconnectAttempts int
	AckPolicy            AckPolicy
	PageSize             int
	MaxConversations     int
	HistoryPath          string
}

func Load() *Config {
	// Optional .env for local development; ignore if absent.
	_ = godotenv.Load()

	return &Config{
		ServerURL:            getEnv("CHAT_WS_URL", "ws://localhost:3001/ws"),
		APIBaseURL:           getEnv("CHAT_API_BASE_URL", "http://localhost:3001"),
		ServiceName:          getEnv("SERVICE_NAME", "chatkit"),
		SendTimeout:          getEnvDuration("CHAT_SEND_TIMEOUT", 10*time.Second),
		RequestTimeout:       getEnvDuration("CHAT_REQUEST_TIMEOUT", 5*time.Second),
		MaxReconnectAttempts: getEnvInt("CHAT_MAX_RECONNECT_ATTEMPTS", 5),
		AckPolicy:            loadAckPolicy(),
		PageSize:             getEnvInt("CHAT_PAGE_SIZE", 20),
		MaxConversations:     getEnvInt("CHAT_MAX_CONVERSATIONS", 32),
		HistoryPath:          getEnv("CHAT_HISTORY_PATH", "chatkit-history.db"),
	}
}

func loadAckPolicy() AckPolicy {
	switch strings.ToLower(getEnv("CHAT_ACK_POLICY", string(AckOptimistic))) {
	case string(AckRequired):
		return AckRequired
	case string(AckOptimistic):
		return AckOptimistic
	default:
		log.Printf("config: unknown CHAT_ACK_POLICY, falling back to optimistic")
		return AckOptimistic
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
