package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	PublicHost    string
	ClinicName    string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Twilio call gateway
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	OutboundToNumber string

	// OpenAI realtime speech engine
	OpenAIAPIKey        string
	OpenAIRealtimeModel string
	OpenAIVoice         string

	// Booking behavior
	BookingMaxAttempts   int
	BookingRetryBaseWait time.Duration
	SlotWindowDays       int
	MaxReselects         int

	// Session behavior
	ConversationIdleTimeout time.Duration
	CallStateTTL            time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		PublicHost:    getEnv("PUBLIC_HOST", ""),
		ClinicName:    getEnv("CLINIC_NAME", "Allballa Dental Center"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber: getEnv("TWILIO_FROM_NUMBER", ""),
		OutboundToNumber: getEnv("OUTBOUND_TO_NUMBER", ""),

		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		OpenAIRealtimeModel: getEnv("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-10-01"),
		OpenAIVoice:         getEnv("OPENAI_VOICE", "alloy"),

		BookingMaxAttempts:   getEnvAsInt("BOOKING_MAX_ATTEMPTS", 3),
		BookingRetryBaseWait: getEnvAsDuration("BOOKING_RETRY_BASE_WAIT", 200*time.Millisecond),
		SlotWindowDays:       getEnvAsInt("SLOT_WINDOW_DAYS", 14),
		MaxReselects:         getEnvAsInt("MAX_RESELECTS", 3),

		ConversationIdleTimeout: getEnvAsDuration("CONVERSATION_IDLE_TIMEOUT", 90*time.Second),
		CallStateTTL:            getEnvAsDuration("CALL_STATE_TTL", 24*time.Hour),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
