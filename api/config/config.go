package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"

	"github.com/joho/godotenv"
)

// DefaultSyncPageSize is the provider page size used by the reconciliation job.
const DefaultSyncPageSize = 100

// Config holds the application configuration
type Config struct {
	DatabaseURL            string
	StripeSecretKey        string
	StripeWebhookSecret    string
	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseJWTSecret      string
	// Optional: status cache for the access gate. Empty disables caching.
	RedisURL string
	// Optional: directory of the built frontend served behind the access gate.
	FrontendDir       string
	CORSAllowedOrigin string
	// Optional: base URL for running remote HTTP integration tests (e.g., https://api.example.com)
	IntegrationBaseURL string
	// Server ports
	HTTPPort string
	GRPCPort string

	SyncPageSize int
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{}

	// Try to load .env file from current directory and parent directories
	currentDir, _ := os.Getwd()
	for currentDir != "/" && currentDir != "." {
		envPath := filepath.Join(currentDir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			if err = godotenv.Load(envPath); err != nil {
				return nil, fmt.Errorf("failed to load .env file: %v", err)
			}
			break
		}
		currentDir = filepath.Dir(currentDir)
	}

	vars := []struct {
		name     string
		envVar   string
		display  string
		required bool
	}{
		{"DatabaseURL", "DATABASE_URL", "Database URL", true},
		{"StripeSecretKey", "STRIPE_SECRET_KEY", "Stripe Secret Key", true},
		{"StripeWebhookSecret", "STRIPE_WEBHOOK_SECRET", "Stripe Webhook Secret", true},
		{"SupabaseURL", "SUPABASE_URL", "Supabase URL", true},
		{"SupabaseServiceRoleKey", "SUPABASE_SERVICE_ROLE_KEY", "Supabase Service Role Key", true},
		{"SupabaseJWTSecret", "SUPABASE_JWT_SECRET", "Supabase JWT Secret", true},
		{"RedisURL", "REDIS_URL", "Redis URL", false},
		{"FrontendDir", "FRONTEND_DIR", "Frontend Directory", false},
		{"CORSAllowedOrigin", "CORS_ALLOWED_ORIGIN", "CORS Allowed Origin", false},
		{"IntegrationBaseURL", "INTEGRATION_BASE_URL", "Integration Base URL", false},
		{"HTTPPort", "PORT", "HTTP Port", false},
		{"GRPCPort", "GRPC_PORT", "gRPC Port", false},
	}

	for _, v := range vars {
		value := os.Getenv(v.envVar)
		if v.required && value == "" {
			return nil, fmt.Errorf("missing required environment variable: %s", v.display)
		}
		configField := reflect.ValueOf(config).Elem().FieldByName(v.name)
		configField.SetString(value)
	}

	// Defaults
	if config.HTTPPort == "" {
		config.HTTPPort = "8080"
	}
	if config.GRPCPort == "" {
		config.GRPCPort = "50051"
	}
	if config.CORSAllowedOrigin == "" {
		config.CORSAllowedOrigin = "*"
	}

	config.SyncPageSize = DefaultSyncPageSize
	if raw := os.Getenv("SYNC_PAGE_SIZE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			return nil, fmt.Errorf("invalid SYNC_PAGE_SIZE %q: must be an integer between 1 and 100", raw)
		}
		config.SyncPageSize = n
	}

	return config, nil
}
