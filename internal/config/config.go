// Package config provides configuration loading for the education backend.
// Settings come from the environment, optionally seeded from .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads .env and .env.local if present. godotenv never overrides variables
// that are already set, so the OS environment wins over both files.
func init() {
	for _, name := range []string{".env", ".env.local"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load %s file: %v\n", name, err)
		}
	}
}

// Config captures environment-driven settings for the education backend.
type Config struct {
	Env  string // Deployment environment (dev, staging, prod)
	Port string // HTTP server port

	// Document store
	MongoURI string // MongoDB connection string; empty selects the in-memory store
	MongoDB  string // MongoDB database name

	// AWS
	AWSRegion   string // Region for S3 and SNS clients
	S3Endpoint  string // S3-compatible storage endpoint override
	S3Bucket    string // Bucket holding uploaded files; empty selects local placeholder URLs
	S3AccessKey string // Static access key (optional, default credential chain otherwise)
	S3SecretKey string // Static secret key
	CDNDomain   string // CloudFront domain; when set uploads go through it with the caller's token
	SNSEndpoint string // SNS endpoint override; "memory" selects the in-process topic service

	// Supporting infrastructure
	NATSURL       string // NATS server URL for domain events
	RedisAddr     string // Redis address for the subscription pair lock
	RedisPassword string // Redis password
	SagaDSN       string // Saga journal DSN: postgres://..., a sqlite file path, or empty for memory

	// Identity
	JWTIssuer    string        // Expected token issuer (Cognito user pool URL)
	JWTAudience  string        // App client id, matched against aud or client_id
	JWKSURL      string        // JWKS document URL
	JWKSCacheTTL time.Duration // How long fetched keys are trusted before a refresh
	UserInfoURL  string        // userInfo endpoint used when the token carries no email

	// Media limits
	MaxMediaSize     int64    // Maximum upload size in bytes per file
	AllowedMimeTypes []string // Allowed MIME types for uploads

	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
	AdminUsers         []string // User ids allowed on /api/admin endpoints
	TracingEnabled     bool     // Export spans to stdout
}

// Default configuration values used when environment variables are not set
const (
	defaultPort         = "8080"
	defaultEnv          = "dev"
	defaultMongoDB      = "edu"
	defaultAWSRegion    = "ap-southeast-1"
	defaultJWKSCacheTTL = time.Hour
	defaultMaxMediaSize = 100 * 1024 * 1024
)

var defaultMimeTypes = []string{
	"image/jpeg", "image/png", "image/gif", "image/webp",
	"video/mp4", "video/webm",
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or malformed.
func Load() (Config, error) {
	cfg := Config{
		Env:  getEnv("EDU_ENV", defaultEnv),
		Port: getEnv("EDU_PORT", defaultPort),

		MongoURI: os.Getenv("EDU_MONGO_URI"),
		MongoDB:  getEnv("EDU_MONGO_DB", defaultMongoDB),

		AWSRegion:   getEnv("EDU_AWS_REGION", defaultAWSRegion),
		S3Endpoint:  os.Getenv("EDU_S3_ENDPOINT"),
		S3Bucket:    os.Getenv("EDU_S3_BUCKET"),
		S3AccessKey: os.Getenv("EDU_S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("EDU_S3_SECRET_KEY"),
		CDNDomain:   strings.TrimSuffix(os.Getenv("EDU_CDN_DOMAIN"), "/"),
		SNSEndpoint: os.Getenv("EDU_SNS_ENDPOINT"),

		NATSURL:       os.Getenv("EDU_NATS_URL"),
		RedisAddr:     os.Getenv("EDU_REDIS_ADDR"),
		RedisPassword: os.Getenv("EDU_REDIS_PASSWORD"),
		SagaDSN:       os.Getenv("EDU_SAGA_DSN"),

		JWTIssuer:   strings.TrimSuffix(os.Getenv("EDU_JWT_ISSUER"), "/"),
		JWTAudience: os.Getenv("EDU_JWT_AUDIENCE"),
		JWKSURL:     os.Getenv("EDU_JWKS_URL"),
		UserInfoURL: os.Getenv("EDU_USERINFO_URL"),

		AllowedMimeTypes:   getList("EDU_ALLOWED_MIME_TYPES", defaultMimeTypes),
		CORSAllowedOrigins: getList("EDU_CORS_ALLOWED_ORIGINS", nil),
		AdminUsers:         getList("EDU_ADMIN_USERS", nil),
		TracingEnabled:     parseBool(os.Getenv("EDU_TRACING_ENABLED")),
	}

	ttl, err := getDuration("EDU_JWKS_CACHE_TTL", defaultJWKSCacheTTL)
	if err != nil {
		return cfg, err
	}
	cfg.JWKSCacheTTL = ttl

	cfg.MaxMediaSize = defaultMaxMediaSize
	if raw := os.Getenv("EDU_MAX_MEDIA_SIZE"); raw != "" {
		size, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || size <= 0 {
			return cfg, fmt.Errorf("EDU_MAX_MEDIA_SIZE must be a positive integer, got %q", raw)
		}
		cfg.MaxMediaSize = size
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("EDU_JWT_ISSUER is required")
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = cfg.JWTIssuer + "/.well-known/jwks.json"
	}

	return cfg, nil
}

// IsDev reports whether the service runs in the development environment.
func (c Config) IsDev() bool { return c.Env == defaultEnv }

// IsAdmin reports whether userID is listed in EDU_ADMIN_USERS.
func (c Config) IsAdmin(userID string) bool {
	for _, u := range c.AdminUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// getList splits a comma-separated variable, trimming whitespace and dropping empty items.
func getList(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
