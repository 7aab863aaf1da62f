package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/smallbiznis/authgate/internal/authn"
	"github.com/smallbiznis/authgate/internal/ratelimit"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string
	Issuer      string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AdminEmail    string
	AdminPassword string

	DefaultClientID           string
	DefaultClientSecret       string
	DefaultClientRedirectURIs []string

	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration
	RotateRefreshTokens bool
	SupportedScopes     []string

	SessionSecret      string
	CookieName         string
	CookieDomain       string
	CookieSecure       bool
	CookieMaxAge       time.Duration
	SessionAbsoluteTTL time.Duration
	SessionRollingTTL  time.Duration
	RefreshThreshold   time.Duration

	RulesFile    string
	RateLimitRPM int

	FailbanMaxViolations int
	FailbanWindow        time.Duration
	FailbanDuration      time.Duration
	FailbanWhitelist     []string
	FailbanBlacklist     []string

	TelemetryEndpoint string
	TelemetryInsecure bool
}

// RulesFile is the on-disk YAML schema binding authentication and rate limit
// rules to request paths.
type RulesFile struct {
	Auth      []authn.RuleConfig `yaml:"auth"`
	RateLimit []ratelimit.Rule   `yaml:"rate_limit"`
}

// Load reads configuration from environment variables with sane defaults.
// DATABASE_URL is optional; when empty the server runs on in-memory stores.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "authgate"),
		Issuer:      strings.TrimRight(getEnv("ISSUER", "http://localhost:8080"), "/"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		AdminEmail:    strings.TrimSpace(os.Getenv("ADMIN_EMAIL")),
		AdminPassword: strings.TrimSpace(os.Getenv("ADMIN_PASSWORD")),

		DefaultClientID:           strings.TrimSpace(os.Getenv("DEFAULT_CLIENT_ID")),
		DefaultClientSecret:       strings.TrimSpace(os.Getenv("DEFAULT_CLIENT_SECRET")),
		DefaultClientRedirectURIs: getList("DEFAULT_CLIENT_REDIRECT_URIS", nil),

		AccessTokenTTL:      getDuration("ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL:     getDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		RotateRefreshTokens: getBool("REFRESH_TOKEN_ROTATION", false),
		SupportedScopes:     getList("SUPPORTED_SCOPES", []string{"openid", "profile", "email", "offline_access"}),

		SessionSecret:      os.Getenv("SESSION_SECRET"),
		CookieName:         getEnv("SESSION_COOKIE_NAME", "ag_session"),
		CookieDomain:       os.Getenv("SESSION_COOKIE_DOMAIN"),
		CookieSecure:       getBool("SESSION_COOKIE_SECURE", true),
		CookieMaxAge:       getDuration("SESSION_COOKIE_MAX_AGE", 24*time.Hour),
		SessionAbsoluteTTL: getDuration("SESSION_ABSOLUTE_TTL", 7*24*time.Hour),
		SessionRollingTTL:  getDuration("SESSION_ROLLING_TTL", 24*time.Hour),
		RefreshThreshold:   getDuration("SESSION_REFRESH_THRESHOLD", 5*time.Minute),

		RulesFile:    os.Getenv("RULES_FILE"),
		RateLimitRPM: getInt("RATE_LIMIT_RPM", 600),

		FailbanMaxViolations: getInt("FAILBAN_MAX_VIOLATIONS", 3),
		FailbanWindow:        getDuration("FAILBAN_WINDOW", 10*time.Minute),
		FailbanDuration:      getDuration("FAILBAN_DURATION", 15*time.Minute),
		FailbanWhitelist:     getList("FAILBAN_WHITELIST", nil),
		FailbanBlacklist:     getList("FAILBAN_BLACKLIST", nil),

		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
	}

	if cfg.SessionSecret == "" {
		return Config{}, fmt.Errorf("SESSION_SECRET is required")
	}
	switch strings.ToLower(cfg.SessionSecret) {
	case "change-me", "changeme", "secret", "default":
		return Config{}, fmt.Errorf("SESSION_SECRET must not be a placeholder value")
	}
	if len(cfg.SessionSecret) < 32 {
		return Config{}, fmt.Errorf("SESSION_SECRET must be at least 32 bytes")
	}

	if cfg.Environment == "development" {
		cfg.CookieSecure = getBool("SESSION_COOKIE_SECURE", false)
	}

	return cfg, nil
}

// LoadRules parses the YAML rules file. A missing RULES_FILE yields empty
// rule sets, leaving every route open to the resolver defaults.
func (c Config) LoadRules() (RulesFile, error) {
	if c.RulesFile == "" {
		return RulesFile{}, nil
	}
	raw, err := os.ReadFile(c.RulesFile)
	if err != nil {
		return RulesFile{}, fmt.Errorf("read rules file: %w", err)
	}
	var rules RulesFile
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return RulesFile{}, fmt.Errorf("parse rules file: %w", err)
	}
	return rules, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
