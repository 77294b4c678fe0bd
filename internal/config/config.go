// Package config loads service configuration from environment variables with
// command-line flag overrides.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "BEACON_LISTEN_ADDR"
	envVarMode            = "BEACON_MODE"
	envVarLogFormat       = "BEACON_LOG_FORMAT"
	envVarLogLevel        = "BEACON_LOG_LEVEL"
	envVarShutdownTimeout = "BEACON_SHUTDOWN_TIMEOUT"

	envVarDatabaseURL = "DATABASE_URL"

	envVarAllowedOrigins = "ALLOWED_ORIGINS"

	// Auth.
	envVarAuthMode  = "AUTH_MODE"
	envVarJWTSecret = "JWT_SECRET"
	envVarJWTIssuer = "JWT_ISSUER"
	envVarTokenTTL  = "TOKEN_TTL"

	// Signaling / WebSocket hardening.
	envVarSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarMaxPeers                      = "MAX_PEERS"

	// Visit tracking.
	envVarVisitSessionTTL    = "VISIT_SESSION_TTL"
	envVarVisitSweepInterval = "VISIT_SWEEP_INTERVAL"

	// Activity record retention.
	envVarActivityRetentionDays   = "ACTIVITY_RETENTION_DAYS"
	envVarActivityCleanupInterval = "ACTIVITY_CLEANUP_INTERVAL"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultJWTIssuer = "beacon"
	DefaultTokenTTL  = 24 * time.Hour

	DefaultSignalingAuthTimeout          = 2 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultMaxPeers                      = 64

	// DefaultVisitSessionTTL bounds how long an open visit may remain without a
	// matching leave before it is reaped. Must be non-zero to avoid unbounded
	// growth from clients that disconnect without reporting a leave.
	DefaultVisitSessionTTL    = 4 * time.Hour
	DefaultVisitSweepInterval = 5 * time.Minute

	DefaultActivityRetentionDays   = 90
	DefaultActivityCleanupInterval = 1 * time.Hour
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type AuthMode string

const (
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// DatabaseURL is the Postgres DSN for the credential store and the activity
	// sink. Empty is only permitted with AUTH_MODE=none (in-memory dev mode).
	DatabaseURL string

	AllowedOrigins []string

	AuthMode  AuthMode
	JWTSecret string
	JWTIssuer string
	TokenTTL  time.Duration

	SignalingAuthTimeout          time.Duration
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	MaxPeers                      int

	VisitSessionTTL    time.Duration
	VisitSweepInterval time.Duration

	ActivityRetentionDays   int
	ActivityCleanupInterval time.Duration
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := string(ModeDev)
	if v, ok := lookup(envVarMode); ok && v != "" {
		modeDefault = v
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	fs := flag.NewFlagSet("beacond", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "TCP address to listen on")
	mode := fs.String("mode", modeDefault, "run mode: dev or prod")
	logFormat := fs.String("log-format", logFormatDefault, "log format: text or json")
	logLevel := fs.String("log-level", logLevelDefault, "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:  *listenAddr,
		DatabaseURL: envOrDefault(lookup, envVarDatabaseURL, ""),
		JWTSecret:   envOrDefault(lookup, envVarJWTSecret, ""),
		JWTIssuer:   envOrDefault(lookup, envVarJWTIssuer, DefaultJWTIssuer),
	}

	switch Mode(strings.ToLower(strings.TrimSpace(*mode))) {
	case ModeDev:
		cfg.Mode = ModeDev
	case ModeProd, "production":
		cfg.Mode = ModeProd
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want dev or prod)", envVarMode, *mode)
	}

	switch LogFormat(strings.ToLower(strings.TrimSpace(*logFormat))) {
	case LogFormatText:
		cfg.LogFormat = LogFormatText
	case LogFormatJSON:
		cfg.LogFormat = LogFormatJSON
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want text or json)", envVarLogFormat, *logFormat)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	authModeRaw := envOrDefault(lookup, envVarAuthMode, string(AuthModeJWT))
	switch AuthMode(strings.ToLower(strings.TrimSpace(authModeRaw))) {
	case AuthModeNone:
		cfg.AuthMode = AuthModeNone
	case AuthModeJWT:
		cfg.AuthMode = AuthModeJWT
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want none or jwt)", envVarAuthMode, authModeRaw)
	}

	if raw := envOrDefault(lookup, envVarAllowedOrigins, ""); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	durations := []struct {
		dst      *time.Duration
		key      string
		fallback time.Duration
	}{
		{&cfg.ShutdownTimeout, envVarShutdownTimeout, DefaultShutdownTimeout},
		{&cfg.TokenTTL, envVarTokenTTL, DefaultTokenTTL},
		{&cfg.SignalingAuthTimeout, envVarSignalingAuthTimeout, DefaultSignalingAuthTimeout},
		{&cfg.SignalingWSIdleTimeout, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout},
		{&cfg.SignalingWSPingInterval, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval},
		{&cfg.VisitSessionTTL, envVarVisitSessionTTL, DefaultVisitSessionTTL},
		{&cfg.VisitSweepInterval, envVarVisitSweepInterval, DefaultVisitSweepInterval},
		{&cfg.ActivityCleanupInterval, envVarActivityCleanupInterval, DefaultActivityCleanupInterval},
	}
	for _, d := range durations {
		v, err := envDurationOrDefault(lookup, d.key, d.fallback)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	maxMsgBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSignalingMessageBytes = int64(maxMsgBytes)

	if cfg.MaxSignalingMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.MaxPeers, err = envIntOrDefault(lookup, envVarMaxPeers, DefaultMaxPeers); err != nil {
		return Config{}, err
	}
	if cfg.ActivityRetentionDays, err = envIntOrDefault(lookup, envVarActivityRetentionDays, DefaultActivityRetentionDays); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.AuthMode == AuthModeJWT && c.JWTSecret == "" {
		return fmt.Errorf("%s is required when %s=jwt", envVarJWTSecret, envVarAuthMode)
	}
	if c.DatabaseURL == "" && c.AuthMode != AuthModeNone {
		return fmt.Errorf("%s is required unless %s=none", envVarDatabaseURL, envVarAuthMode)
	}
	if c.VisitSessionTTL <= 0 {
		return fmt.Errorf("%s must be positive", envVarVisitSessionTTL)
	}
	if c.SignalingWSPingInterval > 0 && c.SignalingWSIdleTimeout > 0 &&
		c.SignalingWSPingInterval >= c.SignalingWSIdleTimeout {
		return fmt.Errorf("%s must be shorter than %s", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q", envVarLogLevel, raw)
	}
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
