// Package config loads relay configuration from environment variables with
// optional command-line overrides.
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
	envVarListenAddr      = "PAIRLINK_LISTEN_ADDR"
	envVarMode            = "PAIRLINK_MODE"
	envVarLogFormat       = "PAIRLINK_LOG_FORMAT"
	envVarLogLevel        = "PAIRLINK_LOG_LEVEL"
	envVarShutdownTimeout = "PAIRLINK_SHUTDOWN_TIMEOUT"

	// Login/auth.
	envVarJWTSecret = "PAIRLINK_JWT_SECRET"
	envVarTokenTTL  = "PAIRLINK_TOKEN_TTL"
	// envVarUsers holds the user table as semicolon-separated user:password
	// pairs. Passwords may be plaintext (hashed at load) or pre-computed
	// argon2id strings ($argon2id$...), which contain commas and dollars but
	// never ';' or ':'.
	envVarUsers = "PAIRLINK_USERS"

	// WebSocket hardening.
	envVarMaxMessageBytes      = "PAIRLINK_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "PAIRLINK_MAX_MESSAGES_PER_SECOND"
	envVarWSIdleTimeout        = "PAIRLINK_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "PAIRLINK_WS_PING_INTERVAL"

	// Best-effort offline chat buffer.
	envVarBacklogPerUser = "PAIRLINK_BACKLOG_PER_USER"

	// Browser origin policy for the WebSocket endpoints. Comma-separated
	// origins, or "*"; empty means same-host only.
	envVarAllowedOrigins = "PAIRLINK_ALLOWED_ORIGINS"

	// ICE configuration vended to clients via GET /webrtc/ice.
	envVarSTUNURLs   = "PAIRLINK_STUN_URLS"
	envVarTURNURLs   = "PAIRLINK_TURN_URLS"
	envVarTURNSecret = "PAIRLINK_TURN_SECRET"
	envVarTURNTTL    = "PAIRLINK_TURN_TTL"
)

const (
	DefaultListenAddr                = "127.0.0.1:8080"
	DefaultShutdownTimeout           = 15 * time.Second
	DefaultTokenTTL                  = 24 * time.Hour
	DefaultMaxMessageBytes     int64 = 64 * 1024
	DefaultMaxMessagesPerSecond      = 50
	DefaultWSIdleTimeout             = 60 * time.Second
	DefaultWSPingInterval            = 20 * time.Second
	DefaultBacklogPerUser            = 32
	DefaultTURNTTL                   = 10 * time.Minute

	DefaultMode Mode = ModeDev

	// devJWTSecret keeps local development zero-config. Prod mode refuses to
	// start without an explicit secret.
	devJWTSecret = "pairlink-dev-insecure-secret"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr string
	Mode       Mode

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	JWTSecret string
	TokenTTL  time.Duration
	// Users maps username to password (plaintext or argon2id hash), parsed
	// from PAIRLINK_USERS.
	Users map[string]string

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration

	BacklogPerUser int

	// AllowedOrigins restricts which browser Origins may open the sockets.
	AllowedOrigins []string

	// STUNURLs and TURNURLs are handed to clients via GET /webrtc/ice. TURN
	// entries require TURNSecret (coturn REST shared secret).
	STUNURLs   []string
	TURNURLs   []string
	TURNSecret string
	TURNTTL    time.Duration
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	mode, err := parseMode(envOrDefault(lookup, envVarMode, string(DefaultMode)))
	if err != nil {
		return Config{}, err
	}

	logFormat, err := parseLogFormat(envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(mode)))
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(mode)))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: DefaultShutdownTimeout,
		JWTSecret:       envOrDefault(lookup, envVarJWTSecret, ""),
		TokenTTL:        DefaultTokenTTL,
		MaxMessageBytes: DefaultMaxMessageBytes,
		WSIdleTimeout:   DefaultWSIdleTimeout,
		WSPingInterval:  DefaultWSPingInterval,
	}

	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TokenTTL, err = envDurationOrDefault(lookup, envVarTokenTTL, DefaultTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.WSIdleTimeout, err = envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WSPingInterval, err = envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval); err != nil {
		return Config{}, err
	}

	maxBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, int(DefaultMaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMessageBytes = int64(maxBytes)

	if cfg.MaxMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.BacklogPerUser, err = envIntOrDefault(lookup, envVarBacklogPerUser, DefaultBacklogPerUser); err != nil {
		return Config{}, err
	}

	if cfg.Users, err = parseUsers(envOrDefault(lookup, envVarUsers, "")); err != nil {
		return Config{}, err
	}

	cfg.AllowedOrigins = splitList(envOrDefault(lookup, envVarAllowedOrigins, ""))
	cfg.STUNURLs = splitList(envOrDefault(lookup, envVarSTUNURLs, ""))
	cfg.TURNURLs = splitList(envOrDefault(lookup, envVarTURNURLs, ""))
	cfg.TURNSecret = envOrDefault(lookup, envVarTURNSecret, "")
	if cfg.TURNTTL, err = envDurationOrDefault(lookup, envVarTURNTTL, DefaultTURNTTL); err != nil {
		return Config{}, err
	}
	if len(cfg.TURNURLs) > 0 && cfg.TURNSecret == "" {
		return Config{}, fmt.Errorf("%s is required when %s is set", envVarTURNSecret, envVarTURNURLs)
	}

	fs := flag.NewFlagSet("pairlink-relay", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "address to listen on (host:port)")
	modeFlag := fs.String("mode", string(cfg.Mode), "dev or prod")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.Mode, err = parseMode(*modeFlag); err != nil {
		return Config{}, err
	}

	if cfg.JWTSecret == "" {
		if cfg.Mode == ModeProd {
			return Config{}, fmt.Errorf("%s is required in prod mode", envVarJWTSecret)
		}
		cfg.JWTSecret = devJWTSecret
	}

	return cfg, nil
}

// parseUsers parses "alice:secret;bob:$argon2id$..." into a username to
// password map. Argon2 hashes contain '$' and ',' but never ';' or ':', so
// splitting entries on ';' and each entry on the first ':' is unambiguous.
func parseUsers(raw string) (map[string]string, error) {
	users := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return users, nil
	}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, pass, ok := strings.Cut(entry, ":")
		if !ok || name == "" || pass == "" {
			return nil, fmt.Errorf("invalid %s entry %q (expected user:password)", envVarUsers, entry)
		}
		if _, dup := users[name]; dup {
			return nil, fmt.Errorf("duplicate user %q in %s", name, envVarUsers)
		}
		users[name] = pass
	}
	return users, nil
}

// splitList parses a comma-separated value into trimmed, non-empty entries.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

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

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}
