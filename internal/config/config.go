package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/pion/webrtc/v4"

	"github.com/sendie-app/sendie/internal/auth"
	"github.com/sendie-app/sendie/internal/session"
)

const (
	envVarListenAddr      = "SENDIE_LISTEN_ADDR"
	envVarMode            = "SENDIE_MODE"
	envVarLogFormat       = "SENDIE_LOG_FORMAT"
	envVarLogLevel        = "SENDIE_LOG_LEVEL"
	envVarShutdownTimeout = "SENDIE_SHUTDOWN_TIMEOUT"
	envVarDataDir         = "SENDIE_DATA_DIR"

	envVarAdmins           = "SENDIE_ADMINS"
	envVarInitialAllowList = "SENDIE_INITIAL_ALLOWLIST"

	envVarSessionBaseTTL       = "SENDIE_SESSION_BASE_TTL"
	envVarSessionEmptyTimeout  = "SENDIE_SESSION_EMPTY_TIMEOUT"
	envVarSessionAbsMaxHostOn  = "SENDIE_SESSION_ABS_MAX_HOST_CONNECTED"
	envVarSessionAbsMaxHostOff = "SENDIE_SESSION_ABS_MAX_HOST_DISCONNECTED"
	envVarSessionHostGrace     = "SENDIE_SESSION_HOST_GRACE"
	envVarMaxPeersDefault      = "SENDIE_MAX_PEERS_DEFAULT"

	envVarICEServersJSON = "SENDIE_ICE_SERVERS_JSON"
	envVarStunURLs       = "SENDIE_STUN_URLS"
	envVarTurnURLs       = "SENDIE_TURN_URLS"
	envVarTurnUsername   = "SENDIE_TURN_USERNAME"
	envVarTurnCredential = "SENDIE_TURN_CREDENTIAL"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultDataDir         = "data"
	DefaultMode       Mode = ModeDev
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
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// DataDir holds the allow-list snapshot. Created on first write.
	DataDir string

	Admins           []string
	InitialAllowList []string

	SessionBaseTTL       time.Duration
	SessionEmptyTimeout  time.Duration
	SessionAbsMaxHostOn  time.Duration
	SessionAbsMaxHostOff time.Duration
	SessionHostGrace     time.Duration
	MaxPeersDefault      int

	ICEServers []webrtc.ICEServer
}

// TTLConfig maps the configured knobs onto the registry's expiry settings.
// Zero values defer to the registry defaults.
func (c Config) TTLConfig() session.TTLConfig {
	return session.TTLConfig{
		BaseTTL:                c.SessionBaseTTL,
		EmptyTimeout:           c.SessionEmptyTimeout,
		AbsMaxHostConnected:    c.SessionAbsMaxHostOn,
		AbsMaxHostDisconnected: c.SessionAbsMaxHostOff,
		HostGrace:              c.SessionHostGrace,
	}
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, _ := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if logFormatDefault == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, _ := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if logLevelDefault == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	dataDir := envOrDefault(lookup, envVarDataDir, DefaultDataDir)
	adminsStr := envOrDefault(lookup, envVarAdmins, "")
	initialAllowStr := envOrDefault(lookup, envVarInitialAllowList, "")

	iceServersJSON := envOrDefault(lookup, envVarICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envVarStunURLs, "")
	turnURLs := envOrDefault(lookup, envVarTurnURLs, "")
	turnUsername := envOrDefault(lookup, envVarTurnUsername, "")
	turnCredential := envOrDefault(lookup, envVarTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	baseTTL, err := envDurationOrDefault(lookup, envVarSessionBaseTTL, session.DefaultBaseTTL)
	if err != nil {
		return Config{}, err
	}
	emptyTimeout, err := envDurationOrDefault(lookup, envVarSessionEmptyTimeout, session.DefaultEmptyTimeout)
	if err != nil {
		return Config{}, err
	}
	absMaxHostOn, err := envDurationOrDefault(lookup, envVarSessionAbsMaxHostOn, session.DefaultAbsMaxHostConnected)
	if err != nil {
		return Config{}, err
	}
	absMaxHostOff, err := envDurationOrDefault(lookup, envVarSessionAbsMaxHostOff, session.DefaultAbsMaxHostDisconnected)
	if err != nil {
		return Config{}, err
	}
	hostGrace, err := envDurationOrDefault(lookup, envVarSessionHostGrace, session.DefaultHostGrace)
	if err != nil {
		return Config{}, err
	}
	maxPeersDefault, err := envIntOrDefault(lookup, envVarMaxPeersDefault, session.DefaultMaxPeers)
	if err != nil {
		return Config{}, err
	}

	modeStr := modeDefault
	logFormatStr := logFormatDefault
	logLevelStr := logLevelDefault

	fs := flag.NewFlagSet("sendie-signal", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeStr, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&dataDir, "data-dir", dataDir, "Directory for the allow-list snapshot (env "+envVarDataDir+")")
	fs.StringVar(&adminsStr, "admins", adminsStr, "Comma-separated admin user IDs (env "+envVarAdmins+")")
	fs.StringVar(&initialAllowStr, "initial-allowlist", initialAllowStr, "Comma-separated allow-listed user IDs (env "+envVarInitialAllowList+")")
	fs.DurationVar(&baseTTL, "session-base-ttl", baseTTL, "Soft session TTL, refreshed on activity (env "+envVarSessionBaseTTL+")")
	fs.DurationVar(&emptyTimeout, "session-empty-timeout", emptyTimeout, "Grace for sessions with no peers (env "+envVarSessionEmptyTimeout+")")
	fs.DurationVar(&absMaxHostOn, "session-abs-max-host-connected", absMaxHostOn, "Hard session bound while the host is connected (env "+envVarSessionAbsMaxHostOn+")")
	fs.DurationVar(&absMaxHostOff, "session-abs-max-host-disconnected", absMaxHostOff, "Hard session bound while the host is away (env "+envVarSessionAbsMaxHostOff+")")
	fs.DurationVar(&hostGrace, "session-host-grace", hostGrace, "Extension past the host's last disconnect (env "+envVarSessionHostGrace+")")
	fs.IntVar(&maxPeersDefault, "max-peers-default", maxPeersDefault, "Default peer cap for new sessions (env "+envVarMaxPeersDefault+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envVarICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envVarStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envVarTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envVarTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envVarTurnCredential+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid listen address %q: %w", listenAddr, err)
	}
	if strings.TrimSpace(dataDir) == "" {
		return Config{}, fmt.Errorf("data dir must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid shutdown timeout %v: must be positive", shutdownTimeout)
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"session base TTL", baseTTL},
		{"session empty timeout", emptyTimeout},
		{"session hard bound (host connected)", absMaxHostOn},
		{"session hard bound (host disconnected)", absMaxHostOff},
		{"session host grace", hostGrace},
	} {
		if d.value <= 0 {
			return Config{}, fmt.Errorf("invalid %s %v: must be positive", d.name, d.value)
		}
	}
	if maxPeersDefault < session.MinPeers || maxPeersDefault > session.MaxPeers {
		return Config{}, fmt.Errorf("invalid default peer cap %d: must be between %d and %d", maxPeersDefault, session.MinPeers, session.MaxPeers)
	}

	admins, err := parseUserIDList(envVarAdmins, adminsStr)
	if err != nil {
		return Config{}, err
	}
	initialAllow, err := parseUserIDList(envVarInitialAllowList, initialAllowStr)
	if err != nil {
		return Config{}, err
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		DataDir:         dataDir,

		Admins:           admins,
		InitialAllowList: initialAllow,

		SessionBaseTTL:       baseTTL,
		SessionEmptyTimeout:  emptyTimeout,
		SessionAbsMaxHostOn:  absMaxHostOn,
		SessionAbsMaxHostOff: absMaxHostOff,
		SessionHostGrace:     hostGrace,
		MaxPeersDefault:      maxPeersDefault,

		ICEServers: iceServers,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	switch cfg.LogFormat {
	case LogFormatText:
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: cfg.LogLevel})), nil
	case LogFormatJSON:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
}

func parseUserIDList(name, raw string) ([]string, error) {
	parts := splitCommaSeparated(raw)
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, id := range parts {
		if !auth.ValidUserID(id) {
			return nil, fmt.Errorf("invalid %s entry %q: expected 17-19 decimal digits", name, id)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
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
