package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Configuration problems are fatal at startup and must never surface on the
// per-request path, so Load validates everything up front.
var (
	ErrInvalidFailPolicy  = errors.New("invalid fail policy")
	ErrInvalidRateTier    = errors.New("invalid rate limit tier")
	ErrInvalidThreshold   = errors.New("invalid detector threshold")
	ErrInvalidResponseMap = errors.New("invalid abuse response mapping")
	ErrInvalidAccessGraph = errors.New("invalid endpoint access graph")
	ErrMissingJWTSecret   = errors.New("admin JWT secret is required outside development")
)

// FailPolicy names the behavior when the backing store cannot be reached
// within the caller's timeout.
type FailPolicy string

const (
	// FailOpen admits the request and raises the degraded-mode metric.
	// Default: warden protects a public read API where a missed block is
	// cheaper than a full outage.
	FailOpen FailPolicy = "open"
	// FailClosed denies the request while the store is unreachable.
	FailClosed FailPolicy = "closed"
)

// Scope selects which request attributes a rate limit tier counts against.
type Scope string

const (
	ScopeIP       Scope = "ip"
	ScopeEndpoint Scope = "endpoint"
	ScopeAPIKey   Scope = "api_key"
)

// RateLimitPolicy is one sliding-window admission tier. Policies are
// immutable once loaded; the evaluator never derives or mutates them.
type RateLimitPolicy struct {
	Name           string
	Scope          Scope
	WindowSeconds  int
	MaxRequests    int
	BurstAllowance int
}

// Window returns the tier's sliding window as a duration.
func (p RateLimitPolicy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// EffectiveLimit is the flat cap used for admission: sustained limit plus
// burst allowance, with no separate token state.
func (p RateLimitPolicy) EffectiveLimit() int {
	return p.MaxRequests + p.BurstAllowance
}

// Severity grades an abuse finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ResponseAction is what the abuse detector does about a finding. The
// severity -> action mapping is configuration so operators can retune
// sensitivity without a redeploy.
type ResponseAction string

const (
	ActionLogOnly        ResponseAction = "log_only"
	ActionAlert          ResponseAction = "alert"
	ActionTemporaryBlock ResponseAction = "temporary_block"
	ActionEscalateToDDoS ResponseAction = "escalate_to_ddos"
)

// DDoSConfig holds the aggregate-rate state machine thresholds.
type DDoSConfig struct {
	WindowSeconds       int // short evaluation window
	SoftThreshold       int // requests per window entering SUSPECT
	HardThreshold       int // requests per window counting toward ATTACK
	ConsecutiveWindows  int // hard breaches in a row before ATTACK
	CooldownSeconds     int // below soft threshold this long before NORMAL
	BlockTTLSeconds     int // temporary block length for offenders
	OffenderMinRequests int // per-IP requests in window to be blocked
}

// AbuseConfig holds the pattern / anomaly / behavioral detector knobs.
type AbuseConfig struct {
	WindowSeconds   int // recent-activity window scanned per IP
	BaselineWindows int // historical windows behind the anomaly baseline
	ZScoreThreshold float64
	MinRequests     int // ignore IPs quieter than this
	EnumThreshold   int // distinct endpoints marking enumeration
	ErrorThreshold  int // error responses marking probing
	BlockTTLSeconds int
	AccessGraph     map[string][]string // endpoint -> expected next endpoints
	Responses       map[Severity]ResponseAction
}

// AlertConfig configures outbound alert delivery and deduplication.
type AlertConfig struct {
	ShoutrrrURLs         []string
	DedupCooldownSeconds int
}

// GeoConfig enables the optional country-level predicate. Disabled unless
// a GeoLite2 database path is set.
type GeoConfig struct {
	DatabasePath   string
	AllowCountries []string
	DenyCountries  []string
}

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment  string
	HTTPPort     string
	DatabasePath string
	Debug        bool

	JWTSecret  string
	FailPolicy FailPolicy

	// StoreTimeout bounds every store-backed call made on the request path.
	StoreTimeout time.Duration

	RateLimits     []RateLimitPolicy
	ConnectionTier RateLimitPolicy

	DDoS  DDoSConfig
	Abuse AbuseConfig
	Alert AlertConfig
	Geo   GeoConfig
}

// Load reads env vars (optionally seeded from a .env file) and falls back to
// defaults so the engine can boot with zero configuration in development.
func Load() (Config, error) {
	// A missing .env is fine; env vars still apply.
	_ = godotenv.Load()

	cfg := Config{
		Environment:  getEnv("WARDEN_ENV", "development"),
		HTTPPort:     getEnv("WARDEN_HTTP_PORT", "8080"),
		DatabasePath: getEnv("WARDEN_DB_PATH", filepath.Join("data", "warden.db")),
		Debug:        getEnv("WARDEN_DEBUG", "false") == "true",
		JWTSecret:    getEnv("WARDEN_JWT_SECRET", ""),
		StoreTimeout: time.Duration(getEnvInt("WARDEN_STORE_TIMEOUT_MS", 2000)) * time.Millisecond,
	}

	switch FailPolicy(getEnv("WARDEN_FAIL_POLICY", string(FailOpen))) {
	case FailOpen:
		cfg.FailPolicy = FailOpen
	case FailClosed:
		cfg.FailPolicy = FailClosed
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrInvalidFailPolicy, os.Getenv("WARDEN_FAIL_POLICY"))
	}

	if cfg.JWTSecret == "" {
		if cfg.Environment != "development" {
			return Config{}, ErrMissingJWTSecret
		}
		cfg.JWTSecret = "warden-dev-secret"
	}

	tiers, err := parseTiers(getEnv("WARDEN_RATE_TIERS", "ip:60:120:20,ip:3600:3000:200,ip:86400:40000:1000"))
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimits = tiers

	// Connection-rate limiting is the same evaluator with a tighter window
	// tuned to connection attempts rather than completed requests.
	connTiers, err := parseTiers(getEnv("WARDEN_CONNECTION_TIER", "ip:10:30:5"))
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectionTier = connTiers[0]

	cfg.DDoS = DDoSConfig{
		WindowSeconds:       getEnvInt("WARDEN_DDOS_WINDOW_SECONDS", 10),
		SoftThreshold:       getEnvInt("WARDEN_DDOS_SOFT_THRESHOLD", 200),
		HardThreshold:       getEnvInt("WARDEN_DDOS_HARD_THRESHOLD", 500),
		ConsecutiveWindows:  getEnvInt("WARDEN_DDOS_CONSECUTIVE_WINDOWS", 2),
		CooldownSeconds:     getEnvInt("WARDEN_DDOS_COOLDOWN_SECONDS", 120),
		BlockTTLSeconds:     getEnvInt("WARDEN_DDOS_BLOCK_TTL_SECONDS", 1800),
		OffenderMinRequests: getEnvInt("WARDEN_DDOS_OFFENDER_MIN_REQUESTS", 50),
	}
	if err := cfg.DDoS.validate(); err != nil {
		return Config{}, err
	}

	responses, err := parseResponseMap(getEnv("WARDEN_ABUSE_RESPONSES",
		"low=log_only,medium=alert,high=temporary_block,critical=escalate_to_ddos"))
	if err != nil {
		return Config{}, err
	}
	graph, err := parseAccessGraph(getEnv("WARDEN_ABUSE_ACCESS_GRAPH", ""))
	if err != nil {
		return Config{}, err
	}
	cfg.Abuse = AbuseConfig{
		WindowSeconds:   getEnvInt("WARDEN_ABUSE_WINDOW_SECONDS", 600),
		BaselineWindows: getEnvInt("WARDEN_ABUSE_BASELINE_WINDOWS", 6),
		ZScoreThreshold: getEnvFloat("WARDEN_ABUSE_ZSCORE_THRESHOLD", 3.0),
		MinRequests:     getEnvInt("WARDEN_ABUSE_MIN_REQUESTS", 30),
		EnumThreshold:   getEnvInt("WARDEN_ABUSE_ENUM_THRESHOLD", 15),
		ErrorThreshold:  getEnvInt("WARDEN_ABUSE_ERROR_THRESHOLD", 20),
		BlockTTLSeconds: getEnvInt("WARDEN_ABUSE_BLOCK_TTL_SECONDS", 900),
		AccessGraph:     graph,
		Responses:       responses,
	}
	if cfg.Abuse.WindowSeconds <= 0 || cfg.Abuse.BaselineWindows <= 0 || cfg.Abuse.ZScoreThreshold <= 0 {
		return Config{}, fmt.Errorf("%w: abuse window/baseline/zscore must be positive", ErrInvalidThreshold)
	}

	cfg.Alert = AlertConfig{
		ShoutrrrURLs:         splitNonEmpty(getEnv("WARDEN_ALERT_URLS", "")),
		DedupCooldownSeconds: getEnvInt("WARDEN_ALERT_DEDUP_COOLDOWN_SECONDS", 900),
	}

	cfg.Geo = GeoConfig{
		DatabasePath:   getEnv("WARDEN_GEOIP_DB_PATH", ""),
		AllowCountries: splitNonEmpty(getEnv("WARDEN_GEO_ALLOW_COUNTRIES", "")),
		DenyCountries:  splitNonEmpty(getEnv("WARDEN_GEO_DENY_COUNTRIES", "")),
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

func (d DDoSConfig) validate() error {
	if d.WindowSeconds <= 0 || d.SoftThreshold <= 0 || d.HardThreshold <= 0 {
		return fmt.Errorf("%w: ddos window and thresholds must be positive", ErrInvalidThreshold)
	}
	if d.HardThreshold < d.SoftThreshold {
		return fmt.Errorf("%w: ddos hard threshold below soft threshold", ErrInvalidThreshold)
	}
	if d.ConsecutiveWindows <= 0 || d.CooldownSeconds <= 0 || d.BlockTTLSeconds <= 0 {
		return fmt.Errorf("%w: ddos windows/cooldown/ttl must be positive", ErrInvalidThreshold)
	}
	return nil
}

// parseTiers parses "scope:window_seconds:max_requests:burst[:name]" entries
// separated by commas, e.g. "ip:60:120:20,api_key:3600:5000:500".
func parseTiers(spec string) ([]RateLimitPolicy, error) {
	parts := splitNonEmpty(spec)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty tier list", ErrInvalidRateTier)
	}
	tiers := make([]RateLimitPolicy, 0, len(parts))
	for _, part := range parts {
		fields := strings.Split(part, ":")
		if len(fields) != 4 && len(fields) != 5 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRateTier, part)
		}
		scope := Scope(fields[0])
		if scope != ScopeIP && scope != ScopeEndpoint && scope != ScopeAPIKey {
			return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidRateTier, fields[0])
		}
		window, err1 := strconv.Atoi(fields[1])
		maxReq, err2 := strconv.Atoi(fields[2])
		burst, err3 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRateTier, part)
		}
		if window <= 0 || maxReq <= 0 || burst < 0 {
			return nil, fmt.Errorf("%w: non-positive values in %q", ErrInvalidRateTier, part)
		}
		name := fmt.Sprintf("%s-%ds", scope, window)
		if len(fields) == 5 {
			name = fields[4]
		}
		tiers = append(tiers, RateLimitPolicy{
			Name:           name,
			Scope:          scope,
			WindowSeconds:  window,
			MaxRequests:    maxReq,
			BurstAllowance: burst,
		})
	}
	return tiers, nil
}

// parseResponseMap parses "severity=action" pairs. Every severity must map
// to a known action so misconfiguration fails at boot, not mid-incident.
func parseResponseMap(spec string) (map[Severity]ResponseAction, error) {
	out := make(map[Severity]ResponseAction)
	for _, pair := range splitNonEmpty(spec) {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidResponseMap, pair)
		}
		sev := Severity(strings.TrimSpace(kv[0]))
		act := ResponseAction(strings.TrimSpace(kv[1]))
		switch sev {
		case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		default:
			return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidResponseMap, kv[0])
		}
		switch act {
		case ActionLogOnly, ActionAlert, ActionTemporaryBlock, ActionEscalateToDDoS:
		default:
			return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidResponseMap, kv[1])
		}
		out[sev] = act
	}
	for _, sev := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		if _, ok := out[sev]; !ok {
			return nil, fmt.Errorf("%w: severity %q unmapped", ErrInvalidResponseMap, sev)
		}
	}
	return out, nil
}

// parseAccessGraph parses "from>to" edges separated by commas into the
// expected endpoint transition graph. Empty spec disables behavioral checks.
func parseAccessGraph(spec string) (map[string][]string, error) {
	edges := splitNonEmpty(spec)
	if len(edges) == 0 {
		return nil, nil
	}
	graph := make(map[string][]string)
	for _, edge := range edges {
		kv := strings.SplitN(edge, ">", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" || strings.TrimSpace(kv[1]) == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAccessGraph, edge)
		}
		from := strings.TrimSpace(kv[0])
		graph[from] = append(graph[from], strings.TrimSpace(kv[1]))
	}
	return graph, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}
