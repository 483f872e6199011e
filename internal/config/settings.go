package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"dnswarden/internal/support"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

const (
	defaultResolvers          = "1.1.1.1,8.8.8.8,9.9.9.9"
	defaultDNSTimeout         = 5
	defaultDNSConcurrency     = 32
	defaultCheckInterval      = 60
	defaultVoteTimeoutHours   = 24
	defaultMinVotes           = 2
	defaultMajorityThreshold  = 0.6
	defaultDBOpTimeout        = 10
	defaultHTTPPort           = 8080
	defaultGeoLiteUpdateHours = 24
)

// ExpiryDecision is the outcome applied to a vote session that expires
// without reaching quorum.
type ExpiryDecision string

const (
	ExpiryReject  ExpiryDecision = "reject"
	ExpiryApprove ExpiryDecision = "approve"
)

// Approve reports the boolean decision stored on the session.
func (d ExpiryDecision) Approve() bool {
	return d == ExpiryApprove
}

type DNS struct {
	Resolvers      []string
	Timeout        time.Duration
	MaxConcurrency int
	QueryAAAA      bool
}

type Voting struct {
	Timeout           time.Duration
	MinVotesRequired  int
	MajorityThreshold float64
	ExpiryDecision    ExpiryDecision
}

type Database struct {
	URL       string
	OpTimeout time.Duration
}

type GeoIP struct {
	CountryDBPath  string
	ASNDBPath      string
	// LicenseKey enables automatic GeoLite downloads into DataDir.
	LicenseKey     string
	DataDir        string
	UpdateInterval time.Duration
}

// Config is read once at startup and never mutated afterwards.
type Config struct {
	DNS           DNS
	Voting        Voting
	Database      Database
	GeoIP         GeoIP
	CheckInterval time.Duration
	HistoryDays   int
	RedisURL      string
	HTTPPort      int
	JWTSecret     string
	SeedFile      string
	LogLevel      log.Level
}

// Load reads the process environment and validates every value. All problems
// are reported together, wrapped in ErrInvalidConfig.
func Load() (Config, error) {
	r := &envReader{}

	cfg := Config{
		DNS: DNS{
			Resolvers:      support.SplitList(support.GetEnv("DNS_RESOLVERS", defaultResolvers)),
			Timeout:        r.seconds("DNS_TIMEOUT", defaultDNSTimeout),
			MaxConcurrency: r.integer("DNS_MAX_CONCURRENCY", defaultDNSConcurrency),
			QueryAAAA:      r.boolean("DNS_QUERY_AAAA", false),
		},
		Voting: Voting{
			Timeout:           time.Duration(r.integer("VOTE_TIMEOUT_HOURS", defaultVoteTimeoutHours)) * time.Hour,
			MinVotesRequired:  r.integer("MIN_VOTES_REQUIRED", defaultMinVotes),
			MajorityThreshold: r.float("MAJORITY_THRESHOLD", defaultMajorityThreshold),
			ExpiryDecision:    ExpiryDecision(strings.ToLower(support.GetEnv("VOTE_EXPIRY_DECISION", string(ExpiryReject)))),
		},
		Database: Database{
			URL:       databaseURL(),
			OpTimeout: r.seconds("DB_OP_TIMEOUT", defaultDBOpTimeout),
		},
		GeoIP: GeoIP{
			CountryDBPath:  support.GetEnv("GEOIP_COUNTRY_DB", ""),
			ASNDBPath:      support.GetEnv("GEOIP_ASN_DB", ""),
			LicenseKey:     strings.TrimSpace(support.GetEnv("GEOLITE_LICENSE_KEY", "")),
			DataDir:        support.GetEnv("GEOLITE_DATA_DIR", "data/geolite"),
			UpdateInterval: time.Duration(r.integer("GEOLITE_UPDATE_HOURS", defaultGeoLiteUpdateHours)) * time.Hour,
		},
		CheckInterval: r.seconds("CHECK_INTERVAL_SECONDS", defaultCheckInterval),
		HistoryDays:   r.integer("HISTORY_RETENTION_DAYS", 0),
		RedisURL:      strings.TrimSpace(support.GetEnv("REDIS_URL", "")),
		HTTPPort:      r.integer("HTTP_PORT", defaultHTTPPort),
		JWTSecret:     support.GetEnv("API_JWT_SECRET", ""),
		SeedFile:      strings.TrimSpace(support.GetEnv("DOMAINS_SEED_FILE", "")),
	}

	level, err := log.ParseLevel(strings.ToLower(support.GetEnv("LOG_LEVEL", "info")))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	cfg.LogLevel = level

	r.errs = append(r.errs, cfg.validate()...)
	if len(r.errs) > 0 {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(r.errs...))
	}

	return cfg, nil
}

func (c Config) validate() []error {
	var errs []error

	if len(c.DNS.Resolvers) == 0 {
		errs = append(errs, errors.New("DNS_RESOLVERS: at least one resolver is required"))
	}
	if c.DNS.Timeout <= 0 {
		errs = append(errs, errors.New("DNS_TIMEOUT: must be positive"))
	}
	if c.DNS.MaxConcurrency < 1 {
		errs = append(errs, errors.New("DNS_MAX_CONCURRENCY: must be at least 1"))
	}
	if c.CheckInterval <= 0 {
		errs = append(errs, errors.New("CHECK_INTERVAL_SECONDS: must be positive"))
	}
	if c.Voting.Timeout <= 0 {
		errs = append(errs, errors.New("VOTE_TIMEOUT_HOURS: must be positive"))
	}
	if c.Voting.MinVotesRequired < 1 {
		errs = append(errs, errors.New("MIN_VOTES_REQUIRED: must be at least 1"))
	}
	if !(c.Voting.MajorityThreshold > 0 && c.Voting.MajorityThreshold <= 1) {
		errs = append(errs, errors.New("MAJORITY_THRESHOLD: must be in (0, 1]"))
	}
	switch c.Voting.ExpiryDecision {
	case ExpiryReject, ExpiryApprove:
	default:
		errs = append(errs, fmt.Errorf("VOTE_EXPIRY_DECISION: unknown value %q", c.Voting.ExpiryDecision))
	}
	if c.Database.OpTimeout <= 0 {
		errs = append(errs, errors.New("DB_OP_TIMEOUT: must be positive"))
	}
	if err := validateDatabaseURL(c.Database.URL); err != nil {
		errs = append(errs, err)
	}
	if c.RedisURL != "" {
		if _, err := url.Parse(c.RedisURL); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_URL: %w", err))
		}
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("HTTP_PORT: %d out of range", c.HTTPPort))
	}
	if c.GeoIP.LicenseKey != "" && c.GeoIP.UpdateInterval <= 0 {
		errs = append(errs, errors.New("GEOLITE_UPDATE_HOURS: must be positive"))
	}
	if c.HistoryDays < 0 {
		errs = append(errs, errors.New("HISTORY_RETENTION_DAYS: must not be negative"))
	}
	if c.SeedFile != "" {
		if _, err := os.Stat(c.SeedFile); err != nil {
			errs = append(errs, fmt.Errorf("DOMAINS_SEED_FILE: %w", err))
		}
	}

	return errs
}

// databaseURL prefers DATABASE_URL and otherwise assembles one from the
// individual DB_* variables.
func databaseURL() string {
	if raw := strings.TrimSpace(support.GetEnv("DATABASE_URL", "")); raw != "" {
		return raw
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(support.GetEnv("DB_USERNAME", "dnswarden"), support.GetEnv("DB_PASSWORD", "dnswarden")),
		Host:     fmt.Sprintf("%s:%s", support.GetEnv("DB_HOST", "localhost"), support.GetEnv("DB_PORT", "5432")),
		Path:     "/" + support.GetEnv("DB_NAME", "dns_monitor"),
		RawQuery: "sslmode=" + support.GetEnv("DB_SSLMODE", "disable"),
	}
	return u.String()
}

func validateDatabaseURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("DATABASE_URL: %w", err)
	}
	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return errors.New("DATABASE_URL: must start with postgresql:// or postgres://")
	}
	if parsed.Host == "" {
		return errors.New("DATABASE_URL: missing host")
	}
	return nil
}

type envReader struct {
	errs []error
}

func (r *envReader) integer(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return fallback
	}
	return value
}

func (r *envReader) seconds(key string, fallback int) time.Duration {
	return time.Duration(r.integer(key, fallback)) * time.Second
}

func (r *envReader) float(key string, fallback float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a finite number", key, raw))
		return fallback
	}
	return value
}

func (r *envReader) boolean(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a boolean", key, raw))
		return fallback
	}
	return value
}
