package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	Port          string
	WebhookSecret string
	LogLevel      string
	LogFormat     string

	DBDriver    string // "sqlite" or "postgres"
	DatabaseURL string

	Timezone      string
	TimezoneLabel string // shown in summaries, e.g. "CT"
	BizStartHour  int
	BizEndHour    int
	BizDays       []time.Weekday

	SMSSLA             time.Duration // business time
	CallSLA            time.Duration
	EscalateAfter      time.Duration // business time since first inbound
	ExternalTimeout    time.Duration
	StaffIdentities    []string
	ManagerContactIDs  []string
	EscalationContacts []string
	VoicemailRoutes    []string

	InternalGrace   time.Duration
	AckMaxLength    int
	AckPrefixes     []string
	AckCloseoutMode string // "eod" or "hours"
	AckCloseout     time.Duration

	GHLBaseURL    string
	GHLToken      string
	GHLLocationID string
	GHLAPIVersion string
	GHLAppBaseURL string

	AdvisoryEnabled     bool
	AnthropicAPIKey     string
	AdvisoryModel       string
	AdvisoryThreshold   float64
	AdvisoryMaxCalls    int
	AdvisoryRunBudget   time.Duration
	AdvisoryCallTimeout time.Duration
	AdvisoryCacheTTL    time.Duration

	SummaryTitle    string
	SummaryMaxItems int
	SummaryMaxChars int

	PageSize   int
	SessionTTL time.Duration

	RabbitMQURL   string
	RabbitMQQueue string

	S3Enabled   bool
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool
	S3Prefix    string

	SchedulerEnabled bool
	VerifyInterval   time.Duration
	ResolveInterval  time.Duration
	EscalateInterval time.Duration
	SummarySlots     map[string]string // slot name -> "HH:MM" local time
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("No .env file found, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	days, err := parseWeekdays(getEnv("BIZ_DAYS", "mon,tue,wed,thu,fri"))
	if err != nil {
		return nil, err
	}
	slots, err := parseSlots(getEnv("SUMMARY_SLOTS", "morning=08:00,midday=11:00,afternoon=15:00"))
	if err != nil {
		return nil, err
	}

	managers := getEnvList("MANAGER_CONTACT_IDS", nil)
	cfg := &Config{
		Port:          getEnv("PORT", "8000"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		LogFormat:     os.Getenv("LOG_FORMAT"),

		DBDriver:    getEnv("DB_DRIVER", "sqlite"),
		DatabaseURL: getEnv("DATABASE_URL", "file:sentinel.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"),

		Timezone:      getEnv("TIMEZONE", "America/Chicago"),
		TimezoneLabel: getEnv("TIMEZONE_LABEL", "CT"),
		BizStartHour:  getEnvInt("BIZ_START_HOUR", 9),
		BizEndHour:    getEnvInt("BIZ_END_HOUR", 18),
		BizDays:       days,

		SMSSLA:             getEnvHours("SMS_SLA_HOURS", 2),
		CallSLA:            getEnvHours("CALL_SLA_HOURS", 2),
		EscalateAfter:      getEnvHours("ESCALATE_BUSINESS_HOURS", 24),
		ExternalTimeout:    getEnvDuration("EXTERNAL_TIMEOUT", 10*time.Second),
		StaffIdentities:    getEnvList("STAFF_USER_IDS", nil),
		ManagerContactIDs:  managers,
		EscalationContacts: getEnvList("ESCALATION_CONTACT_IDS", managers),
		VoicemailRoutes:    getEnvList("VOICEMAIL_ROUTES", []string{"tech_sentinel"}),

		InternalGrace:   getEnvHours("INTERNAL_GRACE_HOURS", 24),
		AckMaxLength:    getEnvInt("ACK_MAX_LENGTH", 12),
		AckPrefixes:     getEnvList("ACK_PREFIXES", nil),
		AckCloseoutMode: strings.ToLower(getEnv("ACK_CLOSEOUT_MODE", "eod")),
		AckCloseout:     getEnvHours("ACK_CLOSEOUT_HOURS", 4),

		GHLBaseURL:    getEnv("GHL_BASE_URL", "https://services.leadconnectorhq.com"),
		GHLToken:      os.Getenv("GHL_TOKEN"),
		GHLLocationID: os.Getenv("GHL_LOCATION_ID"),
		GHLAPIVersion: getEnv("GHL_API_VERSION", "2021-07-28"),
		GHLAppBaseURL: getEnv("GHL_APP_BASE_URL", "https://app.gohighlevel.com"),

		AdvisoryEnabled:     getEnvBool("ADVISORY_ENABLED", false),
		AnthropicAPIKey:     os.Getenv("ANTHROPIC_API_KEY"),
		AdvisoryModel:       getEnv("ADVISORY_MODEL", "claude-3-5-haiku-latest"),
		AdvisoryThreshold:   getEnvFloat("ADVISORY_THRESHOLD", 0.85),
		AdvisoryMaxCalls:    getEnvInt("ADVISORY_MAX_CALLS", 20),
		AdvisoryRunBudget:   getEnvDuration("ADVISORY_RUN_BUDGET", 60*time.Second),
		AdvisoryCallTimeout: getEnvDuration("ADVISORY_CALL_TIMEOUT", 15*time.Second),
		AdvisoryCacheTTL:    getEnvDuration("ADVISORY_CACHE_TTL", 6*time.Hour),

		SummaryTitle:    getEnv("SUMMARY_TITLE", "NTPP Sentinel"),
		SummaryMaxItems: getEnvInt("SUMMARY_MAX_ITEMS", 8),
		SummaryMaxChars: getEnvInt("SUMMARY_MAX_CHARS", 1450),

		PageSize:   getEnvInt("COMMAND_PAGE_SIZE", 5),
		SessionTTL: getEnvDuration("COMMAND_SESSION_TTL", 30*time.Minute),

		RabbitMQURL:   os.Getenv("RABBITMQ_URL"),
		RabbitMQQueue: getEnv("RABBITMQ_QUEUE", "sentinel_events"),

		S3Enabled:   getEnvBool("S3_ENABLED", false),
		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3PathStyle: getEnvBool("S3_PATH_STYLE", false),
		S3Prefix:    getEnv("S3_PREFIX", "raw-events"),

		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", false),
		VerifyInterval:   getEnvDuration("VERIFY_INTERVAL", 5*time.Minute),
		ResolveInterval:  getEnvDuration("RESOLVE_INTERVAL", 10*time.Minute),
		EscalateInterval: getEnvDuration("ESCALATE_INTERVAL", 15*time.Minute),
		SummarySlots:     slots,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info().
		Str("dbDriver", cfg.DBDriver).
		Str("timezone", cfg.Timezone).
		Int("staffIdentities", len(cfg.StaffIdentities)).
		Int("managers", len(cfg.ManagerContactIDs)).
		Bool("advisory", cfg.AdvisoryEnabled).
		Msg("Configuration loaded")
	return cfg, nil
}

// Validate fails fast on settings the engine cannot run safely without.
func (c *Config) Validate() error {
	var errs []error

	if len(c.StaffIdentities) == 0 {
		errs = append(errs, errors.New("STAFF_USER_IDS must list at least one staff identity"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err))
	}
	if c.BizStartHour < 0 || c.BizEndHour > 24 || c.BizStartHour >= c.BizEndHour {
		errs = append(errs, fmt.Errorf("business window %02d:00-%02d:00 is empty or out of range", c.BizStartHour, c.BizEndHour))
	}
	if len(c.BizDays) == 0 {
		errs = append(errs, errors.New("BIZ_DAYS must name at least one weekday"))
	}
	if c.SMSSLA <= 0 || c.CallSLA <= 0 {
		errs = append(errs, errors.New("SLA hours must be positive"))
	}
	if c.InternalGrace < 0 {
		errs = append(errs, errors.New("INTERNAL_GRACE_HOURS must not be negative"))
	}
	if c.AckCloseoutMode != "eod" && c.AckCloseoutMode != "hours" {
		errs = append(errs, fmt.Errorf("ACK_CLOSEOUT_MODE must be eod or hours, got %q", c.AckCloseoutMode))
	}
	if c.DBDriver != "sqlite" && c.DBDriver != "postgres" {
		errs = append(errs, fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver))
	}
	if c.AdvisoryEnabled {
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("ADVISORY_ENABLED requires ANTHROPIC_API_KEY"))
		}
		if c.AdvisoryThreshold <= 0 || c.AdvisoryThreshold > 1 {
			errs = append(errs, fmt.Errorf("ADVISORY_THRESHOLD must be in (0,1], got %v", c.AdvisoryThreshold))
		}
	}
	if c.S3Enabled && c.S3Bucket == "" {
		errs = append(errs, errors.New("S3_ENABLED requires S3_BUCKET"))
	}
	if c.PageSize <= 0 {
		errs = append(errs, errors.New("COMMAND_PAGE_SIZE must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	if len(c.ManagerContactIDs) == 0 {
		log.Warn().Msg("MANAGER_CONTACT_IDS is empty: summaries and alerts have no recipients")
	}
	if c.WebhookSecret == "" {
		log.Warn().Msg("WEBHOOK_SECRET is empty: webhook and job endpoints are unauthenticated")
	}
	return nil
}

// Location returns the configured business timezone. Validate has already checked it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Int("default", def).Msg("Invalid integer, using default")
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Float64("default", def).Msg("Invalid number, using default")
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Bool("default", def).Msg("Invalid boolean, using default")
		return def
	}
	return b
}

// getEnvHours reads a (possibly fractional) number of hours.
func getEnvHours(key string, def float64) time.Duration {
	return time.Duration(getEnvFloat(key, def) * float64(time.Hour))
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Dur("default", def).Msg("Invalid duration, using default")
		return def
	}
	return d
}

func getEnvList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return splitList(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseWeekdays(v string) ([]time.Weekday, error) {
	var days []time.Weekday
	for _, name := range splitList(strings.ToLower(v)) {
		if len(name) > 3 {
			name = name[:3]
		}
		d, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("BIZ_DAYS: unknown weekday %q", name)
		}
		days = append(days, d)
	}
	return days, nil
}

func parseSlots(v string) (map[string]string, error) {
	slots := make(map[string]string)
	for _, part := range splitList(v) {
		name, at, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("SUMMARY_SLOTS: expected name=HH:MM, got %q", part)
		}
		if _, err := time.Parse("15:04", strings.TrimSpace(at)); err != nil {
			return nil, fmt.Errorf("SUMMARY_SLOTS: slot %q: %w", name, err)
		}
		slots[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(at)
	}
	return slots, nil
}
