package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	DBDriver    string `validate:"oneof=pgx sqlite3"`
	DatabaseURL string `validate:"required"`

	NATSURL           string
	NATSSubjectPrefix string `validate:"required"`
	LogNATSSubjects   bool

	HTTPAddr    string `validate:"required"`
	MetricsAddr string

	Location *time.Location `validate:"required"`

	StaleAfter       time.Duration `validate:"gt=0"`
	DelayThreshold   time.Duration `validate:"gte=0"`
	TrustDeviceClock bool

	// DeviceKeys maps driver id to the shared key its device presents.
	DeviceKeys map[string]string
	AdminKeys  []string

	ViewerRatePerSec float64 `validate:"gt=0"`
	ViewerBurst      int     `validate:"gte=1"`

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.DBDriver = strings.ToLower(getenvDefault("DB_DRIVER", "pgx"))
	switch cfg.DBDriver {
	case "sqlite3", "sqlite":
		cfg.DBDriver = "sqlite3"
		cfg.DatabaseURL = getenvDefault("SQLITE_PATH", "bustrack.db")
	default:
		dsn, err := postgresDSN()
		if err != nil {
			return nil, err
		}
		cfg.DatabaseURL = dsn
	}

	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "bustrack")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	sec, err := intEnv("STALE_AFTER_SEC", 120)
	if err != nil {
		return nil, err
	}
	cfg.StaleAfter = time.Duration(sec) * time.Second

	min, err := intEnv("DELAY_THRESHOLD_MIN", 10)
	if err != nil {
		return nil, err
	}
	cfg.DelayThreshold = time.Duration(min) * time.Minute

	cfg.TrustDeviceClock = true
	if v := os.Getenv("TRUST_DEVICE_CLOCK"); v != "" {
		cfg.TrustDeviceClock = parseBool(v)
	}

	keys, err := ParseDeviceKeys(os.Getenv("DEVICE_KEYS"))
	if err != nil {
		return nil, err
	}
	cfg.DeviceKeys = keys
	cfg.AdminKeys = splitList(os.Getenv("ADMIN_KEYS"))

	cfg.ViewerRatePerSec = 5
	if v := os.Getenv("VIEWER_RATE_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid VIEWER_RATE_PER_SEC: %q", v)
		}
		cfg.ViewerRatePerSec = f
	}
	burst, err := intEnv("VIEWER_BURST", 10)
	if err != nil {
		return nil, err
	}
	cfg.ViewerBurst = burst

	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", "info"))
	cfg.LogFormat = strings.ToLower(getenvDefault("LOG_FORMAT", "text"))

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// postgresDSN prefers DATABASE_URL / PG_DSN, else builds a URL from PG* vars.
func postgresDSN() (string, error) {
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn != "" {
		return dsn, nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set (or DB_DRIVER=sqlite3)")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

// ParseDeviceKeys parses "driver:key,driver2:key2".
func ParseDeviceKeys(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(s) {
		driver, key, ok := strings.Cut(pair, ":")
		driver = strings.TrimSpace(driver)
		key = strings.TrimSpace(key)
		if !ok || driver == "" || key == "" {
			return nil, fmt.Errorf("invalid DEVICE_KEYS entry: %q", pair)
		}
		out[driver] = key
	}
	return out, nil
}

func intEnv(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
