package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DBConnLifetime time.Duration `mapstructure:"DB_CONN_LIFETIME"`
	DBHealthCheck  time.Duration `mapstructure:"DB_HEALTH_CHECK_PERIOD"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AppKeys        []string      `mapstructure:"APP_KEYS"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	// Housekeeping alert channels. Each one is optional.
	MQTTBroker          string `mapstructure:"MQTT_BROKER"`
	MQTTClientID        string `mapstructure:"MQTT_CLIENT_ID"`
	MQTTUsername        string `mapstructure:"MQTT_USERNAME"`
	MQTTPassword        string `mapstructure:"MQTT_PASSWORD"`
	FirebaseCredentials string `mapstructure:"FIREBASE_CREDENTIALS_FILE"`
	EVSWebhookURL       string `mapstructure:"EVS_WEBHOOK_URL"`
	EVSWebhookToken     string `mapstructure:"EVS_WEBHOOK_TOKEN"`
	MQTTTopic           string `mapstructure:"MQTT_TOPIC"`
	FCMTopicPrefix      string `mapstructure:"FCM_TOPIC_PREFIX"`

	IsolationCacheTTL  time.Duration `mapstructure:"ISOLATION_CACHE_TTL"`
	DischargeByDefault bool          `mapstructure:"FEATURE_DISCHARGE_PREDICTION"`

	Engine EngineConfig `mapstructure:",squash"`
}

// EngineConfig carries the tunable weights and thresholds of the bed scorer,
// the cleaning tracker and the discharge predictor.
type EngineConfig struct {
	BedScoreBase             float64 `mapstructure:"BED_SCORE_BASE"`
	BedScoreIsolationMatch   float64 `mapstructure:"BED_SCORE_ISOLATION_MATCH"`
	BedScoreIsolationExact   float64 `mapstructure:"BED_SCORE_ISOLATION_EXACT"`
	BedScoreIsolationReserve float64 `mapstructure:"BED_SCORE_ISOLATION_RESERVE_PENALTY"`
	BedScoreTelemetry        float64 `mapstructure:"BED_SCORE_TELEMETRY"`
	BedScoreOxygen           float64 `mapstructure:"BED_SCORE_OXYGEN"`
	BedScoreProximity        float64 `mapstructure:"BED_SCORE_PROXIMITY"`
	BedScorePreferredUnit    float64 `mapstructure:"BED_SCORE_PREFERRED_UNIT"`
	BedScoreUnusedCapability float64 `mapstructure:"BED_SCORE_UNUSED_CAPABILITY_PENALTY"`
	CleaningTargetMinutes    int     `mapstructure:"CLEANING_TARGET_MINUTES"`
	CleaningOverdueCap       float64 `mapstructure:"CLEANING_OVERDUE_CAP"`
	TurnoverTargetMinutes    int     `mapstructure:"TURNOVER_TARGET_MINUTES"`
	DischargeMedicalWeight   float64 `mapstructure:"DISCHARGE_MEDICAL_WEIGHT"`
	DischargeSocialWeight    float64 `mapstructure:"DISCHARGE_SOCIAL_WEIGHT"`
	DischargeHorizonHours    float64 `mapstructure:"DISCHARGE_HORIZON_HOURS"`
	DischargeDelayFactor     float64 `mapstructure:"DISCHARGE_DELAY_FACTOR"`
	DischargeReadyMinScore   float64 `mapstructure:"DISCHARGE_READY_MIN_SCORE"`
}

var defaults = map[string]interface{}{
	"PORT":                                "8000",
	"ENV":                                 "development",
	"DB_MAX_CONNS":                        20,
	"DB_MIN_CONNS":                        5,
	"DB_CONN_LIFETIME":                    "1h",
	"DB_HEALTH_CHECK_PERIOD":              "30s",
	"MIGRATIONS_DIR":                      "./migrations",
	"DEFAULT_TENANT":                      "default",
	"CORS_ORIGINS":                        "http://localhost:3000",
	"RATE_LIMIT_RPS":                      100,
	"RATE_LIMIT_BURST":                    200,
	"REQUEST_TIMEOUT":                     "30s",
	"MQTT_CLIENT_ID":                      "hms-server",
	"MQTT_TOPIC":                          "hms/{tenant}/housekeeping/{unit}",
	"FCM_TOPIC_PREFIX":                    "housekeeping",
	"ISOLATION_CACHE_TTL":                 "15m",
	"FEATURE_DISCHARGE_PREDICTION":        true,
	"BED_SCORE_BASE":                      50,
	"BED_SCORE_ISOLATION_MATCH":           20,
	"BED_SCORE_ISOLATION_EXACT":           5,
	"BED_SCORE_ISOLATION_RESERVE_PENALTY": 15,
	"BED_SCORE_TELEMETRY":                 10,
	"BED_SCORE_OXYGEN":                    10,
	"BED_SCORE_PROXIMITY":                 10,
	"BED_SCORE_PREFERRED_UNIT":            8,
	"BED_SCORE_UNUSED_CAPABILITY_PENALTY": 2,
	"CLEANING_TARGET_MINUTES":             45,
	"CLEANING_OVERDUE_CAP":                50,
	"TURNOVER_TARGET_MINUTES":             60,
	"DISCHARGE_MEDICAL_WEIGHT":            0.6,
	"DISCHARGE_SOCIAL_WEIGHT":             0.4,
	"DISCHARGE_HORIZON_HOURS":             48,
	"DISCHARGE_DELAY_FACTOR":              1.0,
	"DISCHARGE_READY_MIN_SCORE":           70,
}

var envKeys = []string{
	"DATABASE_URL", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "APP_KEYS",
	"MQTT_BROKER", "MQTT_USERNAME", "MQTT_PASSWORD",
	"FIREBASE_CREDENTIALS_FILE", "EVS_WEBHOOK_URL", "EVS_WEBHOOK_TOKEN",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Bind env vars explicitly so Unmarshal picks them up
	for key, val := range defaults {
		v.SetDefault(key, val)
		v.BindEnv(key)
	}
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if len(cfg.AppKeys) <= 1 {
		if keys := v.GetString("APP_KEYS"); keys != "" {
			cfg.AppKeys = strings.Split(keys, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active: requests without a token get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a token verifier (issuer, JWKS URL or signing key) and at least one app key
// must be configured, and the discharge weights must sum to 1.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf(
				"one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
		}
		if len(c.AppKeys) == 0 {
			return fmt.Errorf("APP_KEYS is required when ENV=%q", c.Env)
		}
	}
	for _, entry := range c.AppKeys {
		if parts := strings.SplitN(entry, ":", 2); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("APP_KEYS entry %q must be app_id:sha256hex", entry)
		}
	}

	e := c.Engine
	if sum := e.DischargeMedicalWeight + e.DischargeSocialWeight; sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("DISCHARGE_MEDICAL_WEIGHT + DISCHARGE_SOCIAL_WEIGHT must equal 1, got %.3f", sum)
	}
	if e.CleaningTargetMinutes <= 0 || e.TurnoverTargetMinutes <= 0 {
		return fmt.Errorf("CLEANING_TARGET_MINUTES and TURNOVER_TARGET_MINUTES must be positive")
	}
	if e.DischargeReadyMinScore < 0 || e.DischargeReadyMinScore > 100 {
		return fmt.Errorf("DISCHARGE_READY_MIN_SCORE must be within [0,100], got %.1f", e.DischargeReadyMinScore)
	}
	if c.MQTTBroker != "" && c.MQTTClientID == "" {
		return fmt.Errorf("MQTT_CLIENT_ID is required when MQTT_BROKER is set")
	}
	return nil
}
