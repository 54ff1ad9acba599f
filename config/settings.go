package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// AuthorityEndpoint is one authority environment.
type AuthorityEndpoint struct {
	BaseURL  string `validate:"required,url"`
	TokenURL string `validate:"required,url"`
	ClientID string `validate:"required"`
}

// EngineSettings are the tunables of the submission and reconciliation engine.
type EngineSettings struct {
	Port        string `validate:"required,numeric"`
	StoreDriver string `validate:"oneof=mysql memory"`

	Sandbox    AuthorityEndpoint
	Production AuthorityEndpoint

	RequestTimeout       time.Duration `validate:"gte=1s"`
	TransportMaxAttempts int           `validate:"gte=1,lte=10"`
	RateLimitQPS         float64       `validate:"gt=0"`
	RateLimitBurst       int           `validate:"gte=1"`

	MaxSubmitAttempts int `validate:"gte=1"`

	SchedulerTick     time.Duration `validate:"gte=1s"`
	PollBatchSize     int           `validate:"gte=1"`
	PollBudget        time.Duration `validate:"gte=1s"`
	StaleSendingAfter time.Duration `validate:"gte=1m"`

	SweeperTick    time.Duration `validate:"gte=1s"`
	SweepBatchSize int           `validate:"gte=1"`
	SweepSpacing   time.Duration `validate:"gte=1s"`

	MonitorHistory int           `validate:"gte=100"`
	MonitorRetain  time.Duration `validate:"gte=1h"`

	GCSBucket string `validate:"required_if=StoreArtifactsInGCS true"`
	// StoreArtifactsInGCS mirrors the feature flag so validation can require a bucket.
	StoreArtifactsInGCS bool
}

var settingsValidator = validator.New()

// LoadEngineSettings reads CLEARANCE_* env vars over the defaults and validates the result.
func LoadEngineSettings() (EngineSettings, error) {
	s := EngineSettings{
		Port:        stringFromEnv("PORT", "8080"),
		StoreDriver: strings.ToLower(stringFromEnv("STORE_DRIVER", "mysql")),
		Sandbox: AuthorityEndpoint{
			BaseURL:  stringFromEnv("CLEARANCE_SANDBOX_API_URL", "https://api.comprobanteselectronicos.go.cr/recepcion-sandbox/v1"),
			TokenURL: stringFromEnv("CLEARANCE_SANDBOX_TOKEN_URL", "https://idp.comprobanteselectronicos.go.cr/auth/realms/rut-stag/protocol/openid-connect/token"),
			ClientID: stringFromEnv("CLEARANCE_SANDBOX_CLIENT_ID", "api-stag"),
		},
		Production: AuthorityEndpoint{
			BaseURL:  stringFromEnv("CLEARANCE_PRODUCTION_API_URL", "https://api.comprobanteselectronicos.go.cr/recepcion/v1"),
			TokenURL: stringFromEnv("CLEARANCE_PRODUCTION_TOKEN_URL", "https://idp.comprobanteselectronicos.go.cr/auth/realms/rut/protocol/openid-connect/token"),
			ClientID: stringFromEnv("CLEARANCE_PRODUCTION_CLIENT_ID", "api-prod"),
		},
		RequestTimeout:       durationFromEnv("CLEARANCE_REQUEST_TIMEOUT", 30*time.Second),
		TransportMaxAttempts: intFromEnv("CLEARANCE_TRANSPORT_MAX_ATTEMPTS", 3),
		RateLimitQPS:         floatFromEnv("CLEARANCE_RATE_LIMIT_QPS", 5),
		RateLimitBurst:       intFromEnv("CLEARANCE_RATE_LIMIT_BURST", 10),
		MaxSubmitAttempts:    intFromEnv("CLEARANCE_MAX_SUBMIT_ATTEMPTS", 3),
		SchedulerTick:        durationFromEnv("CLEARANCE_SCHEDULER_TICK", time.Minute),
		PollBatchSize:        intFromEnv("CLEARANCE_POLL_BATCH_SIZE", 50),
		PollBudget:           durationFromEnv("CLEARANCE_POLL_BUDGET", 10*time.Minute),
		StaleSendingAfter:    durationFromEnv("CLEARANCE_STALE_SENDING_AFTER", 30*time.Minute),
		SweeperTick:          durationFromEnv("CLEARANCE_SWEEPER_TICK", 2*time.Minute),
		SweepBatchSize:       intFromEnv("CLEARANCE_SWEEP_BATCH_SIZE", 20),
		SweepSpacing:         durationFromEnv("CLEARANCE_SWEEP_SPACING", 2*time.Second),
		MonitorHistory:       intFromEnv("CLEARANCE_MONITOR_HISTORY", 10000),
		MonitorRetain:        durationFromEnv("CLEARANCE_MONITOR_RETAIN", 7*24*time.Hour),
		GCSBucket:            os.Getenv("GCS_BUCKET"),
		StoreArtifactsInGCS:  StoreArtifactsInGCS(),
	}
	if err := settingsValidator.Struct(s); err != nil {
		return s, fmt.Errorf("invalid engine settings: %w", err)
	}
	return s, nil
}

// Endpoint returns the authority endpoint for an environment name; anything but production is sandbox.
func (s EngineSettings) Endpoint(environment string) AuthorityEndpoint {
	if strings.EqualFold(environment, "production") {
		return s.Production
	}
	return s.Sandbox
}

func stringFromEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// durationFromEnv accepts Go durations ("90s") or plain seconds ("90").
func durationFromEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func floatFromEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
