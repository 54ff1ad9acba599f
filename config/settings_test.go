package config

import (
	"testing"
	"time"
)

func TestLoadEngineSettingsDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	s, err := LoadEngineSettings()
	if err != nil {
		t.Fatalf("LoadEngineSettings: %v", err)
	}
	if s.RequestTimeout != 30*time.Second {
		t.Fatalf("request timeout = %s, want 30s", s.RequestTimeout)
	}
	if s.MaxSubmitAttempts != 3 || s.PollBatchSize != 50 || s.SweepBatchSize != 20 {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if s.PollBudget != 10*time.Minute || s.StaleSendingAfter != 30*time.Minute {
		t.Fatalf("unexpected sweep defaults: %+v", s)
	}
	if s.Endpoint("production").ClientID != "api-prod" || s.Endpoint("sandbox").ClientID != "api-stag" {
		t.Fatalf("unexpected endpoints: %+v", s)
	}
}

func TestLoadEngineSettingsRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"STORE_DRIVER":              "postgres",
		"CLEARANCE_SWEEP_SPACING":   "500ms",
		"CLEARANCE_SANDBOX_API_URL": "not a url",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("STORE_DRIVER", "memory")
			t.Setenv(key, value)
			if _, err := LoadEngineSettings(); err == nil {
				t.Fatalf("expected %s=%q to be rejected", key, value)
			}
		})
	}
}

func TestLoadEngineSettingsRequiresBucketForGCS(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("CLEARANCE_STORE_ARTIFACTS_IN_GCS", "true")
	t.Setenv("GCS_BUCKET", "")
	if _, err := LoadEngineSettings(); err == nil {
		t.Fatal("expected missing bucket to be rejected")
	}
	t.Setenv("GCS_BUCKET", "clearance-artifacts")
	if _, err := LoadEngineSettings(); err != nil {
		t.Fatalf("LoadEngineSettings: %v", err)
	}
}

func TestDurationFromEnv(t *testing.T) {
	t.Setenv("X_DURATION", "90")
	if got := durationFromEnv("X_DURATION", time.Second); got != 90*time.Second {
		t.Fatalf("plain seconds = %s", got)
	}
	t.Setenv("X_DURATION", "2m")
	if got := durationFromEnv("X_DURATION", time.Second); got != 2*time.Minute {
		t.Fatalf("duration string = %s", got)
	}
	t.Setenv("X_DURATION", "soon")
	if got := durationFromEnv("X_DURATION", time.Second); got != time.Second {
		t.Fatalf("fallback = %s", got)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("X_FLAG", "")
	if !envBool("X_FLAG", true) || envBool("X_FLAG", false) {
		t.Fatal("empty value should use default")
	}
	t.Setenv("X_FLAG", "Yes")
	if !envBool("X_FLAG", false) {
		t.Fatal("yes should be true")
	}
	t.Setenv("X_FLAG", "off")
	if envBool("X_FLAG", true) {
		t.Fatal("off should be false")
	}
}

func TestBackoffForIsCapped(t *testing.T) {
	if got := backoffFor(1); got != 2*time.Second {
		t.Fatalf("attempt 1 = %s", got)
	}
	if got := backoffFor(12); got != 30*time.Second {
		t.Fatalf("attempt 12 = %s", got)
	}
}
