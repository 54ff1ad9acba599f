package config

import (
	"os"
	"strings"
)

// RetryJitterEnabled spreads next-eligible times by ±10% so a burst of failures
// does not come back as a burst of retries.
//
// Set via env:
// - CLEARANCE_RETRY_JITTER=true
func RetryJitterEnabled() bool {
	return envBool("CLEARANCE_RETRY_JITTER", false)
}

// MonitoringEnabled toggles error recording at startup. CLEARANCE_MONITORING_ENABLED, default on.
func MonitoringEnabled() bool {
	return envBool("CLEARANCE_MONITORING_ENABLED", true)
}

// SchedulerEnabled starts the status reconciliation loop in this process.
// Disable on replicas that should only serve HTTP. CLEARANCE_SCHEDULER_ENABLED, default on.
func SchedulerEnabled() bool {
	return envBool("CLEARANCE_SCHEDULER_ENABLED", true)
}

// SweeperEnabled starts the auto-resubmission loop. CLEARANCE_SWEEPER_ENABLED, default on.
func SweeperEnabled() bool {
	return envBool("CLEARANCE_SWEEPER_ENABLED", true)
}

// StoreArtifactsInGCS moves response artifacts out of the documents table.
//
// Set via env:
// - CLEARANCE_STORE_ARTIFACTS_IN_GCS=true (requires GCS_BUCKET)
func StoreArtifactsInGCS() bool {
	return envBool("CLEARANCE_STORE_ARTIFACTS_IN_GCS", false)
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return def
}
