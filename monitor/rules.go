package monitor

import (
	"time"

	"github.com/mmdatafocus/clearance_backend/classify"
)

type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

// Rule trips when at least Threshold matching errors fall inside Window.
// Exactly one of Code or Category is set.
type Rule struct {
	ID        string        `json:"id"`
	Code      string        `json:"code,omitempty"`
	Category  string        `json:"category,omitempty"`
	Threshold int           `json:"threshold"`
	Window    time.Duration `json:"window"`
	Level     AlertLevel    `json:"level"`
	Message   string        `json:"message"`
}

func (r Rule) matches(e ErrorEvent) bool {
	if r.Code != "" {
		return e.Code == r.Code
	}
	return e.Category == r.Category
}

func codeRule(code string, threshold int, window time.Duration, level AlertLevel, message string) Rule {
	return Rule{ID: "code:" + code, Code: code, Threshold: threshold, Window: window, Level: level, Message: message}
}

func categoryRule(category string, threshold int, window time.Duration, level AlertLevel, message string) Rule {
	return Rule{ID: "category:" + category, Category: category, Threshold: threshold, Window: window, Level: level, Message: message}
}

// DefaultRules is the production rule set.
func DefaultRules() []Rule {
	return []Rule{
		codeRule(classify.CodeCertificate, 1, time.Minute, AlertCritical, "Certificate error detected, immediate attention required"),
		codeRule(classify.CodeAuthentication, 3, 5*time.Minute, AlertCritical, "Authority authentication failures, check credentials"),
		codeRule(classify.CodeDatabase, 5, 5*time.Minute, AlertCritical, "Database connection issues detected"),
		codeRule(classify.CodeRemoteService, 10, 15*time.Minute, AlertError, "High rate of authority API errors"),
		codeRule(classify.CodeValidation, 50, 15*time.Minute, AlertWarning, "High rate of validation errors, check data quality"),
		codeRule(classify.CodeBusinessRule, 25, 15*time.Minute, AlertWarning, "High rate of business rule violations"),
		codeRule(classify.CodeInternal, 20, 15*time.Minute, AlertError, "High rate of internal errors"),
		codeRule(classify.CodeRateLimit, 100, time.Hour, AlertWarning, "High rate of rate limit responses"),
		codeRule(classify.CodeNetwork, 15, 10*time.Minute, AlertError, "Network connectivity issues detected"),
		codeRule(classify.CodeCache, 30, 15*time.Minute, AlertWarning, "Cache system issues detected"),

		categoryRule(string(classify.Validation), 100, time.Hour, AlertWarning, "Validation failures across all codes are high"),
		categoryRule(string(classify.RemoteService), 50, 30*time.Minute, AlertError, "Authority service failures across all codes are high"),
		categoryRule(string(classify.System), 30, 15*time.Minute, AlertError, "System failures across all codes are high"),
		categoryRule("certificate", 5, 5*time.Minute, AlertCritical, "Repeated certificate failures"),
	}
}

// Windows accepted by GetErrorRates.
var Windows = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
}

var windowOrder = []string{"1m", "5m", "15m", "1h", "24h"}
