package classifier

import "github.com/ccbridge/control-plane/internal/bridgeerr"

// DefaultPatterns returns the built-in rule table covering the common
// bridge, network, filesystem, resource, and validation failure kinds.
// Deployments may append to this set via Classifier.Register; this table
// is deliberately small and readable rather than exhaustive — rules live
// in a data table, not a type hierarchy.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name: "rate_limited",
			Matchers: []Matcher{
				{MessageSubstring: "rate limit", Weight: 1},
				{MessageSubstring: "429", Weight: 0.5},
				{MetadataKey: "retry_after", Weight: 1},
			},
			Category:    bridgeerr.CategoryChat,
			Severity:    bridgeerr.SeverityLow,
			Retryable:   true,
			Strategy:    bridgeerr.StrategyRetry,
			MaxAttempts: 5,
		},
		{
			Name: "connection_refused",
			Matchers: []Matcher{
				{MessageSubstring: "connection refused", Weight: 1},
				{MessageSubstring: "dial tcp", Weight: 0.5},
			},
			Category:    bridgeerr.CategoryNetwork,
			Severity:    bridgeerr.SeverityMedium,
			Retryable:   true,
			Strategy:    bridgeerr.StrategyCircuitBreaker,
			MaxAttempts: 3,
		},
		{
			Name: "remote_5xx",
			Matchers: []Matcher{
				{MessageRegexp: `5\d\d`, Weight: 1},
				{MessageSubstring: "internal server error", Weight: 0.5},
			},
			Category:    bridgeerr.CategoryChat,
			Severity:    bridgeerr.SeverityMedium,
			Retryable:   true,
			Strategy:    bridgeerr.StrategyRetry,
			MaxAttempts: 3,
		},
		{
			Name: "bridge_not_running",
			Matchers: []Matcher{
				{MessageSubstring: "bridge not running", Weight: 1},
				{ContextField: "component", ContextValue: "bridge", Weight: 0.25},
			},
			Category:    bridgeerr.CategoryBridge,
			Severity:    bridgeerr.SeverityHigh,
			Retryable:   true,
			Strategy:    bridgeerr.StrategyRestart,
			MaxAttempts: 3,
		},
		{
			Name: "bridge_health_failed",
			Matchers: []Matcher{
				{MessageSubstring: "health check failed", Weight: 1},
				{MessageSubstring: "startup timeout", Weight: 1},
			},
			Category:    bridgeerr.CategoryBridge,
			Severity:    bridgeerr.SeverityHigh,
			Retryable:   true,
			Strategy:    bridgeerr.StrategyRestart,
			MaxAttempts: 2,
		},
		{
			Name: "filesystem_permission",
			Matchers: []Matcher{
				{MessageSubstring: "permission denied", Weight: 1},
			},
			Category:  bridgeerr.CategoryFilesystem,
			Severity:  bridgeerr.SeverityHigh,
			Retryable: false,
			Strategy:  bridgeerr.StrategyManual,
		},
		{
			Name: "filesystem_missing",
			Matchers: []Matcher{
				{MessageSubstring: "no such file or directory", Weight: 1},
				{MessageSubstring: "not found", Weight: 0.25},
			},
			Category:  bridgeerr.CategoryFilesystem,
			Severity:  bridgeerr.SeverityMedium,
			Retryable: false,
			Strategy:  bridgeerr.StrategyFallback,
		},
		{
			Name: "filesystem_space",
			Matchers: []Matcher{
				{MessageSubstring: "no space left on device", Weight: 1},
			},
			Category:  bridgeerr.CategoryResource,
			Severity:  bridgeerr.SeverityCritical,
			Retryable: false,
			Strategy:  bridgeerr.StrategyEscalate,
		},
		{
			Name: "resource_exhausted",
			Matchers: []Matcher{
				{MessageSubstring: "too many open files", Weight: 1},
				{MessageSubstring: "out of memory", Weight: 1},
			},
			Category:    bridgeerr.CategoryResource,
			Severity:    bridgeerr.SeverityCritical,
			Retryable:   true,
			Strategy:    bridgeerr.StrategyGracefulDegradation,
			MaxAttempts: 1,
		},
		{
			Name: "integrity_mismatch",
			Matchers: []Matcher{
				{MessageSubstring: "checksum mismatch", Weight: 1},
			},
			Category:  bridgeerr.CategoryFilesystem,
			Severity:  bridgeerr.SeverityHigh,
			Retryable: false,
			Strategy:  bridgeerr.StrategyManual,
		},
		{
			Name: "validation_failed",
			Matchers: []Matcher{
				{ContextField: "operation", ContextValue: "validate", Weight: 1},
				{MessageSubstring: "validation", Weight: 0.5},
			},
			Category:  bridgeerr.CategoryValidation,
			Severity:  bridgeerr.SeverityLow,
			Retryable: false,
			Strategy:  bridgeerr.StrategyManual,
		},
		{
			Name: "security_policy",
			Matchers: []Matcher{
				{MessageSubstring: "unauthorized", Weight: 1},
				{MessageSubstring: "invalid api key", Weight: 1},
			},
			Category:  bridgeerr.CategorySecurity,
			Severity:  bridgeerr.SeverityHigh,
			Retryable: false,
			Strategy:  bridgeerr.StrategyEscalate,
		},
		{
			Name: "configuration_invalid",
			Matchers: []Matcher{
				{MessageSubstring: "config", Weight: 0.5},
				{MessageSubstring: "unknown exporter", Weight: 1},
			},
			Category:  bridgeerr.CategoryConfiguration,
			Severity:  bridgeerr.SeverityHigh,
			Retryable: false,
			Strategy:  bridgeerr.StrategyManual,
		},
		{
			Name: "timeout",
			Matchers: []Matcher{
				{MessageSubstring: "deadline exceeded", Weight: 1},
				{MessageSubstring: "timed out", Weight: 1},
			},
			Category:    bridgeerr.CategoryNetwork,
			Severity:    bridgeerr.SeverityMedium,
			Retryable:   true,
			Strategy:    bridgeerr.StrategyRetry,
			MaxAttempts: 3,
		},
	}
}
