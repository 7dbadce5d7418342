package classifier

import (
	"errors"
	"testing"

	"github.com/ccbridge/control-plane/internal/bridgeerr"
)

func TestClassify_MatchesHighestScoringPattern(t *testing.T) {
	c := New(DefaultPatterns()...)

	result, confidence := c.Classify(errors.New("dial tcp: connection refused"), bridgeerr.Context{Component: "chat"})

	if result.Category != bridgeerr.CategoryNetwork {
		t.Errorf("Category = %v, want network", result.Category)
	}
	if result.Strategy != bridgeerr.StrategyCircuitBreaker {
		t.Errorf("Strategy = %v, want circuit_breaker", result.Strategy)
	}
	if confidence <= 0 {
		t.Errorf("confidence = %v, want > 0", confidence)
	}
}

func TestClassify_FallsBackToDefaultWhenNoMatch(t *testing.T) {
	c := New(DefaultPatterns()...)

	result, confidence := c.Classify(errors.New("something entirely unrecognized"), bridgeerr.Context{})

	if result.Category != bridgeerr.CategoryUnknown {
		t.Errorf("Category = %v, want unknown", result.Category)
	}
	if confidence != 0.5 {
		t.Errorf("confidence = %v, want 0.5", confidence)
	}
}

func TestClassify_NeverProducesInvalidTaxonomy(t *testing.T) {
	c := New(DefaultPatterns()...)

	result, _ := c.Classify(errors.New("permission denied"), bridgeerr.Context{})

	if err := result.Validate(); err != nil {
		t.Errorf("classifier produced an invalid error record: %v", err)
	}
}

func TestAdjustSeverity_LowersAfterHighFrequency(t *testing.T) {
	c := New(Pattern{
		Name:      "flaky",
		Matchers:  []Matcher{{MessageSubstring: "flaky", Weight: 1}},
		Category:  bridgeerr.CategoryNetwork,
		Severity:  bridgeerr.SeverityCritical,
		Retryable: true,
		Strategy:  bridgeerr.StrategyRetry,
	})

	var last *bridgeerr.Error
	for i := 0; i < 105; i++ {
		last, _ = c.Classify(errors.New("flaky connection"), bridgeerr.Context{})
	}

	if last.Severity != bridgeerr.SeverityHigh {
		t.Errorf("Severity after 105 fires = %v, want high (one level down from critical)", last.Severity)
	}
}

func TestRecordOutcome_SmoothsSuccessRate(t *testing.T) {
	stats := newStats()
	stats.RecordOutcome(bridgeerr.StrategyRetry, true)
	stats.RecordOutcome(bridgeerr.StrategyRetry, true)
	stats.RecordOutcome(bridgeerr.StrategyRetry, false)

	rate, ok := stats.StrategySuccessRate(bridgeerr.StrategyRetry)
	if !ok {
		t.Fatal("expected a recorded rate")
	}
	if rate <= 0 || rate >= 1 {
		t.Errorf("rate = %v, want strictly between 0 and 1 after mixed outcomes", rate)
	}
}
