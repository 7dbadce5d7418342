// Package classifier turns raw errors into bridgeerr.Error values using a
// weighted pattern table. Rules are data, not subclasses: adding a new
// failure mode means appending a Pattern, never writing a new error type.
package classifier

import (
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ccbridge/control-plane/internal/bridgeerr"
)

// Matcher is one weighted condition a Pattern checks against an error and
// its context. Exactly one of the string fields should be set; Classify
// sums the weights of every matcher that matches.
type Matcher struct {
	// Code matches Context.Metadata["code"] or an *bridgeerr.Error's Code
	// exactly.
	Code string
	// MessageSubstring matches a case-insensitive substring of err.Error().
	MessageSubstring string
	// MessageRegexp matches err.Error() against a compiled regexp.
	MessageRegexp string
	// MetadataKey requires this key to be present (non-empty) in
	// Context.Metadata.
	MetadataKey string
	// ContextField matches a literal value of a known context field
	// ("operation" or "component").
	ContextField string
	ContextValue string

	Weight float64

	compiled *regexp.Regexp
}

// Pattern is one entry in the classifier's rule table.
type Pattern struct {
	Name        string
	Matchers    []Matcher
	Category    bridgeerr.Category
	Severity    bridgeerr.Severity
	Retryable   bool
	Strategy    bridgeerr.Strategy
	MaxAttempts int
}

// Stats aggregates classifier telemetry: totals by category/severity/
// pattern, hourly trend buckets over a rolling 7-day window, and a
// per-strategy exponentially smoothed success rate.
type Stats struct {
	mu              sync.Mutex
	byCategory      map[bridgeerr.Category]int
	bySeverity      map[bridgeerr.Severity]int
	byPattern       map[string]int
	hourlyTrend     map[int64]int // unix hour bucket -> count
	strategySuccess map[bridgeerr.Strategy]float64
	alpha           float64
}

func newStats() *Stats {
	return &Stats{
		byCategory:      make(map[bridgeerr.Category]int),
		bySeverity:      make(map[bridgeerr.Severity]int),
		byPattern:       make(map[string]int),
		hourlyTrend:     make(map[int64]int),
		strategySuccess: make(map[bridgeerr.Strategy]float64),
		alpha:           0.2,
	}
}

func (s *Stats) recordClassification(patternName string, category bridgeerr.Category, severity bridgeerr.Severity, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byCategory[category]++
	s.bySeverity[severity]++
	if patternName != "" {
		s.byPattern[patternName]++
	}

	bucket := now.Truncate(time.Hour).Unix()
	s.hourlyTrend[bucket]++
	s.pruneTrendLocked(now)
}

// pruneTrendLocked drops hourly buckets older than 7 days. Callers must
// hold s.mu.
func (s *Stats) pruneTrendLocked(now time.Time) {
	cutoff := now.Add(-7 * 24 * time.Hour).Truncate(time.Hour).Unix()
	for bucket := range s.hourlyTrend {
		if bucket < cutoff {
			delete(s.hourlyTrend, bucket)
		}
	}
}

// RecordOutcome updates the exponentially smoothed success rate for a
// strategy after the recovery orchestrator attempts it.
func (s *Stats) RecordOutcome(strategy bridgeerr.Strategy, succeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sample float64
	if succeeded {
		sample = 1
	}

	current, ok := s.strategySuccess[strategy]
	if !ok {
		s.strategySuccess[strategy] = sample
		return
	}
	s.strategySuccess[strategy] = s.alpha*sample + (1-s.alpha)*current
}

// StrategySuccessRate returns the current smoothed success rate, or
// (0, false) if the strategy has never recorded an outcome.
func (s *Stats) StrategySuccessRate(strategy bridgeerr.Strategy) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rate, ok := s.strategySuccess[strategy]
	return rate, ok
}

// PatternCount returns how many times a named pattern has fired.
func (s *Stats) PatternCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byPattern[name]
}

// Classifier holds the rule table and derives bridgeerr.Error values from
// raw errors.
type Classifier struct {
	mu       sync.RWMutex
	patterns []Pattern
	stats    *Stats
}

// New creates a Classifier with the given initial rule table.
func New(patterns ...Pattern) *Classifier {
	for i := range patterns {
		for j := range patterns[i].Matchers {
			if patterns[i].Matchers[j].MessageRegexp != "" {
				if re, err := regexp.Compile(patterns[i].Matchers[j].MessageRegexp); err == nil {
					patterns[i].Matchers[j].compiled = re
				}
			}
		}
	}
	return &Classifier{
		patterns: patterns,
		stats:    newStats(),
	}
}

// Register appends a pattern to the rule table at runtime.
func (c *Classifier) Register(p Pattern) {
	for i := range p.Matchers {
		if p.Matchers[i].MessageRegexp != "" {
			if re, err := regexp.Compile(p.Matchers[i].MessageRegexp); err == nil {
				p.Matchers[i].compiled = re
			}
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patterns = append(c.patterns, p)
}

// Stats returns the classifier's running statistics.
func (c *Classifier) Stats() *Stats {
	return c.stats
}

// Classify scores every pattern against err+ctx and adopts the
// highest-scoring pattern's fields. A score of zero for every pattern
// falls back to synthesizing defaults from the error's own declared
// fields at confidence 0.5.
func (c *Classifier) Classify(err error, ctx bridgeerr.Context) (*bridgeerr.Error, float64) {
	now := time.Now()

	c.mu.RLock()
	patterns := make([]Pattern, len(c.patterns))
	copy(patterns, c.patterns)
	c.mu.RUnlock()

	var best *Pattern
	var bestScore float64

	for i := range patterns {
		score := scorePattern(patterns[i], err, ctx)
		if score > bestScore {
			bestScore = score
			best = &patterns[i]
		}
	}

	if best == nil || bestScore <= 0 {
		result := synthesizeDefault(err, ctx)
		c.stats.recordClassification("", result.Category, result.Severity, now)
		return result, 0.5
	}

	severity := c.adjustSeverity(best.Name, best.Severity)

	result := bridgeerr.New(best.Name, best.Category, severity, best.Retryable, best.Strategy, err)
	result.MaxAttempts = best.MaxAttempts
	result.Context = ctx

	c.stats.recordClassification(best.Name, best.Category, severity, now)
	return result, bestScore
}

// adjustSeverity applies frequency-based auto-adjustment from the
// pattern's fire count since the classifier was created (the count does
// not expire): more than 100 earlier fires drops severity one level;
// fewer than 5 with a medium base raises it to high.
func (c *Classifier) adjustSeverity(patternName string, base bridgeerr.Severity) bridgeerr.Severity {
	count := c.stats.PatternCount(patternName)

	if count > 100 {
		return lowerSeverity(base)
	}
	if count < 5 && base == bridgeerr.SeverityMedium {
		return bridgeerr.SeverityHigh
	}
	return base
}

func lowerSeverity(s bridgeerr.Severity) bridgeerr.Severity {
	switch s {
	case bridgeerr.SeverityCritical:
		return bridgeerr.SeverityHigh
	case bridgeerr.SeverityHigh:
		return bridgeerr.SeverityMedium
	case bridgeerr.SeverityMedium:
		return bridgeerr.SeverityLow
	default:
		return s
	}
}

func scorePattern(p Pattern, err error, ctx bridgeerr.Context) float64 {
	if err == nil {
		return 0
	}
	msg := err.Error()
	lowerMsg := strings.ToLower(msg)

	var score float64
	for _, m := range p.Matchers {
		switch {
		case m.Code != "":
			code, _ := ctx.Metadata["code"].(string)
			var declared *bridgeerr.Error
			if code != m.Code && errors.As(err, &declared) {
				code = declared.Code
			}
			if code == m.Code {
				score += m.Weight
			}
		case m.MessageSubstring != "":
			if strings.Contains(lowerMsg, strings.ToLower(m.MessageSubstring)) {
				score += m.Weight
			}
		case m.MessageRegexp != "":
			if m.compiled != nil && m.compiled.MatchString(msg) {
				score += m.Weight
			}
		case m.MetadataKey != "":
			if v, ok := ctx.Metadata[m.MetadataKey]; ok && v != nil {
				score += m.Weight
			}
		case m.ContextField != "":
			var field string
			switch m.ContextField {
			case "operation":
				field = ctx.Operation
			case "component":
				field = ctx.Component
			}
			if field == m.ContextValue {
				score += m.Weight
			}
		}
	}
	return score
}

// synthesizeDefault builds the Error used when no pattern matches. An err
// that is or wraps a *bridgeerr.Error keeps its own declared code,
// category, severity, retryability, strategy and max attempts. Any other
// error gets conservative defaults: unknown category, medium severity,
// retryable (the safer default, since non-retryable is a stronger claim
// the classifier has no basis for).
func synthesizeDefault(err error, ctx bridgeerr.Context) *bridgeerr.Error {
	var declared *bridgeerr.Error
	if errors.As(err, &declared) {
		result := bridgeerr.New(declared.Code, declared.Category, declared.Severity, declared.Retryable, declared.Strategy, err)
		result.MaxAttempts = declared.MaxAttempts
		result.Context = ctx
		return result
	}
	result :=bridgeerr.New("UNCLASSIFIED", bridgeerr.CategoryUnknown, bridgeerr.SeverityMedium, true, bridgeerr.StrategyRetry, err)
	result.Context = ctx
	return result
}
