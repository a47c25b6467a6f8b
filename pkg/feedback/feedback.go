// Package feedback implements the Feedback Tracker (C9): a per-tool
// exponential moving average of error rate that nudges the Policy
// Gate's risk assignment up or down based on observed outcomes.
package feedback

import (
	"regexp"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openclaw/kernel/pkg/policy"
)

const (
	defaultAlpha        = 0.1
	minSamplesForAdapt  = 5
	escalateThreshold   = 0.4
	deescalateThreshold = 0.1
)

var intrinsicallyDangerous = regexp.MustCompile(`exec|spawn|bash|process`)

var (
	metricErrorRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kernel",
		Subsystem: "feedback",
		Name:      "tool_error_rate",
		Help:      "Exponential moving average of error rate per tool.",
	}, []string{"tool"})
	metricSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kernel",
		Subsystem: "feedback",
		Name:      "tool_outcomes_total",
		Help:      "Count of recorded tool outcomes.",
	}, []string{"tool", "outcome"})
)

type toolStats struct {
	mu        sync.Mutex
	errorRate float64
	samples   int
}

// Tracker is the Feedback Tracker. Safe for concurrent use. Implements
// the AdjustedRisk method the Policy Gate consults to escalate or
// de-escalate a tool's declared base risk.
type Tracker struct {
	alpha float64

	mu    sync.Mutex
	stats map[string]*toolStats
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithAlpha overrides the default EMA smoothing factor (0.1).
func WithAlpha(alpha float64) Option {
	return func(t *Tracker) { t.alpha = alpha }
}

// New constructs a Tracker. Its Prometheus metrics are package-level and
// registered once at package init, so all Trackers share them.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		alpha: defaultAlpha,
		stats: make(map[string]*toolStats),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tracker) statsFor(toolName string) *toolStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.stats[toolName]; ok {
		return s
	}
	s := &toolStats{}
	t.stats[toolName] = s
	return s
}

// RecordSuccess updates toolName's EMA with a success outcome.
func (t *Tracker) RecordSuccess(toolName string) {
	t.record(toolName, false)
}

// RecordFailure updates toolName's EMA with a failure outcome.
func (t *Tracker) RecordFailure(toolName string) {
	t.record(toolName, true)
}

func (t *Tracker) record(toolName string, isError bool) {
	s := t.statsFor(toolName)
	s.mu.Lock()
	outcome := 0.0
	if isError {
		outcome = 1.0
	}
	s.errorRate = (1-t.alpha)*s.errorRate + t.alpha*outcome
	s.samples++
	rate := s.errorRate
	s.mu.Unlock()
	metricErrorRate.WithLabelValues(toolName).Set(rate)

	label := "success"
	if isError {
		label = "error"
	}
	metricSamples.WithLabelValues(toolName, label).Inc()
}

// Stats returns toolName's current error rate and sample count.
func (t *Tracker) Stats(toolName string) (errorRate float64, samples int) {
	s := t.statsFor(toolName)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorRate, s.samples
}

// AdjustedRisk applies spec §4.9's adaptive-risk rules to base, given
// toolName's accumulated outcome history. Adaptation only kicks in once
// at least minSamplesForAdapt outcomes have been recorded; risk never
// exceeds high, and tools whose name implies intrinsic danger never
// de-escalate below medium.
func (t *Tracker) AdjustedRisk(toolName string, base policy.Risk) policy.Risk {
	s := t.statsFor(toolName)
	s.mu.Lock()
	rate := s.errorRate
	samples := s.samples
	s.mu.Unlock()

	if samples < minSamplesForAdapt {
		return base
	}

	adjusted := base
	if rate > escalateThreshold {
		switch base {
		case policy.RiskLow:
			adjusted = policy.RiskMedium
		case policy.RiskMedium:
			adjusted = policy.RiskHigh
		}
	} else if rate < deescalateThreshold && base == policy.RiskMedium && !intrinsicallyDangerous.MatchString(strings.ToLower(toolName)) {
		adjusted = policy.RiskLow
	}

	return policy.Stricter(adjusted, floorFor(toolName))
}

// floorFor returns the minimum risk a tool may ever be de-escalated
// below: medium for tools whose name implies intrinsic danger, low
// otherwise.
func floorFor(toolName string) policy.Risk {
	if intrinsicallyDangerous.MatchString(strings.ToLower(toolName)) {
		return policy.RiskMedium
	}
	return policy.RiskLow
}
