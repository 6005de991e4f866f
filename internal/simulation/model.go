package simulation

import (
	"math"
	"math/rand"
	"sync"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

// Random is the only source of chance in the model.
type Random interface {
	Float64() float64
}

// Rates holds the per-tier probabilities.
type Rates struct {
	Detection float64 `yaml:"detection"`
	Blocking  float64 `yaml:"blocking"`
}

type Model struct {
	Tiers           map[domain.Severity]Rates `yaml:"tiers"`
	MinResponseTime float64                   `yaml:"min_response_time"`
	MaxResponseTime float64                   `yaml:"max_response_time"`
}

func DefaultModel() Model {
	return Model{
		Tiers: map[domain.Severity]Rates{
			domain.SeverityLow:      {Detection: 0.70, Blocking: 0.50},
			domain.SeverityMedium:   {Detection: 0.85, Blocking: 0.65},
			domain.SeverityHigh:     {Detection: 0.95, Blocking: 0.80},
			domain.SeverityCritical: {Detection: 0.98, Blocking: 0.90},
		},
		MinResponseTime: 0.1,
		MaxResponseTime: 3.0,
	}
}

// Outcome is the simulated defensive reaction to one execution.
type Outcome struct {
	Detected            bool
	Blocked             bool
	ResponseTimeSeconds float64
	DamageDealt         int
}

// Rates returns the tier for severity, falling back to MEDIUM like an
// unclassified technique would.
func (m Model) Rates(s domain.Severity) Rates {
	if r, ok := m.Tiers[s]; ok {
		return r
	}
	return m.Tiers[domain.SeverityMedium]
}

// Simulate draws detection, then blocking only when detected, then a
// response time. Exactly three draws are consumed when detected, two when
// not.
func (m Model) Simulate(severity domain.Severity, expectedDamage int, rng Random) Outcome {
	rates := m.Rates(severity)

	var out Outcome
	out.Detected = rng.Float64() < rates.Detection
	if out.Detected {
		out.Blocked = rng.Float64() < rates.Blocking
	}

	span := m.MaxResponseTime - m.MinResponseTime
	out.ResponseTimeSeconds = math.Round((m.MinResponseTime+rng.Float64()*span)*100) / 100

	if !out.Blocked {
		out.DamageDealt = max(expectedDamage, 0)
	}
	return out
}

// LockedSource is a Random safe for the concurrent per-target executions.
type LockedSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewLockedSource(seed int64) *LockedSource {
	return &LockedSource{rnd: rand.New(rand.NewSource(seed))}
}

func (l *LockedSource) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.Float64()
}

// Fixed always returns the same value. Zero forces detect and block, one
// forces neither.
type Fixed float64

func (f Fixed) Float64() float64 { return float64(f) }
