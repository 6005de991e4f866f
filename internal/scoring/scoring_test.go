package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

var roles = []domain.Role{"alpha", "beta"}

func TestScoreDefense(t *testing.T) {
	tests := []struct {
		name     string
		outcome  domain.AttackOutcome
		severity domain.Severity
		want     int
	}{
		{"nothing", domain.AttackOutcome{ResponseTimeSeconds: 0.2}, domain.SeverityHigh, 0},
		{"detected slow", domain.AttackOutcome{Detected: true, ResponseTimeSeconds: 2}, domain.SeverityLow, 10},
		{"detected fast", domain.AttackOutcome{Detected: true, ResponseTimeSeconds: 0.99}, domain.SeverityLow, 15},
		{"response exactly one second", domain.AttackOutcome{Detected: true, ResponseTimeSeconds: 1.0}, domain.SeverityLow, 10},
		{"blocked fast high", domain.AttackOutcome{Detected: true, Blocked: true, ResponseTimeSeconds: 0.1}, domain.SeverityHigh, 50},
		{"blocked slow high", domain.AttackOutcome{Detected: true, Blocked: true, ResponseTimeSeconds: 2.5}, domain.SeverityHigh, 45},
		{"blocked slow low", domain.AttackOutcome{Detected: true, Blocked: true, ResponseTimeSeconds: 2.5}, domain.SeverityLow, 35},
		{"blocked slow medium", domain.AttackOutcome{Detected: true, Blocked: true, ResponseTimeSeconds: 2.5}, domain.SeverityMedium, 40},
		{"blocked fast critical", domain.AttackOutcome{Detected: true, Blocked: true, ResponseTimeSeconds: 0.5}, domain.SeverityCritical, 55},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScoreDefense(tt.outcome, tt.severity))
		})
	}
}

func technique(alpha, beta domain.AttackOutcome) domain.TechniqueResult {
	alpha.Role, beta.Role = "alpha", "beta"
	return domain.TechniqueResult{Outcomes: []domain.AttackOutcome{alpha, beta}}
}

func TestAggregate(t *testing.T) {
	attacks := []domain.TechniqueResult{
		technique(domain.AttackOutcome{DamageDealt: 40}, domain.AttackOutcome{DefensePoints: 50}),
		technique(domain.AttackOutcome{DamageDealt: 80, DefensePoints: 10}, domain.AttackOutcome{DamageDealt: 30}),
	}

	score := Aggregate(roles, attacks)

	assert.Equal(t, domain.RoleScore{HPRemaining: 0, DamageTaken: 120, DefensePoints: 10, TotalScore: 10}, score["alpha"])
	assert.Equal(t, domain.RoleScore{HPRemaining: 70, DamageTaken: 30, DefensePoints: 50, TotalScore: 120}, score["beta"])

	for _, s := range score {
		assert.Equal(t, max(0, StartingHP-s.DamageTaken), s.HPRemaining)
		assert.Equal(t, s.HPRemaining+s.DefensePoints, s.TotalScore)
	}
}

func TestAggregateEmptyIsSymmetric(t *testing.T) {
	score := Aggregate(roles, nil)
	assert.Equal(t, score["alpha"], score["beta"])
	assert.Equal(t, 100, score["alpha"].HPRemaining)

	v := ResolveWinner(roles, score)
	assert.True(t, v.Draw)
	assert.Equal(t, DrawLabel, v.Label)
}

func TestResolveWinner(t *testing.T) {
	tests := []struct {
		name     string
		alpha    domain.RoleScore
		beta     domain.RoleScore
		winner   domain.Role
		tieBreak bool
		label    string
	}{
		{"alpha on hp", domain.RoleScore{HPRemaining: 90}, domain.RoleScore{HPRemaining: 80, DefensePoints: 500}, "alpha", false, "Alpha"},
		{"beta on hp", domain.RoleScore{HPRemaining: 10}, domain.RoleScore{HPRemaining: 11}, "beta", false, "Beta"},
		{"alpha on defense", domain.RoleScore{HPRemaining: 50, DefensePoints: 20}, domain.RoleScore{HPRemaining: 50, DefensePoints: 10}, "alpha", true, "Alpha (tie-break on defense points)"},
		{"beta on defense", domain.RoleScore{HPRemaining: 50}, domain.RoleScore{HPRemaining: 50, DefensePoints: 1}, "beta", true, "Beta (tie-break on defense points)"},
		{"draw", domain.RoleScore{HPRemaining: 100, DefensePoints: 50}, domain.RoleScore{HPRemaining: 100, DefensePoints: 50}, "", false, DrawLabel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ResolveWinner(roles, domain.FinalScore{"alpha": tt.alpha, "beta": tt.beta})
			assert.Equal(t, tt.winner, v.Winner)
			assert.Equal(t, tt.tieBreak, v.TieBreak)
			assert.Equal(t, tt.winner == "", v.Draw)
			assert.Equal(t, tt.label, v.Label)

			// swapping the role order never changes who wins
			swapped := ResolveWinner([]domain.Role{"beta", "alpha"}, domain.FinalScore{"alpha": tt.alpha, "beta": tt.beta})
			assert.Equal(t, v.Winner, swapped.Winner)
		})
	}
}
