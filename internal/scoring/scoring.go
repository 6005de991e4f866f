package scoring

import (
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

const (
	StartingHP = 100

	detectPoints      = 10
	blockPoints       = 20
	fastResponseBonus = 5
	fastResponseLimit = 1.0
)

var blockSeverityBonus = map[domain.Severity]int{
	domain.SeverityLow:      5,
	domain.SeverityMedium:   10,
	domain.SeverityHigh:     15,
	domain.SeverityCritical: 20,
}

// DrawLabel names a result with no winner.
const DrawLabel = "Technical Draw"

// ScoreDefense awards points for one outcome. Bonuses are additive.
func ScoreDefense(o domain.AttackOutcome, severity domain.Severity) int {
	points := 0
	if o.Detected {
		points += detectPoints
		if o.ResponseTimeSeconds < fastResponseLimit {
			points += fastResponseBonus
		}
	}
	if o.Blocked {
		points += blockPoints + blockSeverityBonus[severity]
	}
	return points
}

// Aggregate totals damage and defense per role. Every role in roles gets an
// entry even when no outcome names it.
func Aggregate(roles []domain.Role, attacks []domain.TechniqueResult) domain.FinalScore {
	damage := make(map[domain.Role]int, len(roles))
	defense := make(map[domain.Role]int, len(roles))

	for _, a := range attacks {
		for _, o := range a.Outcomes {
			damage[o.Role] += o.DamageDealt
			defense[o.Role] += o.DefensePoints
		}
	}

	score := make(domain.FinalScore, len(roles))
	for _, r := range roles {
		hp := max(0, StartingHP-damage[r])
		score[r] = domain.RoleScore{
			HPRemaining:   hp,
			DamageTaken:   damage[r],
			DefensePoints: defense[r],
			TotalScore:    hp + defense[r],
		}
	}
	return score
}

// ResolveWinner compares the two roles on HP, then on defense points. The
// order of roles only decides label wording, never the outcome.
func ResolveWinner(roles []domain.Role, score domain.FinalScore) domain.Verdict {
	if len(roles) != 2 {
		return domain.Verdict{Draw: true, Label: DrawLabel}
	}
	a, b := roles[0], roles[1]
	sa, sb := score[a], score[b]

	switch {
	case sa.HPRemaining > sb.HPRemaining:
		return win(a, false)
	case sb.HPRemaining > sa.HPRemaining:
		return win(b, false)
	case sa.DefensePoints > sb.DefensePoints:
		return win(a, true)
	case sb.DefensePoints > sa.DefensePoints:
		return win(b, true)
	}
	return domain.Verdict{Draw: true, Label: DrawLabel}
}

func win(r domain.Role, tieBreak bool) domain.Verdict {
	label := r.DisplayName()
	if tieBreak {
		label += " (tie-break on defense points)"
	}
	return domain.Verdict{Winner: r, TieBreak: tieBreak, Label: label}
}
