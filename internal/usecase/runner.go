package usecase

import (
	"context"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/remote"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/scoring"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/simulation"
)

// Target is one roster machine with its own remote session.
type Target struct {
	Entry    domain.RosterEntry
	Executor *remote.Executor
}

// AttackRunner plays one technique against every target at once.
type AttackRunner struct {
	Model          simulation.Model
	Random         simulation.Random
	Clock          domain.Clock
	Sink           domain.EventSink
	Log            *log.Entry
	RunValidations bool
}

// Run executes payload on all targets concurrently and waits for every
// target before returning. Outcomes keep the order of targets. The error is
// non-nil only when a target worker panicked.
func (r AttackRunner) Run(ctx context.Context, tech domain.AttackTechnique, payload domain.PayloadVariant, targets []Target) (domain.TechniqueResult, error) {
	result := domain.TechniqueResult{
		TTPID:    tech.TTPID,
		Name:     tech.Name,
		Tactic:   tech.Tactic,
		Severity: tech.Severity,
		Payload:  payload.Name,
		Outcomes: make([]domain.AttackOutcome, len(targets)),
	}

	var g errgroup.Group
	for i, t := range targets {
		safeGo(&g, r.Log, func() error {
			result.Outcomes[i] = r.runForTarget(ctx, tech, payload, t)
			return nil
		})
	}
	err := g.Wait()

	return result, err
}

func (r AttackRunner) runForTarget(ctx context.Context, tech domain.AttackTechnique, payload domain.PayloadVariant, t Target) domain.AttackOutcome {
	out := domain.AttackOutcome{Role: t.Entry.Role, Machine: t.Entry.MachineName}
	logger := r.Log.WithFields(log.Fields{"role": t.Entry.Role, "ttp_id": tech.TTPID})

	if t.Executor == nil {
		out.Error = "no remote session for " + string(t.Entry.Role)
		r.emit(domain.LevelWarning, fmt.Sprintf("%s: attack not executed, no remote session", t.Entry.MachineName), map[string]any{
			"vm": t.Entry.MachineName,
		})
		return out
	}

	start := r.Clock.Now()
	_, err := t.Executor.RunScript(ctx, payload.Command, true)
	out.ExecutionTimeSeconds = round2(r.Clock.Now().Sub(start).Seconds())

	if err != nil {
		out.Error = err.Error()
		logger.WithError(err).Warn("attack execution failed")
		r.emit(domain.LevelWarning, fmt.Sprintf("%s: attack %s failed", t.Entry.MachineName, tech.TTPID), map[string]any{
			"vm":         t.Entry.MachineName,
			"error_type": string(domain.KindOf(err)),
		})
		return out
	}

	out.Executed = true
	sim := r.Model.Simulate(tech.Severity, tech.ExpectedDamage, r.Random)
	out.Detected = sim.Detected
	out.Blocked = sim.Blocked
	out.ResponseTimeSeconds = sim.ResponseTimeSeconds
	out.DamageDealt = sim.DamageDealt
	out.DefensePoints = scoring.ScoreDefense(out, tech.Severity)

	if r.RunValidations {
		for _, check := range tech.ValidationChecks {
			out.Validations = append(out.Validations, t.Executor.RunValidation(ctx, check))
		}
	}

	logger.WithFields(log.Fields{
		"detected": out.Detected,
		"blocked":  out.Blocked,
		"damage":   out.DamageDealt,
		"points":   out.DefensePoints,
	}).Debug("attack outcome")

	r.emit(domain.LevelInfo, fmt.Sprintf("%s: detected=%t blocked=%t damage=%d", t.Entry.MachineName, out.Detected, out.Blocked, out.DamageDealt),
		map[string]any{
			"vm":                t.Entry.MachineName,
			"attack_executed":   out.Executed,
			"execution_time":    out.ExecutionTimeSeconds,
			"edr_detected":      out.Detected,
			"edr_blocked":       out.Blocked,
			"edr_response_time": out.ResponseTimeSeconds,
			"damage_dealt":      out.DamageDealt,
			"defense_points":    out.DefensePoints,
		})
	return out
}

func (r AttackRunner) emit(level domain.Level, msg string, data map[string]any) {
	if r.Sink != nil {
		r.Sink.Emit(level, msg, data)
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
