package usecase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/masterzen/winrm"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/catalog"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/remote"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/scoring"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/simulation"
)

// Phase of a test run. Phases only move forward.
type Phase string

const (
	PhasePending      Phase = "PENDING"
	PhaseProvisioning Phase = "PROVISIONING"
	PhaseEDRInstall   Phase = "EDR_INSTALL"
	PhaseAttacking    Phase = "ATTACKING"
	PhaseScoring      Phase = "SCORING"
	PhaseDone         Phase = "DONE"
	PhaseFailed       Phase = "FAILED"
)

var phaseRank = map[Phase]int{
	PhasePending:      0,
	PhaseProvisioning: 1,
	PhaseEDRInstall:   2,
	PhaseAttacking:    3,
	PhaseScoring:      4,
	PhaseDone:         5,
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool { return p == PhaseDone || p == PhaseFailed }

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	return phaseRank[to] > phaseRank[from]
}

// Result status values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// OrchestratorConfig contains orchestrator configuration
type OrchestratorConfig struct {
	Roles []domain.RoleBinding `yaml:"roles"`
	// DefaultSequence is used when a job names no technique
	DefaultSequence []string `yaml:"default_sequence"`
	// TechniquePause separates consecutive techniques
	TechniquePause      time.Duration    `yaml:"technique_pause"`
	RunValidationChecks bool             `yaml:"run_validation_checks"`
	InitWorkspace       bool             `yaml:"init_workspace"`
	DestroyAfterRun     bool             `yaml:"destroy_after_run"`
	Limits              domain.JobLimits `yaml:"limits"`
}

// DefaultOrchestratorConfig returns default orchestrator configuration
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Roles:           domain.DefaultRoleBindings(),
		DefaultSequence: append([]string(nil), catalog.DefaultSequence...),
		TechniquePause:  2 * time.Second,
		Limits:          domain.DefaultJobLimits(),
	}
}

// Orchestrator runs test jobs. One Orchestrator serves many runs; all per-run
// state lives in a run value.
type Orchestrator struct {
	Log *log.Entry

	catalog     *catalog.Catalog
	provisioner Provisioner
	transports  domain.TransportFactory
	remoteCfg   remote.Config
	model       simulation.Model
	random      simulation.Random
	clock       domain.Clock
	readiness   ReadinessChecker
	results     domain.ResultRepo
	tracer      trace.Tracer
	config      OrchestratorConfig

	runsMu  sync.Mutex
	running int
	idle    chan struct{}
}

type Option func(*Orchestrator)

func WithClock(c domain.Clock) Option { return func(o *Orchestrator) { o.clock = c } }

func WithRandom(r simulation.Random) Option { return func(o *Orchestrator) { o.random = r } }

func WithModel(m simulation.Model) Option { return func(o *Orchestrator) { o.model = m } }

func WithRemoteConfig(c remote.Config) Option { return func(o *Orchestrator) { o.remoteCfg = c } }

func WithLogger(l *log.Entry) Option { return func(o *Orchestrator) { o.Log = l } }

// WithResults stores every finished TestResult.
func WithResults(repo domain.ResultRepo) Option { return func(o *Orchestrator) { o.results = repo } }

// WithReadiness enables the post-provisioning checks. Sink and Log are
// filled per run.
func WithReadiness(c ReadinessChecker) Option { return func(o *Orchestrator) { o.readiness = c } }

func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(cat *catalog.Catalog, prov Provisioner, transports domain.TransportFactory, config OrchestratorConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		Log:         log.WithField("component", "orchestrator"),
		catalog:     cat,
		provisioner: prov,
		transports:  transports,
		remoteCfg:   remote.DefaultConfig(),
		model:       simulation.DefaultModel(),
		random:      simulation.NewLockedSource(time.Now().UnixNano()),
		clock:       domain.SystemClock{},
		tracer:      otel.Tracer("github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/usecase"),
		config:      config,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Config() OrchestratorConfig { return o.config }

// Running returns the number of runs in flight.
func (o *Orchestrator) Running() int {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	return o.running
}

// Drain blocks until no run is in flight or ctx ends. Runs detached from
// their callers are only waited for here.
func (o *Orchestrator) Drain(ctx context.Context) error {
	for {
		o.runsMu.Lock()
		n, idle := o.running, o.idle
		o.runsMu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) beginRun() {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	if o.running == 0 {
		o.idle = make(chan struct{})
	}
	o.running++
}

func (o *Orchestrator) endRun() {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	o.running--
	if o.running == 0 {
		close(o.idle)
	}
}

// Execute runs job to completion, reporting progress to sink. The returned
// result always carries start and end times. The last thing Execute does
// with sink is Finish, on every path.
func (o *Orchestrator) Execute(ctx context.Context, job domain.TestJob, sink domain.EventSink) (res *domain.TestResult, err error) {
	o.beginRun()
	defer o.endRun()

	r := o.newRun(job, sink)
	defer sink.Finish()
	defer func() {
		if p := recover(); p != nil {
			err = domain.New(domain.KindUnexpected, fmt.Sprintf("panic: %v", p))
		}
		res = r.finish(err)
	}()

	ctx, span := o.tracer.Start(ctx, "cyberduel.test", trace.WithAttributes(
		attribute.String("test.id", job.TestID),
		attribute.String("test.provider", job.CloudProvider),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	r.emit(domain.LevelInfo, "starting CyberDuel test", map[string]any{
		"test_id":   job.TestID,
		"test_name": job.TestName,
	})

	return nil, r.execute(ctx)
}

type run struct {
	o      *Orchestrator
	job    domain.TestJob
	sink   domain.EventSink
	log    *log.Entry
	result *domain.TestResult

	mu      sync.Mutex
	phase   Phase
	env     Environment
	roster  domain.Roster
	targets []Target
}

func (o *Orchestrator) newRun(job domain.TestJob, sink domain.EventSink) *run {
	return &run{
		o:     o,
		job:   job,
		sink:  sink,
		log:   o.Log.WithField("test_id", job.TestID),
		phase: PhasePending,
		result: &domain.TestResult{
			TestID:    job.TestID,
			TestName:  job.TestName,
			StartTime: o.clock.Now().UTC(),
			Infrastructure: domain.Infrastructure{
				Provider:   job.CloudProvider,
				OSTemplate: job.OSTemplate,
			},
			Attacks: []domain.TechniqueResult{},
		},
	}
}

func (r *run) execute(ctx context.Context) error {
	if err := r.job.Validate(r.o.config.Limits); err != nil {
		return err
	}

	if err := r.phaseStep(ctx, PhaseProvisioning, r.provision); err != nil {
		return err
	}

	if r.job.HasEDRScript() {
		if err := r.phaseStep(ctx, PhaseEDRInstall, r.installEDR); err != nil {
			return err
		}
	}

	if err := r.phaseStep(ctx, PhaseAttacking, r.attack); err != nil {
		return err
	}

	if err := r.phaseStep(ctx, PhaseScoring, r.score); err != nil {
		return err
	}

	if r.o.config.DestroyAfterRun {
		r.cleanup(ctx)
	}

	r.transition(PhaseDone)
	return nil
}

// phaseStep enters phase and runs fn inside a span. Only fatal kinds come
// back from fn; everything else is recorded and reported on the stream.
func (r *run) phaseStep(ctx context.Context, phase Phase, fn func(context.Context) error) error {
	r.transition(phase)

	ctx, span := r.o.tracer.Start(ctx, "cyberduel.phase."+strings.ToLower(string(phase)))
	defer span.End()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if domain.KindOf(err).Fatal() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	r.recordError(err)
	return nil
}

func (r *run) transition(next Phase) {
	r.mu.Lock()
	prev := r.phase
	if !CanTransition(prev, next) {
		r.mu.Unlock()
		r.log.WithFields(log.Fields{"from": prev, "to": next}).Error("illegal phase transition ignored")
		return
	}
	r.phase = next
	r.mu.Unlock()

	r.log.WithFields(log.Fields{"from": prev, "to": next}).Debug("phase transition")
	r.emit(domain.LevelInfo, "phase "+string(next), map[string]any{"phase": string(next), "previous": string(prev)})
}

func (r *run) provision(ctx context.Context) error {
	env, err := r.o.provisioner.Open(r.job, r.sink)
	if err != nil {
		return asFatal(err, domain.KindProvisioning, "open infrastructure workspace")
	}
	r.env = env

	if r.o.config.InitWorkspace {
		if err := env.Init(ctx); err != nil {
			return asFatal(err, domain.KindProvisioning, "init workspace")
		}
	}

	if err := env.ResetEnvironment(ctx); err != nil {
		return asFatal(err, domain.KindProvisioning, "reset environment")
	}

	outputs, err := env.ReadOutputs(ctx)
	if err != nil {
		return asFatal(err, domain.KindProvisioning, "read outputs")
	}

	roster, rosterErr := domain.NewRoster(r.o.config.Roles, outputs)
	r.roster = roster
	r.snapshotInfrastructure(outputs)

	if rosterErr != nil {
		r.emit(domain.LevelError, "roster incomplete: "+rosterErr.Error(), map[string]any{
			"error_type": string(domain.KindRosterIncomplete),
			"outputs":    outputs,
		})
		return rosterErr
	}

	r.emit(domain.LevelSuccess, "infrastructure ready", map[string]any{"infrastructure": r.result.Infrastructure})
	r.openSessions()
	return r.checkReadiness(ctx)
}

func (r *run) snapshotInfrastructure(outputs map[string]string) {
	var machines []domain.MachineInfo
	for _, b := range r.o.config.Roles {
		addr := strings.TrimSpace(outputs[b.OutputKey])
		if addr == "" {
			addr = "N/A"
		}
		machines = append(machines, domain.MachineInfo{Role: b.Role, Name: b.MachineName, Address: addr})
	}
	r.result.Infrastructure.Machines = machines
	if r.job.EDRConfig != nil {
		r.result.Infrastructure.EDRVendor = r.job.EDRConfig.VendorName
	}
}

func (r *run) openSessions() {
	vm := r.job.VMConfig
	for _, e := range r.roster.Entries() {
		t := Target{Entry: e}
		tr, err := r.o.transports.Open(e.Address, vm.AdminUser, vm.AdminPassword)
		if err != nil {
			r.log.WithError(err).WithField("role", e.Role).Warn("cannot open remote session")
			r.emit(domain.LevelWarning, "cannot open remote session to "+e.MachineName, map[string]any{"error": err.Error()})
		} else {
			t.Executor = remote.NewExecutor(e.Address, tr, r.sink, r.o.remoteCfg,
				remote.WithClock(r.o.clock),
				remote.WithLogger(r.log.WithFields(log.Fields{"target": e.Address, "role": e.Role})))
		}
		r.targets = append(r.targets, t)
	}
}

func (r *run) checkReadiness(ctx context.Context) error {
	checker := r.o.readiness
	if !checker.Enabled() {
		return nil
	}
	checker.Sink = r.sink
	checker.Log = r.log

	ready, err := checker.Check(ctx, r.targets)
	if err != nil {
		return err
	}
	for role, rd := range ready {
		m := r.machine(role)
		if m == nil {
			continue
		}
		switch {
		case rd.Connected != nil:
			m.Reachable = rd.Connected
		case rd.PortOpen != nil:
			m.Reachable = rd.PortOpen
		}
		m.SystemInfo = rd.SystemInfo
	}
	return nil
}

func (r *run) machine(role domain.Role) *domain.MachineInfo {
	for i := range r.result.Infrastructure.Machines {
		if r.result.Infrastructure.Machines[i].Role == role {
			return &r.result.Infrastructure.Machines[i]
		}
	}
	return nil
}

// installEDR runs the decoded installer on every machine. Failures are
// tolerated per machine.
func (r *run) installEDR(ctx context.Context) error {
	cfg := r.job.EDRConfig
	script, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cfg.InstallationScript))
	if err != nil {
		r.emit(domain.LevelWarning, "EDR installation script is not valid base64, skipping installation", map[string]any{
			"vendor": cfg.VendorName,
			"error":  err.Error(),
		})
		return nil
	}
	if len(r.targets) == 0 {
		r.emit(domain.LevelWarning, "no machines available for EDR installation", nil)
		return nil
	}

	r.emit(domain.LevelInfo, "installing EDR "+cfg.VendorName, map[string]any{"vendor": cfg.VendorName})

	status := make([]string, len(r.targets))
	var g errgroup.Group
	for i, t := range r.targets {
		safeGo(&g, r.log, func() error {
			if t.Executor == nil {
				status[i] = "skipped"
				return nil
			}
			if _, err := t.Executor.RunScript(ctx, winrm.Powershell(string(script)), true); err != nil {
				status[i] = "failed"
				r.emit(domain.LevelWarning, "EDR installation failed on "+t.Entry.MachineName, map[string]any{
					"vm":         t.Entry.MachineName,
					"error_type": string(domain.KindOf(err)),
				})
				return nil
			}
			status[i] = "installed"
			r.emit(domain.LevelSuccess, "EDR installed on "+t.Entry.MachineName, map[string]any{"vm": t.Entry.MachineName})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, t := range r.targets {
		if m := r.machine(t.Entry.Role); m != nil {
			m.EDRStatus = status[i]
		}
	}
	return nil
}

func (r *run) attack(ctx context.Context) error {
	if !r.roster.Ready() {
		r.emit(domain.LevelError, "machine addresses missing, attack phase aborted", map[string]any{
			"error_type": string(domain.KindRosterIncomplete),
		})
		return nil
	}

	ids := r.o.config.DefaultSequence
	if id := r.job.RequestedTechnique(); id != "" {
		ids = []string{id}
	}

	runner := AttackRunner{
		Model:          r.o.model,
		Random:         r.o.random,
		Clock:          r.o.clock,
		Sink:           r.sink,
		Log:            r.log,
		RunValidations: r.o.config.RunValidationChecks,
	}

	for i, id := range ids {
		tech, err := r.o.catalog.Lookup(id)
		if err != nil {
			r.emit(domain.LevelWarning, fmt.Sprintf("technique %s not found, attack phase stopped", id), map[string]any{
				"ttp_id":     id,
				"error_type": string(domain.KindTechniqueNotFound),
			})
			return err
		}

		payload, ok := tech.Payload(r.job.RequestedPayload())
		if !ok {
			r.emit(domain.LevelWarning, fmt.Sprintf("payload %q not available for %s, using %q",
				r.job.RequestedPayload(), tech.TTPID, payload.Name), nil)
		}

		r.emit(domain.LevelInfo, fmt.Sprintf("executing %s %s", tech.TTPID, tech.Name), map[string]any{
			"ttp_id":   tech.TTPID,
			"tactic":   tech.Tactic,
			"severity": string(tech.Severity),
			"payload":  payload.Name,
		})

		tr, err := runner.Run(ctx, tech, payload, r.targets)
		if err != nil {
			return err
		}
		r.result.Attacks = append(r.result.Attacks, tr)

		if i < len(ids)-1 {
			if err := r.o.clock.Sleep(ctx, r.o.config.TechniquePause); err != nil {
				return domain.Wrap(domain.KindUnexpected, "attack phase interrupted", err)
			}
		}
	}
	return nil
}

func (r *run) score(context.Context) error {
	roles := domain.Roles(r.o.config.Roles)
	r.result.FinalScore = scoring.Aggregate(roles, r.result.Attacks)
	r.result.Winner = scoring.ResolveWinner(roles, r.result.FinalScore)

	r.emit(domain.LevelInfo, "final score computed", map[string]any{
		"final_score": r.result.FinalScore,
		"winner":      r.result.Winner.Label,
	})
	return nil
}

func (r *run) cleanup(ctx context.Context) {
	if r.env == nil {
		return
	}
	r.emit(domain.LevelInfo, "cleaning up infrastructure", nil)
	if err := r.env.Destroy(ctx); err != nil {
		r.log.WithError(err).Warn("cleanup destroy failed")
		r.emit(domain.LevelWarning, "cleanup failed: "+err.Error(), nil)
	}
}

// finish stamps the result and reports the run outcome.
func (r *run) finish(err error) *domain.TestResult {
	r.result.Stamp(r.o.clock.Now().UTC())

	if err != nil {
		r.transition(PhaseFailed)
		r.result.Status = StatusFailed
		r.recordError(err)
		kind := domain.KindOf(err)
		r.log.WithError(err).WithField("error_type", kind).Error("test failed")
		r.emit(domain.LevelError, "fatal error during execution: "+err.Error(), map[string]any{
			"error_type":    string(kind),
			"error_details": err.Error(),
		})
	} else {
		r.result.Status = StatusCompleted
		r.emit(domain.LevelSuccess, "test completed", toData(r.result))
	}

	if r.o.results != nil {
		if serr := r.o.results.Save(r.result); serr != nil {
			r.log.WithError(serr).Warn("could not store test result")
		}
	}
	return r.result
}

func (r *run) recordError(err error) {
	r.result.Errors = append(r.result.Errors, err.Error())
}

func (r *run) emit(level domain.Level, msg string, data map[string]any) {
	r.sink.Emit(level, msg, data)
}

// asFatal keeps classified errors as they are and files anything else
// under kind.
func asFatal(err error, kind domain.Kind, msg string) error {
	if k := domain.KindOf(err); k != domain.KindUnexpected {
		return err
	}
	return domain.Wrap(kind, msg, err)
}

func toData(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{"error": err.Error()}
	}
	return out
}
