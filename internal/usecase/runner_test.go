package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/catalog"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/events"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/remote"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/simulation"
)

func testTargets(sink domain.EventSink, hosts ...*hostTransport) []Target {
	roles := domain.DefaultRoleBindings()
	addrs := []string{"10.0.0.1", "10.0.0.2"}
	var out []Target
	for i, h := range hosts {
		t := Target{Entry: domain.RosterEntry{
			Role:        roles[i].Role,
			MachineName: roles[i].MachineName,
			Address:     addrs[i],
		}}
		if h != nil {
			t.Executor = remote.NewExecutor(addrs[i], h, sink, remote.DefaultConfig(), remote.WithClock(&instantClock{}))
		}
		out = append(out, t)
	}
	return out
}

func TestAttackRunner_Run(t *testing.T) {
	tech, ok := catalog.MustBuiltin().Get("T1027")
	require.True(t, ok)
	payload, ok := tech.Payload("")
	require.True(t, ok)

	stream := events.NewStream()
	alpha := &hostTransport{}
	targets := testTargets(stream, alpha, nil)

	runner := AttackRunner{
		Model:          simulation.DefaultModel(),
		Random:         simulation.Fixed(0),
		Clock:          &instantClock{},
		Sink:           stream,
		Log:            log.NewEntry(log.StandardLogger()),
		RunValidations: true,
	}
	res, err := runner.Run(context.Background(), tech, payload, targets)
	require.NoError(t, err)
	stream.Finish()

	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, domain.Role("alpha"), res.Outcomes[0].Role)
	assert.True(t, res.Outcomes[0].Executed)
	assert.True(t, res.Outcomes[0].Blocked)
	assert.Len(t, res.Outcomes[0].Validations, len(tech.ValidationChecks))
	assert.Equal(t, 1+len(tech.ValidationChecks), alpha.count())

	assert.Equal(t, domain.Role("beta"), res.Outcomes[1].Role)
	assert.False(t, res.Outcomes[1].Executed)
	assert.NotEmpty(t, res.Outcomes[1].Error)

	evs, err := stream.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, hasMessage(evs, domain.LevelWarning, "no remote session"))
}

// barrierTransport holds every command until all hosts sharing arrived
// have entered Run.
type barrierTransport struct {
	arrived  *sync.WaitGroup
	once     sync.Once
	finished *atomic.Int32
}

func (b *barrierTransport) Run(ctx context.Context, _ string) (domain.CommandResult, error) {
	b.once.Do(b.arrived.Done)

	all := make(chan struct{})
	go func() {
		b.arrived.Wait()
		close(all)
	}()
	select {
	case <-all:
	case <-time.After(2 * time.Second):
		return domain.CommandResult{}, errors.New("other host never started")
	case <-ctx.Done():
		return domain.CommandResult{}, ctx.Err()
	}

	time.Sleep(20 * time.Millisecond)
	b.finished.Add(1)
	return domain.CommandResult{Stdout: []byte("ok")}, nil
}

func TestAttackRunner_RunsTargetsConcurrently(t *testing.T) {
	tech, ok := catalog.MustBuiltin().Get("T1027")
	require.True(t, ok)
	payload, _ := tech.Payload("")

	var arrived sync.WaitGroup
	arrived.Add(2)
	var finished atomic.Int32

	roles := domain.DefaultRoleBindings()
	cfg := remote.DefaultConfig()
	cfg.MaxRetries = 1
	var targets []Target
	for i, addr := range []string{"10.0.0.1", "10.0.0.2"} {
		tr := &barrierTransport{arrived: &arrived, finished: &finished}
		targets = append(targets, Target{
			Entry:    domain.RosterEntry{Role: roles[i].Role, MachineName: roles[i].MachineName, Address: addr},
			Executor: remote.NewExecutor(addr, tr, nil, cfg, remote.WithClock(&instantClock{})),
		})
	}

	runner := AttackRunner{
		Model:  simulation.DefaultModel(),
		Random: simulation.Fixed(0),
		Clock:  &instantClock{},
		Log:    log.NewEntry(log.StandardLogger()),
	}
	res, err := runner.Run(context.Background(), tech, payload, targets)
	require.NoError(t, err)

	assert.Equal(t, int32(2), finished.Load(), "Run returned before every target finished")
	for _, o := range res.Outcomes {
		assert.True(t, o.Executed, "%s: %s", o.Role, o.Error)
	}
}

func TestAttackRunner_RecoversWorkerPanic(t *testing.T) {
	tech, ok := catalog.MustBuiltin().Get("T1027")
	require.True(t, ok)
	payload, _ := tech.Payload("")

	runner := AttackRunner{
		Model:  simulation.DefaultModel(),
		Random: simulation.Fixed(0),
		Clock:  &instantClock{},
		Log:    log.NewEntry(log.StandardLogger()),
	}
	alpha := &hostTransport{}
	res, err := runner.Run(context.Background(), tech, payload, testTargets(nil, alpha, &hostTransport{panics: true}))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindUnexpected))
	assert.True(t, res.Outcomes[0].Executed)
}

func TestReadinessChecker_Check(t *testing.T) {
	stream := events.NewStream()
	alpha := &hostTransport{}
	beta := &hostTransport{exitCode: 1}
	targets := testTargets(stream, alpha, beta)

	checker := ReadinessChecker{
		Prober: probeFunc(func(context.Context, []string, int) (map[string]bool, error) {
			return nil, errors.New("nmap not installed")
		}),
		Port:           5985,
		ConnectionTest: true,
		Sink:           stream,
		Log:            log.NewEntry(log.StandardLogger()),
	}
	require.True(t, checker.Enabled())

	got, err := checker.Check(context.Background(), targets)
	require.NoError(t, err)
	stream.Finish()

	require.Len(t, got, 2)
	assert.Nil(t, got["alpha"].PortOpen)
	require.NotNil(t, got["alpha"].Connected)
	assert.True(t, *got["alpha"].Connected)
	require.NotNil(t, got["beta"].Connected)
	assert.False(t, *got["beta"].Connected)

	evs, err := stream.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, hasMessage(evs, domain.LevelWarning, "port probe failed"))
	assert.True(t, hasMessage(evs, domain.LevelWarning, "did not answer"))
}

func TestReadinessChecker_Disabled(t *testing.T) {
	assert.False(t, ReadinessChecker{}.Enabled())
}
