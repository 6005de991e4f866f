package usecase

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/provisioning"
)

// Environment is the infrastructure backing one test run
type Environment interface {
	// ResetEnvironment destroys leftovers and applies fresh machines
	ResetEnvironment(ctx context.Context) error

	// ReadOutputs returns the machine address outputs
	ReadOutputs(ctx context.Context) (map[string]string, error)

	// Destroy tears the machines down
	Destroy(ctx context.Context) error

	// Init prepares the workspace
	Init(ctx context.Context) error
}

// Provisioner opens the environment a job runs against
type Provisioner interface {
	Open(job domain.TestJob, sink domain.EventSink) (Environment, error)
}

// IaCProvisioner opens a provisioning.Gateway per job
type IaCProvisioner struct {
	Backend domain.IaCBackend
	Config  provisioning.Config
	Clock   domain.Clock
	Log     *log.Entry
}

func (p IaCProvisioner) Open(job domain.TestJob, sink domain.EventSink) (Environment, error) {
	var opts []provisioning.Option
	if p.Clock != nil {
		opts = append(opts, provisioning.WithClock(p.Clock))
	}
	if p.Log != nil {
		opts = append(opts, provisioning.WithLogger(p.Log.WithField("test_id", job.TestID)))
	}
	return provisioning.NewGateway(p.Backend, p.Config, job, sink, opts...)
}

// MockProvisioner provides a mock implementation for testing
type MockProvisioner struct {
	mu         sync.Mutex
	outputs    map[string]string
	openErr    error
	resetErr   error
	outputsErr error
	destroyErr error
	calls      []string
}

// NewMockProvisioner creates a mock whose environment resets cleanly and
// reports no outputs
func NewMockProvisioner() *MockProvisioner {
	return &MockProvisioner{outputs: map[string]string{}}
}

func (m *MockProvisioner) WithOutputs(outputs map[string]string) *MockProvisioner {
	m.outputs = outputs
	return m
}

func (m *MockProvisioner) WithOpenError(err error) *MockProvisioner {
	m.openErr = err
	return m
}

func (m *MockProvisioner) WithResetError(err error) *MockProvisioner {
	m.resetErr = err
	return m
}

func (m *MockProvisioner) WithOutputsError(err error) *MockProvisioner {
	m.outputsErr = err
	return m
}

func (m *MockProvisioner) WithDestroyError(err error) *MockProvisioner {
	m.destroyErr = err
	return m
}

// Calls returns the environment operations in invocation order
func (m *MockProvisioner) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockProvisioner) Open(domain.TestJob, domain.EventSink) (Environment, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	return mockEnvironment{m}, nil
}

func (m *MockProvisioner) record(op string) {
	m.mu.Lock()
	m.calls = append(m.calls, op)
	m.mu.Unlock()
}

type mockEnvironment struct{ m *MockProvisioner }

func (e mockEnvironment) ResetEnvironment(context.Context) error {
	e.m.record("reset")
	return e.m.resetErr
}

func (e mockEnvironment) ReadOutputs(context.Context) (map[string]string, error) {
	e.m.record("outputs")
	if e.m.outputsErr != nil {
		return nil, e.m.outputsErr
	}
	out := make(map[string]string, len(e.m.outputs))
	for k, v := range e.m.outputs {
		out[k] = v
	}
	return out, nil
}

func (e mockEnvironment) Destroy(context.Context) error {
	e.m.record("destroy")
	return e.m.destroyErr
}

func (e mockEnvironment) Init(context.Context) error {
	e.m.record("init")
	return nil
}
