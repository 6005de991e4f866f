package domain

import (
	"context"
	"errors"
	"time"
)

type Level string

const (
	LevelDebug   Level = "DEBUG"
	LevelInfo    Level = "INFO"
	LevelSuccess Level = "SUCCESS"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// EventSink receives the ordered progress log of a run.
type EventSink interface {
	Emit(level Level, message string, data map[string]any)
	Finish()
}

// CommandResult is what a remote host returned for one command.
type CommandResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// CommandTransport runs a single command on one remote host.
type CommandTransport interface {
	Run(ctx context.Context, command string) (CommandResult, error)
}

// TransportFactory opens a transport for a roster address.
type TransportFactory interface {
	Open(address string, user string, password string) (CommandTransport, error)
}

// IaCBackend is the infrastructure tool driving the duel machines.
type IaCBackend interface {
	Apply(ctx context.Context, workdir string, vars map[string]string) error
	Destroy(ctx context.Context, workdir string, vars map[string]string) error
	Outputs(ctx context.Context, workdir string) (map[string]any, error)
}

// ErrResultNotFound is returned by ResultRepo.Load for unknown test ids.
var ErrResultNotFound = errors.New("test result not found")

type ResultRepo interface {
	Save(res *TestResult) error
	Load(testID string) (*TestResult, error)
}

// Clock abstracts waiting so cooldowns and retry delays can be skipped in tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
