package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

type step struct {
	res domain.CommandResult
	err error
}

// scriptedTransport replays steps in order, repeating the last one.
type scriptedTransport struct {
	mu       sync.Mutex
	steps    []step
	commands []string
}

func (s *scriptedTransport) Run(_ context.Context, cmd string) (domain.CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	i := len(s.commands) - 1
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	return s.steps[i].res, s.steps[i].err
}

func (s *scriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

type recordingSink struct {
	mu     sync.Mutex
	levels []domain.Level
}

func (r *recordingSink) Emit(l domain.Level, _ string, _ map[string]any) {
	r.mu.Lock()
	r.levels = append(r.levels, l)
	r.mu.Unlock()
}

func (r *recordingSink) Finish() {}

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(100 * time.Millisecond)
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	return ctx.Err()
}

func newTestExecutor(tr domain.CommandTransport, sink domain.EventSink, clock *fakeClock) *Executor {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewExecutor("10.0.0.10", tr, sink, DefaultConfig(),
		WithClock(clock), WithLogger(logrus.NewEntry(logger)))
}

var (
	ok       = step{res: domain.CommandResult{ExitCode: 0, Stdout: []byte("done")}}
	nonZero  = step{res: domain.CommandResult{ExitCode: 1, Stderr: []byte("access denied")}}
	netError = step{err: errors.New("connection reset")}
	authFail = step{err: domain.New(domain.KindRemoteAuth, "401 unauthorized")}
)

func TestRunScriptRetryPolicy(t *testing.T) {
	tests := []struct {
		name       string
		steps      []step
		allowRetry bool
		wantCalls  int
		wantKind   domain.Kind
		wantOK     bool
	}{
		{"first attempt succeeds", []step{ok}, true, 1, "", true},
		{"success after non-zero", []step{nonZero, ok}, true, 2, "", true},
		{"success after transport error", []step{netError, netError, ok}, true, 3, "", true},
		{"non-zero exhausts retries", []step{nonZero}, true, 3, domain.KindRemoteNonZeroExit, false},
		{"transport exhausts retries", []step{netError}, true, 3, domain.KindRemoteTransport, false},
		{"auth never retried", []step{authFail}, true, 1, domain.KindRemoteAuth, false},
		{"auth after transport error", []step{netError, authFail, ok}, true, 2, domain.KindRemoteAuth, false},
		{"retry disabled", []step{nonZero, ok}, false, 1, domain.KindRemoteNonZeroExit, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &scriptedTransport{steps: tt.steps}
			clock := &fakeClock{}
			e := newTestExecutor(tr, &recordingSink{}, clock)

			exec, err := e.RunScript(context.Background(), "whoami", tt.allowRetry)

			assert.Equal(t, tt.wantCalls, tr.Calls())
			assert.Equal(t, tt.wantOK, exec.Success)
			assert.Equal(t, tt.wantCalls, exec.Attempts)
			if tt.wantOK {
				require.NoError(t, err)
				assert.Equal(t, "done", exec.Stdout)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, domain.KindOf(err))
			}
			for _, d := range clock.slept {
				assert.Equal(t, 5*time.Second, d)
			}
			assert.Len(t, clock.slept, max(0, tt.wantCalls-1))
		})
	}
}

func TestRunScriptEmitsLevels(t *testing.T) {
	sink := &recordingSink{}
	e := newTestExecutor(&scriptedTransport{steps: []step{nonZero, ok}}, sink, &fakeClock{})

	_, err := e.RunScript(context.Background(), "whoami", true)
	require.NoError(t, err)
	assert.Equal(t, []domain.Level{
		domain.LevelDebug, domain.LevelWarning,
		domain.LevelDebug, domain.LevelSuccess,
	}, sink.levels)
}

func TestRunScriptStopsWhenContextCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := &scriptedTransport{steps: []step{netError}}
	e := newTestExecutor(tr, nil, &fakeClock{})

	_, err := e.RunScript(ctx, "whoami", true)
	require.Error(t, err)
	assert.Equal(t, 1, tr.Calls())
}

func TestRunValidationNeverFails(t *testing.T) {
	tests := []struct {
		name    string
		step    step
		success bool
	}{
		{"exit zero", step{res: domain.CommandResult{Stdout: []byte(" 4104 \n")}}, true},
		{"exit non-zero", nonZero, false},
		{"transport", netError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &scriptedTransport{steps: []step{tt.step, ok}}
			e := newTestExecutor(tr, &recordingSink{}, &fakeClock{})

			rec := e.RunValidation(context.Background(), "Get-Process")
			assert.Equal(t, tt.success, rec.Success)
			assert.Equal(t, "10.0.0.10", rec.Target)
			assert.False(t, rec.Timestamp.IsZero())
			assert.Equal(t, 1, tr.Calls())
			if tt.success {
				assert.Equal(t, "4104", rec.Output)
			} else {
				assert.NotEmpty(t, rec.Error)
			}
		})
	}
}

func TestTestConnection(t *testing.T) {
	assert.True(t, newTestExecutor(&scriptedTransport{steps: []step{ok}}, nil, &fakeClock{}).TestConnection(context.Background()))
	assert.False(t, newTestExecutor(&scriptedTransport{steps: []step{nonZero}}, nil, &fakeClock{}).TestConnection(context.Background()))
	assert.False(t, newTestExecutor(&scriptedTransport{steps: []step{authFail}}, nil, &fakeClock{}).TestConnection(context.Background()))
}

func TestDecodeReplacesInvalidBytes(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{res: domain.CommandResult{Stdout: []byte{'o', 0xff, 'k'}}}}}
	e := newTestExecutor(tr, nil, &fakeClock{})

	exec, err := e.RunScript(context.Background(), "x", false)
	require.NoError(t, err)
	assert.Equal(t, "o\uFFFDk", exec.Stdout)
}

func TestUploadIsSingleAttempt(t *testing.T) {
	tr := &scriptedTransport{steps: []step{netError, ok}}
	e := newTestExecutor(tr, nil, &fakeClock{})

	err := e.Upload(context.Background(), []byte("payload"), `C:\Temp\it's.bin`)
	require.Error(t, err)
	assert.Equal(t, 1, tr.Calls())
	assert.True(t, strings.HasPrefix(tr.commands[0], "powershell.exe"))
}

func TestDownloadDecodesContent(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("secret bytes"))
	tr := &scriptedTransport{steps: []step{{res: domain.CommandResult{Stdout: []byte(encoded + "\r\n")}}}}
	e := newTestExecutor(tr, nil, &fakeClock{})

	data, err := e.Download(context.Background(), `C:\loot.txt`)
	require.NoError(t, err)
	assert.Equal(t, "secret bytes", string(data))
}

func TestSystemInfo(t *testing.T) {
	tr := &scriptedTransport{steps: []step{{res: domain.CommandResult{Stdout: []byte(`{"Hostname":"WIN-A","RAM":4.0}`)}}}}
	e := newTestExecutor(tr, nil, &fakeClock{})

	info, err := e.SystemInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "WIN-A", info["Hostname"])
}

func TestPreviewTruncates(t *testing.T) {
	e := newTestExecutor(&scriptedTransport{steps: []step{ok}}, nil, &fakeClock{})
	long := strings.Repeat("x", 500)
	assert.Len(t, e.preview(long, "-"), 200)
	assert.Equal(t, "-", e.preview("  ", "-"))
}
