package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

// Config controls retry and timeout behaviour of one executor.
type Config struct {
	// MaxRetries is the number of attempts when retry is allowed.
	// Default: 3
	MaxRetries int `yaml:"max_retries"`
	// RetryDelay is the fixed pause between attempts.
	// Default: 5s
	RetryDelay time.Duration `yaml:"retry_delay"`
	// CommandTimeout bounds a single attempt.
	// Default: 300s
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// PreviewLength truncates output copied into events.
	// Default: 200
	PreviewLength int `yaml:"preview_length"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		RetryDelay:     5 * time.Second,
		CommandTimeout: 300 * time.Second,
		PreviewLength:  200,
	}
}

// Execution is the outcome of the last attempt of a command.
type Execution struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Attempts int
	Duration time.Duration
}

// Executor owns the session to one target. Executors are not shared
// between goroutines.
type Executor struct {
	Target string
	Log    *log.Entry

	transport domain.CommandTransport
	sink      domain.EventSink
	cfg       Config
	clock     domain.Clock
}

type Option func(*Executor)

func WithClock(c domain.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

func WithLogger(l *log.Entry) Option {
	return func(e *Executor) { e.Log = l }
}

func NewExecutor(target string, t domain.CommandTransport, sink domain.EventSink, cfg Config, opts ...Option) *Executor {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	e := &Executor{
		Target:    target,
		transport: t,
		sink:      sink,
		cfg:       cfg,
		clock:     domain.SystemClock{},
		Log:       log.WithField("target", target),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TestConnection runs one no-op command and reports whether it exited 0.
func (e *Executor) TestConnection(ctx context.Context) bool {
	res, err := e.runOnce(ctx, "echo Connection Test")
	if err != nil || res.ExitCode != 0 {
		e.Log.WithError(err).Debug("connection test failed")
		return false
	}
	return true
}

// RunScript executes command, retrying transport failures and non-zero exits
// when allowRetry is set. Credential failures end the call immediately.
// The returned error is a *domain.Error describing the last failure.
func (e *Executor) RunScript(ctx context.Context, command string, allowRetry bool) (Execution, error) {
	attempts := 1
	if allowRetry {
		attempts = e.cfg.MaxRetries
	}

	var (
		exec    Execution
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		e.emit(domain.LevelDebug, fmt.Sprintf("running script on %s (attempt %d/%d)", e.Target, attempt, attempts), nil)

		start := e.clock.Now()
		res, err := e.runOnce(ctx, command)
		exec = Execution{
			ExitCode: res.ExitCode,
			Stdout:   decode(res.Stdout),
			Stderr:   decode(res.Stderr),
			Attempts: attempt,
			Duration: e.clock.Now().Sub(start),
		}

		switch {
		case err == nil && res.ExitCode == 0:
			exec.Success = true
			e.emit(domain.LevelSuccess, fmt.Sprintf("script finished in %.2fs", exec.Duration.Seconds()), map[string]any{
				"target":         e.Target,
				"execution_time": round2(exec.Duration.Seconds()),
				"output_preview": e.preview(exec.Stdout, "no output"),
			})
			return exec, nil

		case err == nil:
			lastErr = domain.New(domain.KindRemoteNonZeroExit, fmt.Sprintf("exit code %d", res.ExitCode)).
				WithContext("target", e.Target)
			e.emit(domain.LevelWarning, fmt.Sprintf("script returned exit code %d", res.ExitCode), map[string]any{
				"target":      e.Target,
				"status_code": res.ExitCode,
				"error":       e.preview(exec.Stderr, "no error output"),
			})

		case domain.IsKind(err, domain.KindRemoteAuth):
			e.emit(domain.LevelError, "invalid credentials for "+e.Target, map[string]any{"target": e.Target})
			return exec, err

		default:
			lastErr = asTransportError(err, e.Target)
			e.emit(domain.LevelError, fmt.Sprintf("transport error on attempt %d: %v", attempt, err), map[string]any{
				"target": e.Target,
			})
		}

		if attempt < attempts {
			if err := e.clock.Sleep(ctx, e.cfg.RetryDelay); err != nil {
				return exec, asTransportError(err, e.Target)
			}
		}
	}
	return exec, lastErr
}

// RunValidation runs command once and always returns a record.
func (e *Executor) RunValidation(ctx context.Context, command string) domain.ValidationRecord {
	e.emit(domain.LevelInfo, "running validation on "+e.Target, nil)

	rec := domain.ValidationRecord{Target: e.Target, Command: command}
	res, err := e.runOnce(ctx, command)
	rec.Timestamp = e.clock.Now().UTC()
	if err != nil {
		rec.Error = err.Error()
		e.emit(domain.LevelError, "validation error: "+err.Error(), map[string]any{"target": e.Target})
		return rec
	}

	rec.StatusCode = res.ExitCode
	rec.Success = res.ExitCode == 0
	rec.Output = strings.TrimSpace(decode(res.Stdout))
	rec.Error = strings.TrimSpace(decode(res.Stderr))

	data := map[string]any{
		"target":      rec.Target,
		"success":     rec.Success,
		"status_code": rec.StatusCode,
		"output":      rec.Output,
		"error":       rec.Error,
		"timestamp":   rec.Timestamp,
	}
	if rec.Success {
		e.emit(domain.LevelSuccess, "validation passed", data)
	} else {
		e.emit(domain.LevelWarning, "validation failed", data)
	}
	return rec
}

func (e *Executor) runOnce(ctx context.Context, command string) (domain.CommandResult, error) {
	if e.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CommandTimeout)
		defer cancel()
	}
	res, err := e.transport.Run(ctx, command)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return res, err
}

func (e *Executor) emit(level domain.Level, msg string, data map[string]any) {
	if e.sink != nil {
		e.sink.Emit(level, msg, data)
	}
}

func (e *Executor) preview(s, empty string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return empty
	}
	r := []rune(s)
	if e.cfg.PreviewLength > 0 && len(r) > e.cfg.PreviewLength {
		return string(r[:e.cfg.PreviewLength])
	}
	return s
}

func asTransportError(err error, target string) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.Wrap(domain.KindRemoteTransport, "command transport failed", err).WithContext("target", target)
}

// decode turns raw output into text, replacing invalid UTF-8 sequences.
func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
