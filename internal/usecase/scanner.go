package usecase

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

// PortProber reports which addresses accept connections on port.
type PortProber interface {
	Probe(ctx context.Context, addrs []string, port int) (map[string]bool, error)
}

// Readiness is what the post-provisioning checks learned about one machine.
type Readiness struct {
	PortOpen   *bool
	Connected  *bool
	SystemInfo map[string]any
}

// ReadinessChecker verifies that freshly provisioned machines answer before
// attacks start. Every failure is reported as a warning.
type ReadinessChecker struct {
	Prober            PortProber
	Port              int
	ConnectionTest    bool
	CollectSystemInfo bool
	Sink              domain.EventSink
	Log               *log.Entry
}

func (c ReadinessChecker) Enabled() bool {
	return c.Prober != nil || c.ConnectionTest || c.CollectSystemInfo
}

// Check runs the enabled checks on every target concurrently. The error is
// non-nil only when a target worker panicked.
func (c ReadinessChecker) Check(ctx context.Context, targets []Target) (map[domain.Role]Readiness, error) {
	out := make(map[domain.Role]Readiness, len(targets))
	var mu sync.Mutex

	open := c.probe(ctx, targets)

	var g errgroup.Group
	for _, t := range targets {
		safeGo(&g, c.Log, func() error {
			r := Readiness{}
			if open != nil {
				v := open[t.Entry.Address]
				r.PortOpen = &v
			}
			if t.Executor != nil && c.ConnectionTest {
				ok := t.Executor.TestConnection(ctx)
				r.Connected = &ok
				if ok {
					c.emit(domain.LevelSuccess, t.Entry.MachineName+" answered the connection test", nil)
				} else {
					c.emit(domain.LevelWarning, t.Entry.MachineName+" did not answer the connection test", map[string]any{
						"vm": t.Entry.MachineName,
						"ip": t.Entry.Address,
					})
				}
			}
			if t.Executor != nil && c.CollectSystemInfo {
				info, err := t.Executor.SystemInfo(ctx)
				if err != nil {
					c.Log.WithError(err).WithField("role", t.Entry.Role).Warn("system info unavailable")
					c.emit(domain.LevelWarning, "could not collect system information from "+t.Entry.MachineName, nil)
				}
				r.SystemInfo = info
			}

			mu.Lock()
			out[t.Entry.Role] = r
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return out, err
}

func (c ReadinessChecker) probe(ctx context.Context, targets []Target) map[string]bool {
	if c.Prober == nil || len(targets) == 0 {
		return nil
	}

	addrs := make([]string, 0, len(targets))
	for _, t := range targets {
		addrs = append(addrs, t.Entry.Address)
	}

	open, err := c.Prober.Probe(ctx, addrs, c.Port)
	if err != nil {
		c.Log.WithError(err).Warn("port probe failed")
		c.emit(domain.LevelWarning, "port probe failed", map[string]any{"error": err.Error()})
		return nil
	}
	for _, t := range targets {
		if !open[t.Entry.Address] {
			c.emit(domain.LevelWarning, fmt.Sprintf("%s: port %d not open", t.Entry.MachineName, c.Port), map[string]any{
				"vm": t.Entry.MachineName,
				"ip": t.Entry.Address,
			})
		}
	}
	return open
}

func (c ReadinessChecker) emit(level domain.Level, msg string, data map[string]any) {
	if c.Sink != nil {
		c.Sink.Emit(level, msg, data)
	}
}
