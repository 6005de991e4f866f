package readiness

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	nmap "github.com/Ullaakut/nmap/v3"
	log "github.com/sirupsen/logrus"
)

// NmapProber checks a single TCP port on the roster machines with nmap.
type NmapProber struct {
	Log     *log.Entry
	Timeout time.Duration
}

func NewNmapProber(timeout time.Duration) NmapProber {
	return NmapProber{
		Log:     log.WithField("component", "readiness"),
		Timeout: timeout,
	}
}

// Probe returns, for every address, whether port answered as open.
func (p NmapProber) Probe(ctx context.Context, addrs []string, port int) (map[string]bool, error) {
	targets := sanitize(addrs)
	if len(targets) == 0 {
		return nil, fmt.Errorf("no addresses to probe")
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	scanner, err := nmap.NewScanner(ctx,
		nmap.WithTargets(targets...),
		nmap.WithPorts(strconv.Itoa(port)),
		nmap.WithSkipHostDiscovery(),
		nmap.WithDisabledDNSResolution(),
	)
	if err != nil {
		return nil, fmt.Errorf("create nmap scanner: %w", err)
	}

	p.Log.WithFields(log.Fields{"targets": targets, "port": port}).Debug("Probing port")
	result, warnings, err := scanner.Run()
	if err != nil {
		return nil, fmt.Errorf("run nmap: %w", err)
	}
	if warnings != nil && len(*warnings) > 0 {
		p.Log.WithField("warnings", *warnings).Warn("Nmap scan produced warnings")
	}

	return openPorts(result, targets, port), nil
}

// openPorts reports every target, defaulting to closed when nmap did not
// mention it.
func openPorts(result *nmap.Run, targets []string, port int) map[string]bool {
	out := make(map[string]bool, len(targets))
	for _, t := range targets {
		out[t] = false
	}
	if result == nil {
		return out
	}

	for _, h := range result.Hosts {
		for _, a := range h.Addresses {
			if _, ok := out[a.Addr]; !ok {
				continue
			}
			for _, pt := range h.Ports {
				if int(pt.ID) == port && strings.HasPrefix(strings.ToLower(pt.State.State), "open") {
					out[a.Addr] = true
				}
			}
		}
	}
	return out
}

func sanitize(in []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
