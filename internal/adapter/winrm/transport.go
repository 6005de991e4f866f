package winrm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/masterzen/winrm"
	log "github.com/sirupsen/logrus"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

// Config holds the WinRM session settings shared by every machine.
type Config struct {
	Port     int
	HTTPS    bool
	Insecure bool
	// Transport is ntlm or basic.
	Transport string
	Timeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Port:      5985,
		Transport: "ntlm",
		Timeout:   300 * time.Second,
	}
}

// runner is the part of *winrm.Client a session uses.
type runner interface {
	RunWithContext(ctx context.Context, command string, stdout, stderr io.Writer) (int, error)
}

// Factory opens WinRM sessions. It satisfies domain.TransportFactory.
type Factory struct {
	Log *log.Entry
	cfg Config

	dial func(address, user, password string, cfg Config) (runner, error)
}

func NewFactory(cfg Config) *Factory {
	return &Factory{
		Log:  log.WithField("component", "winrm"),
		cfg:  cfg,
		dial: dial,
	}
}

func (f *Factory) Open(address, user, password string) (domain.CommandTransport, error) {
	if address == "" {
		return nil, domain.New(domain.KindRemoteTransport, "empty address")
	}
	c, err := f.dial(address, user, password, f.cfg)
	if err != nil {
		return nil, domain.Wrap(domain.KindRemoteTransport, "open session to "+address, err)
	}
	f.Log.WithFields(log.Fields{"target": address, "port": f.cfg.Port, "transport": f.cfg.Transport}).Debug("session opened")
	return &Session{address: address, client: c}, nil
}

func dial(address, user, password string, cfg Config) (runner, error) {
	endpoint := winrm.NewEndpoint(address, cfg.Port, cfg.HTTPS, cfg.Insecure, nil, nil, nil, cfg.Timeout)

	params := winrm.NewParameters("PT60S", "en-US", 153600)
	if strings.EqualFold(cfg.Transport, "ntlm") {
		params.TransportDecorator = func() winrm.Transporter { return &winrm.ClientNTLM{} }
	}

	return winrm.NewClientWithParameters(endpoint, user, password, params)
}

// Session runs commands on one host.
type Session struct {
	address string
	client  runner
}

func (s *Session) Run(ctx context.Context, command string) (domain.CommandResult, error) {
	var stdout, stderr bytes.Buffer
	code, err := s.client.RunWithContext(ctx, command, &stdout, &stderr)
	if err != nil {
		return domain.CommandResult{}, classify(s.address, err)
	}
	return domain.CommandResult{ExitCode: code, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// The client formats non-200 replies as "http response error: <code> - <cause>"
// and exposes no typed error for them.
const unauthorizedPrefix = "http response error: 401 "

// classify maps WinRM client errors onto the remote error kinds.
func classify(address string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, unauthorizedPrefix) || strings.Contains(strings.ToLower(msg), "unauthorized") {
		return domain.Wrap(domain.KindRemoteAuth, fmt.Sprintf("credentials rejected by %s", address), err)
	}
	return domain.Wrap(domain.KindRemoteTransport, fmt.Sprintf("winrm call to %s failed", address), err)
}
