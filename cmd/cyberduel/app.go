package main

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/adapter/jsonreport"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/adapter/mqttsink"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/adapter/readiness"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/adapter/sqlitestore"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/adapter/terraform"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/adapter/winrm"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/catalog"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/config"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/usecase"
)

const portScanTimeout = 30 * time.Second

// app holds the wired components shared by serve and run.
type app struct {
	cfg          *config.Config
	catalog      *catalog.Catalog
	orchestrator *usecase.Orchestrator
	results      usecase.ResultRepos
	history      *sqlitestore.Store
	mqtt         *mqttsink.Publisher
}

func newApp(cfg *config.Config) (*app, error) {
	cat, err := catalog.Builtin()
	if err != nil {
		return nil, fmt.Errorf("load attack catalog: %w", err)
	}

	backend, err := terraform.NewBackend("")
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, catalog: cat}
	if err := a.openResults(); err != nil {
		return nil, err
	}
	a.connectMQTT()

	transports := winrm.NewFactory(winrm.Config{
		Port:      cfg.WinRM.Port,
		HTTPS:     cfg.WinRM.HTTPS,
		Insecure:  cfg.WinRM.Insecure,
		Transport: cfg.WinRM.Transport,
		Timeout:   cfg.WinRM.CommandTimeout,
	})

	checker := usecase.ReadinessChecker{
		Port:              cfg.WinRM.Port,
		ConnectionTest:    cfg.Readiness.ConnectionTest,
		CollectSystemInfo: cfg.WinRM.CollectSystemInfo,
	}
	if cfg.Readiness.PortScan {
		checker.Prober = readiness.NewNmapProber(portScanTimeout)
	}

	prov := usecase.IaCProvisioner{
		Backend: backend,
		Config:  cfg.Terraform,
		Log:     log.WithField("component", "provisioning"),
	}

	a.orchestrator = usecase.NewOrchestrator(cat, prov, transports, cfg.Orchestrator,
		usecase.WithRemoteConfig(cfg.WinRM.Config),
		usecase.WithResults(a.results),
		usecase.WithReadiness(checker),
	)
	return a, nil
}

func (a *app) openResults() error {
	if a.cfg.Results.Dir != "" {
		if err := os.MkdirAll(a.cfg.Results.Dir, 0o755); err != nil {
			return fmt.Errorf("create results dir: %w", err)
		}
		a.results = append(a.results, jsonreport.New(a.cfg.Results.Dir))
	}
	if a.cfg.Results.SQLitePath != "" {
		store, err := sqlitestore.Open(a.cfg.Results.SQLitePath)
		if err != nil {
			return fmt.Errorf("open result history: %w", err)
		}
		a.history = store
		a.results = append(a.results, store)
	}
	return nil
}

// connectMQTT enables the event mirror. A broker that cannot be reached only
// costs the mirror.
func (a *app) connectMQTT() {
	m := a.cfg.MQTT
	if !m.Enabled() {
		return
	}
	p, err := mqttsink.Connect(mqttsink.Config{
		Broker:      m.Broker,
		ClientID:    m.ClientID,
		TopicPrefix: m.TopicPrefix,
		QoS:         m.QoS,
	})
	if err != nil {
		log.WithError(err).Warn("mqtt mirror disabled")
		return
	}
	a.mqtt = p
}

// mirror returns the per-run sink factory for the API servers, or nil.
func (a *app) mirror() func(testID string) domain.EventSink {
	if a.mqtt == nil {
		return nil
	}
	return a.mqtt.SinkFor
}

func (a *app) Close() {
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			log.WithError(err).Warn("close result history")
		}
	}
}
