package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/adapter/grpcapi"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/adapter/httpapi"
)

const shutdownGrace = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	var grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API (and the gRPC API when enabled)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if addr == "" {
				addr = cfg.Server.Addr()
			}
			if grpcAddr != "" {
				cfg.GRPC.Enabled = true
				cfg.GRPC.Address = grpcAddr
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.host/port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "Enable the gRPC API on this address")
	return cmd
}

func serve(ctx context.Context, a *app, addr string) error {
	cfg := a.cfg

	httpOpts := []httpapi.Option{httpapi.WithResults(a.results)}
	grpcOpts := []grpcapi.Option{}
	if m := a.mirror(); m != nil {
		httpOpts = append(httpOpts, httpapi.WithMirror(m))
		grpcOpts = append(grpcOpts, grpcapi.WithMirror(m))
	}

	api := httpapi.NewServer(httpapi.Config{
		APIKey:            cfg.Server.APIKey,
		RequestsPerWindow: cfg.Server.RateLimit.Requests,
		Window:            cfg.Server.RateLimit.Per,
		TestMaxDuration:   cfg.Server.TestMaxDuration,
		Limits:            cfg.Orchestrator.Limits,
	}, a.orchestrator, a.catalog, httpOpts...)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var gs *grpc.Server
	var lis net.Listener
	if cfg.GRPC.Enabled {
		var err error
		if lis, err = net.Listen("tcp", cfg.GRPC.Address); err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		svc := grpcapi.NewService(grpcapi.Config{
			APIKey:          cfg.Server.APIKey,
			TestMaxDuration: cfg.Server.TestMaxDuration,
			Limits:          cfg.Orchestrator.Limits,
		}, a.orchestrator, a.catalog, grpcOpts...)
		gs = grpcapi.NewServer(svc)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", addr).Info("CyberDuel API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if gs != nil {
		g.Go(func() error {
			log.WithField("addr", lis.Addr().String()).Info("CyberDuel gRPC API listening")
			return gs.Serve(lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			stopped := make(chan struct{})
			go func() {
				gs.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(shutdownGrace):
				gs.Stop()
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err := g.Wait()
	drainRuns(a.orchestrator, cfg.Server.DrainTimeout)
	return err
}

type runDrainer interface {
	Running() int
	Drain(ctx context.Context) error
}

// drainRuns waits up to timeout for runs that outlived their requests, so
// results are stored and infrastructure is not left half built.
func drainRuns(d runDrainer, timeout time.Duration) bool {
	n := d.Running()
	if n == 0 {
		return true
	}
	logger := log.WithFields(log.Fields{"runs": n, "timeout": timeout})
	logger.Info("waiting for running tests to finish")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.Drain(ctx); err != nil {
		logger.WithField("still_running", d.Running()).Warn("gave up waiting for running tests")
		return false
	}
	logger.Info("all running tests finished")
	return true
}
