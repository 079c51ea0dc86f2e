package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	meshsocket "github.com/Zereker/meshsocket"
	"github.com/Zereker/meshsocket/internal/config"
	"github.com/Zereker/meshsocket/internal/observability"
	"github.com/Zereker/meshsocket/transport"
	"github.com/Zereker/meshsocket/transport/udp"
)

// node bundles what every command needs: configuration, logger, the UDP
// stand-in for the radio and a dispatcher over it.
type node struct {
	cfg        *config.Config
	logger     *zap.Logger
	transport  *udp.Transport
	dispatcher *meshsocket.Dispatcher
	registry   *prometheus.Registry
}

func openNode(c *cli.Context) (*node, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	t, err := udp.Listen(transport.PeerID(cfg.NodeID), cfg.Listen, logger.Named("udp"))
	if err != nil {
		return nil, err
	}
	for id, addr := range cfg.Peers {
		if err := t.AddPeer(transport.PeerID(id), addr); err != nil {
			_ = t.Close()
			return nil, err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts, err := cfg.SocketOptions()
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	opts = append(opts,
		meshsocket.LoggerOption(meshsocket.NewZapLogger(logger.Named("socket"))),
		meshsocket.MetricsRegistryOption(reg),
	)

	d, err := meshsocket.NewDispatcher(t, opts...)
	if err != nil {
		_ = t.Close()
		return nil, err
	}

	logger.Info("node ready",
		zap.String("node", cfg.NodeID),
		zap.Stringer("udp", t.Addr()),
		zap.Int("peers", len(cfg.Peers)))

	return &node{cfg: cfg, logger: logger, transport: t, dispatcher: d, registry: reg}, nil
}

// run drives the dispatcher, the metrics endpoint and an optional task until
// ctx is canceled, something fails, or the task returns.
func (n *node) run(ctx context.Context, task func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return n.dispatcher.Run(child)
	})

	if addr := n.cfg.Metrics.Listen; addr != "" {
		group.Go(func() error {
			return n.serveMetrics(child, addr)
		})
	}

	if task != nil {
		group.Go(func() error {
			err := task(child)
			if err == nil {
				cancel()
			}
			return err
		})
	}

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *node) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	n.logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (n *node) close() {
	_ = n.transport.Close()
	_ = n.logger.Sync()
}

// exitCode maps protocol failures to the documented exit codes.
func exitCode(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, meshsocket.ErrHandshakeTimeout), errors.Is(err, meshsocket.ErrConnectionDenied):
		return cli.Exit(err.Error(), exitConnectFailed)
	case errors.Is(err, meshsocket.ErrChunkDeliveryExhausted), errors.Is(err, meshsocket.ErrReadTimeout):
		return cli.Exit(err.Error(), exitDeliveryFailed)
	default:
		return err
	}
}
