package main

import (
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plan-systems/plan-gateway/ctx"
	"github.com/plan-systems/plan-gateway/gateway"
)

// Gatewayd is the gateway daemon: a Broker, the grpc service sessions connect to, and (optionally) a metrics endpoint.
type Gatewayd struct {
	ctx.Context

	Config *gateway.Config

	broker     *gateway.Broker
	grpcServer *gateway.GrpcServer
	metricsSrv *http.Server
}

// NewGatewayd returns a daemon for the given (validated) config.
func NewGatewayd(cfg *gateway.Config) *Gatewayd {
	return &Gatewayd{
		Config: cfg,
	}
}

// Start starts the broker, then the grpc service in front of it.
func (gd *Gatewayd) Start() error {
	return gd.CtxStart(
		gd.ctxStartup,
		nil,
		nil,
		gd.ctxStopping,
	)
}

func (gd *Gatewayd) ctxStartup() error {
	gd.SetLogLabel("gatewayd")

	cfg := gd.Config
	gd.Infof(0, "data dir: %s", cfg.DataDir)

	gd.broker = gateway.NewBroker(cfg.ReplayLogPath(), cfg.Broker, gateway.NewMetrics(prometheus.DefaultRegisterer))
	if err := gd.broker.Start(); err != nil {
		return err
	}
	gd.CtxAddChild(gd.broker)

	// Children stop in reverse order, so the grpc service drains before the broker closes its log.
	gd.grpcServer = gateway.NewGrpcServer(gd.broker, cfg.ListenNetwork, cfg.ListenAddr)
	if err := gd.grpcServer.Start(); err != nil {
		return err
	}
	gd.CtxAddChild(gd.grpcServer)

	if cfg.MetricsAddr != "" {
		if err := gd.startMetrics(cfg.MetricsAddr); err != nil {
			return err
		}
	}

	st, _ := gd.broker.Status(gd.Ctx)
	gd.Infof(0, "replay log holds slabs [%d, %d]", st.Head, st.Tail)
	return nil
}

func (gd *Gatewayd) startMetrics(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen for metrics on %s", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	gd.metricsSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	gd.Infof(0, "serving metrics on http://%s/metrics", addr)
	gd.CtxGo(func() {
		if err := gd.metricsSrv.Serve(lis); err != nil && err != http.ErrServerClosed {
			gd.Warnf("metrics server exited: %v", err)
		}
	})
	return nil
}

func (gd *Gatewayd) ctxStopping() {
	if gd.metricsSrv != nil {
		gd.metricsSrv.Close()
	}
	gd.Info(0, "stopped")
}
