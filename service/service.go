// Package service runs the auxiliary healthz and Prometheus metrics
// listeners alongside the orchestration API.
package service

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/qa-infra/qa-acceptor/metrics"
)

type Service struct {
	log     *zap.SugaredLogger
	Healthz *HealthzServer
	Metrics *MetricsServer

	healthzAddr string
	metricsAddr string
}

func New(log *zap.SugaredLogger, healthzAddr, metricsAddr string) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		log:         log,
		Healthz:     &HealthzServer{log: log},
		Metrics:     &MetricsServer{},
		healthzAddr: healthzAddr,
		metricsAddr: metricsAddr,
	}
}

func (s *Service) Start(ctx context.Context) {
	go func() {
		s.log.Infow("starting healthz server", "addr", s.healthzAddr)
		if err := s.Healthz.Start(ctx, s.healthzAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("error starting healthz server", "err", err)
			metrics.RecordErrorDetails("error starting healthz server", err)
		}
	}()

	go func() {
		s.log.Infow("starting metrics server", "addr", s.metricsAddr)
		if err := s.Metrics.Start(ctx, s.metricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("error starting metrics server", "err", err)
			metrics.RecordErrorDetails("error starting metrics server", err)
		}
	}()

	s.log.Infow("service started")
}

func (s *Service) Shutdown() {
	_ = s.Healthz.Shutdown()
	_ = s.Metrics.Shutdown()
	s.log.Infow("service stopped")
}
