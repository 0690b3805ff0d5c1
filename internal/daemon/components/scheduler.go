package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/chatgate/internal/config"
	"github.com/harunnryd/chatgate/internal/daemon"
	"github.com/harunnryd/chatgate/internal/metrics"
	"github.com/harunnryd/chatgate/internal/scheduler"
)

const SchedulerComponentName = "Scheduler"

type SchedulerComponent struct {
	gateway   *GatewayComponent
	schedules []config.ScheduleConfig
	metrics   *metrics.Collector

	mu          sync.RWMutex
	scheduler   *scheduler.Scheduler
	initialized bool
	started     bool
}

func NewSchedulerComponent(gw *GatewayComponent, schedules []config.ScheduleConfig, m *metrics.Collector) *SchedulerComponent {
	return &SchedulerComponent{gateway: gw, schedules: schedules, metrics: m}
}

func (s *SchedulerComponent) Name() string {
	return SchedulerComponentName
}

func (s *SchedulerComponent) Dependencies() []string {
	return []string{GatewayComponentName}
}

func (s *SchedulerComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	router := s.gateway.Router()
	if router == nil {
		return fmt.Errorf("gateway router not initialized")
	}
	jobs, err := scheduler.NewJobs(s.schedules)
	if err != nil {
		return err
	}
	s.scheduler = scheduler.New(router, jobs, s.metrics)
	s.initialized = true
	slog.Info("Scheduler initialized", "component", s.Name(), "jobs", len(jobs))
	return nil
}

func (s *SchedulerComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("scheduler component not initialized")
	}
	if err := s.scheduler.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	s.started = true
	return nil
}

func (s *SchedulerComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false
	return s.scheduler.Stop(ctx)
}

func (s *SchedulerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if err := s.scheduler.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: s.Name(), Healthy: true}, nil
}
