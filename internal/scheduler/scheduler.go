// Package scheduler keeps exactly enough build servers running to
// satisfy queued jobs, without exceeding the configured concurrency
// ceiling, and reclaims idle capacity.  It owns the server lifecycle
// state machine and the job-to-server matching policy.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/buildfleet/internal/ci"
	"github.com/terrpan/buildfleet/internal/driver"
	"github.com/terrpan/buildfleet/internal/fleet"
)

// DispatchFunc hands a matched job off to the dispatch path.  It must
// not block: dispatch attempts run as their own background work items.
type DispatchFunc func(key ci.JobKey, serverID int64)

// Config holds the scheduler's policy parameters and collaborators.
type Config struct {
	// MaxConcurrentServers caps servers in any non-terminal status.
	MaxConcurrentServers int

	// IdleTimeout is how long a Running, unreserved server may sit
	// untouched before it is stopped.
	IdleTimeout time.Duration

	// UseHibernate stops idle servers in a suspend mode so resume is
	// faster, where the driver supports it.
	UseHibernate bool

	// StatusCheckDebounce bounds how often one server's cloud status
	// is re-queried.  Default: 5s.
	StatusCheckDebounce time.Duration

	Store    fleet.Store
	Jobs     ci.JobStore
	Driver   driver.Driver
	Dispatch DispatchFunc
	Logger   *slog.Logger
}

// Scheduler drives the server fleet.  One instance runs per control
// plane; each tick is a single writer over the server list.
type Scheduler struct {
	store    fleet.Store
	jobs     ci.JobStore
	driver   driver.Driver
	dispatch DispatchFunc
	logger   *slog.Logger

	maxConcurrent int
	idleTimeout   time.Duration
	useHibernate  bool
	debounce      time.Duration

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	serversLaunched   metric.Int64Counter
	serversTerminated metric.Int64Counter
	jobsMatched       metric.Int64Counter
	scaleEvents       metric.Int64Counter
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.StatusCheckDebounce == 0 {
		cfg.StatusCheckDebounce = 5 * time.Second
	}

	s := &Scheduler{
		store:         cfg.Store,
		jobs:          cfg.Jobs,
		driver:        cfg.Driver,
		dispatch:      cfg.Dispatch,
		logger:        cfg.Logger,
		maxConcurrent: cfg.MaxConcurrentServers,
		idleTimeout:   cfg.IdleTimeout,
		useHibernate:  cfg.UseHibernate,
		debounce:      cfg.StatusCheckDebounce,
		tracer:        otel.Tracer("buildfleet/scheduler"),
		meter:         otel.Meter("buildfleet/scheduler"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	s.serversLaunched, err = s.meter.Int64Counter(
		"buildfleet.servers.launched",
		metric.WithDescription("Total number of build servers launched"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create serversLaunched counter", slog.String("error", err.Error()))
	}

	s.serversTerminated, err = s.meter.Int64Counter(
		"buildfleet.servers.terminated",
		metric.WithDescription("Total number of build servers terminated"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create serversTerminated counter", slog.String("error", err.Error()))
	}

	s.jobsMatched, err = s.meter.Int64Counter(
		"buildfleet.jobs.matched",
		metric.WithDescription("Total number of jobs matched to servers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create jobsMatched counter", slog.String("error", err.Error()))
	}

	s.scaleEvents, err = s.meter.Int64Counter(
		"buildfleet.scale.events",
		metric.WithDescription("Total number of fleet scale events"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create scaleEvents counter", slog.String("error", err.Error()))
	}

	// Register observable gauges for running/idle server counts
	_, err = s.meter.Int64ObservableGauge(
		"buildfleet.servers.running",
		metric.WithDescription("Current number of running build servers"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var count int64
			for _, srv := range s.store.List() {
				if srv.Status == fleet.StatusRunning {
					count++
				}
			}
			o.Observe(count)
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create running gauge", slog.String("error", err.Error()))
	}

	_, err = s.meter.Int64ObservableGauge(
		"buildfleet.servers.idle",
		metric.WithDescription("Current number of running, unreserved build servers"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var count int64
			for _, srv := range s.store.List() {
				if srv.Status == fleet.StatusRunning && srv.ReservationType == fleet.ReservationNone {
					count++
				}
			}
			o.Observe(count)
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create idle gauge", slog.String("error", err.Error()))
	}

	return s
}

// ---------------------------------------------------------------------------
// Status refresh
// ---------------------------------------------------------------------------

// RefreshServerStatuses re-queries the fleet driver for servers in
// transitional statuses (WaitingForStartup, Stopping) whose last check
// is older than the debounce interval, and applies observed changes.
func (s *Scheduler) RefreshServerStatuses(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.RefreshServerStatuses")
	defer span.End()

	now := time.Now().UTC()

	var stale []*fleet.Server
	for _, srv := range s.store.List() {
		if srv.Status != fleet.StatusWaitingForStartup && srv.Status != fleet.StatusStopping {
			continue
		}
		if now.Sub(srv.StatusLastChecked) < s.debounce {
			continue
		}
		stale = append(stale, srv)
	}
	span.SetAttributes(attribute.Int("fleet.stale_count", len(stale)))
	if len(stale) == 0 {
		return nil
	}

	ids := make([]string, len(stale))
	byInstance := make(map[string]*fleet.Server, len(stale))
	for i, srv := range stale {
		ids[i] = srv.InstanceID
		byInstance[srv.InstanceID] = srv
	}

	statuses, err := s.driver.DescribeStatuses(ctx, ids)
	if err != nil {
		return fmt.Errorf("describing server statuses: %w", err)
	}

	for _, st := range statuses {
		srv, ok := byInstance[st.InstanceID]
		if !ok {
			continue
		}
		srv.StatusLastChecked = now

		if st.Status != srv.Status {
			s.applyStatusChange(srv, st, now)
		}

		if err := s.store.Save(srv); err != nil {
			return fmt.Errorf("saving server %d: %w", srv.ID, err)
		}
	}
	return nil
}

// applyStatusChange records an observed cloud-side status transition.
func (s *Scheduler) applyStatusChange(srv *fleet.Server, st driver.InstanceStatus, now time.Time) {
	s.logger.Info("server status changed",
		slog.Int64("serverID", srv.ID),
		slog.String("instanceID", srv.InstanceID),
		slog.String("from", srv.Status.String()),
		slog.String("to", st.Status.String()),
	)

	wasRunning := srv.Status == fleet.StatusRunning

	srv.Status = st.Status
	srv.ClearReservation()

	switch {
	case st.Status == fleet.StatusRunning:
		srv.PublicAddress = st.PublicAddress
		running := now
		srv.RunningSince = &running
		// The server image carries everything a build needs, so a
		// server that reaches Running is ready for dispatch.
		srv.ProvisionedFully = true
	case wasRunning && srv.RunningSince != nil:
		srv.TotalRuntimeSeconds += now.Sub(*srv.RunningSince).Seconds()
		srv.RunningSince = nil
	}
	srv.BumpUpdatedAt()
}

// ---------------------------------------------------------------------------
// Job matching and capacity creation
// ---------------------------------------------------------------------------

// MatchJobsToServers reserves servers for the given jobs using
// first-fit over servers in ID order, then creates capacity for any
// deficit within the concurrency ceiling.  It returns true only when
// every job got a server.
func (s *Scheduler) MatchJobsToServers(ctx context.Context, jobs []*ci.Job) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.MatchJobsToServers")
	defer span.End()
	span.SetAttributes(attribute.Int("ci.jobs_count", len(jobs)))

	servers := s.store.List()

	missingServer := 0
	for _, job := range jobs {
		if job.State != ci.JobStarting {
			continue
		}

		matched := false
		for _, srv := range servers {
			if !srv.Dispatchable() {
				continue
			}

			srv.Reserve(job.Key.JobID)
			job.State = ci.JobWaitingForServer
			serverID := srv.ID
			job.RunningOnServerID = &serverID

			if err := s.store.Save(srv); err != nil {
				return false, fmt.Errorf("saving server %d: %w", srv.ID, err)
			}
			if err := s.jobs.Save(job); err != nil {
				return false, fmt.Errorf("saving job %s: %w", job.Key, err)
			}

			s.logger.Info("job matched to server",
				slog.String("job", job.Key.String()),
				slog.Int64("serverID", srv.ID),
			)
			if s.jobsMatched != nil {
				s.jobsMatched.Add(ctx, 1)
			}

			if s.dispatch != nil {
				s.dispatch(job.Key, srv.ID)
			}
			matched = true
			break
		}
		if !matched {
			missingServer++
		}
	}

	if missingServer == 0 {
		return true, nil
	}

	span.SetAttributes(attribute.Int("fleet.missing_servers", missingServer))

	// Count servers by status; capacity already being created counts
	// against the deficit.
	var provisioning, starting, stopping, running int
	for _, srv := range servers {
		switch srv.Status {
		case fleet.StatusProvisioning:
			provisioning++
		case fleet.StatusWaitingForStartup:
			starting++
		case fleet.StatusStopping:
			stopping++
		case fleet.StatusRunning:
			running++
		}
	}

	missingServer -= provisioning + starting
	if missingServer <= 0 {
		s.logger.Debug("capacity already being created",
			slog.Int("provisioning", provisioning),
			slog.Int("starting", starting),
		)
		return false, nil
	}

	total := provisioning + starting + stopping + running
	if total >= s.maxConcurrent {
		s.logger.Info("fleet at concurrency ceiling, not creating capacity",
			slog.Int("total", total),
			slog.Int("max", s.maxConcurrent),
			slog.Int("missing", missingServer),
		)
		return false, nil
	}

	if err := s.createCapacity(ctx, servers, missingServer, total); err != nil {
		return false, err
	}
	return false, nil
}

// createCapacity satisfies up to deficit missing servers, cheapest
// option first: resume a Stopped server, re-provision a Terminated
// record, then launch a brand-new instance.  total tracks non-terminal
// servers against the ceiling.
func (s *Scheduler) createCapacity(ctx context.Context, servers []*fleet.Server, deficit, total int) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.createCapacity")
	defer span.End()
	span.SetAttributes(
		attribute.Int("fleet.deficit", deficit),
		attribute.Int("fleet.total", total),
	)

	var stopped, terminated []*fleet.Server
	for _, srv := range servers {
		switch srv.Status {
		case fleet.StatusStopped:
			stopped = append(stopped, srv)
		case fleet.StatusTerminated:
			terminated = append(terminated, srv)
		}
	}

	for deficit > 0 && total < s.maxConcurrent {
		switch {
		case len(stopped) > 0:
			srv := stopped[0]
			stopped = stopped[1:]

			s.logger.Info("resuming stopped server", slog.Int64("serverID", srv.ID))
			if err := s.driver.Resume(ctx, srv.InstanceID); err != nil {
				return fmt.Errorf("resuming server %d: %w", srv.ID, err)
			}
			srv.Status = fleet.StatusWaitingForStartup
			srv.StatusLastChecked = time.Now().UTC()
			srv.BumpUpdatedAt()
			if err := s.store.Save(srv); err != nil {
				return fmt.Errorf("saving server %d: %w", srv.ID, err)
			}
			if s.scaleEvents != nil {
				s.scaleEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("action", "resume")))
			}

		case len(terminated) > 0:
			srv := terminated[0]
			terminated = terminated[1:]

			s.logger.Info("re-provisioning terminated server record", slog.Int64("serverID", srv.ID))
			instanceID, err := s.launchOne(ctx)
			if err != nil {
				return err
			}
			srv.SetProvisioning(instanceID)
			srv.BumpUpdatedAt()
			if err := s.store.Save(srv); err != nil {
				return fmt.Errorf("saving server %d: %w", srv.ID, err)
			}
			if s.scaleEvents != nil {
				s.scaleEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("action", "reprovision")))
			}

		default:
			s.logger.Info("launching new server")
			instanceID, err := s.launchOne(ctx)
			if err != nil {
				return err
			}
			srv := &fleet.Server{}
			srv.SetProvisioning(instanceID)
			srv.BumpUpdatedAt()
			if err := s.store.Add(srv); err != nil {
				return fmt.Errorf("adding server for instance %s: %w", instanceID, err)
			}
			if s.scaleEvents != nil {
				s.scaleEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("action", "launch")))
			}
		}

		deficit--
		total++
	}
	return nil
}

// launchOne requests exactly one instance from the driver.  A driver
// that hands back more than one has violated its contract: the excess
// is terminated immediately to avoid orphaned billing, and the cycle
// fails.
func (s *Scheduler) launchOne(ctx context.Context) (string, error) {
	ids, err := s.driver.Launch(ctx)
	if err != nil {
		return "", fmt.Errorf("launching instance: %w", err)
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("driver returned no instances")
	}

	if s.serversLaunched != nil {
		s.serversLaunched.Add(ctx, 1)
	}

	if len(ids) > 1 {
		for _, extra := range ids[1:] {
			s.logger.Error("driver returned excess instance, terminating",
				slog.String("instanceID", extra),
			)
			if termErr := s.driver.Terminate(ctx, extra); termErr != nil {
				s.logger.Error("failed to terminate excess instance",
					slog.String("instanceID", extra),
					slog.String("error", termErr.Error()),
				)
			} else if s.serversTerminated != nil {
				s.serversTerminated.Add(ctx, 1)
			}
		}
		return ids[0], fmt.Errorf("driver returned %d instances for a single launch request", len(ids))
	}

	return ids[0], nil
}

// ---------------------------------------------------------------------------
// Idle shutdown
// ---------------------------------------------------------------------------

// ShutdownIdleServers stops every Running, fully-provisioned,
// unreserved server whose UpdatedAt age exceeds the idle threshold.
func (s *Scheduler) ShutdownIdleServers(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.ShutdownIdleServers")
	defer span.End()

	now := time.Now().UTC()

	for _, srv := range s.store.List() {
		if srv.Status != fleet.StatusRunning || !srv.ProvisionedFully {
			continue
		}
		if srv.ReservationType != fleet.ReservationNone {
			continue
		}
		if now.Sub(srv.UpdatedAt) < s.idleTimeout {
			continue
		}

		s.logger.Info("stopping idle server",
			slog.Int64("serverID", srv.ID),
			slog.Bool("hibernate", s.useHibernate),
		)
		if err := s.driver.Stop(ctx, srv.InstanceID, s.useHibernate); err != nil {
			return fmt.Errorf("stopping server %d: %w", srv.ID, err)
		}

		srv.Status = fleet.StatusStopping
		srv.StatusLastChecked = now
		if srv.RunningSince != nil {
			srv.TotalRuntimeSeconds += now.Sub(*srv.RunningSince).Seconds()
			srv.RunningSince = nil
		}
		srv.BumpUpdatedAt()
		if err := s.store.Save(srv); err != nil {
			return fmt.Errorf("saving server %d: %w", srv.ID, err)
		}
		if s.scaleEvents != nil {
			s.scaleEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("action", "idle_stop")))
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Control loop
// ---------------------------------------------------------------------------

// Run drives the scheduler at a fixed interval until ctx is cancelled.
// Each tick refreshes statuses, matches pending jobs and reclaims idle
// capacity; failures are logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	s.logger.Info("scheduler started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	if err := s.RefreshServerStatuses(ctx); err != nil {
		s.logger.Error("status refresh failed", slog.String("error", err.Error()))
	}

	pending := s.jobs.Pending()
	if len(pending) > 0 {
		if _, err := s.MatchJobsToServers(ctx, pending); err != nil {
			s.logger.Error("job matching failed", slog.String("error", err.Error()))
		}
	}

	if err := s.ShutdownIdleServers(ctx); err != nil {
		s.logger.Error("idle shutdown failed", slog.String("error", err.Error()))
	}
}
