// Package dispatch runs the server-side half of starting a job: it
// validates the job/server pairing, prepares the remote machine over
// SSH, launches the build executor there as a detached process, and
// schedules the watchdogs that catch executors which never connect
// back or never finish.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/buildfleet/internal/ci"
	"github.com/terrpan/buildfleet/internal/fleet"
	"github.com/terrpan/buildfleet/internal/shell"
)

// DefaultConnectRetries is the dispatch retry budget for servers that
// are not reachable yet.
const DefaultConnectRetries = 30

const (
	// retryDelay separates dispatch attempts against a booting server.
	retryDelay = 10 * time.Second

	// connectWatchdogDelay is how long the executor gets to connect
	// back before the job is failed.
	connectWatchdogDelay = 5 * time.Minute

	// stuckWatchdogDelay force-fails any job still unfinished this
	// long after dispatch.
	stuckWatchdogDelay = 61 * time.Minute
)

// ImageArtifact is a resolved build-environment image: a concrete
// file the executor can download.
type ImageArtifact struct {
	Filename    string
	DownloadURL string
}

// ImageResolver resolves a job's image reference to a downloadable
// artifact.  A reference with no uploaded artifact is a permanent job
// failure, not a retry.
type ImageResolver interface {
	Resolve(ctx context.Context, image string) (ImageArtifact, error)
}

// Config holds the dispatcher's collaborators and policy knobs.
type Config struct {
	Jobs      ci.JobStore
	Servers   fleet.Store
	Connector shell.Connector
	Images    ImageResolver

	// Secrets is the full secret set; the dispatcher filters it per
	// job trust level before handing it to the executor.
	Secrets []ci.Secret

	// BaseURL is the control plane's externally reachable URL; the
	// executor's callback URL is derived from it.
	BaseURL string

	// ExecutorDownloadURL is where build servers fetch the executor
	// binary from.
	ExecutorDownloadURL string

	// SSHUser and SSHKeyPath authenticate to build servers.
	SSHUser    string
	SSHKeyPath string

	// CleanThresholdPercent triggers the destructive cache wipe when
	// the server's root filesystem exceeds it.  Default: 80.
	CleanThresholdPercent int

	Logger *slog.Logger

	// Schedule runs fn after delay.  Left nil it uses time.AfterFunc;
	// tests substitute a synchronous hook.
	Schedule func(delay time.Duration, fn func())
}

// Dispatcher launches jobs on reserved build servers.
type Dispatcher struct {
	jobs      ci.JobStore
	servers   fleet.Store
	connector shell.Connector
	images    ImageResolver
	secrets   []ci.Secret

	baseURL        string
	executorURL    string
	sshUser        string
	sshKeyPath     string
	cleanThreshold int

	logger   *slog.Logger
	schedule func(delay time.Duration, fn func())

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	dispatchAttempts metric.Int64Counter
	dispatchFailures metric.Int64Counter
	cacheWipes       metric.Int64Counter
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.CleanThresholdPercent == 0 {
		cfg.CleanThresholdPercent = 80
	}
	if cfg.Schedule == nil {
		cfg.Schedule = func(delay time.Duration, fn func()) {
			time.AfterFunc(delay, fn)
		}
	}

	d := &Dispatcher{
		jobs:           cfg.Jobs,
		servers:        cfg.Servers,
		connector:      cfg.Connector,
		images:         cfg.Images,
		secrets:        cfg.Secrets,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		executorURL:    cfg.ExecutorDownloadURL,
		sshUser:        cfg.SSHUser,
		sshKeyPath:     cfg.SSHKeyPath,
		cleanThreshold: cfg.CleanThresholdPercent,
		logger:         cfg.Logger,
		schedule:       cfg.Schedule,
		tracer:         otel.Tracer("buildfleet/dispatch"),
		meter:          otel.Meter("buildfleet/dispatch"),
	}

	var err error
	d.dispatchAttempts, err = d.meter.Int64Counter(
		"buildfleet.dispatch.attempts",
		metric.WithDescription("Total number of job dispatch attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create dispatchAttempts counter", slog.String("error", err.Error()))
	}

	d.dispatchFailures, err = d.meter.Int64Counter(
		"buildfleet.dispatch.failures",
		metric.WithDescription("Total number of permanently failed dispatches"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create dispatchFailures counter", slog.String("error", err.Error()))
	}

	d.cacheWipes, err = d.meter.Int64Counter(
		"buildfleet.dispatch.cache_wipes",
		metric.WithDescription("Total number of destructive cache wipes run on build servers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create cacheWipes counter", slog.String("error", err.Error()))
	}

	return d
}

// Start is the scheduler's dispatch hook: it fires the first attempt
// with a full retry budget as a background work item.
func (d *Dispatcher) Start(key ci.JobKey, serverID int64) {
	go func() {
		if err := d.Dispatch(context.Background(), key, serverID, DefaultConnectRetries); err != nil {
			d.logger.Error("dispatch failed",
				slog.String("job", key.String()),
				slog.Int64("serverID", serverID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Dispatch runs one dispatch attempt.  Each attempt works on a fresh
// job/server snapshot; staleness is detected by re-validating the
// reservation instead of holding a lock across the SSH round-trip.
func (d *Dispatcher) Dispatch(ctx context.Context, key ci.JobKey, serverID int64, retriesLeft int) error {
	ctx, span := d.tracer.Start(ctx, "dispatch.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("ci.job", key.String()),
		attribute.Int64("fleet.server_id", serverID),
		attribute.Int("dispatch.retries_left", retriesLeft),
	)
	if d.dispatchAttempts != nil {
		d.dispatchAttempts.Add(ctx, 1)
	}

	// Step 1: re-validate.  A stale or duplicate dispatch releases
	// the reservation and walks away without error.
	job, server, ok := d.revalidate(key, serverID)
	if !ok {
		return nil
	}

	// Step 2: resolve the image artifact.  No artifact means nothing
	// to build with, which no amount of retrying fixes.
	artifact, err := d.images.Resolve(ctx, job.Image)
	if err != nil {
		d.failPermanently(job, server, fmt.Sprintf(
			"Failed to resolve build image %q for job %s: %v", job.Image, job.JobName, err))
		return nil
	}

	// Step 3: reach the server.  Not-ready errors consume retry
	// budget; anything else is a real failure.
	runner, err := d.connector.Connect(ctx, shell.Config{
		Address: server.PublicAddress,
		User:    d.sshUser,
		KeyPath: d.sshKeyPath,
	})
	if err != nil {
		if shell.IsNotReady(err) {
			d.logger.Info("server not ready, will retry",
				slog.String("job", key.String()),
				slog.Int64("serverID", serverID),
				slog.Int("retriesLeft", retriesLeft-1),
			)
			d.requeue(key, serverID, retriesLeft-1)
			return nil
		}
		return fmt.Errorf("connecting to server %d: %w", serverID, err)
	}
	defer runner.Close()

	// Step 4: disk housekeeping, executor refresh, detached launch.
	d.checkDiskSpace(ctx, runner, server)

	if err := d.refreshExecutor(ctx, runner); err != nil {
		return fmt.Errorf("refreshing executor on server %d: %w", serverID, err)
	}

	connectURL := fmt.Sprintf("%s/ciBuildConnection?key=%s", d.baseURL, job.OutputConnectKey)
	launch := launchCommand(buildExecutorEnv(job, artifact, d.secrets), connectURL)
	result, err := runner.Run(ctx, launch)
	if err != nil {
		return fmt.Errorf("launching executor on server %d: %w", serverID, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("launching executor on server %d: exit %d: %s",
			serverID, result.ExitCode, result.Stderr)
	}

	job.State = ci.JobRunning
	if err := d.jobs.Save(job); err != nil {
		return fmt.Errorf("saving job %s: %w", key, err)
	}

	d.logger.Info("executor launched",
		slog.String("job", key.String()),
		slog.Int64("serverID", serverID),
	)

	// Step 5: watchdogs.
	d.schedule(connectWatchdogDelay, func() { d.checkExecutorConnected(key, serverID) })
	d.schedule(stuckWatchdogDelay, func() { d.checkJobFinished(key, serverID) })

	return nil
}

// revalidate re-fetches the job and server and confirms the
// reservation still pairs them.  On any mismatch the reservation is
// released; the next matching pass picks the job up again.
func (d *Dispatcher) revalidate(key ci.JobKey, serverID int64) (*ci.Job, *fleet.Server, bool) {
	job, jobFound := d.jobs.Get(key)
	server, serverFound := d.servers.Get(serverID)

	valid := jobFound && serverFound &&
		job.State == ci.JobWaitingForServer &&
		server.ReservedForJob(key.JobID)

	if valid {
		return job, server, true
	}

	d.logger.Warn("stale dispatch, releasing reservation",
		slog.String("job", key.String()),
		slog.Int64("serverID", serverID),
		slog.Bool("jobFound", jobFound),
		slog.Bool("serverFound", serverFound),
	)
	if serverFound {
		server.ClearReservation()
		if err := d.servers.Save(server); err != nil {
			d.logger.Error("failed to release reservation",
				slog.Int64("serverID", serverID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil, nil, false
}

// requeue spends one retry and reschedules, or converts budget
// exhaustion into a permanent failure.
func (d *Dispatcher) requeue(key ci.JobKey, serverID int64, retriesLeft int) {
	if retriesLeft > 0 {
		d.schedule(retryDelay, func() {
			if err := d.Dispatch(context.Background(), key, serverID, retriesLeft); err != nil {
				d.logger.Error("dispatch retry failed",
					slog.String("job", key.String()),
					slog.String("error", err.Error()),
				)
			}
		})
		return
	}

	job, jobFound := d.jobs.Get(key)
	server, serverFound := d.servers.Get(serverID)
	if !serverFound {
		server = nil
	}
	if !jobFound {
		// The job vanished out from under us; still hand the server
		// back so it isn't reserved for a job that no longer exists.
		if server != nil {
			server.ClearReservation()
			if err := d.servers.Save(server); err != nil {
				d.logger.Error("failed to release reservation",
					slog.Int64("serverID", serverID),
					slog.String("error", err.Error()),
				)
			}
		}
		return
	}
	d.failPermanently(job, server, fmt.Sprintf(
		"Connecting to the build server failed after %d attempts, giving up on job %s",
		DefaultConnectRetries, job.JobName))
}

// failPermanently marks the job finished as failed, records a
// human-readable explanation, and releases the server reservation.
func (d *Dispatcher) failPermanently(job *ci.Job, server *fleet.Server, reason string) {
	d.logger.Error("job permanently failed",
		slog.String("job", job.Key.String()),
		slog.String("reason", reason),
	)
	if d.dispatchFailures != nil {
		d.dispatchFailures.Add(context.Background(), 1)
	}

	if err := d.jobs.AppendOutput(job.Key, reason); err != nil {
		d.logger.Error("failed to record failure output", slog.String("error", err.Error()))
	}

	job.SetFinished(false)
	if err := d.jobs.Save(job); err != nil {
		d.logger.Error("failed to save failed job", slog.String("error", err.Error()))
	}

	if server != nil {
		server.ClearReservation()
		if err := d.servers.Save(server); err != nil {
			d.logger.Error("failed to release reservation", slog.String("error", err.Error()))
		}
	}
}

// ---------------------------------------------------------------------------
// Watchdogs
// ---------------------------------------------------------------------------

// checkExecutorConnected fails the job if the executor has produced no
// output at all within the connect window.
func (d *Dispatcher) checkExecutorConnected(key ci.JobKey, serverID int64) {
	job, found := d.jobs.Get(key)
	if !found || job.State != ci.JobRunning {
		return
	}
	if len(d.jobs.Output(key)) > 0 {
		return
	}

	server, _ := d.servers.Get(serverID)
	d.failPermanently(job, server, fmt.Sprintf(
		"Build executor did not connect back within %s for job %s",
		connectWatchdogDelay, job.JobName))
}

// checkJobFinished force-fails a job still unfinished past the stuck
// deadline.
func (d *Dispatcher) checkJobFinished(key ci.JobKey, serverID int64) {
	job, found := d.jobs.Get(key)
	if !found || job.State == ci.JobFinished {
		return
	}

	server, _ := d.servers.Get(serverID)
	d.failPermanently(job, server, fmt.Sprintf(
		"Job %s exceeded the maximum runtime of %s and was force-failed",
		job.JobName, stuckWatchdogDelay))
}

// ---------------------------------------------------------------------------
// Remote preparation
// ---------------------------------------------------------------------------

// checkDiskSpace reads the server's disk usage and wipes the caches if
// usage crosses the threshold or a manual clean-up was queued.  Usage
// read failures are non-fatal; wipe failures are logged but do not
// abort the dispatch.
func (d *Dispatcher) checkDiskSpace(ctx context.Context, runner shell.Runner, server *fleet.Server) {
	result, err := runner.Run(ctx, "df -h")
	if err != nil || result.ExitCode != 0 {
		d.logger.Warn("could not read disk usage",
			slog.Int64("serverID", server.ID),
		)
	} else {
		percent, perr := parseDiskUsage(result.Stdout)
		if perr != nil {
			d.logger.Warn("could not parse disk usage",
				slog.Int64("serverID", server.ID),
				slog.String("error", perr.Error()),
			)
		} else {
			server.UsedDiskPercent = percent
		}
	}

	if server.UsedDiskPercent >= d.cleanThreshold || server.CleanUpQueued {
		d.logger.Info("wiping build server caches",
			slog.Int64("serverID", server.ID),
			slog.Int("usedPercent", server.UsedDiskPercent),
			slog.Bool("cleanUpQueued", server.CleanUpQueued),
		)
		if d.cacheWipes != nil {
			d.cacheWipes.Add(ctx, 1)
		}
		wipe, err := runner.Run(ctx, wipeCommand)
		if err != nil || wipe.ExitCode != 0 {
			d.logger.Error("cache wipe failed",
				slog.Int64("serverID", server.ID),
			)
		}
		server.CleanUpQueued = false
	}

	server.BumpUpdatedAt()
	if err := d.servers.Save(server); err != nil {
		d.logger.Error("failed to save server after housekeeping",
			slog.Int64("serverID", server.ID),
			slog.String("error", err.Error()),
		)
	}
}

// wipeCommand destroys everything rebuildable on the build server.
const wipeCommand = "sudo rm -rf /executor_cache ~/images && podman system reset --force && sync"

// refreshExecutor downloads the current executor binary onto the
// server.
func (d *Dispatcher) refreshExecutor(ctx context.Context, runner shell.Runner) error {
	cmd := fmt.Sprintf("curl -fsSL %s -o ~/buildexec && chmod +x ~/buildexec",
		shellQuote(d.executorURL))
	result, err := runner.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("executor download exited %d: %s", result.ExitCode, result.Stderr)
	}
	return nil
}

// launchCommand assembles the detached executor invocation: env vars,
// nohup, output to a log file, immediate return.
func launchCommand(env map[string]string, connectURL string) string {
	var sb strings.Builder
	sb.WriteString("nohup env")
	for _, key := range envOrder(env) {
		sb.WriteString(" ")
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(shellQuote(env[key]))
	}
	sb.WriteString(" ~/buildexec ")
	sb.WriteString(shellQuote(connectURL))
	sb.WriteString(" > ~/buildexec.log 2>&1 &")
	return sb.String()
}

// buildExecutorEnv assembles the executor's environment: every job
// parameter it needs, including the trust-filtered secrets payload.
// The callback URL travels as the executor's positional argument, not
// in the environment.
func buildExecutorEnv(job *ci.Job, artifact ImageArtifact, secrets []ci.Secret) map[string]string {
	filtered := ci.FilterSecrets(secrets, job.Trusted)
	secretsJSON, err := json.Marshal(filtered)
	if err != nil {
		// Secrets are plain string structs; this cannot fail.
		secretsJSON = []byte("[]")
	}

	return map[string]string{
		"CI_IMAGE_NAME":     job.Image,
		"CI_IMAGE_FILENAME": artifact.Filename,
		"CI_IMAGE_DL_URL":   artifact.DownloadURL,
		"CI_BRANCH":         job.Branch,
		"CI_DEFAULT_BRANCH": job.DefaultBranch,
		"CI_JOB_NAME":       job.JobName,
		"CI_REF":            job.RemoteRef,
		"CI_COMMIT_HASH":    job.CommitHash,
		"CI_EARLIER_COMMIT": job.PreviousCommit,
		"CI_ORIGIN":         job.RepositoryCloneURL,
		"CI_TRUSTED":        fmt.Sprintf("%t", job.Trusted),
		"CI_CACHE_OPTIONS":  job.CacheSettingsJSON,
		"CI_SECRETS":        string(secretsJSON),
	}
}

// envOrder returns the env keys sorted so the generated command is
// deterministic.
func envOrder(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// shellQuote wraps s in single quotes, escaping embedded single
// quotes, so arbitrary job parameters survive the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ---------------------------------------------------------------------------
// Disk usage parsing
// ---------------------------------------------------------------------------

// parseDiskUsage extracts the used-space percentage of the root
// filesystem from df output.  Only real device mounts (/dev/...) are
// considered; when no entry is mounted at "/", the last device entry
// is used as a fallback.
func parseDiskUsage(dfOutput string) (int, error) {
	var rootPercent, lastPercent int
	foundRoot, foundAny := false, false

	for _, line := range strings.Split(dfOutput, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 || !strings.HasPrefix(fields[0], "/dev") {
			continue
		}

		var percent int
		if _, err := fmt.Sscanf(fields[4], "%d%%", &percent); err != nil {
			continue
		}
		foundAny = true
		lastPercent = percent
		if fields[5] == "/" {
			rootPercent = percent
			foundRoot = true
		}
	}

	switch {
	case foundRoot:
		return rootPercent, nil
	case foundAny:
		return lastPercent, nil
	default:
		return 0, fmt.Errorf("no device mounts found in df output")
	}
}
