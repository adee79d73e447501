package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/buildfleet/internal/ci"
	"github.com/terrpan/buildfleet/internal/fleet"
	"github.com/terrpan/buildfleet/internal/shell"
)

const dfSample = `Filesystem      Size  Used Avail Use% Mounted on
tmpfs           3.2G  2.1M  3.2G   1% /run
/dev/sda1        97G   88G  8.6G  92% /
/dev/sdb1       197G   60G  127G  33% /executor_cache
tmpfs           016G     0   16G   0% /dev/shm
`

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeRunner struct {
	mu       sync.Mutex
	commands []string

	// responses maps a command substring to a canned result.
	responses map[string]shell.Result
}

func (f *fakeRunner) Run(_ context.Context, command string) (shell.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, command)
	for substr, res := range f.responses {
		if strings.Contains(command, substr) {
			return res, nil
		}
	}
	return shell.Result{}, nil
}

func (f *fakeRunner) Close() error { return nil }

func (f *fakeRunner) commandContaining(substr string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cmd := range f.commands {
		if strings.Contains(cmd, substr) {
			return cmd, true
		}
	}
	return "", false
}

type fakeConnector struct {
	runner     *fakeRunner
	connectErr error
}

func (f *fakeConnector) Connect(_ context.Context, _ shell.Config) (shell.Runner, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.runner, nil
}

type fakeResolver struct {
	artifact ImageArtifact
	err      error
}

func (f *fakeResolver) Resolve(_ context.Context, _ string) (ImageArtifact, error) {
	return f.artifact, f.err
}

// scheduled captures watchdog / retry scheduling without timers.
type scheduled struct {
	delay time.Duration
	fn    func()
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type DispatchSuite struct {
	suite.Suite
	ctx       context.Context
	jobs      *ci.FileJobStore
	servers   *fleet.FileStore
	runner    *fakeRunner
	connector *fakeConnector
	resolver  *fakeResolver
	scheduled []scheduled
}

func (s *DispatchSuite) SetupTest() {
	s.ctx = context.Background()
	dir := s.T().TempDir()

	jobs, err := ci.NewFileJobStore(filepath.Join(dir, "jobs.json"))
	require.NoError(s.T(), err)
	s.jobs = jobs

	s.servers = fleet.NewFileStore(filepath.Join(dir, "servers.json"))
	require.NoError(s.T(), s.servers.Load(s.ctx))

	s.runner = &fakeRunner{responses: map[string]shell.Result{
		"df -h": {Stdout: dfSample},
	}}
	s.connector = &fakeConnector{runner: s.runner}
	s.resolver = &fakeResolver{artifact: ImageArtifact{
		Filename:    "build-env-1.tar.xz",
		DownloadURL: "https://artifacts.example.com/build-env-1.tar.xz",
	}}
	s.scheduled = nil
}

func (s *DispatchSuite) newDispatcher(cleanThreshold int) *Dispatcher {
	return New(Config{
		Jobs:      s.jobs,
		Servers:   s.servers,
		Connector: s.connector,
		Images:    s.resolver,
		Secrets: []ci.Secret{
			{Name: "TOKEN", Content: "generic", Scope: ci.SecretScopeAll},
			{Name: "TOKEN", Content: "safe-only", Scope: ci.SecretScopeSafeOnly},
		},
		BaseURL:               "https://fleet.example.com",
		ExecutorDownloadURL:   "https://fleet.example.com/files/buildexec",
		SSHUser:               "builder",
		SSHKeyPath:            "/etc/buildfleet/id_ed25519",
		CleanThresholdPercent: cleanThreshold,
		Logger:                slog.New(slog.NewTextHandler(io.Discard, nil)),
		Schedule: func(delay time.Duration, fn func()) {
			s.scheduled = append(s.scheduled, scheduled{delay: delay, fn: fn})
		},
	})
}

// seedJobAndServer creates a matched pair: job in WaitingForServer,
// server Running and reserved for it.
func (s *DispatchSuite) seedJobAndServer(jobID int64) (*ci.Job, *fleet.Server) {
	now := time.Now().UTC()
	server := &fleet.Server{
		InstanceID:        "i-1",
		Status:            fleet.StatusRunning,
		ProvisionedFully:  true,
		PublicAddress:     "34.1.2.3",
		RunningSince:      &now,
		StatusLastChecked: now,
		UpdatedAt:         now,
	}
	require.NoError(s.T(), s.servers.Add(server))
	server.Reserve(jobID)
	require.NoError(s.T(), s.servers.Save(server))

	job := &ci.Job{
		Key:                ci.JobKey{ProjectID: 1, BuildID: 5, JobID: jobID},
		JobName:            "build",
		Image:              "buildfleet/build-env:v1",
		State:              ci.JobWaitingForServer,
		Branch:             "main",
		DefaultBranch:      "main",
		RemoteRef:          "refs/heads/main",
		CommitHash:         "abc123",
		RepositoryCloneURL: "https://git.example.com/project.git",
		CacheSettingsJSON:  `{"writeTo":"main/main"}`,
		OutputConnectKey:   "secret-token",
		Trusted:            false,
	}
	serverID := server.ID
	job.RunningOnServerID = &serverID
	require.NoError(s.T(), s.jobs.Add(job))
	return job, server
}

func TestDispatchSuite(t *testing.T) {
	suite.Run(t, new(DispatchSuite))
}

// ---------------------------------------------------------------------------
// Successful dispatch
// ---------------------------------------------------------------------------

func (s *DispatchSuite) TestDispatch_LaunchesExecutorAndSchedulesWatchdogs() {
	job, _ := s.seedJobAndServer(1)
	d := s.newDispatcher(85)

	require.NoError(s.T(), d.Dispatch(s.ctx, job.Key, 1, DefaultConnectRetries))

	saved, _ := s.jobs.Get(job.Key)
	assert.Equal(s.T(), ci.JobRunning, saved.State)

	launch, found := s.runner.commandContaining("nohup env")
	require.True(s.T(), found, "executor must be launched detached")
	assert.Contains(s.T(), launch, "CI_JOB_NAME='build'")
	assert.Contains(s.T(), launch, "CI_TRUSTED='false'")
	assert.Contains(s.T(), launch, "ciBuildConnection?key=secret-token")

	_, found = s.runner.commandContaining("curl")
	assert.True(s.T(), found, "executor binary must be refreshed first")

	require.Len(s.T(), s.scheduled, 2, "connect and stuck watchdogs")
	assert.Equal(s.T(), connectWatchdogDelay, s.scheduled[0].delay)
	assert.Equal(s.T(), stuckWatchdogDelay, s.scheduled[1].delay)
}

func (s *DispatchSuite) TestDispatch_SecretFilteringInEnv() {
	// Fork builds are untrusted: the safe_only value must never reach
	// their environment, so the generic secret of the same name wins.
	job, _ := s.seedJobAndServer(1)
	d := s.newDispatcher(85)

	require.NoError(s.T(), d.Dispatch(s.ctx, job.Key, 1, DefaultConnectRetries))

	launch, found := s.runner.commandContaining("CI_SECRETS")
	require.True(s.T(), found)
	assert.Contains(s.T(), launch, "generic")
	assert.NotContains(s.T(), launch, "safe-only")
}

// ---------------------------------------------------------------------------
// Staleness
// ---------------------------------------------------------------------------

func (s *DispatchSuite) TestDispatch_StaleJobReleasesReservation() {
	job, server := s.seedJobAndServer(1)
	job.State = ci.JobFinished
	require.NoError(s.T(), s.jobs.Save(job))

	d := s.newDispatcher(85)
	require.NoError(s.T(), d.Dispatch(s.ctx, job.Key, server.ID, DefaultConnectRetries))

	saved, _ := s.servers.Get(server.ID)
	assert.Equal(s.T(), fleet.ReservationNone, saved.ReservationType)
	assert.Empty(s.T(), s.runner.commands, "no remote work for a stale dispatch")
}

func (s *DispatchSuite) TestDispatch_MismatchedReservationAborts() {
	job, server := s.seedJobAndServer(1)
	server.Reserve(99)
	require.NoError(s.T(), s.servers.Save(server))

	d := s.newDispatcher(85)
	require.NoError(s.T(), d.Dispatch(s.ctx, job.Key, server.ID, DefaultConnectRetries))

	savedJob, _ := s.jobs.Get(job.Key)
	assert.Equal(s.T(), ci.JobWaitingForServer, savedJob.State,
		"job is left for the next matching pass")
	assert.Empty(s.T(), s.runner.commands)
}

// ---------------------------------------------------------------------------
// Image resolution
// ---------------------------------------------------------------------------

func (s *DispatchSuite) TestDispatch_MissingImageFailsPermanently() {
	job, server := s.seedJobAndServer(1)
	s.resolver.err = fmt.Errorf("no artifact uploaded for this version")

	d := s.newDispatcher(85)
	require.NoError(s.T(), d.Dispatch(s.ctx, job.Key, server.ID, DefaultConnectRetries))

	saved, _ := s.jobs.Get(job.Key)
	assert.Equal(s.T(), ci.JobFinished, saved.State)
	require.NotNil(s.T(), saved.Succeeded)
	assert.False(s.T(), *saved.Succeeded)

	output := strings.Join(s.jobs.Output(job.Key), "\n")
	assert.Contains(s.T(), output, "build")

	savedServer, _ := s.servers.Get(server.ID)
	assert.Equal(s.T(), fleet.ReservationNone, savedServer.ReservationType)
}

// ---------------------------------------------------------------------------
// Retry budget
// ---------------------------------------------------------------------------

func (s *DispatchSuite) TestDispatch_NotReadyDecrementsAndReschedules() {
	job, _ := s.seedJobAndServer(1)
	s.connector.connectErr = fmt.Errorf("dial tcp 34.1.2.3:22: connect: connection refused")

	d := s.newDispatcher(85)
	require.NoError(s.T(), d.Dispatch(s.ctx, job.Key, 1, 30))

	require.Len(s.T(), s.scheduled, 1)
	assert.Equal(s.T(), retryDelay, s.scheduled[0].delay)

	// Running the scheduled retry with the server still unreachable
	// schedules another one.
	next := s.scheduled[0]
	s.scheduled = nil
	next.fn()
	assert.Len(s.T(), s.scheduled, 1, "retry chain continues while budget remains")

	saved, _ := s.jobs.Get(job.Key)
	assert.Equal(s.T(), ci.JobWaitingForServer, saved.State)
}

func (s *DispatchSuite) TestDispatch_RetryExhaustionFailsJob() {
	job, server := s.seedJobAndServer(1)
	s.connector.connectErr = fmt.Errorf("dial tcp 34.1.2.3:22: connect: connection refused")

	d := s.newDispatcher(85)

	// Drive the retry chain synchronously until the budget runs out.
	require.NoError(s.T(), d.Dispatch(s.ctx, job.Key, server.ID, 2))
	for len(s.scheduled) > 0 {
		next := s.scheduled[0]
		s.scheduled = s.scheduled[1:]
		next.fn()
	}

	saved, _ := s.jobs.Get(job.Key)
	assert.Equal(s.T(), ci.JobFinished, saved.State)
	require.NotNil(s.T(), saved.Succeeded)
	assert.False(s.T(), *saved.Succeeded)

	output := strings.Join(s.jobs.Output(job.Key), "\n")
	assert.Contains(s.T(), output, "giving up")

	savedServer, _ := s.servers.Get(server.ID)
	assert.Equal(s.T(), fleet.ReservationNone, savedServer.ReservationType)
}

func (s *DispatchSuite) TestRequeue_MissingJobStillReleasesReservation() {
	// The job can be deleted while its retry chain is still running;
	// exhaustion must hand the server back regardless.
	now := time.Now().UTC()
	server := &fleet.Server{
		InstanceID:        "i-1",
		Status:            fleet.StatusRunning,
		ProvisionedFully:  true,
		PublicAddress:     "34.1.2.3",
		RunningSince:      &now,
		StatusLastChecked: now,
		UpdatedAt:         now,
	}
	require.NoError(s.T(), s.servers.Add(server))
	server.Reserve(7)
	require.NoError(s.T(), s.servers.Save(server))

	d := s.newDispatcher(85)
	d.requeue(ci.JobKey{ProjectID: 1, BuildID: 5, JobID: 7}, server.ID, 0)

	saved, _ := s.servers.Get(server.ID)
	assert.Equal(s.T(), fleet.ReservationNone, saved.ReservationType)
}

func (s *DispatchSuite) TestDispatch_RealConnectErrorIsFatal() {
	job, _ := s.seedJobAndServer(1)
	s.connector.connectErr = fmt.Errorf("ssh: unable to authenticate")

	d := s.newDispatcher(85)
	err := d.Dispatch(s.ctx, job.Key, 1, 30)
	require.Error(s.T(), err)
	assert.Empty(s.T(), s.scheduled, "auth failures must not burn the retry budget")
}

// ---------------------------------------------------------------------------
// Disk housekeeping
// ---------------------------------------------------------------------------

func (s *DispatchSuite) TestDispatch_DiskOverThresholdTriggersWipe() {
	// Root mount at 92% with threshold 85 wipes the caches and
	// clears the manual flag.
	job, server := s.seedJobAndServer(1)
	server.CleanUpQueued = true
	require.NoError(s.T(), s.servers.Save(server))

	d := s.newDispatcher(85)
	require.NoError(s.T(), d.Dispatch(s.ctx, job.Key, server.ID, DefaultConnectRetries))

	_, wiped := s.runner.commandContaining("rm -rf /executor_cache")
	assert.True(s.T(), wiped)

	saved, _ := s.servers.Get(server.ID)
	assert.Equal(s.T(), 92, saved.UsedDiskPercent)
	assert.False(s.T(), saved.CleanUpQueued)
}

func (s *DispatchSuite) TestDispatch_DiskUnderThresholdSkipsWipe() {
	job, server := s.seedJobAndServer(1)

	d := s.newDispatcher(95)
	require.NoError(s.T(), d.Dispatch(s.ctx, job.Key, server.ID, DefaultConnectRetries))

	_, wiped := s.runner.commandContaining("rm -rf /executor_cache")
	assert.False(s.T(), wiped)

	saved, _ := s.servers.Get(server.ID)
	assert.Equal(s.T(), 92, saved.UsedDiskPercent)
}

// ---------------------------------------------------------------------------
// Watchdogs
// ---------------------------------------------------------------------------

func (s *DispatchSuite) TestConnectWatchdog_FailsSilentExecutor() {
	job, server := s.seedJobAndServer(1)
	d := s.newDispatcher(85)
	require.NoError(s.T(), d.Dispatch(s.ctx, job.Key, server.ID, DefaultConnectRetries))

	// No output has arrived; the connect watchdog fires.
	s.scheduled[0].fn()

	saved, _ := s.jobs.Get(job.Key)
	assert.Equal(s.T(), ci.JobFinished, saved.State)
	require.NotNil(s.T(), saved.Succeeded)
	assert.False(s.T(), *saved.Succeeded)
}

func (s *DispatchSuite) TestConnectWatchdog_SparesConnectedExecutor() {
	job, server := s.seedJobAndServer(1)
	d := s.newDispatcher(85)
	require.NoError(s.T(), d.Dispatch(s.ctx, job.Key, server.ID, DefaultConnectRetries))

	require.NoError(s.T(), s.jobs.AppendOutput(job.Key, "section: environment setup"))
	s.scheduled[0].fn()

	saved, _ := s.jobs.Get(job.Key)
	assert.Equal(s.T(), ci.JobRunning, saved.State)
}

func (s *DispatchSuite) TestStuckWatchdog_ForceFailsUnfinishedJob() {
	job, server := s.seedJobAndServer(1)
	d := s.newDispatcher(85)
	require.NoError(s.T(), d.Dispatch(s.ctx, job.Key, server.ID, DefaultConnectRetries))

	require.NoError(s.T(), s.jobs.AppendOutput(job.Key, "still building..."))
	s.scheduled[1].fn()

	saved, _ := s.jobs.Get(job.Key)
	assert.Equal(s.T(), ci.JobFinished, saved.State)
	require.NotNil(s.T(), saved.Succeeded)
	assert.False(s.T(), *saved.Succeeded)
}

func (s *DispatchSuite) TestStuckWatchdog_SparesFinishedJob() {
	job, server := s.seedJobAndServer(1)
	d := s.newDispatcher(85)
	require.NoError(s.T(), d.Dispatch(s.ctx, job.Key, server.ID, DefaultConnectRetries))

	saved, _ := s.jobs.Get(job.Key)
	saved.SetFinished(true)
	require.NoError(s.T(), s.jobs.Save(saved))

	s.scheduled[1].fn()

	final, _ := s.jobs.Get(job.Key)
	require.NotNil(s.T(), final.Succeeded)
	assert.True(s.T(), *final.Succeeded, "finished job must not be touched")
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestParseDiskUsage_PrefersRootMount(t *testing.T) {
	percent, err := parseDiskUsage(dfSample)
	require.NoError(t, err)
	assert.Equal(t, 92, percent)
}

func TestParseDiskUsage_FallsBackToLastDeviceEntry(t *testing.T) {
	out := `Filesystem      Size  Used Avail Use% Mounted on
/dev/sda1        97G   40G   53G  44% /home
/dev/sdb1       197G   60G  127G  33% /executor_cache
`
	percent, err := parseDiskUsage(out)
	require.NoError(t, err)
	assert.Equal(t, 33, percent)
}

func TestParseDiskUsage_NoDeviceMounts(t *testing.T) {
	_, err := parseDiskUsage("Filesystem Size Used Avail Use% Mounted on\ntmpfs 1G 0 1G 0% /run\n")
	assert.Error(t, err)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "'a b;c'", shellQuote("a b;c"))
}
