package gcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/buildfleet/internal/fleet"
)

// ---------------------------------------------------------------------------
// Mock operation (satisfies operationWaiter)
// ---------------------------------------------------------------------------

type mockOperation struct {
	err error
}

func (m *mockOperation) Wait(_ context.Context, _ ...gax.CallOption) error {
	return m.err
}

// ---------------------------------------------------------------------------
// Mock instances client (satisfies instancesAPI)
// ---------------------------------------------------------------------------

type mockInstancesClient struct {
	mu sync.Mutex

	insertCalls  []*computepb.InsertInstanceRequest
	deleteCalls  []*computepb.DeleteInstanceRequest
	startCalls   []*computepb.StartInstanceRequest
	stopCalls    []*computepb.StopInstanceRequest
	suspendCalls []*computepb.SuspendInstanceRequest
	resumeCalls  []*computepb.ResumeInstanceRequest
	getCalls     []*computepb.GetInstanceRequest
	closed       bool

	insertErr  error
	insertOp   operationWaiter
	deleteErr  error
	deleteOp   operationWaiter
	startErr   error
	startOp    operationWaiter
	stopErr    error
	stopOp     operationWaiter
	suspendErr error
	suspendOp  operationWaiter
	resumeErr  error
	resumeOp   operationWaiter

	// getResults maps instance name to a canned Get response.  A nil
	// entry (or missing key) with getErr set simulates API failure.
	getResults map[string]*computepb.Instance
	getErr     error
}

func newMockInstancesClient() *mockInstancesClient {
	return &mockInstancesClient{
		insertOp:   &mockOperation{},
		deleteOp:   &mockOperation{},
		startOp:    &mockOperation{},
		stopOp:     &mockOperation{},
		suspendOp:  &mockOperation{},
		resumeOp:   &mockOperation{},
		getResults: make(map[string]*computepb.Instance),
	}
}

func (m *mockInstancesClient) Insert(_ context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertCalls = append(m.insertCalls, req)
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	return m.insertOp, nil
}

func (m *mockInstancesClient) Delete(_ context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteCalls = append(m.deleteCalls, req)
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	return m.deleteOp, nil
}

func (m *mockInstancesClient) Start(_ context.Context, req *computepb.StartInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.startCalls = append(m.startCalls, req)
	if m.startErr != nil {
		return nil, m.startErr
	}
	return m.startOp, nil
}

func (m *mockInstancesClient) Stop(_ context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopCalls = append(m.stopCalls, req)
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	return m.stopOp, nil
}

func (m *mockInstancesClient) Suspend(_ context.Context, req *computepb.SuspendInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.suspendCalls = append(m.suspendCalls, req)
	if m.suspendErr != nil {
		return nil, m.suspendErr
	}
	return m.suspendOp, nil
}

func (m *mockInstancesClient) Resume(_ context.Context, req *computepb.ResumeInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resumeCalls = append(m.resumeCalls, req)
	if m.resumeErr != nil {
		return nil, m.resumeErr
	}
	return m.resumeOp, nil
}

func (m *mockInstancesClient) Get(_ context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getCalls = append(m.getCalls, req)
	if m.getErr != nil {
		return nil, m.getErr
	}
	inst, ok := m.getResults[req.GetInstance()]
	if !ok {
		return nil, fmt.Errorf("googleapi: Error 404: The resource was not found")
	}
	return inst, nil
}

func (m *mockInstancesClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func instanceWithStatus(status, natIP string) *computepb.Instance {
	inst := &computepb.Instance{
		Status: proto.String(status),
	}
	if natIP != "" {
		inst.NetworkInterfaces = []*computepb.NetworkInterface{
			{
				AccessConfigs: []*computepb.AccessConfig{
					{NatIP: proto.String(natIP)},
				},
			},
		}
	}
	return inst
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type GCPDriverSuite struct {
	suite.Suite
	ctx    context.Context
	client *mockInstancesClient
	logger *slog.Logger
	cfg    Config
}

func (s *GCPDriverSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = newMockInstancesClient()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.cfg = Config{
		Project:     "test-project",
		Zone:        "us-central1-a",
		MachineType: "e2-standard-4",
		Image:       "projects/test-project/global/images/buildfleet-server",
		DiskSizeGB:  100,
		Network:     "default",
		PublicIP:    true,
	}
}

func (s *GCPDriverSuite) newDriver() *Driver {
	return newDriver(s.client, s.cfg, s.logger)
}

func TestGCPDriverSuite(t *testing.T) {
	suite.Run(t, new(GCPDriverSuite))
}

// ---------------------------------------------------------------------------
// Launch tests
// ---------------------------------------------------------------------------

func (s *GCPDriverSuite) TestLaunch_Success() {
	d := s.newDriver()

	ids, err := d.Launch(s.ctx)
	require.NoError(s.T(), err)
	require.Len(s.T(), ids, 1)
	assert.Contains(s.T(), ids[0], "buildsrv-")

	require.Len(s.T(), s.client.insertCalls, 1)
	req := s.client.insertCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())

	inst := req.GetInstanceResource()
	assert.Equal(s.T(), ids[0], inst.GetName())
	assert.Contains(s.T(), inst.GetMachineType(), "e2-standard-4")
}

func (s *GCPDriverSuite) TestLaunch_DiskConfig() {
	d := s.newDriver()

	_, err := d.Launch(s.ctx)
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetDisks(), 1)
	disk := inst.GetDisks()[0]
	assert.True(s.T(), disk.GetAutoDelete())
	assert.True(s.T(), disk.GetBoot())
	assert.Equal(s.T(), int64(100), disk.GetInitializeParams().GetDiskSizeGb())
	assert.Equal(s.T(), s.cfg.Image, disk.GetInitializeParams().GetSourceImage())
	assert.Contains(s.T(), disk.GetInitializeParams().GetDiskType(), "pd-ssd")
}

func (s *GCPDriverSuite) TestLaunch_PublicIP() {
	s.cfg.PublicIP = true
	d := s.newDriver()

	_, err := d.Launch(s.ctx)
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetNetworkInterfaces(), 1)
	nic := inst.GetNetworkInterfaces()[0]
	assert.Len(s.T(), nic.GetAccessConfigs(), 1, "should have access config for public IP")
}

func (s *GCPDriverSuite) TestLaunch_NoPublicIP() {
	s.cfg.PublicIP = false
	d := s.newDriver()

	_, err := d.Launch(s.ctx)
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	nic := inst.GetNetworkInterfaces()[0]
	assert.Empty(s.T(), nic.GetAccessConfigs(), "should have no access configs without public IP")
}

func (s *GCPDriverSuite) TestLaunch_ServiceAccount() {
	s.cfg.ServiceAccount = "buildsrv@test-project.iam.gserviceaccount.com"
	d := s.newDriver()

	_, err := d.Launch(s.ctx)
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetServiceAccounts(), 1)
	sa := inst.GetServiceAccounts()[0]
	assert.Equal(s.T(), "buildsrv@test-project.iam.gserviceaccount.com", sa.GetEmail())
	assert.Contains(s.T(), sa.GetScopes(), "https://www.googleapis.com/auth/cloud-platform")
}

func (s *GCPDriverSuite) TestLaunch_InsertError() {
	s.client.insertErr = fmt.Errorf("quota exceeded")
	d := s.newDriver()

	_, err := d.Launch(s.ctx)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "quota exceeded")
}

func (s *GCPDriverSuite) TestLaunch_OperationWaitError() {
	s.client.insertOp = &mockOperation{err: fmt.Errorf("operation timed out")}
	d := s.newDriver()

	_, err := d.Launch(s.ctx)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "operation timed out")
}

// ---------------------------------------------------------------------------
// Resume tests
// ---------------------------------------------------------------------------

func (s *GCPDriverSuite) TestResume_StoppedInstanceUsesStart() {
	s.client.getResults["srv-1"] = instanceWithStatus("TERMINATED", "")
	d := s.newDriver()

	err := d.Resume(s.ctx, "srv-1")
	require.NoError(s.T(), err)

	require.Len(s.T(), s.client.startCalls, 1)
	assert.Equal(s.T(), "srv-1", s.client.startCalls[0].GetInstance())
	assert.Empty(s.T(), s.client.resumeCalls)
}

func (s *GCPDriverSuite) TestResume_SuspendedInstanceUsesResume() {
	s.client.getResults["srv-2"] = instanceWithStatus("SUSPENDED", "")
	d := s.newDriver()

	err := d.Resume(s.ctx, "srv-2")
	require.NoError(s.T(), err)

	require.Len(s.T(), s.client.resumeCalls, 1)
	assert.Equal(s.T(), "srv-2", s.client.resumeCalls[0].GetInstance())
	assert.Empty(s.T(), s.client.startCalls)
}

func (s *GCPDriverSuite) TestResume_GetError() {
	s.client.getErr = fmt.Errorf("permission denied")
	d := s.newDriver()

	err := d.Resume(s.ctx, "srv-3")
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "permission denied")
}

// ---------------------------------------------------------------------------
// Stop tests
// ---------------------------------------------------------------------------

func (s *GCPDriverSuite) TestStop_Halts() {
	d := s.newDriver()

	err := d.Stop(s.ctx, "srv-1", false)
	require.NoError(s.T(), err)

	require.Len(s.T(), s.client.stopCalls, 1)
	assert.Equal(s.T(), "srv-1", s.client.stopCalls[0].GetInstance())
	assert.Empty(s.T(), s.client.suspendCalls)
}

func (s *GCPDriverSuite) TestStop_HibernateSuspends() {
	d := s.newDriver()

	err := d.Stop(s.ctx, "srv-1", true)
	require.NoError(s.T(), err)

	require.Len(s.T(), s.client.suspendCalls, 1)
	assert.Equal(s.T(), "srv-1", s.client.suspendCalls[0].GetInstance())
	assert.Empty(s.T(), s.client.stopCalls)
}

func (s *GCPDriverSuite) TestStop_WaitError() {
	s.client.stopOp = &mockOperation{err: fmt.Errorf("zone outage")}
	d := s.newDriver()

	err := d.Stop(s.ctx, "srv-1", false)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "zone outage")
}

// ---------------------------------------------------------------------------
// Terminate tests
// ---------------------------------------------------------------------------

func (s *GCPDriverSuite) TestTerminate_Success() {
	d := s.newDriver()

	err := d.Terminate(s.ctx, "srv-del")
	require.NoError(s.T(), err)

	require.Len(s.T(), s.client.deleteCalls, 1)
	req := s.client.deleteCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())
	assert.Equal(s.T(), "srv-del", req.GetInstance())
}

func (s *GCPDriverSuite) TestTerminate_Idempotent_DeleteReturns404() {
	s.client.deleteErr = fmt.Errorf("googleapi: Error 404: The resource was not found")
	d := s.newDriver()

	err := d.Terminate(s.ctx, "srv-gone")
	require.NoError(s.T(), err, "404 on Delete should be treated as success")
}

func (s *GCPDriverSuite) TestTerminate_Idempotent_WaitReturns404() {
	s.client.deleteOp = &mockOperation{err: fmt.Errorf("code = NotFound")}
	d := s.newDriver()

	err := d.Terminate(s.ctx, "srv-race")
	require.NoError(s.T(), err, "404 during Wait should be treated as success")
}

func (s *GCPDriverSuite) TestTerminate_RealError() {
	s.client.deleteErr = fmt.Errorf("permission denied: insufficient IAM permissions")
	d := s.newDriver()

	err := d.Terminate(s.ctx, "srv-perms")
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "permission denied")
}

// ---------------------------------------------------------------------------
// DescribeStatuses tests
// ---------------------------------------------------------------------------

func (s *GCPDriverSuite) TestDescribeStatuses_MapsStatuses() {
	s.client.getResults["srv-run"] = instanceWithStatus("RUNNING", "34.1.2.3")
	s.client.getResults["srv-prov"] = instanceWithStatus("PROVISIONING", "")
	s.client.getResults["srv-stopping"] = instanceWithStatus("STOPPING", "")
	s.client.getResults["srv-susp"] = instanceWithStatus("SUSPENDED", "")
	s.client.getResults["srv-halted"] = instanceWithStatus("TERMINATED", "")
	d := s.newDriver()

	statuses, err := d.DescribeStatuses(s.ctx, []string{
		"srv-run", "srv-prov", "srv-stopping", "srv-susp", "srv-halted",
	})
	require.NoError(s.T(), err)
	require.Len(s.T(), statuses, 5)

	byID := make(map[string]fleet.ServerStatus)
	for _, st := range statuses {
		byID[st.InstanceID] = st.Status
	}
	assert.Equal(s.T(), fleet.StatusRunning, byID["srv-run"])
	assert.Equal(s.T(), fleet.StatusWaitingForStartup, byID["srv-prov"])
	assert.Equal(s.T(), fleet.StatusStopping, byID["srv-stopping"])
	assert.Equal(s.T(), fleet.StatusStopped, byID["srv-susp"])
	assert.Equal(s.T(), fleet.StatusStopped, byID["srv-halted"],
		"GCP TERMINATED means halted, not deleted")
}

func (s *GCPDriverSuite) TestDescribeStatuses_PublicAddress() {
	s.client.getResults["srv-run"] = instanceWithStatus("RUNNING", "34.1.2.3")
	d := s.newDriver()

	statuses, err := d.DescribeStatuses(s.ctx, []string{"srv-run"})
	require.NoError(s.T(), err)
	require.Len(s.T(), statuses, 1)
	assert.Equal(s.T(), "34.1.2.3", statuses[0].PublicAddress)
}

func (s *GCPDriverSuite) TestDescribeStatuses_MissingInstanceIsTerminated() {
	d := s.newDriver()

	statuses, err := d.DescribeStatuses(s.ctx, []string{"srv-vanished"})
	require.NoError(s.T(), err)
	require.Len(s.T(), statuses, 1)
	assert.Equal(s.T(), fleet.StatusTerminated, statuses[0].Status)
}

func (s *GCPDriverSuite) TestDescribeStatuses_RealErrorPropagates() {
	s.client.getErr = fmt.Errorf("backend unavailable")
	d := s.newDriver()

	_, err := d.DescribeStatuses(s.ctx, []string{"srv-x"})
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "backend unavailable")
}

// ---------------------------------------------------------------------------
// Shutdown tests
// ---------------------------------------------------------------------------

func (s *GCPDriverSuite) TestShutdown_ClosesClient() {
	d := s.newDriver()

	err := d.Shutdown(s.ctx)
	require.NoError(s.T(), err)
	assert.True(s.T(), s.client.closed)
}

// ---------------------------------------------------------------------------
// Helper function tests
// ---------------------------------------------------------------------------

func (s *GCPDriverSuite) TestIsNotFound_Nil() {
	assert.False(s.T(), isNotFound(nil))
}

func (s *GCPDriverSuite) TestIsNotFound_GoogleAPIError() {
	err := fmt.Errorf("googleapi: Error 404: The resource was not found")
	assert.True(s.T(), isNotFound(err))
}

func (s *GCPDriverSuite) TestIsNotFound_GRPCNotFound() {
	err := fmt.Errorf("rpc error: code = NotFound desc = instance not found")
	assert.True(s.T(), isNotFound(err))
}

func (s *GCPDriverSuite) TestIsNotFound_OtherError() {
	err := fmt.Errorf("permission denied: insufficient IAM permissions")
	assert.False(s.T(), isNotFound(err))
}

func (s *GCPDriverSuite) TestMapInstanceStatus_Unknown() {
	assert.Equal(s.T(), fleet.StatusWaitingForStartup, mapInstanceStatus("REPAIRING"))
}
