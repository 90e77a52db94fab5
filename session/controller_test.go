package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/proxyns/proxyns/platform"
	"github.com/proxyns/proxyns/platform/mocks"
	"github.com/proxyns/proxyns/profile"
	"github.com/proxyns/proxyns/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	utilexec "k8s.io/utils/exec"
	testingexec "k8s.io/utils/exec/testing"
)

func testDescriptor(p profile.Protocol, namespace string) profile.Descriptor {
	return profile.Descriptor{
		Address:       "198.51.100.7",
		Port:          "1080",
		Protocol:      p,
		NamespaceName: namespace,
		Username:      "user",
		Password:      "pass",
	}.WithDefaults()
}

func newTestController(t *testing.T, gw platform.Gateway, opts Options) *Controller {
	t.Helper()
	return NewController(gw, NewRecordStore(t.TempDir()), opts, zap.NewNop())
}

func TestSetupPersistsRecord(t *testing.T) {
	gw := platform.NewFakeGateway(false).On(protocol.OpSOCKS5, platform.FakeResponse{Stdout: "4242\n"})
	c := newTestController(t, gw, Options{})

	rec, err := c.Setup(context.Background(), "/profiles/work.json", testDescriptor(profile.SOCKS5, "work"))
	require.NoError(t, err)
	assert.Equal(t, "4242", rec.PID)
	assert.Equal(t, ProxyActive, rec.State)
	assert.Equal(t, "/profiles/work.json", rec.Profile)
	assert.NotEmpty(t, rec.ID)

	stored, err := c.Record("work")
	require.NoError(t, err)
	assert.Equal(t, rec.PID, stored.PID)
	assert.Equal(t, rec.ID, stored.ID)
	assert.Equal(t, ProxyActive, c.State("work"))

	calls := gw.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, protocol.OpSetupNamespace, calls[0].Operation)
	assert.Equal(t, protocol.OpSOCKS5, calls[1].Operation)
}

func TestSetupUnsupportedProtocolMakesNoCalls(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// no expectations: any Invoke fails the test
	gw := mocks.NewMockGateway(ctrl)
	c := newTestController(t, gw, Options{})

	_, err := c.Setup(context.Background(), "", testDescriptor("vpn9", "work"))
	require.ErrorIs(t, err, protocol.ErrUnsupportedProtocol)
	assert.Equal(t, Uninitialized, c.State("work"))
}

func TestSetupDirectForwardsOnlyTarget(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	gw := mocks.NewMockGateway(ctrl)
	d := testDescriptor(profile.Direct, "direct")
	gomock.InOrder(
		gw.EXPECT().Invoke(gomock.Any(), protocol.OpSetupNamespace, gomock.Any()).Return(&platform.ExecResult{}, nil),
		gw.EXPECT().Invoke(gomock.Any(), protocol.OpDirect, "direct", "tun0").Return(&platform.ExecResult{Stdout: []byte("77")}, nil),
	)
	c := newTestController(t, gw, Options{})

	rec, err := c.Setup(context.Background(), "", d)
	require.NoError(t, err)
	assert.Equal(t, "77", rec.PID)
}

func TestSetupNamespaceFailureKeepsState(t *testing.T) {
	gw := platform.NewFakeGateway(false).
		On(protocol.OpSetupNamespace, platform.FakeResponse{ExitCode: 2, Stderr: "RTNETLINK answers: File exists"})
	c := newTestController(t, gw, Options{})

	_, err := c.Setup(context.Background(), "", testDescriptor(profile.HTTP, "work"))
	var opErr *platform.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, 2, opErr.ExitCode)
	assert.Contains(t, err.Error(), "File exists")
	assert.Equal(t, Uninitialized, c.State("work"))
	assert.Empty(t, gw.CallsTo(protocol.OpHTTP))
}

func TestSetupLaunchFailureLeavesNamespace(t *testing.T) {
	tests := []struct {
		name   string
		launch platform.FakeResponse
	}{
		{name: "non-zero exit", launch: platform.FakeResponse{ExitCode: 1, Stderr: "tun2socks: bad proxy"}},
		{name: "not a pid", launch: platform.FakeResponse{Stdout: "started"}},
		{name: "zero pid", launch: platform.FakeResponse{Stdout: "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := platform.NewFakeGateway(false).On(protocol.OpHTTP, tt.launch)
			c := newTestController(t, gw, Options{})

			_, err := c.Setup(context.Background(), "", testDescriptor(profile.HTTP, "work"))
			require.Error(t, err)
			assert.Equal(t, NamespaceReady, c.State("work"))
			assert.Empty(t, gw.CallsTo(protocol.OpCleanup))

			_, err = c.Record("work")
			require.ErrorIs(t, err, ErrNoRecord)
		})
	}
}

func TestSetupLaunchFailureRollback(t *testing.T) {
	gw := platform.NewFakeGateway(false).On(protocol.OpHTTP, platform.FakeResponse{ExitCode: 1})
	c := newTestController(t, gw, Options{RollbackOnLaunchFailure: true})

	_, err := c.Setup(context.Background(), "", testDescriptor(profile.HTTP, "work"))
	var opErr *platform.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, protocol.OpHTTP, opErr.Operation)

	cleanups := gw.CallsTo(protocol.OpCleanup)
	require.Len(t, cleanups, 1)
	assert.Equal(t, []string{"work", "", "veth_host"}, cleanups[0].Args)
	assert.Equal(t, TornDown, c.State("work"))
}

func TestCleanupForwardsPersistedPID(t *testing.T) {
	gw := platform.NewFakeGateway(false).On(protocol.OpSOCKS5, platform.FakeResponse{Stdout: "31337"})
	c := newTestController(t, gw, Options{})
	d := testDescriptor(profile.SOCKS5, "work")

	_, err := c.Setup(context.Background(), "", d)
	require.NoError(t, err)

	rec, err := c.Record("work")
	require.NoError(t, err)
	require.NoError(t, c.Cleanup(context.Background(), d, rec.PID))

	cleanups := gw.CallsTo(protocol.OpCleanup)
	require.Len(t, cleanups, 1)
	assert.Equal(t, []string{"work", "31337", "veth_host"}, cleanups[0].Args)
	assert.Equal(t, TornDown, c.State("work"))

	_, err = c.Record("work")
	require.ErrorIs(t, err, ErrNoRecord)
}

func TestTeardownReadsRecord(t *testing.T) {
	gw := platform.NewFakeGateway(false)
	c := newTestController(t, gw, Options{})
	d := testDescriptor(profile.Reject, "blocked")
	require.NoError(t, c.records.Write(&Record{Namespace: "blocked", PID: "909", State: ProxyActive}))

	require.NoError(t, c.Teardown(context.Background(), d))
	cleanups := gw.CallsTo(protocol.OpCleanup)
	require.Len(t, cleanups, 1)
	assert.Equal(t, "909", cleanups[0].Args[1])

	err := c.Teardown(context.Background(), d)
	require.ErrorIs(t, err, ErrNoRecord)
}

func TestCleanupFailureKeepsRecord(t *testing.T) {
	gw := platform.NewFakeGateway(false).
		On(protocol.OpSOCKS5, platform.FakeResponse{Stdout: "12"}).
		On(protocol.OpCleanup, platform.FakeResponse{ExitCode: 1, Stderr: "Cannot find device"})
	c := newTestController(t, gw, Options{})
	d := testDescriptor(profile.SOCKS5, "work")

	_, err := c.Setup(context.Background(), "", d)
	require.NoError(t, err)

	err = c.Cleanup(context.Background(), d, "12")
	require.Error(t, err)
	assert.Equal(t, ProxyActive, c.State("work"))
	_, err = c.Record("work")
	require.NoError(t, err)
}

func TestRunCommandFallback(t *testing.T) {
	gw := platform.NewFakeGateway(false).On(protocol.OpRunCommand, platform.FakeResponse{Stdout: "203.0.113.9\n"})
	c := newTestController(t, gw, Options{})

	d := testDescriptor(profile.HTTP, "work")
	res, err := c.Run(context.Background(), d, "curl ifconfig.me")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", res.Output())

	d.RunCommand = "firefox"
	_, err = c.Run(context.Background(), d, "")
	require.NoError(t, err)

	d.RunCommand = ""
	_, err = c.Run(context.Background(), d, "")
	require.NoError(t, err)

	calls := gw.CallsTo(protocol.OpRunCommand)
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"work", "curl ifconfig.me"}, calls[0].Args)
	assert.Equal(t, []string{"work", "firefox"}, calls[1].Args)
	assert.Equal(t, []string{"work", DefaultRunCommand}, calls[2].Args)
	assert.Equal(t, Uninitialized, c.State("work"))
}

func TestRunNonZeroReturnsOutput(t *testing.T) {
	gw := platform.NewFakeGateway(false).On(protocol.OpRunCommand, platform.FakeResponse{ExitCode: 127, Stdout: "partial", Stderr: "not found"})
	c := newTestController(t, gw, Options{})

	res, err := c.Run(context.Background(), testDescriptor(profile.HTTP, "work"), "nope")
	var opErr *platform.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, 127, opErr.ExitCode)
	require.NotNil(t, res)
	assert.Equal(t, "partial", res.Output())
}

func TestRunSpawnFailure(t *testing.T) {
	c := newTestController(t, platform.NewFakeGateway(true), Options{})
	res, err := c.Run(context.Background(), testDescriptor(profile.HTTP, "work"), "ls")
	require.ErrorIs(t, err, platform.ErrMockGateway)
	assert.Nil(t, res)
}

func TestConcurrentSetupDistinctNamespaces(t *testing.T) {
	pids := map[string]string{"alpha": "1001", "beta": "2002"}
	gw := platform.NewFakeGateway(false)
	gw.SetInvokeFunc(func(operation string, args []string) (*platform.ExecResult, error) {
		if operation == protocol.OpSOCKS5 {
			return &platform.ExecResult{Stdout: []byte(pids[args[2]])}, nil
		}
		return &platform.ExecResult{}, nil
	})
	c := newTestController(t, gw, Options{})

	var wg sync.WaitGroup
	errs := make([]error, 0, len(pids))
	var mu sync.Mutex
	for ns := range pids {
		wg.Add(1)
		go func(ns string) {
			defer wg.Done()
			_, err := c.Setup(context.Background(), "", testDescriptor(profile.SOCKS5, ns))
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}(ns)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	records, err := c.records.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, pids[rec.Namespace], rec.PID)
		assert.Equal(t, ProxyActive, rec.State)
	}
	assert.Equal(t, 2, c.registry.countActive())

	sessions, err := c.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "alpha", sessions[0].Namespace)
	assert.Equal(t, "beta", sessions[1].Namespace)
}

func TestActiveCachesListing(t *testing.T) {
	listing := `[{"name":"work","processes":[{"pid":4242,"command":"tun2socks"},{"pid":4250,"command":"firefox"}]}]`
	gw := platform.NewFakeGateway(false).
		On(protocol.OpListNamespaces, platform.FakeResponse{Stdout: listing}).
		On(protocol.OpSOCKS5, platform.FakeResponse{Stdout: "5"})
	c := newTestController(t, gw, Options{})

	want := []Namespace{{Name: "work", Processes: []Process{{PID: 4242, Command: "tun2socks"}, {PID: 4250, Command: "firefox"}}}}
	got, err := c.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = c.Active(context.Background())
	require.NoError(t, err)
	assert.Len(t, gw.CallsTo(protocol.OpListNamespaces), 1)

	// a lifecycle change invalidates the cached listing
	_, err = c.Setup(context.Background(), "", testDescriptor(profile.SOCKS5, "work"))
	require.NoError(t, err)
	_, err = c.Active(context.Background())
	require.NoError(t, err)
	assert.Len(t, gw.CallsTo(protocol.OpListNamespaces), 2)
}

func TestActiveEmptyAndMalformed(t *testing.T) {
	gw := platform.NewFakeGateway(false).On(protocol.OpListNamespaces, platform.FakeResponse{Stdout: ""})
	got, err := newTestController(t, gw, Options{}).Active(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)

	gw = platform.NewFakeGateway(false).On(protocol.OpListNamespaces, platform.FakeResponse{Stdout: "work\nother"})
	_, err = newTestController(t, gw, Options{}).Active(context.Background())
	require.ErrorIs(t, err, ErrDecodeActive)
}

func TestWithGatewaySharesState(t *testing.T) {
	base := platform.NewFakeGateway(false)
	elevated := platform.NewFakeGateway(false).On(protocol.OpHTTP, platform.FakeResponse{Stdout: "88"})
	c := newTestController(t, base, Options{})

	_, err := c.WithGateway(elevated).Setup(context.Background(), "", testDescriptor(profile.HTTP, "work"))
	require.NoError(t, err)
	assert.Empty(t, base.Calls())
	assert.Equal(t, ProxyActive, c.State("work"))
}

func TestActiveReturnsCopy(t *testing.T) {
	listing := `[{"name":"work","processes":[{"pid":4242,"command":"tun2socks"}]}]`
	gw := platform.NewFakeGateway(false).On(protocol.OpListNamespaces, platform.FakeResponse{Stdout: listing})
	c := newTestController(t, gw, Options{})

	got, err := c.Active(context.Background())
	require.NoError(t, err)
	got[0].Name = "changed"
	got[0].Processes[0].Command = "changed"

	again, err := c.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "work", again[0].Name)
	assert.Equal(t, "tun2socks", again[0].Processes[0].Command)
	assert.Len(t, gw.CallsTo(protocol.OpListNamespaces), 1)
}

func TestLifecycleRejectsInvalidProfile(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// no expectations: any Invoke fails the test
	gw := mocks.NewMockGateway(ctrl)
	c := newTestController(t, gw, Options{})

	badNamespace := testDescriptor(profile.HTTP, "x y/z")
	badInterface := testDescriptor(profile.HTTP, "work")
	badInterface.VethHostName = "veth host; reboot"

	for _, d := range []profile.Descriptor{badNamespace, badInterface} {
		_, err := c.Run(context.Background(), d, "ls")
		require.ErrorIs(t, err, profile.ErrInvalid)
		require.ErrorIs(t, c.Cleanup(context.Background(), d, "42"), profile.ErrInvalid)
		require.ErrorIs(t, c.Teardown(context.Background(), d), profile.ErrInvalid)
	}
}

func TestSessionsMergesRecordsAndRegistry(t *testing.T) {
	gw := platform.NewFakeGateway(false).
		On(protocol.OpHTTP, platform.FakeResponse{ExitCode: 1}).
		On(protocol.OpSOCKS5, platform.FakeResponse{Stdout: "55"})
	c := newTestController(t, gw, Options{})

	// written by another process
	require.NoError(t, c.records.Write(&Record{Namespace: "other", PID: "909", State: ProxyActive}))

	_, err := c.Setup(context.Background(), "", testDescriptor(profile.SOCKS5, "work"))
	require.NoError(t, err)
	_, err = c.Setup(context.Background(), "", testDescriptor(profile.HTTP, "half"))
	require.Error(t, err)
	// a run alone does not create a session
	_, err = c.Run(context.Background(), testDescriptor(profile.HTTP, "idle"), "ls")
	require.NoError(t, err)

	sessions, err := c.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 3)

	assert.Equal(t, Session{Namespace: "half", State: NamespaceReady}, sessions[0])

	assert.Equal(t, "other", sessions[1].Namespace)
	assert.Equal(t, "909", sessions[1].PID)
	require.NotNil(t, sessions[1].Record)

	assert.Equal(t, "work", sessions[2].Namespace)
	assert.Equal(t, ProxyActive, sessions[2].State)
	assert.Equal(t, "55", sessions[2].PID)
	require.NotNil(t, sessions[2].Record)
}

func TestAbandonedOperationKeepsNamespaceLocked(t *testing.T) {
	defs := filepath.Join(t.TempDir(), "functions.sh")
	require.NoError(t, os.WriteFile(defs, []byte("# operations\n"), 0o600))

	var running, maxRunning int32
	enter := func() {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				return
			}
		}
	}

	release := make(chan struct{})
	setupCmd := &testingexec.FakeCmd{
		RunScript: []testingexec.FakeAction{
			func() ([]byte, []byte, error) {
				enter()
				defer atomic.AddInt32(&running, -1)
				<-release
				return nil, nil, nil
			},
		},
	}
	cleanupCmd := &testingexec.FakeCmd{
		RunScript: []testingexec.FakeAction{
			func() ([]byte, []byte, error) {
				enter()
				defer atomic.AddInt32(&running, -1)
				return nil, nil, nil
			},
		},
	}
	fexec := &testingexec.FakeExec{
		CommandScript: []testingexec.FakeCommandAction{
			func(cmd string, args ...string) utilexec.Cmd { return testingexec.InitFakeCmd(setupCmd, cmd, args...) },
			func(cmd string, args ...string) utilexec.Cmd { return testingexec.InitFakeCmd(cleanupCmd, cmd, args...) },
		},
	}
	gw, err := platform.NewExecGateway(fexec, platform.ExecConfig{DefinitionsPath: defs}, zap.NewNop())
	require.NoError(t, err)
	c := newTestController(t, gw, Options{})
	d := testDescriptor(profile.SOCKS5, "work")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Setup(ctx, "", d)
	require.ErrorIs(t, err, platform.ErrAbandoned)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	cleaned := make(chan error, 1)
	go func() {
		cleaned <- c.Cleanup(context.Background(), d, "42")
	}()

	select {
	case err := <-cleaned:
		t.Fatalf("cleanup ran while setup was still running: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-cleaned:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup never ran after setup exited")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
	assert.Equal(t, TornDown, c.State("work"))
}
