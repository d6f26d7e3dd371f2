package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faradayfan/cluster-harness/internal/distribution"
	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/topology"
	"github.com/faradayfan/cluster-harness/internal/transfer"
)

type fakeServer struct {
	mu      sync.Mutex
	state   topology.ServerState
	alive   bool
	stopped int
}

func (f *fakeServer) set(st topology.ServerState, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state, f.alive = st, alive
}

func (f *fakeServer) State() topology.ServerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive {
		return topology.ServerStopped
	}
	return f.state
}

func (f *fakeServer) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeServer) PID() int { return 4242 }

func (f *fakeServer) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
	f.stopped++
	return nil
}

type fakeTms struct{ fakeServer }

func (f *fakeTms) State() topology.TmsState {
	if !f.Alive() {
		return topology.TmsStopped
	}
	return topology.TmsStarted
}

type fakeVoter struct{ fakeServer }

func (f *fakeVoter) State() topology.VoterState {
	if !f.Alive() {
		return topology.VoterStopped
	}
	return topology.VoterConnectedToActive
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches []distribution.ServerLaunch
	envs     []map[string]string
	servers  []*fakeServer
}

func (l *fakeLauncher) StartServer(_ context.Context, _ topology.Distribution, req distribution.ServerLaunch, env map[string]string) (distribution.ServerHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := &fakeServer{state: topology.ServerStarting, alive: true}
	l.launches = append(l.launches, req)
	l.envs = append(l.envs, env)
	l.servers = append(l.servers, h)
	return h, nil
}

func (l *fakeLauncher) StartVoter(topology.Distribution, topology.InstanceID, string, string, topology.Voter, map[string]string) (distribution.VoterHandle, error) {
	return &fakeVoter{fakeServer{alive: true}}, nil
}

func (l *fakeLauncher) StartTms(topology.Distribution, topology.InstanceID, string, string, map[string]string) (distribution.TmsHandle, error) {
	return &fakeTms{fakeServer{alive: true}}, nil
}

func (l *fakeLauncher) last() *fakeServer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.servers[len(l.servers)-1]
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.servers)
}

var dist107 = topology.MustDistribution(topology.MustParseVersion("10.7.0.0.1"), topology.PackageKit, topology.LicenseTerracotta)

func newController(t *testing.T) (*Controller, *fakeLauncher) {
	t.Helper()
	root := t.TempDir()
	l := &fakeLauncher{}
	c, err := New(Options{
		NodeName:  "node-a",
		WorkRoot:  filepath.Join(root, "work"),
		KitsDir:   filepath.Join(root, "kits"),
		StatePath: filepath.Join(root, "state", "installations.yaml"),
		Launcher:  l,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, l
}

func seedKit(t *testing.T, c *Controller) {
	t.Helper()
	dir := filepath.Join(c.opts.KitsDir, dist107.KitName(), "server", "bin")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "start-tc-server.sh"), []byte("#!/bin/sh\n"), 0o755))
}

func twoServerTopology(disruption bool) *topology.Topology {
	return topology.New(dist107, disruption, []topology.Server{
		{Name: "s1", Hostname: "localhost", TsaPort: 9410, GroupPort: 9430},
		{Name: "s2", Hostname: "localhost", TsaPort: 9510, GroupPort: 9530},
	})
}

func installCmd(topo *topology.Topology, name string) protocol.InstallServer {
	s, _ := topo.Server(name)
	return protocol.InstallServer{
		InstanceID: "run-tsa",
		Server:     s,
		Topology:   topo,
		Kit:        topology.KitSpec{Name: dist107.KitName(), Hostnames: topo.Hostnames()},
	}
}

func ref(name string) protocol.ServerRef {
	return protocol.ServerRef{InstanceID: "run-tsa", Server: name}
}

func TestInstallWithoutKitReportsFalse(t *testing.T) {
	c, _ := newController(t)
	ok, err := c.InstallServer(context.Background(), installCmd(twoServerTopology(false), "s1"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, topology.ServerNotInstalled, c.ServerState(ref("s1")))
}

func TestInstallTwiceThenUninstallTwice(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t)
	seedKit(t, c)
	topo := twoServerTopology(false)

	for range 2 {
		ok, err := c.InstallServer(ctx, installCmd(topo, "s1"))
		require.NoError(t, err)
		require.True(t, ok)
	}
	recs := c.Installations()
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].Refs())
	assert.Equal(t, topology.ServerStopped, c.ServerState(ref("s1")))

	paths, err := c.ServerPaths(ref("s1"))
	require.NoError(t, err)
	assert.DirExists(t, paths.KitDir)

	require.NoError(t, c.UninstallServer(ctx, ref("s1")))
	assert.DirExists(t, paths.KitDir)
	assert.Equal(t, topology.ServerStopped, c.ServerState(ref("s1")))

	require.NoError(t, c.UninstallServer(ctx, ref("s1")))
	assert.NoDirExists(t, paths.WorkDir)
	assert.Empty(t, c.Installations())
	assert.Equal(t, topology.ServerNotInstalled, c.ServerState(ref("s1")))

	// already gone: logged only
	require.NoError(t, c.UninstallServer(ctx, ref("s1")))
}

func TestConcurrentInstallAndUninstallStayConsistent(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t)
	seedKit(t, c)
	topo := twoServerTopology(false)

	for range 20 {
		var wg sync.WaitGroup
		for _, name := range []string{"s1", "s2"} {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := c.InstallServer(ctx, installCmd(topo, name))
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				assert.NoError(t, c.UninstallServer(ctx, ref(name)))
			}()
		}
		wg.Wait()

		members := map[string]int{}
		for _, rec := range c.Installations() {
			for m, n := range rec.Members {
				members[m] += n
			}
		}
		for _, name := range []string{"s1", "s2"} {
			installed := c.ServerState(ref(name)) != topology.ServerNotInstalled
			assert.Equal(t, members[name] > 0, installed, "server %s", name)
		}
	}

	for _, name := range []string{"s1", "s2"} {
		for c.ServerState(ref(name)) != topology.ServerNotInstalled {
			require.NoError(t, c.UninstallServer(ctx, ref(name)))
		}
	}
	assert.Empty(t, c.Installations())
}

func TestExplicitKitSurvivesLifecycle(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t)
	explicit := filepath.Join(t.TempDir(), "kit")
	require.NoError(t, os.MkdirAll(filepath.Join(explicit, "server"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(explicit, "server", "a.txt"), []byte("a"), 0o644))

	cmd := installCmd(twoServerTopology(false), "s1")
	cmd.Kit = topology.KitSpec{ExplicitPath: explicit}
	cmd.License = &topology.License{Filename: "license.xml", Content: []byte("l")}
	ok, err := c.InstallServer(ctx, cmd)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.CreateServer(ctx, protocol.CreateServer{ServerRef: ref("s1")}))
	require.NoError(t, c.StopServer(ctx, ref("s1")))
	require.NoError(t, c.UninstallServer(ctx, ref("s1")))

	entries, err := os.ReadDir(explicit)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	b, err := os.ReadFile(filepath.Join(explicit, "server", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(b))
	assert.NoFileExists(t, filepath.Join(explicit, "license.xml"))
}

func TestCreateIsNoopWhileStarted(t *testing.T) {
	ctx := context.Background()
	c, l := newController(t)
	seedKit(t, c)
	_, err := c.InstallServer(ctx, installCmd(twoServerTopology(false), "s1"))
	require.NoError(t, err)

	create := protocol.CreateServer{
		ServerRef:    ref("s1"),
		Env:          topology.CommandLineEnv{JavaHome: "/opt/jdk", JavaOpts: []string{"-Xmx1g"}},
		EnvOverrides: map[string]string{"EXTRA": "1"},
	}
	require.NoError(t, c.CreateServer(ctx, create))
	require.NoError(t, c.CreateServer(ctx, create))
	assert.Equal(t, 1, l.count())
	assert.Equal(t, map[string]string{"JAVA_HOME": "/opt/jdk", "JAVA_OPTS": "-Xmx1g", "EXTRA": "1"}, l.envs[0])

	l.last().set(topology.ServerActive, true)
	require.NoError(t, c.CreateServer(ctx, create))
	assert.Equal(t, 1, l.count())

	require.NoError(t, c.StopServer(ctx, ref("s1")))
	require.NoError(t, c.CreateServer(ctx, create))
	assert.Equal(t, 2, l.count(), "a restart produces a new handle")
}

func TestWaitForStateReturnsOnTarget(t *testing.T) {
	ctx := context.Background()
	c, l := newController(t)
	seedKit(t, c)
	_, err := c.InstallServer(ctx, installCmd(twoServerTopology(false), "s1"))
	require.NoError(t, err)
	require.NoError(t, c.CreateServer(ctx, protocol.CreateServer{ServerRef: ref("s1")}))

	go func() {
		time.Sleep(250 * time.Millisecond)
		l.last().set(topology.ServerPassive, true)
	}()
	err = c.WaitForServerState(ctx, protocol.WaitForServerState{ServerRef: ref("s1"), States: []topology.ServerState{topology.ServerActive, topology.ServerPassive}})
	require.NoError(t, err)
	assert.Equal(t, topology.ServerPassive, c.ServerState(ref("s1")))
}

func TestWaitForStateFailsWhenProcessDies(t *testing.T) {
	ctx := context.Background()
	c, l := newController(t)
	seedKit(t, c)
	_, err := c.InstallServer(ctx, installCmd(twoServerTopology(false), "s1"))
	require.NoError(t, err)
	require.NoError(t, c.CreateServer(ctx, protocol.CreateServer{ServerRef: ref("s1")}))

	go func() {
		time.Sleep(150 * time.Millisecond)
		l.last().set(topology.ServerStarting, false)
	}()
	err = c.WaitForServerState(ctx, protocol.WaitForServerState{ServerRef: ref("s1"), States: []topology.ServerState{topology.ServerActive}})
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrProcessDied)
	assert.Contains(t, err.Error(), string(topology.ServerActive))
	assert.Contains(t, err.Error(), string(topology.ServerStopped))
}

func TestWaitForStateHonoursDeadline(t *testing.T) {
	c, _ := newController(t)
	seedKit(t, c)
	ctx := context.Background()
	_, err := c.InstallServer(ctx, installCmd(twoServerTopology(false), "s1"))
	require.NoError(t, err)
	require.NoError(t, c.CreateServer(ctx, protocol.CreateServer{ServerRef: ref("s1")}))

	wctx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	err = c.WaitForServerState(wctx, protocol.WaitForServerState{ServerRef: ref("s1"), States: []topology.ServerState{topology.ServerActive}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStateErrors(t *testing.T) {
	ctx := context.Background()
	c, l := newController(t)
	seedKit(t, c)
	_, err := c.InstallServer(ctx, installCmd(twoServerTopology(false), "s1"))
	require.NoError(t, err)

	err = c.StopServer(ctx, ref("s1"))
	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, protocol.ErrInvalidState)
	assert.Equal(t, "s1", se.Name)

	_, err = c.ServerJcmd(ctx, protocol.ServerJcmd{ServerRef: ref("s1"), Args: []string{"Thread.print"}})
	assert.ErrorIs(t, err, protocol.ErrInvalidState)

	require.NoError(t, c.CreateServer(ctx, protocol.CreateServer{ServerRef: ref("s1")}))
	err = c.UninstallServer(ctx, ref("s1"))
	assert.ErrorIs(t, err, protocol.ErrInvalidState)

	l.last().set(topology.ServerStarting, true)
	_, err = c.ServerJcmd(ctx, protocol.ServerJcmd{ServerRef: ref("s1")})
	assert.ErrorIs(t, err, protocol.ErrInvalidState)

	err = c.CreateServer(ctx, protocol.CreateServer{ServerRef: ref("nope")})
	assert.ErrorIs(t, err, protocol.ErrNotInstalled)
}

func TestDisruptRequiresEnabledTopology(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t)
	seedKit(t, c)
	_, err := c.InstallServer(ctx, installCmd(twoServerTopology(false), "s1"))
	require.NoError(t, err)

	err = c.Disrupt(protocol.Disrupt{ServerRef: ref("s1"), Targets: []string{"s2"}})
	assert.ErrorIs(t, err, protocol.ErrInvalidState)
	ports, err := c.ProxyGroupPorts(ref("s1"))
	require.NoError(t, err)
	assert.Empty(t, ports)
}

func TestDisruptionLinksFollowAttachAndDetach(t *testing.T) {
	ctx := context.Background()
	c, l := newController(t)
	seedKit(t, c)
	topo := twoServerTopology(true)
	for _, name := range []string{"s1", "s2"} {
		ok, err := c.InstallServer(ctx, installCmd(topo, name))
		require.NoError(t, err)
		require.True(t, ok)
	}

	ports, err := c.ProxyGroupPorts(ref("s1"))
	require.NoError(t, err)
	assert.Len(t, ports, 1)
	assert.Contains(t, ports, "s2")

	require.NoError(t, c.CreateServer(ctx, protocol.CreateServer{ServerRef: ref("s1")}))
	assert.Equal(t, ports, l.launches[0].ProxiedPorts)

	require.NoError(t, c.Disrupt(protocol.Disrupt{ServerRef: ref("s1"), Targets: []string{"s2"}}))
	require.NoError(t, c.Undisrupt(protocol.Undisrupt{ServerRef: ref("s1"), Targets: []string{"s2"}}))
	assert.Error(t, c.Disrupt(protocol.Disrupt{ServerRef: ref("s1"), Targets: []string{"s3"}}))

	attached := topo.Clone()
	require.NoError(t, attached.AddServer(0, topology.Server{Name: "s3", Hostname: "localhost", TsaPort: 9610, GroupPort: 9630}))
	ok, err := c.InstallServer(ctx, installCmd(attached, "s3"))
	require.NoError(t, err)
	require.True(t, ok)
	for _, name := range []string{"s1", "s2"} {
		require.NoError(t, c.RefreshLinks(protocol.RefreshLinks{ServerRef: ref(name), Topology: attached}))
	}
	for name, peers := range map[string][]string{"s1": {"s2", "s3"}, "s2": {"s1", "s3"}, "s3": {"s1", "s2"}} {
		ports, err := c.ProxyGroupPorts(ref(name))
		require.NoError(t, err)
		assert.ElementsMatch(t, peers, keys(ports), name)
	}

	detached := attached.Clone()
	require.NoError(t, detached.RemoveServer("s2"))
	for _, name := range []string{"s1", "s3"} {
		require.NoError(t, c.RefreshLinks(protocol.RefreshLinks{ServerRef: ref(name), Topology: detached}))
	}
	for name, peers := range map[string][]string{"s1": {"s3"}, "s3": {"s1"}} {
		ports, err := c.ProxyGroupPorts(ref(name))
		require.NoError(t, err)
		assert.ElementsMatch(t, peers, keys(ports), name)
	}
}

func keys(m map[string]int) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestTmsAndVoterLifecycle(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t)
	seedKit(t, c)
	kitSpec := topology.KitSpec{Name: dist107.KitName()}

	assert.Equal(t, topology.TmsNotInstalled, c.TmsState(protocol.TmsRef{InstanceID: "run-tms"}))
	ok, err := c.InstallTms(ctx, protocol.InstallTms{InstanceID: "run-tms", Distribution: dist107, Kit: kitSpec})
	require.NoError(t, err)
	require.True(t, ok)
	tref := protocol.TmsRef{InstanceID: "run-tms"}
	assert.Equal(t, topology.TmsStopped, c.TmsState(tref))
	require.NoError(t, c.StartTms(ctx, protocol.StartTms{TmsRef: tref}))
	assert.Equal(t, topology.TmsStarted, c.TmsState(tref))
	assert.ErrorIs(t, c.UninstallTms(ctx, tref), protocol.ErrInvalidState)
	require.NoError(t, c.StopTms(ctx, tref))
	require.NoError(t, c.UninstallTms(ctx, tref))
	assert.Equal(t, topology.TmsNotInstalled, c.TmsState(tref))

	vref := protocol.VoterRef{InstanceID: "run-voter", Voter: "v1"}
	ok, err = c.InstallVoter(ctx, protocol.InstallVoter{InstanceID: "run-voter", Voter: topology.Voter{ID: "v1"}, Distribution: dist107, Kit: kitSpec})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.StartVoter(ctx, protocol.StartVoter{VoterRef: vref}))
	assert.Equal(t, topology.VoterConnectedToActive, c.VoterState(vref))
	require.NoError(t, c.StopVoter(ctx, vref))
	assert.ErrorIs(t, c.StopVoter(ctx, vref), protocol.ErrInvalidState)
	require.NoError(t, c.UninstallVoter(ctx, vref))
	assert.Equal(t, topology.VoterNotInstalled, c.VoterState(vref))
}

func TestFileOperations(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t)
	dir := t.TempDir()

	require.NoError(t, c.UploadFile(filepath.Join(dir, "sub", "a.txt"), []byte("A")))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "folder"), 0o755))

	files, err := c.ListFiles(filepath.Join(dir, "sub"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, files)
	folders, err := c.ListFolders(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"folder", "sub"}, folders)

	b, err := c.DownloadFile(filepath.Join(dir, "sub", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "A", string(b))

	zipped, err := c.DownloadFolder(dir)
	require.NoError(t, err)
	out := t.TempDir()
	require.NoError(t, transfer.Unzip(zipped, out))
	assert.FileExists(t, filepath.Join(out, "sub", "a.txt"))

	assert.ErrorIs(t, c.StreamFolder(ctx, protocol.StreamFolder{Path: dir, Channel: "x"}), protocol.ErrNoFabric)
}

func TestReceiveFilesIntoInstanceDir(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "client.jar"), []byte("jar"), 0o644))

	require.NoError(t, transfer.Send(ctx, c.Queue("jars"), src))
	require.NoError(t, c.ReceiveFiles(ctx, protocol.ReceiveFiles{InstanceID: "run-client", Path: "client-1/lib", Channel: "jars"}))

	root, err := c.InstanceWorkDir("run-client")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "client-1", "lib", "client.jar"))

	err = c.ReceiveFiles(ctx, protocol.ReceiveFiles{InstanceID: "run-client", Path: "../escape", Channel: "jars"})
	assert.Error(t, err)

	require.NoError(t, c.DeleteClient(ctx, protocol.DeleteClient{InstanceID: "run-client", Subdir: "client-1"}))
	assert.NoDirExists(t, filepath.Join(root, "client-1"))
}

func TestNodeAttributes(t *testing.T) {
	c, _ := newController(t)
	c.opts.Attributes = map[string]string{"rack": "r1"}
	attrs := c.NodeAttributes(context.Background())
	assert.Equal(t, "r1", attrs["rack"])
	assert.Equal(t, "node-a", attrs["node_name"])
	assert.NotEmpty(t, attrs["pid"])
}

func TestStaleInstallationsAreReported(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	opts := Options{
		NodeName:  "node-a",
		WorkRoot:  filepath.Join(root, "work"),
		KitsDir:   filepath.Join(root, "kits"),
		StatePath: filepath.Join(root, "installations.yaml"),
		Launcher:  &fakeLauncher{},
	}
	first, err := New(opts, zerolog.Nop())
	require.NoError(t, err)
	seedKit(t, first)
	_, err = first.InstallServer(ctx, installCmd(twoServerTopology(false), "s1"))
	require.NoError(t, err)

	second, err := New(opts, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, second.Stale(), 1)
	assert.Equal(t, topology.InstanceID("run-tsa"), second.Stale()[0].InstanceID)
}
