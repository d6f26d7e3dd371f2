package harness

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/faradayfan/cluster-harness/internal/dispatch"
	"github.com/faradayfan/cluster-harness/internal/disruption"
	"github.com/faradayfan/cluster-harness/internal/distribution"
	"github.com/faradayfan/cluster-harness/internal/logging"
	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/toolexec"
	"github.com/faradayfan/cluster-harness/internal/topology"
)

// Tsa drives the servers of one topology.
type Tsa struct {
	c          *Cluster
	id         topology.InstanceID
	log        zerolog.Logger
	license    *topology.License
	kits       *LocalKitManager
	disruption *disruption.Controller

	mu     sync.Mutex
	topo   *topology.Topology
	closed bool
}

// Tsa installs every server of topo and returns the handle driving them.
func (c *Cluster) Tsa(ctx context.Context, topo *topology.Topology, license *topology.License) (*Tsa, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	t := &Tsa{
		c:       c,
		id:      c.newID("tsa"),
		log:     logging.Module(c.log, "tsa"),
		license: license,
		kits:    NewLocalKitManager(topo.Distribution, c.props),
		topo:    topo.Clone(),
	}
	if topo.NetDisruptionEnabled {
		t.disruption = disruption.NewController(c.ports, t.log)
	}
	if err := c.track(t); err != nil {
		return nil, err
	}
	if err := t.installAll(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tsa) InstanceID() topology.InstanceID { return t.id }

// Topology returns a copy of the current topology.
func (t *Tsa) Topology() *topology.Topology {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.topo.Clone()
}

func (t *Tsa) Server(name string) (topology.Server, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.topo.Server(name)
	if !ok {
		return topology.Server{}, fmt.Errorf("server %q is not part of the topology", name)
	}
	return s, nil
}

func (t *Tsa) ServerAt(stripe, idx int) (topology.Server, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.topo.ServerAt(stripe, idx)
}

func (t *Tsa) servers() []topology.Server {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.topo.Servers()
}

func (t *Tsa) ref(s topology.Server) protocol.ServerRef {
	return protocol.ServerRef{InstanceID: t.id, Server: s.Name}
}

func (t *Tsa) run(ctx context.Context, s topology.Server, cmd protocol.Command) error {
	return dispatch.Run(ctx, t.c.d, s.Hostname, t.c.AgentPort(s.Hostname), cmd)
}

func (t *Tsa) state(ctx context.Context, s topology.Server) (topology.ServerState, error) {
	return dispatch.Execute[topology.ServerState](ctx, t.c.d, s.Hostname, t.c.AgentPort(s.Hostname), protocol.ServerState{ServerRef: t.ref(s)})
}

func (t *Tsa) paths(ctx context.Context, s topology.Server) (protocol.PathsResult, error) {
	return dispatch.Execute[protocol.PathsResult](ctx, t.c.d, s.Hostname, t.c.AgentPort(s.Hostname), protocol.ServerPaths{ServerRef: t.ref(s)})
}

func (t *Tsa) State(ctx context.Context, name string) (topology.ServerState, error) {
	s, err := t.Server(name)
	if err != nil {
		return "", err
	}
	return t.state(ctx, s)
}

func (t *Tsa) installAll(ctx context.Context) error {
	topo := t.Topology()
	for _, s := range topo.Servers() {
		if err := t.install(ctx, s, topo, t.kitManager()); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tsa) install(ctx context.Context, s topology.Server, topo *topology.Topology, km *LocalKitManager) error {
	state, err := t.state(ctx, s)
	if err != nil {
		return err
	}
	if state != topology.ServerNotInstalled {
		return stateError("install", "server", s.Name, state)
	}

	spec := km.Spec(topo.Hostnames())
	t.log.Info().Str("server", s.Name).Str("host", s.Hostname).Str("kit", km.KitName()).Msg("installing server")
	return t.c.installOn(ctx, s.Hostname, t.id, km, spec, protocol.InstallServer{
		InstanceID: t.id,
		Server:     s,
		Topology:   topo,
		License:    t.license,
		Kit:        spec,
	})
}

// Upgrade reinstalls a stopped server with another distribution.
func (t *Tsa) Upgrade(ctx context.Context, name string, d topology.Distribution) error {
	s, err := t.Server(name)
	if err != nil {
		return err
	}
	t.log.Info().Str("server", name).Str("distribution", d.String()).Msg("upgrading server")
	if err := t.Uninstall(ctx, name); err != nil {
		return err
	}
	km := NewLocalKitManager(d, t.c.props)
	topo := t.Topology()
	topo.Distribution = d
	if err := t.install(ctx, s, topo, km); err != nil {
		return err
	}

	t.mu.Lock()
	t.topo.Distribution = d
	t.kits = km
	t.mu.Unlock()
	return nil
}

// kitManager resolves kits for the current distribution.
func (t *Tsa) kitManager() *LocalKitManager {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kits
}

// Uninstall removes a stopped server. A server that is not installed is
// left alone.
func (t *Tsa) Uninstall(ctx context.Context, name string) error {
	s, err := t.Server(name)
	if err != nil {
		return err
	}
	return t.uninstall(ctx, s)
}

func (t *Tsa) uninstall(ctx context.Context, s topology.Server) error {
	state, err := t.state(ctx, s)
	if err != nil {
		return err
	}
	switch state {
	case topology.ServerNotInstalled:
		return nil
	case topology.ServerStopped:
	default:
		return stateError("uninstall", "server", s.Name, state)
	}
	t.log.Info().Str("server", s.Name).Str("host", s.Hostname).Msg("uninstalling server")
	return t.run(ctx, s, protocol.UninstallServer{ServerRef: t.ref(s)})
}

func (t *Tsa) uninstallAll(ctx context.Context) error {
	var errs []error
	for _, s := range t.servers() {
		if err := t.uninstall(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("uninstall %s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Create launches a server without waiting for it. Servers already
// starting or started are left alone.
func (t *Tsa) Create(ctx context.Context, name string, overrides map[string]string, args ...string) error {
	s, err := t.Server(name)
	if err != nil {
		return err
	}
	state, err := t.state(ctx, s)
	if err != nil {
		return err
	}
	if state == topology.ServerStarting || state.Started() {
		return nil
	}
	if state != topology.ServerStopped {
		return stateError("create", "server", name, state)
	}
	t.log.Info().Str("server", name).Str("host", s.Hostname).Msg("creating server")
	return t.run(ctx, s, protocol.CreateServer{
		ServerRef:    t.ref(s),
		Env:          t.c.Env(),
		EnvOverrides: overrides,
		Args:         args,
	})
}

// Start creates a server and waits until it reached a started state.
func (t *Tsa) Start(ctx context.Context, name string, overrides map[string]string, args ...string) error {
	if err := t.Create(ctx, name, overrides, args...); err != nil {
		return err
	}
	s, err := t.Server(name)
	if err != nil {
		return err
	}
	return t.run(ctx, s, protocol.WaitForServerState{ServerRef: t.ref(s), States: topology.StartedStates})
}

func (t *Tsa) CreateAll(ctx context.Context, args ...string) error {
	return t.all(ctx, func(ctx context.Context, name string) error {
		return t.Create(ctx, name, nil, args...)
	})
}

func (t *Tsa) StartAll(ctx context.Context, args ...string) error {
	return t.all(ctx, func(ctx context.Context, name string) error {
		return t.Start(ctx, name, nil, args...)
	})
}

func (t *Tsa) all(ctx context.Context, fn func(ctx context.Context, name string) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range t.servers() {
		name := s.Name
		g.Go(func() error {
			if err := fn(gctx, name); err != nil {
				return fmt.Errorf("server %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Stop stops a server. Stopping a stopped server does nothing.
func (t *Tsa) Stop(ctx context.Context, name string) error {
	s, err := t.Server(name)
	if err != nil {
		return err
	}
	return t.stop(ctx, s)
}

func (t *Tsa) stop(ctx context.Context, s topology.Server) error {
	state, err := t.state(ctx, s)
	if err != nil {
		return err
	}
	if state == topology.ServerStopped {
		return nil
	}
	t.log.Info().Str("server", s.Name).Str("host", s.Hostname).Msg("stopping server")
	return t.run(ctx, s, protocol.StopServer{ServerRef: t.ref(s)})
}

// StopAll tries every server and reports every failure.
func (t *Tsa) StopAll(ctx context.Context) error {
	var errs []error
	for _, s := range t.servers() {
		if err := t.stop(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Tsa) serversIn(ctx context.Context, states ...topology.ServerState) ([]topology.Server, error) {
	var out []topology.Server
	for _, s := range t.servers() {
		state, err := t.state(ctx, s)
		if err != nil {
			return nil, err
		}
		for _, want := range states {
			if state == want {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (t *Tsa) single(ctx context.Context, state topology.ServerState) (topology.Server, bool, error) {
	servers, err := t.serversIn(ctx, state)
	if err != nil {
		return topology.Server{}, false, err
	}
	switch len(servers) {
	case 0:
		return topology.Server{}, false, nil
	case 1:
		return servers[0], true, nil
	default:
		return topology.Server{}, false, fmt.Errorf("%w: %d servers are %s, expected at most one", protocol.ErrInvalidState, len(servers), state)
	}
}

func (t *Tsa) Actives(ctx context.Context) ([]topology.Server, error) {
	return t.serversIn(ctx, topology.ServerActive)
}

func (t *Tsa) Passives(ctx context.Context) ([]topology.Server, error) {
	return t.serversIn(ctx, topology.ServerPassive)
}

func (t *Tsa) DiagnosticServers(ctx context.Context) ([]topology.Server, error) {
	return t.serversIn(ctx, topology.ServerDiagnostic)
}

func (t *Tsa) Stopped(ctx context.Context) ([]topology.Server, error) {
	return t.serversIn(ctx, topology.ServerStopped)
}

// Started lists the actives, passives and diagnostic servers.
func (t *Tsa) Started(ctx context.Context) ([]topology.Server, error) {
	return t.serversIn(ctx, topology.ServerActive, topology.ServerPassive, topology.ServerDiagnostic)
}

// Active returns the active server, if any. More than one is an error.
func (t *Tsa) Active(ctx context.Context) (topology.Server, bool, error) {
	return t.single(ctx, topology.ServerActive)
}

func (t *Tsa) Passive(ctx context.Context) (topology.Server, bool, error) {
	return t.single(ctx, topology.ServerPassive)
}

func (t *Tsa) DiagnosticServer(ctx context.Context) (topology.Server, bool, error) {
	return t.single(ctx, topology.ServerDiagnostic)
}

// LicensePath is where the agent put the license of a server. Empty when
// the run has no license.
func (t *Tsa) LicensePath(ctx context.Context, name string) (string, error) {
	s, err := t.Server(name)
	if err != nil {
		return "", err
	}
	p, err := t.paths(ctx, s)
	if err != nil {
		return "", err
	}
	return p.LicensePath, nil
}

// Browse opens root relative to the server's install dir.
func (t *Tsa) Browse(ctx context.Context, name, root string) (*RemoteFolder, error) {
	s, err := t.Server(name)
	if err != nil {
		return nil, err
	}
	p, err := t.paths(ctx, s)
	if err != nil {
		return nil, err
	}
	return t.c.RemoteFolder(s.Hostname, filepath.Join(p.InstallDir, root)), nil
}

// BrowseKit opens rel relative to the server's kit.
func (t *Tsa) BrowseKit(ctx context.Context, name, rel string) (*RemoteFolder, error) {
	s, err := t.Server(name)
	if err != nil {
		return nil, err
	}
	p, err := t.paths(ctx, s)
	if err != nil {
		return nil, err
	}
	return t.c.RemoteFolder(s.Hostname, filepath.Join(p.KitDir, rel)), nil
}

// UploadPlugin drops a plugin jar into the kit of every server.
func (t *Tsa) UploadPlugin(ctx context.Context, localFile string) error {
	var errs []error
	for _, s := range t.servers() {
		f, err := t.BrowseKit(ctx, s.Name, distribution.PluginDir(t.Topology().Distribution))
		if err == nil {
			err = f.Upload(ctx, localFile)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("upload plugin to %s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// dataDir opens one data directory of a server.
func (t *Tsa) dataDir(ctx context.Context, s topology.Server, dir string) (*RemoteFolder, error) {
	if filepath.IsAbs(dir) {
		return t.c.RemoteFolder(s.Hostname, dir), nil
	}
	p, err := t.paths(ctx, s)
	if err != nil {
		return nil, err
	}
	return t.c.RemoteFolder(s.Hostname, filepath.Join(p.WorkDir, s.Name, dir)), nil
}

// UploadDataDirectories fills each server's data directories from
// <localRoot>/<server>/<data dir name>.
func (t *Tsa) UploadDataDirectories(ctx context.Context, localRoot string) error {
	var errs []error
	for _, s := range t.servers() {
		for name, dir := range s.DataDirs {
			f, err := t.dataDir(ctx, s, dir)
			if err == nil {
				err = f.UploadContents(ctx, filepath.Join(localRoot, s.Name, name))
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("upload data dir %s of %s: %w", name, s.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// DownloadDataDirectories copies each server's data directories to
// <localRoot>/<server>/<data dir name>.
func (t *Tsa) DownloadDataDirectories(ctx context.Context, localRoot string) error {
	var errs []error
	for _, s := range t.servers() {
		for name, dir := range s.DataDirs {
			f, err := t.dataDir(ctx, s, dir)
			if err == nil {
				err = f.DownloadTo(ctx, filepath.Join(localRoot, s.Name, name))
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("download data dir %s of %s: %w", name, s.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Jcmd runs a diagnostic command against a started server.
func (t *Tsa) Jcmd(ctx context.Context, name string, args ...string) (toolexec.Result, error) {
	s, err := t.Server(name)
	if err != nil {
		return toolexec.Result{}, err
	}
	return dispatch.Execute[toolexec.Result](ctx, t.c.d, s.Hostname, t.c.AgentPort(s.Hostname), protocol.ServerJcmd{
		ServerRef: t.ref(s),
		Env:       t.c.Env(),
		Args:      args,
	})
}

// URI is the client connection string, through the client proxies when the
// topology allows disruption.
func (t *Tsa) URI() string {
	topo := t.Topology()
	var proxied map[string]int
	if t.disruption != nil {
		proxied = t.disruption.ProxyPorts()
	}
	return distribution.ClusterURI(topo.Distribution, topo.Servers(), proxied)
}

// DisruptionController controls the client to server links.
func (t *Tsa) DisruptionController() (*disruption.Controller, error) {
	if t.disruption == nil {
		return nil, fmt.Errorf("%w: topology was not built with network disruption", protocol.ErrInvalidState)
	}
	return t.disruption, nil
}

// UpdateToProxiedPorts (re)builds the client proxies and returns the proxy
// port of each server.
func (t *Tsa) UpdateToProxiedPorts() (map[string]int, error) {
	dc, err := t.DisruptionController()
	if err != nil {
		return nil, err
	}
	return dc.UpdateServerPortsWithProxy(t.Topology())
}

// ProxyGroupPorts maps each peer of a server to the port proxying to it on
// the server's agent.
func (t *Tsa) ProxyGroupPorts(ctx context.Context, name string) (map[string]int, error) {
	s, err := t.Server(name)
	if err != nil {
		return nil, err
	}
	return dispatch.Execute[map[string]int](ctx, t.c.d, s.Hostname, t.c.AgentPort(s.Hostname), protocol.ProxyGroupPorts{ServerRef: t.ref(s)})
}

// DisruptLinks cuts server name off the given peers.
func (t *Tsa) DisruptLinks(ctx context.Context, name string, peers ...string) error {
	s, err := t.Server(name)
	if err != nil {
		return err
	}
	return t.run(ctx, s, protocol.Disrupt{ServerRef: t.ref(s), Targets: peers})
}

func (t *Tsa) UndisruptLinks(ctx context.Context, name string, peers ...string) error {
	s, err := t.Server(name)
	if err != nil {
		return err
	}
	return t.run(ctx, s, protocol.Undisrupt{ServerRef: t.ref(s), Targets: peers})
}

// updateTopology applies fn to the topology and refreshes the links of
// every server in the given stripes of the result.
func (t *Tsa) updateTopology(ctx context.Context, fn func(*topology.Topology) error, affected ...[]topology.Server) error {
	t.mu.Lock()
	next := t.topo.Clone()
	if err := fn(next); err != nil {
		t.mu.Unlock()
		return err
	}
	t.topo = next
	t.mu.Unlock()
	return t.refreshLinks(ctx, next, affected...)
}

func (t *Tsa) refreshLinks(ctx context.Context, topo *topology.Topology, stripes ...[]topology.Server) error {
	var errs []error
	for _, stripe := range stripes {
		for _, s := range stripe {
			if _, ok := topo.Server(s.Name); !ok {
				continue
			}
			if err := t.run(ctx, s, protocol.RefreshLinks{ServerRef: t.ref(s), Topology: topo}); err != nil {
				errs = append(errs, fmt.Errorf("refresh links of %s: %w", s.Name, err))
			}
		}
	}
	if t.disruption != nil && len(t.disruption.ProxyPorts()) > 0 {
		if _, err := t.disruption.UpdateServerPortsWithProxy(topo); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops every server, uninstalls them unless the run keeps its
// installs, and closes the client proxies.
func (t *Tsa) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	var errs []error
	errs = append(errs, t.StopAll(ctx))
	if !t.c.props.SkipUninstall {
		errs = append(errs, t.uninstallAll(ctx))
	}
	if t.disruption != nil {
		if err := t.disruption.Close(); err != nil {
			t.log.Error().Err(err).Msg("could not close disruption controller")
		}
	}
	return errors.Join(errs...)
}
