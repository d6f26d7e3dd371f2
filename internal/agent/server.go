package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/faradayfan/cluster-harness/internal/disruption"
	"github.com/faradayfan/cluster-harness/internal/distribution"
	"github.com/faradayfan/cluster-harness/internal/instances"
	"github.com/faradayfan/cluster-harness/internal/kit"
	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/toolexec"
	"github.com/faradayfan/cluster-harness/internal/topology"
)

// ServerInstance is one installed server and its current process, if any.
// A restart always produces a new handle.
type ServerInstance struct {
	id       topology.InstanceID
	server   topology.Server
	dist     topology.Distribution
	dirs     kit.Dirs
	launcher Launcher
	log      zerolog.Logger

	// op serializes create, stop and uninstall of this server.
	op   sync.Mutex
	slot slot[distribution.ServerHandle]

	disruptionEnabled bool
	topoMu            sync.Mutex
	topology          *topology.Topology
	links             *disruption.LinkSet
}

func newServerInstance(id topology.InstanceID, s topology.Server, t *topology.Topology, dirs kit.Dirs, launcher Launcher, ports *disruption.PortAllocator, log zerolog.Logger) (*ServerInstance, error) {
	si := &ServerInstance{
		id:                id,
		server:            s,
		dist:              t.Distribution,
		dirs:              dirs,
		launcher:          launcher,
		log:               log.With().Str("instance", string(id)).Str("server", s.Name).Logger(),
		disruptionEnabled: t.NetDisruptionEnabled,
		topology:          t.Clone(),
	}
	if si.disruptionEnabled {
		si.links = disruption.NewLinkSet(ports, si.log)
		if err := si.links.Sync(disruption.PeerTargets(t, s.Name)); err != nil {
			_ = si.links.Close()
			return nil, fmt.Errorf("create disruption links for %s: %w", s.Name, err)
		}
	}
	return si, nil
}

// State is STOPPED until a handle exists.
func (s *ServerInstance) State() topology.ServerState {
	h, ok := s.slot.get()
	if !ok {
		return topology.ServerStopped
	}
	return h.State()
}

// Create launches the server unless it is already started or starting.
func (s *ServerInstance) Create(ctx context.Context, env topology.CommandLineEnv, overrides map[string]string, args []string) error {
	s.op.Lock()
	defer s.op.Unlock()

	if st := s.State(); st.Started() || st == topology.ServerStarting {
		s.log.Info().Str("state", string(st)).Msg("server already started")
		return nil
	}

	s.topoMu.Lock()
	req := distribution.ServerLaunch{
		InstanceID:   s.id,
		KitDir:       s.dirs.KitDir,
		WorkDir:      s.dirs.WorkDir,
		Server:       s.server,
		Topology:     s.topology.Clone(),
		LicensePath:  s.dirs.LicensePath,
		ProxiedPorts: s.proxiedPortsLocked(),
		Args:         args,
	}
	s.topoMu.Unlock()

	h, err := s.launcher.StartServer(ctx, s.dist, req, mergeEnv(env, overrides))
	if err != nil {
		return fmt.Errorf("create server %s: %w", s.server.Name, err)
	}
	s.slot.put(h)
	s.log.Info().Int("pid", h.PID()).Msg("server created")
	return nil
}

// WaitForState polls until the server reports one of states. It fails as
// soon as the process is found dead before getting there. Deadlines come
// from ctx.
func (s *ServerInstance) WaitForState(ctx context.Context, states []topology.ServerState) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		h, ok := s.slot.get()
		st := topology.ServerStopped
		if ok {
			st = h.State()
		}
		if slices.Contains(states, st) {
			return nil
		}
		if !ok || !h.Alive() {
			return fmt.Errorf("%w: server %s was in state %s and was expected to reach one of the states %v but died before reaching it",
				protocol.ErrProcessDied, s.server.Name, st, states)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("server %s still %s while waiting for %v: %w", s.server.Name, st, states, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop terminates the current process and clears the handle.
func (s *ServerInstance) Stop(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	h, ok := s.slot.get()
	if !ok {
		return &StateError{Kind: "server", Name: s.server.Name, State: string(topology.ServerStopped), Op: "stop"}
	}
	if err := h.Stop(ctx); err != nil {
		return fmt.Errorf("stop server %s: %w", s.server.Name, err)
	}
	s.slot.clear()
	s.log.Info().Msg("server stopped")
	return nil
}

// Jcmd runs a diagnostic command against the live server.
func (s *ServerInstance) Jcmd(ctx context.Context, env topology.CommandLineEnv, args []string) (toolexec.Result, error) {
	h, ok := s.slot.get()
	st := topology.ServerStopped
	if ok {
		st = h.State()
	}
	if st != topology.ServerActive && st != topology.ServerPassive {
		return toolexec.Result{}, &StateError{Kind: "server", Name: s.server.Name, State: string(st), Op: "jcmd"}
	}
	return runJcmd(ctx, s.dirs.WorkDir, env, h.PID(), args)
}

func runJcmd(ctx context.Context, dir string, env topology.CommandLineEnv, pid int, args []string) (toolexec.Result, error) {
	r, err := toolexec.NewRunner(dir, distribution.JcmdCommand(env, pid, args), env.Vars())
	if err != nil {
		return toolexec.Result{}, err
	}
	return r.Execute(ctx, nil, nil)
}

var errNoDisruption = fmt.Errorf("%w: topology not enabled for network disruption", protocol.ErrInvalidState)

func (s *ServerInstance) Disrupt(targets []string) error {
	if !s.disruptionEnabled {
		return errNoDisruption
	}
	return s.links.Disrupt(targets...)
}

func (s *ServerInstance) Undisrupt(targets []string) error {
	if !s.disruptionEnabled {
		return errNoDisruption
	}
	return s.links.Undisrupt(targets...)
}

// RefreshLinks re-derives the peer links from a changed topology.
func (s *ServerInstance) RefreshLinks(t *topology.Topology) error {
	s.topoMu.Lock()
	defer s.topoMu.Unlock()
	s.topology = t.Clone()
	if !s.disruptionEnabled {
		return nil
	}
	return s.links.Sync(disruption.PeerTargets(t, s.server.Name))
}

// ProxiedPorts maps each peer name to the local port proxying to it.
func (s *ServerInstance) ProxiedPorts() map[string]int {
	s.topoMu.Lock()
	defer s.topoMu.Unlock()
	return s.proxiedPortsLocked()
}

func (s *ServerInstance) proxiedPortsLocked() map[string]int {
	if s.links == nil {
		return map[string]int{}
	}
	return s.links.Ports()
}

func (s *ServerInstance) Paths() protocol.PathsResult {
	return protocol.PathsResult{
		KitDir:      s.dirs.KitDir,
		WorkDir:     s.dirs.WorkDir,
		InstallDir:  distribution.Root(s.dist, s.dirs.KitDir),
		LicensePath: s.dirs.LicensePath,
	}
}

func (s *ServerInstance) Close() error {
	if s.links == nil {
		return nil
	}
	return s.links.Close()
}

// InstallServer registers a server of cmd.Topology on this agent. It
// reports false when the kit must be uploaded first.
func (c *Controller) InstallServer(ctx context.Context, cmd protocol.InstallServer) (bool, error) {
	if err := cmd.InstanceID.Validate(); err != nil {
		return false, err
	}
	if cmd.Topology == nil {
		return false, fmt.Errorf("install server %s: topology is required", cmd.Server.Name)
	}
	if _, ok := cmd.Topology.Server(cmd.Server.Name); !ok {
		return false, fmt.Errorf("install server %s: not part of the topology", cmd.Server.Name)
	}

	tx, done := c.registry.Begin(cmd.InstanceID)
	defer done()

	key := instances.Key{InstanceID: cmd.InstanceID, Kind: instances.KindServer, Distribution: cmd.Topology.Distribution.Key()}
	rec, ok, err := tx.Acquire(key, cmd.Server.Name, func() (kit.Dirs, bool, error) {
		return c.kits.Resolve(cmd.InstanceID, cmd.Kit, cmd.License)
	})
	if err != nil || !ok {
		return false, err
	}

	sk := serverKey{cmd.InstanceID, cmd.Server.Name}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.servers[sk]; exists {
		return true, nil
	}
	si, err := newServerInstance(cmd.InstanceID, cmd.Server, cmd.Topology, rec.Dirs, c.launcher, c.ports, c.log)
	if err != nil {
		_, _, relErr := tx.Release(key, cmd.Server.Name)
		return false, errors.Join(err, relErr)
	}
	c.servers[sk] = si
	return true, nil
}

// UninstallServer drops one reference of the server. It must be stopped.
// Uninstalling something not installed only logs.
func (c *Controller) UninstallServer(ctx context.Context, ref protocol.ServerRef) error {
	tx, done := c.registry.Begin(ref.InstanceID)
	defer done()

	sk := serverKey{ref.InstanceID, ref.Server}
	c.mu.Lock()
	si, ok := c.servers[sk]
	c.mu.Unlock()
	if !ok {
		c.log.Info().Str("instance", string(ref.InstanceID)).Str("server", ref.Server).Msg("server not installed, nothing to uninstall")
		return nil
	}

	si.op.Lock()
	defer si.op.Unlock()
	if h, live := si.slot.get(); live && h.Alive() {
		return &StateError{Kind: "server", Name: ref.Server, State: string(h.State()), Op: "uninstall"}
	}

	key := instances.Key{InstanceID: ref.InstanceID, Kind: instances.KindServer, Distribution: si.dist.Key()}
	rec, _, err := tx.Release(key, ref.Server)
	if rec.Members[ref.Server] == 0 {
		c.mu.Lock()
		delete(c.servers, sk)
		c.mu.Unlock()
		err = errors.Join(err, si.Close())
	}
	return err
}

func (c *Controller) server(ref protocol.ServerRef) (*ServerInstance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	si, ok := c.servers[serverKey{ref.InstanceID, ref.Server}]
	if !ok {
		return nil, notInstalled("server", ref.Server)
	}
	return si, nil
}

func (c *Controller) CreateServer(ctx context.Context, cmd protocol.CreateServer) error {
	si, err := c.server(cmd.ServerRef)
	if err != nil {
		return err
	}
	return si.Create(ctx, cmd.Env, cmd.EnvOverrides, cmd.Args)
}

func (c *Controller) StopServer(ctx context.Context, ref protocol.ServerRef) error {
	si, err := c.server(ref)
	if err != nil {
		return err
	}
	return si.Stop(ctx)
}

func (c *Controller) WaitForServerState(ctx context.Context, cmd protocol.WaitForServerState) error {
	si, err := c.server(cmd.ServerRef)
	if err != nil {
		return err
	}
	return si.WaitForState(ctx, cmd.States)
}

// ServerState is NOT_INSTALLED when the server has no installation here.
func (c *Controller) ServerState(ref protocol.ServerRef) topology.ServerState {
	si, err := c.server(ref)
	if err != nil {
		return topology.ServerNotInstalled
	}
	return si.State()
}

func (c *Controller) ServerPaths(ref protocol.ServerRef) (protocol.PathsResult, error) {
	si, err := c.server(ref)
	if err != nil {
		return protocol.PathsResult{}, err
	}
	return si.Paths(), nil
}

func (c *Controller) ProxyGroupPorts(ref protocol.ServerRef) (map[string]int, error) {
	si, err := c.server(ref)
	if err != nil {
		return nil, err
	}
	return si.ProxiedPorts(), nil
}

func (c *Controller) Disrupt(cmd protocol.Disrupt) error {
	si, err := c.server(cmd.ServerRef)
	if err != nil {
		return err
	}
	return si.Disrupt(cmd.Targets)
}

func (c *Controller) Undisrupt(cmd protocol.Undisrupt) error {
	si, err := c.server(cmd.ServerRef)
	if err != nil {
		return err
	}
	return si.Undisrupt(cmd.Targets)
}

func (c *Controller) RefreshLinks(cmd protocol.RefreshLinks) error {
	if cmd.Topology == nil {
		return fmt.Errorf("refresh links of %s: topology is required", cmd.Server)
	}
	si, err := c.server(cmd.ServerRef)
	if err != nil {
		return err
	}
	return si.RefreshLinks(cmd.Topology)
}

func (c *Controller) ServerJcmd(ctx context.Context, cmd protocol.ServerJcmd) (toolexec.Result, error) {
	si, err := c.server(cmd.ServerRef)
	if err != nil {
		return toolexec.Result{}, err
	}
	return si.Jcmd(ctx, cmd.Env, cmd.Args)
}
