package harness

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/faradayfan/cluster-harness/internal/dispatch"
	"github.com/faradayfan/cluster-harness/internal/logging"
	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/toolexec"
	"github.com/faradayfan/cluster-harness/internal/topology"
)

// tool is the part shared by the config tool and the cluster tool: an
// installation on one host that runs a fresh process per command.
type tool struct {
	c       *Cluster
	id      topology.InstanceID
	kind    topology.ToolKind
	host    string
	dist    topology.Distribution
	license *topology.License
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func (c *Cluster) newTool(kind topology.ToolKind, host string, d topology.Distribution, license *topology.License) *tool {
	return &tool{
		c:       c,
		id:      c.newID(string(kind)),
		kind:    kind,
		host:    host,
		dist:    d,
		license: license,
		log:     logging.Module(c.log, string(kind)).With().Str("host", host).Logger(),
	}
}

func (t *tool) ref() protocol.ToolRef {
	return protocol.ToolRef{InstanceID: t.id, Tool: t.kind}
}

func (t *tool) port() int { return t.c.AgentPort(t.host) }

func (t *tool) install(ctx context.Context) error {
	km := NewLocalKitManager(t.dist, t.c.props)
	spec := km.Spec([]string{t.host})
	t.log.Info().Str("kit", km.KitName()).Msg("installing tool")
	return t.c.installOn(ctx, t.host, t.id, km, spec, protocol.InstallTool{
		InstanceID:   t.id,
		Tool:         t.kind,
		Distribution: t.dist,
		License:      t.license,
		Kit:          spec,
	})
}

// Execute runs the tool once. A non-zero exit is reported in the result,
// not as an error.
func (t *tool) Execute(ctx context.Context, args ...string) (toolexec.Result, error) {
	return dispatch.Execute[toolexec.Result](ctx, t.c.d, t.host, t.port(), protocol.ExecuteTool{
		ToolRef: t.ref(),
		Env:     t.c.Env().Vars(),
		Args:    args,
	})
}

// executeOK runs the tool and turns a non-zero exit into an error.
func (t *tool) executeOK(ctx context.Context, op string, args ...string) error {
	res, err := t.Execute(ctx, args...)
	if err != nil {
		return err
	}
	return res.Err(op)
}

func (t *tool) paths(ctx context.Context) (protocol.PathsResult, error) {
	return dispatch.Execute[protocol.PathsResult](ctx, t.c.d, t.host, t.port(), protocol.ToolPaths{ToolRef: t.ref()})
}

// Browse opens root relative to the tool's working directory.
func (t *tool) Browse(ctx context.Context, root string) (*RemoteFolder, error) {
	p, err := t.paths(ctx)
	if err != nil {
		return nil, err
	}
	return t.c.RemoteFolder(t.host, filepath.Join(p.WorkDir, root)), nil
}

func (t *tool) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.c.props.SkipUninstall {
		return nil
	}
	t.log.Info().Msg("uninstalling tool")
	return dispatch.Run(ctx, t.c.d, t.host, t.port(), protocol.UninstallTool{ToolRef: t.ref()})
}

// ConfigTool drives the dynamic configuration of a running Tsa.
type ConfigTool struct {
	*tool
	tsa *Tsa
}

// ConfigTool installs the config tool of tsa's distribution on host.
func (c *Cluster) ConfigTool(ctx context.Context, tsa *Tsa, host string) (*ConfigTool, error) {
	ct := &ConfigTool{
		tool: c.newTool(topology.ConfigTool, host, tsa.Topology().Distribution, tsa.license),
		tsa:  tsa,
	}
	if err := c.track(ct); err != nil {
		return nil, err
	}
	if err := ct.install(ctx); err != nil {
		return nil, err
	}
	return ct, nil
}

// AttachStripe installs and starts servers as a new stripe, then attaches
// it to the cluster.
func (ct *ConfigTool) AttachStripe(ctx context.Context, servers ...topology.Server) error {
	if len(servers) == 0 {
		return fmt.Errorf("attach stripe: no servers")
	}
	err := ct.tsa.updateTopology(ctx, func(t *topology.Topology) error {
		return t.AddStripe(servers...)
	})
	if err != nil {
		return err
	}
	if err := ct.bringUp(ctx, servers...); err != nil {
		return err
	}

	first := servers[0]
	for _, s := range servers[1:] {
		if err := ct.executeOK(ctx, "attach node", "attach", "-t", "node", "-d", first.HostPort(), "-s", s.HostPort()); err != nil {
			return err
		}
	}
	dest, err := ct.tsa.ServerAt(0, 0)
	if err != nil {
		return err
	}
	ct.log.Info().Str("server", first.Name).Msg("attaching stripe")
	return ct.executeOK(ctx, "attach stripe", "attach", "-t", "stripe", "-d", dest.HostPort(), "-s", first.HostPort())
}

// DetachStripe detaches a stripe, drops it from the topology and takes its
// servers down.
func (ct *ConfigTool) DetachStripe(ctx context.Context, stripe int) error {
	topo := ct.tsa.Topology()
	if stripe < 0 || stripe >= len(topo.Stripes) {
		return fmt.Errorf("no stripe %d", stripe)
	}
	if len(topo.Stripes) == 1 {
		return fmt.Errorf("cannot detach the only stripe")
	}
	destStripe := 0
	if stripe == 0 {
		destStripe = 1
	}
	dest := topo.Stripes[destStripe][0]
	gone := topo.Stripes[stripe]

	ct.log.Info().Int("stripe", stripe).Msg("detaching stripe")
	if err := ct.executeOK(ctx, "detach stripe", "detach", "-t", "stripe", "-d", dest.HostPort(), "-s", gone[0].HostPort()); err != nil {
		return err
	}
	err := ct.tsa.updateTopology(ctx, func(t *topology.Topology) error {
		return t.RemoveStripe(stripe)
	})
	if err != nil {
		return err
	}
	return ct.takeDown(ctx, gone...)
}

// AttachNode installs and starts s, adds it to a stripe and attaches it to
// the stripe's first server.
func (ct *ConfigTool) AttachNode(ctx context.Context, stripe int, s topology.Server) error {
	dest, err := ct.tsa.ServerAt(stripe, 0)
	if err != nil {
		return err
	}
	err = ct.tsa.updateTopology(ctx, func(t *topology.Topology) error {
		return t.AddServer(stripe, s)
	})
	if err != nil {
		return err
	}
	if err := ct.bringUp(ctx, s); err != nil {
		return err
	}

	ct.log.Info().Str("server", s.Name).Int("stripe", stripe).Msg("attaching node")
	if err := ct.executeOK(ctx, "attach node", "attach", "-t", "node", "-d", dest.HostPort(), "-s", s.HostPort()); err != nil {
		return err
	}
	topo := ct.tsa.Topology()
	return ct.tsa.refreshLinks(ctx, topo, topo.StripeOf(s.Name))
}

// DetachNode detaches one server from its stripe, drops it from the
// topology and takes it down.
func (ct *ConfigTool) DetachNode(ctx context.Context, stripe, idx int) error {
	s, err := ct.tsa.ServerAt(stripe, idx)
	if err != nil {
		return err
	}
	topo := ct.tsa.Topology()
	var dest *topology.Server
	for _, peer := range topo.Stripes[stripe] {
		if peer.Name != s.Name {
			dest = &peer
			break
		}
	}
	if dest == nil {
		return fmt.Errorf("cannot detach the last server of stripe %d", stripe)
	}

	ct.log.Info().Str("server", s.Name).Int("stripe", stripe).Msg("detaching node")
	if err := ct.executeOK(ctx, "detach node", "detach", "-t", "node", "-d", dest.HostPort(), "-s", s.HostPort()); err != nil {
		return err
	}
	err = ct.tsa.updateTopology(ctx, func(t *topology.Topology) error {
		return t.RemoveServer(s.Name)
	}, topo.Stripes[stripe])
	if err != nil {
		return err
	}
	return ct.takeDown(ctx, s)
}

// AttachAll forms the cluster from the topology: every node joins the first
// node of its stripe and every stripe joins the first stripe.
func (ct *ConfigTool) AttachAll(ctx context.Context) error {
	topo := ct.tsa.Topology()
	for _, stripe := range topo.Stripes {
		for _, s := range stripe[1:] {
			if err := ct.executeOK(ctx, "attach node", "attach", "-t", "node", "-d", stripe[0].HostPort(), "-s", s.HostPort()); err != nil {
				return err
			}
		}
	}
	first := topo.Stripes[0][0]
	for _, stripe := range topo.Stripes[1:] {
		if err := ct.executeOK(ctx, "attach stripe", "attach", "-t", "stripe", "-d", first.HostPort(), "-s", stripe[0].HostPort()); err != nil {
			return err
		}
	}
	return nil
}

// Activate activates the cluster under its name, or the instance id when
// the topology has none.
func (ct *ConfigTool) Activate(ctx context.Context) error {
	topo := ct.tsa.Topology()
	name := topo.ClusterName
	if name == "" {
		name = ct.tsa.InstanceID().String()
	}
	args := []string{"activate", "-n", name, "-s", topo.Stripes[0][0].HostPort()}
	if ct.license != nil {
		p, err := ct.paths(ctx)
		if err != nil {
			return err
		}
		if p.LicensePath != "" {
			args = append(args, "-l", p.LicensePath)
		}
	}
	ct.log.Info().Str("cluster", name).Msg("activating cluster")
	return ct.executeOK(ctx, "activate", args...)
}

func (ct *ConfigTool) bringUp(ctx context.Context, servers ...topology.Server) error {
	for _, s := range servers {
		if err := ct.tsa.install(ctx, s, ct.tsa.Topology(), ct.tsa.kitManager()); err != nil {
			return err
		}
		if err := ct.tsa.Start(ctx, s.Name, nil); err != nil {
			return err
		}
	}
	return nil
}

func (ct *ConfigTool) takeDown(ctx context.Context, servers ...topology.Server) error {
	for _, s := range servers {
		if err := ct.tsa.stop(ctx, s); err != nil {
			return err
		}
		if ct.c.props.SkipUninstall {
			continue
		}
		if err := ct.tsa.uninstall(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// ClusterTool drives the cluster tool of 10.2 era kits.
type ClusterTool struct {
	*tool
}

func (c *Cluster) ClusterTool(ctx context.Context, d topology.Distribution, license *topology.License, host string) (*ClusterTool, error) {
	ct := &ClusterTool{tool: c.newTool(topology.ClusterTool, host, d, license)}
	if err := c.track(ct); err != nil {
		return nil, err
	}
	if err := ct.install(ctx); err != nil {
		return nil, err
	}
	return ct, nil
}

// Configure pushes the cluster configuration to the servers of tsa.
func (ct *ClusterTool) Configure(ctx context.Context, tsa *Tsa, clusterName string) error {
	args := []string{"configure", "-n", clusterName}
	if ct.license != nil {
		p, err := ct.paths(ctx)
		if err != nil {
			return err
		}
		if p.LicensePath != "" {
			args = append(args, "-l", p.LicensePath)
		}
	}
	for _, s := range tsa.Topology().Servers() {
		args = append(args, "-s", s.HostPort())
	}
	ct.log.Info().Str("cluster", clusterName).Msg("configuring cluster")
	return ct.executeOK(ctx, "configure", args...)
}
