package harness

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/faradayfan/cluster-harness/internal/agent"
	"github.com/faradayfan/cluster-harness/internal/config"
	"github.com/faradayfan/cluster-harness/internal/control"
	"github.com/faradayfan/cluster-harness/internal/dispatch"
	"github.com/faradayfan/cluster-harness/internal/disruption"
	"github.com/faradayfan/cluster-harness/internal/distribution"
	"github.com/faradayfan/cluster-harness/internal/fabric"
	"github.com/faradayfan/cluster-harness/internal/logging"
	"github.com/faradayfan/cluster-harness/internal/topology"
)

// memberJoinTimeout bounds how long New waits for the in-process agent to
// join the hub.
const memberJoinTimeout = 30 * time.Second

type Options struct {
	Properties config.Properties
	// HubAddr puts the cluster in fabric mode: a hub listens there and the
	// in-process agent joins it like any remote agent. Empty means every
	// command runs in-process.
	HubAddr string
	// LocalHostname and LocalPort address the in-process agent.
	LocalHostname string
	LocalPort     int
	// AgentPorts overrides the agent port of individual hosts. Other hosts
	// use LocalPort.
	AgentPorts map[string]int
	Stop       distribution.StopPolicy
	Inline     distribution.InlineRuntime
	// Launcher replaces the process launcher of the in-process agent.
	Launcher agent.Launcher
}

type closer interface {
	Close(ctx context.Context) error
}

// Cluster is the coordinator side of a test run. It owns the dispatcher and
// hands out the components a test drives.
type Cluster struct {
	opts   Options
	props  config.Properties
	log    zerolog.Logger
	prefix string
	seq    atomic.Int64

	d      dispatch.Dispatcher
	hub    *fabric.Hub
	agent  *agent.Controller
	ports  *disruption.PortAllocator
	cancel context.CancelFunc

	mu      sync.Mutex
	closers []closer
	closed  bool
}

func New(ctx context.Context, opts Options, log zerolog.Logger) (*Cluster, error) {
	if opts.Properties.RootDir == "" {
		opts.Properties = config.DefaultProperties()
	}
	if opts.LocalHostname == "" {
		opts.LocalHostname = "localhost"
	}
	if opts.LocalPort == 0 {
		opts.LocalPort = config.DefaultAgentPort
	}
	props := opts.Properties

	c := &Cluster{
		opts:   opts,
		props:  props,
		log:    logging.Module(log, "cluster"),
		prefix: topology.NewRunPrefix()[:8],
		ports:  disruption.NewPortAllocator(),
	}

	ctrl, err := agent.New(agent.Options{
		NodeName: props.NodeName,
		WorkRoot: filepath.Join(props.RootDir, "work"),
		KitsDir:  filepath.Join(props.RootDir, "kits"),
		Stop:     opts.Stop,
		Inline:   opts.Inline,
		Launcher: opts.Launcher,
	}, log)
	if err != nil {
		return nil, err
	}
	c.agent = ctrl
	handler := control.NewHandler(ctrl.NodeName(), ctrl, log)

	if opts.HubAddr == "" {
		c.d = dispatch.NewLocal(handler)
		c.log.Info().Str("prefix", c.prefix).Msg("cluster running in-process")
		return c, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.hub = fabric.NewHub(log)
	if err := c.hub.Listen(opts.HubAddr); err != nil {
		cancel()
		_ = ctrl.Close(ctx)
		return nil, err
	}
	go func() {
		if err := c.hub.Serve(runCtx); err != nil {
			c.log.Error().Err(err).Msg("hub stopped")
		}
	}()

	member := fabric.NewMember(fabric.MemberOptions{
		NodeID:     ctrl.NodeName(),
		HubAddr:    c.hub.Addr(),
		Hostname:   opts.LocalHostname,
		Port:       opts.LocalPort,
		Attributes: ctrl.NodeAttributes(ctx),
	}, handler, log)
	go func() { _ = member.Run(runCtx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, memberJoinTimeout)
	defer waitCancel()
	if _, err := c.hub.WaitForNode(waitCtx, opts.LocalHostname, opts.LocalPort); err != nil {
		_ = c.Close(ctx)
		return nil, fmt.Errorf("local agent did not join the hub: %w", err)
	}
	c.d = dispatch.NewRemote(c.hub)
	c.log.Info().Str("prefix", c.prefix).Str("hub", c.hub.Addr()).Msg("cluster running over the fabric")
	return c, nil
}

func (c *Cluster) Dispatcher() dispatch.Dispatcher { return c.d }

// Hub is nil for an in-process cluster.
func (c *Cluster) Hub() *fabric.Hub { return c.hub }

func (c *Cluster) Properties() config.Properties { return c.props }

// AgentPort is the port the agent of host is addressed by.
func (c *Cluster) AgentPort(host string) int {
	if p, ok := c.opts.AgentPorts[host]; ok {
		return p
	}
	return c.opts.LocalPort
}

// Env is the command line environment handed to every launched process.
func (c *Cluster) Env() topology.CommandLineEnv {
	return topology.CommandLineEnv{
		JavaVendor:  c.props.JavaVendor,
		JavaVersion: c.props.JavaVersion,
		JavaOpts:    c.props.JavaOptions(),
	}
}

// newID names one component of this run.
func (c *Cluster) newID(kind string) topology.InstanceID {
	return topology.NewInstanceID(c.prefix+"-"+strconv.FormatInt(c.seq.Add(1), 10), kind)
}

func (c *Cluster) track(x closer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("cluster is closed")
	}
	c.closers = append(c.closers, x)
	return nil
}

// Close closes every component in reverse creation order, then the local
// agent and the hub.
func (c *Cluster) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		errs = append(errs, closers[i].Close(ctx))
	}
	errs = append(errs, c.agent.Close(ctx))
	if c.cancel != nil {
		c.cancel()
	}
	if c.hub != nil {
		errs = append(errs, c.hub.Close())
	}
	return errors.Join(errs...)
}
