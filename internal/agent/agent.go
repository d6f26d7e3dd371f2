package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/faradayfan/cluster-harness/internal/disruption"
	"github.com/faradayfan/cluster-harness/internal/distribution"
	"github.com/faradayfan/cluster-harness/internal/instances"
	"github.com/faradayfan/cluster-harness/internal/kit"
	"github.com/faradayfan/cluster-harness/internal/process"
	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/toolexec"
	"github.com/faradayfan/cluster-harness/internal/topology"
	"github.com/faradayfan/cluster-harness/internal/transfer"
)

// pollInterval is how often WaitForState looks at a handle.
const pollInterval = 100 * time.Millisecond

// Launcher starts server, voter and management server processes.
type Launcher interface {
	StartServer(ctx context.Context, d topology.Distribution, req distribution.ServerLaunch, env map[string]string) (distribution.ServerHandle, error)
	StartVoter(d topology.Distribution, id topology.InstanceID, kitDir, workDir string, v topology.Voter, env map[string]string) (distribution.VoterHandle, error)
	StartTms(d topology.Distribution, id topology.InstanceID, kitDir, workDir string, env map[string]string) (distribution.TmsHandle, error)
}

// Pusher sends transfer items from this agent to the coordinator.
type Pusher interface {
	Push(ctx context.Context, channel string, item transfer.Item) error
}

type Options struct {
	NodeName   string
	WorkRoot   string
	KitsDir    string
	Attributes map[string]string
	Stop       distribution.StopPolicy
	// Inline runs servers of inline distributions in-process.
	Inline distribution.InlineRuntime
	// StatePath is where the installation snapshot is kept. Empty disables it.
	StatePath string
	// Launcher replaces the process launcher, mostly for tests.
	Launcher Launcher
}

// Controller owns every installation, handle and tool of one agent and
// executes the remote operations against them.
type Controller struct {
	opts Options
	log  zerolog.Logger

	kits       *kit.Manager
	registry   *instances.Registry
	supervisor *process.Supervisor
	launcher   Launcher
	ports      *disruption.PortAllocator
	queues     *transfer.Queues
	stale      []instances.Record

	mu      sync.Mutex
	pusher  Pusher
	servers map[serverKey]*ServerInstance
	tms     map[topology.InstanceID]*TmsInstance
	voters  map[voterKey]*VoterInstance
	tools   map[toolKey]*toolexec.ToolInstall
}

type serverKey struct {
	id   topology.InstanceID
	name string
}

type voterKey struct {
	id    topology.InstanceID
	voter string
}

type toolKey struct {
	id   topology.InstanceID
	kind topology.ToolKind
}

func New(opts Options, log zerolog.Logger) (*Controller, error) {
	if opts.WorkRoot == "" {
		return nil, fmt.Errorf("work root is required")
	}
	if opts.KitsDir == "" {
		opts.KitsDir = filepath.Join(opts.WorkRoot, "kits")
	}
	if opts.NodeName == "" {
		opts.NodeName, _ = os.Hostname()
	}
	log = log.With().Str("node", opts.NodeName).Logger()

	c := &Controller{
		opts:       opts,
		log:        log,
		kits:       kit.NewManager(opts.KitsDir, opts.WorkRoot, log),
		supervisor: process.NewSupervisor(log),
		ports:      disruption.NewPortAllocator(),
		queues:     transfer.NewQueues(),
		servers:    map[serverKey]*ServerInstance{},
		tms:        map[topology.InstanceID]*TmsInstance{},
		voters:     map[voterKey]*VoterInstance{},
		tools:      map[toolKey]*toolexec.ToolInstall{},
	}

	var store *instances.Store
	if opts.StatePath != "" {
		store = instances.NewStore(opts.StatePath)
		stale, err := store.Load()
		if err != nil {
			return nil, err
		}
		for _, rec := range stale {
			log.Warn().Str("installation", rec.Key.String()).Str("work_dir", rec.WorkDir).Msg("installation left by a previous run")
		}
		c.stale = stale
	}
	c.registry = instances.NewRegistry(store, c.kits.Remove, log)

	c.launcher = opts.Launcher
	if c.launcher == nil {
		c.launcher = &distribution.Launcher{Supervisor: c.supervisor, Stop: opts.Stop, Inline: opts.Inline}
	}
	return c, nil
}

func (c *Controller) NodeName() string { return c.opts.NodeName }

// SetPusher connects the controller to the coordinator for agent to
// coordinator streams.
func (c *Controller) SetPusher(p Pusher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pusher = p
}

// Queue is the inbound transfer channel with the given name.
func (c *Controller) Queue(channel string) *transfer.Queue {
	return c.queues.Get(c.queueKey(channel))
}

// Deliver routes an inbound item to channel, dropping it when the receiver
// already finished.
func (c *Controller) Deliver(ctx context.Context, channel string, item transfer.Item) error {
	ok, err := c.queues.Deliver(ctx, c.queueKey(channel), item)
	if !ok {
		c.log.Debug().Str("channel", channel).Msg("dropping item for closed channel")
	}
	return err
}

// OpenQueues is the number of live inbound channels.
func (c *Controller) OpenQueues() int { return c.queues.Len() }

func (c *Controller) queueKey(channel string) transfer.Key {
	return transfer.Key{Node: c.opts.NodeName, Channel: channel}
}

func (c *Controller) Installations() []instances.Record { return c.registry.Snapshot() }

// Stale lists installations recorded by a previous agent run.
func (c *Controller) Stale() []instances.Record { return c.stale }

func (c *Controller) Processes() []process.Status { return c.supervisor.List() }

// Close stops every process and tears down every link.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	servers := make([]*ServerInstance, 0, len(c.servers))
	for _, s := range c.servers {
		servers = append(servers, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range servers {
		if h, ok := s.slot.get(); ok && h.Alive() {
			errs = append(errs, h.Stop(ctx))
		}
		errs = append(errs, s.Close())
	}
	errs = append(errs, c.supervisor.StopAll(ctx))
	return errors.Join(errs...)
}

// StateError is an operation refused because of the current state of its
// target.
type StateError struct {
	Kind  string
	Name  string
	State string
	Op    string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s: it is %s", e.Op, e.Kind, e.Name, e.State)
}

func (e *StateError) Unwrap() error { return protocol.ErrInvalidState }

func notInstalled(kind, name string) error {
	return fmt.Errorf("%s %s: %w", kind, name, protocol.ErrNotInstalled)
}

// InstanceWorkDir is the root of everything id owns on this agent.
func (c *Controller) InstanceWorkDir(id topology.InstanceID) (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}
	return c.kits.InstanceDir(id), nil
}

// NodeAttributes describes this agent and its host.
func (c *Controller) NodeAttributes(ctx context.Context) map[string]string {
	out := maps.Clone(c.opts.Attributes)
	if out == nil {
		out = map[string]string{}
	}
	out["node_name"] = c.opts.NodeName
	out["pid"] = strconv.Itoa(os.Getpid())
	out["os"] = runtime.GOOS
	out["arch"] = runtime.GOARCH
	out["num_cpu"] = strconv.Itoa(runtime.NumCPU())
	out["work_root"] = c.opts.WorkRoot
	if hn, err := os.Hostname(); err == nil {
		out["hostname"] = hn
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		out["platform"] = info.Platform
		out["platform_version"] = info.PlatformVersion
		out["kernel_version"] = info.KernelVersion
	} else {
		c.log.Debug().Err(err).Msg("host info unavailable")
	}
	return out
}

func mergeEnv(env topology.CommandLineEnv, overrides map[string]string) map[string]string {
	out := env.Vars()
	maps.Copy(out, overrides)
	return out
}

// handle is what every process slot holds.
type handle interface {
	Alive() bool
	PID() int
	Stop(ctx context.Context) error
}

// slot is a single mutex-guarded handle reference.
type slot[H handle] struct {
	mu  sync.Mutex
	h   H
	set bool
}

func (s *slot[H]) get() (H, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h, s.set
}

func (s *slot[H]) put(h H) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h, s.set = h, true
}

func (s *slot[H]) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero H
	s.h, s.set = zero, false
}
