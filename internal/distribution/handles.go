package distribution

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/faradayfan/cluster-harness/internal/process"
	"github.com/faradayfan/cluster-harness/internal/topology"
)

// ServerHandle is a running server, in or out of the agent process.
type ServerHandle interface {
	State() topology.ServerState
	Alive() bool
	PID() int
	Stop(ctx context.Context) error
}

type VoterHandle interface {
	State() topology.VoterState
	Alive() bool
	PID() int
	Stop(ctx context.Context) error
}

type TmsHandle interface {
	State() topology.TmsState
	Alive() bool
	PID() int
	Stop(ctx context.Context) error
}

// StopPolicy is how each kind of launched process is stopped.
type StopPolicy struct {
	Server process.StopConfig
	Voter  process.StopConfig
	Tms    process.StopConfig
}

// Launcher starts processes with the builders of a distribution.
type Launcher struct {
	Supervisor *process.Supervisor
	Stop       StopPolicy
	// Inline runs servers in-process for distributions that ask for it.
	Inline InlineRuntime
}

func (l *Launcher) StartServer(ctx context.Context, d topology.Distribution, req ServerLaunch, env map[string]string) (ServerHandle, error) {
	argv, err := ServerCommand(d, req)
	if err != nil {
		return nil, err
	}
	serverDir := filepath.Join(req.WorkDir, req.Server.Name)

	if d.Inline() {
		if l.Inline == nil {
			return nil, fmt.Errorf("inline servers are not available on this agent")
		}
		h, err := startInline(ctx, l.Inline, req.KitDir, serverDir, argv)
		if err != nil {
			return nil, err
		}
		return h, nil
	}

	p, err := l.Supervisor.Start(process.Spec{
		Name:    fmt.Sprintf("%s/server/%s", req.InstanceID, req.Server.Name),
		Command: argv[0],
		Args:    argv[1:],
		Dir:     req.WorkDir,
		Env:     env,
		LogPath: filepath.Join(serverDir, "stdout.txt"),
		Watches: serverWatches,
		Stop:    l.Stop.Server,
	})
	if err != nil {
		return nil, err
	}
	return &procServer{p: p}, nil
}

func (l *Launcher) StartVoter(d topology.Distribution, id topology.InstanceID, kitDir, workDir string, v topology.Voter, env map[string]string) (VoterHandle, error) {
	argv, err := VoterCommand(d, kitDir, v)
	if err != nil {
		return nil, err
	}
	p, err := l.Supervisor.Start(process.Spec{
		Name:    fmt.Sprintf("%s/voter/%s", id, v.ID),
		Command: argv[0],
		Args:    argv[1:],
		Dir:     workDir,
		Env:     env,
		LogPath: filepath.Join(workDir, v.ID, "stdout.txt"),
		Watches: voterWatches,
		Stop:    l.Stop.Voter,
	})
	if err != nil {
		return nil, err
	}
	return &procVoter{p: p}, nil
}

func (l *Launcher) StartTms(d topology.Distribution, id topology.InstanceID, kitDir, workDir string, env map[string]string) (TmsHandle, error) {
	argv, err := TmsCommand(d, kitDir)
	if err != nil {
		return nil, err
	}
	p, err := l.Supervisor.Start(process.Spec{
		Name:    fmt.Sprintf("%s/tms", id),
		Command: argv[0],
		Args:    argv[1:],
		Dir:     workDir,
		Env:     env,
		LogPath: filepath.Join(workDir, "tms", "stdout.txt"),
		Watches: tmsWatches,
		Stop:    l.Stop.Tms,
	})
	if err != nil {
		return nil, err
	}
	return &procTms{p: p}, nil
}

type procServer struct{ p *process.Proc }

func (h *procServer) State() topology.ServerState {
	if !h.p.Alive() {
		return topology.ServerStopped
	}
	blocked := func() bool { return h.p.Value(KeyBlocked) == "true" }
	return MapServerState(h.p.Value(KeyState), blocked, false)
}

func (h *procServer) Alive() bool                    { return h.p.Alive() }
func (h *procServer) PID() int                       { return h.p.PID() }
func (h *procServer) Stop(ctx context.Context) error { return h.p.Stop(ctx) }

type procVoter struct{ p *process.Proc }

func (h *procVoter) State() topology.VoterState {
	if !h.p.Alive() {
		return topology.VoterStopped
	}
	if v := h.p.Value(KeyState); v != "" {
		return topology.VoterState(v)
	}
	return topology.VoterStarting
}

func (h *procVoter) Alive() bool                    { return h.p.Alive() }
func (h *procVoter) PID() int                       { return h.p.PID() }
func (h *procVoter) Stop(ctx context.Context) error { return h.p.Stop(ctx) }

type procTms struct{ p *process.Proc }

func (h *procTms) State() topology.TmsState {
	if !h.p.Alive() {
		return topology.TmsStopped
	}
	if v := h.p.Value(KeyState); v != "" {
		return topology.TmsState(v)
	}
	return topology.TmsStarting
}

func (h *procTms) Alive() bool                    { return h.p.Alive() }
func (h *procTms) PID() int                       { return h.p.PID() }
func (h *procTms) Stop(ctx context.Context) error { return h.p.Stop(ctx) }
