package harness

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/faradayfan/cluster-harness/internal/dispatch"
	"github.com/faradayfan/cluster-harness/internal/logging"
	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/topology"
)

// Voter drives a set of voter processes of one distribution.
type Voter struct {
	c       *Cluster
	id      topology.InstanceID
	dist    topology.Distribution
	license *topology.License
	voters  []topology.Voter
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Voter installs every voter on its host.
func (c *Cluster) Voter(ctx context.Context, d topology.Distribution, license *topology.License, voters ...topology.Voter) (*Voter, error) {
	v := &Voter{
		c:       c,
		id:      c.newID("voter"),
		dist:    d,
		license: license,
		voters:  voters,
		log:     logging.Module(c.log, "voter"),
	}
	if err := c.track(v); err != nil {
		return nil, err
	}
	km := NewLocalKitManager(d, c.props)
	for _, tv := range voters {
		if err := v.install(ctx, km, tv); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *Voter) ref(tv topology.Voter) protocol.VoterRef {
	return protocol.VoterRef{InstanceID: v.id, Voter: tv.ID}
}

func (v *Voter) voter(id string) (topology.Voter, error) {
	for _, tv := range v.voters {
		if tv.ID == id {
			return tv, nil
		}
	}
	return topology.Voter{}, fmt.Errorf("unknown voter %q", id)
}

func (v *Voter) install(ctx context.Context, km *LocalKitManager, tv topology.Voter) error {
	state, err := v.state(ctx, tv)
	if err != nil {
		return err
	}
	if state != topology.VoterNotInstalled {
		return stateError("install", "voter", tv.ID, state)
	}
	spec := km.Spec([]string{tv.Hostname})
	v.log.Info().Str("voter", tv.ID).Str("host", tv.Hostname).Msg("installing voter")
	return v.c.installOn(ctx, tv.Hostname, v.id, km, spec, protocol.InstallVoter{
		InstanceID:   v.id,
		Voter:        tv,
		Distribution: v.dist,
		License:      v.license,
		Kit:          spec,
	})
}

func (v *Voter) state(ctx context.Context, tv topology.Voter) (topology.VoterState, error) {
	return dispatch.Execute[topology.VoterState](ctx, v.c.d, tv.Hostname, v.c.AgentPort(tv.Hostname), protocol.VoterState{VoterRef: v.ref(tv)})
}

func (v *Voter) State(ctx context.Context, id string) (topology.VoterState, error) {
	tv, err := v.voter(id)
	if err != nil {
		return "", err
	}
	return v.state(ctx, tv)
}

// Start launches a voter. A voter already running is left alone.
func (v *Voter) Start(ctx context.Context, id string, overrides map[string]string) error {
	tv, err := v.voter(id)
	if err != nil {
		return err
	}
	v.log.Info().Str("voter", id).Msg("starting voter")
	return dispatch.Run(ctx, v.c.d, tv.Hostname, v.c.AgentPort(tv.Hostname), protocol.StartVoter{
		VoterRef:     v.ref(tv),
		Env:          v.c.Env(),
		EnvOverrides: overrides,
	})
}

func (v *Voter) StartAll(ctx context.Context) error {
	for _, tv := range v.voters {
		if err := v.Start(ctx, tv.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops a running voter. A stopped voter is left alone.
func (v *Voter) Stop(ctx context.Context, id string) error {
	tv, err := v.voter(id)
	if err != nil {
		return err
	}
	return v.stop(ctx, tv)
}

func (v *Voter) stop(ctx context.Context, tv topology.Voter) error {
	state, err := v.state(ctx, tv)
	if err != nil {
		return err
	}
	if state == topology.VoterStopped || state == topology.VoterNotInstalled {
		return nil
	}
	v.log.Info().Str("voter", tv.ID).Msg("stopping voter")
	return dispatch.Run(ctx, v.c.d, tv.Hostname, v.c.AgentPort(tv.Hostname), protocol.StopVoter{VoterRef: v.ref(tv)})
}

func (v *Voter) Close(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	var errs []error
	for _, tv := range v.voters {
		if err := v.stop(ctx, tv); err != nil {
			errs = append(errs, fmt.Errorf("stop voter %s: %w", tv.ID, err))
			continue
		}
		if v.c.props.SkipUninstall {
			continue
		}
		if err := dispatch.Run(ctx, v.c.d, tv.Hostname, v.c.AgentPort(tv.Hostname), protocol.UninstallVoter{VoterRef: v.ref(tv)}); err != nil {
			errs = append(errs, fmt.Errorf("uninstall voter %s: %w", tv.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Tms drives a management server.
type Tms struct {
	c       *Cluster
	id      topology.InstanceID
	tms     topology.Tms
	dist    topology.Distribution
	license *topology.License
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func (c *Cluster) Tms(ctx context.Context, d topology.Distribution, license *topology.License, tms topology.Tms) (*Tms, error) {
	t := &Tms{
		c:       c,
		id:      c.newID("tms"),
		tms:     tms,
		dist:    d,
		license: license,
		log:     logging.Module(c.log, "tms").With().Str("host", tms.Hostname).Logger(),
	}
	if err := c.track(t); err != nil {
		return nil, err
	}
	state, err := t.State(ctx)
	if err != nil {
		return nil, err
	}
	if state != topology.TmsNotInstalled {
		return nil, stateError("install", "management server", string(t.id), state)
	}
	km := NewLocalKitManager(d, c.props)
	spec := km.Spec([]string{tms.Hostname})
	t.log.Info().Str("kit", km.KitName()).Msg("installing management server")
	err = c.installOn(ctx, tms.Hostname, t.id, km, spec, protocol.InstallTms{
		InstanceID:   t.id,
		Tms:          tms,
		Distribution: d,
		License:      license,
		Kit:          spec,
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tms) ref() protocol.TmsRef { return protocol.TmsRef{InstanceID: t.id} }

func (t *Tms) port() int { return t.c.AgentPort(t.tms.Hostname) }

func (t *Tms) State(ctx context.Context) (topology.TmsState, error) {
	return dispatch.Execute[topology.TmsState](ctx, t.c.d, t.tms.Hostname, t.port(), protocol.TmsState{TmsRef: t.ref()})
}

func (t *Tms) Start(ctx context.Context, overrides map[string]string) error {
	t.log.Info().Msg("starting management server")
	return dispatch.Run(ctx, t.c.d, t.tms.Hostname, t.port(), protocol.StartTms{
		TmsRef:       t.ref(),
		Env:          t.c.Env(),
		EnvOverrides: overrides,
	})
}

// Stop stops the management server. A stopped one is left alone.
func (t *Tms) Stop(ctx context.Context) error {
	state, err := t.State(ctx)
	if err != nil {
		return err
	}
	if state == topology.TmsStopped || state == topology.TmsNotInstalled {
		return nil
	}
	t.log.Info().Msg("stopping management server")
	return dispatch.Run(ctx, t.c.d, t.tms.Hostname, t.port(), protocol.StopTms{TmsRef: t.ref()})
}

// URL is the address of the management server's web interface.
func (t *Tms) URL() string {
	port := t.tms.Port
	if port == 0 {
		port = 9480
	}
	return fmt.Sprintf("http://%s:%d", t.tms.Hostname, port)
}

// Browse opens root relative to the management server's install dir.
func (t *Tms) Browse(ctx context.Context, root string) (*RemoteFolder, error) {
	p, err := dispatch.Execute[protocol.PathsResult](ctx, t.c.d, t.tms.Hostname, t.port(), protocol.TmsPaths{TmsRef: t.ref()})
	if err != nil {
		return nil, err
	}
	return t.c.RemoteFolder(t.tms.Hostname, filepath.Join(p.InstallDir, root)), nil
}

func (t *Tms) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if err := t.Stop(ctx); err != nil {
		return err
	}
	if t.c.props.SkipUninstall {
		return nil
	}
	return dispatch.Run(ctx, t.c.d, t.tms.Hostname, t.port(), protocol.UninstallTms{TmsRef: t.ref()})
}
