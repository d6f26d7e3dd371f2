package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/faradayfan/cluster-harness/internal/distribution"
	"github.com/faradayfan/cluster-harness/internal/instances"
	"github.com/faradayfan/cluster-harness/internal/kit"
	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/topology"
)

// TmsInstance is the management server of one instance id.
type TmsInstance struct {
	id   topology.InstanceID
	tms  topology.Tms
	dist topology.Distribution
	dirs kit.Dirs

	op   sync.Mutex
	slot slot[distribution.TmsHandle]
}

func (t *TmsInstance) State() topology.TmsState {
	h, ok := t.slot.get()
	if !ok {
		return topology.TmsStopped
	}
	return h.State()
}

func (c *Controller) InstallTms(ctx context.Context, cmd protocol.InstallTms) (bool, error) {
	if err := cmd.InstanceID.Validate(); err != nil {
		return false, err
	}
	tx, done := c.registry.Begin(cmd.InstanceID)
	defer done()

	key := instances.Key{InstanceID: cmd.InstanceID, Kind: instances.KindTms, Distribution: cmd.Distribution.Key()}
	rec, ok, err := tx.Acquire(key, "tms", func() (kit.Dirs, bool, error) {
		return c.kits.Resolve(cmd.InstanceID, cmd.Kit, cmd.License)
	})
	if err != nil || !ok {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tms[cmd.InstanceID]; !exists {
		c.tms[cmd.InstanceID] = &TmsInstance{id: cmd.InstanceID, tms: cmd.Tms, dist: cmd.Distribution, dirs: rec.Dirs}
	}
	return true, nil
}

func (c *Controller) tmsOf(id topology.InstanceID) (*TmsInstance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tms[id]
	if !ok {
		return nil, notInstalled("management server of", string(id))
	}
	return t, nil
}

func (c *Controller) UninstallTms(ctx context.Context, ref protocol.TmsRef) error {
	tx, done := c.registry.Begin(ref.InstanceID)
	defer done()

	t, err := c.tmsOf(ref.InstanceID)
	if err != nil {
		c.log.Info().Str("instance", string(ref.InstanceID)).Msg("management server not installed, nothing to uninstall")
		return nil
	}
	t.op.Lock()
	defer t.op.Unlock()
	if h, ok := t.slot.get(); ok && h.Alive() {
		return &StateError{Kind: "management server of", Name: string(ref.InstanceID), State: string(h.State()), Op: "uninstall"}
	}
	key := instances.Key{InstanceID: ref.InstanceID, Kind: instances.KindTms, Distribution: t.dist.Key()}
	rec, _, err := tx.Release(key, "tms")
	if rec.Members["tms"] == 0 {
		c.mu.Lock()
		delete(c.tms, ref.InstanceID)
		c.mu.Unlock()
	}
	return err
}

func (c *Controller) StartTms(ctx context.Context, cmd protocol.StartTms) error {
	t, err := c.tmsOf(cmd.InstanceID)
	if err != nil {
		return err
	}
	t.op.Lock()
	defer t.op.Unlock()
	if st := t.State(); st == topology.TmsStarted || st == topology.TmsStarting {
		return nil
	}
	workDir := filepath.Join(t.dirs.WorkDir, "tms")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create management server dir %q: %w", workDir, err)
	}
	h, err := c.launcher.StartTms(t.dist, t.id, t.dirs.KitDir, t.dirs.WorkDir, mergeEnv(cmd.Env, cmd.EnvOverrides))
	if err != nil {
		return fmt.Errorf("start management server: %w", err)
	}
	t.slot.put(h)
	return nil
}

func (c *Controller) StopTms(ctx context.Context, ref protocol.TmsRef) error {
	t, err := c.tmsOf(ref.InstanceID)
	if err != nil {
		return err
	}
	t.op.Lock()
	defer t.op.Unlock()
	h, ok := t.slot.get()
	if !ok {
		return &StateError{Kind: "management server of", Name: string(ref.InstanceID), State: string(topology.TmsStopped), Op: "stop"}
	}
	if err := h.Stop(ctx); err != nil {
		return fmt.Errorf("stop management server: %w", err)
	}
	t.slot.clear()
	return nil
}

func (c *Controller) TmsState(ref protocol.TmsRef) topology.TmsState {
	t, err := c.tmsOf(ref.InstanceID)
	if err != nil {
		return topology.TmsNotInstalled
	}
	return t.State()
}

func (c *Controller) TmsPaths(ref protocol.TmsRef) (protocol.PathsResult, error) {
	t, err := c.tmsOf(ref.InstanceID)
	if err != nil {
		return protocol.PathsResult{}, err
	}
	return protocol.PathsResult{
		KitDir:      t.dirs.KitDir,
		WorkDir:     t.dirs.WorkDir,
		InstallDir:  distribution.Root(t.dist, t.dirs.KitDir),
		LicensePath: t.dirs.LicensePath,
	}, nil
}

// VoterInstance is one installed voter.
type VoterInstance struct {
	id    topology.InstanceID
	voter topology.Voter
	dist  topology.Distribution
	dirs  kit.Dirs

	op   sync.Mutex
	slot slot[distribution.VoterHandle]
}

func (v *VoterInstance) State() topology.VoterState {
	h, ok := v.slot.get()
	if !ok {
		return topology.VoterStopped
	}
	return h.State()
}

func (c *Controller) InstallVoter(ctx context.Context, cmd protocol.InstallVoter) (bool, error) {
	if err := cmd.InstanceID.Validate(); err != nil {
		return false, err
	}
	if cmd.Voter.ID == "" {
		return false, fmt.Errorf("voter id is required")
	}
	key := instances.Key{InstanceID: cmd.InstanceID, Kind: instances.KindVoter, Distribution: cmd.Distribution.Key()}
	tx, done := c.registry.Begin(cmd.InstanceID)
	defer done()

	rec, ok, err := tx.Acquire(key, cmd.Voter.ID, func() (kit.Dirs, bool, error) {
		return c.kits.Resolve(cmd.InstanceID, cmd.Kit, cmd.License)
	})
	if err != nil || !ok {
		return false, err
	}

	vk := voterKey{cmd.InstanceID, cmd.Voter.ID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.voters[vk]; !exists {
		c.voters[vk] = &VoterInstance{id: cmd.InstanceID, voter: cmd.Voter, dist: cmd.Distribution, dirs: rec.Dirs}
	}
	return true, nil
}

func (c *Controller) voterOf(ref protocol.VoterRef) (*VoterInstance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.voters[voterKey{ref.InstanceID, ref.Voter}]
	if !ok {
		return nil, notInstalled("voter", ref.Voter)
	}
	return v, nil
}

func (c *Controller) UninstallVoter(ctx context.Context, ref protocol.VoterRef) error {
	tx, done := c.registry.Begin(ref.InstanceID)
	defer done()

	v, err := c.voterOf(ref)
	if err != nil {
		c.log.Info().Str("instance", string(ref.InstanceID)).Str("voter", ref.Voter).Msg("voter not installed, nothing to uninstall")
		return nil
	}
	v.op.Lock()
	defer v.op.Unlock()
	if h, ok := v.slot.get(); ok && h.Alive() {
		return &StateError{Kind: "voter", Name: ref.Voter, State: string(h.State()), Op: "uninstall"}
	}
	key := instances.Key{InstanceID: ref.InstanceID, Kind: instances.KindVoter, Distribution: v.dist.Key()}
	rec, _, err := tx.Release(key, ref.Voter)
	if rec.Members[ref.Voter] == 0 {
		c.mu.Lock()
		delete(c.voters, voterKey{ref.InstanceID, ref.Voter})
		c.mu.Unlock()
	}
	return err
}

func (c *Controller) StartVoter(ctx context.Context, cmd protocol.StartVoter) error {
	v, err := c.voterOf(cmd.VoterRef)
	if err != nil {
		return err
	}
	v.op.Lock()
	defer v.op.Unlock()
	if st := v.State(); st != topology.VoterStopped {
		return nil
	}
	h, err := c.launcher.StartVoter(v.dist, v.id, v.dirs.KitDir, v.dirs.WorkDir, v.voter, mergeEnv(cmd.Env, cmd.EnvOverrides))
	if err != nil {
		return fmt.Errorf("start voter %s: %w", v.voter.ID, err)
	}
	v.slot.put(h)
	return nil
}

func (c *Controller) StopVoter(ctx context.Context, ref protocol.VoterRef) error {
	v, err := c.voterOf(ref)
	if err != nil {
		return err
	}
	v.op.Lock()
	defer v.op.Unlock()
	h, ok := v.slot.get()
	if !ok {
		return &StateError{Kind: "voter", Name: ref.Voter, State: string(topology.VoterStopped), Op: "stop"}
	}
	if err := h.Stop(ctx); err != nil {
		return fmt.Errorf("stop voter %s: %w", ref.Voter, err)
	}
	v.slot.clear()
	return nil
}

func (c *Controller) VoterState(ref protocol.VoterRef) topology.VoterState {
	v, err := c.voterOf(ref)
	if err != nil {
		return topology.VoterNotInstalled
	}
	return v.State()
}
