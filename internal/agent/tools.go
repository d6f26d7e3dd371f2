package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/faradayfan/cluster-harness/internal/distribution"
	"github.com/faradayfan/cluster-harness/internal/instances"
	"github.com/faradayfan/cluster-harness/internal/kit"
	"github.com/faradayfan/cluster-harness/internal/process"
	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/toolexec"
	"github.com/faradayfan/cluster-harness/internal/topology"
)

// clientStopGrace is how long a client process gets before it is killed.
const clientStopGrace = 10 * time.Second

func toolKind(k topology.ToolKind) (instances.Kind, error) {
	switch k {
	case topology.ConfigTool:
		return instances.KindConfigTool, nil
	case topology.ClusterTool:
		return instances.KindClusterTool, nil
	default:
		return "", fmt.Errorf("unknown tool %q", k)
	}
}

// InstallTool binds a config or cluster tool to its kit. Every Execute
// afterwards is a fresh run of the same command.
func (c *Controller) InstallTool(ctx context.Context, cmd protocol.InstallTool) (bool, error) {
	if err := cmd.InstanceID.Validate(); err != nil {
		return false, err
	}
	kind, err := toolKind(cmd.Tool)
	if err != nil {
		return false, err
	}
	tx, done := c.registry.Begin(cmd.InstanceID)
	defer done()

	key := instances.Key{InstanceID: cmd.InstanceID, Kind: kind, Distribution: cmd.Distribution.Key()}
	rec, ok, err := tx.Acquire(key, string(cmd.Tool), func() (kit.Dirs, bool, error) {
		return c.kits.Resolve(cmd.InstanceID, cmd.Kit, cmd.License)
	})
	if err != nil || !ok {
		return false, err
	}

	tk := toolKey{cmd.InstanceID, cmd.Tool}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tools[tk]; exists {
		return true, nil
	}

	workDir := filepath.Join(rec.WorkDir, string(cmd.Tool))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		c.log.Warn().Err(err).Str("dir", workDir).Msg("could not create tool work dir")
	}
	argv, err := distribution.ToolCommand(cmd.Distribution, cmd.Tool, rec.KitDir, "")
	if err != nil {
		_, _, _ = tx.Release(key, string(cmd.Tool))
		return false, err
	}
	runner, err := toolexec.NewRunner(workDir, argv, nil)
	if err != nil {
		_, _, _ = tx.Release(key, string(cmd.Tool))
		return false, err
	}
	c.tools[tk] = &toolexec.ToolInstall{
		Kind:         cmd.Tool,
		Distribution: cmd.Distribution,
		KitDir:       rec.KitDir,
		WorkDir:      workDir,
		LicensePath:  rec.LicensePath,
		Runner:       runner,
	}
	return true, nil
}

func (c *Controller) tool(ref protocol.ToolRef) (*toolexec.ToolInstall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tools[toolKey{ref.InstanceID, ref.Tool}]
	if !ok {
		return nil, notInstalled(string(ref.Tool), string(ref.InstanceID))
	}
	return t, nil
}

func (c *Controller) UninstallTool(ctx context.Context, ref protocol.ToolRef) error {
	tx, done := c.registry.Begin(ref.InstanceID)
	defer done()

	t, err := c.tool(ref)
	if err != nil {
		c.log.Info().Str("instance", string(ref.InstanceID)).Str("tool", string(ref.Tool)).Msg("tool not installed, nothing to uninstall")
		return nil
	}
	kind, err := toolKind(ref.Tool)
	if err != nil {
		return err
	}
	key := instances.Key{InstanceID: ref.InstanceID, Kind: kind, Distribution: t.Distribution.Key()}
	rec, _, err := tx.Release(key, string(ref.Tool))
	if rec.Members[string(ref.Tool)] == 0 {
		c.mu.Lock()
		delete(c.tools, toolKey{ref.InstanceID, ref.Tool})
		c.mu.Unlock()
	}
	return err
}

// ExecuteTool runs the tool once. A non-zero exit is part of the result.
func (c *Controller) ExecuteTool(ctx context.Context, cmd protocol.ExecuteTool) (toolexec.Result, error) {
	t, err := c.tool(cmd.ToolRef)
	if err != nil {
		return toolexec.Result{}, err
	}
	c.log.Info().Str("tool", string(cmd.Tool)).Strs("args", cmd.Args).Msg("executing tool")
	return t.Execute(ctx, cmd.Env, cmd.Args)
}

func (c *Controller) ToolPaths(ref protocol.ToolRef) (protocol.PathsResult, error) {
	t, err := c.tool(ref)
	if err != nil {
		return protocol.PathsResult{}, err
	}
	return protocol.PathsResult{
		KitDir:      t.KitDir,
		WorkDir:     t.WorkDir,
		InstallDir:  distribution.Root(t.Distribution, t.KitDir),
		LicensePath: t.LicensePath,
	}, nil
}

// ClientJcmd runs a diagnostic command against a client process.
func (c *Controller) ClientJcmd(ctx context.Context, cmd protocol.ClientJcmd) (toolexec.Result, error) {
	if !process.Exists(ctx, cmd.PID) {
		return toolexec.Result{}, &StateError{Kind: "client", Name: fmt.Sprintf("pid %d", cmd.PID), State: "not running", Op: "jcmd"}
	}
	return runJcmd(ctx, c.opts.WorkRoot, cmd.Env, cmd.PID, cmd.Args)
}

// StopClient terminates a client process tree, killing it after a grace
// period.
func (c *Controller) StopClient(ctx context.Context, cmd protocol.StopClient) error {
	if !process.Exists(ctx, cmd.PID) {
		c.log.Info().Int("pid", cmd.PID).Msg("client already gone")
		return nil
	}
	c.log.Info().Int("pid", cmd.PID).Msg("stopping client")
	return process.KillTree(ctx, cmd.PID, clientStopGrace)
}

// DeleteClient removes a client directory under the instance root.
func (c *Controller) DeleteClient(ctx context.Context, cmd protocol.DeleteClient) error {
	root, err := c.InstanceWorkDir(cmd.InstanceID)
	if err != nil {
		return err
	}
	dir, err := within(root, cmd.Subdir)
	if err != nil {
		return err
	}
	return kit.DeleteTree(dir)
}
