package harness

import (
	"context"
	"fmt"

	"github.com/faradayfan/cluster-harness/internal/dispatch"
	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/topology"
)

// installOn runs install on host. When the agent lacks the kit it is
// uploaded and the install retried once.
func (c *Cluster) installOn(ctx context.Context, host string, id topology.InstanceID, km *LocalKitManager, spec topology.KitSpec, install protocol.Command) error {
	if err := km.Setup(); err != nil {
		return err
	}
	port := c.AgentPort(host)

	ok, err := dispatch.Execute[bool](ctx, c.d, host, port, install)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if spec.ExplicitPath != "" {
		return fmt.Errorf("%s on %s refused kit %s", install.CommandType(), host, spec.ExplicitPath)
	}

	c.log.Info().Str("host", host).Str("kit", km.KitName()).Msg("kit missing on agent, uploading")
	if err := dispatch.UploadKit(ctx, c.d, host, port, id, km.KitName(), km.KitPath()); err != nil {
		return fmt.Errorf("cannot upload kit to %s: %w", host, err)
	}
	ok, err = dispatch.Execute[bool](ctx, c.d, host, port, install)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("kit %s still missing on %s after upload", km.KitName(), host)
	}
	return nil
}

// stateError is a coordinator-side refusal caused by a component's state.
func stateError(op, kind, name string, state any) error {
	return fmt.Errorf("%w: cannot %s %s %s in state %v", protocol.ErrInvalidState, op, kind, name, state)
}
