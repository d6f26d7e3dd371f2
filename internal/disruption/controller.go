package disruption

import (
	"github.com/rs/zerolog"

	"github.com/faradayfan/cluster-harness/internal/topology"
)

// Controller owns the client to server links of a cluster, living on the
// coordinator. Server to server links live on the agents.
type Controller struct {
	links *LinkSet
}

func NewController(alloc *PortAllocator, log zerolog.Logger) *Controller {
	return &Controller{links: NewLinkSet(alloc, log.With().Str("module", "disruption").Logger())}
}

// UpdateServerPortsWithProxy re-derives the client links from t and returns
// the proxy port of each server.
func (c *Controller) UpdateServerPortsWithProxy(t *topology.Topology) (map[string]int, error) {
	targets := map[string]string{}
	for _, s := range t.Servers() {
		targets[s.Name] = s.HostPort()
	}
	if err := c.links.Sync(targets); err != nil {
		return nil, err
	}
	return c.links.Ports(), nil
}

func (c *Controller) ProxyPorts() map[string]int {
	return c.links.Ports()
}

// Disrupt cuts clients off the named servers.
func (c *Controller) Disrupt(servers ...string) error {
	return c.links.Disrupt(servers...)
}

func (c *Controller) Undisrupt(servers ...string) error {
	return c.links.Undisrupt(servers...)
}

func (c *Controller) Close() error {
	return c.links.Close()
}
