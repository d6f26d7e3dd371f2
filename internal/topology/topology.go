package topology

import (
	"fmt"
	"net"
	"slices"
	"strconv"
)

// Server describes one logical server of a cluster.
type Server struct {
	Name        string `json:"name"`
	Hostname    string `json:"hostname"`
	TsaPort     int    `json:"tsa_port"`
	GroupPort   int    `json:"group_port"`
	BindAddress string `json:"bind_address,omitempty"`
	LogDir      string `json:"log_dir,omitempty"`
	ConfigRepo  string `json:"config_repo,omitempty"`
	// DataDirs maps a data directory name to a path relative to the server
	// working directory.
	DataDirs         map[string]string `json:"data_dirs,omitempty"`
	Offheap          map[string]string `json:"offheap,omitempty"`
	FailoverPriority string            `json:"failover_priority,omitempty"`
}

func (s Server) HostPort() string {
	return net.JoinHostPort(s.Hostname, strconv.Itoa(s.TsaPort))
}

func (s Server) GroupAddr() string {
	return net.JoinHostPort(s.Hostname, strconv.Itoa(s.GroupPort))
}

// Topology is the shape of a cluster: stripes of servers plus the
// distribution they run.
type Topology struct {
	Distribution         Distribution `json:"distribution"`
	ClusterName          string       `json:"cluster_name,omitempty"`
	NetDisruptionEnabled bool         `json:"net_disruption_enabled"`
	Stripes              [][]Server   `json:"stripes"`
}

func New(dist Distribution, disruption bool, stripes ...[]Server) *Topology {
	t := &Topology{Distribution: dist, NetDisruptionEnabled: disruption}
	for _, s := range stripes {
		t.Stripes = append(t.Stripes, slices.Clone(s))
	}
	return t
}

func (t *Topology) Validate() error {
	if len(t.Stripes) == 0 {
		return fmt.Errorf("topology has no stripes")
	}
	seen := map[string]bool{}
	for i, stripe := range t.Stripes {
		if len(stripe) == 0 {
			return fmt.Errorf("stripe %d has no servers", i)
		}
		for _, s := range stripe {
			if s.Name == "" {
				return fmt.Errorf("stripe %d has a server without a name", i)
			}
			if seen[s.Name] {
				return fmt.Errorf("duplicate server name %q", s.Name)
			}
			seen[s.Name] = true
		}
	}
	return nil
}

func (t *Topology) Servers() []Server {
	var out []Server
	for _, stripe := range t.Stripes {
		out = append(out, stripe...)
	}
	return out
}

// Hostnames returns each distinct hostname once, in topology order.
func (t *Topology) Hostnames() []string {
	var out []string
	for _, s := range t.Servers() {
		if !slices.Contains(out, s.Hostname) {
			out = append(out, s.Hostname)
		}
	}
	return out
}

func (t *Topology) Server(name string) (Server, bool) {
	stripe, idx := t.find(name)
	if stripe < 0 {
		return Server{}, false
	}
	return t.Stripes[stripe][idx], true
}

func (t *Topology) ServerAt(stripe, idx int) (Server, error) {
	if stripe < 0 || stripe >= len(t.Stripes) {
		return Server{}, fmt.Errorf("no stripe %d", stripe)
	}
	if idx < 0 || idx >= len(t.Stripes[stripe]) {
		return Server{}, fmt.Errorf("no server %d in stripe %d", idx, stripe)
	}
	return t.Stripes[stripe][idx], nil
}

// StripeIndex returns the stripe holding the named server, or -1.
func (t *Topology) StripeIndex(name string) int {
	stripe, _ := t.find(name)
	return stripe
}

func (t *Topology) StripeOf(name string) []Server {
	stripe, _ := t.find(name)
	if stripe < 0 {
		return nil
	}
	return slices.Clone(t.Stripes[stripe])
}

func (t *Topology) AddStripe(servers ...Server) error {
	for _, s := range servers {
		if _, ok := t.Server(s.Name); ok {
			return fmt.Errorf("server %q already in topology", s.Name)
		}
	}
	t.Stripes = append(t.Stripes, slices.Clone(servers))
	return nil
}

func (t *Topology) RemoveStripe(stripe int) error {
	if stripe < 0 || stripe >= len(t.Stripes) {
		return fmt.Errorf("no stripe %d", stripe)
	}
	if len(t.Stripes) == 1 {
		return fmt.Errorf("cannot remove the only stripe")
	}
	t.Stripes = slices.Delete(t.Stripes, stripe, stripe+1)
	return nil
}

func (t *Topology) AddServer(stripe int, s Server) error {
	if stripe < 0 || stripe >= len(t.Stripes) {
		return fmt.Errorf("no stripe %d", stripe)
	}
	if _, ok := t.Server(s.Name); ok {
		return fmt.Errorf("server %q already in topology", s.Name)
	}
	t.Stripes[stripe] = append(t.Stripes[stripe], s)
	return nil
}

func (t *Topology) RemoveServer(name string) error {
	stripe, idx := t.find(name)
	if stripe < 0 {
		return fmt.Errorf("server %q not in topology", name)
	}
	if len(t.Stripes[stripe]) == 1 {
		return fmt.Errorf("cannot remove the last server of stripe %d", stripe)
	}
	t.Stripes[stripe] = slices.Delete(t.Stripes[stripe], idx, idx+1)
	return nil
}

// Clone returns a deep copy of the stripe layout.
func (t *Topology) Clone() *Topology {
	c := *t
	c.Stripes = make([][]Server, len(t.Stripes))
	for i, stripe := range t.Stripes {
		c.Stripes[i] = slices.Clone(stripe)
	}
	return &c
}

func (t *Topology) find(name string) (int, int) {
	for i, stripe := range t.Stripes {
		for j, s := range stripe {
			if s.Name == name {
				return i, j
			}
		}
	}
	return -1, -1
}
