package disruption

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faradayfan/cluster-harness/internal/topology"
)

// echoServer answers every line with the same line.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func roundTrip(port int, msg string) (string, error) {
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		return "", err
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(time.Second))
	if _, err := fmt.Fprintln(c, msg); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(c).ReadString('\n')
	return line, err
}

func TestPortAllocatorNeverRepeats(t *testing.T) {
	a := NewPortAllocator()
	first, err := a.Reserve(5)
	require.NoError(t, err)
	second, err := a.Reserve(5)
	require.NoError(t, err)

	seen := map[int]bool{}
	for _, p := range append(first, second...) {
		assert.False(t, seen[p], "port %d handed out twice", p)
		seen[p] = true
	}
	assert.Equal(t, 10, a.Reserved())
	a.Release(first...)
	assert.Equal(t, 5, a.Reserved())
}

func TestLinkDisruptAndRestore(t *testing.T) {
	target := echoServer(t)
	a := NewPortAllocator()
	ports, err := a.Reserve(1)
	require.NoError(t, err)

	l, err := NewLink(ports[0], target, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	got, err := roundTrip(l.Port, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", got)

	l.Disrupt()
	assert.True(t, l.Disrupted())
	_, err = roundTrip(l.Port, "hello")
	assert.Error(t, err)

	l.Undisrupt()
	got, err = roundTrip(l.Port, "again")
	require.NoError(t, err)
	assert.Equal(t, "again\n", got)
}

func TestLinkDisruptDropsLiveConnections(t *testing.T) {
	target := echoServer(t)
	l, err := NewLink(0, target, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(l.Port)))
	require.NoError(t, err)
	defer c.Close()
	r := bufio.NewReader(c)
	_, err = fmt.Fprintln(c, "ping")
	require.NoError(t, err)
	_ = c.SetDeadline(time.Now().Add(time.Second))
	_, err = r.ReadString('\n')
	require.NoError(t, err)

	l.Disrupt()
	_ = c.SetDeadline(time.Now().Add(time.Second))
	_, _ = fmt.Fprintln(c, "ping")
	_, err = r.ReadString('\n')
	assert.Error(t, err)
}

func stripeTopology(names ...string) *topology.Topology {
	var stripe []topology.Server
	for i, n := range names {
		stripe = append(stripe, topology.Server{Name: n, Hostname: "127.0.0.1", TsaPort: 9410 + i*10, GroupPort: 9430 + i*10})
	}
	return topology.New(topology.Distribution{}, true, stripe)
}

func TestPeerTargets(t *testing.T) {
	topo := stripeTopology("s1", "s2", "s3")
	require.NoError(t, topo.AddStripe(topology.Server{Name: "other", Hostname: "h", GroupPort: 1}))

	targets := PeerTargets(topo, "s1")
	assert.Equal(t, map[string]string{"s2": "127.0.0.1:9440", "s3": "127.0.0.1:9450"}, targets)
	assert.Empty(t, PeerTargets(topo, "missing"))
	assert.Empty(t, PeerTargets(topo, "other"))
}

func TestLinkSetFollowsTopologyChanges(t *testing.T) {
	a := NewPortAllocator()
	topo := stripeTopology("s1", "s2")
	sets := map[string]*LinkSet{}
	resync := func() {
		for _, s := range topo.Servers() {
			set, ok := sets[s.Name]
			if !ok {
				set = NewLinkSet(a, zerolog.Nop())
				sets[s.Name] = set
			}
			require.NoError(t, set.Sync(PeerTargets(topo, s.Name)))
		}
		for name, set := range sets {
			if _, ok := topo.Server(name); !ok {
				require.NoError(t, set.Close())
				delete(sets, name)
			}
		}
	}
	defer func() {
		for _, set := range sets {
			_ = set.Close()
		}
	}()
	keys := func(m map[string]int) []string {
		var out []string
		for k := range m {
			out = append(out, k)
		}
		return out
	}

	resync()
	assert.ElementsMatch(t, []string{"s2"}, keys(sets["s1"].Ports()))

	require.NoError(t, topo.AddServer(0, topology.Server{Name: "s3", Hostname: "127.0.0.1", GroupPort: 9999}))
	resync()
	assert.ElementsMatch(t, []string{"s2", "s3"}, keys(sets["s1"].Ports()))
	assert.ElementsMatch(t, []string{"s1", "s3"}, keys(sets["s2"].Ports()))
	assert.ElementsMatch(t, []string{"s1", "s2"}, keys(sets["s3"].Ports()))
	assert.Equal(t, 6, a.Reserved())

	require.NoError(t, topo.RemoveServer("s2"))
	resync()
	assert.ElementsMatch(t, []string{"s3"}, keys(sets["s1"].Ports()))
	assert.ElementsMatch(t, []string{"s1"}, keys(sets["s3"].Ports()))
	assert.NotContains(t, sets, "s2")
	assert.Equal(t, 2, a.Reserved())
}

func TestLinkSetUnknownTarget(t *testing.T) {
	set := NewLinkSet(NewPortAllocator(), zerolog.Nop())
	defer set.Close()
	require.NoError(t, set.Sync(map[string]string{"s2": echoServer(t)}))

	assert.Error(t, set.Disrupt("s2", "nope"))
	assert.NoError(t, set.Disrupt("s2"))
	assert.NoError(t, set.Undisrupt("s2"))
}

func TestControllerProxiesClients(t *testing.T) {
	addr := echoServer(t)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)
	topo := topology.New(topology.Distribution{}, true, []topology.Server{{Name: "s1", Hostname: host, TsaPort: port}})

	c := NewController(NewPortAllocator(), zerolog.Nop())
	defer c.Close()

	ports, err := c.UpdateServerPortsWithProxy(topo)
	require.NoError(t, err)
	require.Contains(t, ports, "s1")
	assert.NotEqual(t, port, ports["s1"])

	got, err := roundTrip(ports["s1"], "x")
	require.NoError(t, err)
	assert.Equal(t, "x\n", got)

	require.NoError(t, c.Disrupt("s1"))
	_, err = roundTrip(ports["s1"], "x")
	assert.Error(t, err)
	require.NoError(t, c.Undisrupt("s1"))
	assert.Error(t, c.Disrupt("s9"))
}
