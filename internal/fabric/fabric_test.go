package fabric

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faradayfan/cluster-harness/internal/agent"
	"github.com/faradayfan/cluster-harness/internal/control"
	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/transfer"
	"github.com/faradayfan/cluster-harness/internal/transport"
)

type hubSink struct {
	h       *Hub
	node    string
	channel string
}

func (s hubSink) Put(ctx context.Context, item transfer.Item) error {
	return s.h.Push(ctx, s.node, s.channel, item)
}

type cluster struct {
	hub    *Hub
	member *Member
	agent  *agent.Controller
	nodeID string
	cancel context.CancelFunc
}

func startCluster(t *testing.T) *cluster {
	t.Helper()
	log := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())

	hub := NewHub(log)
	require.NoError(t, hub.Listen("127.0.0.1:0"))
	go func() { _ = hub.Serve(ctx) }()

	c, err := agent.New(agent.Options{NodeName: "node-a", WorkRoot: filepath.Join(t.TempDir(), "work")}, log)
	require.NoError(t, err)

	m := NewMember(MemberOptions{
		NodeID:   "node-a",
		HubAddr:  hub.Addr(),
		Hostname: "localhost",
		Port:     9410,
	}, control.NewHandler("node-a", c, log), log)
	go func() { _ = m.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	id, err := hub.WaitForNode(waitCtx, "localhost", 9410)
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		_ = hub.Close()
		_ = c.Close(context.Background())
	})
	return &cluster{hub: hub, member: m, agent: c, nodeID: id, cancel: cancel}
}

func TestMemberRegisters(t *testing.T) {
	cl := startCluster(t)
	assert.Equal(t, "node-a", cl.nodeID)

	nodes := cl.hub.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "localhost:9410", nodes[0].Addr())

	select {
	case <-cl.member.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("member never became ready")
	}

	_, err := cl.hub.Resolve("nowhere", 1)
	require.ErrorIs(t, err, protocol.ErrNodeNotFound)
	assert.Contains(t, err.Error(), "nowhere:1")
}

func TestCallRoundTrip(t *testing.T) {
	cl := startCluster(t)
	ctx := context.Background()

	raw, err := cl.hub.Call(ctx, cl.nodeID, protocol.Ping{Value: "pong"})
	require.NoError(t, err)
	var got string
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "pong", got)

	_, err = cl.hub.Call(ctx, cl.nodeID, protocol.CreateServer{ServerRef: protocol.ServerRef{InstanceID: "run", Server: "s1"}})
	require.ErrorIs(t, err, protocol.ErrNotInstalled)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "node-a", remote.Node)

	_, err = cl.hub.Call(ctx, "ghost", protocol.Ping{})
	assert.ErrorIs(t, err, protocol.ErrNodeNotFound)
}

func TestCallHonoursContext(t *testing.T) {
	cl := startCluster(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	// nothing is ever pushed on this channel
	_, err := cl.hub.Call(ctx, cl.nodeID, protocol.ReceiveFiles{InstanceID: "run", Path: t.TempDir(), Channel: "idle"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPushIntoAgentQueue(t *testing.T) {
	cl := startCluster(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "lib", "client.jar"), []byte("jar"), 0o644))

	dst := filepath.Join(t.TempDir(), "jars")
	done := make(chan error, 1)
	go func() {
		_, err := cl.hub.Call(ctx, cl.nodeID, protocol.ReceiveFiles{InstanceID: "run", Path: dst, Channel: "up-1"})
		done <- err
	}()

	require.NoError(t, transfer.Send(ctx, hubSink{h: cl.hub, node: cl.nodeID, channel: "up-1"}, src))
	require.NoError(t, <-done)

	b, err := os.ReadFile(filepath.Join(dst, "lib", "client.jar"))
	require.NoError(t, err)
	assert.Equal(t, "jar", string(b))
}

func TestStreamFolderToHub(t *testing.T) {
	cl := startCluster(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "server.log"), []byte("started"), 0o644))

	_, err := cl.hub.Call(ctx, cl.nodeID, protocol.StreamFolder{Path: src, Channel: "down-1"})
	require.NoError(t, err)

	dst := t.TempDir()
	require.NoError(t, transfer.Receive(ctx, cl.hub.Queue(cl.nodeID, "down-1"), dst, zerolog.Nop()))
	b, err := os.ReadFile(filepath.Join(dst, "server.log"))
	require.NoError(t, err)
	assert.Equal(t, "started", string(b))
}

func TestSendOneWay(t *testing.T) {
	cl := startCluster(t)
	dir := filepath.Join(t.TempDir(), "oneway")

	require.NoError(t, cl.hub.Send(context.Background(), cl.nodeID, protocol.UploadFile{Path: filepath.Join(dir, "f.txt"), Content: []byte("x")}))
	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "f.txt"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFirstMessageMustRegister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	require.NoError(t, hub.Listen("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Serve(ctx) }()

	c, err := net.Dial("tcp", hub.Addr())
	require.NoError(t, err)
	tc := transport.NewConn(c)
	defer tc.Close()

	require.NoError(t, tc.Send(protocol.Message{Kind: protocol.KindHeartbeat, NodeID: "rogue"}))
	_ = tc.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = tc.Recv()
	assert.Error(t, err)
	assert.Empty(t, hub.Nodes())
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	cl := startCluster(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		// blocks on an empty transfer queue until the connection drops
		_, err := cl.hub.Call(ctx, cl.nodeID, protocol.ReceiveFiles{InstanceID: "run", Path: t.TempDir(), Channel: "never"})
		done <- err
	}()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, cl.hub.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, protocol.ErrNodeNotFound)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call was not failed")
	}
}

func TestOversizedReplyKeepsNodeConnected(t *testing.T) {
	cl := startCluster(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	big := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(big, make([]byte, 13<<20), 0o644))

	_, err := cl.hub.Call(ctx, cl.nodeID, protocol.DownloadFile{Path: big})
	require.ErrorIs(t, err, protocol.ErrTooLarge)
	assert.Contains(t, err.Error(), protocol.CmdDownloadFile)

	_, err = cl.hub.Call(ctx, cl.nodeID, protocol.UploadFile{Path: big + ".copy", Content: make([]byte, 13<<20)})
	require.ErrorIs(t, err, protocol.ErrTooLarge)

	raw, err := cl.hub.Call(ctx, cl.nodeID, protocol.Ping{Value: "still here"})
	require.NoError(t, err)
	var got string
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "still here", got)
	assert.Len(t, cl.hub.Nodes(), 1)
}

func TestCallerCancellationReachesAgent(t *testing.T) {
	cl := startCluster(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := cl.hub.Call(ctx, cl.nodeID, protocol.ReceiveFiles{InstanceID: "run", Path: t.TempDir(), Channel: "never"})
		done <- err
	}()

	require.Eventually(t, func() bool { return cl.agent.OpenQueues() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Eventually(t, func() bool { return cl.agent.OpenQueues() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestCallerDeadlineReachesAgent(t *testing.T) {
	cl := startCluster(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := cl.hub.Call(ctx, cl.nodeID, protocol.ReceiveFiles{InstanceID: "run", Path: t.TempDir(), Channel: "late"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Eventually(t, func() bool { return cl.agent.OpenQueues() == 0 }, 5*time.Second, 10*time.Millisecond)
}
