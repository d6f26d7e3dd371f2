package transport

import (
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faradayfan/cluster-harness/internal/protocol"
)

func TestSendRecvLargeMessages(t *testing.T) {
	a, b := net.Pipe()
	left, right := NewConn(a), NewConn(b)
	defer left.Close()
	defer right.Close()

	big := strings.Repeat("x", 300*1024)
	go func() {
		msg, _ := protocol.NewRequest("n", "1", protocol.CmdPing, protocol.Ping{Value: big})
		_ = left.Send(msg)
	}()

	got, err := right.Recv()
	require.NoError(t, err)
	cmd, err := protocol.Decode(got.Type, got.Payload)
	require.NoError(t, err)
	assert.Equal(t, big, cmd.(protocol.Ping).Value)
}

func TestConcurrentSendsStayFramed(t *testing.T) {
	a, b := net.Pipe()
	left, right := NewConn(a), NewConn(b)
	defer left.Close()
	defer right.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = left.Send(protocol.Message{Kind: protocol.KindHeartbeat, NodeID: "n"})
		}()
	}

	for i := 0; i < n; i++ {
		msg, err := right.Recv()
		require.NoError(t, err)
		assert.Equal(t, protocol.KindHeartbeat, msg.Kind)
	}
	wg.Wait()
}

func TestSendRefusesOversizedMessage(t *testing.T) {
	a, b := net.Pipe()
	left, right := NewConn(a), NewConn(b)
	defer left.Close()
	defer right.Close()

	msg, err := protocol.NewRequest("n", "1", protocol.CmdPing, protocol.Ping{Value: strings.Repeat("x", MaxMessage)})
	require.NoError(t, err)
	require.ErrorIs(t, left.Send(msg), protocol.ErrTooLarge)

	// nothing was written, the connection is still usable
	go func() {
		small, _ := protocol.NewRequest("n", "2", protocol.CmdPing, protocol.Ping{Value: "ok"})
		_ = left.Send(small)
	}()
	got, err := right.Recv()
	require.NoError(t, err)
	assert.Equal(t, "2", got.ID)
}
