package control

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faradayfan/cluster-harness/internal/agent"
	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/topology"
)

func newHandler(t *testing.T) *Handler {
	t.Helper()
	c, err := agent.New(agent.Options{NodeName: "node-a", WorkRoot: filepath.Join(t.TempDir(), "work")}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return NewHandler("node-a", c, zerolog.Nop())
}

func request(t *testing.T, cmd protocol.Command) protocol.Message {
	t.Helper()
	msg, err := protocol.NewRequest("node-a", "req-1", cmd.CommandType(), cmd)
	require.NoError(t, err)
	return msg
}

func TestDispatchReturnsTypedValues(t *testing.T) {
	h := newHandler(t)
	ctx := context.Background()

	v, err := h.Dispatch(ctx, protocol.Ping{Value: "pong"})
	require.NoError(t, err)
	assert.Equal(t, "pong", v)

	v, err = h.Dispatch(ctx, protocol.ServerState{ServerRef: protocol.ServerRef{InstanceID: "run", Server: "s1"}})
	require.NoError(t, err)
	assert.Equal(t, topology.ServerNotInstalled, v)

	v, err = h.Dispatch(ctx, protocol.InstanceWorkDir{InstanceID: "run"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(h.Controller.NodeAttributes(ctx)["work_root"], "run"), v)
}

func TestHandleEncodesResults(t *testing.T) {
	h := newHandler(t)
	resp := h.Handle(context.Background(), request(t, protocol.Ping{Value: "pong"}))
	require.NoError(t, resp.Err())
	assert.Equal(t, protocol.KindResponse, resp.Kind)
	assert.Equal(t, "req-1", resp.ID)

	var got string
	require.NoError(t, json.Unmarshal(resp.Payload, &got))
	assert.Equal(t, "pong", got)
}

func TestHandleCarriesErrorCodes(t *testing.T) {
	h := newHandler(t)
	ctx := context.Background()

	resp := h.Handle(ctx, request(t, protocol.CreateServer{ServerRef: protocol.ServerRef{InstanceID: "run", Server: "s1"}}))
	assert.Equal(t, protocol.CodeNotInstalled, resp.Code)
	assert.ErrorIs(t, resp.Err(), protocol.ErrNotInstalled)

	unknown := protocol.Message{Kind: protocol.KindRequest, ID: "x", NodeID: "node-a", Type: "no.such"}
	resp = h.Handle(ctx, unknown)
	assert.ErrorIs(t, resp.Err(), protocol.ErrUnknownCommand)

	bad := protocol.Message{Kind: protocol.KindRequest, ID: "y", NodeID: "node-a", Type: protocol.CmdStopClient, Payload: []byte(`{"pid":"x"}`)}
	resp = h.Handle(ctx, bad)
	assert.ErrorIs(t, resp.Err(), protocol.ErrProtocol)

	resp = h.Handle(ctx, protocol.Message{Kind: protocol.KindRequest})
	assert.ErrorIs(t, resp.Err(), protocol.ErrProtocol)
}
