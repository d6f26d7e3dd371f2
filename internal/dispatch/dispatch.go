package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/faradayfan/cluster-harness/internal/control"
	"github.com/faradayfan/cluster-harness/internal/fabric"
	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/transfer"
)

// Reply is what a dispatcher hands back for a call: the typed value when the
// command ran in-process, its JSON encoding when it ran on another node.
type Reply any

// Dispatcher runs agent commands on the node addressed by host and port.
type Dispatcher interface {
	Call(ctx context.Context, host string, port int, cmd protocol.Command) (Reply, error)
	Send(ctx context.Context, host string, port int, cmd protocol.Command) error
	Push(ctx context.Context, host string, port int, channel string, item transfer.Item) error
}

// Local runs every command against the in-process agent.
type Local struct {
	Handler *control.Handler
}

func NewLocal(h *control.Handler) *Local {
	return &Local{Handler: h}
}

func (l *Local) Call(ctx context.Context, _ string, _ int, cmd protocol.Command) (Reply, error) {
	return l.Handler.Dispatch(ctx, cmd)
}

func (l *Local) Send(context.Context, string, int, protocol.Command) error {
	return protocol.ErrNoFabric
}

func (l *Local) Push(context.Context, string, int, string, transfer.Item) error {
	return protocol.ErrNoFabric
}

// Remote reaches agents through the hub.
type Remote struct {
	Hub *fabric.Hub
}

func NewRemote(h *fabric.Hub) *Remote {
	return &Remote{Hub: h}
}

func (r *Remote) Call(ctx context.Context, host string, port int, cmd protocol.Command) (Reply, error) {
	id, err := r.Hub.Resolve(host, port)
	if err != nil {
		return nil, err
	}
	raw, err := r.Hub.Call(ctx, id, cmd)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (r *Remote) Send(ctx context.Context, host string, port int, cmd protocol.Command) error {
	id, err := r.Hub.Resolve(host, port)
	if err != nil {
		return err
	}
	return r.Hub.Send(ctx, id, cmd)
}

func (r *Remote) Push(ctx context.Context, host string, port int, channel string, item transfer.Item) error {
	id, err := r.Hub.Resolve(host, port)
	if err != nil {
		return err
	}
	return r.Hub.Push(ctx, id, channel, item)
}

// Execute runs cmd and returns its result as a T.
func Execute[T any](ctx context.Context, d Dispatcher, host string, port int, cmd protocol.Command) (T, error) {
	var zero T
	reply, err := d.Call(ctx, host, port, cmd)
	if err != nil {
		return zero, err
	}
	return As[T](cmd.CommandType(), reply)
}

// Run executes cmd, keeping only its error.
func Run(ctx context.Context, d Dispatcher, host string, port int, cmd protocol.Command) error {
	_, err := d.Call(ctx, host, port, cmd)
	return err
}

// ExecuteAsync delivers cmd without waiting for it to run.
func ExecuteAsync(ctx context.Context, d Dispatcher, host string, port int, cmd protocol.Command) error {
	return d.Send(ctx, host, port, cmd)
}

// As converts a reply to T.
func As[T any](typ string, reply Reply) (T, error) {
	var out T
	switch v := reply.(type) {
	case T:
		return v, nil
	case nil:
		return out, nil
	case json.RawMessage:
		if len(v) == 0 {
			return out, nil
		}
		if err := json.Unmarshal(v, &out); err != nil {
			return out, fmt.Errorf("%w: decode %s result: %v", protocol.ErrProtocol, typ, err)
		}
		return out, nil
	default:
		return out, fmt.Errorf("%w: %s returned %T, want %T", protocol.ErrProtocol, typ, reply, out)
	}
}
