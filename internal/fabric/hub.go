package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/transfer"
	"github.com/faradayfan/cluster-harness/internal/transport"
)

// Node is a member as seen by the hub.
type Node struct {
	ID          string            `json:"node_id"`
	Hostname    string            `json:"hostname"`
	Port        int               `json:"port"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	ConnectedAt time.Time         `json:"connected_at"`
	LastSeen    time.Time         `json:"last_seen"`
}

func (n Node) Addr() string {
	return net.JoinHostPort(n.Hostname, strconv.Itoa(n.Port))
}

type nodeConn struct {
	info Node
	conn *transport.Conn

	mu      sync.Mutex
	pending map[string]chan protocol.Message // request id -> response channel
}

// Hub is the coordinator end of the fabric. Members dial in and register;
// the hub then addresses them by hostname and port.
type Hub struct {
	log    zerolog.Logger
	queues *transfer.Queues

	mu      sync.Mutex
	nodes   map[string]*nodeConn
	changed chan struct{} // closed and replaced whenever a node registers
	ln      net.Listener
	closed  bool
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log.With().Str("component", "hub").Logger(),
		queues:  transfer.NewQueues(),
		nodes:   map[string]*nodeConn{},
		changed: make(chan struct{}),
	}
}

func (h *Hub) Nodes() []Node {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Node, 0, len(h.nodes))
	for _, n := range h.nodes {
		out = append(out, n.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *Hub) Node(nodeID string) (Node, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[nodeID]
	if !ok {
		return Node{}, false
	}
	return n.info, true
}

// Resolve finds the node registered for host and port.
func (h *Hub) Resolve(host string, port int) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id, ok := h.resolveLocked(host, port); ok {
		return id, nil
	}
	return "", fmt.Errorf("%w: %s", protocol.ErrNodeNotFound, net.JoinHostPort(host, strconv.Itoa(port)))
}

func (h *Hub) resolveLocked(host string, port int) (string, bool) {
	for id, n := range h.nodes {
		if n.info.Port == port && strings.EqualFold(n.info.Hostname, host) {
			return id, true
		}
	}
	return "", false
}

// WaitForNode blocks until a node registers for host and port.
func (h *Hub) WaitForNode(ctx context.Context, host string, port int) (string, error) {
	for {
		h.mu.Lock()
		id, ok := h.resolveLocked(host, port)
		changed := h.changed
		h.mu.Unlock()
		if ok {
			return id, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %s: %w", protocol.ErrNodeNotFound, net.JoinHostPort(host, strconv.Itoa(port)), ctx.Err())
		}
	}
}

func (h *Hub) register(nodeID string, reg protocol.RegisterPayload, c *transport.Conn) {
	now := time.Now().UTC()

	h.mu.Lock()
	old := h.nodes[nodeID]
	h.nodes[nodeID] = &nodeConn{
		info: Node{
			ID:          nodeID,
			Hostname:    reg.Hostname,
			Port:        reg.Port,
			Attributes:  reg.Attributes,
			ConnectedAt: now,
			LastSeen:    now,
		},
		conn:    c,
		pending: map[string]chan protocol.Message{},
	}
	close(h.changed)
	h.changed = make(chan struct{})
	h.mu.Unlock()

	if old != nil && old.conn != c {
		h.log.Warn().Str("node", nodeID).Msg("node registered again, dropping previous connection")
		_ = old.conn.Close()
		old.fail(nodeID)
	}
}

func (h *Hub) update(nodeID string, reg protocol.RegisterPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n, ok := h.nodes[nodeID]; ok {
		n.info.Hostname = reg.Hostname
		n.info.Port = reg.Port
		n.info.Attributes = reg.Attributes
		n.info.LastSeen = time.Now().UTC()
	}
}

// remove drops nodeID if c is still its connection.
func (h *Hub) remove(nodeID string, c *transport.Conn) {
	h.mu.Lock()
	n, ok := h.nodes[nodeID]
	if !ok || n.conn != c {
		h.mu.Unlock()
		return
	}
	delete(h.nodes, nodeID)
	h.mu.Unlock()
	n.fail(nodeID)
}

func (h *Hub) touch(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n, ok := h.nodes[nodeID]; ok {
		n.info.LastSeen = time.Now().UTC()
	}
}

func (h *Hub) get(nodeID string) (*nodeConn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrNodeNotFound, nodeID)
	}
	return n, nil
}

// fail answers every pending request of a lost connection.
func (n *nodeConn) fail(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.pending {
		resp, _ := protocol.NewResponse(nodeID, id, nil, fmt.Errorf("%w: %s disconnected", protocol.ErrNodeNotFound, nodeID))
		select {
		case ch <- resp:
		default:
		}
		delete(n.pending, id)
	}
}

// Call sends cmd to a node and waits for its answer. An error raised on the
// node comes back as a *protocol.RemoteError.
func (h *Hub) Call(ctx context.Context, nodeID string, cmd protocol.Command) (json.RawMessage, error) {
	n, err := h.get(nodeID)
	if err != nil {
		return nil, err
	}

	reqID := uuid.NewString()
	req, err := protocol.NewRequest(nodeID, reqID, cmd.CommandType(), cmd)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		req.Deadline = dl.UTC()
	}

	ch := make(chan protocol.Message, 1)
	n.mu.Lock()
	n.pending[reqID] = ch
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.pending, reqID)
		n.mu.Unlock()
	}()

	if err := n.conn.Send(req); err != nil {
		return nil, fmt.Errorf("send %s to %s: %w", cmd.CommandType(), nodeID, err)
	}

	select {
	case <-ctx.Done():
		// stop the work on the node too
		_ = n.conn.Send(protocol.Message{Kind: protocol.KindCancel, ID: reqID, NodeID: nodeID, TS: time.Now().UTC()})
		return nil, fmt.Errorf("waiting for %s from %s: %w", cmd.CommandType(), nodeID, ctx.Err())
	case resp := <-ch:
		if err := resp.Err(); err != nil {
			return nil, err
		}
		return resp.Payload, nil
	}
}

// Send delivers cmd without waiting for it to run.
func (h *Hub) Send(_ context.Context, nodeID string, cmd protocol.Command) error {
	n, err := h.get(nodeID)
	if err != nil {
		return err
	}
	msg, err := protocol.NewOneWay(nodeID, uuid.NewString(), cmd.CommandType(), cmd)
	if err != nil {
		return err
	}
	if err := n.conn.Send(msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", cmd.CommandType(), nodeID, err)
	}
	return nil
}

// Push delivers one transfer item on a node's channel.
func (h *Hub) Push(_ context.Context, nodeID, channel string, item transfer.Item) error {
	n, err := h.get(nodeID)
	if err != nil {
		return err
	}
	msg, err := protocol.NewTransfer(nodeID, channel, item)
	if err != nil {
		return err
	}
	if err := n.conn.Send(msg); err != nil {
		return fmt.Errorf("push to %s/%s: %w", nodeID, channel, err)
	}
	return nil
}

// Queue is the hub-side queue a node streams into on channel.
func (h *Hub) Queue(nodeID, channel string) *transfer.Queue {
	return h.queues.Get(transfer.Key{Node: nodeID, Channel: channel})
}

func (h *Hub) RemoveQueue(nodeID, channel string) {
	h.queues.Remove(transfer.Key{Node: nodeID, Channel: channel})
}

func (h *Hub) dispatch(nodeID string, msg protocol.Message) {
	h.touch(nodeID)

	switch msg.Kind {
	case protocol.KindResponse:
		n, err := h.get(nodeID)
		if err != nil {
			return
		}
		n.mu.Lock()
		ch, ok := n.pending[msg.ID]
		n.mu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
	case protocol.KindTransfer:
		var item transfer.Item
		if err := json.Unmarshal(msg.Payload, &item); err != nil {
			h.log.Error().Err(err).Str("node", nodeID).Str("channel", msg.Type).Msg("bad transfer item")
			return
		}
		if ok, _ := h.queues.Deliver(context.Background(), transfer.Key{Node: nodeID, Channel: msg.Type}, item); !ok {
			h.log.Debug().Str("node", nodeID).Str("channel", msg.Type).Msg("dropping item for closed channel")
		}
	case protocol.KindRegister:
		var reg protocol.RegisterPayload
		if err := json.Unmarshal(msg.Payload, &reg); err == nil {
			h.update(nodeID, reg)
			h.log.Info().Str("node", nodeID).Str("addr", net.JoinHostPort(reg.Hostname, strconv.Itoa(reg.Port))).Msg("node updated registration")
		}
	}
}
