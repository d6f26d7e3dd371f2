package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/transport"
)

// registerTimeout bounds how long a fresh connection may take to register.
const registerTimeout = 10 * time.Second

// Listen binds the member listener. Serve must be called afterwards.
func (h *Hub) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	h.mu.Lock()
	h.ln = ln
	h.mu.Unlock()
	h.log.Info().Str("addr", ln.Addr().String()).Msg("member listener up")
	return nil
}

// Addr is the bound listener address.
func (h *Hub) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

// Serve accepts members until ctx is done or the hub is closed.
func (h *Hub) Serve(ctx context.Context) error {
	h.mu.Lock()
	ln := h.ln
	h.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("hub is not listening")
	}

	stop := context.AfterFunc(ctx, func() { _ = h.Close() })
	defer stop()

	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			h.log.Warn().Err(err).Msg("accept error")
			continue
		}
		go h.handleConn(c)
	}
}

// ListenAndServe is Listen followed by Serve.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	if err := h.Listen(addr); err != nil {
		return err
	}
	return h.Serve(ctx)
}

func (h *Hub) handleConn(c net.Conn) {
	tc := transport.NewConn(c)

	// First message must be register
	_ = tc.SetDeadline(time.Now().Add(registerTimeout))
	first, err := tc.Recv()
	if err != nil {
		_ = tc.Close()
		return
	}
	if first.Kind != protocol.KindRegister || first.ValidateBasic() != nil {
		h.log.Warn().Str("remote", tc.RemoteAddr().String()).Str("kind", string(first.Kind)).Msg("first message was not a registration")
		_ = tc.Close()
		return
	}
	var reg protocol.RegisterPayload
	if err := json.Unmarshal(first.Payload, &reg); err != nil {
		_ = tc.Close()
		return
	}
	_ = tc.SetDeadline(time.Time{})

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		_ = tc.Close()
		return
	}

	nodeID := first.NodeID
	h.register(nodeID, reg, tc)
	h.log.Info().Str("node", nodeID).Str("addr", net.JoinHostPort(reg.Hostname, fmt.Sprint(reg.Port))).Msg("node registered")

	for {
		msg, err := tc.Recv()
		if err != nil {
			h.log.Info().Str("node", nodeID).Msg("node disconnected")
			h.remove(nodeID, tc)
			_ = tc.Close()
			return
		}
		if err := msg.ValidateBasic(); err != nil {
			h.log.Warn().Err(err).Str("node", nodeID).Msg("invalid message")
			continue
		}
		h.dispatch(nodeID, msg)
	}
}

// Close stops accepting and drops every member.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	ln := h.ln
	nodes := make([]*nodeConn, 0, len(h.nodes))
	for _, n := range h.nodes {
		nodes = append(nodes, n)
	}
	h.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, n := range nodes {
		_ = n.conn.Close()
	}
	return err
}
