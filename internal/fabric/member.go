package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/faradayfan/cluster-harness/internal/control"
	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/transfer"
	"github.com/faradayfan/cluster-harness/internal/transport"
)

const (
	minBackoff        = 1 * time.Second
	maxBackoff        = 30 * time.Second
	heartbeatInterval = 30 * time.Second
)

type MemberOptions struct {
	NodeID  string
	HubAddr string
	// Hostname and Port are what coordinators address this member by.
	Hostname   string
	Port       int
	Attributes map[string]string
}

// Member is the agent end of the fabric. It keeps a connection to the hub,
// runs every request through its handler and feeds inbound transfers into
// the controller's queues.
type Member struct {
	opts    MemberOptions
	handler *control.Handler
	log     zerolog.Logger

	mu        sync.Mutex
	conn      *transport.Conn
	inflight  map[string]context.CancelFunc
	ready     chan struct{}
	readyOnce sync.Once
}

func NewMember(opts MemberOptions, handler *control.Handler, log zerolog.Logger) *Member {
	m := &Member{
		opts:    opts,
		handler: handler,
		log:     log.With().Str("component", "member").Str("node", opts.NodeID).Logger(),
		inflight: map[string]context.CancelFunc{},
		ready:    make(chan struct{}),
	}
	handler.Controller.SetPusher(m)
	return m
}

// Ready is closed once the member registered with the hub for the first
// time.
func (m *Member) Ready() <-chan struct{} { return m.ready }

// Run connects to the hub and reconnects with backoff until ctx is done.
func (m *Member) Run(ctx context.Context) error {
	backoff := minBackoff

	for {
		connected, err := m.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			m.log.Warn().Err(err).Msg("connection ended")
		}
		if connected {
			backoff = minBackoff
		}

		m.log.Info().Dur("backoff", backoff).Msg("reconnecting")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (m *Member) register() (protocol.Message, error) {
	return protocol.NewRegister(m.opts.NodeID, protocol.RegisterPayload{
		Hostname:   m.opts.Hostname,
		Port:       m.opts.Port,
		Attributes: m.opts.Attributes,
	})
}

func (m *Member) connectAndServe(ctx context.Context) (bool, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", m.opts.HubAddr)
	if err != nil {
		return false, err
	}
	tc := transport.NewConn(c)
	defer tc.Close()

	stop := context.AfterFunc(ctx, func() { _ = tc.Close() })
	defer stop()

	regMsg, err := m.register()
	if err != nil {
		return false, err
	}
	if err := tc.Send(regMsg); err != nil {
		return false, err
	}

	m.mu.Lock()
	m.conn = tc
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.conn == tc {
			m.conn = nil
		}
		m.mu.Unlock()
	}()

	m.log.Info().Str("hub", m.opts.HubAddr).Msg("registered with hub")
	m.readyOnce.Do(func() { close(m.ready) })

	// Heartbeats keep the hub's view fresh
	heartbeatStop := make(chan struct{})
	go func() {
		t := time.NewTicker(heartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				_ = tc.Send(protocol.Message{
					Kind:   protocol.KindHeartbeat,
					NodeID: m.opts.NodeID,
					TS:     time.Now().UTC(),
				})
			case <-heartbeatStop:
				return
			}
		}
	}()
	defer close(heartbeatStop)

	for {
		msg, err := tc.Recv()
		if err != nil {
			return true, err
		}

		if err := msg.ValidateBasic(); err != nil {
			m.log.Warn().Err(err).Msg("invalid message")
			continue
		}

		switch msg.Kind {
		case protocol.KindTransfer:
			// routed inline so items keep their order
			var item transfer.Item
			if err := json.Unmarshal(msg.Payload, &item); err != nil {
				m.log.Error().Err(err).Str("channel", msg.Type).Msg("bad transfer item")
				continue
			}
			_ = m.handler.Controller.Deliver(ctx, msg.Type, item)

		case protocol.KindRequest, protocol.KindOneWay:
			if msg.NodeID != m.opts.NodeID {
				m.log.Warn().Str("target", msg.NodeID).Msg("ignoring request for another node")
				continue
			}
			reqCtx, cancel := m.requestContext(ctx, msg)
			go func() {
				defer m.finish(msg.ID, cancel)
				m.serve(reqCtx, tc, msg)
			}()

		case protocol.KindCancel:
			m.mu.Lock()
			cancel, ok := m.inflight[msg.ID]
			m.mu.Unlock()
			if ok {
				m.log.Debug().Str("id", msg.ID).Msg("request cancelled by caller")
				cancel()
			}
		}
	}
}

// requestContext bounds a request by the caller's deadline and registers it
// for cancellation. One-way requests only get the deadline.
func (m *Member) requestContext(parent context.Context, msg protocol.Message) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if !msg.Deadline.IsZero() {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithDeadline(ctx, msg.Deadline)
		inner := cancel
		cancel = func() { cancelDeadline(); inner() }
	}
	if msg.Kind == protocol.KindRequest {
		m.mu.Lock()
		m.inflight[msg.ID] = cancel
		m.mu.Unlock()
	}
	return ctx, cancel
}

func (m *Member) finish(id string, cancel context.CancelFunc) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
	cancel()
}

func (m *Member) serve(ctx context.Context, tc *transport.Conn, msg protocol.Message) {
	resp := m.handler.Handle(ctx, msg)
	if msg.Kind == protocol.KindOneWay {
		if resp.Error != "" {
			m.log.Error().Str("type", msg.Type).Str("error", resp.Error).Msg("one-way request failed")
		}
		return
	}
	err := tc.Send(resp)
	if errors.Is(err, protocol.ErrTooLarge) {
		// answer with the failure instead of the payload
		m.log.Warn().Err(err).Str("type", msg.Type).Msg("response too large")
		resp, err = protocol.NewResponse(m.opts.NodeID, msg.ID, nil, fmt.Errorf("%s reply: %w", msg.Type, err))
		if err == nil {
			err = tc.Send(resp)
		}
	}
	if err != nil {
		m.log.Warn().Err(err).Str("type", msg.Type).Msg("could not send response")
	}
}

// Push sends one transfer item to the hub on channel.
func (m *Member) Push(_ context.Context, channel string, item transfer.Item) error {
	m.mu.Lock()
	tc := m.conn
	m.mu.Unlock()
	if tc == nil {
		return fmt.Errorf("%w: not connected to hub", protocol.ErrNoFabric)
	}
	msg, err := protocol.NewTransfer(m.opts.NodeID, channel, item)
	if err != nil {
		return err
	}
	return tc.Send(msg)
}
