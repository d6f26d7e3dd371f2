package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindRegister  Kind = "register"
	KindRequest   Kind = "request"
	KindResponse  Kind = "response"
	KindOneWay    Kind = "oneway"
	KindTransfer  Kind = "transfer"
	KindHeartbeat Kind = "heartbeat"
	KindCancel    Kind = "cancel"
)

type Message struct {
	Kind    Kind            `json:"kind"`
	ID      string          `json:"id,omitempty"`      // request/response correlation
	NodeID  string          `json:"node_id,omitempty"` // who this is about
	Type    string          `json:"type,omitempty"`    // request type or transfer channel
	Payload json.RawMessage `json:"payload,omitempty"` // request/response payload
	Error   string          `json:"error,omitempty"`   // response error (if any)
	Code    string          `json:"code,omitempty"`    // error class, see CodeOf
	TS      time.Time       `json:"ts,omitempty"`

	// Deadline is the caller's deadline for a request, zero when unbounded.
	Deadline time.Time `json:"deadline,omitzero"`
}

// RegisterPayload is sent by a member when it joins the hub.
type RegisterPayload struct {
	Hostname   string            `json:"hostname"`
	Port       int               `json:"port"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func NewRegister(nodeID string, payload RegisterPayload) (Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Kind:    KindRegister,
		NodeID:  nodeID,
		Payload: b,
		TS:      time.Now().UTC(),
	}, nil
}

func NewRequest(nodeID, id, typ string, payload any) (Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Kind:    KindRequest,
		ID:      id,
		NodeID:  nodeID,
		Type:    typ,
		Payload: b,
		TS:      time.Now().UTC(),
	}, nil
}

// NewOneWay is a request nobody waits for.
func NewOneWay(nodeID, id, typ string, payload any) (Message, error) {
	msg, err := NewRequest(nodeID, id, typ, payload)
	msg.Kind = KindOneWay
	return msg, err
}

func NewResponse(nodeID, id string, payload any, respErr error) (Message, error) {
	var b []byte
	var err error
	if payload != nil && respErr == nil {
		b, err = json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
	}
	msg := Message{
		Kind:    KindResponse,
		ID:      id,
		NodeID:  nodeID,
		Payload: b,
		TS:      time.Now().UTC(),
	}
	if respErr != nil {
		msg.Error = respErr.Error()
		msg.Code = CodeOf(respErr)
	}
	return msg, nil
}

// NewTransfer carries one file-transfer item on the named channel.
func NewTransfer(nodeID, channel string, item any) (Message, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Kind:    KindTransfer,
		NodeID:  nodeID,
		Type:    channel,
		Payload: b,
	}, nil
}

// Err rebuilds the error carried by a response, if any.
func (m Message) Err() error {
	if m.Error == "" {
		return nil
	}
	return &RemoteError{Node: m.NodeID, Code: m.Code, Message: m.Error}
}

func (m Message) ValidateBasic() error {
	if m.Kind == "" {
		return fmt.Errorf("missing kind")
	}
	switch m.Kind {
	case KindRegister:
		if m.NodeID == "" {
			return fmt.Errorf("register missing node_id")
		}
	case KindRequest, KindOneWay:
		if m.ID == "" {
			return fmt.Errorf("%s missing id", m.Kind)
		}
		if m.NodeID == "" {
			return fmt.Errorf("%s missing node_id", m.Kind)
		}
		if m.Type == "" {
			return fmt.Errorf("%s missing type", m.Kind)
		}
	case KindCancel:
		if m.ID == "" {
			return fmt.Errorf("cancel missing id")
		}
	case KindResponse:
		if m.ID == "" {
			return fmt.Errorf("response missing id")
		}
		if m.NodeID == "" {
			return fmt.Errorf("response missing node_id")
		}
	case KindTransfer:
		if m.Type == "" {
			return fmt.Errorf("transfer missing channel")
		}
	case KindHeartbeat:
		if m.NodeID == "" {
			return fmt.Errorf("heartbeat missing node_id")
		}
	default:
		return fmt.Errorf("unknown kind: %s", m.Kind)
	}
	return nil
}
