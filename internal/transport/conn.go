package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/faradayfan/cluster-harness/internal/protocol"
)

// MaxMessage bounds one framed message; file chunks travel base64 encoded.
const MaxMessage = 16 * 1024 * 1024

type Conn struct {
	c net.Conn
	r *bufio.Reader

	mu sync.Mutex // serializes writers
	w  *bufio.Writer
}

func NewConn(c net.Conn) *Conn {
	return &Conn{
		c: c,
		r: bufio.NewReaderSize(c, 64*1024),
		w: bufio.NewWriter(c),
	}
}

func (c *Conn) Close() error {
	return c.c.Close()
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.c.SetDeadline(t)
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.c.RemoteAddr()
}

func (c *Conn) Send(msg protocol.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	// the peer would drop the connection on an oversized line
	if len(b) > MaxMessage {
		return fmt.Errorf("%w: %s is %d bytes, limit is %d", protocol.ErrTooLarge, msg.Kind, len(b), MaxMessage)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// newline framed
	if _, err := c.w.Write(append(b, '\n')); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *Conn) Recv() (protocol.Message, error) {
	line, err := c.readLine()
	if err != nil {
		return protocol.Message{}, err
	}

	var msg protocol.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return protocol.Message{}, fmt.Errorf("invalid json: %w", err)
	}
	return msg, nil
}

func (c *Conn) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := c.r.ReadLine()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > MaxMessage {
			return nil, fmt.Errorf("%w: message exceeds %d bytes", protocol.ErrProtocol, MaxMessage)
		}
		if !isPrefix {
			return line, nil
		}
	}
}
