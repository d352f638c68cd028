package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// HubLink pairs with a Hub over TCP.
type HubLink struct {
	Address           string
	NodeID            string
	MeshAddress       string
	Name              string
	Range             string
	ConnectionTimeout time.Duration
}

// Open dials the hub and performs the pairing exchange.
func (l *HubLink) Open(ctx context.Context) (Conn, error) {
	timeout := l.ConnectionTimeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", l.Address)
	if err != nil {
		return nil, fmt.Errorf("dial hub %q: %w: %v", l.Address, ErrTransportUnavailable, err)
	}

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set pairing deadline: %w", err)
	}

	if err := writeJSONFrame(conn, Hello{
		Type:            TypeHello,
		NodeID:          l.NodeID,
		Address:         l.MeshAddress,
		Name:            l.Name,
		Range:           l.Range,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w: %v", ErrConnectionLost, err)
	}

	payload, err := ReadFrame(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read hello response: %w: %v", ErrConnectionLost, err)
	}

	var response HelloResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode hello response: %w", err)
	}
	if response.Type != TypeHelloResponse {
		_ = conn.Close()
		return nil, fmt.Errorf("expected %q, got %q", TypeHelloResponse, response.Type)
	}
	if response.Status != StatusAccepted {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrPairingRejected, response.Message)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear pairing deadline: %w", err)
	}

	hc := &hubConn{
		conn:   conn,
		frames: make(chan []byte, 64),
	}
	go hc.readLoop()
	return hc, nil
}

type hubConn struct {
	conn   net.Conn
	sendMu sync.Mutex
	frames chan []byte
}

func (c *hubConn) Send(ctx context.Context, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer func() {
			_ = c.conn.SetWriteDeadline(time.Time{})
		}()
	}
	return WriteFrame(c.conn, payload)
}

func (c *hubConn) Frames() <-chan []byte {
	return c.frames
}

func (c *hubConn) Close() error {
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *hubConn) readLoop() {
	defer close(c.frames)

	for {
		payload, err := ReadFrame(c.conn)
		if err != nil {
			return
		}
		c.frames <- payload
	}
}
