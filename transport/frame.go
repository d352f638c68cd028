package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the hub pairing protocol version.
	ProtocolVersion = 1
	// MaxFrameSize bounds any frame read from a hub connection, control frames included.
	MaxFrameSize = 16 * 1024
	// DefaultConnectionTimeout bounds TCP dial and pairing duration.
	DefaultConnectionTimeout = 10 * time.Second
)

const (
	TypeHello         = "hello"
	TypeHelloResponse = "hello_response"

	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

var (
	// ErrFrameTooLarge indicates a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("transport: frame exceeds max size")
	// ErrUnsupportedVersion indicates a pairing protocol version mismatch.
	ErrUnsupportedVersion = errors.New("transport: unsupported protocol version")
)

// Hello is sent by a node when pairing with a hub.
type Hello struct {
	Type            string `json:"type"`
	NodeID          string `json:"node_id"`
	Address         string `json:"address"`
	Name            string `json:"name,omitempty"`
	Range           string `json:"range,omitempty"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// HelloResponse accepts or rejects a pairing request.
type HelloResponse struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func writeJSONFrame(w io.Writer, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal control frame: %w", err)
	}
	return WriteFrame(w, payload)
}
