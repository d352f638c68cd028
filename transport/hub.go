package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HubOptions controls pairing on a Hub.
type HubOptions struct {
	ConnectionTimeout time.Duration
	// Approve decides whether a node may pair. Nil approves every node.
	Approve func(hello Hello) bool
	Logger  *zap.Logger
}

func (o HubOptions) withDefaults() HubOptions {
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Hub stands in for a shared radio medium over TCP. Paired members hear every frame
// sent by any other member that announced the same range.
type Hub struct {
	listener net.Listener
	options  HubOptions
	logger   *zap.Logger

	mu      sync.RWMutex
	members map[string]*hubMember

	errs chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type hubMember struct {
	hello  Hello
	conn   net.Conn
	sendMu sync.Mutex
}

func (m *hubMember) write(payload []byte) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	return WriteFrame(m.conn, payload)
}

// ListenHub starts a hub on address and begins accepting members.
func ListenHub(address string, options HubOptions) (*Hub, error) {
	opts := options.withDefaults()
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	hub := &Hub{
		listener: listener,
		options:  opts,
		logger:   opts.Logger.Named("hub"),
		members:  make(map[string]*hubMember),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	hub.wg.Add(1)
	go hub.acceptLoop()
	return hub, nil
}

// Addr returns the listening address.
func (h *Hub) Addr() net.Addr {
	return h.listener.Addr()
}

// Errors returns asynchronous hub errors.
func (h *Hub) Errors() <-chan error {
	return h.errs
}

// Members returns the node IDs currently paired.
func (h *Hub) Members() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.members))
	for id := range h.members {
		ids = append(ids, id)
	}
	return ids
}

// Kick drops a member's connection.
func (h *Hub) Kick(nodeID string) bool {
	h.mu.RLock()
	member := h.members[nodeID]
	h.mu.RUnlock()
	if member == nil {
		return false
	}
	_ = member.conn.Close()
	return true
}

// Close stops accepting, drops every member and waits for handlers to exit.
func (h *Hub) Close() error {
	var closeErr error
	h.closeOnce.Do(func() {
		close(h.closed)
		closeErr = h.listener.Close()

		h.mu.Lock()
		for _, member := range h.members {
			_ = member.conn.Close()
		}
		h.mu.Unlock()

		h.wg.Wait()
		close(h.errs)
	})
	return closeErr
}

func (h *Hub) acceptLoop() {
	defer h.wg.Done()

	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-h.closed:
				return
			default:
			}
			h.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		h.wg.Add(1)
		go h.handleConn(conn)
	}
}

func (h *Hub) handleConn(conn net.Conn) {
	defer h.wg.Done()
	defer func() {
		_ = conn.Close()
	}()

	hello, ok := h.pair(conn)
	if !ok {
		return
	}

	member := &hubMember{hello: hello, conn: conn}
	h.mu.Lock()
	if previous := h.members[hello.NodeID]; previous != nil {
		_ = previous.conn.Close()
	}
	h.members[hello.NodeID] = member
	h.mu.Unlock()

	h.logger.Info("member paired", zap.String("node_id", hello.NodeID), zap.String("range", hello.Range))

	defer func() {
		h.mu.Lock()
		if h.members[hello.NodeID] == member {
			delete(h.members, hello.NodeID)
		}
		h.mu.Unlock()
		h.logger.Info("member left", zap.String("node_id", hello.NodeID))
	}()

	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			select {
			case <-h.closed:
			default:
				if !errors.Is(err, net.ErrClosed) {
					h.logger.Debug("member read ended", zap.String("node_id", hello.NodeID), zap.Error(err))
				}
			}
			return
		}
		h.fanOut(member, payload)
	}
}

func (h *Hub) pair(conn net.Conn) (Hello, bool) {
	if err := conn.SetDeadline(time.Now().Add(h.options.ConnectionTimeout)); err != nil {
		h.reportError(fmt.Errorf("set pairing deadline: %w", err))
		return Hello{}, false
	}

	payload, err := ReadFrame(conn)
	if err != nil {
		h.reportError(fmt.Errorf("read hello: %w", err))
		return Hello{}, false
	}

	var hello Hello
	if err := json.Unmarshal(payload, &hello); err != nil || hello.Type != TypeHello || hello.NodeID == "" {
		h.reject(conn, "malformed hello")
		return Hello{}, false
	}
	if hello.ProtocolVersion != ProtocolVersion {
		h.reject(conn, fmt.Sprintf("unsupported protocol version %d", hello.ProtocolVersion))
		return Hello{}, false
	}
	if h.options.Approve != nil && !h.options.Approve(hello) {
		h.reject(conn, "pairing not approved")
		return Hello{}, false
	}

	if err := writeJSONFrame(conn, HelloResponse{
		Type:      TypeHelloResponse,
		Status:    StatusAccepted,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		h.reportError(fmt.Errorf("write hello response: %w", err))
		return Hello{}, false
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		h.reportError(fmt.Errorf("clear pairing deadline: %w", err))
		return Hello{}, false
	}
	return hello, true
}

func (h *Hub) reject(conn net.Conn, reason string) {
	_ = writeJSONFrame(conn, HelloResponse{
		Type:      TypeHelloResponse,
		Status:    StatusRejected,
		Message:   reason,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (h *Hub) fanOut(from *hubMember, payload []byte) {
	h.mu.RLock()
	targets := make([]*hubMember, 0, len(h.members))
	for id, member := range h.members {
		if id == from.hello.NodeID || member.hello.Range != from.hello.Range {
			continue
		}
		targets = append(targets, member)
	}
	h.mu.RUnlock()

	for _, target := range targets {
		if err := target.write(payload); err != nil {
			h.logger.Debug("fan-out write failed", zap.String("node_id", target.hello.NodeID), zap.Error(err))
			_ = target.conn.Close()
		}
	}
}

func (h *Hub) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case h.errs <- err:
	default:
	}
}
