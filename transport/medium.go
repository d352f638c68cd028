package transport

import (
	"context"
	"fmt"
	"sync"
)

// Medium is an in-memory broadcast medium. Every frame sent by one endpoint reaches
// every other open endpoint in the same zone, mimicking radio range.
type Medium struct {
	mu        sync.Mutex
	available bool
	approve   func(name string) bool
	zones     map[string][]string
	open      map[string]*mediumConn
}

// NewMedium returns an available medium with a single shared zone.
func NewMedium() *Medium {
	return &Medium{
		available: true,
		zones:     make(map[string][]string),
		open:      make(map[string]*mediumConn),
	}
}

// Link returns the attachment point for one named endpoint.
func (m *Medium) Link(name string) Link {
	return &mediumLink{medium: m, name: name}
}

// SetAvailable toggles whether new channels can be opened.
func (m *Medium) SetAvailable(available bool) {
	m.mu.Lock()
	m.available = available
	m.mu.Unlock()
}

// SetPairingPolicy installs a pairing approval function. Nil approves everyone.
func (m *Medium) SetPairingPolicy(approve func(name string) bool) {
	m.mu.Lock()
	m.approve = approve
	m.mu.Unlock()
}

// SetZone moves an endpoint into a zone. Endpoints only hear others sharing a zone.
func (m *Medium) SetZone(name, zone string) {
	m.SetZones(name, zone)
}

// SetZones places an endpoint in several zones at once, like a node standing
// between two groups that cannot hear each other.
func (m *Medium) SetZones(name string, zones ...string) {
	m.mu.Lock()
	m.zones[name] = append([]string(nil), zones...)
	m.mu.Unlock()
}

func (m *Medium) inRangeLocked(a, b string) bool {
	za, zb := m.zones[a], m.zones[b]
	if len(za) == 0 {
		za = []string{""}
	}
	if len(zb) == 0 {
		zb = []string{""}
	}
	for _, x := range za {
		for _, y := range zb {
			if x == y {
				return true
			}
		}
	}
	return false
}

// Drop severs the open channel of an endpoint, as if the radio link went away.
func (m *Medium) Drop(name string) {
	m.mu.Lock()
	conn := m.open[name]
	delete(m.open, name)
	m.mu.Unlock()

	if conn != nil {
		conn.shutdown()
	}
}

// Connected reports whether an endpoint currently holds an open channel.
func (m *Medium) Connected(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.open[name]
	return ok
}

func (m *Medium) attach(name string) (*mediumConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return nil, fmt.Errorf("open %q: %w", name, ErrTransportUnavailable)
	}
	if m.approve != nil && !m.approve(name) {
		return nil, fmt.Errorf("open %q: %w", name, ErrPairingRejected)
	}
	if existing := m.open[name]; existing != nil {
		delete(m.open, name)
		go existing.shutdown()
	}

	conn := &mediumConn{
		medium: m,
		name:   name,
		frames: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	m.open[name] = conn
	return conn, nil
}

func (m *Medium) detach(conn *mediumConn) {
	m.mu.Lock()
	if m.open[conn.name] == conn {
		delete(m.open, conn.name)
	}
	m.mu.Unlock()
}

func (m *Medium) broadcast(from *mediumConn, payload []byte) error {
	m.mu.Lock()
	if m.open[from.name] != from {
		m.mu.Unlock()
		return ErrConnectionLost
	}
	targets := make([]*mediumConn, 0, len(m.open))
	for name, conn := range m.open {
		if name == from.name || !m.inRangeLocked(from.name, name) {
			continue
		}
		targets = append(targets, conn)
	}
	m.mu.Unlock()

	for _, target := range targets {
		frame := append([]byte(nil), payload...)
		target.deliver(frame)
	}
	return nil
}

type mediumLink struct {
	medium *Medium
	name   string
}

func (l *mediumLink) Open(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open %q: %w", l.name, err)
	}
	return l.medium.attach(l.name)
}

type mediumConn struct {
	medium *Medium
	name   string

	mu     sync.Mutex
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *mediumConn) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return c.medium.broadcast(c, payload)
}

func (c *mediumConn) Frames() <-chan []byte {
	return c.frames
}

func (c *mediumConn) Close() error {
	c.medium.detach(c)
	c.shutdown()
	return nil
}

func (c *mediumConn) deliver(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.frames <- frame:
	default:
	}
}

func (c *mediumConn) shutdown() {
	c.once.Do(func() {
		c.mu.Lock()
		close(c.closed)
		close(c.frames)
		c.mu.Unlock()
	})
}
