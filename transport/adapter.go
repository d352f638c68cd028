package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"meshbridge/metrics"
)

// MaxPayloadSize is the largest payload one transmission may carry.
const MaxPayloadSize = 512

var (
	// ErrTransportUnavailable indicates the medium cannot be reached or the capability is missing.
	ErrTransportUnavailable = errors.New("transport: unavailable")
	// ErrPairingRejected indicates the medium refused the pairing request.
	ErrPairingRejected = errors.New("transport: pairing rejected")
	// ErrConnectionLost indicates the channel dropped or was never established.
	ErrConnectionLost = errors.New("transport: connection lost")
	// ErrPayloadTooLarge indicates a payload exceeds the transmission limit.
	ErrPayloadTooLarge = errors.New("transport: payload too large")
)

// State represents the adapter connection lifecycle.
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateReady        State = "READY"
	StateDisconnected State = "DISCONNECTED"
)

// Conn is one established channel to the medium.
type Conn interface {
	// Send writes one frame.
	Send(ctx context.Context, payload []byte) error
	// Frames yields inbound frames. It is closed when the channel ends.
	Frames() <-chan []byte
	// Close releases the channel.
	Close() error
}

// Link opens channels to a shared medium.
type Link interface {
	Open(ctx context.Context) (Conn, error)
}

// Options configures an Adapter.
type Options struct {
	Link           Link
	MaxPayloadSize int
	// SubscriberBuffer is the per-subscriber inbound channel capacity.
	SubscriberBuffer int
	Logger           *zap.Logger
	Metrics          *metrics.Recorder
}

func (o Options) withDefaults() Options {
	if o.MaxPayloadSize <= 0 {
		o.MaxPayloadSize = MaxPayloadSize
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 128
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Adapter owns the node's single channel to the local medium and fans inbound
// frames out to subscribers. It never reconnects on its own.
type Adapter struct {
	options Options
	logger  *zap.Logger

	mu      sync.RWMutex
	state   State
	conn    Conn
	done    chan struct{}
	lastErr error
	closing bool

	subsMu    sync.RWMutex
	subs      map[uint64]chan []byte
	nextSubID uint64
	released  bool

	wg sync.WaitGroup
}

// NewAdapter builds a disconnected adapter.
func NewAdapter(options Options) *Adapter {
	opts := options.withDefaults()
	done := make(chan struct{})
	close(done)
	return &Adapter{
		options: opts,
		logger:  opts.Logger.Named("transport"),
		state:   StateDisconnected,
		done:    done,
		subs:    make(map[uint64]chan []byte),
	}
}

// Initialize opens the channel and starts delivering inbound frames to subscribers.
// It is a no-op when the adapter is already ready.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.options.Link == nil {
		return fmt.Errorf("initialize: %w: no link configured", ErrTransportUnavailable)
	}
	if a.isReleased() {
		return fmt.Errorf("initialize: %w: adapter closed", ErrTransportUnavailable)
	}

	a.mu.Lock()
	switch a.state {
	case StateReady:
		a.mu.Unlock()
		return nil
	case StateConnecting:
		a.mu.Unlock()
		return fmt.Errorf("initialize: %w: connection already in progress", ErrConnectionLost)
	}
	a.state = StateConnecting
	a.lastErr = nil
	a.closing = false
	a.mu.Unlock()

	conn, err := a.options.Link.Open(ctx)
	if err != nil {
		a.mu.Lock()
		a.state = StateDisconnected
		a.lastErr = err
		a.mu.Unlock()
		a.options.Metrics.ObserveTransportError(errorKind(err))
		return fmt.Errorf("initialize: %w", err)
	}

	done := make(chan struct{})
	a.mu.Lock()
	if a.closing {
		a.state = StateDisconnected
		a.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("initialize: %w: disconnected during pairing", ErrConnectionLost)
	}
	a.conn = conn
	a.done = done
	a.state = StateReady
	a.mu.Unlock()

	a.wg.Add(1)
	go a.pump(conn, done)

	a.logger.Info("transport ready")
	return nil
}

// Transmit writes one payload to the medium.
func (a *Adapter) Transmit(ctx context.Context, payload []byte) error {
	if len(payload) > a.options.MaxPayloadSize {
		return fmt.Errorf("transmit %d bytes: %w", len(payload), ErrPayloadTooLarge)
	}

	a.mu.RLock()
	state, conn := a.state, a.conn
	a.mu.RUnlock()

	if state != StateReady || conn == nil {
		return fmt.Errorf("transmit: %w", ErrConnectionLost)
	}
	if err := conn.Send(ctx, payload); err != nil {
		a.options.Metrics.ObserveTransportError("send")
		if errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrTransportUnavailable) {
			return fmt.Errorf("transmit: %w", err)
		}
		return fmt.Errorf("transmit: %w: %v", ErrConnectionLost, err)
	}
	return nil
}

// Subscribe registers an inbound frame listener. The returned function unsubscribes
// and closes the channel; it is safe to call more than once. Subscriptions
// survive Disconnect and reconnects; Close ends them. Subscribing after Close
// yields an already closed channel.
func (a *Adapter) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, a.options.SubscriberBuffer)

	a.subsMu.Lock()
	if a.released {
		a.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := a.nextSubID
	a.nextSubID++
	a.subs[id] = ch
	a.subsMu.Unlock()

	return ch, func() {
		a.subsMu.Lock()
		defer a.subsMu.Unlock()
		if current, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(current)
		}
	}
}

// Disconnect releases the channel. Calling it more than once is harmless.
// Subscribers stay registered so a later Initialize keeps feeding them.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	a.closing = true
	conn := a.conn
	a.conn = nil
	if a.state != StateDisconnected {
		a.state = StateDisconnected
	}
	a.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	a.wg.Wait()
	return err
}

// Close disconnects for good and closes every subscriber channel, so range
// loops over Subscribe channels terminate. The adapter cannot be initialized
// again afterwards.
func (a *Adapter) Close() error {
	err := a.Disconnect()

	a.subsMu.Lock()
	a.released = true
	for id, ch := range a.subs {
		delete(a.subs, id)
		close(ch)
	}
	a.subsMu.Unlock()
	return err
}

func (a *Adapter) isReleased() bool {
	a.subsMu.RLock()
	defer a.subsMu.RUnlock()
	return a.released
}

// State returns the current connection state.
func (a *Adapter) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Ready reports whether Transmit can currently succeed.
func (a *Adapter) Ready() bool {
	return a.State() == StateReady
}

// Done is closed when the current channel ends, whether lost or disconnected.
func (a *Adapter) Done() <-chan struct{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.done
}

// Err returns the terminal error of the last channel. It is nil after a clean Disconnect.
func (a *Adapter) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastErr
}

func (a *Adapter) pump(conn Conn, done chan struct{}) {
	defer a.wg.Done()
	defer close(done)

	for frame := range conn.Frames() {
		a.emit(frame)
	}

	a.mu.Lock()
	lost := !a.closing && a.conn == conn
	if a.conn == conn {
		a.conn = nil
		a.state = StateDisconnected
	}
	if lost {
		a.lastErr = ErrConnectionLost
	}
	a.mu.Unlock()

	if lost {
		_ = conn.Close()
		a.options.Metrics.ObserveTransportError("lost")
		a.logger.Warn("transport channel lost")
	}
}

func (a *Adapter) emit(frame []byte) {
	a.subsMu.RLock()
	defer a.subsMu.RUnlock()

	for _, ch := range a.subs {
		select {
		case ch <- frame:
		default:
			a.logger.Warn("dropping inbound frame for slow subscriber", zap.Int("size", len(frame)))
		}
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrPairingRejected):
		return "pairing_rejected"
	case errors.Is(err, ErrTransportUnavailable):
		return "unavailable"
	case errors.Is(err, ErrConnectionLost):
		return "lost"
	default:
		return "other"
	}
}
