package mesh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshbridge/codec"
	"meshbridge/crypto"
	"meshbridge/metrics"
	"meshbridge/models"
	"meshbridge/transport"
)

// MaxHops is the hop budget given to locally originated messages.
const MaxHops = 5

// Message origins recorded on queue entries.
const (
	OriginLocal     = "local"
	OriginRelay     = "relay"
	OriginDelivered = "delivered"
)

var (
	// ErrInvalidSignature marks a message whose signature or sender address does not verify.
	// Such messages are dropped and never surfaced to the application.
	ErrInvalidSignature = errors.New("mesh: invalid signature")
	// ErrInvalidRecipient indicates an empty destination address.
	ErrInvalidRecipient = errors.New("mesh: recipient address is required")
	// ErrRouterClosed indicates the router no longer accepts sends.
	ErrRouterClosed = errors.New("mesh: router closed")
)

// Outcome is the terminal state of an inbound message at this node.
type Outcome string

const (
	OutcomeDelivered        Outcome = "delivered"
	OutcomeRelayed          Outcome = "relayed"
	OutcomeMalformed        Outcome = "dropped_malformed"
	OutcomeInvalidSignature Outcome = "dropped_invalid_signature"
	OutcomeDuplicate        Outcome = "dropped_duplicate"
	OutcomeTTLExhausted     Outcome = "dropped_ttl"
	OutcomeLoop             Outcome = "dropped_loop"
	OutcomeRelayDisabled    Outcome = "dropped_relay_disabled"
	OutcomeRelayDenied      Outcome = "dropped_relay_denied"
	OutcomeOversized        Outcome = "dropped_oversized"
	OutcomeQueueRejected    Outcome = "dropped_queue_rejected"
)

// Outbound accepts messages for transmission.
type Outbound interface {
	Enqueue(ctx context.Context, msg models.MeshMessage, origin string) (models.QueuedMessage, error)
}

// Config wires a Router.
type Config struct {
	Identity       crypto.Identity
	MaxHops        int
	MaxPayloadSize int
	RelayEnabled   bool
	// RelayFrom decides whether traffic handed over by a previous hop may be relayed.
	// Nil admits every previous hop.
	RelayFrom func(previousHop string) bool
	// Heard is told the previous hop of every frame that passed verification.
	Heard func(previousHop string)
	// Archive receives a copy of every message delivered locally.
	Archive  func(msg models.MeshMessage)
	Outbound Outbound
	Seen     *SeenCache
	Logger   *zap.Logger
	Metrics  *metrics.Recorder

	// DeliveryBuffer is the capacity of Deliveries and each subscription.
	DeliveryBuffer int

	now func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxHops <= 0 {
		out.MaxHops = MaxHops
	}
	if out.MaxPayloadSize <= 0 {
		out.MaxPayloadSize = transport.MaxPayloadSize
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Seen == nil {
		out.Seen = NewSeenCache(0, 0, 0, nil, out.Logger)
	}
	if out.DeliveryBuffer <= 0 {
		out.DeliveryBuffer = 256
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

// Router builds, validates, dedupes, delivers and relays mesh messages.
type Router struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.RWMutex
	closed     bool
	deliveries chan models.MeshMessage
	subs       map[uint64]chan models.MeshMessage
	nextSubID  uint64

	// deliveriesClaimed is set once Deliveries has been called.
	deliveriesClaimed atomic.Bool
}

// NewRouter validates the configuration and returns a router.
func NewRouter(config Config) (*Router, error) {
	cfg := config.withDefaults()
	if cfg.Identity.Address == "" || len(cfg.Identity.PrivateKey) == 0 {
		return nil, errors.New("router identity is required")
	}
	if cfg.Outbound == nil {
		return nil, errors.New("router outbound queue is required")
	}

	return &Router{
		cfg:        cfg,
		logger:     cfg.Logger.Named("router").With(zap.String("address", cfg.Identity.Address)),
		deliveries: make(chan models.MeshMessage, cfg.DeliveryBuffer),
		subs:       make(map[uint64]chan models.MeshMessage),
	}, nil
}

// Address returns the local mesh address.
func (r *Router) Address() string {
	return r.cfg.Identity.Address
}

// Send originates a signed message to a destination address and hands it to the
// outbound queue, which transmits immediately when the transport is ready.
func (r *Router) Send(ctx context.Context, to string, content []byte) (models.MeshMessage, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return models.MeshMessage{}, ErrInvalidRecipient
	}
	if r.isClosed() {
		return models.MeshMessage{}, ErrRouterClosed
	}

	msg := models.MeshMessage{
		ID:        uuid.NewString(),
		From:      r.cfg.Identity.Address,
		To:        to,
		Content:   append([]byte(nil), content...),
		Timestamp: r.cfg.now().UnixMilli(),
		TTL:       r.cfg.MaxHops,
		SenderKey: append([]byte(nil), r.cfg.Identity.PublicKey...),
		Route:     []string{r.cfg.Identity.Address},
	}

	signable, err := codec.SignedFields(msg)
	if err != nil {
		return models.MeshMessage{}, fmt.Errorf("send: %w", err)
	}
	msg.Signature, err = crypto.Sign(r.cfg.Identity.PrivateKey, signable)
	if err != nil {
		return models.MeshMessage{}, fmt.Errorf("send: %w", err)
	}

	encoded, err := codec.EncodeMessage(msg)
	if err != nil {
		return models.MeshMessage{}, fmt.Errorf("send: %w", err)
	}
	if len(encoded) > r.cfg.MaxPayloadSize {
		return models.MeshMessage{}, fmt.Errorf("send: envelope is %d bytes, limit %d: %w",
			len(encoded), r.cfg.MaxPayloadSize, transport.ErrPayloadTooLarge)
	}

	r.cfg.Seen.MarkSeen(msg.ID)

	if to == r.cfg.Identity.Address {
		r.deliver(msg)
		return msg, nil
	}

	if _, err := r.cfg.Outbound.Enqueue(ctx, msg, OriginLocal); err != nil {
		return models.MeshMessage{}, fmt.Errorf("send: %w", err)
	}

	r.logger.Debug("message queued", zap.String("message_id", msg.ID), zap.String("to", to), zap.Int("size", len(encoded)))
	return msg, nil
}

// HandleInbound processes one frame received from the transport. It never returns
// an error: every failure is a drop recorded in the returned Outcome.
func (r *Router) HandleInbound(ctx context.Context, payload []byte) Outcome {
	outcome, msg := r.route(ctx, payload)
	r.cfg.Metrics.ObserveRouted(string(outcome))
	if outcome != OutcomeDelivered && outcome != OutcomeRelayed && outcome != OutcomeDuplicate {
		r.logger.Debug("message dropped", zap.String("outcome", string(outcome)), zap.String("message_id", msg.ID))
	}
	return outcome
}

func (r *Router) route(ctx context.Context, payload []byte) (Outcome, models.MeshMessage) {
	msg, err := codec.DecodeMessage(payload)
	if err != nil {
		return OutcomeMalformed, models.MeshMessage{}
	}

	if err := r.verify(msg); err != nil {
		return OutcomeInvalidSignature, msg
	}
	if r.cfg.Heard != nil {
		r.cfg.Heard(msg.LastHop())
	}

	if !r.cfg.Seen.MarkSeen(msg.ID) {
		return OutcomeDuplicate, msg
	}

	local := r.cfg.Identity.Address
	if msg.To == local {
		r.deliver(msg)
		return OutcomeDelivered, msg
	}

	if msg.TTL <= 0 {
		return OutcomeTTLExhausted, msg
	}
	if !r.cfg.RelayEnabled {
		return OutcomeRelayDisabled, msg
	}
	if r.cfg.RelayFrom != nil && !r.cfg.RelayFrom(msg.LastHop()) {
		return OutcomeRelayDenied, msg
	}
	if msg.Visited(local) {
		return OutcomeLoop, msg
	}

	relay := msg.Clone()
	relay.TTL = msg.TTL - 1
	relay.Route = append(relay.Route, local)

	encoded, err := codec.EncodeMessage(relay)
	if err != nil || len(encoded) > r.cfg.MaxPayloadSize {
		return OutcomeOversized, msg
	}

	if _, err := r.cfg.Outbound.Enqueue(ctx, relay, OriginRelay); err != nil {
		r.logger.Warn("relay hand-off rejected", zap.String("message_id", msg.ID), zap.Error(err))
		return OutcomeQueueRejected, msg
	}
	return OutcomeRelayed, relay
}

func (r *Router) verify(msg models.MeshMessage) error {
	signable, err := codec.SignedFields(msg)
	if err != nil {
		return err
	}
	if !crypto.VerifyFrom(msg.From, msg.SenderKey, signable, msg.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

func (r *Router) deliver(msg models.MeshMessage) {
	if r.cfg.Archive != nil {
		r.cfg.Archive(msg.Clone())
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	if r.deliveriesClaimed.Load() || len(r.subs) == 0 {
		select {
		case r.deliveries <- msg.Clone():
		default:
			r.logger.Warn("delivery channel full, dropping notification", zap.String("message_id", msg.ID))
		}
	}
	for _, ch := range r.subs {
		select {
		case ch <- msg.Clone():
		default:
			r.logger.Warn("subscriber full, dropping notification", zap.String("message_id", msg.ID))
		}
	}
}

// Deliveries yields every message addressed to this node, once per message ID.
// Until it is first called the channel is only fed while there are no
// subscribers, so Subscribe-only callers never fill it. The ID is marked seen
// before notification: a notification dropped on a full channel is not
// redelivered, though Archive has already received the message.
func (r *Router) Deliveries() <-chan models.MeshMessage {
	r.deliveriesClaimed.Store(true)
	return r.deliveries
}

// Subscribe registers an additional delivery listener. The returned function
// unsubscribes and closes the channel; it is safe to call more than once.
func (r *Router) Subscribe() (<-chan models.MeshMessage, func()) {
	ch := make(chan models.MeshMessage, r.cfg.DeliveryBuffer)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := r.nextSubID
	r.nextSubID++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if _, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(ch)
			}
		})
	}
}

// Close stops deliveries and closes every delivery channel. It is idempotent.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.deliveries)
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
}

func (r *Router) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}
