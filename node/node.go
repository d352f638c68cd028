// Package node composes a mesh node from its parts: transport adapter, peer
// registry, router, outbound queue and, when storage and a ledger are supplied,
// the bridge sync service.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshbridge/bridge"
	"meshbridge/config"
	"meshbridge/crypto"
	"meshbridge/discovery"
	"meshbridge/ledger"
	"meshbridge/mesh"
	"meshbridge/metrics"
	"meshbridge/models"
	"meshbridge/queue"
	"meshbridge/storage"
	"meshbridge/transport"
)

var defaultReconnectBackoff = []time.Duration{
	0,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

// ErrBridgeDisabled indicates the node was built without storage or a ledger.
var ErrBridgeDisabled = errors.New("node: bridge disabled")

// Options wires a Node. Store, Storage and Ledger are optional.
type Options struct {
	Identity crypto.Identity
	Link     transport.Link
	Sources  []discovery.Source
	Store    *storage.Store
	Storage  bridge.Storage
	Ledger   ledger.Ledger

	MaxHops             int
	MaxPayloadSize      int
	MaxAttempts         int
	MaxQueueEntries     int
	RetryInterval       time.Duration
	DiscoveryInterval   time.Duration
	MaxMissedCycles     int
	SeenTTL             time.Duration
	RelayEnabled        bool
	RejectUnknownRelays bool
	ArchiveDelivered    bool

	MaxBundleBytes  int
	SyncInterval    time.Duration
	FinalityTimeout time.Duration
	Region          string

	ReconnectBackoff []time.Duration
	Logger           *zap.Logger
	Metrics          *metrics.Recorder
}

// OptionsFromConfig copies the tunables of a node configuration. Identity, link,
// sources and backends are left for the caller.
func OptionsFromConfig(cfg *config.NodeConfig) Options {
	return Options{
		MaxHops:           cfg.Mesh.MaxHops,
		MaxPayloadSize:    cfg.Mesh.MaxPayloadSize,
		MaxAttempts:       cfg.Mesh.MaxAttempts,
		MaxQueueEntries:   cfg.Mesh.MaxQueueEntries,
		RetryInterval:     cfg.Mesh.RetryInterval.Std(),
		DiscoveryInterval: cfg.Mesh.DiscoveryInterval.Std(),
		MaxMissedCycles:   cfg.Mesh.MaxMissedCycles,
		SeenTTL:           cfg.Mesh.SeenTTL.Std(),
		RelayEnabled:      cfg.Mesh.RelayEnabled,
		ArchiveDelivered:  cfg.Bridge.ArchiveDelivered,
		MaxBundleBytes:    cfg.Bridge.MaxBundleBytes,
		SyncInterval:      cfg.Bridge.SyncInterval.Std(),
		FinalityTimeout:   cfg.Bridge.FinalityTimeout.Std(),
		Region:            cfg.Bridge.Region,
	}
}

// Node is one explicitly constructed mesh participant.
type Node struct {
	opts   Options
	logger *zap.Logger

	adapter  *transport.Adapter
	queue    *queue.Queue
	router   *mesh.Router
	registry *discovery.Registry
	traffic  *discovery.TrafficSource
	bridge   *bridge.Service

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	unsubscribe func()
}

// New builds a node without starting any loop or opening the transport.
func New(options Options) (*Node, error) {
	opts := options
	if opts.Link == nil {
		return nil, errors.New("node link is required")
	}
	if opts.Identity.Address == "" {
		return nil, errors.New("node identity is required")
	}
	if len(opts.ReconnectBackoff) == 0 {
		opts.ReconnectBackoff = append([]time.Duration(nil), defaultReconnectBackoff...)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.With(zap.String("node", opts.Identity.Address))

	n := &Node{
		opts:    opts,
		logger:  logger.Named("node"),
		traffic: discovery.NewTrafficSource(),
	}

	n.adapter = transport.NewAdapter(transport.Options{
		Link:           opts.Link,
		MaxPayloadSize: opts.MaxPayloadSize,
		Logger:         logger,
		Metrics:        opts.Metrics,
	})

	var (
		persister queue.Persister
		seenStore mesh.SeenStore
		peerStore discovery.PeerStore
	)
	if opts.Store != nil {
		persister, seenStore, peerStore = opts.Store, opts.Store, opts.Store
	}

	var err error
	n.queue, err = queue.New(queue.Options{
		Transmitter:   n.adapter,
		Persister:     persister,
		MaxAttempts:   opts.MaxAttempts,
		MaxEntries:    opts.MaxQueueEntries,
		RetryInterval: opts.RetryInterval,
		OnFull:        n.triggerSync,
		Logger:        logger,
		Metrics:       opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build queue: %w", err)
	}

	sources := append(append([]discovery.Source(nil), opts.Sources...), n.traffic)
	n.registry, err = discovery.NewRegistry(discovery.RegistryConfig{
		SelfID:          opts.Identity.Address,
		Sources:         sources,
		Interval:        opts.DiscoveryInterval,
		MaxMissedCycles: opts.MaxMissedCycles,
		RejectUnknown:   opts.RejectUnknownRelays,
		Store:           peerStore,
		Logger:          logger,
		Metrics:         opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}

	routerConfig := mesh.Config{
		Identity:       opts.Identity,
		MaxHops:        opts.MaxHops,
		MaxPayloadSize: opts.MaxPayloadSize,
		RelayEnabled:   opts.RelayEnabled,
		RelayFrom:      n.registry.AllowsRelayFrom,
		Heard:          n.traffic.Heard,
		Outbound:       n.queue,
		Seen:           mesh.NewSeenCache(0, 0, opts.SeenTTL, seenStore, logger),
		Logger:         logger,
		Metrics:        opts.Metrics,
	}
	if opts.ArchiveDelivered {
		routerConfig.Archive = n.archive
	}
	n.router, err = mesh.NewRouter(routerConfig)
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}

	if opts.Storage != nil && opts.Ledger != nil {
		n.bridge, err = bridge.NewService(bridge.Config{
			Custody:         n.queue,
			Storage:         opts.Storage,
			Ledger:          opts.Ledger,
			MaxBundleBytes:  opts.MaxBundleBytes,
			SyncInterval:    opts.SyncInterval,
			FinalityTimeout: opts.FinalityTimeout,
			Region:          opts.Region,
			Logger:          logger,
			Metrics:         opts.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("build bridge: %w", err)
		}
	}

	return n, nil
}

// Start launches the transport supervisor, the inbound pump and every background
// loop. It does not wait for the transport to connect.
func (n *Node) Start() error {
	n.startOnce.Do(func() {
		n.ctx, n.cancel = context.WithCancel(context.Background())

		frames, unsubscribe := n.adapter.Subscribe()
		n.unsubscribe = unsubscribe

		if err := n.registry.Start(); err != nil {
			n.startErr = fmt.Errorf("start registry: %w", err)
			n.cancel()
			unsubscribe()
			return
		}
		n.queue.Start()
		if n.bridge != nil {
			n.bridge.Start()
		}

		n.wg.Add(3)
		go n.superviseTransport()
		go n.pumpInbound(frames)
		go n.watchPeers(n.registry.Events())

		n.logger.Info("node started", zap.Bool("relay", n.opts.RelayEnabled), zap.Bool("bridge", n.bridge != nil))
	})
	return n.startErr
}

// Stop shuts every loop down and disconnects the transport. It is idempotent.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		n.wg.Wait()

		if n.bridge != nil {
			n.bridge.Stop()
		}
		n.registry.Stop()
		n.queue.Stop()
		if n.unsubscribe != nil {
			n.unsubscribe()
		}
		if err := n.adapter.Close(); err != nil {
			n.logger.Debug("transport close failed", zap.Error(err))
		}
		n.router.Close()
		n.logger.Info("node stopped")
	})
}

// Address returns the local mesh address.
func (n *Node) Address() string {
	return n.router.Address()
}

// Send originates a message. The message is queued even when the transport is down.
func (n *Node) Send(ctx context.Context, to string, content []byte) (models.MeshMessage, error) {
	return n.router.Send(ctx, to, content)
}

// Deliveries returns the stream of messages addressed to this node.
func (n *Node) Deliveries() <-chan models.MeshMessage {
	return n.router.Deliveries()
}

// Subscribe registers an additional delivery listener.
func (n *Node) Subscribe() (<-chan models.MeshMessage, func()) {
	return n.router.Subscribe()
}

// Peers returns the current neighbor snapshot.
func (n *Node) Peers() []models.MeshPeer {
	return n.registry.Peers()
}

// RefreshPeers runs one discovery cycle on the registry loop.
func (n *Node) RefreshPeers(ctx context.Context) error {
	return n.registry.Refresh(ctx)
}

// Custody returns every queued message the node still holds.
func (n *Node) Custody() []models.QueuedMessage {
	return n.queue.Custody()
}

// Retry re-attempts one pending message immediately.
func (n *Node) Retry(ctx context.Context, messageID string) error {
	return n.queue.Retry(ctx, messageID)
}

// triggerSync asks the bridge to externalize failed messages so custody can
// make room again.
func (n *Node) triggerSync() {
	if n.bridge != nil {
		n.bridge.Trigger()
	}
}

// Sync runs one bridge cycle.
func (n *Node) Sync(ctx context.Context) (bridge.Report, error) {
	if n.bridge == nil {
		return bridge.Report{}, ErrBridgeDisabled
	}
	return n.bridge.Sync(ctx)
}

// Download retrieves an externalized bundle by content hash.
func (n *Node) Download(ctx context.Context, contentHash string) (models.MessageBundle, error) {
	if n.bridge == nil {
		return models.MessageBundle{}, ErrBridgeDisabled
	}
	return n.bridge.Download(ctx, contentHash)
}

// TransportState reports the adapter state.
func (n *Node) TransportState() transport.State {
	return n.adapter.State()
}

func (n *Node) archive(msg models.MeshMessage) {
	if _, err := n.queue.Hold(msg, mesh.OriginDelivered); err != nil {
		n.logger.Warn("archive delivered message failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (n *Node) superviseTransport() {
	defer n.wg.Done()

	attempt := 0
	connected := false
	for {
		timer := time.NewTimer(n.backoffForAttempt(attempt))
		select {
		case <-timer.C:
		case <-n.ctx.Done():
			timer.Stop()
			return
		}

		if err := n.adapter.Initialize(n.ctx); err != nil {
			if n.ctx.Err() != nil {
				return
			}
			attempt++
			n.logger.Warn("transport initialize failed",
				zap.Int("attempt", attempt),
				zap.Duration("next_retry", n.backoffForAttempt(attempt)),
				zap.Error(err),
			)
			continue
		}
		if connected {
			n.opts.Metrics.ObserveReconnect()
		}
		connected = true
		attempt = 0
		n.queue.Kick()

		select {
		case <-n.adapter.Done():
			n.logger.Warn("transport lost", zap.Error(n.adapter.Err()))
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) backoffForAttempt(attempt int) time.Duration {
	backoff := n.opts.ReconnectBackoff
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}

func (n *Node) pumpInbound(frames <-chan []byte) {
	defer n.wg.Done()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			n.handleFrame(frame)
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) handleFrame(frame []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			n.logger.Error("inbound frame handling panicked", zap.Any("panic", recovered))
		}
	}()
	n.router.HandleInbound(n.ctx, frame)
}

func (n *Node) watchPeers(events <-chan discovery.Event) {
	defer n.wg.Done()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			n.logger.Debug("peer event",
				zap.String("type", string(event.Type)),
				zap.String("peer_id", event.Peer.ID),
				zap.String("address", event.Peer.Address),
			)
			if event.Type == discovery.EventPeerUpserted {
				n.queue.Kick()
			}
		case <-n.ctx.Done():
			return
		}
	}
}
