package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"meshbridge/metrics"
	"meshbridge/models"
)

const (
	// EventPeerUpserted is emitted when a peer appears or its metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a peer is evicted after missed cycles.
	EventPeerRemoved EventType = "peer_removed"
)

const (
	// DefaultInterval is the background discovery interval.
	DefaultInterval = 10 * time.Second
	// DefaultMaxMissedCycles is how many consecutive cycles a peer may go unseen.
	DefaultMaxMissedCycles = 3
)

// ErrRegistryStopped indicates the background loop is not running.
var ErrRegistryStopped = errors.New("discovery: registry is stopped")

// EventType identifies peer registry updates.
type EventType string

// Event carries registry updates.
type Event struct {
	Type EventType
	Peer models.MeshPeer
}

// RelayPolicy decides whether a known peer may hand us traffic for relay.
type RelayPolicy func(peer models.MeshPeer) bool

// AllowAll is the baseline policy: every discovered peer is relay eligible.
// There is no reputation, rate limiting or admission control behind it.
func AllowAll(models.MeshPeer) bool { return true }

// PeerStore persists the registry table across restarts.
type PeerStore interface {
	ListPeers() ([]models.MeshPeer, error)
	UpsertPeer(peer models.MeshPeer) error
	DeletePeer(id string) error
}

// RegistryConfig controls a Registry.
type RegistryConfig struct {
	SelfID          string
	Sources         []Source
	Interval        time.Duration
	MaxMissedCycles int
	RelayPolicy     RelayPolicy
	// RejectUnknown refuses relay for previous hops not in the table.
	RejectUnknown bool
	Store         PeerStore
	Logger        *zap.Logger
	Metrics       *metrics.Recorder

	now func() time.Time
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	out := c
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.MaxMissedCycles <= 0 {
		out.MaxMissedCycles = DefaultMaxMissedCycles
	}
	if out.RelayPolicy == nil {
		out.RelayPolicy = AllowAll
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Registry tracks neighboring nodes. Each discovery cycle merges fresh observations
// and evicts peers that went unseen for MaxMissedCycles consecutive cycles.
type Registry struct {
	cfg    RegistryConfig
	logger *zap.Logger

	cycleMu sync.Mutex

	mu        sync.RWMutex
	peers     map[string]models.MeshPeer
	reporters map[string]map[int]struct{}
	closed    bool

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	running   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewRegistry builds a registry, restoring the persisted table when a store is configured.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfID) == "" {
		return nil, errors.New("self node ID is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:             cfg,
		ctx:             ctx,
		cancel:          cancel,
		logger:          cfg.Logger.Named("discovery"),
		peers:           make(map[string]models.MeshPeer),
		reporters:       make(map[string]map[int]struct{}),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}

	if cfg.Store != nil {
		stored, err := cfg.Store.ListPeers()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("restore peers: %w", err)
		}
		for _, peer := range stored {
			if peer.ID != "" && peer.ID != cfg.SelfID {
				r.peers[peer.ID] = peer
			}
		}
	}
	return r, nil
}

// Start begins the background discovery loop.
func (r *Registry) Start() error {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		r.running.Store(true)
		go r.loop()
	})
	return nil
}

// Stop stops the loop and closes Events. It is safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		r.running.Store(false)
		r.cancel()
		r.wg.Wait()

		r.mu.Lock()
		r.closed = true
		close(r.events)
		r.mu.Unlock()
	})
}

// Events provides asynchronous registry updates. Slow consumers miss events.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Refresh runs a cycle on the background loop and waits for it.
func (r *Registry) Refresh(ctx context.Context) error {
	if !r.running.Load() {
		return ErrRegistryStopped
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case r.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrRegistryStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrRegistryStopped
	}
}

// Discover runs one discovery cycle. Observations from every working source are
// merged. A peer is only counted as missed when some source that last reported it
// succeeded this cycle, so an outage of one radio never evicts what it alone saw.
// Discover fails, and changes nothing, only when every source failed.
func (r *Registry) Discover(ctx context.Context) error {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	observed := make(map[string]Observation)
	reporters := make(map[string]map[int]struct{})
	failed := make(map[int]struct{})
	var errs []error
	for i, source := range r.cfg.Sources {
		observations, err := source.Observe(ctx)
		if err != nil {
			failed[i] = struct{}{}
			errs = append(errs, fmt.Errorf("source %d: %w", i, err))
			continue
		}
		for _, obs := range observations {
			obs.ID = strings.TrimSpace(obs.ID)
			if obs.ID == "" || obs.ID == r.cfg.SelfID {
				continue
			}
			if reporters[obs.ID] == nil {
				reporters[obs.ID] = make(map[int]struct{})
			}
			reporters[obs.ID][i] = struct{}{}
			if previous, ok := observed[obs.ID]; ok && previous.SignalStrength > obs.SignalStrength {
				continue
			}
			observed[obs.ID] = obs
		}
	}

	if len(r.cfg.Sources) > 0 && len(failed) == len(r.cfg.Sources) {
		return fmt.Errorf("discover: %w", errors.Join(errs...))
	}
	if len(errs) > 0 {
		r.logger.Warn("discovery source failed, continuing with the others", zap.Error(errors.Join(errs...)))
	}

	r.apply(observed, reporters, failed)
	return nil
}

// Peers returns the current peer table sorted by name.
func (r *Registry) Peers() []models.MeshPeer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.MeshPeer, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Peer returns one peer by ID.
func (r *Registry) Peer(id string) (models.MeshPeer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[id]
	return peer, ok
}

// PeerByAddress returns the peer announcing a mesh address.
func (r *Registry) PeerByAddress(address string) (models.MeshPeer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, peer := range r.peers {
		if peer.Address == address {
			return peer, true
		}
	}
	return models.MeshPeer{}, false
}

// IsRelayEligible applies the relay policy to a peer.
func (r *Registry) IsRelayEligible(peer models.MeshPeer) bool {
	return r.cfg.RelayPolicy(peer)
}

// AllowsRelayFrom reports whether traffic last forwarded by address may be relayed.
func (r *Registry) AllowsRelayFrom(address string) bool {
	peer, ok := r.PeerByAddress(address)
	if !ok {
		return !r.cfg.RejectUnknown
	}
	return r.IsRelayEligible(peer)
}

func (r *Registry) loop() {
	defer r.wg.Done()

	r.runCycle(r.ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runCycle(r.ctx)
		case req := <-r.refreshRequests:
			req.done <- r.runCycle(req.ctx)
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Registry) runCycle(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("discovery cycle panic: %v", recovered)
			r.logger.Error("discovery cycle panicked", zap.Any("panic", recovered))
		}
	}()

	if err := r.Discover(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Warn("discovery cycle failed", zap.Error(err))
		}
		return err
	}
	return nil
}

func (r *Registry) apply(observed map[string]Observation, reporters map[string]map[int]struct{}, failed map[int]struct{}) {
	now := r.cfg.now().UnixMilli()

	r.mu.Lock()
	var (
		changed []models.MeshPeer
		evicted []models.MeshPeer
	)

	for id, obs := range observed {
		previous, exists := r.peers[id]
		next := models.MeshPeer{
			ID:             id,
			Name:           obs.Name,
			Address:        obs.Address,
			SignalStrength: obs.SignalStrength,
			LastSeen:       now,
			IsRelay:        obs.IsRelay,
		}
		if next.Name == "" {
			next.Name = id
		}
		r.peers[id] = next
		r.reporters[id] = reporters[id]
		if !exists || !peerMetadataEqual(previous, next) {
			r.emit(Event{Type: EventPeerUpserted, Peer: next})
		}
		changed = append(changed, next)
	}

	for id, peer := range r.peers {
		if _, seen := observed[id]; seen {
			continue
		}
		if onlyFailedReporters(r.reporters[id], failed) {
			continue
		}
		peer.MissedCycles++
		if peer.MissedCycles >= r.cfg.MaxMissedCycles {
			delete(r.peers, id)
			delete(r.reporters, id)
			evicted = append(evicted, peer)
			r.emit(Event{Type: EventPeerRemoved, Peer: peer})
			continue
		}
		r.peers[id] = peer
		changed = append(changed, peer)
	}
	count := len(r.peers)
	r.mu.Unlock()

	r.cfg.Metrics.ObservePeers(count)
	r.cfg.Metrics.ObserveEviction(len(evicted))
	for _, peer := range evicted {
		r.logger.Info("peer evicted", zap.String("peer_id", peer.ID), zap.Int("missed_cycles", peer.MissedCycles))
	}
	r.persist(changed, evicted)
}

// onlyFailedReporters reports whether every source that last saw a peer failed.
// Peers with no known reporter, such as ones restored from the store, age normally.
func onlyFailedReporters(reporters, failed map[int]struct{}) bool {
	if len(reporters) == 0 {
		return false
	}
	for source := range reporters {
		if _, down := failed[source]; !down {
			return false
		}
	}
	return true
}

func (r *Registry) persist(changed, evicted []models.MeshPeer) {
	if r.cfg.Store == nil {
		return
	}
	for _, peer := range changed {
		if err := r.cfg.Store.UpsertPeer(peer); err != nil {
			r.logger.Warn("persist peer failed", zap.String("peer_id", peer.ID), zap.Error(err))
		}
	}
	for _, peer := range evicted {
		if err := r.cfg.Store.DeletePeer(peer.ID); err != nil {
			r.logger.Warn("delete peer failed", zap.String("peer_id", peer.ID), zap.Error(err))
		}
	}
}

// emit must be called with r.mu held.
func (r *Registry) emit(event Event) {
	if r.closed {
		return
	}
	select {
	case r.events <- event:
	default:
	}
}

func peerMetadataEqual(a, b models.MeshPeer) bool {
	return a.Name == b.Name &&
		a.Address == b.Address &&
		a.SignalStrength == b.SignalStrength &&
		a.IsRelay == b.IsRelay &&
		a.MissedCycles == b.MissedCycles
}
