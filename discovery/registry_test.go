package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meshbridge/models"
)

func TestRegistryEvictsAfterMissedCycles(t *testing.T) {
	source := NewStaticSource(
		Observation{ID: "peer-p", Name: "P", Address: "aaaaaaaaaaaaaaaa", SignalStrength: -60},
		Observation{ID: "peer-q", Name: "Q", Address: "bbbbbbbbbbbbbbbb", SignalStrength: -70},
	)
	registry := newTestRegistry(t, RegistryConfig{Sources: []Source{source}, MaxMissedCycles: 3})

	discover(t, registry)
	if len(registry.Peers()) != 2 {
		t.Fatalf("expected 2 peers, got %+v", registry.Peers())
	}

	source.Set(Observation{ID: "peer-q", Name: "Q", Address: "bbbbbbbbbbbbbbbb", SignalStrength: -65})

	for cycle := 1; cycle < 3; cycle++ {
		discover(t, registry)
		peer, ok := registry.Peer("peer-p")
		if !ok {
			t.Fatalf("peer-p evicted too early at missed cycle %d", cycle)
		}
		if peer.MissedCycles != cycle {
			t.Fatalf("expected %d missed cycles, got %d", cycle, peer.MissedCycles)
		}
	}

	discover(t, registry)
	if _, ok := registry.Peer("peer-p"); ok {
		t.Fatalf("expected peer-p to be evicted after 3 missed cycles")
	}
	for _, peer := range registry.Peers() {
		if peer.ID == "peer-p" {
			t.Fatalf("Peers still lists evicted peer")
		}
	}

	q, ok := registry.Peer("peer-q")
	if !ok || q.SignalStrength != -65 || q.MissedCycles != 0 {
		t.Fatalf("expected refreshed peer-q, got %+v ok=%v", q, ok)
	}
	if !drainForEvent(registry.Events(), EventPeerRemoved, "peer-p") {
		t.Fatalf("expected removal event for peer-p")
	}
}

func TestRegistryReobservationResetsMissedCycles(t *testing.T) {
	source := NewStaticSource(Observation{ID: "peer-p", Address: "aaaaaaaaaaaaaaaa"})
	registry := newTestRegistry(t, RegistryConfig{Sources: []Source{source}, MaxMissedCycles: 2})

	discover(t, registry)
	source.Set()
	discover(t, registry)
	source.Set(Observation{ID: "peer-p", Address: "aaaaaaaaaaaaaaaa"})
	discover(t, registry)
	source.Set()
	discover(t, registry)

	peer, ok := registry.Peer("peer-p")
	if !ok {
		t.Fatalf("expected peer-p to survive non-consecutive misses")
	}
	if peer.MissedCycles != 1 {
		t.Fatalf("expected 1 missed cycle, got %d", peer.MissedCycles)
	}
	if peer.Name != "peer-p" {
		t.Fatalf("expected name to default to the ID, got %q", peer.Name)
	}
}

func TestRegistrySourceFailureIsNotAMiss(t *testing.T) {
	fail := false
	source := FuncSource(func(context.Context) ([]Observation, error) {
		if fail {
			return nil, errors.New("radio off")
		}
		return []Observation{{ID: "peer-p", Address: "aaaaaaaaaaaaaaaa"}}, nil
	})
	registry := newTestRegistry(t, RegistryConfig{Sources: []Source{source}, MaxMissedCycles: 1})

	discover(t, registry)
	fail = true
	if err := registry.Discover(context.Background()); err == nil {
		t.Fatalf("expected source error")
	}
	if _, ok := registry.Peer("peer-p"); !ok {
		t.Fatalf("failed cycle must not evict peers")
	}
}

func TestRegistryFiltersSelfAndAppliesRelayPolicy(t *testing.T) {
	source := NewStaticSource(
		Observation{ID: "self", Address: "0000000000000000"},
		Observation{ID: "trusted", Address: "aaaaaaaaaaaaaaaa", IsRelay: true},
		Observation{ID: "leaf", Address: "bbbbbbbbbbbbbbbb", IsRelay: false},
	)
	registry := newTestRegistry(t, RegistryConfig{
		Sources:       []Source{source},
		RelayPolicy:   func(peer models.MeshPeer) bool { return peer.IsRelay },
		RejectUnknown: true,
	})
	discover(t, registry)

	if _, ok := registry.Peer("self"); ok {
		t.Fatalf("registry must not track itself")
	}
	if !registry.AllowsRelayFrom("aaaaaaaaaaaaaaaa") {
		t.Fatalf("expected relay-capable peer to be eligible")
	}
	if registry.AllowsRelayFrom("bbbbbbbbbbbbbbbb") {
		t.Fatalf("expected leaf peer to be ineligible")
	}
	if registry.AllowsRelayFrom("cccccccccccccccc") {
		t.Fatalf("expected unknown peer to be rejected")
	}
}

func TestRegistryBaselinePolicyAllowsEveryPeer(t *testing.T) {
	registry := newTestRegistry(t, RegistryConfig{})
	if !registry.IsRelayEligible(models.MeshPeer{ID: "any"}) {
		t.Fatalf("baseline policy should allow every peer")
	}
	if !registry.AllowsRelayFrom("unseen") {
		t.Fatalf("baseline policy should admit unknown previous hops")
	}
}

func TestRegistryBackgroundLoopAndRefresh(t *testing.T) {
	source := NewStaticSource(Observation{ID: "peer-1", Address: "aaaaaaaaaaaaaaaa"})
	registry := newTestRegistry(t, RegistryConfig{Sources: []Source{source}, Interval: time.Hour})

	if err := registry.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer registry.Stop()

	waitForCondition(t, time.Second, func() bool {
		return len(registry.Peers()) == 1
	})

	source.Set(
		Observation{ID: "peer-1", Address: "aaaaaaaaaaaaaaaa"},
		Observation{ID: "peer-2", Address: "bbbbbbbbbbbbbbbb"},
	)
	if err := registry.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if len(registry.Peers()) != 2 {
		t.Fatalf("expected refresh to pick up peer-2, got %+v", registry.Peers())
	}

	registry.Stop()
	registry.Stop()
	if err := registry.Refresh(context.Background()); !errors.Is(err, ErrRegistryStopped) {
		t.Fatalf("expected ErrRegistryStopped, got %v", err)
	}
}

func TestRegistryPersistsAndRestoresPeers(t *testing.T) {
	store := &memoryPeerStore{peers: map[string]models.MeshPeer{}}
	source := NewStaticSource(Observation{ID: "peer-1", Address: "aaaaaaaaaaaaaaaa"})

	first := newTestRegistry(t, RegistryConfig{Sources: []Source{source}, Store: store, MaxMissedCycles: 1})
	discover(t, first)
	if _, ok := store.get("peer-1"); !ok {
		t.Fatalf("expected peer to be persisted")
	}

	second := newTestRegistry(t, RegistryConfig{Sources: []Source{NewStaticSource()}, Store: store, MaxMissedCycles: 1})
	if _, ok := second.Peer("peer-1"); !ok {
		t.Fatalf("expected peer to be restored")
	}
	discover(t, second)
	if _, ok := store.get("peer-1"); ok {
		t.Fatalf("expected evicted peer to be deleted from store")
	}
}

func newTestRegistry(t *testing.T, cfg RegistryConfig) *Registry {
	t.Helper()
	if cfg.SelfID == "" {
		cfg.SelfID = "self"
	}
	registry, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return registry
}

func discover(t *testing.T, registry *Registry) {
	t.Helper()
	if err := registry.Discover(context.Background()); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
}

func drainForEvent(events <-chan Event, eventType EventType, peerID string) bool {
	for {
		select {
		case event := <-events:
			if event.Type == eventType && event.Peer.ID == peerID {
				return true
			}
		default:
			return false
		}
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type memoryPeerStore struct {
	mu    sync.Mutex
	peers map[string]models.MeshPeer
}

func (s *memoryPeerStore) ListPeers() ([]models.MeshPeer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.MeshPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	return out, nil
}

func (s *memoryPeerStore) UpsertPeer(peer models.MeshPeer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[peer.ID] = peer
	return nil
}

func (s *memoryPeerStore) DeletePeer(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
	return nil
}

func (s *memoryPeerStore) get(id string) (models.MeshPeer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer, ok := s.peers[id]
	return peer, ok
}

func TestTrafficSourceReportsHeardNeighborsOnce(t *testing.T) {
	source := NewTrafficSource()
	source.Heard("aaaaaaaaaaaaaaaa")
	source.Heard("aaaaaaaaaaaaaaaa")
	source.Heard("")
	source.Heard("bbbbbbbbbbbbbbbb")

	registry := newTestRegistry(t, RegistryConfig{SelfID: "self", Sources: []Source{source}, MaxMissedCycles: 2})
	discover(t, registry)
	if len(registry.Peers()) != 2 {
		t.Fatalf("expected two heard neighbors, got %+v", registry.Peers())
	}
	if _, ok := registry.PeerByAddress("aaaaaaaaaaaaaaaa"); !ok {
		t.Fatalf("expected neighbor to be addressable by mesh address")
	}

	// Silence on the medium ages neighbors out like any other source.
	discover(t, registry)
	discover(t, registry)
	if len(registry.Peers()) != 0 {
		t.Fatalf("expected silent neighbors to be evicted, got %+v", registry.Peers())
	}
}

func TestRegistryFailingSourceDoesNotFreezeOthers(t *testing.T) {
	traffic := NewTrafficSource()
	mdnsDown := false
	mdns := FuncSource(func(context.Context) ([]Observation, error) {
		if mdnsDown {
			return nil, errors.New("mdns browse failed")
		}
		return []Observation{{ID: "mdns-only", Address: "cccccccccccccccc"}}, nil
	})
	registry := newTestRegistry(t, RegistryConfig{SelfID: "self", Sources: []Source{traffic, mdns}, MaxMissedCycles: 2})

	traffic.Heard("aaaaaaaaaaaaaaaa")
	discover(t, registry)
	if len(registry.Peers()) != 2 {
		t.Fatalf("expected heard and advertised peers, got %+v", registry.Peers())
	}

	mdnsDown = true
	traffic.Heard("bbbbbbbbbbbbbbbb")
	discover(t, registry)
	if _, ok := registry.PeerByAddress("bbbbbbbbbbbbbbbb"); !ok {
		t.Fatalf("expected neighbor heard during the mDNS outage to be learned")
	}
	if peer, ok := registry.PeerByAddress("aaaaaaaaaaaaaaaa"); !ok || peer.MissedCycles != 1 {
		t.Fatalf("expected silent neighbor to count a miss, got %+v ok=%v", peer, ok)
	}

	discover(t, registry)
	if _, ok := registry.PeerByAddress("aaaaaaaaaaaaaaaa"); ok {
		t.Fatalf("expected silent neighbor to be evicted while another source is down")
	}
	peer, ok := registry.Peer("mdns-only")
	if !ok || peer.MissedCycles != 0 {
		t.Fatalf("peer seen only by the failing source must not age, got %+v ok=%v", peer, ok)
	}

	mdnsDown = false
	discover(t, registry)
	if _, ok := registry.Peer("mdns-only"); !ok {
		t.Fatalf("expected mdns peer to be refreshed once the source recovers")
	}
}

func TestRegistryRefreshRaceWithStart(t *testing.T) {
	registry := newTestRegistry(t, RegistryConfig{Sources: []Source{NewStaticSource()}, Interval: time.Hour})
	if err := registry.Refresh(context.Background()); !errors.Is(err, ErrRegistryStopped) {
		t.Fatalf("expected ErrRegistryStopped before Start, got %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = registry.Start()
	}()
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = registry.Refresh(ctx)
	}()
	wg.Wait()
	registry.Stop()
}
