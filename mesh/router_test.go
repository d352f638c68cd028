package mesh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"meshbridge/codec"
	"meshbridge/crypto"
	"meshbridge/models"
	"meshbridge/transport"
)

type recordingOutbound struct {
	mu      sync.Mutex
	entries []recordedEntry
	err     error
}

type recordedEntry struct {
	msg    models.MeshMessage
	origin string
}

func (o *recordingOutbound) Enqueue(_ context.Context, msg models.MeshMessage, origin string) (models.QueuedMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return models.QueuedMessage{}, o.err
	}
	o.entries = append(o.entries, recordedEntry{msg: msg, origin: origin})
	return models.QueuedMessage{Message: msg, Status: models.StatusPending}, nil
}

func (o *recordingOutbound) snapshot() []recordedEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]recordedEntry(nil), o.entries...)
}

type testNode struct {
	identity crypto.Identity
	outbound *recordingOutbound
	router   *Router
}

func newTestNode(t *testing.T, relay bool) *testNode {
	t.Helper()
	identity, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	outbound := &recordingOutbound{}
	router, err := NewRouter(Config{
		Identity:     identity,
		RelayEnabled: relay,
		Outbound:     outbound,
	})
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	t.Cleanup(router.Close)
	return &testNode{identity: identity, outbound: outbound, router: router}
}

func (n *testNode) send(t *testing.T, to, content string) models.MeshMessage {
	t.Helper()
	msg, err := n.router.Send(context.Background(), to, []byte(content))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	return msg
}

func encode(t *testing.T, msg models.MeshMessage) []byte {
	t.Helper()
	payload, err := codec.EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	return payload
}

func TestSendBuildsSignedEnvelope(t *testing.T) {
	alice := newTestNode(t, true)
	msg := alice.send(t, "b0b0b0b0b0b0b0b0", "hi")

	if msg.TTL != MaxHops {
		t.Fatalf("expected ttl %d, got %d", MaxHops, msg.TTL)
	}
	if len(msg.Route) != 1 || msg.Route[0] != alice.identity.Address {
		t.Fatalf("expected route [local], got %v", msg.Route)
	}
	if msg.From != alice.identity.Address || msg.ID == "" {
		t.Fatalf("unexpected envelope: %+v", msg)
	}

	signable, err := codec.SignedFields(msg)
	if err != nil {
		t.Fatalf("SignedFields failed: %v", err)
	}
	if !crypto.VerifyFrom(msg.From, msg.SenderKey, signable, msg.Signature) {
		t.Fatalf("expected a verifiable signature")
	}

	entries := alice.outbound.snapshot()
	if len(entries) != 1 || entries[0].origin != OriginLocal || entries[0].msg.ID != msg.ID {
		t.Fatalf("expected one local queue entry, got %+v", entries)
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	alice := newTestNode(t, true)

	_, err := alice.router.Send(context.Background(), "b0b0b0b0b0b0b0b0", []byte(strings.Repeat("x", 600)))
	if !errors.Is(err, transport.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if len(alice.outbound.snapshot()) != 0 {
		t.Fatalf("oversized message must not be queued")
	}

	if _, err := alice.router.Send(context.Background(), " ", []byte("x")); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient, got %v", err)
	}
}

func TestSendSurfacesQueueRejection(t *testing.T) {
	alice := newTestNode(t, true)
	alice.outbound.err = errors.New("queue full")

	if _, err := alice.router.Send(context.Background(), "b0b0b0b0b0b0b0b0", []byte("x")); err == nil {
		t.Fatalf("expected queue rejection to surface")
	}
}

func TestDeliveryExactlyOnceAcrossTwoPaths(t *testing.T) {
	alice := newTestNode(t, true)
	bob := newTestNode(t, true)
	carol := newTestNode(t, true)

	msg := alice.send(t, carol.identity.Address, "hi")

	// Path one: straight from alice. Path two: relayed through bob.
	direct := encode(t, msg)
	if outcome := bob.router.HandleInbound(context.Background(), direct); outcome != OutcomeRelayed {
		t.Fatalf("expected bob to relay, got %s", outcome)
	}
	viaBob := encode(t, bob.outbound.snapshot()[0].msg)

	if outcome := carol.router.HandleInbound(context.Background(), direct); outcome != OutcomeDelivered {
		t.Fatalf("expected delivery on first copy, got %s", outcome)
	}
	if outcome := carol.router.HandleInbound(context.Background(), viaBob); outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate on second copy, got %s", outcome)
	}

	delivered := drainDeliveries(carol.router.Deliveries())
	if len(delivered) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(delivered))
	}
	if string(delivered[0].Content) != "hi" || delivered[0].ID != msg.ID {
		t.Fatalf("unexpected delivered message: %+v", delivered[0])
	}
	if len(carol.outbound.snapshot()) != 0 {
		t.Fatalf("a delivered message must not be relayed")
	}
}

func TestRelayDecrementsTTLAndAppendsRoute(t *testing.T) {
	alice := newTestNode(t, true)
	bob := newTestNode(t, true)

	msg := alice.send(t, "c0c0c0c0c0c0c0c0", "relay me")
	if outcome := bob.router.HandleInbound(context.Background(), encode(t, msg)); outcome != OutcomeRelayed {
		t.Fatalf("expected relay, got %s", outcome)
	}

	entries := bob.outbound.snapshot()
	if len(entries) != 1 || entries[0].origin != OriginRelay {
		t.Fatalf("expected one relay entry, got %+v", entries)
	}
	relayed := entries[0].msg
	if relayed.TTL != msg.TTL-1 {
		t.Fatalf("expected ttl %d, got %d", msg.TTL-1, relayed.TTL)
	}
	if len(relayed.Route) != len(msg.Route)+1 || relayed.LastHop() != bob.identity.Address {
		t.Fatalf("expected route to grow by bob, got %v", relayed.Route)
	}
	if len(msg.Route) != 1 {
		t.Fatalf("relay must not mutate the inbound message route")
	}
}

func TestTTLZeroIsNeverRelayed(t *testing.T) {
	alice := newTestNode(t, true)
	bob := newTestNode(t, true)
	carol := newTestNode(t, true)

	msg := alice.send(t, "c0c0c0c0c0c0c0c0", "last hop")
	msg.TTL = 0
	if outcome := bob.router.HandleInbound(context.Background(), encode(t, msg)); outcome != OutcomeTTLExhausted {
		t.Fatalf("expected ttl drop, got %s", outcome)
	}
	if len(bob.outbound.snapshot()) != 0 {
		t.Fatalf("ttl 0 message must not be queued for relay")
	}

	toCarol := alice.send(t, carol.identity.Address, "still delivered")
	toCarol.TTL = 0
	if outcome := carol.router.HandleInbound(context.Background(), encode(t, toCarol)); outcome != OutcomeDelivered {
		t.Fatalf("ttl 0 message for the local node should be delivered, got %s", outcome)
	}
}

func TestLoopGuardDropsRevisit(t *testing.T) {
	alice := newTestNode(t, true)
	bob := newTestNode(t, true)

	msg := alice.send(t, "c0c0c0c0c0c0c0c0", "loop")
	msg.Route = append(msg.Route, bob.identity.Address, "d0d0d0d0d0d0d0d0")
	msg.TTL = 3

	if outcome := bob.router.HandleInbound(context.Background(), encode(t, msg)); outcome != OutcomeLoop {
		t.Fatalf("expected loop drop, got %s", outcome)
	}
	if len(bob.outbound.snapshot()) != 0 {
		t.Fatalf("looped message must not be relayed")
	}
}

func TestInvalidSignatureIsDroppedSilently(t *testing.T) {
	alice := newTestNode(t, true)
	mallory := newTestNode(t, true)
	carol := newTestNode(t, true)

	original := alice.send(t, carol.identity.Address, "original")
	tampered := original.Clone()
	tampered.Content = []byte("tampered")
	if outcome := carol.router.HandleInbound(context.Background(), encode(t, tampered)); outcome != OutcomeInvalidSignature {
		t.Fatalf("expected invalid signature drop, got %s", outcome)
	}

	// A valid signature under mallory's key claiming alice's address.
	spoofed := mallory.send(t, carol.identity.Address, "spoof")
	spoofed.From = alice.identity.Address
	if outcome := carol.router.HandleInbound(context.Background(), encode(t, spoofed)); outcome != OutcomeInvalidSignature {
		t.Fatalf("expected spoofed sender drop, got %s", outcome)
	}

	if len(drainDeliveries(carol.router.Deliveries())) != 0 {
		t.Fatalf("invalid messages must never be delivered")
	}

	// The forged copy must not poison dedupe for the genuine message.
	if outcome := carol.router.HandleInbound(context.Background(), encode(t, original)); outcome != OutcomeDelivered {
		t.Fatalf("expected genuine message delivery, got %s", outcome)
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	carol := newTestNode(t, true)
	if outcome := carol.router.HandleInbound(context.Background(), []byte{0x01, 0x02}); outcome != OutcomeMalformed {
		t.Fatalf("expected malformed drop, got %s", outcome)
	}
}

func TestRelayPolicies(t *testing.T) {
	alice := newTestNode(t, true)
	leaf := newTestNode(t, false)

	msg := alice.send(t, "c0c0c0c0c0c0c0c0", "x")
	if outcome := leaf.router.HandleInbound(context.Background(), encode(t, msg)); outcome != OutcomeRelayDisabled {
		t.Fatalf("expected relay disabled drop, got %s", outcome)
	}

	identity, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	outbound := &recordingOutbound{}
	picky, err := NewRouter(Config{
		Identity:     identity,
		RelayEnabled: true,
		Outbound:     outbound,
		RelayFrom:    func(previousHop string) bool { return previousHop != alice.identity.Address },
	})
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	defer picky.Close()

	other := alice.send(t, "c0c0c0c0c0c0c0c0", "y")
	if outcome := picky.HandleInbound(context.Background(), encode(t, other)); outcome != OutcomeRelayDenied {
		t.Fatalf("expected relay denied drop, got %s", outcome)
	}
}

func TestArchiveAndSubscriptions(t *testing.T) {
	alice := newTestNode(t, true)
	identity, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}

	var archived []models.MeshMessage
	router, err := NewRouter(Config{
		Identity: identity,
		Outbound: &recordingOutbound{},
		Archive:  func(msg models.MeshMessage) { archived = append(archived, msg) },
	})
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	sub, unsubscribe := router.Subscribe()
	msg := alice.send(t, identity.Address, "hello")
	if outcome := router.HandleInbound(context.Background(), encode(t, msg)); outcome != OutcomeDelivered {
		t.Fatalf("expected delivery, got %s", outcome)
	}

	select {
	case got := <-sub:
		if got.ID != msg.ID {
			t.Fatalf("unexpected subscription message %q", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for subscription delivery")
	}
	if len(archived) != 1 || archived[0].ID != msg.ID {
		t.Fatalf("expected delivered message to be archived, got %d", len(archived))
	}

	unsubscribe()
	unsubscribe()
	router.Close()
	router.Close()
	if _, err := router.Send(context.Background(), alice.identity.Address, []byte("x")); !errors.Is(err, ErrRouterClosed) {
		t.Fatalf("expected ErrRouterClosed, got %v", err)
	}
}

func TestSendToSelfDeliversLocally(t *testing.T) {
	alice := newTestNode(t, true)
	msg := alice.send(t, alice.identity.Address, "note to self")

	delivered := drainDeliveries(alice.router.Deliveries())
	if len(delivered) != 1 || delivered[0].ID != msg.ID {
		t.Fatalf("expected local delivery, got %+v", delivered)
	}
	if len(alice.outbound.snapshot()) != 0 {
		t.Fatalf("self-addressed message must not be queued")
	}
}

func TestSubscribeOnlyCallerDoesNotFillDeliveries(t *testing.T) {
	alice := newTestNode(t, true)
	identity, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	router, err := NewRouter(Config{
		Identity:       identity,
		Outbound:       &recordingOutbound{},
		DeliveryBuffer: 2,
	})
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	t.Cleanup(router.Close)

	sub, unsubscribe := router.Subscribe()
	defer unsubscribe()
	for i := 0; i < 5; i++ {
		msg := alice.send(t, identity.Address, fmt.Sprintf("m-%d", i))
		if outcome := router.HandleInbound(context.Background(), encode(t, msg)); outcome != OutcomeDelivered {
			t.Fatalf("expected delivery, got %s", outcome)
		}
		select {
		case got := <-sub:
			if got.ID != msg.ID {
				t.Fatalf("unexpected subscription message %q", got.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for subscription delivery %d", i)
		}
	}

	deliveries := router.Deliveries()
	if stale := drainDeliveries(deliveries); len(stale) != 0 {
		t.Fatalf("expected unclaimed delivery channel to stay empty, got %d", len(stale))
	}
	msg := alice.send(t, identity.Address, "after claim")
	if outcome := router.HandleInbound(context.Background(), encode(t, msg)); outcome != OutcomeDelivered {
		t.Fatalf("expected delivery, got %s", outcome)
	}
	if got := drainDeliveries(deliveries); len(got) != 1 || got[0].ID != msg.ID {
		t.Fatalf("expected claimed channel to receive new deliveries, got %d", len(got))
	}
	<-sub
}

func drainDeliveries(ch <-chan models.MeshMessage) []models.MeshMessage {
	var out []models.MeshMessage
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestHeardReportsPreviousHopOfVerifiedFrames(t *testing.T) {
	alice := newTestNode(t, true)
	identity, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}

	var heard []string
	router, err := NewRouter(Config{
		Identity:     identity,
		RelayEnabled: true,
		Outbound:     &recordingOutbound{},
		Heard:        func(previousHop string) { heard = append(heard, previousHop) },
	})
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	defer router.Close()

	msg := alice.send(t, "c0c0c0c0c0c0c0c0", "ping")
	router.HandleInbound(context.Background(), encode(t, msg))

	forged := msg
	forged.ID = "forged-id"
	router.HandleInbound(context.Background(), encode(t, forged))

	if len(heard) != 1 || heard[0] != alice.identity.Address {
		t.Fatalf("expected only the verified frame to be heard from %s, got %v", alice.identity.Address, heard)
	}
}
