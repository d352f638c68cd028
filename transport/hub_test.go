package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestHubFansOutWithinRange(t *testing.T) {
	hub := startHub(t, HubOptions{})

	alice := hubAdapter(t, hub, "alice", "")
	bob := hubAdapter(t, hub, "bob", "")
	carol := hubAdapter(t, hub, "carol", "north")

	bobIn, unsubscribeBob := bob.Subscribe()
	defer unsubscribeBob()
	carolIn, unsubscribeCarol := carol.Subscribe()
	defer unsubscribeCarol()

	waitForMembers(t, hub, 3)

	payload := []byte("over the air")
	if err := alice.Transmit(context.Background(), payload); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}

	got := waitForFrame(t, bobIn)
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
	select {
	case frame := <-carolIn:
		t.Fatalf("member in another range heard %q", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubRejectsUnapprovedNode(t *testing.T) {
	hub := startHub(t, HubOptions{
		Approve: func(hello Hello) bool { return hello.NodeID != "mallory" },
	})

	adapter := NewAdapter(Options{Link: &HubLink{Address: hub.Addr().String(), NodeID: "mallory"}})
	err := adapter.Initialize(context.Background())
	if !errors.Is(err, ErrPairingRejected) {
		t.Fatalf("expected ErrPairingRejected, got %v", err)
	}
}

func TestHubLinkUnavailable(t *testing.T) {
	hub := startHub(t, HubOptions{})
	address := hub.Addr().String()
	_ = hub.Close()

	adapter := NewAdapter(Options{Link: &HubLink{Address: address, NodeID: "alice", ConnectionTimeout: time.Second}})
	if err := adapter.Initialize(context.Background()); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
}

func TestHubKickSurfacesConnectionLost(t *testing.T) {
	hub := startHub(t, HubOptions{})
	alice := hubAdapter(t, hub, "alice", "")
	waitForMembers(t, hub, 1)

	done := alice.Done()
	if !hub.Kick("alice") {
		t.Fatalf("expected kick to find member")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for lost channel")
	}
	if !errors.Is(alice.Err(), ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", alice.Err())
	}
}

func startHub(t *testing.T, options HubOptions) *Hub {
	t.Helper()
	hub, err := ListenHub("127.0.0.1:0", options)
	if err != nil {
		t.Fatalf("ListenHub failed: %v", err)
	}
	t.Cleanup(func() {
		_ = hub.Close()
	})
	return hub
}

func hubAdapter(t *testing.T, hub *Hub, nodeID, rangeName string) *Adapter {
	t.Helper()
	adapter := NewAdapter(Options{Link: &HubLink{
		Address: hub.Addr().String(),
		NodeID:  nodeID,
		Range:   rangeName,
	}})
	if err := adapter.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize %q failed: %v", nodeID, err)
	}
	t.Cleanup(func() {
		_ = adapter.Disconnect()
	})
	return adapter
}

func waitForMembers(t *testing.T, hub *Hub, count int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(hub.Members()) == count {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d hub members, have %d", count, len(hub.Members()))
}
