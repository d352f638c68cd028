package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"meshbridge/codec"
	"meshbridge/models"
	"meshbridge/storage"
	"meshbridge/transport"
)

type fakeTransmitter struct {
	mu      sync.Mutex
	ready   bool
	err     error
	sent    [][]byte
	calls   int
	release chan struct{}
}

func (f *fakeTransmitter) Transmit(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	f.calls++
	release := f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeTransmitter) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeTransmitter) setReady(ready bool) {
	f.mu.Lock()
	f.ready = ready
	f.mu.Unlock()
}

func (f *fakeTransmitter) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTransmitter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testMessage(id string) models.MeshMessage {
	return models.MeshMessage{
		ID:        id,
		From:      "aaaaaaaaaaaaaaaa",
		To:        "bbbbbbbbbbbbbbbb",
		Content:   []byte("hi"),
		Timestamp: time.Now().UnixMilli(),
		TTL:       5,
		Route:     []string{"aaaaaaaaaaaaaaaa"},
	}
}

func newTestQueue(t *testing.T, tx *fakeTransmitter, opts Options) *Queue {
	t.Helper()
	opts.Transmitter = tx
	q, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(q.Stop)
	return q
}

func mustGet(t *testing.T, q *Queue, id string) models.QueuedMessage {
	t.Helper()
	entry, ok := q.Get(id)
	if !ok {
		t.Fatalf("expected entry %q in queue", id)
	}
	return entry
}

func TestEnqueueTransmitsImmediatelyWhenReady(t *testing.T) {
	tx := &fakeTransmitter{ready: true}
	q := newTestQueue(t, tx, Options{})

	entry, err := q.Enqueue(context.Background(), testMessage("m1"), "local")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if entry.Status != models.StatusSent || entry.Attempts != 1 || entry.LastAttempt == nil {
		t.Fatalf("expected sent after one attempt, got %+v", entry)
	}

	decoded, err := codec.DecodeMessage(tx.sent[0])
	if err != nil {
		t.Fatalf("transmitted payload does not decode: %v", err)
	}
	if decoded.ID != "m1" {
		t.Fatalf("unexpected transmitted id %q", decoded.ID)
	}
}

func TestTransportDownFailsAfterThreeCyclesButStaysInCustody(t *testing.T) {
	tx := &fakeTransmitter{ready: false}
	q := newTestQueue(t, tx, Options{})

	entry, err := q.Enqueue(context.Background(), testMessage("m1"), "local")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if entry.Status != models.StatusPending || entry.Attempts != 0 {
		t.Fatalf("expected pending with zero attempts, got %+v", entry)
	}

	for cycle := 1; cycle <= 3; cycle++ {
		q.RetryPending(context.Background())
		got := mustGet(t, q, "m1")
		if got.Attempts != cycle {
			t.Fatalf("cycle %d: expected %d attempts, got %d", cycle, cycle, got.Attempts)
		}
		if cycle < 3 && got.Status != models.StatusPending {
			t.Fatalf("cycle %d: expected pending, got %s", cycle, got.Status)
		}
	}

	got := mustGet(t, q, "m1")
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed after three cycles, got %s", got.Status)
	}

	// Failed entries are never retried over the mesh.
	tx.setReady(true)
	q.RetryPending(context.Background())
	if tx.callCount() != 0 {
		t.Fatalf("failed entry was retransmitted")
	}
	if mustGet(t, q, "m1").Attempts != 3 {
		t.Fatalf("attempts changed after failure")
	}

	custody := q.Custody()
	if len(custody) != 1 || custody[0].Message.ID != "m1" {
		t.Fatalf("expected failed entry to remain in custody, got %+v", custody)
	}
}

func TestRetryIsNoopForSentAndFailed(t *testing.T) {
	tx := &fakeTransmitter{ready: true}
	q := newTestQueue(t, tx, Options{})

	if _, err := q.Enqueue(context.Background(), testMessage("sent"), "local"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	tx.setErr(transport.ErrPayloadTooLarge)
	if _, err := q.Enqueue(context.Background(), testMessage("failed"), "local"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if got := mustGet(t, q, "failed"); got.Status != models.StatusFailed {
		t.Fatalf("oversized payload should fail immediately, got %s", got.Status)
	}

	tx.setErr(nil)
	calls := tx.callCount()
	for _, id := range []string{"sent", "failed"} {
		before := mustGet(t, q, id)
		if err := q.Retry(context.Background(), id); err != nil {
			t.Fatalf("Retry %q failed: %v", id, err)
		}
		after := mustGet(t, q, id)
		if before.Status != after.Status || before.Attempts != after.Attempts {
			t.Fatalf("Retry changed %q: %+v -> %+v", id, before, after)
		}
	}
	if tx.callCount() != calls {
		t.Fatalf("Retry transmitted a non-pending entry")
	}

	if err := q.Retry(context.Background(), "unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPendingRecoversWhenTransportReturns(t *testing.T) {
	tx := &fakeTransmitter{ready: true, err: errors.New("radio glitch")}
	q := newTestQueue(t, tx, Options{})

	if _, err := q.Enqueue(context.Background(), testMessage("m1"), "relay"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if got := mustGet(t, q, "m1"); got.Status != models.StatusPending || got.Attempts != 1 {
		t.Fatalf("expected pending after one failed attempt, got %+v", got)
	}

	tx.setErr(nil)
	if sent := q.RetryPending(context.Background()); sent != 1 {
		t.Fatalf("expected one sent message, got %d", sent)
	}
	got := mustGet(t, q, "m1")
	if got.Status != models.StatusSent || got.Attempts != 2 {
		t.Fatalf("expected sent after second attempt, got %+v", got)
	}
	if got.Origin != "relay" {
		t.Fatalf("origin lost: %q", got.Origin)
	}
}

func TestConcurrentRetriesTransmitOnce(t *testing.T) {
	tx := &fakeTransmitter{ready: false}
	q := newTestQueue(t, tx, Options{})
	if _, err := q.Enqueue(context.Background(), testMessage("m1"), "local"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	release := make(chan struct{})
	tx.mu.Lock()
	tx.ready = true
	tx.release = release
	tx.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.RetryPending(context.Background())
		}()
	}
	waitForCondition(t, time.Second, func() bool { return tx.callCount() >= 1 })
	close(release)
	wg.Wait()

	if tx.sentCount() != 1 {
		t.Fatalf("expected exactly one transmission, got %d", tx.sentCount())
	}
	if got := mustGet(t, q, "m1"); got.Attempts != 1 || got.Status != models.StatusSent {
		t.Fatalf("unexpected entry after concurrent retries: %+v", got)
	}
}

func TestEnqueueIsIdempotentPerID(t *testing.T) {
	tx := &fakeTransmitter{ready: true}
	q := newTestQueue(t, tx, Options{})

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(context.Background(), testMessage("same"), "local"); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if q.Len() != 1 || tx.sentCount() != 1 {
		t.Fatalf("expected one entry and one transmission, got len=%d sent=%d", q.Len(), tx.sentCount())
	}
}

func TestQueueFullKeepsFailedEntriesUntilRemoved(t *testing.T) {
	tx := &fakeTransmitter{ready: true, err: transport.ErrPayloadTooLarge}
	var fullSignals int
	q := newTestQueue(t, tx, Options{MaxEntries: 3, OnFull: func() { fullSignals++ }})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, testMessage(fmt.Sprintf("failed-%d", i)), "local"); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	tx.setReady(false)
	if _, err := q.Enqueue(ctx, testMessage("pending"), "local"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := q.Enqueue(ctx, testMessage("newest"), "local"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if _, err := q.Hold(testMessage("delivered"), "remote"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull from Hold, got %v", err)
	}
	if fullSignals != 2 {
		t.Fatalf("expected OnFull per rejection, got %d", fullSignals)
	}
	for _, id := range []string{"failed-0", "failed-1", "pending"} {
		if _, ok := q.Get(id); !ok {
			t.Fatalf("expected %s to stay in custody", id)
		}
	}

	if err := q.Remove([]string{"failed-0"}); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, testMessage("newest"), "local"); err != nil {
		t.Fatalf("expected room after Remove: %v", err)
	}
	if q.Len() != 3 {
		t.Fatalf("expected bounded length 3, got %d", q.Len())
	}
}

func TestRetryPendingExpiresOldEntries(t *testing.T) {
	tx := &fakeTransmitter{ready: false}
	clock := time.Now()
	q := newTestQueue(t, tx, Options{MaxAge: time.Hour, now: func() time.Time { return clock }})

	if _, err := q.Enqueue(context.Background(), testMessage("old"), "local"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	clock = clock.Add(2 * time.Hour)
	q.RetryPending(context.Background())

	got := mustGet(t, q, "old")
	if got.Status != models.StatusFailed || got.Attempts != 0 {
		t.Fatalf("expected expired entry to fail without an attempt, got %+v", got)
	}
}

func TestRemoveAndHold(t *testing.T) {
	tx := &fakeTransmitter{ready: false}
	q := newTestQueue(t, tx, Options{})

	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(context.Background(), testMessage(id), "local"); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	held, err := q.Hold(testMessage("delivered"), "delivered")
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if held.Status != models.StatusSent {
		t.Fatalf("held entries must never be transmitted, got %s", held.Status)
	}

	if err := q.Remove([]string{"b", "delivered"}); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	custody := q.Custody()
	if len(custody) != 2 || custody[0].Message.ID != "a" || custody[1].Message.ID != "c" {
		t.Fatalf("unexpected custody after remove: %+v", custody)
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := storage.Open(dataDir, storage.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	tx := &fakeTransmitter{ready: false}
	first, err := New(Options{Transmitter: tx, Persister: store})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for _, id := range []string{"m1", "m2"} {
		if _, err := first.Enqueue(context.Background(), testMessage(id), "local"); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	first.RetryPending(context.Background())
	first.Stop()
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store, _, err = storage.Open(dataDir, storage.Options{})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()

	second, err := New(Options{Transmitter: tx, Persister: store})
	if err != nil {
		t.Fatalf("New after restart failed: %v", err)
	}
	defer second.Stop()

	custody := second.Custody()
	if len(custody) != 2 || custody[0].Message.ID != "m1" || custody[1].Message.ID != "m2" {
		t.Fatalf("unexpected restored custody: %+v", custody)
	}
	if custody[0].Attempts != 1 || custody[0].Status != models.StatusPending {
		t.Fatalf("attempt bookkeeping lost across restart: %+v", custody[0])
	}

	if err := second.Remove([]string{"m1"}); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	persisted, err := store.LoadQueue()
	if err != nil {
		t.Fatalf("LoadQueue failed: %v", err)
	}
	if len(persisted) != 1 || persisted[0].Message.ID != "m2" {
		t.Fatalf("expected removal to reach storage, got %+v", persisted)
	}
}

func TestBackgroundLoopRetriesOnKick(t *testing.T) {
	tx := &fakeTransmitter{ready: false}
	q := newTestQueue(t, tx, Options{RetryInterval: time.Hour})
	q.Start()

	if _, err := q.Enqueue(context.Background(), testMessage("m1"), "local"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	tx.setReady(true)
	q.Kick()

	waitForCondition(t, 2*time.Second, func() bool {
		entry, ok := q.Get("m1")
		return ok && entry.Status == models.StatusSent
	})

	q.Stop()
	q.Stop()
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
