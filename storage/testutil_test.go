package storage

import (
	"testing"

	"meshbridge/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir, Options{})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testEntry(id string) models.QueuedMessage {
	return models.QueuedMessage{
		Message: models.MeshMessage{
			ID:        id,
			From:      "aaaaaaaaaaaaaaaa",
			To:        "bbbbbbbbbbbbbbbb",
			Content:   []byte("payload-" + id),
			Timestamp: nowUnixMilli(),
			TTL:       5,
			Signature: []byte{1, 2, 3},
			SenderKey: []byte{4, 5, 6},
			Route:     []string{"aaaaaaaaaaaaaaaa"},
		},
		Status:     models.StatusPending,
		EnqueuedAt: nowUnixMilli(),
		Origin:     "local",
	}
}

func mustSaveQueued(t *testing.T, store *Store, entry models.QueuedMessage) {
	t.Helper()
	if err := store.SaveQueued(entry); err != nil {
		t.Fatalf("save queued %q: %v", entry.Message.ID, err)
	}
}
