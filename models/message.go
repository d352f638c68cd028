package models

// Delivery statuses of a QueuedMessage.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// MeshMessage is one signed, TTL-bounded unit relayed hop by hop.
type MeshMessage struct {
	ID        string   `json:"id" cbor:"1,keyasint"`
	From      string   `json:"from" cbor:"2,keyasint"`
	To        string   `json:"to" cbor:"3,keyasint"`
	Content   []byte   `json:"content" cbor:"4,keyasint"`
	Timestamp int64    `json:"timestamp" cbor:"5,keyasint"`
	TTL       int      `json:"ttl" cbor:"6,keyasint"`
	Signature []byte   `json:"signature" cbor:"7,keyasint"`
	SenderKey []byte   `json:"sender_key" cbor:"8,keyasint"`
	Route     []string `json:"route" cbor:"9,keyasint"`
}

// Clone returns a deep copy so relays never mutate a caller's message.
func (m MeshMessage) Clone() MeshMessage {
	out := m
	out.Content = cloneBytes(m.Content)
	out.Signature = cloneBytes(m.Signature)
	out.SenderKey = cloneBytes(m.SenderKey)
	if m.Route != nil {
		out.Route = append([]string(nil), m.Route...)
	}
	return out
}

// Visited reports whether address already appears in the route.
func (m MeshMessage) Visited(address string) bool {
	for _, hop := range m.Route {
		if hop == address {
			return true
		}
	}
	return false
}

// LastHop returns the most recent route entry, or "" for an empty route.
func (m MeshMessage) LastHop() string {
	if len(m.Route) == 0 {
		return ""
	}
	return m.Route[len(m.Route)-1]
}

// QueuedMessage is local delivery-attempt bookkeeping for a MeshMessage.
type QueuedMessage struct {
	Message     MeshMessage `json:"message"`
	Status      string      `json:"status"`
	Attempts    int         `json:"attempts"`
	LastAttempt *int64      `json:"last_attempt,omitempty"`
	EnqueuedAt  int64       `json:"enqueued_at"`
	Origin      string      `json:"origin"`
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	return append([]byte{}, in...)
}
