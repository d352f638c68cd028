package models

// MessageBundle is an immutable batch of messages prepared for externalization.
type MessageBundle struct {
	BundleID  string        `json:"bundle_id" cbor:"1,keyasint"`
	CreatedAt int64         `json:"created_at" cbor:"2,keyasint"`
	Region    string        `json:"region,omitempty" cbor:"3,keyasint,omitempty"`
	Messages  []MeshMessage `json:"messages" cbor:"4,keyasint"`
	Size      int           `json:"size" cbor:"-"`
}

// MessageIDs lists the IDs of the bundled messages in order.
func (b MessageBundle) MessageIDs() []string {
	ids := make([]string, 0, len(b.Messages))
	for _, message := range b.Messages {
		ids = append(ids, message.ID)
	}
	return ids
}

// ProofRecord binds a stored bundle to its message count and creation time.
type ProofRecord struct {
	ContentHash  string `json:"content_hash"`
	MessageCount int    `json:"message_count"`
	BundleHash   string `json:"bundle_hash"`
	Timestamp    int64  `json:"timestamp"`
}

// ProofReceipt identifies a submitted proof record on the ledger.
type ProofReceipt struct {
	ProofID     string `json:"proof_id"`
	Sequence    uint64 `json:"sequence"`
	SubmittedAt int64  `json:"submitted_at"`
}
