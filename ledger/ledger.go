// Package ledger records bundle proofs and reports when they become final.
package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"meshbridge/models"
)

const (
	// DefaultConfirmations is how many later commits make a proof final.
	DefaultConfirmations = 2
	// DefaultFinalizeInterval finalizes everything committed before the tick.
	DefaultFinalizeInterval = 5 * time.Second
	// DefaultFileName is the bbolt filename under the ledger directory.
	DefaultFileName = "proofs.db"
)

var (
	proofsBucket = []byte("proofs")
	indexBucket  = []byte("content-index")
	metaBucket   = []byte("meta")
	finalizedKey = []byte("finalized")

	// ErrInvalidProof indicates a proof record missing required fields.
	ErrInvalidProof = errors.New("ledger: invalid proof record")
	// ErrNotFound indicates an unknown proof receipt.
	ErrNotFound = errors.New("ledger: proof not found")
	// ErrClosed indicates the ledger was closed.
	ErrClosed = errors.New("ledger: closed")
)

// Ledger accepts proof records and confirms their finality.
type Ledger interface {
	SubmitProof(ctx context.Context, record models.ProofRecord) (models.ProofReceipt, error)
	AwaitFinality(ctx context.Context, receipt models.ProofReceipt) error
}

// Entry is one committed proof.
type Entry struct {
	Receipt     models.ProofReceipt `json:"receipt"`
	Record      models.ProofRecord  `json:"record"`
	FinalizedAt int64               `json:"finalized_at,omitempty"`
}

// Final reports whether the entry reached finality.
func (e Entry) Final() bool {
	return e.FinalizedAt > 0
}

// Options configures a BoltLedger.
type Options struct {
	Path             string
	Confirmations    int
	FinalizeInterval time.Duration
	Logger           *zap.Logger

	now func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.Confirmations <= 0 {
		out.Confirmations = DefaultConfirmations
	}
	if out.FinalizeInterval <= 0 {
		out.FinalizeInterval = DefaultFinalizeInterval
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

// BoltLedger is an append-only proof log in a bbolt file. A proof is final once
// Confirmations later proofs were committed, or a finalizer tick passed after it.
type BoltLedger struct {
	db     *bolt.DB
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	changed chan struct{}
	closed  bool

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// Open opens or creates the ledger file and starts the finalizer.
func Open(options Options) (*BoltLedger, error) {
	opts := options.withDefaults()
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("ledger path required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
		return nil, fmt.Errorf("ledger: mkdir: %w", err)
	}
	db, err := bolt.Open(opts.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{proofsBucket, indexBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: init buckets: %w", err)
	}

	l := &BoltLedger{
		db:      db,
		opts:    opts,
		logger:  opts.Logger.Named("ledger"),
		changed: make(chan struct{}),
		stop:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.finalizer()
	return l, nil
}

// SubmitProof commits a proof record. Submitting a content hash that is already on
// the ledger returns the existing receipt.
func (l *BoltLedger) SubmitProof(ctx context.Context, record models.ProofRecord) (models.ProofReceipt, error) {
	if err := validateRecord(record); err != nil {
		return models.ProofReceipt{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.ProofReceipt{}, err
	}
	if l.isClosed() {
		return models.ProofReceipt{}, ErrClosed
	}

	var receipt models.ProofReceipt
	existing := false
	err := l.db.Update(func(tx *bolt.Tx) error {
		proofs := tx.Bucket(proofsBucket)
		index := tx.Bucket(indexBucket)

		if key := index.Get([]byte(record.ContentHash)); key != nil {
			entry, err := decodeEntry(proofs.Get(key))
			if err != nil {
				return err
			}
			receipt = entry.Receipt
			existing = true
			return nil
		}

		seq, err := proofs.NextSequence()
		if err != nil {
			return err
		}
		receipt = models.ProofReceipt{
			ProofID:     fmt.Sprintf("proof-%d", seq),
			Sequence:    seq,
			SubmittedAt: l.opts.now().UnixMilli(),
		}
		data, err := json.Marshal(Entry{Receipt: receipt, Record: record})
		if err != nil {
			return err
		}
		key := sequenceKey(seq)
		if err := proofs.Put(key, data); err != nil {
			return err
		}
		if err := index.Put([]byte(record.ContentHash), key); err != nil {
			return err
		}
		if seq > uint64(l.opts.Confirmations) {
			return l.finalizeThrough(tx, seq-uint64(l.opts.Confirmations))
		}
		return nil
	})
	if err != nil {
		return models.ProofReceipt{}, fmt.Errorf("ledger: submit proof: %w", err)
	}

	if !existing {
		l.logger.Info("proof committed",
			zap.String("proof_id", receipt.ProofID),
			zap.String("content_hash", record.ContentHash),
			zap.Int("message_count", record.MessageCount),
		)
	}
	l.notify()
	return receipt, nil
}

// AwaitFinality blocks until the proof is final or ctx is done.
func (l *BoltLedger) AwaitFinality(ctx context.Context, receipt models.ProofReceipt) error {
	for {
		l.mu.Lock()
		changed := l.changed
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return ErrClosed
		}

		entry, err := l.Get(receipt.Sequence)
		if err != nil {
			return err
		}
		if entry.Final() {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("ledger: await finality of %s: %w", receipt.ProofID, ctx.Err())
		}
	}
}

// Get returns the entry committed under sequence.
func (l *BoltLedger) Get(sequence uint64) (Entry, error) {
	var entry Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(proofsBucket).Get(sequenceKey(sequence))
		if data == nil {
			return ErrNotFound
		}
		var err error
		entry, err = decodeEntry(data)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Head returns the latest committed sequence, or 0 for an empty ledger.
func (l *BoltLedger) Head() (uint64, error) {
	var head uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		head = tx.Bucket(proofsBucket).Sequence()
		return nil
	})
	return head, err
}

// Finalize marks every committed proof final.
func (l *BoltLedger) Finalize() error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		head := tx.Bucket(proofsBucket).Sequence()
		return l.finalizeThrough(tx, head)
	})
	if err != nil {
		return fmt.Errorf("ledger: finalize: %w", err)
	}
	l.notify()
	return nil
}

// Close stops the finalizer and closes the file. It is idempotent.
func (l *BoltLedger) Close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stop)
		l.wg.Wait()

		l.mu.Lock()
		l.closed = true
		close(l.changed)
		l.mu.Unlock()

		err = l.db.Close()
	})
	return err
}

func (l *BoltLedger) finalizeThrough(tx *bolt.Tx, sequence uint64) error {
	meta := tx.Bucket(metaBucket)
	proofs := tx.Bucket(proofsBucket)

	var done uint64
	if raw := meta.Get(finalizedKey); raw != nil {
		done = binary.BigEndian.Uint64(raw)
	}
	if sequence <= done {
		return nil
	}

	now := l.opts.now().UnixMilli()
	cursor := proofs.Cursor()
	for k, v := cursor.Seek(sequenceKey(done + 1)); k != nil; k, v = cursor.Next() {
		if binary.BigEndian.Uint64(k) > sequence {
			break
		}
		entry, err := decodeEntry(v)
		if err != nil {
			return err
		}
		entry.FinalizedAt = now
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := proofs.Put(k, data); err != nil {
			return err
		}
	}
	return meta.Put(finalizedKey, sequenceKey(sequence))
}

func (l *BoltLedger) finalizer() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.FinalizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.Finalize(); err != nil {
				l.logger.Warn("finalizer tick failed", zap.Error(err))
			}
		case <-l.stop:
			return
		}
	}
}

func (l *BoltLedger) notify() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *BoltLedger) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func validateRecord(record models.ProofRecord) error {
	switch {
	case strings.TrimSpace(record.ContentHash) == "":
		return fmt.Errorf("%w: content hash is required", ErrInvalidProof)
	case strings.TrimSpace(record.BundleHash) == "":
		return fmt.Errorf("%w: bundle hash is required", ErrInvalidProof)
	case record.MessageCount <= 0:
		return fmt.Errorf("%w: message count must be positive", ErrInvalidProof)
	}
	return nil
}

func decodeEntry(data []byte) (Entry, error) {
	if data == nil {
		return Entry{}, ErrNotFound
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode proof entry: %w", err)
	}
	return entry, nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
