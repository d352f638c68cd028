// Package queue holds the outbound delivery queue: a bounded FIFO of mesh messages
// with bounded transmit retries and custody tracking for the bridge.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshbridge/codec"
	"meshbridge/metrics"
	"meshbridge/models"
	"meshbridge/transport"
)

const (
	// MaxAttempts is how many transmissions a pending entry gets before it fails.
	MaxAttempts = 3
	// MaxEntries bounds the number of entries held in custody.
	MaxEntries = 500
	// DefaultRetryInterval is the retry timer period.
	DefaultRetryInterval = 5 * time.Second
	// DefaultMaxAge marks pending entries older than this as failed.
	DefaultMaxAge = 7 * 24 * time.Hour
)

var (
	// ErrQueueFull indicates the queue is at MaxEntries. Nothing is evicted.
	ErrQueueFull = errors.New("queue: full")
	// ErrNotFound indicates an unknown message ID.
	ErrNotFound = errors.New("queue: message not found")
	// ErrNotReady indicates the transmitter had no usable channel for an attempt.
	ErrNotReady = errors.New("queue: transmitter not ready")
)

// Transmitter writes one encoded envelope to the mesh.
type Transmitter interface {
	Transmit(ctx context.Context, payload []byte) error
	Ready() bool
}

// Persister stores queue entries so custody survives restarts.
type Persister interface {
	LoadQueue() ([]models.QueuedMessage, error)
	SaveQueued(entry models.QueuedMessage) error
	DeleteQueued(messageIDs []string) error
}

// Options wires a Queue.
type Options struct {
	Transmitter   Transmitter
	Persister     Persister
	MaxAttempts   int
	MaxEntries    int
	RetryInterval time.Duration
	MaxAge        time.Duration
	// OnFull is called, outside the queue lock, whenever a message is rejected
	// with ErrQueueFull.
	OnFull        func()
	Logger        *zap.Logger
	Metrics       *metrics.Recorder

	now func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = MaxAttempts
	}
	if out.MaxEntries <= 0 {
		out.MaxEntries = MaxEntries
	}
	if out.RetryInterval <= 0 {
		out.RetryInterval = DefaultRetryInterval
	}
	if out.MaxAge <= 0 {
		out.MaxAge = DefaultMaxAge
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

type entry struct {
	models.QueuedMessage
	inFlight bool
}

func (e *entry) snapshot() models.QueuedMessage {
	out := e.QueuedMessage
	out.Message = e.Message.Clone()
	if e.LastAttempt != nil {
		v := *e.LastAttempt
		out.LastAttempt = &v
	}
	return out
}

// Queue serializes every mutation behind one mutex. Transmission runs outside the
// lock; an in-flight flag keeps an entry from being sent twice concurrently.
type Queue struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	entries []*entry
	index   map[string]*entry

	wake chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a queue and restores persisted entries in arrival order.
func New(options Options) (*Queue, error) {
	opts := options.withDefaults()
	if opts.Transmitter == nil {
		return nil, errors.New("queue transmitter is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		opts:    opts,
		logger:  opts.Logger.Named("queue"),
		index:   make(map[string]*entry),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		entries: make([]*entry, 0),
	}

	if opts.Persister != nil {
		persisted, err := opts.Persister.LoadQueue()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load queue: %w", err)
		}
		for _, item := range persisted {
			if _, exists := q.index[item.Message.ID]; exists {
				continue
			}
			e := &entry{QueuedMessage: item}
			q.entries = append(q.entries, e)
			q.index[item.Message.ID] = e
		}
		if len(persisted) > 0 {
			q.logger.Info("restored queue", zap.Int("entries", len(q.entries)))
		}
	}

	q.mu.Lock()
	q.observeLocked()
	q.mu.Unlock()
	return q, nil
}

// Enqueue adds a message as pending and attempts it right away when the
// transmitter is ready. Re-enqueueing a held ID returns the existing entry.
func (q *Queue) Enqueue(ctx context.Context, msg models.MeshMessage, origin string) (models.QueuedMessage, error) {
	queued, created, err := q.insert(msg, origin, models.StatusPending)
	if err != nil || !created {
		q.reportFull(err)
		return queued, err
	}

	if q.opts.Transmitter.Ready() {
		q.attempt(ctx, msg.ID)
		if current, ok := q.Get(msg.ID); ok {
			return current, nil
		}
	}
	return queued, nil
}

// Hold takes custody of a message without ever transmitting it.
func (q *Queue) Hold(msg models.MeshMessage, origin string) (models.QueuedMessage, error) {
	queued, _, err := q.insert(msg, origin, models.StatusSent)
	q.reportFull(err)
	return queued, err
}

// reportFull tells the owner that custody is at capacity. Entries are never
// dropped to make room; only externalization frees space.
func (q *Queue) reportFull(err error) {
	if !errors.Is(err, ErrQueueFull) {
		return
	}
	q.logger.Warn("queue full, rejecting message", zap.Int("entries", q.opts.MaxEntries))
	if q.opts.OnFull != nil {
		q.opts.OnFull()
	}
}

func (q *Queue) insert(msg models.MeshMessage, origin, status string) (models.QueuedMessage, bool, error) {
	if msg.ID == "" {
		return models.QueuedMessage{}, false, errors.New("message id is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.index[msg.ID]; ok {
		return existing.snapshot(), false, nil
	}

	if len(q.entries) >= q.opts.MaxEntries {
		return models.QueuedMessage{}, false, ErrQueueFull
	}

	e := &entry{QueuedMessage: models.QueuedMessage{
		Message:    msg.Clone(),
		Status:     status,
		EnqueuedAt: q.opts.now().UnixMilli(),
		Origin:     origin,
	}}
	if err := q.persistLocked(e); err != nil {
		return models.QueuedMessage{}, false, fmt.Errorf("enqueue %s: %w", msg.ID, err)
	}
	q.entries = append(q.entries, e)
	q.index[msg.ID] = e
	q.observeLocked()
	return e.snapshot(), true, nil
}

// RetryPending runs one retry cycle over every pending entry below the attempt
// limit, in arrival order. It returns how many entries were sent.
func (q *Queue) RetryPending(ctx context.Context) int {
	q.mu.Lock()
	cutoff := q.opts.now().Add(-q.opts.MaxAge).UnixMilli()
	ids := make([]string, 0, len(q.entries))
	expired := false
	for _, e := range q.entries {
		if e.Status != models.StatusPending || e.inFlight {
			continue
		}
		if e.EnqueuedAt < cutoff {
			e.Status = models.StatusFailed
			expired = true
			if err := q.persistLocked(e); err != nil {
				q.logger.Warn("persist expired entry", zap.String("message_id", e.Message.ID), zap.Error(err))
			}
			continue
		}
		if e.Attempts < q.opts.MaxAttempts {
			ids = append(ids, e.Message.ID)
		}
	}
	if expired {
		q.observeLocked()
	}
	q.mu.Unlock()

	sent := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if q.attempt(ctx, id) {
			sent++
		}
	}
	return sent
}

// Retry attempts one entry. Sent and failed entries are left untouched.
func (q *Queue) Retry(ctx context.Context, messageID string) error {
	q.mu.Lock()
	_, ok := q.index[messageID]
	q.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	q.attempt(ctx, messageID)
	return nil
}

// attempt transmits one pending entry and records the result. It reports success.
func (q *Queue) attempt(ctx context.Context, messageID string) bool {
	q.mu.Lock()
	e, ok := q.index[messageID]
	if !ok || e.inFlight || e.Status != models.StatusPending || e.Attempts >= q.opts.MaxAttempts {
		q.mu.Unlock()
		return false
	}
	e.inFlight = true
	msg := e.Message.Clone()
	q.mu.Unlock()

	err := q.transmit(ctx, msg)

	q.mu.Lock()
	defer q.mu.Unlock()

	e.inFlight = false
	now := q.opts.now().UnixMilli()
	e.Attempts++
	e.LastAttempt = &now

	switch {
	case err == nil:
		e.Status = models.StatusSent
	case errors.Is(err, transport.ErrPayloadTooLarge):
		e.Status = models.StatusFailed
	case e.Attempts >= q.opts.MaxAttempts:
		e.Status = models.StatusFailed
	}
	q.opts.Metrics.ObserveTransmission(err == nil)
	if err != nil {
		q.logger.Debug("transmission failed",
			zap.String("message_id", messageID),
			zap.Int("attempts", e.Attempts),
			zap.String("status", e.Status),
			zap.Error(err),
		)
	}

	if _, still := q.index[messageID]; still {
		if perr := q.persistLocked(e); perr != nil {
			q.logger.Warn("persist attempt", zap.String("message_id", messageID), zap.Error(perr))
		}
	}
	q.observeLocked()
	return err == nil
}

func (q *Queue) transmit(ctx context.Context, msg models.MeshMessage) error {
	if !q.opts.Transmitter.Ready() {
		return ErrNotReady
	}
	payload, err := codec.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return q.opts.Transmitter.Transmit(ctx, payload)
}

// Get returns a snapshot of one entry.
func (q *Queue) Get(messageID string) (models.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[messageID]
	if !ok {
		return models.QueuedMessage{}, false
	}
	return e.snapshot(), true
}

// Custody returns a snapshot of every held entry in arrival order.
func (q *Queue) Custody() []models.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.QueuedMessage, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.snapshot())
	}
	return out
}

// Remove drops entries from custody, typically after they were externalized.
func (q *Queue) Remove(messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.opts.Persister != nil {
		if err := q.opts.Persister.DeleteQueued(messageIDs); err != nil {
			return fmt.Errorf("remove queued messages: %w", err)
		}
	}

	drop := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		drop[id] = struct{}{}
		delete(q.index, id)
	}
	kept := q.entries[:0]
	for _, e := range q.entries {
		if _, ok := drop[e.Message.ID]; !ok {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	q.observeLocked()
	return nil
}

// Len returns the number of entries in custody.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Kick schedules a retry cycle without waiting for the timer.
func (q *Queue) Kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start launches the retry timer.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		q.wg.Add(1)
		go q.loop()
	})
}

// Stop cancels the retry timer and any in-flight attempt. It is idempotent.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
	})
}

func (q *Queue) loop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.runCycle()
		case <-q.wake:
			q.runCycle()
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) runCycle() {
	defer func() {
		if recovered := recover(); recovered != nil {
			q.logger.Error("retry cycle panicked", zap.Any("panic", recovered))
		}
	}()
	if sent := q.RetryPending(q.ctx); sent > 0 {
		q.logger.Debug("retry cycle sent messages", zap.Int("sent", sent))
	}
}

func (q *Queue) persistLocked(e *entry) error {
	if q.opts.Persister == nil {
		return nil
	}
	return q.opts.Persister.SaveQueued(e.snapshot())
}

func (q *Queue) observeLocked() {
	if q.opts.Metrics == nil {
		return
	}
	var pending, sent, failed int
	for _, e := range q.entries {
		switch e.Status {
		case models.StatusPending:
			pending++
		case models.StatusSent:
			sent++
		case models.StatusFailed:
			failed++
		}
	}
	q.opts.Metrics.ObserveQueue(pending, sent, failed)
}
